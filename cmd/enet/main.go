// Command enet assembles a board around the dual-port Ethernet controller
// and runs a self-test through its descriptor rings.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"time"

	"github.com/tinyrange/enet/internal/board"
	"github.com/tinyrange/enet/internal/devices/enet"
	"github.com/tinyrange/enet/internal/enetdrv"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "enet: %v\n", err)
		os.Exit(1)
	}
}

type intFlag struct {
	v   int
	set bool
}

func (f *intFlag) String() string { return strconv.Itoa(f.v) }

func (f *intFlag) Set(s string) error {
	v, err := strconv.Atoi(s)
	if err != nil {
		return err
	}
	f.v = v
	f.set = true
	return nil
}

type profileFlag struct {
	v   enet.Profile
	set bool
}

func (f *profileFlag) String() string { return f.v.String() }

func (f *profileFlag) Set(s string) error {
	if err := f.v.Set(s); err != nil {
		return err
	}
	f.set = true
	return nil
}

type portKindFlag struct {
	v   board.PortKind
	set bool
}

func (f *portKindFlag) String() string { return string(f.v) }

func (f *portKindFlag) Set(s string) error {
	switch k := board.PortKind(s); k {
	case board.PortDiscard, board.PortLoopback, board.PortCable, board.PortGvisor:
		f.v = k
		f.set = true
		return nil
	}
	return fmt.Errorf("unknown port kind %q", s)
}

const defaultBufferSize = 1536

func run() error {
	configPath := flag.String("config", "", "Board description (YAML)")
	var profile profileFlag
	flag.Var(&profile, "profile", "Port encoding on the rings (control-bit, trailing-byte)")
	var ports portKindFlag
	flag.Var(&ports, "ports", "Attach both ports to one backend kind (cable, loopback, discard, gvisor)")
	var frames intFlag
	frames.v = 16
	flag.Var(&frames, "frames", "Frames to send per port")
	var size intFlag
	size.v = 256
	flag.Var(&size, "size", "Frame size in bytes")
	var rxCount intFlag
	rxCount.v = 8
	flag.Var(&rxCount, "rx-descriptors", "RX descriptor-number register value")
	var txCount intFlag
	txCount.v = 8
	flag.Var(&txCount, "tx-descriptors", "TX descriptor-number register value")
	packetdump := flag.String("packetdump", "", "Write per-port packet captures to <prefix>.portN.pcap")
	dbg := flag.Bool("debug", false, "Enable debug logging")
	timeout := flag.Duration("timeout", 10*time.Second, "Give up after this long")
	flag.Usage = func() {
		fmt.Fprintf(os.Stderr, "Usage: %s [flags]\n\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Drive the dual-port Ethernet controller through its descriptor rings.\n\n")
		fmt.Fprintf(os.Stderr, "Examples:\n")
		fmt.Fprintf(os.Stderr, "  %s -frames 64 -size 1514\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "  %s -config board.yaml -packetdump /tmp/enet\n", os.Args[0])
		fmt.Fprintf(os.Stderr, "Flags:\n")
		flag.PrintDefaults()
	}
	flag.Parse()

	level := slog.LevelInfo
	if *dbg {
		level = slog.LevelDebug
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	cfg := board.DefaultConfig()
	if *configPath != "" {
		var err error
		if cfg, err = board.LoadConfig(*configPath); err != nil {
			return err
		}
	}
	if profile.set {
		cfg.NIC.Profile = board.Profile{Profile: profile.v}
	}
	if ports.set {
		cfg.Ports = make([]board.PortConfig, enet.NumPorts)
		for i := range cfg.Ports {
			cfg.Ports[i] = board.PortConfig{Kind: ports.v}
			if ports.v == board.PortGvisor {
				cfg.Ports[i].Address = fmt.Sprintf("10.42.%d.1/24", i)
				cfg.Ports[i].EchoPort = 7
			}
		}
	}
	for len(cfg.Ports) < enet.NumPorts {
		cfg.Ports = append(cfg.Ports, board.PortConfig{Kind: board.PortDiscard})
	}
	if *packetdump != "" {
		for i := range cfg.Ports {
			cfg.Ports[i].Pcap = fmt.Sprintf("%s.port%d.pcap", *packetdump, i)
		}
	}
	prof := cfg.NIC.Profile.Profile
	maxSize := enet.MaxFragment - prof.RxFootprint(0)
	if frames.v < 0 || rxCount.v < 0 || txCount.v < 0 || size.v < minFrameSize || size.v > maxSize {
		return fmt.Errorf("need -frames >= 0 and %d <= -size <= %d", minFrameSize, maxSize)
	}

	m, err := board.New(cfg, logger)
	if err != nil {
		return err
	}
	defer m.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()
	if *timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, *timeout)
		defer cancel()
	}

	runCtx, cancelRun := context.WithCancel(ctx)
	runErr := make(chan error, 1)
	go func() { runErr <- m.Run(runCtx) }()

	drv, err := enetdrv.New(m, enetdrv.Config{
		Base:       m.NICBase(),
		Memory:     m.MemoryBase(),
		RxCount:    uint32(rxCount.v),
		TxCount:    uint32(txCount.v),
		BufferSize: max(defaultBufferSize, prof.RxFootprint(size.v)),
		Profile:    prof,
		Interrupts: true,
		Logger:     logger,
	})
	if err == nil && drv.Footprint() > m.MemorySize() {
		err = fmt.Errorf("driver needs %d bytes of guest memory, board has %d", drv.Footprint(), m.MemorySize())
	}
	if err == nil {
		err = drv.Init()
	}
	if err == nil {
		t := &selfTest{m: m, drv: drv, cfg: cfg, out: os.Stdout, log: logger}
		err = t.run(ctx, frames.v, size.v)
	}

	cancelRun()
	if rerr := <-runErr; err == nil && rerr != nil && !errors.Is(rerr, context.Canceled) {
		err = rerr
	}
	return err
}
