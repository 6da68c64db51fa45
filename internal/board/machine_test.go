package board

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log/slog"
	"net/netip"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/tinyrange/enet/internal/devices/enet"
	"github.com/tinyrange/enet/internal/enetdrv"
	"github.com/tinyrange/enet/internal/hv"
	"github.com/tinyrange/enet/internal/netport"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// startMachine builds cfg and runs it until the test ends.
func startMachine(t *testing.T, cfg Config) *Machine {
	t.Helper()
	m, err := New(cfg, quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		if err := <-done; err != nil {
			t.Errorf("Run: %v", err)
		}
		m.Close()
	})
	return m
}

func newDriver(t *testing.T, m *Machine) *enetdrv.Driver {
	t.Helper()
	drv, err := enetdrv.New(m, enetdrv.Config{
		Base:       m.NICBase(),
		Memory:     m.MemoryBase(),
		Profile:    m.cfg.NIC.Profile.Profile,
		Interrupts: true,
		Logger:     quietLogger(),
	})
	if err != nil {
		t.Fatalf("enetdrv.New: %v", err)
	}
	if err := drv.Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}
	return drv
}

// pollUntil waits for interrupts and polls until match accepts a frame.
func pollUntil(t *testing.T, m *Machine, drv *enetdrv.Driver, match func(enetdrv.Frame) bool) enetdrv.Frame {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var seen uint64
	for {
		frames, err := drv.Poll()
		if err != nil {
			t.Fatalf("Poll: %v", err)
		}
		for _, f := range frames {
			if match(f) {
				return f
			}
		}
		if seen, err = m.Interrupts().Wait(ctx, m.IRQ(), seen); err != nil {
			t.Fatalf("waiting for interrupt: %v", err)
		}
		if _, err := drv.AckInterrupts(); err != nil {
			t.Fatalf("AckInterrupts: %v", err)
		}
	}
}

func TestMachineCableRoundTrip(t *testing.T) {
	m := startMachine(t, DefaultConfig())
	drv := newDriver(t, m)

	frame := bytes.Repeat([]byte{0x5a}, 128)
	if err := drv.Send(0, frame); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := pollUntil(t, m, drv, func(enetdrv.Frame) bool { return true })
	if got.Port != 1 || !got.FCSValid || !bytes.Equal(got.Data, frame) {
		t.Fatalf("received port %d valid=%v len %d", got.Port, got.FCSValid, len(got.Data))
	}
	if edges := m.Interrupts().Edges(m.IRQ()); edges < 2 {
		t.Fatalf("irq edges = %d, want TX and RX completions", edges)
	}
}

func TestMachinePlacesWindowAboveRAM(t *testing.T) {
	m, err := New(DefaultConfig(), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	alloc, ok := m.AddressSpace().Lookup(nicName)
	if !ok {
		t.Fatalf("no window registered")
	}
	if alloc.Base < m.MemoryBase()+m.MemorySize() || alloc.Base%enet.WindowSize != 0 {
		t.Fatalf("window at 0x%x", alloc.Base)
	}
	if m.NICBase() != alloc.Base {
		t.Fatalf("NICBase = 0x%x, want 0x%x", m.NICBase(), alloc.Base)
	}
}

func TestMachineRejectsWindowInRAM(t *testing.T) {
	cfg := DefaultConfig()
	cfg.NIC.Base = Address(cfg.Memory.Base) + 0x1000
	if _, err := New(cfg, quietLogger()); err == nil {
		t.Fatalf("expected a window inside RAM to fail")
	}
}

func TestMachineUnmappedMMIO(t *testing.T) {
	m := startMachine(t, DefaultConfig())

	var buf [4]byte
	err := m.ReadMMIO(m.NICBase()+enet.WindowSize, buf[:])
	if !errors.Is(err, hv.ErrNoMMIOHandler) {
		t.Fatalf("ReadMMIO past the window err = %v, want ErrNoMMIOHandler", err)
	}
}

func TestMachineReset(t *testing.T) {
	m := startMachine(t, DefaultConfig())
	newDriver(t, m)

	if err := m.Reset(context.Background()); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	var buf [4]byte
	if err := m.ReadMMIO(m.NICBase()+enet.RegControl, buf[:]); err != nil {
		t.Fatalf("ReadMMIO: %v", err)
	}
	if buf != [4]byte{} {
		t.Fatalf("control after reset = %x", buf)
	}
}

func TestMachineStops(t *testing.T) {
	m, err := New(DefaultConfig(), quietLogger())
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer m.Close()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()
	if err := m.Do(context.Background(), func() {}); err != nil {
		t.Fatalf("Do: %v", err)
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run: %v", err)
	}

	if err := m.Do(context.Background(), func() {}); !errors.Is(err, hv.ErrMachineClosed) {
		t.Fatalf("Do after stop err = %v, want ErrMachineClosed", err)
	}
	if err := m.Run(context.Background()); !errors.Is(err, ErrRunning) {
		t.Fatalf("second Run err = %v, want ErrRunning", err)
	}
}

func TestMachineGvisorARP(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Ports = []PortConfig{
		{Kind: PortGvisor, Address: "10.42.0.1/24"},
		{Kind: PortDiscard},
	}
	m := startMachine(t, cfg)
	drv := newDriver(t, m)

	host := m.Link(0).(*netport.Gvisor)
	var mac []byte
	if err := m.Do(context.Background(), func() { mac = m.NIC().PortMAC(0) }); err != nil {
		t.Fatalf("Do: %v", err)
	}
	guest := netip.MustParseAddr("10.42.0.2")
	if err := drv.Send(0, netport.ARPRequest(mac, guest, host.Addr())); err != nil {
		t.Fatalf("Send: %v", err)
	}

	got := pollUntil(t, m, drv, func(f enetdrv.Frame) bool {
		arp, ok := netport.ParseARP(f.Data)
		return ok && arp.Reply
	})
	arp, _ := netport.ParseARP(got.Data)
	if got.Port != 0 || arp.SenderIP != host.Addr() || !bytes.Equal(arp.SenderMAC, host.MAC()) {
		t.Fatalf("reply on port %d from %s/%s", got.Port, arp.SenderMAC, arp.SenderIP)
	}
}

func TestMachineLoopbackCapture(t *testing.T) {
	path := filepath.Join(t.TempDir(), "port0.pcap")
	cfg := DefaultConfig()
	cfg.Ports = []PortConfig{
		{Kind: PortLoopback, Pcap: path},
		{Kind: PortDiscard},
	}
	m := startMachine(t, cfg)
	drv := newDriver(t, m)

	frame := bytes.Repeat([]byte{0xa5}, 60)
	if err := drv.Send(0, frame); err != nil {
		t.Fatalf("Send: %v", err)
	}
	got := pollUntil(t, m, drv, func(enetdrv.Frame) bool { return true })
	if got.Port != 0 {
		t.Fatalf("looped frame arrived on port %d", got.Port)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	// One record for the transmit and one for the looped delivery.
	if want := 24 + 2*(16+len(frame)); len(data) != want {
		t.Fatalf("capture is %d bytes, want %d", len(data), want)
	}
}
