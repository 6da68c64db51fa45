// Package board assembles a machine around the Ethernet controller: guest
// RAM, the MMIO chipset, an interrupt controller and the port backends.
//
// All device state is owned by one dispatch goroutine started by Run.
// Register accesses, guest memory accesses from the host and frames arriving
// from backends are funnelled through it, so the controller sees one
// operation at a time.
package board

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"
	"sync/atomic"

	"golang.org/x/sync/errgroup"

	"github.com/tinyrange/enet/internal/chipset"
	"github.com/tinyrange/enet/internal/devices/enet"
	"github.com/tinyrange/enet/internal/guestmem"
	"github.com/tinyrange/enet/internal/hv"
	"github.com/tinyrange/enet/internal/netport"
	"github.com/tinyrange/enet/internal/pcap"
)

const (
	nicName = "enet0"

	// workQueueDepth bounds operations waiting for the dispatcher.
	workQueueDepth = 256
)

// ErrRunning is returned by Run on a machine that was already started.
var ErrRunning = errors.New("board: machine already started")

// Machine is one assembled board.
type Machine struct {
	cfg     Config
	log     *slog.Logger
	ram     *guestmem.RAM
	space   *hv.AddressSpace
	chipset *chipset.Chipset
	lines   *chipset.LineSet
	intc    *InterruptController
	nic     *enet.Device
	nicBase uint64

	ports   [enet.NumPorts]*netport.Attachment
	sources map[int]netport.Source
	closers []io.Closer

	work     chan func()
	deferred []func()
	done     chan struct{}
	started  atomic.Bool
}

// New builds a machine from cfg. Backends are opened here; frames only
// flow once Run is called.
func New(cfg Config, logger *slog.Logger) (*Machine, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("board: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	ram, err := guestmem.NewRAM(uint64(cfg.Memory.Base), uint64(cfg.Memory.Size))
	if err != nil {
		return nil, fmt.Errorf("board: %w", err)
	}
	m := &Machine{
		cfg:     cfg,
		log:     logger,
		ram:     ram,
		space:   hv.NewAddressSpace(ram.Base(), ram.Size()),
		intc:    NewInterruptController(logger),
		sources: make(map[int]netport.Source),
		work:    make(chan func(), workQueueDepth),
		done:    make(chan struct{}),
	}
	m.lines = chipset.NewLineSet(m.intc)

	var window hv.MMIOAllocation
	if cfg.NIC.Base == 0 {
		window, err = m.space.Allocate(hv.MMIOAllocationRequest{Name: nicName, Size: enet.WindowSize, Alignment: enet.WindowSize})
	} else {
		window, err = m.space.RegisterFixed(nicName, uint64(cfg.NIC.Base), enet.WindowSize)
	}
	if err != nil {
		return nil, fmt.Errorf("board: place %s: %w", nicName, err)
	}
	m.nicBase = window.Base

	m.nic, err = enet.New(enet.Config{
		Base:    window.Base,
		MAC:     net.HardwareAddr(cfg.NIC.MAC),
		Profile: cfg.NIC.Profile.Profile,
		IRQ:     m.lines.AllocateLine(cfg.NIC.IRQ),
		Logger:  logger,
	})
	if err != nil {
		return nil, fmt.Errorf("board: %w", err)
	}

	builder := chipset.NewBuilder()
	if err := builder.RegisterDevice(nicName, m.nic); err != nil {
		return nil, fmt.Errorf("board: %w", err)
	}
	if m.chipset, err = builder.Build(); err != nil {
		return nil, fmt.Errorf("board: %w", err)
	}
	if err := m.chipset.Init(guestMemory{ram}); err != nil {
		return nil, fmt.Errorf("board: %w", err)
	}

	if err := m.attachPorts(); err != nil {
		m.Close()
		return nil, err
	}
	return m, nil
}

func (m *Machine) attachPorts() error {
	var cable [enet.NumPorts]*netport.WireEnd
	if len(m.cfg.Ports) == enet.NumPorts && m.cfg.Ports[0].Kind == PortCable {
		cable[0], cable[1] = netport.NewWire(m.deferTask)
	}

	for i := 0; i < enet.NumPorts; i++ {
		var pc PortConfig
		if i < len(m.cfg.Ports) {
			pc = m.cfg.Ports[i]
		}
		acfg := netport.AttachmentConfig{
			Name:   fmt.Sprintf("%s.%d", nicName, i),
			Limit:  pc.HeldLimit,
			Logger: m.log,
		}
		if pc.Pcap != "" {
			capture, err := pcap.Create(pc.Pcap)
			if err != nil {
				return fmt.Errorf("board: port %d: %w", i, err)
			}
			m.closers = append(m.closers, capture)
			acfg.Capture = capture
		}

		var bind func(*netport.Attachment)
		switch pc.Kind {
		case "", PortDiscard:
			acfg.Link = &netport.Discard{}
		case PortLoopback:
			lo := netport.Loopback(m.deferTask)
			acfg.Link, bind = lo, lo.Bind
		case PortCable:
			acfg.Link, bind = cable[i], cable[i].Bind
		case PortGvisor:
			g, err := m.openGvisor(i, pc)
			if err != nil {
				return err
			}
			m.closers = append(m.closers, g)
			m.sources[i] = g
			acfg.Link = g
		case PortTap:
			tap, err := netport.OpenTap(pc.Interface)
			if err != nil {
				return fmt.Errorf("board: port %d: %w", i, err)
			}
			m.closers = append(m.closers, tap)
			m.sources[i] = tap
			acfg.Link = tap
		}

		att := netport.NewAttachment(acfg)
		if bind != nil {
			bind(att)
		}
		if err := m.nic.AttachPort(i, att); err != nil {
			return fmt.Errorf("board: %w", err)
		}
		m.ports[i] = att
		m.log.Debug("board: port attached", "port", i, "kind", pc.Kind)
	}
	return nil
}

func (m *Machine) openGvisor(i int, pc PortConfig) (*netport.Gvisor, error) {
	prefix, err := netip.ParsePrefix(pc.Address)
	if err != nil {
		return nil, fmt.Errorf("board: port %d: %w", i, err)
	}
	var gw netip.Addr
	if pc.Gateway != "" {
		if gw, err = netip.ParseAddr(pc.Gateway); err != nil {
			return nil, fmt.Errorf("board: port %d: %w", i, err)
		}
	}
	mac := net.HardwareAddr(pc.MAC)
	if len(mac) == 0 {
		// Locally administered, distinct from every controller port.
		mac = m.nic.PortMAC(i)
		mac[0] |= 0x02
		mac[4] ^= 0xff
	}
	g, err := netport.NewGvisor(netport.GvisorConfig{
		MAC:      mac,
		Address:  prefix,
		Gateway:  gw,
		EchoPort: pc.EchoPort,
		Logger:   m.log,
	})
	if err != nil {
		return nil, fmt.Errorf("board: port %d: %w", i, err)
	}
	return g, nil
}

// NIC returns the controller. Its methods must only be called through Do.
func (m *Machine) NIC() *enet.Device { return m.nic }

// NICBase returns the guest physical address of the register window.
func (m *Machine) NICBase() uint64 { return m.nicBase }

// IRQ returns the controller's interrupt line.
func (m *Machine) IRQ() uint8 { return m.cfg.NIC.IRQ }

func (m *Machine) Interrupts() *InterruptController { return m.intc }

// Port returns the attachment of port n. Like the NIC it belongs to the
// dispatcher.
func (m *Machine) Port(n int) *netport.Attachment { return m.ports[n] }

// Link returns the backend of port n.
func (m *Machine) Link(n int) netport.Link { return m.ports[n].Link() }

// AddressSpace exposes the physical address layout.
func (m *Machine) AddressSpace() *hv.AddressSpace { return m.space }

// Run starts the devices, the dispatcher and one pump per backend that
// produces frames. It returns when ctx is done or a backend fails.
func (m *Machine) Run(ctx context.Context) error {
	if !m.started.CompareAndSwap(false, true) {
		return ErrRunning
	}
	if err := m.chipset.Start(); err != nil {
		close(m.done)
		return fmt.Errorf("board: %w", err)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error { return m.dispatch(ctx) })
	for port, src := range m.sources {
		port, src := port, src
		att := m.ports[port]
		g.Go(func() error {
			err := src.Run(ctx, func(frame []byte) {
				m.Post(func() { att.Deliver(frame) })
			})
			if err != nil {
				return fmt.Errorf("board: port %d backend: %w", port, err)
			}
			return nil
		})
	}
	err := g.Wait()

	if serr := m.chipset.Stop(); err == nil && serr != nil {
		err = fmt.Errorf("board: %w", serr)
	}
	return err
}

func (m *Machine) dispatch(ctx context.Context) error {
	defer close(m.done)
	for {
		select {
		case <-ctx.Done():
			return nil
		case fn := <-m.work:
			fn()
			m.runDeferred()
		}
	}
}

// deferTask queues fn to run on the dispatcher after the current operation.
// It must only be called from the dispatcher.
func (m *Machine) deferTask(fn func()) {
	m.deferred = append(m.deferred, fn)
}

func (m *Machine) runDeferred() {
	for len(m.deferred) > 0 {
		fn := m.deferred[0]
		m.deferred = m.deferred[1:]
		fn()
	}
	m.deferred = nil
}

// Post queues fn for the dispatcher without waiting for it. It reports
// false once the machine has stopped.
func (m *Machine) Post(fn func()) bool {
	select {
	case m.work <- fn:
		return true
	case <-m.done:
		return false
	}
}

// Do runs fn on the dispatcher and waits for it to finish. Tasks queued
// before Run wait for it.
func (m *Machine) Do(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}
	select {
	case m.work <- task:
	case <-m.done:
		return hv.ErrMachineClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-m.done:
		// The dispatcher stopped before reaching the task.
		select {
		case <-finished:
			return nil
		default:
			return hv.ErrMachineClosed
		}
	}
}

// ReadMMIO performs a guest read through the chipset.
func (m *Machine) ReadMMIO(addr uint64, data []byte) error {
	return m.mmio(addr, data, false)
}

// WriteMMIO performs a guest write through the chipset.
func (m *Machine) WriteMMIO(addr uint64, data []byte) error {
	return m.mmio(addr, data, true)
}

func (m *Machine) mmio(addr uint64, data []byte, write bool) error {
	var err error
	if derr := m.Do(context.Background(), func() {
		err = m.chipset.HandleMMIO(addr, data, write)
	}); derr != nil {
		return derr
	}
	return err
}

// ReadAt reads guest memory on the dispatcher.
func (m *Machine) ReadAt(p []byte, off int64) (int, error) {
	var (
		n   int
		err error
	)
	if derr := m.Do(context.Background(), func() { n, err = m.ram.ReadAt(p, off) }); derr != nil {
		return 0, derr
	}
	return n, err
}

// WriteAt writes guest memory on the dispatcher.
func (m *Machine) WriteAt(p []byte, off int64) (int, error) {
	var (
		n   int
		err error
	)
	if derr := m.Do(context.Background(), func() { n, err = m.ram.WriteAt(p, off) }); derr != nil {
		return 0, derr
	}
	return n, err
}

func (m *Machine) MemoryBase() uint64 { return m.ram.Base() }
func (m *Machine) MemorySize() uint64 { return m.ram.Size() }

// Reset resets every device on the dispatcher.
func (m *Machine) Reset(ctx context.Context) error {
	var err error
	if derr := m.Do(ctx, func() { err = m.chipset.Reset() }); derr != nil {
		return derr
	}
	return err
}

// Close releases backends and capture files.
func (m *Machine) Close() error {
	var errs []error
	for _, c := range m.closers {
		if err := c.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	m.closers = nil
	return errors.Join(errs...)
}

// guestMemory presents RAM as the machine seen by devices. Devices run on
// the dispatcher and access RAM directly.
type guestMemory struct {
	*guestmem.RAM
}

func (g guestMemory) MemoryBase() uint64 { return g.Base() }
func (g guestMemory) MemorySize() uint64 { return g.Size() }

var _ hv.VirtualMachine = (*Machine)(nil)
