// Package enet emulates a dual-port memory-mapped Ethernet controller.
//
// The guest drives the device through a small register window: it places RX
// and TX descriptor rings in its own memory, publishes their location and size
// through registers, and advances ring indices with COMMAND writes. The device
// performs all DMA through a bounds-checked guest memory bus.
//
// A Device is not safe for concurrent use. Register accesses and frame
// arrivals must be issued from a single dispatch goroutine; each call runs to
// completion and leaves the register file consistent for the next one.
package enet

import (
	"encoding/binary"
	"errors"
	"fmt"
	"log/slog"
	"net"

	"github.com/tinyrange/enet/internal/chipset"
	"github.com/tinyrange/enet/internal/guestmem"
	"github.com/tinyrange/enet/internal/hv"
)

var (
	// ErrNotReady is returned by Receive when RX is disabled or the ring is
	// full. The caller keeps the frame and re-offers it after Port.Resume.
	ErrNotReady = errors.New("enet: receive ring not ready")
	// ErrBadPort is returned for port numbers outside [0, NumPorts).
	ErrBadPort = errors.New("enet: no such port")
	// ErrDetached is returned when the device has no guest memory.
	ErrDetached = errors.New("enet: device not attached to guest memory")
)

// Port is the host side of one physical Ethernet port.
type Port interface {
	// Offer hands an outbound frame to the port. The port owns frame.
	Offer(frame []byte)
	// CanAccept reports whether Offer may be called right now.
	CanAccept() bool
	// Resume tells the port that the RX ring has room again; frames it held
	// back after ErrNotReady should be re-offered.
	Resume()
}

// Receiver accepts inbound frames. Device implements it.
type Receiver interface {
	CanReceive() bool
	Receive(port int, frame []byte) (int, error)
}

// PortBinder is implemented by ports that need to know which receiver and
// port number they deliver inbound frames to.
type PortBinder interface {
	BindReceiver(rx Receiver, port int)
}

// Config describes one controller instance.
type Config struct {
	// Base is the guest physical address of the register window.
	Base uint64
	// MAC is the station address reported through MAC1/MAC2.
	MAC net.HardwareAddr
	// Profile selects the port encoding on the rings.
	Profile Profile
	// IRQ receives interrupt pulses. Nil detaches the line.
	IRQ chipset.LineInterrupt
	// Memory is the guest memory bus. It may also be supplied through Init.
	Memory guestmem.Bus
	// Logger receives guest-error diagnostics. Defaults to slog.Default().
	Logger *slog.Logger
}

// Stats counts data-path events since the last reset of each path.
type Stats struct {
	RxFrames  uint64
	RxBytes   uint64
	RxDropped uint64
	RxRefused uint64
	TxFrames  uint64
	TxBytes   uint64
	TxDropped uint64
	TxOverrun uint64
}

// Device is one dual-port controller.
type Device struct {
	base    uint64
	mac     net.HardwareAddr
	profile Profile
	log     *slog.Logger
	mem     guestmem.Bus
	ports   [NumPorts]Port

	rxEnable bool
	rx       ring
	txEnable bool
	tx       ring

	staging    [TxStagingSize]byte
	stagingLen int

	irq   interrupts
	stats Stats
}

// New creates a controller in its reset state.
func New(cfg Config) (*Device, error) {
	mac := cfg.MAC
	if mac == nil {
		mac = net.HardwareAddr{0x02, 0x00, 0x00, 0x00, 0x00, 0x01}
	}
	if len(mac) != 6 {
		return nil, fmt.Errorf("enet: MAC address must be 6 bytes, got %d", len(mac))
	}
	if !cfg.Profile.valid() {
		return nil, fmt.Errorf("enet: invalid wire profile %s", cfg.Profile)
	}
	if cfg.Base+WindowSize < cfg.Base {
		return nil, fmt.Errorf("enet: register window at 0x%x overflows", cfg.Base)
	}
	line := cfg.IRQ
	if line == nil {
		line = chipset.LineInterruptDetached()
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Device{
		base:    cfg.Base,
		mac:     append(net.HardwareAddr(nil), mac...),
		profile: cfg.Profile,
		log:     logger,
		mem:     cfg.Memory,
		irq:     interrupts{line: line},
	}, nil
}

// AttachPort connects p as physical port n.
func (d *Device) AttachPort(n int, p Port) error {
	if n < 0 || n >= NumPorts {
		return fmt.Errorf("%w: %d", ErrBadPort, n)
	}
	d.ports[n] = p
	if binder, ok := p.(PortBinder); ok {
		binder.BindReceiver(d, n)
	}
	return nil
}

// MAC returns the station address.
func (d *Device) MAC() net.HardwareAddr {
	return append(net.HardwareAddr(nil), d.mac...)
}

// PortMAC derives the address of port n from the station address.
func (d *Device) PortMAC(n int) net.HardwareAddr {
	mac := d.MAC()
	mac[5] += byte(n)
	return mac
}

func (d *Device) Profile() Profile { return d.profile }

// Stats returns a copy of the data-path counters.
func (d *Device) Stats() Stats { return d.stats }

// Init implements hv.Device.
func (d *Device) Init(vm hv.VirtualMachine) error {
	if vm != nil {
		d.mem = vm
	}
	return nil
}

// Start implements chipset.ChangeDeviceState.
func (d *Device) Start() error {
	if d.mem == nil {
		return ErrDetached
	}
	return nil
}

// Stop implements chipset.ChangeDeviceState.
func (d *Device) Stop() error {
	d.rxEnable = false
	d.txEnable = false
	return nil
}

// Reset implements chipset.ChangeDeviceState. Both paths return to their
// disabled, empty state. Ring addresses are kept. INT_ENABLE is cleared as
// well, so every cause stays masked until the driver enables it again.
func (d *Device) Reset() error {
	d.resetRx()
	d.resetTx()
	d.irq.enable = 0
	d.irq.reset(^uint32(0))
	return nil
}

// SupportsMmio implements chipset.ChipsetDevice.
func (d *Device) SupportsMmio() *chipset.MmioIntercept {
	return &chipset.MmioIntercept{
		Regions: d.MMIORegions(),
		Handler: d,
	}
}

// MMIORegions implements hv.MemoryMappedIODevice.
func (d *Device) MMIORegions() []hv.MMIORegion {
	return []hv.MMIORegion{{Address: d.base, Size: WindowSize}}
}

// ReadMMIO implements hv.MemoryMappedIODevice. Accesses narrower than a word
// return the addressed byte lanes of the register.
func (d *Device) ReadMMIO(addr uint64, data []byte) error {
	region := d.MMIORegions()[0]
	if !region.Contains(addr, len(data)) {
		return fmt.Errorf("enet: read at 0x%x (%d bytes) outside window %s", addr, len(data), region)
	}
	clear(data)
	off := addr - d.base
	lane := off & 3
	if len(data) == 0 || lane+uint64(len(data)) > 4 {
		d.log.Warn("enet: unsupported read width", "offset", fmt.Sprintf("0x%03x", off), "size", len(data))
		return nil
	}
	var word [4]byte
	binary.LittleEndian.PutUint32(word[:], d.ReadRegister(uint32(off&^3)))
	copy(data, word[lane:])
	return nil
}

// WriteMMIO implements hv.MemoryMappedIODevice. Only aligned 32-bit writes
// reach the register file.
func (d *Device) WriteMMIO(addr uint64, data []byte) error {
	region := d.MMIORegions()[0]
	if !region.Contains(addr, len(data)) {
		return fmt.Errorf("enet: write at 0x%x (%d bytes) outside window %s", addr, len(data), region)
	}
	off := addr - d.base
	if off&3 != 0 || len(data) != 4 {
		d.log.Warn("enet: ignoring partial register write", "offset", fmt.Sprintf("0x%03x", off), "size", len(data))
		return nil
	}
	d.WriteRegister(uint32(off), binary.LittleEndian.Uint32(data))
	return nil
}

// ReadRegister returns the register at a window offset. Unknown offsets and
// write-only registers read as zero.
func (d *Device) ReadRegister(offset uint32) uint32 {
	switch offset {
	case regMAC1:
		return binary.LittleEndian.Uint32(d.mac[0:4])
	case regMAC2:
		return uint32(binary.LittleEndian.Uint16(d.mac[4:6]))
	case regCommand, regIntClear:
		return 0
	case regControl:
		var v uint32
		if d.rxEnable {
			v |= CtlRxEnable
		}
		if d.txEnable {
			v |= CtlTxEnable
		}
		return v

	case regRxDescriptor:
		return d.rx.descriptors
	case regRxStatus:
		return d.rx.status
	case regRxDescriptorNumber:
		return d.rx.count
	case regRxProduceIndex:
		return d.rx.produce
	case regRxConsumeIndex:
		return d.rx.consume

	case regTxDescriptor:
		return d.tx.descriptors
	case regTxStatus:
		return d.tx.status
	case regTxDescriptorNumber:
		return d.tx.count
	case regTxProduceIndex:
		return d.tx.produce
	case regTxConsumeIndex:
		return d.tx.consume

	case regRxDropped:
		return uint32(d.stats.RxDropped)
	case regTxDropped:
		return uint32(d.stats.TxDropped)

	case regIntStatus:
		return d.irq.status
	case regIntEnable:
		return d.irq.enable
	default:
		d.log.Warn("enet: read from unknown register", "offset", fmt.Sprintf("0x%03x", offset))
		return 0
	}
}

// WriteRegister stores value into the register at a window offset. COMMAND
// and CONTROL writes run the engines before returning.
func (d *Device) WriteRegister(offset uint32, value uint32) {
	switch offset {
	case regCommand:
		d.command(value)
	case regControl:
		d.control(value)

	case regRxDescriptor:
		d.rx.descriptors = value
	case regRxStatus:
		d.rx.status = value
	case regRxDescriptorNumber:
		d.rx.setCount(value)

	case regTxDescriptor:
		d.tx.descriptors = value
	case regTxStatus:
		d.tx.status = value
	case regTxDescriptorNumber:
		d.tx.setCount(value)

	case regIntEnable:
		d.irq.enable = value
	case regIntClear:
		d.irq.clear(value)

	case regMAC1, regMAC2, regRxProduceIndex, regRxConsumeIndex, regTxProduceIndex,
		regTxConsumeIndex, regRxDropped, regTxDropped, regIntStatus:
		d.log.Warn("enet: write to read-only register",
			"offset", fmt.Sprintf("0x%03x", offset), "value", fmt.Sprintf("0x%08x", value))
	default:
		d.log.Warn("enet: write to unknown register",
			"offset", fmt.Sprintf("0x%03x", offset), "value", fmt.Sprintf("0x%08x", value))
	}
}

func (d *Device) command(v uint32) {
	if v&CmdRxConsumed != 0 {
		d.rxConsumed()
	}
	if v&CmdTxProduced != 0 {
		d.txProduced()
	}
	if v&(CmdReset|CmdResetRx) != 0 {
		d.resetRx()
	}
	if v&(CmdReset|CmdResetTx) != 0 {
		d.resetTx()
	}
}

func (d *Device) control(v uint32) {
	wasRx := d.rxEnable
	d.rxEnable = v&CtlRxEnable != 0
	if !wasRx && d.rxEnable {
		d.resumePorts()
	}

	wasTx := d.txEnable
	d.txEnable = v&CtlTxEnable != 0
	if !wasTx && d.txEnable {
		d.transmit()
	}
}

func (d *Device) resetRx() {
	d.rxEnable = false
	d.rx.reset()
	d.stats.RxFrames = 0
	d.stats.RxBytes = 0
	d.stats.RxDropped = 0
	d.stats.RxRefused = 0
	d.irq.reset(intRxCauses)
}

func (d *Device) resetTx() {
	d.txEnable = false
	d.tx.reset()
	d.stagingLen = 0
	d.stats.TxFrames = 0
	d.stats.TxBytes = 0
	d.stats.TxDropped = 0
	d.stats.TxOverrun = 0
	d.irq.reset(intTxCauses)
}

var (
	_ hv.MemoryMappedIODevice = (*Device)(nil)
	_ chipset.ChipsetDevice   = (*Device)(nil)
	_ chipset.MmioHandler     = (*Device)(nil)
	_ Receiver                = (*Device)(nil)
)
