// Package enetdrv is a host-side driver for the dual-port controller. It
// lays the descriptor rings and buffers out in guest memory and drives them
// through the register window, the way a guest driver would.
package enetdrv

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"log/slog"

	"github.com/tinyrange/enet/internal/devices/enet"
	"github.com/tinyrange/enet/internal/guestmem"
)

var (
	// ErrTxRingFull is returned by Send when every TX slot is in flight.
	ErrTxRingFull = errors.New("enetdrv: transmit ring full")
	// ErrFrameSize is returned by Send for frames the descriptors cannot carry.
	ErrFrameSize = errors.New("enetdrv: frame size not supported")
)

// Bus is the driver's view of the machine.
type Bus interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
	guestmem.Bus
}

type Config struct {
	// Base is the register window address.
	Base uint64
	// Memory is the start of the guest memory the driver owns. It must lie
	// below 4 GiB.
	Memory uint64
	// RxCount and TxCount are the descriptor-number register values. Zero
	// selects 8.
	RxCount uint32
	TxCount uint32
	// BufferSize is the capacity of each RX buffer. Zero selects 1536.
	BufferSize int
	Profile    enet.Profile
	// Interrupts requests a completion interrupt on every descriptor and
	// enables all causes.
	Interrupts bool
	Logger     *slog.Logger
}

// Frame is one received frame.
type Frame struct {
	Port int
	// Data excludes the FCS and, under the trailing-byte profile, the port
	// byte.
	Data []byte
	// FCSValid reports whether the stored FCS matched Data.
	FCSValid bool
}

type layout struct {
	rxDesc, rxStatus, txDesc, txStatus uint64
	rxBuffers, txBuffers               uint64
	end                                uint64
}

// Driver owns one controller.
type Driver struct {
	bus Bus
	cfg Config
	log *slog.Logger
	mem layout
}

const (
	defaultRingSize   = 8
	defaultBufferSize = 1536
	memAlign          = 64
)

// New validates cfg and computes the memory layout. Call Init before use.
func New(bus Bus, cfg Config) (*Driver, error) {
	if cfg.RxCount == 0 {
		cfg.RxCount = defaultRingSize
	}
	if cfg.TxCount == 0 {
		cfg.TxCount = defaultRingSize
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = defaultBufferSize
	}
	if cfg.BufferSize < 1 || cfg.BufferSize > enet.MaxFragment {
		return nil, fmt.Errorf("enetdrv: buffer size %d outside [1, %d]", cfg.BufferSize, enet.MaxFragment)
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	d := &Driver{bus: bus, cfg: cfg, log: cfg.Logger}
	d.mem = planLayout(cfg)
	if d.mem.end > 1<<32 {
		return nil, fmt.Errorf("enetdrv: rings at 0x%x-0x%x do not fit 32-bit registers", cfg.Memory, d.mem.end)
	}
	return d, nil
}

func planLayout(cfg Config) layout {
	rxSlots := uint64(cfg.RxCount) + 1
	txSlots := uint64(cfg.TxCount) + 1
	var l layout
	next := alignUp(cfg.Memory)
	take := func(n uint64) uint64 {
		at := next
		next = alignUp(next + n)
		return at
	}
	l.rxDesc = take(rxSlots * enet.RxDescriptorSize)
	l.rxStatus = take(rxSlots * enet.RxStatusSize)
	l.txDesc = take(txSlots * enet.TxDescriptorSize)
	l.txStatus = take(txSlots * enet.TxStatusSize)
	l.rxBuffers = take(rxSlots * uint64(cfg.BufferSize))
	l.txBuffers = take(txSlots * enet.TxStagingSize)
	l.end = next
	return l
}

func alignUp(v uint64) uint64 { return (v + memAlign - 1) &^ (memAlign - 1) }

// Footprint returns the bytes of guest memory the driver uses from
// Config.Memory.
func (d *Driver) Footprint() uint64 { return d.mem.end - d.cfg.Memory }

// Init resets the controller, programs both rings, arms every RX descriptor
// and enables both paths.
func (d *Driver) Init() error {
	if err := d.write(enet.RegCommand, enet.CmdReset); err != nil {
		return err
	}
	for slot := uint32(0); slot <= d.cfg.RxCount; slot++ {
		if err := d.armRx(slot); err != nil {
			return err
		}
	}
	regs := []struct {
		off, val uint32
	}{
		{enet.RegRxDescriptor, uint32(d.mem.rxDesc)},
		{enet.RegRxStatus, uint32(d.mem.rxStatus)},
		{enet.RegRxDescriptorNumber, d.cfg.RxCount},
		{enet.RegTxDescriptor, uint32(d.mem.txDesc)},
		{enet.RegTxStatus, uint32(d.mem.txStatus)},
		{enet.RegTxDescriptorNumber, d.cfg.TxCount},
		{enet.RegIntClear, ^uint32(0)},
		{enet.RegIntEnable, d.intEnable()},
		{enet.RegControl, enet.CtlRxEnable | enet.CtlTxEnable},
	}
	for _, r := range regs {
		if err := d.write(r.off, r.val); err != nil {
			return err
		}
	}
	d.log.Debug("enetdrv: initialized", "rx", d.cfg.RxCount, "tx", d.cfg.TxCount, "profile", d.cfg.Profile)
	return nil
}

func (d *Driver) intEnable() uint32 {
	if !d.cfg.Interrupts {
		return 0
	}
	return enet.IntRxError | enet.IntRxDone | enet.IntTxError | enet.IntTxDone | enet.IntTxOverrun
}

func (d *Driver) armRx(slot uint32) error {
	addr := d.mem.rxDesc + uint64(slot)*enet.RxDescriptorSize
	var desc [enet.RxDescriptorSize]byte
	binary.LittleEndian.PutUint32(desc[0:4], uint32(d.rxBuffer(slot)))
	binary.LittleEndian.PutUint32(desc[4:8], enet.RxControl(d.cfg.BufferSize, d.cfg.Interrupts))
	if err := guestmem.Write(d.bus, addr, desc[:]); err != nil {
		return fmt.Errorf("enetdrv: arm rx slot %d: %w", slot, err)
	}
	return nil
}

func (d *Driver) rxBuffer(slot uint32) uint64 {
	return d.mem.rxBuffers + uint64(slot)*uint64(d.cfg.BufferSize)
}

func (d *Driver) txBuffer(slot uint32) uint64 {
	return d.mem.txBuffers + uint64(slot)*enet.TxStagingSize
}

// Send queues frame for transmission on port. The frame is split across
// the two fragments of one descriptor.
func (d *Driver) Send(port int, frame []byte) error {
	if port < 0 || port >= enet.NumPorts {
		return fmt.Errorf("%w: %d", enet.ErrBadPort, port)
	}
	wire := frame
	if d.cfg.Profile == enet.ProfileTrailingByte {
		wire = append(append(make([]byte, 0, len(frame)+1), frame...), byte(port))
	}
	if len(wire) < 2 || len(wire) > enet.TxStagingSize {
		return fmt.Errorf("%w: %d bytes", ErrFrameSize, len(frame))
	}

	produce, err := d.read(enet.RegTxProduceIndex)
	if err != nil {
		return err
	}
	consume, err := d.read(enet.RegTxConsumeIndex)
	if err != nil {
		return err
	}
	if produce == (consume+d.cfg.TxCount)%(d.cfg.TxCount+1) {
		return ErrTxRingFull
	}

	buf := d.txBuffer(produce)
	if err := guestmem.Write(d.bus, buf, wire); err != nil {
		return fmt.Errorf("enetdrv: write tx buffer: %w", err)
	}
	n1 := min(len(wire)/2, enet.MaxFragment)
	n1 = max(n1, len(wire)-enet.MaxFragment)
	n2 := len(wire) - n1

	var desc [enet.TxDescriptorSize]byte
	binary.LittleEndian.PutUint32(desc[0:4], uint32(buf))
	binary.LittleEndian.PutUint32(desc[4:8], uint32(buf)+uint32(n1))
	binary.LittleEndian.PutUint32(desc[8:12], enet.TxControl(n1, n2, port, true, d.cfg.Interrupts))
	addr := d.mem.txDesc + uint64(produce)*enet.TxDescriptorSize
	if err := guestmem.Write(d.bus, addr, desc[:]); err != nil {
		return fmt.Errorf("enetdrv: write tx descriptor: %w", err)
	}
	return d.write(enet.RegCommand, enet.CmdTxProduced)
}

// TxStatus returns the status word the controller wrote for slot.
func (d *Driver) TxStatus(slot uint32) (enet.TxStatus, error) {
	v, err := guestmem.Read32(d.bus, d.mem.txStatus+uint64(slot)*enet.TxStatusSize)
	if err != nil {
		return enet.TxStatus{}, fmt.Errorf("enetdrv: read tx status: %w", err)
	}
	return enet.DecodeTxStatus(v), nil
}

// TxPending returns the number of descriptors the controller has not sent.
func (d *Driver) TxPending() (uint32, error) {
	produce, err := d.read(enet.RegTxProduceIndex)
	if err != nil {
		return 0, err
	}
	consume, err := d.read(enet.RegTxConsumeIndex)
	if err != nil {
		return 0, err
	}
	return (produce + d.cfg.TxCount + 1 - consume) % (d.cfg.TxCount + 1), nil
}

// Poll drains every filled RX slot and hands each one back to the
// controller.
func (d *Driver) Poll() ([]Frame, error) {
	produce, err := d.read(enet.RegRxProduceIndex)
	if err != nil {
		return nil, err
	}
	consume, err := d.read(enet.RegRxConsumeIndex)
	if err != nil {
		return nil, err
	}

	var frames []Frame
	for consume != produce {
		f, err := d.readFrame(consume)
		if err != nil {
			return frames, err
		}
		frames = append(frames, f)
		if err := d.write(enet.RegCommand, enet.CmdRxConsumed); err != nil {
			return frames, err
		}
		consume = (consume + 1) % (d.cfg.RxCount + 1)
	}
	return frames, nil
}

func (d *Driver) readFrame(slot uint32) (Frame, error) {
	v, err := guestmem.Read32(d.bus, d.mem.rxStatus+uint64(slot)*enet.RxStatusSize)
	if err != nil {
		return Frame{}, fmt.Errorf("enetdrv: read rx status: %w", err)
	}
	st := enet.DecodeRxStatus(d.cfg.Profile, v)
	if st.Length > d.cfg.BufferSize || st.Length < d.cfg.Profile.RxFootprint(0) {
		return Frame{}, fmt.Errorf("enetdrv: rx slot %d reports %d bytes", slot, st.Length)
	}
	buf := make([]byte, st.Length)
	if err := guestmem.Read(d.bus, d.rxBuffer(slot), buf); err != nil {
		return Frame{}, fmt.Errorf("enetdrv: read rx buffer: %w", err)
	}

	fcs := binary.LittleEndian.Uint32(buf[len(buf)-enet.FCSSize:])
	data := buf[:len(buf)-enet.FCSSize]
	port := st.Port
	if d.cfg.Profile == enet.ProfileTrailingByte {
		port = int(data[len(data)-1])
		data = data[:len(data)-1]
	}
	return Frame{
		Port:     port,
		Data:     data,
		FCSValid: crc32.ChecksumIEEE(data) == fcs,
	}, nil
}

// AckInterrupts reads and clears every pending cause.
func (d *Driver) AckInterrupts() (uint32, error) {
	pending, err := d.read(enet.RegIntStatus)
	if err != nil {
		return 0, err
	}
	if pending != 0 {
		if err := d.write(enet.RegIntClear, pending); err != nil {
			return 0, err
		}
	}
	return pending, nil
}

// Dropped returns the RX_DROPPED and TX_DROPPED counters.
func (d *Driver) Dropped() (rx, tx uint32, err error) {
	if rx, err = d.read(enet.RegRxDropped); err != nil {
		return 0, 0, err
	}
	if tx, err = d.read(enet.RegTxDropped); err != nil {
		return 0, 0, err
	}
	return rx, tx, nil
}

// MAC returns the station address from MAC1/MAC2.
func (d *Driver) MAC() ([]byte, error) {
	lo, err := d.read(enet.RegMAC1)
	if err != nil {
		return nil, err
	}
	hi, err := d.read(enet.RegMAC2)
	if err != nil {
		return nil, err
	}
	mac := make([]byte, 6)
	binary.LittleEndian.PutUint32(mac[0:4], lo)
	binary.LittleEndian.PutUint16(mac[4:6], uint16(hi))
	return mac, nil
}

func (d *Driver) read(off uint32) (uint32, error) {
	var buf [4]byte
	if err := d.bus.ReadMMIO(d.cfg.Base+uint64(off), buf[:]); err != nil {
		return 0, fmt.Errorf("enetdrv: read register 0x%03x: %w", off, err)
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

func (d *Driver) write(off, val uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], val)
	if err := d.bus.WriteMMIO(d.cfg.Base+uint64(off), buf[:]); err != nil {
		return fmt.Errorf("enetdrv: write register 0x%03x: %w", off, err)
	}
	return nil
}
