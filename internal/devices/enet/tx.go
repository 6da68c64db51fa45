package enet

import (
	"fmt"

	"github.com/tinyrange/enet/internal/guestmem"
)

func (d *Device) canSend() bool {
	return d.txEnable && !d.tx.empty()
}

// txProduced handles the driver publishing one TX slot. On a full ring the
// index stays put but the engine still retries a frame held back by a busy
// port.
func (d *Device) txProduced() {
	if d.tx.full() {
		d.log.Warn("enet: tx produce on full ring ignored", "produce", d.tx.produce, "consume", d.tx.consume)
	} else {
		d.tx.produce = d.tx.next(d.tx.produce)
	}
	d.transmit()
}

// transmit drains ready descriptors until the ring is empty, TX is disabled
// or the destination port pushes back.
func (d *Device) transmit() {
	if d.mem == nil {
		return
	}
	for d.canSend() {
		if !d.transmitOne() {
			return
		}
	}
}

// transmitOne processes the descriptor at txConsumeIndex. It returns false
// when the destination port cannot accept the frame; the descriptor is then
// left unconsumed and the staging buffer is rolled back.
func (d *Device) transmitOne() bool {
	slot := d.tx.consume
	desc, err := d.readTxDescriptor(slot)
	if err != nil {
		d.stagingLen = 0
		d.dropTx(slot, "descriptor unreadable", err)
		d.completeTx(slot, desc, TxStatus{Dropped: true})
		return true
	}

	mark := d.stagingLen
	gathered, err := d.gather(desc)
	status := TxStatus{
		Length:  gathered,
		Overrun: gathered < desc.capacity1()+desc.capacity2(),
	}
	if err != nil {
		d.stagingLen = 0
		status.Overrun = false
		status.Dropped = true
		d.dropTx(slot, "fragment unreadable", err)
		d.completeTx(slot, desc, status)
		return true
	}
	if desc.last() {
		frame, port, err := d.resolveFrame(desc)
		if err != nil {
			status.Dropped = true
			d.dropTx(slot, "bad frame", err)
		} else if p := d.ports[port]; p == nil {
			status.Dropped = true
			d.dropTx(slot, "no port attached", fmt.Errorf("%w: %d", ErrBadPort, port))
		} else if !p.CanAccept() {
			d.stagingLen = mark
			d.log.Debug("enet: tx port busy", "port", port, "slot", slot)
			return false
		} else {
			d.stats.TxFrames++
			d.stats.TxBytes += uint64(len(frame))
			d.log.Debug("enet: tx frame", "port", port, "len", len(frame), "slot", slot)
			p.Offer(frame)
		}
		d.stagingLen = 0
	}

	d.completeTx(slot, desc, status)
	return true
}

// gather appends both fragments of desc to the staging buffer, truncating at
// its capacity, and returns the number of bytes appended.
func (d *Device) gather(desc txDescriptor) (int, error) {
	room := len(d.staging) - d.stagingLen
	n1 := min(desc.capacity1(), room)
	n2 := min(desc.capacity2(), room-n1)

	start := d.stagingLen
	if err := guestmem.Read(d.mem, uint64(desc.buffer1), d.staging[start:start+n1]); err != nil {
		return 0, fmt.Errorf("fragment 1 at 0x%x: %w", desc.buffer1, err)
	}
	if err := guestmem.Read(d.mem, uint64(desc.buffer2), d.staging[start+n1:start+n1+n2]); err != nil {
		return n1, fmt.Errorf("fragment 2 at 0x%x: %w", desc.buffer2, err)
	}
	d.stagingLen += n1 + n2
	return n1 + n2, nil
}

// resolveFrame picks the destination port of the staged frame and returns a
// copy of the bytes to send.
func (d *Device) resolveFrame(desc txDescriptor) ([]byte, int, error) {
	staged := d.staging[:d.stagingLen]
	port := desc.port()
	if d.profile == ProfileTrailingByte {
		if len(staged) == 0 {
			return nil, 0, fmt.Errorf("no port byte staged")
		}
		port = int(staged[len(staged)-1])
		staged = staged[:len(staged)-1]
		if port >= NumPorts {
			return nil, 0, fmt.Errorf("%w: %d", ErrBadPort, port)
		}
	}
	if len(staged) == 0 {
		return nil, 0, fmt.Errorf("empty frame")
	}
	return append([]byte(nil), staged...), port, nil
}

func (d *Device) readTxDescriptor(slot uint32) (txDescriptor, error) {
	addr := d.tx.descriptorAddress(slot, TxDescriptorSize)
	var words [3]uint32
	for i := range words {
		v, err := guestmem.Read32(d.mem, addr+uint64(i)*4)
		if err != nil {
			return txDescriptor{}, err
		}
		words[i] = v
	}
	return txDescriptor{buffer1: words[0], buffer2: words[1], control: words[2]}, nil
}

// completeTx writes the status word, advances txConsumeIndex and raises the
// completion interrupt when requested.
func (d *Device) completeTx(slot uint32, desc txDescriptor, status TxStatus) {
	if err := guestmem.Write32(d.mem, d.tx.statusAddress(slot, TxStatusSize), status.encode()); err != nil {
		d.log.Warn("enet: tx status unwritable", "slot", slot, "err", err)
	}
	d.tx.consume = d.tx.next(slot)
	if status.Overrun {
		d.stats.TxOverrun++
		d.log.Debug("enet: tx staging buffer full, fragment truncated",
			"slot", slot, "declared", desc.capacity1()+desc.capacity2(), "gathered", status.Length)
	}

	if desc.interrupt() {
		bits := uint32(IntTxDone)
		if status.Overrun {
			bits |= IntTxOverrun
		}
		d.irq.raise(IntTxDone, bits)
	}
}

func (d *Device) dropTx(slot uint32, reason string, err error) {
	d.stats.TxDropped++
	d.log.Warn("enet: tx frame dropped", "reason", reason, "slot", slot, "err", err)
	d.irq.raise(IntTxError, IntTxError)
}
