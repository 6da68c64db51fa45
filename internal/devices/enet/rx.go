package enet

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"

	"github.com/tinyrange/enet/internal/guestmem"
)

// CanReceive reports whether Receive would accept a frame right now.
func (d *Device) CanReceive() bool {
	return d.rxEnable && !d.rx.full()
}

// Receive delivers a frame that arrived on port. It returns ErrNotReady when
// RX is disabled or the ring is full; the caller keeps the frame and offers
// it again after Port.Resume. Once admitted the frame is always consumed:
// a descriptor too small for it, or a guest memory fault, drops the frame
// without writing status or advancing rxProduceIndex, so the driver can
// re-arm the same slot with a larger buffer.
func (d *Device) Receive(port int, frame []byte) (int, error) {
	if port < 0 || port >= NumPorts {
		return 0, fmt.Errorf("%w: %d", ErrBadPort, port)
	}
	if d.mem == nil {
		return 0, ErrDetached
	}
	if !d.CanReceive() {
		d.stats.RxRefused++
		return 0, ErrNotReady
	}
	if len(frame) == 0 {
		return 0, nil
	}

	slot := d.rx.produce
	desc, err := d.readRxDescriptor(slot)
	if err != nil {
		d.dropRx(slot, port, len(frame), "descriptor unreadable", err)
		return len(frame), nil
	}

	length := d.profile.RxFootprint(len(frame))
	if length > desc.capacity() {
		d.dropRx(slot, port, len(frame), "buffer too small",
			fmt.Errorf("need %d bytes, descriptor holds %d", length, desc.capacity()))
		return len(frame), nil
	}

	if err := guestmem.Write(d.mem, uint64(desc.buffer), d.rxImage(frame, port, length)); err != nil {
		d.dropRx(slot, port, len(frame), "buffer unwritable", err)
		return len(frame), nil
	}
	status := encodeRxStatus(d.profile, length, port)
	if err := guestmem.Write32(d.mem, d.rx.statusAddress(slot, RxStatusSize), status); err != nil {
		d.dropRx(slot, port, len(frame), "status unwritable", err)
		return len(frame), nil
	}

	d.rx.produce = d.rx.next(slot)
	d.stats.RxFrames++
	d.stats.RxBytes += uint64(len(frame))
	d.log.Debug("enet: rx frame", "port", port, "len", len(frame), "slot", slot, "produce", d.rx.produce)

	if desc.interrupt() {
		d.irq.raise(IntRxDone, IntRxDone)
	}
	return len(frame), nil
}

// rxImage lays out the bytes written to the guest buffer: the payload, the
// port byte under ProfileTrailingByte, then the FCS in wire order.
func (d *Device) rxImage(frame []byte, port, length int) []byte {
	img := make([]byte, length)
	n := copy(img, frame)
	if d.profile == ProfileTrailingByte {
		img[n] = byte(port)
		n++
	}
	binary.LittleEndian.PutUint32(img[n:], crc32.ChecksumIEEE(frame))
	return img
}

func (d *Device) readRxDescriptor(slot uint32) (rxDescriptor, error) {
	addr := d.rx.descriptorAddress(slot, RxDescriptorSize)
	buffer, err := guestmem.Read32(d.mem, addr)
	if err != nil {
		return rxDescriptor{}, err
	}
	control, err := guestmem.Read32(d.mem, addr+4)
	if err != nil {
		return rxDescriptor{}, err
	}
	return rxDescriptor{buffer: buffer, control: control}, nil
}

func (d *Device) dropRx(slot uint32, port, size int, reason string, err error) {
	d.stats.RxDropped++
	d.log.Warn("enet: rx frame dropped", "reason", reason, "port", port, "len", size, "slot", slot, "err", err)
	d.irq.raise(IntRxError, IntRxError)
}

// rxConsumed handles the driver returning one RX slot.
func (d *Device) rxConsumed() {
	if d.rx.empty() {
		d.log.Warn("enet: rx consume on empty ring ignored", "consume", d.rx.consume)
		return
	}
	d.rx.consume = d.rx.next(d.rx.consume)
	d.resumePorts()
}

// resumePorts asks every port to re-offer frames it held back.
func (d *Device) resumePorts() {
	for _, p := range d.ports {
		if p == nil || !d.CanReceive() {
			continue
		}
		p.Resume()
	}
}
