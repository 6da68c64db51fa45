package hv

import (
	"errors"
	"fmt"
	"io"
)

var (
	ErrMachineClosed = errors.New("machine closed")
	// ErrNoMMIOHandler is returned for accesses outside every register window.
	ErrNoMMIOHandler = errors.New("no MMIO handler")
)

// MMIORegion is a span of guest physical addresses.
type MMIORegion struct {
	Address uint64
	Size    uint64
}

// Contains reports whether the access [addr, addr+n) lies inside the region.
func (r MMIORegion) Contains(addr uint64, n int) bool {
	end := addr + uint64(n)
	if end < addr {
		return false
	}
	return addr >= r.Address && end <= r.Address+r.Size
}

func (r MMIORegion) String() string {
	return fmt.Sprintf("[0x%x-0x%x)", r.Address, r.Address+r.Size)
}

// VirtualMachine is the guest-visible machine a device is attached to. Devices
// perform DMA through its ReaderAt/WriterAt, which address guest physical memory.
type VirtualMachine interface {
	io.ReaderAt
	io.WriterAt

	MemorySize() uint64
	MemoryBase() uint64
}

// Device is anything the board wires to a machine.
type Device interface {
	Init(vm VirtualMachine) error
}

// MemoryMappedIODevice answers accesses to its register windows.
type MemoryMappedIODevice interface {
	Device

	MMIORegions() []MMIORegion

	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}
