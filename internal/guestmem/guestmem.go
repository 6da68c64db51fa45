// Package guestmem models the guest physical address space as seen by a
// DMA-capable device. Every access is bounds checked: an address/length pair
// that does not fall entirely inside the backing memory is rejected with
// ErrOutOfRange instead of being partially satisfied.
package guestmem

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// ErrOutOfRange is returned for accesses that do not fit inside guest memory.
var ErrOutOfRange = errors.New("guestmem: access out of range")

// Bus is byte-addressable guest memory. Implementations must either complete
// the whole access or return an error; short transfers are not allowed.
type Bus interface {
	io.ReaderAt
	io.WriterAt
}

// RAM is a flat region of guest memory starting at Base.
type RAM struct {
	base uint64
	mem  []byte
}

// NewRAM allocates size bytes of zeroed guest memory mapped at base.
func NewRAM(base, size uint64) (*RAM, error) {
	if size == 0 {
		return nil, fmt.Errorf("guestmem: zero-size RAM at 0x%x", base)
	}
	if base+size < base {
		return nil, fmt.Errorf("guestmem: RAM at 0x%x with size 0x%x overflows", base, size)
	}
	return &RAM{base: base, mem: make([]byte, size)}, nil
}

func (r *RAM) Base() uint64 { return r.base }
func (r *RAM) Size() uint64 { return uint64(len(r.mem)) }

// window translates a guest address range into an index range of r.mem.
func (r *RAM) window(off int64, n int) (int, error) {
	if off < 0 {
		return 0, fmt.Errorf("%w: negative address %d", ErrOutOfRange, off)
	}
	addr := uint64(off)
	if addr < r.base {
		return 0, fmt.Errorf("%w: 0x%x below RAM base 0x%x", ErrOutOfRange, addr, r.base)
	}
	start := addr - r.base
	if start > uint64(len(r.mem)) || uint64(n) > uint64(len(r.mem))-start {
		return 0, fmt.Errorf("%w: [0x%x, 0x%x) exceeds RAM end 0x%x",
			ErrOutOfRange, addr, addr+uint64(n), r.base+uint64(len(r.mem)))
	}
	return int(start), nil
}

// ReadAt implements io.ReaderAt.
func (r *RAM) ReadAt(p []byte, off int64) (int, error) {
	idx, err := r.window(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(p, r.mem[idx:idx+len(p)]), nil
}

// WriteAt implements io.WriterAt.
func (r *RAM) WriteAt(p []byte, off int64) (int, error) {
	idx, err := r.window(off, len(p))
	if err != nil {
		return 0, err
	}
	return copy(r.mem[idx:idx+len(p)], p), nil
}

// Read fills p from guest memory at addr.
func Read(bus Bus, addr uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if addr > 1<<63-1 {
		return fmt.Errorf("%w: address 0x%x", ErrOutOfRange, addr)
	}
	n, err := bus.ReadAt(p, int64(addr))
	if err != nil {
		return err
	}
	if n != len(p) {
		return fmt.Errorf("%w: short read at 0x%x (%d of %d bytes)", ErrOutOfRange, addr, n, len(p))
	}
	return nil
}

// Write stores p into guest memory at addr.
func Write(bus Bus, addr uint64, p []byte) error {
	if len(p) == 0 {
		return nil
	}
	if addr > 1<<63-1 {
		return fmt.Errorf("%w: address 0x%x", ErrOutOfRange, addr)
	}
	n, err := bus.WriteAt(p, int64(addr))
	if err != nil {
		return err
	}
	if n != len(p) {
		return fmt.Errorf("%w: short write at 0x%x (%d of %d bytes)", ErrOutOfRange, addr, n, len(p))
	}
	return nil
}

// Read32 loads a little-endian word.
func Read32(bus Bus, addr uint64) (uint32, error) {
	var buf [4]byte
	if err := Read(bus, addr, buf[:]); err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(buf[:]), nil
}

// Write32 stores a little-endian word.
func Write32(bus Bus, addr uint64, v uint32) error {
	var buf [4]byte
	binary.LittleEndian.PutUint32(buf[:], v)
	return Write(bus, addr, buf[:])
}

var _ Bus = (*RAM)(nil)
