package hv

import (
	"fmt"
	"sync"
)

// AddressSpace manages physical address allocation for a board.
// It tracks the RAM region and places MMIO windows either at fixed
// addresses or dynamically above RAM.
type AddressSpace struct {
	mu sync.Mutex

	ramBase uint64
	ramSize uint64

	// nextMMIO is the next available address for MMIO allocation (above RAM)
	nextMMIO uint64

	allocations []MMIOAllocation
}

// MMIOAllocationRequest describes an MMIO window to place above RAM.
type MMIOAllocationRequest struct {
	Name      string
	Size      uint64
	Alignment uint64
}

// MMIOAllocation is a placed MMIO window.
type MMIOAllocation struct {
	Name  string
	Base  uint64
	Size  uint64
	Fixed bool
}

func (a MMIOAllocation) Region() MMIORegion {
	return MMIORegion{Address: a.Base, Size: a.Size}
}

// NewAddressSpace creates a new physical address allocator.
// MMIO allocations will start above ramBase+ramSize.
func NewAddressSpace(ramBase, ramSize uint64) *AddressSpace {
	a := &AddressSpace{
		ramBase: ramBase,
		ramSize: ramSize,
	}
	// Start MMIO allocation above RAM, aligned to 4KB
	a.nextMMIO = alignUp(ramBase+ramSize, 0x1000)
	return a
}

// Allocate places an MMIO window above RAM and every earlier window.
func (a *AddressSpace) Allocate(req MMIOAllocationRequest) (MMIOAllocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if req.Size == 0 {
		return MMIOAllocation{}, fmt.Errorf("address_space: cannot allocate zero-size region for %s", req.Name)
	}

	alignment := req.Alignment
	if alignment == 0 {
		alignment = 0x1000 // Default to 4KB alignment
	}

	// Ensure alignment is a power of 2
	if alignment&(alignment-1) != 0 {
		return MMIOAllocation{}, fmt.Errorf("address_space: alignment 0x%x is not a power of 2 for %s", alignment, req.Name)
	}

	base := alignUp(a.nextMMIO, alignment)
	size := alignUp(req.Size, alignment)
	for a.overlapsLocked(base, size) {
		base = alignUp(a.endOfOverlapLocked(base, size), alignment)
	}
	if base+size < base {
		return MMIOAllocation{}, fmt.Errorf("address_space: no room for %s (0x%x bytes)", req.Name, size)
	}

	alloc := MMIOAllocation{
		Name: req.Name,
		Base: base,
		Size: size,
	}
	a.allocations = append(a.allocations, alloc)
	a.nextMMIO = base + size

	return alloc, nil
}

// RegisterFixed registers a pre-determined MMIO window.
// Returns error if the window overlaps RAM or another window.
func (a *AddressSpace) RegisterFixed(name string, base, size uint64) (MMIOAllocation, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if size == 0 {
		return MMIOAllocation{}, fmt.Errorf("address_space: cannot register zero-size fixed region %s", name)
	}
	regionEnd := base + size
	if regionEnd < base {
		return MMIOAllocation{}, fmt.Errorf("address_space: fixed region %s at 0x%x with size 0x%x overflows", name, base, size)
	}

	ramEnd := a.ramBase + a.ramSize
	if base < ramEnd && regionEnd > a.ramBase {
		return MMIOAllocation{}, fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps RAM [0x%x-0x%x)",
			name, base, regionEnd, a.ramBase, ramEnd)
	}
	for _, existing := range a.allocations {
		if regionsOverlap(base, size, existing.Base, existing.Size) {
			return MMIOAllocation{}, fmt.Errorf("address_space: fixed region %s [0x%x-0x%x) overlaps %s",
				name, base, regionEnd, existing.Region())
		}
	}

	alloc := MMIOAllocation{Name: name, Base: base, Size: size, Fixed: true}
	a.allocations = append(a.allocations, alloc)
	return alloc, nil
}

// Lookup returns the window registered under name.
func (a *AddressSpace) Lookup(name string) (MMIOAllocation, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for _, alloc := range a.allocations {
		if alloc.Name == name {
			return alloc, true
		}
	}
	return MMIOAllocation{}, false
}

// Allocations returns a copy of all MMIO windows in registration order.
func (a *AddressSpace) Allocations() []MMIOAllocation {
	a.mu.Lock()
	defer a.mu.Unlock()

	result := make([]MMIOAllocation, len(a.allocations))
	copy(result, a.allocations)
	return result
}

func (a *AddressSpace) RAMBase() uint64 { return a.ramBase }
func (a *AddressSpace) RAMSize() uint64 { return a.ramSize }
func (a *AddressSpace) RAMEnd() uint64  { return a.ramBase + a.ramSize }

func (a *AddressSpace) overlapsLocked(base, size uint64) bool {
	for _, existing := range a.allocations {
		if regionsOverlap(base, size, existing.Base, existing.Size) {
			return true
		}
	}
	return false
}

func (a *AddressSpace) endOfOverlapLocked(base, size uint64) uint64 {
	end := base
	for _, existing := range a.allocations {
		if regionsOverlap(base, size, existing.Base, existing.Size) && existing.Base+existing.Size > end {
			end = existing.Base + existing.Size
		}
	}
	return end
}

func regionsOverlap(baseA, sizeA, baseB, sizeB uint64) bool {
	endA := baseA + sizeA
	endB := baseB + sizeB
	return baseA < endB && baseB < endA
}

// alignUp aligns value up to the specified alignment.
func alignUp(value, align uint64) uint64 {
	if align == 0 {
		return value
	}
	mask := align - 1
	return (value + mask) &^ mask
}
