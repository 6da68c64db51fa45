package enet

// ring is the index state of one descriptor ring. It has count+1 slots and
// one slot always stays empty, so a full ring holds count entries.
type ring struct {
	descriptors uint32 // guest address of the descriptor array
	status      uint32 // guest address of the status array

	count   uint32
	produce uint32
	consume uint32
}

func (r *ring) slots() uint64 {
	return uint64(r.count) + 1
}

// next returns the slot after i.
func (r *ring) next(i uint32) uint32 {
	return uint32((uint64(i) + 1) % r.slots())
}

func (r *ring) empty() bool {
	return r.produce == r.consume
}

// full reports produce == (consume + count) % (count + 1).
func (r *ring) full() bool {
	return uint64(r.produce) == (uint64(r.consume)+uint64(r.count))%r.slots()
}

// occupied is the number of entries between consume and produce.
func (r *ring) occupied() uint32 {
	return uint32((uint64(r.produce) + r.slots() - uint64(r.consume)) % r.slots())
}

// setCount re-arms the ring with a new size.
func (r *ring) setCount(count uint32) {
	r.count = count
	r.produce = 0
	r.consume = 0
}

// reset clears the transient ring state. The array addresses are driver
// configuration and survive.
func (r *ring) reset() {
	r.count = 0
	r.produce = 0
	r.consume = 0
}

func (r *ring) descriptorAddress(i uint32, stride uint64) uint64 {
	return uint64(r.descriptors) + uint64(i)*stride
}

func (r *ring) statusAddress(i uint32, stride uint64) uint64 {
	return uint64(r.status) + uint64(i)*stride
}
