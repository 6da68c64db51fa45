package enet

// Ring element strides in guest memory.
const (
	RxDescriptorSize = 8
	RxStatusSize     = 8
	TxDescriptorSize = 12
	TxStatusSize     = 4
)

const (
	descSizeMask     = 0x7FF   // capacity-1, 11 bits
	descSize2Shift   = 12      // TX fragment 2 capacity field
	descPortBit      = 1 << 29 // TX destination port (control-bit profile)
	descLastBit      = 1 << 30 // TX last descriptor of frame
	descInterruptBit = 1 << 31 // request an interrupt on completion

	rxStatusLengthMask = 0x7FF // bytes transferred - 1
	rxStatusPortShift  = 16    // arrival port (control-bit profile)

	txStatusLengthMask = 0xFFFFFF // bytes gathered
	txStatusOverrun    = 1 << 24
	txStatusDropped    = 1 << 25

	// MaxFragment is the largest capacity one descriptor field can declare.
	MaxFragment = descSizeMask + 1
)

type rxDescriptor struct {
	buffer  uint32
	control uint32
}

func (d rxDescriptor) capacity() int   { return int(d.control&descSizeMask) + 1 }
func (d rxDescriptor) interrupt() bool { return d.control&descInterruptBit != 0 }

type txDescriptor struct {
	buffer1 uint32
	buffer2 uint32
	control uint32
}

func (d txDescriptor) capacity1() int  { return int(d.control&descSizeMask) + 1 }
func (d txDescriptor) capacity2() int  { return int((d.control>>descSize2Shift)&descSizeMask) + 1 }
func (d txDescriptor) port() int       { return int((d.control & descPortBit) >> 29) }
func (d txDescriptor) last() bool      { return d.control&descLastBit != 0 }
func (d txDescriptor) interrupt() bool { return d.control&descInterruptBit != 0 }

// RxControl encodes the control word of an RX descriptor. capacity is
// clamped to [1, MaxFragment].
func RxControl(capacity int, interrupt bool) uint32 {
	v := encodeCapacity(capacity)
	if interrupt {
		v |= descInterruptBit
	}
	return v
}

// TxControl encodes the control word of a TX descriptor. port is only
// meaningful under ProfileControlBit.
func TxControl(capacity1, capacity2, port int, last, interrupt bool) uint32 {
	v := encodeCapacity(capacity1) | encodeCapacity(capacity2)<<descSize2Shift
	if port&1 != 0 {
		v |= descPortBit
	}
	if last {
		v |= descLastBit
	}
	if interrupt {
		v |= descInterruptBit
	}
	return v
}

func encodeCapacity(n int) uint32 {
	if n < 1 {
		n = 1
	}
	if n > MaxFragment {
		n = MaxFragment
	}
	return uint32(n-1) & descSizeMask
}

// RxStatus is a decoded RX status word.
type RxStatus struct {
	Length int // bytes written to the buffer, FCS included
	Port   int // arrival port, control-bit profile only
}

// DecodeRxStatus decodes an RX status word written under profile p.
func DecodeRxStatus(p Profile, v uint32) RxStatus {
	st := RxStatus{Length: int(v&rxStatusLengthMask) + 1}
	if p == ProfileControlBit {
		st.Port = int(v>>rxStatusPortShift) & 1
	}
	return st
}

func encodeRxStatus(p Profile, length, port int) uint32 {
	v := uint32(length-1) & rxStatusLengthMask
	if p == ProfileControlBit {
		v |= uint32(port&1) << rxStatusPortShift
	}
	return v
}

// TxStatus is a decoded TX status word.
type TxStatus struct {
	Length  int  // bytes gathered from this descriptor
	Overrun bool // fewer bytes gathered than declared
	Dropped bool // the frame completed by this descriptor was discarded
}

func DecodeTxStatus(v uint32) TxStatus {
	return TxStatus{
		Length:  int(v & txStatusLengthMask),
		Overrun: v&txStatusOverrun != 0,
		Dropped: v&txStatusDropped != 0,
	}
}

func (s TxStatus) encode() uint32 {
	v := uint32(s.Length) & txStatusLengthMask
	if s.Overrun {
		v |= txStatusOverrun
	}
	if s.Dropped {
		v |= txStatusDropped
	}
	return v
}
