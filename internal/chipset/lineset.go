package chipset

import "sync"

// InterruptSink is the interrupt controller behind a LineSet.
type InterruptSink interface {
	SetIRQ(line uint8, level bool)
}

// LineSet tracks the level of every board interrupt line and reports each
// transition to its sink.
type LineSet struct {
	mu    sync.Mutex
	sink  InterruptSink
	lines [256]lineState
}

type lineState struct {
	level  bool
	pulses uint64
}

func NewLineSet(sink InterruptSink) *LineSet {
	return &LineSet{sink: sink}
}

// AllocateLine returns a handle on line irq. Handles on the same line
// share its state.
func (l *LineSet) AllocateLine(irq uint8) LineInterrupt {
	return lineHandle{set: l, irq: irq}
}

func (l *LineSet) Level(irq uint8) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lines[irq].level
}

// Pulses counts PulseInterrupt calls on irq.
func (l *LineSet) Pulses(irq uint8) uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.lines[irq].pulses
}

// drive sets the line and returns the transitions to report. Calls to the
// sink happen outside the lock.
func (l *LineSet) drive(irq uint8, pulse, high bool) {
	l.mu.Lock()
	st := &l.lines[irq]
	var events []bool
	if pulse {
		st.pulses++
		if !st.level {
			events = append(events, true)
		}
		events = append(events, false)
		st.level = false
	} else if st.level != high {
		events = append(events, high)
		st.level = high
	}
	l.mu.Unlock()

	if l.sink == nil {
		return
	}
	for _, level := range events {
		l.sink.SetIRQ(irq, level)
	}
}

type lineHandle struct {
	set *LineSet
	irq uint8
}

func (h lineHandle) SetLevel(high bool) { h.set.drive(h.irq, false, high) }
func (h lineHandle) PulseInterrupt()    { h.set.drive(h.irq, true, false) }
