package enet

import "github.com/tinyrange/enet/internal/chipset"

// interrupts holds the pending and enabled cause bits. Each cause is either
// pending or not; the line is pulsed when a cause becomes pending and is
// never held high.
type interrupts struct {
	status uint32
	enable uint32
	line   chipset.LineInterrupt
}

// raise marks bits pending and pulses the line when gate is enabled.
func (s *interrupts) raise(gate, bits uint32) bool {
	if s.enable&gate == 0 {
		return false
	}
	s.status |= bits
	s.line.PulseInterrupt()
	return true
}

// clear drops exactly the named causes.
func (s *interrupts) clear(mask uint32) {
	s.status &^= mask
}

// reset drops the named causes and deasserts the line.
func (s *interrupts) reset(mask uint32) {
	s.status &^= mask
	s.line.SetLevel(false)
}
