package chipset

import (
	"github.com/tinyrange/enet/internal/hv"
)

// MmioHandler serves accesses to a register window. addr is absolute.
type MmioHandler interface {
	ReadMMIO(addr uint64, data []byte) error
	WriteMMIO(addr uint64, data []byte) error
}

// MmioIntercept lists the windows a device claims.
type MmioIntercept struct {
	Regions []hv.MMIORegion
	Handler MmioHandler
}

// LineInterrupt is a device's handle on its interrupt line.
type LineInterrupt interface {
	SetLevel(high bool)
	// PulseInterrupt raises then lowers the line.
	PulseInterrupt()
}

type detachedLine struct{}

func (detachedLine) SetLevel(bool)   {}
func (detachedLine) PulseInterrupt() {}

// LineInterruptDetached returns a line that is not wired to anything.
func LineInterruptDetached() LineInterrupt { return detachedLine{} }

// ChangeDeviceState is the lifecycle every board device follows.
type ChangeDeviceState interface {
	Start() error
	Stop() error
	Reset() error
}

// ChipsetDevice is a device that can be placed on the board.
type ChipsetDevice interface {
	hv.Device
	ChangeDeviceState

	SupportsMmio() *MmioIntercept
}
