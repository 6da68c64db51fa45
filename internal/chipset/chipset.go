package chipset

import (
	"fmt"
	"sort"

	"github.com/tinyrange/enet/internal/hv"
)

// Chipset routes register accesses to devices and drives their lifecycle.
type Chipset struct {
	devices []namedDevice
	// mmio is sorted by base address.
	mmio []mmioBinding
}

func (c *Chipset) Init(vm hv.VirtualMachine) error {
	return c.each("init", func(d ChipsetDevice) error { return d.Init(vm) })
}

func (c *Chipset) Start() error {
	return c.each("start", ChipsetDevice.Start)
}

// Stop visits devices in reverse registration order.
func (c *Chipset) Stop() error {
	for i := len(c.devices) - 1; i >= 0; i-- {
		d := c.devices[i]
		if err := d.dev.Stop(); err != nil {
			return fmt.Errorf("chipset: stop %q: %w", d.name, err)
		}
	}
	return nil
}

func (c *Chipset) Reset() error {
	return c.each("reset", ChipsetDevice.Reset)
}

func (c *Chipset) each(op string, fn func(ChipsetDevice) error) error {
	for _, d := range c.devices {
		if err := fn(d.dev); err != nil {
			return fmt.Errorf("chipset: %s %q: %w", op, d.name, err)
		}
	}
	return nil
}

// HandleMMIO forwards an access to the window that wholly contains it.
func (c *Chipset) HandleMMIO(addr uint64, data []byte, isWrite bool) error {
	i := sort.Search(len(c.mmio), func(i int) bool { return c.mmio[i].end() > addr })
	if i < len(c.mmio) && c.mmio[i].region.Contains(addr, len(data)) {
		h := c.mmio[i].handler
		if isWrite {
			return h.WriteMMIO(addr, data)
		}
		return h.ReadMMIO(addr, data)
	}
	return fmt.Errorf("chipset: %w at 0x%016x (%d bytes)", hv.ErrNoMMIOHandler, addr, len(data))
}
