package chipset

import (
	"errors"
	"fmt"
	"sort"

	"github.com/tinyrange/enet/internal/hv"
)

var errNilBuilder = errors.New("chipset: builder is nil")

type namedDevice struct {
	name string
	dev  ChipsetDevice
}

type mmioBinding struct {
	owner   string
	region  hv.MMIORegion
	handler MmioHandler
}

func (b mmioBinding) end() uint64 { return b.region.Address + b.region.Size }

// ChipsetBuilder collects devices and their register windows.
type ChipsetBuilder struct {
	devices []namedDevice
	mmio    []mmioBinding
}

func NewBuilder() *ChipsetBuilder {
	return &ChipsetBuilder{}
}

// RegisterDevice adds dev under a unique name and claims its windows.
// Devices are started and reset in registration order.
func (b *ChipsetBuilder) RegisterDevice(name string, dev ChipsetDevice) error {
	switch {
	case b == nil:
		return errNilBuilder
	case name == "":
		return errors.New("chipset: device name is empty")
	case dev == nil:
		return fmt.Errorf("chipset: device %q is nil", name)
	}
	for _, d := range b.devices {
		if d.name == name {
			return fmt.Errorf("chipset: device %q already registered", name)
		}
	}

	var claimed []mmioBinding
	if intercept := dev.SupportsMmio(); intercept != nil {
		if intercept.Handler == nil {
			return fmt.Errorf("chipset: device %q has windows but no handler", name)
		}
		for _, region := range intercept.Regions {
			nb := mmioBinding{owner: name, region: region, handler: intercept.Handler}
			if err := b.checkWindow(nb, claimed); err != nil {
				return err
			}
			claimed = append(claimed, nb)
		}
	}

	b.mmio = append(b.mmio, claimed...)
	b.devices = append(b.devices, namedDevice{name: name, dev: dev})
	return nil
}

func (b *ChipsetBuilder) checkWindow(nb mmioBinding, pending []mmioBinding) error {
	r := nb.region
	if r.Size == 0 {
		return fmt.Errorf("chipset: device %q: empty window at 0x%x", nb.owner, r.Address)
	}
	if nb.end() < r.Address {
		return fmt.Errorf("chipset: device %q: window at 0x%x wraps the address space", nb.owner, r.Address)
	}
	for _, other := range append(b.mmio[:len(b.mmio):len(b.mmio)], pending...) {
		if r.Address < other.end() && other.region.Address < nb.end() {
			return fmt.Errorf("chipset: device %q: window %s overlaps %s of %q",
				nb.owner, r, other.region, other.owner)
		}
	}
	return nil
}

// Build freezes the layout.
func (b *ChipsetBuilder) Build() (*Chipset, error) {
	if b == nil {
		return nil, errNilBuilder
	}
	c := &Chipset{
		devices: append([]namedDevice(nil), b.devices...),
		mmio:    append([]mmioBinding(nil), b.mmio...),
	}
	sort.Slice(c.mmio, func(i, j int) bool {
		return c.mmio[i].region.Address < c.mmio[j].region.Address
	})
	return c, nil
}
