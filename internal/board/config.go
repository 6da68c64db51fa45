package board

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net"
	"net/netip"
	"os"
	"strconv"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/enet/internal/devices/enet"
)

// PortKind selects what sits at the far end of a controller port.
type PortKind string

const (
	// PortDiscard drops transmitted frames and never delivers any.
	PortDiscard PortKind = "discard"
	// PortLoopback returns every transmitted frame to the same port.
	PortLoopback PortKind = "loopback"
	// PortCable joins the two controller ports; both must use it.
	PortCable PortKind = "cable"
	// PortGvisor attaches a userspace IPv4 host.
	PortGvisor PortKind = "gvisor"
	// PortTap attaches a Linux TAP interface.
	PortTap PortKind = "tap"
)

// Config describes a board: guest RAM, one controller and its two ports.
type Config struct {
	Memory MemoryConfig `yaml:"memory"`
	NIC    NICConfig    `yaml:"nic"`
	Ports  []PortConfig `yaml:"ports"`
}

type MemoryConfig struct {
	Base Address `yaml:"base"`
	Size Size    `yaml:"size"`
}

type NICConfig struct {
	// Base of the register window. Zero places it above RAM.
	Base    Address      `yaml:"base"`
	IRQ     uint8        `yaml:"irq"`
	MAC     HardwareAddr `yaml:"mac"`
	Profile Profile      `yaml:"profile"`
}

type PortConfig struct {
	Kind PortKind `yaml:"kind"`
	// HeldLimit bounds frames waiting for RX ring space.
	HeldLimit int `yaml:"held_limit,omitempty"`
	// Pcap records both directions of the port to a file.
	Pcap string `yaml:"pcap,omitempty"`

	// gvisor
	Address  string       `yaml:"address,omitempty"`
	Gateway  string       `yaml:"gateway,omitempty"`
	MAC      HardwareAddr `yaml:"mac,omitempty"`
	EchoPort uint16       `yaml:"echo_port,omitempty"`

	// tap
	Interface string `yaml:"interface,omitempty"`
}

// DefaultConfig is 16 MiB of RAM at 0x8000_0000 with the ports cabled
// together.
func DefaultConfig() Config {
	mac, _ := net.ParseMAC("02:00:00:00:00:01")
	return Config{
		Memory: MemoryConfig{Base: 0x8000_0000, Size: 16 << 20},
		NIC:    NICConfig{IRQ: 5, MAC: HardwareAddr(mac)},
		Ports: []PortConfig{
			{Kind: PortCable},
			{Kind: PortCable},
		},
	}
}

// LoadConfig reads a YAML board description. Fields it leaves out keep
// their DefaultConfig values.
func LoadConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("board: read config: %w", err)
	}
	cfg, err := ParseConfig(data)
	if err != nil {
		return Config{}, fmt.Errorf("board: %s: %w", path, err)
	}
	return cfg, nil
}

// ParseConfig decodes and validates a YAML board description.
func ParseConfig(data []byte) (Config, error) {
	cfg := DefaultConfig()
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks the description for inconsistencies.
func (c Config) Validate() error {
	if c.Memory.Size == 0 {
		return fmt.Errorf("memory.size must be non-zero")
	}
	if uint64(c.Memory.Base)+uint64(c.Memory.Size) < uint64(c.Memory.Base) {
		return fmt.Errorf("memory at %s with size %d overflows", c.Memory.Base, c.Memory.Size)
	}
	if len(c.NIC.MAC) != 0 && len(c.NIC.MAC) != 6 {
		return fmt.Errorf("nic.mac must be 6 bytes")
	}
	if len(c.Ports) > enet.NumPorts {
		return fmt.Errorf("%d ports configured, the controller has %d", len(c.Ports), enet.NumPorts)
	}
	cables := 0
	for i, p := range c.Ports {
		switch p.Kind {
		case "", PortDiscard, PortLoopback:
		case PortCable:
			cables++
		case PortGvisor:
			if _, err := netip.ParsePrefix(p.Address); err != nil {
				return fmt.Errorf("ports[%d].address: %w", i, err)
			}
			if p.Gateway != "" {
				if _, err := netip.ParseAddr(p.Gateway); err != nil {
					return fmt.Errorf("ports[%d].gateway: %w", i, err)
				}
			}
		case PortTap:
			if p.Interface == "" {
				return fmt.Errorf("ports[%d]: tap needs an interface name", i)
			}
		default:
			return fmt.Errorf("ports[%d]: unknown kind %q", i, p.Kind)
		}
		if p.HeldLimit < 0 {
			return fmt.Errorf("ports[%d].held_limit must not be negative", i)
		}
	}
	if cables != 0 && cables != enet.NumPorts {
		return fmt.Errorf("a cable needs both ports, %d configured", cables)
	}
	return nil
}

// Address is a guest physical address. YAML accepts integers in any base
// strconv understands, such as 0x4000_0000.
type Address uint64

func (a Address) String() string { return fmt.Sprintf("0x%x", uint64(a)) }

// UnmarshalYAML implements yaml.Unmarshaler for Address.
func (a *Address) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", s, err)
	}
	*a = Address(v)
	return nil
}

// Size is a byte count. YAML accepts plain integers or a KiB/MiB/GiB suffix.
type Size uint64

// UnmarshalYAML implements yaml.Unmarshaler for Size.
func (s *Size) UnmarshalYAML(value *yaml.Node) error {
	var raw string
	if err := value.Decode(&raw); err != nil {
		return err
	}
	v, err := ParseSize(raw)
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseSize parses "4096", "64KiB", "16MiB" or "1GiB".
func ParseSize(raw string) (Size, error) {
	s := strings.TrimSpace(raw)
	shift := 0
	for suffix, n := range map[string]int{"KiB": 10, "MiB": 20, "GiB": 30} {
		if strings.HasSuffix(s, suffix) {
			s = strings.TrimSpace(strings.TrimSuffix(s, suffix))
			shift = n
			break
		}
	}
	v, err := strconv.ParseUint(s, 0, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid size %q: %w", raw, err)
	}
	if v<<shift>>shift != v {
		return 0, fmt.Errorf("size %q overflows", raw)
	}
	return Size(v << shift), nil
}

// HardwareAddr is a MAC address written as "02:00:00:00:00:01".
type HardwareAddr net.HardwareAddr

func (h HardwareAddr) String() string { return net.HardwareAddr(h).String() }

// UnmarshalYAML implements yaml.Unmarshaler for HardwareAddr.
func (h *HardwareAddr) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	mac, err := net.ParseMAC(s)
	if err != nil {
		return fmt.Errorf("invalid MAC %q: %w", s, err)
	}
	if len(mac) != 6 {
		return fmt.Errorf("MAC %q is not 48 bits", s)
	}
	*h = HardwareAddr(mac)
	return nil
}

// Profile wraps enet.Profile for YAML.
type Profile struct {
	enet.Profile
}

// UnmarshalYAML implements yaml.Unmarshaler for Profile.
func (p *Profile) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	return p.Set(s)
}
