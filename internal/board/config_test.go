package board

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/enet/internal/devices/enet"
)

func TestParseConfig(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
memory:
  base: 0x4000_0000
  size: 32MiB
nic:
  base: 0x1000_0000
  irq: 9
  mac: "02:aa:bb:cc:dd:ee"
  profile: trailing-byte
ports:
  - kind: gvisor
    address: 10.0.2.2/24
    echo_port: 7
    pcap: port0.pcap
  - kind: discard
    held_limit: 16
`))
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}

	if cfg.Memory.Base != 0x4000_0000 || cfg.Memory.Size != 32<<20 {
		t.Fatalf("memory = %s/%d", cfg.Memory.Base, cfg.Memory.Size)
	}
	if cfg.NIC.Base != 0x1000_0000 || cfg.NIC.IRQ != 9 {
		t.Fatalf("nic = %s irq %d", cfg.NIC.Base, cfg.NIC.IRQ)
	}
	if cfg.NIC.MAC.String() != "02:aa:bb:cc:dd:ee" {
		t.Fatalf("mac = %s", cfg.NIC.MAC)
	}
	if cfg.NIC.Profile.Profile != enet.ProfileTrailingByte {
		t.Fatalf("profile = %s", cfg.NIC.Profile)
	}
	want := []PortConfig{
		{Kind: PortGvisor, Address: "10.0.2.2/24", EchoPort: 7, Pcap: "port0.pcap"},
		{Kind: PortDiscard, HeldLimit: 16},
	}
	if diff := cmp.Diff(want, cfg.Ports); diff != "" {
		t.Fatalf("ports (-want +got):\n%s", diff)
	}
}

func TestParseConfigDefaults(t *testing.T) {
	cfg, err := ParseConfig(nil)
	if err != nil {
		t.Fatalf("ParseConfig: %v", err)
	}
	if diff := cmp.Diff(DefaultConfig(), cfg); diff != "" {
		t.Fatalf("empty document changed defaults (-want +got):\n%s", diff)
	}
}

func TestParseConfigErrors(t *testing.T) {
	for _, tc := range []struct {
		name string
		doc  string
		want string
	}{
		{"unknown field", "nic:\n  speed: 10\n", "speed"},
		{"bad size", "memory:\n  size: lots\n", "invalid size"},
		{"zero size", "memory:\n  size: 0\n", "non-zero"},
		{"bad mac", "nic:\n  mac: nope\n", "invalid MAC"},
		{"bad profile", "nic:\n  profile: smoke-signal\n", "unknown wire profile"},
		{"bad kind", "ports:\n  - kind: serial\n", "unknown kind"},
		{"half cable", "ports:\n  - kind: cable\n  - kind: discard\n", "cable needs both ports"},
		{"three ports", "ports: [{kind: discard}, {kind: discard}, {kind: discard}]\n", "3 ports"},
		{"gvisor address", "ports:\n  - kind: gvisor\n    address: 10.0.0.1\n", "ports[0].address"},
		{"tap name", "ports:\n  - kind: tap\n", "interface name"},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tc.doc))
			if err == nil {
				t.Fatalf("expected an error")
			}
			if !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("error %q does not mention %q", err, tc.want)
			}
		})
	}
}

func TestParseSize(t *testing.T) {
	for in, want := range map[string]Size{
		"4096":   4096,
		"0x1000": 4096,
		"64KiB":  64 << 10,
		"16 MiB": 16 << 20,
		"1GiB":   1 << 30,
	} {
		got, err := ParseSize(in)
		if err != nil || got != want {
			t.Fatalf("ParseSize(%q) = %d, %v; want %d", in, got, err, want)
		}
	}
	if _, err := ParseSize("99999999999GiB"); err == nil {
		t.Fatalf("expected overflow to fail")
	}
}

func TestLoadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "board.yaml")
	if err := os.WriteFile(path, []byte("nic:\n  irq: 3\n"), 0o644); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.NIC.IRQ != 3 {
		t.Fatalf("irq = %d, want 3", cfg.NIC.IRQ)
	}
	if _, err := LoadConfig(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Fatalf("expected missing file to fail")
	}
}
