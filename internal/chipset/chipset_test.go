package chipset

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/enet/internal/hv"
)

type stubDevice struct {
	region hv.MMIORegion
	reads  []uint64
	writes []uint64
	resets int
	inited bool
}

func (s *stubDevice) Init(hv.VirtualMachine) error { s.inited = true; return nil }
func (s *stubDevice) Start() error                 { return nil }
func (s *stubDevice) Stop() error                  { return nil }
func (s *stubDevice) Reset() error                 { s.resets++; return nil }

func (s *stubDevice) SupportsMmio() *MmioIntercept {
	return &MmioIntercept{Regions: []hv.MMIORegion{s.region}, Handler: s}
}

func (s *stubDevice) ReadMMIO(addr uint64, data []byte) error {
	s.reads = append(s.reads, addr)
	return nil
}

func (s *stubDevice) WriteMMIO(addr uint64, data []byte) error {
	s.writes = append(s.writes, addr)
	return nil
}

type recordingSink struct {
	events []string
}

func (r *recordingSink) SetIRQ(line uint8, level bool) {
	if level {
		r.events = append(r.events, "high")
	} else {
		r.events = append(r.events, "low")
	}
}

func TestChipsetDispatchesMMIO(t *testing.T) {
	a := &stubDevice{region: hv.MMIORegion{Address: 0x1000, Size: 0x100}}
	b := &stubDevice{region: hv.MMIORegion{Address: 0x2000, Size: 0x4000}}

	builder := NewBuilder()
	if err := builder.RegisterDevice("a", a); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := builder.RegisterDevice("b", b); err != nil {
		t.Fatalf("register b: %v", err)
	}
	cs, err := builder.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := cs.Init(nil); err != nil {
		t.Fatalf("init: %v", err)
	}
	if !a.inited || !b.inited {
		t.Fatalf("devices not initialised")
	}

	buf := make([]byte, 4)
	if err := cs.HandleMMIO(0x1010, buf, false); err != nil {
		t.Fatalf("read a: %v", err)
	}
	if err := cs.HandleMMIO(0x2100, buf, true); err != nil {
		t.Fatalf("write b: %v", err)
	}
	if diff := cmp.Diff([]uint64{0x1010}, a.reads); diff != "" {
		t.Fatalf("a reads (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]uint64{0x2100}, b.writes); diff != "" {
		t.Fatalf("b writes (-want +got):\n%s", diff)
	}

	if err := cs.HandleMMIO(0x10fe, buf, false); !errors.Is(err, hv.ErrNoMMIOHandler) {
		t.Fatalf("straddling access err = %v, want ErrNoMMIOHandler", err)
	}
	if err := cs.HandleMMIO(0x9000, buf, false); !errors.Is(err, hv.ErrNoMMIOHandler) {
		t.Fatalf("unmapped access err = %v, want ErrNoMMIOHandler", err)
	}

	if err := cs.Reset(); err != nil {
		t.Fatalf("reset: %v", err)
	}
	if a.resets != 1 || b.resets != 1 {
		t.Fatalf("resets = %d/%d, want 1/1", a.resets, b.resets)
	}
}

func TestBuilderRejectsOverlap(t *testing.T) {
	builder := NewBuilder()
	if err := builder.RegisterDevice("a", &stubDevice{region: hv.MMIORegion{Address: 0x1000, Size: 0x100}}); err != nil {
		t.Fatalf("register a: %v", err)
	}
	if err := builder.RegisterDevice("b", &stubDevice{region: hv.MMIORegion{Address: 0x10f0, Size: 0x100}}); err == nil {
		t.Fatalf("expected overlap error")
	}
	if err := builder.RegisterDevice("a", &stubDevice{region: hv.MMIORegion{Address: 0x8000, Size: 0x100}}); err == nil {
		t.Fatalf("expected duplicate name error")
	}
}

func TestLineSetPulse(t *testing.T) {
	sink := &recordingSink{}
	lines := NewLineSet(sink)
	line := lines.AllocateLine(5)

	line.PulseInterrupt()
	line.PulseInterrupt()
	if lines.Level(5) {
		t.Fatalf("line left high after pulse")
	}
	if got := lines.Pulses(5); got != 2 {
		t.Fatalf("pulses = %d, want 2", got)
	}

	line.SetLevel(true)
	line.SetLevel(true)
	line.SetLevel(false)

	want := []string{"high", "low", "high", "low", "high", "low"}
	if diff := cmp.Diff(want, sink.events); diff != "" {
		t.Fatalf("sink events (-want +got):\n%s", diff)
	}
}

type orderDevice struct {
	stubDevice
	name string
	log  *[]string
}

func (o *orderDevice) Start() error { *o.log = append(*o.log, "start "+o.name); return nil }
func (o *orderDevice) Stop() error  { *o.log = append(*o.log, "stop "+o.name); return nil }

func TestChipsetLifecycleOrder(t *testing.T) {
	var log []string
	builder := NewBuilder()
	// Registered above the second window so dispatch cannot rely on order.
	for _, d := range []*orderDevice{
		{stubDevice: stubDevice{region: hv.MMIORegion{Address: 0x8000, Size: 0x100}}, name: "high", log: &log},
		{stubDevice: stubDevice{region: hv.MMIORegion{Address: 0x1000, Size: 0x100}}, name: "low", log: &log},
	} {
		if err := builder.RegisterDevice(d.name, d); err != nil {
			t.Fatalf("register %s: %v", d.name, err)
		}
	}
	cs, err := builder.Build()
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	if err := cs.Start(); err != nil {
		t.Fatalf("start: %v", err)
	}
	if err := cs.Stop(); err != nil {
		t.Fatalf("stop: %v", err)
	}
	want := []string{"start high", "start low", "stop low", "stop high"}
	if diff := cmp.Diff(want, log); diff != "" {
		t.Fatalf("lifecycle (-want +got):\n%s", diff)
	}

	buf := make([]byte, 4)
	for _, addr := range []uint64{0x1000, 0x10fc, 0x8000, 0x80fc} {
		if err := cs.HandleMMIO(addr, buf, false); err != nil {
			t.Errorf("read 0x%x: %v", addr, err)
		}
	}
	for _, addr := range []uint64{0x0ffc, 0x1100, 0x7ffe, 0x8100} {
		if err := cs.HandleMMIO(addr, buf, false); !errors.Is(err, hv.ErrNoMMIOHandler) {
			t.Errorf("read 0x%x err = %v, want ErrNoMMIOHandler", addr, err)
		}
	}
}

func TestLineSetWithoutSink(t *testing.T) {
	lines := NewLineSet(nil)
	line := lines.AllocateLine(9)
	line.SetLevel(true)
	if !lines.Level(9) {
		t.Fatal("line not high")
	}
	line.PulseInterrupt()
	if lines.Level(9) || lines.Pulses(9) != 1 {
		t.Fatalf("level=%v pulses=%d after pulse", lines.Level(9), lines.Pulses(9))
	}
}
