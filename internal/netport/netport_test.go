package netport

import (
	"bytes"
	"io"
	"log/slog"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/tinyrange/enet/internal/devices/enet"
	"github.com/tinyrange/enet/internal/pcap"
)

// receiverStub accepts frames while it has room.
type receiverStub struct {
	room   int
	frames [][]byte
	ports  []int
}

func (r *receiverStub) CanReceive() bool { return r.room > 0 }

func (r *receiverStub) Receive(port int, frame []byte) (int, error) {
	if r.room == 0 {
		return 0, enet.ErrNotReady
	}
	r.room--
	r.frames = append(r.frames, frame)
	r.ports = append(r.ports, port)
	return len(frame), nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestAttachmentDeliversWhenReady(t *testing.T) {
	rx := &receiverStub{room: 4}
	a := NewAttachment(AttachmentConfig{Name: "p1", Logger: quietLogger()})
	a.BindReceiver(rx, 1)

	a.Deliver([]byte{1})
	a.Deliver([]byte{2})

	if diff := cmp.Diff([][]byte{{1}, {2}}, rx.frames); diff != "" {
		t.Fatalf("frames (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 1}, rx.ports); diff != "" {
		t.Fatalf("ports (-want +got):\n%s", diff)
	}
	if a.Held() != 0 {
		t.Fatalf("Held = %d, want 0", a.Held())
	}
}

func TestAttachmentHoldsUntilResume(t *testing.T) {
	rx := &receiverStub{room: 1}
	a := NewAttachment(AttachmentConfig{Logger: quietLogger()})
	a.BindReceiver(rx, 0)

	for i := byte(1); i <= 4; i++ {
		a.Deliver([]byte{i})
	}
	if a.Held() != 3 {
		t.Fatalf("Held = %d, want 3", a.Held())
	}

	rx.room = 2
	a.Resume()
	if a.Held() != 1 {
		t.Fatalf("Held after partial resume = %d, want 1", a.Held())
	}

	// New arrivals queue behind held frames.
	a.Deliver([]byte{5})
	rx.room = 10
	a.Resume()

	if diff := cmp.Diff([][]byte{{1}, {2}, {3}, {4}, {5}}, rx.frames); diff != "" {
		t.Fatalf("delivery order (-want +got):\n%s", diff)
	}
	if got := a.Stats().Delivered; got != 5 {
		t.Fatalf("Delivered = %d, want 5", got)
	}
}

func TestAttachmentHeldLimit(t *testing.T) {
	rx := &receiverStub{}
	a := NewAttachment(AttachmentConfig{Limit: 2, Logger: quietLogger()})
	a.BindReceiver(rx, 0)

	for i := 0; i < 5; i++ {
		a.Deliver([]byte{byte(i)})
	}
	if a.Held() != 2 {
		t.Fatalf("Held = %d, want 2", a.Held())
	}
	if got := a.Stats().Overflowed; got != 3 {
		t.Fatalf("Overflowed = %d, want 3", got)
	}

	rx.room = 5
	a.Resume()
	if diff := cmp.Diff([][]byte{{0}, {1}}, rx.frames); diff != "" {
		t.Fatalf("oldest frames not kept (-want +got):\n%s", diff)
	}
}

func TestAttachmentOfferUsesLink(t *testing.T) {
	link := NewChannel(1)
	var capture bytes.Buffer
	a := NewAttachment(AttachmentConfig{Link: link, Capture: pcap.New(&capture, 0), Logger: quietLogger()})

	if !a.CanAccept() {
		t.Fatalf("empty channel link not ready")
	}
	a.Offer([]byte{0xAA})
	if a.CanAccept() {
		t.Fatalf("full channel link still ready")
	}
	a.Offer([]byte{0xBB})

	stats := a.Stats()
	if stats.Sent != 1 || stats.SendErrors != 1 {
		t.Fatalf("stats = %+v, want one sent and one error", stats)
	}
	if got := <-link.C; !bytes.Equal(got, []byte{0xAA}) {
		t.Fatalf("link got %x", got)
	}
	if capture.Len() == 0 {
		t.Fatalf("offered frames not captured")
	}
}

func TestWireCrossesPorts(t *testing.T) {
	rx := &receiverStub{room: 10}
	endA, endB := NewWire(Immediate)
	a := NewAttachment(AttachmentConfig{Name: "a", Link: endA, Logger: quietLogger()})
	b := NewAttachment(AttachmentConfig{Name: "b", Link: endB, Logger: quietLogger()})
	endA.Bind(a)
	endB.Bind(b)
	a.BindReceiver(rx, 0)
	b.BindReceiver(rx, 1)

	a.Offer([]byte{1})
	b.Offer([]byte{2})

	if diff := cmp.Diff([]int{1, 0}, rx.ports); diff != "" {
		t.Fatalf("arrival ports (-want +got):\n%s", diff)
	}
}

func TestWireDefersDelivery(t *testing.T) {
	rx := &receiverStub{room: 10}
	var pending []func()
	endA, endB := NewWire(func(fn func()) { pending = append(pending, fn) })
	b := NewAttachment(AttachmentConfig{Link: endB, Logger: quietLogger()})
	endB.Bind(b)
	b.BindReceiver(rx, 1)

	if err := endA.Transmit([]byte{9}); err != nil {
		t.Fatalf("Transmit: %v", err)
	}
	if len(rx.frames) != 0 {
		t.Fatalf("frame delivered before the scheduler ran")
	}
	for _, fn := range pending {
		fn()
	}
	if len(rx.frames) != 1 {
		t.Fatalf("frame not delivered by the scheduler")
	}
}

func TestLoopbackReturnsFrames(t *testing.T) {
	rx := &receiverStub{room: 10}
	lo := Loopback(nil)
	a := NewAttachment(AttachmentConfig{Link: lo, Logger: quietLogger()})
	lo.Bind(a)
	a.BindReceiver(rx, 1)

	a.Offer([]byte{7, 7})
	if diff := cmp.Diff([][]byte{{7, 7}}, rx.frames); diff != "" {
		t.Fatalf("looped frames (-want +got):\n%s", diff)
	}
}

func TestDiscardCounts(t *testing.T) {
	a := NewAttachment(AttachmentConfig{Logger: quietLogger()})
	a.Offer([]byte{1})
	a.Offer([]byte{2})
	if got := a.Link().(*Discard).Frames(); got != 2 {
		t.Fatalf("Frames = %d, want 2", got)
	}
}
