// Package netport connects the controller's physical ports to the host.
//
// An Attachment is the enet.Port handed to the device. It owns the frames
// the device refused while its RX ring was full and forwards transmitted
// frames to a Link: a cable to another port, a userspace network stack, a
// TAP interface, or nothing at all.
//
// Attachments are driven from the goroutine that owns the device. Links
// that produce frames on their own goroutine implement Source and hand
// frames to the owner through a Scheduler.
package netport

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/eapache/queue"

	"github.com/tinyrange/enet/internal/devices/enet"
	"github.com/tinyrange/enet/internal/pcap"
)

// DefaultHeldLimit bounds the frames an Attachment holds while the RX ring is
// full.
const DefaultHeldLimit = 256

var (
	// ErrLinkClosed is returned by Transmit on a link that has shut down.
	ErrLinkClosed = errors.New("netport: link closed")
	// ErrLinkBusy is returned by Transmit when the link has no room.
	ErrLinkBusy = errors.New("netport: link busy")
)

// Link carries frames away from a port.
type Link interface {
	// Transmit sends one frame. The link may retain frame.
	Transmit(frame []byte) error
	// Ready reports whether Transmit would accept a frame without blocking.
	Ready() bool
}

// Source is implemented by links that receive frames on their own. Run
// blocks until ctx is done or the link fails, passing each frame to deliver.
type Source interface {
	Run(ctx context.Context, deliver func(frame []byte)) error
}

// Scheduler runs fn on the goroutine that owns the device.
type Scheduler func(fn func())

// Immediate runs fn on the calling goroutine.
func Immediate(fn func()) { fn() }

// AttachmentConfig configures one port.
type AttachmentConfig struct {
	Name    string
	Link    Link
	Limit   int
	Capture *pcap.Capture
	Logger  *slog.Logger
}

// AttachmentStats counts frames crossing one port.
type AttachmentStats struct {
	Delivered  uint64
	Held       uint64
	Overflowed uint64
	Sent       uint64
	SendErrors uint64
}

// Attachment implements enet.Port on top of a Link.
type Attachment struct {
	name    string
	link    Link
	limit   int
	capture *pcap.Capture
	log     *slog.Logger

	rx   enet.Receiver
	port int
	held *queue.Queue

	stats AttachmentStats
}

// NewAttachment creates an unbound port. A nil Link discards frames.
func NewAttachment(cfg AttachmentConfig) *Attachment {
	link := cfg.Link
	if link == nil {
		link = &Discard{}
	}
	limit := cfg.Limit
	if limit <= 0 {
		limit = DefaultHeldLimit
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	name := cfg.Name
	if name == "" {
		name = "port"
	}
	return &Attachment{
		name:    name,
		link:    link,
		limit:   limit,
		capture: cfg.Capture,
		log:     logger,
		port:    -1,
		held:    queue.New(),
	}
}

func (a *Attachment) Name() string { return a.name }
func (a *Attachment) Link() Link   { return a.link }

// Port returns the device port number, or -1 before binding.
func (a *Attachment) Port() int { return a.port }

// Held returns the number of frames waiting for RX ring space.
func (a *Attachment) Held() int { return a.held.Length() }

func (a *Attachment) Stats() AttachmentStats { return a.stats }

// BindReceiver implements enet.PortBinder.
func (a *Attachment) BindReceiver(rx enet.Receiver, port int) {
	a.rx = rx
	a.port = port
}

// Offer implements enet.Port.
func (a *Attachment) Offer(frame []byte) {
	a.record(frame)
	if err := a.link.Transmit(frame); err != nil {
		a.stats.SendErrors++
		a.log.Warn("netport: transmit failed", "port", a.name, "len", len(frame), "err", err)
		return
	}
	a.stats.Sent++
}

// CanAccept implements enet.Port.
func (a *Attachment) CanAccept() bool { return a.link.Ready() }

// Resume implements enet.Port. Held frames are re-offered in arrival order
// until the device refuses one.
func (a *Attachment) Resume() {
	for a.held.Length() > 0 {
		frame := a.held.Peek().([]byte)
		if !a.receive(frame) {
			return
		}
		a.held.Remove()
	}
}

// Deliver hands an inbound frame to the device. Frames the device cannot
// take yet are held, in order, until Resume. When the hold is full the frame
// is dropped.
func (a *Attachment) Deliver(frame []byte) {
	a.record(frame)
	if a.held.Length() == 0 && a.receive(frame) {
		return
	}
	if a.held.Length() >= a.limit {
		a.stats.Overflowed++
		a.log.Warn("netport: held frame limit reached, dropping", "port", a.name, "limit", a.limit)
		return
	}
	a.held.Add(frame)
	a.stats.Held++
	if n := a.held.Length(); n == 1 || n == a.limit/2 || n == a.limit {
		a.log.Debug("netport: rx ring full, holding frames", "port", a.name, "held", n)
	}
}

// receive offers one frame and reports whether the device consumed it.
func (a *Attachment) receive(frame []byte) bool {
	if a.rx == nil {
		a.stats.Overflowed++
		a.log.Warn("netport: frame for unbound port dropped", "port", a.name)
		return true
	}
	_, err := a.rx.Receive(a.port, frame)
	switch {
	case err == nil:
		a.stats.Delivered++
		return true
	case errors.Is(err, enet.ErrNotReady):
		return false
	default:
		a.log.Warn("netport: receive failed", "port", a.name, "err", err)
		return true
	}
}

func (a *Attachment) record(frame []byte) {
	if a.capture == nil {
		return
	}
	if err := a.capture.WriteFrame(frame); err != nil {
		a.log.Warn("netport: capture failed", "port", a.name, "err", err)
	}
}

func (a *Attachment) String() string {
	return fmt.Sprintf("%s(port %d)", a.name, a.port)
}

var (
	_ enet.Port       = (*Attachment)(nil)
	_ enet.PortBinder = (*Attachment)(nil)
)
