package netport

import "sync"

// Discard is a Link that drops every frame.
type Discard struct {
	mu     sync.Mutex
	frames uint64
}

func (d *Discard) Transmit([]byte) error {
	d.mu.Lock()
	d.frames++
	d.mu.Unlock()
	return nil
}

func (d *Discard) Ready() bool { return true }

// Frames returns the number of frames dropped.
func (d *Discard) Frames() uint64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.frames
}

// WireEnd is one end of a cable between two attachments. A frame transmitted
// on one end is delivered to the attachment bound to the other end through
// the scheduler, after the transmitting call returns.
type WireEnd struct {
	schedule Scheduler
	peer     *WireEnd
	att      *Attachment
}

// NewWire returns both ends of a cable.
func NewWire(schedule Scheduler) (*WireEnd, *WireEnd) {
	if schedule == nil {
		schedule = Immediate
	}
	a := &WireEnd{schedule: schedule}
	b := &WireEnd{schedule: schedule}
	a.peer, b.peer = b, a
	return a, b
}

// Bind attaches the receiving side of this end.
func (w *WireEnd) Bind(att *Attachment) { w.att = att }

// Transmit implements Link.
func (w *WireEnd) Transmit(frame []byte) error {
	dst := w.peer.att
	if dst == nil {
		return nil
	}
	w.schedule(func() { dst.Deliver(frame) })
	return nil
}

func (w *WireEnd) Ready() bool { return true }

// Loopback returns a Link that delivers every transmitted frame back to the
// attachment bound with Bind.
func Loopback(schedule Scheduler) *WireEnd {
	if schedule == nil {
		schedule = Immediate
	}
	w := &WireEnd{schedule: schedule}
	w.peer = w
	return w
}

// Channel is a Link backed by a buffered channel. Ready reports false while
// the channel is full.
type Channel struct {
	C chan []byte
}

func NewChannel(depth int) *Channel {
	return &Channel{C: make(chan []byte, depth)}
}

func (c *Channel) Transmit(frame []byte) error {
	select {
	case c.C <- frame:
		return nil
	default:
		return ErrLinkBusy
	}
}

func (c *Channel) Ready() bool { return len(c.C) < cap(c.C) }
