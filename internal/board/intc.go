package board

import (
	"context"
	"log/slog"
	"sync"
)

// InterruptController latches rising edges on every line. Waiters block
// until a line has seen more edges than they last observed.
type InterruptController struct {
	mu      sync.Mutex
	log     *slog.Logger
	level   map[uint8]bool
	edges   map[uint8]uint64
	changed chan struct{}
}

func NewInterruptController(logger *slog.Logger) *InterruptController {
	if logger == nil {
		logger = slog.Default()
	}
	return &InterruptController{
		log:     logger,
		level:   make(map[uint8]bool),
		edges:   make(map[uint8]uint64),
		changed: make(chan struct{}),
	}
}

// SetIRQ implements chipset.InterruptSink.
func (c *InterruptController) SetIRQ(line uint8, level bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	rising := level && !c.level[line]
	c.level[line] = level
	if !rising {
		return
	}
	c.edges[line]++
	c.log.Debug("board: irq", "line", line, "edges", c.edges[line])
	close(c.changed)
	c.changed = make(chan struct{})
}

// Edges returns the number of rising edges seen on line.
func (c *InterruptController) Edges(line uint8) uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.edges[line]
}

// Wait blocks until line has seen more than seen rising edges and returns
// the new count.
func (c *InterruptController) Wait(ctx context.Context, line uint8, seen uint64) (uint64, error) {
	for {
		c.mu.Lock()
		n := c.edges[line]
		changed := c.changed
		c.mu.Unlock()
		if n > seen {
			return n, nil
		}
		select {
		case <-changed:
		case <-ctx.Done():
			return n, ctx.Err()
		}
	}
}
