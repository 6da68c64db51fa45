// Package pcap records Ethernet frames in the classic libpcap file format.
package pcap

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"
)

const (
	// LinkTypeEthernet is the DLT value for IEEE 802.3 frames.
	LinkTypeEthernet uint32 = 1

	// DefaultSnapLen covers the largest frame the controller can stage.
	DefaultSnapLen uint32 = 8192

	magicMicroseconds = 0xa1b2c3d4
	fileHeaderSize    = 24
	recordHeaderSize  = 16
)

// ErrClosed is returned by WriteFrame after Close.
var ErrClosed = errors.New("pcap: capture closed")

// Capture streams frames to an io.Writer. The file header is written before
// the first frame. A Capture is safe for concurrent use; frames from several
// ports may share one file.
type Capture struct {
	mu      sync.Mutex
	w       io.Writer
	closer  io.Closer
	snapLen uint32
	started bool
	closed  bool
	frames  uint64
	now     func() time.Time
}

// New returns a Capture writing to w. A snapLen of zero selects
// DefaultSnapLen.
func New(w io.Writer, snapLen uint32) *Capture {
	if snapLen == 0 {
		snapLen = DefaultSnapLen
	}
	return &Capture{w: w, snapLen: snapLen, now: time.Now}
}

// Create truncates path and returns a Capture that owns the file.
func Create(path string) (*Capture, error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("pcap: create %s: %w", path, err)
	}
	c := New(f, 0)
	c.closer = f
	return c, nil
}

// Frames returns the number of frames recorded.
func (c *Capture) Frames() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frames
}

// WriteFrame appends one frame, truncated to the snap length.
func (c *Capture) WriteFrame(frame []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return ErrClosed
	}
	if !c.started {
		if err := c.writeFileHeader(); err != nil {
			return err
		}
		c.started = true
	}
	if uint64(len(frame)) > math.MaxUint32 {
		return fmt.Errorf("pcap: frame of %d bytes overflows record length", len(frame))
	}

	captured := frame
	if uint32(len(captured)) > c.snapLen {
		captured = captured[:c.snapLen]
	}

	ts := c.now()
	sec := ts.Unix()
	if sec < 0 || sec > math.MaxUint32 {
		return fmt.Errorf("pcap: timestamp %v out of range", ts)
	}

	var rec [recordHeaderSize]byte
	binary.LittleEndian.PutUint32(rec[0:4], uint32(sec))
	binary.LittleEndian.PutUint32(rec[4:8], uint32(ts.Nanosecond()/1000))
	binary.LittleEndian.PutUint32(rec[8:12], uint32(len(captured)))
	binary.LittleEndian.PutUint32(rec[12:16], uint32(len(frame)))
	if _, err := c.w.Write(rec[:]); err != nil {
		return fmt.Errorf("pcap: write record header: %w", err)
	}
	if _, err := c.w.Write(captured); err != nil {
		return fmt.Errorf("pcap: write frame: %w", err)
	}
	c.frames++
	return nil
}

// Close writes the file header if no frame was recorded and releases the
// underlying file, if the Capture owns one.
func (c *Capture) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	var err error
	if !c.started {
		err = c.writeFileHeader()
	}
	if c.closer != nil {
		if cerr := c.closer.Close(); err == nil {
			err = cerr
		}
	}
	return err
}

func (c *Capture) writeFileHeader() error {
	var hdr [fileHeaderSize]byte
	binary.LittleEndian.PutUint32(hdr[0:4], magicMicroseconds)
	binary.LittleEndian.PutUint16(hdr[4:6], 2)
	binary.LittleEndian.PutUint16(hdr[6:8], 4)
	// Bytes 8..16 hold the timezone offset and sigfigs, both zero.
	binary.LittleEndian.PutUint32(hdr[16:20], c.snapLen)
	binary.LittleEndian.PutUint32(hdr[20:24], LinkTypeEthernet)
	if _, err := c.w.Write(hdr[:]); err != nil {
		return fmt.Errorf("pcap: write header: %w", err)
	}
	return nil
}
