//go:build linux

package netport

import (
	"context"
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// Tap is a Link backed by a Linux TAP interface.
type Tap struct {
	name string
	file *os.File
}

// OpenTap attaches to (or creates) the TAP interface name. Creating an
// interface needs CAP_NET_ADMIN.
func OpenTap(name string) (*Tap, error) {
	fd, err := unix.Open("/dev/net/tun", unix.O_RDWR|unix.O_CLOEXEC, 0)
	if err != nil {
		return nil, fmt.Errorf("netport: open /dev/net/tun: %w", err)
	}
	ifr, err := unix.NewIfreq(name)
	if err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netport: tap name %q: %w", name, err)
	}
	ifr.SetUint16(unix.IFF_TAP | unix.IFF_NO_PI)
	if err := unix.IoctlIfreq(fd, unix.TUNSETIFF, ifr); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netport: TUNSETIFF %s: %w", name, err)
	}
	// Non-blocking so the runtime poller can interrupt reads on Close.
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return nil, fmt.Errorf("netport: tap %s nonblock: %w", name, err)
	}
	return &Tap{name: ifr.Name(), file: os.NewFile(uintptr(fd), "/dev/net/tun")}, nil
}

func (t *Tap) Name() string { return t.name }

// Transmit implements Link.
func (t *Tap) Transmit(frame []byte) error {
	if _, err := t.file.Write(frame); err != nil {
		return fmt.Errorf("netport: tap %s write: %w", t.name, err)
	}
	return nil
}

func (t *Tap) Ready() bool { return true }

// Run implements Source. It returns nil once ctx is done.
func (t *Tap) Run(ctx context.Context, deliver func(frame []byte)) error {
	stop := context.AfterFunc(ctx, func() { t.file.Close() })
	defer stop()

	buf := make([]byte, 65536)
	for {
		n, err := t.file.Read(buf)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("netport: tap %s read: %w", t.name, err)
		}
		deliver(append([]byte(nil), buf[:n]...))
	}
}

func (t *Tap) Close() error { return t.file.Close() }

var (
	_ Link   = (*Tap)(nil)
	_ Source = (*Tap)(nil)
)
