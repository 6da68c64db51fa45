//go:build !linux

package netport

import (
	"context"
	"errors"
)

// ErrTapUnsupported is returned by OpenTap outside Linux.
var ErrTapUnsupported = errors.New("netport: TAP interfaces are only supported on Linux")

type Tap struct{}

func OpenTap(name string) (*Tap, error) { return nil, ErrTapUnsupported }

func (t *Tap) Name() string                            { return "" }
func (t *Tap) Transmit([]byte) error                   { return ErrTapUnsupported }
func (t *Tap) Ready() bool                             { return false }
func (t *Tap) Run(context.Context, func([]byte)) error { return ErrTapUnsupported }
func (t *Tap) Close() error                            { return nil }
