// Package input reads the physical or emulated push button and reports raw
// press/release edges.
package input

import (
	"context"
	"errors"

	"github.com/ent0n29/voicebutton/internal/gesture"
)

// ErrQuit is returned by a source when the user asked to exit the program
// from the input device itself, e.g. Ctrl-C on a raw terminal.
var ErrQuit = errors.New("input: quit requested")

// Handler receives raw edges in the order they were observed.
type Handler func(gesture.Event)

// Source runs until ctx is cancelled or the device fails.
type Source interface {
	Run(ctx context.Context, h Handler) error
	Close() error
}
