package input

import (
	"bufio"
	"context"
	"io"
	"os"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/term"

	"github.com/ent0n29/voicebutton/internal/gesture"
)

const (
	keyCtrlC = 0x03
	keyCtrlD = 0x04
)

// Keyboard emulates the button with the space or enter key. A terminal
// cannot report key releases, so in toggle mode one key press starts a
// hold and the next one ends it; otherwise every key is a full click.
type Keyboard struct {
	in     io.Reader
	toggle bool
	log    zerolog.Logger
	now    func() time.Time

	mu      sync.Mutex
	restore func()
}

func NewKeyboard(in io.Reader, toggle bool, log zerolog.Logger) *Keyboard {
	if in == nil {
		in = os.Stdin
	}
	return &Keyboard{in: in, toggle: toggle, log: log, now: time.Now}
}

// Run puts a terminal stdin into raw mode and reads keys until ctx is
// cancelled, the input ends, or the user presses q or Ctrl-C.
func (k *Keyboard) Run(ctx context.Context, h Handler) error {
	if f, ok := k.in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fd := int(f.Fd())
		old, err := term.MakeRaw(fd)
		if err != nil {
			k.log.Warn().Err(err).Msg("raw terminal unavailable, reading line by line")
		} else {
			k.mu.Lock()
			k.restore = func() { _ = term.Restore(fd, old) }
			k.mu.Unlock()
			defer k.Close()
		}
	}

	keys := make(chan byte)
	readErr := make(chan error, 1)
	go func() {
		r := bufio.NewReader(k.in)
		for {
			c, err := r.ReadByte()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case keys <- c:
			case <-ctx.Done():
				return
			}
		}
	}()

	held := false
	for {
		select {
		case <-ctx.Done():
			return nil
		case err := <-readErr:
			if err == io.EOF {
				return nil
			}
			return err
		case c := <-keys:
			switch c {
			case keyCtrlC, keyCtrlD, 'q', 'Q':
				return ErrQuit
			case ' ', '\r', '\n':
			default:
				continue
			}
			at := k.now()
			if !k.toggle {
				h(gesture.Event{Kind: gesture.Press, At: at})
				h(gesture.Event{Kind: gesture.Release, At: at})
				continue
			}
			kind := gesture.Press
			if held {
				kind = gesture.Release
			}
			held = !held
			k.log.Debug().Str("edge", string(kind)).Msg("key edge")
			h(gesture.Event{Kind: kind, At: at})
		}
	}
}

// Close restores the terminal if Run changed it.
func (k *Keyboard) Close() error {
	k.mu.Lock()
	restore := k.restore
	k.restore = nil
	k.mu.Unlock()
	if restore != nil {
		restore()
	}
	return nil
}
