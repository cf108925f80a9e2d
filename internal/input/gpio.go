package input

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"

	"github.com/ent0n29/voicebutton/internal/gesture"
)

const edgePoll = 100 * time.Millisecond

// GPIOButton is an active-low push button wired between a GPIO pin and
// ground, using the internal pull-up.
type GPIOButton struct {
	pin    gpio.PinIn
	bounce time.Duration
	log    zerolog.Logger
	now    func() time.Time

	closeOnce sync.Once
}

// OpenGPIO initializes the host drivers and configures BCM pin n.
func OpenGPIO(n int, bounce time.Duration, log zerolog.Logger) (*GPIOButton, error) {
	if _, err := host.Init(); err != nil {
		return nil, fmt.Errorf("periph host init: %w", err)
	}
	name := fmt.Sprintf("GPIO%d", n)
	p := gpioreg.ByName(name)
	if p == nil {
		return nil, fmt.Errorf("pin %d (%s) not found in hardware", n, name)
	}
	return newGPIOButton(p, bounce, log)
}

func newGPIOButton(p gpio.PinIn, bounce time.Duration, log zerolog.Logger) (*GPIOButton, error) {
	if err := p.In(gpio.PullUp, gpio.BothEdges); err != nil {
		return nil, fmt.Errorf("set %s to input: %w", p.Name(), err)
	}
	if bounce < 0 {
		bounce = 0
	}
	return &GPIOButton{pin: p, bounce: bounce, log: log, now: time.Now}, nil
}

// Run waits for edges and reports a press on a falling level and a release
// on a rising one. After every edge the level is re-read once the bounce
// interval has passed, so chatter collapses into a single transition.
func (b *GPIOButton) Run(ctx context.Context, h Handler) error {
	pressed := b.pin.Read() == gpio.Low
	if pressed {
		b.log.Warn().Str("pin", b.pin.Name()).Msg("button held at startup, waiting for release")
	}
	for {
		if err := ctx.Err(); err != nil {
			return nil
		}
		if !b.pin.WaitForEdge(edgePoll) {
			continue
		}
		at := b.now()
		if b.bounce > 0 {
			t := time.NewTimer(b.bounce)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil
			case <-t.C:
			}
		}
		now := b.pin.Read() == gpio.Low
		if now == pressed {
			continue
		}
		pressed = now
		kind := gesture.Release
		if pressed {
			kind = gesture.Press
		}
		b.log.Debug().Str("pin", b.pin.Name()).Str("edge", string(kind)).Msg("button edge")
		h(gesture.Event{Kind: kind, At: at})
	}
}

// Close stops edge detection on the pin.
func (b *GPIOButton) Close() error {
	var err error
	b.closeOnce.Do(func() { err = b.pin.Halt() })
	return err
}
