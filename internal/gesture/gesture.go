// Package gesture turns raw button press/release events into logical
// gestures: short press, long press and triple click.
package gesture

import (
	"fmt"
	"strings"
	"time"
)

type Kind string

const (
	ShortPress  Kind = "short_press"
	LongPress   Kind = "long_press"
	TripleClick Kind = "triple_click"
)

// Gesture is one classified user action. Duration is set for presses that
// were timed from press to release.
type Gesture struct {
	Kind     Kind
	Duration time.Duration
}

type EventKind string

const (
	Press   EventKind = "press"
	Release EventKind = "release"
)

// Event is a raw edge reported by an input source.
type Event struct {
	Kind EventKind
	At   time.Time
}

// Sink receives gestures. It is always called without any detector lock held.
type Sink func(Gesture)

const (
	DefaultLongPressThreshold = 2 * time.Second
	DefaultClickWindow        = 500 * time.Millisecond
	DefaultClickCooldown      = 2 * time.Second
)

// Mode selects which gesture model a deployment uses.
type Mode string

const (
	ModeHold   Mode = "hold"
	ModeClicks Mode = "clicks"
)

func ParseMode(raw string) (Mode, error) {
	switch Mode(strings.ToLower(strings.TrimSpace(raw))) {
	case "", ModeHold:
		return ModeHold, nil
	case ModeClicks:
		return ModeClicks, nil
	default:
		return "", fmt.Errorf("unknown gesture mode %q", raw)
	}
}

type Options struct {
	Mode               Mode
	LongPressThreshold time.Duration
	ClickWindow        time.Duration
	ClickCooldown      time.Duration
	Clock              Clock
}

// Detector feeds events into exactly one gesture model.
type Detector struct {
	mode    Mode
	hold    *PressClassifier
	counter *ClickCounter
}

func NewDetector(opts Options, sink Sink) *Detector {
	d := &Detector{mode: opts.Mode}
	switch opts.Mode {
	case ModeClicks:
		d.counter = NewClickCounter(opts.ClickWindow, opts.ClickCooldown, opts.Clock, sink)
	default:
		d.mode = ModeHold
		d.hold = NewPressClassifier(opts.LongPressThreshold, sink)
	}
	return d
}

func (d *Detector) Mode() Mode { return d.mode }

func (d *Detector) OnPress(at time.Time) {
	if d.counter != nil {
		d.counter.OnPress(at)
		return
	}
	d.hold.OnPress(at)
}

func (d *Detector) OnRelease(at time.Time) {
	if d.counter != nil {
		d.counter.OnRelease(at)
		return
	}
	d.hold.OnRelease(at)
}

// Handle dispatches a raw event.
func (d *Detector) Handle(ev Event) {
	switch ev.Kind {
	case Press:
		d.OnPress(ev.At)
	case Release:
		d.OnRelease(ev.At)
	}
}

// Close disarms any pending timer. No gesture is emitted afterwards.
func (d *Detector) Close() {
	if d.counter != nil {
		d.counter.Close()
	}
}
