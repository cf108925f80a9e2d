package gesture

import (
	"sync"
	"time"
)

// PressClassifier classifies a press/release pair by how long the button
// was held.
type PressClassifier struct {
	mu        sync.Mutex
	threshold time.Duration
	pressedAt time.Time
	pressed   bool
	sink      Sink
}

func NewPressClassifier(threshold time.Duration, sink Sink) *PressClassifier {
	if threshold <= 0 {
		threshold = DefaultLongPressThreshold
	}
	return &PressClassifier{threshold: threshold, sink: sink}
}

func (p *PressClassifier) OnPress(at time.Time) {
	p.mu.Lock()
	p.pressedAt = at
	p.pressed = true
	p.mu.Unlock()
}

// OnRelease emits ShortPress or LongPress. A release with no matching press
// is ignored.
func (p *PressClassifier) OnRelease(at time.Time) {
	p.mu.Lock()
	if !p.pressed {
		p.mu.Unlock()
		return
	}
	held := at.Sub(p.pressedAt)
	p.pressed = false
	p.pressedAt = time.Time{}
	p.mu.Unlock()

	if held < 0 {
		held = 0
	}
	g := Gesture{Kind: ShortPress, Duration: held}
	if held >= p.threshold {
		g.Kind = LongPress
	}
	if p.sink != nil {
		p.sink(g)
	}
}
