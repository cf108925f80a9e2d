package gesture

import (
	"sync"
	"time"
)

// ClickCounter counts presses inside a sliding window. Three clicks emit
// TripleClick at once and start a cool-down during which clicks are ignored.
// A single click followed by a quiet window emits ShortPress.
type ClickCounter struct {
	mu            sync.Mutex
	window        time.Duration
	cooldown      time.Duration
	clock         Clock
	timer         debounceTimer
	count         int
	cooldownUntil time.Time
	sink          Sink
}

func NewClickCounter(window, cooldown time.Duration, clock Clock, sink Sink) *ClickCounter {
	if window <= 0 {
		window = DefaultClickWindow
	}
	if cooldown < 0 {
		cooldown = 0
	}
	if clock == nil {
		clock = RealClock{}
	}
	return &ClickCounter{
		window:   window,
		cooldown: cooldown,
		clock:    clock,
		timer:    debounceTimer{clock: clock},
		sink:     sink,
	}
}

func (c *ClickCounter) OnPress(at time.Time) {
	var emitted []Gesture

	c.mu.Lock()
	// A click landing on or after the deadline counts as after expiry even
	// if the timer callback has not run yet.
	if c.timer.armed() && !at.Before(c.timer.deadline) {
		c.timer.disarm()
		if g, ok := c.expireLocked(at); ok {
			emitted = append(emitted, g)
		}
	}
	if at.Before(c.cooldownUntil) {
		c.mu.Unlock()
		c.emit(emitted)
		return
	}

	c.count++
	if c.count >= 3 {
		c.timer.disarm()
		c.count = 0
		c.cooldownUntil = at.Add(c.cooldown)
		emitted = append(emitted, Gesture{Kind: TripleClick})
	} else {
		c.timer.arm(at, c.window, c.fire)
	}
	c.mu.Unlock()

	c.emit(emitted)
}

// OnRelease is ignored; only presses count as clicks.
func (c *ClickCounter) OnRelease(time.Time) {}

// Count reports the clicks seen in the current window.
func (c *ClickCounter) Count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.count
}

func (c *ClickCounter) Close() {
	c.mu.Lock()
	c.timer.disarm()
	c.count = 0
	c.mu.Unlock()
}

func (c *ClickCounter) fire(gen uint64) {
	c.mu.Lock()
	if !c.timer.current(gen) {
		c.mu.Unlock()
		return
	}
	deadline := c.timer.deadline
	c.timer.disarm()
	g, ok := c.expireLocked(deadline)
	c.mu.Unlock()

	if ok {
		c.emit([]Gesture{g})
	}
}

func (c *ClickCounter) expireLocked(now time.Time) (Gesture, bool) {
	count := c.count
	c.count = 0
	if count == 1 && !now.Before(c.cooldownUntil) {
		return Gesture{Kind: ShortPress}, true
	}
	return Gesture{}, false
}

func (c *ClickCounter) emit(gestures []Gesture) {
	if c.sink == nil {
		return
	}
	for _, g := range gestures {
		c.sink(g)
	}
}
