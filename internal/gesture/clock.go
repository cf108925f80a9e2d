package gesture

import "time"

// Clock lets tests drive gesture timing deterministically.
type Clock interface {
	Now() time.Time
	AfterFunc(d time.Duration, f func()) Timer
}

type Timer interface {
	Stop() bool
}

// RealClock uses the runtime timer.
type RealClock struct{}

func (RealClock) Now() time.Time { return time.Now() }

func (RealClock) AfterFunc(d time.Duration, f func()) Timer {
	return time.AfterFunc(d, f)
}

// debounceTimer is a single re-armable timer. It is not safe for concurrent
// use; the owner guards it with its own mutex and checks the generation
// passed to the callback before acting, so a callback that raced with
// disarm or re-arm is ignored.
type debounceTimer struct {
	clock    Clock
	gen      uint64
	t        Timer
	deadline time.Time
}

func (d *debounceTimer) arm(from time.Time, after time.Duration, fire func(gen uint64)) {
	d.disarm()
	gen := d.gen
	d.deadline = from.Add(after)
	d.t = d.clock.AfterFunc(after, func() { fire(gen) })
}

func (d *debounceTimer) disarm() {
	if d.t != nil {
		d.t.Stop()
		d.t = nil
	}
	d.deadline = time.Time{}
	d.gen++
}

func (d *debounceTimer) armed() bool { return d.t != nil }

func (d *debounceTimer) current(gen uint64) bool {
	return d.t != nil && gen == d.gen
}
