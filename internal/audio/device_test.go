package audio

import (
	"errors"
	"sync"
	"time"
)

// fakeDevice records opens and lets tests push capture chunks.
type fakeDevice struct {
	mu            sync.Mutex
	captureErr    error
	playbackErr   error
	capture       CaptureFunc
	captureRate   int
	captureOpen   bool
	playbacks     []*fakePlayback
	captureCloses int
}

type fakeCapture struct{ dev *fakeDevice }

func (c fakeCapture) Close() error {
	c.dev.mu.Lock()
	defer c.dev.mu.Unlock()
	c.dev.captureOpen = false
	c.dev.captureCloses++
	return nil
}

type fakePlayback struct {
	mu      sync.Mutex
	rate    int
	written [][]float32
	closed  bool
}

func (p *fakePlayback) Write(samples []float32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return errors.New("closed")
	}
	p.written = append(p.written, samples)
	return nil
}

func (p *fakePlayback) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}

func (p *fakePlayback) chunks() [][]float32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([][]float32(nil), p.written...)
}

func (p *fakePlayback) isClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (d *fakeDevice) OpenCapture(rate, chunk int, fn CaptureFunc) (Stream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.captureErr != nil {
		return nil, d.captureErr
	}
	d.capture = fn
	d.captureRate = rate
	d.captureOpen = true
	return fakeCapture{dev: d}, nil
}

func (d *fakeDevice) OpenPlayback(rate int) (PlaybackStream, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.playbackErr != nil {
		return nil, d.playbackErr
	}
	p := &fakePlayback{rate: rate}
	d.playbacks = append(d.playbacks, p)
	return p, nil
}

func (d *fakeDevice) push(samples []float32) {
	d.mu.Lock()
	fn := d.capture
	open := d.captureOpen
	d.mu.Unlock()
	if fn != nil && open {
		fn(samples, time.Unix(1700000000, 0))
	}
}

func (d *fakeDevice) lastPlayback() *fakePlayback {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.playbacks) == 0 {
		return nil
	}
	return d.playbacks[len(d.playbacks)-1]
}

type countingObserver struct {
	mu       sync.Mutex
	captured int
	dropped  map[string]int
	queued   int
}

func (o *countingObserver) FrameCaptured(float64) {
	o.mu.Lock()
	o.captured++
	o.mu.Unlock()
}

func (o *countingObserver) FrameDropped(reason string) {
	o.mu.Lock()
	if o.dropped == nil {
		o.dropped = map[string]int{}
	}
	o.dropped[reason]++
	o.mu.Unlock()
}

func (o *countingObserver) PlaybackQueued(int) {
	o.mu.Lock()
	o.queued++
	o.mu.Unlock()
}

func (o *countingObserver) drops(reason string) int {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.dropped[reason]
}
