package audio

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

const (
	DefaultInputRate  = 16000
	DefaultChunkSize  = 1024
	DefaultQueueSize  = 32
	playbackQueueSize = 256
)

// ErrNotRunning is returned by playback calls made outside Start/Stop.
var ErrNotRunning = errors.New("audio pipeline not running")

// Frame is one captured chunk ready for the wire.
type Frame struct {
	PCM        []int16
	RMS        float64
	CapturedAt time.Time
	// Gate is the gate period the chunk was admitted in.
	Gate uint64
}

// Observer receives pipeline events for metrics. Implementations must not
// block.
type Observer interface {
	FrameCaptured(rms float64)
	FrameDropped(reason string)
	PlaybackQueued(samples int)
}

type Options struct {
	ChunkSize int
	QueueSize int
	Observer  Observer
}

// Pipeline owns the capture and playback streams of one session. Captured
// chunks are gated and queued without ever blocking the device goroutine;
// the consumer reads them from Frames.
type Pipeline struct {
	dev   Device
	log   zerolog.Logger
	obs   Observer
	chunk int

	frames    chan Frame
	streaming atomic.Bool
	gate      atomic.Uint64
	dropWarn  rate.Sometimes

	mu       sync.Mutex
	running  bool
	inRate   int
	outRate  int
	capture  Stream
	playback *playbackWorker
}

func NewPipeline(dev Device, opts Options, log zerolog.Logger) *Pipeline {
	if opts.ChunkSize <= 0 {
		opts.ChunkSize = DefaultChunkSize
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = DefaultQueueSize
	}
	return &Pipeline{
		dev:      dev,
		log:      log,
		obs:      opts.Observer,
		chunk:    opts.ChunkSize,
		frames:   make(chan Frame, opts.QueueSize),
		dropWarn: rate.Sometimes{First: 1, Interval: 5 * time.Second},
	}
}

// Frames is the bounded queue of captured chunks. It stays valid across
// Start/Stop cycles and is never closed.
func (p *Pipeline) Frames() <-chan Frame { return p.frames }

// Start opens capture at inRate and playback at outRate. It is a no-op when
// already running. Failures are wrapped in ErrHardware and leave nothing
// open.
func (p *Pipeline) Start(inRate, outRate int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running {
		return nil
	}
	if inRate <= 0 {
		inRate = DefaultInputRate
	}
	if outRate <= 0 {
		outRate = inRate
	}

	p.streaming.Store(false)
	p.drainFrames()

	capture, err := p.dev.OpenCapture(inRate, p.chunk, p.onCapture)
	if err != nil {
		return hardwareErr("open capture", err)
	}
	out, err := p.dev.OpenPlayback(outRate)
	if err != nil {
		_ = capture.Close()
		return hardwareErr("open playback", err)
	}

	p.capture = capture
	p.playback = startPlayback(out, p.log)
	p.inRate = inRate
	p.outRate = outRate
	p.running = true
	p.log.Info().Int("input_rate", inRate).Int("output_rate", outRate).Int("chunk", p.chunk).Msg("audio streams open")
	return nil
}

// Stop closes both streams and discards anything still queued. It is safe
// to call when not running.
func (p *Pipeline) Stop() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.streaming.Store(false)
	if !p.running {
		return nil
	}
	p.running = false

	var errs []error
	if err := p.capture.Close(); err != nil {
		errs = append(errs, fmt.Errorf("close capture: %w", err))
	}
	if err := p.playback.stop(); err != nil {
		errs = append(errs, fmt.Errorf("close playback: %w", err))
	}
	p.capture = nil
	p.playback = nil
	p.drainFrames()
	p.log.Info().Msg("audio streams closed")
	return errors.Join(errs...)
}

func (p *Pipeline) Running() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// SetStreaming opens or closes the uplink gate. Chunks captured while the
// gate is closed are dropped, not buffered. Every transition starts a new
// gate period; the period advances before the gate opens.
func (p *Pipeline) SetStreaming(on bool) {
	if on {
		p.drainFrames()
		p.gate.Add(1)
		p.streaming.Store(true)
		return
	}
	p.streaming.Store(false)
	p.gate.Add(1)
	p.drainFrames()
}

// Accept reports whether f was admitted in the current open gate period.
// A chunk that raced a close and reopen of the gate is refused.
func (p *Pipeline) Accept(f Frame) bool {
	return p.streaming.Load() && f.Gate == p.gate.Load()
}

func (p *Pipeline) Streaming() bool { return p.streaming.Load() }

// OutputRate is the rate playback is currently open at.
func (p *Pipeline) OutputRate() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.outRate
}

// SetOutputRate reopens playback when the server asks for a different rate.
func (p *Pipeline) SetOutputRate(outRate int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return ErrNotRunning
	}
	if outRate <= 0 || outRate == p.outRate {
		return nil
	}
	if err := p.playback.stop(); err != nil {
		p.log.Warn().Err(err).Msg("close playback before rate change")
	}
	out, err := p.dev.OpenPlayback(outRate)
	if err != nil {
		p.playback = startPlayback(nopStream{}, p.log)
		return hardwareErr("reopen playback", err)
	}
	p.playback = startPlayback(out, p.log)
	p.log.Info().Int("from", p.outRate).Int("to", outRate).Msg("playback rate changed")
	p.outRate = outRate
	return nil
}

// PlayEncoded decodes one base64 PCM16 chunk and queues it for playback.
// Chunks play in the order they are queued.
func (p *Pipeline) PlayEncoded(data string) error {
	pcm, err := DecodeBase64(data)
	if err != nil {
		return err
	}
	if len(pcm) == 0 {
		return nil
	}
	samples := PCM16ToFloat(pcm)

	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return ErrNotRunning
	}
	if !p.playback.enqueue(samples) {
		p.dropped("playback_full")
		return nil
	}
	if p.obs != nil {
		p.obs.PlaybackQueued(len(samples))
	}
	return nil
}

func (p *Pipeline) onCapture(samples []float32, at time.Time) {
	gate := p.gate.Load()
	if !p.streaming.Load() {
		p.dropped("gated")
		return
	}
	pcm := FloatToPCM16(samples)
	level := RMS(pcm)
	if p.obs != nil {
		p.obs.FrameCaptured(level)
	}
	p.log.Trace().Float64("rms", level).Int("samples", len(pcm)).Msg("captured chunk")

	select {
	case p.frames <- Frame{PCM: pcm, RMS: level, CapturedAt: at, Gate: gate}:
	default:
		p.dropped("queue_full")
		p.dropWarn.Do(func() {
			p.log.Warn().Int("capacity", cap(p.frames)).Msg("capture queue full, dropping audio")
		})
	}
}

func (p *Pipeline) dropped(reason string) {
	if p.obs != nil {
		p.obs.FrameDropped(reason)
	}
}

func (p *Pipeline) drainFrames() {
	for {
		select {
		case <-p.frames:
		default:
			return
		}
	}
}

func hardwareErr(op string, err error) error {
	if errors.Is(err, ErrHardware) {
		return fmt.Errorf("%s: %w", op, err)
	}
	return fmt.Errorf("%w: %s: %v", ErrHardware, op, err)
}

type playbackWorker struct {
	out   PlaybackStream
	queue chan []float32
	done  chan struct{}
}

func startPlayback(out PlaybackStream, log zerolog.Logger) *playbackWorker {
	w := &playbackWorker{
		out:   out,
		queue: make(chan []float32, playbackQueueSize),
		done:  make(chan struct{}),
	}
	go func() {
		defer close(w.done)
		var warned bool
		for samples := range w.queue {
			if err := out.Write(samples); err != nil && !warned {
				log.Warn().Err(err).Msg("playback write failed")
				warned = true
			}
		}
	}()
	return w
}

func (w *playbackWorker) enqueue(samples []float32) bool {
	select {
	case w.queue <- samples:
		return true
	default:
		return false
	}
}

// stop closes the device first so a blocked write returns, then lets the
// worker discard the rest of the queue.
func (w *playbackWorker) stop() error {
	err := w.out.Close()
	close(w.queue)
	<-w.done
	return err
}
