package audio

import (
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPipeline(queue int) (*Pipeline, *fakeDevice, *countingObserver) {
	dev := &fakeDevice{}
	obs := &countingObserver{}
	p := NewPipeline(dev, Options{ChunkSize: 4, QueueSize: queue, Observer: obs}, zerolog.Nop())
	return p, dev, obs
}

func TestPipelineGateDropsUntilStreaming(t *testing.T) {
	p, dev, obs := newTestPipeline(4)
	require.NoError(t, p.Start(16000, 16000))
	defer p.Stop()

	dev.push([]float32{0.1, 0.2, 0.3, 0.4})
	assert.Len(t, p.Frames(), 0)
	assert.Equal(t, 1, obs.drops("gated"))

	p.SetStreaming(true)
	dev.push([]float32{0.5, -0.5, 0.5, -0.5})
	require.Len(t, p.Frames(), 1)

	frame := <-p.Frames()
	assert.Equal(t, []int16{16383, -16383, 16383, -16383}, frame.PCM)
	assert.InDelta(t, 16383, frame.RMS, 1e-9)
	assert.False(t, frame.CapturedAt.IsZero())
}

func TestPipelineDropsWhenQueueFull(t *testing.T) {
	p, dev, obs := newTestPipeline(2)
	require.NoError(t, p.Start(16000, 16000))
	defer p.Stop()
	p.SetStreaming(true)

	for i := 0; i < 5; i++ {
		dev.push([]float32{0, 0, 0, 0})
	}
	assert.Len(t, p.Frames(), 2)
	assert.Equal(t, 3, obs.drops("queue_full"))
}

func TestPipelineClosingGateDiscardsQueuedFrames(t *testing.T) {
	p, dev, _ := newTestPipeline(4)
	require.NoError(t, p.Start(16000, 16000))
	defer p.Stop()

	p.SetStreaming(true)
	dev.push([]float32{0.1, 0.1, 0.1, 0.1})
	p.SetStreaming(false)
	assert.Len(t, p.Frames(), 0)
}

func TestPipelineRefusesFramesFromEarlierGatePeriod(t *testing.T) {
	p, dev, _ := newTestPipeline(4)
	require.NoError(t, p.Start(16000, 16000))
	defer p.Stop()

	p.SetStreaming(true)
	dev.push([]float32{0.1, 0.1, 0.1, 0.1})
	stale := <-p.Frames()
	assert.True(t, p.Accept(stale))

	// A capture that passed the gate check just before it closed lands in
	// the queue after the drain.
	p.SetStreaming(false)
	p.frames <- stale
	assert.False(t, p.Accept(stale))

	p.SetStreaming(true)
	assert.Len(t, p.Frames(), 0)
	assert.False(t, p.Accept(stale))

	dev.push([]float32{0.2, 0.2, 0.2, 0.2})
	fresh := <-p.Frames()
	assert.True(t, p.Accept(fresh))
}

func TestPipelineStartIsIdempotent(t *testing.T) {
	p, dev, _ := newTestPipeline(4)
	require.NoError(t, p.Start(16000, 24000))
	require.NoError(t, p.Start(16000, 24000))
	defer p.Stop()

	dev.mu.Lock()
	defer dev.mu.Unlock()
	assert.Len(t, dev.playbacks, 1)
	assert.Equal(t, 16000, dev.captureRate)
	assert.Equal(t, 24000, dev.playbacks[0].rate)
}

func TestPipelineStartWrapsHardwareErrors(t *testing.T) {
	p, dev, _ := newTestPipeline(4)
	dev.captureErr = errors.New("no such device")

	err := p.Start(16000, 16000)
	require.ErrorIs(t, err, ErrHardware)
	assert.False(t, p.Running())

	dev.captureErr = nil
	dev.playbackErr = errors.New("busy")
	err = p.Start(16000, 16000)
	require.ErrorIs(t, err, ErrHardware)
	assert.False(t, p.Running())
	assert.Equal(t, 1, dev.captureCloses, "capture must be released when playback fails")
}

func TestPipelinePlaysInArrivalOrder(t *testing.T) {
	p, dev, obs := newTestPipeline(4)
	require.NoError(t, p.Start(16000, 16000))
	defer p.Stop()

	require.NoError(t, p.PlayEncoded(EncodeBase64([]int16{1, 2})))
	require.NoError(t, p.PlayEncoded(EncodeBase64([]int16{3})))

	out := dev.lastPlayback()
	require.Eventually(t, func() bool { return len(out.chunks()) == 2 }, time.Second, 5*time.Millisecond)
	chunks := out.chunks()
	assert.InDelta(t, 1.0/32767, chunks[0][0], 1e-9)
	assert.InDelta(t, 3.0/32767, chunks[1][0], 1e-9)
	obs.mu.Lock()
	assert.Equal(t, 2, obs.queued)
	obs.mu.Unlock()
}

func TestPipelinePlayEncodedRejectsBadInput(t *testing.T) {
	p, _, _ := newTestPipeline(4)
	require.ErrorIs(t, p.PlayEncoded(EncodeBase64([]int16{1})), ErrNotRunning)

	require.NoError(t, p.Start(16000, 16000))
	defer p.Stop()
	require.Error(t, p.PlayEncoded("%%%"))
}

func TestPipelineSetOutputRateReopensPlayback(t *testing.T) {
	p, dev, _ := newTestPipeline(4)
	require.NoError(t, p.Start(16000, 16000))
	defer p.Stop()

	first := dev.lastPlayback()
	require.NoError(t, p.SetOutputRate(16000))
	assert.Same(t, first, dev.lastPlayback())

	require.NoError(t, p.SetOutputRate(24000))
	second := dev.lastPlayback()
	assert.NotSame(t, first, second)
	assert.True(t, first.isClosed())
	assert.Equal(t, 24000, second.rate)
	assert.Equal(t, 24000, p.OutputRate())
}

func TestPipelineStopClosesStreams(t *testing.T) {
	p, dev, _ := newTestPipeline(4)
	require.NoError(t, p.Start(16000, 16000))
	p.SetStreaming(true)
	dev.push([]float32{0, 0, 0, 0})

	require.NoError(t, p.Stop())
	require.NoError(t, p.Stop())

	assert.False(t, p.Running())
	assert.False(t, p.Streaming())
	assert.True(t, dev.lastPlayback().isClosed())
	assert.Len(t, p.Frames(), 0)
	dev.mu.Lock()
	assert.Equal(t, 1, dev.captureCloses)
	dev.mu.Unlock()
}

func TestNullDevice(t *testing.T) {
	p := NewPipeline(NullDevice{}, Options{}, zerolog.Nop())
	require.NoError(t, p.Start(0, 0))
	require.NoError(t, p.PlayEncoded(EncodeBase64([]int16{5, 6})))
	require.NoError(t, p.Stop())
}
