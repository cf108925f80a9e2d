package audio

import (
	"errors"
	"time"
)

// ErrHardware wraps failures to open or drive the audio device.
var ErrHardware = errors.New("audio hardware error")

// CaptureFunc receives one chunk of mono float samples in [-1, 1]. It runs
// on the device's capture goroutine and must not block.
type CaptureFunc func(samples []float32, at time.Time)

type Stream interface {
	Close() error
}

type PlaybackStream interface {
	Write(samples []float32) error
	Close() error
}

// Device opens mono capture and playback streams.
type Device interface {
	OpenCapture(rate, chunk int, fn CaptureFunc) (Stream, error)
	OpenPlayback(rate int) (PlaybackStream, error)
}

// NullDevice captures nothing and discards playback. It is used when the
// host has no sound card.
type NullDevice struct{}

func (NullDevice) OpenCapture(int, int, CaptureFunc) (Stream, error) { return nopStream{}, nil }

func (NullDevice) OpenPlayback(int) (PlaybackStream, error) { return nopStream{}, nil }

type nopStream struct{}

func (nopStream) Write([]float32) error { return nil }

func (nopStream) Close() error { return nil }
