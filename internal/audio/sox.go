package audio

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"os/exec"
	"strconv"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// SoxDevice runs sox child processes against the default audio device,
// exchanging raw little-endian float32 mono samples over pipes.
type SoxDevice struct {
	Binary string
	Log    zerolog.Logger
}

func (d SoxDevice) binary() string {
	if d.Binary == "" {
		return "sox"
	}
	return d.Binary
}

func rawArgs(rate int) []string {
	return []string{
		"-t", "raw",
		"-r", strconv.Itoa(rate),
		"-e", "floating-point",
		"-b", "32",
		"-c", "1",
		"-L",
	}
}

func (d SoxDevice) OpenCapture(rate, chunk int, fn CaptureFunc) (Stream, error) {
	if rate <= 0 || chunk <= 0 {
		return nil, fmt.Errorf("%w: invalid capture format rate=%d chunk=%d", ErrHardware, rate, chunk)
	}
	bin, err := exec.LookPath(d.binary())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHardware, err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	args := append([]string{"-q", "-d"}, rawArgs(rate)...)
	args = append(args, "-")
	cmd := exec.CommandContext(ctx, bin, args...)
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		cancel()
		return nil, fmt.Errorf("%w: capture pipe: %v", ErrHardware, err)
	}
	if err := cmd.Start(); err != nil {
		cancel()
		return nil, fmt.Errorf("%w: start capture: %v", ErrHardware, err)
	}

	s := &soxCapture{cmd: cmd, cancel: cancel, done: make(chan struct{})}
	go s.read(stdout, chunk, fn, d.Log)
	return s, nil
}

type soxCapture struct {
	cmd    *exec.Cmd
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

func (s *soxCapture) read(r io.Reader, chunk int, fn CaptureFunc, log zerolog.Logger) {
	defer close(s.done)
	buf := make([]byte, 4*chunk)
	for {
		if _, err := io.ReadFull(r, buf); err != nil {
			if !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
				log.Warn().Err(err).Msg("capture stream ended")
			}
			return
		}
		samples := make([]float32, chunk)
		for i := range samples {
			samples[i] = math.Float32frombits(binary.LittleEndian.Uint32(buf[4*i:]))
		}
		fn(samples, time.Now())
	}
}

func (s *soxCapture) Close() error {
	s.once.Do(func() {
		s.cancel()
		<-s.done
		_ = s.cmd.Wait()
	})
	return nil
}

func (d SoxDevice) OpenPlayback(rate int) (PlaybackStream, error) {
	if rate <= 0 {
		return nil, fmt.Errorf("%w: invalid playback rate %d", ErrHardware, rate)
	}
	bin, err := exec.LookPath(d.binary())
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHardware, err)
	}

	args := append([]string{"-q"}, rawArgs(rate)...)
	args = append(args, "-", "-d")
	cmd := exec.Command(bin, args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("%w: playback pipe: %v", ErrHardware, err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("%w: start playback: %v", ErrHardware, err)
	}
	return &soxPlayback{cmd: cmd, stdin: stdin}, nil
}

type soxPlayback struct {
	mu     sync.Mutex
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	once   sync.Once
	closed bool
	buf    []byte
}

func (p *soxPlayback) Write(samples []float32) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return io.ErrClosedPipe
	}
	if cap(p.buf) < 4*len(samples) {
		p.buf = make([]byte, 4*len(samples))
	}
	buf := p.buf[:4*len(samples)]
	for i, s := range samples {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(s))
	}
	_, err := p.stdin.Write(buf)
	return err
}

// Close kills the player rather than letting it drain, so a stop is
// immediate.
func (p *soxPlayback) Close() error {
	p.once.Do(func() {
		if p.cmd.Process != nil {
			_ = p.cmd.Process.Kill()
		}
		_ = p.stdin.Close()
		p.mu.Lock()
		p.closed = true
		p.mu.Unlock()
		_ = p.cmd.Wait()
	})
	return nil
}
