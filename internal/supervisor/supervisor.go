//go:build unix

// Package supervisor starts and stops the voice client as a separate
// process, tracked through a PID file so that a restarted supervisor still
// finds a client it spawned earlier.
package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/rs/zerolog"
)

var (
	ErrAlreadyRunning = errors.New("client already running")
	ErrNotRunning     = errors.New("client not running")
)

const (
	defaultGrace        = 5 * time.Second
	defaultPollInterval = 100 * time.Millisecond
	killWait            = 2 * time.Second
)

type Manager struct {
	PIDFile      string
	Command      []string
	Env          []string
	Stdout       io.Writer
	Stderr       io.Writer
	Grace        time.Duration
	PollInterval time.Duration
	Log          zerolog.Logger

	mu     sync.Mutex
	child  *exec.Cmd
	exited chan struct{}
}

// IsRunning reports the PID from the PID file and whether that process is
// alive. A PID file naming a dead process is removed.
func (m *Manager) IsRunning() (int, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.runningLocked()
}

func (m *Manager) runningLocked() (int, bool) {
	pid, err := m.readPID()
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			m.Log.Warn().Err(err).Str("pid_file", m.PIDFile).Msg("unreadable pid file, removing")
			m.removePID(0)
		}
		return 0, false
	}
	if m.alive(pid) {
		return pid, true
	}
	m.Log.Info().Int("pid", pid).Msg("removing stale pid file")
	m.removePID(pid)
	return 0, false
}

// Start launches the client unless one is already running and records its
// PID.
func (m *Manager) Start() (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if pid, ok := m.runningLocked(); ok {
		return pid, ErrAlreadyRunning
	}
	if len(m.Command) == 0 {
		return 0, errors.New("supervisor: empty client command")
	}

	cmd := exec.Command(m.Command[0], m.Command[1:]...)
	cmd.Env = append(os.Environ(), m.Env...)
	cmd.Stdout = m.Stdout
	cmd.Stderr = m.Stderr
	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("start %s: %w", m.Command[0], err)
	}
	pid := cmd.Process.Pid
	if err := m.writePID(pid); err != nil {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return 0, err
	}

	exited := make(chan struct{})
	m.child = cmd
	m.exited = exited
	go func() {
		err := cmd.Wait()
		close(exited)
		m.Log.Info().Int("pid", pid).AnErr("exit", err).Msg("client exited")
		m.mu.Lock()
		defer m.mu.Unlock()
		if cur, rerr := m.readPID(); rerr == nil && cur == pid {
			m.removePID(pid)
		}
	}()

	m.Log.Info().Int("pid", pid).Strs("command", m.Command).Msg("client started")
	return pid, nil
}

// Stop sends SIGTERM and waits up to Grace for the client to exit, then
// falls back to SIGKILL. The PID file is removed in every case where the
// process is gone.
func (m *Manager) Stop(ctx context.Context) error {
	m.mu.Lock()
	pid, ok := m.runningLocked()
	m.mu.Unlock()
	if !ok {
		return ErrNotRunning
	}

	proc, err := os.FindProcess(pid)
	if err != nil {
		return fmt.Errorf("find pid %d: %w", pid, err)
	}
	m.Log.Info().Int("pid", pid).Msg("stopping client")
	if err := proc.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("signal pid %d: %w", pid, err)
	}

	grace := m.Grace
	if grace <= 0 {
		grace = defaultGrace
	}
	if m.waitExit(ctx, pid, grace) {
		m.finishStop(pid)
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	m.Log.Warn().Int("pid", pid).Dur("grace", grace).Msg("client did not exit, sending SIGKILL")
	if err := proc.Signal(syscall.SIGKILL); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return fmt.Errorf("kill pid %d: %w", pid, err)
	}
	if !m.waitExit(context.Background(), pid, killWait) {
		return fmt.Errorf("pid %d still alive after SIGKILL", pid)
	}
	m.finishStop(pid)
	return nil
}

func (m *Manager) finishStop(pid int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.removePID(pid)
	m.Log.Info().Int("pid", pid).Msg("client stopped")
}

func (m *Manager) waitExit(ctx context.Context, pid int, limit time.Duration) bool {
	poll := m.PollInterval
	if poll <= 0 {
		poll = defaultPollInterval
	}
	deadline := time.NewTimer(limit)
	defer deadline.Stop()
	tick := time.NewTicker(poll)
	defer tick.Stop()
	for {
		m.mu.Lock()
		alive := m.alive(pid)
		m.mu.Unlock()
		if !alive {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-deadline.C:
			return false
		case <-tick.C:
		}
	}
}

// alive must be called with mu held. A child of this process is judged by
// its reaper so that an unreaped zombie does not count as running.
func (m *Manager) alive(pid int) bool {
	if m.child != nil && m.child.Process != nil && m.child.Process.Pid == pid {
		select {
		case <-m.exited:
			return false
		default:
			return true
		}
	}
	if pid <= 0 {
		return false
	}
	err := syscall.Kill(pid, 0)
	return err == nil || errors.Is(err, syscall.EPERM)
}

func (m *Manager) readPID() (int, error) {
	raw, err := os.ReadFile(m.PIDFile)
	if err != nil {
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(raw)))
	if err != nil {
		return 0, fmt.Errorf("parse pid file %s: %w", m.PIDFile, err)
	}
	return pid, nil
}

func (m *Manager) writePID(pid int) error {
	if dir := filepath.Dir(m.PIDFile); dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create pid dir: %w", err)
		}
	}
	if err := os.WriteFile(m.PIDFile, []byte(strconv.Itoa(pid)+"\n"), 0o644); err != nil {
		return fmt.Errorf("write pid file: %w", err)
	}
	return nil
}

func (m *Manager) removePID(pid int) {
	if err := os.Remove(m.PIDFile); err != nil && !errors.Is(err, os.ErrNotExist) {
		m.Log.Warn().Err(err).Int("pid", pid).Msg("remove pid file failed")
	}
}
