package transport

import (
	"context"
	"errors"
	"iter"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

// Conn is one live websocket connection. Send is safe for concurrent use;
// Messages must have a single consumer.
type Conn struct {
	ws           *websocket.Conn
	writeTimeout time.Duration

	writeMu sync.Mutex
	msgs    chan []byte
	done    chan struct{}

	connected atomic.Bool
	closing   atomic.Bool
	closeOnce sync.Once

	errMu   sync.Mutex
	readErr error
}

func newConn(ws *websocket.Conn, writeTimeout time.Duration) *Conn {
	c := &Conn{
		ws:           ws,
		writeTimeout: writeTimeout,
		msgs:         make(chan []byte, 256),
		done:         make(chan struct{}),
	}
	c.connected.Store(true)
	go c.readLoop()
	return c
}

func (c *Conn) readLoop() {
	defer close(c.msgs)
	for {
		_, data, err := c.ws.ReadMessage()
		if err != nil {
			c.connected.Store(false)
			c.errMu.Lock()
			c.readErr = err
			c.errMu.Unlock()
			return
		}
		select {
		case c.msgs <- data:
		case <-c.done:
			return
		}
	}
}

// Connected reports whether the connection is believed open.
func (c *Conn) Connected() bool { return c.connected.Load() }

// Send writes one text frame.
func (c *Conn) Send(payload []byte) error {
	if !c.connected.Load() {
		return ErrClosed
	}
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	if c.writeTimeout > 0 {
		_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
		defer c.ws.SetWriteDeadline(time.Time{})
	}
	if err := c.ws.WriteMessage(websocket.TextMessage, payload); err != nil {
		if c.closing.Load() {
			return ErrClosed
		}
		return &NetworkError{Op: "write", Err: err}
	}
	return nil
}

// Messages yields inbound frames until the connection ends or ctx is done.
// A drop the caller did not ask for ends the sequence with a *NetworkError;
// a local Close ends it cleanly.
func (c *Conn) Messages(ctx context.Context) iter.Seq2[[]byte, error] {
	return func(yield func([]byte, error) bool) {
		for {
			select {
			case <-ctx.Done():
				return
			case data, ok := <-c.msgs:
				if !ok {
					if err := c.terminalErr(); err != nil {
						yield(nil, err)
					}
					return
				}
				if !yield(data, nil) {
					return
				}
			}
		}
	}
}

func (c *Conn) terminalErr() error {
	if c.closing.Load() {
		return nil
	}
	c.errMu.Lock()
	err := c.readErr
	c.errMu.Unlock()
	if err == nil {
		err = errors.New("connection ended")
	}
	return &NetworkError{Op: "read", Err: err}
}

// Close sends a close frame and tears the socket down. It is idempotent.
func (c *Conn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		c.closing.Store(true)
		wasOpen := c.connected.Swap(false)
		if wasOpen {
			c.writeMu.Lock()
			_ = c.ws.WriteControl(
				websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(time.Second),
			)
			c.writeMu.Unlock()
		}
		close(c.done)
		err = c.ws.Close()
	})
	return err
}
