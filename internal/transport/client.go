// Package transport owns the websocket connection to the voice agent
// service: credential checks, dialing, reconnect backoff and raw frame I/O.
package transport

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/voicebutton/internal/reliability"
)

const (
	defaultHandshakeTimeout = 10 * time.Second
	defaultWriteTimeout     = 5 * time.Second
	maxFrameBytes           = 4 << 20
)

type Config struct {
	URL        string
	Token      string
	ClientName string
	Timezone   string
	Character  string

	// HandshakeTimeout bounds the HTTP upgrade only.
	HandshakeTimeout time.Duration
	WriteTimeout     time.Duration
	BaseDelay        time.Duration
	MaxDelay         time.Duration

	InsecureSkipVerify bool
}

// RetryHook observes each reconnect wait before it starts.
type RetryHook func(attempt int, delay time.Duration)

type Client struct {
	cfg    Config
	dialer websocket.Dialer
	log    zerolog.Logger

	now     func() time.Time
	sleep   func(ctx context.Context, d time.Duration) error
	onRetry RetryHook
}

func NewClient(cfg Config, log zerolog.Logger) (*Client, error) {
	if _, err := BuildURL(cfg); err != nil {
		return nil, err
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = defaultHandshakeTimeout
	}
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = defaultWriteTimeout
	}
	if cfg.BaseDelay <= 0 {
		cfg.BaseDelay = reliability.DefaultReconnectBase
	}
	if cfg.MaxDelay <= 0 {
		cfg.MaxDelay = reliability.DefaultReconnectCap
	}

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: cfg.HandshakeTimeout,
	}
	if cfg.InsecureSkipVerify {
		dialer.TLSClientConfig = &tls.Config{InsecureSkipVerify: true} //nolint:gosec // opt-in via TLS_INSECURE_SKIP_VERIFY
	}

	return &Client{
		cfg:    cfg,
		dialer: dialer,
		log:    log,
		now:    time.Now,
		sleep:  sleepContext,
	}, nil
}

func (c *Client) SetRetryHook(hook RetryHook) {
	c.onRetry = hook
}

// Backoff is the wait before reconnect attempt n (0-based).
func (c *Client) Backoff(attempt int) time.Duration {
	return reliability.ExponentialBackoff(attempt, c.cfg.BaseDelay, c.cfg.MaxDelay)
}

// Connect makes one connection attempt. A bad or expired credential and an
// HTTP 401/403 on upgrade return ErrAuth; every other failure is a
// *NetworkError.
func (c *Client) Connect(ctx context.Context) (*Conn, error) {
	if err := ValidateToken(c.cfg.Token, c.now()); err != nil {
		return nil, err
	}
	target, err := BuildURL(c.cfg)
	if err != nil {
		return nil, &NetworkError{Op: "dial", Err: err}
	}

	ws, resp, err := c.dialer.DialContext(ctx, target, nil)
	if err != nil {
		if resp != nil {
			if reliability.IsAuthHTTPStatus(resp.StatusCode) {
				return nil, fmt.Errorf("%w: server returned %s", ErrAuth, resp.Status)
			}
			return nil, &NetworkError{Op: "dial", Status: resp.StatusCode, Err: fmt.Errorf("%s: %w", resp.Status, err)}
		}
		return nil, &NetworkError{Op: "dial", Err: err}
	}
	ws.SetReadLimit(maxFrameBytes)

	c.log.Info().Str("host", hostOf(target)).Msg("websocket connected")
	return newConn(ws, c.cfg.WriteTimeout), nil
}

// Reconnect waits out the backoff for attempt, dials, and repeats until it
// connects, the credential is rejected, or ctx ends. It returns the attempt
// counter to resume from. After an upgrade refused with a non-retryable
// status the next wait is the full MaxDelay.
func (c *Client) Reconnect(ctx context.Context, attempt int) (*Conn, int, error) {
	if attempt < 0 {
		attempt = 0
	}
	refused := false
	for {
		delay := c.Backoff(attempt)
		if refused {
			delay = c.cfg.MaxDelay
		}
		if c.onRetry != nil {
			c.onRetry(attempt+1, delay)
		}
		c.log.Info().Int("attempt", attempt+1).Dur("delay", delay).Msg("reconnecting")
		if err := c.sleep(ctx, delay); err != nil {
			return nil, attempt, err
		}
		attempt++

		conn, err := c.Connect(ctx)
		if err == nil {
			return conn, attempt, nil
		}
		if errors.Is(err, ErrAuth) {
			return nil, attempt, err
		}
		if ctx.Err() != nil {
			return nil, attempt, ctx.Err()
		}
		refused = !IsRetryable(err)
		if refused {
			c.log.Error().Err(err).Int("attempt", attempt).Msg("server refused upgrade, backing off to max delay")
			continue
		}
		c.log.Warn().Err(err).Int("attempt", attempt).Msg("reconnect attempt failed")
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

func hostOf(raw string) string {
	if i := strings.Index(raw, "://"); i >= 0 {
		raw = raw[i+3:]
	}
	if i := strings.IndexAny(raw, "/?"); i >= 0 {
		raw = raw[:i]
	}
	return raw
}
