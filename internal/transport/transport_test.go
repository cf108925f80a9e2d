package transport

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testToken(t *testing.T, exp time.Time) string {
	t.Helper()
	claims := jwt.MapClaims{"sub": "user-1"}
	if !exp.IsZero() {
		claims["exp"] = exp.Unix()
	}
	signed, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return signed
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func newTestClient(t *testing.T, target string) *Client {
	t.Helper()
	c, err := NewClient(Config{
		URL:        target,
		Token:      testToken(t, time.Now().Add(time.Hour)),
		ClientName: "Sesame-Pi",
		Timezone:   "America/New_York",
		Character:  "Miles",
	}, zerolog.Nop())
	require.NoError(t, err)
	return c
}

func TestValidateToken(t *testing.T) {
	now := time.Unix(1700000000, 0)

	require.NoError(t, ValidateToken(testToken(t, now.Add(time.Minute)), now))
	require.NoError(t, ValidateToken(testToken(t, time.Time{}), now))

	err := ValidateToken(testToken(t, now.Add(-time.Minute)), now)
	require.ErrorIs(t, err, ErrAuth)
	assert.Contains(t, err.Error(), "expired")

	require.ErrorIs(t, ValidateToken("not-a-jwt", now), ErrAuth)
	require.ErrorIs(t, ValidateToken("   ", now), ErrAuth)
}

func TestTokenExpiry(t *testing.T) {
	exp := time.Unix(1800000000, 0)
	got, err := TokenExpiry(testToken(t, exp))
	require.NoError(t, err)
	assert.True(t, got.Equal(exp))

	_, err = TokenExpiry(testToken(t, time.Time{}))
	require.Error(t, err)
}

func TestBuildURL(t *testing.T) {
	raw, err := BuildURL(Config{
		URL:        "https://voice.example.com/v1/connect",
		Token:      "tok",
		ClientName: "Sesame-Pi",
		Timezone:   "Europe/Rome",
		Character:  "Maya",
	})
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "wss", u.Scheme)
	assert.Equal(t, "/v1/connect", u.Path)
	q := u.Query()
	assert.Equal(t, "tok", q.Get("id_token"))
	assert.Equal(t, "Sesame-Pi", q.Get("client_name"))
	assert.Equal(t, "Maya", q.Get("character"))
	assert.JSONEq(t, `{"timezone":"Europe/Rome"}`, q.Get("usercontext"))
}

func TestBuildURLDefaultsAndRejects(t *testing.T) {
	raw, err := BuildURL(Config{Token: "tok"})
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(raw, DefaultURL+"?"))

	_, err = BuildURL(Config{URL: "ftp://example.com"})
	require.Error(t, err)
}

func TestConnectRejectsExpiredTokenWithoutDialing(t *testing.T) {
	var dials int
	var mu sync.Mutex
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		dials++
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c, err := NewClient(Config{URL: wsURL(srv), Token: testToken(t, time.Now().Add(-time.Hour))}, zerolog.Nop())
	require.NoError(t, err)

	_, err = c.Connect(context.Background())
	require.ErrorIs(t, err, ErrAuth)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 0, dials)
}

func TestConnectMapsUpgradeStatus(t *testing.T) {
	tests := []struct {
		name     string
		status    int
		wantAuth  bool
		wantRetry bool
	}{
		{name: "unauthorized", status: http.StatusUnauthorized, wantAuth: true},
		{name: "forbidden", status: http.StatusForbidden, wantAuth: true},
		{name: "unavailable", status: http.StatusServiceUnavailable, wantRetry: true},
		{name: "too many requests", status: http.StatusTooManyRequests, wantRetry: true},
		{name: "not found", status: http.StatusNotFound},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "no", tc.status)
			}))
			defer srv.Close()

			_, err := newTestClient(t, wsURL(srv)).Connect(context.Background())
			require.Error(t, err)
			if tc.wantAuth {
				require.ErrorIs(t, err, ErrAuth)
				return
			}
			var netErr *NetworkError
			require.ErrorAs(t, err, &netErr)
			assert.Equal(t, "dial", netErr.Op)
			assert.Equal(t, tc.status, netErr.Status)
			assert.Equal(t, tc.wantRetry, IsRetryable(err))
			assert.False(t, IsAuth(err))
		})
	}
}

func TestConnectSendsQueryAndExchangesFrames(t *testing.T) {
	upgrader := websocket.Upgrader{}
	queries := make(chan url.Values, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		queries <- r.URL.Query()
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			mt, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			if err := conn.WriteMessage(mt, append([]byte("echo:"), data...)); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	conn, err := newTestClient(t, wsURL(srv)).Connect(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	q := <-queries
	assert.Equal(t, "Miles", q.Get("character"))
	assert.NotEmpty(t, q.Get("id_token"))
	assert.True(t, conn.Connected())

	require.NoError(t, conn.Send([]byte("hello")))
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	for data, err := range conn.Messages(ctx) {
		require.NoError(t, err)
		assert.Equal(t, "echo:hello", string(data))
		break
	}
}

func TestMessagesEndsWithNetworkErrorOnServerDrop(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"chat"}`))
		_ = conn.Close()
	}))
	defer srv.Close()

	conn, err := newTestClient(t, wsURL(srv)).Connect(context.Background())
	require.NoError(t, err)
	defer conn.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	var frames []string
	var last error
	for data, err := range conn.Messages(ctx) {
		if err != nil {
			last = err
			continue
		}
		frames = append(frames, string(data))
	}
	assert.Equal(t, []string{`{"type":"chat"}`}, frames)
	var netErr *NetworkError
	require.ErrorAs(t, last, &netErr)
	assert.Equal(t, "read", netErr.Op)
	assert.False(t, conn.Connected())
	assert.ErrorIs(t, conn.Send([]byte("x")), ErrClosed)
}

func TestCloseEndsMessagesCleanly(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	conn, err := newTestClient(t, wsURL(srv)).Connect(context.Background())
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		var last error
		for _, err := range conn.Messages(context.Background()) {
			last = err
		}
		done <- last
	}()

	require.NoError(t, conn.Close())
	require.NoError(t, conn.Close())
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Messages did not end after Close")
	}
}

func TestReconnectBacksOffUntilSuccess(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n < 4 {
			http.Error(w, "busy", http.StatusServiceUnavailable)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	c := newTestClient(t, wsURL(srv))
	var waits []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}
	var hooked []int
	c.SetRetryHook(func(attempt int, _ time.Duration) { hooked = append(hooked, attempt) })

	conn, next, err := c.Reconnect(context.Background(), 0)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, 4, next)
	assert.Equal(t, []time.Duration{time.Second, 2 * time.Second, 4 * time.Second, 8 * time.Second}, waits)
	assert.Equal(t, []int{1, 2, 3, 4}, hooked)
}

func TestReconnectWaitsMaxDelayAfterRefusedUpgrade(t *testing.T) {
	upgrader := websocket.Upgrader{}
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		n := attempts
		mu.Unlock()
		if n == 1 {
			http.Error(w, "gone", http.StatusNotFound)
			return
		}
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	c := newTestClient(t, wsURL(srv))
	var waits []time.Duration
	c.sleep = func(ctx context.Context, d time.Duration) error {
		waits = append(waits, d)
		return ctx.Err()
	}

	conn, next, err := c.Reconnect(context.Background(), 0)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, 2, next)
	assert.Equal(t, []time.Duration{time.Second, 60 * time.Second}, waits)
}

func TestIsRetryableWithoutStatus(t *testing.T) {
	assert.True(t, IsRetryable(&NetworkError{Op: "read", Err: errors.New("reset")}))
	assert.False(t, IsRetryable(ErrAuth))
	assert.False(t, IsRetryable(nil))
}

func TestReconnectStopsOnAuthFailure(t *testing.T) {
	var mu sync.Mutex
	attempts := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		attempts++
		mu.Unlock()
		http.Error(w, "denied", http.StatusUnauthorized)
	}))
	defer srv.Close()

	c := newTestClient(t, wsURL(srv))
	c.sleep = func(ctx context.Context, d time.Duration) error { return nil }

	_, next, err := c.Reconnect(context.Background(), 2)
	require.ErrorIs(t, err, ErrAuth)
	assert.Equal(t, 3, next)
	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, 1, attempts)
}

func TestReconnectHonorsContext(t *testing.T) {
	c := newTestClient(t, "ws://127.0.0.1:1/never")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, _, err := c.Reconnect(ctx, 0)
	require.True(t, errors.Is(err, context.Canceled))
}
