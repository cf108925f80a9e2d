package session

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"github.com/ent0n29/voicebutton/internal/audio"
	"github.com/ent0n29/voicebutton/internal/protocol"
	"github.com/ent0n29/voicebutton/internal/transport"
)

// fakeService is a scriptable voice service. Every accepted websocket is
// handed to the test through conns.
type fakeService struct {
	srv    *httptest.Server
	conns  chan *serverConn
	reject atomic.Int32
	dials  atomic.Int32
}

type serverConn struct {
	ws      *websocket.Conn
	writeMu sync.Mutex
	recv    chan protocol.Message
	closed  chan struct{}
}

func newFakeService(t *testing.T) *fakeService {
	t.Helper()
	fs := &fakeService{conns: make(chan *serverConn, 8)}
	upgrader := websocket.Upgrader{}
	fs.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		fs.dials.Add(1)
		if code := fs.reject.Load(); code != 0 {
			http.Error(w, "rejected", int(code))
			return
		}
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		sc := &serverConn{ws: ws, recv: make(chan protocol.Message, 256), closed: make(chan struct{})}
		go sc.read()
		fs.conns <- sc
	}))
	t.Cleanup(fs.srv.Close)
	return fs
}

func (fs *fakeService) url() string {
	return "ws" + strings.TrimPrefix(fs.srv.URL, "http")
}

func (fs *fakeService) accept(t *testing.T) *serverConn {
	t.Helper()
	select {
	case sc := <-fs.conns:
		t.Cleanup(func() { _ = sc.ws.Close() })
		return sc
	case <-time.After(3 * time.Second):
		t.Fatalf("no client connection")
		return nil
	}
}

func (sc *serverConn) read() {
	defer close(sc.closed)
	for {
		_, data, err := sc.ws.ReadMessage()
		if err != nil {
			return
		}
		msg, err := protocol.DecodeEnvelope(data)
		if err != nil {
			continue
		}
		sc.recv <- msg
	}
}

func (sc *serverConn) sendRaw(t *testing.T, raw string) {
	t.Helper()
	sc.writeMu.Lock()
	defer sc.writeMu.Unlock()
	if err := sc.ws.WriteMessage(websocket.TextMessage, []byte(raw)); err != nil {
		t.Fatalf("server write: %v", err)
	}
}

func (sc *serverConn) send(t *testing.T, msg protocol.Message) {
	t.Helper()
	raw, err := protocol.Encode(msg)
	if err != nil {
		t.Fatalf("Encode() error = %v", err)
	}
	sc.sendRaw(t, string(raw))
}

// expect returns the next non-audio message and fails unless it has type want.
func (sc *serverConn) expect(t *testing.T, want protocol.MessageType) protocol.Message {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case msg := <-sc.recv:
			if msg.Type == protocol.TypeAudio && want != protocol.TypeAudio {
				continue
			}
			if msg.Type != want {
				t.Fatalf("server received %q, want %q", msg.Type, want)
			}
			return msg
		case <-deadline:
			t.Fatalf("timed out waiting for %q", want)
			return protocol.Message{}
		}
	}
}

func (sc *serverConn) expectNothing(t *testing.T, wait time.Duration) {
	t.Helper()
	select {
	case msg := <-sc.recv:
		t.Fatalf("server received unexpected %q", msg.Type)
	case <-time.After(wait):
	}
}

func (sc *serverConn) waitClosed(t *testing.T) {
	t.Helper()
	select {
	case <-sc.closed:
	case <-time.After(3 * time.Second):
		t.Fatalf("client did not close the connection")
	}
}

// drop kills the socket without a close frame.
func (sc *serverConn) drop() {
	_ = sc.ws.UnderlyingConn().Close()
}

func initializeMsg(sessionID string) protocol.Message {
	return protocol.Message{Type: protocol.TypeInitialize, Content: []byte(`{"session_id":"` + sessionID + `"}`)}
}

// handshake plays the server side up to ping_response.
func (sc *serverConn) handshake(t *testing.T, sessionID, callID string, rate int) {
	t.Helper()
	sc.send(t, initializeMsg(sessionID))
	sc.expect(t, protocol.TypeClientLocationState)
	connect := sc.expect(t, protocol.TypeCallConnect)
	sc.send(t, protocol.Message{
		Type:      protocol.TypeCallConnectResponse,
		SessionID: sessionID,
		CallID:    callID,
		RequestID: connect.RequestID,
		Content:   []byte(`{"sample_rate":` + strconv.Itoa(rate) + `}`),
	})
	ping := sc.expect(t, protocol.TypePing)
	sc.send(t, protocol.Message{Type: protocol.TypePingResponse, SessionID: sessionID, RequestID: ping.RequestID})
}

// fakeAudio gates pushed frames the way the real pipeline does.
type fakeAudio struct {
	mu        sync.Mutex
	startErr  error
	running   bool
	starts    int
	stops     int
	streaming bool
	gate      uint64
	outRate   int
	played    []string
	frames    chan audio.Frame
}

func newFakeAudio() *fakeAudio {
	return &fakeAudio{frames: make(chan audio.Frame, 16)}
}

func (a *fakeAudio) Start(inRate, outRate int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.startErr != nil {
		return a.startErr
	}
	if !a.running {
		a.starts++
	}
	a.running = true
	a.outRate = outRate
	return nil
}

func (a *fakeAudio) Stop() error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.running {
		a.stops++
	}
	a.running = false
	a.streaming = false
	return nil
}

func (a *fakeAudio) SetStreaming(on bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.streaming = on
	a.gate++
}

func (a *fakeAudio) Accept(f audio.Frame) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.streaming && f.Gate == a.gate
}

// pushStale queues a frame stamped with a closed gate period, as a capture
// racing a gate transition would.
func (a *fakeAudio) pushStale(pcm []int16) {
	a.mu.Lock()
	gate := a.gate - 1
	a.mu.Unlock()
	a.frames <- audio.Frame{PCM: pcm, CapturedAt: time.Now(), Gate: gate}
}

func (a *fakeAudio) SetOutputRate(rate int) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.running {
		return errors.New("not running")
	}
	a.outRate = rate
	return nil
}

func (a *fakeAudio) Frames() <-chan audio.Frame { return a.frames }

func (a *fakeAudio) PlayEncoded(data string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.played = append(a.played, data)
	return nil
}

// push reports whether the frame passed the gate.
func (a *fakeAudio) push(pcm []int16) bool {
	a.mu.Lock()
	open := a.streaming && a.running
	gate := a.gate
	a.mu.Unlock()
	if !open {
		return false
	}
	a.frames <- audio.Frame{PCM: pcm, CapturedAt: time.Now(), Gate: gate}
	return true
}

type audioSnapshot struct {
	running   bool
	starts    int
	stops     int
	streaming bool
	outRate   int
	played    []string
}

func (a *fakeAudio) snapshot() audioSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()
	return audioSnapshot{
		running:   a.running,
		starts:    a.starts,
		stops:     a.stops,
		streaming: a.streaming,
		outRate:   a.outRate,
		played:    append([]string(nil), a.played...),
	}
}

type harness struct {
	svc    *fakeService
	audio  *fakeAudio
	ctrl   *Controller
	cancel context.CancelFunc
	done   chan error
}

type harnessOptions struct {
	disconnectTimeout time.Duration
	handshakeTimeout  time.Duration
	token             string
}

func newHarness(t *testing.T, opts harnessOptions) *harness {
	t.Helper()
	svc := newFakeService(t)
	token := opts.token
	if token == "" {
		token = signedToken(t, time.Now().Add(time.Hour))
	}
	client, err := transport.NewClient(transport.Config{
		URL:        svc.url(),
		Token:      token,
		ClientName: "Sesame-Pi",
		Timezone:   "America/New_York",
		Character:  "Miles",
		BaseDelay:  10 * time.Millisecond,
		MaxDelay:   40 * time.Millisecond,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewClient() error = %v", err)
	}

	fa := newFakeAudio()
	ctrl := NewController(Config{
		InputRate:         16000,
		ClientName:        "Sesame-Pi",
		Timezone:          "America/New_York",
		Character:         "Miles",
		HandshakeTimeout:  opts.handshakeTimeout,
		DisconnectTimeout: opts.disconnectTimeout,
	}, client, fa, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	h := &harness{svc: svc, audio: fa, ctrl: ctrl, cancel: cancel, done: make(chan error, 1)}
	go func() { h.done <- ctrl.Run(ctx) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-h.done:
		case <-time.After(3 * time.Second):
			t.Errorf("controller loop did not exit")
		}
	})
	return h
}

func signedToken(t *testing.T, exp time.Time) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{"exp": exp.Unix()}).SignedString([]byte("k"))
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return tok
}

func (h *harness) status(t *testing.T) Status {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	st, err := h.ctrl.Status(ctx)
	if err != nil {
		t.Fatalf("Status() error = %v", err)
	}
	return st
}

func (h *harness) waitState(t *testing.T, want State) Status {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		st := h.status(t)
		if st.State == want {
			return st
		}
		if time.Now().After(deadline) {
			t.Fatalf("state = %q, want %q (last error %q)", st.State, want, st.LastError)
		}
		time.Sleep(5 * time.Millisecond)
	}
}
