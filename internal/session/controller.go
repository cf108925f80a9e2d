// Package session drives one voice session: it maps gestures to start and
// stop, runs the connect handshake, gates the microphone uplink, and
// reconnects after unexpected drops.
package session

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/ent0n29/voicebutton/internal/audio"
	"github.com/ent0n29/voicebutton/internal/gesture"
	"github.com/ent0n29/voicebutton/internal/protocol"
	"github.com/ent0n29/voicebutton/internal/transport"
)

const (
	DefaultHandshakeTimeout  = 15 * time.Second
	DefaultDisconnectTimeout = 3 * time.Second
)

// Dialer opens websocket connections to the voice service.
type Dialer interface {
	Connect(ctx context.Context) (*transport.Conn, error)
	Reconnect(ctx context.Context, attempt int) (*transport.Conn, int, error)
}

// Audio is the capture/playback pipeline the controller drives.
type Audio interface {
	Start(inRate, outRate int) error
	Stop() error
	SetStreaming(on bool)
	Accept(f audio.Frame) bool
	SetOutputRate(rate int) error
	Frames() <-chan audio.Frame
	PlayEncoded(data string) error
}

// Observer receives controller events for metrics. Calls come from the
// controller loop and must not block.
type Observer interface {
	StateChanged(state State)
	MessageSent(t protocol.MessageType)
	MessageReceived(t protocol.MessageType)
	HandshakeCompleted(d time.Duration)
	ConnectFailed(reason string)
	DisconnectCompleted(d time.Duration, acknowledged bool)
}

type Config struct {
	InputRate         int
	ClientName        string
	Timezone          string
	Character         string
	HandshakeTimeout  time.Duration
	DisconnectTimeout time.Duration
}

// Controller owns all session state. Run is its only goroutine that touches
// that state; every other method posts a command to it.
type Controller struct {
	cfg    Config
	dialer Dialer
	audio  Audio
	obs    Observer
	log    zerolog.Logger

	cmds    chan command
	dials   chan dialResult
	inbound chan inboundEvent
	done    chan struct{}
	runOnce sync.Once

	// Loop-owned state below.
	state      State
	connState  ConnectionState
	session    Session
	conn       *transport.Conn
	gen        uint64
	connCancel context.CancelFunc
	attempt    int
	startedAt  time.Time
	lastErr    error

	connectedAt       time.Time
	pendingConnectReq string
	pendingPingReq    string
	pendingStopReq    string
	stopRequestedAt   time.Time
	handshakeTimer    *time.Timer
	disconnectTimer   *time.Timer
	idleWaiters       []chan struct{}
}

type commandKind int

const (
	cmdStart commandKind = iota
	cmdStop
	cmdStatus
	cmdWaitIdle
)

type command struct {
	kind   commandKind
	status chan Status
	idle   chan struct{}
}

type dialResult struct {
	gen     uint64
	conn    *transport.Conn
	attempt int
	err     error
}

type inboundEvent struct {
	gen uint64
	raw []byte
	end bool
	err error
}

func NewController(cfg Config, dialer Dialer, a Audio, obs Observer, log zerolog.Logger) *Controller {
	if cfg.InputRate <= 0 {
		cfg.InputRate = audio.DefaultInputRate
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = DefaultHandshakeTimeout
	}
	if cfg.DisconnectTimeout <= 0 {
		cfg.DisconnectTimeout = DefaultDisconnectTimeout
	}
	if obs == nil {
		obs = nopObserver{}
	}
	return &Controller{
		cfg:       cfg,
		dialer:    dialer,
		audio:     a,
		obs:       obs,
		log:       log,
		cmds:      make(chan command, 16),
		dials:     make(chan dialResult, 4),
		inbound:   make(chan inboundEvent, 64),
		done:      make(chan struct{}),
		state:     StateIdle,
		connState: ConnDisconnected,
	}
}

// Start asks for a session. It is a no-op if one is already starting or
// running.
func (c *Controller) Start() error { return c.post(command{kind: cmdStart}) }

// Stop ends the session gracefully.
func (c *Controller) Stop() error { return c.post(command{kind: cmdStop}) }

// HandleGesture maps a short press to start, and a long press or triple
// click to stop.
func (c *Controller) HandleGesture(g gesture.Gesture) {
	var err error
	switch g.Kind {
	case gesture.ShortPress:
		err = c.Start()
	case gesture.LongPress, gesture.TripleClick:
		err = c.Stop()
	default:
		return
	}
	if err != nil {
		c.log.Debug().Err(err).Str("gesture", string(g.Kind)).Msg("gesture dropped")
	}
}

func (c *Controller) Status(ctx context.Context) (Status, error) {
	reply := make(chan Status, 1)
	if err := c.postContext(ctx, command{kind: cmdStatus, status: reply}); err != nil {
		return Status{}, err
	}
	select {
	case st := <-reply:
		return st, nil
	case <-c.done:
		return Status{}, ErrControllerStopped
	case <-ctx.Done():
		return Status{}, ctx.Err()
	}
}

// Shutdown stops the session gracefully and waits until it is idle.
func (c *Controller) Shutdown(ctx context.Context) error {
	if err := c.postContext(ctx, command{kind: cmdStop}); err != nil {
		if errors.Is(err, ErrControllerStopped) {
			return nil
		}
		return err
	}
	idle := make(chan struct{})
	if err := c.postContext(ctx, command{kind: cmdWaitIdle, idle: idle}); err != nil {
		if errors.Is(err, ErrControllerStopped) {
			return nil
		}
		return err
	}
	select {
	case <-idle:
		return nil
	case <-c.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Controller) post(cmd command) error {
	select {
	case <-c.done:
		return ErrControllerStopped
	default:
	}
	select {
	case c.cmds <- cmd:
		return nil
	case <-c.done:
		return ErrControllerStopped
	}
}

func (c *Controller) postContext(ctx context.Context, cmd command) error {
	select {
	case c.cmds <- cmd:
		return nil
	case <-c.done:
		return ErrControllerStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run is the controller event loop. It returns when ctx is cancelled,
// after tearing down any live session without the disconnect handshake.
func (c *Controller) Run(ctx context.Context) error {
	started := false
	c.runOnce.Do(func() { started = true })
	if !started {
		return errors.New("session controller already running")
	}
	defer close(c.done)
	defer c.teardown("controller stopped")

	for {
		var frames <-chan audio.Frame
		if c.connState == ConnStreaming {
			frames = c.audio.Frames()
		}

		select {
		case <-ctx.Done():
			return nil
		case cmd := <-c.cmds:
			c.handleCommand(ctx, cmd)
		case r := <-c.dials:
			c.handleDial(ctx, r)
		case ev := <-c.inbound:
			c.handleInbound(ctx, ev)
		case f := <-frames:
			c.sendFrame(f)
		case <-timerC(c.handshakeTimer):
			c.handshakeTimer = nil
			c.handleHandshakeTimeout(ctx)
		case <-timerC(c.disconnectTimer):
			c.disconnectTimer = nil
			c.lastErr = ErrDisconnectTimeout
			c.obs.DisconnectCompleted(time.Since(c.stopRequestedAt), false)
			c.log.Warn().Err(ErrDisconnectTimeout).Str("session_id", c.session.SessionID).Msg("closing without acknowledgement")
			c.teardown("disconnect timeout")
		}
	}
}

func (c *Controller) handleCommand(ctx context.Context, cmd command) {
	switch cmd.kind {
	case cmdStart:
		c.startSession(ctx)
	case cmdStop:
		c.stopSession()
	case cmdStatus:
		cmd.status <- c.snapshot()
	case cmdWaitIdle:
		if c.state == StateIdle {
			close(cmd.idle)
			return
		}
		c.idleWaiters = append(c.idleWaiters, cmd.idle)
	}
}

func (c *Controller) snapshot() Status {
	st := Status{
		State:            c.state,
		Connection:       c.connState,
		SessionID:        c.session.SessionID,
		CallID:           c.session.CallID,
		SampleRate:       c.session.SampleRate,
		ReconnectAttempt: c.attempt,
		StartedAt:        c.startedAt,
	}
	if c.lastErr != nil {
		st.LastError = c.lastErr.Error()
	}
	return st
}

func (c *Controller) setState(s State) {
	if c.state == s {
		return
	}
	c.log.Info().Str("from", string(c.state)).Str("to", string(s)).Msg("session state")
	c.state = s
	c.obs.StateChanged(s)
	if s == StateIdle {
		for _, w := range c.idleWaiters {
			close(w)
		}
		c.idleWaiters = nil
	}
}

func (c *Controller) startSession(ctx context.Context) {
	switch c.state {
	case StateIdle:
	case StateStopping:
		c.log.Info().Msg("start ignored while stopping")
		return
	default:
		c.log.Debug().Str("state", string(c.state)).Msg("start ignored, session already running")
		return
	}

	if err := c.audio.Start(c.cfg.InputRate, c.cfg.InputRate); err != nil {
		c.lastErr = err
		c.obs.ConnectFailed("hardware")
		c.log.Error().Err(err).Msg("audio hardware unavailable, session not started")
		return
	}

	c.lastErr = nil
	c.attempt = 0
	c.startedAt = time.Now().UTC()
	c.setState(StateStarting)
	c.connState = ConnConnecting

	c.gen++
	gen := c.gen
	dialCtx, cancel := context.WithCancel(ctx)
	c.connCancel = cancel
	go func() {
		conn, err := c.dialer.Connect(dialCtx)
		c.deliverDial(dialCtx, dialResult{gen: gen, conn: conn, err: err})
	}()
}

func (c *Controller) beginReconnect(ctx context.Context, reason error) {
	c.log.Warn().Err(reason).Str("session_id", c.session.SessionID).Int("attempt", c.attempt).Msg("connection lost, reconnecting")
	c.dropConnection()
	c.setState(StateReconnecting)
	c.connState = ConnConnecting

	gen := c.gen
	attempt := c.attempt
	dialCtx, cancel := context.WithCancel(ctx)
	c.connCancel = cancel
	go func() {
		conn, next, err := c.dialer.Reconnect(dialCtx, attempt)
		c.deliverDial(dialCtx, dialResult{gen: gen, conn: conn, attempt: next, err: err})
	}()
}

func (c *Controller) deliverDial(ctx context.Context, r dialResult) {
	select {
	case c.dials <- r:
	case <-ctx.Done():
		if r.conn != nil {
			_ = r.conn.Close()
		}
	}
}

func (c *Controller) handleDial(ctx context.Context, r dialResult) {
	if r.gen != c.gen || c.connState != ConnConnecting {
		if r.conn != nil {
			_ = r.conn.Close()
		}
		return
	}
	if r.attempt > 0 {
		c.attempt = r.attempt
	}

	if r.err != nil {
		c.lastErr = r.err
		switch {
		case errors.Is(r.err, transport.ErrAuth):
			c.obs.ConnectFailed("auth")
			c.log.Error().Err(r.err).Msg("credential rejected, not retrying")
		case errors.Is(r.err, context.Canceled):
			return
		default:
			c.obs.ConnectFailed("network")
			c.log.Error().Err(r.err).Msg("connect failed")
		}
		c.teardown("connect failed")
		return
	}

	if c.connCancel != nil {
		c.connCancel()
	}
	c.conn = r.conn
	c.connState = ConnHandshaking
	c.connectedAt = time.Now()
	c.session = Session{}
	c.handshakeTimer = time.NewTimer(c.cfg.HandshakeTimeout)

	connCtx, cancel := context.WithCancel(ctx)
	c.connCancel = cancel
	go c.forward(connCtx, c.gen, r.conn)
}

// forward ranges the connection's inbound sequence into the loop. It ends
// with exactly one end event unless the connection was abandoned first.
func (c *Controller) forward(ctx context.Context, gen uint64, conn *transport.Conn) {
	var last error
	for raw, err := range conn.Messages(ctx) {
		if err != nil {
			last = err
			break
		}
		select {
		case c.inbound <- inboundEvent{gen: gen, raw: raw}:
		case <-ctx.Done():
			return
		}
	}
	select {
	case c.inbound <- inboundEvent{gen: gen, end: true, err: last}:
	case <-ctx.Done():
	}
}

func (c *Controller) handleInbound(ctx context.Context, ev inboundEvent) {
	if ev.gen != c.gen || c.conn == nil {
		return
	}
	if ev.end {
		c.handleConnectionLost(ctx, ev.err)
		return
	}

	msg, err := protocol.Decode(ev.raw)
	if err != nil {
		c.log.Warn().Err(err).Int("bytes", len(ev.raw)).Msg("dropping malformed message")
		return
	}
	env := msg.Envelope()
	c.obs.MessageReceived(env.Type)

	if c.connState == ConnDisconnecting {
		if resp, ok := msg.(protocol.CallDisconnectResponse); ok && c.matchesDisconnect(resp.Message) {
			c.obs.DisconnectCompleted(time.Since(c.stopRequestedAt), true)
			c.log.Info().Str("session_id", c.session.SessionID).Msg("call disconnect acknowledged")
			c.teardown("stopped")
			return
		}
		c.log.Debug().Str("type", string(env.Type)).Msg("ignoring message while disconnecting")
		return
	}

	switch m := msg.(type) {
	case protocol.Initialize:
		c.onInitialize(m)
	case protocol.CallConnectResponse:
		c.onCallConnectResponse(m)
	case protocol.PingResponse:
		c.onPingResponse(m)
	case protocol.Ping:
		c.onServerPing(m)
	case protocol.Audio:
		c.onAudio(m)
	case protocol.Chat:
		c.log.Debug().Str("session_id", c.session.SessionID).Msg("chat message ignored")
	case protocol.CallDisconnectResponse:
		c.log.Info().Str("session_id", c.session.SessionID).Msg("server ended the call")
		c.teardown("server ended call")
	default:
		c.log.Debug().Str("type", string(env.Type)).Msg("unhandled message type")
	}
}

func (c *Controller) onInitialize(m protocol.Initialize) {
	if c.connState != ConnHandshaking || c.session.SessionID != "" {
		c.log.Debug().Str("session_id", m.ServerSessionID).Msg("unexpected initialize ignored")
		return
	}
	c.session.SessionID = m.ServerSessionID
	c.log.Info().Str("session_id", m.ServerSessionID).Msg("session initialized")

	loc, err := protocol.NewClientLocationState(m.ServerSessionID, c.cfg.Timezone)
	if err == nil {
		err = c.send(loc)
	}
	if err != nil {
		c.log.Error().Err(err).Msg("send client_location_state")
		return
	}

	c.pendingConnectReq = uuid.NewString()
	connect, err := protocol.NewCallConnect(protocol.CallConnectParams{
		SessionID:  m.ServerSessionID,
		RequestID:  c.pendingConnectReq,
		SampleRate: c.cfg.InputRate,
		ClientName: c.cfg.ClientName,
		Character:  c.cfg.Character,
		Reconnect:  c.state == StateReconnecting,
	})
	if err == nil {
		err = c.send(connect)
	}
	if err != nil {
		c.log.Error().Err(err).Msg("send call_connect")
	}
}

func (c *Controller) onCallConnectResponse(m protocol.CallConnectResponse) {
	if c.pendingConnectReq == "" {
		c.log.Debug().Msg("unexpected call_connect_response ignored")
		return
	}
	if m.RequestID != "" && m.RequestID != c.pendingConnectReq {
		c.log.Debug().Str("request_id", m.RequestID).Msg("call_connect_response for another request ignored")
		return
	}
	c.pendingConnectReq = ""
	c.session.CallID = m.CallID
	c.session.SampleRate = m.SampleRate
	c.log.Info().Str("session_id", c.session.SessionID).Str("call_id", m.CallID).Int("sample_rate", m.SampleRate).Msg("call connected")

	if m.SampleRate > 0 {
		if err := c.audio.SetOutputRate(m.SampleRate); err != nil {
			c.log.Error().Err(err).Int("sample_rate", m.SampleRate).Msg("playback rate change failed")
		}
	}

	c.pendingPingReq = uuid.NewString()
	ping, err := protocol.NewPing(c.session.SessionID, c.session.CallID, c.pendingPingReq)
	if err == nil {
		err = c.send(ping)
	}
	if err != nil {
		c.log.Error().Err(err).Msg("send ping")
	}
}

func (c *Controller) onPingResponse(m protocol.PingResponse) {
	if c.pendingPingReq == "" {
		return
	}
	if m.RequestID != "" && m.RequestID != c.pendingPingReq {
		return
	}
	c.pendingPingReq = ""
	c.stopTimer(&c.handshakeTimer)
	c.session.HandshakeComplete = true
	c.connState = ConnStreaming
	c.attempt = 0
	c.lastErr = nil
	c.audio.SetStreaming(true)
	c.setState(StateActive)

	took := time.Since(c.connectedAt)
	c.obs.HandshakeCompleted(took)
	c.log.Info().Str("session_id", c.session.SessionID).Str("call_id", c.session.CallID).Dur("handshake", took).Msg("streaming audio")
}

func (c *Controller) onServerPing(m protocol.Ping) {
	resp, err := protocol.NewPingResponse(c.session.SessionID, m.RequestID)
	if err == nil {
		err = c.send(resp)
	}
	if err != nil {
		c.log.Warn().Err(err).Msg("answer server ping")
	}
}

// onAudio plays downlink audio as soon as it arrives; only the uplink is
// gated on the handshake.
func (c *Controller) onAudio(m protocol.Audio) {
	if err := c.audio.PlayEncoded(m.AudioData); err != nil {
		c.log.Warn().Err(err).Msg("playback chunk dropped")
	}
}

func (c *Controller) matchesDisconnect(m protocol.Message) bool {
	if m.RequestID != "" {
		return m.RequestID == c.pendingStopReq
	}
	if m.CallID != "" {
		return m.CallID == c.session.CallID
	}
	return true
}

func (c *Controller) sendFrame(f audio.Frame) {
	if c.connState != ConnStreaming || c.conn == nil {
		return
	}
	if !c.audio.Accept(f) {
		c.log.Debug().Msg("dropping frame from an earlier gate period")
		return
	}
	msg, err := protocol.NewAudio(c.session.SessionID, c.session.CallID, audio.EncodeBase64(f.PCM), f.CapturedAt)
	if err == nil {
		err = c.send(msg)
	}
	if err != nil {
		// A dead socket surfaces through the reader; nothing to do here.
		c.log.Debug().Err(err).Msg("audio frame not sent")
	}
}

func (c *Controller) send(msg protocol.Message) error {
	if c.conn == nil {
		return transport.ErrClosed
	}
	raw, err := protocol.Encode(msg)
	if err != nil {
		return err
	}
	if err := c.conn.Send(raw); err != nil {
		return err
	}
	c.obs.MessageSent(msg.Type)
	if msg.Type != protocol.TypeAudio {
		c.log.Debug().Str("type", string(msg.Type)).Str("request_id", msg.RequestID).Msg("sent")
	}
	return nil
}

func (c *Controller) handleConnectionLost(ctx context.Context, err error) {
	if err == nil {
		err = errors.New("connection closed by server")
	}
	c.lastErr = err
	switch c.state {
	case StateActive, StateReconnecting:
		c.beginReconnect(ctx, err)
	case StateStarting:
		c.obs.ConnectFailed("network")
		c.log.Error().Err(err).Msg("connection lost during handshake")
		c.teardown("connection lost")
	default:
		c.teardown("connection lost")
	}
}

func (c *Controller) handleHandshakeTimeout(ctx context.Context) {
	c.lastErr = ErrHandshakeTimeout
	c.obs.ConnectFailed("handshake_timeout")
	switch c.state {
	case StateReconnecting:
		c.beginReconnect(ctx, ErrHandshakeTimeout)
	default:
		c.log.Error().Err(ErrHandshakeTimeout).Msg("session not started")
		c.teardown("handshake timeout")
	}
}

func (c *Controller) stopSession() {
	switch c.state {
	case StateIdle, StateStopping:
		return
	}

	if c.conn != nil && c.session.CallID != "" {
		c.pendingStopReq = uuid.NewString()
		msg, err := protocol.NewCallDisconnect(c.session.SessionID, c.session.CallID, c.pendingStopReq, "")
		if err == nil {
			err = c.send(msg)
		}
		if err == nil {
			c.audio.SetStreaming(false)
			c.stopTimer(&c.handshakeTimer)
			c.connState = ConnDisconnecting
			c.stopRequestedAt = time.Now()
			c.setState(StateStopping)
			c.disconnectTimer = time.NewTimer(c.cfg.DisconnectTimeout)
			return
		}
		c.log.Warn().Err(err).Msg("send call_disconnect, closing immediately")
	}
	c.teardown("stopped")
}

// dropConnection abandons the current connection and bumps the generation
// so late events from it are ignored.
func (c *Controller) dropConnection() {
	c.gen++
	if c.connCancel != nil {
		c.connCancel()
		c.connCancel = nil
	}
	c.stopTimer(&c.handshakeTimer)
	c.stopTimer(&c.disconnectTimer)
	c.audio.SetStreaming(false)
	if c.conn != nil {
		if err := c.conn.Close(); err != nil {
			c.log.Debug().Err(err).Msg("close connection")
		}
		c.conn = nil
	}
	c.session = Session{}
	c.pendingConnectReq = ""
	c.pendingPingReq = ""
	c.pendingStopReq = ""
}

// teardown releases the connection and the audio hardware and returns to
// idle. It is safe in any state.
func (c *Controller) teardown(reason string) {
	if c.state == StateIdle && c.conn == nil && c.connCancel == nil {
		return
	}
	c.dropConnection()
	if err := c.audio.Stop(); err != nil {
		c.log.Warn().Err(err).Msg("close audio")
	}
	c.connState = ConnDisconnected
	c.attempt = 0
	c.startedAt = time.Time{}
	c.log.Info().Str("reason", reason).Msg("session closed")
	c.setState(StateIdle)
}

func (c *Controller) stopTimer(t **time.Timer) {
	if *t != nil {
		(*t).Stop()
		*t = nil
	}
}

func timerC(t *time.Timer) <-chan time.Time {
	if t == nil {
		return nil
	}
	return t.C
}

type nopObserver struct{}

func (nopObserver) StateChanged(State) {}
func (nopObserver) MessageSent(protocol.MessageType) {}
func (nopObserver) MessageReceived(protocol.MessageType) {}
func (nopObserver) HandshakeCompleted(time.Duration) {}
func (nopObserver) ConnectFailed(string) {}
func (nopObserver) DisconnectCompleted(time.Duration, bool) {}
