package session

import (
	"errors"
	"time"
)

// State is the user-visible lifecycle of the voice session.
type State string

const (
	StateIdle         State = "idle"
	StateStarting     State = "starting"
	StateActive       State = "active"
	StateReconnecting State = "reconnecting"
	StateStopping     State = "stopping"
)

// ConnectionState tracks the wire side of the session.
type ConnectionState string

const (
	ConnDisconnected  ConnectionState = "disconnected"
	ConnConnecting    ConnectionState = "connecting"
	ConnHandshaking   ConnectionState = "handshaking"
	ConnStreaming     ConnectionState = "streaming"
	ConnDisconnecting ConnectionState = "disconnecting"
)

var (
	// ErrDisconnectTimeout is recorded when the server never acknowledged
	// call_disconnect. The session is torn down regardless.
	ErrDisconnectTimeout = errors.New("call_disconnect acknowledgement timed out")
	ErrHandshakeTimeout  = errors.New("handshake timed out")
	ErrControllerStopped = errors.New("session controller stopped")
)

// Session holds the server-assigned identity of the current call. Only the
// controller loop reads or writes it.
type Session struct {
	SessionID         string
	CallID            string
	SampleRate        int
	HandshakeComplete bool
}

// Status is a snapshot of the controller for status reporting.
type Status struct {
	State            State           `json:"state"`
	Connection       ConnectionState `json:"connection"`
	SessionID        string          `json:"session_id,omitempty"`
	CallID           string          `json:"call_id,omitempty"`
	SampleRate       int             `json:"sample_rate,omitempty"`
	ReconnectAttempt int             `json:"reconnect_attempt"`
	StartedAt        time.Time       `json:"started_at"`
	LastError        string          `json:"last_error,omitempty"`
}
