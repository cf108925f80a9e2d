package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/bytedance/sonic"
)

// MessageType identifies websocket payload variants. The set is open: any
// value the client does not know decodes as Unknown.
type MessageType string

const (
	TypeInitialize             MessageType = "initialize"
	TypeClientLocationState    MessageType = "client_location_state"
	TypeCallConnect            MessageType = "call_connect"
	TypeCallConnectResponse    MessageType = "call_connect_response"
	TypePing                   MessageType = "ping"
	TypePingResponse           MessageType = "ping_response"
	TypeAudio                  MessageType = "audio"
	TypeChat                   MessageType = "chat"
	TypeCallDisconnect         MessageType = "call_disconnect"
	TypeCallDisconnectResponse MessageType = "call_disconnect_response"
)

// ErrMalformed marks frames that cannot be decoded into a message. Callers
// drop such frames after logging; they never close the connection.
var ErrMalformed = errors.New("malformed message")

var codec = sonic.ConfigStd

// Message is the envelope shared by both directions.
type Message struct {
	Type      MessageType     `json:"type"`
	SessionID string          `json:"session_id,omitempty"`
	CallID    string          `json:"call_id,omitempty"`
	RequestID string          `json:"request_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
}

// Encode serializes a message into one text frame.
func Encode(msg Message) ([]byte, error) {
	if strings.TrimSpace(string(msg.Type)) == "" {
		return nil, errors.New("message type is required")
	}
	return codec.Marshal(msg)
}

// DecodeEnvelope parses a frame into the raw envelope without interpreting
// its content.
func DecodeEnvelope(raw []byte) (Message, error) {
	var msg Message
	if err := codec.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if strings.TrimSpace(string(msg.Type)) == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return msg, nil
}

// DecodeContent unmarshals the content field into v.
func (m Message) DecodeContent(v any) error {
	if len(m.Content) == 0 {
		return fmt.Errorf("%w: %s has no content", ErrMalformed, m.Type)
	}
	if err := codec.Unmarshal(m.Content, v); err != nil {
		return fmt.Errorf("%w: %s content: %v", ErrMalformed, m.Type, err)
	}
	return nil
}

func withContent(msg Message, content any) (Message, error) {
	if content == nil {
		return msg, nil
	}
	raw, err := codec.Marshal(content)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s content: %w", msg.Type, err)
	}
	msg.Content = raw
	return msg, nil
}
