package protocol

import (
	"fmt"
	"strings"
)

// Inbound is the closed set of server messages the client reacts to.
// Anything else decodes as Unknown.
type Inbound interface {
	Envelope() Message
}

type Initialize struct {
	Message
	ServerSessionID string
}

type CallConnectResponse struct {
	Message
	SampleRate int
}

type Ping struct{ Message }

type PingResponse struct{ Message }

type Audio struct {
	Message
	AudioData        string
	TimestampEpochMS int64
}

type Chat struct{ Message }

type CallDisconnectResponse struct{ Message }

// Unknown wraps any message type without a dedicated handler, including
// client-only types echoed back by the server.
type Unknown struct{ Message }

func (m Message) Envelope() Message { return m }

// Decode parses one inbound frame into its typed variant.
func Decode(raw []byte) (Inbound, error) {
	msg, err := DecodeEnvelope(raw)
	if err != nil {
		return nil, err
	}

	switch msg.Type {
	case TypeInitialize:
		var c InitializeContent
		if err := msg.DecodeContent(&c); err != nil {
			return nil, err
		}
		sessionID := strings.TrimSpace(c.SessionID)
		if sessionID == "" {
			sessionID = strings.TrimSpace(msg.SessionID)
		}
		if sessionID == "" {
			return nil, fmt.Errorf("%w: initialize without session_id", ErrMalformed)
		}
		return Initialize{Message: msg, ServerSessionID: sessionID}, nil
	case TypeCallConnectResponse:
		var c CallConnectResponseContent
		if len(msg.Content) > 0 {
			if err := msg.DecodeContent(&c); err != nil {
				return nil, err
			}
		}
		if c.SampleRate < 0 {
			return nil, fmt.Errorf("%w: negative sample_rate", ErrMalformed)
		}
		return CallConnectResponse{Message: msg, SampleRate: c.SampleRate}, nil
	case TypePing:
		return Ping{Message: msg}, nil
	case TypePingResponse:
		return PingResponse{Message: msg}, nil
	case TypeAudio:
		var c AudioContent
		if err := msg.DecodeContent(&c); err != nil {
			return nil, err
		}
		if c.AudioData == "" {
			return nil, fmt.Errorf("%w: audio without audio_data", ErrMalformed)
		}
		return Audio{Message: msg, AudioData: c.AudioData, TimestampEpochMS: c.TimestampEpochMS}, nil
	case TypeChat:
		return Chat{Message: msg}, nil
	case TypeCallDisconnectResponse:
		return CallDisconnectResponse{Message: msg}, nil
	default:
		return Unknown{Message: msg}, nil
	}
}
