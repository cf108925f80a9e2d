package protocol

import "time"

// NewClientLocationState reports a static location with the client timezone.
func NewClientLocationState(sessionID, timezone string) (Message, error) {
	return withContent(Message{
		Type:      TypeClientLocationState,
		SessionID: sessionID,
	}, LocationContent{Timezone: timezone})
}

// CallConnectParams describes the call the client asks for.
type CallConnectParams struct {
	SessionID  string
	RequestID  string
	SampleRate int
	ClientName string
	Character  string
	Reconnect  bool
}

func NewCallConnect(p CallConnectParams) (Message, error) {
	return withContent(Message{
		Type:      TypeCallConnect,
		SessionID: p.SessionID,
		RequestID: p.RequestID,
	}, CallConnectContent{
		SampleRate:     p.SampleRate,
		AudioCodec:     "none",
		Reconnect:      p.Reconnect,
		IsPrivate:      false,
		Settings:       CallSettings{Preset: p.Character},
		ClientName:     p.ClientName,
		ClientMetadata: map[string]any{},
	})
}

func NewPing(sessionID, callID, requestID string) (Message, error) {
	return withContent(Message{
		Type:      TypePing,
		SessionID: sessionID,
		CallID:    callID,
		RequestID: requestID,
	}, "ping")
}

// NewPingResponse answers a server ping, echoing its request id.
func NewPingResponse(sessionID, requestID string) (Message, error) {
	return withContent(Message{
		Type:      TypePingResponse,
		SessionID: sessionID,
		RequestID: requestID,
	}, "ping")
}

func NewAudio(sessionID, callID, audioData string, capturedAt time.Time) (Message, error) {
	content := AudioContent{AudioData: audioData}
	if !capturedAt.IsZero() {
		content.TimestampEpochMS = capturedAt.UnixMilli()
	}
	return withContent(Message{
		Type:      TypeAudio,
		SessionID: sessionID,
		CallID:    callID,
	}, content)
}

func NewCallDisconnect(sessionID, callID, requestID, reason string) (Message, error) {
	return withContent(Message{
		Type:      TypeCallDisconnect,
		SessionID: sessionID,
		CallID:    callID,
		RequestID: requestID,
	}, CallDisconnectContent{Reason: reason})
}
