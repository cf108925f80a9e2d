package protocol

// InitializeContent carries the server-assigned session id.
type InitializeContent struct {
	SessionID string `json:"session_id"`
}

// LocationContent is the static location the client reports after initialize.
type LocationContent struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Address   string  `json:"address"`
	Timezone  string  `json:"timezone"`
}

type CallSettings struct {
	Preset string `json:"preset"`
}

// CallConnectContent requests a call on the current session.
type CallConnectContent struct {
	SampleRate     int            `json:"sample_rate"`
	AudioCodec     string         `json:"audio_codec"`
	Reconnect      bool           `json:"reconnect"`
	IsPrivate      bool           `json:"is_private"`
	Settings       CallSettings   `json:"settings"`
	ClientName     string         `json:"client_name"`
	ClientMetadata map[string]any `json:"client_metadata"`
}

type CallConnectResponseContent struct {
	SampleRate int `json:"sample_rate"`
}

// AudioContent holds base64 encoded little-endian int16 PCM.
type AudioContent struct {
	AudioData        string `json:"audio_data"`
	TimestampEpochMS int64  `json:"timestamp_epoch_ms,omitempty"`
}

type CallDisconnectContent struct {
	Reason string `json:"reason,omitempty"`
}
