package transport

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/bytedance/sonic"
)

const DefaultURL = "wss://sesameai.app/agent-service-0/v1/connect"

type userContext struct {
	Timezone string `json:"timezone"`
}

// BuildURL appends the credential and client identity as query parameters.
func BuildURL(cfg Config) (string, error) {
	raw := strings.TrimSpace(cfg.URL)
	if raw == "" {
		raw = DefaultURL
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "", fmt.Errorf("parse websocket url: %w", err)
	}
	switch strings.ToLower(strings.TrimSpace(u.Scheme)) {
	case "ws", "wss":
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported websocket url scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return "", fmt.Errorf("websocket url %q has no host", raw)
	}

	uc, err := sonic.ConfigStd.Marshal(userContext{Timezone: cfg.Timezone})
	if err != nil {
		return "", fmt.Errorf("encode usercontext: %w", err)
	}

	q := u.Query()
	q.Set("id_token", strings.TrimSpace(cfg.Token))
	q.Set("client_name", cfg.ClientName)
	q.Set("usercontext", string(uc))
	q.Set("character", cfg.Character)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
