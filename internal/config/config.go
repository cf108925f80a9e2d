package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains all runtime settings for the voice button client.
type Config struct {
	BindAddr         string
	ShutdownTimeout  time.Duration
	MetricsNamespace string

	LogLevel string
	LogFile  string

	VoiceURL              string
	Token                 string
	ClientName            string
	Timezone              string
	Character             string
	TLSInsecureSkipVerify bool

	AudioBackend   string
	AudioRate      int
	ChunkSize      int
	AudioQueueSize int

	InputMode          string
	GestureMode        string
	ButtonPin          int
	ButtonBounce       time.Duration
	LongPressThreshold time.Duration
	ClickWindow        time.Duration
	ClickCooldown      time.Duration

	HandshakeTimeout   time.Duration
	DisconnectTimeout  time.Duration
	ReconnectBaseDelay time.Duration
	ReconnectMaxDelay  time.Duration

	AutoStart bool
}

// SupervisorConfig contains the settings of the button supervisor that
// starts and stops the client process.
type SupervisorConfig struct {
	PIDFile       string
	ClientCommand []string
	StopGrace     time.Duration
	ButtonPin     int
	ButtonBounce  time.Duration
	ClickWindow   time.Duration
	ClickCooldown time.Duration
	LogLevel      string
	LogFile       string
}

// LoadDotEnv loads .env style files into the process environment without
// overriding variables that are already set. Missing files are skipped.
func LoadDotEnv(paths ...string) error {
	if len(paths) == 0 {
		paths = []string{".env"}
	}
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:           os.Getenv("APP_BIND_ADDR"),
		MetricsNamespace:   envOrDefault("APP_METRICS_NAMESPACE", "voicebutton"),
		LogLevel:           envOrDefault("LOG_LEVEL", "info"),
		LogFile:            envOrDefault("LOG_FILE", "session.log"),
		VoiceURL:           envOrDefault("VOICE_WS_URL", "wss://sesameai.app/agent-service-0/v1/connect"),
		Token:              stringsTrimSpace("JWT_TOKEN"),
		ClientName:         envOrDefault("CLIENT_NAME", "Sesame-Pi"),
		Timezone:           envOrDefault("CLIENT_TIMEZONE", "America/New_York"),
		Character:          envOrDefault("VOICE_CHARACTER", "Miles"),
		AudioBackend:       strings.ToLower(envOrDefault("AUDIO_BACKEND", "sox")),
		AudioRate:          16000,
		ChunkSize:          1024,
		AudioQueueSize:     32,
		InputMode:          strings.ToLower(envOrDefault("INPUT_MODE", "keyboard")),
		GestureMode:        strings.ToLower(envOrDefault("GESTURE_MODE", "hold")),
		ButtonPin:          17,
		ButtonBounce:       50 * time.Millisecond,
		LongPressThreshold: 2 * time.Second,
		ClickWindow:        500 * time.Millisecond,
		ClickCooldown:      2 * time.Second,
		HandshakeTimeout:   15 * time.Second,
		DisconnectTimeout:  3 * time.Second,
		ReconnectBaseDelay: time.Second,
		ReconnectMaxDelay:  60 * time.Second,
		ShutdownTimeout:    10 * time.Second,
	}
	if _, ok := os.LookupEnv("APP_BIND_ADDR"); !ok {
		cfg.BindAddr = "127.0.0.1:8089"
	}
	if cfg.LogFile == "-" {
		cfg.LogFile = ""
	}

	var err error
	if cfg.ShutdownTimeout, err = durationFromEnv("APP_SHUTDOWN_TIMEOUT", cfg.ShutdownTimeout); err != nil {
		return Config{}, err
	}
	if cfg.TLSInsecureSkipVerify, err = boolFromEnv("TLS_INSECURE_SKIP_VERIFY", false); err != nil {
		return Config{}, err
	}
	if cfg.AudioRate, err = intFromEnv("AUDIO_RATE", cfg.AudioRate); err != nil {
		return Config{}, err
	}
	if cfg.ChunkSize, err = intFromEnv("CHUNK_SIZE", cfg.ChunkSize); err != nil {
		return Config{}, err
	}
	if cfg.AudioQueueSize, err = intFromEnv("AUDIO_QUEUE_SIZE", cfg.AudioQueueSize); err != nil {
		return Config{}, err
	}
	if cfg.ButtonPin, err = intFromEnv("BUTTON_PIN", cfg.ButtonPin); err != nil {
		return Config{}, err
	}
	if cfg.ButtonBounce, err = durationFromEnv("BUTTON_BOUNCE", cfg.ButtonBounce); err != nil {
		return Config{}, err
	}
	if cfg.LongPressThreshold, err = durationFromEnv("LONG_PRESS_THRESHOLD", cfg.LongPressThreshold); err != nil {
		return Config{}, err
	}
	if cfg.ClickWindow, err = durationFromEnv("CLICK_WINDOW", cfg.ClickWindow); err != nil {
		return Config{}, err
	}
	if cfg.ClickCooldown, err = durationFromEnv("CLICK_COOLDOWN", cfg.ClickCooldown); err != nil {
		return Config{}, err
	}
	if cfg.HandshakeTimeout, err = durationFromEnv("HANDSHAKE_TIMEOUT", cfg.HandshakeTimeout); err != nil {
		return Config{}, err
	}
	if cfg.DisconnectTimeout, err = durationFromEnv("DISCONNECT_TIMEOUT", cfg.DisconnectTimeout); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectBaseDelay, err = durationFromEnv("RECONNECT_BASE_DELAY", cfg.ReconnectBaseDelay); err != nil {
		return Config{}, err
	}
	if cfg.ReconnectMaxDelay, err = durationFromEnv("RECONNECT_MAX_DELAY", cfg.ReconnectMaxDelay); err != nil {
		return Config{}, err
	}
	if cfg.AutoStart, err = boolFromEnv("AUTO_START", false); err != nil {
		return Config{}, err
	}

	if cfg.Token == "" {
		return Config{}, fmt.Errorf("JWT_TOKEN is required")
	}
	if cfg.AudioRate <= 0 {
		return Config{}, fmt.Errorf("AUDIO_RATE must be positive")
	}
	if cfg.ChunkSize <= 0 {
		return Config{}, fmt.Errorf("CHUNK_SIZE must be positive")
	}
	if cfg.AudioQueueSize <= 0 {
		return Config{}, fmt.Errorf("AUDIO_QUEUE_SIZE must be positive")
	}
	if err := oneOf("AUDIO_BACKEND", cfg.AudioBackend, "sox", "null"); err != nil {
		return Config{}, err
	}
	if err := oneOf("INPUT_MODE", cfg.InputMode, "keyboard", "gpio", "none"); err != nil {
		return Config{}, err
	}
	if err := oneOf("GESTURE_MODE", cfg.GestureMode, "hold", "clicks"); err != nil {
		return Config{}, err
	}
	if cfg.ButtonPin < 0 {
		return Config{}, fmt.Errorf("BUTTON_PIN must be >= 0")
	}
	for _, d := range []struct {
		key string
		v   time.Duration
	}{
		{"LONG_PRESS_THRESHOLD", cfg.LongPressThreshold},
		{"CLICK_WINDOW", cfg.ClickWindow},
		{"HANDSHAKE_TIMEOUT", cfg.HandshakeTimeout},
		{"DISCONNECT_TIMEOUT", cfg.DisconnectTimeout},
		{"RECONNECT_BASE_DELAY", cfg.ReconnectBaseDelay},
		{"RECONNECT_MAX_DELAY", cfg.ReconnectMaxDelay},
	} {
		if d.v <= 0 {
			return Config{}, fmt.Errorf("%s must be positive", d.key)
		}
	}
	if cfg.ReconnectMaxDelay < cfg.ReconnectBaseDelay {
		return Config{}, fmt.Errorf("RECONNECT_MAX_DELAY must be >= RECONNECT_BASE_DELAY")
	}

	return cfg, nil
}

// LoadSupervisor reads the settings of the button supervisor.
func LoadSupervisor() (SupervisorConfig, error) {
	cfg := SupervisorConfig{
		PIDFile:       envOrDefault("PID_FILE", "/tmp/sesame_ws.pid"),
		ClientCommand: strings.Fields(stringsTrimSpace("CLIENT_COMMAND")),
		StopGrace:     5 * time.Second,
		ButtonPin:     19,
		ButtonBounce:  50 * time.Millisecond,
		ClickWindow:   500 * time.Millisecond,
		ClickCooldown: 2 * time.Second,
		LogLevel:      envOrDefault("LOG_LEVEL", "info"),
		LogFile:       envOrDefault("SUPERVISOR_LOG_FILE", "buttond.log"),
	}
	if cfg.LogFile == "-" {
		cfg.LogFile = ""
	}
	if len(cfg.ClientCommand) == 0 {
		cfg.ClientCommand = []string{defaultClientBinary()}
	}

	var err error
	if cfg.StopGrace, err = durationFromEnv("STOP_GRACE", cfg.StopGrace); err != nil {
		return SupervisorConfig{}, err
	}
	if cfg.ButtonPin, err = intFromEnv("SUPERVISOR_BUTTON_PIN", cfg.ButtonPin); err != nil {
		return SupervisorConfig{}, err
	}
	if cfg.ButtonBounce, err = durationFromEnv("BUTTON_BOUNCE", cfg.ButtonBounce); err != nil {
		return SupervisorConfig{}, err
	}
	if cfg.ClickWindow, err = durationFromEnv("CLICK_WINDOW", cfg.ClickWindow); err != nil {
		return SupervisorConfig{}, err
	}
	if cfg.ClickCooldown, err = durationFromEnv("CLICK_COOLDOWN", cfg.ClickCooldown); err != nil {
		return SupervisorConfig{}, err
	}

	if cfg.StopGrace <= 0 {
		return SupervisorConfig{}, fmt.Errorf("STOP_GRACE must be positive")
	}
	if cfg.ButtonPin < 0 {
		return SupervisorConfig{}, fmt.Errorf("SUPERVISOR_BUTTON_PIN must be >= 0")
	}
	if cfg.ClickWindow <= 0 {
		return SupervisorConfig{}, fmt.Errorf("CLICK_WINDOW must be positive")
	}
	return cfg, nil
}

// defaultClientBinary is the voicebutton binary next to the running
// executable, or plain "voicebutton" resolved through PATH.
func defaultClientBinary() string {
	exe, err := os.Executable()
	if err != nil {
		return "voicebutton"
	}
	candidate := filepath.Join(filepath.Dir(exe), "voicebutton")
	if _, err := os.Stat(candidate); err != nil {
		return "voicebutton"
	}
	return candidate
}

func oneOf(key, v string, allowed ...string) error {
	for _, a := range allowed {
		if v == a {
			return nil
		}
	}
	return fmt.Errorf("%s must be one of %s, got %q", key, strings.Join(allowed, ", "), v)
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
