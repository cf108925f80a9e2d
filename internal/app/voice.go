package app

import (
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/ent0n29/voicebutton/internal/audio"
	"github.com/ent0n29/voicebutton/internal/config"
	"github.com/ent0n29/voicebutton/internal/gesture"
	"github.com/ent0n29/voicebutton/internal/input"
	"github.com/ent0n29/voicebutton/internal/logging"
)

type AudioInfo struct {
	Backend string
	Detail  string
}

type audioSetup struct {
	device audio.Device
	info   AudioInfo
}

func resolveAudioDevice(cfg config.Config, logger *logging.Logger) (audioSetup, error) {
	backend := strings.ToLower(strings.TrimSpace(cfg.AudioBackend))
	switch backend {
	case "null":
		return audioSetup{
			device: audio.NullDevice{},
			info:   AudioInfo{Backend: "null", Detail: "no capture, playback discarded"},
		}, nil
	case "", "sox":
		bin, err := exec.LookPath("sox")
		if err != nil {
			return audioSetup{}, fmt.Errorf("AUDIO_BACKEND=sox but sox is not installed: %w", err)
		}
		return audioSetup{
			device: audio.SoxDevice{Binary: bin, Log: logger.Component("sox")},
			info:   AudioInfo{Backend: "sox", Detail: bin},
		}, nil
	default:
		return audioSetup{}, fmt.Errorf("invalid AUDIO_BACKEND: %q (expected sox|null)", cfg.AudioBackend)
	}
}

func resolveInput(cfg config.Config, mode gesture.Mode, logger *logging.Logger) (input.Source, error) {
	switch strings.ToLower(strings.TrimSpace(cfg.InputMode)) {
	case "none":
		return nil, nil
	case "", "keyboard":
		// Hold gestures need a release, so the key toggles in hold mode.
		return input.NewKeyboard(os.Stdin, mode == gesture.ModeHold, logger.Component("keyboard")), nil
	case "gpio":
		btn, err := input.OpenGPIO(cfg.ButtonPin, cfg.ButtonBounce, logger.Component("gpio"))
		if err != nil {
			return nil, fmt.Errorf("gpio button init failed: %w", err)
		}
		return btn, nil
	default:
		return nil, fmt.Errorf("invalid INPUT_MODE: %q (expected keyboard|gpio|none)", cfg.InputMode)
	}
}
