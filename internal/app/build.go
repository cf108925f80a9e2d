package app

import (
	"context"
	"errors"
	"fmt"

	"github.com/ent0n29/voicebutton/internal/audio"
	"github.com/ent0n29/voicebutton/internal/config"
	"github.com/ent0n29/voicebutton/internal/gesture"
	"github.com/ent0n29/voicebutton/internal/httpapi"
	"github.com/ent0n29/voicebutton/internal/input"
	"github.com/ent0n29/voicebutton/internal/logging"
	"github.com/ent0n29/voicebutton/internal/observability"
	"github.com/ent0n29/voicebutton/internal/session"
	"github.com/ent0n29/voicebutton/internal/transport"
)

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Controller *session.Controller
	Pipeline   *audio.Pipeline
	Detector   *gesture.Detector
	Metrics    *observability.Metrics
	Audio      AudioInfo

	// Input is nil when INPUT_MODE=none.
	Input input.Source

	// Cleanup should be called on shutdown, after the controller has stopped.
	Cleanup func() error
}

func Build(_ context.Context, cfg config.Config, logger *logging.Logger) (*BuildResult, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	client, err := transport.NewClient(transport.Config{
		URL:                cfg.VoiceURL,
		Token:              cfg.Token,
		ClientName:         cfg.ClientName,
		Timezone:           cfg.Timezone,
		Character:          cfg.Character,
		BaseDelay:          cfg.ReconnectBaseDelay,
		MaxDelay:           cfg.ReconnectMaxDelay,
		InsecureSkipVerify: cfg.TLSInsecureSkipVerify,
	}, logger.Component("transport"))
	if err != nil {
		return nil, fmt.Errorf("transport init failed: %w", err)
	}
	client.SetRetryHook(metrics.ReconnectScheduled)

	audioSetup, err := resolveAudioDevice(cfg, logger)
	if err != nil {
		return nil, err
	}
	pipeline := audio.NewPipeline(audioSetup.device, audio.Options{
		ChunkSize: cfg.ChunkSize,
		QueueSize: cfg.AudioQueueSize,
		Observer:  metrics,
	}, logger.Component("audio"))

	ctrl := session.NewController(session.Config{
		InputRate:         cfg.AudioRate,
		ClientName:        cfg.ClientName,
		Timezone:          cfg.Timezone,
		Character:         cfg.Character,
		HandshakeTimeout:  cfg.HandshakeTimeout,
		DisconnectTimeout: cfg.DisconnectTimeout,
	}, client, pipeline, metrics, logger.Component("session"))

	mode, err := gesture.ParseMode(cfg.GestureMode)
	if err != nil {
		return nil, err
	}
	detector := gesture.NewDetector(gesture.Options{
		Mode:               mode,
		LongPressThreshold: cfg.LongPressThreshold,
		ClickWindow:        cfg.ClickWindow,
		ClickCooldown:      cfg.ClickCooldown,
		Clock:              gesture.RealClock{},
	}, func(g gesture.Gesture) {
		metrics.GestureDetected(g)
		ctrl.HandleGesture(g)
	})

	src, err := resolveInput(cfg, mode, logger)
	if err != nil {
		detector.Close()
		return nil, err
	}

	return &BuildResult{
		Config:     cfg,
		API:        httpapi.New(ctrl, metrics, logger.Component("http")),
		Controller: ctrl,
		Pipeline:   pipeline,
		Detector:   detector,
		Metrics:    metrics,
		Audio:      audioSetup.info,
		Input:      src,
		Cleanup: func() error {
			detector.Close()
			var errs []error
			if src != nil {
				errs = append(errs, src.Close())
			}
			if pipeline.Running() {
				errs = append(errs, pipeline.Stop())
			}
			return errors.Join(errs...)
		},
	}, nil
}
