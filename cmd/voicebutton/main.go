package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ent0n29/voicebutton/internal/app"
	"github.com/ent0n29/voicebutton/internal/config"
	"github.com/ent0n29/voicebutton/internal/input"
	"github.com/ent0n29/voicebutton/internal/logging"
	"github.com/ent0n29/voicebutton/internal/transport"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "voicebutton: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	if err := config.LoadDotEnv(); err != nil {
		return err
	}
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("config error: %w", err)
	}

	logger, err := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
		Console: true,
		App:     "voicebutton",
	})
	if err != nil {
		return fmt.Errorf("logging init failed: %w", err)
	}
	defer logger.Close()
	log := logger.Component("main")

	if exp, err := transport.TokenExpiry(cfg.Token); err != nil {
		log.Warn().Err(err).Msg("could not read token expiry")
	} else if !exp.IsZero() {
		log.Info().Time("expires_at", exp).Msg("token loaded")
	}
	if err := transport.ValidateToken(cfg.Token, time.Now()); err != nil {
		log.Error().Err(err).Msg("token rejected locally; sessions will not start until it is replaced")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	res, err := app.Build(ctx, cfg, logger)
	if err != nil {
		return err
	}
	log.Info().
		Str("audio", res.Audio.Backend).
		Str("audio_detail", res.Audio.Detail).
		Str("input", cfg.InputMode).
		Str("gesture_mode", string(res.Detector.Mode())).
		Str("log_file", logger.Path()).
		Msg("voicebutton ready")

	// The controller outlives ctx so that shutdown can still send
	// call_disconnect after the signal arrived.
	runCtx, runCancel := context.WithCancel(context.Background())
	defer runCancel()
	runDone := make(chan error, 1)
	go func() { runDone <- res.Controller.Run(runCtx) }()

	var httpServer *http.Server
	if cfg.BindAddr != "" {
		httpServer = &http.Server{
			Addr:              cfg.BindAddr,
			Handler:           res.API.Router(),
			ReadHeaderTimeout: 5 * time.Second,
		}
		go func() {
			log.Info().Str("addr", cfg.BindAddr).Msg("control server listening")
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.Error().Err(err).Msg("control server failed")
				stop()
			}
		}()
	}

	if res.Input != nil {
		go func() {
			err := res.Input.Run(ctx, res.Detector.Handle)
			switch {
			case errors.Is(err, input.ErrQuit):
				log.Info().Msg("quit requested from input")
				stop()
			case err != nil:
				log.Error().Err(err).Msg("input source failed")
				stop()
			}
		}()
	}

	if cfg.AutoStart {
		if err := res.Controller.Start(); err != nil {
			log.Error().Err(err).Msg("auto start failed")
		}
	}

	<-ctx.Done()
	log.Info().Msg("shutdown signal received")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	if err := res.Controller.Shutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("session did not stop gracefully")
	}
	if httpServer != nil {
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Warn().Err(err).Msg("graceful http shutdown failed")
			_ = httpServer.Close()
		}
	}
	runCancel()
	if err := <-runDone; err != nil && !errors.Is(err, context.Canceled) {
		log.Warn().Err(err).Msg("controller exited with error")
	}
	if err := res.Cleanup(); err != nil {
		log.Warn().Err(err).Msg("cleanup failed")
	}

	log.Info().Msg("shutdown complete")
	return nil
}
