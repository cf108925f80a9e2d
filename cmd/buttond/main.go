//go:build unix

// Command buttond watches a second push button and starts or stops the
// voicebutton client process: a single click starts it, a triple click
// stops it.
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ent0n29/voicebutton/internal/config"
	"github.com/ent0n29/voicebutton/internal/gesture"
	"github.com/ent0n29/voicebutton/internal/input"
	"github.com/ent0n29/voicebutton/internal/logging"
	"github.com/ent0n29/voicebutton/internal/supervisor"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type env struct {
	cfg    config.SupervisorConfig
	logger *logging.Logger
	mgr    *supervisor.Manager
}

func setup(console bool) (*env, error) {
	if err := config.LoadDotEnv(); err != nil {
		return nil, err
	}
	cfg, err := config.LoadSupervisor()
	if err != nil {
		return nil, fmt.Errorf("config error: %w", err)
	}
	logger, err := logging.New(logging.Config{
		Level:   cfg.LogLevel,
		File:    cfg.LogFile,
		Console: console,
		App:     "buttond",
	})
	if err != nil {
		return nil, fmt.Errorf("logging init failed: %w", err)
	}
	return &env{
		cfg:    cfg,
		logger: logger,
		mgr: &supervisor.Manager{
			PIDFile: cfg.PIDFile,
			Command: cfg.ClientCommand,
			Stdout:  os.Stdout,
			Stderr:  os.Stderr,
			Grace:   cfg.StopGrace,
			Log:     logger.Component("supervisor"),
		},
	}, nil
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "buttond",
		Short:         "Start and stop the voice client from a push button",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	root.AddCommand(newRunCmd(), newStartCmd(), newStopCmd(), newStatusCmd())
	return root
}

func newRunCmd() *cobra.Command {
	var keyboard bool
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Watch the button until interrupted",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := setup(true)
			if err != nil {
				return err
			}
			defer e.logger.Close()
			return watch(cmd.Context(), e, keyboard)
		},
	}
	cmd.Flags().BoolVar(&keyboard, "keyboard", false, "use the space key instead of the GPIO button")
	return cmd
}

func newStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the voice client",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := setup(false)
			if err != nil {
				return err
			}
			defer e.logger.Close()
			pid, err := e.mgr.Start()
			if errors.Is(err, supervisor.ErrAlreadyRunning) {
				cmd.Printf("already running (pid %d)\n", pid)
				return nil
			}
			if err != nil {
				return err
			}
			cmd.Printf("started (pid %d)\n", pid)
			return nil
		},
	}
}

func newStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Stop the voice client",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := setup(false)
			if err != nil {
				return err
			}
			defer e.logger.Close()
			err = e.mgr.Stop(cmd.Context())
			if errors.Is(err, supervisor.ErrNotRunning) {
				cmd.Println("not running")
				return nil
			}
			if err != nil {
				return err
			}
			cmd.Println("stopped")
			return nil
		},
	}
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Report whether the voice client is running",
		RunE: func(cmd *cobra.Command, _ []string) error {
			e, err := setup(false)
			if err != nil {
				return err
			}
			defer e.logger.Close()
			if pid, ok := e.mgr.IsRunning(); ok {
				cmd.Printf("running (pid %d)\n", pid)
			} else {
				cmd.Println("not running")
			}
			return nil
		},
	}
}

func watch(parent context.Context, e *env, keyboard bool) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()
	log := e.logger.Component("buttond")

	var src input.Source
	if keyboard {
		src = input.NewKeyboard(os.Stdin, false, e.logger.Component("keyboard"))
	} else {
		btn, err := input.OpenGPIO(e.cfg.ButtonPin, e.cfg.ButtonBounce, e.logger.Component("gpio"))
		if err != nil {
			return fmt.Errorf("gpio button init failed: %w", err)
		}
		src = btn
	}
	defer src.Close()

	// Gestures arrive on timer goroutines; process start/stop here so a
	// slow stop never blocks the click counter.
	gestures := make(chan gesture.Gesture, 4)
	detector := gesture.NewDetector(gesture.Options{
		Mode:          gesture.ModeClicks,
		ClickWindow:   e.cfg.ClickWindow,
		ClickCooldown: e.cfg.ClickCooldown,
		Clock:         gesture.RealClock{},
	}, func(g gesture.Gesture) {
		select {
		case gestures <- g:
		default:
			log.Warn().Str("gesture", string(g.Kind)).Msg("gesture queue full, dropping")
		}
	})
	defer detector.Close()

	srcErr := make(chan error, 1)
	go func() { srcErr <- src.Run(ctx, detector.Handle) }()

	log.Info().Int("pin", e.cfg.ButtonPin).Bool("keyboard", keyboard).Msg("watching button")
	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("shutdown signal received")
			return nil
		case err := <-srcErr:
			if err == nil || errors.Is(err, input.ErrQuit) {
				return nil
			}
			return err
		case g := <-gestures:
			handleGesture(ctx, e.mgr, g, log)
		}
	}
}

func handleGesture(ctx context.Context, mgr *supervisor.Manager, g gesture.Gesture, log zerolog.Logger) {
	switch g.Kind {
	case gesture.ShortPress:
		pid, err := mgr.Start()
		switch {
		case errors.Is(err, supervisor.ErrAlreadyRunning):
			log.Info().Int("pid", pid).Msg("client already running")
		case err != nil:
			log.Error().Err(err).Msg("start client failed")
		}
	case gesture.TripleClick:
		err := mgr.Stop(ctx)
		switch {
		case errors.Is(err, supervisor.ErrNotRunning):
			log.Info().Msg("client not running")
		case err != nil:
			log.Error().Err(err).Msg("stop client failed")
		}
	}
}
