package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"model-fallback/internal/fallback"
	"model-fallback/internal/notify"
	"model-fallback/internal/opencode"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Watch the OpenCode event stream (default)",
	RunE:  runDaemon,
}

func init() {
	rootCmd.AddCommand(runCmd)
}

func runDaemon(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	logger, err := setupLogging(cfg)
	if err != nil {
		return err
	}
	logger.Info("Starting model fallback sidecar")
	if cfg.Path != "" {
		logger.Infof("Configuration: %s", cfg.Path)
	}
	for _, warning := range cfg.Warnings() {
		logger.Warn(warning)
	}

	client := opencode.NewClient(cfg.OpenCode.URL, cfg.OpenCode.Timeout)

	if cfg.OpenCode.ForwardLogs {
		hook := opencode.NewLogHook(client)
		logger.AddHook(hook)
		logrus.StandardLogger().AddHook(hook)
		defer hook.Close()
	}

	// Test OpenCode connection
	healthCtx, healthCancel := context.WithTimeout(cmd.Context(), 5*time.Second)
	if err := client.HealthCheck(healthCtx); err != nil {
		logger.Warnf("OpenCode health check failed: %v", err)
		// Continue anyway, as the server might become available later
	} else {
		logger.Infof("Connected to OpenCode at %s", cfg.OpenCode.URL)
	}
	healthCancel()

	store, err := openStore(cfg)
	if err != nil {
		return err
	}
	defer store.Close()

	notifiers := []notify.Notifier{client}
	var confirmer fallback.Confirmer
	if cfg.Telegram.Enabled {
		tg, err := notify.NewTelegram(cfg.Telegram)
		if err != nil {
			return err
		}
		tg.Start()
		defer tg.Stop()
		notifiers = append(notifiers, tg)
		if cfg.Notify.ConfirmVia == "telegram" {
			confirmer = tg
		}
	}
	if cfg.Notify.ConfirmVia == "terminal" {
		confirmer = notify.NewTerminal()
	}

	opts := []fallback.Option{
		fallback.WithLogger(logger),
		fallback.WithNotifier(notify.NewMulti(notifiers...)),
	}
	if confirmer != nil {
		opts = append(opts, fallback.WithConfirmer(confirmer))
	}
	runtime, err := fallback.NewRuntime(cfg, client, store, opts...)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	runtime.Start(ctx)

	pump := newEventPump(client, runtime, logger)
	logger.Info("Watching OpenCode events. Press Ctrl+C to exit.")
	pump.Run(ctx)

	logger.Info("Shutting down...")
	if err := runtime.Close(); err != nil {
		logger.Errorf("Failed to save state on shutdown: %v", err)
	}
	logger.Info("Shutdown complete")
	return nil
}

const (
	reconnectMinDelay = 200 * time.Millisecond
	reconnectMaxDelay = 3 * time.Second
)

type eventSource interface {
	StreamEvents(ctx context.Context, callback func(opencode.Event) error) error
}

type eventHandler interface {
	HandleEvent(ctx context.Context, event opencode.Event) fallback.Outcome
}

// eventPump feeds server events to the handler one at a time and
// reconnects with exponential backoff when the stream drops.
type eventPump struct {
	source  eventSource
	handler eventHandler
	log     logrus.FieldLogger

	minDelay time.Duration
	maxDelay time.Duration
}

func newEventPump(source eventSource, handler eventHandler, logger logrus.FieldLogger) *eventPump {
	return &eventPump{
		source:   source,
		handler:  handler,
		log:      logger,
		minDelay: reconnectMinDelay,
		maxDelay: reconnectMaxDelay,
	}
}

// Run blocks until ctx ends.
func (p *eventPump) Run(ctx context.Context) {
	delay := p.minDelay
	for {
		err := p.source.StreamEvents(ctx, func(event opencode.Event) error {
			delay = p.minDelay
			p.dispatch(ctx, event)
			return nil
		})
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			p.log.Warnf("Event stream disconnected: %v; reconnecting in %v", err, delay)
		} else {
			p.log.Infof("Event stream closed; reconnecting in %v", delay)
		}

		timer := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		delay *= 2
		if delay > p.maxDelay {
			delay = p.maxDelay
		}
	}
}

func (p *eventPump) dispatch(ctx context.Context, event opencode.Event) {
	if event.IsKeepAlive() {
		return
	}
	outcome := p.handler.HandleEvent(ctx, event)
	switch outcome.Action {
	case fallback.ActionIgnored, fallback.ActionNoMatch:
		return
	}
	p.log.WithFields(logrus.Fields{
		"session": outcome.SessionID,
		"action":  string(outcome.Action),
	}).Debugf("Handled %s: %s", event.Type, outcome.Reason)
}
