package fallback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"model-fallback/internal/config"
	"model-fallback/internal/storage"
)

// Runtime is shared by the decision engine and the restore sweeper. It owns
// the persisted state, the attempted-session set and the sweep ticker.
type Runtime struct {
	cfg       *config.Config
	host      Host
	store     storage.Store
	notifier  Notifier
	confirmer Confirmer
	log       logrus.FieldLogger
	now       func() time.Time

	callTimeout time.Duration

	mu    sync.Mutex
	state *storage.State

	// saveMu orders snapshots and writes so an older snapshot never lands
	// after a newer one.
	saveMu sync.Mutex

	attempted *attemptedSet
	sweeping  atomic.Bool

	cancel    context.CancelFunc
	wg        sync.WaitGroup
	closeOnce sync.Once
}

// Option customizes a Runtime.
type Option func(*Runtime)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(r *Runtime) {
		if now != nil {
			r.now = now
		}
	}
}

// WithNotifier sets where fallback and restore toasts go.
func WithNotifier(n Notifier) Option {
	return func(r *Runtime) { r.notifier = n }
}

// WithConfirmer enables asking before a fallback when the configuration
// requests it.
func WithConfirmer(c Confirmer) Option {
	return func(r *Runtime) { r.confirmer = c }
}

// WithLogger sets the logger. The default is the logrus standard logger.
func WithLogger(l logrus.FieldLogger) Option {
	return func(r *Runtime) {
		if l != nil {
			r.log = l
		}
	}
}

// WithCallTimeout bounds each host call. Defaults to opencode.timeout.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Runtime) {
		if d > 0 {
			r.callTimeout = d
		}
	}
}

// NewRuntime loads the persisted state from store and returns a Runtime
// ready to handle events. Call Start to begin sweeping.
func NewRuntime(cfg *config.Config, host Host, store storage.Store, opts ...Option) (*Runtime, error) {
	if cfg == nil {
		return nil, errors.New("nil config")
	}
	if host == nil {
		return nil, errors.New("nil host")
	}
	if store == nil {
		return nil, errors.New("nil store")
	}

	r := &Runtime{
		cfg:         cfg,
		host:        host,
		store:       store,
		log:         logrus.StandardLogger(),
		now:         time.Now,
		callTimeout: time.Duration(cfg.OpenCode.Timeout) * time.Second,
		attempted:   newAttemptedSet(),
	}
	for _, opt := range opts {
		opt(r)
	}
	if r.callTimeout <= 0 {
		r.callTimeout = 30 * time.Second
	}

	state, err := store.Load()
	if err != nil {
		return nil, fmt.Errorf("failed to load fallback state: %w", err)
	}
	if state == nil {
		state = storage.NewState()
	}
	r.state = state

	r.log.WithField("sessions", len(state.Sessions)).Debug("Loaded fallback state")
	return r, nil
}

// Start runs one sweep immediately and then one per restore interval until
// ctx ends or Close is called. It does nothing when restore is disabled.
func (r *Runtime) Start(ctx context.Context) {
	if !r.cfg.Restore.Enabled {
		r.log.Info("Restore sweeps disabled")
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	r.cancel = cancel

	interval := r.cfg.RestoreInterval()
	r.log.Infof("Restore sweep every %v", interval)

	r.wg.Add(1)
	go r.runSweeper(ctx, interval)
}

func (r *Runtime) runSweeper(ctx context.Context, interval time.Duration) {
	defer r.wg.Done()

	r.Sweep(ctx, SweepOptions{})

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			r.Sweep(ctx, SweepOptions{})
		}
	}
}

// Close stops the sweep ticker, waits for a running sweep and writes the
// state one last time. Later sweeps are no-ops.
func (r *Runtime) Close() error {
	var err error
	r.closeOnce.Do(func() {
		if r.cancel != nil {
			r.cancel()
		}
		r.wg.Wait()

		err = r.flush()

		r.mu.Lock()
		r.state = nil
		r.mu.Unlock()
	})
	return err
}

// Snapshot returns a copy of the current state, or nil after Close.
func (r *Runtime) Snapshot() *storage.State {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil {
		return nil
	}
	return r.state.Clone()
}

// Attempted reports whether sessionID was offered a fallback by this
// process.
func (r *Runtime) Attempted(sessionID string) bool {
	return r.attempted.contains(sessionID)
}

// flush writes a copy of the state to the store.
func (r *Runtime) flush() error {
	r.saveMu.Lock()
	defer r.saveMu.Unlock()

	r.mu.Lock()
	if r.state == nil {
		r.mu.Unlock()
		return nil
	}
	snapshot := r.state.Clone()
	r.mu.Unlock()

	if err := r.store.Save(snapshot); err != nil {
		return fmt.Errorf("failed to save fallback state: %w", err)
	}
	return nil
}

func (r *Runtime) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, r.callTimeout)
}

// toast delivers a best-effort notification.
func (r *Runtime) toast(ctx context.Context, message, variant string) {
	if r.notifier == nil {
		return
	}
	callCtx, cancel := r.callContext(ctx)
	defer cancel()
	if err := r.notifier.Toast(callCtx, message, variant); err != nil {
		r.log.Debugf("Toast failed: %v", err)
	}
}
