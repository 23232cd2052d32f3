package fallback

import (
	"context"
	"fmt"
	"time"

	"github.com/sirupsen/logrus"

	"model-fallback/internal/modelref"
	"model-fallback/internal/opencode"
	"model-fallback/internal/storage"
)

// SweepOptions adjusts a single sweep pass.
type SweepOptions struct {
	// Force ignores the time since the last pass. Records still have to be
	// one interval old.
	Force bool
}

// SweepReport summarizes a sweep pass.
type SweepReport struct {
	// Ran is false when the whole pass was skipped; SkipReason says why.
	Ran        bool
	SkipReason string

	Scanned  int
	Restored int
	// CaughtUp counts sessions found already back on their original model.
	CaughtUp int
	Failed   int
	Skipped  int
}

func (s SweepReport) String() string {
	if !s.Ran {
		return "skipped: " + s.SkipReason
	}
	return fmt.Sprintf("scanned=%d restored=%d caught_up=%d failed=%d skipped=%d",
		s.Scanned, s.Restored, s.CaughtUp, s.Failed, s.Skipped)
}

type restoreResult struct {
	exhaustedAt storage.Timestamp
	attemptedAt storage.Timestamp
	restoredAt  storage.Timestamp
}

type sweepCandidate struct {
	sessionID string
	record    storage.FallbackRecord
}

// Sweep switches sessions that fell back at least one restore interval ago
// back to their original model. Passes closer together than one interval
// are skipped unless opts.Force is set, and a pass that starts while
// another one runs is skipped.
func (r *Runtime) Sweep(ctx context.Context, opts SweepOptions) SweepReport {
	if !r.cfg.Restore.Enabled {
		return SweepReport{SkipReason: "restore disabled"}
	}
	if !r.sweeping.CompareAndSwap(false, true) {
		return SweepReport{SkipReason: "sweep already running"}
	}
	defer r.sweeping.Store(false)

	interval := r.cfg.RestoreInterval()
	now := r.now()

	r.mu.Lock()
	if r.state == nil {
		r.mu.Unlock()
		return SweepReport{SkipReason: "no state loaded"}
	}
	if !opts.Force && !r.state.LastCheckAt.IsZero() && now.Sub(r.state.LastCheckAt.Time()) < interval {
		last := r.state.LastCheckAt.Time()
		r.mu.Unlock()
		r.log.Debugf("Skipping restore sweep; last pass at %s", last.Format("2006-01-02 15:04:05"))
		return SweepReport{SkipReason: "last pass less than one interval ago"}
	}
	r.state.LastCheckAt = storage.At(now)
	candidates := make([]sweepCandidate, 0, len(r.state.Sessions))
	for id, record := range r.state.Sessions {
		if record == nil {
			continue
		}
		candidates = append(candidates, sweepCandidate{sessionID: id, record: *record})
	}
	r.mu.Unlock()

	report := SweepReport{Ran: true}
	results := make(map[string]restoreResult)
	for _, c := range candidates {
		if ctx.Err() != nil {
			break
		}
		report.Scanned++

		logger := r.log.WithField("session", c.sessionID)
		result, status := r.restoreSession(ctx, logger, c, interval)
		switch status {
		case restoreDone:
			report.Restored++
		case restoreCaughtUp:
			report.CaughtUp++
		case restoreFailed:
			report.Failed++
		default:
			report.Skipped++
		}
		if status != restoreSkipped {
			results[c.sessionID] = result
		}
	}

	r.applyRestoreResults(results)
	if err := r.flush(); err != nil {
		r.log.Errorf("Failed to persist sweep results: %v", err)
	}

	r.log.Infof("Restore sweep finished: %s", report)
	return report
}

type restoreStatus int

const (
	restoreSkipped restoreStatus = iota
	restoreDone
	restoreCaughtUp
	restoreFailed
)

func (r *Runtime) restoreSession(ctx context.Context, logger logrus.FieldLogger, c sweepCandidate, interval time.Duration) (restoreResult, restoreStatus) {
	record := c.record
	result := restoreResult{exhaustedAt: record.ExhaustedAt}

	// Restored records are inspected every pass but stay inert until a new
	// fallback replaces them.
	if record.Restored() {
		return result, restoreSkipped
	}
	if record.ExhaustedAt.IsZero() || r.now().Sub(record.ExhaustedAt.Time()) < interval {
		return result, restoreSkipped
	}

	originalText := record.OriginalModel
	if originalText == "" {
		originalText = r.cfg.PrimaryModel
	}
	fallbackText := record.FallbackModel
	if fallbackText == "" {
		fallbackText = r.cfg.FallbackModel
	}
	original, err := modelref.Parse(originalText)
	if err != nil {
		logger.Warnf("Cannot restore, original model: %v", err)
		return result, restoreSkipped
	}
	fallbackModel, err := modelref.Parse(fallbackText)
	if err != nil {
		logger.Warnf("Cannot restore, fallback model: %v", err)
		return result, restoreSkipped
	}

	current := r.sessionModel(ctx, logger, c.sessionID)
	if current != nil {
		switch {
		case current.Equal(original):
			result.restoredAt = storage.At(r.now())
			logger.Infof("Session already back on %s", original)
			return result, restoreCaughtUp
		case !current.Equal(fallbackModel):
			logger.Debugf("Session moved to %s; not restoring", current)
			return result, restoreSkipped
		}
	}

	callCtx, cancel := r.callContext(ctx)
	err = r.host.SetSessionModel(callCtx, c.sessionID, original)
	cancel()
	result.attemptedAt = storage.At(r.now())
	if err != nil {
		logger.Warnf("Failed to restore %s: %v", original, err)
		return result, restoreFailed
	}

	result.restoredAt = result.attemptedAt
	logger.Infof("Restored session to %s", original)
	if r.cfg.Notify.ToastOnRestore {
		r.toast(ctx, fmt.Sprintf("Switched back to %s.", original), opencode.ToastSuccess)
	}
	return result, restoreDone
}

// applyRestoreResults writes sweep results into the state. Records replaced
// by a new fallback during the pass are left alone.
func (r *Runtime) applyRestoreResults(results map[string]restoreResult) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil {
		return
	}
	for id, result := range results {
		record, ok := r.state.Sessions[id]
		if !ok || record == nil || record.ExhaustedAt != result.exhaustedAt {
			continue
		}
		if !result.attemptedAt.IsZero() {
			record.LastRestoreAttemptAt = result.attemptedAt
		}
		if !result.restoredAt.IsZero() {
			record.RestoredAt = result.restoredAt
		}
	}
}
