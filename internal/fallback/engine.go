package fallback

import (
	"context"
	"fmt"
	"strings"

	"github.com/sirupsen/logrus"

	"model-fallback/internal/modelref"
	"model-fallback/internal/opencode"
	"model-fallback/internal/storage"
)

// Action describes how an event was handled.
type Action string

const (
	ActionIgnored         Action = "ignored"
	ActionNoMatch         Action = "no-match"
	ActionNoSession       Action = "no-session"
	ActionDuplicate       Action = "duplicate"
	ActionUnlicensed      Action = "unlicensed"
	ActionMisconfigured   Action = "misconfigured"
	ActionOffPrimary      Action = "off-primary"
	ActionNothingToReplay Action = "nothing-to-replay"
	ActionDeclined        Action = "declined"
	ActionFailed          Action = "failed"
	ActionFellBack        Action = "fell-back"
)

// Outcome is the result of HandleEvent.
type Outcome struct {
	Action    Action
	SessionID string
	Reason    string

	// Set when the session was switched.
	From *modelref.Ref
	To   modelref.Ref
}

// HandleEvent evaluates one server event and, when it reports a credit
// exhaustion on a session running the primary provider, resends the
// session's last user message on the fallback model. It never panics and
// never returns an error; failures are logged and reported in the Outcome.
func (r *Runtime) HandleEvent(ctx context.Context, event opencode.Event) (outcome Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.WithField("session", outcome.SessionID).Errorf("Recovered from panic while handling %s: %v", event.Type, rec)
			outcome.Action = ActionFailed
			outcome.Reason = fmt.Sprintf("panic: %v", rec)
		}
	}()

	if !r.cfg.Enabled {
		return Outcome{Action: ActionIgnored, Reason: "disabled"}
	}
	if event.Type != opencode.EventSessionError {
		return Outcome{Action: ActionIgnored, Reason: "event type " + event.Type}
	}

	doc := eventDocument(event)
	signals := extractSignals(doc)
	matched, rule := matchTrigger(r.cfg.Trigger, signals)
	if !matched {
		r.log.Debugf("Session error does not look like credit exhaustion: %s", signals)
		return Outcome{Action: ActionNoMatch}
	}

	sessionID := extractSessionID(doc)
	if sessionID == "" {
		r.log.Warnf("Credit exhaustion (%s) reported without a session id", rule)
		return Outcome{Action: ActionNoSession, Reason: rule}
	}
	outcome.SessionID = sessionID
	logger := r.log.WithField("session", sessionID)

	if !r.attempted.begin(sessionID) {
		return Outcome{Action: ActionDuplicate, SessionID: sessionID}
	}
	defer r.attempted.release(sessionID)

	logger.Infof("Credit exhaustion detected (%s)", rule)
	return r.fallBack(ctx, logger, sessionID)
}

func (r *Runtime) fallBack(ctx context.Context, logger logrus.FieldLogger, sessionID string) Outcome {
	abort := func(action Action, reason string) Outcome {
		return Outcome{Action: action, SessionID: sessionID, Reason: reason}
	}

	if err := r.checkLicensing(ctx); err != nil {
		logger.Warnf("Fallback not allowed: %v", err)
		return abort(ActionUnlicensed, err.Error())
	}

	fallbackModel, err := modelref.Parse(r.cfg.FallbackModel)
	if err != nil {
		logger.Errorf("Invalid fallbackModel: %v", err)
		return abort(ActionMisconfigured, err.Error())
	}
	var primary *modelref.Ref
	if r.cfg.PrimaryModel != "" {
		if ref, err := modelref.Parse(r.cfg.PrimaryModel); err != nil {
			logger.Errorf("Invalid primaryModel, ignoring it: %v", err)
		} else {
			primary = &ref
		}
	}

	current := r.sessionModel(ctx, logger, sessionID)
	if current != nil && primary != nil && !current.SameProvider(*primary) {
		logger.Infof("Session is on %s, not on primary provider %s; leaving it alone", current, primary.ProviderID)
		return abort(ActionOffPrimary, "session on "+current.String())
	}

	callCtx, cancel := r.callContext(ctx)
	message, err := r.host.LastUserMessage(callCtx, sessionID)
	cancel()
	if err != nil {
		logger.Warnf("Failed to fetch last user message: %v", err)
		return abort(ActionFailed, err.Error())
	}
	if message == nil || len(message.Parts) == 0 {
		logger.Warn("No user message to resend")
		return abort(ActionNothingToReplay, "no user message")
	}

	if r.cfg.Notify.ConfirmBeforeFallback && r.confirmer != nil {
		question := fmt.Sprintf("Session %s ran out of credits. Switch to %s and resend the last message?", sessionID, fallbackModel)
		ok, err := r.confirmer.Confirm(ctx, question)
		if err != nil {
			logger.Warnf("Confirmation failed, treating as declined: %v", err)
		}
		if err != nil || !ok {
			r.attempted.mark(sessionID)
			logger.Info("Fallback declined")
			return abort(ActionDeclined, "declined")
		}
	}

	r.attempted.mark(sessionID)

	callCtx, cancel = r.callContext(ctx)
	err = r.host.SendPrompt(callCtx, sessionID, fallbackModel, replayParts(message.Parts))
	cancel()
	if err != nil {
		logger.Errorf("Failed to resend last message on %s: %v", fallbackModel, err)
		return abort(ActionFailed, err.Error())
	}

	original := current
	if original == nil {
		original = primary
	}
	r.recordFallback(sessionID, original, fallbackModel)
	if err := r.flush(); err != nil {
		logger.Errorf("Failed to persist fallback: %v", err)
	}

	logger.WithFields(logrus.Fields{
		"from": refString(original),
		"to":   fallbackModel.String(),
	}).Info("Switched session to fallback model")

	if r.cfg.Notify.ToastOnFallback {
		r.toast(ctx, fmt.Sprintf("Out of credits on %s. Switched to %s and resent your last message.", refOr(original, "the primary model"), fallbackModel), opencode.ToastWarning)
	}

	return Outcome{Action: ActionFellBack, SessionID: sessionID, From: original, To: fallbackModel}
}

// checkLicensing verifies every required provider is connected.
func (r *Runtime) checkLicensing(ctx context.Context) error {
	required := r.cfg.Licensing.RequiredProviders
	if len(required) == 0 {
		return nil
	}

	callCtx, cancel := r.callContext(ctx)
	defer cancel()
	providers, err := r.host.ListProviders(callCtx)
	if err != nil {
		return fmt.Errorf("failed to list providers: %w", err)
	}
	if len(providers) == 0 {
		return fmt.Errorf("no providers available")
	}

	available := make(map[string]bool, len(providers))
	for _, p := range providers {
		available[strings.ToLower(p.ID)] = true
	}
	var missing []string
	for _, id := range required {
		if !available[strings.ToLower(strings.TrimSpace(id))] {
			missing = append(missing, id)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("required providers not available: %s", strings.Join(missing, ", "))
	}
	return nil
}

// sessionModel returns the session's current model, or nil when it cannot
// be determined.
func (r *Runtime) sessionModel(ctx context.Context, logger logrus.FieldLogger, sessionID string) *modelref.Ref {
	callCtx, cancel := r.callContext(ctx)
	defer cancel()
	model, err := r.host.SessionModel(callCtx, sessionID)
	if err != nil {
		logger.Debugf("Could not read session model: %v", err)
		return nil
	}
	return model
}

func (r *Runtime) recordFallback(sessionID string, original *modelref.Ref, fallbackModel modelref.Ref) {
	now := storage.At(r.now())

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.state == nil {
		return
	}
	r.state.Sessions[sessionID] = &storage.FallbackRecord{
		ExhaustedAt:    now,
		LastFallbackAt: now,
		OriginalModel:  refString(original),
		FallbackModel:  fallbackModel.String(),
	}
}

// replayParts copies the message parts for resending.
func replayParts(parts []opencode.MessagePart) []opencode.MessagePart {
	replay := make([]opencode.MessagePart, len(parts))
	copy(replay, parts)
	return replay
}

func refString(ref *modelref.Ref) string {
	if ref == nil {
		return ""
	}
	return ref.String()
}

func refOr(ref *modelref.Ref, fallback string) string {
	if ref == nil {
		return fallback
	}
	return ref.String()
}
