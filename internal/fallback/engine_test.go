package fallback

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"model-fallback/internal/modelref"
	"model-fallback/internal/opencode"
	"model-fallback/internal/storage"
)

func TestHandleEventFallsBackAndReplays(t *testing.T) {
	rig := newTestRig(t, testConfig())
	rig.host.setModel("ses_1", "azure/gpt")
	rig.host.setUserText("ses_1", "hi")

	outcome := rig.runtime.HandleEvent(context.Background(), sessionError(t, "ses_1", 429))

	require.Equal(t, ActionFellBack, outcome.Action, outcome.Reason)
	assert.Equal(t, "ses_1", outcome.SessionID)
	assert.Equal(t, modelref.Ref{ProviderID: "local", ModelID: "qwen"}, outcome.To)

	prompts := rig.host.Prompts()
	require.Len(t, prompts, 1)
	assert.Equal(t, "ses_1", prompts[0].SessionID)
	assert.Equal(t, modelref.Ref{ProviderID: "local", ModelID: "qwen"}, prompts[0].Model)
	assert.Equal(t, []opencode.MessagePart{{Type: "text", Text: "hi"}}, prompts[0].Parts)

	saved := rig.store.Saved()
	require.NotNil(t, saved)
	record := saved.Sessions["ses_1"]
	require.NotNil(t, record)
	assert.Equal(t, "local/qwen", record.FallbackModel)
	assert.Equal(t, "azure/gpt", record.OriginalModel)
	assert.Equal(t, rig.clock.Now().UnixMilli(), int64(record.ExhaustedAt))
	assert.Equal(t, record.ExhaustedAt, record.LastFallbackAt)
	assert.True(t, record.RestoredAt.IsZero())

	toasts := rig.notifier.Toasts()
	require.Len(t, toasts, 1)
	assert.Equal(t, opencode.ToastWarning, toasts[0].Variant)
	assert.Contains(t, toasts[0].Message, "local/qwen")
}

func TestHandleEventGlobalEnvelope(t *testing.T) {
	rig := newTestRig(t, testConfig())
	rig.host.setModel("ses_1", "azure/gpt")
	rig.host.setUserText("ses_1", "hi")

	event := mustEvent(t, `{"directory":"/repo","payload":{"type":"session.error","properties":{"sessionID":"ses_1","error":{"data":{"statusCode":429}}}}}`)
	outcome := rig.runtime.HandleEvent(context.Background(), event)

	require.Equal(t, ActionFellBack, outcome.Action, outcome.Reason)
	assert.Equal(t, "ses_1", outcome.SessionID)
	require.Len(t, rig.host.Prompts(), 1)
	assert.Equal(t, "ses_1", rig.host.Prompts()[0].SessionID)
}

func TestHandleEventNoMatchDoesNothing(t *testing.T) {
	rig := newTestRig(t, testConfig())
	rig.host.setModel("ses_1", "azure/gpt")
	rig.host.setUserText("ses_1", "hi")

	outcome := rig.runtime.HandleEvent(context.Background(), sessionError(t, "ses_1", 500))

	assert.Equal(t, ActionNoMatch, outcome.Action)
	assert.Empty(t, rig.host.Calls())
	assert.Nil(t, rig.store.Saved())
	assert.Empty(t, rig.notifier.Toasts())
	assert.False(t, rig.runtime.Attempted("ses_1"))
}

func TestHandleEventIgnoredEvents(t *testing.T) {
	t.Run("other event type", func(t *testing.T) {
		rig := newTestRig(t, testConfig())
		event := mustEvent(t, `{"type":"session.idle","properties":{"sessionID":"ses_1","status":429}}`)

		outcome := rig.runtime.HandleEvent(context.Background(), event)
		assert.Equal(t, ActionIgnored, outcome.Action)
		assert.Empty(t, rig.host.Calls())
	})

	t.Run("disabled", func(t *testing.T) {
		cfg := testConfig()
		cfg.Enabled = false
		rig := newTestRig(t, cfg)

		outcome := rig.runtime.HandleEvent(context.Background(), sessionError(t, "ses_1", 429))
		assert.Equal(t, ActionIgnored, outcome.Action)
		assert.Empty(t, rig.host.Calls())
	})
}

func TestHandleEventWithoutSessionID(t *testing.T) {
	rig := newTestRig(t, testConfig())
	event := mustEvent(t, `{"type":"session.error","properties":{"error":{"data":{"statusCode":429}}}}`)

	outcome := rig.runtime.HandleEvent(context.Background(), event)

	assert.Equal(t, ActionNoSession, outcome.Action)
	assert.Empty(t, rig.host.Calls())
}

func TestHandleEventOffersOncePerSession(t *testing.T) {
	rig := newTestRig(t, testConfig())
	rig.host.setModel("ses_1", "azure/gpt")
	rig.host.setUserText("ses_1", "hi")

	first := rig.runtime.HandleEvent(context.Background(), sessionError(t, "ses_1", 429))
	require.Equal(t, ActionFellBack, first.Action)

	// The session is now on the fallback provider, but even a session
	// moved back to the primary is not offered again.
	rig.host.setModel("ses_1", "azure/gpt")
	for i := 0; i < 3; i++ {
		outcome := rig.runtime.HandleEvent(context.Background(), sessionError(t, "ses_1", 429))
		assert.Equal(t, ActionDuplicate, outcome.Action)
	}
	assert.Len(t, rig.host.Prompts(), 1)
}

func TestHandleEventDeclinedIsNotOfferedAgain(t *testing.T) {
	cfg := testConfig()
	cfg.Notify.ConfirmBeforeFallback = true
	confirmer := &fakeConfirmer{answer: false}
	rig := newTestRig(t, cfg, WithConfirmer(confirmer))
	rig.host.setModel("ses_1", "azure/gpt")
	rig.host.setUserText("ses_1", "hi")

	first := rig.runtime.HandleEvent(context.Background(), sessionError(t, "ses_1", 429))
	second := rig.runtime.HandleEvent(context.Background(), sessionError(t, "ses_1", 429))

	assert.Equal(t, ActionDeclined, first.Action)
	assert.Equal(t, ActionDuplicate, second.Action)
	assert.Equal(t, 1, confirmer.asked)
	assert.Empty(t, rig.host.Prompts())
	assert.Nil(t, rig.store.Saved())
	assert.True(t, rig.runtime.Attempted("ses_1"))
}

func TestHandleEventConfirmation(t *testing.T) {
	t.Run("accepted", func(t *testing.T) {
		cfg := testConfig()
		cfg.Notify.ConfirmBeforeFallback = true
		confirmer := &fakeConfirmer{answer: true}
		rig := newTestRig(t, cfg, WithConfirmer(confirmer))
		rig.host.setModel("ses_1", "azure/gpt")
		rig.host.setUserText("ses_1", "hi")

		outcome := rig.runtime.HandleEvent(context.Background(), sessionError(t, "ses_1", 429))
		assert.Equal(t, ActionFellBack, outcome.Action)
		assert.Equal(t, 1, confirmer.asked)
	})

	t.Run("error counts as decline", func(t *testing.T) {
		cfg := testConfig()
		cfg.Notify.ConfirmBeforeFallback = true
		confirmer := &fakeConfirmer{answer: true, err: errors.New("telegram down")}
		rig := newTestRig(t, cfg, WithConfirmer(confirmer))
		rig.host.setModel("ses_1", "azure/gpt")
		rig.host.setUserText("ses_1", "hi")

		outcome := rig.runtime.HandleEvent(context.Background(), sessionError(t, "ses_1", 429))
		assert.Equal(t, ActionDeclined, outcome.Action)
		assert.Empty(t, rig.host.Prompts())
	})

	t.Run("no confirmer proceeds", func(t *testing.T) {
		cfg := testConfig()
		cfg.Notify.ConfirmBeforeFallback = true
		rig := newTestRig(t, cfg)
		rig.host.setModel("ses_1", "azure/gpt")
		rig.host.setUserText("ses_1", "hi")

		outcome := rig.runtime.HandleEvent(context.Background(), sessionError(t, "ses_1", 429))
		assert.Equal(t, ActionFellBack, outcome.Action)
	})
}

func TestHandleEventLicensing(t *testing.T) {
	tests := []struct {
		name      string
		required  []string
		available []string
		err       error
		want      Action
	}{
		{name: "missing provider", required: []string{"p1", "p2"}, available: []string{"p1"}, want: ActionUnlicensed},
		{name: "empty list", required: []string{"p1"}, available: nil, want: ActionUnlicensed},
		{name: "listing fails", required: []string{"p1"}, err: errors.New("boom"), want: ActionUnlicensed},
		{name: "case insensitive", required: []string{"P1", "p2"}, available: []string{"p1", "P2", "p3"}, want: ActionFellBack},
		{name: "nothing required", required: nil, available: nil, want: ActionFellBack},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			cfg.Licensing.RequiredProviders = tt.required
			rig := newTestRig(t, cfg)
			rig.host.setModel("ses_1", "azure/gpt")
			rig.host.setUserText("ses_1", "hi")
			for _, id := range tt.available {
				rig.host.providers = append(rig.host.providers, opencode.ProviderInfo{ID: id})
			}
			rig.host.providersErr = tt.err

			outcome := rig.runtime.HandleEvent(context.Background(), sessionError(t, "ses_1", 429))
			assert.Equal(t, tt.want, outcome.Action, outcome.Reason)
			if tt.want != ActionFellBack {
				assert.Empty(t, rig.host.Prompts())
				assert.False(t, rig.runtime.Attempted("ses_1"))
			}
		})
	}
}

func TestHandleEventSessionOffPrimaryProvider(t *testing.T) {
	cfg := testConfig()
	cfg.PrimaryModel = "p1/m1"
	cfg.FallbackModel = "p2/m2"
	rig := newTestRig(t, cfg)
	rig.host.setModel("ses_1", "p3/m3")
	rig.host.setUserText("ses_1", "hi")

	outcome := rig.runtime.HandleEvent(context.Background(), sessionError(t, "ses_1", 429))

	assert.Equal(t, ActionOffPrimary, outcome.Action)
	assert.Empty(t, rig.host.Prompts())
	assert.Empty(t, rig.host.SetCalls())
	assert.Nil(t, rig.store.Saved())
}

func TestHandleEventPrimaryProviderOtherModel(t *testing.T) {
	rig := newTestRig(t, testConfig())
	rig.host.setModel("ses_1", "azure/gpt-mini")
	rig.host.setUserText("ses_1", "hi")

	outcome := rig.runtime.HandleEvent(context.Background(), sessionError(t, "ses_1", 429))

	require.Equal(t, ActionFellBack, outcome.Action)
	assert.Equal(t, "azure/gpt-mini", rig.store.Saved().Sessions["ses_1"].OriginalModel)
}

func TestHandleEventModelConfiguration(t *testing.T) {
	t.Run("malformed fallback", func(t *testing.T) {
		cfg := testConfig()
		cfg.FallbackModel = "qwen"
		rig := newTestRig(t, cfg)
		rig.host.setModel("ses_1", "azure/gpt")
		rig.host.setUserText("ses_1", "hi")

		outcome := rig.runtime.HandleEvent(context.Background(), sessionError(t, "ses_1", 429))
		assert.Equal(t, ActionMisconfigured, outcome.Action)
		assert.Empty(t, rig.host.Prompts())
	})

	t.Run("malformed primary is ignored", func(t *testing.T) {
		cfg := testConfig()
		cfg.PrimaryModel = "gpt"
		rig := newTestRig(t, cfg)
		rig.host.setModel("ses_1", "other/model")
		rig.host.setUserText("ses_1", "hi")

		outcome := rig.runtime.HandleEvent(context.Background(), sessionError(t, "ses_1", 429))
		require.Equal(t, ActionFellBack, outcome.Action)
		assert.Equal(t, "other/model", rig.store.Saved().Sessions["ses_1"].OriginalModel)
	})

	t.Run("unknown current model records primary", func(t *testing.T) {
		rig := newTestRig(t, testConfig())
		rig.host.setUserText("ses_1", "hi")

		outcome := rig.runtime.HandleEvent(context.Background(), sessionError(t, "ses_1", 429))
		require.Equal(t, ActionFellBack, outcome.Action)
		assert.Equal(t, "azure/gpt", rig.store.Saved().Sessions["ses_1"].OriginalModel)
	})

	t.Run("session model lookup failure is unknown", func(t *testing.T) {
		rig := newTestRig(t, testConfig())
		rig.host.modelErr = errors.New("timeout")
		rig.host.setUserText("ses_1", "hi")

		outcome := rig.runtime.HandleEvent(context.Background(), sessionError(t, "ses_1", 429))
		require.Equal(t, ActionFellBack, outcome.Action)
		assert.Equal(t, "azure/gpt", rig.store.Saved().Sessions["ses_1"].OriginalModel)
	})
}

func TestHandleEventNothingToReplay(t *testing.T) {
	t.Run("no user message", func(t *testing.T) {
		rig := newTestRig(t, testConfig())
		rig.host.setModel("ses_1", "azure/gpt")

		outcome := rig.runtime.HandleEvent(context.Background(), sessionError(t, "ses_1", 429))
		assert.Equal(t, ActionNothingToReplay, outcome.Action)
		assert.False(t, rig.runtime.Attempted("ses_1"))
	})

	t.Run("message without parts", func(t *testing.T) {
		rig := newTestRig(t, testConfig())
		rig.host.setModel("ses_1", "azure/gpt")
		rig.host.messages["ses_1"] = &opencode.UserMessage{ID: "msg_1"}

		outcome := rig.runtime.HandleEvent(context.Background(), sessionError(t, "ses_1", 429))
		assert.Equal(t, ActionNothingToReplay, outcome.Action)
	})

	t.Run("history fetch fails", func(t *testing.T) {
		rig := newTestRig(t, testConfig())
		rig.host.messageErr = errors.New("boom")

		outcome := rig.runtime.HandleEvent(context.Background(), sessionError(t, "ses_1", 429))
		assert.Equal(t, ActionFailed, outcome.Action)
		assert.Empty(t, rig.host.Prompts())
	})
}

func TestHandleEventSendFailure(t *testing.T) {
	rig := newTestRig(t, testConfig())
	rig.host.setModel("ses_1", "azure/gpt")
	rig.host.setUserText("ses_1", "hi")
	rig.host.sendErr = errors.New("503")

	outcome := rig.runtime.HandleEvent(context.Background(), sessionError(t, "ses_1", 429))

	assert.Equal(t, ActionFailed, outcome.Action)
	assert.True(t, rig.runtime.Attempted("ses_1"))
	assert.Nil(t, rig.store.Saved())
	assert.Empty(t, rig.notifier.Toasts())
}

func TestHandleEventToastFailureIsIgnored(t *testing.T) {
	rig := newTestRig(t, testConfig())
	rig.notifier.err = errors.New("tui not attached")
	rig.host.setModel("ses_1", "azure/gpt")
	rig.host.setUserText("ses_1", "hi")

	outcome := rig.runtime.HandleEvent(context.Background(), sessionError(t, "ses_1", 429))

	assert.Equal(t, ActionFellBack, outcome.Action)
	assert.NotNil(t, rig.store.Saved().Sessions["ses_1"])
}

func TestHandleEventToastDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.Notify.ToastOnFallback = false
	rig := newTestRig(t, cfg)
	rig.host.setModel("ses_1", "azure/gpt")
	rig.host.setUserText("ses_1", "hi")

	outcome := rig.runtime.HandleEvent(context.Background(), sessionError(t, "ses_1", 429))

	assert.Equal(t, ActionFellBack, outcome.Action)
	assert.Empty(t, rig.notifier.Toasts())
}

func TestHandleEventRecoversFromPanic(t *testing.T) {
	rig := newTestRig(t, testConfig())
	rig.host.setModel("ses_1", "azure/gpt")
	rig.host.setUserText("ses_1", "hi")
	rig.host.panicOnSend = true

	var outcome Outcome
	assert.NotPanics(t, func() {
		outcome = rig.runtime.HandleEvent(context.Background(), sessionError(t, "ses_1", 429))
	})
	assert.Equal(t, ActionFailed, outcome.Action)
	assert.Equal(t, "ses_1", outcome.SessionID)
	assert.Contains(t, outcome.Reason, "send exploded")

	// The in-flight claim was released; the session stays attempted.
	assert.Equal(t, ActionDuplicate, rig.runtime.HandleEvent(context.Background(), sessionError(t, "ses_1", 429)).Action)
}

func TestHandleEventInFlightSessionIsSkipped(t *testing.T) {
	rig := newTestRig(t, testConfig())
	rig.host.setModel("ses_1", "azure/gpt")
	rig.host.setUserText("ses_1", "hi")

	require.True(t, rig.runtime.attempted.begin("ses_1"))
	outcome := rig.runtime.HandleEvent(context.Background(), sessionError(t, "ses_1", 429))
	assert.Equal(t, ActionDuplicate, outcome.Action)
	assert.Empty(t, rig.host.Calls())

	rig.runtime.attempted.release("ses_1")
	outcome = rig.runtime.HandleEvent(context.Background(), sessionError(t, "ses_1", 429))
	assert.Equal(t, ActionFellBack, outcome.Action)
}

func TestHandleEventOverwritesRestoredRecord(t *testing.T) {
	rig := newTestRig(t, testConfig())
	rig.host.setModel("ses_1", "azure/gpt")
	rig.host.setUserText("ses_1", "hi")

	rig.runtime.mu.Lock()
	rig.runtime.state.Sessions["ses_1"] = &storage.FallbackRecord{
		ExhaustedAt:          storage.Timestamp(1_600_000_000_000),
		LastFallbackAt:       storage.Timestamp(1_600_000_000_000),
		OriginalModel:        "azure/gpt",
		FallbackModel:        "local/qwen",
		RestoredAt:           storage.Timestamp(1_600_100_000_000),
		LastRestoreAttemptAt: storage.Timestamp(1_600_100_000_000),
	}
	rig.runtime.mu.Unlock()

	outcome := rig.runtime.HandleEvent(context.Background(), sessionError(t, "ses_1", 429))
	require.Equal(t, ActionFellBack, outcome.Action)

	record := rig.store.Saved().Sessions["ses_1"]
	assert.True(t, record.RestoredAt.IsZero())
	assert.True(t, record.LastRestoreAttemptAt.IsZero())
	assert.Equal(t, rig.clock.Now().UnixMilli(), int64(record.ExhaustedAt))
}
