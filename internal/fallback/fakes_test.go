package fallback

import (
	"context"
	"fmt"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"model-fallback/internal/config"
	"model-fallback/internal/modelref"
	"model-fallback/internal/opencode"
	"model-fallback/internal/storage"
)

type promptCall struct {
	SessionID string
	Model     modelref.Ref
	Parts     []opencode.MessagePart
}

type setModelCall struct {
	SessionID string
	Model     modelref.Ref
}

// fakeHost is an in-memory OpenCode server.
type fakeHost struct {
	mu sync.Mutex

	providers    []opencode.ProviderInfo
	providersErr error
	models       map[string]*modelref.Ref
	modelErr     error
	messages     map[string]*opencode.UserMessage
	messageErr   error
	setErr       error
	sendErr      error
	panicOnSend  bool

	calls    []string
	prompts  []promptCall
	setCalls []setModelCall
}

func newFakeHost() *fakeHost {
	return &fakeHost{
		models:   make(map[string]*modelref.Ref),
		messages: make(map[string]*opencode.UserMessage),
	}
}

func (h *fakeHost) record(call string) {
	h.calls = append(h.calls, call)
}

func (h *fakeHost) setModel(sessionID, ref string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	parsed, err := modelref.Parse(ref)
	if err != nil {
		panic(err)
	}
	h.models[sessionID] = &parsed
}

func (h *fakeHost) setUserText(sessionID, text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.messages[sessionID] = &opencode.UserMessage{
		ID:    "msg_" + sessionID,
		Parts: []opencode.MessagePart{{Type: "text", Text: text}},
	}
}

func (h *fakeHost) ListProviders(ctx context.Context) ([]opencode.ProviderInfo, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("ListProviders")
	return h.providers, h.providersErr
}

func (h *fakeHost) SessionModel(ctx context.Context, sessionID string) (*modelref.Ref, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("SessionModel")
	if h.modelErr != nil {
		return nil, h.modelErr
	}
	if ref, ok := h.models[sessionID]; ok {
		copied := *ref
		return &copied, nil
	}
	return nil, nil
}

func (h *fakeHost) SetSessionModel(ctx context.Context, sessionID string, model modelref.Ref) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("SetSessionModel")
	h.setCalls = append(h.setCalls, setModelCall{SessionID: sessionID, Model: model})
	if h.setErr != nil {
		return h.setErr
	}
	h.models[sessionID] = &model
	return nil
}

func (h *fakeHost) LastUserMessage(ctx context.Context, sessionID string) (*opencode.UserMessage, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("LastUserMessage")
	if h.messageErr != nil {
		return nil, h.messageErr
	}
	return h.messages[sessionID], nil
}

func (h *fakeHost) SendPrompt(ctx context.Context, sessionID string, model modelref.Ref, parts []opencode.MessagePart) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.record("SendPrompt")
	if h.panicOnSend {
		panic("send exploded")
	}
	h.prompts = append(h.prompts, promptCall{SessionID: sessionID, Model: model, Parts: parts})
	if h.sendErr != nil {
		return h.sendErr
	}
	h.models[sessionID] = &model
	return nil
}

func (h *fakeHost) Calls() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]string(nil), h.calls...)
}

func (h *fakeHost) Prompts() []promptCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]promptCall(nil), h.prompts...)
}

func (h *fakeHost) SetCalls() []setModelCall {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]setModelCall(nil), h.setCalls...)
}

type toast struct {
	Message string
	Variant string
}

type fakeNotifier struct {
	mu     sync.Mutex
	toasts []toast
	err    error
}

func (n *fakeNotifier) Toast(ctx context.Context, message, variant string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.toasts = append(n.toasts, toast{Message: message, Variant: variant})
	return n.err
}

func (n *fakeNotifier) Toasts() []toast {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]toast(nil), n.toasts...)
}

type fakeConfirmer struct {
	answer bool
	err    error
	asked  int
}

func (c *fakeConfirmer) Confirm(ctx context.Context, message string) (bool, error) {
	c.asked++
	return c.answer, c.err
}

// memStore keeps the state in memory and counts saves.
type memStore struct {
	mu      sync.Mutex
	state   *storage.State
	saves   int
	loadErr error
	saveErr error
}

func (s *memStore) Load() (*storage.State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.loadErr != nil {
		return nil, s.loadErr
	}
	if s.state == nil {
		return storage.NewState(), nil
	}
	return s.state.Clone(), nil
}

func (s *memStore) Save(state *storage.State) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saves++
	if s.saveErr != nil {
		return s.saveErr
	}
	s.state = state.Clone()
	return nil
}

func (s *memStore) Close() error { return nil }

func (s *memStore) Saved() *storage.State {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state == nil {
		return nil
	}
	return s.state.Clone()
}

func (s *memStore) Saves() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.saves
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func testConfig() *config.Config {
	cfg := config.Defaults()
	cfg.PrimaryModel = "azure/gpt"
	cfg.FallbackModel = "local/qwen"
	cfg.Trigger.OnStatus = []int{429}
	return cfg
}

func quietLogger() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}

type testRig struct {
	cfg      *config.Config
	host     *fakeHost
	store    *memStore
	notifier *fakeNotifier
	clock    *fakeClock
	runtime  *Runtime
}

func newTestRig(t *testing.T, cfg *config.Config, opts ...Option) *testRig {
	t.Helper()
	rig := &testRig{
		cfg:      cfg,
		host:     newFakeHost(),
		store:    &memStore{},
		notifier: &fakeNotifier{},
		clock:    newFakeClock(),
	}
	rig.start(t, opts...)
	return rig
}

func (rig *testRig) start(t *testing.T, opts ...Option) {
	t.Helper()
	base := []Option{
		WithClock(rig.clock.Now),
		WithNotifier(rig.notifier),
		WithLogger(quietLogger()),
	}
	runtime, err := NewRuntime(rig.cfg, rig.host, rig.store, append(base, opts...)...)
	require.NoError(t, err)
	rig.runtime = runtime
}

func sessionError(t *testing.T, sessionID string, status int) opencode.Event {
	t.Helper()
	return mustEvent(t, fmt.Sprintf(
		`{"type":"session.error","properties":{"sessionID":%q,"error":{"name":"APIError","data":{"message":"request failed","statusCode":%d}}}}`,
		sessionID, status))
}

func mustEvent(t *testing.T, data string) opencode.Event {
	t.Helper()
	event, err := opencode.ParseEvent([]byte(data))
	require.NoError(t, err)
	return event
}
