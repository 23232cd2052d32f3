package notify

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"net/http"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"gopkg.in/telebot.v4"

	"model-fallback/internal/config"
)

const (
	confirmYesUnique = "fallback_yes"
	confirmNoUnique  = "fallback_no"
)

// telegramAPI is the subset of *telebot.Bot used to talk to the chat.
type telegramAPI interface {
	Send(to telebot.Recipient, what interface{}, opts ...interface{}) (*telebot.Message, error)
	Edit(msg telebot.Editable, what interface{}, opts ...interface{}) (*telebot.Message, error)
}

// Telegram posts toasts to one chat and asks for confirmation with inline
// Yes/No buttons.
type Telegram struct {
	bot     *telebot.Bot
	api     telegramAPI
	chat    telebot.ChatID
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan bool
}

// NewTelegram creates the bot and registers the confirmation callbacks.
// Call Start to begin polling for button presses.
func NewTelegram(cfg config.TelegramConfig) (*Telegram, error) {
	botSettings := telebot.Settings{
		Token:     cfg.Token,
		Poller:    &telebot.LongPoller{Timeout: time.Duration(cfg.PollingTimeout) * time.Second},
		Client:    &http.Client{Timeout: 60 * time.Second},
		ParseMode: telebot.ModeDefault,
	}

	bot, err := telebot.NewBot(botSettings)
	if err != nil {
		return nil, fmt.Errorf("failed to create Telegram bot: %w", err)
	}
	log.Infof("Telegram bot authorized as @%s", bot.Me.Username)

	t := newTelegram(bot, cfg.ChatID, time.Duration(cfg.ConfirmTimeout)*time.Second)
	t.bot = bot

	markup := &telebot.ReplyMarkup{}
	yes := markup.Data("Yes", confirmYesUnique)
	no := markup.Data("No", confirmNoUnique)
	bot.Handle(&yes, t.handleAnswer(true))
	bot.Handle(&no, t.handleAnswer(false))
	return t, nil
}

func newTelegram(api telegramAPI, chatID int64, timeout time.Duration) *Telegram {
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}
	return &Telegram{
		api:     api,
		chat:    telebot.ChatID(chatID),
		timeout: timeout,
		pending: make(map[string]chan bool),
	}
}

// Start polls for updates in the background.
func (t *Telegram) Start() {
	if t.bot != nil {
		go t.bot.Start()
	}
}

// Stop ends polling.
func (t *Telegram) Stop() {
	if t.bot != nil {
		t.bot.Stop()
	}
}

// Toast implements Notifier
func (t *Telegram) Toast(ctx context.Context, message, variant string) error {
	_, err := t.api.Send(t.chat, variantPrefix(variant)+message)
	if err != nil {
		return fmt.Errorf("failed to send Telegram message: %w", err)
	}
	return nil
}

// Confirm posts message with Yes/No buttons and waits for an answer. No
// answer within the confirm timeout counts as No.
func (t *Telegram) Confirm(ctx context.Context, message string) (bool, error) {
	id := newConfirmID()
	answer := make(chan bool, 1)

	t.mu.Lock()
	t.pending[id] = answer
	t.mu.Unlock()
	defer func() {
		t.mu.Lock()
		delete(t.pending, id)
		t.mu.Unlock()
	}()

	markup := &telebot.ReplyMarkup{}
	yes := markup.Data("Yes", confirmYesUnique, id)
	no := markup.Data("No", confirmNoUnique, id)
	markup.Inline(markup.Row(yes, no))

	msg, err := t.api.Send(t.chat, "❓ "+message, markup)
	if err != nil {
		return false, fmt.Errorf("failed to send confirmation: %w", err)
	}

	timer := time.NewTimer(t.timeout)
	defer timer.Stop()

	select {
	case ok := <-answer:
		verdict := "declined"
		if ok {
			verdict = "accepted"
		}
		t.closePrompt(msg, message, verdict)
		return ok, nil
	case <-timer.C:
		log.Infof("Confirmation %s timed out after %v", id, t.timeout)
		t.closePrompt(msg, message, "no answer")
		return false, nil
	case <-ctx.Done():
		t.closePrompt(msg, message, "cancelled")
		return false, ctx.Err()
	}
}

// closePrompt replaces the buttons with the outcome.
func (t *Telegram) closePrompt(msg *telebot.Message, message, verdict string) {
	if msg == nil {
		return
	}
	if _, err := t.api.Edit(msg, fmt.Sprintf("❓ %s\n\n→ %s", message, verdict)); err != nil {
		log.Debugf("Failed to update confirmation message: %v", err)
	}
}

// answer delivers a button press. It reports false when the prompt is no
// longer waiting.
func (t *Telegram) answer(id string, ok bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	ch, found := t.pending[id]
	if !found {
		return false
	}
	delete(t.pending, id)
	ch <- ok
	return true
}

func (t *Telegram) handleAnswer(ok bool) telebot.HandlerFunc {
	return func(c telebot.Context) error {
		if c.Chat() == nil || c.Chat().ID != int64(t.chat) {
			return c.Respond(&telebot.CallbackResponse{Text: "Not allowed"})
		}
		if !t.answer(c.Data(), ok) {
			return c.Respond(&telebot.CallbackResponse{Text: "This question has expired"})
		}
		return c.Respond()
	}
}

func variantPrefix(variant string) string {
	switch variant {
	case "success":
		return "✅ "
	case "warning":
		return "⚠️ "
	case "error":
		return "❌ "
	default:
		return "ℹ️ "
	}
}

func newConfirmID() string {
	buf := make([]byte, 6)
	rand.Read(buf)
	return hex.EncodeToString(buf)
}
