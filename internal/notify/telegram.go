package notify

import (
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

const defaultCooldown = 5 * time.Minute

// Alerter is what the image pipeline needs from an operator channel.
type Alerter interface {
	GenerationFailed(userID, model, fallbackModel string, err error)
}

type sender interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
}

// Telegram posts operator alerts into one chat. Repeats for the same model are muted for a cooldown.
type Telegram struct {
	api      sender
	chatID   int64
	log      *slog.Logger
	cooldown time.Duration
	now      func() time.Time

	mu       sync.Mutex
	lastSent map[string]time.Time
}

func NewTelegram(token string, chatID int64, log *slog.Logger) (*Telegram, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("init telegram bot: %w", err)
	}
	return newTelegram(api, chatID, log), nil
}

func newTelegram(api sender, chatID int64, log *slog.Logger) *Telegram {
	return &Telegram{
		api:      api,
		chatID:   chatID,
		log:      log,
		cooldown: defaultCooldown,
		now:      time.Now,
		lastSent: make(map[string]time.Time),
	}
}

// GenerationFailed reports a request that failed on its model and on the fallback.
func (t *Telegram) GenerationFailed(userID, model, fallbackModel string, err error) {
	key := model + "->" + fallbackModel
	now := t.now()

	t.mu.Lock()
	if last, ok := t.lastSent[key]; ok && now.Sub(last) < t.cooldown {
		t.mu.Unlock()
		return
	}
	t.lastSent[key] = now
	t.mu.Unlock()

	var b strings.Builder
	fmt.Fprintf(&b, "⚠️ Image generation failed\nModel: %s\n", model)
	if fallbackModel != "" {
		fmt.Fprintf(&b, "Fallback: %s\n", fallbackModel)
	}
	fmt.Fprintf(&b, "User: %s\n", userID)
	if err != nil {
		fmt.Fprintf(&b, "Error: %s", truncate(err.Error(), 600))
	}

	msg := tgbotapi.NewMessage(t.chatID, b.String())
	msg.DisableWebPagePreview = true
	if _, sendErr := t.api.Send(msg); sendErr != nil {
		t.log.Error("send telegram alert", "err", sendErr)
	}
}

// Nop discards alerts.
type Nop struct{}

func (Nop) GenerationFailed(string, string, string, error) {}

// truncate cuts s to at most limit bytes without splitting a UTF-8 sequence.
func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + "…"
}
