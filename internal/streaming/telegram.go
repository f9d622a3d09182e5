package streaming

import (
	"fmt"
	"log/slog"
	"sync"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
)

// TelegramSink forwards terminal events (task_completed, task_failed,
// task_cancelled) as chat notifications, exercising the chat-notify
// channel idiom of the teacher's plugin/chat_apps/channels/telegram
// package with a much smaller surface: one bot, one chat, terminal
// events only.
type TelegramSink struct {
	bot    *tgbotapi.BotAPI
	chatID int64
	logger *slog.Logger

	mu sync.Mutex
}

// NewTelegramSink constructs a sink posting to chatID via a bot
// authenticated with token.
func NewTelegramSink(token string, chatID int64, logger *slog.Logger) (*TelegramSink, error) {
	bot, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &TelegramSink{bot: bot, chatID: chatID, logger: logger}, nil
}

// Put sends a message for terminal event kinds only; non-terminal
// progress events are not chat-worthy.
func (t *TelegramSink) Put(e Event) {
	var text string
	switch e.Kind {
	case KindTaskCompleted:
		text = fmt.Sprintf("✅ task %s completed", e.TaskID)
	case KindTaskFailed:
		text = fmt.Sprintf("❌ task %s failed: %s", e.TaskID, e.Error)
	case KindTaskCancelled:
		text = fmt.Sprintf("⚠️ task %s cancelled", e.TaskID)
	default:
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	msg := tgbotapi.NewMessage(t.chatID, text)
	if _, err := t.bot.Send(msg); err != nil {
		t.logger.Warn("telegram sink: send failed", "error", err, "task_id", e.TaskID)
	}
}

// Close is a no-op; the bot's HTTP client has no persistent resources
// to release.
func (t *TelegramSink) Close() {}
