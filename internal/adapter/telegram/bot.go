package telegram

import (
	"context"
	"strconv"
	"strings"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/escalopa/quran-lab/internal/application"
	"github.com/escalopa/quran-lab/internal/domain"
)

// ProgressReader is the pipeline operation behind /progress
type ProgressReader interface {
	GetProgress(ctx context.Context, userID string) (*application.ProgressView, error)
}

// Bot answers learner commands in chat; notifications go out through the
// embedded Notifier.
type Bot struct {
	*Notifier
	progress ProgressReader
	commands map[string]CommandHandler
	cancel   context.CancelFunc
}

func NewBot(n *Notifier, progress ProgressReader) *Bot {
	bot := &Bot{
		Notifier: n,
		progress: progress,
	}

	// Register commands
	bot.registerCommands()

	return bot
}

func (b *Bot) Start(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	b.cancel = cancel

	u := tgbotapi.NewUpdate(0)
	u.Timeout = 60

	updates := b.api.GetUpdatesChan(u)

	for {
		select {
		case <-ctx.Done():
			return nil
		case update, ok := <-updates:
			if !ok {
				return nil
			}
			go b.handleUpdate(ctx, update)
		}
	}
}

func (b *Bot) Stop() error {
	if b.cancel != nil {
		b.cancel()
	}
	b.api.StopReceivingUpdates()
	return nil
}

func (b *Bot) handleUpdate(ctx context.Context, update tgbotapi.Update) {
	userID := b.getUserID(update)
	if userID == "" {
		return
	}

	lang := b.language(ctx, userID)

	// Handle commands
	if update.Message != nil && update.Message.IsCommand() {
		b.handleCommand(ctx, update.Message, lang)
		return
	}

	// Handle callback queries (button presses)
	if update.CallbackQuery != nil {
		b.handleCallback(ctx, update.CallbackQuery, lang)
		return
	}

	if update.Message != nil && update.Message.Chat != nil {
		b.sendMessage(update.Message.Chat.ID, b.i18n.Get(lang, "help.message"))
	}
}

func (b *Bot) handleCommand(ctx context.Context, msg *tgbotapi.Message, lang domain.Language) {
	handler, exists := b.commands[msg.Command()]
	if !exists {
		b.sendMessage(msg.Chat.ID, b.i18n.Get(lang, "error.unknown_command"))
		return
	}

	handler(ctx, msg, lang)
}

func (b *Bot) handleCallback(ctx context.Context, callback *tgbotapi.CallbackQuery, lang domain.Language) {
	userID := strconv.FormatInt(callback.From.ID, 10)

	// Answer callback to remove loading state
	if _, err := b.api.Request(tgbotapi.NewCallback(callback.ID, "")); err != nil {
		b.log.Warn("answer callback", "user_id", userID, "error", err)
	}
	if callback.Message == nil || callback.Message.Chat == nil {
		return
	}
	chatID := callback.Message.Chat.ID

	// Handle language selection
	if code, ok := strings.CutPrefix(callback.Data, "lang:"); ok {
		newLang, err := domain.ParseLanguage(code)
		if err != nil {
			b.sendMessage(chatID, b.i18n.Get(lang, "error.generic"))
			return
		}
		if err := b.prefs.SetLanguage(ctx, userID, newLang); err != nil {
			b.log.Error("save language preference", "user_id", userID, "error", err)
			b.sendMessage(chatID, b.i18n.Get(lang, "error.generic"))
			return
		}
		b.sendMessage(chatID, b.i18n.Get(newLang, "language.changed"))
	}
}

func (b *Bot) sendLanguageSelection(chatID int64, currentLang domain.Language) {
	keyboard := tgbotapi.NewInlineKeyboardMarkup(
		tgbotapi.NewInlineKeyboardRow(
			tgbotapi.NewInlineKeyboardButtonData("🇬🇧 English", "lang:en"),
			tgbotapi.NewInlineKeyboardButtonData("🇸🇦 العربية", "lang:ar"),
			tgbotapi.NewInlineKeyboardButtonData("🇷🇺 Русский", "lang:ru"),
		),
	)

	msg := tgbotapi.NewMessage(chatID, b.i18n.Get(currentLang, "language.select"))
	msg.ReplyMarkup = keyboard
	if _, err := b.api.Send(msg); err != nil {
		b.log.Warn("send language selection", "chat_id", chatID, "error", err)
	}
}

func (b *Bot) getUserID(update tgbotapi.Update) string {
	if update.Message != nil && update.Message.From != nil {
		return strconv.FormatInt(update.Message.From.ID, 10)
	}
	if update.CallbackQuery != nil && update.CallbackQuery.From != nil {
		return strconv.FormatInt(update.CallbackQuery.From.ID, 10)
	}
	return ""
}
