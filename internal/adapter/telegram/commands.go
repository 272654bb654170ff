package telegram

import (
	"context"
	"strconv"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/escalopa/quran-lab/internal/domain"
)

type CommandHandler func(ctx context.Context, msg *tgbotapi.Message, lang domain.Language)

// registerCommands registers all bot commands
func (b *Bot) registerCommands() {
	b.commands = map[string]CommandHandler{
		"start":    b.commandStart,
		"help":     b.commandHelp,
		"language": b.commandLanguage,
		"progress": b.commandProgress,
	}

	// Set bot commands for Telegram UI
	commands := []tgbotapi.BotCommand{
		{Command: "start", Description: "Start the bot"},
		{Command: "progress", Description: "Show my points and level"},
		{Command: "language", Description: "Change language"},
		{Command: "help", Description: "Show help"},
	}

	cmdConfig := tgbotapi.NewSetMyCommands(commands...)
	if _, err := b.api.Request(cmdConfig); err != nil {
		b.log.Warn("set bot commands", "error", err)
	}
}

func (b *Bot) commandStart(_ context.Context, msg *tgbotapi.Message, lang domain.Language) {
	b.sendMessage(msg.Chat.ID, b.i18n.Get(lang, "welcome.message"))
	b.sendMessage(msg.Chat.ID, b.i18n.Get(lang, "help.message"))
}

func (b *Bot) commandHelp(_ context.Context, msg *tgbotapi.Message, lang domain.Language) {
	b.sendMessage(msg.Chat.ID, b.i18n.Get(lang, "help.message"))
}

func (b *Bot) commandLanguage(_ context.Context, msg *tgbotapi.Message, lang domain.Language) {
	b.sendLanguageSelection(msg.Chat.ID, lang)
}

func (b *Bot) commandProgress(ctx context.Context, msg *tgbotapi.Message, lang domain.Language) {
	userID := strconv.FormatInt(msg.From.ID, 10)

	view, err := b.progress.GetProgress(ctx, userID)
	if err != nil {
		b.log.Error("load progress", "user_id", userID, "error", err)
		b.sendMessage(msg.Chat.ID, b.i18n.Get(lang, "error.generic"))
		return
	}

	p := view.Progress
	text := b.i18n.Get(lang, "progress.summary",
		p.Level.Emoji, b.i18n.TierTitle(lang, p.Level), view.Range,
		p.CumulativePoints, p.Consistency*100)
	if view.Next != nil {
		text += "\n" + b.i18n.Get(lang, "progress.next",
			b.i18n.TierTitle(lang, view.Next.Tier), view.Next.PointsNeeded)
	} else {
		text += "\n" + b.i18n.Get(lang, "progress.top")
	}
	b.sendMessage(msg.Chat.ID, text)
}
