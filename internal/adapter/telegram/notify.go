package telegram

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/escalopa/quran-lab/internal/adapter/i18n"
	"github.com/escalopa/quran-lab/internal/domain"
	"github.com/escalopa/quran-lab/internal/pkg/logger"
)

// API is the part of the Telegram client the adapter uses
type API interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error)
	GetUpdatesChan(config tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel
	StopReceivingUpdates()
}

// Connect authorizes the bot token against Telegram
func Connect(token string) (*tgbotapi.BotAPI, error) {
	api, err := tgbotapi.NewBotAPI(token)
	if err != nil {
		return nil, fmt.Errorf("create bot: %w", err)
	}
	return api, nil
}

// Notifier delivers pipeline events as chat messages. User ids are Telegram
// chat ids.
type Notifier struct {
	api   API
	prefs domain.PreferenceStorePort
	i18n  domain.I18nPort
	lang  domain.Language
	loc   *time.Location
	log   *logger.Logger
}

func NewNotifier(api API, prefs domain.PreferenceStorePort, i18n domain.I18nPort, lang domain.Language, loc *time.Location, log *logger.Logger) *Notifier {
	if loc == nil {
		loc = time.UTC
	}
	return &Notifier{api: api, prefs: prefs, i18n: i18n, lang: lang, loc: loc, log: log}
}

func (n *Notifier) Notify(ctx context.Context, userID string, kind domain.EventKind, payload domain.Notification) error {
	chatID, err := strconv.ParseInt(userID, 10, 64)
	if err != nil {
		return fmt.Errorf("%w: user %s has no telegram chat", domain.ErrInvalidInput, userID)
	}

	lang := n.language(ctx, userID)
	text, err := n.render(lang, kind, payload)
	if err != nil {
		return err
	}
	if _, err := n.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		return fmt.Errorf("send %s to %s: %w", kind, userID, err)
	}
	return nil
}

// language returns the user's chosen language or the default
func (n *Notifier) language(ctx context.Context, userID string) domain.Language {
	lang, err := n.prefs.GetLanguage(ctx, userID)
	if err != nil {
		n.log.Warn("load language preference", "user_id", userID, "error", err)
		return n.lang
	}
	if lang == "" {
		return n.lang
	}
	return lang
}

func (n *Notifier) render(lang domain.Language, kind domain.EventKind, p domain.Notification) (string, error) {
	where := i18n.FormatLocator(lang, n.i18n, p.Locator)

	switch kind {
	case domain.EventProgressUpdate:
		var accuracy, awarded float64
		if p.Points != nil {
			accuracy = p.Points.Factors.Accuracy
			awarded = p.Points.Awarded
		}
		level := ""
		if p.Level != nil {
			level = n.tierLabel(lang, *p.Level)
		}
		var sb strings.Builder
		sb.WriteString(n.i18n.Get(lang, "notify.progress", where, accuracy, awarded, p.Cumulative, level))
		if len(p.Suggestions) > 0 {
			sb.WriteString("\n\n")
			sb.WriteString(n.i18n.Get(lang, "notify.suggestions"))
			for _, s := range p.Suggestions {
				sb.WriteString("\n• ")
				sb.WriteString(s)
			}
		}
		return sb.String(), nil

	case domain.EventLevelUp:
		if p.Transition == nil {
			return "", fmt.Errorf("%w: level-up without transition", domain.ErrInvalidInput)
		}
		t := p.Transition
		return n.i18n.Get(lang, "notify.level_up",
			n.i18n.TierTitle(lang, t.From), t.To.Emoji, n.i18n.TierTitle(lang, t.To)), nil

	case domain.EventCorrectionAssigned:
		if p.Correction == nil {
			return "", fmt.Errorf("%w: correction event without request", domain.ErrInvalidInput)
		}
		c := p.Correction
		return n.i18n.Get(lang, "notify.correction_assigned",
			where, n.i18n.StageName(lang, c.Stage), c.Reason,
			c.Deadline.In(n.loc).Format("2006-01-02 15:04")), nil
	}
	return "", fmt.Errorf("%w: unknown event %q", domain.ErrInvalidInput, kind)
}

func (n *Notifier) tierLabel(lang domain.Language, tier domain.LevelTier) string {
	title := n.i18n.TierTitle(lang, tier)
	if tier.Emoji == "" {
		return title
	}
	return tier.Emoji + " " + title
}

func (n *Notifier) sendMessage(chatID int64, text string) {
	if _, err := n.api.Send(tgbotapi.NewMessage(chatID, text)); err != nil {
		n.log.Warn("send message", "chat_id", chatID, "error", err)
	}
}
