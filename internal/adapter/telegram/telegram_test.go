package telegram

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/escalopa/quran-lab/internal/adapter/i18n"
	"github.com/escalopa/quran-lab/internal/adapter/memory"
	"github.com/escalopa/quran-lab/internal/application"
	"github.com/escalopa/quran-lab/internal/domain"
	"github.com/escalopa/quran-lab/internal/level"
	"github.com/escalopa/quran-lab/internal/pkg/logger"
)

type fakeAPI struct {
	mu       sync.Mutex
	sent     []tgbotapi.MessageConfig
	requests []tgbotapi.Chattable
	sendErr  error
}

func (f *fakeAPI) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	if m, ok := c.(tgbotapi.MessageConfig); ok {
		f.sent = append(f.sent, m)
	}
	return tgbotapi.Message{}, nil
}

func (f *fakeAPI) Request(c tgbotapi.Chattable) (*tgbotapi.APIResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, c)
	return &tgbotapi.APIResponse{Ok: true}, nil
}

func (f *fakeAPI) GetUpdatesChan(tgbotapi.UpdateConfig) tgbotapi.UpdatesChannel {
	return make(chan tgbotapi.Update)
}

func (f *fakeAPI) StopReceivingUpdates() {}

func (f *fakeAPI) last(t *testing.T) tgbotapi.MessageConfig {
	t.Helper()
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.sent) == 0 {
		t.Fatal("expected a message to be sent")
	}
	return f.sent[len(f.sent)-1]
}

type fakeProgress struct {
	view *application.ProgressView
	err  error
}

func (f fakeProgress) GetProgress(context.Context, string) (*application.ProgressView, error) {
	return f.view, f.err
}

func newNotifier(t *testing.T) (*Notifier, *fakeAPI, *memory.Store) {
	t.Helper()
	tr, err := i18n.NewI18n("../../../locales")
	if err != nil {
		t.Fatalf("load locales: %v", err)
	}
	api := &fakeAPI{}
	prefs := memory.NewStore()
	return NewNotifier(api, prefs, tr, domain.LangEnglish, time.UTC, logger.Nop()), api, prefs
}

func tier(t *testing.T, key string) domain.LevelTier {
	t.Helper()
	for _, tr := range level.DefaultTiers() {
		if tr.Key == key {
			return tr
		}
	}
	t.Fatalf("no tier %s", key)
	return domain.LevelTier{}
}

func TestNotifyProgressUpdate(t *testing.T) {
	n, api, _ := newNotifier(t)
	learner := tier(t, "learner")

	err := n.Notify(context.Background(), "42", domain.EventProgressUpdate, domain.Notification{
		SubmissionID: "s1",
		Locator:      domain.Locator{Surah: 1, FromAyah: 1, ToAyah: 7},
		Points:       &domain.PointsLedgerEntry{Factors: domain.PointFactors{Accuracy: 92}, Awarded: 40},
		Level:        &learner,
		Cumulative:   140,
		Suggestions:  []string{"lengthen the madd in ayah 4"},
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}

	msg := api.last(t)
	if msg.ChatID != 42 {
		t.Fatalf("expected chat 42, got %d", msg.ChatID)
	}
	for _, want := range []string{"Al-Fatihah 1-7", "92%", "+40 points, 140 in total", "Learner", "• lengthen the madd"} {
		if !strings.Contains(msg.Text, want) {
			t.Errorf("message %q missing %q", msg.Text, want)
		}
	}
}

func TestNotifyUsesChosenLanguage(t *testing.T) {
	n, api, prefs := newNotifier(t)
	_ = prefs.SetLanguage(context.Background(), "7", domain.LangRussian)

	err := n.Notify(context.Background(), "7", domain.EventLevelUp, domain.Notification{
		Transition: &domain.LevelTransition{From: tier(t, "student"), To: tier(t, "learner")},
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	if text := api.last(t).Text; !strings.Contains(text, "Новый уровень") || !strings.Contains(text, "Учащийся") {
		t.Fatalf("expected russian level-up, got %q", text)
	}
}

func TestNotifyCorrectionAssigned(t *testing.T) {
	n, api, _ := newNotifier(t)
	deadline := time.Date(2024, 5, 1, 9, 30, 0, 0, time.UTC)

	err := n.Notify(context.Background(), "9", domain.EventCorrectionAssigned, domain.Notification{
		Locator:    domain.Locator{Surah: 112, FromAyah: 1, ToAyah: 1},
		Correction: &domain.CorrectionRequest{Stage: domain.StageHumanReview, Reason: "low confidence", Deadline: deadline},
	})
	if err != nil {
		t.Fatalf("notify: %v", err)
	}
	text := api.last(t).Text
	for _, want := range []string{"Al-Ikhlas 1", "teacher review", "low confidence", "2024-05-01 09:30"} {
		if !strings.Contains(text, want) {
			t.Errorf("message %q missing %q", text, want)
		}
	}
}

func TestNotifyErrors(t *testing.T) {
	n, api, _ := newNotifier(t)
	ctx := context.Background()

	if err := n.Notify(ctx, "not-a-chat", domain.EventProgressUpdate, domain.Notification{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input, got %v", err)
	}
	if err := n.Notify(ctx, "1", domain.EventLevelUp, domain.Notification{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for missing transition, got %v", err)
	}
	if err := n.Notify(ctx, "1", "unknown", domain.Notification{}); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("expected invalid input for unknown kind, got %v", err)
	}

	api.sendErr = errors.New("telegram down")
	if err := n.Notify(ctx, "1", domain.EventProgressUpdate, domain.Notification{}); err == nil {
		t.Fatal("expected send error")
	}
}

func command(userID int64, text string) tgbotapi.Update {
	return tgbotapi.Update{Message: &tgbotapi.Message{
		From:     &tgbotapi.User{ID: userID},
		Chat:     &tgbotapi.Chat{ID: userID},
		Text:     text,
		Entities: []tgbotapi.MessageEntity{{Type: "bot_command", Offset: 0, Length: len(text)}},
	}}
}

func TestBotProgressCommand(t *testing.T) {
	n, api, _ := newNotifier(t)
	learner := tier(t, "learner")
	view := &application.ProgressView{
		Progress: &domain.UserProgress{UserID: "5", CumulativePoints: 150, Consistency: 3.0 / 7, Level: learner},
		Range:    learner.Range(),
		Next:     &level.Next{Tier: tier(t, "reciter"), PointsNeeded: 351},
	}
	b := NewBot(n, fakeProgress{view: view})
	if len(api.requests) != 1 {
		t.Fatalf("expected command list registered, got %d requests", len(api.requests))
	}

	b.handleUpdate(context.Background(), command(5, "/progress"))
	text := api.last(t).Text
	for _, want := range []string{"Learner (101-500)", "Points: 150", "Consistency: 43%", "Next level: Reciter in 351 points"} {
		if !strings.Contains(text, want) {
			t.Errorf("message %q missing %q", text, want)
		}
	}

	b.progress = fakeProgress{err: errors.New("boom")}
	b.handleUpdate(context.Background(), command(5, "/progress"))
	if text := api.last(t).Text; !strings.Contains(text, "Something went wrong") {
		t.Fatalf("expected generic error, got %q", text)
	}
}

func TestBotUnknownCommand(t *testing.T) {
	n, api, _ := newNotifier(t)
	b := NewBot(n, fakeProgress{})
	b.handleUpdate(context.Background(), command(5, "/recite"))
	if text := api.last(t).Text; !strings.Contains(text, "Unknown command") {
		t.Fatalf("unexpected reply %q", text)
	}
}

func TestBotLanguageCallback(t *testing.T) {
	n, api, prefs := newNotifier(t)
	b := NewBot(n, fakeProgress{})

	b.handleUpdate(context.Background(), tgbotapi.Update{CallbackQuery: &tgbotapi.CallbackQuery{
		ID:      "cb1",
		From:    &tgbotapi.User{ID: 3},
		Message: &tgbotapi.Message{Chat: &tgbotapi.Chat{ID: 3}},
		Data:    "lang:ar",
	}})

	if lang, _ := prefs.GetLanguage(context.Background(), "3"); lang != domain.LangArabic {
		t.Fatalf("expected arabic preference, got %q", lang)
	}
	if text := api.last(t).Text; text != "تم تغيير اللغة." {
		t.Fatalf("unexpected reply %q", text)
	}
}
