package memory

import (
	"context"
	"sync"

	"github.com/nats-io/nuid"

	"github.com/escalopa/quran-lab/internal/domain"
)

// Attestor issues local references when no ledger is configured
type Attestor struct{}

func (Attestor) Attest(_ context.Context, rec *domain.SubmissionRecord) (string, error) {
	return "local:" + rec.ID + ":" + nuid.Next(), nil
}

// Message is one notification kept by the Outbox
type Message struct {
	UserID  string
	Kind    domain.EventKind
	Payload domain.Notification
}

// Outbox keeps notifications in memory when no messenger is configured
type Outbox struct {
	mu   sync.Mutex
	msgs []Message
}

func NewOutbox() *Outbox {
	return &Outbox{}
}

func (o *Outbox) Notify(_ context.Context, userID string, kind domain.EventKind, payload domain.Notification) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.msgs = append(o.msgs, Message{UserID: userID, Kind: kind, Payload: payload})
	return nil
}

// Messages returns the notifications sent to a user
func (o *Outbox) Messages(userID string) []Message {
	o.mu.Lock()
	defer o.mu.Unlock()
	var out []Message
	for _, m := range o.msgs {
		if m.UserID == userID {
			out = append(out, m)
		}
	}
	return out
}
