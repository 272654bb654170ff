package memory

import (
	"context"
	"sync"
	"time"

	"github.com/nats-io/nuid"

	"github.com/escalopa/quran-lab/internal/domain"
)

// ReviewPool is an in-process reviewer pool
type ReviewPool struct {
	mu        sync.Mutex
	available map[domain.Stage][]string
	now       func() time.Time
}

func NewReviewPool() *ReviewPool {
	return &ReviewPool{available: make(map[domain.Stage][]string), now: time.Now}
}

func (p *ReviewPool) RegisterReviewer(_ context.Context, stage domain.Stage, reviewerID string) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, id := range p.available[stage] {
		if id == reviewerID {
			return nil
		}
	}
	p.available[stage] = append(p.available[stage], reviewerID)
	return nil
}

func (p *ReviewPool) RequestReview(_ context.Context, c domain.ReviewCriteria) (*domain.CorrectionRequest, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	id := c.RequestID
	if id == "" {
		id = nuid.Next()
	}
	req := &domain.CorrectionRequest{
		ID:              id,
		SubmissionID:    c.SubmissionID,
		UserID:          c.UserID,
		Stage:           c.Stage,
		Status:          domain.CorrectionPending,
		Reason:          c.Reason,
		RequiredReviews: c.RequiredReviews,
		CreatedAt:       p.now(),
		Deadline:        c.Deadline,
	}

	want := c.RequiredReviews
	if want < 1 {
		want = 1
	}
	// the submitter never reviews their own recitation
	var rest []string
	for _, id := range p.available[c.Stage] {
		if id != c.UserID && len(req.Reviewers) < want {
			req.Reviewers = append(req.Reviewers, id)
			continue
		}
		rest = append(rest, id)
	}
	p.available[c.Stage] = rest
	if len(req.Reviewers) > 0 {
		req.AssignedReviewerID = req.Reviewers[0]
		req.Status = domain.CorrectionAssigned
	}
	return req, nil
}

func (p *ReviewPool) Release(_ context.Context, req *domain.CorrectionRequest) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	free := p.available[req.Stage]
next:
	for _, id := range req.Reviewers {
		for _, have := range free {
			if have == id {
				continue next
			}
		}
		free = append(free, id)
	}
	p.available[req.Stage] = free
	return nil
}

// Available returns the free reviewers of a stage
func (p *ReviewPool) Available(stage domain.Stage) []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.available[stage]...)
}
