package memory

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/escalopa/quran-lab/internal/domain"
)

func TestKeyedLockerSerializesKey(t *testing.T) {
	l := NewKeyedLocker()
	ctx := context.Background()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, "u1")
			if err != nil {
				t.Errorf("lock: %v", err)
				return
			}
			mu.Lock()
			inside++
			if inside > maxSeen {
				maxSeen = inside
			}
			mu.Unlock()
			time.Sleep(time.Millisecond)
			mu.Lock()
			inside--
			mu.Unlock()
			unlock()
		}()
	}
	wg.Wait()
	if maxSeen != 1 {
		t.Fatalf("expected exclusive access, saw %d holders", maxSeen)
	}
	if len(l.locks) != 0 {
		t.Fatalf("expected lock table drained, got %d", len(l.locks))
	}
}

func TestKeyedLockerHonoursContext(t *testing.T) {
	l := NewKeyedLocker()
	unlock, err := l.Lock(context.Background(), "u1")
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(ctx, "u1"); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
	other, err := l.Lock(context.Background(), "u2")
	if err != nil {
		t.Fatalf("other key: %v", err)
	}
	other()
}

func TestStoreCopiesValues(t *testing.T) {
	s := NewStore()
	ctx := context.Background()

	rec := &domain.SubmissionRecord{ID: "s1", UserID: "u1", Status: domain.StatusAnalyzed}
	if err := s.SaveSubmission(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	rec.Status = domain.StatusStored

	got, err := s.GetSubmission(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != domain.StatusAnalyzed {
		t.Fatalf("expected stored copy untouched, got %s", got.Status)
	}
	if _, err := s.GetSubmission(ctx, "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if p, err := s.LoadProgress(ctx, "u1"); err != nil || p != nil {
		t.Fatalf("expected no progress, got %v %v", p, err)
	}
	_ = s.SetLanguage(ctx, "u1", domain.LangRussian)
	if lang, _ := s.GetLanguage(ctx, "u1"); lang != domain.LangRussian {
		t.Fatalf("expected ru, got %q", lang)
	}

	if _, err := s.GetAward(ctx, "u1", "s1"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found award, got %v", err)
	}
	if err := s.SaveAward(ctx, &domain.PointsLedgerEntry{ID: "e1", UserID: "u1", SubmissionID: "s1", Awarded: 12}); err != nil {
		t.Fatalf("save award: %v", err)
	}
	if e, err := s.GetAward(ctx, "u1", "s1"); err != nil || e.ID != "e1" || e.Awarded != 12 {
		t.Fatalf("unexpected award %+v %v", e, err)
	}
}

func TestStoreOverdueCorrections(t *testing.T) {
	s := NewStore()
	ctx := context.Background()
	now := time.Date(2024, 1, 1, 12, 0, 0, 0, time.UTC)

	reqs := []*domain.CorrectionRequest{
		{ID: "late", Status: domain.CorrectionAssigned, Deadline: now.Add(-time.Minute)},
		{ID: "later", Status: domain.CorrectionPending, Deadline: now.Add(-time.Hour)},
		{ID: "future", Status: domain.CorrectionPending, Deadline: now.Add(time.Minute)},
		{ID: "done", Status: domain.CorrectionCompleted, Deadline: now.Add(-time.Hour)},
	}
	for _, r := range reqs {
		if err := s.SaveCorrection(ctx, r); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	got, err := s.OverdueCorrections(ctx, now, 10)
	if err != nil {
		t.Fatalf("overdue: %v", err)
	}
	if len(got) != 2 || got[0].ID != "later" || got[1].ID != "late" {
		t.Fatalf("unexpected overdue list %+v", got)
	}
}

func TestReviewPoolAssignsAndReleases(t *testing.T) {
	p := NewReviewPool()
	ctx := context.Background()
	for _, id := range []string{"c1", "c2", "c1"} {
		_ = p.RegisterReviewer(ctx, domain.StageCommunityPeerReview, id)
	}

	req, err := p.RequestReview(ctx, domain.ReviewCriteria{Stage: domain.StageCommunityPeerReview, RequiredReviews: 3})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if req.ID == "" || req.Status != domain.CorrectionAssigned || len(req.Reviewers) != 2 {
		t.Fatalf("expected two reviewers assigned, got %+v", req)
	}
	if len(p.Available(domain.StageCommunityPeerReview)) != 0 {
		t.Fatalf("expected pool drained")
	}

	empty, _ := p.RequestReview(ctx, domain.ReviewCriteria{Stage: domain.StageCommunityPeerReview, RequiredReviews: 1})
	if empty.Status != domain.CorrectionPending || empty.AssignedReviewerID != "" {
		t.Fatalf("expected pending request, got %+v", empty)
	}

	_ = p.Release(ctx, req)
	_ = p.Release(ctx, req)
	if got := p.Available(domain.StageCommunityPeerReview); len(got) != 2 {
		t.Fatalf("expected two free reviewers after release, got %v", got)
	}
}

func TestReviewPoolSkipsSubmitter(t *testing.T) {
	p := NewReviewPool()
	ctx := context.Background()
	for _, id := range []string{"u1", "r2"} {
		_ = p.RegisterReviewer(ctx, domain.StageHumanReview, id)
	}

	req, err := p.RequestReview(ctx, domain.ReviewCriteria{UserID: "u1", Stage: domain.StageHumanReview, RequiredReviews: 1})
	if err != nil {
		t.Fatalf("request: %v", err)
	}
	if len(req.Reviewers) != 1 || req.AssignedReviewerID != "r2" {
		t.Fatalf("expected r2 assigned, got %+v", req)
	}
	if got := p.Available(domain.StageHumanReview); len(got) != 1 || got[0] != "u1" {
		t.Fatalf("expected the submitter to stay free, got %v", got)
	}

	alone, _ := p.RequestReview(ctx, domain.ReviewCriteria{UserID: "u1", Stage: domain.StageHumanReview, RequiredReviews: 1})
	if alone.Status != domain.CorrectionPending || len(alone.Reviewers) != 0 {
		t.Fatalf("expected pending request when only the submitter is free, got %+v", alone)
	}
}

func TestOutboxAndAttestor(t *testing.T) {
	o := NewOutbox()
	ctx := context.Background()
	_ = o.Notify(ctx, "u1", domain.EventProgressUpdate, domain.Notification{SubmissionID: "s1"})
	_ = o.Notify(ctx, "u2", domain.EventLevelUp, domain.Notification{SubmissionID: "s2"})
	if msgs := o.Messages("u1"); len(msgs) != 1 || msgs[0].Kind != domain.EventProgressUpdate {
		t.Fatalf("unexpected messages %+v", msgs)
	}

	ref, err := Attestor{}.Attest(ctx, &domain.SubmissionRecord{ID: "s1"})
	if err != nil || !strings.HasPrefix(ref, "local:s1:") {
		t.Fatalf("unexpected ref %q %v", ref, err)
	}
}
