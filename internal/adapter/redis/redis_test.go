package redis

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/escalopa/quran-lab/internal/domain"
)

// testClient connects to TEST_REDIS_URI and flushes the selected database
func testClient(t *testing.T) *redis.Client {
	t.Helper()
	uri := os.Getenv("TEST_REDIS_URI")
	if uri == "" {
		t.Skip("TEST_REDIS_URI not set")
	}
	client, err := Connect(uri)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	if err := client.FlushDB(context.Background()).Err(); err != nil {
		t.Fatalf("flush: %v", err)
	}
	t.Cleanup(func() { _ = client.Close() })
	return client
}

func TestStoreRoundTrip(t *testing.T) {
	s := NewStore(testClient(t))
	ctx := context.Background()

	if _, err := s.GetSubmission(ctx, "missing"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	rec := &domain.SubmissionRecord{ID: "s1", UserID: "u1", Status: domain.StatusPendingReview}
	if err := s.SaveSubmission(ctx, rec); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err := s.GetSubmission(ctx, "s1")
	if err != nil || got.Status != domain.StatusPendingReview {
		t.Fatalf("unexpected submission %+v %v", got, err)
	}

	if p, err := s.LoadProgress(ctx, "u1"); err != nil || p != nil {
		t.Fatalf("expected no progress, got %+v %v", p, err)
	}
	if err := s.SaveProgress(ctx, &domain.UserProgress{UserID: "u1", CumulativePoints: 42}); err != nil {
		t.Fatalf("save progress: %v", err)
	}
	p, err := s.LoadProgress(ctx, "u1")
	if err != nil || p.CumulativePoints != 42 {
		t.Fatalf("unexpected progress %+v %v", p, err)
	}

	if lang, err := s.GetLanguage(ctx, "u1"); err != nil || lang != "" {
		t.Fatalf("expected no language, got %q %v", lang, err)
	}
	_ = s.SetLanguage(ctx, "u1", domain.LangArabic)
	if lang, _ := s.GetLanguage(ctx, "u1"); lang != domain.LangArabic {
		t.Fatalf("expected ar, got %q", lang)
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

func TestStoreOverdueSkipsMissingCorrection(t *testing.T) {
	client := testClient(t)
	s := NewStore(client)
	ctx := context.Background()
	now := time.Now()

	if err := client.ZAdd(ctx, openCorrectionsKey, redis.Z{Score: float64(now.Add(-time.Hour).UnixMilli()), Member: "gone"}).Err(); err != nil {
		t.Fatalf("seed index: %v", err)
	}
	late := &domain.CorrectionRequest{ID: "c1", Status: domain.CorrectionAssigned, Deadline: now.Add(-time.Second)}
	if err := s.SaveCorrection(ctx, late); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := s.OverdueCorrections(ctx, now, 10)
	if err != nil || len(got) != 1 || got[0].ID != "c1" {
		t.Fatalf("expected c1 overdue past the missing entry, got %+v %v", got, err)
	}
	if err := client.ZScore(ctx, openCorrectionsKey, "gone").Err(); err != redis.Nil {
		t.Fatalf("expected stale index entry dropped, got %v", err)
	}
}

func TestStoreOverdueIndex(t *testing.T) {
	s := NewStore(testClient(t))
	ctx := context.Background()
	now := time.Now()

	open := &domain.CorrectionRequest{ID: "c1", Status: domain.CorrectionAssigned, Deadline: now.Add(-time.Second)}
	future := &domain.CorrectionRequest{ID: "c2", Status: domain.CorrectionPending, Deadline: now.Add(time.Hour)}
	for _, r := range []*domain.CorrectionRequest{open, future} {
		if err := s.SaveCorrection(ctx, r); err != nil {
			t.Fatalf("save: %v", err)
		}
	}
	got, err := s.OverdueCorrections(ctx, now, 10)
	if err != nil || len(got) != 1 || got[0].ID != "c1" {
		t.Fatalf("expected c1 overdue, got %+v %v", got, err)
	}

	open.Status = domain.CorrectionCompleted
	if err := s.SaveCorrection(ctx, open); err != nil {
		t.Fatalf("save: %v", err)
	}
	got, err = s.OverdueCorrections(ctx, now, 10)
	if err != nil || len(got) != 0 {
		t.Fatalf("expected nothing overdue, got %+v %v", got, err)
	}
}

func TestStoreUnattested(t *testing.T) {
	s := NewStore(testClient(t))
	ctx := context.Background()
	for _, id := range []string{"b", "a", "c"} {
		if err := s.MarkUnattested(ctx, id); err != nil {
			t.Fatalf("mark: %v", err)
		}
	}
	_ = s.ClearUnattested(ctx, "c")
	ids, err := s.Unattested(ctx, 10)
	if err != nil || len(ids) != 2 || ids[0] != "a" {
		t.Fatalf("unexpected ids %v %v", ids, err)
	}
}

func TestLockerRenewsWhileHeld(t *testing.T) {
	l := NewLocker(testClient(t), 150*time.Millisecond)
	key := "s-" + uuid.NewString()

	unlock, err := l.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("lock: %v", err)
	}
	time.Sleep(500 * time.Millisecond)

	short, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(short, key); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected the held lock to outlive its ttl, got %v", err)
	}

	unlock()
	unlock()
	again, err := l.Lock(context.Background(), key)
	if err != nil {
		t.Fatalf("lock after unlock: %v", err)
	}
	again()
}

func TestLockerExcludes(t *testing.T) {
	l := NewLocker(testClient(t), 5*time.Second)
	ctx := context.Background()
	key := "u-" + uuid.NewString()

	var (
		wg      sync.WaitGroup
		mu      sync.Mutex
		inside  int
		maxSeen int
	)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := l.Lock(ctx, key)
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
			time.Sleep(10 * time.Millisecond)
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

	unlock, _ := l.Lock(ctx, key)
	defer unlock()
	short, cancel := context.WithTimeout(ctx, 50*time.Millisecond)
	defer cancel()
	if _, err := l.Lock(short, key); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestReviewPool(t *testing.T) {
	client := testClient(t)
	p := NewReviewPool(client)
	ctx := context.Background()
	for _, id := range []string{"r1", "r2"} {
		if err := p.RegisterReviewer(ctx, domain.StageHumanReview, id); err != nil {
			t.Fatalf("register: %v", err)
		}
	}
	req, err := p.RequestReview(ctx, domain.ReviewCriteria{Stage: domain.StageHumanReview, RequiredReviews: 1})
	if err != nil || req.Status != domain.CorrectionAssigned || len(req.Reviewers) != 1 {
		t.Fatalf("unexpected request %+v %v", req, err)
	}
	if err := p.Release(ctx, req); err != nil {
		t.Fatalf("release: %v", err)
	}

	own, err := p.RequestReview(ctx, domain.ReviewCriteria{UserID: "r1", Stage: domain.StageHumanReview, RequiredReviews: 2})
	if err != nil || len(own.Reviewers) != 1 || own.AssignedReviewerID != "r2" {
		t.Fatalf("expected only r2 assigned to r1's recitation, got %+v %v", own, err)
	}
	if ok, _ := client.SIsMember(ctx, reviewersKeyPrefix+string(domain.StageHumanReview), "r1").Result(); !ok {
		t.Fatal("expected the submitter to stay in the pool")
	}

	empty, err := p.RequestReview(ctx, domain.ReviewCriteria{Stage: domain.StageScholarValidation, RequiredReviews: 1})
	if err != nil || empty.Status != domain.CorrectionPending {
		t.Fatalf("expected pending scholar request, got %+v %v", empty, err)
	}
}
