package gormstore

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/escalopa/quran-lab/internal/domain"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := Open("sqlite", "file::memory:")
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("sql db: %v", err)
	}
	// every pooled connection would otherwise see its own empty database
	sqlDB.SetMaxOpenConns(1)
	t.Cleanup(func() { _ = sqlDB.Close() })

	s, err := NewStore(db)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	return s
}

func composite(id string, awarded float64, stored time.Time) *domain.CompositeRecord {
	return &domain.CompositeRecord{
		Submission: domain.SubmissionRecord{
			ID:       id,
			UserID:   "u1",
			Qiraat:   domain.QiraatHafs,
			Locator:  domain.Locator{Surah: 1, FromAyah: 1, ToAyah: 7},
			Status:   domain.StatusScored,
			Analysis: &domain.AnalysisResult{Accuracy: 92, Confidence: 0.97},
		},
		Points:   &domain.PointsLedgerEntry{SubmissionID: id, UserID: "u1", Awarded: awarded},
		Level:    &domain.LevelTier{Key: "student"},
		StoredAt: stored,
	}
}

func TestPersistUpserts(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	now := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	rec := composite("s1", 40, now)
	rec.Submission.Unattested = true
	if err := s.Persist(ctx, rec); err != nil {
		t.Fatalf("persist: %v", err)
	}

	rec.Submission.Unattested = false
	rec.Submission.AttestationRef = "ledger:1"
	if err := s.Persist(ctx, rec); err != nil {
		t.Fatalf("persist again: %v", err)
	}

	got, err := s.Get(ctx, "s1")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Submission.AttestationRef != "ledger:1" || got.Points.Awarded != 40 {
		t.Fatalf("unexpected stored record %+v", got)
	}

	rows, err := s.History(ctx, "u1", 0)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 1 || rows[0].Unattested || rows[0].LevelKey != "student" {
		t.Fatalf("expected one attested row, got %+v", rows)
	}
}

func TestHistoryOrdersNewestFirst(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

	for i, id := range []string{"a", "b", "c"} {
		if err := s.Persist(ctx, composite(id, 10, base.Add(time.Duration(i)*time.Hour))); err != nil {
			t.Fatalf("persist %s: %v", id, err)
		}
	}
	rows, err := s.History(ctx, "u1", 2)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(rows) != 2 || rows[0].SubmissionID != "c" || rows[1].SubmissionID != "b" {
		t.Fatalf("unexpected order %+v", rows)
	}
}

func TestGetMissing(t *testing.T) {
	s := newTestStore(t)
	if _, err := s.Get(context.Background(), "nope"); !errors.Is(err, domain.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}

func TestOpenRejectsUnknownDriver(t *testing.T) {
	if _, err := Open("mysql", "x"); err == nil {
		t.Fatal("expected error for unknown driver")
	}
}
