// Package memory keeps working state in process memory. It backs the
// "memory" storage driver and the tests of the pipeline.
package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/escalopa/quran-lab/internal/domain"
)

// Store implements the submission, progress and storage ports. Values are
// deep-copied through JSON so callers never share memory with the store.
type Store struct {
	mu          sync.RWMutex
	submissions map[string][]byte
	corrections map[string][]byte
	progress    map[string][]byte
	awards      map[string][]byte
	records     map[string][]byte
	unattested  map[string]struct{}
	languages   map[string]domain.Language
}

func NewStore() *Store {
	return &Store{
		submissions: make(map[string][]byte),
		corrections: make(map[string][]byte),
		progress:    make(map[string][]byte),
		awards:      make(map[string][]byte),
		records:     make(map[string][]byte),
		unattested:  make(map[string]struct{}),
		languages:   make(map[string]domain.Language),
	}
}

func put(m map[string][]byte, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	m[key] = data
	return nil
}

func get(m map[string][]byte, key string, v interface{}) (bool, error) {
	data, ok := m[key]
	if !ok {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return true, nil
}

func (s *Store) GetSubmission(_ context.Context, id string) (*domain.SubmissionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rec domain.SubmissionRecord
	ok, err := get(s.submissions, id, &rec)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("submission %s: %w", id, domain.ErrNotFound)
	}
	return &rec, nil
}

func (s *Store) SaveSubmission(_ context.Context, rec *domain.SubmissionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(s.submissions, rec.ID, rec)
}

func (s *Store) GetCorrection(_ context.Context, id string) (*domain.CorrectionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var req domain.CorrectionRequest
	ok, err := get(s.corrections, id, &req)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("correction %s: %w", id, domain.ErrNotFound)
	}
	return &req, nil
}

func (s *Store) SaveCorrection(_ context.Context, req *domain.CorrectionRequest) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(s.corrections, req.ID, req)
}

func (s *Store) OverdueCorrections(_ context.Context, now time.Time, limit int) ([]*domain.CorrectionRequest, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []*domain.CorrectionRequest
	for id := range s.corrections {
		var req domain.CorrectionRequest
		if _, err := get(s.corrections, id, &req); err != nil {
			return nil, err
		}
		if req.Overdue(now) {
			out = append(out, &req)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Deadline.Before(out[j].Deadline) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) MarkUnattested(_ context.Context, submissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unattested[submissionID] = struct{}{}
	return nil
}

func (s *Store) ClearUnattested(_ context.Context, submissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.unattested, submissionID)
	return nil
}

func (s *Store) Unattested(_ context.Context, limit int) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.unattested))
	for id := range s.unattested {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *Store) LoadProgress(_ context.Context, userID string) (*domain.UserProgress, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var p domain.UserProgress
	ok, err := get(s.progress, userID, &p)
	if err != nil || !ok {
		return nil, err
	}
	return &p, nil
}

func (s *Store) SaveProgress(_ context.Context, p *domain.UserProgress) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(s.progress, p.UserID, p)
}

func (s *Store) GetAward(_ context.Context, userID, submissionID string) (*domain.PointsLedgerEntry, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var e domain.PointsLedgerEntry
	ok, err := get(s.awards, userID+"/"+submissionID, &e)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("award %s/%s: %w", userID, submissionID, domain.ErrNotFound)
	}
	return &e, nil
}

func (s *Store) SaveAward(_ context.Context, e *domain.PointsLedgerEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(s.awards, e.UserID+"/"+e.SubmissionID, e)
}

// Persist keeps the composite record; it satisfies the storage port in dev mode
func (s *Store) Persist(_ context.Context, rec *domain.CompositeRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return put(s.records, rec.Submission.ID, rec)
}

// Record returns a persisted composite record
func (s *Store) Record(id string) (*domain.CompositeRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var rec domain.CompositeRecord
	ok, err := get(s.records, id, &rec)
	if err != nil || !ok {
		return nil, false
	}
	return &rec, true
}

func (s *Store) GetLanguage(_ context.Context, userID string) (domain.Language, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.languages[userID], nil
}

func (s *Store) SetLanguage(_ context.Context, userID string, lang domain.Language) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.languages[userID] = lang
	return nil
}
