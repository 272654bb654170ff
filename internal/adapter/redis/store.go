package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/escalopa/quran-lab/internal/domain"
)

const (
	submissionKeyPrefix = "quranlab:submission:"
	correctionKeyPrefix = "quranlab:correction:"
	progressKeyPrefix   = "quranlab:progress:"
	awardKeyPrefix      = "quranlab:award:"
	openCorrectionsKey  = "quranlab:corrections:open"
	unattestedKey       = "quranlab:unattested"
	languageKeyPrefix   = "quranlab:language:"
)

// Store keeps in-flight submissions, correction requests and user progress
type Store struct {
	client *redis.Client
}

// Connect parses the URI and checks the server answers
func Connect(uri string) (*redis.Client, error) {
	opts, err := redis.ParseURL(uri)
	if err != nil {
		return nil, fmt.Errorf("parse redis URI: %w", err)
	}

	client := redis.NewClient(opts)

	// Test connection
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("connect to redis: %w", err)
	}

	return client, nil
}

func NewStore(client *redis.Client) *Store {
	return &Store{client: client}
}

func (s *Store) GetSubmission(ctx context.Context, id string) (*domain.SubmissionRecord, error) {
	var rec domain.SubmissionRecord
	if err := s.get(ctx, submissionKeyPrefix+id, &rec); err != nil {
		return nil, fmt.Errorf("submission %s: %w", id, err)
	}
	return &rec, nil
}

func (s *Store) SaveSubmission(ctx context.Context, rec *domain.SubmissionRecord) error {
	return s.set(ctx, submissionKeyPrefix+rec.ID, rec)
}

func (s *Store) GetCorrection(ctx context.Context, id string) (*domain.CorrectionRequest, error) {
	var req domain.CorrectionRequest
	if err := s.get(ctx, correctionKeyPrefix+id, &req); err != nil {
		return nil, fmt.Errorf("correction %s: %w", id, err)
	}
	return &req, nil
}

// SaveCorrection stores the request and keeps the deadline index in step
// with its status.
func (s *Store) SaveCorrection(ctx context.Context, req *domain.CorrectionRequest) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshal correction: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, correctionKeyPrefix+req.ID, data, 0)
		if req.Status.Open() {
			pipe.ZAdd(ctx, openCorrectionsKey, redis.Z{Score: float64(req.Deadline.UnixMilli()), Member: req.ID})
		} else {
			pipe.ZRem(ctx, openCorrectionsKey, req.ID)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("save correction: %w", err)
	}
	return nil
}

func (s *Store) OverdueCorrections(ctx context.Context, now time.Time, limit int) ([]*domain.CorrectionRequest, error) {
	ids, err := s.client.ZRangeByScore(ctx, openCorrectionsKey, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.UnixMilli(), 10),
		Count: int64(limit),
	}).Result()
	if err != nil {
		return nil, fmt.Errorf("list overdue corrections: %w", err)
	}
	out := make([]*domain.CorrectionRequest, 0, len(ids))
	for _, id := range ids {
		req, err := s.GetCorrection(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			// index entry outlived its request
			if err := s.client.ZRem(ctx, openCorrectionsKey, id).Err(); err != nil {
				return nil, fmt.Errorf("drop stale correction %s: %w", id, err)
			}
			continue
		}
		if err != nil {
			return nil, err
		}
		if req.Overdue(now) {
			out = append(out, req)
		}
	}
	return out, nil
}

func (s *Store) MarkUnattested(ctx context.Context, submissionID string) error {
	return s.client.SAdd(ctx, unattestedKey, submissionID).Err()
}

func (s *Store) ClearUnattested(ctx context.Context, submissionID string) error {
	return s.client.SRem(ctx, unattestedKey, submissionID).Err()
}

func (s *Store) Unattested(ctx context.Context, limit int) ([]string, error) {
	ids, err := s.client.SMembers(ctx, unattestedKey).Result()
	if err != nil {
		return nil, fmt.Errorf("list unattested: %w", err)
	}
	sort.Strings(ids)
	if limit > 0 && len(ids) > limit {
		ids = ids[:limit]
	}
	return ids, nil
}

func (s *Store) LoadProgress(ctx context.Context, userID string) (*domain.UserProgress, error) {
	var p domain.UserProgress
	err := s.get(ctx, progressKeyPrefix+userID, &p)
	switch {
	case err == nil:
		return &p, nil
	case errors.Is(err, domain.ErrNotFound):
		return nil, nil
	}
	return nil, fmt.Errorf("progress %s: %w", userID, err)
}

func (s *Store) SaveProgress(ctx context.Context, p *domain.UserProgress) error {
	return s.set(ctx, progressKeyPrefix+p.UserID, p)
}

func (s *Store) GetAward(ctx context.Context, userID, submissionID string) (*domain.PointsLedgerEntry, error) {
	var e domain.PointsLedgerEntry
	if err := s.get(ctx, awardKeyPrefix+userID+":"+submissionID, &e); err != nil {
		return nil, fmt.Errorf("award %s/%s: %w", userID, submissionID, err)
	}
	return &e, nil
}

func (s *Store) SaveAward(ctx context.Context, e *domain.PointsLedgerEntry) error {
	return s.set(ctx, awardKeyPrefix+e.UserID+":"+e.SubmissionID, e)
}

func (s *Store) get(ctx context.Context, key string, v interface{}) error {
	val, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return domain.ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get %s: %w", key, err)
	}
	if err := json.Unmarshal(val, v); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func (s *Store) set(ctx context.Context, key string, v interface{}) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	if err := s.client.Set(ctx, key, data, 0).Err(); err != nil {
		return fmt.Errorf("set %s: %w", key, err)
	}
	return nil
}

func (s *Store) GetLanguage(ctx context.Context, userID string) (domain.Language, error) {
	val, err := s.client.Get(ctx, languageKeyPrefix+userID).Result()
	if err == redis.Nil {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get language %s: %w", userID, err)
	}
	return domain.Language(val), nil
}

func (s *Store) SetLanguage(ctx context.Context, userID string, lang domain.Language) error {
	if err := s.client.Set(ctx, languageKeyPrefix+userID, string(lang), 0).Err(); err != nil {
		return fmt.Errorf("set language %s: %w", userID, err)
	}
	return nil
}
