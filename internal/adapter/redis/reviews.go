package redis

import (
	"context"
	"fmt"
	"time"

	"github.com/nats-io/nuid"
	"github.com/redis/go-redis/v9"

	"github.com/escalopa/quran-lab/internal/domain"
)

const reviewersKeyPrefix = "quranlab:reviewers:"

// takeScript removes up to ARGV[1] free reviewers other than ARGV[2]
var takeScript = redis.NewScript(`
local picked = {}
local want = tonumber(ARGV[1])
for _, id in ipairs(redis.call("SMEMBERS", KEYS[1])) do
	if #picked >= want then
		break
	end
	if id ~= ARGV[2] then
		redis.call("SREM", KEYS[1], id)
		picked[#picked + 1] = id
	end
end
return picked`)

// ReviewPool keeps free reviewers per stage in redis sets
type ReviewPool struct {
	client *redis.Client
}

func NewReviewPool(client *redis.Client) *ReviewPool {
	return &ReviewPool{client: client}
}

func (p *ReviewPool) RegisterReviewer(ctx context.Context, stage domain.Stage, reviewerID string) error {
	return p.client.SAdd(ctx, reviewersKeyPrefix+string(stage), reviewerID).Err()
}

// RequestReview takes free reviewers for the stage, never the submitter; the
// request stays pending when nobody is free.
func (p *ReviewPool) RequestReview(ctx context.Context, c domain.ReviewCriteria) (*domain.CorrectionRequest, error) {
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
		CreatedAt:       time.Now(),
		Deadline:        c.Deadline,
	}

	want := c.RequiredReviews
	if want < 1 {
		want = 1
	}
	ids, err := takeScript.Run(ctx, p.client, []string{reviewersKeyPrefix + string(c.Stage)}, want, c.UserID).StringSlice()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("take reviewers: %w", err)
	}
	if len(ids) > 0 {
		req.Reviewers = ids
		req.AssignedReviewerID = ids[0]
		req.Status = domain.CorrectionAssigned
	}
	return req, nil
}

func (p *ReviewPool) Release(ctx context.Context, req *domain.CorrectionRequest) error {
	if len(req.Reviewers) == 0 {
		return nil
	}
	members := make([]interface{}, len(req.Reviewers))
	for i, id := range req.Reviewers {
		members[i] = id
	}
	return p.client.SAdd(ctx, reviewersKeyPrefix+string(req.Stage), members...).Err()
}
