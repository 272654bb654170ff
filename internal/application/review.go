package application

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/escalopa/quran-lab/internal/domain"
	"github.com/escalopa/quran-lab/internal/escalation"
	"github.com/escalopa/quran-lab/internal/level"
)

// CompleteReview records a reviewer outcome on a correction request and
// resumes the submission when the stage is done.
func (p *Pipeline) CompleteReview(ctx context.Context, requestID string, outcome domain.ReviewOutcome) (*Outcome, error) {
	if err := p.validate.Struct(outcome); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	req, err := p.submissions.GetCorrection(ctx, requestID)
	if err != nil {
		return nil, fmt.Errorf("get correction: %w", err)
	}

	ctx, span := tracer.Start(ctx, "pipeline.complete_review", trace.WithAttributes(
		attribute.String("correction.id", requestID),
		attribute.String("submission.id", req.SubmissionID),
	))
	defer span.End()

	return p.withSubmission(ctx, req.SubmissionID, func(ctx context.Context) (*Outcome, error) {
		// reload under the lock
		req, err := p.submissions.GetCorrection(ctx, requestID)
		if err != nil {
			return nil, fmt.Errorf("get correction: %w", err)
		}
		rec, err := p.submissions.GetSubmission(ctx, req.SubmissionID)
		if err != nil {
			return nil, fmt.Errorf("get submission: %w", err)
		}
		if rec.Escalation.Active == nil || rec.Escalation.Active.ID != req.ID {
			return nil, fmt.Errorf("%w: correction %s is not active on submission %s", domain.ErrConflict, req.ID, rec.ID)
		}
		if outcome.ReviewerID == rec.UserID {
			return nil, fmt.Errorf("%w: reviewers cannot review their own recitation", domain.ErrInvalidInput)
		}
		// a request short of assigned reviewers accepts any reviewer
		if len(req.Reviewers) >= req.RequiredReviews && !assigned(req, outcome.ReviewerID) {
			return nil, fmt.Errorf("%w: reviewer %s is not assigned to correction %s", domain.ErrConflict, outcome.ReviewerID, req.ID)
		}

		step, err := p.esc.Complete(rec, req, outcome, p.now())
		if err != nil {
			return nil, err
		}
		if err := p.submissions.SaveCorrection(ctx, req); err != nil {
			return nil, fmt.Errorf("save correction: %w", err)
		}
		p.log.Info("review recorded", "submission_id", rec.ID, "correction_id", req.ID,
			"stage", req.Stage, "reviewer_id", outcome.ReviewerID, "verdict", outcome.Verdict,
			"reviews", len(req.Reviews), "required", req.RequiredReviews)

		if _, err := p.tracker.AwardTeaching(ctx, outcome.ReviewerID); err != nil {
			p.log.Warn("teaching award failed", "reviewer_id", outcome.ReviewerID, "error", err)
		}

		if step.Waiting {
			rec.Escalation.Active = req
			rec.UpdatedAt = p.now()
			if err := p.submissions.SaveSubmission(ctx, rec); err != nil {
				return nil, fmt.Errorf("save submission: %w", err)
			}
			return outcomeOf(rec), nil
		}

		p.release(ctx, req)
		return p.resume(ctx, rec, step)
	})
}

// Withdraw cancels a submission that has not been scored yet and frees the
// reviewers of its open correction request.
func (p *Pipeline) Withdraw(ctx context.Context, submissionID string) (*Outcome, error) {
	return p.withSubmission(ctx, submissionID, func(ctx context.Context) (*Outcome, error) {
		rec, err := p.submissions.GetSubmission(ctx, submissionID)
		if err != nil {
			return nil, fmt.Errorf("get submission: %w", err)
		}
		switch {
		case rec.Status == domain.StatusWithdrawn:
			return outcomeOf(rec), nil
		case rec.Status.Terminal(), rec.Status.AtLeast(domain.StatusScored):
			return nil, fmt.Errorf("%w: submission %s is %s", domain.ErrConflict, rec.ID, rec.Status)
		}

		if active := rec.Escalation.Active; active != nil {
			req, err := p.submissions.GetCorrection(ctx, active.ID)
			if err != nil {
				return nil, fmt.Errorf("get correction: %w", err)
			}
			p.esc.Cancel(rec, req)
			if err := p.submissions.SaveCorrection(ctx, req); err != nil {
				return nil, fmt.Errorf("save correction: %w", err)
			}
			p.release(ctx, req)
		}
		if err := rec.Advance(domain.StatusWithdrawn, p.now()); err != nil {
			return nil, err
		}
		if err := p.submissions.SaveSubmission(ctx, rec); err != nil {
			return nil, fmt.Errorf("save submission: %w", err)
		}
		p.log.Info("submission withdrawn", "submission_id", rec.ID, "user_id", rec.UserID)
		return outcomeOf(rec), nil
	})
}

// RegisterReviewer makes a reviewer available for one review stage
func (p *Pipeline) RegisterReviewer(ctx context.Context, stage domain.Stage, reviewerID string) error {
	switch stage {
	case domain.StageHumanReview, domain.StageScholarValidation, domain.StageCommunityPeerReview:
	default:
		return fmt.Errorf("%w: stage %q does not take reviewers", domain.ErrInvalidInput, stage)
	}
	if reviewerID == "" {
		return fmt.Errorf("%w: reviewer id is required", domain.ErrInvalidInput)
	}
	if err := p.reviews.RegisterReviewer(ctx, stage, reviewerID); err != nil {
		return fmt.Errorf("register reviewer: %w", err)
	}
	return nil
}

// ProgressView is a user's progress with the next tier to reach
type ProgressView struct {
	Progress *domain.UserProgress `json:"progress"`
	Range    string               `json:"range"`
	Next     *level.Next          `json:"next"`
}

// GetProgress returns a snapshot of the user's progress
func (p *Pipeline) GetProgress(ctx context.Context, userID string) (*ProgressView, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: user id is required", domain.ErrInvalidInput)
	}
	snap, err := p.tracker.Snapshot(ctx, userID)
	if err != nil {
		return nil, err
	}
	return &ProgressView{
		Progress: snap,
		Range:    snap.Level.Range(),
		Next:     p.levels.NextLevel(snap.Level, snap.CumulativePoints),
	}, nil
}

// resume applies a terminal or escalating step and continues the pipeline
func (p *Pipeline) resume(ctx context.Context, rec *domain.SubmissionRecord, step escalation.Step) (*Outcome, error) {
	if err := p.apply(ctx, rec, step); err != nil {
		return nil, err
	}
	if rec.Status == domain.StatusPendingReview {
		return outcomeOf(rec), nil
	}
	return p.finish(ctx, rec)
}

func (p *Pipeline) release(ctx context.Context, req *domain.CorrectionRequest) {
	if len(req.Reviewers) == 0 {
		return
	}
	if err := p.reviews.Release(ctx, req); err != nil {
		p.log.Warn("release reviewers", "correction_id", req.ID, "error", err)
	}
}

func assigned(req *domain.CorrectionRequest, reviewerID string) bool {
	for _, id := range req.Reviewers {
		if id == reviewerID {
			return true
		}
	}
	return false
}
