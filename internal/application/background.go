package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/escalopa/quran-lab/internal/domain"
)

// Run drives the deadline sweeper and the attestation retrier until ctx is
// cancelled.
func (p *Pipeline) Run(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return every(gctx, p.opts.SweepInterval, func(ctx context.Context) {
			if n, err := p.ExpireOverdue(ctx); err != nil {
				p.log.Error("sweep overdue corrections", "error", err)
			} else if n > 0 {
				p.log.Info("overdue corrections resolved", "count", n)
			}
		})
	})
	g.Go(func() error {
		return every(gctx, p.opts.RetryInterval, func(ctx context.Context) {
			if n, err := p.RetryAttestations(ctx); err != nil {
				p.log.Error("retry attestations", "error", err)
			} else if n > 0 {
				p.log.Info("submissions attested on retry", "count", n)
			}
		})
	})
	err := g.Wait()
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func every(ctx context.Context, interval time.Duration, fn func(context.Context)) error {
	if interval <= 0 {
		<-ctx.Done()
		return ctx.Err()
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn(ctx)
		}
	}
}

// ExpireOverdue times out correction requests whose deadline passed and
// resumes their submissions with the fallback result. It returns how many
// requests were resolved.
func (p *Pipeline) ExpireOverdue(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "pipeline.expire_overdue")
	defer span.End()

	overdue, err := p.submissions.OverdueCorrections(ctx, p.now(), p.opts.SweepBatch)
	if err != nil {
		return 0, fmt.Errorf("list overdue corrections: %w", err)
	}
	var n int
	for _, req := range overdue {
		ok, err := p.expire(ctx, req.SubmissionID, req.ID)
		if err != nil {
			p.log.Error("expire correction", "correction_id", req.ID, "submission_id", req.SubmissionID, "error", err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (p *Pipeline) expire(ctx context.Context, submissionID, requestID string) (bool, error) {
	var expired bool
	_, err := p.withSubmission(ctx, submissionID, func(ctx context.Context) (*Outcome, error) {
		req, err := p.submissions.GetCorrection(ctx, requestID)
		if err != nil {
			return nil, fmt.Errorf("get correction: %w", err)
		}
		rec, err := p.submissions.GetSubmission(ctx, submissionID)
		if err != nil {
			return nil, fmt.Errorf("get submission: %w", err)
		}

		now := p.now()
		if rec.Escalation.Active == nil || rec.Escalation.Active.ID != req.ID {
			// stale request left open by an interrupted run
			if req.Status.Open() {
				req.Status = domain.CorrectionCancelled
				if err := p.submissions.SaveCorrection(ctx, req); err != nil {
					return nil, fmt.Errorf("save correction: %w", err)
				}
				p.release(ctx, req)
			}
			return nil, nil
		}

		step, ok := p.esc.Expire(rec, req, now)
		if !ok {
			return nil, nil
		}
		expired = true
		if err := p.submissions.SaveCorrection(ctx, req); err != nil {
			return nil, fmt.Errorf("save correction: %w", err)
		}
		p.release(ctx, req)
		p.log.Info("correction timed out", "submission_id", rec.ID, "correction_id", req.ID, "stage", req.Stage)
		return p.resume(ctx, rec, step)
	})
	return expired, err
}

// RetryAttestations retries attestation for submissions flagged unattested
// and re-persists the stored ones. It returns how many were attested.
func (p *Pipeline) RetryAttestations(ctx context.Context) (int, error) {
	ctx, span := tracer.Start(ctx, "pipeline.retry_attestations")
	defer span.End()

	ids, err := p.submissions.Unattested(ctx, p.opts.AttestationBatch)
	if err != nil {
		return 0, fmt.Errorf("list unattested: %w", err)
	}
	var n int
	for _, id := range ids {
		ok, err := p.reattest(ctx, id)
		if err != nil {
			p.log.Warn("attestation retry failed", "submission_id", id, "error", err)
			continue
		}
		if ok {
			n++
		}
	}
	return n, nil
}

func (p *Pipeline) reattest(ctx context.Context, id string) (bool, error) {
	var attested bool
	_, err := p.withSubmission(ctx, id, func(ctx context.Context) (*Outcome, error) {
		rec, err := p.submissions.GetSubmission(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			return nil, p.submissions.ClearUnattested(ctx, id)
		}
		if err != nil {
			return nil, fmt.Errorf("get submission: %w", err)
		}
		if !rec.Unattested {
			return nil, p.submissions.ClearUnattested(ctx, id)
		}

		ref, err := p.attestor.Attest(ctx, rec)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrAttestation, err)
		}
		rec.AttestationRef = ref
		rec.Unattested = false
		rec.UpdatedAt = p.now()
		if err := p.submissions.SaveSubmission(ctx, rec); err != nil {
			return nil, fmt.Errorf("save submission: %w", err)
		}
		if rec.Status.AtLeast(domain.StatusStored) {
			if err := p.persist(ctx, rec); err != nil {
				return nil, err
			}
		}
		attested = true
		return nil, p.submissions.ClearUnattested(ctx, id)
	})
	return attested, err
}
