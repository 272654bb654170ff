// Package application holds the pipeline that sequences analysis, escalation,
// attestation, scoring, persistence and notification for each submission.
package application

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/nats-io/nuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/escalopa/quran-lab/internal/domain"
	"github.com/escalopa/quran-lab/internal/escalation"
	"github.com/escalopa/quran-lab/internal/level"
	"github.com/escalopa/quran-lab/internal/pkg/logger"
	"github.com/escalopa/quran-lab/internal/progress"
)

var tracer = otel.Tracer("github.com/escalopa/quran-lab/internal/application")

// Options tune the pipeline
type Options struct {
	MaxRetries       uint
	InitialBackoff   time.Duration
	Qiraats          []domain.Qiraat
	DefaultQiraat    domain.Qiraat
	SweepInterval    time.Duration
	SweepBatch       int
	RetryInterval    time.Duration
	AttestationBatch int
	// Integrations names the collaborator behind each port, for Status
	Integrations map[string]string
}

func DefaultOptions() Options {
	return Options{
		MaxRetries:       3,
		InitialBackoff:   500 * time.Millisecond,
		Qiraats:          domain.AllQiraats,
		DefaultQiraat:    domain.QiraatHafs,
		SweepInterval:    time.Minute,
		SweepBatch:       100,
		RetryInterval:    5 * time.Minute,
		AttestationBatch: 50,
	}
}

// Deps are the collaborators the pipeline drives
type Deps struct {
	Analyzer    domain.AnalyzerPort
	Reviews     domain.ReviewPort
	Attestor    domain.AttestationPort
	Storage     domain.StoragePort
	Notifier    domain.NotifierPort
	Submissions domain.SubmissionStorePort
	Locker      domain.LockerPort
	Tracker     *progress.Tracker
	Escalation  *escalation.Controller
	Levels      *level.Engine
	Log         *logger.Logger
}

// SubmitRequest is the caller input for one recitation
type SubmitRequest struct {
	SubmissionID     string   `json:"submission_id" validate:"omitempty,max=128"`
	UserID           string   `json:"user_id" validate:"required,max=128"`
	AudioRef         string   `json:"audio_ref" validate:"required"`
	Qiraat           string   `json:"qiraat"`
	Surah            int      `json:"surah" validate:"required,gte=1,lte=114"`
	FromAyah         int      `json:"from_ayah" validate:"required,gte=1"`
	ToAyah           int      `json:"to_ayah" validate:"omitempty,gte=1"`
	Priority         string   `json:"priority" validate:"omitempty,oneof=low normal high"`
	ForceReview      bool     `json:"force_review"`
	BaselineAccuracy *float64 `json:"baseline_accuracy" validate:"omitempty,gte=0,lte=100"`
}

// Outcome is what a caller gets back for a submission. Status is
// pending-review while a correction request is open.
type Outcome struct {
	SubmissionID   string                    `json:"submission_id"`
	Status         domain.SubmissionStatus   `json:"status"`
	Analysis       *domain.AnalysisResult    `json:"analysis,omitempty"`
	Correction     *domain.CorrectionRequest `json:"correction,omitempty"`
	Resolution     *domain.Resolution        `json:"resolution,omitempty"`
	AttestationRef string                    `json:"attestation_ref,omitempty"`
	Unattested     bool                      `json:"unattested"`
	Points         *domain.PointsLedgerEntry `json:"points,omitempty"`
	Level          *domain.LevelTier         `json:"level,omitempty"`
}

type Pipeline struct {
	analyzer    domain.AnalyzerPort
	reviews     domain.ReviewPort
	attestor    domain.AttestationPort
	storage     domain.StoragePort
	notifier    domain.NotifierPort
	submissions domain.SubmissionStorePort
	locker      domain.LockerPort
	tracker     *progress.Tracker
	esc         *escalation.Controller
	levels      *level.Engine
	log         *logger.Logger

	opts     Options
	validate *validator.Validate
	flight   singleflight.Group
	now      func() time.Time
	started  time.Time
}

type Option func(*Pipeline)

// WithClock overrides the wall clock
func WithClock(now func() time.Time) Option {
	return func(p *Pipeline) { p.now = now }
}

func NewPipeline(d Deps, opts Options, options ...Option) (*Pipeline, error) {
	if len(opts.Qiraats) == 0 {
		return nil, fmt.Errorf("%w: no supported qiraat configured", domain.ErrInvalidInput)
	}
	if !contains(opts.Qiraats, opts.DefaultQiraat) {
		return nil, fmt.Errorf("%w: default qiraat %q is not supported", domain.ErrInvalidInput, opts.DefaultQiraat)
	}
	log := d.Log
	if log == nil {
		log = logger.Nop()
	}
	p := &Pipeline{
		analyzer:    d.Analyzer,
		reviews:     d.Reviews,
		attestor:    d.Attestor,
		storage:     d.Storage,
		notifier:    d.Notifier,
		submissions: d.Submissions,
		locker:      d.Locker,
		tracker:     d.Tracker,
		esc:         d.Escalation,
		levels:      d.Levels,
		log:         log.With("component", "pipeline"),
		opts:        opts,
		validate:    validator.New(),
		now:         time.Now,
	}
	for _, o := range options {
		o(p)
	}
	p.started = p.now()
	return p, nil
}

// Submit runs a recitation through the pipeline. Submitting an id again
// resumes it from its recorded status and never repeats a completed stage.
func (p *Pipeline) Submit(ctx context.Context, req SubmitRequest) (*Outcome, error) {
	if err := p.validate.Struct(req); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInvalidInput, err)
	}
	rec, err := p.newRecord(req)
	if err != nil {
		return nil, err
	}

	// only calls from the same user share a run; another user's id clash
	// reaches the ownership check below
	v, err, _ := p.flight.Do(rec.UserID+"\x00"+rec.ID, func() (interface{}, error) {
		return p.process(ctx, rec)
	})
	if err != nil {
		return nil, err
	}
	return v.(*Outcome), nil
}

func (p *Pipeline) newRecord(req SubmitRequest) (*domain.SubmissionRecord, error) {
	q := p.opts.DefaultQiraat
	if req.Qiraat != "" {
		parsed, err := domain.ParseQiraat(req.Qiraat)
		if err != nil {
			return nil, err
		}
		if !contains(p.opts.Qiraats, parsed) {
			return nil, fmt.Errorf("%w: qiraat %s is not supported", domain.ErrInvalidInput, parsed)
		}
		q = parsed
	}

	loc := domain.Locator{Surah: req.Surah, FromAyah: req.FromAyah, ToAyah: req.ToAyah}
	if loc.ToAyah == 0 {
		loc.ToAyah = loc.FromAyah
	}
	if err := loc.Validate(); err != nil {
		return nil, err
	}

	priority := domain.Priority(req.Priority)
	if priority == "" {
		priority = domain.PriorityNormal
	}
	id := req.SubmissionID
	if id == "" {
		id = uuid.NewString()
	}

	return &domain.SubmissionRecord{
		ID:               id,
		UserID:           req.UserID,
		AudioRef:         req.AudioRef,
		Qiraat:           q,
		Locator:          loc,
		Priority:         priority,
		ForceReview:      req.ForceReview,
		BaselineAccuracy: req.BaselineAccuracy,
	}, nil
}

func (p *Pipeline) process(ctx context.Context, in *domain.SubmissionRecord) (*Outcome, error) {
	ctx, span := tracer.Start(ctx, "pipeline.submit", trace.WithAttributes(
		attribute.String("submission.id", in.ID),
		attribute.String("user.id", in.UserID),
	))
	defer span.End()

	out, err := p.withSubmission(ctx, in.ID, func(ctx context.Context) (*Outcome, error) {
		rec, err := p.submissions.GetSubmission(ctx, in.ID)
		switch {
		case errors.Is(err, domain.ErrNotFound):
			rec, err = p.start(ctx, in)
			if err != nil {
				return nil, err
			}
		case err != nil:
			return nil, fmt.Errorf("get submission: %w", err)
		case rec.UserID != in.UserID:
			return nil, fmt.Errorf("%w: submission %s belongs to another user", domain.ErrConflict, in.ID)
		}
		return p.advance(ctx, rec)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}
	return out, err
}

// start analyzes a new submission. Nothing is saved when analysis fails so the
// caller can resubmit the same id.
func (p *Pipeline) start(ctx context.Context, rec *domain.SubmissionRecord) (*domain.SubmissionRecord, error) {
	log := p.log.With("submission_id", rec.ID, "user_id", rec.UserID)

	if rec.BaselineAccuracy == nil {
		snap, err := p.tracker.Snapshot(ctx, rec.UserID)
		if err != nil {
			return nil, err
		}
		rec.BaselineAccuracy = snap.LastAccuracy
	}

	res, err := p.analyze(ctx, rec)
	if err != nil {
		log.Warn("analysis failed", "error", err)
		return nil, err
	}

	now := p.now()
	rec.Analysis = res
	rec.CreatedAt = now
	if err := rec.Advance(domain.StatusAnalyzed, now); err != nil {
		return nil, err
	}
	if err := p.submissions.SaveSubmission(ctx, rec); err != nil {
		return nil, fmt.Errorf("save submission: %w", err)
	}
	log.Info("submission analyzed", "accuracy", res.Accuracy, "confidence", res.Confidence)
	return rec, nil
}

func (p *Pipeline) analyze(ctx context.Context, rec *domain.SubmissionRecord) (*domain.AnalysisResult, error) {
	ctx, span := tracer.Start(ctx, "pipeline.analyze")
	defer span.End()

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.opts.InitialBackoff
	req := domain.AnalysisRequest{
		SubmissionID:     rec.ID,
		UserID:           rec.UserID,
		AudioRef:         rec.AudioRef,
		Qiraat:           rec.Qiraat,
		Locator:          rec.Locator,
		BaselineAccuracy: rec.BaselineAccuracy,
	}

	res, err := backoff.Retry(ctx, func() (*domain.AnalysisResult, error) {
		r, err := p.analyzer.Analyze(ctx, req)
		if err != nil {
			if errors.Is(err, domain.ErrInvalidInput) {
				return nil, backoff.Permanent(err)
			}
			return nil, err
		}
		if r == nil {
			return nil, errors.New("empty analysis result")
		}
		return r, nil
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(p.opts.MaxRetries+1),
		backoff.WithNotify(func(err error, next time.Duration) {
			p.log.Warn("analysis attempt failed", "submission_id", rec.ID, "error", err, "retry_in", next)
		}),
	)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, domain.ErrInvalidInput) {
			return nil, err
		}
		return nil, fmt.Errorf("%w: %v", domain.ErrAnalysisUnavailable, err)
	}
	if err := res.Validate(); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("analysis result: %w", err)
	}
	intention := res.IntentionMultiplier()
	if intention < 1 {
		return nil, fmt.Errorf("%w: intention multiplier %v below 1", domain.ErrInvalidInput, intention)
	}
	return res, nil
}

// advance drives the record forward from whatever status it has reached
func (p *Pipeline) advance(ctx context.Context, rec *domain.SubmissionRecord) (*Outcome, error) {
	switch rec.Status {
	case domain.StatusWithdrawn:
		return nil, fmt.Errorf("%w: submission %s was withdrawn", domain.ErrConflict, rec.ID)
	case domain.StatusScoringError:
		return nil, fmt.Errorf("%w: %s", domain.ErrScoring, rec.Failure)
	case domain.StatusAnalyzed:
		if err := p.apply(ctx, rec, p.esc.Begin(rec)); err != nil {
			return nil, err
		}
	}
	if rec.Status == domain.StatusPendingReview {
		return outcomeOf(rec), nil
	}
	return p.finish(ctx, rec)
}

// apply records one escalation step on the submission
func (p *Pipeline) apply(ctx context.Context, rec *domain.SubmissionRecord, step escalation.Step) error {
	now := p.now()
	switch {
	case step.Escalate != nil:
		return p.openCorrection(ctx, rec, step.Escalate, now)
	case step.Resolution != nil:
		if err := rec.Advance(domain.StatusReviewed, now); err != nil {
			return err
		}
		if err := p.submissions.SaveSubmission(ctx, rec); err != nil {
			return fmt.Errorf("save submission: %w", err)
		}
		p.log.Info("escalation resolved", "submission_id", rec.ID,
			"state", step.Resolution.State, "stage", step.Resolution.Stage)
	}
	return nil
}

func (p *Pipeline) openCorrection(ctx context.Context, rec *domain.SubmissionRecord, t *escalation.Target, now time.Time) error {
	ctx, span := tracer.Start(ctx, "pipeline.escalate", trace.WithAttributes(
		attribute.String("stage", string(t.Stage)),
	))
	defer span.End()

	req, err := p.reviews.RequestReview(ctx, domain.ReviewCriteria{
		RequestID:        nuid.Next(),
		SubmissionID:     rec.ID,
		UserID:           rec.UserID,
		Stage:            t.Stage,
		Qiraat:           rec.Qiraat,
		Locator:          rec.Locator,
		Priority:         rec.Priority,
		RequiredReviews:  t.RequiredReviews,
		MinReviewerLevel: t.MinReviewerLevel,
		Reason:           t.Reason,
		Deadline:         p.esc.Deadline(now),
	})
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("request review: %w", err)
	}
	req.SubmissionID = rec.ID
	req.UserID = rec.UserID
	if req.RequiredReviews == 0 {
		req.RequiredReviews = t.RequiredReviews
	}
	if req.CreatedAt.IsZero() {
		req.CreatedAt = now
	}
	if req.Deadline.IsZero() {
		req.Deadline = p.esc.Deadline(req.CreatedAt)
	}
	if err := p.submissions.SaveCorrection(ctx, req); err != nil {
		return fmt.Errorf("save correction: %w", err)
	}

	rec.Escalation.Active = req
	if rec.Status != domain.StatusPendingReview {
		if err := rec.Advance(domain.StatusPendingReview, now); err != nil {
			return err
		}
	}
	rec.UpdatedAt = now
	if err := p.submissions.SaveSubmission(ctx, rec); err != nil {
		return fmt.Errorf("save submission: %w", err)
	}

	p.log.Info("correction requested", "submission_id", rec.ID, "user_id", rec.UserID,
		"correction_id", req.ID, "stage", req.Stage, "status", req.Status, "reason", req.Reason)
	p.notify(ctx, rec.UserID, domain.EventCorrectionAssigned, domain.Notification{
		SubmissionID: rec.ID,
		Locator:      rec.Locator,
		Correction:   req,
	})
	return nil
}

// finish attests, scores, persists and notifies a reviewed submission
func (p *Pipeline) finish(ctx context.Context, rec *domain.SubmissionRecord) (*Outcome, error) {
	log := p.log.With("submission_id", rec.ID, "user_id", rec.UserID)

	if rec.Status == domain.StatusReviewed {
		if !rec.AttestationAttempted {
			p.attest(ctx, rec)
			if err := p.submissions.SaveSubmission(ctx, rec); err != nil {
				return nil, fmt.Errorf("save submission: %w", err)
			}
		}
		if err := p.score(ctx, rec); err != nil {
			return nil, err
		}
	}

	if rec.Status == domain.StatusScored {
		if err := p.persist(ctx, rec); err != nil {
			log.Error("persist composite record", "error", err)
			return nil, err
		}
		if err := rec.Advance(domain.StatusStored, p.now()); err != nil {
			return nil, err
		}
		if err := p.submissions.SaveSubmission(ctx, rec); err != nil {
			return nil, fmt.Errorf("save submission: %w", err)
		}
	}

	if rec.Status == domain.StatusStored && !rec.Notified {
		// notifications are at most once; a failed send is logged, not retried
		rec.Notified = true
		if err := p.submissions.SaveSubmission(ctx, rec); err != nil {
			return nil, fmt.Errorf("save submission: %w", err)
		}
		p.announce(ctx, rec)
	}
	return outcomeOf(rec), nil
}

// attest makes the single attestation attempt of a submission
func (p *Pipeline) attest(ctx context.Context, rec *domain.SubmissionRecord) {
	ctx, span := tracer.Start(ctx, "pipeline.attest")
	defer span.End()

	rec.AttestationAttempted = true
	ref, err := p.attestor.Attest(ctx, rec)
	if err == nil {
		rec.AttestationRef = ref
		return
	}
	span.RecordError(err)
	p.log.Warn("attestation failed, scheduled for retry", "submission_id", rec.ID, "error", err)
	rec.Unattested = true
	if err := p.submissions.MarkUnattested(ctx, rec.ID); err != nil {
		p.log.Error("mark unattested", "submission_id", rec.ID, "error", err)
	}
}

func (p *Pipeline) score(ctx context.Context, rec *domain.SubmissionRecord) error {
	ctx, span := tracer.Start(ctx, "pipeline.score")
	defer span.End()

	res := rec.Escalation.Resolution
	if res == nil {
		return fmt.Errorf("%w: submission %s has no resolution", domain.ErrScoring, rec.ID)
	}
	award, err := p.tracker.Award(ctx, rec.ID, rec.UserID, res.Analysis)
	if errors.Is(err, domain.ErrScoring) {
		span.RecordError(err)
		rec.Failure = err.Error()
		if aerr := rec.Advance(domain.StatusScoringError, p.now()); aerr != nil {
			return aerr
		}
		if serr := p.submissions.SaveSubmission(ctx, rec); serr != nil {
			return fmt.Errorf("save submission: %w", serr)
		}
		p.log.Error("scoring failed", "submission_id", rec.ID, "user_id", rec.UserID, "error", err)
		return err
	}
	if err != nil {
		return fmt.Errorf("award points: %w", err)
	}

	rec.Points = award.Entry
	lvl := award.Progress.Level
	rec.Level = &lvl
	if err := rec.Advance(domain.StatusScored, p.now()); err != nil {
		return err
	}
	if err := p.submissions.SaveSubmission(ctx, rec); err != nil {
		return fmt.Errorf("save submission: %w", err)
	}
	p.log.Info("points awarded", "submission_id", rec.ID, "user_id", rec.UserID,
		"raw", award.Entry.Raw, "awarded", award.Entry.Awarded, "cumulative", award.Entry.Cumulative,
		"level", lvl.Key, "duplicate", award.Duplicate)
	return nil
}

func (p *Pipeline) persist(ctx context.Context, rec *domain.SubmissionRecord) error {
	ctx, span := tracer.Start(ctx, "pipeline.persist")
	defer span.End()

	if err := p.storage.Persist(ctx, compositeOf(rec, p.now())); err != nil {
		span.RecordError(err)
		return fmt.Errorf("%w: %v", domain.ErrPersistence, err)
	}
	return nil
}

func (p *Pipeline) announce(ctx context.Context, rec *domain.SubmissionRecord) {
	n := domain.Notification{
		SubmissionID: rec.ID,
		Locator:      rec.Locator,
		Points:       rec.Points,
		Level:        rec.Level,
	}
	if rec.Points != nil {
		n.Cumulative = rec.Points.Cumulative
	}
	if res := rec.Escalation.Resolution; res != nil {
		n.Suggestions = res.Analysis.Suggestions
	}
	p.notify(ctx, rec.UserID, domain.EventProgressUpdate, n)

	if rec.Points != nil && rec.Points.LevelUp != nil {
		n.Transition = rec.Points.LevelUp
		p.notify(ctx, rec.UserID, domain.EventLevelUp, n)
	}
}

func (p *Pipeline) notify(ctx context.Context, userID string, kind domain.EventKind, n domain.Notification) {
	if p.notifier == nil {
		return
	}
	if err := p.notifier.Notify(ctx, userID, kind, n); err != nil {
		p.log.Warn("notification failed", "submission_id", n.SubmissionID, "user_id", userID,
			"kind", kind, "error", err)
	}
}

// withSubmission serializes work on one submission across instances
func (p *Pipeline) withSubmission(ctx context.Context, id string, fn func(ctx context.Context) (*Outcome, error)) (*Outcome, error) {
	unlock, err := p.locker.Lock(ctx, "submission:"+id)
	if err != nil {
		return nil, fmt.Errorf("lock submission %s: %w", id, err)
	}
	defer unlock()
	return fn(ctx)
}

func compositeOf(rec *domain.SubmissionRecord, now time.Time) *domain.CompositeRecord {
	c := &domain.CompositeRecord{
		Submission: *rec,
		Points:     rec.Points,
		Level:      rec.Level,
		StoredAt:   now,
	}
	if h := rec.Escalation.History; len(h) > 0 {
		last := h[len(h)-1]
		c.Correction = &last
	}
	return c
}

func outcomeOf(rec *domain.SubmissionRecord) *Outcome {
	out := &Outcome{
		SubmissionID:   rec.ID,
		Status:         rec.Status,
		Analysis:       rec.Analysis,
		Resolution:     rec.Escalation.Resolution,
		AttestationRef: rec.AttestationRef,
		Unattested:     rec.Unattested,
		Points:         rec.Points,
		Level:          rec.Level,
	}
	if rec.Escalation.Active != nil {
		out.Correction = rec.Escalation.Active
	} else if h := rec.Escalation.History; len(h) > 0 {
		last := h[len(h)-1]
		out.Correction = &last
	}
	return out
}

func contains(qs []domain.Qiraat, q domain.Qiraat) bool {
	for _, have := range qs {
		if have == q {
			return true
		}
	}
	return false
}
