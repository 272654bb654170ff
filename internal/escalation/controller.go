// Package escalation decides whether a recitation needs human, scholar or
// community review and resolves the submission when review ends.
//
// States and guards, evaluated in this order (first match wins):
//
//	ai-pre-analysis -> human-review       needs_human_review | forced | confidence < floor
//	human-review    -> scholar-validation reviewer rank < minimum | verdict not accepted
//	scholar-validation -> community-peer-review  verdict not accepted
//	community-peer-review -> resolved     once required reviews are recorded
//
// Any open stage whose deadline passes resolves as timed-out-resolved with the
// last accepted outcome, or the AI analysis when there is none.
package escalation

import (
	"fmt"
	"math"
	"time"

	"github.com/escalopa/quran-lab/internal/domain"
)

type HumanReviewConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

type ScholarValidationConfig struct {
	Enabled      bool   `mapstructure:"enabled"`
	MinimumLevel string `mapstructure:"minimum_level"`
}

type CommunityPeerReviewConfig struct {
	Enabled          bool `mapstructure:"enabled"`
	MinimumReviewers int  `mapstructure:"minimum_reviewers"`
}

type AIPreAnalysisConfig struct {
	Confidence float64 `mapstructure:"confidence"`
}

type Config struct {
	ResponseBudget      time.Duration             `mapstructure:"response_budget"`
	SweepInterval       time.Duration             `mapstructure:"sweep_interval"`
	AIPreAnalysis       AIPreAnalysisConfig       `mapstructure:"ai_pre_analysis"`
	HumanReview         HumanReviewConfig         `mapstructure:"human_review"`
	ScholarValidation   ScholarValidationConfig   `mapstructure:"scholar_validation"`
	CommunityPeerReview CommunityPeerReviewConfig `mapstructure:"community_peer_review"`
}

func DefaultConfig() Config {
	return Config{
		ResponseBudget: 30 * time.Minute,
		SweepInterval:  time.Minute,
		AIPreAnalysis:  AIPreAnalysisConfig{Confidence: 0.95},
		HumanReview:    HumanReviewConfig{Enabled: true},
		ScholarValidation: ScholarValidationConfig{
			Enabled:      true,
			MinimumLevel: "hafiz",
		},
		CommunityPeerReview: CommunityPeerReviewConfig{
			Enabled:          true,
			MinimumReviewers: 3,
		},
	}
}

// Ranker resolves a tier key to its rank
type Ranker interface {
	Rank(key string) (int, bool)
}

// Target is a stage the submission must be escalated to
type Target struct {
	Stage            domain.Stage
	Reason           string
	RequiredReviews  int
	MinReviewerLevel string
}

// Step is the outcome of one state machine transition. Exactly one of
// Escalate and Resolution is set, unless Waiting is true.
type Step struct {
	Escalate   *Target
	Resolution *domain.Resolution
	Waiting    bool
}

type Controller struct {
	cfg     Config
	ranks   Ranker
	minRank int
}

func NewController(cfg Config, ranks Ranker) (*Controller, error) {
	if cfg.ResponseBudget <= 0 {
		return nil, fmt.Errorf("%w: escalation.response_budget must be positive", domain.ErrInvalidInput)
	}
	if cfg.AIPreAnalysis.Confidence < 0 || cfg.AIPreAnalysis.Confidence > 1 {
		return nil, fmt.Errorf("%w: escalation.ai_pre_analysis.confidence must be within [0,1]", domain.ErrInvalidInput)
	}
	if cfg.CommunityPeerReview.MinimumReviewers < 1 {
		return nil, fmt.Errorf("%w: escalation.community_peer_review.minimum_reviewers must be at least 1", domain.ErrInvalidInput)
	}
	rank, ok := ranks.Rank(cfg.ScholarValidation.MinimumLevel)
	if !ok {
		return nil, fmt.Errorf("%w: escalation.scholar_validation.minimum_level %q is not a tier", domain.ErrInvalidInput, cfg.ScholarValidation.MinimumLevel)
	}
	return &Controller{cfg: cfg, ranks: ranks, minRank: rank}, nil
}

// ResponseBudget is how long a review stage may stay open
func (c *Controller) ResponseBudget() time.Duration {
	return c.cfg.ResponseBudget
}

// Layers lists the validation layers a submission can pass through, entry
// stage first
func (c *Controller) Layers() []domain.Stage {
	out := []domain.Stage{domain.StageAIPreAnalysis}
	for _, s := range stageOrder {
		if c.enabled(s) {
			out = append(out, s)
		}
	}
	return out
}

// Deadline returns the response deadline for a stage opened at created
func (c *Controller) Deadline(created time.Time) time.Time {
	return created.Add(c.cfg.ResponseBudget)
}

// Begin runs the entry stage against the AI analysis of the record
func (c *Controller) Begin(rec *domain.SubmissionRecord) Step {
	a := *rec.Analysis
	switch {
	case a.NeedsHumanReview:
		return c.escalate(rec, domain.StageHumanReview, "analysis requested human review")
	case rec.ForceReview:
		return c.escalate(rec, domain.StageHumanReview, "human review requested by caller")
	case a.Confidence < c.cfg.AIPreAnalysis.Confidence:
		return c.escalate(rec, domain.StageHumanReview,
			fmt.Sprintf("confidence %.2f below floor %.2f", a.Confidence, c.cfg.AIPreAnalysis.Confidence))
	}
	return c.resolve(rec, domain.ResolutionReviewed, domain.StageAIPreAnalysis, a, nil)
}

// Complete records a reviewer outcome on the active request
func (c *Controller) Complete(rec *domain.SubmissionRecord, req *domain.CorrectionRequest, outcome domain.ReviewOutcome, now time.Time) (Step, error) {
	if !req.Status.Open() {
		return Step{}, fmt.Errorf("%w: correction %s is %s", domain.ErrConflict, req.ID, req.Status)
	}
	if err := validateOutcome(outcome); err != nil {
		return Step{}, err
	}
	if outcome.CompletedAt.IsZero() {
		outcome.CompletedAt = now
	}

	if req.Stage == domain.StageCommunityPeerReview {
		for _, r := range req.Reviews {
			if r.ReviewerID == outcome.ReviewerID {
				return Step{}, fmt.Errorf("%w: reviewer %s already reviewed correction %s", domain.ErrConflict, outcome.ReviewerID, req.ID)
			}
		}
		req.Reviews = append(req.Reviews, outcome)
		if len(req.Reviews) < req.RequiredReviews {
			return Step{Waiting: true}, nil
		}
		outcome = aggregate(req.Reviews, now)
	} else {
		req.Reviews = append(req.Reviews, outcome)
	}

	req.Status = domain.CorrectionCompleted
	req.Outcome = &outcome
	c.archive(rec, req)

	if outcome.Verdict == domain.VerdictAccepted {
		rec.Escalation.LastCompleted = &outcome
		rec.Escalation.LastStage = req.Stage
	}

	switch req.Stage {
	case domain.StageHumanReview:
		rank, ok := c.rank(outcome.ReviewerLevel)
		switch {
		case !ok || rank < c.minRank:
			return c.escalate(rec, domain.StageScholarValidation,
				fmt.Sprintf("reviewer level %q below %q", outcome.ReviewerLevel, c.cfg.ScholarValidation.MinimumLevel)), nil
		case outcome.Verdict != domain.VerdictAccepted:
			return c.escalate(rec, domain.StageScholarValidation, "human reviewer marked the case "+string(outcome.Verdict)), nil
		}
	case domain.StageScholarValidation:
		if outcome.Verdict != domain.VerdictAccepted {
			return c.escalate(rec, domain.StageCommunityPeerReview, "scholar validation "+string(outcome.Verdict)), nil
		}
	case domain.StageCommunityPeerReview:
		if outcome.Verdict != domain.VerdictAccepted {
			base, _ := c.bestAvailable(rec)
			return c.resolve(rec, domain.ResolutionReviewed, req.Stage, base, &outcome), nil
		}
	}

	return c.resolve(rec, domain.ResolutionReviewed, req.Stage, apply(*rec.Analysis, &outcome), &outcome), nil
}

// Expire times out an overdue request and falls back to the best available
// prior result. ok is false when the request is not overdue.
func (c *Controller) Expire(rec *domain.SubmissionRecord, req *domain.CorrectionRequest, now time.Time) (step Step, ok bool) {
	if !req.Overdue(now) {
		return Step{}, false
	}
	req.Status = domain.CorrectionTimedOut
	c.archive(rec, req)

	base, stage := c.bestAvailable(rec)
	return c.resolve(rec, domain.ResolutionTimedOutResolved, stage, base, rec.Escalation.LastCompleted), true
}

// Cancel closes an open request without resolving the submission
func (c *Controller) Cancel(rec *domain.SubmissionRecord, req *domain.CorrectionRequest) {
	if !req.Status.Open() {
		return
	}
	req.Status = domain.CorrectionCancelled
	c.archive(rec, req)
}

func (c *Controller) rank(key string) (int, bool) {
	if key == "" {
		return 0, false
	}
	return c.ranks.Rank(key)
}

func (c *Controller) bestAvailable(rec *domain.SubmissionRecord) (domain.AnalysisResult, domain.Stage) {
	if rec.Escalation.LastCompleted != nil {
		return apply(*rec.Analysis, rec.Escalation.LastCompleted), rec.Escalation.LastStage
	}
	return *rec.Analysis, domain.StageAIPreAnalysis
}

func (c *Controller) enabled(stage domain.Stage) bool {
	switch stage {
	case domain.StageHumanReview:
		return c.cfg.HumanReview.Enabled
	case domain.StageScholarValidation:
		return c.cfg.ScholarValidation.Enabled
	case domain.StageCommunityPeerReview:
		return c.cfg.CommunityPeerReview.Enabled
	}
	return false
}

var stageOrder = []domain.Stage{
	domain.StageHumanReview,
	domain.StageScholarValidation,
	domain.StageCommunityPeerReview,
}

// escalate opens the first enabled stage at or after target
func (c *Controller) escalate(rec *domain.SubmissionRecord, target domain.Stage, reason string) Step {
	for _, s := range stageOrder[stageIndex(target):] {
		if !c.enabled(s) {
			continue
		}
		t := &Target{Stage: s, Reason: reason, RequiredReviews: 1}
		switch s {
		case domain.StageScholarValidation:
			t.MinReviewerLevel = c.cfg.ScholarValidation.MinimumLevel
		case domain.StageCommunityPeerReview:
			t.RequiredReviews = c.cfg.CommunityPeerReview.MinimumReviewers
		}
		return Step{Escalate: t}
	}
	base, stage := c.bestAvailable(rec)
	return c.resolve(rec, domain.ResolutionReviewed, stage, base, rec.Escalation.LastCompleted)
}

func stageIndex(s domain.Stage) int {
	for i, st := range stageOrder {
		if st == s {
			return i
		}
	}
	return -1
}

func (c *Controller) resolve(rec *domain.SubmissionRecord, state domain.ResolutionState, stage domain.Stage, analysis domain.AnalysisResult, outcome *domain.ReviewOutcome) Step {
	res := &domain.Resolution{State: state, Stage: stage, Analysis: analysis, Outcome: outcome}
	rec.Escalation.Resolution = res
	return Step{Resolution: res}
}

func (c *Controller) archive(rec *domain.SubmissionRecord, req *domain.CorrectionRequest) {
	rec.Escalation.History = append(rec.Escalation.History, *req)
	if rec.Escalation.Active != nil && rec.Escalation.Active.ID == req.ID {
		rec.Escalation.Active = nil
	}
}

func validateOutcome(o domain.ReviewOutcome) error {
	if o.ReviewerID == "" {
		return fmt.Errorf("%w: reviewer id is required", domain.ErrInvalidInput)
	}
	switch o.Verdict {
	case domain.VerdictAccepted, domain.VerdictDisputed, domain.VerdictInconclusive:
	default:
		return fmt.Errorf("%w: unknown verdict %q", domain.ErrInvalidInput, o.Verdict)
	}
	if a := o.CorrectedAccuracy; a != nil && (math.IsNaN(*a) || *a < 0 || *a > 100) {
		return fmt.Errorf("%w: corrected accuracy %v out of range [0,100]", domain.ErrInvalidInput, *a)
	}
	return nil
}

// apply overlays a reviewer's corrections on the AI analysis
func apply(a domain.AnalysisResult, o *domain.ReviewOutcome) domain.AnalysisResult {
	if o == nil {
		return a
	}
	if o.CorrectedAccuracy != nil {
		a.Accuracy = *o.CorrectedAccuracy
	}
	if len(o.Corrections) > 0 {
		a.Errors = o.Corrections
	}
	a.NeedsHumanReview = false
	return a
}

// aggregate folds community reviews into one outcome by simple majority.
// Corrected accuracy is the mean over reviews that share the majority verdict.
func aggregate(reviews []domain.ReviewOutcome, now time.Time) domain.ReviewOutcome {
	counts := map[domain.Verdict]int{}
	for _, r := range reviews {
		counts[r.Verdict]++
	}
	verdict := domain.VerdictInconclusive
	for _, v := range []domain.Verdict{domain.VerdictAccepted, domain.VerdictDisputed} {
		if counts[v]*2 > len(reviews) {
			verdict = v
		}
	}

	out := domain.ReviewOutcome{ReviewerID: "community", Verdict: verdict, CompletedAt: now}
	var sum float64
	var n int
	for _, r := range reviews {
		if r.Verdict != verdict {
			continue
		}
		if r.CorrectedAccuracy != nil {
			sum += *r.CorrectedAccuracy
			n++
		}
		if len(out.Corrections) == 0 && len(r.Corrections) > 0 {
			out.Corrections = r.Corrections
		}
	}
	if n > 0 {
		mean := sum / float64(n)
		out.CorrectedAccuracy = &mean
	}
	return out
}
