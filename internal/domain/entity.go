package domain

import (
	"fmt"
	"math"
	"time"
)

// Qiraat is a recognized recitation variant
type Qiraat string

const (
	QiraatHafs  Qiraat = "Hafs"
	QiraatWarsh Qiraat = "Warsh"
	QiraatQalun Qiraat = "Qalun"
	QiraatDuri  Qiraat = "Duri"
	QiraatSusi  Qiraat = "Susi"
)

// AllQiraats lists every variant the core knows about
var AllQiraats = []Qiraat{QiraatHafs, QiraatWarsh, QiraatQalun, QiraatDuri, QiraatSusi}

// ParseQiraat maps a name to a known variant
func ParseQiraat(s string) (Qiraat, error) {
	for _, q := range AllQiraats {
		if string(q) == s {
			return q, nil
		}
	}
	return "", fmt.Errorf("%w: unknown qiraat %q", ErrInvalidInput, s)
}

// Locator identifies a contiguous ayah range within one surah
type Locator struct {
	Surah    int `json:"surah"`
	FromAyah int `json:"from_ayah"`
	ToAyah   int `json:"to_ayah"`
}

// Validate checks the locator against the surah table
func (l Locator) Validate() error {
	surah, ok := GetSurah(l.Surah)
	if !ok {
		return fmt.Errorf("%w: invalid surah number: %d", ErrInvalidInput, l.Surah)
	}
	if l.FromAyah < 1 || l.ToAyah < l.FromAyah || l.ToAyah > surah.Ayahs {
		return fmt.Errorf("%w: invalid ayah range %d-%d (surah %d has %d ayahs)",
			ErrInvalidInput, l.FromAyah, l.ToAyah, l.Surah, surah.Ayahs)
	}
	return nil
}

func (l Locator) String() string {
	if l.FromAyah == l.ToAyah {
		return FormatAyahID(l.Surah, l.FromAyah)
	}
	return FormatAyahID(l.Surah, l.FromAyah) + "-" + FormatAyahID(l.Surah, l.ToAyah)
}

type SubmissionStatus string

const (
	StatusAnalyzed      SubmissionStatus = "analyzed"
	StatusPendingReview SubmissionStatus = "pending-review"
	StatusReviewed      SubmissionStatus = "reviewed"
	StatusScored        SubmissionStatus = "scored"
	StatusStored        SubmissionStatus = "stored"

	// terminal failure states
	StatusScoringError SubmissionStatus = "scoring-error"
	StatusWithdrawn    SubmissionStatus = "withdrawn"
)

func (s SubmissionStatus) rank() int {
	switch s {
	case StatusAnalyzed:
		return 1
	case StatusPendingReview:
		return 2
	case StatusReviewed:
		return 3
	case StatusScored:
		return 4
	case StatusStored:
		return 5
	case StatusScoringError, StatusWithdrawn:
		return 6
	}
	return 0
}

// Terminal reports whether no further stage can run for the status
func (s SubmissionStatus) Terminal() bool {
	return s == StatusScoringError || s == StatusWithdrawn
}

// AtLeast reports whether s has reached the given progress status
func (s SubmissionStatus) AtLeast(other SubmissionStatus) bool {
	if s.Terminal() {
		return false
	}
	return s.rank() >= other.rank()
}

// RecitationError is one mistake reported by the analysis service
type RecitationError struct {
	Kind     string `json:"kind"` // e.g. "makharij", "tajweed", "harakah", "deletion"
	Word     string `json:"word,omitempty"`
	Ayah     string `json:"ayah,omitempty"`
	Position int    `json:"position"`
	Note     string `json:"note,omitempty"`
}

// AnalysisResult is the output of the external analysis service
type AnalysisResult struct {
	Accuracy         float64           `json:"accuracy"`    // 0..100
	Improvement      float64           `json:"improvement"` // signed percentage vs baseline
	Errors           []RecitationError `json:"errors"`
	NeedsHumanReview bool              `json:"needs_human_review"`
	Confidence       float64           `json:"confidence"` // 0..1
	Intention        float64           `json:"intention,omitempty"`
	Suggestions      []string          `json:"suggestions,omitempty"`
}

// Validate rejects out-of-range values instead of clamping them
func (a AnalysisResult) Validate() error {
	if math.IsNaN(a.Accuracy) || a.Accuracy < 0 || a.Accuracy > 100 {
		return fmt.Errorf("%w: accuracy %v out of range [0,100]", ErrInvalidInput, a.Accuracy)
	}
	if math.IsNaN(a.Confidence) || a.Confidence < 0 || a.Confidence > 1 {
		return fmt.Errorf("%w: confidence %v out of range [0,1]", ErrInvalidInput, a.Confidence)
	}
	if math.IsNaN(a.Improvement) || math.IsInf(a.Improvement, 0) {
		return fmt.Errorf("%w: improvement %v is not a number", ErrInvalidInput, a.Improvement)
	}
	return nil
}

// IntentionMultiplier returns the niyyah multiplier, 1.0 when unset
func (a AnalysisResult) IntentionMultiplier() float64 {
	if a.Intention == 0 {
		return 1.0
	}
	return a.Intention
}

type Stage string

const (
	StageAIPreAnalysis       Stage = "ai-pre-analysis"
	StageHumanReview         Stage = "human-review"
	StageScholarValidation   Stage = "scholar-validation"
	StageCommunityPeerReview Stage = "community-peer-review"
)

type CorrectionStatus string

const (
	CorrectionPending   CorrectionStatus = "pending"
	CorrectionAssigned  CorrectionStatus = "assigned"
	CorrectionCompleted CorrectionStatus = "completed"
	CorrectionTimedOut  CorrectionStatus = "timed-out"
	CorrectionCancelled CorrectionStatus = "cancelled"
)

// Open reports whether the request still waits on reviewers
func (s CorrectionStatus) Open() bool {
	return s == CorrectionPending || s == CorrectionAssigned
}

type Verdict string

const (
	VerdictAccepted     Verdict = "accepted"
	VerdictDisputed     Verdict = "disputed"
	VerdictInconclusive Verdict = "inconclusive"
)

// ReviewOutcome is one reviewer's correction payload
type ReviewOutcome struct {
	ReviewerID        string            `json:"reviewer_id" validate:"required"`
	ReviewerLevel     string            `json:"reviewer_level"` // tier key declared by the reviewer
	Verdict           Verdict           `json:"verdict" validate:"required,oneof=accepted disputed inconclusive"`
	CorrectedAccuracy *float64          `json:"corrected_accuracy,omitempty" validate:"omitempty,gte=0,lte=100"`
	Corrections       []RecitationError `json:"corrections,omitempty"`
	Notes             string            `json:"notes,omitempty"`
	CompletedAt       time.Time         `json:"completed_at"`
}

// CorrectionRequest tracks one escalation stage for a submission
type CorrectionRequest struct {
	ID                 string           `json:"id"`
	SubmissionID       string           `json:"submission_id"`
	UserID             string           `json:"user_id"`
	Stage              Stage            `json:"stage"`
	Status             CorrectionStatus `json:"status"`
	Reason             string           `json:"reason"`
	AssignedReviewerID string           `json:"assigned_reviewer_id,omitempty"`
	Reviewers          []string         `json:"reviewers,omitempty"`
	RequiredReviews    int              `json:"required_reviews"`
	Reviews            []ReviewOutcome  `json:"reviews,omitempty"`
	Outcome            *ReviewOutcome   `json:"outcome,omitempty"`
	CreatedAt          time.Time        `json:"created_at"`
	Deadline           time.Time        `json:"deadline"`
}

// Overdue reports whether the deadline elapsed while the request was open
func (r *CorrectionRequest) Overdue(now time.Time) bool {
	return r.Status.Open() && !now.Before(r.Deadline)
}

type ResolutionState string

const (
	ResolutionReviewed         ResolutionState = "reviewed"
	ResolutionTimedOutResolved ResolutionState = "timed-out-resolved"
)

// Resolution is the terminal result of the escalation state machine
type Resolution struct {
	State    ResolutionState `json:"state"`
	Stage    Stage           `json:"stage"`
	Analysis AnalysisResult  `json:"analysis"` // effective analysis fed into scoring
	Outcome  *ReviewOutcome  `json:"outcome,omitempty"`
}

// Escalation is the per-submission escalation state
type Escalation struct {
	Active        *CorrectionRequest  `json:"active,omitempty"`
	History       []CorrectionRequest `json:"history,omitempty"`
	LastCompleted *ReviewOutcome      `json:"last_completed,omitempty"`
	LastStage     Stage               `json:"last_stage,omitempty"`
	Resolution    *Resolution         `json:"resolution,omitempty"`
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// SubmissionRecord is one recitation attempt moving through the pipeline
type SubmissionRecord struct {
	ID               string           `json:"id"`
	UserID           string           `json:"user_id"`
	AudioRef         string           `json:"audio_ref"`
	Qiraat           Qiraat           `json:"qiraat"`
	Locator          Locator          `json:"locator"`
	Priority         Priority         `json:"priority"`
	ForceReview      bool             `json:"force_review"`
	BaselineAccuracy *float64         `json:"baseline_accuracy,omitempty"`
	Analysis         *AnalysisResult  `json:"analysis,omitempty"`
	Escalation       Escalation       `json:"escalation"`
	Status           SubmissionStatus `json:"status"`

	AttestationAttempted bool   `json:"attestation_attempted"`
	AttestationRef       string `json:"attestation_ref,omitempty"`
	Unattested           bool   `json:"unattested"`

	Points   *PointsLedgerEntry `json:"points,omitempty"`
	Level    *LevelTier         `json:"level,omitempty"`
	Notified bool               `json:"notified"`
	Failure  string             `json:"failure,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Advance moves the record forward; regressions are rejected
func (r *SubmissionRecord) Advance(to SubmissionStatus, now time.Time) error {
	if r.Status.Terminal() {
		return fmt.Errorf("%w: submission %s is %s", ErrConflict, r.ID, r.Status)
	}
	if r.Status != "" && to.rank() <= r.Status.rank() {
		return fmt.Errorf("%w: cannot move submission %s from %s to %s", ErrConflict, r.ID, r.Status, to)
	}
	r.Status = to
	r.UpdatedAt = now
	return nil
}

// PointFactors are the inputs the calculator applied
type PointFactors struct {
	Accuracy    float64 `json:"accuracy"`
	Improvement float64 `json:"improvement"`
	Consistency float64 `json:"consistency"`
	Intention   float64 `json:"intention"`
	Teaching    float64 `json:"teaching"`
	Perfect     bool    `json:"perfect"`
	Major       bool    `json:"major"`
}

// PointsLedgerEntry is one scoring event tied to one submission
type PointsLedgerEntry struct {
	ID           string           `json:"id"`
	SubmissionID string           `json:"submission_id"`
	UserID       string           `json:"user_id"`
	Factors      PointFactors     `json:"factors"`
	Base         float64          `json:"base"`
	Bonus        float64          `json:"bonus"`
	Raw          float64          `json:"raw"`
	Capped       float64          `json:"capped"`
	WeeklyBonus  float64          `json:"weekly_bonus"`
	MonthlyBonus float64          `json:"monthly_bonus"`
	Awarded      float64          `json:"awarded"` // capped + period bonuses
	Cumulative   float64          `json:"cumulative"`
	LevelUp      *LevelTransition `json:"level_up,omitempty"`
	Timestamp    time.Time        `json:"timestamp"`
}

// LevelTier is one contiguous range of the tier table. Open marks the
// top tier, which has no upper bound and ignores Max.
type LevelTier struct {
	Key   string `json:"key"`
	Title string `json:"title"`
	Emoji string `json:"emoji,omitempty"`
	Min   int64  `json:"min"`
	Max   int64  `json:"max"`
	Open  bool   `json:"open"`
	Rank  int    `json:"rank"`
}

// Contains reports whether whole points fall inside the tier
func (t LevelTier) Contains(points int64) bool {
	return points >= t.Min && (t.Open || points <= t.Max)
}

// Range renders the tier bounds for display
func (t LevelTier) Range() string {
	if t.Open {
		return fmt.Sprintf("%d-∞", t.Min)
	}
	return fmt.Sprintf("%d-%d", t.Min, t.Max)
}

// LevelTransition records a tier change caused by a single award
type LevelTransition struct {
	From     LevelTier `json:"from"`
	To       LevelTier `json:"to"`
	Points   float64   `json:"points"`
	AwardID  string    `json:"award_id"`
	Occurred time.Time `json:"occurred"`
}

// UserProgress is the per-user aggregate mutated only by point awards
type UserProgress struct {
	UserID           string            `json:"user_id"`
	CumulativePoints float64           `json:"cumulative_points"`
	Consistency      float64           `json:"consistency"`
	TeachingBonus    float64           `json:"teaching_bonus"`
	Level            LevelTier         `json:"level"`
	Transitions      []LevelTransition `json:"transitions,omitempty"`
	LastAccuracy     *float64          `json:"last_accuracy,omitempty"`

	DayKey       string              `json:"day_key"`
	AwardedToday float64             `json:"awarded_today"`
	WeekKey      string              `json:"week_key"`
	MonthKey     string              `json:"month_key"`
	ActiveDays   []string            `json:"active_days,omitempty"`
	RecentAwards []PointsLedgerEntry `json:"recent_awards,omitempty"`
	// AwardedSubmissions holds every submission id ever scored for the user
	AwardedSubmissions map[string]bool `json:"awarded_submissions,omitempty"`

	UpdatedAt time.Time `json:"updated_at"`
}

// TeachingMultiplier returns the teaching multiplier, 1.0 when unset
func (p *UserProgress) TeachingMultiplier() float64 {
	if p.TeachingBonus < 1 {
		return 1.0
	}
	return p.TeachingBonus
}

// Awarded returns the entry already awarded for the submission, if any
func (p *UserProgress) Awarded(submissionID string) (*PointsLedgerEntry, bool) {
	for i := range p.RecentAwards {
		if p.RecentAwards[i].SubmissionID == submissionID {
			e := p.RecentAwards[i]
			return &e, true
		}
	}
	return nil, false
}

// CompositeRecord is the unit handed to durable storage
type CompositeRecord struct {
	Submission SubmissionRecord   `json:"submission"`
	Correction *CorrectionRequest `json:"correction,omitempty"`
	Points     *PointsLedgerEntry `json:"points,omitempty"`
	Level      *LevelTier         `json:"level,omitempty"`
	StoredAt   time.Time          `json:"stored_at"`
}

type EventKind string

const (
	EventProgressUpdate     EventKind = "progress-update"
	EventLevelUp            EventKind = "level-up"
	EventCorrectionAssigned EventKind = "correction-assigned"
)

// Notification is the payload handed to the notification collaborator
type Notification struct {
	SubmissionID string             `json:"submission_id"`
	Locator      Locator            `json:"locator"`
	Points       *PointsLedgerEntry `json:"points,omitempty"`
	Level        *LevelTier         `json:"level,omitempty"`
	Transition   *LevelTransition   `json:"transition,omitempty"`
	Correction   *CorrectionRequest `json:"correction,omitempty"`
	Suggestions  []string           `json:"suggestions,omitempty"`
	Cumulative   float64            `json:"cumulative"`
}

// Language represents supported languages
type Language string

const (
	LangEnglish Language = "en"
	LangArabic  Language = "ar"
	LangRussian Language = "ru"
)

// Languages lists every language with a locale file
var Languages = []Language{LangEnglish, LangArabic, LangRussian}

// ParseLanguage maps a code to a supported language
func ParseLanguage(s string) (Language, error) {
	for _, l := range Languages {
		if string(l) == s {
			return l, nil
		}
	}
	return "", fmt.Errorf("%w: unsupported language %q", ErrInvalidInput, s)
}
