package domain

import (
	"context"
	"time"
)

// AnalysisRequest is what the core hands to the analysis service
type AnalysisRequest struct {
	SubmissionID     string
	UserID           string
	AudioRef         string
	Qiraat           Qiraat
	Locator          Locator
	BaselineAccuracy *float64
}

// AnalyzerPort defines the external speech/tajweed analysis service
type AnalyzerPort interface {
	// Analyze scores one recitation; it is called once per attempt
	Analyze(ctx context.Context, req AnalysisRequest) (*AnalysisResult, error)
}

// ReviewCriteria describes the reviewers a correction request needs
type ReviewCriteria struct {
	RequestID        string
	SubmissionID     string
	UserID           string
	Stage            Stage
	Qiraat           Qiraat
	Locator          Locator
	Priority         Priority
	RequiredReviews  int
	MinReviewerLevel string
	Reason           string
	Deadline         time.Time
}

// ReviewPort defines the human/scholar/community review subsystem
type ReviewPort interface {
	// RequestReview opens a correction request and assigns reviewers if any are free
	RequestReview(ctx context.Context, criteria ReviewCriteria) (*CorrectionRequest, error)

	// Release returns the reviewers assigned to a request to the pool
	Release(ctx context.Context, req *CorrectionRequest) error

	// RegisterReviewer makes a reviewer available for a stage
	RegisterReviewer(ctx context.Context, stage Stage, reviewerID string) error
}

// AttestationPort defines the ledger/attestation writer
type AttestationPort interface {
	Attest(ctx context.Context, record *SubmissionRecord) (string, error)
}

// StoragePort defines durable storage for composite records
type StoragePort interface {
	Persist(ctx context.Context, record *CompositeRecord) error
}

// NotifierPort defines notification dispatch
type NotifierPort interface {
	Notify(ctx context.Context, userID string, kind EventKind, payload Notification) error
}

// SubmissionStorePort keeps the working state of in-flight submissions
type SubmissionStorePort interface {
	GetSubmission(ctx context.Context, id string) (*SubmissionRecord, error)
	SaveSubmission(ctx context.Context, record *SubmissionRecord) error

	GetCorrection(ctx context.Context, id string) (*CorrectionRequest, error)
	SaveCorrection(ctx context.Context, req *CorrectionRequest) error
	// OverdueCorrections lists open requests whose deadline is not after now
	OverdueCorrections(ctx context.Context, now time.Time, limit int) ([]*CorrectionRequest, error)

	MarkUnattested(ctx context.Context, submissionID string) error
	ClearUnattested(ctx context.Context, submissionID string) error
	Unattested(ctx context.Context, limit int) ([]string, error)
}

// ProgressStorePort keeps per-user progress aggregates and the ledger
// entries behind them
type ProgressStorePort interface {
	// LoadProgress returns the stored progress or nil when the user has none
	LoadProgress(ctx context.Context, userID string) (*UserProgress, error)
	SaveProgress(ctx context.Context, progress *UserProgress) error

	// GetAward returns ErrNotFound when the submission has no entry
	GetAward(ctx context.Context, userID, submissionID string) (*PointsLedgerEntry, error)
	SaveAward(ctx context.Context, entry *PointsLedgerEntry) error
}

// LockerPort grants exclusive access to a key across the service, such as
// a user's point-award section or one submission's pipeline run
type LockerPort interface {
	Lock(ctx context.Context, key string) (unlock func(), err error)
}

// I18nPort defines the interface for internationalization
type I18nPort interface {
	// Get retrieves a translated message
	Get(lang Language, key string, args ...interface{}) string

	// GetSurahName retrieves the localized name of a Surah
	GetSurahName(lang Language, surahNumber int) string

	// TierTitle retrieves the localized title of a level tier
	TierTitle(lang Language, tier LevelTier) string

	// StageName retrieves the localized name of a validation stage
	StageName(lang Language, stage Stage) string
}

// PreferenceStorePort keeps the notification language chosen by each user
type PreferenceStorePort interface {
	// GetLanguage returns an empty language when the user has not chosen one
	GetLanguage(ctx context.Context, userID string) (Language, error)
	SetLanguage(ctx context.Context, userID string, lang Language) error
}
