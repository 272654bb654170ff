package domain

import "errors"

// Error taxonomy surfaced by the core. Callers classify with errors.Is.
var (
	ErrInvalidInput        = errors.New("invalid-input")
	ErrAnalysisUnavailable = errors.New("analysis-unavailable")
	ErrScoring             = errors.New("scoring-error")
	ErrAttestation         = errors.New("attestation-failure")
	ErrPersistence         = errors.New("persistence-failure")
	ErrNotFound            = errors.New("not found")
	ErrConflict            = errors.New("conflict")
)
