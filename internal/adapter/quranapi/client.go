package quranapi

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/escalopa/quran-lab/internal/domain"
	"github.com/escalopa/quran-lab/internal/pkg/httpx"
)

// Client calls the recitation analysis service
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: httpx.NewClient(timeout),
	}
}

type analysisRequest struct {
	SubmissionID     string   `json:"submission_id"`
	LearnerID        string   `json:"learner_id"`
	AudioRef         string   `json:"audio_ref"`
	Qiraat           string   `json:"qiraat"`
	FromAyahID       string   `json:"from_ayah_id"`
	ToAyahID         string   `json:"to_ayah_id"`
	BaselineAccuracy *float64 `json:"baseline_accuracy,omitempty"`
}

type analysisResponse struct {
	AnalysisID string          `json:"analysis_id"`
	Status     string          `json:"status"`
	Error      string          `json:"error"`
	Result     *resultResponse `json:"result"`
}

type resultResponse struct {
	WER              *float64     `json:"wer"`
	Accuracy         *float64     `json:"accuracy"`
	Improvement      *float64     `json:"improvement"`
	Confidence       float64      `json:"confidence"`
	NeedsHumanReview bool         `json:"needs_human_review"`
	Intention        float64      `json:"intention"`
	Suggestions      []string     `json:"suggestions"`
	Ops              []opResponse `json:"ops"`
}

type opResponse struct {
	RefAr  string  `json:"ref_ar"`
	HypAr  string  `json:"hyp_ar"`
	Op     string  `json:"op"`
	Ayah   string  `json:"ayah_id"`
	Rule   string  `json:"rule"`
	TStart float64 `json:"t_start"`
	TEnd   float64 `json:"t_end"`
}

// Analyze submits a recitation for analysis and waits for the result
func (c *Client) Analyze(ctx context.Context, req domain.AnalysisRequest) (*domain.AnalysisResult, error) {
	body, err := json.Marshal(analysisRequest{
		SubmissionID:     req.SubmissionID,
		LearnerID:        req.UserID,
		AudioRef:         req.AudioRef,
		Qiraat:           string(req.Qiraat),
		FromAyahID:       domain.FormatAyahID(req.Locator.Surah, req.Locator.FromAyah),
		ToAyahID:         domain.FormatAyahID(req.Locator.Surah, req.Locator.ToAyah),
		BaselineAccuracy: req.BaselineAccuracy,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	payload, err := httpx.Fetch(ctx, c.httpClient, http.MethodPost, c.baseURL+"/analyses", map[string]string{
		"Content-Type": "application/json",
		"x-api-key":    c.apiKey,
	}, bytes.NewReader(body))
	if err != nil {
		var se *httpx.StatusError
		if errors.As(err, &se) && !se.Temporary() {
			return nil, fmt.Errorf("%w: analysis rejected request: %v", domain.ErrInvalidInput, err)
		}
		return nil, fmt.Errorf("analyze: %w", err)
	}

	var resp analysisResponse
	if err := json.Unmarshal(payload, &resp); err != nil {
		return nil, fmt.Errorf("%w: decode analysis response: %v", domain.ErrInvalidInput, err)
	}
	switch resp.Status {
	case "completed":
	case "failed":
		return nil, fmt.Errorf("analysis %s failed: %s", resp.AnalysisID, resp.Error)
	default:
		return nil, fmt.Errorf("analysis %s is %s", resp.AnalysisID, resp.Status)
	}
	if resp.Result == nil {
		return nil, fmt.Errorf("%w: analysis %s has no result", domain.ErrInvalidInput, resp.AnalysisID)
	}
	return mapResult(resp.Result, req.BaselineAccuracy)
}

func mapResult(r *resultResponse, baseline *float64) (*domain.AnalysisResult, error) {
	var accuracy float64
	switch {
	case r.Accuracy != nil:
		accuracy = *r.Accuracy
	case r.WER != nil:
		accuracy = (1 - *r.WER) * 100
	default:
		return nil, fmt.Errorf("%w: analysis result has neither accuracy nor wer", domain.ErrInvalidInput)
	}

	res := &domain.AnalysisResult{
		Accuracy:         accuracy,
		Confidence:       r.Confidence,
		NeedsHumanReview: r.NeedsHumanReview,
		Intention:        r.Intention,
		Suggestions:      r.Suggestions,
		Errors:           make([]domain.RecitationError, 0, len(r.Ops)),
	}
	switch {
	case r.Improvement != nil:
		res.Improvement = *r.Improvement
	case baseline != nil:
		res.Improvement = accuracy - *baseline
	}

	for i, op := range r.Ops {
		if op.Op == "equal" || op.Op == "match" {
			continue
		}
		kind := op.Op
		if op.Rule != "" {
			kind = op.Rule
		}
		note := op.HypAr
		if note != "" {
			note = "heard " + note
		}
		res.Errors = append(res.Errors, domain.RecitationError{
			Kind:     kind,
			Word:     op.RefAr,
			Ayah:     op.Ayah,
			Position: i,
			Note:     note,
		})
	}
	return res, nil
}
