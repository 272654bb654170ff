// Package ledger writes attestations of scored recitations to an external
// ledger service.
package ledger

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/tidwall/gjson"

	"github.com/escalopa/quran-lab/internal/domain"
	"github.com/escalopa/quran-lab/internal/pkg/httpx"
)

type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

func NewClient(baseURL, apiKey string, timeout time.Duration) *Client {
	return &Client{baseURL: baseURL, apiKey: apiKey, httpClient: httpx.NewClient(timeout)}
}

type attestation struct {
	SubmissionID string         `json:"submission_id"`
	UserID       string         `json:"user_id"`
	Qiraat       string         `json:"qiraat"`
	Locator      domain.Locator `json:"locator"`
	Accuracy     float64        `json:"accuracy"`
	Resolution   string         `json:"resolution,omitempty"`
	Stage        string         `json:"stage,omitempty"`
	RecordedAt   time.Time      `json:"recorded_at"`
}

// Attest records the submission and returns the ledger reference. The
// submission id is the idempotency key, so a retried write returns the
// reference of the first one.
func (c *Client) Attest(ctx context.Context, rec *domain.SubmissionRecord) (string, error) {
	a := attestation{
		SubmissionID: rec.ID,
		UserID:       rec.UserID,
		Qiraat:       string(rec.Qiraat),
		Locator:      rec.Locator,
		RecordedAt:   rec.UpdatedAt,
	}
	if res := rec.Escalation.Resolution; res != nil {
		a.Accuracy = res.Analysis.Accuracy
		a.Resolution = string(res.State)
		a.Stage = string(res.Stage)
	} else if rec.Analysis != nil {
		a.Accuracy = rec.Analysis.Accuracy
	}

	body, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("marshal attestation: %w", err)
	}
	payload, err := httpx.Fetch(ctx, c.httpClient, http.MethodPost, c.baseURL+"/attestations", map[string]string{
		"Content-Type":    "application/json",
		"Authorization":   "Bearer " + c.apiKey,
		"Idempotency-Key": rec.ID,
	}, bytes.NewReader(body))
	if err != nil {
		var se *httpx.StatusError
		if errors.As(err, &se) && se.Code == http.StatusConflict {
			// already attested; the body carries the existing reference
			payload = []byte(se.Body)
		} else {
			return "", fmt.Errorf("%w: %v", domain.ErrAttestation, err)
		}
	}

	ref := gjson.GetBytes(payload, "data.attestation.ref")
	if !ref.Exists() {
		ref = gjson.GetBytes(payload, "ref")
	}
	if !ref.Exists() || ref.String() == "" {
		return "", fmt.Errorf("%w: no attestation reference in response", domain.ErrAttestation)
	}
	return ref.String(), nil
}
