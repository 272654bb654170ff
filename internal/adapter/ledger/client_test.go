package ledger

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/escalopa/quran-lab/internal/domain"
)

func record() *domain.SubmissionRecord {
	return &domain.SubmissionRecord{
		ID:       "s1",
		UserID:   "u1",
		Qiraat:   domain.QiraatHafs,
		Locator:  domain.Locator{Surah: 1, FromAyah: 1, ToAyah: 7},
		Analysis: &domain.AnalysisResult{Accuracy: 97, Confidence: 0.99},
	}
}

func TestAttest(t *testing.T) {
	cases := []struct {
		name   string
		status int
		body   string
		ref    string
		fails  bool
	}{
		{"nested ref", http.StatusCreated, `{"data":{"attestation":{"ref":"tx-1"}}}`, "tx-1", false},
		{"flat ref", http.StatusOK, `{"ref":"tx-2"}`, "tx-2", false},
		{"already attested", http.StatusConflict, `{"ref":"tx-3"}`, "tx-3", false},
		{"missing ref", http.StatusOK, `{"data":{}}`, "", true},
		{"server error", http.StatusInternalServerError, `oops`, "", true},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Idempotency-Key") != "s1" || r.Header.Get("Authorization") != "Bearer k" {
				t.Errorf("%s: missing headers", tc.name)
			}
			w.WriteHeader(tc.status)
			_, _ = w.Write([]byte(tc.body))
		}))
		ref, err := NewClient(srv.URL, "k", time.Second).Attest(context.Background(), record())
		srv.Close()

		if tc.fails {
			if !errors.Is(err, domain.ErrAttestation) {
				t.Fatalf("%s: expected attestation failure, got %v", tc.name, err)
			}
			continue
		}
		if err != nil {
			t.Fatalf("%s: attest: %v", tc.name, err)
		}
		if ref != tc.ref {
			t.Fatalf("%s: expected ref %q, got %q", tc.name, tc.ref, ref)
		}
	}
}
