package quranapi

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/escalopa/quran-lab/internal/domain"
)

func newServer(t *testing.T, status int, body string, check func(analysisRequest)) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/analyses" || r.Header.Get("x-api-key") != "secret" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		var req analysisRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if check != nil {
			check(req)
		}
		w.WriteHeader(status)
		_, _ = w.Write([]byte(body))
	}))
}

func request() domain.AnalysisRequest {
	baseline := 80.0
	return domain.AnalysisRequest{
		SubmissionID:     "s1",
		UserID:           "u1",
		AudioRef:         "s3://audio/s1",
		Qiraat:           domain.QiraatHafs,
		Locator:          domain.Locator{Surah: 112, FromAyah: 1, ToAyah: 4},
		BaselineAccuracy: &baseline,
	}
}

func TestAnalyzeMapsResult(t *testing.T) {
	body := `{"analysis_id":"a1","status":"completed","result":{
		"wer":0.1,"confidence":0.97,"needs_human_review":false,"suggestions":["lengthen madd"],
		"ops":[{"op":"equal","ref_ar":"قل"},{"op":"substitute","ref_ar":"هو","hyp_ar":"هوا","ayah_id":"112001","rule":"harakah"}]}}`
	srv := newServer(t, http.StatusOK, body, func(req analysisRequest) {
		if req.FromAyahID != "112001" || req.ToAyahID != "112004" || req.LearnerID != "u1" {
			t.Errorf("unexpected request %+v", req)
		}
	})
	defer srv.Close()

	res, err := NewClient(srv.URL, "secret", time.Second).Analyze(context.Background(), request())
	if err != nil {
		t.Fatalf("analyze: %v", err)
	}
	if math.Abs(res.Accuracy-90) > 1e-9 || math.Abs(res.Improvement-10) > 1e-9 {
		t.Fatalf("expected accuracy 90 improvement 10, got %v %v", res.Accuracy, res.Improvement)
	}
	if len(res.Errors) != 1 || res.Errors[0].Kind != "harakah" || res.Errors[0].Position != 1 {
		t.Fatalf("unexpected errors %+v", res.Errors)
	}
	if res.Confidence != 0.97 || len(res.Suggestions) != 1 {
		t.Fatalf("unexpected result %+v", res)
	}
}

func TestAnalyzeClassifiesFailures(t *testing.T) {
	cases := []struct {
		name    string
		status  int
		body    string
		invalid bool
	}{
		{"bad request", http.StatusBadRequest, `{"error":"unknown ayah"}`, true},
		{"server error", http.StatusServiceUnavailable, `busy`, false},
		{"failed analysis", http.StatusOK, `{"analysis_id":"a1","status":"failed","error":"noisy audio"}`, false},
		{"garbage", http.StatusOK, `not json`, true},
		{"no accuracy", http.StatusOK, `{"analysis_id":"a1","status":"completed","result":{"confidence":0.5}}`, true},
	}
	for _, tc := range cases {
		srv := newServer(t, tc.status, tc.body, nil)
		_, err := NewClient(srv.URL, "secret", time.Second).Analyze(context.Background(), request())
		srv.Close()
		if err == nil {
			t.Fatalf("%s: expected error", tc.name)
		}
		if got := errors.Is(err, domain.ErrInvalidInput); got != tc.invalid {
			t.Fatalf("%s: invalid-input=%v, got %v", tc.name, got, err)
		}
	}
}
