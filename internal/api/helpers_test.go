package api_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/scarson/evalq/internal/api"
	"github.com/scarson/evalq/internal/auth"
	"github.com/scarson/evalq/internal/config"
	"github.com/scarson/evalq/internal/evaluation"
	"github.com/scarson/evalq/internal/health"
	"github.com/scarson/evalq/internal/memstore"
	"github.com/scarson/evalq/internal/metrics"
)

const testSecret = "test-secret-32-bytes-minimum-aaaa"

type harness struct {
	ms       *memstore.Store
	srv      *httptest.Server
	activity uuid.UUID
	token    string
}

func testConfig() *config.Config {
	return &config.Config{
		JWTSecret:         testSecret,
		EnqueueRateLimit:  1000,
		EnqueueRateBurst:  1000,
		RateLimitEvictTTL: time.Minute,
	}
}

func newHarness(t *testing.T, cfg *config.Config) *harness {
	t.Helper()
	ms := memstore.New()
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)

	producer := evaluation.NewProducer(ms, ms, evaluation.ProducerConfig{MaxAttempts: 3})
	producer.SetMetrics(m)
	monitor := health.NewMonitor(ms, nil, health.Config{WorkersEnabled: false})
	monitor.SetMetrics(m)

	apiSrv := api.NewServer(cfg, api.Deps{
		Producer:   producer,
		Tracker:    evaluation.NewTracker(ms),
		Backfiller: evaluation.NewBackfiller(producer, ms, 2),
		Monitor:    monitor,
		Queue:      ms,
		Gatherer:   reg,
	})
	t.Cleanup(apiSrv.Close)
	srv := httptest.NewServer(apiSrv.Handler())
	t.Cleanup(srv.Close)

	token, err := auth.IssueOperatorToken([]byte(testSecret), "ops@example.com", time.Hour)
	if err != nil {
		t.Fatalf("IssueOperatorToken: %v", err)
	}
	return &harness{
		ms:       ms,
		srv:      srv,
		activity: ms.AddActivity(memstore.Activity{Name: "Photosynthesis", AIEvaluationEnabled: true}),
		token:    token,
	}
}

// do sends a JSON request and decodes a JSON response into out (if non-nil).
func (h *harness) do(t *testing.T, method, path, token string, body any, out any) *http.Response {
	t.Helper()
	var rdr *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("marshal body: %v", err)
		}
		rdr = bytes.NewReader(b)
	} else {
		rdr = bytes.NewReader(nil)
	}
	req, err := http.NewRequestWithContext(context.Background(), method, h.srv.URL+path, rdr)
	if err != nil {
		t.Fatalf("new request %s %s: %v", method, path, err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := h.srv.Client().Do(req) //nolint:gosec // G704 false positive: srv.URL is httptest.Server, not user input
	if err != nil {
		t.Fatalf("%s %s: %v", method, path, err)
	}
	defer resp.Body.Close() //nolint:errcheck
	if out != nil && resp.StatusCode < 300 && resp.StatusCode != http.StatusNoContent {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			t.Fatalf("decode %s %s: %v", method, path, err)
		}
	}
	return resp
}
