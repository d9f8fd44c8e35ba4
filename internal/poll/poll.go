// Package poll implements the client side of the evaluation status
// contract: fetch the status until it is terminal or a deadline passes.
package poll

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/scarson/evalq/internal/evaluation"
)

// ErrTimeout is returned when MaxDuration elapses before a terminal status.
var ErrTimeout = errors.New("evaluation did not finish before the polling deadline")

// Default polling cadence. Scoring calls typically take seconds, so a
// two-second interval with a five-minute ceiling covers several retries.
const (
	DefaultInterval    = 2 * time.Second
	DefaultMaxDuration = 5 * time.Minute
)

// Options controls Until.
type Options struct {
	Interval    time.Duration
	MaxDuration time.Duration
}

// Fetcher returns the entity's current status.
type Fetcher func(ctx context.Context) (evaluation.StatusView, error)

// Until calls fetch immediately and then every Interval until the status is
// terminal. It returns the last view with ErrTimeout when MaxDuration passes
// first. A fetch error or ctx cancellation stops polling.
func Until(ctx context.Context, fetch Fetcher, opts Options) (evaluation.StatusView, error) {
	if opts.Interval <= 0 {
		opts.Interval = DefaultInterval
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = DefaultMaxDuration
	}
	deadline := time.NewTimer(opts.MaxDuration)
	defer deadline.Stop()
	ticker := time.NewTicker(opts.Interval)
	defer ticker.Stop()

	for {
		view, err := fetch(ctx)
		if err != nil {
			return view, err
		}
		if view.Status.Terminal() {
			return view, nil
		}
		select {
		case <-ctx.Done():
			return view, ctx.Err()
		case <-deadline.C:
			return view, ErrTimeout
		case <-ticker.C:
		}
	}
}

// statusBody mirrors the API's status response.
type statusBody struct {
	Status    evaluation.Status  `json:"status"`
	Result    *evaluation.Result `json:"result,omitempty"`
	LastError string             `json:"last_error,omitempty"`
}

// HTTPFetcher returns a Fetcher that reads
// GET {baseURL}/evaluations/{kind}/{entity_id}.
func HTTPFetcher(client *http.Client, baseURL string, ref evaluation.EntityRef) Fetcher {
	if client == nil {
		client = http.DefaultClient
	}
	target := fmt.Sprintf("%s/evaluations/%s/%s", baseURL, url.PathEscape(string(ref.Kind)), ref.ID)
	return func(ctx context.Context) (evaluation.StatusView, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
		if err != nil {
			return evaluation.StatusView{}, fmt.Errorf("build status request: %w", err)
		}
		req.Header.Set("Accept", "application/json")
		resp, err := client.Do(req)
		if err != nil {
			return evaluation.StatusView{}, fmt.Errorf("fetch status: %w", err)
		}
		defer func() { _ = resp.Body.Close() }()

		switch {
		case resp.StatusCode == http.StatusNotFound:
			return evaluation.StatusView{}, fmt.Errorf("fetch status %s: %w", ref, evaluation.ErrNotFound)
		case resp.StatusCode != http.StatusOK:
			return evaluation.StatusView{}, fmt.Errorf("fetch status %s: unexpected HTTP %d", ref, resp.StatusCode)
		}
		var body statusBody
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return evaluation.StatusView{}, fmt.Errorf("decode status: %w", err)
		}
		return evaluation.StatusView{
			Ref:       ref,
			Status:    body.Status,
			Result:    body.Result,
			LastError: body.LastError,
		}, nil
	}
}
