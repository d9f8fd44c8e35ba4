// ABOUTME: Terminal events delivered as signed HTTP webhooks, alongside or instead of AMQP.
// ABOUTME: Signs "timestamp.body" with HMAC-SHA256; the http.Client is injected.
package events

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/doyensec/safeurl"
)

// Webhook signature headers.
const (
	HeaderTimestamp          = "X-Evalq-Timestamp"
	HeaderSignature          = "X-Evalq-Signature"
	HeaderSignatureSecondary = "X-Evalq-Signature-Secondary"
	HeaderEventType          = "X-Evalq-Event"
)

// WebhookConfig is the delivery target for terminal events.
type WebhookConfig struct {
	URL           string
	SigningSecret string
	// SigningSecretSecondary is non-empty during a rotation grace period.
	SigningSecretSecondary string
}

// WebhookPublisher POSTs each event as JSON to one URL.
type WebhookPublisher struct {
	client *http.Client
	cfg    WebhookConfig
	now    func() time.Time
}

// NewWebhookPublisher returns a publisher using client. Production callers
// pass BuildSafeClient().
func NewWebhookPublisher(client *http.Client, cfg WebhookConfig) (*WebhookPublisher, error) {
	if cfg.URL == "" {
		return nil, errors.New("webhook: url is required")
	}
	if cfg.SigningSecret == "" {
		return nil, errors.New("webhook: signing secret is required")
	}
	return &WebhookPublisher{client: client, cfg: cfg, now: time.Now}, nil
}

// BuildSafeClient returns an SSRF-safe *http.Client with redirect following
// disabled and a 10 second timeout.
func BuildSafeClient() *http.Client {
	cfg := safeurl.GetConfigBuilder().
		SetTimeout(10 * time.Second).
		SetCheckRedirect(func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		}).
		Build()
	return safeurl.Client(cfg).Client
}

// Sign returns the hex HMAC-SHA256 of "timestamp.body" under secret, prefixed
// with "sha256=".
func Sign(secret, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp))
	mac.Write([]byte("."))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Publish implements Publisher.
func (w *WebhookPublisher) Publish(ctx context.Context, e Event) error {
	body, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventType, string(e.Type))

	ts := strconv.FormatInt(w.now().Unix(), 10)
	req.Header.Set(HeaderTimestamp, ts)
	req.Header.Set(HeaderSignature, Sign(w.cfg.SigningSecret, ts, body))
	if w.cfg.SigningSecretSecondary != "" {
		req.Header.Set(HeaderSignatureSecondary, Sign(w.cfg.SigningSecretSecondary, ts, body))
	}

	resp, err := w.client.Do(req) //nolint:gosec // G107: SSRF is enforced by the safeurl client injected at startup
	if err != nil {
		return fmt.Errorf("webhook POST: %w", err)
	}
	defer resp.Body.Close() //nolint:errcheck
	// Discard response body to allow connection reuse; cap at 4 KiB.
	io.Copy(io.Discard, io.LimitReader(resp.Body, 4096)) //nolint:errcheck,gosec // discard errors are irrelevant

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("webhook POST: unexpected status %d", resp.StatusCode)
	}
	return nil
}

// Multi publishes every event to each publisher in turn and joins their errors.
type Multi []Publisher

// Publish implements Publisher.
func (m Multi) Publish(ctx context.Context, e Event) error {
	var errs []error
	for _, p := range m {
		if err := p.Publish(ctx, e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
