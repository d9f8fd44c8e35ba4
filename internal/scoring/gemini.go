package scoring

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"cloud.google.com/go/vertexai/genai"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/scarson/evalq/internal/evaluation"
)

// GeminiConfig selects the Vertex AI project and models. Models are tried in
// order; the next one is used only when the previous failed transiently.
type GeminiConfig struct {
	Project     string
	Location    string
	Models      []string
	Temperature float32
}

// Gemini scores payloads with a Vertex AI Gemini model.
type Gemini struct {
	client *genai.Client
	models []*genai.GenerativeModel
	names  []string
	log    *slog.Logger
}

// NewGemini opens a Vertex AI client using application default credentials.
func NewGemini(ctx context.Context, cfg GeminiConfig) (*Gemini, error) {
	if cfg.Project == "" {
		return nil, errors.New("gemini: project is required")
	}
	if len(cfg.Models) == 0 {
		return nil, errors.New("gemini: at least one model is required")
	}
	client, err := genai.NewClient(ctx, cfg.Project, cfg.Location)
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	g := &Gemini{client: client, log: slog.Default()}
	for _, name := range cfg.Models {
		m := client.GenerativeModel(name)
		m.SetTemperature(cfg.Temperature)
		m.ResponseMIMEType = "application/json"
		m.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(SystemPrompt())}}
		g.models = append(g.models, m)
		g.names = append(g.names, name)
	}
	return g, nil
}

// Close releases the underlying gRPC connection.
func (g *Gemini) Close() error { return g.client.Close() }

// Score implements evaluation.Scorer.
func (g *Gemini) Score(ctx context.Context, p evaluation.Payload) (*evaluation.Result, error) {
	prompt := UserPrompt(p)
	var lastErr error
	for i, m := range g.models {
		resp, err := m.GenerateContent(ctx, genai.Text(prompt))
		if err != nil {
			lastErr = classifyGemini(err)
			if Classify(lastErr) == ClassPermanent || ctx.Err() != nil {
				return nil, lastErr
			}
			g.log.WarnContext(ctx, "gemini model failed, trying next",
				"model", g.names[i], "entity", p.Ref(), "error", err)
			continue
		}
		text, err := responseText(resp)
		if err != nil {
			return nil, err
		}
		return ParseResult(text, g.names[i])
	}
	return nil, lastErr
}

func responseText(resp *genai.GenerateContentResponse) (string, error) {
	if resp == nil || len(resp.Candidates) == 0 {
		return "", Transient(errors.New("gemini: empty response"))
	}
	c := resp.Candidates[0]
	if c.FinishReason == genai.FinishReasonSafety {
		return "", Permanent("content rejected by safety policy", nil)
	}
	if c.Content == nil {
		return "", Transient(errors.New("gemini: candidate has no content"))
	}
	var b strings.Builder
	for _, part := range c.Content.Parts {
		if t, ok := part.(genai.Text); ok {
			b.WriteString(string(t))
		}
	}
	if b.Len() == 0 {
		return "", Permanent("scoring response had no text", nil)
	}
	return b.String(), nil
}

// classifyGemini maps Vertex AI errors onto TransientError/PermanentError.
func classifyGemini(err error) error {
	var blocked *genai.BlockedError
	if errors.As(err, &blocked) {
		return Permanent("content rejected by safety policy", err)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return Transient(err)
	}
	switch status.Code(err) {
	case codes.InvalidArgument, codes.FailedPrecondition, codes.PermissionDenied,
		codes.Unauthenticated, codes.NotFound, codes.OutOfRange, codes.Unimplemented:
		return Permanent(fmt.Sprintf("scoring request rejected (%s)", status.Code(err)), err)
	}
	// Unavailable, ResourceExhausted, DeadlineExceeded, Internal, Aborted
	// and unknown errors are retried.
	return Transient(err)
}
