package scoring

import (
	"context"
	"errors"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"

	"github.com/scarson/evalq/internal/evaluation"
)

// OpenAIConfig configures an OpenAI-compatible chat completion endpoint.
// BaseURL may point at any server speaking the same API.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature float32
}

// OpenAI scores payloads with a chat completion model.
type OpenAI struct {
	client *openai.Client
	cfg    OpenAIConfig
}

// NewOpenAI builds a client. No request is made until Score.
func NewOpenAI(cfg OpenAIConfig) (*OpenAI, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("openai: api key is required")
	}
	if cfg.Model == "" {
		cfg.Model = openai.GPT4oMini
	}
	oc := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		oc.BaseURL = cfg.BaseURL
	}
	return &OpenAI{client: openai.NewClientWithConfig(oc), cfg: cfg}, nil
}

// Score implements evaluation.Scorer.
func (o *OpenAI) Score(ctx context.Context, p evaluation.Payload) (*evaluation.Result, error) {
	resp, err := o.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:       o.cfg.Model,
		Temperature: o.cfg.Temperature,
		ResponseFormat: &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		},
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: SystemPrompt()},
			{Role: openai.ChatMessageRoleUser, Content: UserPrompt(p)},
		},
	})
	if err != nil {
		return nil, classifyOpenAI(err)
	}
	if len(resp.Choices) == 0 {
		return nil, Transient(errors.New("openai: response had no choices"))
	}
	choice := resp.Choices[0]
	if choice.FinishReason == openai.FinishReasonContentFilter {
		return nil, Permanent("content rejected by safety policy", nil)
	}
	model := resp.Model
	if model == "" {
		model = o.cfg.Model
	}
	return ParseResult(choice.Message.Content, model)
}

// classifyOpenAI maps HTTP status codes: 408, 429 and 5xx are retried, any
// other 4xx is permanent. Transport errors are retried.
func classifyOpenAI(err error) error {
	code := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		code = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		code = reqErr.HTTPStatusCode
	}
	switch {
	case code == http.StatusRequestTimeout, code == http.StatusTooManyRequests, code >= 500:
		return Transient(err)
	case code >= 400:
		return Permanent(fmt.Sprintf("scoring request rejected (HTTP %d)", code), err)
	}
	return Transient(err)
}
