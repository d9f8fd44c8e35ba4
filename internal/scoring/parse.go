package scoring

import (
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/scarson/evalq/internal/evaluation"
)

// Score bounds accepted from the model.
const (
	MinScore = 0
	MaxScore = 10
)

var bloomsLevels = map[string]bool{
	"remember":   true,
	"understand": true,
	"apply":      true,
	"analyze":    true,
	"evaluate":   true,
	"create":     true,
}

type modelOutput struct {
	OverallScore *float64           `json:"overall_score"`
	Dimensions   map[string]float64 `json:"dimensions"`
	BloomsLevel  string             `json:"blooms_level"`
	Rationale    string             `json:"rationale"`
}

// ParseResult decodes the model's JSON answer. Markdown fences and leading
// chatter are stripped first. Output that cannot be decoded or carries an
// out-of-range score is a permanent failure.
func ParseResult(text, model string) (*evaluation.Result, error) {
	var out modelOutput
	if err := json.Unmarshal([]byte(extractJSON(text)), &out); err != nil {
		return nil, Permanent("malformed scoring response", err)
	}
	if out.OverallScore == nil {
		return nil, Permanent("scoring response missing overall_score", nil)
	}
	if !inRange(*out.OverallScore) {
		return nil, Permanent(fmt.Sprintf("overall_score %.2f out of range", *out.OverallScore), nil)
	}
	for name, v := range out.Dimensions {
		if !inRange(v) {
			return nil, Permanent(fmt.Sprintf("dimension %s score %.2f out of range", name, v), nil)
		}
	}
	level := strings.ToLower(strings.TrimSpace(out.BloomsLevel))
	if level != "" && !bloomsLevels[level] {
		return nil, Permanent(fmt.Sprintf("unknown blooms_level %q", out.BloomsLevel), nil)
	}
	return &evaluation.Result{
		OverallScore: *out.OverallScore,
		Dimensions:   out.Dimensions,
		BloomsLevel:  level,
		Rationale:    strings.TrimSpace(out.Rationale),
		Model:        model,
	}, nil
}

func inRange(v float64) bool {
	return !math.IsNaN(v) && v >= MinScore && v <= MaxScore
}

func extractJSON(content string) string {
	content = strings.TrimSpace(content)
	content = strings.TrimPrefix(content, "```json")
	content = strings.TrimPrefix(content, "```")
	content = strings.TrimSuffix(content, "```")
	content = strings.TrimSpace(content)

	start := strings.Index(content, "{")
	end := strings.LastIndex(content, "}")
	if start != -1 && end > start {
		content = content[start : end+1]
	}
	return content
}
