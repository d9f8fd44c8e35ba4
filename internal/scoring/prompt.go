package scoring

import (
	"fmt"
	"strings"

	"github.com/scarson/evalq/internal/evaluation"
)

const systemPrompt = `You are an experienced educator grading classroom material.
Score the submitted text from 0 to 10 and classify its cognitive level using
Bloom's taxonomy (remember, understand, apply, analyze, evaluate, create).

Return only a JSON object with this structure and no surrounding text:
{
  "overall_score": number,
  "dimensions": {"<dimension>": number},
  "blooms_level": string,
  "rationale": string
}`

const questionDimensions = "clarity, depth, relevance, open_endedness"
const responseDimensions = "accuracy, reasoning, completeness, use_of_evidence"

// SystemPrompt is the instruction shared by every scoring call.
func SystemPrompt() string { return systemPrompt }

// UserPrompt renders the grading request for p.
func UserPrompt(p evaluation.Payload) string {
	var b strings.Builder
	switch v := p.(type) {
	case evaluation.QuestionPayload:
		b.WriteString("Evaluate the following student-authored question.\n")
		fmt.Fprintf(&b, "Score these dimensions from 0 to 10: %s.\n\n", questionDimensions)
		writeContext(&b, v.Context)
		fmt.Fprintf(&b, "Question:\n%s\n", v.Content)
	case evaluation.ResponsePayload:
		b.WriteString("Evaluate the following student response to a question.\n")
		fmt.Fprintf(&b, "Score these dimensions from 0 to 10: %s.\n\n", responseDimensions)
		writeContext(&b, v.Context)
		if v.Context.QuestionText != "" {
			fmt.Fprintf(&b, "Question:\n%s\n\n", v.Context.QuestionText)
		}
		fmt.Fprintf(&b, "Response:\n%s\n", v.Content)
	}
	return b.String()
}

func writeContext(b *strings.Builder, c evaluation.Context) {
	if c.ActivityName != "" {
		fmt.Fprintf(b, "Activity: %s\n", c.ActivityName)
	}
	if c.GroupName != "" {
		fmt.Fprintf(b, "Group: %s\n", c.GroupName)
	}
	if c.Subject != "" {
		fmt.Fprintf(b, "Subject: %s\n", c.Subject)
	}
	if c.ReferenceMaterial != "" {
		fmt.Fprintf(b, "Reference material:\n%s\n", c.ReferenceMaterial)
	}
	b.WriteString("\n")
}
