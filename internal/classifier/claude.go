package classifier

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/taskhub/taskhub/pkg/cerr"
)

const analyzeSystemPrompt = `You are a development task analyzer. Analyze the given task description and determine:

1. If the task is clear enough to implement immediately, or if clarification is needed
2. What category it belongs to (backend, database, frontend, testing, documentation, deployment, general)
3. Estimated hours (0.1 to 4.0)
4. Success criteria
5. If clarification is needed, provide 1-5 specific questions

Respond with JSON only, no prose:
{
  "needs_clarification": boolean,
  "questions": ["question1", "question2"],
  "category": "backend|database|frontend|testing|documentation|deployment|general",
  "estimated_hours": float,
  "title": "short descriptive title",
  "success_criteria": ["criteria1", "criteria2"],
  "requires_approval": boolean,
  "metadata": {"key": "value"}
}`

const reanalyzeSystemPrompt = `Based on the original task and the clarification answers, provide the final task analysis. Respond with JSON only, no prose:
{
  "needs_clarification": false,
  "questions": [],
  "category": "backend|database|frontend|testing|documentation|deployment|general",
  "estimated_hours": float,
  "title": "updated title based on clarification",
  "success_criteria": ["specific criteria"],
  "requires_approval": boolean,
  "metadata": {"implementation_notes": "specific guidance"}
}`

// Claude classifies task descriptions with the Anthropic API.
type Claude struct {
	client anthropic.Client
	model  anthropic.Model
}

var _ Classifier = (*Claude)(nil)

func NewClaude(apiKey string, model anthropic.Model) *Claude {
	if model == "" {
		model = anthropic.ModelClaudeSonnet4_20250514
	}
	return &Claude{
		client: anthropic.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}
}

func (c *Claude) Analyze(ctx context.Context, description string) (*Analysis, error) {
	return c.complete(ctx, analyzeSystemPrompt,
		fmt.Sprintf("Analyze this development task: %s", description), description)
}

func (c *Claude) Reanalyze(ctx context.Context, description string, qa []QA) (*Analysis, error) {
	var sb strings.Builder
	for _, pair := range qa {
		fmt.Fprintf(&sb, "Q: %s\nA: %s\n", pair.Question, pair.Answer)
	}
	return c.complete(ctx, reanalyzeSystemPrompt,
		fmt.Sprintf("Original task: %s\n\nClarification:\n%s", description, sb.String()), description)
}

func (c *Claude) complete(ctx context.Context, systemPrompt, userPrompt, description string) (*Analysis, error) {
	resp, err := c.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     c.model,
		MaxTokens: 1000,
		System: []anthropic.TextBlockParam{
			{Text: systemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	})
	if err != nil {
		return nil, cerr.NewError(cerr.Unavailable, "classifier call failed", err)
	}

	var text string
	for _, block := range resp.Content {
		if tb, ok := block.AsAny().(anthropic.TextBlock); ok {
			text += tb.Text
		}
	}

	var a Analysis
	if err := json.Unmarshal([]byte(extractJSON(text)), &a); err != nil {
		return nil, cerr.NewError(cerr.Unavailable, "classifier returned malformed response", err)
	}
	return sanitize(&a, description), nil
}

// extractJSON strips any prose around the first top-level JSON object.
func extractJSON(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return s
	}
	return s[start : end+1]
}
