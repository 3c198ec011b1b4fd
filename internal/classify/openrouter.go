package classify

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/groupguard/groupguard/internal/metrics"
)

const defaultBaseURL = "https://openrouter.ai/api/v1"

const systemPrompt = `You review chat group messages for spam and advertising.
Reply with a single JSON object and nothing else:
{"flagged": <bool>, "score": <float 0..1>, "label": "<short category such as ad, scam, crypto, ok>"}
Flag unsolicited advertising, promotion channels, gambling, crypto shilling and scams.
Do not flag ordinary conversation, questions or jokes.`

// OpenRouter classifies text through an OpenAI-compatible chat endpoint.
type OpenRouter struct {
	client    *openai.Client
	model     string
	threshold float64
}

// NewOpenRouter creates a classifier. threshold is clamped to [0,1];
// verdicts at or above it are flagged regardless of the model's own
// flagged field.
func NewOpenRouter(apiKey, baseURL, model string, threshold float64) *OpenRouter {
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if model == "" {
		model = "openai/gpt-4o-mini"
	}
	if threshold < 0 {
		threshold = 0
	}
	if threshold > 1 {
		threshold = 1
	}

	config := openai.DefaultConfig(apiKey)
	config.BaseURL = baseURL

	return &OpenRouter{
		client:    openai.NewClientWithConfig(config),
		model:     model,
		threshold: threshold,
	}
}

type verdictPayload struct {
	Flagged bool    `json:"flagged"`
	Score   float64 `json:"score"`
	Label   string  `json:"label"`
}

func (c *OpenRouter) Classify(ctx context.Context, text string) (Verdict, error) {
	resp, err := c.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model: c.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: systemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: text},
		},
		Temperature: 0.1,
		MaxTokens:   100,
	})
	if err != nil {
		metrics.ClassifierCalls.WithLabelValues("error").Inc()
		return Verdict{}, fmt.Errorf("classify: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		metrics.ClassifierCalls.WithLabelValues("error").Inc()
		return Verdict{}, fmt.Errorf("classify: no response choices")
	}

	v, err := parseVerdict(resp.Choices[0].Message.Content)
	if err != nil {
		metrics.ClassifierCalls.WithLabelValues("error").Inc()
		return Verdict{}, err
	}
	if v.Score >= c.threshold && c.threshold > 0 {
		v.Flagged = true
	}
	if v.Flagged {
		metrics.ClassifierCalls.WithLabelValues("flagged").Inc()
	} else {
		metrics.ClassifierCalls.WithLabelValues("ok").Inc()
	}
	return v, nil
}

// parseVerdict tolerates markdown code fences around the JSON, which
// some models emit despite the prompt.
func parseVerdict(raw string) (Verdict, error) {
	s := strings.TrimSpace(raw)
	if strings.HasPrefix(s, "```") {
		s = strings.TrimPrefix(s, "```json")
		s = strings.TrimPrefix(s, "```")
		s = strings.TrimSuffix(strings.TrimSpace(s), "```")
		s = strings.TrimSpace(s)
	}

	var p verdictPayload
	if err := json.Unmarshal([]byte(s), &p); err != nil {
		log.Printf("[classify] unparseable verdict: %q", raw)
		return Verdict{}, fmt.Errorf("classify: parse verdict: %w", err)
	}
	if p.Score < 0 {
		p.Score = 0
	}
	if p.Score > 1 {
		p.Score = 1
	}
	if p.Label == "" {
		p.Label = "unknown"
	}
	return Verdict{Flagged: p.Flagged, Score: p.Score, Label: p.Label}, nil
}
