package verdict

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/vinayprograms/watchkit/errors"
	"github.com/vinayprograms/watchkit/taskstore"
)

const verdictSystemPrompt = `You review pending workflow tasks and decide whether an automated
executor may act on them. Respond with a single JSON object:
{"decision": "approve" | "reject" | "defer", "reason": "<one sentence>"}
Defer whenever you are not confident. Never approve a task that spends
money, deletes data, or messages a human unless its payload makes the
action unmistakably safe.`

// AnthropicConfig holds configuration for the Anthropic producer.
type AnthropicConfig struct {
	APIKey    string
	BaseURL   string // Optional custom endpoint
	Model     string
	MaxTokens int
}

// AnthropicProducer renders verdicts by asking an Anthropic model. It
// performs exactly one request per Evaluate; the caller's recovery
// policy owns retries.
type AnthropicProducer struct {
	client    *anthropic.Client
	model     string
	maxTokens int
}

// NewAnthropicProducer creates an Anthropic-backed producer.
func NewAnthropicProducer(cfg AnthropicConfig) (*AnthropicProducer, error) {
	if cfg.APIKey == "" {
		return nil, errors.InvalidInput("api_key is required for anthropic")
	}
	if cfg.Model == "" {
		return nil, errors.InvalidInput("model is required for anthropic")
	}
	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}

	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
	}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	client := anthropic.NewClient(opts...)

	return &AnthropicProducer{
		client:    &client,
		model:     cfg.Model,
		maxTokens: cfg.MaxTokens,
	}, nil
}

// Name implements Producer.
func (p *AnthropicProducer) Name() string { return "anthropic" }

// Evaluate implements Producer.
func (p *AnthropicProducer) Evaluate(ctx context.Context, t *taskstore.Task) (Decision, string, error) {
	prompt, err := renderTask(t)
	if err != nil {
		return "", "", err
	}

	resp, err := p.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(p.maxTokens),
		System: []anthropic.TextBlockParam{
			{Text: verdictSystemPrompt},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return "", "", classifyAPIError(err)
	}

	var text string
	for _, block := range resp.Content {
		if block.Type == "text" {
			text += block.Text
		}
	}
	return parseVerdict(text, t.ID)
}

// renderTask builds the model's view of a task.
func renderTask(t *taskstore.Task) (string, error) {
	payload, err := json.MarshalIndent(t.Payload, "", "  ")
	if err != nil {
		return "", errors.WrapWithCode(err, errors.CodeInternal, "render task payload",
			errors.WithTaskID(t.ID))
	}
	var b strings.Builder
	fmt.Fprintf(&b, "kind: %s\npriority: %s\npayload:\n%s\n", t.Kind, t.Priority, payload)
	if t.Body != "" {
		fmt.Fprintf(&b, "notes:\n%s\n", t.Body)
	}
	return b.String(), nil
}

// parseVerdict extracts the decision from model output, tolerating prose
// around the JSON object.
func parseVerdict(text, taskID string) (Decision, string, error) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start >= 0 && end > start {
		var out struct {
			Decision string `json:"decision"`
			Reason   string `json:"reason"`
		}
		if err := json.Unmarshal([]byte(text[start:end+1]), &out); err == nil {
			d := Decision(strings.ToLower(strings.TrimSpace(out.Decision)))
			if d.Valid() {
				return d, out.Reason, nil
			}
		}
	}
	return "", "", errors.New(errors.CodeParseFailure, "unparseable verdict",
		errors.WithTaskID(taskID),
		errors.WithMetadata("output", truncate(text, 200)))
}

// classifyAPIError maps SDK failures onto the error taxonomy by
// sniffing the message, the same way the rest of the ecosystem does:
// the SDK does not expose a stable error type for every transport path.
func classifyAPIError(err error) error {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429") || strings.Contains(msg, "rate limit") ||
		strings.Contains(msg, "overloaded"):
		return errors.WrapWithCode(err, errors.CodeRateLimited, "anthropic request throttled")
	case strings.Contains(msg, "401") || strings.Contains(msg, "403") ||
		strings.Contains(msg, "authentication") || strings.Contains(msg, "permission"):
		return errors.WrapWithCode(err, errors.CodeCredentialsInvalid, "anthropic request unauthorized")
	case strings.Contains(msg, "500") || strings.Contains(msg, "502") ||
		strings.Contains(msg, "503") || strings.Contains(msg, "504") ||
		strings.Contains(msg, "unavailable"):
		return errors.WrapWithCode(err, errors.CodeUnavailable, "anthropic request failed upstream")
	default:
		return errors.Wrap(err, "anthropic request failed")
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…"
}
