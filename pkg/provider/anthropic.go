package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/google/uuid"

	"github.com/tallybot/tallybot/pkg/domain"
	"github.com/tallybot/tallybot/pkg/logger"
)

const defaultAnthropicModel = "claude-sonnet-4-5-20250514"

// Anthropic talks to the Anthropic messages API.
type Anthropic struct {
	client    anthropic.Client
	name      string
	model     string
	maxTokens int
}

var _ Completer = (*Anthropic)(nil)

// NewAnthropic builds the adapter. Empty model and non-positive maxTokens
// fall back to the defaults.
func NewAnthropic(apiKey, baseURL, model string, maxTokens int) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = defaultAnthropicModel
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &Anthropic{
		client:    anthropic.NewClient(opts...),
		name:      "anthropic",
		model:     model,
		maxTokens: maxTokens,
	}
}

func (p *Anthropic) Name() string { return p.name }

// Complete sends the conversation and concatenates the text blocks of the
// response.
func (p *Anthropic) Complete(ctx context.Context, req Request) (string, error) {
	requestID := uuid.NewString()
	logger.DebugCF("provider", "completion requested", map[string]interface{}{
		"request_id": requestID,
		"provider":   p.name,
		"model":      p.model,
		"messages":   len(req.Messages),
	})

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: int64(p.maxTokens),
		Messages:  toAnthropicMessages(req),
	}
	if req.System != "" {
		// Anthropic takes the system prompt separately, not as a message.
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}

	start := time.Now()
	resp, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return "", p.classify(err)
	}

	var b strings.Builder
	for _, block := range resp.Content {
		if block.Type == "text" {
			b.WriteString(block.Text)
		}
	}
	content := strings.TrimSpace(b.String())
	if content == "" {
		return "", fail(p.name, ReasonInvalidResponse, errors.New("no text blocks in response"))
	}

	logger.DebugCF("provider", "completion succeeded", map[string]interface{}{
		"request_id":  requestID,
		"provider":    p.name,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return content, nil
}

func toAnthropicMessages(req Request) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(req.Messages))
	for _, m := range req.Messages {
		role := anthropic.MessageParamRoleUser
		if m.Role == domain.RoleAssistant {
			role = anthropic.MessageParamRoleAssistant
		}
		out = append(out, anthropic.MessageParam{
			Role:    role,
			Content: []anthropic.ContentBlockParamUnion{anthropic.NewTextBlock(m.Text)},
		})
	}
	return out
}

func (p *Anthropic) classify(err error) error {
	if f, ok := classifyContext(p.name, err); ok {
		return f
	}
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return fail(p.name, ReasonRateLimited, err)
		}
		return fail(p.name, ReasonAPI, err)
	}
	return fail(p.name, ReasonNetwork, err)
}
