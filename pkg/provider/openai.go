package provider

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/tallybot/tallybot/pkg/domain"
	"github.com/tallybot/tallybot/pkg/logger"
)

const (
	defaultOpenAIModel = "gpt-4o-mini"
	defaultMaxTokens   = 1000
)

// OpenAI talks to the OpenAI chat completions API, or any server that speaks
// the same protocol when a base URL is set.
type OpenAI struct {
	client    openai.Client
	name      string
	model     string
	maxTokens int
}

var _ Completer = (*OpenAI)(nil)

// NewOpenAI builds the adapter. Empty model and non-positive maxTokens fall
// back to the defaults.
func NewOpenAI(apiKey, baseURL, model string, maxTokens int) *OpenAI {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	if model == "" {
		model = defaultOpenAIModel
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return &OpenAI{
		client:    openai.NewClient(opts...),
		name:      "openai",
		model:     model,
		maxTokens: maxTokens,
	}
}

func (p *OpenAI) Name() string { return p.name }

// Complete sends the conversation and returns the first choice's text.
func (p *OpenAI) Complete(ctx context.Context, req Request) (string, error) {
	requestID := uuid.NewString()
	logger.DebugCF("provider", "completion requested", map[string]interface{}{
		"request_id": requestID,
		"provider":   p.name,
		"model":      p.model,
		"messages":   len(req.Messages),
	})

	params := openai.ChatCompletionNewParams{
		Model:               openai.ChatModel(p.model),
		Messages:            toOpenAIMessages(req),
		MaxCompletionTokens: openai.Int(int64(p.maxTokens)),
	}

	start := time.Now()
	resp, err := p.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", p.classify(err)
	}
	if len(resp.Choices) == 0 {
		return "", fail(p.name, ReasonInvalidResponse, errors.New("no choices in response"))
	}
	content := strings.TrimSpace(resp.Choices[0].Message.Content)
	if content == "" {
		return "", fail(p.name, ReasonInvalidResponse, errors.New("empty completion text"))
	}

	logger.DebugCF("provider", "completion succeeded", map[string]interface{}{
		"request_id":  requestID,
		"provider":    p.name,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return content, nil
}

func toOpenAIMessages(req Request) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.SystemMessage(req.System))
	}
	for _, m := range req.Messages {
		switch m.Role {
		case domain.RoleAssistant:
			out = append(out, openai.AssistantMessage(m.Text))
		case domain.RoleSystem:
			out = append(out, openai.SystemMessage(m.Text))
		default:
			out = append(out, openai.UserMessage(m.Text))
		}
	}
	return out
}

func (p *OpenAI) classify(err error) error {
	if f, ok := classifyContext(p.name, err); ok {
		return f
	}
	var apiErr *openai.Error
	if errors.As(err, &apiErr) {
		if apiErr.StatusCode == http.StatusTooManyRequests {
			return fail(p.name, ReasonRateLimited, err)
		}
		return fail(p.name, ReasonAPI, err)
	}
	return fail(p.name, ReasonNetwork, err)
}
