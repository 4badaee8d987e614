// Package openai adapts the OpenAI SDK to llm.Provider, grounded in the
// reference stack's openai client conventions (chat-completions API,
// configurable base URL for OpenAI-compatible local servers).
package openai

import (
	"context"
	"strings"
	"time"

	sdk "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"

	"github.com/sv-dev/hmlr/internal/hmlrconfig"
	"github.com/sv-dev/hmlr/internal/llm"
)

type Client struct {
	sdk   sdk.Client
	model string
}

func New(cfg hmlrconfig.LLMConfig) *Client {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(cfg.APIKey))}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	model := cfg.MainModel
	if model == "" {
		model = sdk.ChatModelGPT4o
	}
	return &Client{sdk: sdk.NewClient(opts...), model: model}
}

func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt, model string) (string, error) {
	m := model
	if m == "" {
		m = c.model
	}

	ctx, span := llm.StartSpan(ctx, "openai", m)
	defer span.End()

	msgs := []sdk.ChatCompletionMessageParamUnion{}
	if systemPrompt != "" {
		msgs = append(msgs, sdk.SystemMessage(systemPrompt))
	}
	msgs = append(msgs, sdk.UserMessage(userPrompt))

	start := time.Now()
	resp, err := c.sdk.Chat.Completions.New(ctx, sdk.ChatCompletionNewParams{
		Model:    m,
		Messages: msgs,
	})
	if logErr := llm.LogResult(ctx, "openai.complete", m, start, err); logErr != nil {
		return "", logErr
	}
	if len(resp.Choices) == 0 {
		return "", nil
	}
	return resp.Choices[0].Message.Content, nil
}
