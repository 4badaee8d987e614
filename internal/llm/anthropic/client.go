// Package anthropic adapts the Anthropic SDK to llm.Provider, grounded in
// the reference stack's anthropic client construction conventions (API key
// + base URL from config, a single SDK client reused across calls).
package anthropic

import (
	"context"
	"strings"
	"time"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/sv-dev/hmlr/internal/hmlrconfig"
	"github.com/sv-dev/hmlr/internal/llm"
)

const defaultMaxTokens int64 = 1024

type Client struct {
	sdk   anthropic.Client
	model string
}

func New(cfg hmlrconfig.LLMConfig) *Client {
	opts := []option.RequestOption{option.WithAPIKey(strings.TrimSpace(cfg.APIKey))}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(strings.TrimSuffix(base, "/")))
	}
	model := cfg.MainModel
	if model == "" {
		model = string(anthropic.ModelClaude3_7SonnetLatest)
	}
	return &Client{sdk: anthropic.NewClient(opts...), model: model}
}

func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt, model string) (string, error) {
	m := model
	if m == "" {
		m = c.model
	}

	ctx, span := llm.StartSpan(ctx, "anthropic", m)
	defer span.End()

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(m),
		MaxTokens: defaultMaxTokens,
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(userPrompt)),
		},
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}

	start := time.Now()
	resp, err := c.sdk.Messages.New(ctx, params)
	if logErr := llm.LogResult(ctx, "anthropic.complete", m, start, err); logErr != nil {
		return "", logErr
	}

	var out strings.Builder
	for _, block := range resp.Content {
		if text := block.AsText(); text.Text != "" {
			out.WriteString(text.Text)
		}
	}
	return out.String(), nil
}
