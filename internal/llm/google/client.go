// Package google adapts the Gemini SDK (google.golang.org/genai) to
// llm.Provider, grounded in the reference stack's google client
// construction conventions.
package google

import (
	"context"
	"strings"
	"time"

	genai "google.golang.org/genai"

	"github.com/sv-dev/hmlr/internal/hmlrconfig"
	"github.com/sv-dev/hmlr/internal/llm"
)

type Client struct {
	sdk   *genai.Client
	model string
}

func New(ctx context.Context, cfg hmlrconfig.LLMConfig) (*Client, error) {
	model := cfg.MainModel
	if model == "" {
		model = "gemini-1.5-flash"
	}
	httpOpts := genai.HTTPOptions{}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		httpOpts.BaseURL = strings.TrimSuffix(base, "/") + "/"
	}
	c, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:      strings.TrimSpace(cfg.APIKey),
		HTTPOptions: httpOpts,
	})
	if err != nil {
		return nil, err
	}
	return &Client{sdk: c, model: model}, nil
}

func (c *Client) Complete(ctx context.Context, systemPrompt, userPrompt, model string) (string, error) {
	m := model
	if m == "" {
		m = c.model
	}

	ctx, span := llm.StartSpan(ctx, "google", m)
	defer span.End()

	cfg := &genai.GenerateContentConfig{}
	if systemPrompt != "" {
		cfg.SystemInstruction = genai.NewContentFromText(systemPrompt, genai.RoleUser)
	}

	start := time.Now()
	resp, err := c.sdk.Models.GenerateContent(ctx, m, genai.Text(userPrompt), cfg)
	if logErr := llm.LogResult(ctx, "google.complete", m, start, err); logErr != nil {
		return "", logErr
	}
	return resp.Text(), nil
}
