// Package providers selects a concrete llm.Provider from configuration,
// mirroring the reference stack's Build(cfg) factory pattern.
package providers

import (
	"context"
	"fmt"

	"github.com/sv-dev/hmlr/internal/hmlrconfig"
	"github.com/sv-dev/hmlr/internal/llm"
	"github.com/sv-dev/hmlr/internal/llm/anthropic"
	"github.com/sv-dev/hmlr/internal/llm/google"
	"github.com/sv-dev/hmlr/internal/llm/openai"
)

// Build constructs the configured llm.Provider for cfg.LLM.Provider.
func Build(ctx context.Context, cfg hmlrconfig.LLMConfig) (llm.Provider, error) {
	switch cfg.Provider {
	case "", "openai":
		return openai.New(cfg), nil
	case "anthropic":
		return anthropic.New(cfg), nil
	case "google":
		return google.New(ctx, cfg)
	default:
		return nil, fmt.Errorf("unsupported llm provider: %s", cfg.Provider)
	}
}
