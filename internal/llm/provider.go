// Package llm defines the LlmClient external collaborator (see
// SPEC_FULL.md §1, §10 "LLM-orchestration platform" grounding): a minimal,
// provider-agnostic chat-completion surface. Unlike the reference stack's
// full agent-facing client, every HMLR caller (FactExtractor, Governor,
// BridgeLedger, Gardener, DossierRouter) only ever needs one turn of
// "system + user prompt in, text out" — there is no tool-calling, streaming,
// or multi-turn history on this path, so the interface stays small.
package llm

import "context"

// Provider is satisfied by each concrete SDK adapter in this package's
// subpackages (anthropic, openai, google) and selected at startup by
// providers.Build.
type Provider interface {
	// Complete sends a single system/user exchange and returns the model's
	// text response. model overrides the provider's configured default when
	// non-empty (the Governor's routing task uses the cheap "nano" model;
	// the engine's main response uses the configured main model).
	Complete(ctx context.Context, systemPrompt, userPrompt, model string) (string, error)
}
