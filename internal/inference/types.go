// Package inference drives the token generation loop on top of the
// model forward pass, sampler and tokenizer.
package inference

import "github.com/samcharles93/gptoss/internal/logits"

// EngineConfig collects everything a single generation call needs.
type EngineConfig struct {
	// Generation configures the sampler.
	Generation logits.SamplerConfig

	// LayerLimit caps the number of active transformer layers when
	// nonzero, for debugging and degraded execution.
	LayerLimit int

	// MaxKV is an explicit kv cache budget. Zero derives the budget
	// from the prompt length plus MaxNewTokens.
	MaxKV int

	// MaxNewTokens bounds the number of generated tokens.
	MaxNewTokens int

	// TelemetryTopK is the number of candidate tokens reported per
	// step. Zero disables telemetry computation.
	TelemetryTopK int

	// MoEFallback forces expert 0 with weight 1, bypassing the router.
	MoEFallback bool

	// UseHarmonyPrompt wraps the raw prompt in the harmony control
	// token template before tokenizing.
	UseHarmonyPrompt bool

	// StopTokens are caller-supplied token ids that end generation, in
	// addition to the model's own control tokens.
	StopTokens []int
}

// TokenCandidate is one alternative for a sampled position.
type TokenCandidate struct {
	TokenID     int     `json:"token_id"`
	TokenText   string  `json:"token_text"`
	Probability float64 `json:"probability"`
}

// TokenEvent describes one generated token with its sampling
// telemetry.
type TokenEvent struct {
	TokenID      int              `json:"token_id"`
	TokenText    string           `json:"token_text"`
	TopK         []TokenCandidate `json:"top_k,omitempty"`
	Entropy      float64          `json:"entropy"`
	TokensPerSec float64          `json:"tokens_per_sec"`
}

// TokenCallback streams generated tokens. Returning an error aborts
// the generation loop.
type TokenCallback func(*TokenEvent) error

// InferenceHook observes token events fire-and-forget. Implementations
// must not block.
type InferenceHook interface {
	TokenGenerated(TokenEvent)
}

// Completion is the result of a finished generation.
type Completion struct {
	Text             string `json:"text"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	FinishReason     string `json:"finish_reason"`
}
