package inference

import (
	"fmt"
	"strings"
	"time"

	"github.com/samcharles93/gptoss/internal/logits"
	"github.com/samcharles93/gptoss/internal/model"
)

const defaultMaxNewTokens = 512

// GenerateWithCallback runs one full prompt-to-completion pass. The
// callback, when non-nil, receives every generated token and may abort
// the loop by returning an error; the hook, when non-nil, observes the
// same events fire-and-forget. On any failure inside the decode loop
// the partial output is discarded and only the error is returned.
func (e *Engine) GenerateWithCallback(prompt string, cfg *EngineConfig, callback TokenCallback, hook InferenceHook) (*Completion, error) {
	maxNew := cfg.MaxNewTokens
	if maxNew <= 0 {
		maxNew = defaultMaxNewTokens
	}

	if cfg.UseHarmonyPrompt {
		prompt = WrapHarmony(prompt)
	}

	ids, err := e.tok.Encode(prompt)
	if err != nil {
		return nil, fmt.Errorf("tokenize prompt: %w", err)
	}
	if len(ids) == 0 {
		return nil, fmt.Errorf("prompt produced no tokens")
	}

	maxKV := cfg.MaxKV
	if maxKV <= 0 {
		maxKV = len(ids) + maxNew
	}
	if ctx := e.model.Config().ContextLength; ctx > 0 && maxKV > ctx {
		maxKV = ctx
	}

	maxPrompt := maxKV - maxNew
	if maxPrompt <= 0 {
		return nil, fmt.Errorf("prompt token limit is zero: max_kv %d leaves no room beyond %d new tokens", maxKV, maxNew)
	}
	if len(ids) > maxPrompt {
		ids = ids[len(ids)-maxPrompt:]
	}

	stops := buildStopSet(e.tok, cfg.StopTokens)
	sampler := logits.NewSampler(cfg.Generation)
	fwdOpts := model.ForwardOptions{
		ActiveLayers: cfg.LayerLimit,
		MoEFallback:  cfg.MoEFallback,
	}

	cache := e.model.NewCache(maxKV)

	// Prefill: only the last position's logits survive.
	var last []float32
	for i, id := range ids {
		last, err = e.model.Forward(cache, id, i, fwdOpts)
		if err != nil {
			return nil, fmt.Errorf("prefill position %d: %w", i, err)
		}
	}

	history := append([]int(nil), ids...)
	var text strings.Builder
	generated := 0
	finish := "length"
	start := time.Now()

decode:
	for range maxNew {
		var topK []TokenCandidate
		var entropy float64
		if cfg.TelemetryTopK > 0 {
			for _, c := range logits.TopKFromLogits(last, cfg.TelemetryTopK) {
				ct, _ := e.tok.Decode([]int{c.TokenID})
				topK = append(topK, TokenCandidate{
					TokenID:     c.TokenID,
					TokenText:   ct,
					Probability: c.Probability,
				})
			}
			entropy = logits.Entropy(last)
		}

		token, err := sampler.Sample(last, history)
		if err != nil {
			return nil, err
		}

		if _, stop := stops[token]; stop {
			finish = "stop"
			break decode
		}

		piece, err := e.tok.Decode([]int{token})
		if err != nil {
			return nil, fmt.Errorf("decode token %d: %w", token, err)
		}
		text.WriteString(piece)
		generated++

		event := TokenEvent{
			TokenID:      token,
			TokenText:    piece,
			TopK:         topK,
			Entropy:      entropy,
			TokensPerSec: float64(generated) / time.Since(start).Seconds(),
		}
		if hook != nil {
			hook.TokenGenerated(event)
		}
		if callback != nil {
			if err := callback(&event); err != nil {
				return nil, err
			}
		}

		history = append(history, token)
		last, err = e.model.Forward(cache, token, len(history)-1, fwdOpts)
		if err != nil {
			return nil, fmt.Errorf("decode position %d: %w", len(history)-1, err)
		}
	}

	return &Completion{
		Text:             text.String(),
		PromptTokens:     len(ids),
		CompletionTokens: generated,
		FinishReason:     finish,
	}, nil
}
