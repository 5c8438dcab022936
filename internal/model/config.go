// Package model loads gpt-oss weights from a GGUF file and runs the
// transformer forward pass on the CPU.
package model

import (
	"fmt"

	"github.com/samcharles93/gptoss/internal/gguf"
)

// GptOssModelConfig holds the hyperparameters read from GGUF metadata.
type GptOssModelConfig struct {
	BlockCount         int
	ContextLength      int
	EmbeddingLength    int
	FeedForwardLength  int
	HeadCount          int
	HeadCountKV        int
	RopeDimensionCount int
	RopeTheta          float64
	RopeScalingFactor  float64
	RopeScalingOrigCtx int
	RMSEpsilon         float32
	SlidingWindow      int
	ExpertCount        int
	ExpertsPerToken    int
}

// HeadDim derives the per-head dimension from the query projection
// width. The embedding length is not used because gpt-oss projects to
// head_count*head_dim which may differ from the hidden size.
func (c GptOssModelConfig) HeadDim(qLen int) int {
	return qLen / c.HeadCount
}

// DeriveConfig extracts the gpt-oss hyperparameters from GGUF
// metadata. Required keys produce an error naming the missing key;
// values are not otherwise validated.
func DeriveConfig(kv map[string]gguf.Value) (GptOssModelConfig, error) {
	var cfg GptOssModelConfig

	reqInt := func(key string, dst *int) error {
		v, err := gguf.MustGetUint64(kv, key)
		if err != nil {
			return err
		}
		*dst = int(v)
		return nil
	}

	for _, f := range []struct {
		key string
		dst *int
	}{
		{"gpt-oss.block_count", &cfg.BlockCount},
		{"gpt-oss.embedding_length", &cfg.EmbeddingLength},
		{"gpt-oss.feed_forward_length", &cfg.FeedForwardLength},
		{"gpt-oss.attention.head_count", &cfg.HeadCount},
		{"gpt-oss.attention.head_count_kv", &cfg.HeadCountKV},
		{"gpt-oss.rope.dimension_count", &cfg.RopeDimensionCount},
		{"gpt-oss.attention.sliding_window", &cfg.SlidingWindow},
		{"gpt-oss.expert_count", &cfg.ExpertCount},
		{"gpt-oss.expert_used_count", &cfg.ExpertsPerToken},
	} {
		if err := reqInt(f.key, f.dst); err != nil {
			return cfg, err
		}
	}

	theta, ok := gguf.GetFloat64(kv, "gpt-oss.rope.freq_base")
	if !ok {
		return cfg, fmt.Errorf("missing or invalid gpt-oss.rope.freq_base")
	}
	cfg.RopeTheta = theta

	eps, ok := gguf.GetFloat64(kv, "gpt-oss.attention.layer_norm_rms_epsilon")
	if !ok {
		return cfg, fmt.Errorf("missing or invalid gpt-oss.attention.layer_norm_rms_epsilon")
	}
	cfg.RMSEpsilon = float32(eps)

	// Context length is optional; 0 means unbounded.
	if v, ok := gguf.GetUint64(kv, "gpt-oss.context_length"); ok {
		cfg.ContextLength = int(v)
	} else if v, ok := gguf.GetUint64(kv, "llama.context_length"); ok {
		cfg.ContextLength = int(v)
	}

	cfg.RopeScalingFactor = 1.0
	if v, ok := gguf.GetFloat64(kv, "gpt-oss.rope.scaling.factor"); ok {
		cfg.RopeScalingFactor = v
	}
	if v, ok := gguf.GetUint64(kv, "gpt-oss.rope.scaling.original_context_length"); ok {
		cfg.RopeScalingOrigCtx = int(v)
	}

	return cfg, nil
}
