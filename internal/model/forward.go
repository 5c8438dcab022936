package model

import (
	"fmt"

	"github.com/samcharles93/gptoss/internal/gguf"
	"github.com/samcharles93/gptoss/internal/kernels"
)

// ForwardOptions tweak the forward pass for debugging.
type ForwardOptions struct {
	// ActiveLayers truncates the stack to the first N layers when > 0.
	ActiveLayers int
	// MoEFallback routes every token through expert 0 with weight 1,
	// bypassing the learned router.
	MoEFallback bool
}

// Forward runs one token at position pos through the model and
// returns the vocabulary logits. The kv cache is extended by one
// position per layer.
func (e *Engine) Forward(cache *KvCache, token, pos int, opts ForwardOptions) ([]float32, error) {
	cfg := e.cfg
	dim := cfg.EmbeddingLength
	headDim := cfg.HeadDim(len(e.scratch.q))
	kvHeads := cfg.HeadCountKV

	x, err := e.embedRow(token)
	if err != nil {
		return nil, err
	}

	layers := cfg.BlockCount
	if opts.ActiveLayers > 0 && opts.ActiveLayers < layers {
		layers = opts.ActiveLayers
	}

	s := &e.scratch
	for l := range layers {
		name := func(suffix string) string { return fmt.Sprintf("blk.%d.%s", l, suffix) }

		// Attention block.
		attnNorm, err := e.f32Tensor(name("attn_norm.weight"))
		if err != nil {
			return nil, err
		}
		kernels.RMSNorm(s.xNorm, x, attnNorm, cfg.RMSEpsilon)

		if err := e.projectWithBias(s.q, name("attn_q"), s.xNorm); err != nil {
			return nil, err
		}
		if err := e.projectWithBias(s.k, name("attn_k"), s.xNorm); err != nil {
			return nil, err
		}
		if err := e.projectWithBias(s.v, name("attn_v"), s.xNorm); err != nil {
			return nil, err
		}

		kernels.ApplyRoPE(s.q, cfg.HeadCount, headDim, cfg.RopeDimensionCount, pos, e.ropeInvFreq, e.ropeAttnScale)
		kernels.ApplyRoPE(s.k, kvHeads, headDim, cfg.RopeDimensionCount, pos, e.ropeInvFreq, 1)

		layerKv, err := cache.Layer(l)
		if err != nil {
			return nil, err
		}
		if err := layerKv.Append(s.k, s.v, kvHeads, headDim); err != nil {
			return nil, err
		}

		sinks, err := e.f32Tensor(name("attn_sinks.weight"))
		if err != nil {
			return nil, err
		}
		window := attnWindow(cfg.SlidingWindow, l, pos+1)
		kernels.AttentionWithCache(s.attnOut, s.q, layerKv.K, layerKv.V, sinks,
			cfg.HeadCount, kvHeads, headDim, pos, window)

		if err := e.projectWithBias(s.proj, name("attn_output"), s.attnOut); err != nil {
			return nil, err
		}
		for i := range x {
			x[i] += s.proj[i]
		}

		// MoE block.
		postNorm, err := e.f32Tensor(name("post_attention_norm.weight"))
		if err != nil {
			return nil, err
		}
		kernels.RMSNorm(s.xNorm, x, postNorm, cfg.RMSEpsilon)

		experts, weights, err := e.routeExperts(name, s.xNorm, opts)
		if err != nil {
			return nil, err
		}

		gateBias, err := e.f32Tensor(name("ffn_gate_exps.bias"))
		if err != nil {
			return nil, err
		}
		upBias, err := e.f32Tensor(name("ffn_up_exps.bias"))
		if err != nil {
			return nil, err
		}
		downBias, err := e.f32Tensor(name("ffn_down_exps.bias"))
		if err != nil {
			return nil, err
		}

		ffn := cfg.FeedForwardLength
		for ei, expert := range experts {
			if err := e.expertMatVec(s.gate, name("ffn_gate_exps.weight"), expert, s.xNorm); err != nil {
				return nil, err
			}
			kernels.AddBias(s.gate, gateBias[expert*ffn:(expert+1)*ffn])

			if err := e.expertMatVec(s.up, name("ffn_up_exps.weight"), expert, s.xNorm); err != nil {
				return nil, err
			}
			kernels.AddBias(s.up, upBias[expert*ffn:(expert+1)*ffn])

			for i := range ffn {
				s.act[i] = kernels.SwiGLUClamped(s.gate[i], s.up[i])
			}

			if err := e.expertMatVec(s.expert, name("ffn_down_exps.weight"), expert, s.act); err != nil {
				return nil, err
			}
			kernels.AddBias(s.expert, downBias[expert*dim:(expert+1)*dim])

			w := weights[ei]
			for i := range x {
				x[i] += w * s.expert[i]
			}
		}
	}

	outNorm, err := e.f32Tensor("output_norm.weight")
	if err != nil {
		return nil, err
	}
	kernels.RMSNorm(s.xNorm, x, outNorm, cfg.RMSEpsilon)

	outInfo, ok := e.file.TensorByName("output.weight")
	if !ok {
		return nil, fmt.Errorf("tensor not found: output.weight")
	}
	vocab := int(outInfo.Dims[len(outInfo.Dims)-1])
	logits := make([]float32, vocab)
	if err := e.matVec(logits, "output.weight", s.xNorm); err != nil {
		return nil, err
	}

	if pos+1 > cache.seqLen {
		cache.seqLen = pos + 1
	}
	return logits, nil
}

// routeExperts scores the router and picks the active experts with
// their normalized weights.
func (e *Engine) routeExperts(name func(string) string, x []float32, opts ForwardOptions) ([]int, []float32, error) {
	if opts.MoEFallback {
		return []int{0}, []float32{1}, nil
	}
	if err := e.matVec(e.scratch.router, name("ffn_gate_inp.weight"), x); err != nil {
		return nil, nil, err
	}
	routerBias, err := e.f32Tensor(name("ffn_gate_inp.bias"))
	if err != nil {
		return nil, nil, err
	}
	kernels.AddBias(e.scratch.router, routerBias)
	experts, weights := kernels.TopKSoftmax(e.scratch.router, e.cfg.ExpertsPerToken)
	return experts, weights, nil
}

// projectWithBias computes dst = W*x + b for a projection whose
// weight and bias tensors share a name prefix.
func (e *Engine) projectWithBias(dst []float32, prefix string, x []float32) error {
	if err := e.matVec(dst, prefix+".weight", x); err != nil {
		return err
	}
	bias, err := e.f32Tensor(prefix + ".bias")
	if err != nil {
		return err
	}
	kernels.AddBias(dst, bias)
	return nil
}

// attnWindow returns how many trailing positions layer l may attend
// to. Even layers use the sliding window when one is configured; odd
// layers stay fully causal. The window never drops below 1.
func attnWindow(slidingWindow, layer, seqLen int) int {
	window := seqLen
	if slidingWindow > 0 && layer%2 == 0 {
		window = slidingWindow
	}
	if window < 1 {
		window = 1
	}
	return window
}

// embedRow dequantizes a single row of the token embedding table.
func (e *Engine) embedRow(token int) ([]float32, error) {
	raw, info, err := e.file.TensorData("token_embd.weight")
	if err != nil {
		return nil, err
	}
	cols := int(info.Dims[0])
	rows := int(info.Dims[len(info.Dims)-1])
	if token < 0 || token >= rows {
		return nil, fmt.Errorf("token id out of range: %d", token)
	}

	ts, err := info.Type.TypeSize()
	if err != nil {
		return nil, fmt.Errorf("token_embd.weight: %w", err)
	}
	rowBytes := cols / info.Type.BlockSize() * ts
	row := raw[token*rowBytes : (token+1)*rowBytes]

	switch info.Type {
	case gguf.GGMLTypeF32:
		return kernels.DecodeF32(row, cols), nil
	case gguf.GGMLTypeF16:
		return kernels.DecodeF16(row, cols), nil
	case gguf.GGMLTypeBF16:
		return kernels.DecodeBF16(row, cols), nil
	case gguf.GGMLTypeQ8_0:
		return kernels.DequantQ80(row, cols), nil
	case gguf.GGMLTypeMXFP4:
		return kernels.DequantMXFP4(row, cols), nil
	default:
		return nil, fmt.Errorf("token_embd.weight: %w: %s", gguf.ErrUnsupportedType, info.Type)
	}
}
