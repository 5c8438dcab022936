package model

import (
	"fmt"

	"github.com/samcharles93/gptoss/internal/gguf"
	"github.com/samcharles93/gptoss/internal/kernels"
	"github.com/samcharles93/gptoss/internal/logger"
	"github.com/samcharles93/gptoss/internal/tokenizer"
)

// Engine owns the open weight file and the buffers needed to run the
// forward pass. It is not safe for concurrent use; callers serialize
// access externally.
type Engine struct {
	path string
	file *gguf.File
	tok  *tokenizer.GPT2Tokenizer
	cfg  GptOssModelConfig
	log  logger.Logger

	// f32Cache memoizes dequantized tensors keyed by name. Q8_0 and
	// MXFP4 matrices consumed by the raw matvec kernels stay encoded.
	f32Cache map[string][]float32

	ropeInvFreq   []float64
	ropeAttnScale float32

	scratch forwardScratch
}

type forwardScratch struct {
	xNorm   []float32
	q       []float32
	k       []float32
	v       []float32
	attnOut []float32
	proj    []float32
	router  []float32
	gate    []float32
	up      []float32
	act     []float32
	expert  []float32
}

func LoadEngine(path string, log logger.Logger) (*Engine, error) {
	f, err := gguf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open model: %w", err)
	}

	cfg, err := DeriveConfig(f.KV)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("model config: %w", err)
	}

	tok, err := tokenizer.FromGGUF(f.KV)
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("tokenizer: %w", err)
	}

	e := &Engine{
		path:     path,
		file:     f,
		tok:      tok,
		cfg:      cfg,
		log:      log,
		f32Cache: make(map[string][]float32),
	}

	if err := e.initDims(); err != nil {
		f.Close()
		return nil, err
	}

	e.ropeInvFreq = kernels.RopeInvFreq(cfg.RopeDimensionCount, cfg.RopeTheta, cfg.RopeScalingFactor, cfg.RopeScalingOrigCtx)
	e.ropeAttnScale = kernels.RopeAttentionScale(cfg.RopeScalingFactor, cfg.RopeScalingOrigCtx)

	log.Info("model loaded",
		"path", path,
		"layers", cfg.BlockCount,
		"embedding", cfg.EmbeddingLength,
		"experts", cfg.ExpertCount,
		"experts_per_token", cfg.ExpertsPerToken,
	)
	return e, nil
}

// initDims sizes the scratch buffers from the first block's
// projection shapes. The query width may exceed the hidden size.
func (e *Engine) initDims() error {
	dim := e.cfg.EmbeddingLength
	ffn := e.cfg.FeedForwardLength

	qInfo, ok := e.file.TensorByName("blk.0.attn_q.weight")
	if !ok {
		return fmt.Errorf("tensor not found: blk.0.attn_q.weight")
	}
	kInfo, ok := e.file.TensorByName("blk.0.attn_k.weight")
	if !ok {
		return fmt.Errorf("tensor not found: blk.0.attn_k.weight")
	}
	qLen := int(qInfo.Dims[len(qInfo.Dims)-1])
	kvLen := int(kInfo.Dims[len(kInfo.Dims)-1])

	e.scratch = forwardScratch{
		xNorm:   make([]float32, dim),
		q:       make([]float32, qLen),
		k:       make([]float32, kvLen),
		v:       make([]float32, kvLen),
		attnOut: make([]float32, qLen),
		proj:    make([]float32, dim),
		router:  make([]float32, e.cfg.ExpertCount),
		gate:    make([]float32, ffn),
		up:      make([]float32, ffn),
		act:     make([]float32, ffn),
		expert:  make([]float32, dim),
	}
	return nil
}

func (e *Engine) Close() error {
	if e.file == nil {
		return nil
	}
	err := e.file.Close()
	e.file = nil
	return err
}

func (e *Engine) Config() GptOssModelConfig          { return e.cfg }
func (e *Engine) Tokenizer() *tokenizer.GPT2Tokenizer { return e.tok }
func (e *Engine) Path() string                        { return e.path }

func (e *Engine) NewCache(maxLen int) *KvCache {
	return NewKvCache(e.cfg.BlockCount, maxLen)
}

// f32Tensor returns the named tensor fully dequantized, memoized
// across calls.
func (e *Engine) f32Tensor(name string) ([]float32, error) {
	if v, ok := e.f32Cache[name]; ok {
		return v, nil
	}
	raw, info, err := e.file.TensorData(name)
	if err != nil {
		return nil, err
	}
	n, err := info.Elements()
	if err != nil {
		return nil, err
	}
	var out []float32
	switch info.Type {
	case gguf.GGMLTypeF32:
		out = kernels.DecodeF32(raw, n)
	case gguf.GGMLTypeF16:
		out = kernels.DecodeF16(raw, n)
	case gguf.GGMLTypeBF16:
		out = kernels.DecodeBF16(raw, n)
	case gguf.GGMLTypeQ8_0:
		out = kernels.DequantQ80(raw, n)
	case gguf.GGMLTypeMXFP4:
		out = kernels.DequantMXFP4(raw, n)
	default:
		return nil, fmt.Errorf("tensor %s: %w: %s", name, gguf.ErrUnsupportedType, info.Type)
	}
	e.f32Cache[name] = out
	return out, nil
}

// matVec multiplies the named 2D weight tensor by x. Q8_0 weights use
// the raw kernel; everything else goes through the f32 memo.
func (e *Engine) matVec(dst []float32, name string, x []float32) error {
	raw, info, err := e.file.TensorData(name)
	if err != nil {
		return err
	}
	cols := int(info.Dims[0])
	rows := int(info.Dims[len(info.Dims)-1])
	switch info.Type {
	case gguf.GGMLTypeQ8_0:
		kernels.MatVecQ80(dst, raw, rows, cols, x)
		return nil
	default:
		w, err := e.f32Tensor(name)
		if err != nil {
			return err
		}
		kernels.MatVecF32(dst, w, x, rows, cols)
		return nil
	}
}

// expertMatVec multiplies one expert slab of a 3D expert tensor by x.
func (e *Engine) expertMatVec(dst []float32, name string, expert int, x []float32) error {
	raw, info, err := e.file.TensorData(name)
	if err != nil {
		return err
	}
	cols := int(info.Dims[0])
	rows := int(info.Dims[1])
	switch info.Type {
	case gguf.GGMLTypeMXFP4:
		kernels.MatVecMXFP4Expert(dst, raw, expert, rows, cols, x)
		return nil
	case gguf.GGMLTypeQ8_0:
		blockBytes := 34
		rowBytes := cols / 32 * blockBytes
		kernels.MatVecQ80(dst, raw[expert*rows*rowBytes:], rows, cols, x)
		return nil
	default:
		w, err := e.f32Tensor(name)
		if err != nil {
			return err
		}
		kernels.MatVecF32Expert(dst, w, expert, rows, cols, x)
		return nil
	}
}
