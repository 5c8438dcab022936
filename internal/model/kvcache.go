package model

import (
	"errors"
	"fmt"
)

var ErrKvCacheFull = errors.New("kv cache max length exceeded")

// LayerKv stores the projected keys and values for one layer, flat as
// [token][kvHead][headDim].
type LayerKv struct {
	K      []float32
	V      []float32
	maxLen int
}

// TokenCount reports the number of cached tokens for this layer.
func (l *LayerKv) TokenCount(kvHeads, headDim int) int {
	return len(l.K) / (kvHeads * headDim)
}

// Append adds one token worth of keys and values. It fails with
// ErrKvCacheFull when the layer already holds maxLen tokens.
func (l *LayerKv) Append(k, v []float32, kvHeads, headDim int) error {
	if l.TokenCount(kvHeads, headDim) >= l.maxLen {
		return ErrKvCacheFull
	}
	l.K = append(l.K, k...)
	l.V = append(l.V, v...)
	return nil
}

// KvCache holds per-layer key/value state for a single sequence.
type KvCache struct {
	layers []LayerKv
	maxLen int
	seqLen int
}

func NewKvCache(blockCount, maxLen int) *KvCache {
	c := &KvCache{
		layers: make([]LayerKv, blockCount),
		maxLen: maxLen,
	}
	for i := range c.layers {
		c.layers[i].maxLen = maxLen
	}
	return c
}

func (c *KvCache) Layer(i int) (*LayerKv, error) {
	if i < 0 || i >= len(c.layers) {
		return nil, fmt.Errorf("layer index %d out of range [0,%d)", i, len(c.layers))
	}
	return &c.layers[i], nil
}

func (c *KvCache) MaxLen() int { return c.maxLen }

// SeqLen reports the number of positions processed so far.
func (c *KvCache) SeqLen() int { return c.seqLen }
