// Package logits turns model output vectors into token choices and
// per-step telemetry.
package logits

import (
	"errors"
	"math"
	"math/rand"
	"time"
)

// ErrDegenerateLogits is returned when the shortlisted distribution
// carries no probability mass, typically from NaN or -Inf logits.
var ErrDegenerateLogits = errors.New("degenerate logits: no probability mass")

// SamplerConfig configures the behaviour of a Sampler.
type SamplerConfig struct {
	Seed          int64
	Temperature   float32
	TopK          int
	TopP          float32
	MinP          float32
	RepeatPenalty float32
	RepeatLastN   int
}

type Sampler struct {
	rng       *rand.Rand
	cfg       SamplerConfig
	greedy    bool
	topIdx    []int
	topVal    []float32
	prob      []float64
	seenMark  []uint32
	seenEpoch uint32
	seenList  []int
}

// NewSampler returns a new sampler with the provided configuration.
// A zero seed draws a fresh seed so separate calls diverge.
func NewSampler(cfg SamplerConfig) *Sampler {
	greedy := cfg.Temperature <= 0
	if cfg.Temperature <= 0 {
		cfg.Temperature = 1
	}
	if cfg.TopK <= 0 {
		cfg.TopK = 40
	}
	if cfg.TopP <= 0 || cfg.TopP > 1 {
		cfg.TopP = 1
	}
	if cfg.RepeatPenalty <= 0 {
		cfg.RepeatPenalty = 1.0
	}
	if cfg.RepeatLastN <= 0 {
		cfg.RepeatLastN = 64
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Sampler{
		rng:    rand.New(rand.NewSource(seed)),
		cfg:    cfg,
		greedy: greedy,
	}
}

// Sample draws a single index from the provided logits vector. The
// sampling process:
//
//  1. Apply repetition penalty over the recent window if configured.
//  2. With Temperature<=0 the argmax is returned (greedy).
//  3. Otherwise the logits are scaled by the inverse temperature and
//     the indices of the top k values are selected.
//  4. A softmax over the shortlist is computed with max subtraction
//     for numerical stability.
//  5. Min-P and Top-P truncate the shortlist when configured.
//  6. A random value drawn from [0,1) selects an index from the
//     truncated distribution.
func (s *Sampler) Sample(logits []float32, recent []int) (int, error) {
	if len(logits) == 0 {
		return 0, ErrDegenerateLogits
	}

	if s.cfg.RepeatPenalty > 1.0 && len(recent) > 0 {
		start := max(len(recent)-s.cfg.RepeatLastN, 0)
		window := recent[start:]

		if len(s.seenMark) < len(logits) {
			s.seenMark = make([]uint32, len(logits))
		}
		s.seenEpoch++
		if s.seenEpoch == 0 {
			for i := range s.seenMark {
				s.seenMark[i] = 0
			}
			s.seenEpoch = 1
		}
		s.seenList = s.seenList[:0]

		for _, id := range window {
			if id >= 0 && id < len(logits) && s.seenMark[id] != s.seenEpoch {
				s.seenMark[id] = s.seenEpoch
				s.seenList = append(s.seenList, id)
			}
		}

		for _, id := range s.seenList {
			if logits[id] > 0 {
				logits[id] /= s.cfg.RepeatPenalty
			} else {
				logits[id] *= s.cfg.RepeatPenalty
			}
		}
	}

	if s.greedy || (s.cfg.TopK == 1 && s.cfg.TopP >= 1 && s.cfg.Temperature == 1) {
		return argmax(logits), nil
	}

	invTemp := float32(1.0) / s.cfg.Temperature
	k := min(s.cfg.TopK, len(logits))

	topIdx, topVal := s.topK(logits, k, invTemp)
	if len(topVal) == 0 {
		return 0, ErrDegenerateLogits
	}

	maxv := topVal[0]
	for i := 1; i < len(topVal); i++ {
		if topVal[i] > maxv {
			maxv = topVal[i]
		}
	}

	if cap(s.prob) < len(topVal) {
		s.prob = make([]float64, len(topVal))
	}
	prob := s.prob[:len(topVal)]
	var sum float64
	for i := range topVal {
		e := math.Exp(float64(topVal[i] - maxv))
		prob[i] = e
		sum += e
	}
	if sum == 0 || math.IsNaN(sum) {
		return 0, ErrDegenerateLogits
	}
	invSum := 1.0 / sum
	for i := range prob {
		prob[i] *= invSum
	}

	if s.cfg.MinP > 0 {
		threshold := prob[0] * float64(s.cfg.MinP)
		newLen := 0
		var newSum float64
		for i := range prob {
			if prob[i] >= threshold {
				prob[newLen] = prob[i]
				topIdx[newLen] = topIdx[i]
				newSum += prob[i]
				newLen++
			}
		}
		if newLen < len(prob) {
			prob = prob[:newLen]
			if newSum > 0 {
				scale := 1.0 / newSum
				for i := range prob {
					prob[i] *= scale
				}
			}
		}
	}

	cut := len(prob)
	if s.cfg.TopP < 1 {
		var c float64
		for i := range prob {
			c += prob[i]
			if float32(c) >= s.cfg.TopP {
				cut = i + 1
				break
			}
		}
	}

	r := s.rng.Float64()
	var c float64
	for i := 0; i < cut; i++ {
		c += prob[i]
		if r <= c {
			return topIdx[i], nil
		}
	}
	return topIdx[cut-1], nil
}

// argmax returns the index of the maximum value in the slice.
func argmax(x []float32) int {
	bestI := 0
	bestV := x[0]
	for i := 1; i < len(x); i++ {
		if x[i] > bestV {
			bestV = x[i]
			bestI = i
		}
	}
	return bestI
}

// topK returns the indices and values of the k largest elements in
// logits, scaled by invTemp and ordered from largest to smallest.
// O(V*K), fine for small K.
func (s *Sampler) topK(logits []float32, k int, invTemp float32) ([]int, []float32) {
	if k <= 0 {
		return nil, nil
	}
	if cap(s.topIdx) < k+1 {
		s.topIdx = make([]int, 0, k+1)
		s.topVal = make([]float32, 0, k+1)
	}
	topIdx := s.topIdx[:0]
	topVal := s.topVal[:0]

	for i, l := range logits {
		v := l * invTemp

		pos := len(topVal)
		for pos > 0 && topVal[pos-1] < v {
			pos--
		}
		if pos >= k {
			continue
		}

		topIdx = append(topIdx, 0)
		topVal = append(topVal, 0)

		copy(topIdx[pos+1:], topIdx[pos:])
		copy(topVal[pos+1:], topVal[pos:])
		topIdx[pos] = i
		topVal[pos] = v

		if len(topVal) > k {
			topIdx = topIdx[:k]
			topVal = topVal[:k]
		}
	}
	s.topIdx = topIdx
	s.topVal = topVal
	return topIdx, topVal
}
