package logits

import "math"

// Candidate pairs a token id with its softmax probability over the
// full vocabulary.
type Candidate struct {
	TokenID     int
	Probability float64
}

// TopKFromLogits returns the k most probable tokens with their
// probabilities computed over the whole logits vector, ordered from
// most to least probable.
func TopKFromLogits(logits []float32, k int) []Candidate {
	if k <= 0 || len(logits) == 0 {
		return nil
	}
	if k > len(logits) {
		k = len(logits)
	}

	maxv := logits[0]
	for _, v := range logits[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v - maxv))
	}
	if sum == 0 {
		return nil
	}

	// Insertion shortlist, same shape as the sampler's top-k scan.
	idx := make([]int, 0, k+1)
	for i, v := range logits {
		pos := len(idx)
		for pos > 0 && logits[idx[pos-1]] < v {
			pos--
		}
		if pos >= k {
			continue
		}
		idx = append(idx, 0)
		copy(idx[pos+1:], idx[pos:])
		idx[pos] = i
		if len(idx) > k {
			idx = idx[:k]
		}
	}

	out := make([]Candidate, len(idx))
	for i, id := range idx {
		out[i] = Candidate{
			TokenID:     id,
			Probability: math.Exp(float64(logits[id]-maxv)) / sum,
		}
	}
	return out
}

// Entropy computes the Shannon entropy in nats of the softmax
// distribution over logits.
func Entropy(logits []float32) float64 {
	if len(logits) == 0 {
		return 0
	}
	maxv := logits[0]
	for _, v := range logits[1:] {
		if v > maxv {
			maxv = v
		}
	}
	var sum float64
	for _, v := range logits {
		sum += math.Exp(float64(v - maxv))
	}
	if sum == 0 {
		return 0
	}
	var h float64
	for _, v := range logits {
		p := math.Exp(float64(v-maxv)) / sum
		if p > 0 {
			h -= p * math.Log(p)
		}
	}
	return h
}
