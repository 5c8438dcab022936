package kernels

import "math"

// AttentionWithCache computes grouped-query causal attention for a
// single query token at position pos against the cached keys and
// values. k and v hold seqLen tokens laid out [token][kvHead][headDim].
// Attention covers positions max(0, pos-window+1) through pos. sinks
// carries one learned logit per query head that joins the softmax
// denominator without contributing a value.
func AttentionWithCache(out, q, k, v, sinks []float32, nHead, kvHeads, headDim, pos, window int) {
	scale := float32(1.0 / math.Sqrt(float64(headDim)))
	kvStride := kvHeads * headDim

	start := 0
	if window > 0 && pos-window+1 > 0 {
		start = pos - window + 1
	}
	n := pos - start + 1

	scores := make([]float32, n)
	for h := range nHead {
		qh := q[h*headDim : (h+1)*headDim]
		kvh := h * kvHeads / nHead
		kvOff := kvh * headDim

		maxScore := float32(math.Inf(-1))
		for t := range n {
			kt := k[(start+t)*kvStride+kvOff : (start+t)*kvStride+kvOff+headDim]
			s := Dot(qh, kt) * scale
			scores[t] = s
			if s > maxScore {
				maxScore = s
			}
		}

		sink := sinks[h]
		if sink > maxScore {
			maxScore = sink
		}

		denom := float64(math.Exp(float64(sink - maxScore)))
		for t := range n {
			e := math.Exp(float64(scores[t] - maxScore))
			scores[t] = float32(e)
			denom += e
		}
		inv := float32(1.0 / denom)

		oh := out[h*headDim : (h+1)*headDim]
		for i := range oh {
			oh[i] = 0
		}
		for t := range n {
			w := scores[t] * inv
			if w == 0 {
				continue
			}
			vt := v[(start+t)*kvStride+kvOff : (start+t)*kvStride+kvOff+headDim]
			for i := range oh {
				oh[i] += w * vt[i]
			}
		}
	}
}
