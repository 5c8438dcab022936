package kernels

import "math"

// RopeInvFreq computes the per-pair inverse frequencies for rotary
// position embeddings over the first ropeDim dimensions of each head,
// applying YaRN scaling when factor > 1 and an original context length
// is known.
func RopeInvFreq(ropeDim int, freqBase, factor float64, origCtx int) []float64 {
	half := ropeDim / 2
	invFreq := make([]float64, half)
	for i := range invFreq {
		invFreq[i] = 1.0 / math.Pow(freqBase, float64(2*i)/float64(ropeDim))
	}
	if factor > 1 && origCtx > 0 {
		applyYarnScaling(invFreq, freqBase, factor, float64(origCtx))
	}
	return invFreq
}

// RopeAttentionScale returns the YaRN attention magnitude correction.
// It is 1 when no scaling is in effect.
func RopeAttentionScale(factor float64, origCtx int) float32 {
	if factor <= 1 || origCtx <= 0 {
		return 1
	}
	return float32(0.1*math.Log(factor) + 1.0)
}

const (
	yarnBetaFast = 32.0
	yarnBetaSlow = 1.0
)

func applyYarnScaling(invFreq []float64, base, factor, origCtx float64) {
	if len(invFreq) == 0 || base <= 1 {
		return
	}

	dim := float64(len(invFreq) * 2)

	findCorrectionDim := func(numRotations float64) float64 {
		numer := origCtx / (numRotations * 2 * math.Pi)
		if numer <= 0 {
			return 0
		}
		return (dim * math.Log(numer)) / (2 * math.Log(base))
	}

	low := math.Floor(findCorrectionDim(yarnBetaFast))
	high := math.Ceil(findCorrectionDim(yarnBetaSlow))
	if low < 0 {
		low = 0
	}
	if high > dim-1 {
		high = dim - 1
	}
	if low == high {
		high += 0.001
	}

	for i, f := range invFreq {
		ramp := (float64(i) - low) / (high - low)
		if ramp < 0 {
			ramp = 0
		} else if ramp > 1 {
			ramp = 1
		}
		invFreq[i] = (f/factor)*ramp + f*(1-ramp)
	}
}

// ApplyRoPE rotates the first ropeDim dimensions of each head of x in
// place for position pos. Pairs are split neox-style at ropeDim/2 and
// the result is scaled by attnScale.
func ApplyRoPE(x []float32, nHead, headDim, ropeDim, pos int, invFreq []float64, attnScale float32) {
	half := ropeDim / 2
	for h := range nHead {
		head := x[h*headDim : (h+1)*headDim]
		for i := range half {
			angle := float64(pos) * invFreq[i]
			cos := float32(math.Cos(angle))
			sin := float32(math.Sin(angle))
			a, b := head[i], head[i+half]
			head[i] = (a*cos - b*sin) * attnScale
			head[i+half] = (a*sin + b*cos) * attnScale
		}
	}
}
