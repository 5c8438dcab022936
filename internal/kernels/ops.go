// Package kernels provides the CPU math primitives used by the model
// forward pass: normalization, activations, attention, RoPE and the
// quantized matrix-vector products.
package kernels

import "math"

// RMSNorm writes the RMS-normalized product of x and weight into dst.
// dst may alias x.
func RMSNorm(dst, x, weight []float32, eps float32) {
	var ss float64
	for _, v := range x {
		ss += float64(v) * float64(v)
	}
	inv := float32(1.0 / math.Sqrt(ss/float64(len(x))+float64(eps)))
	for i := range x {
		dst[i] = x[i] * inv * weight[i]
	}
}

// AddBias adds bias element-wise into x.
func AddBias(x, bias []float32) {
	for i := range bias {
		x[i] += bias[i]
	}
}

// Softmax normalizes x in place using the max-subtraction trick.
func Softmax(x []float32) {
	if len(x) == 0 {
		return
	}
	max := x[0]
	for _, v := range x[1:] {
		if v > max {
			max = v
		}
	}
	var sum float64
	for i, v := range x {
		e := float32(math.Exp(float64(v - max)))
		x[i] = e
		sum += float64(e)
	}
	inv := float32(1.0 / sum)
	for i := range x {
		x[i] *= inv
	}
}

func Sigmoid(x float32) float32 {
	return float32(1.0 / (1.0 + math.Exp(float64(-x))))
}

const (
	swigluAlpha = 1.702
	swigluLimit = 7.0
)

// SwiGLUClamped computes the clamped gated activation used by the MoE
// expert MLP: the gate is clamped to (-inf, limit], the linear path to
// [-limit, limit], and the linear path carries a +1 offset.
func SwiGLUClamped(gate, up float32) float32 {
	g := float64(gate)
	if g > swigluLimit {
		g = swigluLimit
	}
	u := float64(up)
	if u > swigluLimit {
		u = swigluLimit
	} else if u < -swigluLimit {
		u = -swigluLimit
	}
	glu := g / (1.0 + math.Exp(-g*swigluAlpha))
	return float32(glu * (u + 1.0))
}

func Dot(a, b []float32) float32 {
	var sum float64
	for i := range a {
		sum += float64(a[i]) * float64(b[i])
	}
	return float32(sum)
}
