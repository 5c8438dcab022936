package kernels

import (
	"encoding/binary"
	"math"

	"github.com/x448/float16"
)

const (
	// Q8_0: 32 int8 values per block behind an fp16 scale.
	q80BlockSize = 32
	q80BlockBytes = 2 + q80BlockSize

	// MXFP4: 32 fp4 (e2m1) values per block behind an e8m0 scale byte.
	mxfp4BlockSize  = 32
	mxfp4BlockBytes = 1 + mxfp4BlockSize/2
)

// fp4 e2m1 code points. Low nibble decodes the first half of a block,
// high nibble the second half.
var fp4Values = [16]float32{
	0, 0.5, 1, 1.5, 2, 3, 4, 6,
	-0, -0.5, -1, -1.5, -2, -3, -4, -6,
}

// DecodeF32 reinterprets little-endian raw bytes as n float32 values.
func DecodeF32(raw []byte, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[i*4:]))
	}
	return out
}

// DecodeF16 converts n little-endian IEEE half values to float32.
func DecodeF16(raw []byte, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = float16.Frombits(binary.LittleEndian.Uint16(raw[i*2:])).Float32()
	}
	return out
}

// DecodeBF16 converts n little-endian bfloat16 values to float32.
func DecodeBF16(raw []byte, n int) []float32 {
	out := make([]float32, n)
	for i := range out {
		out[i] = math.Float32frombits(uint32(binary.LittleEndian.Uint16(raw[i*2:])) << 16)
	}
	return out
}

// DequantQ80 expands n Q8_0-encoded elements to float32.
func DequantQ80(raw []byte, n int) []float32 {
	out := make([]float32, n)
	nBlocks := n / q80BlockSize
	for b := range nBlocks {
		blk := raw[b*q80BlockBytes:]
		d := float16.Frombits(binary.LittleEndian.Uint16(blk)).Float32()
		qs := blk[2 : 2+q80BlockSize]
		dst := out[b*q80BlockSize:]
		for i, q := range qs {
			dst[i] = d * float32(int8(q))
		}
	}
	return out
}

// DequantMXFP4 expands n MXFP4-encoded elements to float32.
func DequantMXFP4(raw []byte, n int) []float32 {
	out := make([]float32, n)
	nBlocks := n / mxfp4BlockSize
	for b := range nBlocks {
		blk := raw[b*mxfp4BlockBytes:]
		d := float32(math.Ldexp(1, int(blk[0])-127))
		qs := blk[1 : 1+mxfp4BlockSize/2]
		dst := out[b*mxfp4BlockSize:]
		for i, q := range qs {
			dst[i] = d * fp4Values[q&0x0f]
			dst[i+mxfp4BlockSize/2] = d * fp4Values[q>>4]
		}
	}
	return out
}

// MatVecF32 computes dst = W*x for a row-major rows x cols matrix.
func MatVecF32(dst, w, x []float32, rows, cols int) {
	for r := range rows {
		dst[r] = Dot(w[r*cols:(r+1)*cols], x)
	}
}

// MatVecQ80 computes dst = W*x directly from Q8_0 row data without
// materializing the dequantized matrix.
func MatVecQ80(dst []float32, raw []byte, rows, cols int, x []float32) {
	blocksPerRow := cols / q80BlockSize
	rowBytes := blocksPerRow * q80BlockBytes
	for r := range rows {
		row := raw[r*rowBytes:]
		var sum float64
		for b := range blocksPerRow {
			blk := row[b*q80BlockBytes:]
			d := float16.Frombits(binary.LittleEndian.Uint16(blk)).Float32()
			qs := blk[2 : 2+q80BlockSize]
			xb := x[b*q80BlockSize:]
			var acc float32
			for i, q := range qs {
				acc += float32(int8(q)) * xb[i]
			}
			sum += float64(d * acc)
		}
		dst[r] = float32(sum)
	}
}

// MatVecMXFP4Expert computes dst = W_e*x for expert e of a 3D expert
// tensor stored as consecutive rows x cols slabs of MXFP4 blocks.
func MatVecMXFP4Expert(dst []float32, raw []byte, expert, rows, cols int, x []float32) {
	blocksPerRow := cols / mxfp4BlockSize
	rowBytes := blocksPerRow * mxfp4BlockBytes
	slab := raw[expert*rows*rowBytes:]
	half := mxfp4BlockSize / 2
	for r := range rows {
		row := slab[r*rowBytes:]
		var sum float64
		for b := range blocksPerRow {
			blk := row[b*mxfp4BlockBytes:]
			d := float32(math.Ldexp(1, int(blk[0])-127))
			qs := blk[1 : 1+half]
			xb := x[b*mxfp4BlockSize:]
			var acc float32
			for i, q := range qs {
				acc += fp4Values[q&0x0f]*xb[i] + fp4Values[q>>4]*xb[i+half]
			}
			sum += float64(d * acc)
		}
		dst[r] = float32(sum)
	}
}

// MatVecF32Expert computes dst = W_e*x for expert e of a 3D float32
// expert tensor laid out as consecutive rows x cols slabs.
func MatVecF32Expert(dst, w []float32, expert, rows, cols int, x []float32) {
	slab := w[expert*rows*cols:]
	MatVecF32(dst, slab, x, rows, cols)
}
