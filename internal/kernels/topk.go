package kernels

import "math"

// TopKSoftmax selects the k highest scores and returns their indices
// together with softmax weights computed over the selected subset
// only. Ties keep the lower index first.
func TopKSoftmax(scores []float32, k int) ([]int, []float32) {
	if k > len(scores) {
		k = len(scores)
	}
	if k <= 0 {
		return nil, nil
	}

	idx := make([]int, 0, k)
	for i := range k {
		idx = append(idx, i)
	}
	// Keep idx sorted by descending score, lower index wins ties.
	better := func(a, b int) bool {
		if scores[a] != scores[b] {
			return scores[a] > scores[b]
		}
		return a < b
	}
	sortByScore(idx, better)
	for i := k; i < len(scores); i++ {
		if better(i, idx[k-1]) {
			idx[k-1] = i
			for j := k - 1; j > 0 && better(idx[j], idx[j-1]); j-- {
				idx[j], idx[j-1] = idx[j-1], idx[j]
			}
		}
	}

	weights := make([]float32, k)
	max := scores[idx[0]]
	var sum float64
	for i, id := range idx {
		e := math.Exp(float64(scores[id] - max))
		weights[i] = float32(e)
		sum += e
	}
	inv := float32(1.0 / sum)
	for i := range weights {
		weights[i] *= inv
	}
	return idx, weights
}

func sortByScore(idx []int, better func(a, b int) bool) {
	for i := 1; i < len(idx); i++ {
		for j := i; j > 0 && better(idx[j], idx[j-1]); j-- {
			idx[j], idx[j-1] = idx[j-1], idx[j]
		}
	}
}
