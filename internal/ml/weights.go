package ml

// NormalizeWeights returns non-negative weights over names summing to one.
// Missing or negative entries count as zero; an all-zero vector becomes
// uniform.
func NormalizeWeights(w map[string]float64, names []string) map[string]float64 {
	out := make(map[string]float64, len(names))
	sum := 0.0
	for _, name := range names {
		v := w[name]
		if v < 0 {
			v = 0
		}
		out[name] = v
		sum += v
	}
	for _, name := range names {
		if sum == 0 {
			out[name] = 1 / float64(len(names))
		} else {
			out[name] /= sum
		}
	}
	return out
}

// AdaptWeights moves every weight towards its share of the total score by
// exponential smoothing with the given rate, then renormalises.
func AdaptWeights(current, scores map[string]float64, names []string, rate float64) map[string]float64 {
	total := 0.0
	for _, name := range names {
		total += scores[name]
	}
	next := make(map[string]float64, len(names))
	for _, name := range names {
		target := 1 / float64(len(names))
		if total > 0 {
			target = scores[name] / total
		}
		next[name] = current[name]*(1-rate) + target*rate
	}
	return NormalizeWeights(next, names)
}
