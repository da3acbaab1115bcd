package ml

import (
	"math"
	"sort"
)

// classificationReport summarises probabilistic predictions against 0/1 labels.
func classificationReport(pred, labels []float64) ModelMetrics {
	return ModelMetrics{
		"auc":      auc(pred, labels),
		"brier":    brier(pred, labels),
		"log_loss": logLoss(pred, labels),
		"samples":  len(labels),
	}
}

// auc is the Mann-Whitney estimate of the ROC area; ties count half.
func auc(pred, labels []float64) float64 {
	idx := make([]int, len(pred))
	for i := range idx {
		idx[i] = i
	}
	sort.Slice(idx, func(a, b int) bool { return pred[idx[a]] < pred[idx[b]] })

	var pos, neg, rankSum float64
	for i := 0; i < len(idx); {
		j := i
		for j < len(idx) && pred[idx[j]] == pred[idx[i]] {
			j++
		}
		rank := float64(i+j+1) / 2
		for k := i; k < j; k++ {
			if labels[idx[k]] > 0.5 {
				rankSum += rank
				pos++
			} else {
				neg++
			}
		}
		i = j
	}
	if pos == 0 || neg == 0 {
		return 0.5
	}
	return (rankSum - pos*(pos+1)/2) / (pos * neg)
}

func brier(pred, labels []float64) float64 {
	if len(pred) == 0 {
		return 0
	}
	sum := 0.0
	for i, p := range pred {
		d := p - labels[i]
		sum += d * d
	}
	return sum / float64(len(pred))
}

func logLoss(pred, labels []float64) float64 {
	if len(pred) == 0 {
		return 0
	}
	const eps = 1e-15
	sum := 0.0
	for i, p := range pred {
		p = clip(p, eps, 1-eps)
		if labels[i] > 0.5 {
			sum -= math.Log(p)
		} else {
			sum -= math.Log(1 - p)
		}
	}
	return sum / float64(len(pred))
}
