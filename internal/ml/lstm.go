package ml

import (
	"errors"
	"fmt"
	"math"
	"math/rand"

	"hazard-ensemble/internal/common"
)

// LSTMParams configures the sequence model.
type LSTMParams struct {
	Hidden       int
	Epochs       int
	Batch        int
	LearningRate float64
	Patience     int
	Seed         int64
}

const (
	lstmMaxSeq    = 5
	lstmDescr     = 4
	lstmSumWeight = 0.1
	lstmClipNorm  = 1.0
)

// LSTM reads the last few rounds as a sequence of hazard masks plus a small
// set of shape descriptors and predicts the next mask. Training augments the
// data with the board's mirror symmetries.
type LSTM struct {
	base
	params LSTMParams
	seqLen int
	net    *lstmNet
	cache  History
}

func NewLSTM(grid Grid, params LSTMParams) *LSTM {
	return &LSTM{base: newBase(common.ModelLSTM, KindSequence, grid), params: params}
}

type lstmSample struct {
	seq    [][]float64
	target []float64
}

func (m *LSTM) Train(data TrainingData) (ModelMetrics, error) {
	h := data.Aux.History
	n := len(h)
	seqLen := min(lstmMaxSeq, n-2)
	if seqLen < 1 || n < seqLen+5 {
		return nil, fmt.Errorf("need at least %d rounds, got %d", seqLen+5, n)
	}

	var samples []lstmSample
	for t := seqLen; t < n; t++ {
		samples = append(samples, m.sample(h[t-seqLen:t], h[t]))
	}
	split := int(float64(len(samples)) * 0.8)
	if split < 1 || split >= len(samples) {
		return nil, errors.New("not enough sequences for a validation split")
	}
	train, val := samples[:split], samples[split:]

	// mirror symmetries map hazard layouts onto equally plausible layouts
	augmented := append([]lstmSample(nil), train...)
	for _, tf := range []func(int) int{m.flipH, m.flipV, m.rot180} {
		for t := seqLen; t < seqLen+split; t++ {
			seq := make(History, seqLen)
			for k := range seq {
				seq[k] = m.transform(h[t-seqLen+k], tf)
			}
			augmented = append(augmented, m.sample(seq, m.transform(h[t], tf)))
		}
	}

	rng := rand.New(rand.NewSource(m.params.Seed))
	net := newLSTMNet(m.grid.Cells()+lstmDescr, m.params.Hidden, m.grid.Cells(), rng)
	opt := newAdam(net.params(), m.params.LearningRate)

	k := float64(m.grid.Hazards)
	best := net.clone()
	bestLoss := validationLoss(net, val, k)
	stale, epochs := 0, 0
	batch := max(1, m.params.Batch)
	order := make([]int, len(augmented))
	for i := range order {
		order[i] = i
	}
	for epoch := 0; epoch < m.params.Epochs; epoch++ {
		epochs++
		rng.Shuffle(len(order), func(i, j int) { order[i], order[j] = order[j], order[i] })
		for start := 0; start < len(order); start += batch {
			end := min(start+batch, len(order))
			grads := net.zeroGrads()
			for _, idx := range order[start:end] {
				s := augmented[idx]
				net.backward(s.seq, s.target, k, grads)
			}
			scaleGrads(grads, 1/float64(end-start))
			clipGrads(grads, lstmClipNorm)
			opt.step(net.params(), grads)
		}

		loss := validationLoss(net, val, k)
		if loss < bestLoss-1e-6 {
			bestLoss = loss
			best = net.clone()
			stale = 0
		} else {
			stale++
			if stale >= m.params.Patience {
				break
			}
		}
	}

	hits, mse := 0.0, 0.0
	for _, s := range val {
		p := best.forward(s.seq)
		hits += float64(countHits(p, s.target, m.grid.Hazards))
		mse += brier(p, s.target)
	}

	metrics := ModelMetrics{
		"val_loss":          bestLoss,
		"val_mse":           mse / float64(len(val)),
		"val_hazards_found": hits / float64(len(val)),
		"epochs":            epochs,
		"seq_len":           seqLen,
		"train_sequences":   len(augmented),
		"val_sequences":     len(val),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.seqLen = seqLen
	m.net = best
	m.cache = append(History(nil), h...)
	m.trained = true
	m.metrics = metrics
	return metrics, nil
}

func validationLoss(net *lstmNet, val []lstmSample, k float64) float64 {
	loss := 0.0
	for _, s := range val {
		loss += net.loss(s.seq, s.target, k)
	}
	return loss / float64(len(val))
}

func (m *LSTM) Predict(in PredictionInput) ([]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if !m.trained {
		return m.fallback(), nil
	}
	h := historyOrCache(in, m.cache)
	if len(h) < m.seqLen {
		return m.fallback(), nil
	}
	s := m.sample(h[len(h)-m.seqLen:], nil)
	return m.grid.RescaleClip(m.net.forward(s.seq), m.eps), nil
}

func (m *LSTM) Observe(round RoundVector) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache = m.cache.Append(round)
}

func (m *LSTM) CachedRounds() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.cache)
}

func (m *LSTM) sample(seq History, target RoundVector) lstmSample {
	s := lstmSample{seq: make([][]float64, len(seq)), target: target}
	for t, round := range seq {
		s.seq[t] = append(append(make([]float64, 0, len(round)+lstmDescr), round...), m.describe(round)...)
	}
	return s
}

// describe summarises the hazard layout: centroid row and column, spread of
// cell indices and the entropy of the per-row distribution.
func (m *LSTM) describe(round RoundVector) []float64 {
	hz := round.Hazards()
	out := make([]float64, lstmDescr)
	if len(hz) == 0 {
		return out
	}
	rowCounts := make([]float64, m.grid.Rows)
	var rs, cs, idx float64
	for _, i := range hz {
		r, c := m.grid.RowCol(i)
		rs += float64(r)
		cs += float64(c)
		idx += float64(i)
		rowCounts[r]++
	}
	cnt := float64(len(hz))
	out[0] = rs / cnt / math.Max(float64(m.grid.Rows-1), 1)
	out[1] = cs / cnt / math.Max(float64(m.grid.Cols-1), 1)

	mean := idx / cnt
	variance := 0.0
	for _, i := range hz {
		d := float64(i) - mean
		variance += d * d
	}
	out[2] = math.Sqrt(variance/cnt) / 12

	entropy := 0.0
	for _, c := range rowCounts {
		if c > 0 {
			p := c / cnt
			entropy -= p * math.Log(p)
		}
	}
	if m.grid.Rows > 1 {
		out[3] = entropy / math.Log(float64(m.grid.Rows))
	}
	return out
}

func (m *LSTM) flipH(i int) int {
	r, c := m.grid.RowCol(i)
	return m.grid.Index(r, m.grid.Cols-1-c)
}

func (m *LSTM) flipV(i int) int {
	r, c := m.grid.RowCol(i)
	return m.grid.Index(m.grid.Rows-1-r, c)
}

func (m *LSTM) rot180(i int) int {
	r, c := m.grid.RowCol(i)
	return m.grid.Index(m.grid.Rows-1-r, m.grid.Cols-1-c)
}

func (m *LSTM) transform(round RoundVector, tf func(int) int) RoundVector {
	out := make(RoundVector, len(round))
	for i, v := range round {
		out[tf(i)] = v
	}
	return out
}

type lstmState struct {
	SeqLen int         `json:"seq_len"`
	Net    *lstmNet    `json:"net"`
	Cache  [][]float64 `json:"cache"`
}

func (m *LSTM) Persist(ns Namespace) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.persistBase(ns); err != nil {
		return err
	}
	return ns.Put("params", lstmState{SeqLen: m.seqLen, Net: m.net, Cache: m.cache.Matrix()})
}

func (m *LSTM) Restore(ns Namespace) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	trained, err := m.restoreBase(ns)
	if err != nil || !trained {
		return false, err
	}
	var st lstmState
	ok, err := ns.Get("params", &st)
	if err != nil || !ok || st.Net == nil || !st.Net.valid(m.grid.Cells()+lstmDescr, m.grid.Cells()) {
		m.trained = false
		return false, err
	}
	m.seqLen = st.SeqLen
	m.net = st.Net
	m.cache = HistoryFromMatrix(st.Cache, m.grid.Cells())
	return true, nil
}
