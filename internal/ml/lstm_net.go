package ml

import (
	"math"
	"math/rand"
)

// lstmNet is a single-layer LSTM followed by a dense sigmoid head.
// Gate blocks inside W, U and B are ordered input, forget, cell, output.
type lstmNet struct {
	In     int       `json:"in"`
	Hidden int       `json:"hidden"`
	Out    int       `json:"out"`
	W      []float64 `json:"w"`  // 4H x In
	U      []float64 `json:"u"`  // 4H x H
	B      []float64 `json:"b"`  // 4H
	Wo     []float64 `json:"wo"` // Out x H
	Bo     []float64 `json:"bo"` // Out
}

func newLSTMNet(in, hidden, out int, rng *rand.Rand) *lstmNet {
	n := &lstmNet{
		In:     in,
		Hidden: hidden,
		Out:    out,
		W:      make([]float64, 4*hidden*in),
		U:      make([]float64, 4*hidden*hidden),
		B:      make([]float64, 4*hidden),
		Wo:     make([]float64, out*hidden),
		Bo:     make([]float64, out),
	}
	scale := 1 / math.Sqrt(float64(hidden))
	for _, p := range [][]float64{n.W, n.U, n.Wo} {
		for i := range p {
			p[i] = (rng.Float64()*2 - 1) * scale
		}
	}
	for j := hidden; j < 2*hidden; j++ {
		n.B[j] = 1
	}
	return n
}

func (n *lstmNet) valid(in, out int) bool {
	h := n.Hidden
	return n.In == in && n.Out == out && h > 0 &&
		len(n.W) == 4*h*in && len(n.U) == 4*h*h && len(n.B) == 4*h &&
		len(n.Wo) == out*h && len(n.Bo) == out
}

func (n *lstmNet) params() [][]float64 {
	return [][]float64{n.W, n.U, n.B, n.Wo, n.Bo}
}

func (n *lstmNet) zeroGrads() [][]float64 {
	ps := n.params()
	out := make([][]float64, len(ps))
	for i, p := range ps {
		out[i] = make([]float64, len(p))
	}
	return out
}

func (n *lstmNet) clone() *lstmNet {
	c := *n
	c.W = append([]float64(nil), n.W...)
	c.U = append([]float64(nil), n.U...)
	c.B = append([]float64(nil), n.B...)
	c.Wo = append([]float64(nil), n.Wo...)
	c.Bo = append([]float64(nil), n.Bo...)
	return &c
}

// lstmStep keeps the activations of one timestep for backpropagation.
type lstmStep struct {
	x, hPrev, cPrev []float64
	i, f, g, o, c   []float64
	h               []float64
}

func (n *lstmNet) run(seq [][]float64) ([]lstmStep, []float64) {
	H := n.Hidden
	h := make([]float64, H)
	c := make([]float64, H)
	steps := make([]lstmStep, len(seq))
	for t, x := range seq {
		z := make([]float64, 4*H)
		copy(z, n.B)
		for r := 0; r < 4*H; r++ {
			w := n.W[r*n.In : (r+1)*n.In]
			for k, v := range x {
				z[r] += w[k] * v
			}
			u := n.U[r*H : (r+1)*H]
			for k, v := range h {
				z[r] += u[k] * v
			}
		}
		st := lstmStep{
			x: x, hPrev: h, cPrev: c,
			i: make([]float64, H), f: make([]float64, H), g: make([]float64, H), o: make([]float64, H),
			c: make([]float64, H), h: make([]float64, H),
		}
		for j := 0; j < H; j++ {
			st.i[j] = sigmoid(z[j])
			st.f[j] = sigmoid(z[H+j])
			st.g[j] = math.Tanh(z[2*H+j])
			st.o[j] = sigmoid(z[3*H+j])
			st.c[j] = st.f[j]*c[j] + st.i[j]*st.g[j]
			st.h[j] = st.o[j] * math.Tanh(st.c[j])
		}
		steps[t] = st
		h, c = st.h, st.c
	}

	p := make([]float64, n.Out)
	for j := range p {
		s := n.Bo[j]
		wo := n.Wo[j*H : (j+1)*H]
		for k, v := range h {
			s += wo[k] * v
		}
		p[j] = sigmoid(s)
	}
	return steps, p
}

func (n *lstmNet) forward(seq [][]float64) []float64 {
	_, p := n.run(seq)
	return p
}

// loss is mean binary cross-entropy plus a penalty pulling the predicted
// total towards k.
func (n *lstmNet) loss(seq [][]float64, target []float64, k float64) float64 {
	p := n.forward(seq)
	sum := 0.0
	for _, v := range p {
		sum += v
	}
	return logLoss(p, target) + lstmSumWeight*(sum-k)*(sum-k)
}

// backward accumulates the gradient of loss into grads.
func (n *lstmNet) backward(seq [][]float64, target []float64, k float64, grads [][]float64) {
	gW, gU, gB, gWo, gBo := grads[0], grads[1], grads[2], grads[3], grads[4]
	H := n.Hidden
	steps, p := n.run(seq)

	sum := 0.0
	for _, v := range p {
		sum += v
	}
	dh := make([]float64, H)
	last := steps[len(steps)-1].h
	for j, pj := range p {
		dlogit := (pj-target[j])/float64(n.Out) + 2*lstmSumWeight*(sum-k)*pj*(1-pj)
		gBo[j] += dlogit
		wo := n.Wo[j*H : (j+1)*H]
		gwo := gWo[j*H : (j+1)*H]
		for q := 0; q < H; q++ {
			gwo[q] += dlogit * last[q]
			dh[q] += dlogit * wo[q]
		}
	}

	dc := make([]float64, H)
	dz := make([]float64, 4*H)
	for t := len(steps) - 1; t >= 0; t-- {
		st := steps[t]
		for j := 0; j < H; j++ {
			tc := math.Tanh(st.c[j])
			do := dh[j] * tc
			dc[j] += dh[j] * st.o[j] * (1 - tc*tc)
			di := dc[j] * st.g[j]
			dg := dc[j] * st.i[j]
			df := dc[j] * st.cPrev[j]
			dz[j] = di * st.i[j] * (1 - st.i[j])
			dz[H+j] = df * st.f[j] * (1 - st.f[j])
			dz[2*H+j] = dg * (1 - st.g[j]*st.g[j])
			dz[3*H+j] = do * st.o[j] * (1 - st.o[j])
			dc[j] *= st.f[j]
		}

		dhPrev := make([]float64, H)
		for r := 0; r < 4*H; r++ {
			d := dz[r]
			if d == 0 {
				continue
			}
			gB[r] += d
			gw := gW[r*n.In : (r+1)*n.In]
			for q, v := range st.x {
				gw[q] += d * v
			}
			gu := gU[r*H : (r+1)*H]
			u := n.U[r*H : (r+1)*H]
			for q := 0; q < H; q++ {
				gu[q] += d * st.hPrev[q]
				dhPrev[q] += d * u[q]
			}
		}
		dh = dhPrev
	}
}

func scaleGrads(grads [][]float64, s float64) {
	for _, g := range grads {
		for i := range g {
			g[i] *= s
		}
	}
}

// clipGrads rescales grads so that their global L2 norm is at most limit.
func clipGrads(grads [][]float64, limit float64) {
	norm := 0.0
	for _, g := range grads {
		for _, v := range g {
			norm += v * v
		}
	}
	norm = math.Sqrt(norm)
	if norm > limit {
		scaleGrads(grads, limit/norm)
	}
}

// adam is the Adam optimizer with default betas.
type adam struct {
	lr     float64
	m, v   [][]float64
	t      int
	b1, b2 float64
}

func newAdam(params [][]float64, lr float64) *adam {
	a := &adam{lr: lr, b1: 0.9, b2: 0.999}
	for _, p := range params {
		a.m = append(a.m, make([]float64, len(p)))
		a.v = append(a.v, make([]float64, len(p)))
	}
	return a
}

func (a *adam) step(params, grads [][]float64) {
	a.t++
	c1 := 1 - math.Pow(a.b1, float64(a.t))
	c2 := 1 - math.Pow(a.b2, float64(a.t))
	for k, p := range params {
		g, m, v := grads[k], a.m[k], a.v[k]
		for i := range p {
			m[i] = a.b1*m[i] + (1-a.b1)*g[i]
			v[i] = a.b2*v[i] + (1-a.b2)*g[i]*g[i]
			p[i] -= a.lr * (m[i] / c1) / (math.Sqrt(v[i]/c2) + 1e-8)
		}
	}
}
