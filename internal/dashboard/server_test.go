package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"hazard-ensemble/internal/features"
	"hazard-ensemble/internal/metrics"
	"hazard-ensemble/internal/ml"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeEnsemble rejects a second training request until release is called.
type fakeEnsemble struct {
	busy       atomic.Bool
	trained    bool
	lastResult []int
	lastRound  string
	trainErr   error
}

func (f *fakeEnsemble) Predict(revealed []int, n int) (*ml.Prediction, error) {
	if !f.trained {
		return nil, ml.ErrPredictionUnavailable
	}
	return &ml.Prediction{
		Suggestion: &ml.Suggestion{Position: 13, Strategy: "ensemble_ml"},
		RankedSafe: []ml.CellRisk{{Position: 13, Probability: 0.02}},
	}, nil
}

func (f *fakeEnsemble) TrainAll(ctx context.Context, trigger ml.Trigger) (*ml.TrainReport, error) {
	if f.trainErr != nil {
		return nil, f.trainErr
	}
	return &ml.TrainReport{RunID: "sync", Trigger: trigger}, nil
}

func (f *fakeEnsemble) StartTraining(ctx context.Context, trigger ml.Trigger) (string, error) {
	if !f.busy.CompareAndSwap(false, true) {
		return "", ml.ErrTrainingInProgress
	}
	return "run-1", nil
}

func (f *fakeEnsemble) release() { f.busy.Store(false) }

func (f *fakeEnsemble) RegisterResult(ctx context.Context, positions []int, roundID string) (*ml.UpdateResult, error) {
	for _, p := range positions {
		if p < 1 || p > 25 {
			return nil, ml.ErrInvalidRound
		}
	}
	f.lastResult = positions
	f.lastRound = roundID
	return &ml.UpdateResult{RoundID: roundID, RoundsSinceRetrain: 1, TotalRounds: 41}, nil
}

func (f *fakeEnsemble) Status() ml.Status {
	return ml.Status{Trained: f.trained, Training: f.busy.Load(), TotalRounds: 40, RetrainEvery: 10}
}

func (f *fakeEnsemble) Metrics() ml.MetricsReport {
	return ml.MetricsReport{Status: f.Status(), RecentMSE: 0.12}
}

func newTestServer(t *testing.T, ens Ensemble, c Config) (*Server, *Hub, *metrics.Metrics) {
	t.Helper()
	m := metrics.NewWithRegistry(prometheus.NewRegistry())
	mw := metrics.NewWrapper(m)
	hub := NewHub(mw.FeedClients())
	t.Cleanup(hub.Close)
	return New(ens, hub, mw, c), hub, m
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewReader([]byte(body)))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestPredictBeforeTrainingIsUnavailable(t *testing.T) {
	ens := ml.New(ml.DefaultConfig(), features.NewBuilder(ml.DefaultGrid()))
	srv, _, m := newTestServer(t, ens, DefaultConfig(0))

	rec := do(t, srv.Handler(), http.MethodPost, "/api/predict", `{"revealed":[],"n":5}`)
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "no trained model")
	assert.Equal(t, 1.0, testutil.ToFloat64(m.ErrorsTotal))
}

func TestPredict(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeEnsemble{trained: true}, DefaultConfig(0))

	t.Run("with body", func(t *testing.T) {
		rec := do(t, srv.Handler(), http.MethodPost, "/api/predict", `{"revealed":[1,2],"n":3}`)
		require.Equal(t, http.StatusOK, rec.Code)

		var pred ml.Prediction
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &pred))
		require.NotNil(t, pred.Suggestion)
		assert.Equal(t, 13, pred.Suggestion.Position)
	})

	t.Run("empty body", func(t *testing.T) {
		rec := do(t, srv.Handler(), http.MethodPost, "/api/predict", "")
		assert.Equal(t, http.StatusOK, rec.Code)
	})

	t.Run("malformed body", func(t *testing.T) {
		rec := do(t, srv.Handler(), http.MethodPost, "/api/predict", `{"revealed":`)
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})

	t.Run("wrong method", func(t *testing.T) {
		rec := do(t, srv.Handler(), http.MethodGet, "/api/predict", "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
		rec = do(t, srv.Handler(), http.MethodPost, "/api/status", "")
		assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	})

	t.Run("unknown route", func(t *testing.T) {
		rec := do(t, srv.Handler(), http.MethodPost, "/api/nope", "")
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestConcurrentTrainingIsRejected(t *testing.T) {
	ens := &fakeEnsemble{}
	srv, _, _ := newTestServer(t, ens, DefaultConfig(0))

	first := do(t, srv.Handler(), http.MethodPost, "/api/train", "")
	require.Equal(t, http.StatusAccepted, first.Code)
	assert.Contains(t, first.Body.String(), `"run_id":"run-1"`)

	second := do(t, srv.Handler(), http.MethodPost, "/api/train", "")
	assert.Equal(t, http.StatusConflict, second.Code)

	ens.release()
	third := do(t, srv.Handler(), http.MethodPost, "/api/train", "")
	assert.Equal(t, http.StatusAccepted, third.Code)
}

func TestSynchronousTraining(t *testing.T) {
	t.Run("report", func(t *testing.T) {
		srv, _, _ := newTestServer(t, &fakeEnsemble{}, DefaultConfig(0))
		rec := do(t, srv.Handler(), http.MethodPost, "/api/train?wait=true", "")
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Body.String(), `"run_id":"sync"`)
	})

	t.Run("insufficient data", func(t *testing.T) {
		ens := ml.New(ml.DefaultConfig(), features.NewBuilder(ml.DefaultGrid()))
		srv, _, _ := newTestServer(t, ens, DefaultConfig(0))
		rec := do(t, srv.Handler(), http.MethodPost, "/api/train?wait=true", "")
		assert.Equal(t, http.StatusBadRequest, rec.Code)
	})
}

func TestResult(t *testing.T) {
	tests := []struct {
		name   string
		body   string
		status int
	}{
		{name: "valid", body: `{"bones":[3,7,12,20],"roundId":"r-1"}`, status: http.StatusOK},
		{name: "no bones", body: `{"bones":[]}`, status: http.StatusBadRequest},
		{name: "invalid round", body: `{"bones":[0,26]}`, status: http.StatusBadRequest},
		{name: "malformed", body: `bones`, status: http.StatusBadRequest},
		{name: "empty", body: ``, status: http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ens := &fakeEnsemble{}
			srv, _, _ := newTestServer(t, ens, DefaultConfig(0))
			rec := do(t, srv.Handler(), http.MethodPost, "/api/result", tt.body)
			assert.Equal(t, tt.status, rec.Code, rec.Body.String())
		})
	}

	ens := &fakeEnsemble{}
	srv, _, _ := newTestServer(t, ens, DefaultConfig(0))
	do(t, srv.Handler(), http.MethodPost, "/api/result", `{"bones":[3,7,12,20],"roundId":"r-9"}`)
	assert.Equal(t, []int{3, 7, 12, 20}, ens.lastResult)
	assert.Equal(t, "r-9", ens.lastRound)
}

func TestMutationsAreRateLimited(t *testing.T) {
	c := DefaultConfig(0)
	c.RateLimit = 0.001
	c.RateBurst = 1
	srv, _, _ := newTestServer(t, &fakeEnsemble{}, c)

	first := do(t, srv.Handler(), http.MethodPost, "/api/result", `{"bones":[1,2,3,4]}`)
	assert.Equal(t, http.StatusOK, first.Code)
	second := do(t, srv.Handler(), http.MethodPost, "/api/result", `{"bones":[1,2,3,4]}`)
	assert.Equal(t, http.StatusTooManyRequests, second.Code)

	// Reads are not limited.
	status := do(t, srv.Handler(), http.MethodGet, "/api/status", "")
	assert.Equal(t, http.StatusOK, status.Code)
}

func TestReadEndpoints(t *testing.T) {
	srv, _, _ := newTestServer(t, &fakeEnsemble{trained: true}, DefaultConfig(0))

	rec := do(t, srv.Handler(), http.MethodGet, "/api/status", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var st ml.Status
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &st))
	assert.True(t, st.Trained)
	assert.Equal(t, 40, st.TotalRounds)

	rec = do(t, srv.Handler(), http.MethodGet, "/api/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"recent_mse":0.12`)

	rec = do(t, srv.Handler(), http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)

	rec = do(t, srv.Handler(), http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)

	rec = do(t, srv.Handler(), http.MethodGet, "/", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Hazard Ensemble")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadRequest, statusFor(ml.ErrInsufficientData))
	assert.Equal(t, http.StatusConflict, statusFor(ml.ErrTrainingInProgress))
	assert.Equal(t, http.StatusServiceUnavailable, statusFor(ml.ErrPredictionUnavailable))
	assert.Equal(t, http.StatusInternalServerError, statusFor(assert.AnError))
}

func TestWebSocketFeed(t *testing.T) {
	srv, hub, m := newTestServer(t, &fakeEnsemble{trained: true}, DefaultConfig(0))
	go hub.Run()

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	readEvent := func() map[string]any {
		t.Helper()
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		var ev map[string]any
		require.NoError(t, json.Unmarshal(data, &ev))
		return ev
	}

	initial := readEvent()
	assert.Equal(t, "status", initial["type"])

	require.Eventually(t, func() bool { return hub.Clients() == 1 }, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1.0, testutil.ToFloat64(m.FeedClients))

	hub.Publish(ml.Event{Type: "prediction", At: time.Now(), Payload: map[string]int{"position": 13}})
	ev := readEvent()
	assert.Equal(t, "prediction", ev["type"])
	assert.Equal(t, map[string]any{"position": 13.0}, ev["payload"])

	conn.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestHubStalledClientDoesNotBlockOthers(t *testing.T) {
	hub := NewHub(nil)
	go hub.Run()
	defer hub.Close()

	// a client whose queue is never drained
	stalled := &feedClient{send: make(chan []byte)}
	hub.clientsMu.Lock()
	hub.clients[stalled] = true
	hub.clientsMu.Unlock()
	defer func() {
		hub.clientsMu.Lock()
		delete(hub.clients, stalled)
		hub.clientsMu.Unlock()
	}()

	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hub.serve(w, r, ml.Event{Type: "status"})
	}))
	defer ts.Close()
	url := "ws" + strings.TrimPrefix(ts.URL, "http")

	dial := func() *websocket.Conn {
		t.Helper()
		conn, _, err := websocket.DefaultDialer.Dial(url, nil)
		require.NoError(t, err)
		require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
		_, data, err := conn.ReadMessage()
		require.NoError(t, err)
		assert.Contains(t, string(data), `"type":"status"`)
		return conn
	}

	first := dial()
	defer first.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 2 }, 2*time.Second, 10*time.Millisecond)

	for i := 0; i < 3; i++ {
		hub.Publish(ml.Event{Type: "update", At: time.Now()})
		_, data, err := first.ReadMessage()
		require.NoError(t, err)
		assert.Contains(t, string(data), `"type":"update"`)
	}

	// new connections still register while the stalled client lags
	second := dial()
	defer second.Close()
	require.Eventually(t, func() bool { return hub.Clients() == 3 }, 2*time.Second, 10*time.Millisecond)
}
