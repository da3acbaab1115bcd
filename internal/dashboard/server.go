// Package dashboard exposes the hazard ensemble over HTTP.
//
// It serves the prediction, training and result endpoints used by the game
// client, read-only status and metrics endpoints, the Prometheus scrape
// endpoint and a websocket feed that pushes ensemble events as they happen.
package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net/http"
	"sync"
	"time"

	"hazard-ensemble/internal/metrics"
	"hazard-ensemble/internal/ml"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const maxBodyBytes = 1 << 20

// Ensemble is the part of *ml.Ensemble the service depends on.
type Ensemble interface {
	Predict(revealed []int, n int) (*ml.Prediction, error)
	TrainAll(ctx context.Context, trigger ml.Trigger) (*ml.TrainReport, error)
	StartTraining(ctx context.Context, trigger ml.Trigger) (string, error)
	RegisterResult(ctx context.Context, positions []int, roundID string) (*ml.UpdateResult, error)
	Status() ml.Status
	Metrics() ml.MetricsReport
}

// Config controls the HTTP server.
type Config struct {
	Port           int
	RateLimit      float64       // mutation requests per second
	RateBurst      int           // mutation burst size
	StatusInterval time.Duration // periodic status push; 0 disables it
}

// DefaultConfig returns the settings used by the daemon.
func DefaultConfig(port int) Config {
	return Config{
		Port:           port,
		RateLimit:      5,
		RateBurst:      10,
		StatusInterval: 10 * time.Second,
	}
}

// Server is the ensemble's HTTP front end.
type Server struct {
	ensemble       Ensemble
	metricsWrapper *metrics.MetricsWrapper
	hub            *Hub
	limiter        *rate.Limiter
	router         *mux.Router
	server         *http.Server
	cfg            Config
	stopChannel    chan struct{}
	isRunning      bool
	mu             sync.Mutex
}

// New wires the routes. hub must be the one passed to the ensemble's
// notifier; metricsWrapper may be nil.
func New(ens Ensemble, hub *Hub, metricsWrapper *metrics.MetricsWrapper, c Config) *Server {
	s := &Server{
		ensemble:       ens,
		metricsWrapper: metricsWrapper,
		hub:            hub,
		limiter:        rate.NewLimiter(rate.Limit(c.RateLimit), c.RateBurst),
		cfg:            c,
		stopChannel:    make(chan struct{}),
	}

	r := mux.NewRouter()
	r.HandleFunc("/", s.handleDashboard).Methods("GET")
	r.HandleFunc("/health", s.handleHealth).Methods("GET")
	r.Handle("/metrics", promhttp.Handler()).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")

	// registered on the root router so a method mismatch answers 405
	r.HandleFunc("/api/predict", s.handlePredict).Methods("POST")
	r.HandleFunc("/api/train", s.limited(s.handleTrain)).Methods("POST")
	r.HandleFunc("/api/result", s.limited(s.handleResult)).Methods("POST")
	r.HandleFunc("/api/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/api/metrics", s.handleMetrics).Methods("GET")
	s.router = r

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", c.Port),
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start runs the hub and the HTTP server in the background.
func (s *Server) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.isRunning {
		return fmt.Errorf("ensemble server is already running")
	}

	go s.hub.Run()
	if s.cfg.StatusInterval > 0 {
		go s.statusPublisher()
	}

	go func() {
		log.Info().
			Str("address", s.server.Addr).
			Msg("Starting ensemble server")

		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error().Err(err).Msg("Ensemble server failed")
		}
	}()

	s.isRunning = true
	return nil
}

// Stop disconnects feed clients and shuts the server down within ctx.
func (s *Server) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.isRunning {
		return nil
	}

	close(s.stopChannel)
	s.hub.Close()

	if err := s.server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Failed to shutdown ensemble server")
		return err
	}

	s.isRunning = false
	log.Info().Msg("Ensemble server stopped")
	return nil
}

// statusPublisher pushes a status event on every tick.
func (s *Server) statusPublisher() {
	ticker := time.NewTicker(s.cfg.StatusInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.hub.Publish(s.statusEvent())
		case <-s.stopChannel:
			return
		}
	}
}

func (s *Server) statusEvent() ml.Event {
	return ml.Event{Type: "status", At: time.Now().UTC(), Payload: s.ensemble.Status()}
}

func (s *Server) limited(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.limiter.Allow() {
			s.writeError(w, http.StatusTooManyRequests, errors.New("rate limit exceeded"))
			return
		}
		next(w, r)
	}
}

type predictRequest struct {
	Revealed []int `json:"revealed"`
	N        int   `json:"n"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req predictRequest
	if err := decodeBody(w, r, &req, true); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}

	pred, err := s.ensemble.Predict(req.Revealed, req.N)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, pred)
}

// handleTrain starts a background run and answers 202 with its id. With
// ?wait=true the run is synchronous and the report is returned.
func (s *Server) handleTrain(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("wait") == "true" {
		report, err := s.ensemble.TrainAll(r.Context(), ml.TriggerManual)
		if err != nil {
			s.writeError(w, statusFor(err), err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}

	runID, err := s.ensemble.StartTraining(r.Context(), ml.TriggerManual)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"run_id": runID, "status": "started"})
}

type resultRequest struct {
	Bones   []int  `json:"bones"`
	RoundID string `json:"roundId"`
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	var req resultRequest
	if err := decodeBody(w, r, &req, false); err != nil {
		s.writeError(w, http.StatusBadRequest, err)
		return
	}
	if len(req.Bones) == 0 {
		s.writeError(w, http.StatusBadRequest, errors.New("bones must list the hazard positions"))
		return
	}

	res, err := s.ensemble.RegisterResult(r.Context(), req.Bones, req.RoundID)
	if err != nil {
		s.writeError(w, statusFor(err), err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ensemble.Status())
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.ensemble.Metrics())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	st := s.ensemble.Status()
	writeJSON(w, http.StatusOK, map[string]any{
		"status":       "ok",
		"trained":      st.Trained,
		"training":     st.Training,
		"total_rounds": st.TotalRounds,
		"feed_clients": s.hub.Clients(),
		"time":         time.Now().UTC(),
	})
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	s.hub.serve(w, r, s.statusEvent())
}

var dashboardPage = template.Must(template.New("dashboard").Parse(`<!DOCTYPE html>
<html>
<head>
    <title>Hazard Ensemble</title>
    <meta charset="UTF-8">
    <style>
        body { font-family: monospace; margin: 20px; background: #f5f5f5; }
        #events { white-space: pre-wrap; background: #fff; padding: 10px; border: 1px solid #ddd; }
    </style>
</head>
<body>
    <h1>Hazard Ensemble</h1>
    <div id="events"></div>
    <script>
        const out = document.getElementById('events');
        const ws = new WebSocket((location.protocol === 'https:' ? 'wss://' : 'ws://') + location.host + '/ws');
        ws.onmessage = (msg) => {
            const ev = JSON.parse(msg.data);
            out.textContent = ev.at + ' ' + ev.type + '\n' + JSON.stringify(ev.payload, null, 2) + '\n\n' + out.textContent.slice(0, 20000);
        };
    </script>
</body>
</html>`))

func (s *Server) handleDashboard(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	if err := dashboardPage.Execute(w, nil); err != nil {
		log.Error().Err(err).Msg("Failed to render dashboard page")
	}
}

// statusFor maps ensemble errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ml.ErrInsufficientData), errors.Is(err, ml.ErrInvalidRound):
		return http.StatusBadRequest
	case errors.Is(err, ml.ErrTrainingInProgress):
		return http.StatusConflict
	case errors.Is(err, ml.ErrPredictionUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, err error) {
	if status >= http.StatusInternalServerError && s.metricsWrapper != nil {
		s.metricsWrapper.ErrorsTotal().Inc()
	}
	log.Debug().Err(err).Int("status", status).Msg("Request failed")
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Warn().Err(err).Msg("Failed to encode response")
	}
}

// decodeBody reads a JSON body into v. An empty body is accepted when
// allowEmpty is set.
func decodeBody(w http.ResponseWriter, r *http.Request, v any, allowEmpty bool) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) && allowEmpty {
			return nil
		}
		return fmt.Errorf("invalid request body: %w", err)
	}
	return nil
}
