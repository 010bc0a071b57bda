package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"io/fs"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"gftlab/internal/experiment"
	"gftlab/internal/store"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Server exposes experiment control, stored results, and live run
// state over HTTP and WebSocket. One experiment runs at a time.
type Server struct {
	store       *store.Store
	hub         *Hub
	metrics     *metricsObserver
	launchLimit *launchLimiter
	staticFS    fs.FS
	upgrader    websocket.Upgrader
	corsOrigins []string // Allowed CORS origins (empty = allow all)

	runCtx    context.Context
	cancelRun context.CancelFunc

	mu      sync.Mutex
	current *experiment.Runner
}

func NewServer(st *store.Store, staticFS fs.FS) *Server {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Server{
		store:       st,
		hub:         NewHub(),
		metrics:     newMetricsObserver(),
		launchLimit: newLaunchLimiter(10, 1*time.Minute), // 10 launches per minute per IP
		staticFS:    staticFS,
		runCtx:      ctx,
		cancelRun:   cancel,
	}
	// Default upgrader with configurable origin check
	s.upgrader = websocket.Upgrader{
		CheckOrigin: func(r *http.Request) bool {
			return s.checkCORSOrigin(r.Header.Get("Origin"))
		},
	}
	return s
}

// SetCORSOrigins sets the allowed CORS origins.
// Pass an empty slice to allow all origins (default, for development).
// Pass specific origins like ["http://localhost:3000"] for production.
func (s *Server) SetCORSOrigins(origins []string) {
	s.corsOrigins = origins
}

// checkCORSOrigin checks if an origin is allowed
func (s *Server) checkCORSOrigin(origin string) bool {
	// Empty list = allow all (development mode)
	if len(s.corsOrigins) == 0 {
		return true
	}
	for _, allowed := range s.corsOrigins {
		if origin == allowed {
			return true
		}
	}
	return false
}

// Broadcast forwards a runner message to the Prometheus collectors and
// the WebSocket hub. It satisfies experiment.Broadcaster.
func (s *Server) Broadcast(message interface{}) {
	s.metrics.observe(message)
	s.hub.Broadcast(message)
}

// Shutdown cancels any running experiment and disconnects all clients
func (s *Server) Shutdown() {
	s.cancelRun()
	s.hub.Stop()
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	allowedOrigins := s.corsOrigins
	if len(allowedOrigins) == 0 {
		allowedOrigins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   allowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Route("/api", func(r chi.Router) {
		r.Get("/health", s.handleHealth)
		r.Get("/state", s.handleState)
		r.Get("/experiments", s.listExperiments)
		r.With(s.launchLimit.Middleware).Post("/experiments", s.launchExperiment)
		r.Get("/experiments/{id}", s.getExperiment)
		r.Get("/experiments/{id}/runs", s.listRuns)
		r.Get("/experiments/{id}/summary", s.getSummary)
	})

	// WebSocket
	r.Get("/ws", s.handleWebSocket)

	// Prometheus metrics
	r.Handle("/metrics", promhttp.Handler())

	// Serve static files (dashboard)
	if s.staticFS != nil {
		fileServer := http.FileServer(http.FS(s.staticFS))
		r.Handle("/*", fileServer)
	}

	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

// LaunchRequest is the body of POST /api/experiments. Zero fields fall
// back to the server defaults.
type LaunchRequest struct {
	Name         string   `json:"name"`
	Horizon      int      `json:"horizon"`
	Replications int      `json:"replications"`
	Seed         int64    `json:"seed"`
	Constrained  bool     `json:"constrained"`
	Environment  *EnvSpec `json:"environment"`
}

// EnvSpec selects and tunes the valuation environment for a launch
type EnvSpec struct {
	Mode           string        `json:"mode"`
	SellMean       float64       `json:"sell_mean"`
	BuyMean        float64       `json:"buy_mean"`
	Volatility     float64       `json:"volatility"`
	DriftPeriod    int           `json:"drift_period"`
	DriftAmplitude float64       `json:"drift_amplitude"`
	Envelope       *EnvelopeSpec `json:"envelope"`
}

// EnvelopeSpec configures the feasible price band for constrained runs
type EnvelopeSpec struct {
	Center    float64 `json:"center"`
	HalfWidth float64 `json:"half_width"`
	Wander    float64 `json:"wander"`
}

func (s *Server) buildConfig(req LaunchRequest) experiment.Config {
	cfg := experiment.DefaultConfig()
	if req.Name != "" {
		cfg.Name = req.Name
	}
	if req.Horizon > 0 {
		cfg.Horizon = req.Horizon
	}
	if req.Replications > 0 {
		cfg.Replications = req.Replications
	}
	if req.Seed != 0 {
		cfg.Seed = req.Seed
	}
	cfg.Constrained = req.Constrained

	if req.Environment != nil {
		e := req.Environment
		if e.Mode != "" {
			cfg.Environment.Mode = e.Mode
		}
		if e.SellMean != 0 {
			cfg.Environment.SellMean = e.SellMean
		}
		if e.BuyMean != 0 {
			cfg.Environment.BuyMean = e.BuyMean
		}
		if e.Volatility != 0 {
			cfg.Environment.Volatility = e.Volatility
		}
		if e.DriftPeriod != 0 {
			cfg.Environment.DriftPeriod = e.DriftPeriod
		}
		if e.DriftAmplitude != 0 {
			cfg.Environment.DriftAmplitude = e.DriftAmplitude
		}
		if e.Envelope != nil {
			cfg.Environment.Envelope = &experiment.EnvelopeConfig{
				Center:    e.Envelope.Center,
				HalfWidth: e.Envelope.HalfWidth,
				Wander:    e.Envelope.Wander,
			}
		}
	}
	return cfg
}

func (s *Server) launchExperiment(w http.ResponseWriter, r *http.Request) {
	var req LaunchRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}

	runner, err := experiment.NewRunner(s.buildConfig(req))
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if s.store != nil {
		runner.SetStore(s.store)
	}
	runner.SetBroadcaster(s)

	s.mu.Lock()
	if s.current != nil {
		s.mu.Unlock()
		http.Error(w, "an experiment is already running", http.StatusConflict)
		return
	}
	s.current = runner
	s.mu.Unlock()

	go s.runExperiment(runner)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusAccepted)
	json.NewEncoder(w).Encode(map[string]string{
		"experiment_id": runner.ExperimentID(),
		"status":        "started",
	})
}

func (s *Server) runExperiment(runner *experiment.Runner) {
	defer func() {
		s.mu.Lock()
		s.current = nil
		s.mu.Unlock()
	}()

	report, err := runner.Run(s.runCtx)
	if err != nil {
		log.Printf("experiment %s failed: %v", runner.ExperimentID(), err)
		observeExperimentOutcome(experiment.StatusFailed)
		return
	}
	observeExperimentOutcome(experiment.StatusDone)
	log.Printf("experiment %s (%s) finished: mean GFT %.3f over %d replications",
		report.ExperimentID, report.Name, report.Summary.MeanGFT, report.Summary.Replications)
}

type stateResponse struct {
	Running      bool                      `json:"running"`
	ExperimentID string                    `json:"experiment_id,omitempty"`
	Name         string                    `json:"name,omitempty"`
	Snapshots    []experiment.LiveSnapshot `json:"snapshots"`
}

func (s *Server) currentState() stateResponse {
	s.mu.Lock()
	runner := s.current
	s.mu.Unlock()

	if runner == nil {
		return stateResponse{Snapshots: []experiment.LiveSnapshot{}}
	}
	return stateResponse{
		Running:      true,
		ExperimentID: runner.ExperimentID(),
		Name:         runner.Config().Name,
		Snapshots:    runner.Snapshots(),
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(s.currentState())
}

func (s *Server) listExperiments(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "no results store configured", http.StatusServiceUnavailable)
		return
	}

	limit := 20
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	experiments, err := s.store.ListExperiments(limit)
	if err != nil {
		http.Error(w, "failed to list experiments", http.StatusInternalServerError)
		return
	}
	if experiments == nil {
		experiments = []store.ExperimentRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(experiments)
}

func (s *Server) getExperiment(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "no results store configured", http.StatusServiceUnavailable)
		return
	}

	record, err := s.store.GetExperiment(chi.URLParam(r, "id"))
	if err == sql.ErrNoRows {
		http.Error(w, "experiment not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, "failed to get experiment", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(record)
}

func (s *Server) listRuns(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "no results store configured", http.StatusServiceUnavailable)
		return
	}

	id := chi.URLParam(r, "id")
	if _, err := s.store.GetExperiment(id); err == sql.ErrNoRows {
		http.Error(w, "experiment not found", http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, "failed to get experiment", http.StatusInternalServerError)
		return
	}

	runs, err := s.store.ListRuns(id)
	if err != nil {
		http.Error(w, "failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []store.RunRecord{}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(runs)
}

func (s *Server) getSummary(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		http.Error(w, "no results store configured", http.StatusServiceUnavailable)
		return
	}

	id := chi.URLParam(r, "id")
	if _, err := s.store.GetExperiment(id); err == sql.ErrNoRows {
		http.Error(w, "experiment not found", http.StatusNotFound)
		return
	} else if err != nil {
		http.Error(w, "failed to get experiment", http.StatusInternalServerError)
		return
	}

	summary, err := s.store.GetRunSummary(id)
	if err != nil {
		http.Error(w, "failed to summarize runs", http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(summary)
}

func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	client := &Client{
		hub:  s.hub,
		conn: conn,
		send: make(chan []byte, 256),
	}

	s.hub.Register(client)

	// Send current state so late joiners see the running experiment
	data, err := json.Marshal(map[string]interface{}{
		"type":  "state",
		"state": s.currentState(),
	})
	if err == nil {
		client.send <- data
	}

	go client.WritePump()
	go client.ReadPump()
}
