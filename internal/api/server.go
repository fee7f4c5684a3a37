// Package api provides the operator HTTP and WebSocket server.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/Marcux777/kairos-alloy-sub000/internal/config"
	"github.com/Marcux777/kairos-alloy-sub000/internal/orchestrator"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const shutdownTimeout = 5 * time.Second

// RunManager starts, lists and controls runs
type RunManager interface {
	RunController
	Start(ctx context.Context, mode orchestrator.Mode) (orchestrator.RunInfo, error)
	Runs() *orchestrator.Registry
}

// Server is the HTTP/WebSocket API server
type Server struct {
	logger     *zap.Logger
	config     config.ServerConfig
	runs       RunManager
	hub        *Hub
	gatherer   prometheus.Gatherer
	router     *mux.Router
	httpServer *http.Server
	runCtx     context.Context
}

type startRunRequest struct {
	Mode string `json:"mode"`
}

// NewServer creates a new API server. A nil gatherer serves the default
// Prometheus registry.
func NewServer(logger *zap.Logger, cfg config.ServerConfig, runs RunManager, hub *Hub, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	server := &Server{
		logger:   logger,
		config:   cfg,
		runs:     runs,
		hub:      hub,
		gatherer: gatherer,
		router:   mux.NewRouter(),
		runCtx:   context.Background(),
	}

	server.setupRoutes()
	return server
}

// setupRoutes configures HTTP routes
func (s *Server) setupRoutes() {
	s.router.HandleFunc("/api/v1/health", s.handleHealth).Methods("GET")

	s.router.HandleFunc("/api/v1/runs", s.handleStartRun).Methods("POST")
	s.router.HandleFunc("/api/v1/runs", s.handleListRuns).Methods("GET")
	s.router.HandleFunc("/api/v1/runs/{id}", s.handleGetRun).Methods("GET")
	s.router.HandleFunc("/api/v1/runs/{id}/pause", s.handlePause).Methods("POST")
	s.router.HandleFunc("/api/v1/runs/{id}/step", s.handleStep).Methods("POST")
	s.router.HandleFunc("/api/v1/runs/{id}/cancel", s.handleCancel).Methods("POST")

	s.router.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{})).Methods("GET")
	s.router.Handle("/ws", s.hub)
}

// Handler returns the router wrapped with CORS
func (s *Server) Handler() http.Handler {
	return cors.New(cors.Options{
		AllowedOrigins: []string{"*"},
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"*"},
	}).Handler(s.router)
}

// Serve runs the hub and the HTTP server until ctx is done, then shuts
// down gracefully. Runs started over HTTP live as long as ctx.
func (s *Server) Serve(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	s.runCtx = ctx
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.hub.Run(gctx)
		return nil
	})
	g.Go(func() error {
		s.logger.Info("Starting API server", zap.String("addr", addr))
		if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		s.logger.Info("Stopping API server")
		return s.httpServer.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// handleHealth handles health check requests
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "healthy",
		"time":    time.Now().Unix(),
		"runs":    len(s.runs.Runs().List()),
		"clients": s.hub.ClientCount(),
	})
}

// handleStartRun starts a backtest or paper run in the background
func (s *Server) handleStartRun(w http.ResponseWriter, r *http.Request) {
	var req startRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	mode, err := orchestrator.ParseMode(req.Mode)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if mode != orchestrator.ModeBacktest && mode != orchestrator.ModePaper {
		writeError(w, http.StatusBadRequest, "only backtest and paper runs can be started")
		return
	}

	info, err := s.runs.Start(s.runCtx, mode)
	if err != nil {
		s.logger.Error("Failed to start run", zap.String("mode", string(mode)), zap.Error(err))
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.logger.Info("Run started", zap.String("run_id", info.ID), zap.String("mode", string(mode)))
	writeJSON(w, http.StatusAccepted, info)
}

func (s *Server) handleListRuns(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"runs": s.runs.Runs().List(),
	})
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	info, ok := s.runs.Runs().Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, orchestrator.ErrRunNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, info)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	paused, err := s.runs.TogglePause(id)
	if err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "paused": paused})
}

func (s *Server) handleStep(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	stepped, err := s.runs.Step(id)
	if err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "stepped": stepped})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.runs.Cancel(id); err != nil {
		writeControlError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"id": id, "status": "cancelling"})
}

func writeControlError(w http.ResponseWriter, err error) {
	if errors.Is(err, orchestrator.ErrRunNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeError(w, http.StatusInternalServerError, err.Error())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
