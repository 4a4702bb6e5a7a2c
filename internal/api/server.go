package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"

	"github.com/bryanchriswhite/ShmStreamer/internal/config"
	"github.com/bryanchriswhite/ShmStreamer/internal/logger"
	"github.com/bryanchriswhite/ShmStreamer/internal/output"
	"github.com/bryanchriswhite/ShmStreamer/internal/scheduler"
	"github.com/bryanchriswhite/ShmStreamer/internal/stream"
)

// Version is reported by the health endpoint.
const Version = "0.1.0"

// PipelineStats reports per-frame counters.
type PipelineStats interface {
	Stats() stream.Stats
}

// TriggerStats reports driver counters.
type TriggerStats interface {
	Stats() scheduler.Stats
}

// Server represents the HTTP monitoring server
type Server struct {
	router   *mux.Router
	cfg      config.StreamConfig
	runID    string
	preview  *output.MJPEGOutput
	pipeline PipelineStats
	trigger  TriggerStats
	started  time.Time
	upgrader websocket.Upgrader
}

// NewServer creates a new monitoring server. pipeline and trigger may be nil.
func NewServer(cfg config.StreamConfig, runID string, preview *output.MJPEGOutput, pipeline PipelineStats, trigger TriggerStats) *Server {
	s := &Server{
		router:   mux.NewRouter(),
		cfg:      cfg,
		runID:    runID,
		preview:  preview,
		pipeline: pipeline,
		trigger:  trigger,
		started:  time.Now(),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool {
				return true // local monitoring only
			},
		},
	}

	s.setupRoutes()
	return s
}

// setupRoutes configures the routes
func (s *Server) setupRoutes() {
	api := s.router.PathPrefix("/api").Subrouter()

	api.HandleFunc("/health", s.handleHealth).Methods("GET")
	api.HandleFunc("/stats", s.handleStats).Methods("GET")
	api.HandleFunc("/config", s.handleGetConfig).Methods("GET")
	api.HandleFunc("/frames", s.handleFrameStream)

	// Preview
	s.router.HandleFunc("/stream", s.preview.GetHTTPHandler()).Methods("GET")
	s.router.HandleFunc("/snapshot.jpg", s.preview.GetSnapshotHandler()).Methods("GET")
	s.router.HandleFunc("/thumbnail.jpg", s.preview.GetThumbnailHandler()).Methods("GET")
	s.router.HandleFunc("/", s.preview.GetViewerHandler()).Methods("GET")
}

// Handler returns the routed handler with CORS applied.
func (s *Server) Handler() http.Handler {
	return s.enableCORS(s.router)
}

// Start serves on port until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context, port int) error {
	addr := fmt.Sprintf(":%d", port)
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.WithComponent("api").Info().Msgf("Starting server on http://localhost%s", addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		// Streaming clients do not return on their own.
		srv.Close()
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// enableCORS adds CORS headers
func (s *Server) enableCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// StatsResponse is the body of /api/stats.
type StatsResponse struct {
	RunID    string           `json:"run_id"`
	Uptime   string           `json:"uptime"`
	Pipeline *stream.Stats    `json:"pipeline,omitempty"`
	Trigger  *scheduler.Stats `json:"trigger,omitempty"`
	Preview  output.Stats     `json:"preview"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	resp := StatsResponse{
		RunID:   s.runID,
		Uptime:  time.Since(s.started).Round(time.Second).String(),
		Preview: s.preview.Stats(),
	}
	if s.pipeline != nil {
		ps := s.pipeline.Stats()
		resp.Pipeline = &ps
	}
	if s.trigger != nil {
		ts := s.trigger.Stats()
		resp.Trigger = &ts
	}
	writeJSON(w, resp)
}

func (s *Server) handleFrameStream(w http.ResponseWriter, r *http.Request) {
	log := logger.WithComponent("api")
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Warn().Err(err).Msg("WebSocket upgrade error")
		return
	}
	defer conn.Close()

	events := s.preview.Subscribe()
	defer s.preview.Unsubscribe(events)

	// Drain client frames so close messages are noticed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case <-closed:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if err := conn.WriteJSON(event); err != nil {
				log.Debug().Err(err).Msg("WebSocket write error")
				return
			}
		}
	}
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.cfg)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	status := "healthy"
	if s.trigger != nil && s.trigger.Stats().State == scheduler.StateStopped {
		status = "stopped"
	}
	writeJSON(w, map[string]string{
		"status":  status,
		"version": Version,
		"run_id":  s.runID,
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
