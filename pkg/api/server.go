// Package api serves the diagnostics surface: health, status, Prometheus
// metrics and a WebSocket feed of domain events.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/tallybot/tallybot/pkg/dispatch"
	"github.com/tallybot/tallybot/pkg/domain"
	"github.com/tallybot/tallybot/pkg/gateway"
	"github.com/tallybot/tallybot/pkg/logger"
	"github.com/tallybot/tallybot/pkg/scheduler"
	"github.com/tallybot/tallybot/pkg/session"
)

// Server is the diagnostics HTTP server. Everything it reports is read-only.
type Server struct {
	addr  string
	token string

	dispatcher *dispatch.Dispatcher
	store      *session.Store
	registry   *gateway.Registry
	sched      *scheduler.Scheduler

	hub       *Hub
	feed      *Feed
	startTime time.Time
	server    *http.Server
}

// Config carries the server's wiring.
type Config struct {
	Addr  string
	Token string

	Dispatcher *dispatch.Dispatcher
	Store      *session.Store
	Registry   *gateway.Registry
	Scheduler  *scheduler.Scheduler
	Bus        domain.EventBus
}

// NewServer builds the diagnostics server and subscribes its event feed.
func NewServer(cfg Config) *Server {
	s := &Server{
		addr:       cfg.Addr,
		token:      cfg.Token,
		dispatcher: cfg.Dispatcher,
		store:      cfg.Store,
		registry:   cfg.Registry,
		sched:      cfg.Scheduler,
		startTime:  time.Now(),
	}
	s.hub = NewHub(s)
	s.feed = NewFeed(cfg.Bus, s.hub)
	return s
}

// routes assembles the full handler chain.
func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/healthz", s.handleHealth)
	mux.HandleFunc("/api/status", s.handleStatus)
	mux.HandleFunc("/api/sessions", s.handleSessions)
	mux.HandleFunc("/api/sessions/", s.handleSessionDetail)
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/ws/events", s.hub.HandleWebSocket)

	return corsMiddleware(authMiddleware(s.token, mux))
}

// Start begins listening. The listener runs in its own goroutine; Start only
// fails fast on wiring, never on bind errors.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.addr,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	logger.InfoCF("api", "diagnostics server starting", map[string]interface{}{
		"addr": s.addr,
	})

	go s.hub.Run(ctx)
	s.feed.Attach()
	if s.dispatcher != nil {
		go s.pumpIngress(ctx, s.dispatcher.Tap("feed"))
	}

	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.ErrorCF("api", "server error", map[string]interface{}{
				"error": err.Error(),
			})
		}
	}()

	return nil
}

// Stop gracefully shuts down the server.
func (s *Server) Stop() error {
	if s.server == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// ---------------------------------------------------------------------------
// Middleware
// ---------------------------------------------------------------------------

func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin == "" || isAllowedOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
		} else {
			w.Header().Set("Access-Control-Allow-Origin", "http://localhost")
		}
		w.Header().Set("Access-Control-Allow-Methods", "GET, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-API-Key")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusOK)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// isAllowedOrigin checks if the origin is a trusted localhost address.
func isAllowedOrigin(origin string) bool {
	for _, prefix := range []string{"http://localhost", "http://127.0.0.1", "https://localhost", "https://127.0.0.1"} {
		if strings.HasPrefix(origin, prefix) {
			return true
		}
	}
	return false
}

// ---------------------------------------------------------------------------
// Handlers
// ---------------------------------------------------------------------------

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	uptime := time.Since(s.startTime)

	status := map[string]interface{}{
		"uptime_seconds": int(uptime.Seconds()),
		"uptime_human":   formatDuration(uptime),
	}
	if s.dispatcher != nil {
		status["dispatch"] = s.dispatcher.Stats()
	}
	if s.store != nil {
		status["sessions"] = s.store.Len()
		status["channels"] = s.store.Keys()
	}
	if s.registry != nil {
		origins := s.registry.Origins()
		names := make([]string, 0, len(origins))
		for _, o := range origins {
			names = append(names, string(o))
		}
		status["transports"] = names
	}
	if s.sched != nil {
		status["schedule"] = s.sched.Status()
	}

	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	if s.store == nil {
		writeJSON(w, http.StatusOK, []interface{}{})
		return
	}

	snaps := s.store.Snapshots()
	result := make([]map[string]interface{}, 0, len(snaps))
	for _, snap := range snaps {
		result = append(result, map[string]interface{}{
			"key":           snap.Key,
			"origin":        snap.Origin,
			"turns":         len(snap.History),
			"expected_next": snap.Counting.ExpectedNext,
			"approved":      snap.Counting.Approved,
			"updated":       snap.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSessionDetail(w http.ResponseWriter, r *http.Request) {
	key := strings.TrimPrefix(r.URL.Path, "/api/sessions/")
	if key == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "session key required"})
		return
	}
	if s.store == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
		return
	}

	snap, ok := s.store.Snapshot(key)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "session not found"})
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func formatDuration(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	minutes := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, minutes)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, minutes)
	}
	return fmt.Sprintf("%dm", minutes)
}
