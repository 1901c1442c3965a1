// Package server exposes concierge over an OpenAI-compatible HTTP surface:
// GET /v1/models, POST /v1/chat/completions (plain and SSE), and operational
// endpoints for liveness, readiness, and diagnostics.
package server

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"concierge/internal/catalog"
	"concierge/internal/config"
	"concierge/internal/logging"
	"concierge/internal/orchestrator"
	"concierge/internal/store"
)

// Orchestrator is the per-turn pipeline the server drives. Answer and
// CaptureState are split so the streaming path can emit the reply while state
// writes are still in flight.
type Orchestrator interface {
	Answer(ctx context.Context, req orchestrator.Request) (*orchestrator.Answer, error)
	CaptureState(a *orchestrator.Answer) string
	ProcessTurn(ctx context.Context, req orchestrator.Request) (*orchestrator.Response, error)
}

// Server is the HTTP boundary. store and cat may be nil in stateless or test
// deployments; readiness and diagnostics degrade accordingly.
type Server struct {
	cfg     *config.Config
	orch    Orchestrator
	store   *store.Store
	catalog *catalog.Catalog
	started time.Time
}

// New builds a server around an orchestrator and its supporting components.
func New(cfg *config.Config, orch Orchestrator, st *store.Store, cat *catalog.Catalog) *Server {
	return &Server{cfg: cfg, orch: orch, store: st, catalog: cat, started: time.Now()}
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/models", s.withLogging(s.requireAuth(s.handleModels)))
	mux.HandleFunc("POST /v1/chat/completions", s.withLogging(s.requireAuth(s.handleChatCompletions)))

	diag := s.cfg.Server.Diagnostics
	mux.HandleFunc("GET "+orDefault(diag.Health, "/healthz"), s.handleHealth)
	mux.HandleFunc("GET "+orDefault(diag.Readiness, "/readyz"), s.handleReadiness)
	if diag.Enabled {
		mux.HandleFunc("GET "+orDefault(diag.Detail, "/diagnostics"), s.withLogging(s.handleDiagnostics))
	}
	return mux
}

// Run serves until ctx is canceled, then drains connections within the
// configured shutdown timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Server.Addr(),
		Handler:      s.Handler(),
		ReadTimeout:  config.ParseTimeout(s.cfg.Server.ReadTimeout, 60*time.Second),
		WriteTimeout: config.ParseTimeout(s.cfg.Server.WriteTimeout, 300*time.Second),
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		logging.Server("listening on %s (model id %q)", srv.Addr, s.publicModelID())
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(),
			config.ParseTimeout(s.cfg.Server.ShutdownTimeout, 10*time.Second))
		defer cancel()
		logging.Server("shutting down")
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func (s *Server) publicModelID() string {
	if id := strings.TrimSpace(s.cfg.API.PublicModelID); id != "" {
		return id
	}
	return "concierge"
}

// requireAuth enforces bearer tokens from server.api_keys. An empty key list
// disables authentication entirely.
func (s *Server) requireAuth(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		keys := s.cfg.Server.APIKeys
		if len(keys) == 0 {
			next(w, r)
			return
		}
		header := r.Header.Get("Authorization")
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token", "invalid_request_error")
			return
		}
		token = strings.TrimSpace(token)
		for _, key := range keys {
			if subtle.ConstantTimeCompare([]byte(token), []byte(key)) == 1 {
				next(w, r)
				return
			}
		}
		logging.Server("rejected request to %s: unknown API key", r.URL.Path)
		writeError(w, http.StatusUnauthorized, "invalid API key", "invalid_request_error")
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

// Flush keeps the recorder usable on the SSE path.
func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (s *Server) withLogging(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next(rec, r)
		logging.Server("%s %s -> %d in %s", r.Method, r.URL.Path, rec.status, time.Since(start).Round(time.Millisecond))
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleReadiness(w http.ResponseWriter, r *http.Request) {
	checks := map[string]string{}
	ready := true

	if s.store != nil {
		if err := s.store.DB().PingContext(r.Context()); err != nil {
			checks["store"] = err.Error()
			ready = false
		} else {
			checks["store"] = "ok"
		}
	} else {
		checks["store"] = "disabled"
	}

	if s.catalog != nil {
		if n := len(s.catalog.Specialists()); n > 0 {
			checks["catalog"] = "ok"
		} else {
			checks["catalog"] = "no specialists loaded"
			ready = false
		}
	} else {
		checks["catalog"] = "disabled"
	}

	status := http.StatusOK
	state := "ready"
	if !ready {
		status = http.StatusServiceUnavailable
		state = "unavailable"
	}
	writeJSON(w, status, map[string]interface{}{"status": state, "checks": checks})
}

func (s *Server) handleDiagnostics(w http.ResponseWriter, r *http.Request) {
	body := map[string]interface{}{
		"status":         "ok",
		"version":        s.cfg.Version,
		"model":          s.publicModelID(),
		"uptime_seconds": int64(time.Since(s.started).Seconds()),
	}
	if s.catalog != nil {
		body["catalog"] = map[string]interface{}{
			"fingerprint":       s.catalog.Fingerprint(),
			"prompts_directory": s.catalog.Directory(),
			"specialists":       len(s.catalog.Specialists()),
		}
	}
	if s.store != nil {
		stats, err := s.store.Stats()
		if err != nil {
			body["store"] = map[string]interface{}{"error": err.Error()}
		} else {
			body["store"] = stats
		}
	}
	writeJSON(w, http.StatusOK, body)
}

type apiError struct {
	Message string `json:"message"`
	Type    string `json:"type"`
}

type errorResponse struct {
	Error apiError `json:"error"`
}

func writeError(w http.ResponseWriter, status int, msg, typ string) {
	writeJSON(w, status, errorResponse{Error: apiError{Message: msg, Type: typ}})
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logging.ServerDebug("failed to encode response: %v", err)
	}
}

func orDefault(value, def string) string {
	if strings.TrimSpace(value) == "" {
		return def
	}
	return value
}
