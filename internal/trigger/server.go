package trigger

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/wheelhouse/internal/models"
	"github.com/eddiefleurent/wheelhouse/internal/storage"
)

// Server exposes the trigger and a read-only view of the store.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	trigger   *Trigger
	storage   storage.Interface
	logger    *logrus.Logger
	authToken string
}

// Config configures the HTTP server.
type Config struct {
	Listen    string
	AuthToken string
}

// NewServer builds the router. Every route except /healthz requires the
// bearer token when one is configured.
func NewServer(cfg Config, t *Trigger, store storage.Interface, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	s := &Server{
		router:    chi.NewRouter(),
		trigger:   t,
		storage:   store,
		logger:    logger,
		authToken: cfg.AuthToken,
	}
	s.server = &http.Server{
		Addr:              cfg.Listen,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(s.requestLogger)
	s.router.Use(middleware.Recoverer)

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/healthz", s.handleHealth)
	s.router.Post("/run", s.handleRun)
	s.router.Get("/cycles", s.handleCycles)
}

// Handler returns the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":     r.Method,
			"path":       r.URL.Path,
			"status":     ww.Status(),
			"duration":   time.Since(start).String(),
			"request_id": middleware.GetReqID(r.Context()),
		}).Debug("HTTP request")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/healthz" {
			next.ServeHTTP(w, r)
			return
		}

		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			token = r.Header.Get("X-Auth-Token")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			s.writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start blocks serving HTTP until Shutdown.
func (s *Server) Start() error {
	s.logger.WithField("listen", s.server.Addr).Info("Starting trigger server")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for active ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	status := s.trigger.Status()
	s.writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"running":     status.Running,
		"last_run_at": status.LastRunAt,
		"last_error":  status.LastError,
	})
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	// a dropped client must not cancel a run that may be placing orders
	report, err := s.trigger.RunOnce(context.WithoutCancel(r.Context()))
	switch {
	case errors.Is(err, ErrRunInProgress):
		s.writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case err != nil:
		s.writeJSON(w, http.StatusInternalServerError, map[string]any{
			"error":  err.Error(),
			"report": report,
		})
	default:
		s.writeJSON(w, http.StatusOK, report)
	}
}

type cyclesView struct {
	Active     []models.WheelCycle `json:"active"`
	Statistics *storage.Statistics `json:"statistics"`
}

func (s *Server) handleCycles(w http.ResponseWriter, _ *http.Request) {
	active := s.storage.GetActiveCycles()
	if active == nil {
		active = []models.WheelCycle{}
	}
	s.writeJSON(w, http.StatusOK, cyclesView{
		Active:     active,
		Statistics: s.storage.GetStatistics(),
	})
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}
