package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/digkill/deckforge/internal/auth"
	"github.com/digkill/deckforge/internal/metrics"
	"github.com/digkill/deckforge/internal/outline"
	"github.com/digkill/deckforge/internal/service"
)

type pinger interface {
	PingContext(ctx context.Context) error
}

// Deps are the services behind the HTTP surface. Outlines may be nil when no LLM is configured.
type Deps struct {
	Credits  *service.CreditService
	Plans    *service.PlanService
	Resets   *service.ResetService
	Images   *service.ImageService
	Outlines *outline.Service
	Tokens   *auth.Tokens
	Metrics  *metrics.Metrics
	DB       pinger
}

type Server struct {
	addr     string
	username string
	password string
	log      *slog.Logger
	deps     Deps
	router   *chi.Mux
}

func NewServer(addr, username, password string, log *slog.Logger, deps Deps) *Server {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(log))
	r.Use(middleware.Recoverer)

	s := &Server{
		addr:     addr,
		username: username,
		password: password,
		log:      log,
		deps:     deps,
		router:   r,
	}

	r.Get("/healthz", s.handleHealth)
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	r.Group(func(user chi.Router) {
		user.Use(deps.Tokens.Middleware)
		user.Route("/credits", func(r chi.Router) {
			r.Get("/", s.handleStatus)
			r.Post("/check", s.handleCheck)
			r.Post("/consume", s.handleConsume)
			r.Get("/history", s.handleHistory)
		})
		user.Route("/plan", func(r chi.Router) {
			r.Get("/limits", s.handlePlanLimits)
			r.Get("/image-qualities", s.handleImageQualities)
		})
		user.Route("/images", func(r chi.Router) {
			r.Post("/generate", s.handleGenerateImage)
			r.Get("/history", s.handleImageHistory)
		})
		user.Route("/presentations", func(r chi.Router) {
			r.Post("/outline", s.handleOutline)
			r.Post("/outline/regenerate", s.handleRegenerateTopic)
		})
	})

	r.Route("/admin", func(admin chi.Router) {
		admin.Use(s.basicAuthMiddleware())
		admin.Post("/accounts", s.handleProvisionAccount)
		admin.Put("/accounts/{userID}/plan", s.handleChangePlan)
		admin.Put("/accounts/{userID}/admin", s.handleSetAdmin)
		admin.Post("/accounts/{userID}/token", s.handleIssueToken)
		admin.Get("/plans", s.handleListPlans)
		admin.Put("/plans/{name}", s.handleUpdatePlan)
		admin.Post("/resets/sweep", s.handleSweep)
		admin.Get("/queues", s.handleQueueStats)
		admin.Post("/queues/clear", s.handleClearQueues)
	})
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Image generation may wait through queue backoff and a fallback.
		WriteTimeout: 5 * time.Minute,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("http shutdown error", "err", err)
		}
	}()

	s.log.Info("http server listening", "addr", s.addr)
	if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http listen: %w", err)
	}
	return nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.deps.DB != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := s.deps.DB.PingContext(ctx); err != nil {
			s.log.Error("health check failed", "err", err)
			s.writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) basicAuthMiddleware() func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user, pass, ok := r.BasicAuth()
			if !ok || user != s.username || pass != s.password {
				w.Header().Set("WWW-Authenticate", `Basic realm="deckforge"`)
				http.Error(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func requestLogger(log *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			start := time.Now()
			next.ServeHTTP(ww, r)
			log.Debug("http request",
				"request_id", middleware.GetReqID(r.Context()),
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"duration", time.Since(start),
			)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20)).Decode(v); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid_json", Message: err.Error()})
		return false
	}
	return true
}
