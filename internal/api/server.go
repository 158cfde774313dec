package api

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/sirupsen/logrus"

	"inactive-user-deauth/internal/config"
	"inactive-user-deauth/internal/models"
	"inactive-user-deauth/internal/ratelimit"
	"inactive-user-deauth/internal/telemetry"
)

// Runner executes one deauthorization run synchronously.
type Runner interface {
	Run(ctx context.Context, params config.JobParams) (*models.RunSummary, error)
}

// Server wires the on-demand trigger surface.
type Server struct {
	cfg     config.Config
	runner  Runner
	limiter *ratelimit.Limiter
	log     logrus.FieldLogger
}

func New(cfg config.Config, runner Runner, limiter *ratelimit.Limiter, log logrus.FieldLogger) *Server {
	return &Server{
		cfg:     cfg,
		runner:  runner,
		limiter: limiter,
		log:     log,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/api/deauthorize-inactive-users", s.handleDeauthorize)
	return r
}

type deauthorizeRequest struct {
	LookBackMode   string `json:"lookBackMode"`
	LookBackAmount int    `json:"lookBackAmount"`
	DryRun         bool   `json:"dryRun"`
	BatchSize      int    `json:"batchSize"`
	WorkerThreads  int    `json:"workerThreads"`
}

// handleDeauthorize triggers a synchronous run. Invalid parameter values are
// rejected before any query or mutation happens.
func (s *Server) handleDeauthorize(w http.ResponseWriter, r *http.Request) {
	var req deauthorizeRequest
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid json", http.StatusBadRequest)
			return
		}
	}

	params := s.cfg.Job
	params.DryRun = req.DryRun
	if req.LookBackMode != "" {
		mode, err := config.ParseLookBackMode(req.LookBackMode)
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		params.LookBackMode = mode
		// an explicit mode resets the amount to that mode's default unless
		// the request names one
		params.LookBackAmount = 0
	}
	if req.LookBackAmount != 0 {
		params.LookBackAmount = req.LookBackAmount
	}
	if req.BatchSize != 0 {
		params.BatchSize = req.BatchSize
	}
	if req.WorkerThreads != 0 {
		params.WorkerThreads = req.WorkerThreads
	}
	params = params.Normalize()
	if err := params.Validate(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Acquire(r.Context(), callerKey(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	summary, err := s.runner.Run(r.Context(), params)
	if err != nil {
		var cfgErr *config.ConfigError
		if errors.As(err, &cfgErr) {
			http.Error(w, cfgErr.Error(), http.StatusBadRequest)
			return
		}
		s.log.WithError(err).Error("on-demand deauthorization run failed")
		http.Error(w, "deauthorization run failed", http.StatusInternalServerError)
		return
	}

	writeJSON(w, http.StatusOK, summary)
}

func callerKey(r *http.Request) string {
	if v := r.Header.Get("X-Forwarded-For"); v != "" {
		return v
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
