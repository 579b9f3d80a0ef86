// Package api exposes the pipeline over HTTP.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/lvonguyen/threatpipe/internal/action"
	"github.com/lvonguyen/threatpipe/internal/api/gateway"
	"github.com/lvonguyen/threatpipe/internal/config"
	"github.com/lvonguyen/threatpipe/internal/enrich"
	"github.com/lvonguyen/threatpipe/internal/mapping"
	"github.com/lvonguyen/threatpipe/internal/pipeline"
	"github.com/lvonguyen/threatpipe/internal/policy"
	"github.com/lvonguyen/threatpipe/internal/routing"
	"github.com/lvonguyen/threatpipe/internal/schema"
	"github.com/lvonguyen/threatpipe/internal/score"
)

// IngestStats tracks entry point traffic.
type IngestStats struct {
	EventsReceived int64     `json:"events_received"`
	EventsRejected int64     `json:"events_rejected"`
	BytesReceived  int64     `json:"bytes_received"`
	LastEventAt    time.Time `json:"last_event_at"`
}

// Server wires the pipeline stages to their HTTP endpoints.
type Server struct {
	orch       *pipeline.Orchestrator
	router     *routing.Router
	mappings   mapping.Store
	scorer     *score.Scorer
	policies   *policy.Engine
	limiter    *gateway.RateLimiter
	ingest     config.IngestConfig
	policyPath string
	metrics    http.Handler
	logger     *zap.Logger
	version    string

	mu    sync.RWMutex
	stats IngestStats
}

// ServerOptions collects the server's collaborators. Limiter and
// metrics handler may be nil.
type ServerOptions struct {
	Orchestrator *pipeline.Orchestrator
	Router       *routing.Router
	Mappings     mapping.Store
	Scorer       *score.Scorer
	Policies     *policy.Engine
	Limiter      *gateway.RateLimiter
	Ingest       config.IngestConfig
	PolicyPath   string
	Metrics      http.Handler
	Logger       *zap.Logger
	Version      string
}

// NewServer creates the API server.
func NewServer(opts ServerOptions) *Server {
	return &Server{
		orch:       opts.Orchestrator,
		router:     opts.Router,
		mappings:   opts.Mappings,
		scorer:     opts.Scorer,
		policies:   opts.Policies,
		limiter:    opts.Limiter,
		ingest:     opts.Ingest,
		policyPath: opts.PolicyPath,
		metrics:    opts.Metrics,
		logger:     opts.Logger,
		version:    opts.Version,
	}
}

// Routes builds the chi router for the full API surface.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	if s.limiter != nil {
		r.Use(s.limiter.Middleware(clientTier, clientID))
	}

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	if s.metrics != nil {
		r.Method(http.MethodGet, "/metrics", s.metrics)
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.With(s.requireIngestToken).Post("/pipeline/run", s.handlePipelineRun)

		r.Get("/runs/{id}", s.handleGetRun)
		r.Post("/runs/{id}/execute", s.handleExecuteRun)

		r.Route("/mappings", func(r chi.Router) {
			r.Get("/", s.handleListMappings)
			r.Get("/{name}", s.handleGetMapping)
			r.Post("/{name}", s.handleApproveMapping)
		})

		r.Get("/sources", s.handleListSources)

		r.Post("/score", s.handleScore)
		r.Post("/policy/decide", s.handlePolicyDecide)
		r.Post("/policy/reload", s.handlePolicyReload)
		r.Post("/actions/execute", s.handleExecutePlan)

		r.Get("/stats", s.handleStats)
	})

	return r
}

func clientTier(r *http.Request) string {
	if tier := r.Header.Get("X-Client-Tier"); tier != "" {
		return tier
	}
	return "sensor"
}

func clientID(r *http.Request) string {
	return r.Header.Get("X-Client-ID")
}

// requireIngestToken enforces bearer auth on the pipeline entry point.
// A missing token environment variable rejects all traffic.
func (s *Server) requireIngestToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		expected := os.Getenv(s.ingest.TokenEnv)
		if expected == "" {
			s.reject(w, http.StatusServiceUnavailable, "ingest token not configured")
			return
		}
		auth := r.Header.Get("Authorization")
		if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != expected {
			s.reject(w, http.StatusUnauthorized, "invalid ingest token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Health and readiness handlers

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"version": s.version,
	})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if _, err := s.mappings.List(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"error":  err.Error(),
		})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

// Pipeline handlers

func (s *Server) handlePipelineRun(w http.ResponseWriter, r *http.Request) {
	body := http.MaxBytesReader(w, r.Body, int64(s.ingest.MaxEventSize))
	defer body.Close()

	buf, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.reject(w, http.StatusRequestEntityTooLarge, "event exceeds size limit")
			return
		}
		s.reject(w, http.StatusBadRequest, "error reading body")
		return
	}
	if len(buf) == 0 {
		s.reject(w, http.StatusBadRequest, "empty request body")
		return
	}

	payload := parsePayload(buf)
	hints := parseHints(r)

	run, err := s.orch.Process(r.Context(), payload, hints, requestContext(r))
	if err != nil {
		s.recordIngest(len(buf), false)
		s.logger.Error("Pipeline run failed", zap.Error(err))
		s.reject(w, http.StatusInternalServerError, err.Error())
		return
	}
	s.recordIngest(len(buf), true)

	writeJSON(w, http.StatusOK, run)
}

// parsePayload treats a body that decodes to a JSON object as
// structured; anything else is an unstructured text line.
func parsePayload(body []byte) schema.RawPayload {
	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err == nil && obj != nil {
		return schema.RawPayload{Object: obj}
	}
	return schema.RawPayload{Text: strings.TrimRight(string(body), "\r\n")}
}

// parseHints pulls enrichment hints from query parameters. Unparseable
// values are dropped rather than rejected.
func parseHints(r *http.Request) enrich.Hints {
	q := r.URL.Query()
	var hints enrich.Hints

	if v := q.Get("ip_rep_score"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			hints.IPReputation = &f
		}
	}
	if v := q.Get("cvss_score"); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			hints.CVSSScore = &f
		}
	}
	if v := q.Get("asset_criticality"); v != "" {
		hints.AssetCriticality = &v
	}
	if v := q.Get("anomaly_hint"); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			hints.AnomalyHint = &i
		}
	}
	return hints
}

func requestContext(r *http.Request) map[string]any {
	ctx := map[string]any{}
	if id := middleware.GetReqID(r.Context()); id != "" {
		ctx["request_id"] = id
	}
	if bc := r.URL.Query().Get("business_context"); bc != "" {
		ctx["business_context"] = bc
	}
	return ctx
}

func (s *Server) handleGetRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	run, err := s.orch.GetRun(id)
	if err != nil {
		s.reject(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

func (s *Server) handleExecuteRun(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var opts action.Options
	if r.Body != nil {
		// Empty body means default options
		_ = json.NewDecoder(r.Body).Decode(&opts)
	}

	run, err := s.orch.ExecuteRun(r.Context(), id, opts)
	if err != nil {
		status := http.StatusInternalServerError
		switch {
		case errors.Is(err, pipeline.ErrRunNotFound):
			status = http.StatusNotFound
		case errors.Is(err, pipeline.ErrNotDecided),
			errors.Is(err, pipeline.ErrAlreadyExecuted):
			status = http.StatusConflict
		}
		s.reject(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, run)
}

// Mapping handlers

func (s *Server) handleListMappings(w http.ResponseWriter, r *http.Request) {
	names, err := s.mappings.List(r.Context())
	if err != nil {
		s.reject(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"mappings": names,
		"count":    len(names),
	})
}

func (s *Server) handleGetMapping(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	doc, err := s.mappings.Load(r.Context(), name)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, mapping.ErrNotFound) {
			status = http.StatusNotFound
		}
		s.reject(w, status, err.Error())
		return
	}

	text, err := doc.Render()
	if err != nil {
		s.reject(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/x-yaml")
	w.WriteHeader(http.StatusOK)
	w.Write(text)
}

func (s *Server) handleApproveMapping(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")

	body := http.MaxBytesReader(w, r.Body, int64(s.ingest.MaxEventSize))
	defer body.Close()

	text, err := io.ReadAll(body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			s.reject(w, http.StatusRequestEntityTooLarge, "mapping document exceeds size limit")
			return
		}
		s.reject(w, http.StatusBadRequest, "error reading body")
		return
	}
	if len(text) == 0 {
		s.reject(w, http.StatusBadRequest, "empty mapping document")
		return
	}

	if err := s.orch.ApproveMapping(r.Context(), name, text); err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, mapping.ErrInvalidName) {
			status = http.StatusUnprocessableEntity
		}
		s.reject(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "approved",
		"name":   name,
	})
}

// Source handlers

func (s *Server) handleListSources(w http.ResponseWriter, r *http.Request) {
	sigs := s.router.Signatures()
	writeJSON(w, http.StatusOK, map[string]any{
		"sources": sigs,
		"count":   len(sigs),
	})
}

// Scoring and policy handlers

// ScoreRequest is the direct scoring endpoint body.
type ScoreRequest struct {
	FeatureVector  *enrich.FeatureVector  `json:"feature_vector"`
	CanonicalEvent *schema.CanonicalEvent `json:"canonical_event,omitempty"`
	Context        map[string]any         `json:"context,omitempty"`
}

func (s *Server) handleScore(w http.ResponseWriter, r *http.Request) {
	var req ScoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.reject(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.FeatureVector == nil {
		s.reject(w, http.StatusBadRequest, "feature_vector is required")
		return
	}

	result := s.scorer.Score(r.Context(), req.FeatureVector, req.CanonicalEvent, req.Context)
	writeJSON(w, http.StatusOK, result)
}

// DecideRequest is the direct policy endpoint body. CaseID correlates
// the decision with an earlier scoring call and is logged, not matched.
type DecideRequest struct {
	CaseID          string         `json:"case_id,omitempty"`
	Severity        string         `json:"severity"`
	Confidence      float64        `json:"confidence"`
	BusinessContext map[string]any `json:"business_context,omitempty"`
	Controls        []string       `json:"available_controls,omitempty"`
}

func (s *Server) handlePolicyDecide(w http.ResponseWriter, r *http.Request) {
	var req DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.reject(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.Severity == "" {
		s.reject(w, http.StatusBadRequest, "severity is required")
		return
	}

	decision := s.policies.Decide(req.Severity, req.Confidence, req.BusinessContext, req.Controls)
	if req.CaseID != "" {
		s.logger.Info("Policy decision",
			zap.String("case_id", req.CaseID),
			zap.String("severity", req.Severity),
			zap.Int("plan_steps", len(decision.ActionPlan)),
		)
	}
	writeJSON(w, http.StatusOK, decision)
}

func (s *Server) handlePolicyReload(w http.ResponseWriter, r *http.Request) {
	if err := s.policies.Reload(s.policyPath); err != nil {
		s.logger.Error("Policy reload failed", zap.Error(err))
		s.reject(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	s.logger.Info("Policy rules reloaded", zap.String("path", s.policyPath))
	writeJSON(w, http.StatusOK, map[string]string{"status": "reloaded"})
}

// Action handlers

// ExecuteRequest is the standalone plan execution body.
type ExecuteRequest struct {
	ActionPlan []policy.ActionItem `json:"action_plan"`
	Options    action.Options      `json:"options"`
}

func (s *Server) handleExecutePlan(w http.ResponseWriter, r *http.Request) {
	var req ExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.reject(w, http.StatusBadRequest, "invalid request body")
		return
	}

	results := s.orch.ExecutePlan(r.Context(), req.ActionPlan, req.Options)
	writeJSON(w, http.StatusOK, map[string]any{
		"results": results,
		"count":   len(results),
	})
}

// Stats handler

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	stats := s.stats
	s.mu.RUnlock()

	writeJSON(w, http.StatusOK, map[string]any{
		"ingest":      stats,
		"runs_stored": s.orch.RunCount(),
	})
}

func (s *Server) recordIngest(bytes int, accepted bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.stats.BytesReceived += int64(bytes)
	s.stats.LastEventAt = time.Now()
	if accepted {
		s.stats.EventsReceived++
	} else {
		s.stats.EventsRejected++
	}
}

// Response helpers

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) reject(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
