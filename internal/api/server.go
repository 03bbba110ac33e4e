package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/JakeFAU/catalog-relay/internal/config"
	"github.com/JakeFAU/catalog-relay/internal/crawler"
	"github.com/JakeFAU/catalog-relay/internal/dispatcher"
	uuidgen "github.com/JakeFAU/catalog-relay/internal/id/uuid"
	"github.com/JakeFAU/catalog-relay/internal/metrics"
	"github.com/JakeFAU/catalog-relay/internal/subscription"
)

// Enqueuer hands ad hoc jobs to the worker pool.
type Enqueuer interface {
	Enqueue(ctx context.Context, item crawler.QueueItem) error
}

// PipelineTrigger starts a guarded pipeline run in the background.
type PipelineTrigger interface {
	Start(ctx context.Context, pages int) bool
	Running() bool
}

// Subscriptions manages push subscriptions.
type Subscriptions interface {
	Subscribe(
		ctx context.Context,
		destination string,
		destKind crawler.DestinationKind,
		kind crawler.SubscriptionKind,
		keyword string,
	) (crawler.Subscription, bool, error)
	Unsubscribe(ctx context.Context, destination string, kind crawler.SubscriptionKind, keyword string) (bool, error)
	UnsubscribeAll(ctx context.Context, destination string) (int, error)
	List(ctx context.Context, destination string) ([]crawler.Subscription, error)
}

// Pinger reports whether a downstream dependency is reachable.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Deps groups the collaborators the handlers need.
type Deps struct {
	JobStore      crawler.JobStore
	Queue         Enqueuer
	Pipeline      PipelineTrigger
	Subscriptions Subscriptions
	IDs           crawler.IDGenerator
	Clock         crawler.Clock
	// Ready entries are pinged by /readyz; nil means always ready.
	Ready []Pinger
	// RunContext outlives requests and bounds background pipeline runs.
	RunContext context.Context
}

// Server wires HTTP handlers to the job queue, pipeline and subscription service.
type Server struct {
	router chi.Router
	deps   Deps
	jobs   *dispatcher.Submitter
	cfg    config.Config
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, cfg config.Config, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.RunContext == nil {
		deps.RunContext = context.Background()
	}
	s := &Server{
		deps:   deps,
		jobs:   dispatcher.NewSubmitter(deps.JobStore, deps.Queue, deps.IDs, deps.Clock, logger),
		cfg:    cfg,
		logger: logger.Named("api"),
	}
	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", s.submitJob)
			r.Get("/{job_id}", s.getJob)
		})
		r.Post("/pipeline/run", s.runPipeline)
		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", s.subscribe)
			r.Delete("/", s.unsubscribe)
			r.Get("/{destination}", s.listSubscriptions)
		})
	})

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	for _, p := range s.deps.Ready {
		if err := p.Ping(ctx); err != nil {
			s.logger.Warn("readiness check failed", zap.Error(err))
			s.writeError(w, http.StatusServiceUnavailable, "not ready")
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type jobRequest struct {
	Kind        crawler.JobKind `json:"kind"`
	Value       string          `json:"value"`
	Limit       int             `json:"limit"`
	Pages       int             `json:"pages"`
	Destination string          `json:"destination"`
}

func (s *Server) submitJob(w http.ResponseWriter, r *http.Request) {
	var req jobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	params, err := s.toJobParameters(req)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobID, err := s.jobs.Submit(r.Context(), params)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusServiceUnavailable
		}
		s.writeError(w, status, err.Error())
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]string{"job_id": jobID})
}

func (s *Server) getJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.deps.JobStore.GetJob(r.Context(), jobID)
	if errors.Is(err, crawler.ErrNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"job": job})
}

func (s *Server) toJobParameters(req jobRequest) (crawler.JobParameters, error) {
	if !req.Kind.Valid() {
		return crawler.JobParameters{}, fmt.Errorf("unknown job kind %q", req.Kind)
	}
	value := strings.TrimSpace(req.Value)
	if req.Kind != crawler.JobKindLatest && value == "" {
		return crawler.JobParameters{}, fmt.Errorf("%s jobs need a value", req.Kind)
	}
	if req.Limit < 0 || req.Pages < 0 {
		return crawler.JobParameters{}, errors.New("limit and pages must be >= 0")
	}
	params := crawler.JobParameters{
		Kind:        req.Kind,
		Value:       value,
		Limit:       req.Limit,
		Pages:       req.Pages,
		Destination: strings.TrimSpace(req.Destination),
	}
	if params.Limit == 0 {
		params.Limit = s.cfg.Crawler.DefaultLimit
	}
	if params.Kind == crawler.JobKindLatest && params.Pages == 0 {
		params.Pages = s.cfg.Crawler.SweepPages
	}
	if params.Pages > s.cfg.Crawler.MaxPages && s.cfg.Crawler.MaxPages > 0 {
		params.Pages = s.cfg.Crawler.MaxPages
	}
	return params, nil
}

type pipelineRequest struct {
	Pages int `json:"pages"`
}

func (s *Server) runPipeline(w http.ResponseWriter, r *http.Request) {
	var req pipelineRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	pages := req.Pages
	if pages <= 0 {
		pages = s.cfg.Crawler.SweepPages
	}
	if !s.deps.Pipeline.Start(s.deps.RunContext, pages) {
		s.writeError(w, http.StatusConflict, "a pipeline run is already in progress")
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{"status": "started", "pages": pages})
}

type subscriptionRequest struct {
	Destination     string                   `json:"destination"`
	DestinationKind crawler.DestinationKind  `json:"destination_kind"`
	Kind            crawler.SubscriptionKind `json:"kind"`
	Keyword         string                   `json:"keyword"`
	// All on DELETE removes every subscription of the destination.
	All bool `json:"all"`
}

func (s *Server) subscribe(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	sub, changed, err := s.deps.Subscriptions.Subscribe(
		r.Context(), req.Destination, req.DestinationKind, req.Kind, req.Keyword)
	if err != nil {
		s.writeSubscriptionError(w, err)
		return
	}
	status := http.StatusOK
	if changed {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, map[string]any{"subscription": sub, "changed": changed})
}

func (s *Server) unsubscribe(w http.ResponseWriter, r *http.Request) {
	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if req.All {
		n, err := s.deps.Subscriptions.UnsubscribeAll(r.Context(), req.Destination)
		if err != nil {
			s.writeSubscriptionError(w, err)
			return
		}
		s.writeJSON(w, http.StatusOK, map[string]int{"removed": n})
		return
	}
	removed, err := s.deps.Subscriptions.Unsubscribe(r.Context(), req.Destination, req.Kind, req.Keyword)
	if err != nil {
		s.writeSubscriptionError(w, err)
		return
	}
	if !removed {
		s.writeError(w, http.StatusNotFound, "subscription not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"removed": 1})
}

func (s *Server) listSubscriptions(w http.ResponseWriter, r *http.Request) {
	destination := chi.URLParam(r, "destination")
	subs, err := s.deps.Subscriptions.List(r.Context(), destination)
	if err != nil {
		s.writeSubscriptionError(w, err)
		return
	}
	if subs == nil {
		subs = []crawler.Subscription{}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"subscriptions": subs})
}

func (s *Server) writeSubscriptionError(w http.ResponseWriter, err error) {
	if errors.Is(err, subscription.ErrInvalid) {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.logger.Error("subscription request failed", zap.Error(err))
	s.writeError(w, http.StatusInternalServerError, "subscription store unavailable")
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuidgen.RequestID(r.Header.Get("X-Request-ID"))
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &responseWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		reqID, _ := r.Context().Value(requestIDKey{}).(string)
		s.logger.Info("request completed",
			zap.String("request_id", reqID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("error", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type responseWriter struct {
	http.ResponseWriter
	status int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.status = code
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	n, err := rw.ResponseWriter.Write(b)
	if err != nil {
		return n, fmt.Errorf("write response: %w", err)
	}
	return n, nil
}

func (rw *responseWriter) Flush() {
	if f, ok := rw.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (rw *responseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	if h, ok := rw.ResponseWriter.(http.Hijacker); ok {
		conn, buf, err := h.Hijack()
		if err != nil {
			return nil, nil, fmt.Errorf("hijack connection: %w", err)
		}
		return conn, buf, nil
	}
	return nil, nil, errors.New("hijacker not supported")
}

type requestIDKey struct{}

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				_ = writeJSONTo(w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	if err := writeJSONTo(w, status, payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSONTo(w http.ResponseWriter, status int, payload any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	return json.NewEncoder(w).Encode(payload)
}
