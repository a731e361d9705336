package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.uber.org/zap"

	"github.com/JakeFAU/regional-access/internal/analyst"
	"github.com/JakeFAU/regional-access/internal/collator"
	"github.com/JakeFAU/regional-access/internal/config"
	"github.com/JakeFAU/regional-access/internal/metrics"
	"github.com/JakeFAU/regional-access/internal/policy/ratelimit"
	"github.com/JakeFAU/regional-access/internal/reducer"
)

// Enqueuer hands work items to the worker transport.
type Enqueuer interface {
	Enqueue(ctx context.Context, req analyst.GridRequest) error
}

// IDGenerator creates job IDs.
type IDGenerator interface {
	NewID() (string, error)
}

// ReadinessCheck reports whether a downstream dependency is usable.
type ReadinessCheck func(ctx context.Context) error

// Server wires HTTP handlers to the job registry, work transport and result store.
type Server struct {
	router   chi.Router
	registry analyst.JobRegistry
	work     Enqueuer
	results  analyst.BlobStore
	idGen    IDGenerator
	cfg      config.Config
	checks   map[string]ReadinessCheck
	logger   *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(
	registry analyst.JobRegistry,
	work Enqueuer,
	results analyst.BlobStore,
	idGen IDGenerator,
	cfg config.Config,
	checks map[string]ReadinessCheck,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		registry: registry,
		work:     work,
		results:  results,
		idGen:    idGen,
		cfg:      cfg,
		checks:   checks,
		logger:   logger,
	}
	timeout := cfg.RequestTimeout()
	if timeout <= 0 {
		timeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(otelhttp.NewMiddleware("regional-access"))
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)
	r.Use(timeoutMiddleware(timeout))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/v1/regional", func(r chi.Router) {
		if cfg.Auth.Enabled {
			r.Use(apiKeyMiddleware(cfg.Auth.APIKey))
		}
		limiter := ratelimit.New(ratelimit.Config{DefaultRPS: cfg.Server.SubmitRPS, DefaultBurst: cfg.Server.SubmitBurst})
		r.With(rateLimitMiddleware(limiter)).Post("/", s.submitRegionalJob)
		r.Route("/{job_id}", func(r chi.Router) {
			r.Get("/", s.getJobStatus)
			r.Get("/grid", s.getReducedGrid)
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
	failures := map[string]string{}
	for name, check := range s.checks {
		if err := check(ctx); err != nil {
			failures[name] = err.Error()
		}
	}
	if len(failures) > 0 {
		s.writeJSON(w, http.StatusServiceUnavailable, map[string]any{"status": "unavailable", "failures": failures})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

type regionalJobRequest struct {
	Grid          string                 `json:"grid"`
	Zoom          int                    `json:"zoom"`
	West          int                    `json:"west"`
	North         int                    `json:"north"`
	Width         int                    `json:"width"`
	Height        int                    `json:"height"`
	Request       analyst.ProfileRequest `json:"request"`
	CutoffMinutes int                    `json:"cutoffMinutes"`
	OutputQueue   string                 `json:"outputQueue"`
}

type jobStatusResponse struct {
	JobID     string            `json:"job_id"`
	Status    analyst.JobStatus `json:"status"`
	Grid      string            `json:"grid"`
	Origins   int               `json:"origins"`
	Received  int               `json:"received"`
	ResultURI string            `json:"result_uri,omitempty"`
	Failure   string            `json:"failure,omitempty"`
}

type gridResponse struct {
	Zoom   int       `json:"zoom"`
	West   int       `json:"west"`
	North  int       `json:"north"`
	Width  int       `json:"width"`
	Height int       `json:"height"`
	Values []float64 `json:"values"`
}

func (s *Server) submitRegionalJob(w http.ResponseWriter, r *http.Request) {
	var req regionalJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	if err := validateRegionalRequest(req); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	jobID, err := s.idGen.NewID()
	if err != nil {
		s.writeError(w, http.StatusInternalServerError, "failed to allocate job id")
		return
	}
	job := analyst.RegionalJob{
		ID:       jobID,
		Grid:     req.Grid,
		Zoom:     req.Zoom,
		West:     req.West,
		North:    req.North,
		Width:    req.Width,
		Height:   req.Height,
		NSamples: analyst.BootstrapReplicates + 1,
		Status:   analyst.JobStatusPending,
	}
	if err := s.registry.CreateJob(r.Context(), job); err != nil {
		s.logger.Error("create regional job failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to register job")
		return
	}

	if err := s.enqueueOrigins(r.Context(), jobID, req); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusRequestTimeout
		}
		s.logger.Error("enqueue origins failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, status, err.Error())
		return
	}
	s.logger.Info("regional job submitted",
		zap.String("job_id", jobID),
		zap.String("grid", req.Grid),
		zap.Int("origins", job.Origins()),
	)
	s.writeJSON(w, http.StatusAccepted, map[string]any{"job_id": jobID, "origins": job.Origins()})
}

func validateRegionalRequest(req regionalJobRequest) error {
	switch {
	case req.Grid == "":
		return errors.New("grid required")
	case req.Width <= 0 || req.Height <= 0:
		return errors.New("width and height must be > 0")
	case req.CutoffMinutes <= 0:
		return errors.New("cutoffMinutes must be > 0")
	case len(req.Request.AccessModes) == 0:
		return errors.New("request.accessModes required")
	}
	return nil
}

func (s *Server) enqueueOrigins(ctx context.Context, jobID string, req regionalJobRequest) error {
	output := req.OutputQueue
	if output == "" {
		output = s.cfg.ResultTopic()
	}
	for y := range req.Height {
		for x := range req.Width {
			item := analyst.GridRequest{
				JobID:         jobID,
				Grid:          req.Grid,
				Zoom:          req.Zoom,
				West:          req.West,
				North:         req.North,
				Width:         req.Width,
				Height:        req.Height,
				X:             x,
				Y:             y,
				Request:       req.Request,
				CutoffMinutes: req.CutoffMinutes,
				OutputQueue:   output,
			}
			if err := s.work.Enqueue(ctx, item); err != nil {
				return fmt.Errorf("enqueue origin (%d, %d): %w", x, y, err)
			}
		}
	}
	return nil
}

func (s *Server) getJobStatus(w http.ResponseWriter, r *http.Request) {
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	s.writeJSON(w, http.StatusOK, jobStatusResponse{
		JobID:     job.ID,
		Status:    job.Status,
		Grid:      job.Grid,
		Origins:   job.Origins(),
		Received:  job.Received,
		ResultURI: job.ResultURI,
		Failure:   job.Failure,
	})
}

func (s *Server) getReducedGrid(w http.ResponseWriter, r *http.Request) {
	red, err := parseReducer(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	job, ok := s.lookupJob(w, r)
	if !ok {
		return
	}
	if job.Status == analyst.JobStatusFailed {
		s.writeError(w, http.StatusUnprocessableEntity, "job failed: "+job.Failure)
		return
	}
	if job.Status != analyst.JobStatusComplete {
		s.writeError(w, http.StatusConflict, fmt.Sprintf("job is %s: %d of %d origins received", job.Status, job.Received, job.Origins()))
		return
	}
	if err := red.Check(job.NSamples); err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	grid, err := reducer.ApplyObject(r.Context(), s.results, collator.ResultPath(s.cfg.Storage.ResultPrefix, job.ID), red)
	if err != nil {
		s.logger.Error("reduce access grid failed", zap.String("job_id", job.ID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to reduce access grid")
		return
	}
	s.writeJSON(w, http.StatusOK, gridResponse{
		Zoom:   grid.Zoom,
		West:   grid.West,
		North:  grid.North,
		Width:  grid.Width,
		Height: grid.Height,
		Values: grid.Values,
	})
}

// parseReducer reads ?index=k, ?percentile=p or ?mean=true; the point estimate is the default.
func parseReducer(r *http.Request) (reducer.Reducer, error) {
	q := r.URL.Query()
	set := 0
	for _, key := range []string{"index", "percentile", "mean"} {
		if q.Has(key) {
			set++
		}
	}
	if set > 1 {
		return nil, errors.New("use only one of index, percentile or mean")
	}
	switch {
	case q.Has("percentile"):
		p, err := strconv.ParseFloat(q.Get("percentile"), 64)
		if err != nil || p < 0 || p > 100 {
			return nil, errors.New("percentile must be a number in [0, 100]")
		}
		return reducer.Percentile{P: p}, nil
	case q.Has("mean"):
		return reducer.Mean{}, nil
	case q.Has("index"):
		idx, err := strconv.Atoi(q.Get("index"))
		if err != nil || idx < 0 {
			return nil, errors.New("index must be a non-negative integer")
		}
		return reducer.Selecting{Index: idx}, nil
	}
	return reducer.Selecting{Index: 0}, nil
}

func (s *Server) lookupJob(w http.ResponseWriter, r *http.Request) (analyst.RegionalJob, bool) {
	jobID := chi.URLParam(r, "job_id")
	job, err := s.registry.GetJob(r.Context(), jobID)
	if errors.Is(err, analyst.ErrJobNotFound) {
		s.writeError(w, http.StatusNotFound, "job not found")
		return analyst.RegionalJob{}, false
	}
	if err != nil {
		s.logger.Error("get regional job failed", zap.String("job_id", jobID), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load job")
		return analyst.RegionalJob{}, false
	}
	return job, true
}

func requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
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
				writeJSON(w, http.StatusForbidden, map[string]string{"error": "unauthorized"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// rateLimitMiddleware throttles by API key, falling back to the client address.
func rateLimitMiddleware(limiter *ratelimit.Limiter) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if !limiter.Allow(clientKey(r)) {
				metrics.ObserveSubmissionThrottled()
				w.Header().Set("Retry-After", "1")
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

func clientKey(r *http.Request) string {
	if key := r.Header.Get("X-API-Key"); key != "" {
		return "key:" + key
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return "addr:" + r.RemoteAddr
	}
	return "addr:" + host
}

func writeJSON(w http.ResponseWriter, status int, payload any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		return fmt.Errorf("write JSON: %w", err)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	if err := writeJSON(w, status, payload); err != nil {
		s.logger.Error("write JSON failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}
