package api

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/JakeFAU/crawl-frontier/internal/crawler"
	"github.com/JakeFAU/crawl-frontier/internal/frontier"
	"github.com/JakeFAU/crawl-frontier/internal/metrics"
)

const (
	defaultScanLimit = 100
	maxScanLimit     = 1000
	maxBatchURLs     = 1000
	requestTimeout   = 60 * time.Second
)

// Records reads crawl records.
type Records interface {
	GetOrNil(ctx context.Context, url string) (*crawler.Record, error)
	Scan(ctx context.Context, rng crawler.KeyRange) iter.Seq2[*crawler.Record, error]
}

// Loader loads URLs through the orchestrator.
type Loader interface {
	Load(ctx context.Context, url string, opts crawler.LoadOptions) (*crawler.Record, error)
	LoadBatch(ctx context.Context, urls []string, opts crawler.LoadOptions) ([]*crawler.Record, error)
}

// Generator runs one generation pass.
type Generator interface {
	Generate(ctx context.Context) (frontier.Batch, error)
}

// Dispatcher hands generated entries to workers.
type Dispatcher interface {
	Dispatch(ctx context.Context, entries []crawler.FrontierEntry) error
}

// CounterSource exposes named decision counters.
type CounterSource interface {
	Snapshot() map[string]int64
}

// Deps are the collaborators behind the routes. Generator, Dispatcher and
// Counters may be nil; their routes then answer 503.
type Deps struct {
	Records    Records
	Loader     Loader
	Generator  Generator
	Dispatcher Dispatcher
	Counters   CounterSource
	// Ready reports whether downstream dependencies are usable.
	Ready func(ctx context.Context) error
}

// Options configure the server.
type Options struct {
	// APIKey, when set, is required on every /v1 route.
	APIKey      string
	LoadOptions crawler.LoadOptions
}

// Server wires HTTP handlers to the load orchestrator and stores.
type Server struct {
	router chi.Router
	deps   Deps
	opts   Options
	logger *zap.Logger
}

// NewServer constructs a Server with middleware and routes.
func NewServer(deps Deps, opts Options, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{deps: deps, opts: opts, logger: logger}

	r := chi.NewRouter()
	r.Use(requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(metrics.Middleware)

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Use(timeoutMiddleware(requestTimeout))
		if opts.APIKey != "" {
			r.Use(apiKeyMiddleware(opts.APIKey))
		}
		r.Get("/records", s.getRecord)
		r.Get("/records/scan", s.scanRecords)
		r.Post("/load", s.load)
		r.Post("/load/batch", s.loadBatch)
		r.Post("/generate", s.generate)
		r.Get("/filter/counters", s.counters)
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
	if s.deps.Ready != nil {
		if err := s.deps.Ready(r.Context()); err != nil {
			s.writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ready"})
}

func (s *Server) getRecord(w http.ResponseWriter, r *http.Request) {
	url := strings.TrimSpace(r.URL.Query().Get("url"))
	if url == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	rec, err := s.deps.Records.GetOrNil(r.Context(), url)
	if err != nil {
		s.logger.Error("get record failed", zap.String("url", url), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "failed to load record")
		return
	}
	if rec == nil || rec.IsNil() {
		s.writeError(w, http.StatusNotFound, "record not found")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"record": toRecordDTO(rec)})
}

func (s *Server) scanRecords(w http.ResponseWriter, r *http.Request) {
	limit, offset, err := parseLimitOffset(r, defaultScanLimit, maxScanLimit)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	q := r.URL.Query()
	rng := crawler.KeyRange{Start: q.Get("start"), End: q.Get("end")}

	out := make([]recordDTO, 0, limit)
	skipped := 0
	for rec, err := range s.deps.Records.Scan(r.Context(), rng) {
		if err != nil {
			s.logger.Error("scan records failed", zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "failed to scan records")
			return
		}
		if skipped < offset {
			skipped++
			continue
		}
		out = append(out, toRecordDTO(rec))
		if len(out) == limit {
			break
		}
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"records": out})
}

type loadRequest struct {
	URL     string   `json:"url"`
	URLs    []string `json:"urls"`
	Options string   `json:"options"`
}

func (s *Server) decodeLoad(w http.ResponseWriter, r *http.Request) (loadRequest, crawler.LoadOptions, bool) {
	var req loadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return req, crawler.LoadOptions{}, false
	}
	opts := s.opts.LoadOptions
	if req.Options != "" {
		parsed, err := crawler.ParseLoadOptions(req.Options)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return req, crawler.LoadOptions{}, false
		}
		opts = parsed
	}
	return req, opts, true
}

func (s *Server) load(w http.ResponseWriter, r *http.Request) {
	req, opts, ok := s.decodeLoad(w, r)
	if !ok {
		return
	}
	if req.URL == "" {
		s.writeError(w, http.StatusBadRequest, "url is required")
		return
	}
	rec, err := s.deps.Loader.Load(r.Context(), req.URL, opts)
	if err != nil {
		s.writeLoadError(w, req.URL, err)
		return
	}
	if rec.IsInFlight() {
		s.writeJSON(w, http.StatusAccepted, map[string]any{"url": req.URL, "in_flight": true})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"record": toRecordDTO(rec)})
}

func (s *Server) loadBatch(w http.ResponseWriter, r *http.Request) {
	req, opts, ok := s.decodeLoad(w, r)
	if !ok {
		return
	}
	switch {
	case len(req.URLs) == 0:
		s.writeError(w, http.StatusBadRequest, "urls required")
		return
	case len(req.URLs) > maxBatchURLs:
		s.writeError(w, http.StatusBadRequest, fmt.Sprintf("at most %d urls per batch", maxBatchURLs))
		return
	}
	recs, err := s.deps.Loader.LoadBatch(r.Context(), req.URLs, opts)
	if err != nil {
		// Per-URL failures are joined; the records that did load are still
		// returned.
		s.logger.Warn("batch load had failures", zap.Int("urls", len(req.URLs)), zap.Error(err))
	}
	out := make([]recordDTO, 0, len(recs))
	for _, rec := range recs {
		if rec == nil || rec.IsInFlight() || rec.IsNil() {
			continue
		}
		out = append(out, toRecordDTO(rec))
	}
	payload := map[string]any{"records": out}
	if err != nil {
		payload["error"] = err.Error()
	}
	s.writeJSON(w, http.StatusOK, payload)
}

func (s *Server) writeLoadError(w http.ResponseWriter, url string, err error) {
	switch {
	case errors.Is(err, crawler.ErrMalformedURL):
		s.writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		s.writeError(w, http.StatusRequestTimeout, err.Error())
	default:
		s.logger.Error("load failed", zap.String("url", url), zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "load failed")
	}
}

type generateRequest struct {
	Dispatch bool `json:"dispatch"`
}

func (s *Server) generate(w http.ResponseWriter, r *http.Request) {
	if s.deps.Generator == nil {
		s.writeError(w, http.StatusServiceUnavailable, "generator unavailable")
		return
	}
	var req generateRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "invalid JSON")
			return
		}
	}
	if req.Dispatch && s.deps.Dispatcher == nil {
		s.writeError(w, http.StatusServiceUnavailable, "dispatcher unavailable")
		return
	}
	batch, err := s.deps.Generator.Generate(r.Context())
	if err != nil {
		s.logger.Error("generate failed", zap.Error(err))
		s.writeError(w, http.StatusInternalServerError, "generate failed")
		return
	}
	if req.Dispatch {
		if err := s.deps.Dispatcher.Dispatch(r.Context(), batch.Entries); err != nil {
			s.logger.Error("dispatch failed", zap.String("batch_id", batch.ID), zap.Error(err))
			s.writeError(w, http.StatusInternalServerError, "dispatch failed")
			return
		}
	}
	urls := make([]string, 0, len(batch.Entries))
	for _, e := range batch.Entries {
		urls = append(urls, e.URL)
	}
	s.writeJSON(w, http.StatusOK, map[string]any{
		"batch_id":     batch.ID,
		"generated_at": batch.GeneratedAt,
		"scanned":      batch.Scanned,
		"selected":     len(batch.Entries),
		"dispatched":   req.Dispatch,
		"urls":         urls,
	})
}

func (s *Server) counters(w http.ResponseWriter, _ *http.Request) {
	if s.deps.Counters == nil {
		s.writeError(w, http.StatusServiceUnavailable, "counters unavailable")
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"counters": s.deps.Counters.Snapshot()})
}

type recordDTO struct {
	URL            string    `json:"url"`
	ReversedKey    string    `json:"reversed_key"`
	CrawlStatus    string    `json:"crawl_status"`
	ProtocolStatus string    `json:"protocol_status"`
	Distance       uint32    `json:"distance"`
	FetchTime      time.Time `json:"fetch_time"`
	PrevFetchTime  time.Time `json:"prev_fetch_time"`
	FetchInterval  string    `json:"fetch_interval"`
	FetchCount     uint32    `json:"fetch_count"`
	FetchRetries   uint32    `json:"fetch_retries"`
	ReprURL        string    `json:"repr_url,omitempty"`
	ContentType    string    `json:"content_type,omitempty"`
	ContentLength  int64     `json:"content_length"`
	BatchID        string    `json:"batch_id,omitempty"`
}

func toRecordDTO(r *crawler.Record) recordDTO {
	return recordDTO{
		URL:            r.URL,
		ReversedKey:    r.ReversedKey,
		CrawlStatus:    r.CrawlStatus.String(),
		ProtocolStatus: r.ProtocolStatus.String(),
		Distance:       r.Distance,
		FetchTime:      r.FetchTime,
		PrevFetchTime:  r.PrevFetchTime,
		FetchInterval:  r.FetchInterval.String(),
		FetchCount:     r.FetchCount,
		FetchRetries:   r.FetchRetries,
		ReprURL:        r.ReprURL,
		ContentType:    r.ContentType,
		ContentLength:  r.ContentLength,
		BatchID:        r.BatchID,
	}
}

func parseLimitOffset(r *http.Request, def, maxLimit int) (int, int, error) {
	q := r.URL.Query()
	limit := def
	if limStr := q.Get("limit"); limStr != "" {
		val, err := strconv.Atoi(limStr)
		if err != nil || val <= 0 {
			return 0, 0, errors.New("invalid limit")
		}
		limit = min(val, maxLimit)
	}
	offset := 0
	if offStr := q.Get("offset"); offStr != "" {
		val, err := strconv.Atoi(offStr)
		if err != nil || val < 0 {
			return 0, 0, errors.New("invalid offset")
		}
		offset = val
	}
	return limit, offset, nil
}

type requestIDKey struct{}

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
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", reqID),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec), zap.String("path", r.URL.Path))
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

func apiKeyMiddleware(expected string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := r.Header.Get("X-API-Key")
			if key == "" {
				key = r.URL.Query().Get("api_key")
			}
			if key != expected {
				writeJSONTo(w, http.StatusForbidden, map[string]string{"error": "unauthorized"}, nil)
				return
			}
			next.ServeHTTP(w, r)
		})
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

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	writeJSONTo(w, status, payload, s.logger)
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSONTo(w http.ResponseWriter, status int, payload any, logger *zap.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil && logger != nil {
		logger.Error("write JSON failed", zap.Error(err))
	}
}
