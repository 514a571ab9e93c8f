// Package httpapi exposes the pipeline's trigger and inspection endpoints.
package httpapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"crosspost/internal/metrics"
	"crosspost/internal/queue"
	"crosspost/internal/worker"
	logx "crosspost/pkg/logx"
)

const (
	DefaultProcessLimit = 5
	MaxProcessLimit     = 25
	defaultSource       = "cron"
)

type Gate interface {
	ShouldSkip(source string) bool
}

type Producer interface {
	EnqueueDueJobs(ctx context.Context) (int, error)
}

type Processor interface {
	ProcessBatch(ctx context.Context, n int) ([]worker.Outcome, error)
	Snapshot() worker.Snapshot
}

type QueueStats interface {
	Counts(ctx context.Context) (map[queue.State]int, error)
}

// Deps are the collaborators the routes call into. Extra, when set, is
// merged into the stats response under its own keys.
type Deps struct {
	Gate      Gate
	Producer  Producer
	Processor Processor
	Queue     QueueStats
	Metrics   *metrics.Metrics
	Extra     func() map[string]any
}

type Options struct {
	Secret string
	Pprof  bool
}

type handler struct {
	deps Deps
	log  logx.Logger
}

// NewRouter builds the chi router. An empty secret leaves the API routes open;
// the Server refuses that on non-loopback addresses.
func NewRouter(deps Deps, opt Options, log logx.Logger) http.Handler {
	if log.IsZero() {
		log = logx.Nop()
	}
	h := &handler{deps: deps, log: log}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(requestLogger(log, deps.Metrics))
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		_, _ = w.Write([]byte("ok"))
	})
	if deps.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())
	}

	r.Group(func(r chi.Router) {
		r.Use(bearerAuth(opt.Secret))
		r.Post("/api/cron/trigger", h.trigger)
		r.Post("/api/jobs/process", h.process)
		r.Get("/api/queue/stats", h.stats)
		if opt.Pprof {
			r.Mount("/debug", middleware.Profiler())
		}
	})
	return r
}

type triggerResponse struct {
	Skipped  bool   `json:"skipped"`
	Enqueued int    `json:"enqueued"`
	Source   string `json:"source"`
}

func (h *handler) trigger(w http.ResponseWriter, r *http.Request) {
	source := strings.TrimSpace(r.URL.Query().Get("source"))
	if source == "" {
		source = defaultSource
	}
	if h.deps.Gate != nil && h.deps.Gate.ShouldSkip(source) {
		h.deps.Metrics.Trigger(source, "skipped", 0)
		writeJSON(w, http.StatusOK, triggerResponse{Skipped: true, Source: source})
		return
	}
	if h.deps.Producer == nil {
		writeError(w, http.StatusServiceUnavailable, "producer unavailable")
		return
	}
	n, err := h.deps.Producer.EnqueueDueJobs(r.Context())
	if err != nil {
		h.deps.Metrics.Trigger(source, "error", n)
		h.log.Error("trigger failed", logx.String("source", source), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	h.deps.Metrics.Trigger(source, "ok", n)
	writeJSON(w, http.StatusOK, triggerResponse{Enqueued: n, Source: source})
}

type processResponse struct {
	Processed int              `json:"processed"`
	Results   []worker.Outcome `json:"results"`
}

func (h *handler) process(w http.ResponseWriter, r *http.Request) {
	limit := DefaultProcessLimit
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, MaxProcessLimit)
	}
	if h.deps.Processor == nil {
		writeError(w, http.StatusServiceUnavailable, "worker unavailable")
		return
	}
	out, err := h.deps.Processor.ProcessBatch(r.Context(), limit)
	if err != nil {
		h.log.Error("process batch failed", logx.Int("limit", limit), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "process failed")
		return
	}
	if out == nil {
		out = []worker.Outcome{}
	}
	writeJSON(w, http.StatusOK, processResponse{Processed: len(out), Results: out})
}

func (h *handler) stats(w http.ResponseWriter, r *http.Request) {
	resp := map[string]any{}
	if h.deps.Queue != nil {
		counts, err := h.deps.Queue.Counts(r.Context())
		if err != nil {
			h.log.Error("queue counts failed", logx.Err(err))
			writeError(w, http.StatusInternalServerError, "queue unavailable")
			return
		}
		byState := make(map[string]int, len(counts))
		for st, n := range counts {
			byState[string(st)] = n
		}
		h.deps.Metrics.SetQueueCounts(byState)
		resp["queue"] = byState
	}
	if h.deps.Processor != nil {
		resp["worker"] = h.deps.Processor.Snapshot()
	}
	if h.deps.Extra != nil {
		for k, v := range h.deps.Extra() {
			resp[k] = v
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

// bearerAuth accepts "Authorization: Bearer <secret>" or ?token=<secret>.
func bearerAuth(secret string) func(http.Handler) http.Handler {
	tok := strings.TrimSpace(secret)
	return func(next http.Handler) http.Handler {
		if tok == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if got := r.URL.Query().Get("token"); got != "" {
				if secretEqual(got, tok) {
					next.ServeHTTP(w, r)
					return
				}
				unauthorized(w)
				return
			}
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) && secretEqual(strings.TrimSpace(ah[len(p):]), tok) {
				next.ServeHTTP(w, r)
				return
			}
			unauthorized(w)
		})
	}
}

func secretEqual(got, want string) bool {
	return subtle.ConstantTimeCompare([]byte(got), []byte(want)) == 1
}

func unauthorized(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", "Bearer")
	writeError(w, http.StatusUnauthorized, "unauthorized")
}

func requestLogger(log logx.Logger, m *metrics.Metrics) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)

			status := ww.Status()
			if status == 0 {
				status = http.StatusOK
			}
			route := r.URL.Path
			if rc := chi.RouteContext(r.Context()); rc != nil && rc.RoutePattern() != "" {
				route = rc.RoutePattern()
			}
			m.HTTPRequest(r.Method, route, strconv.Itoa(status))

			fields := []logx.Field{
				logx.String("method", r.Method),
				logx.String("route", route),
				logx.Int("status", status),
				logx.Duration("dur", time.Since(start)),
				logx.String("request_id", middleware.GetReqID(r.Context())),
			}
			if status >= http.StatusInternalServerError {
				log.Warn("http request", fields...)
				return
			}
			log.Debug("http request", fields...)
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
