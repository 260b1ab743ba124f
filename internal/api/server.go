// Package api is the HTTP query surface: a stateless read path over the
// rollup store, memoized through the cache, plus the load-sample ingest
// endpoint.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"fleetstats/internal/cache"
	"fleetstats/internal/db"
	"fleetstats/internal/metrics"
	"fleetstats/internal/query"
	"fleetstats/internal/store"
	"fleetstats/internal/version"
)

const defaultTransactionLimit = 20

type Server struct {
	log         *zap.Logger
	db          *db.DB
	svc         *query.Service
	cache       *cache.Cache
	corsOrigins []string
}

func New(log *zap.Logger, d *db.DB, svc *query.Service, c *cache.Cache, corsOrigins []string) *Server {
	if log == nil {
		log = zap.NewNop()
	}
	return &Server{log: log, db: d, svc: svc, cache: c, corsOrigins: corsOrigins}
}

func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(s.withAccessLog, recoverer, s.withCORS, withJSON)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", s.handleReady)
	r.Get("/version", s.handleVersion)

	r.Route("/metrics", func(r chi.Router) {
		r.Handle("/prometheus", metrics.Handler())
		r.Get("/stats", s.handleStats)
		r.Get("/trends", s.handleTrends)
		r.Get("/gpu_stats", s.handleGPUStats)
		r.Get("/city_counts", s.handleLocations("city"))
		r.Get("/country_counts", s.handleLocations("country"))
		r.Get("/transactions", s.handleTransactions)
		r.Post("/load", s.handleLoad)
		// Static routes above win over this wildcard; it only sees the
		// scalar trend family.
		r.Get("/{scalar}", s.handleScalarTrend)
	})
	return r
}

func withJSON(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		next.ServeHTTP(w, r)
	})
}

// recoverer turns handler panics into 500s instead of dropped connections.
func recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusWriter struct {
	http.ResponseWriter
	code int
}

func (w *statusWriter) WriteHeader(code int) {
	w.code = code
	w.ResponseWriter.WriteHeader(code)
}

func (s *Server) withAccessLog(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		sw := &statusWriter{ResponseWriter: w, code: http.StatusOK}
		start := time.Now()
		defer func() {
			s.log.Info("http",
				zap.String("method", r.Method),
				zap.String("path", r.URL.Path),
				zap.Int("status", sw.code),
				zap.String("remote", r.RemoteAddr),
				zap.Duration("duration", time.Since(start)))
		}()
		next.ServeHTTP(sw, r)
	})
}

func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		origin := r.Header.Get("Origin")
		if origin != "" && s.originAllowed(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Vary", "Origin")
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		}
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) originAllowed(origin string) bool {
	for _, o := range s.corsOrigins {
		if o == "*" || o == origin {
			return true
		}
	}
	return false
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, query.ErrInvalidArgument), errors.Is(err, store.ErrInvalidQuery):
		http.Error(w, `{"error":`+strconv.Quote(err.Error())+`}`, http.StatusBadRequest)
	case errors.Is(err, query.ErrNoData):
		http.Error(w, `{"error":`+strconv.Quote(err.Error())+`}`, http.StatusNotFound)
	default:
		s.log.Error("request failed", zap.Error(err))
		http.Error(w, `{"error":"internal"}`, http.StatusInternalServerError)
	}
}

// respond runs compute through the cache and writes the memoized JSON body.
// Only successful computations are cached; errors go through the taxonomy.
func (s *Server) respond(w http.ResponseWriter, r *http.Request, class cache.Class, endpoint string, params map[string]string, compute func(ctx context.Context) (any, error)) {
	body, err := s.cache.Do(r.Context(), class, cache.Key(endpoint, params), func() ([]byte, error) {
		v, err := compute(r.Context())
		if err != nil {
			return nil, err
		}
		return json.Marshal(v)
	})
	if err != nil {
		s.writeError(w, err)
		return
	}
	w.Write(body)
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	period, gpu := r.URL.Query().Get("period"), r.URL.Query().Get("gpu")
	s.respond(w, r, cache.Aggregate, "/metrics/stats",
		map[string]string{"period": period, "gpu": gpu},
		func(ctx context.Context) (any, error) { return s.svc.Stats(ctx, period, gpu) })
}

func (s *Server) handleTrends(w http.ResponseWriter, r *http.Request) {
	period, gpu := r.URL.Query().Get("period"), r.URL.Query().Get("gpu")
	s.respond(w, r, cache.Aggregate, "/metrics/trends",
		map[string]string{"period": period, "gpu": gpu},
		func(ctx context.Context) (any, error) { return s.svc.Trends(ctx, period, gpu) })
}

func (s *Server) handleGPUStats(w http.ResponseWriter, r *http.Request) {
	period, metric := r.URL.Query().Get("period"), r.URL.Query().Get("metric")
	s.respond(w, r, cache.Aggregate, "/metrics/gpu_stats",
		map[string]string{"period": period, "metric": metric},
		func(ctx context.Context) (any, error) { return s.svc.GPUStats(ctx, period, metric) })
}

func (s *Server) handleScalarTrend(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "scalar")
	period := r.URL.Query().Get("period")
	s.respond(w, r, cache.Aggregate, "/metrics/"+name,
		map[string]string{"period": period},
		func(ctx context.Context) (any, error) {
			pts, err := s.svc.ScalarTrend(ctx, name, period)
			if err != nil {
				return nil, err
			}
			return map[string]any{name: pts}, nil
		})
}

func (s *Server) handleLocations(kind string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.respond(w, r, cache.Snapshot, "/metrics/"+kind+"_counts", nil,
			func(ctx context.Context) (any, error) { return s.svc.Locations(ctx, kind) })
	}
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	qs := r.URL.Query()

	q := store.TransactionQuery{
		SortBy:    qs.Get("sort_by"),
		Ascending: qs.Get("sort_order") == "asc",
		Cursor:    qs.Get("cursor"),
		Backward:  qs.Get("direction") == "prev",
		Limit:     defaultTransactionLimit,
	}
	if q.SortBy == "" {
		q.SortBy = store.SortByTime
	}
	if raw := qs.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil {
			s.writeError(w, query.ErrInvalidArgument)
			return
		}
		q.Limit = n
	}

	params := map[string]string{
		"limit": strconv.Itoa(q.Limit), "cursor": q.Cursor,
		"direction": qs.Get("direction"), "sort_by": q.SortBy,
		"sort_order": qs.Get("sort_order"),
	}
	s.respond(w, r, cache.Live, "/metrics/transactions", params,
		func(ctx context.Context) (any, error) {
			page, err := s.svc.Store.Transactions(ctx, q)
			if err != nil {
				return nil, err
			}
			if page.Items == nil {
				page.Items = []store.Transaction{}
			}
			return page, nil
		})
}

func (s *Server) handleLoad(w http.ResponseWriter, r *http.Request) {
	var body struct {
		NodeID     string  `json:"node_id"`
		CPULoad    float64 `json:"cpu_load"`
		MemoryLoad float64 `json:"memory_load"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.NodeID == "" {
		http.Error(w, `{"error":"node_id, cpu_load and memory_load required"}`, http.StatusBadRequest)
		return
	}
	if err := s.svc.Store.InsertLoadSample(r.Context(), body.NodeID, body.CPULoad, body.MemoryLoad); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
	json.NewEncoder(w).Encode(map[string]string{"status": "ok"})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		http.Error(w, `{"error":"database unreachable"}`, http.StatusServiceUnavailable)
		return
	}
	w.WriteHeader(http.StatusOK)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	json.NewEncoder(w).Encode(map[string]string{
		"version": version.Version, "build": version.Build, "built": version.BuildDate,
	})
}
