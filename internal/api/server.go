package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"sitepipe/internal/dispatch"
	"sitepipe/internal/logging"
	"sitepipe/internal/logs"
	"sitepipe/internal/pipeline"
	"sitepipe/internal/sites"
	"sitepipe/internal/stage"
	"sitepipe/internal/status"
)

const (
	maxListLimit = 1000
	maxLogLimit  = 5000
	defaultLogs  = 200
)

// StatusReader answers site queries.
type StatusReader interface {
	Site(ctx context.Context, id string) (status.SiteStatus, error)
	All(ctx context.Context, filter sites.ListFilter) ([]status.SiteStatus, error)
	Summary(ctx context.Context) (status.Summary, error)
}

// Admitter admits new sites.
type Admitter interface {
	Admit(ctx context.Context, site sites.NewSite) (pipeline.Admission, error)
}

// StoreHealth checks the record store.
type StoreHealth interface {
	CheckHealth(ctx context.Context) (sites.DatabaseHealth, error)
}

// Services are the collaborators the router serves from.
type Services struct {
	Status   StatusReader
	Admitter Admitter
	Store    StoreHealth
	// Stages reports plugin health; optional.
	Stages func(ctx context.Context) []stage.Health
	// Jobs reports dispatch queue counts; optional.
	Jobs func(ctx context.Context) (map[dispatch.Status]int, error)
	// LogPath is the daemon log file served by /api/logs; optional.
	LogPath string
}

// ServerOption configures the router.
type ServerOption func(*serverConfig)

type serverConfig struct {
	token       string
	logger      *slog.Logger
	metricsPath string
	metrics     http.Handler
}

// WithToken requires "Authorization: Bearer <token>" on /api routes. An empty
// token disables the check.
func WithToken(token string) ServerOption {
	return func(cfg *serverConfig) { cfg.token = strings.TrimSpace(token) }
}

// WithLogger sets the request logger.
func WithLogger(logger *slog.Logger) ServerOption {
	return func(cfg *serverConfig) { cfg.logger = logger }
}

// WithMetrics mounts a metrics handler at path. A nil handler is ignored.
func WithMetrics(path string, handler http.Handler) ServerOption {
	return func(cfg *serverConfig) {
		cfg.metricsPath = path
		cfg.metrics = handler
	}
}

// NewRouter builds the HTTP handler.
func NewRouter(svc Services, opts ...ServerOption) *chi.Mux {
	cfg := &serverConfig{}
	for _, opt := range opts {
		opt(cfg)
	}
	if cfg.logger == nil {
		cfg.logger = logging.NewNop()
	}
	routes := &routes{svc: svc, logger: cfg.logger.With(logging.String(logging.FieldComponent, "api"))}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recoverer)
	r.Use(requestLogger(routes.logger))

	r.Get("/healthz", routes.health)
	if cfg.metrics != nil && cfg.metricsPath != "" {
		r.Handle(cfg.metricsPath, cfg.metrics)
	}
	r.Route("/api", func(r chi.Router) {
		r.Use(bearerAuth(cfg.token))
		r.Get("/summary", routes.summary)
		r.Get("/sites", routes.listSites)
		r.Post("/sites", routes.admitSite)
		r.Get("/sites/{id}", routes.getSite)
		r.Get("/jobs", routes.jobStats)
		r.Get("/logs", routes.tailLogs)
	})
	return r
}

type routes struct {
	svc    Services
	logger *slog.Logger
}

func (rt *routes) health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{Healthy: true}
	if rt.svc.Store != nil {
		db, err := rt.svc.Store.CheckHealth(r.Context())
		resp.Database = db
		if err != nil || db.IntegrityCheck != "ok" {
			resp.Healthy = false
		}
	}
	if rt.svc.Stages != nil {
		resp.Stages = rt.svc.Stages(r.Context())
		if !stage.AllReady(resp.Stages) {
			resp.Healthy = false
		}
	}
	code := http.StatusOK
	if !resp.Healthy {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, resp, code)
}

func (rt *routes) summary(w http.ResponseWriter, r *http.Request) {
	summary, err := rt.svc.Status.Summary(r.Context())
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	writeJSON(w, summary, http.StatusOK)
}

func (rt *routes) listSites(w http.ResponseWriter, r *http.Request) {
	filter, err := parseListFilter(r)
	if err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	list, err := rt.svc.Status.All(r.Context(), filter)
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	if list == nil {
		list = []status.SiteStatus{}
	}
	writeJSON(w, SiteListResponse{Sites: list, Count: len(list)}, http.StatusOK)
}

func (rt *routes) getSite(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(chi.URLParam(r, "id"))
	if err := pipeline.ValidateSiteID(id); err != nil {
		writeError(w, err.Error(), http.StatusBadRequest)
		return
	}
	site, err := rt.svc.Status.Site(r.Context(), id)
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	writeJSON(w, SiteResponse{Site: site}, http.StatusOK)
}

func (rt *routes) admitSite(w http.ResponseWriter, r *http.Request) {
	if rt.svc.Admitter == nil {
		writeError(w, "admission disabled", http.StatusServiceUnavailable)
		return
	}
	var req AdmitRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return
	}
	adm, err := rt.svc.Admitter.Admit(r.Context(), sites.NewSite{ID: req.ID, Source: req.Source})
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	site, err := rt.svc.Status.Site(r.Context(), adm.Record.ID)
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	w.Header().Set("Location", "/api/sites/"+adm.Record.ID)
	writeJSON(w, AdmitResponse{Site: site, Dispatched: adm.Dispatched}, http.StatusCreated)
}

func (rt *routes) jobStats(w http.ResponseWriter, r *http.Request) {
	if rt.svc.Jobs == nil {
		writeJSON(w, JobStatsResponse{Jobs: map[dispatch.Status]int{}}, http.StatusOK)
		return
	}
	stats, err := rt.svc.Jobs(r.Context())
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	writeJSON(w, JobStatsResponse{Jobs: stats}, http.StatusOK)
}

func (rt *routes) tailLogs(w http.ResponseWriter, r *http.Request) {
	if rt.svc.LogPath == "" {
		writeError(w, "log file not configured", http.StatusNotFound)
		return
	}
	query := r.URL.Query()
	opts := logs.TailOptions{Offset: -1, Limit: defaultLogs}
	if raw := strings.TrimSpace(query.Get("offset")); raw != "" {
		offset, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, "offset must be an integer", http.StatusBadRequest)
			return
		}
		opts.Offset = offset
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		opts.Limit = min(limit, maxLogLimit)
	}
	if site := strings.TrimSpace(query.Get("site")); site != "" {
		opts.Match = logs.ForSite(site)
	}
	result, err := logs.Tail(r.Context(), rt.svc.LogPath, opts)
	if err != nil {
		rt.writeServiceError(w, err)
		return
	}
	if result.Lines == nil {
		result.Lines = []string{}
	}
	writeJSON(w, LogResponse{Lines: result.Lines, Offset: result.Offset}, http.StatusOK)
}

func parseListFilter(r *http.Request) (sites.ListFilter, error) {
	var filter sites.ListFilter
	query := r.URL.Query()
	for _, raw := range query["stage"] {
		for _, part := range strings.Split(raw, ",") {
			name := stage.Stage(strings.ToLower(strings.TrimSpace(part)))
			if name == "" {
				continue
			}
			if !name.Valid() {
				return filter, errors.New("unknown stage " + strconv.Quote(string(name)))
			}
			filter.Stages = append(filter.Stages, name)
		}
	}
	if raw := strings.TrimSpace(query.Get("limit")); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			return filter, errors.New("limit must be a non-negative integer")
		}
		filter.Limit = min(limit, maxListLimit)
	}
	return filter, nil
}

func (rt *routes) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, sites.ErrSiteNotFound):
		writeError(w, err.Error(), http.StatusNotFound)
	case errors.Is(err, sites.ErrSiteExists):
		writeError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, pipeline.ErrInvalidSiteID):
		writeError(w, err.Error(), http.StatusBadRequest)
	default:
		rt.logger.Error("api request failed", logging.Error(err))
		writeError(w, "internal error", http.StatusInternalServerError)
	}
}

func writeJSON(w http.ResponseWriter, data any, statusCode int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}

func writeError(w http.ResponseWriter, message string, statusCode int) {
	writeJSON(w, map[string]string{"error": message}, statusCode)
}

func requestLogger(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
			next.ServeHTTP(ww, r)
			logger.Debug("http request",
				logging.String("method", r.Method),
				logging.String("path", r.URL.Path),
				logging.Int("status", ww.Status()),
				logging.Duration("duration", time.Since(start)),
				logging.String("request_id", middleware.GetReqID(r.Context())),
			)
		})
	}
}

// bearerAuth rejects requests without the expected bearer token. An empty
// token lets everything through.
func bearerAuth(token string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		if token == "" {
			return next
		}
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			auth := r.Header.Get("Authorization")
			if !strings.HasPrefix(auth, "Bearer ") || strings.TrimPrefix(auth, "Bearer ") != token {
				writeError(w, "unauthorized", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}
