// Package web serves the JSON inspection API over captured traffic and the
// client registry.
package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/funnyzak/tapkit/internal/config"
	"github.com/funnyzak/tapkit/internal/logger"
	"github.com/funnyzak/tapkit/internal/storage"
	"github.com/funnyzak/tapkit/pkg/capture"
	"github.com/funnyzak/tapkit/pkg/registry"
)

const (
	maxListLimit      = 1000
	contextSessionKey = contextKey("web_session")
	contentTypeJSON   = "application/json"
	roleAdmin         = "admin"
	roleViewer        = "viewer"
)

type contextKey string

// ServiceController is the registry surface exposed over HTTP.
type ServiceController interface {
	Statuses() []registry.Status
	Reset(key, baseURL string) error
}

// Options carries the collaborators of a Service.
type Options struct {
	Store       storage.Store
	Toggles     *capture.Toggles
	Services    ServiceController
	Metrics     http.Handler
	MetricsPath string
}

// Service bundles the inspection API.
type Service struct {
	cfg     *config.WebConfig
	opts    Options
	logger  logger.Logger
	auth    *AuthManager
	hub     *WebsocketHub
	formats []string
}

// NewService builds a Service from configuration.
func NewService(cfg *config.WebConfig, opts Options, log logger.Logger) *Service {
	if log == nil {
		log = logger.Nop()
	}
	return &Service{
		cfg:     cfg,
		opts:    opts,
		logger:  log,
		auth:    NewAuthManager(cfg.Auth),
		hub:     NewWebsocketHub(log),
		formats: storage.AllowedFormats(cfg.Export.Formats),
	}
}

// Hub returns the live feed hub; publish stored records to it.
func (s *Service) Hub() *WebsocketHub { return s.hub }

// Handler returns a router with every route registered.
func (s *Service) Handler() http.Handler {
	router := mux.NewRouter()
	s.RegisterRoutes(router)
	return router
}

// RegisterRoutes wires HTTP routes into the provided router.
func (s *Service) RegisterRoutes(router *mux.Router) {
	if s.opts.Metrics != nil && s.opts.MetricsPath != "" {
		router.Handle(s.opts.MetricsPath, s.opts.Metrics).Methods(http.MethodGet)
	}

	api := router.PathPrefix(normalizePath(s.cfg.AdminPath)).Subrouter()
	api.Use(s.authMiddleware)
	api.HandleFunc("/auth/me", s.handleMe).Methods(http.MethodGet)
	api.HandleFunc("/modules", s.handleModules).Methods(http.MethodGet)
	api.HandleFunc("/modules/{module}/buckets", s.handleBuckets).Methods(http.MethodGet)
	api.HandleFunc("/modules/{module}/records", s.handleRecords).Methods(http.MethodGet)
	api.HandleFunc("/modules/{module}/records", s.requireAdmin(s.handleClear)).Methods(http.MethodDelete)
	api.HandleFunc("/modules/{module}/records/{id}", s.handleRecord).Methods(http.MethodGet)
	api.HandleFunc("/modules/{module}/capture", s.requireAdmin(s.handleToggle)).Methods(http.MethodPut)
	api.HandleFunc("/services", s.handleServices).Methods(http.MethodGet)
	api.HandleFunc("/services/{key}/reset", s.requireAdmin(s.handleReset)).Methods(http.MethodPost)
	api.HandleFunc("/export", s.handleExport).Methods(http.MethodGet)
	api.HandleFunc("/ws", s.handleWebsocket).Methods(http.MethodGet)
}

// Close releases resources.
func (s *Service) Close() {
	s.hub.Close()
}

type moduleSummary struct {
	Name    string `json:"name"`
	Capture bool   `json:"capture"`
	Records int    `json:"records"`
}

func (s *Service) handleModules(w http.ResponseWriter, r *http.Request) {
	names := map[string]struct{}{}
	if s.opts.Store != nil {
		stored, err := s.opts.Store.Modules()
		if err != nil {
			s.respondError(w, http.StatusInternalServerError, err)
			return
		}
		for _, m := range stored {
			names[m] = struct{}{}
		}
	}
	for m := range s.opts.Toggles.Snapshot() {
		names[m] = struct{}{}
	}

	out := make([]moduleSummary, 0, len(names))
	for name := range names {
		sum := moduleSummary{Name: name, Capture: s.opts.Toggles.IsEnabled(name)}
		if s.opts.Store != nil {
			if _, total, err := s.opts.Store.List(name, storage.Query{Limit: 1}); err == nil {
				sum.Records = total
			}
		}
		out = append(out, sum)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"data": out})
}

func (s *Service) handleBuckets(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	module := mux.Vars(r)["module"]
	buckets, err := s.opts.Store.Buckets(module)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if buckets == nil {
		buckets = []storage.BucketCount{}
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"module": module, "data": buckets})
}

func (s *Service) handleRecords(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	module := mux.Vars(r)["module"]
	q, err := s.parseQuery(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	items, total, err := s.opts.Store.List(module, q)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	if items == nil {
		items = []*capture.Record{}
	}

	resp := map[string]interface{}{
		"module": module,
		"total":  total,
		"limit":  q.Limit,
		"offset": q.Offset,
	}
	switch group := r.URL.Query().Get("group"); group {
	case "", "none":
		resp["data"] = items
	case "time":
		resp["data"] = capture.GroupByBucket(items)
	case "url":
		resp["data"] = capture.GroupByURL(items)
	default:
		s.respondError(w, http.StatusBadRequest, fmt.Errorf("unknown grouping %q", group))
		return
	}
	s.respondJSON(w, http.StatusOK, resp)
}

func (s *Service) handleRecord(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	vars := mux.Vars(r)
	rec, err := s.opts.Store.Get(vars["module"], vars["id"])
	if errors.Is(err, storage.ErrNotFound) {
		s.respondError(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.respondJSON(w, http.StatusOK, rec)
}

func (s *Service) handleClear(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	module := mux.Vars(r)["module"]
	n, err := s.opts.Store.Clear(module)
	if err != nil {
		s.respondError(w, http.StatusInternalServerError, err)
		return
	}
	s.logger.Info("Capture module cleared", "module", module, "deleted", n)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"module": module, "deleted": n})
}

func (s *Service) handleToggle(w http.ResponseWriter, r *http.Request) {
	if s.opts.Toggles == nil {
		s.respondError(w, http.StatusServiceUnavailable, errors.New("capture toggles unavailable"))
		return
	}
	var body struct {
		Enabled *bool `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil || body.Enabled == nil {
		s.respondError(w, http.StatusBadRequest, errors.New(`expected {"enabled": true|false}`))
		return
	}
	module := mux.Vars(r)["module"]
	s.opts.Toggles.Enable(module, *body.Enabled)
	s.logger.Info("Capture toggled", "module", module, "enabled", *body.Enabled)
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"module": module, "capture": *body.Enabled})
}

func (s *Service) handleServices(w http.ResponseWriter, r *http.Request) {
	statuses := []registry.Status{}
	if s.opts.Services != nil {
		statuses = s.opts.Services.Statuses()
	}
	s.respondJSON(w, http.StatusOK, map[string]interface{}{"data": statuses})
}

func (s *Service) handleReset(w http.ResponseWriter, r *http.Request) {
	if s.opts.Services == nil {
		s.respondError(w, http.StatusServiceUnavailable, errors.New("registry unavailable"))
		return
	}
	var body struct {
		BaseURL string `json:"base_url"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}

	key := mux.Vars(r)["key"]
	if err := s.opts.Services.Reset(key, strings.TrimSpace(body.BaseURL)); err != nil {
		status := http.StatusInternalServerError
		var be *registry.BuildError
		switch {
		case registry.IsNotRegistered(err):
			status = http.StatusNotFound
		case errors.As(err, &be):
			status = http.StatusUnprocessableEntity
		}
		s.respondError(w, status, err)
		return
	}

	for _, st := range s.opts.Services.Statuses() {
		if st.Key == key {
			s.respondJSON(w, http.StatusOK, st)
			return
		}
	}
	s.respondJSON(w, http.StatusOK, registry.Status{Key: key, Built: true})
}

func (s *Service) handleExport(w http.ResponseWriter, r *http.Request) {
	if !s.cfg.Export.Enable {
		http.Error(w, "Export disabled", http.StatusForbidden)
		return
	}
	if !s.requireStore(w) {
		return
	}
	query := r.URL.Query()
	module := query.Get("module")
	if module == "" {
		s.respondError(w, http.StatusBadRequest, errors.New("module is required"))
		return
	}
	format := strings.ToLower(query.Get("format"))
	if format == "" {
		format = "json"
	}
	if !containsFormat(s.formats, format) {
		http.Error(w, fmt.Sprintf("Unsupported export format: %s", format), http.StatusBadRequest)
		return
	}
	contentType, ext, err := storage.DescribeFormat(format)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	q, err := s.parseQuery(r)
	if err != nil {
		s.respondError(w, http.StatusBadRequest, err)
		return
	}
	q.Limit, q.Offset = 0, 0

	filename := fmt.Sprintf("tapkit_%s_%d.%s", module, time.Now().Unix(), ext)
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%s", filename))
	w.WriteHeader(http.StatusOK)
	if _, _, err := storage.StreamExport(w, storage.Records(s.opts.Store, module, q), format); err != nil {
		s.logger.Error("Export failed", "module", module, "error", err)
	}
}

func (s *Service) handleMe(w http.ResponseWriter, r *http.Request) {
	session := sessionFromContext(r.Context())
	s.respondJSON(w, http.StatusOK, map[string]interface{}{
		"name": session.Name,
		"role": session.Role,
		"auth": s.auth.Enabled(),
	})
}

func (s *Service) handleWebsocket(w http.ResponseWriter, r *http.Request) {
	if err := s.hub.Upgrade(w, r, r.URL.Query().Get("module")); err != nil {
		s.logger.Error("Failed to upgrade websocket", "error", err)
	}
}

// parseQuery reads bucket, url, method, search, limit and offset.
func (s *Service) parseQuery(r *http.Request) (storage.Query, error) {
	query := r.URL.Query()
	q := storage.Query{
		Method: query.Get("method"),
		Search: query.Get("search"),
		Offset: parseIntDefault(query.Get("offset"), 0),
		Limit:  parseIntDefault(query.Get("limit"), s.cfg.PageSize),
	}
	if q.Limit <= 0 || q.Limit > maxListLimit {
		q.Limit = maxListLimit
	}
	if raw := query.Get("bucket"); raw != "" {
		b, err := capture.ParseBucket(raw)
		if err != nil {
			return q, err
		}
		q.Bucket = &b
	}
	if raw := query.Get("url"); raw != "" {
		q.URLGroup = capture.GroupKey(raw)
	}
	return q, nil
}

func (s *Service) requireStore(w http.ResponseWriter) bool {
	if s.opts.Store == nil {
		s.respondError(w, http.StatusServiceUnavailable, errors.New("capture storage disabled"))
		return false
	}
	return true
}

func (s *Service) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		session, err := s.auth.Validate(extractToken(r))
		if err != nil {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		ctx := context.WithValue(r.Context(), contextSessionKey, session)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Service) requireAdmin(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !hasRole(sessionFromContext(r.Context()), roleAdmin) {
			http.Error(w, "Forbidden: admin role required", http.StatusForbidden)
			return
		}
		next(w, r)
	}
}

// extractToken reads a bearer token, or the token query parameter that
// browser websocket clients have to use.
func extractToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(strings.ToLower(header), "bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return r.URL.Query().Get("token")
}

func sessionFromContext(ctx context.Context) *Session {
	if session, ok := ctx.Value(contextSessionKey).(*Session); ok {
		return session
	}
	return &Session{Name: "anonymous", Role: roleViewer}
}

func (s *Service) respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("Failed to encode JSON response", "error", err)
	}
}

func (s *Service) respondError(w http.ResponseWriter, status int, err error) {
	s.respondJSON(w, status, map[string]string{"error": err.Error()})
}

func parseIntDefault(value string, def int) int {
	if value == "" {
		return def
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		return parsed
	}
	return def
}

func normalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	if len(p) > 1 && strings.HasSuffix(p, "/") {
		p = strings.TrimRight(p, "/")
	}
	return p
}

func containsFormat(formats []string, target string) bool {
	for _, f := range formats {
		if f == target {
			return true
		}
	}
	return false
}

func hasRole(session *Session, role string) bool {
	if session == nil {
		return false
	}
	return strings.EqualFold(session.Role, role)
}
