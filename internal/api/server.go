package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"authrisk/internal/anomaly"
	"authrisk/internal/assessments"
	"authrisk/internal/config"
	"authrisk/internal/detect"
	"authrisk/internal/engine"
	"authrisk/internal/metrics"
	"authrisk/internal/model"
	"authrisk/internal/storage"
)

type EngineControl interface {
	Reset()
	UpdateConfig(cfg *config.Config) error
	ClearHistory(ctx context.Context) error
	RecentAssessments(ctx context.Context, limit int, since time.Time) ([]model.RiskAssessment, error)
	Summary(ctx context.Context, window time.Duration) (model.Summary, error)
	Users(ctx context.Context) ([]storage.User, error)
	RegisterUser(ctx context.Context, username string) error
	RetrainModel() error
	Stats() engine.Stats
}

type Server struct {
	cfg         *config.Manager
	entities    *metrics.Store
	assessments *assessments.Store
	engine      EngineControl
	logger      *slog.Logger
	version     string
}

type statusResponse struct {
	Status     string             `json:"status"`
	Time       string             `json:"time"`
	Version    string             `json:"version"`
	ConfigPath string             `json:"config_path"`
	Ingest     ingestStatus       `json:"ingest"`
	API        apiStatus          `json:"api"`
	Storage    storageStatus      `json:"storage"`
	Engine     engine.Stats       `json:"engine"`
	Blend      config.BlendConfig `json:"blend"`
}

type ingestStatus struct {
	REST      bool `json:"rest"`
	FileTail  bool `json:"file_tail"`
	TCPStream bool `json:"tcp_stream"`
	Kafka     bool `json:"kafka"`
}

type apiStatus struct {
	Enabled bool   `json:"enabled"`
	Addr    string `json:"addr"`
}

type storageStatus struct {
	Enabled bool   `json:"enabled"`
	Driver  string `json:"driver"`
}

func NewServer(cfg *config.Manager, entities *metrics.Store, recent *assessments.Store, eng EngineControl, logger *slog.Logger, version string) *Server {
	return &Server{
		cfg:         cfg,
		entities:    entities,
		assessments: recent,
		engine:      eng,
		logger:      logger,
		version:     version,
	}
}

func Start(ctx context.Context, cfg *config.Manager, entities *metrics.Store, recent *assessments.Store, eng EngineControl, logger *slog.Logger, version string) *http.Server {
	if cfg == nil {
		return nil
	}
	current := cfg.Get().API
	if !current.Enabled {
		if logger != nil {
			logger.Info("api disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("api enabled", "addr", current.Addr)
	}
	server := NewServer(cfg, entities, recent, eng, logger, version)
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           server.Routes(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		<-ctx.Done()
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(ctxShutdown)
	}()
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			if logger != nil {
				logger.Error("api server error", "err", err)
			}
		}
	}()
	return httpServer
}

func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)

	r.Get("/status", s.handleStatus)
	r.Get("/assessments", s.handleAssessments)
	r.Get("/summary", s.handleSummary)
	r.Get("/entities", s.handleEntities)
	r.Get("/entities/{username}", s.handleEntity)
	r.Get("/users", s.handleUsers)
	r.Post("/users", s.handleRegisterUser)
	r.Get("/model", s.handleModel)
	r.Post("/model/retrain", s.handleRetrain)
	r.Get("/config/device_blocklist", s.handleGetBlocklist)
	r.Post("/config/device_blocklist", s.handleSetBlocklist)
	r.Post("/admin/clear", s.handleClear)
	r.Post("/admin/restart", s.handleRestart)
	r.Handle("/metrics/prometheus", metrics.Handler())
	return r
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cfg.Get()
	resp := statusResponse{
		Status:     "ok",
		Time:       time.Now().UTC().Format(time.RFC3339Nano),
		Version:    s.version,
		ConfigPath: s.cfg.Path(),
		Ingest: ingestStatus{
			REST:      cfg.Ingest.REST.Enabled,
			FileTail:  cfg.Ingest.FileTail.Enabled,
			TCPStream: cfg.Ingest.TCPStream.Enabled,
			Kafka:     cfg.Ingest.Kafka.Enabled,
		},
		API:     apiStatus{Enabled: cfg.API.Enabled, Addr: cfg.API.Addr},
		Storage: storageStatus{Enabled: cfg.Storage.Enabled, Driver: cfg.Storage.Driver},
		Blend:   cfg.Blend,
	}
	if s.engine != nil {
		resp.Engine = s.engine.Stats()
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleAssessments(w http.ResponseWriter, r *http.Request) {
	limit := 100
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	var since time.Time
	if v := r.URL.Query().Get("since"); v != "" {
		ts, err := time.Parse(time.RFC3339, v)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid since")
			return
		}
		since = ts
	}
	list, err := s.engine.RecentAssessments(r.Context(), limit, since)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"assessments": list,
		"count":       len(list),
	})
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	window := time.Hour
	if v := r.URL.Query().Get("window"); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "invalid window")
			return
		}
		window = d
	}
	sum, err := s.engine.Summary(r.Context(), window)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) handleEntities(w http.ResponseWriter, _ *http.Request) {
	all := s.entities.GetAll()
	writeJSON(w, http.StatusOK, map[string]any{
		"entities": all,
		"count":    len(all),
	})
}

func (s *Server) handleEntity(w http.ResponseWriter, r *http.Request) {
	username := chi.URLParam(r, "username")
	sum, ok := s.entities.Get(username)
	if !ok {
		writeError(w, http.StatusNotFound, "unknown entity")
		return
	}
	resp := map[string]any{"entity": sum}
	if s.assessments != nil {
		resp["recent"] = s.assessments.ForUser(username, 20)
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	users, err := s.engine.Users(r.Context())
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"users": users,
		"count": len(users),
	})
}

func (s *Server) handleRegisterUser(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Username string `json:"username"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if err := s.engine.RegisterUser(r.Context(), req.Username); err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{"status": "ok", "username": strings.TrimSpace(req.Username)})
}

func (s *Server) handleModel(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Stats().Model)
}

func (s *Server) handleRetrain(w http.ResponseWriter, _ *http.Request) {
	if err := s.engine.RetrainModel(); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, anomaly.ErrInsufficientData) {
			status = http.StatusConflict
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.engine.Stats().Model)
}

func (s *Server) handleGetBlocklist(w http.ResponseWriter, _ *http.Request) {
	cfg := s.cfg.Get()
	writeJSON(w, http.StatusOK, map[string]any{
		"blocklist": sanitizeDeviceList(cfg.Detection.Spoofing.Blocklist),
		"patterns":  cfg.Detection.Spoofing.Patterns,
	})
}

// handleSetBlocklist replaces the exact-match device blocklist and,
// when given, the pattern list. The new config is persisted and applied
// to the engine before the response.
func (s *Server) handleSetBlocklist(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Blocklist []string  `json:"blocklist"`
		Patterns  *[]string `json:"patterns"`
	}
	if err := decodeBody(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	current := s.cfg.Get()
	next := *current
	next.Detection.Spoofing.Blocklist = sanitizeDeviceList(req.Blocklist)
	if req.Patterns != nil {
		next.Detection.Spoofing.Patterns = append([]string(nil), (*req.Patterns)...)
	}
	if err := config.Validate(&next); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := s.cfg.Update(&next); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if s.engine != nil {
		if err := s.engine.UpdateConfig(&next); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "blocklist": next.Detection.Spoofing.Blocklist})
}

func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	var req struct {
		Target string `json:"target"`
	}
	_ = json.Unmarshal(body, &req)
	target := strings.ToLower(strings.TrimSpace(req.Target))
	if target == "" {
		target = "all"
	}
	switch target {
	case "all":
		if err := s.engine.ClearHistory(r.Context()); err != nil {
			s.fail(w, err)
			return
		}
		s.entities.Clear()
		if s.assessments != nil {
			s.assessments.Clear()
		}
	case "assessments":
		if s.assessments != nil {
			s.assessments.Clear()
		}
	case "entities":
		s.entities.Clear()
	default:
		writeError(w, http.StatusBadRequest, "unknown target")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok", "target": target})
}

// handleRestart drops in-memory state only; durable history stays and is
// reloaded lazily.
func (s *Server) handleRestart(w http.ResponseWriter, _ *http.Request) {
	if s.engine != nil {
		s.engine.Reset()
	}
	s.entities.Clear()
	if s.assessments != nil {
		s.assessments.Clear()
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, model.ErrInvalidInput):
		status = http.StatusBadRequest
	case errors.Is(err, model.ErrStorageUnavailable):
		status = http.StatusServiceUnavailable
	}
	if s.logger != nil && status >= 500 {
		s.logger.Warn("api request failed", "err", err)
	}
	writeError(w, status, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		return err
	}
	return json.Unmarshal(body, dst)
}

func sanitizeDeviceList(values []string) []string {
	seen := make(map[string]struct{}, len(values))
	out := make([]string, 0, len(values))
	for _, v := range values {
		v = detect.NormalizeDeviceID(v)
		if v == "" {
			continue
		}
		if _, ok := seen[v]; ok {
			continue
		}
		seen[v] = struct{}{}
		out = append(out, v)
	}
	return out
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}
