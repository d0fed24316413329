package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"

	"authrisk/internal/config"
	"authrisk/internal/metrics"
	"authrisk/internal/model"
	"authrisk/internal/normalize"
)

// Scorer is the synchronous scoring entry point behind POST /attempts.
type Scorer interface {
	LogAttempt(ctx context.Context, in model.AttemptInput) (model.RiskAssessment, error)
}

type RESTServer struct {
	cfg    *config.Manager
	scorer Scorer
	logger *slog.Logger
}

type batchResponse struct {
	Accepted    int                    `json:"accepted"`
	Failed      int                    `json:"failed"`
	Assessments []model.RiskAssessment `json:"assessments"`
	Errors      []batchError           `json:"errors,omitempty"`
}

type batchError struct {
	Index int    `json:"index"`
	Error string `json:"error"`
}

func StartREST(ctx context.Context, cfg *config.Manager, scorer Scorer, logger *slog.Logger) *http.Server {
	current := cfg.Get().Ingest.REST
	if !current.Enabled {
		if logger != nil {
			logger.Info("rest ingest disabled")
		}
		return nil
	}
	if logger != nil {
		logger.Info("rest ingest enabled", "addr", current.Addr)
	}
	server := NewRESTServer(cfg, scorer, logger)
	httpServer := &http.Server{
		Addr:              current.Addr,
		Handler:           server.Routes(current.RequestsPerMinute),
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
				logger.Error("rest ingest server error", "err", err)
			}
		}
	}()
	return httpServer
}

// Routes builds the ingest router. requestsPerMinute <= 0 disables the
// per-client limit.
func (s *RESTServer) Routes(requestsPerMinute int) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(metrics.Middleware)
	if requestsPerMinute > 0 {
		r.Use(httprate.Limit(
			requestsPerMinute,
			time.Minute,
			httprate.WithKeyByRealIP(),
			httprate.WithLimitHandler(func(w http.ResponseWriter, _ *http.Request) {
				writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			}),
		))
	}
	r.Post("/attempts", s.handleAttempts)
	r.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})
	return r
}

// NewRESTServer is used by tests and by callers mounting the router on
// their own server.
func NewRESTServer(cfg *config.Manager, scorer Scorer, logger *slog.Logger) *RESTServer {
	return &RESTServer{cfg: cfg, scorer: scorer, logger: logger}
}

// handleAttempts scores a single object and returns its assessment, or
// scores each element of an array and returns a batch report.
func (s *RESTServer) handleAttempts(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 2<<20))
	if err != nil {
		writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "body too large"})
		return
	}
	trim := bytesTrim(body)
	if len(trim) == 0 {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "empty body"})
		return
	}
	cfg := s.cfg.Get()

	if trim[0] == '[' {
		var list []map[string]interface{}
		if err := json.Unmarshal(trim, &list); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
			return
		}
		resp := batchResponse{Assessments: make([]model.RiskAssessment, 0, len(list))}
		for i, obj := range list {
			a, err := s.score(r.Context(), obj, cfg)
			if err != nil {
				resp.Failed++
				resp.Errors = append(resp.Errors, batchError{Index: i, Error: err.Error()})
				continue
			}
			resp.Accepted++
			resp.Assessments = append(resp.Assessments, a)
		}
		writeJSON(w, http.StatusOK, resp)
		return
	}

	var obj map[string]interface{}
	if err := json.Unmarshal(trim, &obj); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid json"})
		return
	}
	a, err := s.score(r.Context(), obj, cfg)
	if err != nil {
		writeJSON(w, StatusFor(err), map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, a)
}

func (s *RESTServer) score(ctx context.Context, obj map[string]interface{}, cfg *config.Config) (model.RiskAssessment, error) {
	fields := ParseJSONMap(obj)
	fields.Raw = "rest"
	in, err := normalize.Normalize(*fields, cfg)
	if err != nil {
		return model.RiskAssessment{}, err
	}
	in.Source = "rest"
	a, err := s.scorer.LogAttempt(ctx, in)
	if err != nil && s.logger != nil && !errors.Is(err, model.ErrInvalidInput) {
		s.logger.Warn("rest scoring failed", "username", in.Username, "err", err)
	}
	return a, err
}

// StatusFor maps scoring errors onto HTTP status codes.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrDuplicateAttempt):
		return http.StatusConflict
	case errors.Is(err, model.ErrInvalidInput):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func bytesTrim(b []byte) []byte {
	start := 0
	for start < len(b) && (b[start] == ' ' || b[start] == '\n' || b[start] == '\r' || b[start] == '\t') {
		start++
	}
	end := len(b)
	for end > start && (b[end-1] == ' ' || b[end-1] == '\n' || b[end-1] == '\r' || b[end-1] == '\t') {
		end--
	}
	return b[start:end]
}
