package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// AttemptsTotal counts scored attempts by risk level.
	AttemptsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "authrisk",
			Name:      "attempts_total",
			Help:      "Scored login attempts by risk level.",
		},
		[]string{"level"},
	)

	// RejectedTotal counts attempts that were not scored, by reason.
	RejectedTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "authrisk",
			Name:      "attempts_rejected_total",
			Help:      "Attempts rejected before scoring.",
		},
		[]string{"reason"},
	)

	FinalScore = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "authrisk",
		Name:      "final_score",
		Help:      "Distribution of blended risk scores.",
		Buckets:   []float64{10, 20, 30, 40, 50, 60, 70, 80, 90, 100},
	})

	// DetectorFiredTotal counts non-zero detector contributions.
	DetectorFiredTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "authrisk",
			Name:      "detector_fired_total",
			Help:      "Attempts where a detector contributed a non-zero sub-score.",
		},
		[]string{"detector"},
	)

	ScoringDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "authrisk",
		Name:      "scoring_duration_seconds",
		Help:      "Time spent scoring one attempt.",
		Buckets:   []float64{.0005, .001, .0025, .005, .01, .025, .05, .1, .25, 1},
	})

	ModelGeneration = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "authrisk", Name: "model_generation",
		Help: "Generation of the active anomaly model; 0 while untrained.",
	})
	ModelRetrainsTotal = prometheus.NewCounterVec(prometheus.CounterOpts{
		Namespace: "authrisk", Name: "model_retrains_total",
		Help: "Model training runs by outcome.",
	}, []string{"outcome"})
	ModelRetrainDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
		Namespace: "authrisk", Name: "model_retrain_duration_seconds",
		Help:    "Time spent training the anomaly model.",
		Buckets: prometheus.DefBuckets,
	})

	TrackedEntities = prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace: "authrisk", Name: "tracked_entities",
		Help: "Usernames with in-memory history.",
	})

	PublishFailuresTotal = prometheus.NewCounter(prometheus.CounterOpts{
		Namespace: "authrisk",
		Name:      "publish_failures_total",
		Help:      "Assessments that could not be published downstream.",
	})

	HTTPRequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "authrisk",
			Name:      "http_requests_total",
			Help:      "HTTP requests by method, route pattern and status class.",
		},
		[]string{"method", "path", "status"},
	)
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "authrisk",
			Name:      "http_request_duration_seconds",
			Help:      "HTTP request duration in seconds.",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "path"},
	)
)

func init() {
	prometheus.MustRegister(
		AttemptsTotal,
		RejectedTotal,
		FinalScore,
		DetectorFiredTotal,
		ScoringDuration,
		ModelGeneration,
		ModelRetrainsTotal,
		ModelRetrainDuration,
		TrackedEntities,
		PublishFailuresTotal,
		HTTPRequestsTotal,
		HTTPRequestDuration,
	)
}

// ObserveRetrain records one training run.
func ObserveRetrain(generation uint64, took time.Duration, err error) {
	ModelRetrainDuration.Observe(took.Seconds())
	if err != nil {
		ModelRetrainsTotal.WithLabelValues("failed").Inc()
		return
	}
	ModelRetrainsTotal.WithLabelValues("ok").Inc()
	ModelGeneration.Set(float64(generation))
}

// Handler serves the default Prometheus registry.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Middleware records request count and latency labelled by the chi route
// pattern rather than the raw path.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)

		path := "unmatched"
		if rctx := chi.RouteContext(r.Context()); rctx != nil {
			if p := rctx.RoutePattern(); p != "" {
				path = p
			}
		}
		HTTPRequestDuration.WithLabelValues(r.Method, path).Observe(time.Since(start).Seconds())
		HTTPRequestsTotal.WithLabelValues(r.Method, path, statusBucket(rec.status)).Inc()
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (s *statusRecorder) WriteHeader(code int) {
	s.status = code
	s.ResponseWriter.WriteHeader(code)
}

func statusBucket(code int) string {
	if code < 100 || code > 599 {
		return strconv.Itoa(code)
	}
	return strconv.Itoa(code/100) + "xx"
}
