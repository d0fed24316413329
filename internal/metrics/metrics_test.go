package metrics

import (
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authrisk/internal/model"
)

func TestStoreUpdateAndEvict(t *testing.T) {
	s := NewStore(2)
	clock := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)
	s.now = func() time.Time {
		clock = clock.Add(time.Second)
		return clock
	}
	for i, user := range []string{"a", "b", "a", "c"} {
		s.Update(model.RiskAssessment{
			Username:   user,
			FinalScore: float64(10 * (i + 1)),
			Level:      model.LevelLow,
			Breakdown:  []model.Factor{{Name: "flow_abandonment", Score: 25}},
		}, 2, 1)
	}
	require.Equal(t, 2, s.Len())
	_, ok := s.Get("b")
	assert.False(t, ok, "b was least recently updated")

	a, ok := s.Get("a")
	require.True(t, ok)
	assert.Equal(t, 2, a.Attempts)
	assert.Equal(t, 30.0, a.LastScore)
	assert.True(t, a.AbandonedFlow)
	assert.Equal(t, 2, a.DistinctDevices)

	all := s.GetAll()
	require.Len(t, all, 2)
	assert.Equal(t, "c", all[0].Username)

	s.Clear()
	assert.Zero(t, s.Len())
}

func TestStatusBucket(t *testing.T) {
	assert.Equal(t, "2xx", statusBucket(204))
	assert.Equal(t, "5xx", statusBucket(503))
	assert.Equal(t, "42", statusBucket(42))
}

func TestMiddlewareUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware)
	r.Get("/entities/{username}", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/entities/{username}", "4xx"))
	for i := 0; i < 3; i++ {
		rec := httptest.NewRecorder()
		r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, fmt.Sprintf("/entities/u%d", i), nil))
		assert.Equal(t, http.StatusTeapot, rec.Code)
	}
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/entities/{username}", "4xx"))
	assert.Equal(t, 3.0, after-before)
}

func TestObserveRetrain(t *testing.T) {
	failedBefore := testutil.ToFloat64(ModelRetrainsTotal.WithLabelValues("failed"))
	ObserveRetrain(7, time.Millisecond, nil)
	assert.Equal(t, 7.0, testutil.ToFloat64(ModelGeneration))
	ObserveRetrain(8, time.Millisecond, errors.New("no data"))
	assert.Equal(t, 7.0, testutil.ToFloat64(ModelGeneration))
	assert.Equal(t, failedBefore+1, testutil.ToFloat64(ModelRetrainsTotal.WithLabelValues("failed")))
}
