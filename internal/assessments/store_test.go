package assessments

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authrisk/internal/model"
)

var t0 = time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

func assessment(i int, user string) model.RiskAssessment {
	return model.RiskAssessment{
		ID:         fmt.Sprintf("as-%d", i),
		Username:   user,
		Timestamp:  t0.Add(time.Duration(i) * time.Minute),
		FinalScore: float64(i),
	}
}

func TestRingEvictsOldest(t *testing.T) {
	s := NewStore(3)
	for i := 0; i < 5; i++ {
		s.Add(assessment(i, "u"))
	}
	require.Equal(t, 3, s.Len())
	got := s.Recent(0, time.Time{})
	require.Len(t, got, 3)
	assert.Equal(t, "as-4", got[0].ID)
	assert.Equal(t, "as-2", got[2].ID)
}

func TestRecentLimitAndSince(t *testing.T) {
	s := NewStore(10)
	for i := 0; i < 6; i++ {
		s.Add(assessment(i, "u"))
	}
	got := s.Recent(2, time.Time{})
	require.Len(t, got, 2)
	assert.Equal(t, "as-5", got[0].ID)

	got = s.Recent(10, t0.Add(3*time.Minute))
	require.Len(t, got, 3)
	assert.Equal(t, "as-3", got[2].ID)

	assert.Len(t, s.Since(t0.Add(4*time.Minute)), 2)
}

func TestForUser(t *testing.T) {
	s := NewStore(10)
	s.Add(assessment(0, "a"))
	s.Add(assessment(1, "b"))
	s.Add(assessment(2, "a"))
	got := s.ForUser("a", 0)
	require.Len(t, got, 2)
	assert.Equal(t, "as-2", got[0].ID)
	assert.Len(t, s.ForUser("a", 1), 1)

	s.Clear()
	assert.Zero(t, s.Len())
}
