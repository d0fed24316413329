package assessments

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authrisk/internal/model"
)

func TestSummarize(t *testing.T) {
	now := t0.Add(time.Hour)
	at := func(ago time.Duration) time.Time { return now.Add(-ago) }
	list := []model.RiskAssessment{
		{Username: "old", Timestamp: at(2 * time.Hour), FinalScore: 99, Step: 1},
		{Username: "bot", Timestamp: at(2 * time.Minute), FinalScore: 85, DeviceID: "d1", Step: 1},
		{Username: "bot", Timestamp: at(90 * time.Second), FinalScore: 85, DeviceID: "d1", Step: 1},
		{Username: "bot", Timestamp: at(time.Minute), FinalScore: 85, DeviceID: "d1", Step: 1},
		{Username: "bot", Timestamp: at(30 * time.Second), FinalScore: 85, DeviceID: "d1", Step: 1},
		{Username: "sw", Timestamp: at(10 * time.Minute), FinalScore: 20, DeviceID: "a", Step: 3, Success: true},
		{Username: "sw", Timestamp: at(8 * time.Minute), FinalScore: 40, DeviceID: "b", Step: 3, Success: true},
	}
	sum := Summarize(list, now, time.Hour)

	assert.Equal(t, 6, sum.TotalAttempts)
	assert.Equal(t, 4, sum.HighRiskAttempts)
	assert.Equal(t, 2, sum.ActiveUsers)
	assert.Equal(t, 66.67, sum.AvgRiskScore)

	require.Len(t, sum.RiskyUsers, 2)
	assert.Equal(t, "bot", sum.RiskyUsers[0].Username)
	assert.Equal(t, 30.0, sum.RiskyUsers[1].AvgRisk)

	assert.Equal(t, []model.UserCount{{Username: "sw", Count: 2}}, sum.DeviceSwitchers)
	assert.Equal(t, []model.UserCount{{Username: "bot", Count: 4}}, sum.HighVelocity)
	assert.Equal(t, []model.UserCount{{Username: "bot", Count: 4}}, sum.AbandonmentPatterns)
}

func TestSummarizeEmpty(t *testing.T) {
	sum := Summarize(nil, t0, 0)
	assert.Zero(t, sum.TotalAttempts)
	assert.Equal(t, t0.Add(-time.Hour), sum.Since)
	assert.NotNil(t, sum.RiskyUsers)
	assert.Empty(t, sum.HighVelocity)
}
