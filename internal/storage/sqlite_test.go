package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authrisk/internal/config"
	"authrisk/internal/model"
)

var t0 = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func newSQLite(t *testing.T) Store {
	t.Helper()
	dsn := "file:" + filepath.Join(t.TempDir(), "authrisk.db") + "?_pragma=busy_timeout(5000)"
	s, err := NewStore(config.StorageConfig{Enabled: true, Driver: "sqlite", DSN: dsn})
	require.NoError(t, err)
	require.NoError(t, s.Init(context.Background()))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func scored(i int, user, device string, at time.Duration, step int, success bool, final float64) (model.AttemptRecord, model.RiskAssessment) {
	rec := model.AttemptRecord{
		ID:              fmt.Sprintf("att-%03d", i),
		Username:        user,
		Step:            step,
		DeviceID:        device,
		NetworkOperator: "310-260",
		LatencyMs:       120.5,
		Fingerprint:     "fp",
		SourceAddress:   "10.0.0.1",
		Timestamp:       t0.Add(at),
		Success:         success,
		RiskScore:       final,
	}
	a := model.RiskAssessment{
		ID:         fmt.Sprintf("as-%03d", i),
		AttemptID:  rec.ID,
		Username:   user,
		Step:       step,
		DeviceID:   device,
		Timestamp:  rec.Timestamp,
		Success:    success,
		FinalScore: final,
		RuleScore:  final,
		Level:      model.LevelFor(final),
		Breakdown:  []model.Factor{{Name: "velocity", Score: 5, Cap: 25, Reason: "fast"}},
	}
	return rec, a
}

func TestNewStoreDisabledAndUnknown(t *testing.T) {
	s, err := NewStore(config.StorageConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, s)
	_, err = NewStore(config.StorageConfig{Enabled: true, Driver: "oracle"})
	require.Error(t, err)
}

func TestInitIsIdempotent(t *testing.T) {
	s := newSQLite(t)
	require.NoError(t, s.Init(context.Background()))
	require.NoError(t, s.Ping(context.Background()))
}

func TestSaveAndLoadAttempts(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	for i := 0; i < 4; i++ {
		rec, a := scored(i, "alice", "dev", time.Duration(i)*time.Minute, 1, false, float64(10*i))
		require.NoError(t, s.SaveAttempt(ctx, rec, a))
	}
	rec, a := scored(9, "bob", "dev", 0, 1, true, 5)
	require.NoError(t, s.SaveAttempt(ctx, rec, a))

	got, err := s.AttemptsSince(ctx, "alice", t0.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "att-001", got[0].ID)
	assert.Equal(t, t0.Add(time.Minute), got[0].Timestamp)
	assert.Equal(t, 120.5, got[0].LatencyMs)
	assert.False(t, got[0].Success)
	assert.Equal(t, 30.0, got[2].RiskScore)

	users, err := s.Users(ctx)
	require.NoError(t, err)
	require.Len(t, users, 2)
	assert.Equal(t, "alice", users[0].Username)
	assert.Equal(t, t0.Add(3*time.Minute), users[0].LastSeen)
	assert.Equal(t, t0, users[0].CreatedAt)
}

func TestDuplicateAttemptIDRejected(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	rec, a := scored(1, "alice", "dev", 0, 1, true, 0)
	require.NoError(t, s.SaveAttempt(ctx, rec, a))
	err := s.SaveAttempt(ctx, rec, a)
	require.ErrorIs(t, err, model.ErrDuplicateAttempt)
	assert.Contains(t, err.Error(), rec.ID)
}

func TestRecentAssessments(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		rec, a := scored(i, "alice", "dev", time.Duration(i)*time.Minute, 1, true, float64(i))
		if i == 2 {
			ms := 42.0
			a.ModelScore = &ms
		}
		require.NoError(t, s.SaveAttempt(ctx, rec, a))
	}
	got, err := s.RecentAssessments(ctx, 3, time.Time{})
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "as-004", got[0].ID)
	assert.Equal(t, "att-004", got[0].AttemptID)
	require.Len(t, got[0].Breakdown, 1)
	assert.Equal(t, "velocity", got[0].Breakdown[0].Name)
	assert.Nil(t, got[0].ModelScore)
	require.NotNil(t, got[2].ModelScore)
	assert.Equal(t, 42.0, *got[2].ModelScore)

	got, err = s.RecentAssessments(ctx, 10, t0.Add(3*time.Minute))
	require.NoError(t, err)
	assert.Len(t, got, 2)
}

func TestSummary(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	now := t0.Add(time.Hour)
	i := 0
	save := func(user, device string, at time.Duration, step int, success bool, final float64) {
		rec, a := scored(i, user, device, at, step, success, final)
		i++
		require.NoError(t, s.SaveAttempt(ctx, rec, a))
	}
	// bot: five attempts in the last two minutes
	for k := 0; k < 5; k++ {
		save("bot", "BOT_1", 58*time.Minute+time.Duration(k)*10*time.Second, 1, false, 85)
	}
	// switcher: three devices in the last half hour
	for k := 0; k < 3; k++ {
		save("switcher", fmt.Sprintf("D%d", k), 40*time.Minute+time.Duration(k)*time.Minute, 3, true, 55)
	}
	save("normal", "N", 10*time.Minute, 2, true, 0)
	// outside the window
	save("ancient", "A", -2*time.Hour, 1, false, 99)

	sum, err := s.Summary(ctx, now, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 9, sum.TotalAttempts)
	assert.Equal(t, 5, sum.HighRiskAttempts)
	assert.Equal(t, 3, sum.ActiveUsers)
	assert.InDelta(t, (85*5+55*3)/9.0, sum.AvgRiskScore, 0.01)

	require.NotEmpty(t, sum.RiskyUsers)
	assert.Equal(t, "bot", sum.RiskyUsers[0].Username)
	assert.Equal(t, 5, sum.RiskyUsers[0].Attempts)

	require.Len(t, sum.DeviceSwitchers, 1)
	assert.Equal(t, model.UserCount{Username: "switcher", Count: 3}, sum.DeviceSwitchers[0])
	require.Len(t, sum.HighVelocity, 1)
	assert.Equal(t, "bot", sum.HighVelocity[0].Username)
	require.Len(t, sum.AbandonmentPatterns, 1)
	assert.Equal(t, model.UserCount{Username: "bot", Count: 5}, sum.AbandonmentPatterns[0])
}

func TestClear(t *testing.T) {
	s := newSQLite(t)
	ctx := context.Background()
	rec, a := scored(1, "alice", "dev", 0, 1, true, 0)
	require.NoError(t, s.SaveAttempt(ctx, rec, a))
	require.NoError(t, s.RegisterUser(ctx, "carol", t0))
	require.NoError(t, s.Clear(ctx))
	users, err := s.Users(ctx)
	require.NoError(t, err)
	assert.Empty(t, users)
}

func TestRebind(t *testing.T) {
	b := &baseStore{dialect: postgresDialect}
	assert.Equal(t, "SELECT $1, $2", b.rebind("SELECT ?, ?"))
	b = &baseStore{dialect: sqliteDialect}
	assert.Equal(t, "SELECT ?", b.rebind("SELECT ?"))
}
