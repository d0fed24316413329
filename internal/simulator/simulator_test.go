package simulator

import (
	"context"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authrisk/internal/api"
	"authrisk/internal/assessments"
	"authrisk/internal/config"
	"authrisk/internal/engine"
	"authrisk/internal/ingest"
	"authrisk/internal/logging"
	"authrisk/internal/metrics"
	"authrisk/internal/model"
)

var start = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Follow(in model.AttemptInput) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = in.Timestamp
}

func newEngine(t *testing.T) (*engine.Engine, *clock) {
	t.Helper()
	e, err := engine.NewEngine(config.DefaultConfig(), logging.Discard(), metrics.NewStore(100), assessments.NewStore(500), nil)
	require.NoError(t, err)
	c := &clock{now: start}
	e.SetClock(c.Now)
	return e, c
}

func runInProcess(t *testing.T, s Scenario) Report {
	t.Helper()
	e, c := newEngine(t)
	attempts, err := Generate(s, Options{Start: start, Seed: 7})
	require.NoError(t, err)
	r := &Runner{Sink: e, Before: c.Follow}
	rep, err := r.Run(context.Background(), s, attempts)
	require.NoError(t, err)
	require.Zero(t, rep.Failed)
	require.Equal(t, len(attempts), rep.Sent)
	return rep
}

func TestNormalScenarioStaysLow(t *testing.T) {
	rep := runInProcess(t, Normal)
	require.Len(t, rep.Users, 10)
	for _, u := range rep.Users {
		assert.Equal(t, 5, u.Attempts)
		assert.Zero(t, u.MaxScore, u.Username)
		assert.Equal(t, model.LevelLow, u.LastLevel)
	}
}

func TestBotScenarioIsCritical(t *testing.T) {
	rep := runInProcess(t, Bot)
	require.Len(t, rep.Users, 3)
	for _, u := range rep.Users {
		assert.Equal(t, 10, u.Attempts)
		assert.Equal(t, 85.0, u.LastScore, u.Username)
		assert.Equal(t, model.LevelCritical, u.LastLevel)
	}
}

func TestSwitcherScenario(t *testing.T) {
	rep := runInProcess(t, Switcher)
	require.Len(t, rep.Users, 3)
	for _, u := range rep.Users {
		assert.Equal(t, 55.0, u.LastScore, u.Username)
		assert.Equal(t, model.LevelMedium, u.LastLevel)
	}
}

func TestAbandonmentScenario(t *testing.T) {
	rep := runInProcess(t, Abandonment)
	require.Len(t, rep.Users, 4)
	for _, u := range rep.Users {
		assert.Equal(t, 25.0, u.LastScore, u.Username)
	}
}

func TestMixedScenarioCoversEveryGroup(t *testing.T) {
	rep := runInProcess(t, Mixed)
	assert.Len(t, rep.Users, SeedUserCount)
	bot, ok := rep.User("user11")
	require.True(t, ok)
	// the model is trained by the time the bot phase starts, so only the
	// rule share of the blend is guaranteed
	assert.Greater(t, bot.MaxScore, 59.0)
	normal, ok := rep.User("user1")
	require.True(t, ok)
	assert.Less(t, normal.MaxScore, 30.0)
}

func TestGenerateIsDeterministicAndOrdered(t *testing.T) {
	a, err := Generate(Mixed, Options{Start: start, Seed: 3})
	require.NoError(t, err)
	b, err := Generate(Mixed, Options{Start: start, Seed: 3})
	require.NoError(t, err)
	assert.Equal(t, a, b)
	for i := 1; i < len(a); i++ {
		assert.False(t, a[i].Timestamp.Before(a[i-1].Timestamp))
	}
	for _, in := range a {
		require.NoError(t, in.Validate())
	}

	_, err = Generate("storm", Options{})
	require.ErrorIs(t, err, ErrUnknownScenario)
}

func TestParseScenario(t *testing.T) {
	s, err := ParseScenario(" BOT ")
	require.NoError(t, err)
	assert.Equal(t, Bot, s)
	_, err = ParseScenario("everything")
	require.ErrorIs(t, err, ErrUnknownScenario)
}

func TestRebaseKeepsGaps(t *testing.T) {
	attempts, err := Generate(Switcher, Options{Start: start, Seed: 1})
	require.NoError(t, err)
	end := time.Date(2026, 6, 1, 12, 0, 0, 0, time.UTC)
	moved := Rebase(attempts, end)
	assert.Equal(t, end, moved[len(moved)-1].Timestamp)
	assert.Equal(t, Span(attempts), Span(moved))
	assert.Equal(t, start, attempts[0].Timestamp)
}

func TestHTTPSinkAgainstRESTIngest(t *testing.T) {
	e, c := newEngine(t)
	cfg := config.NewStaticManager(config.DefaultConfig())
	ingestSrv := httptest.NewServer(ingest.NewRESTServer(cfg, e, logging.Discard()).Routes(0))
	defer ingestSrv.Close()
	apiSrv := httptest.NewServer(api.NewServer(cfg, metrics.NewStore(100), assessments.NewStore(100), e, logging.Discard(), "test").Routes())
	defer apiSrv.Close()

	sink := NewHTTPSink(ingestSrv.URL+"/", apiSrv.URL)
	ctx := context.Background()
	require.NoError(t, SeedUsers(ctx, sink, SeedUserCount))
	users, err := e.Users(ctx)
	require.NoError(t, err)
	assert.Len(t, users, SeedUserCount)

	attempts, err := Generate(Bot, Options{Start: start, Seed: 5})
	require.NoError(t, err)
	rep, err := (&Runner{Sink: sink, Before: c.Follow}).Run(ctx, Bot, attempts)
	require.NoError(t, err)
	assert.Zero(t, rep.Failed)
	u, ok := rep.User("user11")
	require.True(t, ok)
	assert.Equal(t, 85.0, u.LastScore)

	_, err = sink.LogAttempt(ctx, model.AttemptInput{Username: "user1", Step: 9, DeviceID: "d"})
	require.ErrorIs(t, err, model.ErrInvalidInput)
}
