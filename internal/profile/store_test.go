package profile

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authrisk/internal/model"
)

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func rec(id, user string, at time.Duration, step int, success bool) model.AttemptRecord {
	return model.AttemptRecord{
		ID:              id,
		Username:        user,
		Step:            step,
		DeviceID:        "dev-1",
		NetworkOperator: "op-1",
		LatencyMs:       150,
		Fingerprint:     "fp-1",
		Timestamp:       base.Add(at),
		Success:         success,
	}
}

type fakeLoader struct {
	recs  []model.AttemptRecord
	err   error
	calls int
}

func (f *fakeLoader) AttemptsSince(_ context.Context, username string, since time.Time) ([]model.AttemptRecord, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	var out []model.AttemptRecord
	for _, r := range f.recs {
		if r.Username == username && !r.Timestamp.Before(since) {
			out = append(out, r)
		}
	}
	return out, nil
}

func TestRecordAndFetchReturnsPreAppendSnapshot(t *testing.T) {
	s := NewStore(Options{}, nil)
	ctx := context.Background()

	p, err := s.RecordAndFetch(ctx, rec("a1", "alice", 0, 1, false))
	require.NoError(t, err)
	assert.True(t, p.IsNew())

	p, err = s.RecordAndFetch(ctx, rec("a2", "alice", time.Second, 2, false))
	require.NoError(t, err)
	require.Equal(t, 1, p.Len())
	assert.Equal(t, "a1", p.Attempts[0].ID)

	p, err = s.GetOrCreateProfile(ctx, "alice", base.Add(2*time.Second))
	require.NoError(t, err)
	assert.Equal(t, 2, p.Len())
}

func TestGetOrCreateProfileFirstSeen(t *testing.T) {
	s := NewStore(Options{}, nil)
	p, err := s.GetOrCreateProfile(context.Background(), "nobody", base)
	require.NoError(t, err)
	assert.True(t, p.IsNew())
	assert.Equal(t, 0, p.DistinctDevices(time.Hour, ""))
	mean, sd, n := p.LatencyStats()
	assert.Zero(t, mean)
	assert.Zero(t, sd)
	assert.Zero(t, n)
	assert.False(t, p.FlowState(time.Minute).Open())
}

func TestBeginRejectsBlankUsername(t *testing.T) {
	s := NewStore(Options{}, nil)
	_, err := s.Begin(context.Background(), "  ", base)
	require.ErrorIs(t, err, model.ErrInvalidInput)
}

func TestHistoryBoundedByWindow(t *testing.T) {
	s := NewStore(Options{HistoryWindow: time.Hour, MaxAttempts: 100}, nil)
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := s.RecordAndFetch(ctx, rec(fmt.Sprintf("r%d", i), "bob", time.Duration(i)*30*time.Minute, 1, true))
		require.NoError(t, err)
	}
	// at 2h only attempts at 1h, 1h30 and 2h are inside the window
	p, err := s.GetOrCreateProfile(ctx, "bob", base.Add(2*time.Hour))
	require.NoError(t, err)
	require.Equal(t, 3, p.Len())
	assert.Equal(t, "r2", p.Attempts[0].ID)
}

func TestHistoryBoundedByCount(t *testing.T) {
	s := NewStore(Options{HistoryWindow: 24 * time.Hour, MaxAttempts: 3}, nil)
	ctx := context.Background()
	for i := 0; i < 6; i++ {
		_, err := s.RecordAndFetch(ctx, rec(fmt.Sprintf("r%d", i), "bob", time.Duration(i)*time.Second, 1, true))
		require.NoError(t, err)
	}
	p, err := s.GetOrCreateProfile(ctx, "bob", base.Add(10*time.Second))
	require.NoError(t, err)
	require.Equal(t, 3, p.Len())
	assert.Equal(t, []string{"r3", "r4", "r5"}, []string{p.Attempts[0].ID, p.Attempts[1].ID, p.Attempts[2].ID})
}

func TestHistoryStaysOrdered(t *testing.T) {
	h := NewHistory(time.Hour, 10)
	h.Add(rec("a", "u", 10*time.Second, 1, false))
	h.Add(rec("b", "u", 5*time.Second, 1, false))
	snap := h.Snapshot()
	require.Len(t, snap, 2)
	assert.False(t, snap[1].Timestamp.Before(snap[0].Timestamp))
	assert.True(t, h.Has("b"))
	assert.Equal(t, 1, h.DistinctDevices())
}

func TestLoaderRebuildsHistoryOnce(t *testing.T) {
	loader := &fakeLoader{recs: []model.AttemptRecord{
		rec("old", "carol", -48*time.Hour, 1, true),
		rec("s1", "carol", -time.Hour, 1, true),
		rec("s2", "carol", -30*time.Minute, 2, true),
	}}
	s := NewStore(Options{HistoryWindow: 24 * time.Hour}, loader)
	ctx := context.Background()

	p, err := s.GetOrCreateProfile(ctx, "carol", base)
	require.NoError(t, err)
	assert.Equal(t, 2, p.Len())
	assert.True(t, p.Has("s1"))
	assert.False(t, p.Has("old"))

	_, err = s.GetOrCreateProfile(ctx, "carol", base)
	require.NoError(t, err)
	assert.Equal(t, 1, loader.calls)
}

func TestLoaderFailureIsStorageUnavailable(t *testing.T) {
	loader := &fakeLoader{err: errors.New("connection refused")}
	s := NewStore(Options{}, loader)
	_, err := s.RecordAndFetch(context.Background(), rec("x", "dave", 0, 1, true))
	require.ErrorIs(t, err, model.ErrStorageUnavailable)

	// the lock was released and the next attempt retries the load
	loader.err = nil
	_, err = s.RecordAndFetch(context.Background(), rec("x", "dave", 0, 1, true))
	require.NoError(t, err)
	assert.Equal(t, 2, loader.calls)
}

func TestConcurrentAppendsSameEntity(t *testing.T) {
	s := NewStore(Options{MaxAttempts: 1000}, nil)
	ctx := context.Background()
	const n = 200
	var wg sync.WaitGroup
	sizes := make(chan int, n)
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			p, err := s.RecordAndFetch(ctx, rec(fmt.Sprintf("c%d", i), "eve", time.Duration(i)*time.Millisecond, 1, true))
			if err == nil {
				sizes <- p.Len()
			}
		}(i)
	}
	wg.Wait()
	close(sizes)

	// every pre-append snapshot size is seen exactly once
	seen := make(map[int]bool)
	for sz := range sizes {
		assert.False(t, seen[sz], "snapshot size %d observed twice", sz)
		seen[sz] = true
	}
	assert.Len(t, seen, n)

	p, err := s.GetOrCreateProfile(ctx, "eve", base.Add(time.Second))
	require.NoError(t, err)
	assert.Equal(t, n, p.Len())
}

func TestSessionReleaseWithoutCommit(t *testing.T) {
	s := NewStore(Options{}, nil)
	ctx := context.Background()
	sess, err := s.Begin(ctx, "frank", base)
	require.NoError(t, err)
	sess.Release()
	sess.Release()

	p, err := s.GetOrCreateProfile(ctx, "frank", base)
	require.NoError(t, err)
	assert.True(t, p.IsNew())
}

func TestSweepDropsIdleEntities(t *testing.T) {
	s := NewStore(Options{IdleTTL: time.Hour}, nil)
	ctx := context.Background()
	_, err := s.RecordAndFetch(ctx, rec("a", "idle", 0, 1, true))
	require.NoError(t, err)
	_, err = s.RecordAndFetch(ctx, rec("b", "busy", 90*time.Minute, 1, true))
	require.NoError(t, err)

	removed := s.Sweep(base.Add(2 * time.Hour))
	assert.Equal(t, 1, removed)
	assert.Equal(t, []string{"busy"}, s.Usernames())
}

func TestSweepSkipsLockedEntity(t *testing.T) {
	s := NewStore(Options{IdleTTL: time.Minute}, nil)
	sess, err := s.Begin(context.Background(), "held", base)
	require.NoError(t, err)
	assert.Equal(t, 0, s.Sweep(base.Add(time.Hour)))
	sess.Commit(rec("h", "held", 0, 1, true))
	assert.Equal(t, 1, s.Sweep(base.Add(time.Hour)))
	assert.Equal(t, 0, s.Len())
}

func TestSweepKeepsFreshlyCreatedEntity(t *testing.T) {
	s := NewStore(Options{IdleTTL: time.Hour}, nil)
	_, err := s.GetOrCreateProfile(context.Background(), "registered", base)
	require.NoError(t, err)

	assert.Zero(t, s.Sweep(base.Add(30*time.Minute)))
	assert.Equal(t, []string{"registered"}, s.Usernames())
	assert.Equal(t, 1, s.Sweep(base.Add(2*time.Hour)))
}
