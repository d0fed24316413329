package ingest

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"authrisk/internal/config"
	"authrisk/internal/logging"
	"authrisk/internal/model"
)

func TestPipelineForwardsAndDedupes(t *testing.T) {
	out := make(chan model.AttemptInput, 4)
	p := NewPipeline(config.NewStaticManager(config.DefaultConfig()), out, logging.Discard())
	ctx := context.Background()
	line := `{"username":"u","step":1,"device_id":"d","timestamp":"2026-03-01T09:00:00Z"}`

	require.True(t, p.HandleLine(ctx, line, "tcp_stream"))
	assert.False(t, p.HandleLine(ctx, line, "tcp_stream"))
	require.Len(t, out, 1)
	in := <-out
	assert.Equal(t, "u", in.Username)
	assert.Equal(t, "tcp_stream", in.Source)

	assert.False(t, p.HandleLine(ctx, `{"username":"u","step":"nine"}`, "kafka"))
	assert.False(t, p.HandleLine(ctx, "", "kafka"))
}

func TestSendNonBlockingDropsWhenFull(t *testing.T) {
	out := make(chan model.AttemptInput, 1)
	ctx := context.Background()
	assert.True(t, SendNonBlocking(ctx, out, model.AttemptInput{Username: "a"}, nil))
	assert.False(t, SendNonBlocking(ctx, out, model.AttemptInput{Username: "b"}, nil))
}

func TestDeduperWindow(t *testing.T) {
	d := NewDeduper()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	assert.False(t, d.Duplicate("k", now, time.Second))
	assert.True(t, d.Duplicate("k", now.Add(500*time.Millisecond), time.Second))
	assert.False(t, d.Duplicate("other", now.Add(900*time.Millisecond), time.Second))
	assert.False(t, d.Duplicate("k", now.Add(3*time.Second), time.Second))
	// "other" expired and "k" was recorded again
	assert.Equal(t, 1, d.Len())
}

func TestDedupeKeyPrefersID(t *testing.T) {
	a := model.AttemptInput{ID: "x", Username: "u"}
	b := model.AttemptInput{ID: "x", Username: "v"}
	assert.Equal(t, DedupeKey(a), DedupeKey(b))
	assert.NotEqual(t, DedupeKey(model.AttemptInput{Username: "u", Step: 1}), DedupeKey(model.AttemptInput{Username: "u", Step: 2}))
}
