package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"authrisk/internal/config"
)

// MessageReader is the part of *kafka.Reader the consumer uses.
type MessageReader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// StartKafka joins the configured consumer group and feeds each message
// value through the pipeline as one line.
func StartKafka(ctx context.Context, cfg *config.Manager, p *Pipeline, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        current.Brokers,
		Topic:          current.Topic,
		GroupID:        current.GroupID,
		MinBytes:       1,
		MaxBytes:       4 << 20,
		MaxWait:        500 * time.Millisecond,
		StartOffset:    kafka.LastOffset,
		CommitInterval: 0,
	})
	go ConsumeKafka(ctx, reader, p, logger)
}

// ConsumeKafka runs until ctx ends, committing each offset synchronously
// once its message has been handed to the pipeline.
func ConsumeKafka(ctx context.Context, r MessageReader, p *Pipeline, logger *slog.Logger) {
	defer r.Close()
	backoff := 200 * time.Millisecond
	for {
		m, err := r.FetchMessage(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			if logger != nil {
				logger.Warn("kafka fetch failed", "error", err, "retry_in", backoff)
			}
			if !BackoffSleep(ctx, backoff) {
				return
			}
			backoff = min(backoff*2, 5*time.Second)
			continue
		}
		backoff = 200 * time.Millisecond

		source := "kafka"
		for _, h := range m.Headers {
			if h.Key == "source" && len(h.Value) > 0 {
				source = "kafka:" + string(h.Value)
			}
		}
		if !p.HandleLine(ctx, string(m.Value), source) && logger != nil {
			logger.Debug("kafka message not queued", "partition", m.Partition, "offset", m.Offset)
		}
		if err := r.CommitMessages(ctx, m); err != nil && ctx.Err() == nil && logger != nil {
			logger.Warn("kafka commit failed", "partition", m.Partition, "offset", m.Offset, "error", err)
		}
	}
}
