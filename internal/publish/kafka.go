package publish

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"authrisk/internal/config"
	"authrisk/internal/model"
)

// MessageWriter is the subset of *kafka.Writer the publisher needs.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes each assessment as JSON keyed by username, so
// one user's assessments stay ordered within a partition.
type KafkaPublisher struct {
	w       MessageWriter
	timeout time.Duration
	logger  *slog.Logger
}

// NewKafka returns nil when publishing is disabled.
func NewKafka(cfg config.KafkaPublishConfig, logger *slog.Logger) (*KafkaPublisher, error) {
	if !cfg.Enabled {
		if logger != nil {
			logger.Info("kafka publish disabled")
		}
		return nil, nil
	}
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka publish requires brokers and topic")
	}
	if logger != nil {
		logger.Info("kafka publish enabled", "brokers", cfg.Brokers, "topic", cfg.Topic)
	}
	w := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireOne,
		BatchTimeout: 50 * time.Millisecond,
	}
	return NewWithWriter(w, logger), nil
}

func NewWithWriter(w MessageWriter, logger *slog.Logger) *KafkaPublisher {
	return &KafkaPublisher{w: w, timeout: 2 * time.Second, logger: logger}
}

func (p *KafkaPublisher) Publish(ctx context.Context, a model.RiskAssessment) error {
	payload, err := json.Marshal(a)
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	return p.w.WriteMessages(ctx, kafka.Message{
		Key:   []byte(a.Username),
		Value: payload,
		Time:  a.Timestamp,
		Headers: []kafka.Header{
			{Key: "level", Value: []byte(a.Level)},
		},
	})
}

func (p *KafkaPublisher) Close() error {
	return p.w.Close()
}
