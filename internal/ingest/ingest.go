package ingest

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"authrisk/internal/config"
	"authrisk/internal/metrics"
	"authrisk/internal/model"
	"authrisk/internal/normalize"
)

// Pipeline turns raw lines from the streaming sources into attempts on
// the engine channel. Repeats of the same attempt inside the dedupe
// window are dropped.
type Pipeline struct {
	cfg    *config.Manager
	parser *Parser
	out    chan<- model.AttemptInput
	dedupe *Deduper
	logger *slog.Logger
	now    func() time.Time
}

func NewPipeline(cfg *config.Manager, out chan<- model.AttemptInput, logger *slog.Logger) *Pipeline {
	return &Pipeline{
		cfg:    cfg,
		parser: NewParser(),
		out:    out,
		dedupe: NewDeduper(),
		logger: logger,
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// HandleLine parses, normalizes and forwards one line. It reports whether
// an attempt was queued.
func (p *Pipeline) HandleLine(ctx context.Context, line, source string) bool {
	fields, err := p.parser.ParseLine(line)
	if err != nil || fields == nil {
		if err != nil && p.logger != nil {
			p.logger.Debug("unparseable line", "source", source, "err", err)
		}
		return false
	}
	return p.HandleFields(ctx, *fields, source)
}

func (p *Pipeline) HandleFields(ctx context.Context, fields normalize.Fields, source string) bool {
	cfg := p.cfg.Get()
	in, err := normalize.Normalize(fields, cfg)
	if err != nil {
		if p.logger != nil {
			p.logger.Warn("normalize error", "source", source, "err", err)
		}
		return false
	}
	in.Source = source
	if err := in.Validate(); err != nil {
		metrics.RejectedTotal.WithLabelValues("invalid").Inc()
		if p.logger != nil {
			p.logger.Debug("attempt dropped at ingest", "source", source, "err", err)
		}
		return false
	}
	if window := cfg.Ingest.DedupeWindow; window > 0 {
		if p.dedupe.Duplicate(DedupeKey(in), p.now(), window) {
			metrics.RejectedTotal.WithLabelValues("redelivered").Inc()
			return false
		}
	}
	return SendNonBlocking(ctx, p.out, in, p.logger)
}

// DedupeKey identifies an attempt across sources: the explicit id when
// present, otherwise the attempt's content.
func DedupeKey(in model.AttemptInput) string {
	if in.ID != "" {
		return "id|" + in.ID
	}
	ts := ""
	if !in.Timestamp.IsZero() {
		ts = strconv.FormatInt(in.Timestamp.UnixMilli(), 10)
	}
	return in.Username + "|" + strconv.Itoa(in.Step) + "|" + in.DeviceID + "|" + ts + "|" + strconv.FormatBool(in.Success)
}

func SendNonBlocking(ctx context.Context, out chan<- model.AttemptInput, in model.AttemptInput, logger *slog.Logger) bool {
	select {
	case out <- in:
		return true
	case <-ctx.Done():
		return false
	default:
		if logger != nil {
			logger.Warn("attempt channel full, dropping attempt", "username", in.Username, "source", in.Source)
		}
		return false
	}
}

func BackoffSleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		d = 200 * time.Millisecond
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return true
	case <-ctx.Done():
		return false
	}
}
