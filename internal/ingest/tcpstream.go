package ingest

import (
	"bufio"
	"context"
	"errors"
	"log/slog"
	"net"
	"sync"
	"time"

	"authrisk/internal/config"
)

const (
	maxLineBytes    = 1 << 20
	connIdleTimeout = 5 * time.Minute
)

// LineServer accepts newline-delimited attempts over TCP, one goroutine
// per connection. Connections idle for connIdleTimeout are closed.
type LineServer struct {
	pipeline *Pipeline
	logger   *slog.Logger
	idle     time.Duration
	wg       sync.WaitGroup
}

func NewLineServer(p *Pipeline, logger *slog.Logger) *LineServer {
	return &LineServer{pipeline: p, logger: logger, idle: connIdleTimeout}
}

func StartTCPStream(ctx context.Context, cfg *config.Manager, p *Pipeline, logger *slog.Logger) {
	current := cfg.Get().Ingest.TCPStream
	if !current.Enabled {
		if logger != nil {
			logger.Info("tcp stream ingest disabled")
		}
		return
	}
	ln, err := net.Listen("tcp", current.Addr)
	if err != nil {
		if logger != nil {
			logger.Error("tcp stream listen failed", "addr", current.Addr, "err", err)
		}
		return
	}
	if logger != nil {
		logger.Info("tcp stream ingest enabled", "addr", ln.Addr().String())
	}
	go NewLineServer(p, logger).Serve(ctx, ln)
}

// Serve accepts until ctx ends or ln is closed, then waits for open
// connections to finish.
func (s *LineServer) Serve(ctx context.Context, ln net.Listener) {
	stop := context.AfterFunc(ctx, func() { _ = ln.Close() })
	defer stop()
	for {
		conn, err := ln.Accept()
		if err != nil {
			if errors.Is(err, net.ErrClosed) || ctx.Err() != nil {
				break
			}
			if s.logger != nil {
				s.logger.Warn("tcp stream accept failed", "err", err)
			}
			if !BackoffSleep(ctx, 100*time.Millisecond) {
				break
			}
			continue
		}
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.handle(ctx, conn)
		}()
	}
	s.wg.Wait()
}

func (s *LineServer) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()
	stop := context.AfterFunc(ctx, func() { _ = conn.Close() })
	defer stop()

	remote := conn.RemoteAddr().String()
	scanner := bufio.NewScanner(conn)
	scanner.Buffer(make([]byte, 0, 8192), maxLineBytes)
	queued, lines := 0, 0
	for {
		if s.idle > 0 {
			_ = conn.SetReadDeadline(time.Now().Add(s.idle))
		}
		if !scanner.Scan() {
			break
		}
		lines++
		if s.pipeline.HandleLine(ctx, scanner.Text(), "tcp_stream") {
			queued++
		}
	}
	if err := scanner.Err(); err != nil && ctx.Err() == nil && s.logger != nil {
		s.logger.Warn("tcp stream read failed", "remote", remote, "err", err)
	}
	if s.logger != nil {
		s.logger.Debug("tcp stream connection closed", "remote", remote, "lines", lines, "queued", queued)
	}
}
