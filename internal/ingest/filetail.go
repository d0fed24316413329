package ingest

import (
	"bufio"
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"time"

	"authrisk/internal/config"
)

const tailPoll = 200 * time.Millisecond

// StartFileTail follows each configured file.
func StartFileTail(ctx context.Context, cfg *config.Manager, p *Pipeline, logger *slog.Logger) {
	current := cfg.Get().Ingest.FileTail
	if !current.Enabled {
		if logger != nil {
			logger.Info("file tail ingest disabled")
		}
		return
	}
	for _, path := range current.Files {
		if logger != nil {
			logger.Info("file tail ingest enabled", "path", path, "start_at_end", current.StartAtEnd)
		}
		t := &tailer{path: path, startAtEnd: current.StartAtEnd, pipeline: p, logger: logger}
		go t.run(ctx)
	}
}

// tailer reads appended lines from one file. It reopens the path when the
// file is replaced (rotation) or shrinks (truncation); a reopened file is
// always read from the start.
type tailer struct {
	path       string
	startAtEnd bool
	pipeline   *Pipeline
	logger     *slog.Logger

	file   *os.File
	info   os.FileInfo
	reader *bufio.Reader
	offset int64
	opened bool
	// partial holds a line still waiting for its newline
	partial string
}

func (t *tailer) run(ctx context.Context) {
	defer t.close()
	for ctx.Err() == nil {
		if t.file == nil {
			if err := t.open(); err != nil {
				if t.logger != nil && !errors.Is(err, os.ErrNotExist) {
					t.logger.Warn("tail open failed", "path", t.path, "err", err)
				}
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
		}
		if err := t.drain(ctx); err != nil {
			if t.logger != nil {
				t.logger.Warn("tail read failed", "path", t.path, "err", err)
			}
			t.close()
			continue
		}
		if !BackoffSleep(ctx, tailPoll) {
			return
		}
		if t.rotated() {
			if t.logger != nil {
				t.logger.Info("tail file rotated", "path", t.path)
			}
			// finish what the old file still holds before switching
			_ = t.drain(ctx)
			t.close()
		}
	}
}

func (t *tailer) open() error {
	f, err := os.Open(t.path)
	if err != nil {
		return err
	}
	info, err := f.Stat()
	if err != nil {
		_ = f.Close()
		return err
	}
	t.file, t.info, t.offset, t.partial = f, info, 0, ""
	if t.startAtEnd && !t.opened {
		if pos, err := f.Seek(0, io.SeekEnd); err == nil {
			t.offset = pos
		}
	}
	t.opened = true
	t.reader = bufio.NewReader(f)
	return nil
}

func (t *tailer) close() {
	if t.file != nil {
		_ = t.file.Close()
	}
	t.file, t.reader = nil, nil
}

// drain forwards every complete line currently readable.
func (t *tailer) drain(ctx context.Context) error {
	for ctx.Err() == nil {
		chunk, err := t.reader.ReadString('\n')
		t.offset += int64(len(chunk))
		if err != nil {
			t.partial += chunk
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		line := t.partial + chunk
		t.partial = ""
		t.pipeline.HandleLine(ctx, line, "file_tail")
	}
	return nil
}

func (t *tailer) rotated() bool {
	info, err := os.Stat(t.path)
	if err != nil {
		return false
	}
	return !os.SameFile(t.info, info) || info.Size() < t.offset
}
