package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileSink appends audit events to a JSONL file, optionally rotated by size.
type FileSink struct {
	path   string
	out    io.WriteCloser
	writer *bufio.Writer
	mu     sync.Mutex
}

// FileSinkOptions controls rotation. A zero MaxSizeMB disables it.
type FileSinkOptions struct {
	MaxSizeMB  int
	MaxBackups int
}

func NewFileSink(path string, opts FileSinkOptions) (*FileSink, error) {
	if path == "" {
		return nil, fmt.Errorf("file path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil && !os.IsExist(err) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}

	var out io.WriteCloser
	if opts.MaxSizeMB > 0 {
		out = &lumberjack.Logger{
			Filename:   path,
			MaxSize:    opts.MaxSizeMB,
			MaxBackups: opts.MaxBackups,
		}
	} else {
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
		if err != nil {
			return nil, fmt.Errorf("open file: %w", err)
		}
		out = f
	}
	return &FileSink{
		path:   path,
		out:    out,
		writer: bufio.NewWriter(out),
	}, nil
}

func (s *FileSink) Name() string { return "file_jsonl:" + s.path }

func (s *FileSink) Deliver(_ context.Context, ev *Event) error {
	if ev == nil {
		return nil
	}
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// One Write per line keeps rotation from splitting an event.
	data = append(data, '\n')
	if _, err := s.writer.Write(data); err != nil {
		return fmt.Errorf("write event: %w", err)
	}
	if err := s.writer.Flush(); err != nil {
		return fmt.Errorf("flush: %w", err)
	}
	return nil
}

func (s *FileSink) Close(_ context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writer != nil {
		_ = s.writer.Flush()
	}
	if s.out != nil {
		return s.out.Close()
	}
	return nil
}
