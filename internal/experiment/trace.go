package experiment

import (
	"bufio"
	"fmt"
	"os"

	"github.com/goccy/go-json"

	"gftlab/internal/mechanism"
)

// TraceWriter appends one JSON line per round to a file. Writes go
// through a buffer sized for the round event hot path; Close flushes
// and is safe to call more than once.
type TraceWriter struct {
	file   *os.File
	buf    *bufio.Writer
	closed bool
}

func NewTraceWriter(path string) (*TraceWriter, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create trace file: %w", err)
	}
	return &TraceWriter{file: file, buf: bufio.NewWriterSize(file, 64*1024)}, nil
}

// Path returns the file the trace is written to.
func (w *TraceWriter) Path() string {
	return w.file.Name()
}

func (w *TraceWriter) Write(event mechanism.RoundEvent) error {
	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("encode round event: %w", err)
	}
	line = append(line, '\n')
	if _, err := w.buf.Write(line); err != nil {
		return fmt.Errorf("write trace line: %w", err)
	}
	return nil
}

func (w *TraceWriter) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true
	if err := w.buf.Flush(); err != nil {
		w.file.Close()
		return fmt.Errorf("flush trace: %w", err)
	}
	if err := w.file.Close(); err != nil {
		return fmt.Errorf("close trace: %w", err)
	}
	return nil
}
