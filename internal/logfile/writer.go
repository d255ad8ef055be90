package logfile

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/multierr"
)

// Writer appends records to a log. It is owned by a single capture session.
type Writer struct {
	path   string
	format Format

	mu        sync.Mutex
	file      *os.File
	buf       *bufio.Writer
	bodyBytes int64
	closed    bool
}

// Create creates (or truncates) path, writes the initial header and returns
// a writer positioned at the start of the body.
func Create(path string, format Format, h Header) (*Writer, error) {
	format = format.orDefault()

	raw, err := h.Encode(format)
	if err != nil {
		return nil, err
	}

	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create output directory: %w", err)
		}
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create log file: %w", err)
	}
	if _, err := f.Write(raw); err != nil {
		f.Close()
		return nil, fmt.Errorf("failed to write header: %w", err)
	}

	return &Writer{
		path:   path,
		format: format,
		file:   f,
		buf:    bufio.NewWriterSize(f, 64*1024),
	}, nil
}

// Path returns the file path.
func (w *Writer) Path() string {
	return w.path
}

// BodyBytes returns the number of body bytes accepted so far.
func (w *Writer) BodyBytes() int64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.bodyBytes
}

// Append buffers one or more whole records.
func (w *Writer) Append(rec []byte) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return os.ErrClosed
	}
	n, err := w.buf.Write(rec)
	w.bodyBytes += int64(n)
	if err != nil {
		return err
	}
	return nil
}

// Flush pushes buffered records to the file.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	return w.buf.Flush()
}

// Close flushes the body, rewrites the header with final, syncs and closes
// the file. Calling Close again is a no-op.
func (w *Writer) Close(final Header) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	var err error
	err = multierr.Append(err, w.buf.Flush())

	raw, encErr := final.Encode(w.format)
	if encErr != nil {
		err = multierr.Append(err, encErr)
	} else if _, werr := w.file.WriteAt(raw, 0); werr != nil {
		err = multierr.Append(err, fmt.Errorf("failed to rewrite header: %w", werr))
	}

	err = multierr.Append(err, w.file.Sync())
	err = multierr.Append(err, w.file.Close())
	return err
}

// Abort closes the file without rewriting the header. Buffered records are
// flushed on a best-effort basis.
func (w *Writer) Abort() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true
	return multierr.Combine(w.buf.Flush(), w.file.Close())
}
