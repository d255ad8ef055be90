package logfile

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"

	"github.com/posecap/recorder/internal/codec"
	"github.com/posecap/recorder/internal/schema"
)

// ReadBody reads the remaining body from r. Only whole records are returned;
// trailing is the number of bytes of an incomplete final record that were dropped.
func ReadBody(r io.Reader, recordSize int) (buf []byte, nFrames int, trailing int, err error) {
	if recordSize <= 0 {
		return nil, 0, 0, fmt.Errorf("invalid record size %d", recordSize)
	}

	buf, err = io.ReadAll(r)
	if err != nil {
		return nil, 0, 0, fmt.Errorf("failed to read body: %w", err)
	}

	nFrames = len(buf) / recordSize
	trailing = len(buf) - nFrames*recordSize
	return buf[:nFrames*recordSize], nFrames, trailing, nil
}

// Log is a fully loaded capture log.
type Log struct {
	Path    string
	Header  Header
	Schema  *schema.Schema
	Columns *codec.Columns
	// TrailingBytes counts bytes of an incomplete final record that were dropped.
	TrailingBytes int
}

type loadOptions struct {
	format Format
	strict bool
}

// LoadOption configures Load.
type LoadOption func(*loadOptions)

// WithFormat sets the framing used by the file. The default is DefaultFormat.
func WithFormat(f Format) LoadOption {
	return func(o *loadOptions) {
		o.format = f
	}
}

// Strict makes Load fail with codec.ErrTruncatedRecord instead of dropping
// an incomplete final record.
func Strict() LoadOption {
	return func(o *loadOptions) {
		o.strict = true
	}
}

// Load reads the header and body at path and decodes every whole record.
func Load(path string, opts ...LoadOption) (*Log, error) {
	o := loadOptions{format: DefaultFormat}
	for _, opt := range opts {
		opt(&o)
	}

	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s: %w", ErrFileNotFound, path, err)
		}
		return nil, err
	}
	defer f.Close()

	h, err := ReadHeader(f, o.format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}

	s, err := schema.New(h.NMarkers)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrHeaderParse, err)
	}
	if h.RecordSize != 0 && h.RecordSize != s.RecordByteSize() {
		return nil, fmt.Errorf("%w: header record_size %d, %d markers imply %d",
			codec.ErrSchemaMismatch, h.RecordSize, h.NMarkers, s.RecordByteSize())
	}

	buf, nFrames, trailing, err := ReadBody(f, s.RecordByteSize())
	if err != nil {
		return nil, err
	}
	if trailing > 0 && o.strict {
		return nil, fmt.Errorf("%w: %s has %d whole records and %d stray bytes",
			codec.ErrTruncatedRecord, path, nFrames, trailing)
	}

	cols, err := codec.New(s).Decode(buf, nFrames)
	if err != nil {
		return nil, err
	}

	return &Log{
		Path:          path,
		Header:        h,
		Schema:        s,
		Columns:       cols,
		TrailingBytes: trailing,
	}, nil
}
