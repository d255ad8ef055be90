// Package export converts a loaded capture log into columnar JSON.
package export

import (
	"compress/gzip"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/posecap/recorder/internal/logfile"
)

// Float32 encodes NaN and infinities as null, which plain JSON cannot carry.
type Float32 float32

func (f Float32) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 32), nil
}

// Float64 is the float64 counterpart of Float32.
type Float64 float64

func (f Float64) MarshalJSON() ([]byte, error) {
	v := float64(f)
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return []byte("null"), nil
	}
	return strconv.AppendFloat(nil, v, 'g', -1, 64), nil
}

// HeaderJSON mirrors logfile.Header.
type HeaderJSON struct {
	NMarkers        int               `json:"nMarkers"`
	Version         int               `json:"version"`
	RecordSize      int               `json:"recordSize"`
	SessionID       string            `json:"sessionId,omitempty"`
	CreatedAt       *time.Time        `json:"createdAt,omitempty"`
	FramesAcquired  int64             `json:"framesAcquired"`
	FirstFrameIndex *int32            `json:"firstFrameIndex,omitempty"`
	Extra           map[string]string `json:"extra,omitempty"`
}

// Document is the root of an export file.
type Document struct {
	Source        string     `json:"source"`
	Header        HeaderJSON `json:"header"`
	NFrames       int        `json:"nFrames"`
	NMarkers      int        `json:"nMarkers"`
	TrailingBytes int        `json:"trailingBytes,omitempty"`

	FrameIndex    []int32      `json:"frameIndex"`
	Timestamp     []Float64    `json:"timestamp"`
	Latency       []Float32    `json:"latency"`
	Position      [][3]Float32 `json:"position"`
	Rotation      [][4]Float32 `json:"rotation"`
	PositionError []Float32    `json:"positionError"`
	Tracked       []int        `json:"tracked"`

	MarkerX        [][]Float32 `json:"mx,omitempty"`
	MarkerY        [][]Float32 `json:"my,omitempty"`
	MarkerZ        [][]Float32 `json:"mz,omitempty"`
	MarkerSize     [][]Float32 `json:"msize,omitempty"`
	MarkerResidual [][]Float32 `json:"mres,omitempty"`
}

// Build converts a loaded log into a Document.
func Build(log *logfile.Log) Document {
	h := log.Header
	c := log.Columns

	doc := Document{
		Source: filepath.Base(log.Path),
		Header: HeaderJSON{
			NMarkers:        h.NMarkers,
			Version:         h.Version,
			RecordSize:      h.RecordSize,
			SessionID:       h.SessionID,
			FramesAcquired:  h.FramesAcquired,
			FirstFrameIndex: h.FirstFrameIndex,
			Extra:           h.Extra,
		},
		NFrames:       c.NFrames,
		NMarkers:      c.NMarkers,
		TrailingBytes: log.TrailingBytes,
		FrameIndex:    c.FrameIndex,
		Timestamp:     make([]Float64, c.NFrames),
		Latency:       floats(c.Latency),
		Position:      make([][3]Float32, c.NFrames),
		Rotation:      make([][4]Float32, c.NFrames),
		PositionError: floats(c.PositionError),
		Tracked:       make([]int, c.NFrames),
	}
	if !h.CreatedAt.IsZero() {
		created := h.CreatedAt
		doc.Header.CreatedAt = &created
	}

	for i := 0; i < c.NFrames; i++ {
		doc.Timestamp[i] = Float64(c.Timestamp[i])
		for k, v := range c.Position[i] {
			doc.Position[i][k] = Float32(v)
		}
		for k, v := range c.Rotation[i] {
			doc.Rotation[i][k] = Float32(v)
		}
		doc.Tracked[i] = int(c.Tracked[i])
	}

	if c.NMarkers > 0 {
		doc.MarkerX = matrix(c.MarkerX)
		doc.MarkerY = matrix(c.MarkerY)
		doc.MarkerZ = matrix(c.MarkerZ)
		doc.MarkerSize = matrix(c.MarkerSize)
		doc.MarkerResidual = matrix(c.MarkerResidual)
	}

	return doc
}

func floats(in []float32) []Float32 {
	out := make([]Float32, len(in))
	for i, v := range in {
		out[i] = Float32(v)
	}
	return out
}

func matrix(in [][]float32) [][]Float32 {
	out := make([][]Float32, len(in))
	for i, row := range in {
		out[i] = floats(row)
	}
	return out
}

// OutputPath derives the export path for a log: the log name with its
// extension replaced by .json or .json.gz, in dir (or next to the log when dir is empty).
func OutputPath(logPath, dir string, compress bool) string {
	base := strings.TrimSuffix(filepath.Base(logPath), filepath.Ext(logPath)) + ".json"
	if compress {
		base += ".gz"
	}
	if dir == "" {
		dir = filepath.Dir(logPath)
	}
	return filepath.Join(dir, base)
}

// Write encodes doc to w.
func Write(w io.Writer, doc Document) error {
	enc := json.NewEncoder(w)
	if err := enc.Encode(doc); err != nil {
		return fmt.Errorf("failed to encode export: %w", err)
	}
	return nil
}

// WriteJSON writes log as JSON to path, gzip-compressed when compress is set.
func WriteJSON(path string, log *logfile.Log, compress bool) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create output directory: %w", err)
	}

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create export file: %w", err)
	}
	defer f.Close()

	doc := Build(log)
	if !compress {
		if err := Write(f, doc); err != nil {
			return err
		}
		return f.Sync()
	}

	gz := gzip.NewWriter(f)
	if err := Write(gz, doc); err != nil {
		return err
	}
	if err := gz.Close(); err != nil {
		return fmt.Errorf("failed to finish gzip stream: %w", err)
	}
	return f.Sync()
}
