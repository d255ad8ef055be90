// Package schema describes the fixed binary layout of one frame record.
//
// A record is the basic pose fields followed by the five marker fields. Every
// marker field holds one float32 per marker and its values are stored
// contiguously, so all mx values come before all my values:
//
//	frame_index | timestamp | latency | position | rotation | position_error | tracked | mx... | my... | mz... | msize... | mres...
//
// Offsets are summed in declaration order and depend only on the marker count.
package schema

import (
	"errors"
	"fmt"
)

// Version is written into log headers so readers can reject layouts they do not know.
const Version = 1

const (
	// BasicBytes is the size of the non-marker part of a record:
	// 4 + 8 + 4 + 3*4 + 4*4 + 4 + 1.
	BasicBytes = 49
	// MarkerBytesPerMarker is the record growth per configured marker (five float32 fields).
	MarkerBytesPerMarker = 20
)

// ErrNegativeMarkers is returned when a schema is requested for fewer than zero markers.
var ErrNegativeMarkers = errors.New("marker count must not be negative")

// Encoding is the numeric representation of a field's columns.
type Encoding uint8

const (
	Int32 Encoding = iota + 1
	Uint8
	Float32
	Float64
)

// Width returns the number of bytes one value of e occupies.
func (e Encoding) Width() int {
	switch e {
	case Int32, Float32:
		return 4
	case Uint8:
		return 1
	case Float64:
		return 8
	default:
		return 0
	}
}

func (e Encoding) String() string {
	switch e {
	case Int32:
		return "int32"
	case Uint8:
		return "uint8"
	case Float32:
		return "float32"
	case Float64:
		return "float64"
	default:
		return fmt.Sprintf("encoding(%d)", uint8(e))
	}
}

// FieldID identifies a field without going through its name.
type FieldID uint8

const (
	FrameIndex FieldID = iota
	Timestamp
	Latency
	Position
	Rotation
	PositionError
	Tracked
	MarkerX
	MarkerY
	MarkerZ
	MarkerSize
	MarkerResidual
)

// Field describes one entry of the record layout.
// For marker fields Columns is the per-marker column count (always 1); the
// span width scales with the schema's marker count.
type Field struct {
	ID       FieldID
	Name     string
	Encoding Encoding
	Columns  int
	Marker   bool
}

var basicFields = [...]Field{
	{ID: FrameIndex, Name: "frame_index", Encoding: Int32, Columns: 1},
	{ID: Timestamp, Name: "timestamp", Encoding: Float64, Columns: 1},
	{ID: Latency, Name: "latency", Encoding: Float32, Columns: 1},
	{ID: Position, Name: "position", Encoding: Float32, Columns: 3},
	{ID: Rotation, Name: "rotation", Encoding: Float32, Columns: 4},
	{ID: PositionError, Name: "position_error", Encoding: Float32, Columns: 1},
	{ID: Tracked, Name: "tracked", Encoding: Uint8, Columns: 1},
}

var markerFields = [...]Field{
	{ID: MarkerX, Name: "mx", Encoding: Float32, Columns: 1, Marker: true},
	{ID: MarkerY, Name: "my", Encoding: Float32, Columns: 1, Marker: true},
	{ID: MarkerZ, Name: "mz", Encoding: Float32, Columns: 1, Marker: true},
	{ID: MarkerSize, Name: "msize", Encoding: Float32, Columns: 1, Marker: true},
	{ID: MarkerResidual, Name: "mres", Encoding: Float32, Columns: 1, Marker: true},
}

// Span is a field's resolved position inside a record.
type Span struct {
	Field
	Offset int
	Width  int
	// Cols is the total column count in the record: Columns for basic
	// fields, nMarkers for marker fields.
	Cols int
}

// Schema is the immutable record layout for one marker count.
type Schema struct {
	nMarkers   int
	spans      []Span
	recordSize int
}

// New resolves the layout for nMarkers.
func New(nMarkers int) (*Schema, error) {
	if nMarkers < 0 {
		return nil, fmt.Errorf("%w: %d", ErrNegativeMarkers, nMarkers)
	}

	s := &Schema{nMarkers: nMarkers}
	offset := 0
	add := func(f Field, cols int) {
		width := f.Encoding.Width() * cols
		s.spans = append(s.spans, Span{Field: f, Offset: offset, Width: width, Cols: cols})
		offset += width
	}

	for _, f := range basicFields {
		add(f, f.Columns)
	}
	if nMarkers > 0 {
		for _, f := range markerFields {
			add(f, f.Columns*nMarkers)
		}
	}
	s.recordSize = offset

	return s, nil
}

// MustNew is New for marker counts known to be valid.
func MustNew(nMarkers int) *Schema {
	s, err := New(nMarkers)
	if err != nil {
		panic(err)
	}
	return s
}

// RecordByteSize returns the record size for nMarkers without building a schema.
func RecordByteSize(nMarkers int) int {
	return BasicBytes + nMarkers*MarkerBytesPerMarker
}

// NMarkers returns the configured marker count.
func (s *Schema) NMarkers() int {
	return s.nMarkers
}

// RecordByteSize returns the size of one encoded frame.
func (s *Schema) RecordByteSize() int {
	return s.recordSize
}

// Layout returns the resolved spans in declaration order.
func (s *Schema) Layout() []Span {
	return append([]Span(nil), s.spans...)
}
