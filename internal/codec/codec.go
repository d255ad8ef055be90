// Package codec converts frames to fixed-size records and records back to
// per-field columns.
//
// All values are little-endian regardless of host byte order.
package codec

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"

	"github.com/posecap/recorder/internal/schema"
	"github.com/posecap/recorder/pkg/core"
)

var (
	// ErrSchemaMismatch is returned when a frame or buffer does not fit the schema.
	ErrSchemaMismatch = errors.New("schema mismatch")
	// ErrTruncatedRecord is returned when a buffer ends inside a record.
	ErrTruncatedRecord = errors.New("truncated record")
)

var le = binary.LittleEndian

// Codec encodes and decodes records for one schema.
type Codec struct {
	schema *schema.Schema
	spans  []schema.Span
}

// New returns a codec bound to s.
func New(s *schema.Schema) *Codec {
	return &Codec{schema: s, spans: s.Layout()}
}

// Schema returns the schema the codec was built for.
func (c *Codec) Schema() *schema.Schema {
	return c.schema
}

// RecordByteSize returns the size of one record.
func (c *Codec) RecordByteSize() int {
	return c.schema.RecordByteSize()
}

// Encode returns the record for f.
func (c *Codec) Encode(f *core.Frame) ([]byte, error) {
	return c.AppendEncode(make([]byte, 0, c.schema.RecordByteSize()), f)
}

// AppendEncode appends the record for f to dst. On error dst is returned unchanged.
func (c *Codec) AppendEncode(dst []byte, f *core.Frame) ([]byte, error) {
	if err := c.checkMarkers(f); err != nil {
		return dst, err
	}

	start := len(dst)
	size := c.schema.RecordByteSize()
	dst = grow(dst, size)
	rec := dst[start : start+size]

	for _, sp := range c.spans {
		b := rec[sp.Offset : sp.Offset+sp.Width]
		switch sp.ID {
		case schema.FrameIndex:
			le.PutUint32(b, uint32(f.Index))
		case schema.Timestamp:
			le.PutUint64(b, math.Float64bits(f.Timestamp))
		case schema.Latency:
			putFloat32s(b, f.Latency)
		case schema.Position:
			putFloat32s(b, f.Position[:]...)
		case schema.Rotation:
			putFloat32s(b, f.Rotation[:]...)
		case schema.PositionError:
			putFloat32s(b, f.PositionError)
		case schema.Tracked:
			b[0] = f.Tracked
		case schema.MarkerX:
			putFloat32s(b, f.Markers.X...)
		case schema.MarkerY:
			putFloat32s(b, f.Markers.Y...)
		case schema.MarkerZ:
			putFloat32s(b, f.Markers.Z...)
		case schema.MarkerSize:
			putFloat32s(b, f.Markers.Size...)
		case schema.MarkerResidual:
			putFloat32s(b, f.Markers.Residual...)
		}
	}

	return dst, nil
}

func (c *Codec) checkMarkers(f *core.Frame) error {
	n := c.schema.NMarkers()
	if f.Markers.Len() == n && f.Markers.Valid() {
		return nil
	}
	rows := f.Markers.Rows()
	for i, sp := range markerSpanNames {
		if len(rows[i]) != n {
			return fmt.Errorf("%w: field %s has %d columns, schema has %d markers",
				ErrSchemaMismatch, sp, len(rows[i]), n)
		}
	}
	return nil
}

var markerSpanNames = [5]string{"mx", "my", "mz", "msize", "mres"}

// Decode splits buf into nFrames records and gathers each field into a column.
func (c *Codec) Decode(buf []byte, nFrames int) (*Columns, error) {
	size := c.schema.RecordByteSize()
	if len(buf)%size != 0 {
		return nil, fmt.Errorf("%w: %d bytes is %d records plus %d bytes of a %d byte record",
			ErrTruncatedRecord, len(buf), len(buf)/size, len(buf)%size, size)
	}
	if nFrames < 0 || len(buf) != nFrames*size {
		return nil, fmt.Errorf("%w: %d bytes holds %d records, caller expected %d",
			ErrSchemaMismatch, len(buf), len(buf)/size, nFrames)
	}

	cols := newColumns(nFrames, c.schema.NMarkers())
	for i := 0; i < nFrames; i++ {
		rec := buf[i*size : (i+1)*size]
		for _, sp := range c.spans {
			b := rec[sp.Offset : sp.Offset+sp.Width]
			switch sp.ID {
			case schema.FrameIndex:
				cols.FrameIndex[i] = int32(le.Uint32(b))
			case schema.Timestamp:
				cols.Timestamp[i] = math.Float64frombits(le.Uint64(b))
			case schema.Latency:
				cols.Latency[i] = getFloat32(b)
			case schema.Position:
				getFloat32s(cols.Position[i][:], b)
			case schema.Rotation:
				getFloat32s(cols.Rotation[i][:], b)
			case schema.PositionError:
				cols.PositionError[i] = getFloat32(b)
			case schema.Tracked:
				cols.Tracked[i] = b[0]
			case schema.MarkerX:
				getFloat32s(cols.MarkerX[i], b)
			case schema.MarkerY:
				getFloat32s(cols.MarkerY[i], b)
			case schema.MarkerZ:
				getFloat32s(cols.MarkerZ[i], b)
			case schema.MarkerSize:
				getFloat32s(cols.MarkerSize[i], b)
			case schema.MarkerResidual:
				getFloat32s(cols.MarkerResidual[i], b)
			}
		}
	}

	return cols, nil
}

// DecodeAll decodes every record in buf.
func (c *Codec) DecodeAll(buf []byte) (*Columns, error) {
	return c.Decode(buf, len(buf)/c.schema.RecordByteSize())
}

func grow(b []byte, n int) []byte {
	if cap(b)-len(b) < n {
		nb := make([]byte, len(b), len(b)+n)
		copy(nb, b)
		b = nb
	}
	return b[:len(b)+n]
}

func putFloat32s(b []byte, vals ...float32) {
	for i, v := range vals {
		le.PutUint32(b[i*4:], math.Float32bits(v))
	}
}

func getFloat32(b []byte) float32 {
	return math.Float32frombits(le.Uint32(b))
}

func getFloat32s(dst []float32, b []byte) {
	for i := range dst {
		dst[i] = getFloat32(b[i*4:])
	}
}
