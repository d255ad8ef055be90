package codec

import (
	"github.com/posecap/recorder/internal/schema"
	"github.com/posecap/recorder/pkg/core"
)

// Columns is the decoded form of a record sequence: one slice per field,
// indexed by frame. Marker fields are NFrames x NMarkers matrices.
type Columns struct {
	NFrames  int `json:"nFrames"`
	NMarkers int `json:"nMarkers"`

	FrameIndex    []int32      `json:"frameIndex"`
	Timestamp     []float64    `json:"timestamp"`
	Latency       []float32    `json:"latency"`
	Position      [][3]float32 `json:"position"`
	Rotation      [][4]float32 `json:"rotation"`
	PositionError []float32    `json:"positionError"`
	Tracked       []uint8      `json:"tracked"`

	MarkerX        [][]float32 `json:"mx,omitempty"`
	MarkerY        [][]float32 `json:"my,omitempty"`
	MarkerZ        [][]float32 `json:"mz,omitempty"`
	MarkerSize     [][]float32 `json:"msize,omitempty"`
	MarkerResidual [][]float32 `json:"mres,omitempty"`
}

func newColumns(nFrames, nMarkers int) *Columns {
	c := &Columns{
		NFrames:       nFrames,
		NMarkers:      nMarkers,
		FrameIndex:    make([]int32, nFrames),
		Timestamp:     make([]float64, nFrames),
		Latency:       make([]float32, nFrames),
		Position:      make([][3]float32, nFrames),
		Rotation:      make([][4]float32, nFrames),
		PositionError: make([]float32, nFrames),
		Tracked:       make([]uint8, nFrames),
	}
	if nMarkers > 0 {
		c.MarkerX = newMatrix(nFrames, nMarkers)
		c.MarkerY = newMatrix(nFrames, nMarkers)
		c.MarkerZ = newMatrix(nFrames, nMarkers)
		c.MarkerSize = newMatrix(nFrames, nMarkers)
		c.MarkerResidual = newMatrix(nFrames, nMarkers)
	}
	return c
}

// newMatrix allocates rows backed by one contiguous slice.
func newMatrix(rows, cols int) [][]float32 {
	backing := make([]float32, rows*cols)
	m := make([][]float32, rows)
	for i := range m {
		m[i] = backing[i*cols : (i+1)*cols : (i+1)*cols]
	}
	return m
}

// Frame rebuilds frame i. The returned frame does not alias the columns.
func (c *Columns) Frame(i int) core.Frame {
	f := core.Frame{
		Index:     c.FrameIndex[i],
		Timestamp: c.Timestamp[i],
		Latency:   c.Latency[i],
		Pose: core.Pose{
			Position:      c.Position[i],
			Rotation:      c.Rotation[i],
			PositionError: c.PositionError[i],
			Tracked:       c.Tracked[i],
		},
	}
	if c.NMarkers > 0 {
		f.Markers = core.Markers{
			X:        c.MarkerX[i],
			Y:        c.MarkerY[i],
			Z:        c.MarkerZ[i],
			Size:     c.MarkerSize[i],
			Residual: c.MarkerResidual[i],
		}.Clone()
	}
	return f
}

// Shape returns the matrix shape of a field: NFrames rows and the field's
// column count. Marker fields report zero columns when there are no markers.
func (c *Columns) Shape(id schema.FieldID) (rows, cols int) {
	switch id {
	case schema.Position:
		return c.NFrames, 3
	case schema.Rotation:
		return c.NFrames, 4
	case schema.MarkerX, schema.MarkerY, schema.MarkerZ, schema.MarkerSize, schema.MarkerResidual:
		return c.NFrames, c.NMarkers
	default:
		return c.NFrames, 1
	}
}
