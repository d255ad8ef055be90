// pkg/core/frame.go
package core

import "gonum.org/v1/gonum/num/quat"

// Pose is the rigid-body part of a tracking sample.
type Pose struct {
	Position      [3]float32 // x, y, z
	Rotation      [4]float32 // quaternion x, y, z, w
	PositionError float32
	Tracked       uint8
}

// Markers holds the labelled-marker rows of a frame.
// Each row has one column per configured marker.
type Markers struct {
	X        []float32
	Y        []float32
	Z        []float32
	Size     []float32
	Residual []float32
}

// Frame is one motion-capture sample as delivered by a frame source.
type Frame struct {
	Index     int32
	Timestamp float64
	Latency   float32
	Pose
	Markers Markers
}

// NewFrame returns a frame with marker rows sized for nMarkers.
func NewFrame(nMarkers int) Frame {
	return Frame{Markers: NewMarkers(nMarkers)}
}

// NewMarkers allocates five zeroed rows of length n.
func NewMarkers(n int) Markers {
	if n <= 0 {
		return Markers{}
	}
	return Markers{
		X:        make([]float32, n),
		Y:        make([]float32, n),
		Z:        make([]float32, n),
		Size:     make([]float32, n),
		Residual: make([]float32, n),
	}
}

// Rows returns the five marker rows in their on-disk order.
func (m Markers) Rows() [5][]float32 {
	return [5][]float32{m.X, m.Y, m.Z, m.Size, m.Residual}
}

// Len returns the length of the X row.
func (m Markers) Len() int {
	return len(m.X)
}

// Valid reports whether all rows have the same length.
func (m Markers) Valid() bool {
	n := len(m.X)
	for _, row := range m.Rows() {
		if len(row) != n {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the marker rows.
func (m Markers) Clone() Markers {
	return Markers{
		X:        cloneRow(m.X),
		Y:        cloneRow(m.Y),
		Z:        cloneRow(m.Z),
		Size:     cloneRow(m.Size),
		Residual: cloneRow(m.Residual),
	}
}

// Clone returns a copy of f that shares no memory with it.
func (f Frame) Clone() Frame {
	out := f
	out.Markers = f.Markers.Clone()
	return out
}

// Orientation returns the rotation as a gonum quaternion.
func (p Pose) Orientation() quat.Number {
	return quat.Number{
		Real: float64(p.Rotation[3]),
		Imag: float64(p.Rotation[0]),
		Jmag: float64(p.Rotation[1]),
		Kmag: float64(p.Rotation[2]),
	}
}

// RotationFromQuat converts q into the x, y, z, w layout used by Pose.
func RotationFromQuat(q quat.Number) [4]float32 {
	return [4]float32{float32(q.Imag), float32(q.Jmag), float32(q.Kmag), float32(q.Real)}
}

func cloneRow(row []float32) []float32 {
	if row == nil {
		return nil
	}
	return append([]float32(nil), row...)
}
