package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodingWidth(t *testing.T) {
	tests := []struct {
		enc  Encoding
		want int
	}{
		{Int32, 4},
		{Uint8, 1},
		{Float32, 4},
		{Float64, 8},
		{Encoding(0), 0},
	}

	for _, tt := range tests {
		t.Run(tt.enc.String(), func(t *testing.T) {
			assert.Equal(t, tt.want, tt.enc.Width())
		})
	}
}

func TestRecordByteSize(t *testing.T) {
	for _, n := range []int{0, 1, 2, 20, 64} {
		s, err := New(n)
		require.NoError(t, err)
		assert.Equal(t, BasicBytes+n*20, s.RecordByteSize(), "nMarkers=%d", n)
		assert.Equal(t, s.RecordByteSize(), RecordByteSize(n))
	}
}

func TestBasicBytesMatchesFieldTable(t *testing.T) {
	sum := 0
	for _, f := range basicFields {
		sum += f.Encoding.Width() * f.Columns
	}
	assert.Equal(t, BasicBytes, sum)

	perMarker := 0
	for _, f := range markerFields {
		assert.Equal(t, Float32, f.Encoding, f.Name)
		perMarker += f.Encoding.Width() * f.Columns
	}
	assert.Equal(t, MarkerBytesPerMarker, perMarker)
}

func TestNew_NegativeMarkers(t *testing.T) {
	_, err := New(-1)
	require.ErrorIs(t, err, ErrNegativeMarkers)
	assert.Panics(t, func() { MustNew(-3) })
}

func TestLayout_BasicFields(t *testing.T) {
	s := MustNew(0)
	layout := s.Layout()
	require.Len(t, layout, 7)

	want := []struct {
		name   string
		offset int
		width  int
		cols   int
	}{
		{"frame_index", 0, 4, 1},
		{"timestamp", 4, 8, 1},
		{"latency", 12, 4, 1},
		{"position", 16, 12, 3},
		{"rotation", 28, 16, 4},
		{"position_error", 44, 4, 1},
		{"tracked", 48, 1, 1},
	}
	for i, w := range want {
		assert.Equal(t, w.name, layout[i].Name)
		assert.Equal(t, w.offset, layout[i].Offset, w.name)
		assert.Equal(t, w.width, layout[i].Width, w.name)
		assert.Equal(t, w.cols, layout[i].Cols, w.name)
	}
}

func TestLayout_MarkerFieldsAreGroupedPerField(t *testing.T) {
	const n = 20
	s := MustNew(n)
	layout := s.Layout()
	require.Len(t, layout, 12)

	names := []string{"mx", "my", "mz", "msize", "mres"}
	offset := BasicBytes
	for i, name := range names {
		sp := layout[7+i]
		assert.Equal(t, name, sp.Name)
		assert.True(t, sp.Marker)
		assert.Equal(t, offset, sp.Offset, name)
		assert.Equal(t, n*4, sp.Width, name)
		assert.Equal(t, n, sp.Cols, name)
		offset += sp.Width
	}
	assert.Equal(t, s.RecordByteSize(), offset)
}

func TestLayout_IsACopy(t *testing.T) {
	s := MustNew(1)
	layout := s.Layout()
	layout[0].Offset = 99

	assert.Equal(t, 0, s.Layout()[0].Offset)
}

func TestLayout_NoMarkers(t *testing.T) {
	s := MustNew(0)
	layout := s.Layout()
	require.Len(t, layout, 7)
	assert.Equal(t, "frame_index", layout[0].Name)
	assert.Equal(t, 0, s.NMarkers())

	for _, sp := range layout {
		assert.False(t, sp.Marker, sp.Name)
		if sp.ID == Tracked {
			assert.Equal(t, Uint8, sp.Encoding)
		}
	}
	assert.Equal(t, BasicBytes, s.RecordByteSize())
}
