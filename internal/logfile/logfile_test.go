package logfile

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/posecap/recorder/internal/codec"
	"github.com/posecap/recorder/internal/schema"
	"github.com/posecap/recorder/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHeaderEncode_FixedLength(t *testing.T) {
	idx := int32(100)
	h := Header{
		NMarkers:        20,
		Version:         schema.Version,
		RecordSize:      schema.RecordByteSize(20),
		SessionID:       "abc",
		CreatedAt:       time.Date(2026, 2, 12, 21, 38, 36, 0, time.UTC),
		FramesAcquired:  3,
		FirstFrameIndex: &idx,
		Extra:           map[string]string{"source": "simulated"},
	}

	raw, err := h.Encode(DefaultFormat)
	require.NoError(t, err)
	assert.Len(t, raw, DefaultFormat.HeaderSize)
	assert.True(t, bytes.HasPrefix(raw, []byte("n_markers=20\r\n")))

	got, err := ParseHeader(raw)
	require.NoError(t, err)
	assert.Equal(t, h.NMarkers, got.NMarkers)
	assert.Equal(t, h.RecordSize, got.RecordSize)
	assert.Equal(t, h.SessionID, got.SessionID)
	assert.True(t, h.CreatedAt.Equal(got.CreatedAt))
	assert.Equal(t, int64(3), got.FramesAcquired)
	require.NotNil(t, got.FirstFrameIndex)
	assert.Equal(t, int32(100), *got.FirstFrameIndex)
	assert.Equal(t, "simulated", got.Extra["source"])
}

func TestHeaderEncode_TooLarge(t *testing.T) {
	h := Header{Extra: map[string]string{"note": strings.Repeat("x", 600)}}
	_, err := h.Encode(DefaultFormat)
	require.ErrorIs(t, err, ErrHeaderTooLarge)

	_, err = h.Encode(Format{HeaderSize: 4096})
	require.NoError(t, err)
}

func TestHeaderEncode_RejectsReservedExtra(t *testing.T) {
	for _, key := range []string{
		KeyNMarkers, KeyVersion, KeyRecordSize, KeySessionID,
		KeyCreated, KeyFramesAcquired, KeyFirstFrameIndex,
	} {
		t.Run(key, func(t *testing.T) {
			h := Header{NMarkers: 2, RecordSize: schema.RecordByteSize(2), Extra: map[string]string{key: "0"}}
			_, err := h.Encode(DefaultFormat)
			require.ErrorIs(t, err, ErrReservedKey)
			assert.Contains(t, err.Error(), key)

			_, err = Create(filepath.Join(t.TempDir(), "reserved.mocap"), DefaultFormat, h)
			require.ErrorIs(t, err, ErrReservedKey)
		})
	}
}

func TestValidateExtra(t *testing.T) {
	tests := []struct {
		name    string
		extra   map[string]string
		wantErr bool
	}{
		{"nil", nil, false},
		{"plain", map[string]string{"source": "simulated", "host": "lab-1"}, false},
		{"reserved", map[string]string{"n_markers": "0"}, true},
		{"empty key", map[string]string{"": "x"}, true},
		{"equals in key", map[string]string{"a=b": "x"}, true},
		{"newline in value", map[string]string{"note": "a\nn_markers=0"}, true},
		{"nul in value", map[string]string{"note": "a\x00"}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateExtra(tt.extra)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrReservedKey)
				return
			}
			require.NoError(t, err)
		})
	}
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name     string
		raw      string
		want     int
		wantErr  bool
		errMatch string
	}{
		{"crlf", "n_markers=4\r\nversion=1\r\n", 4, false, ""},
		{"lf only", "version=1\nn_markers=2\n", 2, false, ""},
		{"zero markers", "n_markers=0\r\n", 0, false, ""},
		{"spaces", "  n_markers = 7 \r\n", 7, false, ""},
		{"missing key", "version=1\r\nrecord_size=49\r\n", 0, true, "n_markers"},
		{"not a number", "n_markers=lots\r\n", 0, true, "lots"},
		{"negative", "n_markers=-2\r\n", 0, true, "n_markers"},
		{"bad version", "n_markers=1\r\nversion=x\r\n", 0, true, "version"},
		{"empty", "", 0, true, "n_markers"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			raw := make([]byte, 64)
			copy(raw, tt.raw)
			h, err := ParseHeader(raw)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrHeaderParse)
				assert.Contains(t, err.Error(), tt.errMatch)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, h.NMarkers)
		})
	}
}

func TestReadHeader_Short(t *testing.T) {
	_, err := ReadHeader(strings.NewReader("n_markers=1\r\n"), DefaultFormat)
	require.ErrorIs(t, err, ErrHeaderParse)
}

func TestReadBody(t *testing.T) {
	const size = 10

	tests := []struct {
		name     string
		length   int
		frames   int
		trailing int
	}{
		{"empty", 0, 0, 0},
		{"exact", 3 * size, 3, 0},
		{"one stray byte", 3*size + 1, 3, 1},
		{"almost another record", 3*size + size - 1, 3, size - 1},
		{"only partial", size - 1, 0, size - 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf, n, trailing, err := ReadBody(bytes.NewReader(make([]byte, tt.length)), size)
			require.NoError(t, err)
			assert.Equal(t, tt.frames, n)
			assert.Equal(t, tt.trailing, trailing)
			assert.Len(t, buf, tt.frames*size)
		})
	}

	_, _, _, err := ReadBody(bytes.NewReader(nil), 0)
	require.Error(t, err)
}

func writeLog(t *testing.T, path string, nMarkers int, indexes ...int32) []core.Frame {
	t.Helper()

	s := schema.MustNew(nMarkers)
	c := codec.New(s)
	w, err := Create(path, DefaultFormat, Header{NMarkers: nMarkers, Version: schema.Version, RecordSize: s.RecordByteSize()})
	require.NoError(t, err)

	var frames []core.Frame
	for _, idx := range indexes {
		f := core.NewFrame(nMarkers)
		f.Index = idx
		f.Timestamp = float64(idx) / 100
		f.Position = [3]float32{float32(idx), 1, 2}
		f.Tracked = 1
		for m := 0; m < nMarkers; m++ {
			f.Markers.X[m] = float32(idx) + float32(m)/10
			f.Markers.Residual[m] = float32(m)
		}
		rec, err := c.Encode(&f)
		require.NoError(t, err)
		require.NoError(t, w.Append(rec))
		frames = append(frames, f)
	}

	first := indexes[0]
	require.NoError(t, w.Close(Header{
		NMarkers:        nMarkers,
		Version:         schema.Version,
		RecordSize:      s.RecordByteSize(),
		FramesAcquired:  int64(len(indexes)),
		FirstFrameIndex: &first,
	}))
	return frames
}

func TestWriterAndLoad(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "session.mocap")
	frames := writeLog(t, path, 3, 5, 6, 7, 8)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, int64(DefaultFormat.HeaderSize+4*schema.RecordByteSize(3)), info.Size())

	log, err := Load(path)
	require.NoError(t, err)
	assert.Equal(t, 3, log.Header.NMarkers)
	assert.Equal(t, int64(4), log.Header.FramesAcquired)
	require.NotNil(t, log.Header.FirstFrameIndex)
	assert.Equal(t, int32(5), *log.Header.FirstFrameIndex)
	assert.Equal(t, 0, log.TrailingBytes)
	require.Equal(t, 4, log.Columns.NFrames)

	for i, f := range frames {
		assert.Equal(t, f, log.Columns.Frame(i))
	}
}

func TestLoad_TrailingBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torn.mocap")
	writeLog(t, path, 2, 1, 2, 3)

	size := schema.RecordByteSize(2)
	for _, k := range []int{1, size - 1} {
		f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
		require.NoError(t, err)
		_, err = f.Write(make([]byte, k))
		require.NoError(t, err)
		require.NoError(t, f.Close())

		log, err := Load(path)
		require.NoError(t, err)
		assert.Equal(t, 3, log.Columns.NFrames, "never decodes a partial record")
		assert.Equal(t, k, log.TrailingBytes)

		_, err = Load(path, Strict())
		require.ErrorIs(t, err, codec.ErrTruncatedRecord)

		require.NoError(t, os.Truncate(path, int64(DefaultFormat.HeaderSize+3*size)))
	}
}

func TestLoad_FileNotFound(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.mocap"))
	require.ErrorIs(t, err, ErrFileNotFound)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestLoad_MissingMarkerKey(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.mocap")
	raw := make([]byte, DefaultFormat.HeaderSize)
	copy(raw, "version=1\r\n")
	require.NoError(t, os.WriteFile(path, raw, 0644))

	_, err := Load(path)
	require.ErrorIs(t, err, ErrHeaderParse)
	assert.Contains(t, err.Error(), "n_markers")
}

func TestLoad_RecordSizeMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "mismatch.mocap")
	raw, err := Header{NMarkers: 2, RecordSize: 50}.Encode(DefaultFormat)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(path, raw, 0644))

	_, err = Load(path)
	require.ErrorIs(t, err, codec.ErrSchemaMismatch)
}

func TestLoad_CustomFormat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "custom.mocap")
	format := Format{HeaderSize: 128, LineTerminator: "\n"}
	w, err := Create(path, format, Header{NMarkers: 0})
	require.NoError(t, err)
	f := core.NewFrame(0)
	f.Index = 9
	rec, err := codec.New(schema.MustNew(0)).Encode(&f)
	require.NoError(t, err)
	require.NoError(t, w.Append(rec))
	require.NoError(t, w.Close(Header{NMarkers: 0, FramesAcquired: 1}))

	log, err := Load(path, WithFormat(format))
	require.NoError(t, err)
	assert.Equal(t, []int32{9}, log.Columns.FrameIndex)
}

func TestWriterClose_Idempotent(t *testing.T) {
	path := filepath.Join(t.TempDir(), "twice.mocap")
	w, err := Create(path, DefaultFormat, Header{NMarkers: 0})
	require.NoError(t, err)
	require.NoError(t, w.Append(make([]byte, schema.BasicBytes)))
	assert.Equal(t, int64(schema.BasicBytes), w.BodyBytes())

	require.NoError(t, w.Close(Header{NMarkers: 0, FramesAcquired: 1}))
	first, err := os.ReadFile(path)
	require.NoError(t, err)

	require.NoError(t, w.Close(Header{NMarkers: 0, FramesAcquired: 99}))
	second, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.ErrorIs(t, w.Append([]byte{1}), os.ErrClosed)
	require.NoError(t, w.Flush())
	require.NoError(t, w.Abort())
}
