package main

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/posecap/recorder/internal/codec"
	"github.com/posecap/recorder/internal/config"
	"github.com/posecap/recorder/internal/logfile"
	"github.com/posecap/recorder/internal/schema"
	"github.com/posecap/recorder/internal/source"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func runApp(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	err := newApp(&out).Run(append([]string{"posecap"}, args...))
	return out.String(), err
}

func writeSampleLog(t *testing.T, path string, nMarkers int, nFrames int) {
	t.Helper()
	s := schema.MustNew(nMarkers)
	c := codec.New(s)

	first := int32(40)
	h := logfile.Header{
		NMarkers:   nMarkers,
		Version:    schema.Version,
		RecordSize: s.RecordByteSize(),
		SessionID:  "sample",
		CreatedAt:  time.Date(2026, 5, 4, 10, 15, 30, 0, time.UTC),
		Extra:      map[string]string{"source": "simulated"},
	}
	w, err := logfile.Create(path, logfile.DefaultFormat, h)
	require.NoError(t, err)

	cfg := source.SimulatedConfig{NMarkers: nMarkers, StartIndex: first, AngularRate: 1}
	for i := 0; i < nFrames; i++ {
		f := source.SyntheticFrame(cfg, first+int32(i))
		rec, err := c.Encode(&f)
		require.NoError(t, err)
		require.NoError(t, w.Append(rec))
	}

	h.FramesAcquired = int64(nFrames)
	h.FirstFrameIndex = &first
	require.NoError(t, w.Close(h))
}

func TestInfo(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.mocap")
	writeSampleLog(t, path, 3, 5)

	out, err := runApp(t, "info", path)
	require.NoError(t, err)

	assert.Contains(t, out, "session: sample\n")
	assert.Contains(t, out, "created: 2026-05-04T10:15:30Z\n")
	assert.Contains(t, out, "markers: 3\n")
	assert.Contains(t, out, "record size: 109 bytes\n")
	assert.Contains(t, out, "frames: 5\n")
	assert.Contains(t, out, "first frame index: 40\n")
	assert.Contains(t, out, "source: simulated\n")
	assert.NotContains(t, out, "trailing bytes")
}

func TestInfo_TrailingBytes(t *testing.T) {
	path := filepath.Join(t.TempDir(), "torn.mocap")
	writeSampleLog(t, path, 1, 2)

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	require.NoError(t, err)
	_, err = f.Write([]byte{1, 2, 3})
	require.NoError(t, err)
	require.NoError(t, f.Close())

	out, err := runApp(t, "info", path)
	require.NoError(t, err)
	assert.Contains(t, out, "frames: 2\n")
	assert.Contains(t, out, "trailing bytes: 3\n")

	_, err = runApp(t, "info", "--strict", path)
	require.ErrorIs(t, err, codec.ErrTruncatedRecord)
}

func TestInfo_NeedsOneArgument(t *testing.T) {
	_, err := runApp(t, "info")
	require.ErrorIs(t, err, errNeedLog)
}

func TestExport(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "sample.mocap")
	writeSampleLog(t, path, 2, 4)
	outDir := filepath.Join(dir, "json")

	out, err := runApp(t, "export", "--output", outDir, path)
	require.NoError(t, err)

	want := filepath.Join(outDir, "sample.json")
	assert.Equal(t, want, strings.TrimSpace(out))

	raw, err := os.ReadFile(want)
	require.NoError(t, err)

	var doc struct {
		NFrames    int     `json:"nFrames"`
		NMarkers   int     `json:"nMarkers"`
		FrameIndex []int32 `json:"frameIndex"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	assert.Equal(t, 4, doc.NFrames)
	assert.Equal(t, 2, doc.NMarkers)
	assert.Equal(t, []int32{40, 41, 42, 43}, doc.FrameIndex)
}

func TestExport_Gzip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "sample.mocap")
	writeSampleLog(t, path, 0, 1)

	out, err := runApp(t, "export", "--gzip", path)
	require.NoError(t, err)
	assert.True(t, strings.HasSuffix(strings.TrimSpace(out), "sample.json.gz"))
	assert.FileExists(t, strings.TrimSpace(out))
}

func TestRecord(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	cfg := map[string]any{
		"logsDir": filepath.Join(dir, "logs"),
		"capture": map[string]any{
			"outputDir": filepath.Join(dir, "captures"),
			"interval":  "5ms",
			"nMarkers":  2,
		},
		"catalog": map[string]any{
			"memory": map[string]any{"outputDir": filepath.Join(dir, "catalog")},
		},
	}
	raw, err := json.Marshal(cfg)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName), raw, 0644))

	out, err := runApp(t, "--config", dir, "record", "--duration", "100ms")
	require.NoError(t, err)

	path := strings.TrimSpace(out)
	assert.Equal(t, filepath.Join(dir, "captures"), filepath.Dir(path))

	log, err := logfile.Load(path)
	require.NoError(t, err)
	assert.Equal(t, 2, log.Header.NMarkers)
	assert.Equal(t, "simulated", log.Header.Extra["source"])
	assert.Equal(t, int64(log.Columns.NFrames), log.Header.FramesAcquired)
	assert.NotEmpty(t, log.Header.SessionID)

	exports, err := filepath.Glob(filepath.Join(dir, "catalog", "catalog_*.json"))
	require.NoError(t, err)
	assert.Len(t, exports, 1)

	logs, err := filepath.Glob(filepath.Join(dir, "logs", "posecap.*.log"))
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}

func TestRecord_UnknownSource(t *testing.T) {
	t.Cleanup(viper.Reset)

	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, config.FileName),
		[]byte(`{"logsDir": "`+filepath.ToSlash(filepath.Join(dir, "logs"))+`"}`), 0644))

	_, err := runApp(t, "--config", dir, "record", "--source", "camera")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown frame source")
}
