package recorder

import (
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/posecap/recorder/internal/capture"
	"github.com/posecap/recorder/internal/catalog"
	"github.com/posecap/recorder/internal/config"
	"github.com/posecap/recorder/internal/logfile"
	"github.com/posecap/recorder/internal/source"
	"github.com/posecap/recorder/pkg/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testStart = time.Date(2026, 5, 4, 10, 15, 30, 0, time.UTC)

func newTestRecorder(t *testing.T, nMarkers int) (*Recorder, *clock.Mock, *catalog.Memory) {
	t.Helper()

	mock := clock.NewMock()
	mock.Set(testStart)
	cat := catalog.NewMemory(config.MemoryConfig{})

	r := New(config.CaptureConfig{
		Interval:   10 * time.Millisecond,
		NMarkers:   nMarkers,
		OutputDir:  t.TempDir(),
		FilePrefix: "lab",
	}, Dependencies{
		Logger:  slog.New(slog.NewTextHandler(&bytes.Buffer{}, nil)),
		Catalog: cat,
		Clock:   mock,
	})
	t.Cleanup(func() { _ = r.Close() })
	return r, mock, cat
}

func tickFrames(t *testing.T, mock *clock.Mock, ctrl *capture.Controller, n int) {
	t.Helper()
	events := make(chan capture.Event, n)
	unsubscribe := ctrl.Subscribe(func(e capture.Event) { events <- e })
	defer unsubscribe()

	for i := 0; i < n; i++ {
		mock.Add(10 * time.Millisecond)
		select {
		case <-events:
		case <-time.After(2 * time.Second):
			t.Fatal("timed out waiting for frame")
		}
	}
}

func TestFileName(t *testing.T) {
	assert.Equal(t, "lab_20260504_101530.mocap", FileName("lab", testStart))
}

func TestUniquePath(t *testing.T) {
	dir := t.TempDir()
	first := uniquePath(dir, "lab", testStart)
	assert.Equal(t, filepath.Join(dir, "lab_20260504_101530.mocap"), first)

	require.NoError(t, os.WriteFile(first, nil, 0644))
	assert.Equal(t, filepath.Join(dir, "lab_20260504_101530_2.mocap"), uniquePath(dir, "lab", testStart))
}

func TestSession_CatalogLifecycle(t *testing.T) {
	r, mock, cat := newTestRecorder(t, 2)

	ctrl, err := r.NewSession(source.NewSimulated(source.SimulatedConfig{NMarkers: 2, StartIndex: 50}), map[string]string{"subject": "s01"})
	require.NoError(t, err)
	assert.Equal(t, "lab_20260504_101530.mocap", filepath.Base(ctrl.Path()))
	assert.Same(t, ctrl, r.Current())

	require.NoError(t, ctrl.Start(context.Background()))
	entry, err := cat.Get(ctrl.SessionID())
	require.NoError(t, err)
	assert.Equal(t, "started", entry.State)
	assert.Equal(t, 2, entry.NMarkers)
	assert.Equal(t, "s01", entry.Header["subject"])

	tickFrames(t, mock, ctrl, 3)
	require.NoError(t, ctrl.Finish())

	entry, err = cat.Get(ctrl.SessionID())
	require.NoError(t, err)
	assert.Equal(t, "finished", entry.State)
	assert.Equal(t, int64(3), entry.FramesAcquired)
	require.NotNil(t, entry.FirstFrameIndex)
	assert.Equal(t, int32(50), *entry.FirstFrameIndex)
	require.NotNil(t, entry.FinishedAt)

	log, err := logfile.Load(ctrl.Path())
	require.NoError(t, err)
	assert.Equal(t, "s01", log.Header.Extra["subject"])
	assert.Equal(t, ctrl.SessionID(), log.Header.SessionID)
	assert.Equal(t, []int32{50, 51, 52}, log.Columns.FrameIndex)
}

func TestSession_IdleFinishNotCatalogued(t *testing.T) {
	r, _, cat := newTestRecorder(t, 0)
	ctrl, err := r.NewSession(source.NewFrames(), nil)
	require.NoError(t, err)
	require.NoError(t, ctrl.Finish())

	list, err := cat.List()
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestRun_StopsOnContext(t *testing.T) {
	r, _, _ := newTestRecorder(t, 0)
	ctrl, err := r.NewSession(source.NewSimulated(source.SimulatedConfig{}), nil)
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(ctx, ctrl, 0) }()

	require.Eventually(t, func() bool { return ctrl.State() == capture.Started }, time.Second, time.Millisecond)
	cancel()

	select {
	case err := <-errCh:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return")
	}
	assert.Equal(t, capture.Finished, ctrl.State())
}

func TestRun_StopsAfterDuration(t *testing.T) {
	r, mock, _ := newTestRecorder(t, 0)
	ctrl, err := r.NewSession(source.NewFrames(core.Frame{Index: 1}), nil)
	require.NoError(t, err)

	errCh := make(chan error, 1)
	go func() { errCh <- r.Run(context.Background(), ctrl, time.Second) }()

	var runErr error
	require.Eventually(t, func() bool {
		mock.Add(100 * time.Millisecond)
		select {
		case runErr = <-errCh:
			return true
		default:
			return false
		}
	}, 5*time.Second, 5*time.Millisecond)

	require.NoError(t, runErr)
	assert.Equal(t, capture.Finished, ctrl.State())
}

func TestCleanupAndClose(t *testing.T) {
	r, mock, _ := newTestRecorder(t, 0)

	a, err := r.NewSession(source.NewSimulated(source.SimulatedConfig{}), nil)
	require.NoError(t, err)
	require.NoError(t, a.Start(context.Background()))
	tickFrames(t, mock, a, 1)

	mock.Add(time.Second)
	b, err := r.NewSession(source.NewSimulated(source.SimulatedConfig{}), nil)
	require.NoError(t, err)
	require.NoError(t, b.Start(context.Background()))

	paths := r.Paths()
	require.Len(t, paths, 2)
	assert.NotEqual(t, paths[0], paths[1])

	attrs := r.LogAttrs()
	require.Len(t, attrs, 2)
	assert.Equal(t, "active_session", attrs[0].Key)
	assert.Equal(t, b.SessionID(), attrs[0].Value.String())
	assert.Equal(t, "active_state", attrs[1].Key)
	assert.Equal(t, capture.Started.String(), attrs[1].Value.String())

	require.NoError(t, r.Cleanup())
	for _, p := range paths {
		_, err := os.Stat(p)
		assert.True(t, os.IsNotExist(err), p)
	}

	require.NoError(t, r.Close())
	require.NoError(t, r.Close())
	_, err = r.NewSession(source.NewFrames(), nil)
	require.ErrorIs(t, err, ErrClosed)
}

func TestNewSource(t *testing.T) {
	src, n, err := NewSource(config.CaptureConfig{Source: SourceSimulated, NMarkers: 4}, "")
	require.NoError(t, err)
	assert.Equal(t, 4, n)
	f, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 4, f.Markers.Len())

	_, _, err = NewSource(config.CaptureConfig{Source: SourceReplay}, "")
	require.Error(t, err)

	_, _, err = NewSource(config.CaptureConfig{Source: "mocap-server"}, "")
	require.Error(t, err)
}

func TestNewSource_Replay(t *testing.T) {
	r, mock, _ := newTestRecorder(t, 3)
	ctrl, err := r.NewSession(source.NewSimulated(source.SimulatedConfig{NMarkers: 3, StartIndex: 7}), nil)
	require.NoError(t, err)
	require.NoError(t, ctrl.Start(context.Background()))
	tickFrames(t, mock, ctrl, 2)
	require.NoError(t, ctrl.Finish())

	src, n, err := NewSource(config.CaptureConfig{Source: SourceReplay}, ctrl.Path())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	f, err := src.Fetch(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int32(7), f.Index)
}
