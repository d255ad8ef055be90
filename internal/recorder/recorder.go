// Package recorder wires capture sessions to the catalog, telemetry and
// logging, and names their output files.
package recorder

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/google/uuid"
	"github.com/posecap/recorder/internal/capture"
	"github.com/posecap/recorder/internal/catalog"
	"github.com/posecap/recorder/internal/config"
	"github.com/posecap/recorder/internal/influx"
	"github.com/posecap/recorder/internal/logfile"
	"github.com/posecap/recorder/internal/source"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/multierr"
)

// Extension is the file extension of capture logs.
const Extension = ".mocap"

// ErrClosed is returned by NewSession after Close.
var ErrClosed = errors.New("recorder closed")

// Dependencies holds the services a Recorder uses. Everything except Logger is optional.
type Dependencies struct {
	Logger    *slog.Logger
	Catalog   catalog.Backend
	Telemetry *influx.Manager
	Meter     metric.Meter
	Clock     clock.Clock
}

// Recorder creates capture sessions and tracks them until Close.
type Recorder struct {
	cfg  config.CaptureConfig
	deps Dependencies

	mu       sync.Mutex
	sessions []*capture.Controller
	closed   bool

	// read by log handlers, which may run while mu or a controller lock is held
	current      atomic.Pointer[capture.Controller]
	currentState atomic.Value
}

// New returns a recorder writing into cfg.OutputDir.
func New(cfg config.CaptureConfig, deps Dependencies) *Recorder {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Clock == nil {
		deps.Clock = clock.New()
	}
	if cfg.FilePrefix == "" {
		cfg.FilePrefix = "capture"
	}
	return &Recorder{cfg: cfg, deps: deps}
}

// FileName returns "<prefix>_<YYYYMMDD_HHMMSS>.mocap" for t.
func FileName(prefix string, t time.Time) string {
	return fmt.Sprintf("%s_%s%s", prefix, t.Format("20060102_150405"), Extension)
}

// uniquePath appends a counter when a session already claimed name this second.
func uniquePath(dir, prefix string, t time.Time) string {
	path := filepath.Join(dir, FileName(prefix, t))
	for n := 2; ; n++ {
		if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
			return path
		}
		path = filepath.Join(dir, fmt.Sprintf("%s_%s_%d%s", prefix, t.Format("20060102_150405"), n, Extension))
	}
}

// NewSession creates an idle capture session reading from src. metadata is
// written to the log header and the catalog.
func (r *Recorder) NewSession(src source.FrameSource, metadata map[string]string) (*capture.Controller, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.closed {
		return nil, ErrClosed
	}

	id := uuid.NewString()
	path := uniquePath(r.cfg.OutputDir, r.cfg.FilePrefix, r.deps.Clock.Now())
	log := r.deps.Logger.With("session_id", id)

	opts := []capture.Option{
		capture.WithClock(r.deps.Clock),
		capture.WithLogger(log),
	}
	if r.deps.Meter != nil {
		opts = append(opts, capture.WithMeter(r.deps.Meter))
	}

	ctrl, err := capture.New(capture.Config{
		NMarkers:  r.cfg.NMarkers,
		Interval:  r.cfg.Interval,
		Path:      path,
		Format:    logfile.Format{HeaderSize: r.cfg.HeaderSize},
		SessionID: id,
		Metadata:  metadata,
	}, src, opts...)
	if err != nil {
		return nil, err
	}

	if r.deps.Telemetry != nil {
		ctrl.Subscribe(r.deps.Telemetry.Observer(id))
	}
	if r.deps.Catalog != nil {
		ctrl.OnStateChange(r.catalogListener(ctrl, metadata, log))
	}

	ctrl.OnStateChange(func(tr capture.Transition) {
		if r.current.Load() == ctrl {
			r.currentState.Store(tr.To.String())
		}
	})

	r.sessions = append(r.sessions, ctrl)
	r.current.Store(ctrl)
	r.currentState.Store(capture.Idle.String())
	log.Info("Capture session created", "path", path)
	return ctrl, nil
}

func (r *Recorder) catalogListener(ctrl *capture.Controller, metadata map[string]string, log *slog.Logger) func(capture.Transition) {
	var (
		mu    sync.Mutex
		entry *catalog.Session
	)

	return func(tr capture.Transition) {
		if tr.From == capture.Idle && tr.To == capture.Finished {
			return
		}

		mu.Lock()
		defer mu.Unlock()

		// transitions may arrive out of order; the entry mirrors the controller's current state
		register := entry == nil
		if register {
			header := make(map[string]any, len(metadata))
			for k, v := range metadata {
				header[k] = v
			}
			entry = &catalog.Session{
				ID:         ctrl.SessionID(),
				Path:       ctrl.Path(),
				NMarkers:   ctrl.Schema().NMarkers(),
				RecordSize: ctrl.RecordByteSize(),
				StartedAt:  tr.At.UTC(),
				Header:     header,
			}
		}

		state := ctrl.State()
		entry.State = state.String()
		entry.FramesAcquired = ctrl.FramesAcquired()
		if idx, ok := ctrl.FirstFrameIndex(); ok {
			entry.FirstFrameIndex = &idx
		}
		if state == capture.Finished && entry.FinishedAt == nil {
			at := tr.At.UTC()
			entry.FinishedAt = &at
		}
		if err := ctrl.Err(); err != nil {
			entry.Error = err.Error()
		}

		if register {
			if err := r.deps.Catalog.Register(entry); err != nil {
				log.Error("Failed to register session in catalog", "error", err)
			}
			return
		}
		if err := r.deps.Catalog.Update(entry); err != nil {
			log.Error("Failed to update session in catalog", "error", err)
		}
	}
}

// Run starts ctrl and finishes it after duration, or when ctx is done.
// A zero duration records until ctx is done.
func (r *Recorder) Run(ctx context.Context, ctrl *capture.Controller, duration time.Duration) error {
	if err := ctrl.Start(ctx); err != nil {
		return err
	}

	var timeout <-chan time.Time
	if duration > 0 {
		timer := r.deps.Clock.Timer(duration)
		defer timer.Stop()
		timeout = timer.C
	}

	select {
	case <-ctx.Done():
	case <-timeout:
	}

	if err := ctrl.Finish(); err != nil {
		return err
	}
	return ctrl.Err()
}

// Current returns the most recently created session, or nil.
func (r *Recorder) Current() *capture.Controller {
	return r.current.Load()
}

// Sessions returns every session created so far.
func (r *Recorder) Sessions() []*capture.Controller {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*capture.Controller, len(r.sessions))
	copy(out, r.sessions)
	return out
}

// Paths returns the log paths of all sessions, in creation order.
func (r *Recorder) Paths() []string {
	sessions := r.Sessions()
	paths := make([]string, len(sessions))
	for i, s := range sessions {
		paths[i] = s.Path()
	}
	return paths
}

// LogAttrs describes the most recent session for log records. Records from a
// session's own logger carry session_id separately.
func (r *Recorder) LogAttrs() []slog.Attr {
	cur := r.current.Load()
	if cur == nil {
		return nil
	}
	state, _ := r.currentState.Load().(string)
	return []slog.Attr{
		slog.String("active_session", cur.SessionID()),
		slog.String("active_state", state),
	}
}

// Cleanup finishes every session and removes their logs.
func (r *Recorder) Cleanup() error {
	var err error
	for _, s := range r.Sessions() {
		err = multierr.Append(err, s.Cleanup())
	}
	return err
}

// Close finishes every session, then closes the telemetry manager and the catalog.
func (r *Recorder) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	sessions := make([]*capture.Controller, len(r.sessions))
	copy(sessions, r.sessions)
	r.mu.Unlock()

	var err error
	for _, s := range sessions {
		err = multierr.Append(err, s.Finish())
	}
	if r.deps.Telemetry != nil {
		err = multierr.Append(err, r.deps.Telemetry.Close())
	}
	if r.deps.Catalog != nil {
		err = multierr.Append(err, r.deps.Catalog.Close())
	}
	return err
}
