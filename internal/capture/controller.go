// Package capture drives a recording session: it polls a frame source on a
// fixed interval, encodes each frame and appends it to a log file.
package capture

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/posecap/recorder/internal/codec"
	"github.com/posecap/recorder/internal/logfile"
	"github.com/posecap/recorder/internal/schema"
	"github.com/posecap/recorder/internal/source"
	"github.com/posecap/recorder/pkg/core"
	"go.opentelemetry.io/otel/metric"
)

var (
	// ErrFinished is returned by Start once the session is finished.
	ErrFinished = errors.New("capture session finished")
	// ErrStreamWrite wraps failures writing the log file.
	ErrStreamWrite = errors.New("log stream write failed")
	// ErrSourceFetch wraps failures returned by the frame source.
	ErrSourceFetch = errors.New("frame fetch failed")
)

// DefaultInterval is the poll period used when Config.Interval is zero.
const DefaultInterval = 10 * time.Millisecond

// Config describes one capture session.
type Config struct {
	NMarkers  int
	Interval  time.Duration
	Path      string
	Format    logfile.Format
	SessionID string
	// Metadata is written to the header as extra keys.
	Metadata map[string]string
}

// Option configures a Controller.
type Option func(*Controller)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(c clock.Clock) Option {
	return func(ctrl *Controller) {
		ctrl.clock = c
	}
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(ctrl *Controller) {
		ctrl.logger = l
	}
}

// WithMeter sets the meter used for capture metrics.
func WithMeter(m metric.Meter) Option {
	return func(ctrl *Controller) {
		ctrl.meter = m
	}
}

type recordWriter interface {
	Append(rec []byte) error
	Close(final logfile.Header) error
}

type createFunc func(path string, format logfile.Format, h logfile.Header) (recordWriter, error)

func createLog(path string, format logfile.Format, h logfile.Header) (recordWriter, error) {
	return logfile.Create(path, format, h)
}

type subscription struct {
	id int
	fn Observer
}

// Controller owns a single capture session.
type Controller struct {
	cfg    Config
	src    source.FrameSource
	schema *schema.Schema
	codec  *codec.Codec
	clock  clock.Clock
	logger *slog.Logger
	meter  metric.Meter
	inst   *instruments
	create createFunc

	mu             sync.Mutex
	state          State
	writer         recordWriter
	createdAt      time.Time
	framesAcquired int64
	firstIndex     int32
	haveFirst      bool
	err            error
	rec            []byte
	stop           chan struct{}
	done           chan struct{}
	cancel         context.CancelFunc

	// closed is closed once the log file is closed for good
	closed chan struct{}

	// notifying counts observer calls in progress on the poll goroutine
	notifying atomic.Int32

	obsMu     sync.RWMutex
	observers []subscription
	nextSubID int
	listeners []func(Transition)
}

// New validates cfg and returns an idle controller. No file is touched until Start.
func New(cfg Config, src source.FrameSource, opts ...Option) (*Controller, error) {
	if src == nil {
		return nil, errors.New("frame source is required")
	}
	if cfg.Path == "" {
		return nil, errors.New("output path is required")
	}
	if cfg.Interval < 0 {
		return nil, fmt.Errorf("invalid poll interval %s", cfg.Interval)
	}
	if cfg.Interval == 0 {
		cfg.Interval = DefaultInterval
	}

	if err := logfile.ValidateExtra(cfg.Metadata); err != nil {
		return nil, err
	}

	s, err := schema.New(cfg.NMarkers)
	if err != nil {
		return nil, err
	}

	c := &Controller{
		cfg:    cfg,
		src:    src,
		schema: s,
		codec:  codec.New(s),
		clock:  clock.New(),
		logger: slog.New(slog.DiscardHandler),
		create: createLog,
		closed: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.meter == nil {
		c.meter = defaultMeter()
	}

	c.inst, err = newInstruments(c.meter)
	if err != nil {
		return nil, err
	}

	return c, nil
}

// Start begins capturing. From Idle it creates the log file; from Paused it
// resumes appending to the same file. Start on a running session is a no-op.
func (c *Controller) Start(ctx context.Context) error {
	c.mu.Lock()

	switch c.state {
	case Started:
		c.mu.Unlock()
		return nil
	case Finished:
		c.mu.Unlock()
		return ErrFinished
	case Idle:
		c.createdAt = c.clock.Now().UTC()
		w, err := c.create(c.cfg.Path, c.cfg.Format, c.headerLocked())
		if err != nil {
			c.mu.Unlock()
			return fmt.Errorf("%w: %w", ErrStreamWrite, err)
		}
		c.writer = w
	}

	c.launchLocked(ctx)
	tr := c.setStateLocked(Started, nil)
	c.mu.Unlock()

	c.logger.Info("Capture started",
		"path", c.cfg.Path,
		"markers", c.cfg.NMarkers,
		"interval", c.cfg.Interval,
		"resumed", tr.From == Paused)
	c.emit(tr)
	return nil
}

// Pause stops polling without closing the log. It returns once no further
// frame can be appended. Pause outside Started is a no-op.
func (c *Controller) Pause() error {
	c.mu.Lock()
	if c.state != Started {
		c.mu.Unlock()
		return nil
	}
	c.stopLocked()
	done := c.done
	tr := c.setStateLocked(Paused, nil)
	c.mu.Unlock()

	c.awaitLoop(done)

	c.logger.Info("Capture paused", "frames", c.FramesAcquired())
	c.emit(tr)
	return nil
}

// Finish stops polling, rewrites the header with the final counters and
// closes the log. Calling Finish again is a no-op. Finishing an idle
// session produces no file.
func (c *Controller) Finish() error {
	c.mu.Lock()

	switch c.state {
	case Finished:
		c.mu.Unlock()
		<-c.closed
		return nil
	case Idle:
		tr := c.setStateLocked(Finished, nil)
		close(c.closed)
		c.mu.Unlock()
		c.emit(tr)
		return nil
	case Started:
		c.stopLocked()
	}

	done := c.done
	tr := c.setStateLocked(Finished, nil)
	c.mu.Unlock()

	if done != nil {
		c.awaitLoop(done)
	}

	c.mu.Lock()
	err := c.writer.Close(c.headerLocked())
	frames := c.framesAcquired
	close(c.closed)
	c.mu.Unlock()

	c.logger.Info("Capture finished", "path", c.cfg.Path, "frames", frames)
	c.emit(tr)

	if err != nil {
		return fmt.Errorf("%w: %w", ErrStreamWrite, err)
	}
	return nil
}

// Cleanup finishes the session if needed and removes its log file.
func (c *Controller) Cleanup() error {
	if err := c.Finish(); err != nil {
		c.logger.Warn("Finish before cleanup failed", "error", err)
	}

	c.mu.Lock()
	created := c.writer != nil
	c.mu.Unlock()
	if !created {
		return nil
	}

	if err := os.Remove(c.cfg.Path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove %s: %w", c.cfg.Path, err)
	}
	c.logger.Info("Removed capture log", "path", c.cfg.Path)
	return nil
}

// Subscribe registers fn to receive poll events in registration order.
// The returned function removes the subscription.
func (c *Controller) Subscribe(fn Observer) func() {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()

	id := c.nextSubID
	c.nextSubID++
	c.observers = append(c.observers, subscription{id: id, fn: fn})

	return func() {
		c.obsMu.Lock()
		defer c.obsMu.Unlock()
		for i, s := range c.observers {
			if s.id == id {
				c.observers = append(c.observers[:i:i], c.observers[i+1:]...)
				return
			}
		}
	}
}

// OnStateChange registers fn to be called after every lifecycle transition.
func (c *Controller) OnStateChange(fn func(Transition)) {
	c.obsMu.Lock()
	defer c.obsMu.Unlock()
	c.listeners = append(c.listeners, fn)
}

func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Controller) FramesAcquired() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.framesAcquired
}

// FirstFrameIndex returns the index of the first captured frame. ok is false
// until a frame has been captured.
func (c *Controller) FirstFrameIndex() (index int32, ok bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.firstIndex, c.haveFirst
}

// Err returns the error that ended the session, if any.
func (c *Controller) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

func (c *Controller) RecordByteSize() int {
	return c.schema.RecordByteSize()
}

func (c *Controller) Schema() *schema.Schema {
	return c.schema
}

func (c *Controller) Path() string {
	return c.cfg.Path
}

func (c *Controller) SessionID() string {
	return c.cfg.SessionID
}

func (c *Controller) headerLocked() logfile.Header {
	h := logfile.Header{
		NMarkers:       c.cfg.NMarkers,
		Version:        schema.Version,
		RecordSize:     c.schema.RecordByteSize(),
		SessionID:      c.cfg.SessionID,
		CreatedAt:      c.createdAt,
		FramesAcquired: c.framesAcquired,
		Extra:          c.cfg.Metadata,
	}
	if c.haveFirst {
		first := c.firstIndex
		h.FirstFrameIndex = &first
	}
	return h
}

func (c *Controller) setStateLocked(to State, err error) Transition {
	tr := Transition{From: c.state, To: to, At: c.clock.Now(), Err: err}
	c.state = to
	return tr
}

func (c *Controller) launchLocked(ctx context.Context) {
	loopCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel
	c.stop = make(chan struct{})
	c.done = make(chan struct{})

	// the ticker exists before Start returns so no tick is lost
	ticker := c.clock.Ticker(c.cfg.Interval)
	go c.run(loopCtx, ticker, c.stop, c.done)
}

func (c *Controller) stopLocked() {
	close(c.stop)
	c.cancel()
}

// awaitLoop waits for the poll goroutine to exit. When an observer is running
// on that goroutine the wait is skipped: the stop channel is already closed,
// so the loop exits as soon as the observer returns and appends nothing more.
func (c *Controller) awaitLoop(done <-chan struct{}) {
	if c.notifying.Load() > 0 {
		return
	}
	<-done
}

func (c *Controller) activeLocked(stop <-chan struct{}) bool {
	select {
	case <-stop:
		return false
	default:
	}
	return c.state == Started
}

func (c *Controller) run(ctx context.Context, ticker *clock.Ticker, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			if !c.cycle(ctx, stop) {
				return
			}
		}
	}
}

// cycle runs one fetch/encode/append pass. It returns false when the loop must exit.
func (c *Controller) cycle(ctx context.Context, stop <-chan struct{}) bool {
	begin := c.clock.Now()
	c.mu.Lock()
	active := c.activeLocked(stop)
	c.mu.Unlock()
	if !active {
		return false
	}

	// Fetch runs without c.mu; Pause and Finish cancel ctx to interrupt it.
	frame, err := c.src.Fetch(ctx)

	c.mu.Lock()
	if !c.activeLocked(stop) {
		c.mu.Unlock()
		return false
	}
	if errors.Is(err, source.ErrNoNewFrame) {
		c.mu.Unlock()
		return true
	}
	if err != nil {
		err = fmt.Errorf("%w: %w", ErrSourceFetch, err)
		ev := c.eventLocked(core.Frame{}, err)
		c.mu.Unlock()

		c.logger.Warn("Frame fetch failed", "error", err)
		c.inst.fetchFailures.Add(context.Background(), 1)
		c.notify(ev)
		return true
	}

	c.rec, err = c.codec.AppendEncode(c.rec[:0], &frame)
	if err == nil {
		if werr := c.writer.Append(c.rec); werr != nil {
			err = fmt.Errorf("%w: %w", ErrStreamWrite, werr)
		}
	}
	if err != nil {
		tr := c.failLocked(err)
		ev := c.eventLocked(frame.Clone(), err)
		c.mu.Unlock()

		c.logger.Error("Capture session failed", "error", err, "frame_index", frame.Index)
		c.notify(ev)
		c.emit(tr)
		return false
	}

	if !c.haveFirst {
		c.firstIndex = frame.Index
		c.haveFirst = true
	}
	c.framesAcquired++
	ev := c.eventLocked(frame.Clone(), nil)
	n := len(c.rec)
	c.mu.Unlock()

	c.inst.acquired.Add(context.Background(), 1)
	c.inst.bytesWritten.Add(context.Background(), int64(n))
	c.inst.cycleDuration.Record(context.Background(), float64(c.clock.Since(begin).Microseconds())/1000)
	c.notify(ev)
	return true
}

// failLocked ends the session after a fatal error and closes the file best-effort.
func (c *Controller) failLocked(err error) Transition {
	c.err = err
	tr := c.setStateLocked(Finished, err)
	c.cancel()
	if cerr := c.writer.Close(c.headerLocked()); cerr != nil {
		c.logger.Warn("Failed to close log after error", "error", cerr)
	}
	close(c.closed)
	return tr
}

func (c *Controller) eventLocked(f core.Frame, err error) Event {
	return Event{
		Frame:           f,
		FramesAcquired:  c.framesAcquired,
		FirstFrameIndex: c.firstIndex,
		HasFirstFrame:   c.haveFirst,
		Err:             err,
		At:              c.clock.Now(),
	}
}

func (c *Controller) notify(ev Event) {
	c.obsMu.RLock()
	subs := make([]subscription, len(c.observers))
	copy(subs, c.observers)
	c.obsMu.RUnlock()

	c.notifying.Add(1)
	defer c.notifying.Add(-1)
	for _, s := range subs {
		s.fn(ev)
	}
}

func (c *Controller) emit(tr Transition) {
	c.obsMu.RLock()
	listeners := make([]func(Transition), len(c.listeners))
	copy(listeners, c.listeners)
	c.obsMu.RUnlock()

	for _, fn := range listeners {
		fn(tr)
	}
}
