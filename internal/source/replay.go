package source

import (
	"context"
	"sync"

	"github.com/posecap/recorder/internal/codec"
	"github.com/posecap/recorder/pkg/core"
)

// Replay plays back decoded columns one frame per Fetch.
type Replay struct {
	cols *codec.Columns
	loop bool

	mu  sync.Mutex
	pos int
}

// NewReplay returns a source over cols. When loop is set playback restarts
// after the last frame; otherwise the source reports ErrNoNewFrame.
func NewReplay(cols *codec.Columns, loop bool) *Replay {
	return &Replay{cols: cols, loop: loop}
}

// NewFrames returns a source that plays back a fixed slice of frames.
func NewFrames(frames ...core.Frame) FrameSource {
	var (
		mu  sync.Mutex
		pos int
	)
	return Func(func(ctx context.Context) (core.Frame, error) {
		mu.Lock()
		defer mu.Unlock()
		if pos >= len(frames) {
			return core.Frame{}, ErrNoNewFrame
		}
		f := frames[pos].Clone()
		pos++
		return f, nil
	})
}

// Fetch returns the next recorded frame.
func (r *Replay) Fetch(ctx context.Context) (core.Frame, error) {
	if err := ctx.Err(); err != nil {
		return core.Frame{}, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if r.pos >= r.cols.NFrames {
		if !r.loop || r.cols.NFrames == 0 {
			return core.Frame{}, ErrNoNewFrame
		}
		r.pos = 0
	}
	f := r.cols.Frame(r.pos)
	r.pos++
	return f, nil
}

// Remaining returns how many frames are left before the end of the recording.
func (r *Replay) Remaining() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.cols.NFrames - r.pos
}
