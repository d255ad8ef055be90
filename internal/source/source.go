// Package source defines where frames come from.
package source

import (
	"context"
	"errors"

	"github.com/posecap/recorder/pkg/core"
)

// ErrNoNewFrame is returned by a source that has nothing newer than the last
// frame it delivered. Pollers skip the cycle without treating it as a failure.
var ErrNoNewFrame = errors.New("no new frame")

// FrameSource delivers one frame per call. Fetch must return promptly: a
// live source returns its most recent frame or ErrNoNewFrame, never blocks
// waiting for the next one.
type FrameSource interface {
	Fetch(ctx context.Context) (core.Frame, error)
}

// Func adapts a function to FrameSource.
type Func func(ctx context.Context) (core.Frame, error)

// Fetch calls fn.
func (fn Func) Fetch(ctx context.Context) (core.Frame, error) {
	return fn(ctx)
}
