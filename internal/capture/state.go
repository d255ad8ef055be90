package capture

import (
	"time"

	"github.com/posecap/recorder/pkg/core"
)

// State is the lifecycle position of a capture session.
type State int

const (
	Idle State = iota
	Started
	Paused
	Finished
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Started:
		return "started"
	case Paused:
		return "paused"
	case Finished:
		return "finished"
	}
	return "unknown"
}

// Transition describes a lifecycle change. Err is set when the session was
// finished by a fatal error.
type Transition struct {
	From State
	To   State
	At   time.Time
	Err  error
}

// Event is delivered to observers after each poll cycle that produced a frame
// or a fetch error. Frame is a copy owned by the observer.
type Event struct {
	Frame           core.Frame
	FramesAcquired  int64
	FirstFrameIndex int32
	HasFirstFrame   bool
	Err             error
	At              time.Time
}

// Observer receives events synchronously on the poll goroutine and must
// return promptly. An observer may call Pause, Finish or Cleanup; they return
// without waiting for the poll goroutine, which stops once the observer returns.
type Observer func(Event)
