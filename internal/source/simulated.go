package source

import (
	"context"
	"math"
	"sync"

	"github.com/posecap/recorder/pkg/core"
	"gonum.org/v1/gonum/num/quat"
)

// SimulatedConfig configures a Simulated source.
type SimulatedConfig struct {
	NMarkers   int
	StartIndex int32
	// FrameRate is the simulated tracker rate in Hz; timestamps advance by 1/FrameRate.
	FrameRate float64
	// AngularRate is the rotation speed about Z in rad/s.
	AngularRate float64
	// Radius of the circle the body and marker ring follow.
	Radius float64
	// Limit stops the source after this many frames (0 = unlimited).
	Limit int
}

// Simulated produces deterministic synthetic frames: consecutive indexes,
// a body moving on a circle while rotating about Z, and a ring of markers
// around it.
type Simulated struct {
	cfg SimulatedConfig

	mu   sync.Mutex
	next int32
	sent int
}

// NewSimulated returns a source starting at cfg.StartIndex.
func NewSimulated(cfg SimulatedConfig) *Simulated {
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 120
	}
	if cfg.Radius == 0 {
		cfg.Radius = 1
	}
	return &Simulated{cfg: cfg, next: cfg.StartIndex}
}

// Fetch returns the next synthetic frame, or ErrNoNewFrame once Limit frames were produced.
func (s *Simulated) Fetch(ctx context.Context) (core.Frame, error) {
	if err := ctx.Err(); err != nil {
		return core.Frame{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cfg.Limit > 0 && s.sent >= s.cfg.Limit {
		return core.Frame{}, ErrNoNewFrame
	}

	f := SyntheticFrame(s.cfg, s.next)
	s.next++
	s.sent++
	return f, nil
}

// SyntheticFrame computes the frame a Simulated source with cfg emits for index.
func SyntheticFrame(cfg SimulatedConfig, index int32) core.Frame {
	if cfg.FrameRate <= 0 {
		cfg.FrameRate = 120
	}
	if cfg.Radius == 0 {
		cfg.Radius = 1
	}

	step := float64(index - cfg.StartIndex)
	t := step / cfg.FrameRate
	theta := cfg.AngularRate * t

	// unit quaternion for a rotation of theta about Z
	q := quat.Number{Real: math.Cos(theta / 2), Kmag: math.Sin(theta / 2)}

	f := core.NewFrame(cfg.NMarkers)
	f.Index = index
	f.Timestamp = t
	f.Latency = float32(1 / cfg.FrameRate)
	f.Position = [3]float32{
		float32(cfg.Radius * math.Cos(theta)),
		float32(cfg.Radius * math.Sin(theta)),
		1,
	}
	f.Rotation = core.RotationFromQuat(q)
	f.PositionError = 0.0005
	f.Tracked = 1

	for m := 0; m < cfg.NMarkers; m++ {
		// marker offsets in the body frame, rotated into the world frame
		phi := 2 * math.Pi * float64(m) / float64(cfg.NMarkers)
		local := quat.Number{Imag: 0.1 * math.Cos(phi), Jmag: 0.1 * math.Sin(phi), Kmag: 0.01 * float64(m)}
		world := quat.Mul(quat.Mul(q, local), quat.Conj(q))

		f.Markers.X[m] = f.Position[0] + float32(world.Imag)
		f.Markers.Y[m] = f.Position[1] + float32(world.Jmag)
		f.Markers.Z[m] = f.Position[2] + float32(world.Kmag)
		f.Markers.Size[m] = 0.014
		f.Markers.Residual[m] = float32(m) * 1e-4
	}

	return f
}
