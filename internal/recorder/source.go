package recorder

import (
	"fmt"

	"github.com/posecap/recorder/internal/config"
	"github.com/posecap/recorder/internal/logfile"
	"github.com/posecap/recorder/internal/source"
)

// Source kinds accepted in capture.source.
const (
	SourceSimulated = "simulated"
	SourceReplay    = "replay"
)

// NewSource builds the frame source named by cfg.Source. A replay source
// reads replayPath and adopts its marker count, which is returned.
func NewSource(cfg config.CaptureConfig, replayPath string) (source.FrameSource, int, error) {
	switch cfg.Source {
	case SourceSimulated, "":
		return source.NewSimulated(source.SimulatedConfig{
			NMarkers:    cfg.NMarkers,
			AngularRate: 1,
		}), cfg.NMarkers, nil
	case SourceReplay:
		if replayPath == "" {
			return nil, 0, fmt.Errorf("replay source needs a log to read")
		}
		log, err := logfile.Load(replayPath)
		if err != nil {
			return nil, 0, err
		}
		return source.NewReplay(log.Columns, false), log.Header.NMarkers, nil
	default:
		return nil, 0, fmt.Errorf("unknown frame source: %s", cfg.Source)
	}
}
