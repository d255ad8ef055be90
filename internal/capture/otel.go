package capture

import (
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
)

const instrumentationName = "github.com/posecap/recorder/internal/capture"

func defaultMeter() metric.Meter {
	return otel.Meter(instrumentationName)
}

type instruments struct {
	acquired      metric.Int64Counter
	fetchFailures metric.Int64Counter
	bytesWritten  metric.Int64Counter
	cycleDuration metric.Float64Histogram
}

func newInstruments(m metric.Meter) (*instruments, error) {
	var (
		in  instruments
		err error
	)

	in.acquired, err = m.Int64Counter(
		"capture.frames.acquired",
		metric.WithDescription("Total frames appended to the log"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating acquired counter: %w", err)
	}

	in.fetchFailures, err = m.Int64Counter(
		"capture.fetch.failures",
		metric.WithDescription("Total failed frame fetches"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating fetch failure counter: %w", err)
	}

	in.bytesWritten, err = m.Int64Counter(
		"capture.bytes.written",
		metric.WithDescription("Total record bytes appended to the log"),
		metric.WithUnit("By"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating bytes counter: %w", err)
	}

	in.cycleDuration, err = m.Float64Histogram(
		"capture.cycle.duration",
		metric.WithDescription("Duration of a poll cycle"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		return nil, fmt.Errorf("creating cycle histogram: %w", err)
	}

	return &in, nil
}
