// Package influx publishes per-frame telemetry to InfluxDB. When the server
// is unreachable points are appended to a gzip line-protocol backup file.
package influx

import (
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxdb2_api "github.com/influxdata/influxdb-client-go/v2/api"
	influxdb2_write "github.com/influxdata/influxdb-client-go/v2/api/write"
	"github.com/influxdata/influxdb-client-go/v2/domain"
	"github.com/posecap/recorder/internal/capture"
	"github.com/posecap/recorder/internal/config"
	"github.com/rs/zerolog"
	"go.uber.org/multierr"
)

// Measurement is the measurement name of frame points.
const Measurement = "frame_telemetry"

// ErrDisabled is returned by Connect when telemetry is switched off.
var ErrDisabled = errors.New("influx telemetry disabled")

// Manager handles InfluxDB connections and writes.
type Manager struct {
	cfg        config.InfluxConfig
	logger     zerolog.Logger
	backupPath string

	mu           sync.Mutex
	client       influxdb2.Client
	writer       influxdb2_api.WriteAPI
	backupFile   *os.File
	backupWriter *gzip.Writer
	valid        bool
	points       int64
}

// NewManager creates a new InfluxDB manager.
func NewManager(cfg config.InfluxConfig, log zerolog.Logger, backupPath string) *Manager {
	return &Manager{
		cfg:        cfg,
		logger:     log,
		backupPath: backupPath,
	}
}

// Connect pings the server and prepares the bucket. When the ping fails the
// manager switches to the backup file instead of returning an error.
func (m *Manager) Connect(ctx context.Context) error {
	if !m.cfg.Enabled {
		return ErrDisabled
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.client = influxdb2.NewClientWithOptions(
		fmt.Sprintf("%s://%s:%s", m.cfg.Protocol, m.cfg.Host, m.cfg.Port),
		m.cfg.Token,
		influxdb2.DefaultOptions().
			SetBatchSize(2500).
			SetFlushInterval(1000),
	)

	running, err := m.client.Ping(ctx)
	if err != nil || !running {
		m.valid = false
		m.logger.Warn().Err(err).Str("backupPath", m.backupPath).
			Msg("InfluxDB unreachable, writing frame telemetry to backup file")
		return m.openBackupLocked()
	}

	if err := m.ensureBucket(ctx); err != nil {
		return err
	}

	m.writer = m.client.WriteAPI(m.cfg.Org, m.cfg.Bucket)
	go func(errorsCh <-chan error) {
		for writeErr := range errorsCh {
			m.logger.Error().Err(writeErr).Str("bucket", m.cfg.Bucket).
				Msg("Error sending data to InfluxDB")
		}
	}(m.writer.Errors())

	m.valid = true
	m.logger.Info().Str("bucket", m.cfg.Bucket).Msg("InfluxDB client initialized")
	return nil
}

func (m *Manager) openBackupLocked() error {
	if m.backupWriter != nil {
		return nil
	}
	file, err := os.OpenFile(m.backupPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("error creating backup file: %w", err)
	}
	m.backupFile = file
	m.backupWriter = gzip.NewWriter(file)
	return nil
}

func (m *Manager) ensureBucket(ctx context.Context) error {
	orgs := m.client.OrganizationsAPI()

	org, err := orgs.FindOrganizationByName(ctx, m.cfg.Org)
	if err != nil {
		m.logger.Info().Str("org", m.cfg.Org).Msg("Organization not found, creating")
		org, err = orgs.CreateOrganizationWithName(ctx, m.cfg.Org)
		if err != nil {
			return fmt.Errorf("creating organization %s: %w", m.cfg.Org, err)
		}
	}

	if _, err := m.client.BucketsAPI().FindBucketByName(ctx, m.cfg.Bucket); err == nil {
		return nil
	}

	m.logger.Info().Str("bucket", m.cfg.Bucket).Msg("Bucket not found, creating")
	rule := domain.RetentionRuleTypeExpire
	_, err = m.client.BucketsAPI().CreateBucketWithName(ctx, org, m.cfg.Bucket, domain.RetentionRule{
		Type:         &rule,
		EverySeconds: 60 * 60 * 24 * 30,
	})
	if err != nil {
		return fmt.Errorf("creating bucket %s: %w", m.cfg.Bucket, err)
	}
	return nil
}

// Valid reports whether points go to the server rather than the backup file.
func (m *Manager) Valid() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.valid
}

// Points returns how many points were written so far.
func (m *Manager) Points() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.points
}

// WritePoint writes a point to InfluxDB or to the backup file.
func (m *Manager) WritePoint(point *influxdb2_write.Point) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.valid:
		m.writer.WritePoint(point)
	case m.backupWriter != nil:
		line := influxdb2_write.PointToLineProtocol(point, time.Nanosecond)
		if !strings.HasSuffix(line, "\n") {
			line += "\n"
		}
		if _, err := m.backupWriter.Write([]byte(line)); err != nil {
			return fmt.Errorf("error writing to InfluxDB backup file: %w", err)
		}
	default:
		return errors.New("influxDB client not initialized and backup writer not available")
	}

	m.points++
	return nil
}

// FramePoint converts a capture event into a frame_telemetry point.
func FramePoint(sessionID string, ev capture.Event) *influxdb2_write.Point {
	p := influxdb2_write.NewPointWithMeasurement(Measurement).
		AddTag("session", sessionID).
		SetTime(ev.At)

	if ev.Err != nil {
		return p.AddTag("kind", "error").
			AddField("error", ev.Err.Error()).
			AddField("frames_acquired", ev.FramesAcquired)
	}

	f := ev.Frame
	return p.AddTag("kind", "frame").
		AddField("frame_index", f.Index).
		AddField("timestamp", f.Timestamp).
		AddField("latency", f.Latency).
		AddField("position_error", f.PositionError).
		AddField("tracked", f.Tracked == 1).
		AddField("markers", f.Markers.Len()).
		AddField("frames_acquired", ev.FramesAcquired)
}

// Observer returns a capture observer that writes one point per event.
func (m *Manager) Observer(sessionID string) capture.Observer {
	return func(ev capture.Event) {
		if err := m.WritePoint(FramePoint(sessionID, ev)); err != nil {
			m.logger.Warn().Err(err).Msg("Failed to write frame telemetry")
		}
	}
}

// Close flushes pending points and releases the client and backup file.
func (m *Manager) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	var err error
	if m.writer != nil {
		m.writer.Flush()
		m.writer = nil
	}
	if m.client != nil {
		m.client.Close()
		m.client = nil
	}
	if m.backupWriter != nil {
		err = multierr.Append(err, m.backupWriter.Close())
		err = multierr.Append(err, m.backupFile.Close())
		m.backupWriter = nil
		m.backupFile = nil
	}
	m.valid = false
	return err
}
