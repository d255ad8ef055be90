package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/Graylog2/go-gelf/gelf"
	"github.com/posecap/recorder/internal/catalog"
	"github.com/posecap/recorder/internal/config"
	"github.com/posecap/recorder/internal/influx"
	"github.com/posecap/recorder/internal/logging"
	intOtel "github.com/posecap/recorder/internal/otel"
	"github.com/posecap/recorder/internal/recorder"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
)

const processName = "posecap"

// env holds the process-wide logging and telemetry outputs.
type env struct {
	start    time.Time
	level    string
	logsDir  string
	slog     *logging.SlogManager
	logger   *slog.Logger
	logFile  *os.File
	gelf     *gelf.Writer
	otel     *intOtel.Provider
	recorder atomic.Pointer[recorder.Recorder]
}

// setupEnv loads the config and wires logging, mirroring records to the log
// file, Graylog and OTel when they are configured.
func setupEnv(c *cli.Context) *env {
	e := &env{
		start: time.Now(),
		slog:  logging.NewSlogManager(),
	}

	// console logging until the config is read
	e.slog.Setup(c.String(flagLogLevel), logging.Outputs{})
	e.logger = e.slog.Logger()

	if err := config.Load(c.String(flagConfig)); err != nil {
		e.logger.Warn("Failed to load config, using defaults!", "error", err)
	} else {
		e.logger.Info("Loaded config")
	}

	e.level = config.GetString("logLevel")
	if c.IsSet(flagLogLevel) {
		e.level = c.String(flagLogLevel)
	}

	e.logsDir = config.GetString("logsDir")
	if err := os.MkdirAll(e.logsDir, 0755); err != nil {
		e.logger.Error("Failed to create logs directory", "error", err, "path", e.logsDir)
	} else {
		path := logging.LogFilePath(e.logsDir, processName, e.start)
		if _, err := os.Stat(path); err == nil {
			_ = os.Rename(path, path+".old")
		}
		f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_APPEND, 0666)
		if err != nil {
			e.logger.Error("Failed to create/open log file!", "error", err, "path", path)
		} else {
			e.logFile = f
			e.logger.Info("Begin logging in logs directory", "path", path)
		}
	}

	otelCfg := config.GetOTelConfig()
	if otelCfg.Enabled {
		p, err := intOtel.New(intOtel.Config{
			Enabled:      true,
			ServiceName:  otelCfg.ServiceName,
			BatchTimeout: otelCfg.BatchTimeout,
			LogWriter:    e.fileOutput(),
			Endpoint:     otelCfg.Endpoint,
			Insecure:     otelCfg.Insecure,
		})
		if err != nil {
			e.logger.Error("Failed to initialize OTel provider", "error", err)
		} else {
			e.otel = p
			e.logger.Info("OTel provider initialized", "endpoint", otelCfg.Endpoint)
		}
	}

	out := logging.Outputs{
		File:    e.fileOutput(),
		Context: e.sessionAttrs,
	}

	graylogCfg := config.GetGraylogConfig()
	if graylogCfg.Enabled {
		w, err := logging.NewGELFWriter(graylogCfg.Address)
		if err != nil {
			e.logger.Warn("Graylog output disabled", "error", err)
		} else {
			e.gelf = w
			out.GELF = w
		}
	}

	if e.otel != nil {
		out.Provider = e.otel.LoggerProvider()
	}

	e.slog.Setup(e.level, out)
	e.logger = e.slog.Logger()
	e.logger.Info("Starting up...", "version", Version, "buildDate", BuildDate)
	return e
}

// fileOutput returns the log file as a writer, or nil when there is none.
func (e *env) fileOutput() io.Writer {
	if e.logFile == nil {
		return nil
	}
	return e.logFile
}

// zerologOutput is where zerolog-based components write.
func (e *env) zerologOutput() io.Writer {
	if e.logFile == nil {
		return os.Stderr
	}
	return e.logFile
}

func (e *env) sessionAttrs() []slog.Attr {
	if r := e.recorder.Load(); r != nil {
		return r.LogAttrs()
	}
	return nil
}

// dependencies opens the catalog and, when enabled, the frame telemetry sink.
func (e *env) dependencies(ctx context.Context) (recorder.Dependencies, error) {
	deps := recorder.Dependencies{Logger: e.logger}

	catalogCfg := config.GetCatalogConfig()
	cat, err := catalog.NewBackend(catalogCfg, logging.NewZerolog(e.zerologOutput(), e.level, "catalog"))
	if err != nil {
		return deps, err
	}
	if err := cat.Init(); err != nil {
		_ = cat.Close()
		return deps, fmt.Errorf("failed to initialize catalog: %w", err)
	}
	e.logger.Info("Catalog initialized", "type", catalogCfg.Type)
	deps.Catalog = cat

	influxCfg := config.GetInfluxConfig()
	if influxCfg.Enabled {
		backup := filepath.Join(e.logsDir, fmt.Sprintf("frames_%s.lp.gz", e.start.Format("20060102_150405")))
		m := influx.NewManager(influxCfg, logging.NewZerolog(e.zerologOutput(), e.level, "influx"), backup)
		if err := m.Connect(ctx); err != nil {
			e.logger.Error("Frame telemetry disabled", "error", err)
			_ = m.Close()
		} else {
			deps.Telemetry = m
		}
	}

	if e.otel != nil {
		deps.Meter = e.otel.Meter(processName)
	}
	return deps, nil
}

// Close flushes telemetry and closes every output.
func (e *env) Close() error {
	var err error
	if e.otel != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err = multierr.Append(err, e.otel.Shutdown(ctx))
		cancel()
	}
	if e.gelf != nil {
		err = multierr.Append(err, e.gelf.Close())
	}
	if e.logFile != nil {
		err = multierr.Append(err, e.logFile.Close())
	}
	return err
}
