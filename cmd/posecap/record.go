package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/posecap/recorder/internal/capture"
	"github.com/posecap/recorder/internal/config"
	"github.com/posecap/recorder/internal/recorder"
	"github.com/urfave/cli/v2"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"
)

const progressInterval = time.Second

func recordAction(c *cli.Context) (err error) {
	e := setupEnv(c)
	defer func() {
		err = multierr.Append(err, e.Close())
	}()

	capCfg := captureConfig(c)
	src, nMarkers, err := recorder.NewSource(capCfg, c.String(flagReplay))
	if err != nil {
		return err
	}
	capCfg.NMarkers = nMarkers

	ctx, stop := signal.NotifyContext(c.Context, os.Interrupt, syscall.SIGTERM)
	defer stop()

	deps, err := e.dependencies(ctx)
	if err != nil {
		return err
	}

	rec := recorder.New(capCfg, deps)
	e.recorder.Store(rec)

	metadata := map[string]string{"source": capCfg.Source}
	if host, err := os.Hostname(); err == nil {
		metadata["host"] = host
	}
	ctrl, err := rec.NewSession(src, metadata)
	if err != nil {
		return multierr.Append(err, rec.Close())
	}

	errs, ctx := errgroup.WithContext(ctx)
	done := make(chan struct{})
	errs.Go(func() error {
		defer close(done)
		return rec.Run(ctx, ctrl, c.Duration(flagDuration))
	})
	errs.Go(func() error {
		reportProgress(ctx, done, e.logger, ctrl)
		return nil
	})

	runErr := errs.Wait()
	if deps.Telemetry != nil {
		e.logger.Info("Frame telemetry written",
			"points", deps.Telemetry.Points(),
			"server", deps.Telemetry.Valid(),
		)
	}

	if err := multierr.Append(runErr, rec.Close()); err != nil {
		e.logger.Error("Capture failed", "error", err, "path", ctrl.Path())
		return err
	}

	e.logger.Info("Capture complete",
		"path", ctrl.Path(),
		"frames", ctrl.FramesAcquired(),
		"recordSize", ctrl.RecordByteSize(),
	)
	fmt.Fprintln(c.App.Writer, ctrl.Path())
	return nil
}

// captureConfig applies record flags on top of the capture config section.
func captureConfig(c *cli.Context) config.CaptureConfig {
	cfg := config.GetCaptureConfig()
	if c.IsSet(flagMarkers) {
		cfg.NMarkers = c.Int(flagMarkers)
	}
	if c.IsSet(flagInterval) {
		cfg.Interval = c.Duration(flagInterval)
	}
	if c.IsSet(flagOutput) {
		cfg.OutputDir = c.String(flagOutput)
	}
	switch {
	case c.IsSet(flagSource):
		cfg.Source = c.String(flagSource)
	case c.IsSet(flagReplay):
		cfg.Source = recorder.SourceReplay
	}
	return cfg
}

func reportProgress(ctx context.Context, done <-chan struct{}, log *slog.Logger, ctrl *capture.Controller) {
	ticker := time.NewTicker(progressInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-done:
			return
		case <-ticker.C:
			log.Debug("Capture progress",
				"frames", ctrl.FramesAcquired(),
				"state", ctrl.State().String(),
			)
		}
	}
}
