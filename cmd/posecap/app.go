package main

import (
	"fmt"
	"io"

	"github.com/posecap/recorder/internal/config"
	"github.com/urfave/cli/v2"
)

const (
	flagConfig   = "config"
	flagLogLevel = "log-level"

	flagDuration = "duration"
	flagMarkers  = "markers"
	flagInterval = "interval"
	flagSource   = "source"
	flagReplay   = "replay"
	flagOutput   = "output"
	flagGzip     = "gzip"
	flagStrict   = "strict"
)

func newApp(out io.Writer) *cli.App {
	return &cli.App{
		Name:    "posecap",
		Usage:   "record and inspect motion capture logs",
		Version: fmt.Sprintf("%s (built %s)", Version, BuildDate),
		Writer:  out,
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    flagConfig,
				Aliases: []string{"c"},
				Value:   ".",
				Usage:   "directory containing " + config.FileName,
			},
			&cli.StringFlag{
				Name:  flagLogLevel,
				Usage: "log level, overrides logLevel from the config file",
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "record",
				Usage:     "capture frames into a new log",
				UsageText: "posecap [global options] record [options]",
				Flags: []cli.Flag{
					&cli.DurationFlag{
						Name:  flagDuration,
						Usage: "stop after this long; zero records until interrupted",
					},
					&cli.IntFlag{
						Name:  flagMarkers,
						Usage: "markers per frame for the simulated source",
					},
					&cli.DurationFlag{
						Name:  flagInterval,
						Usage: "poll interval",
					},
					&cli.StringFlag{
						Name:  flagSource,
						Usage: "frame source: simulated or replay",
					},
					&cli.StringFlag{
						Name:      flagReplay,
						Usage:     "log to replay frames from",
						TakesFile: true,
					},
					&cli.StringFlag{
						Name:    flagOutput,
						Aliases: []string{"o"},
						Usage:   "directory to write the log into",
					},
				},
				Action: recordAction,
			},
			{
				Name:      "info",
				Usage:     "print the header and frame count of a log",
				ArgsUsage: "<log>",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:  flagStrict,
						Usage: "fail on a truncated final record",
					},
				},
				Action: infoAction,
			},
			{
				Name:      "export",
				Usage:     "convert a log to columnar JSON",
				ArgsUsage: "<log>",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    flagOutput,
						Aliases: []string{"o"},
						Usage:   "output directory, defaults to the log's directory",
					},
					&cli.BoolFlag{
						Name:  flagGzip,
						Usage: "gzip the JSON output",
					},
					&cli.BoolFlag{
						Name:  flagStrict,
						Usage: "fail on a truncated final record",
					},
				},
				Action: exportAction,
			},
		},
	}
}
