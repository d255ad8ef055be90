package main

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/posecap/recorder/internal/export"
	"github.com/posecap/recorder/internal/logfile"
	"github.com/urfave/cli/v2"
)

var errNeedLog = errors.New("expected exactly one log file argument")

func loadArg(c *cli.Context) (*logfile.Log, error) {
	if c.Args().Len() != 1 {
		return nil, errNeedLog
	}
	var opts []logfile.LoadOption
	if c.Bool(flagStrict) {
		opts = append(opts, logfile.Strict())
	}
	return logfile.Load(c.Args().First(), opts...)
}

func infoAction(c *cli.Context) error {
	log, err := loadArg(c)
	if err != nil {
		return err
	}

	w := c.App.Writer
	h := log.Header
	fmt.Fprintf(w, "path: %s\n", log.Path)
	if h.SessionID != "" {
		fmt.Fprintf(w, "session: %s\n", h.SessionID)
	}
	if !h.CreatedAt.IsZero() {
		fmt.Fprintf(w, "created: %s\n", h.CreatedAt.UTC().Format(time.RFC3339))
	}
	fmt.Fprintf(w, "version: %d\n", h.Version)
	fmt.Fprintf(w, "markers: %d\n", h.NMarkers)
	fmt.Fprintf(w, "record size: %d bytes\n", log.Schema.RecordByteSize())
	fmt.Fprintf(w, "frames: %d\n", log.Columns.NFrames)
	if h.FramesAcquired != int64(log.Columns.NFrames) {
		fmt.Fprintf(w, "frames acquired (header): %d\n", h.FramesAcquired)
	}
	if h.FirstFrameIndex != nil {
		fmt.Fprintf(w, "first frame index: %d\n", *h.FirstFrameIndex)
	}
	if log.TrailingBytes > 0 {
		fmt.Fprintf(w, "trailing bytes: %d\n", log.TrailingBytes)
	}

	keys := make([]string, 0, len(h.Extra))
	for k := range h.Extra {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s: %s\n", k, h.Extra[k])
	}
	return nil
}

func exportAction(c *cli.Context) error {
	log, err := loadArg(c)
	if err != nil {
		return err
	}

	compress := c.Bool(flagGzip)
	out := export.OutputPath(log.Path, c.String(flagOutput), compress)
	if err := export.WriteJSON(out, log, compress); err != nil {
		return err
	}
	fmt.Fprintln(c.App.Writer, out)
	return nil
}
