package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/maauso/audiosculptor/internal/config"
	"github.com/maauso/audiosculptor/internal/editor"
	"github.com/maauso/audiosculptor/internal/engine"
	"github.com/maauso/audiosculptor/internal/enginehost"
	"github.com/maauso/audiosculptor/internal/media"
	"github.com/maauso/audiosculptor/internal/progress"
)

type commandContext struct {
	workerPath string
	ffmpegPath string
	mediaType  string
	outputPath string
	timeout    time.Duration
	quiet      bool
	logging    config.Logging

	spawn engine.SpawnFunc
}

func newCommandContext(spawn engine.SpawnFunc) *commandContext {
	return &commandContext{spawn: spawn}
}

func (c *commandContext) media() (media.Type, error) {
	t := media.Type(strings.ToLower(c.mediaType))
	if !t.Valid() {
		return "", fmt.Errorf("unsupported media type %q", c.mediaType)
	}
	return t, nil
}

// withSession opens an editor session, runs fn and writes its output.
func (c *commandContext) withSession(cmd *cobra.Command, fn func(*editor.Session, []editor.CallOption) (*editor.Output, error)) error {
	t, err := c.media()
	if err != nil {
		return err
	}
	logger := c.logging.NewLoggerTo(cmd.ErrOrStderr())

	cfg := editor.DefaultConfig()
	cfg.MediaType = t
	cfg.DefaultTimeout = c.timeout
	session, err := editor.New(cfg, editor.WithLogger(logger))
	if err != nil {
		return err
	}

	spawn := c.spawn
	switch {
	case spawn != nil:
	case c.workerPath != "":
		spawn = engine.Spawner(c.workerPath, nil, logger)
	default:
		host := enginehost.NewHost(enginehost.NewFFmpegRunner(c.ffmpegPath), enginehost.WithLogger(logger))
		spawn = enginehost.LocalSpawner(host)
	}
	if err := session.Open(cmd.Context(), spawn); err != nil {
		return fmt.Errorf("open engine: %w", err)
	}
	defer func() { _ = session.Close() }()

	var opts []editor.CallOption
	if !c.quiet {
		opts = append(opts, editor.WithProgress(progressPrinter(cmd.ErrOrStderr())))
	}

	out, err := fn(session, opts)
	if err != nil {
		return err
	}
	return c.writeOutput(cmd, out.Blob)
}

func (c *commandContext) writeOutput(cmd *cobra.Command, blob media.Blob) error {
	path := c.outputPath
	if path == "" {
		path = blob.Type.FileName("output")
	}
	if err := os.WriteFile(path, blob.Data, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		abs = path
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Wrote %d bytes to %s\n", blob.Len(), abs)
	return nil
}

// source maps a command-line argument to a media source. http(s) URLs are
// fetched, anything else is read from disk.
func source(arg string) media.Source {
	if strings.HasPrefix(arg, "http://") || strings.HasPrefix(arg, "https://") {
		return media.FromURL(arg, nil)
	}
	return media.FromFile(arg)
}

// typeOf infers a media type from the file extension of path.
func typeOf(path string) (media.Type, bool) {
	t := media.Type(strings.ToLower(strings.TrimPrefix(filepath.Ext(path), ".")))
	return t, t.Valid()
}

func progressPrinter(w io.Writer) progress.Func {
	last := -1
	return func(st progress.State) {
		pct := progress.Percent(st.Ratio)
		if pct == last {
			return
		}
		last = pct
		fmt.Fprintf(w, "\rprogress: %3d%%", pct)
		if pct >= 100 {
			fmt.Fprintln(w)
		}
	}
}
