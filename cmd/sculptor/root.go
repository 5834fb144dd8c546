package main

import (
	"github.com/spf13/cobra"

	"github.com/maauso/audiosculptor/internal/engine"
)

// newRootCommand builds the CLI. A non-nil spawn replaces the engine worker.
func newRootCommand(spawn engine.SpawnFunc) *cobra.Command {
	ctx := newCommandContext(spawn)

	rootCmd := &cobra.Command{
		Use:           "sculptor",
		Short:         "Edit audio with an ffmpeg engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	flags := rootCmd.PersistentFlags()
	flags.StringVar(&ctx.workerPath, "worker", "", "Path to a sculptor-worker binary (default: run the engine in-process)")
	flags.StringVar(&ctx.ffmpegPath, "ffmpeg", "ffmpeg", "ffmpeg binary used by the in-process engine")
	flags.StringVarP(&ctx.mediaType, "media-type", "m", "mp3", "Media type of inputs and output (mp3, webm, png, mp4)")
	flags.StringVarP(&ctx.outputPath, "output", "o", "", "Output file (default: output.<media-type>)")
	flags.DurationVar(&ctx.timeout, "timeout", 0, "Abort the operation after this long (0 disables)")
	flags.BoolVarP(&ctx.quiet, "quiet", "q", false, "Do not print progress")
	flags.StringVar(&ctx.logging.LogLevel, "log-level", "warn", "Log level (debug, info, warn, error)")
	flags.StringVar(&ctx.logging.LogFormat, "log-format", "text", "Log format (text, json)")

	for _, cmd := range newEditCommands(ctx) {
		rootCmd.AddCommand(cmd)
	}

	return rootCmd
}
