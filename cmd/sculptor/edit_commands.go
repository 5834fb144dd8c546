package main

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/maauso/audiosculptor/internal/command"
	"github.com/maauso/audiosculptor/internal/editor"
	"github.com/maauso/audiosculptor/internal/media"
)

func newEditCommands(ctx *commandContext) []*cobra.Command {
	return []*cobra.Command{
		newClipCommand(ctx),
		newSpliceCommand(ctx),
		newConcatCommand(ctx),
		newConvertCommand(ctx),
		newClipConvertCommand(ctx),
		newTransformCommand(ctx),
		newRunCommand(ctx),
	}
}

// timeRange holds the --start and --end flags of a command.
type timeRange struct {
	start float64
	end   float64
}

func addRangeFlags(cmd *cobra.Command, r *timeRange) {
	cmd.Flags().Float64Var(&r.start, "start", 0, "Range start in seconds")
	cmd.Flags().Float64Var(&r.end, "end", 0, "Range end in seconds (default: end of track)")
}

// bounds returns start and end, mapping an unset --end to the end of track.
func (r timeRange) bounds(cmd *cobra.Command) (float64, float64, error) {
	end := command.ToEnd
	if cmd.Flags().Changed("end") {
		end = r.end
	}
	if r.start < 0 {
		return 0, 0, fmt.Errorf("--start must not be negative, got %v", r.start)
	}
	if end < r.start {
		return 0, 0, fmt.Errorf("--end %v is before --start %v", end, r.start)
	}
	return r.start, end, nil
}

func newClipCommand(ctx *commandContext) *cobra.Command {
	var r timeRange
	cmd := &cobra.Command{
		Use:   "clip <input>",
		Short: "Keep only [start, end) of the input",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := r.bounds(cmd)
			if err != nil {
				return err
			}
			return ctx.withSession(cmd, func(s *editor.Session, opts []editor.CallOption) (*editor.Output, error) {
				return s.Clip(cmd.Context(), source(args[0]), start, end, opts...)
			})
		},
	}
	addRangeFlags(cmd, &r)
	return cmd
}

func newSpliceCommand(ctx *commandContext) *cobra.Command {
	var (
		r      timeRange
		insert string
	)
	cmd := &cobra.Command{
		Use:   "splice <input>",
		Short: "Replace [start, end) of the input with --insert, or remove it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			start, end, err := r.bounds(cmd)
			if err != nil {
				return err
			}
			var ins media.Source
			if insert != "" {
				ins = source(insert)
			}
			return ctx.withSession(cmd, func(s *editor.Session, opts []editor.CallOption) (*editor.Output, error) {
				return s.Splice(cmd.Context(), source(args[0]), start, end, ins, opts...)
			})
		},
	}
	addRangeFlags(cmd, &r)
	cmd.Flags().StringVar(&insert, "insert", "", "Media spliced in at --start")
	return cmd
}

func newConcatCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "concat <input>...",
		Short: "Join inputs in order",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			sources := make([]media.Source, 0, len(args))
			for _, arg := range args {
				sources = append(sources, source(arg))
			}
			return ctx.withSession(cmd, func(s *editor.Session, opts []editor.CallOption) (*editor.Output, error) {
				return s.Concat(cmd.Context(), sources, opts...)
			})
		},
	}
}

// originOf resolves the --from flag, falling back to the input extension.
func originOf(from, input string) (media.Type, error) {
	if from != "" {
		t := media.Type(strings.ToLower(from))
		if !t.Valid() {
			return "", fmt.Errorf("unsupported --from type %q", from)
		}
		return t, nil
	}
	if t, ok := typeOf(input); ok {
		return t, nil
	}
	return "", errors.New("cannot infer the input type, set --from")
}

func newConvertCommand(ctx *commandContext) *cobra.Command {
	var from string
	cmd := &cobra.Command{
		Use:   "convert <input>",
		Short: "Re-encode the input to the session media type",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			origin, err := originOf(from, args[0])
			if err != nil {
				return err
			}
			return ctx.withSession(cmd, func(s *editor.Session, opts []editor.CallOption) (*editor.Output, error) {
				return s.Convert(cmd.Context(), source(args[0]), origin, opts...)
			})
		},
	}
	cmd.Flags().StringVar(&from, "from", "", "Input media type (default: from the file extension)")
	return cmd
}

func newClipConvertCommand(ctx *commandContext) *cobra.Command {
	var (
		r    timeRange
		from string
	)
	cmd := &cobra.Command{
		Use:   "clip-convert <input>",
		Short: "Clip [start, end) of the input and re-encode it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			origin, err := originOf(from, args[0])
			if err != nil {
				return err
			}
			start, end, err := r.bounds(cmd)
			if err != nil {
				return err
			}
			return ctx.withSession(cmd, func(s *editor.Session, opts []editor.CallOption) (*editor.Output, error) {
				return s.ClipConvert(cmd.Context(), source(args[0]), origin, start, end, opts...)
			})
		},
	}
	addRangeFlags(cmd, &r)
	cmd.Flags().StringVar(&from, "from", "", "Input media type (default: from the file extension)")
	return cmd
}

func newTransformCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "transform <input>",
		Short: "Repackage the input without re-encoding",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withSession(cmd, func(s *editor.Session, opts []editor.CallOption) (*editor.Output, error) {
				return s.PassthroughTransform(cmd.Context(), source(args[0]), opts...)
			})
		},
	}
}

func newRunCommand(ctx *commandContext) *cobra.Command {
	var files map[string]string
	cmd := &cobra.Command{
		Use:     "run [--file name=path]... -- <engine args>...",
		Short:   "Run a raw engine command line over named input files",
		Example: "  sculptor run --file input.mp3=song.mp3 -- -i input.mp3 -ac 1 output.mp3",
		Args:    cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			named := make(map[string]media.Source, len(files))
			for name, path := range files {
				named[name] = source(path)
			}
			commandLine := strings.Join(args, " ")
			return ctx.withSession(cmd, func(s *editor.Session, opts []editor.CallOption) (*editor.Output, error) {
				return s.RunCustom(cmd.Context(), commandLine, named, opts...)
			})
		},
	}
	cmd.Flags().StringToStringVar(&files, "file", nil, "Virtual file name and the local path it is read from")
	return cmd
}
