package editor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/maauso/audiosculptor/internal/command"
	"github.com/maauso/audiosculptor/internal/engine"
	"github.com/maauso/audiosculptor/internal/guard"
	"github.com/maauso/audiosculptor/internal/media"
	"github.com/maauso/audiosculptor/internal/progress"
	"github.com/maauso/audiosculptor/internal/protocol"
)

// Operation names, as reported to observers.
const (
	OpSplice      = "splice"
	OpClip        = "clip"
	OpConcat      = "concat"
	OpConvert     = "convert"
	OpClipConvert = "clip_convert"
	OpTransform   = "transform"
	OpCustom      = "custom"
)

// Output is the result of an operation. Logs holds one entry per engine
// exchange, in the order the exchanges ran.
type Output struct {
	Blob media.Blob
	Logs [][]string
}

type callConfig struct {
	timeout    time.Duration
	onProgress progress.Func
	trackEnd   float64
}

// CallOption adjusts a single operation.
type CallOption func(*callConfig)

// WithTimeout overrides the session default timeout for one call.
func WithTimeout(d time.Duration) CallOption {
	return func(c *callConfig) { c.timeout = d }
}

// WithTrackEnd overrides the session track end, in seconds, for one call.
// command.ToEnd reaches the end whatever the track end is.
func WithTrackEnd(sec float64) CallOption {
	return func(c *callConfig) { c.trackEnd = sec }
}

// WithProgress receives progress parsed from engine output.
func WithProgress(fn progress.Func) CallOption {
	return func(c *callConfig) { c.onProgress = fn }
}

// Splice replaces the range [start, end) of original with insert. A nil
// insert removes the range. end may be command.ToEnd.
//
// When the range covers the whole track insert is returned unchanged and
// the engine is not invoked. Otherwise the kept sides are clipped out and
// combined with insert in order. Progress, if requested, is reported for
// the final combine only.
func (s *Session) Splice(ctx context.Context, original media.Source, start, end float64, insert media.Source, opts ...CallOption) (*Output, error) {
	return s.run(ctx, OpSplice, opts, func(ctx context.Context, call callConfig) (*Output, error) {
		if err := checkRange(start, end); err != nil {
			return nil, err
		}

		atEnd := call.isTrackEnd(end)

		if start == 0 && atEnd {
			out := &Output{Blob: media.Blob{Data: []byte{}, Type: s.cfg.MediaType}, Logs: [][]string{}}
			if insert != nil {
				data, err := insert.Bytes(ctx)
				if err != nil {
					return nil, err
				}
				out.Blob.Data = data
			}
			return out, nil
		}

		src, err := original.Bytes(ctx)
		if err != nil {
			return nil, err
		}

		var logs [][]string
		var left, right []byte

		if start > 0 {
			res, err := s.exchange(ctx, s.builder.Clip(src, 0, start), nil)
			if err != nil {
				return nil, err
			}
			left = res.Buffer
			logs = append(logs, res.Logs)
		}
		if !atEnd {
			res, err := s.exchange(ctx, s.builder.Clip(src, end, command.ToEnd), nil)
			if err != nil {
				return nil, err
			}
			right = res.Buffer
			logs = append(logs, res.Logs)
		}

		segments := make([][]byte, 0, 3)
		if len(left) > 0 {
			segments = append(segments, left)
		}
		if insert != nil {
			data, err := insert.Bytes(ctx)
			if err != nil {
				return nil, err
			}
			if len(data) > 0 {
				segments = append(segments, data)
			}
		}
		if len(right) > 0 {
			segments = append(segments, right)
		}

		res, err := s.exchange(ctx, s.builder.Combine(segments), call.onProgress)
		if err != nil {
			return nil, err
		}
		logs = append(logs, res.Logs)

		return s.output(res.Buffer, logs), nil
	})
}

// Clip keeps the range [start, end) of original. end may be command.ToEnd.
func (s *Session) Clip(ctx context.Context, original media.Source, start, end float64, opts ...CallOption) (*Output, error) {
	return s.run(ctx, OpClip, opts, func(ctx context.Context, call callConfig) (*Output, error) {
		if err := checkRange(start, end); err != nil {
			return nil, err
		}

		duration := command.ToEnd
		if !call.isTrackEnd(end) {
			duration = end - start
		}

		src, err := original.Bytes(ctx)
		if err != nil {
			return nil, err
		}
		return s.single(ctx, s.builder.Clip(src, start, duration), call)
	})
}

// Concat joins sources in the given order.
func (s *Session) Concat(ctx context.Context, sources []media.Source, opts ...CallOption) (*Output, error) {
	return s.run(ctx, OpConcat, opts, func(ctx context.Context, call callConfig) (*Output, error) {
		buffers, err := media.ReadAll(ctx, sources)
		if err != nil {
			return nil, err
		}
		return s.single(ctx, s.builder.Combine(buffers), call)
	})
}

// Convert re-encodes original, of type origin, into the session media type.
func (s *Session) Convert(ctx context.Context, original media.Source, origin media.Type, opts ...CallOption) (*Output, error) {
	return s.run(ctx, OpConvert, opts, func(ctx context.Context, call callConfig) (*Output, error) {
		src, err := original.Bytes(ctx)
		if err != nil {
			return nil, err
		}
		return s.single(ctx, s.builder.Convert(src, origin), call)
	})
}

// ClipConvert keeps [start, end) of original and re-encodes it into the
// session media type.
func (s *Session) ClipConvert(ctx context.Context, original media.Source, origin media.Type, start, end float64, opts ...CallOption) (*Output, error) {
	return s.run(ctx, OpClipConvert, opts, func(ctx context.Context, call callConfig) (*Output, error) {
		if err := checkRange(start, end); err != nil {
			return nil, err
		}

		duration := command.ToEnd
		if !call.isTrackEnd(end) {
			duration = end - start
		}

		src, err := original.Bytes(ctx)
		if err != nil {
			return nil, err
		}
		return s.single(ctx, s.builder.ClipConvert(src, origin, start, duration), call)
	})
}

// PassthroughTransform repackages original without re-encoding.
func (s *Session) PassthroughTransform(ctx context.Context, original media.Source, opts ...CallOption) (*Output, error) {
	return s.run(ctx, OpTransform, opts, func(ctx context.Context, call callConfig) (*Output, error) {
		src, err := original.Bytes(ctx)
		if err != nil {
			return nil, err
		}
		return s.single(ctx, s.builder.PassthroughTransform(src), call)
	})
}

// RunCustom runs an arbitrary engine command line. Each named source is
// materialized as a virtual file with that name.
func (s *Session) RunCustom(ctx context.Context, commandLine string, named map[string]media.Source, opts ...CallOption) (*Output, error) {
	return s.run(ctx, OpCustom, opts, func(ctx context.Context, call callConfig) (*Output, error) {
		files := make(map[string][]byte, len(named))
		for name, src := range named {
			data, err := src.Bytes(ctx)
			if err != nil {
				return nil, err
			}
			files[name] = data
		}
		return s.single(ctx, command.RawRun(commandLine, files), call)
	})
}

func (s *Session) single(ctx context.Context, cmd engine.Command, call callConfig) (*Output, error) {
	res, err := s.exchange(ctx, cmd, call.onProgress)
	if err != nil {
		return nil, err
	}
	return s.output(res.Buffer, [][]string{res.Logs}), nil
}

func (s *Session) output(buf []byte, logs [][]string) *Output {
	return &Output{Blob: media.Blob{Data: buf, Type: s.cfg.MediaType}, Logs: logs}
}

func (s *Session) run(ctx context.Context, op string, opts []CallOption, fn func(context.Context, callConfig) (*Output, error)) (*Output, error) {
	call := callConfig{timeout: s.cfg.DefaultTimeout, trackEnd: s.TrackEnd()}
	for _, opt := range opts {
		opt(&call)
	}

	started := time.Now()
	out, err := guard.Race(ctx, call.timeout, func(ctx context.Context) (*Output, error) {
		return fn(ctx, call)
	})
	elapsed := time.Since(started)

	outcome := Outcome(err)
	if s.observer != nil {
		s.observer.ObserveOperation(op, outcome, elapsed)
	}

	if err != nil {
		s.logger.Debug("operation failed",
			slog.String("op", op),
			slog.String("outcome", outcome),
			slog.Duration("elapsed", elapsed),
			slog.String("error", err.Error()),
		)
		return nil, fmt.Errorf("editor: %s: %w", op, err)
	}
	s.logger.Debug("operation done", slog.String("op", op), slog.Duration("elapsed", elapsed))
	return out, nil
}

func (c callConfig) isTrackEnd(end float64) bool {
	if math.IsInf(end, 1) {
		return true
	}
	return c.trackEnd > 0 && end >= c.trackEnd
}

func checkRange(start, end float64) error {
	if math.IsNaN(start) || math.IsNaN(end) || start < 0 || math.IsInf(start, 0) || end < start {
		return fmt.Errorf("%w: start=%v end=%v", ErrInvalidRange, start, end)
	}
	return nil
}

// Outcome classifies an operation error.
func Outcome(err error) string {
	var (
		engErr   *protocol.EngineError
		transErr *engine.TransportError
		inErr    *media.InputError
	)
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, guard.ErrTimeout):
		return "timeout"
	case errors.As(err, &engErr):
		return "engine"
	case errors.As(err, &transErr):
		return "transport"
	case errors.As(err, &inErr):
		return "input"
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return "canceled"
	default:
		return "error"
	}
}
