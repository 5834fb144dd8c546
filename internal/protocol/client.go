// Package protocol runs single request/response exchanges against an
// engine worker.
package protocol

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/maauso/audiosculptor/internal/engine"
	"github.com/maauso/audiosculptor/internal/progress"
)

// Exchange outcomes reported to an ExchangeObserver.
const (
	OutcomeDone      = "done"
	OutcomeEngine    = "engine_error"
	OutcomeTransport = "transport_error"
	OutcomeCanceled  = "canceled"
	OutcomeInvalid   = "invalid"
)

// Result is the outcome of a successful exchange.
type Result struct {
	// Buffer holds the first file produced by the engine.
	Buffer []byte
	// Logs holds the textual payload of every event, in arrival order.
	Logs []string
}

// EngineError is a terminal error event. The payload is opaque and kept
// verbatim.
type EngineError struct {
	CommandID string
	Payload   []byte
	Logs      []string
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine error for command %s: %s", e.CommandID, e.Payload)
}

// ExchangeObserver is notified when an exchange finishes.
type ExchangeObserver interface {
	ObserveExchange(outcome string, elapsed time.Duration)
}

// Client sends commands to workers and awaits their results.
type Client struct {
	logger   *slog.Logger
	observer ExchangeObserver
	newID    func() string
}

// Option configures a Client.
type Option func(*Client)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(c *Client) { c.logger = l }
}

// WithObserver sets the exchange observer.
func WithObserver(o ExchangeObserver) Option {
	return func(c *Client) { c.observer = o }
}

// WithIDGenerator overrides how correlation IDs are created.
func WithIDGenerator(fn func() string) Option {
	return func(c *Client) { c.newID = fn }
}

// NewClient creates a Client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		logger: slog.Default(),
		newID:  uuid.NewString,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Send posts cmd to w and waits for its terminal event.
func (c *Client) Send(ctx context.Context, w engine.Worker, cmd engine.Command) (*Result, error) {
	return c.exchange(ctx, w, cmd, nil)
}

// SendWithProgress is Send that also reports progress parsed from the
// engine's log lines. onProgress receives a ratio of at most
// progress.MaxPending until the command is done, then exactly 1.
func (c *Client) SendWithProgress(ctx context.Context, w engine.Worker, cmd engine.Command, onProgress progress.Func) (*Result, error) {
	return c.exchange(ctx, w, cmd, onProgress)
}

func (c *Client) exchange(ctx context.Context, w engine.Worker, cmd engine.Command, onProgress progress.Func) (*Result, error) {
	if cmd.ID == "" {
		cmd.ID = c.newID()
	}
	if cmd.Type == "" {
		cmd.Type = engine.KindRun
	}

	started := time.Now()
	outcome := OutcomeDone
	defer func() {
		if c.observer != nil {
			c.observer.ObserveExchange(outcome, time.Since(started))
		}
	}()

	if err := cmd.Validate(); err != nil {
		outcome = OutcomeInvalid
		return nil, fmt.Errorf("protocol: %w", err)
	}

	logger := c.logger.With(slog.String("command_id", cmd.ID))

	sub := w.Subscribe()
	defer sub.Close()

	if err := w.Post(cmd); err != nil {
		outcome = OutcomeTransport
		return nil, transportError(err)
	}
	logger.Debug("command posted", slog.Any("arguments", cmd.Arguments), slog.Int("files", len(cmd.MEMFS)))

	var tracker progress.Tracker
	result := &Result{}

	for {
		select {
		case ev := <-sub.Events():
			if ev.ID != "" && ev.ID != cmd.ID {
				logger.Debug("ignoring event for other command", slog.String("event_id", ev.ID))
				continue
			}

			text := ev.Text()
			result.Logs = append(result.Logs, text)

			switch ev.Type {
			case engine.KindStdout, engine.KindStderr:
				logger.Debug("engine output", slog.String("line", text))
				if onProgress != nil {
					onProgress(tracker.Feed(text))
				}
			case engine.KindStart:
				logger.Debug("command started")
			case engine.KindDone:
				if onProgress != nil {
					onProgress(tracker.Done())
				}
				buf, ok := ev.Output()
				if !ok || buf == nil {
					buf = []byte{}
				}
				result.Buffer = buf
				logger.Debug("command done", slog.Int("bytes", len(buf)), slog.Duration("elapsed", time.Since(started)))
				return result, nil
			case engine.KindError:
				outcome = OutcomeEngine
				return nil, &EngineError{CommandID: cmd.ID, Payload: []byte(ev.Data), Logs: result.Logs}
			}

		case err := <-sub.Errors():
			outcome = OutcomeTransport
			return nil, transportError(err)

		case <-ctx.Done():
			outcome = OutcomeCanceled
			if perr := w.Post(engine.Abort(cmd.ID)); perr != nil {
				logger.Debug("abort not delivered", slog.String("error", perr.Error()))
			}
			return nil, fmt.Errorf("protocol: command %s: %w", cmd.ID, ctx.Err())
		}
	}
}

func transportError(err error) error {
	var tErr *engine.TransportError
	if errors.As(err, &tErr) {
		return err
	}
	return &engine.TransportError{Err: err}
}
