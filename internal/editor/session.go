// Package editor provides the editing session: it owns one engine worker,
// serializes exchanges with it and exposes clip, splice, concat, convert
// and custom-command operations bounded by a timeout.
package editor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/audiosculptor/internal/command"
	"github.com/maauso/audiosculptor/internal/engine"
	"github.com/maauso/audiosculptor/internal/guard"
	"github.com/maauso/audiosculptor/internal/media"
	"github.com/maauso/audiosculptor/internal/progress"
	"github.com/maauso/audiosculptor/internal/protocol"
)

// Default timeouts.
const (
	DefaultTimeout     = 30 * time.Second
	DefaultOpenTimeout = 30 * time.Second
)

// Static errors for session misuse.
var (
	// ErrNotOpen is returned when an operation runs before Open succeeded.
	ErrNotOpen = errors.New("editor: session not open")
	// ErrClosed is returned when the session has been closed.
	ErrClosed = errors.New("editor: session closed")
	// ErrInvalidTransition is returned for a lifecycle change that is not allowed.
	ErrInvalidTransition = errors.New("editor: invalid state transition")
	// ErrInvalidRange is returned for negative or inverted time ranges.
	ErrInvalidRange = errors.New("editor: invalid time range")
)

// State is the lifecycle state of a session.
type State int

// Session states.
const (
	StateUnopened State = iota
	StateOpening
	StateReady
	StateBusy
	StateClosed
)

var stateNames = map[State]string{
	StateUnopened: "unopened",
	StateOpening:  "opening",
	StateReady:    "ready",
	StateBusy:     "busy",
	StateClosed:   "closed",
}

func (s State) String() string {
	if name, ok := stateNames[s]; ok {
		return name
	}
	return fmt.Sprintf("state(%d)", int(s))
}

var validTransitions = map[State][]State{
	StateUnopened: {StateOpening, StateClosed},
	StateOpening:  {StateReady, StateClosed},
	StateReady:    {StateBusy, StateClosed},
	StateBusy:     {StateReady, StateClosed},
	StateClosed:   {},
}

func canTransition(from, to State) bool {
	return slices.Contains(validTransitions[from], to)
}

// Config holds session settings.
type Config struct {
	// MediaType names every virtual file and the type of produced output.
	MediaType media.Type `validate:"required,oneof=mp3 webm png mp4"`
	// DefaultTimeout bounds each operation unless overridden per call.
	DefaultTimeout time.Duration `validate:"gte=0"`
	// OpenTimeout bounds waiting for the worker's ready event.
	OpenTimeout time.Duration `validate:"gte=0"`
	// TrackEnd is the end offset in seconds of the track being edited.
	// Zero means unknown; command.ToEnd always denotes the end.
	TrackEnd float64 `validate:"gte=0"`
}

// DefaultConfig returns a config for mp3 with the default timeouts.
func DefaultConfig() Config {
	return Config{
		MediaType:      media.DefaultType,
		DefaultTimeout: DefaultTimeout,
		OpenTimeout:    DefaultOpenTimeout,
	}
}

// OperationObserver is notified when an operation finishes.
type OperationObserver interface {
	ObserveOperation(op, outcome string, elapsed time.Duration)
}

// Session drives one engine worker.
type Session struct {
	cfg      Config
	builder  command.Builder
	client   *protocol.Client
	logger   *slog.Logger
	observer OperationObserver

	mu       sync.Mutex
	state    State
	worker   engine.Worker
	trackEnd float64

	slot chan struct{}
	life context.Context
	kill context.CancelFunc
}

// Option configures a Session.
type Option func(*Session)

// WithClient sets the protocol client.
func WithClient(c *protocol.Client) Option {
	return func(s *Session) { s.client = c }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Session) { s.logger = l }
}

// WithObserver sets the operation observer.
func WithObserver(o OperationObserver) Option {
	return func(s *Session) { s.observer = o }
}

// New creates an unopened session.
func New(cfg Config, opts ...Option) (*Session, error) {
	if err := validator.New().Struct(cfg); err != nil {
		return nil, fmt.Errorf("editor: invalid config: %w", err)
	}

	life, cancel := context.WithCancel(context.Background())
	s := &Session{
		cfg:      cfg,
		builder:  command.New(cfg.MediaType),
		logger:   slog.Default(),
		trackEnd: cfg.TrackEnd,
		slot:     make(chan struct{}, 1),
		life:     life,
		kill:     cancel,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.client == nil {
		s.client = protocol.NewClient(protocol.WithLogger(s.logger))
	}
	return s, nil
}

// MediaType returns the session's target media type.
func (s *Session) MediaType() media.Type {
	return s.cfg.MediaType
}

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// TrackEnd returns the configured end offset of the track.
func (s *Session) TrackEnd() float64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.trackEnd
}

// SetTrackEnd sets the end offset, in seconds, used to detect edits that
// reach the end of the track.
func (s *Session) SetTrackEnd(sec float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.trackEnd = sec
}

func (s *Session) transition(to State) error {
	if !canTransition(s.state, to) {
		if s.state == StateClosed {
			return ErrClosed
		}
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, s.state, to)
	}
	s.state = to
	return nil
}

// Open spawns the worker and waits for its ready event. If the worker does
// not become ready within the open timeout, or fails first, it is
// terminated and the session is closed.
func (s *Session) Open(ctx context.Context, spawn engine.SpawnFunc) error {
	s.mu.Lock()
	if err := s.transition(StateOpening); err != nil {
		s.mu.Unlock()
		return err
	}
	s.mu.Unlock()

	w, err := spawn(ctx)
	if err != nil {
		s.abortOpen(nil)
		return fmt.Errorf("editor: spawn worker: %w", &engine.TransportError{Err: err})
	}

	s.mu.Lock()
	s.worker = w
	s.mu.Unlock()

	sub := w.Subscribe()
	defer sub.Close()

	err = guard.Do(ctx, s.cfg.OpenTimeout, func(ctx context.Context) error {
		for {
			select {
			case ev := <-sub.Events():
				if ev.Type == engine.KindReady {
					return nil
				}
			case err := <-sub.Errors():
				return err
			case <-ctx.Done():
				return ctx.Err()
			case <-s.life.Done():
				return ErrClosed
			}
		}
	})
	if err != nil {
		s.abortOpen(w)
		return fmt.Errorf("editor: open: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.transition(StateReady); err != nil {
		return err
	}
	s.logger.Debug("session ready", slog.String("media_type", s.cfg.MediaType.String()))
	return nil
}

func (s *Session) abortOpen(w engine.Worker) {
	s.mu.Lock()
	s.state = StateClosed
	s.worker = nil
	s.mu.Unlock()
	s.kill()

	if w != nil {
		if err := w.Terminate(); err != nil {
			s.logger.Warn("terminate worker after failed open", slog.String("error", err.Error()))
		}
	}
}

// Close terminates the worker. An exchange still in flight is abandoned
// and fails with ErrClosed. Closing twice is a no-op.
func (s *Session) Close() error {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return nil
	}
	s.state = StateClosed
	w := s.worker
	s.worker = nil
	s.mu.Unlock()

	s.kill()
	if w == nil {
		return nil
	}
	if err := w.Terminate(); err != nil {
		return fmt.Errorf("editor: terminate worker: %w", err)
	}
	return nil
}

// exchange runs one command on the worker. Exchanges are served one at a
// time in arrival order.
func (s *Session) exchange(ctx context.Context, cmd engine.Command, onProgress progress.Func) (*protocol.Result, error) {
	select {
	case s.slot <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.life.Done():
		return nil, ErrClosed
	}
	defer func() { <-s.slot }()

	s.mu.Lock()
	switch s.state {
	case StateClosed:
		s.mu.Unlock()
		return nil, ErrClosed
	case StateUnopened, StateOpening:
		s.mu.Unlock()
		return nil, ErrNotOpen
	}
	if err := s.transition(StateBusy); err != nil {
		s.mu.Unlock()
		return nil, err
	}
	w := s.worker
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		if s.state == StateBusy {
			s.state = StateReady
		}
		s.mu.Unlock()
	}()

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(s.life, cancel)
	defer stop()

	var (
		res *protocol.Result
		err error
	)
	if onProgress != nil {
		res, err = s.client.SendWithProgress(ctx, w, cmd, onProgress)
	} else {
		res, err = s.client.Send(ctx, w, cmd)
	}
	if err != nil && s.life.Err() != nil {
		return nil, fmt.Errorf("%w: %w", ErrClosed, err)
	}
	return res, err
}
