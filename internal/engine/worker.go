package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
)

// Static errors for worker handles.
var (
	// ErrTerminated is returned when posting to a terminated worker.
	ErrTerminated = errors.New("engine: worker terminated")
	// ErrWorkerExited is reported when the worker closes its output stream.
	ErrWorkerExited = errors.New("engine: worker exited")
)

// TransportError is a failure of the worker channel itself, as opposed to a
// protocol-level error event.
type TransportError struct {
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("engine transport: %v", e.Err)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

// Worker is a handle to one running engine.
type Worker interface {
	// Post sends a command without waiting for any event.
	Post(cmd Command) error
	// Subscribe registers a listener for events and transport failures.
	Subscribe() *Subscription
	// Terminate stops the worker and releases the handle.
	Terminate() error
}

// SpawnFunc starts a new worker.
type SpawnFunc func(ctx context.Context) (Worker, error)

// StreamWorker speaks the framed protocol over a reader/writer pair.
type StreamWorker struct {
	r io.Reader
	w io.WriteCloser

	hub       *Hub
	startOnce sync.Once

	mu         sync.Mutex
	terminated bool
}

// NewStreamWorker creates a worker that writes commands to w and reads
// events from r. Reading starts with the first subscription so that events
// sent before anyone listens, such as ready, are not lost.
func NewStreamWorker(r io.Reader, w io.WriteCloser) *StreamWorker {
	return &StreamWorker{r: r, w: w, hub: NewHub()}
}

// Post writes cmd as a single frame.
func (s *StreamWorker) Post(cmd Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.terminated {
		return ErrTerminated
	}
	if err := WriteFrame(s.w, cmd); err != nil {
		return &TransportError{Err: err}
	}
	return nil
}

// Subscribe registers a listener and starts the read loop if needed.
func (s *StreamWorker) Subscribe() *Subscription {
	sub := s.hub.Subscribe()
	s.startOnce.Do(func() { go s.readLoop() })
	return sub
}

// Terminate closes both streams. Subsequent posts fail with ErrTerminated.
func (s *StreamWorker) Terminate() error {
	s.mu.Lock()
	if s.terminated {
		s.mu.Unlock()
		return nil
	}
	s.terminated = true
	s.mu.Unlock()

	err := s.w.Close()
	if c, ok := s.r.(io.Closer); ok {
		if cerr := c.Close(); err == nil {
			err = cerr
		}
	}
	s.hub.Fail(&TransportError{Err: ErrTerminated})
	return err
}

func (s *StreamWorker) readLoop() {
	for {
		var ev Event
		if err := ReadFrame(s.r, &ev); err != nil {
			if errors.Is(err, io.EOF) {
				err = ErrWorkerExited
			}
			s.hub.Fail(&TransportError{Err: err})
			return
		}
		s.hub.Publish(ev)
	}
}
