// Package enginetest provides a scripted in-memory engine worker for tests.
package enginetest

import (
	"errors"
	"sync"

	"github.com/maauso/audiosculptor/internal/engine"
)

// Script decides how the fake worker answers a run command. It receives an
// emit function that publishes events to the current subscribers.
type Script func(cmd engine.Command, emit func(engine.Event))

// Worker is a fake engine.Worker driven by a Script.
type Worker struct {
	hub    *engine.Hub
	script Script

	mu         sync.Mutex
	posted     []engine.Command
	terminated bool
	readyOnSub bool
	readySent  bool
	wg         sync.WaitGroup
}

// Option configures a Worker.
type Option func(*Worker)

// WithReady makes the worker emit a ready event on its first subscription.
func WithReady() Option {
	return func(w *Worker) { w.readyOnSub = true }
}

// New creates a fake worker. A nil script never answers.
func New(script Script, opts ...Option) *Worker {
	w := &Worker{hub: engine.NewHub(), script: script}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// SetScript replaces the script used for subsequent commands.
func (w *Worker) SetScript(s Script) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.script = s
}

// Post records cmd and runs the script asynchronously for run commands.
func (w *Worker) Post(cmd engine.Command) error {
	w.mu.Lock()
	if w.terminated {
		w.mu.Unlock()
		return engine.ErrTerminated
	}
	w.posted = append(w.posted, cmd)
	script := w.script
	w.mu.Unlock()

	if cmd.Type != engine.KindRun || script == nil {
		return nil
	}

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		script(cmd, w.hub.Publish)
	}()
	return nil
}

// Subscribe registers a listener.
func (w *Worker) Subscribe() *engine.Subscription {
	sub := w.hub.Subscribe()

	w.mu.Lock()
	sendReady := w.readyOnSub && !w.readySent
	w.readySent = w.readySent || sendReady
	w.mu.Unlock()

	if sendReady {
		go w.hub.Publish(engine.ReadyEvent())
	}
	return sub
}

// Terminate marks the worker as terminated and fails all subscribers.
func (w *Worker) Terminate() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !w.terminated {
		w.terminated = true
		w.hub.Fail(&engine.TransportError{Err: engine.ErrTerminated})
	}
	return nil
}

// Break simulates a crashed worker.
func (w *Worker) Break(err error) {
	w.hub.Fail(&engine.TransportError{Err: err})
}

// Emit publishes ev directly.
func (w *Worker) Emit(ev engine.Event) {
	w.hub.Publish(ev)
}

// Wait blocks until all script invocations have returned.
func (w *Worker) Wait() {
	w.wg.Wait()
}

// Posted returns every command posted so far.
func (w *Worker) Posted() []engine.Command {
	w.mu.Lock()
	defer w.mu.Unlock()
	return append([]engine.Command(nil), w.posted...)
}

// Runs returns the posted run commands.
func (w *Worker) Runs() []engine.Command {
	var runs []engine.Command
	for _, c := range w.Posted() {
		if c.Type == engine.KindRun {
			runs = append(runs, c)
		}
	}
	return runs
}

// Aborts returns the IDs of posted abort commands.
func (w *Worker) Aborts() []string {
	var ids []string
	for _, c := range w.Posted() {
		if c.Type == engine.KindAbort {
			ids = append(ids, c.ID)
		}
	}
	return ids
}

// Terminated reports whether Terminate was called.
func (w *Worker) Terminated() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.terminated
}

// Subscribers returns the number of live subscriptions.
func (w *Worker) Subscribers() int {
	return w.hub.Count()
}

// Succeed answers every command with start, the given log lines and a done
// event whose output is produce(cmd).
func Succeed(produce func(engine.Command) []byte, lines ...string) Script {
	return func(cmd engine.Command, emit func(engine.Event)) {
		emit(engine.StartEvent(cmd.ID))
		for _, l := range lines {
			emit(engine.StderrEvent(cmd.ID, l))
		}
		emit(engine.DoneEvent(cmd.ID, engine.VirtualFile{Name: "output", Data: produce(cmd)}))
	}
}

// Echo produces the bytes of the first virtual file of the command.
func Echo(cmd engine.Command) []byte {
	if len(cmd.MEMFS) == 0 {
		return nil
	}
	return cmd.MEMFS[0].Data
}

// Fail answers every command with an error event carrying payload.
func Fail(payload any) Script {
	return func(cmd engine.Command, emit func(engine.Event)) {
		emit(engine.StartEvent(cmd.ID))
		emit(engine.ErrorEvent(cmd.ID, payload))
	}
}

// ErrCrashed is the transport failure used by Crash.
var ErrCrashed = errors.New("enginetest: worker crashed")

// Crash returns a script that breaks w as soon as a command arrives.
func Crash(w *Worker) Script {
	return func(engine.Command, func(engine.Event)) {
		w.Break(ErrCrashed)
	}
}
