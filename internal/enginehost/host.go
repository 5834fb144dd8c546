package enginehost

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/maauso/audiosculptor/internal/engine"
)

// ErrUnsafeName is returned for virtual file names that would escape the
// command's working directory.
var ErrUnsafeName = errors.New("enginehost: unsafe virtual file name")

// Failure is the payload of error events emitted by the host.
type Failure struct {
	Message  string   `json:"message"`
	ExitCode int      `json:"exit_code,omitempty"`
	Stderr   []string `json:"stderr,omitempty"`
}

// Host serves the engine protocol.
type Host struct {
	runner  Runner
	tempDir string
	logger  *slog.Logger

	mu      sync.Mutex
	running map[string]context.CancelFunc
	wg      sync.WaitGroup

	writeMu sync.Mutex
}

// Option configures a Host.
type Option func(*Host)

// WithTempDir sets the parent directory of per-command work directories.
func WithTempDir(dir string) Option {
	return func(h *Host) { h.tempDir = dir }
}

// WithLogger sets the logger. Host logs never go to the protocol stream.
func WithLogger(l *slog.Logger) Option {
	return func(h *Host) { h.logger = l }
}

// NewHost creates a host that runs commands with runner.
func NewHost(runner Runner, opts ...Option) *Host {
	h := &Host{
		runner:  runner,
		logger:  slog.Default(),
		running: make(map[string]context.CancelFunc),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Serve announces readiness on w, then reads commands from r until it is
// exhausted or ctx ends. Commands run concurrently; each is identified by
// its ID on every event it produces.
func (h *Host) Serve(ctx context.Context, r io.Reader, w io.Writer) error {
	ctx, cancel := context.WithCancel(ctx)
	defer func() {
		cancel()
		h.wg.Wait()
	}()

	emit := func(ev engine.Event) {
		h.writeMu.Lock()
		defer h.writeMu.Unlock()
		if err := engine.WriteFrame(w, ev); err != nil {
			h.logger.Debug("emit failed", slog.String("type", string(ev.Type)), slog.String("error", err.Error()))
		}
	}

	emit(engine.ReadyEvent())
	h.logger.Info("engine host ready")

	commands := make(chan engine.Command)
	readErr := make(chan error, 1)
	go func() {
		defer close(commands)
		for {
			var cmd engine.Command
			if err := engine.ReadFrame(r, &cmd); err != nil {
				if !errors.Is(err, io.EOF) {
					readErr <- err
				}
				return
			}
			select {
			case commands <- cmd:
			case <-ctx.Done():
				return
			}
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case cmd, ok := <-commands:
			if !ok {
				select {
				case err := <-readErr:
					return fmt.Errorf("enginehost: read command: %w", err)
				default:
					return nil
				}
			}
			h.dispatch(ctx, cmd, emit)
		}
	}
}

func (h *Host) dispatch(ctx context.Context, cmd engine.Command, emit func(engine.Event)) {
	switch cmd.Type {
	case engine.KindRun:
		cmdCtx, cancel := context.WithCancel(ctx)
		h.mu.Lock()
		h.running[cmd.ID] = cancel
		h.mu.Unlock()

		h.wg.Add(1)
		go func() {
			defer h.wg.Done()
			defer h.finish(cmd.ID)
			h.execute(cmdCtx, cmd, emit)
		}()
	case engine.KindAbort:
		h.mu.Lock()
		cancel, ok := h.running[cmd.ID]
		h.mu.Unlock()
		if ok {
			h.logger.Info("aborting command", slog.String("command_id", cmd.ID))
			cancel()
		}
	default:
		emit(engine.ErrorEvent(cmd.ID, Failure{Message: fmt.Sprintf("unknown command type %q", cmd.Type)}))
	}
}

func (h *Host) finish(id string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if cancel, ok := h.running[id]; ok {
		cancel()
		delete(h.running, id)
	}
}

// Running returns the number of commands in progress.
func (h *Host) Running() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.running)
}

func (h *Host) execute(ctx context.Context, cmd engine.Command, emit func(engine.Event)) {
	logger := h.logger.With(slog.String("command_id", cmd.ID))

	if err := cmd.Validate(); err != nil {
		emit(engine.ErrorEvent(cmd.ID, Failure{Message: err.Error()}))
		return
	}

	dir, err := os.MkdirTemp(h.tempDir, "sculptor-*")
	if err != nil {
		emit(engine.ErrorEvent(cmd.ID, Failure{Message: fmt.Sprintf("create work dir: %v", err)}))
		return
	}
	defer func() { _ = os.RemoveAll(dir) }()

	if err := materialize(dir, cmd.MEMFS); err != nil {
		emit(engine.ErrorEvent(cmd.ID, Failure{Message: err.Error()}))
		return
	}

	emit(engine.StartEvent(cmd.ID))
	logger.Debug("running command", slog.Any("arguments", cmd.Arguments))

	err = h.runner.Run(ctx, dir, cmd.Arguments, func(stream Stream, line string) {
		if stream == Stdout {
			emit(engine.StdoutEvent(cmd.ID, line))
			return
		}
		emit(engine.StderrEvent(cmd.ID, line))
	})
	if err != nil {
		logger.Info("command failed", slog.String("error", err.Error()))
		emit(engine.ErrorEvent(cmd.ID, failureOf(ctx, err)))
		return
	}

	outputs, err := collectOutputs(dir, cmd.Arguments)
	if err != nil {
		emit(engine.ErrorEvent(cmd.ID, Failure{Message: err.Error()}))
		return
	}
	emit(engine.DoneEvent(cmd.ID, outputs...))
}

func failureOf(ctx context.Context, err error) Failure {
	if ctx.Err() != nil {
		return Failure{Message: "aborted"}
	}
	var ffErr *FFmpegError
	if errors.As(err, &ffErr) {
		return Failure{Message: ffErr.Err.Error(), ExitCode: ffErr.ExitCode(), Stderr: ffErr.Stderr}
	}
	return Failure{Message: err.Error()}
}

// safeName reports whether name is a plain file name.
func safeName(name string) bool {
	return name != "" && name != "." && name != ".." &&
		!strings.ContainsAny(name, `/\`) && filepath.Base(name) == name
}

func materialize(dir string, files []engine.VirtualFile) error {
	for _, f := range files {
		if !safeName(f.Name) {
			return fmt.Errorf("%w: %q", ErrUnsafeName, f.Name)
		}
		if err := os.WriteFile(filepath.Join(dir, f.Name), f.Data, 0600); err != nil {
			return fmt.Errorf("write %s: %w", f.Name, err)
		}
	}
	return nil
}

// collectOutputs reads every argument naming an output* file that exists
// in dir, in argument order.
func collectOutputs(dir string, args []string) ([]engine.VirtualFile, error) {
	var files []engine.VirtualFile
	seen := make(map[string]bool)
	for _, arg := range args {
		if !safeName(arg) || !strings.HasPrefix(arg, "output") || seen[arg] {
			continue
		}
		seen[arg] = true

		data, err := os.ReadFile(filepath.Join(dir, arg)) // #nosec G304 - name checked by safeName
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", arg, err)
		}
		files = append(files, engine.VirtualFile{Name: arg, Data: data})
	}
	return files, nil
}
