package engine

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"time"
)

// terminateGrace is how long Terminate waits for the process to exit after
// its stdin is closed before killing it.
const terminateGrace = 2 * time.Second

// ProcessWorker runs the engine as a child process speaking the framed
// protocol over stdin and stdout. The child's stderr is forwarded to the
// logger line by line.
type ProcessWorker struct {
	*StreamWorker

	cmd    *exec.Cmd
	logger *slog.Logger

	exited  chan struct{}
	waitErr error
	once    sync.Once
}

// StartProcess spawns path with args and returns a handle to it.
func StartProcess(path string, args []string, logger *slog.Logger) (*ProcessWorker, error) {
	if logger == nil {
		logger = slog.Default()
	}

	// #nosec G204 - the worker binary is configured by the operator
	cmd := exec.Command(path, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("engine: stdin pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("engine: stderr pipe: %w", err)
	}
	// stdout is a plain pipe so Wait never closes the read end under the
	// event reader; StreamWorker.Terminate closes it.
	stdout, childStdout, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("engine: stdout pipe: %w", err)
	}
	cmd.Stdout = childStdout

	if err := cmd.Start(); err != nil {
		_ = stdout.Close()
		_ = childStdout.Close()
		return nil, fmt.Errorf("engine: start %s: %w", path, err)
	}
	_ = childStdout.Close()

	p := &ProcessWorker{
		StreamWorker: NewStreamWorker(stdout, stdin),
		cmd:          cmd,
		logger:       logger.With(slog.String("worker", path), slog.Int("pid", cmd.Process.Pid)),
		exited:       make(chan struct{}),
	}

	stderrDone := make(chan struct{})
	go func() {
		defer close(stderrDone)
		p.forwardStderr(stderr)
	}()
	go func() {
		// Wait closes the stderr pipe, so it must drain first
		<-stderrDone
		p.waitErr = cmd.Wait()
		close(p.exited)
	}()

	return p, nil
}

// Spawner returns a SpawnFunc that starts path with args.
func Spawner(path string, args []string, logger *slog.Logger) SpawnFunc {
	return func(context.Context) (Worker, error) {
		return StartProcess(path, args, logger)
	}
}

// Terminate closes stdin and waits for the process to exit, killing it
// after a short grace period.
func (p *ProcessWorker) Terminate() error {
	var err error
	p.once.Do(func() {
		_ = p.StreamWorker.Terminate()

		select {
		case <-p.exited:
		case <-time.After(terminateGrace):
			if kerr := p.cmd.Process.Kill(); kerr != nil {
				err = fmt.Errorf("engine: kill worker: %w", kerr)
			}
			<-p.exited
		}
		p.logger.Debug("worker terminated", slog.Any("wait", p.waitErr))
	})
	return err
}

// Exited is closed when the process has exited.
func (p *ProcessWorker) Exited() <-chan struct{} {
	return p.exited
}

func (p *ProcessWorker) forwardStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		p.logger.Debug("worker log", slog.String("line", scanner.Text()))
	}
	// keep draining after an overlong line so the child never blocks
	_, _ = io.Copy(io.Discard, r)
}
