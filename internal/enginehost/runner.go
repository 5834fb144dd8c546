// Package enginehost implements the worker side of the engine protocol. It
// materializes each command's virtual files in a private directory, runs
// ffmpeg there and streams its output back as events.
package enginehost

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"
	"sync"
)

// Stream identifies which output stream a line came from.
type Stream string

// Output streams.
const (
	Stdout Stream = "stdout"
	Stderr Stream = "stderr"
)

// stderrTail is the number of trailing stderr lines kept for errors.
const stderrTail = 20

// LineFunc receives one line of process output.
type LineFunc func(stream Stream, line string)

// Runner executes one engine invocation inside dir.
type Runner interface {
	Run(ctx context.Context, dir string, args []string, onLine LineFunc) error
}

// FFmpegRunner runs the ffmpeg CLI.
type FFmpegRunner struct {
	// Path is the ffmpeg binary. Defaults to "ffmpeg".
	Path string
}

// NewFFmpegRunner creates a runner. If path is empty it defaults to
// "ffmpeg" found via PATH.
func NewFFmpegRunner(path string) *FFmpegRunner {
	if path == "" {
		path = "ffmpeg"
	}
	return &FFmpegRunner{Path: path}
}

// Run executes ffmpeg with args in dir, reporting each output line.
// ffmpeg rewrites its progress line with carriage returns, so both \r and
// \n end a line.
func (r *FFmpegRunner) Run(ctx context.Context, dir string, args []string, onLine LineFunc) error {
	// #nosec G204 - arguments are passed to ffmpeg without a shell
	cmd := exec.CommandContext(ctx, r.Path, args...)
	cmd.Dir = dir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("start ffmpeg: %w", err)
	}

	tail := &lineTail{max: stderrTail}
	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		scan(stdout, func(line string) { onLine(Stdout, line) })
	}()
	go func() {
		defer wg.Done()
		scan(stderr, func(line string) {
			tail.add(line)
			onLine(Stderr, line)
		})
	}()
	wg.Wait()

	if err := cmd.Wait(); err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("ffmpeg cancelled: %w", ctx.Err())
		}
		return &FFmpegError{Args: args, Stderr: tail.lines(), Err: err}
	}
	return nil
}

// FFmpegError represents a failed ffmpeg run with the tail of its stderr.
type FFmpegError struct {
	Args   []string
	Stderr []string
	Err    error
}

func (e *FFmpegError) Error() string {
	return fmt.Sprintf("ffmpeg error: %v\nargs: %v\nstderr: %s", e.Err, e.Args, strings.Join(e.Stderr, "\n"))
}

func (e *FFmpegError) Unwrap() error {
	return e.Err
}

// ExitCode returns the process exit code, or -1 if it is not known.
func (e *FFmpegError) ExitCode() int {
	var exitErr *exec.ExitError
	if errors.As(e.Err, &exitErr) {
		return exitErr.ExitCode()
	}
	return -1
}

func scan(r io.Reader, fn func(string)) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	scanner.Split(scanLogLines)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			fn(line)
		}
	}
}

// scanLogLines is a bufio.SplitFunc that ends lines at \r or \n.
func scanLogLines(data []byte, atEOF bool) (int, []byte, error) {
	if atEOF && len(data) == 0 {
		return 0, nil, nil
	}
	if i := bytes.IndexAny(data, "\r\n"); i >= 0 {
		return i + 1, data[:i], nil
	}
	if atEOF {
		return len(data), data, nil
	}
	return 0, nil, nil
}

type lineTail struct {
	mu  sync.Mutex
	max int
	buf []string
}

func (t *lineTail) add(line string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.buf = append(t.buf, line)
	if len(t.buf) > t.max {
		t.buf = t.buf[len(t.buf)-t.max:]
	}
}

func (t *lineTail) lines() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]string(nil), t.buf...)
}
