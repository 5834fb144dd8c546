package enginehost

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/audiosculptor/internal/command"
	"github.com/maauso/audiosculptor/internal/editor"
	"github.com/maauso/audiosculptor/internal/engine"
	"github.com/maauso/audiosculptor/internal/guard"
	"github.com/maauso/audiosculptor/internal/media"
	"github.com/maauso/audiosculptor/internal/progress"
	"github.com/maauso/audiosculptor/internal/protocol"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// copyRunner copies the file after the last -i to the last argument and
// prints ffmpeg-style progress.
type copyRunner struct{}

func (copyRunner) Run(_ context.Context, dir string, args []string, onLine LineFunc) error {
	i := slices.Index(args, "-i")
	if i < 0 || i+1 >= len(args) {
		return errors.New("no input")
	}
	data, err := os.ReadFile(filepath.Join(dir, args[i+1]))
	if err != nil {
		return err
	}
	onLine(Stderr, "  Duration: 00:00:10.00, start: 0.000000, bitrate: 128 kb/s")
	onLine(Stderr, "size=1kB time=00:00:05.00 bitrate=128.0kbits/s")
	onLine(Stdout, "copied")
	return os.WriteFile(filepath.Join(dir, args[len(args)-1]), data, 0600)
}

type failRunner struct{}

func (failRunner) Run(_ context.Context, _ string, args []string, onLine LineFunc) error {
	onLine(Stderr, "input.mp3: Invalid data found when processing input")
	return &FFmpegError{Args: args, Stderr: []string{"input.mp3: Invalid data found when processing input"}, Err: errors.New("exit status 1")}
}

type blockRunner struct{ started chan struct{} }

func (r blockRunner) Run(ctx context.Context, _ string, _ []string, _ LineFunc) error {
	close(r.started)
	<-ctx.Done()
	return ctx.Err()
}

func openLocal(t *testing.T, h *Host, cfg editor.Config) *editor.Session {
	t.Helper()
	s, err := editor.New(cfg, editor.WithLogger(quietLogger()))
	require.NoError(t, err)
	require.NoError(t, s.Open(context.Background(), LocalSpawner(h)))
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestHost_ClipEndToEnd(t *testing.T) {
	h := NewHost(copyRunner{}, WithTempDir(t.TempDir()), WithLogger(quietLogger()))
	s := openLocal(t, h, editor.DefaultConfig())

	var last progress.State
	out, err := s.Clip(context.Background(), media.Raw("mp3-bytes"), 1, 3, editor.WithProgress(func(st progress.State) {
		last = st
	}))
	require.NoError(t, err)

	assert.Equal(t, []byte("mp3-bytes"), out.Blob.Data)
	require.Len(t, out.Logs, 1)
	assert.Contains(t, out.Logs[0], "copied")
	assert.Equal(t, 1.0, last.Ratio)
	assert.Equal(t, 5*time.Second, last.Current)
}

func TestHost_SpliceEndToEnd(t *testing.T) {
	h := NewHost(copyRunner{}, WithTempDir(t.TempDir()), WithLogger(quietLogger()))
	cfg := editor.DefaultConfig()
	cfg.TrackEnd = 60
	s := openLocal(t, h, cfg)

	// The copy runner treats concat's manifest as the input, so the result
	// is the manifest itself.
	out, err := s.Splice(context.Background(), media.Raw("orig"), 10, 20, media.Raw("ins"))
	require.NoError(t, err)
	assert.Equal(t, "file 'input0.mp3'\nfile 'input1.mp3'\nfile 'input2.mp3'", string(out.Blob.Data))
	assert.Len(t, out.Logs, 3)
}

func TestHost_EngineFailure(t *testing.T) {
	h := NewHost(failRunner{}, WithTempDir(t.TempDir()), WithLogger(quietLogger()))
	s := openLocal(t, h, editor.DefaultConfig())

	_, err := s.PassthroughTransform(context.Background(), media.Raw("junk"))

	var engErr *protocol.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Contains(t, string(engErr.Payload), "Invalid data found")
	assert.Contains(t, string(engErr.Payload), `"message":"exit status 1"`)
}

func TestHost_TimeoutAbortsCommand(t *testing.T) {
	runner := blockRunner{started: make(chan struct{})}
	h := NewHost(runner, WithTempDir(t.TempDir()), WithLogger(quietLogger()))
	s := openLocal(t, h, editor.DefaultConfig())

	_, err := s.PassthroughTransform(context.Background(), media.Raw("x"), editor.WithTimeout(50*time.Millisecond))
	require.ErrorIs(t, err, guard.ErrTimeout)

	<-runner.started
	require.Eventually(t, func() bool { return h.Running() == 0 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return s.State() == editor.StateReady }, time.Second, 5*time.Millisecond)
}

func TestHost_RejectsUnsafeNames(t *testing.T) {
	h := NewHost(copyRunner{}, WithTempDir(t.TempDir()), WithLogger(quietLogger()))
	w := Local(context.Background(), h)
	defer func() { _ = w.Terminate() }()

	client := protocol.NewClient(protocol.WithLogger(quietLogger()))
	cmd := command.RawRun("-i ../escape.mp3 output.mp3", map[string][]byte{"../escape.mp3": []byte("x")})

	_, err := client.Send(context.Background(), w, cmd)

	var engErr *protocol.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Contains(t, string(engErr.Payload), "unsafe virtual file name")
}

func TestHost_UnknownCommandType(t *testing.T) {
	h := NewHost(copyRunner{}, WithLogger(quietLogger()))
	w := Local(context.Background(), h)
	defer func() { _ = w.Terminate() }()

	_, err := protocol.NewClient(protocol.WithLogger(quietLogger())).Send(context.Background(), w, engine.Command{Type: "reset"})

	var engErr *protocol.EngineError
	require.ErrorAs(t, err, &engErr)
	assert.Contains(t, string(engErr.Payload), "unknown command type")
}

func TestHost_ServeEndsOnInputEOF(t *testing.T) {
	h := NewHost(copyRunner{}, WithLogger(quietLogger()))

	err := h.Serve(context.Background(), strings.NewReader(""), io.Discard)
	assert.NoError(t, err)
}

func TestScanLogLines(t *testing.T) {
	var lines []string
	scan(strings.NewReader("frame=1 time=00:00:01.00\rframe=2 time=00:00:02.00\r\nlast"), func(l string) {
		lines = append(lines, l)
	})
	assert.Equal(t, []string{"frame=1 time=00:00:01.00", "frame=2 time=00:00:02.00", "last"}, lines)
}

func TestCollectOutputs(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "output1.mp3"), []byte("one"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "output0.mp3"), []byte("zero"), 0600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "input.mp3"), []byte("in"), 0600))

	files, err := collectOutputs(dir, []string{"-i", "input.mp3", "output0.mp3", "output1.mp3", "output2.mp3", "output0.mp3"})
	require.NoError(t, err)
	require.Len(t, files, 2)
	assert.Equal(t, "output0.mp3", files[0].Name)
	assert.Equal(t, []byte("zero"), files[0].Data)
	assert.Equal(t, "output1.mp3", files[1].Name)
}

func TestSafeName(t *testing.T) {
	for _, ok := range []string{"input.mp3", "filelist.txt", "output0.webm"} {
		assert.True(t, safeName(ok), ok)
	}
	for _, bad := range []string{"", ".", "..", "../x", "a/b", `a\b`, "/etc/passwd"} {
		assert.False(t, safeName(bad), bad)
	}
}

// skipIfNoFFmpeg skips the test if ffmpeg is not available.
func skipIfNoFFmpeg(t *testing.T) string {
	t.Helper()
	path, err := exec.LookPath("ffmpeg")
	if err != nil {
		t.Skip("ffmpeg not found in PATH, skipping test")
	}
	return path
}

func TestFFmpegRunner_ClipWithRealBinary(t *testing.T) {
	ffmpeg := skipIfNoFFmpeg(t)

	src := filepath.Join(t.TempDir(), "tone.mp3")
	gen := exec.Command(ffmpeg, "-y", "-f", "lavfi", "-i", "sine=frequency=440:duration=3", src)
	if out, err := gen.CombinedOutput(); err != nil {
		t.Skipf("ffmpeg cannot encode mp3 here: %v\n%s", err, out)
	}

	h := NewHost(NewFFmpegRunner(ffmpeg), WithTempDir(t.TempDir()), WithLogger(quietLogger()))
	s := openLocal(t, h, editor.DefaultConfig())

	var ratios []float64
	out, err := s.Clip(context.Background(), media.FromFile(src), 1, 2, editor.WithProgress(func(st progress.State) {
		ratios = append(ratios, st.Ratio)
	}))
	require.NoError(t, err)
	assert.NotEmpty(t, out.Blob.Data)
	require.NotEmpty(t, ratios)
	assert.Equal(t, 1.0, ratios[len(ratios)-1])
}
