package engine

import (
	"bytes"
	"encoding/binary"
	"errors"
	"io"
	"log/slog"
	"os/exec"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFrame_RoundTripCommand(t *testing.T) {
	cmd := Command{
		ID:        "req-1",
		Type:      KindRun,
		Arguments: []string{"-i", "input.mp3", "output.mp3"},
		MEMFS:     []VirtualFile{{Name: "input.mp3", Data: []byte{0, 1, 2, 250}}},
	}

	var buf bytes.Buffer
	require.NoError(t, WriteFrame(&buf, cmd))

	size := binary.BigEndian.Uint32(buf.Bytes()[:4])
	assert.Equal(t, buf.Len()-4, int(size))
	assert.Contains(t, buf.String(), `"MEMFS"`)

	var got Command
	require.NoError(t, ReadFrame(&buf, &got))
	assert.Equal(t, cmd, got)

	assert.ErrorIs(t, ReadFrame(&buf, &got), io.EOF)
}

func TestReadFrame_Errors(t *testing.T) {
	t.Run("oversized header", func(t *testing.T) {
		var header [4]byte
		binary.BigEndian.PutUint32(header[:], MaxFrameSize+1)
		var v Event
		err := ReadFrame(bytes.NewReader(header[:]), &v)
		assert.ErrorIs(t, err, ErrFrameTooLarge)
	})

	t.Run("truncated payload", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, WriteFrame(&buf, ReadyEvent()))
		truncated := buf.Bytes()[:buf.Len()-2]
		var v Event
		err := ReadFrame(bytes.NewReader(truncated), &v)
		require.Error(t, err)
		assert.NotErrorIs(t, err, io.EOF)
	})
}

func TestCommand_Validate(t *testing.T) {
	ok := Command{Type: KindRun, MEMFS: []VirtualFile{{Name: "input0.mp3"}, {Name: "input1.mp3"}}}
	require.NoError(t, ok.Validate())

	dup := Command{Type: KindRun, MEMFS: []VirtualFile{{Name: "input0.mp3"}, {Name: "input0.mp3"}}}
	assert.ErrorIs(t, dup.Validate(), ErrDuplicateFile)
}

func TestEvent_Payloads(t *testing.T) {
	line := StderrEvent("a", "time=00:00:01.00 bitrate=128k")
	assert.Equal(t, "time=00:00:01.00 bitrate=128k", line.Text())

	done := DoneEvent("a", VirtualFile{Name: "output.mp3", Data: []byte("out")})
	out, ok := done.Output()
	require.True(t, ok)
	assert.Equal(t, []byte("out"), out)
	assert.Equal(t, "done: output.mp3 (3 bytes)", done.Text())

	big := DoneEvent("a", VirtualFile{Name: "output.mp3", Data: bytes.Repeat([]byte{0xab}, 1<<20)},
		VirtualFile{Name: "output1.mp3", Data: nil})
	assert.Equal(t, "done: output.mp3 (1048576 bytes), output1.mp3 (0 bytes)", big.Text())

	_, ok = line.Output()
	assert.False(t, ok)

	_, ok = DoneEvent("a").Output()
	assert.False(t, ok)

	failure := ErrorEvent("a", map[string]string{"reason": "bad codec"})
	assert.JSONEq(t, `{"reason":"bad codec"}`, failure.Text())
	assert.True(t, failure.Type.Terminal())
	assert.False(t, KindStdout.Terminal())
}

func TestHub_DeliversAndDeregisters(t *testing.T) {
	hub := NewHub()

	// No subscribers: dropped without blocking.
	hub.Publish(ReadyEvent())

	sub := hub.Subscribe()
	assert.Equal(t, 1, hub.Count())

	hub.Publish(StdoutEvent("x", "hello"))
	ev := <-sub.Events()
	assert.Equal(t, "hello", ev.Text())

	sub.Close()
	sub.Close()
	assert.Equal(t, 0, hub.Count())
}

func TestHub_FailReachesFutureSubscribers(t *testing.T) {
	hub := NewHub()
	live := hub.Subscribe()

	boom := errors.New("boom")
	hub.Fail(boom)
	hub.Fail(errors.New("ignored"))

	assert.ErrorIs(t, <-live.Errors(), boom)

	late := hub.Subscribe()
	assert.ErrorIs(t, <-late.Errors(), boom)
	assert.ErrorIs(t, hub.Err(), boom)
}

func TestHub_PublishDoesNotBlockOnClosedSubscriber(t *testing.T) {
	hub := NewHub()
	sub := hub.Subscribe()

	done := make(chan struct{})
	go func() {
		for i := 0; i < subscriptionBuffer*2; i++ {
			hub.Publish(StdoutEvent("x", "line"))
		}
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	sub.Close()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on closed subscriber")
	}
}

// pipeHost wires a StreamWorker to a goroutine acting as the engine.
func pipeHost(t *testing.T, serve func(cmds io.Reader, events io.Writer)) *StreamWorker {
	t.Helper()
	cmdR, cmdW := io.Pipe()
	evR, evW := io.Pipe()

	go func() {
		serve(cmdR, evW)
		_ = evW.Close()
	}()

	w := NewStreamWorker(evR, cmdW)
	t.Cleanup(func() { _ = w.Terminate() })
	return w
}

func TestStreamWorker_ExchangesFrames(t *testing.T) {
	w := pipeHost(t, func(cmds io.Reader, events io.Writer) {
		_ = WriteFrame(events, ReadyEvent())
		var cmd Command
		if err := ReadFrame(cmds, &cmd); err != nil {
			return
		}
		_ = WriteFrame(events, StartEvent(cmd.ID))
		_ = WriteFrame(events, DoneEvent(cmd.ID, VirtualFile{Name: "output.mp3", Data: []byte("ok")}))
	})

	sub := w.Subscribe()
	defer sub.Close()

	ready := <-sub.Events()
	assert.Equal(t, KindReady, ready.Type)

	require.NoError(t, w.Post(Command{ID: "c1", Type: KindRun}))

	start := <-sub.Events()
	assert.Equal(t, KindStart, start.Type)
	assert.Equal(t, "c1", start.ID)

	done := <-sub.Events()
	out, ok := done.Output()
	require.True(t, ok)
	assert.Equal(t, []byte("ok"), out)

	// The host closes its side after the reply.
	select {
	case err := <-sub.Errors():
		var tErr *TransportError
		require.ErrorAs(t, err, &tErr)
		assert.ErrorIs(t, err, ErrWorkerExited)
	case <-time.After(time.Second):
		t.Fatal("expected transport error after worker exit")
	}
}

func TestStreamWorker_PostAfterTerminate(t *testing.T) {
	w := pipeHost(t, func(cmds io.Reader, events io.Writer) {
		_, _ = io.Copy(io.Discard, cmds)
	})

	require.NoError(t, w.Terminate())
	require.NoError(t, w.Terminate())
	assert.ErrorIs(t, w.Post(Command{Type: KindRun}), ErrTerminated)

	sub := w.Subscribe()
	defer sub.Close()
	assert.ErrorIs(t, <-sub.Errors(), ErrTerminated)
}

func TestProcessWorker_EventsSurviveExit(t *testing.T) {
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not found in PATH, skipping test")
	}

	// one ready frame (16-byte body) on stdout, one line on stderr, then exit
	script := `printf '\000\000\000\020{"type":"ready"}'; echo "worker booted" >&2`
	var logs bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&logs, &slog.HandlerOptions{Level: slog.LevelDebug}))

	p, err := StartProcess(sh, []string{"-c", script}, logger)
	require.NoError(t, err)
	defer func() { _ = p.Terminate() }()

	select {
	case <-p.Exited():
	case <-time.After(5 * time.Second):
		t.Fatal("worker did not exit")
	}
	assert.Contains(t, logs.String(), "worker booted")

	// subscribing after exit still sees everything the worker wrote
	sub := p.Subscribe()
	defer sub.Close()

	select {
	case ev := <-sub.Events():
		assert.Equal(t, KindReady, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("ready frame lost after exit")
	}
	select {
	case err := <-sub.Errors():
		assert.ErrorIs(t, err, ErrWorkerExited)
	case <-time.After(time.Second):
		t.Fatal("expected transport error after worker exit")
	}
}
