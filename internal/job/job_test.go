package job

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maauso/audiosculptor/internal/media"
)

func TestNew(t *testing.T) {
	job := New(OpSplice)

	assert.NotEmpty(t, job.ID)
	assert.Equal(t, OpSplice, job.Operation)
	assert.Equal(t, StatusInQueue, job.Status)
	assert.False(t, job.CreatedAt.IsZero())
	assert.False(t, job.UpdatedAt.IsZero())
	assert.NotNil(t, job.Logs)
}

func TestNewWithID(t *testing.T) {
	job := NewWithID("test-job-123", OpClip)

	assert.Equal(t, "test-job-123", job.ID)
	assert.Equal(t, StatusInQueue, job.Status)
}

func TestOperation_IsValid(t *testing.T) {
	for _, op := range []Operation{OpSplice, OpClip, OpConcat, OpConvert, OpClipConvert, OpTransform, OpCustom} {
		assert.True(t, op.IsValid(), op)
	}
	assert.False(t, Operation("reverse").IsValid())
	assert.False(t, Operation("").IsValid())
}

func TestJob_ValidTransitions(t *testing.T) {
	tests := []struct {
		name    string
		from    Status
		to      Status
		wantErr bool
	}{
		{"IN_QUEUE to RUNNING", StatusInQueue, StatusRunning, false},
		{"IN_QUEUE to CANCELLED", StatusInQueue, StatusCancelled, false},
		{"IN_QUEUE to FAILED", StatusInQueue, StatusFailed, false},
		{"RUNNING to COMPLETED", StatusRunning, StatusCompleted, false},
		{"RUNNING to FAILED", StatusRunning, StatusFailed, false},
		{"RUNNING to CANCELLED", StatusRunning, StatusCancelled, false},
		{"RUNNING to TIMED_OUT", StatusRunning, StatusTimedOut, false},
		{"IN_QUEUE to COMPLETED", StatusInQueue, StatusCompleted, true},
		{"IN_QUEUE to TIMED_OUT", StatusInQueue, StatusTimedOut, true},
		{"COMPLETED to RUNNING", StatusCompleted, StatusRunning, true},
		{"FAILED to RUNNING", StatusFailed, StatusRunning, true},
		{"CANCELLED to RUNNING", StatusCancelled, StatusRunning, true},
		{"TIMED_OUT to COMPLETED", StatusTimedOut, StatusCompleted, true},
		{"RUNNING to IN_QUEUE", StatusRunning, StatusInQueue, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			job := NewWithID("test", OpClip)
			job.Status = tt.from

			err := job.TransitionTo(tt.to)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidTransition)
				assert.Equal(t, tt.from, job.Status)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.to, job.Status)
		})
	}
}

func TestJob_Lifecycle(t *testing.T) {
	job := New(OpConcat)

	require.NoError(t, job.Start())
	assert.False(t, job.StartedAt.IsZero())
	job.UpdateProgress(40)

	require.NoError(t, job.Complete())
	assert.Equal(t, StatusCompleted, job.Status)
	assert.Equal(t, 100, job.Progress)
	assert.False(t, job.CompletedAt.IsZero())
	assert.True(t, job.IsTerminal())
}

func TestJob_FailAndTimeout(t *testing.T) {
	failed := New(OpConvert)
	require.NoError(t, failed.Start())
	require.NoError(t, failed.Fail("engine exploded"))
	assert.Equal(t, StatusFailed, failed.Status)
	assert.Equal(t, "engine exploded", failed.Error)

	timedOut := New(OpConvert)
	require.NoError(t, timedOut.Start())
	require.NoError(t, timedOut.Timeout("after 1s"))
	assert.Equal(t, StatusTimedOut, timedOut.Status)
	assert.Equal(t, "after 1s", timedOut.Error)

	// a rejected transition leaves the message untouched
	assert.ErrorIs(t, timedOut.Fail("late"), ErrInvalidTransition)
	assert.Equal(t, "after 1s", timedOut.Error)
}

func TestJob_Cancel(t *testing.T) {
	job := New(OpClip)
	require.NoError(t, job.Cancel())
	assert.Equal(t, StatusCancelled, job.GetStatus())
	assert.ErrorIs(t, job.Start(), ErrInvalidTransition)
}

func TestJob_IsTerminal(t *testing.T) {
	tests := map[Status]bool{
		StatusInQueue:   false,
		StatusRunning:   false,
		StatusCompleted: true,
		StatusFailed:    true,
		StatusCancelled: true,
		StatusTimedOut:  true,
	}
	for status, want := range tests {
		job := NewWithID("test", OpClip)
		job.Status = status
		assert.Equal(t, want, job.IsTerminal(), status)
	}
}

func TestJob_UpdateProgress(t *testing.T) {
	job := New(OpSplice)

	job.UpdateProgress(30)
	assert.Equal(t, 30, job.Progress)

	job.UpdateProgress(10)
	assert.Equal(t, 30, job.Progress, "progress never moves backwards")

	job.UpdateProgress(150)
	assert.Equal(t, 100, job.Progress)

	fresh := New(OpSplice)
	fresh.UpdateProgress(-5)
	assert.Equal(t, 0, fresh.Progress)
}

func TestJob_AppendLogsAndOutput(t *testing.T) {
	job := New(OpCustom)
	job.AppendLogs()
	job.AppendLogs("Duration: 00:00:10.00, start: 0", "time=00:00:05.00 bitrate=1k")
	assert.Len(t, job.Logs, 2)

	job.SetOutput("/tmp/out.mp3", "https://bucket/out.mp3")
	assert.Equal(t, "/tmp/out.mp3", job.OutputPath)
	assert.Equal(t, "https://bucket/out.mp3", job.OutputURL)

	job.ClearOutput()
	assert.Empty(t, job.OutputPath)
	assert.Empty(t, job.OutputURL)
}

func TestJob_Clone(t *testing.T) {
	original := New(OpSplice)
	original.MediaType = media.WebM
	original.PushToS3 = true
	original.AppendLogs("line")
	_ = original.Start()

	clone := original.Clone()
	assert.Equal(t, original.ID, clone.ID)
	assert.Equal(t, original.Status, clone.Status)
	assert.Equal(t, media.WebM, clone.MediaType)
	assert.True(t, clone.PushToS3)
	assert.Equal(t, original.StartedAt, clone.StartedAt)

	clone.Logs[0] = "changed"
	clone.Progress = 99
	assert.Equal(t, "line", original.Logs[0])
	assert.Equal(t, 0, original.Progress)
}

func TestJob_ConcurrentUpdates(t *testing.T) {
	job := New(OpConcat)
	_ = job.Start()

	var wg sync.WaitGroup
	for i := 0; i < 100; i++ {
		wg.Add(2)
		go func(p int) {
			defer wg.Done()
			job.UpdateProgress(p)
			job.AppendLogs("x")
		}(i)
		go func() {
			defer wg.Done()
			_ = job.GetStatus()
			_ = job.Clone()
		}()
	}
	wg.Wait()

	assert.Len(t, job.Logs, 100)
	assert.Equal(t, 99, job.Progress)
}
