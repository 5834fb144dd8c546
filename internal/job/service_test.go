package job

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maauso/audiosculptor/internal/command"
	"github.com/maauso/audiosculptor/internal/editor"
	"github.com/maauso/audiosculptor/internal/engine"
	"github.com/maauso/audiosculptor/internal/engine/enginetest"
	"github.com/maauso/audiosculptor/internal/media"
	"github.com/maauso/audiosculptor/internal/storage"
)

type mockStorage struct {
	mock.Mock
}

func (m *mockStorage) Save(ctx context.Context, name string, blob media.Blob) (string, error) {
	args := m.Called(ctx, name, blob)
	return args.String(0), args.Error(1)
}

func (m *mockStorage) Open(ctx context.Context, path string) (io.ReadCloser, error) {
	args := m.Called(ctx, path)
	rc, _ := args.Get(0).(io.ReadCloser)
	return rc, args.Error(1)
}

func (m *mockStorage) Cleanup(ctx context.Context, paths []string) error {
	args := m.Called(ctx, paths)
	return args.Error(0)
}

func (m *mockStorage) Publish(ctx context.Context, key string, blob media.Blob) (string, error) {
	args := m.Called(ctx, key, blob)
	return args.String(0), args.Error(1)
}

// progressRepo records the progress of every saved snapshot.
type progressRepo struct {
	*MemoryRepository
	mu       sync.Mutex
	progress []int
}

func (r *progressRepo) Save(ctx context.Context, job *Job) error {
	r.mu.Lock()
	r.progress = append(r.progress, job.Clone().Progress)
	r.mu.Unlock()
	return r.MemoryRepository.Save(ctx, job)
}

func (r *progressRepo) seen() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]int(nil), r.progress...)
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func openSession(t *testing.T, script enginetest.Script) (*editor.Session, *enginetest.Worker) {
	t.Helper()
	cfg := editor.DefaultConfig()
	cfg.DefaultTimeout = 5 * time.Second

	s, err := editor.New(cfg, editor.WithLogger(quietLogger()))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	w := enginetest.New(script, enginetest.WithReady())
	require.NoError(t, s.Open(context.Background(), func(context.Context) (engine.Worker, error) { return w, nil }))
	return s, w
}

func newService(t *testing.T, script enginetest.Script) (*EditService, *progressRepo, *mockStorage, *enginetest.Worker) {
	t.Helper()
	session, w := openSession(t, script)
	repo := &progressRepo{MemoryRepository: NewMemoryRepository()}
	store := &mockStorage{}
	svc := NewEditService(repo, session, store, quietLogger())
	t.Cleanup(func() { _ = svc.Shutdown(context.Background()) })
	return svc, repo, store, w
}

// waitDone drains a watch until the job is terminal and returns the final job.
func waitDone(t *testing.T, svc *EditService, id string) *Job {
	t.Helper()
	ch, stop, err := svc.Watch(context.Background(), id)
	require.NoError(t, err)
	defer stop()

	timeout := time.After(5 * time.Second)
	for {
		select {
		case _, ok := <-ch:
			if !ok {
				job, err := svc.GetJob(context.Background(), id)
				require.NoError(t, err)
				return job
			}
		case <-timeout:
			t.Fatalf("job %s did not finish", id)
		}
	}
}

func blobWith(data string) any {
	return mock.MatchedBy(func(b media.Blob) bool { return string(b.Data) == data && b.Type == media.MP3 })
}

func TestRequest_Validate(t *testing.T) {
	src := media.Raw("x")
	tests := []struct {
		name    string
		req     Request
		wantErr bool
	}{
		{"splice", Request{Operation: OpSplice, Original: src}, false},
		{"splice without original", Request{Operation: OpSplice}, true},
		{"clip", Request{Operation: OpClip, Original: src}, false},
		{"transform without original", Request{Operation: OpTransform}, true},
		{"convert", Request{Operation: OpConvert, Original: src, Origin: media.WebM}, false},
		{"convert without origin", Request{Operation: OpConvert, Original: src}, true},
		{"clip_convert bad origin", Request{Operation: OpClipConvert, Original: src, Origin: "wav"}, true},
		{"concat", Request{Operation: OpConcat, Sources: []media.Source{src}}, false},
		{"concat empty", Request{Operation: OpConcat}, true},
		{"custom", Request{Operation: OpCustom, CommandLine: "-i a.mp3 output.mp3"}, false},
		{"custom without command line", Request{Operation: OpCustom}, true},
		{"unknown", Request{Operation: "reverse"}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.req.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidRequest)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestEditService_Submit_Completes(t *testing.T) {
	svc, repo, store, w := newService(t, enginetest.Succeed(enginetest.Echo,
		"Duration: 00:00:10.00, start: 0.000000, bitrate: 128 kb/s",
		"size=  1kB time=00:00:05.00 bitrate= 128.0kbits/s",
	))
	store.On("Save", mock.Anything, mock.AnythingOfType("string"), blobWith("abc")).Return("/tmp/out.mp3", nil)

	job, err := svc.Submit(context.Background(), Request{
		Operation: OpClip,
		Original:  media.Raw("abc"),
		Start:     1,
		End:       command.ToEnd,
	})
	require.NoError(t, err)
	assert.Equal(t, StatusInQueue, job.Status)
	assert.Equal(t, media.MP3, job.MediaType)

	final := waitDone(t, svc, job.ID)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, 100, final.Progress)
	assert.Equal(t, "/tmp/out.mp3", final.OutputPath)
	assert.Empty(t, final.OutputURL)
	assert.Contains(t, final.Logs, "size=  1kB time=00:00:05.00 bitrate= 128.0kbits/s")
	assert.Contains(t, repo.seen(), 50)

	runs := w.Runs()
	require.Len(t, runs, 1)
	assert.Equal(t, []string{"-ss", "1", "-i", "input.mp3", "-acodec", "copy", "output.mp3"}, runs[0].Arguments)
	store.AssertNotCalled(t, "Publish", mock.Anything, mock.Anything, mock.Anything)
}

func TestEditService_Submit_PublishesToS3(t *testing.T) {
	svc, _, store, _ := newService(t, enginetest.Succeed(enginetest.Echo))
	store.On("Save", mock.Anything, mock.Anything, blobWith("left")).Return("/tmp/out.mp3", nil)
	store.On("Publish", mock.Anything, mock.Anything, blobWith("left")).Return("https://bucket/out.mp3", nil)

	job, err := svc.Submit(context.Background(), Request{
		Operation: OpConcat,
		Sources:   []media.Source{media.Raw("left"), media.Raw("right")},
		PushToS3:  true,
	})
	require.NoError(t, err)

	final := waitDone(t, svc, job.ID)
	assert.Equal(t, StatusCompleted, final.Status)
	assert.Equal(t, "https://bucket/out.mp3", final.OutputURL)
	store.AssertCalled(t, "Publish", mock.Anything, storage.Key(job.ID, media.MP3), mock.Anything)
}

func TestEditService_PublishFailureCleansUp(t *testing.T) {
	svc, _, store, _ := newService(t, enginetest.Succeed(enginetest.Echo))
	store.On("Save", mock.Anything, mock.Anything, mock.Anything).Return("/tmp/out.mp3", nil)
	store.On("Publish", mock.Anything, mock.Anything, mock.Anything).Return("", storage.ErrS3NotConfigured)
	store.On("Cleanup", mock.Anything, []string{"/tmp/out.mp3"}).Return(nil)

	job, err := svc.Submit(context.Background(), Request{Operation: OpTransform, Original: media.Raw("v"), PushToS3: true})
	require.NoError(t, err)

	final := waitDone(t, svc, job.ID)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.Error, "publish output")
	assert.Empty(t, final.OutputPath)
	store.AssertExpectations(t)
}

func TestEditService_EngineFailure(t *testing.T) {
	svc, _, store, _ := newService(t, enginetest.Fail("Invalid data found when processing input"))

	job, err := svc.Submit(context.Background(), Request{Operation: OpConvert, Original: media.Raw("x"), Origin: media.WebM})
	require.NoError(t, err)

	final := waitDone(t, svc, job.ID)
	assert.Equal(t, StatusFailed, final.Status)
	assert.Contains(t, final.Error, "convert")
	assert.False(t, final.CompletedAt.IsZero())
	store.AssertNotCalled(t, "Save", mock.Anything, mock.Anything, mock.Anything)
}

func TestEditService_Timeout(t *testing.T) {
	svc, _, _, w := newService(t, nil)

	job, err := svc.Submit(context.Background(), Request{
		Operation: OpClip,
		Original:  media.Raw("x"),
		End:       command.ToEnd,
		Timeout:   50 * time.Millisecond,
	})
	require.NoError(t, err)

	final := waitDone(t, svc, job.ID)
	assert.Equal(t, StatusTimedOut, final.Status)
	assert.Contains(t, final.Error, "timeout")
	assert.Eventually(t, func() bool { return len(w.Aborts()) == 1 }, time.Second, 10*time.Millisecond)
}

func TestEditService_Cancel(t *testing.T) {
	svc, _, _, w := newService(t, nil)

	job, err := svc.Submit(context.Background(), Request{Operation: OpClip, Original: media.Raw("x"), End: command.ToEnd})
	require.NoError(t, err)
	require.Eventually(t, func() bool { return len(w.Runs()) == 1 }, time.Second, 5*time.Millisecond)

	cancelled, err := svc.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, cancelled.Status)

	_, err = svc.Cancel(context.Background(), job.ID)
	assert.ErrorIs(t, err, ErrJobFinished)

	_, err = svc.Cancel(context.Background(), "job-missing")
	assert.ErrorIs(t, err, ErrJobNotFound)
}

func TestEditService_Cancel_NotOwned(t *testing.T) {
	svc, repo, _, _ := newService(t, nil)
	orphan := New(OpClip)
	require.NoError(t, repo.Save(context.Background(), orphan))

	job, err := svc.Cancel(context.Background(), orphan.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, job.Status)
}

func TestEditService_Process(t *testing.T) {
	svc, _, store, _ := newService(t, enginetest.Succeed(enginetest.Echo))
	store.On("Save", mock.Anything, mock.Anything, mock.Anything).Return("/tmp/out.mp3", nil)

	job, err := svc.Process(context.Background(), Request{
		Operation:   OpCustom,
		CommandLine: "-i a.mp3 output.mp3",
		Files:       map[string]media.Source{"a.mp3": media.Raw("a")},
	})
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, job.Status)

	jobs, err := svc.ListJobs(context.Background())
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.ID, jobs[0].ID)
}

type recordingObserver struct {
	mu       sync.Mutex
	statuses []string
}

func (o *recordingObserver) ObserveJob(operation, status string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.statuses = append(o.statuses, operation+":"+status)
}

func TestEditService_Observer(t *testing.T) {
	svc, _, store, _ := newService(t, enginetest.Succeed(enginetest.Echo))
	store.On("Save", mock.Anything, mock.Anything, mock.Anything).Return("/tmp/out.mp3", nil)
	obs := &recordingObserver{}
	svc.SetObserver(obs)

	_, err := svc.Process(context.Background(), Request{Operation: OpClip, Original: media.Raw("x"), End: command.ToEnd})
	require.NoError(t, err)

	assert.Equal(t, []string{"clip:COMPLETED"}, obs.statuses)
}

func TestEditService_SubmitInvalid(t *testing.T) {
	svc, _, _, _ := newService(t, nil)

	_, err := svc.Submit(context.Background(), Request{Operation: OpConcat})
	assert.ErrorIs(t, err, ErrInvalidRequest)

	jobs, _ := svc.ListJobs(context.Background())
	assert.Empty(t, jobs)
}

func TestEditService_Shutdown(t *testing.T) {
	svc, _, _, _ := newService(t, nil)

	job, err := svc.Submit(context.Background(), Request{Operation: OpClip, Original: media.Raw("x"), End: command.ToEnd})
	require.NoError(t, err)

	require.NoError(t, svc.Shutdown(context.Background()))

	final, err := svc.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusCancelled, final.Status)

	_, err = svc.Submit(context.Background(), Request{Operation: OpClip, Original: media.Raw("x")})
	assert.ErrorIs(t, err, ErrShuttingDown)
}

func TestEditService_Watch(t *testing.T) {
	svc, repo, _, _ := newService(t, nil)

	_, _, err := svc.Watch(context.Background(), "job-missing")
	assert.ErrorIs(t, err, ErrJobNotFound)

	done := New(OpClip)
	_ = done.Cancel()
	require.NoError(t, repo.Save(context.Background(), done))

	ch, stop, err := svc.Watch(context.Background(), done.ID)
	require.NoError(t, err)
	defer stop()

	snapshot, ok := <-ch
	require.True(t, ok)
	assert.Equal(t, StatusCancelled, snapshot.Status)
	_, ok = <-ch
	assert.False(t, ok)
}

func TestEditService_WatchStop(t *testing.T) {
	svc, _, _, _ := newService(t, nil)

	job, err := svc.Submit(context.Background(), Request{Operation: OpClip, Original: media.Raw("x"), End: command.ToEnd})
	require.NoError(t, err)

	ch, stop, err := svc.Watch(context.Background(), job.ID)
	require.NoError(t, err)
	stop()
	stop()

	for range ch {
	}
	_, err = svc.Cancel(context.Background(), job.ID)
	require.NoError(t, err)
}

func TestEditService_RepositoryError(t *testing.T) {
	session, _ := openSession(t, nil)
	svc := NewEditService(failingRepo{}, session, &mockStorage{}, nil)

	_, err := svc.Submit(context.Background(), Request{Operation: OpClip, Original: media.Raw("x")})
	assert.ErrorIs(t, err, errRepoDown)
}

var errRepoDown = errors.New("repository down")

type failingRepo struct{}

func (failingRepo) Save(context.Context, *Job) error               { return errRepoDown }
func (failingRepo) FindByID(context.Context, string) (*Job, error) { return nil, errRepoDown }
func (failingRepo) List(context.Context) ([]*Job, error)           { return nil, errRepoDown }
func (failingRepo) Delete(context.Context, string) error           { return errRepoDown }
