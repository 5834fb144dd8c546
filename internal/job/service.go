package job

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/maauso/audiosculptor/internal/editor"
	"github.com/maauso/audiosculptor/internal/guard"
	"github.com/maauso/audiosculptor/internal/media"
	"github.com/maauso/audiosculptor/internal/progress"
	"github.com/maauso/audiosculptor/internal/protocol"
	"github.com/maauso/audiosculptor/internal/storage"
)

// Static errors returned by EditService.
var (
	// ErrInvalidRequest is returned when a Request lacks what its operation needs.
	ErrInvalidRequest = errors.New("invalid edit request")
	// ErrJobFinished is returned when cancelling a job that already finished.
	ErrJobFinished = errors.New("job already finished")
	// ErrShuttingDown is returned when submitting after Shutdown.
	ErrShuttingDown = errors.New("edit service is shutting down")
)

// Editor is the part of editor.Session the service drives.
type Editor interface {
	MediaType() media.Type
	Splice(ctx context.Context, original media.Source, start, end float64, insert media.Source, opts ...editor.CallOption) (*editor.Output, error)
	Clip(ctx context.Context, original media.Source, start, end float64, opts ...editor.CallOption) (*editor.Output, error)
	Concat(ctx context.Context, sources []media.Source, opts ...editor.CallOption) (*editor.Output, error)
	Convert(ctx context.Context, original media.Source, origin media.Type, opts ...editor.CallOption) (*editor.Output, error)
	ClipConvert(ctx context.Context, original media.Source, origin media.Type, start, end float64, opts ...editor.CallOption) (*editor.Output, error)
	PassthroughTransform(ctx context.Context, original media.Source, opts ...editor.CallOption) (*editor.Output, error)
	RunCustom(ctx context.Context, commandLine string, named map[string]media.Source, opts ...editor.CallOption) (*editor.Output, error)
}

// Request describes one edit.
type Request struct {
	Operation Operation

	// Original is the media edited by splice, clip, convert, clip_convert and transform.
	Original media.Source
	// Insert is spliced into [Start, End). Nil removes the range.
	Insert media.Source
	// Sources are joined in order by concat.
	Sources []media.Source
	// Origin is the type of Original for convert and clip_convert.
	Origin media.Type
	// Start and End bound the edited range in seconds. End may be command.ToEnd.
	Start float64
	End   float64

	// CommandLine and Files are used by custom.
	CommandLine string
	Files       map[string]media.Source

	// Timeout overrides the session default when positive.
	Timeout time.Duration
	// PushToS3 publishes the output after it is saved.
	PushToS3 bool
}

// Validate checks that the request carries the inputs of its operation.
func (r Request) Validate() error {
	switch r.Operation {
	case OpSplice, OpClip, OpTransform:
		if r.Original == nil {
			return fmt.Errorf("%w: %s needs an original", ErrInvalidRequest, r.Operation)
		}
	case OpConvert, OpClipConvert:
		if r.Original == nil {
			return fmt.Errorf("%w: %s needs an original", ErrInvalidRequest, r.Operation)
		}
		if !r.Origin.Valid() {
			return fmt.Errorf("%w: %s needs a valid origin type", ErrInvalidRequest, r.Operation)
		}
	case OpConcat:
		if len(r.Sources) == 0 {
			return fmt.Errorf("%w: concat needs at least one source", ErrInvalidRequest)
		}
	case OpCustom:
		if r.CommandLine == "" {
			return fmt.Errorf("%w: custom needs a command line", ErrInvalidRequest)
		}
	default:
		return fmt.Errorf("%w: unknown operation %q", ErrInvalidRequest, r.Operation)
	}
	return nil
}

// Observer is notified when a job reaches a terminal status.
type Observer interface {
	ObserveJob(operation, status string)
}

type running struct {
	cancel    context.CancelFunc
	done      chan struct{}
	cancelled bool
}

// EditService runs edit requests as asynchronous jobs on one editor session.
// Jobs queue on the session in submission order.
type EditService struct {
	repo     Repository
	editor   Editor
	storage  storage.Storage
	logger   *slog.Logger
	observer Observer

	base context.Context
	stop context.CancelFunc
	wg   sync.WaitGroup

	mu       sync.Mutex
	running  map[string]*running
	watchers map[string][]chan *Job
	closed   bool
}

// NewEditService creates an EditService. A nil logger uses slog.Default().
func NewEditService(repo Repository, ed Editor, store storage.Storage, logger *slog.Logger) *EditService {
	if logger == nil {
		logger = slog.Default()
	}
	base, stop := context.WithCancel(context.Background())
	return &EditService{
		repo:     repo,
		editor:   ed,
		storage:  store,
		logger:   logger,
		base:     base,
		stop:     stop,
		running:  make(map[string]*running),
		watchers: make(map[string][]chan *Job),
	}
}

// SetObserver registers an observer for finished jobs.
func (s *EditService) SetObserver(o Observer) {
	s.observer = o
}

// Submit creates a job for req and processes it in the background.
// The returned job is in IN_QUEUE status.
func (s *EditService) Submit(ctx context.Context, req Request) (*Job, error) {
	runCtx, cancel := context.WithCancel(s.base)
	job, r, err := s.create(ctx, req, cancel)
	if err != nil {
		cancel()
		return nil, err
	}

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		s.process(runCtx, job, req, r)
	}()

	return job.Clone(), nil
}

// Process creates a job for req and runs it to completion before returning.
func (s *EditService) Process(ctx context.Context, req Request) (*Job, error) {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	job, r, err := s.create(ctx, req, cancel)
	if err != nil {
		return nil, err
	}

	s.process(runCtx, job, req, r)
	return job.Clone(), nil
}

func (s *EditService) create(ctx context.Context, req Request, cancel context.CancelFunc) (*Job, *running, error) {
	if err := req.Validate(); err != nil {
		return nil, nil, err
	}

	job := New(req.Operation)
	job.MediaType = s.editor.MediaType()
	job.PushToS3 = req.PushToS3

	s.logger.Info("creating edit job",
		slog.String("job_id", job.ID),
		slog.String("operation", string(req.Operation)),
		slog.Bool("push_to_s3", req.PushToS3),
	)

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, nil, ErrShuttingDown
	}
	r := &running{cancel: cancel, done: make(chan struct{})}
	s.running[job.ID] = r
	s.mu.Unlock()

	if err := s.repo.Save(ctx, job); err != nil {
		s.forget(job.ID)
		s.logger.Error("failed to save job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
		return nil, nil, err
	}
	return job, r, nil
}

func (s *EditService) process(ctx context.Context, job *Job, req Request, r *running) {
	defer s.finish(job)

	if err := job.Start(); err != nil {
		return
	}
	s.update(job)

	opts := []editor.CallOption{editor.WithProgress(func(st progress.State) {
		if job.UpdateProgress(progress.Percent(st.Ratio)) {
			s.update(job)
		}
	})}
	if req.Timeout > 0 {
		opts = append(opts, editor.WithTimeout(req.Timeout))
	}

	started := time.Now()
	out, err := s.dispatch(ctx, req, opts)
	if err != nil {
		s.fail(job, err, s.wasCancelled(r))
		return
	}
	for _, lines := range out.Logs {
		job.AppendLogs(lines...)
	}

	// Saving and publishing run even if the job is cancelled after the
	// engine returned.
	storeCtx := context.WithoutCancel(ctx)

	path, err := s.storage.Save(storeCtx, job.ID, out.Blob)
	if err != nil {
		s.fail(job, fmt.Errorf("save output: %w", err), false)
		return
	}

	var url string
	if req.PushToS3 {
		url, err = s.storage.Publish(storeCtx, storage.Key(job.ID, out.Blob.Type), out.Blob)
		if err != nil {
			_ = s.storage.Cleanup(storeCtx, []string{path})
			s.fail(job, fmt.Errorf("publish output: %w", err), false)
			return
		}
	}

	job.SetOutput(path, url)
	if err := job.Complete(); err != nil {
		s.logger.Warn("job finished in unexpected state",
			slog.String("job_id", job.ID),
			slog.String("status", string(job.GetStatus())),
		)
		return
	}

	s.logger.Info("edit job completed",
		slog.String("job_id", job.ID),
		slog.String("operation", string(job.Operation)),
		slog.Int("bytes", out.Blob.Len()),
		slog.Duration("elapsed", time.Since(started)),
	)
}

func (s *EditService) dispatch(ctx context.Context, req Request, opts []editor.CallOption) (*editor.Output, error) {
	switch req.Operation {
	case OpSplice:
		return s.editor.Splice(ctx, req.Original, req.Start, req.End, req.Insert, opts...)
	case OpClip:
		return s.editor.Clip(ctx, req.Original, req.Start, req.End, opts...)
	case OpConcat:
		return s.editor.Concat(ctx, req.Sources, opts...)
	case OpConvert:
		return s.editor.Convert(ctx, req.Original, req.Origin, opts...)
	case OpClipConvert:
		return s.editor.ClipConvert(ctx, req.Original, req.Origin, req.Start, req.End, opts...)
	case OpTransform:
		return s.editor.PassthroughTransform(ctx, req.Original, opts...)
	case OpCustom:
		return s.editor.RunCustom(ctx, req.CommandLine, req.Files, opts...)
	}
	return nil, fmt.Errorf("%w: unknown operation %q", ErrInvalidRequest, req.Operation)
}

func (s *EditService) fail(job *Job, err error, cancelled bool) {
	var engErr *protocol.EngineError
	if errors.As(err, &engErr) {
		job.AppendLogs(engErr.Logs...)
	}

	var terr error
	switch {
	case cancelled:
		terr = job.Cancel()
	case errors.Is(err, guard.ErrTimeout):
		terr = job.Timeout(err.Error())
	default:
		terr = job.Fail(err.Error())
	}
	if terr != nil {
		return
	}

	s.logger.Warn("edit job did not complete",
		slog.String("job_id", job.ID),
		slog.String("status", string(job.GetStatus())),
		slog.String("outcome", editor.Outcome(err)),
		slog.String("error", err.Error()),
	)
}

func (s *EditService) finish(job *Job) {
	s.update(job)
	if s.observer != nil && job.IsTerminal() {
		s.observer.ObserveJob(string(job.Operation), string(job.GetStatus()))
	}

	s.mu.Lock()
	r := s.running[job.ID]
	delete(s.running, job.ID)
	watchers := s.watchers[job.ID]
	delete(s.watchers, job.ID)
	s.mu.Unlock()

	for _, ch := range watchers {
		close(ch)
	}
	if r != nil {
		close(r.done)
	}
}

// update persists job and notifies watchers with a snapshot.
func (s *EditService) update(job *Job) {
	snapshot := job.Clone()
	if err := s.repo.Save(context.Background(), snapshot); err != nil {
		s.logger.Error("failed to save job",
			slog.String("job_id", job.ID),
			slog.String("error", err.Error()),
		)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, ch := range s.watchers[job.ID] {
		select {
		case ch <- snapshot:
		default:
			// drop the stale snapshot so the watcher sees the newest one
			select {
			case <-ch:
			default:
			}
			select {
			case ch <- snapshot:
			default:
			}
		}
	}
}

func (s *EditService) wasCancelled(r *running) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return r.cancelled
}

func (s *EditService) forget(jobID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.running, jobID)
}

// GetJob retrieves a job by ID.
func (s *EditService) GetJob(ctx context.Context, id string) (*Job, error) {
	return s.repo.FindByID(ctx, id)
}

// ListJobs returns all jobs, oldest first.
func (s *EditService) ListJobs(ctx context.Context) ([]*Job, error) {
	return s.repo.List(ctx)
}

// Cancel stops a queued or running job and waits until it has settled.
// Returns ErrJobFinished if the job is already terminal.
func (s *EditService) Cancel(ctx context.Context, id string) (*Job, error) {
	job, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if job.IsTerminal() {
		return job, ErrJobFinished
	}

	s.mu.Lock()
	r, ok := s.running[id]
	if ok {
		r.cancelled = true
		r.cancel()
	}
	s.mu.Unlock()

	if !ok {
		// not owned by this service instance
		if err := job.Cancel(); err != nil {
			return job, ErrJobFinished
		}
		return job, s.repo.Save(ctx, job)
	}

	select {
	case <-r.done:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	return s.repo.FindByID(ctx, id)
}

// Watch returns a channel of job snapshots, starting with the current one.
// Intermediate snapshots may be skipped when the reader is slow. The
// channel is closed once the job is terminal. The returned func stops
// watching early.
func (s *EditService) Watch(ctx context.Context, id string) (<-chan *Job, func(), error) {
	current, err := s.repo.FindByID(ctx, id)
	if err != nil {
		return nil, nil, err
	}

	ch := make(chan *Job, 1)
	s.mu.Lock()
	_, active := s.running[id]
	if active {
		s.watchers[id] = append(s.watchers[id], ch)
	}
	s.mu.Unlock()

	if !active {
		// already terminal or owned elsewhere: one snapshot, then closed
		if latest, err := s.repo.FindByID(ctx, id); err == nil {
			current = latest
		}
		ch <- current
		close(ch)
		return ch, func() {}, nil
	}

	select {
	case ch <- current:
	default:
	}

	var once sync.Once
	stop := func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			list := s.watchers[id]
			for i, c := range list {
				if c == ch {
					s.watchers[id] = append(list[:i], list[i+1:]...)
					close(ch)
					return
				}
			}
		})
	}
	return ch, stop, nil
}

// Shutdown cancels running jobs and waits for them to settle or for ctx to end.
func (s *EditService) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.closed = true
	for _, r := range s.running {
		r.cancelled = true
		r.cancel()
	}
	s.mu.Unlock()
	s.stop()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
