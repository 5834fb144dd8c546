// Package job provides the Job aggregate for asynchronous edit requests.
// A job records which editing operation was requested, moves through a
// small state machine while the editor session runs it, and keeps the
// progress, engine logs and location of the produced media.
package job

import (
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/maauso/audiosculptor/internal/job/id"
	"github.com/maauso/audiosculptor/internal/media"
)

// Operation names the editing operation a job runs.
type Operation string

const (
	OpSplice      Operation = "splice"
	OpClip        Operation = "clip"
	OpConcat      Operation = "concat"
	OpConvert     Operation = "convert"
	OpClipConvert Operation = "clip_convert"
	OpTransform   Operation = "transform"
	OpCustom      Operation = "custom"
)

// IsValid returns true if the operation is known.
func (o Operation) IsValid() bool {
	switch o {
	case OpSplice, OpClip, OpConcat, OpConvert, OpClipConvert, OpTransform, OpCustom:
		return true
	}
	return false
}

// Status represents the current state of a Job.
type Status string

const (
	// StatusInQueue indicates the job waits for the editor session.
	StatusInQueue Status = "IN_QUEUE"
	// StatusRunning indicates the engine is processing the job.
	StatusRunning Status = "RUNNING"
	// StatusCompleted indicates the job produced its output.
	StatusCompleted Status = "COMPLETED"
	// StatusFailed indicates the engine or an input failed.
	StatusFailed Status = "FAILED"
	// StatusCancelled indicates the job was cancelled by a caller.
	StatusCancelled Status = "CANCELLED"
	// StatusTimedOut indicates the operation exceeded its timeout.
	StatusTimedOut Status = "TIMED_OUT"
)

// ErrInvalidTransition is returned when an invalid state transition is attempted.
var ErrInvalidTransition = errors.New("invalid state transition")

// validTransitions defines which state transitions are allowed.
var validTransitions = map[Status][]Status{
	StatusInQueue:   {StatusRunning, StatusCancelled, StatusFailed},
	StatusRunning:   {StatusCompleted, StatusFailed, StatusCancelled, StatusTimedOut},
	StatusCompleted: {},
	StatusFailed:    {},
	StatusCancelled: {},
	StatusTimedOut:  {},
}

func canTransition(from, to Status) bool {
	return slices.Contains(validTransitions[from], to)
}

// Job is an asynchronous edit request.
type Job struct {
	mu sync.RWMutex

	// ID is the unique identifier for this job.
	ID string
	// Operation is the editing operation to run.
	Operation Operation
	// Status is the current job state.
	Status Status
	// Progress is the percentage of completion (0-100).
	Progress int
	// Logs holds the engine log lines of every exchange, in order.
	Logs []string
	// Error contains the failure message of a failed or timed out job.
	Error string
	// MediaType is the type of the produced output.
	MediaType media.Type
	// OutputPath is the local file holding the output.
	OutputPath string
	// OutputURL is the S3 URL when PushToS3 was requested.
	OutputURL string
	// PushToS3 indicates whether to publish the result to S3.
	PushToS3 bool

	CreatedAt   time.Time
	UpdatedAt   time.Time
	StartedAt   time.Time
	CompletedAt time.Time
}

// New creates a Job with a generated ID in IN_QUEUE status.
func New(op Operation) *Job {
	return NewWithID(id.Generate(), op)
}

// NewWithID creates a Job with the given ID in IN_QUEUE status.
func NewWithID(jobID string, op Operation) *Job {
	now := time.Now()
	return &Job{
		ID:        jobID,
		Operation: op,
		Status:    StatusInQueue,
		Logs:      make([]string, 0),
		CreatedAt: now,
		UpdatedAt: now,
	}
}

// TransitionTo changes the job status.
// Returns ErrInvalidTransition if the transition is not allowed.
func (j *Job) TransitionTo(status Status) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.transitionLocked(status)
}

func (j *Job) transitionLocked(status Status) error {
	if !canTransition(j.Status, status) {
		return ErrInvalidTransition
	}

	j.Status = status
	j.UpdatedAt = time.Now()

	switch status {
	case StatusRunning:
		j.StartedAt = j.UpdatedAt
	case StatusCompleted:
		j.Progress = 100
		j.CompletedAt = j.UpdatedAt
	case StatusFailed, StatusCancelled, StatusTimedOut:
		j.CompletedAt = j.UpdatedAt
	}
	return nil
}

// Start transitions the job from IN_QUEUE to RUNNING.
func (j *Job) Start() error {
	return j.TransitionTo(StatusRunning)
}

// Complete transitions the job to COMPLETED and sets progress to 100.
func (j *Job) Complete() error {
	return j.TransitionTo(StatusCompleted)
}

// Fail transitions the job to FAILED with an error message.
func (j *Job) Fail(errMsg string) error {
	return j.finish(StatusFailed, errMsg)
}

// Cancel transitions the job to CANCELLED.
func (j *Job) Cancel() error {
	return j.TransitionTo(StatusCancelled)
}

// Timeout transitions the job to TIMED_OUT with an error message.
func (j *Job) Timeout(errMsg string) error {
	return j.finish(StatusTimedOut, errMsg)
}

func (j *Job) finish(status Status, errMsg string) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	if err := j.transitionLocked(status); err != nil {
		return err
	}
	j.Error = errMsg
	return nil
}

// GetStatus returns the current job status.
func (j *Job) GetStatus() Status {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return j.Status
}

// UpdateProgress sets the progress percentage, clamped to 0-100, and
// reports whether it changed. Progress never moves backwards.
func (j *Job) UpdateProgress(progress int) bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	progress = min(max(progress, 0), 100)
	if progress <= j.Progress {
		return false
	}
	j.Progress = progress
	j.UpdatedAt = time.Now()
	return true
}

// AppendLogs adds engine log lines to the job.
func (j *Job) AppendLogs(lines ...string) {
	if len(lines) == 0 {
		return
	}
	j.mu.Lock()
	defer j.mu.Unlock()
	j.Logs = append(j.Logs, lines...)
	j.UpdatedAt = time.Now()
}

// SetOutput records the local output path and the optional S3 URL.
func (j *Job) SetOutput(path, url string) {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.OutputPath = path
	j.OutputURL = url
	j.UpdatedAt = time.Now()
}

// ClearOutput clears the output path and URL after the file is removed.
func (j *Job) ClearOutput() {
	j.SetOutput("", "")
}

// IsTerminal returns true if the job is in a terminal state.
func (j *Job) IsTerminal() bool {
	j.mu.RLock()
	defer j.mu.RUnlock()
	return len(validTransitions[j.Status]) == 0
}

// Clone creates a deep copy of the job for safe reads.
func (j *Job) Clone() *Job {
	j.mu.RLock()
	defer j.mu.RUnlock()

	return &Job{
		ID:          j.ID,
		Operation:   j.Operation,
		Status:      j.Status,
		Progress:    j.Progress,
		Logs:        slices.Clone(j.Logs),
		Error:       j.Error,
		MediaType:   j.MediaType,
		OutputPath:  j.OutputPath,
		OutputURL:   j.OutputURL,
		PushToS3:    j.PushToS3,
		CreatedAt:   j.CreatedAt,
		UpdatedAt:   j.UpdatedAt,
		StartedAt:   j.StartedAt,
		CompletedAt: j.CompletedAt,
	}
}
