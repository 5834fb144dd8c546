package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/maauso/audiosculptor/internal/command"
	"github.com/maauso/audiosculptor/internal/editor"
	"github.com/maauso/audiosculptor/internal/job"
	"github.com/maauso/audiosculptor/internal/media"
	"github.com/maauso/audiosculptor/internal/storage"
)

// Service is the job service behind the API.
type Service interface {
	Submit(ctx context.Context, req job.Request) (*job.Job, error)
	Process(ctx context.Context, req job.Request) (*job.Job, error)
	GetJob(ctx context.Context, id string) (*job.Job, error)
	ListJobs(ctx context.Context) ([]*job.Job, error)
	Cancel(ctx context.Context, id string) (*job.Job, error)
	Watch(ctx context.Context, id string) (<-chan *job.Job, func(), error)
}

// EngineState reports the state of the editor session.
type EngineState interface {
	State() editor.State
}

// errBadMedia is returned when a MediaInput cannot be turned into a source.
var errBadMedia = errors.New("media input")

// Handlers contains the HTTP handlers for the API.
type Handlers struct {
	service   Service
	storage   storage.Storage
	engine    EngineState
	validator *validator.Validate
	logger    *slog.Logger
	client    *http.Client
	origins   []string
	custom    bool
}

// HandlerOption is a function that configures a Handlers instance.
type HandlerOption func(*Handlers)

// WithEngine reports the editor session state in /health.
func WithEngine(e EngineState) HandlerOption {
	return func(h *Handlers) { h.engine = e }
}

// WithHTTPClient sets the client used to fetch media given by URL.
func WithHTTPClient(c *http.Client) HandlerOption {
	return func(h *Handlers) { h.client = c }
}

// WithAllowedOrigins sets the origins accepted for websocket upgrades.
func WithAllowedOrigins(origins []string) HandlerOption {
	return func(h *Handlers) { h.origins = origins }
}

// WithCustomCommands accepts custom operations, which hand caller-supplied
// arguments to the engine unchecked.
func WithCustomCommands(allow bool) HandlerOption {
	return func(h *Handlers) { h.custom = allow }
}

// NewHandlers creates a new Handlers instance.
func NewHandlers(service Service, store storage.Storage, logger *slog.Logger, opts ...HandlerOption) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handlers{
		service:   service,
		storage:   store,
		validator: validator.New(),
		logger:    logger,
		client:    &http.Client{Timeout: 5 * time.Minute},
	}
	for _, opt := range opts {
		opt(h)
	}
	return h
}

// Health handles GET /health requests.
func (h *Handlers) Health(w http.ResponseWriter, _ *http.Request) {
	if h.engine == nil {
		writeJSON(w, http.StatusOK, HealthResponse{Status: "ok"})
		return
	}

	state := h.engine.State()
	resp := HealthResponse{Status: "ok", Engine: state.String()}
	status := http.StatusOK
	if state != editor.StateReady && state != editor.StateBusy {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// CreateEdit handles POST /edits requests.
func (h *Handlers) CreateEdit(w http.ResponseWriter, r *http.Request) {
	var req CreateEditRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.logger.Warn("failed to decode request body",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, "invalid JSON body", "INVALID_JSON")
		return
	}

	if err := h.validator.Struct(req); err != nil {
		h.logger.Warn("request validation failed",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusBadRequest, err.Error(), "VALIDATION_ERROR")
		return
	}

	if job.Operation(req.Operation) == job.OpCustom && !h.custom {
		writeError(w, http.StatusForbidden, "custom commands are disabled", "CUSTOM_COMMANDS_DISABLED")
		return
	}

	jobReq, err := h.toJobRequest(req)
	if err == nil {
		err = jobReq.Validate()
	}
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_REQUEST")
		return
	}

	if req.Wait {
		finished, err := h.service.Process(r.Context(), jobReq)
		if err != nil {
			h.createFailed(w, err)
			return
		}
		writeJSON(w, http.StatusOK, h.editResponse(r.Context(), finished))
		return
	}

	created, err := h.service.Submit(r.Context(), jobReq)
	if err != nil {
		h.createFailed(w, err)
		return
	}

	h.logger.Info("edit job created",
		slog.String("job_id", created.ID),
		slog.String("operation", req.Operation),
	)

	writeJSON(w, http.StatusAccepted, CreateEditResponse{
		ID:     created.ID,
		Status: string(created.Status),
	})
}

func (h *Handlers) createFailed(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, job.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error(), "INVALID_REQUEST")
	case errors.Is(err, job.ErrShuttingDown):
		writeError(w, http.StatusServiceUnavailable, "service is shutting down", "SHUTTING_DOWN")
	default:
		h.logger.Error("failed to create job",
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to create job", "JOB_CREATION_FAILED")
	}
}

// ListEdits handles GET /edits requests.
func (h *Handlers) ListEdits(w http.ResponseWriter, r *http.Request) {
	jobs, err := h.service.ListJobs(r.Context())
	if err != nil {
		h.logger.Error("failed to list jobs", slog.String("error", err.Error()))
		writeError(w, http.StatusInternalServerError, "failed to list jobs", "JOB_LIST_FAILED")
		return
	}

	resp := ListEditsResponse{Edits: make([]EditResponse, 0, len(jobs))}
	for _, j := range jobs {
		summary := summarize(j)
		summary.Logs = nil
		resp.Edits = append(resp.Edits, summary)
	}
	writeJSON(w, http.StatusOK, resp)
}

// GetEdit handles GET /edits/{id} requests.
func (h *Handlers) GetEdit(w http.ResponseWriter, r *http.Request) {
	found, ok := h.findJob(w, r)
	if !ok {
		return
	}
	writeJSON(w, http.StatusOK, h.editResponse(r.Context(), found))
}

// GetOutput handles GET /edits/{id}/output requests, serving the produced media.
func (h *Handlers) GetOutput(w http.ResponseWriter, r *http.Request) {
	found, ok := h.findJob(w, r)
	if !ok {
		return
	}

	if found.Status != job.StatusCompleted {
		writeError(w, http.StatusConflict, "job has not completed", "JOB_NOT_COMPLETED")
		return
	}
	if found.OutputPath == "" {
		if found.OutputURL != "" {
			http.Redirect(w, r, found.OutputURL, http.StatusFound)
			return
		}
		writeError(w, http.StatusGone, "output is no longer available", "OUTPUT_GONE")
		return
	}

	rc, err := h.storage.Open(r.Context(), found.OutputPath)
	if err != nil {
		h.logger.Error("failed to open output",
			slog.String("job_id", found.ID),
			slog.String("path", found.OutputPath),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusGone, "output is no longer available", "OUTPUT_GONE")
		return
	}
	defer func() { _ = rc.Close() }()

	w.Header().Set("Content-Type", found.MediaType.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", found.MediaType.FileName(found.ID)))
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, rc); err != nil {
		h.logger.Warn("failed to stream output",
			slog.String("job_id", found.ID),
			slog.String("error", err.Error()),
		)
	}
}

// CancelEdit handles DELETE /edits/{id} requests.
func (h *Handlers) CancelEdit(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")

	cancelled, err := h.service.Cancel(r.Context(), jobID)
	switch {
	case errors.Is(err, job.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
	case errors.Is(err, job.ErrJobFinished):
		writeError(w, http.StatusConflict, "job already finished", "JOB_FINISHED")
	case err != nil:
		h.logger.Error("failed to cancel job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to cancel job", "JOB_CANCEL_FAILED")
	default:
		writeJSON(w, http.StatusOK, summarize(cancelled))
	}
}

func (h *Handlers) findJob(w http.ResponseWriter, r *http.Request) (*job.Job, bool) {
	jobID := r.PathValue("id")
	if jobID == "" {
		writeError(w, http.StatusBadRequest, "job ID is required", "MISSING_JOB_ID")
		return nil, false
	}

	found, err := h.service.GetJob(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, job.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found", "JOB_NOT_FOUND")
			return nil, false
		}
		h.logger.Error("failed to get job",
			slog.String("job_id", jobID),
			slog.String("error", err.Error()),
		)
		writeError(w, http.StatusInternalServerError, "failed to get job", "JOB_FETCH_FAILED")
		return nil, false
	}
	return found, true
}

// editResponse includes the output inline when it is kept locally.
func (h *Handlers) editResponse(ctx context.Context, j *job.Job) EditResponse {
	resp := summarize(j)
	if j.Status != job.StatusCompleted || j.OutputURL != "" || j.OutputPath == "" {
		return resp
	}

	rc, err := h.storage.Open(ctx, j.OutputPath)
	if err != nil {
		h.logger.Error("failed to read output",
			slog.String("job_id", j.ID),
			slog.String("path", j.OutputPath),
			slog.String("error", err.Error()),
		)
		// Don't fail the request, just log and omit the output
		return resp
	}
	defer func() { _ = rc.Close() }()

	data, err := io.ReadAll(rc)
	if err != nil {
		h.logger.Error("failed to read output",
			slog.String("job_id", j.ID),
			slog.String("error", err.Error()),
		)
		return resp
	}
	resp.OutputBase64 = base64.StdEncoding.EncodeToString(data)
	return resp
}

func summarize(j *job.Job) EditResponse {
	resp := EditResponse{
		ID:        j.ID,
		Operation: string(j.Operation),
		Status:    string(j.Status),
		Progress:  j.Progress,
		Error:     j.Error,
		MediaType: string(j.MediaType),
		OutputURL: j.OutputURL,
		Logs:      j.Logs,
		CreatedAt: j.CreatedAt,
	}
	if !j.StartedAt.IsZero() {
		resp.StartedAt = &j.StartedAt
	}
	if !j.CompletedAt.IsZero() {
		resp.CompletedAt = &j.CompletedAt
	}
	return resp
}

func (h *Handlers) toJobRequest(req CreateEditRequest) (job.Request, error) {
	out := job.Request{
		Operation:   job.Operation(req.Operation),
		Origin:      media.Type(req.Origin),
		Start:       req.Start,
		End:         command.ToEnd,
		CommandLine: req.CommandLine,
		Timeout:     time.Duration(req.TimeoutMS) * time.Millisecond,
		PushToS3:    req.PushToS3,
	}
	if req.End != nil {
		if *req.End < req.Start {
			return out, fmt.Errorf("end %v is before start %v", *req.End, req.Start)
		}
		out.End = *req.End
	}

	var err error
	if req.Original != nil {
		if out.Original, err = h.source("original", *req.Original); err != nil {
			return out, err
		}
	}
	if req.Insert != nil {
		if out.Insert, err = h.source("insert", *req.Insert); err != nil {
			return out, err
		}
	}
	for i, in := range req.Sources {
		src, err := h.source("sources["+strconv.Itoa(i)+"]", in)
		if err != nil {
			return out, err
		}
		out.Sources = append(out.Sources, src)
	}
	if len(req.Files) > 0 {
		out.Files = make(map[string]media.Source, len(req.Files))
		for name, in := range req.Files {
			src, err := h.source("files["+name+"]", in)
			if err != nil {
				return out, err
			}
			out.Files[name] = src
		}
	}
	return out, nil
}

func (h *Handlers) source(field string, in MediaInput) (media.Source, error) {
	switch {
	case in.Base64 != "" && in.URL != "":
		return nil, fmt.Errorf("%w %s: set either base64 or url, not both", errBadMedia, field)
	case in.URL != "":
		return media.FromURL(in.URL, h.client), nil
	case in.Base64 != "":
		data, err := base64.StdEncoding.DecodeString(in.Base64)
		if err != nil {
			return nil, fmt.Errorf("%w %s: %w", errBadMedia, field, err)
		}
		return media.Raw(data), nil
	}
	return nil, fmt.Errorf("%w %s: base64 or url is required", errBadMedia, field)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("failed to encode JSON response", slog.String("error", err.Error()))
	}
}

// writeError writes an error response in the standard format.
func writeError(w http.ResponseWriter, status int, message, code string) {
	writeJSON(w, status, ErrorResponse{
		Error: message,
		Code:  code,
	})
}
