// Package server provides the HTTP API for audiosculptor.
// It includes handlers, middleware, routes, and DTOs separated from domain types.
package server

import "time"

// MediaInput is a media item given inline or by URL. Exactly one of
// Base64 and URL must be set.
type MediaInput struct {
	// Base64 is the base64-encoded media content.
	Base64 string `json:"base64,omitempty" validate:"omitempty,base64"`
	// URL is fetched with an HTTP GET when the job runs.
	URL string `json:"url,omitempty" validate:"omitempty,http_url"`
}

// CreateEditRequest is the HTTP request body for creating an edit job.
type CreateEditRequest struct {
	// Operation is one of splice, clip, concat, convert, clip_convert, transform, custom.
	Operation string `json:"operation" validate:"required,oneof=splice clip concat convert clip_convert transform custom"`
	// Original is the media edited by every operation except concat and custom.
	Original *MediaInput `json:"original,omitempty"`
	// Insert is spliced into [start, end). Omit it to remove the range.
	Insert *MediaInput `json:"insert,omitempty"`
	// Sources are joined in order by concat.
	Sources []MediaInput `json:"sources,omitempty" validate:"dive"`
	// Origin is the media type of original for convert and clip_convert.
	Origin string `json:"origin,omitempty" validate:"omitempty,oneof=mp3 webm png mp4"`
	// Start is the range start in seconds.
	Start float64 `json:"start" validate:"gte=0"`
	// End is the range end in seconds. Omit it to edit to the end of the track.
	End *float64 `json:"end,omitempty" validate:"omitempty,gte=0"`
	// CommandLine is the engine command line for custom.
	CommandLine string `json:"command_line,omitempty"`
	// Files are the named inputs of custom.
	Files map[string]MediaInput `json:"files,omitempty" validate:"dive"`
	// TimeoutMS overrides the default operation timeout, in milliseconds.
	TimeoutMS int64 `json:"timeout_ms,omitempty" validate:"gte=0"`
	// PushToS3 indicates whether to upload the output to S3.
	PushToS3 bool `json:"push_to_s3"`
	// Wait makes the request block until the job has finished.
	Wait bool `json:"wait"`
}

// CreateEditResponse is the HTTP response after creating a job.
type CreateEditResponse struct {
	// ID is the unique identifier for the created job.
	ID string `json:"id"`
	// Status is the job status.
	Status string `json:"status"`
}

// EditResponse is the HTTP response for getting job details.
type EditResponse struct {
	ID        string `json:"id"`
	Operation string `json:"operation"`
	Status    string `json:"status"`
	// Progress is the percentage of completion (0-100).
	Progress int `json:"progress"`
	// Error contains any error message if the job failed.
	Error     string `json:"error,omitempty"`
	MediaType string `json:"media_type,omitempty"`
	// OutputBase64 is the produced media when completed without push_to_s3.
	OutputBase64 string `json:"output_base64,omitempty"`
	// OutputURL is the S3 URL of the output when push_to_s3 was set.
	OutputURL string `json:"output_url,omitempty"`
	// Logs holds the engine log lines.
	Logs        []string   `json:"logs,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// ListEditsResponse is the HTTP response for listing jobs.
type ListEditsResponse struct {
	Edits []EditResponse `json:"edits"`
}

// ProgressMessage is sent over the progress websocket on every job update.
type ProgressMessage struct {
	ID       string `json:"id"`
	Status   string `json:"status"`
	Progress int    `json:"progress"`
	Error    string `json:"error,omitempty"`
	Done     bool   `json:"done"`
}

// ErrorResponse is the standard error response format.
type ErrorResponse struct {
	// Error is the human-readable error message.
	Error string `json:"error"`
	// Code is the error code for programmatic handling.
	Code string `json:"code"`
}

// HealthResponse is the HTTP response for the health check endpoint.
type HealthResponse struct {
	// Status is "ok" while the engine session is usable.
	Status string `json:"status"`
	// Engine is the editor session state.
	Engine string `json:"engine"`
}
