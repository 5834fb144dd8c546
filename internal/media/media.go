// Package media describes the media representations exchanged with the
// editing engine: container types, encoded blobs and the sources callers
// hand to the editor.
package media

import (
	"errors"
	"fmt"
	"strings"
)

// ErrUnknownType is returned when a media type name is not supported.
var ErrUnknownType = errors.New("media: unknown media type")

// Type is the container extension used to name virtual files (input.<type>,
// output.<type>) and to pick the content type of produced output.
type Type string

// Supported media types.
const (
	MP3  Type = "mp3"
	WebM Type = "webm"
	PNG  Type = "png"
	MP4  Type = "mp4"
)

// DefaultType is the media type used when none is configured.
const DefaultType = MP3

var contentTypes = map[Type]string{
	MP3:  "audio/mpeg",
	WebM: "audio/webm",
	PNG:  "image/jpeg",
	MP4:  "video/mpeg",
}

// Types returns all supported media types.
func Types() []Type {
	return []Type{MP3, WebM, PNG, MP4}
}

// ParseType converts a name such as "mp3" or ".MP4" into a Type.
func ParseType(name string) (Type, error) {
	t := Type(strings.TrimPrefix(strings.ToLower(strings.TrimSpace(name)), "."))
	if !t.Valid() {
		return "", fmt.Errorf("%w: %q", ErrUnknownType, name)
	}
	return t, nil
}

// Valid reports whether t is one of the supported types.
func (t Type) Valid() bool {
	_, ok := contentTypes[t]
	return ok
}

// ContentType returns the MIME type for t, or application/octet-stream for
// unknown types.
func (t Type) ContentType() string {
	if ct, ok := contentTypes[t]; ok {
		return ct
	}
	return "application/octet-stream"
}

// FileName returns the virtual file name for base, e.g. FileName("input0") is
// "input0.mp3" for MP3.
func (t Type) FileName(base string) string {
	return base + "." + string(t)
}

func (t Type) String() string {
	return string(t)
}

// Blob is an encoded media buffer tagged with its type.
type Blob struct {
	Data []byte
	Type Type
}

// ContentType returns the MIME type of the blob.
func (b Blob) ContentType() string {
	return b.Type.ContentType()
}

// Len returns the number of encoded bytes.
func (b Blob) Len() int {
	return len(b.Data)
}
