package media

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"os"
)

// Source produces the raw bytes of a media item. Implementations cover the
// representations callers may hold: raw bytes, an encoded blob, a reader over
// a decoded handle, a local file or a remote URL.
type Source interface {
	Bytes(ctx context.Context) ([]byte, error)
}

// InputError wraps a failure to turn a caller-supplied source into bytes.
type InputError struct {
	Source string
	Err    error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("media: read %s: %v", e.Source, e.Err)
}

func (e *InputError) Unwrap() error {
	return e.Err
}

// Raw is a source backed by an in-memory byte slice.
type Raw []byte

// Bytes returns a copy of the slice so the caller's buffer is never shared
// with a command.
func (r Raw) Bytes(context.Context) ([]byte, error) {
	return bytes.Clone(r), nil
}

// FromBlob returns a source over an encoded blob.
func FromBlob(b Blob) Source {
	return Raw(b.Data)
}

type readerSource struct {
	name string
	r    io.Reader
}

// FromReader returns a source that drains r on first use.
func FromReader(name string, r io.Reader) Source {
	return &readerSource{name: name, r: r}
}

func (s *readerSource) Bytes(context.Context) ([]byte, error) {
	data, err := io.ReadAll(s.r)
	if err != nil {
		return nil, &InputError{Source: s.name, Err: err}
	}
	return data, nil
}

type fileSource string

// FromFile returns a source that reads the file at path.
func FromFile(path string) Source {
	return fileSource(path)
}

func (p fileSource) Bytes(context.Context) ([]byte, error) {
	data, err := os.ReadFile(string(p)) // #nosec G304 - path is chosen by the caller
	if err != nil {
		return nil, &InputError{Source: string(p), Err: err}
	}
	return data, nil
}

type urlSource struct {
	url    string
	client *http.Client
}

// FromURL returns a source that fetches url with client. A nil client uses
// http.DefaultClient.
func FromURL(url string, client *http.Client) Source {
	if client == nil {
		client = http.DefaultClient
	}
	return &urlSource{url: url, client: client}
}

func (s *urlSource) Bytes(ctx context.Context) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return nil, &InputError{Source: s.url, Err: err}
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return nil, &InputError{Source: s.url, Err: err}
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return nil, &InputError{Source: s.url, Err: fmt.Errorf("unexpected status %d", resp.StatusCode)}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &InputError{Source: s.url, Err: err}
	}
	return data, nil
}

// ReadAll resolves every source in order.
func ReadAll(ctx context.Context, sources []Source) ([][]byte, error) {
	out := make([][]byte, 0, len(sources))
	for _, src := range sources {
		data, err := src.Bytes(ctx)
		if err != nil {
			return nil, err
		}
		out = append(out, data)
	}
	return out, nil
}
