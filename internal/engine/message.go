// Package engine defines the messages exchanged with an out-of-process
// transcoding worker and the handles used to talk to one.
//
// A worker receives Commands and answers with a stream of Events. Every
// Command carries an ID that the worker echoes on each Event it emits for
// that command, so late output from an aborted command can be told apart
// from the current exchange.
package engine

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// Kind discriminates commands and events on the wire.
type Kind string

// Outbound command kinds.
const (
	KindRun   Kind = "run"
	KindAbort Kind = "abort"
)

// Inbound event kinds.
const (
	KindReady  Kind = "ready"
	KindStart  Kind = "start"
	KindStdout Kind = "stdout"
	KindStderr Kind = "stderr"
	KindDone   Kind = "done"
	KindError  Kind = "error"
)

// Terminal reports whether an event of this kind ends an exchange.
func (k Kind) Terminal() bool {
	return k == KindDone || k == KindError
}

// ErrDuplicateFile is returned when a command names the same virtual file twice.
var ErrDuplicateFile = errors.New("engine: duplicate virtual file name")

// VirtualFile is one entry of the worker's per-command in-memory filesystem.
// Data is base64 encoded in JSON.
type VirtualFile struct {
	Name string `json:"name"`
	Data []byte `json:"data"`
}

// Command is a unit of work for the worker.
type Command struct {
	ID        string        `json:"id,omitempty"`
	Type      Kind          `json:"type"`
	Arguments []string      `json:"arguments,omitempty"`
	MEMFS     []VirtualFile `json:"MEMFS,omitempty"`
}

// Validate checks that virtual file names are unique.
func (c Command) Validate() error {
	seen := make(map[string]struct{}, len(c.MEMFS))
	for _, f := range c.MEMFS {
		if _, ok := seen[f.Name]; ok {
			return fmt.Errorf("%w: %s", ErrDuplicateFile, f.Name)
		}
		seen[f.Name] = struct{}{}
	}
	return nil
}

// File returns the virtual file with the given name.
func (c Command) File(name string) (VirtualFile, bool) {
	for _, f := range c.MEMFS {
		if f.Name == name {
			return f, true
		}
	}
	return VirtualFile{}, false
}

// Abort returns the command that asks the worker to stop the command with id.
func Abort(id string) Command {
	return Command{ID: id, Type: KindAbort}
}

// Event is a message emitted by the worker.
type Event struct {
	ID   string          `json:"id,omitempty"`
	Type Kind            `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Output is the payload of a done event.
type Output struct {
	MEMFS []VirtualFile `json:"MEMFS"`
}

// Text returns the textual payload of the event. String payloads are
// unquoted and done events are summarized by file name and size; anything
// else is returned as raw JSON.
func (e Event) Text() string {
	if len(e.Data) == 0 {
		return ""
	}
	if e.Type == KindDone {
		var out Output
		if err := json.Unmarshal(e.Data, &out); err == nil {
			files := make([]string, 0, len(out.MEMFS))
			for _, f := range out.MEMFS {
				files = append(files, fmt.Sprintf("%s (%d bytes)", f.Name, len(f.Data)))
			}
			return "done: " + strings.Join(files, ", ")
		}
	}
	var s string
	if err := json.Unmarshal(e.Data, &s); err == nil {
		return s
	}
	return string(e.Data)
}

// Output extracts the bytes of the first produced file from a done event.
func (e Event) Output() ([]byte, bool) {
	if e.Type != KindDone || len(e.Data) == 0 {
		return nil, false
	}
	var out Output
	if err := json.Unmarshal(e.Data, &out); err != nil || len(out.MEMFS) == 0 {
		return nil, false
	}
	return out.MEMFS[0].Data, true
}

// ReadyEvent signals that the worker finished booting.
func ReadyEvent() Event {
	return Event{Type: KindReady}
}

// StartEvent signals that the worker accepted command id.
func StartEvent(id string) Event {
	return Event{ID: id, Type: KindStart, Data: textData("run")}
}

// StdoutEvent carries one line written to standard output.
func StdoutEvent(id, line string) Event {
	return Event{ID: id, Type: KindStdout, Data: textData(line)}
}

// StderrEvent carries one line written to standard error.
func StderrEvent(id, line string) Event {
	return Event{ID: id, Type: KindStderr, Data: textData(line)}
}

// DoneEvent carries the files produced by command id.
func DoneEvent(id string, files ...VirtualFile) Event {
	data, _ := json.Marshal(Output{MEMFS: files})
	return Event{ID: id, Type: KindDone, Data: data}
}

// ErrorEvent carries an opaque failure payload for command id.
func ErrorEvent(id string, payload any) Event {
	data, err := json.Marshal(payload)
	if err != nil {
		data = textData(fmt.Sprint(payload))
	}
	return Event{ID: id, Type: KindError, Data: data}
}

func textData(s string) json.RawMessage {
	data, _ := json.Marshal(s)
	return data
}
