// Package command translates logical editing operations into engine
// commands. Every function is pure: inputs are copied into the command's
// virtual files and never retained or mutated.
package command

import (
	"bytes"
	"math"
	"slices"
	"strconv"
	"strings"

	"github.com/maauso/audiosculptor/internal/engine"
	"github.com/maauso/audiosculptor/internal/media"
)

// ToEnd as a duration means "until the end of the stream".
var ToEnd = math.Inf(1)

// ManifestName is the virtual file listing the inputs of a combine.
const ManifestName = "filelist.txt"

// Builder creates commands that produce output of a single media type.
type Builder struct {
	Type media.Type
}

// New returns a builder for t.
func New(t media.Type) Builder {
	return Builder{Type: t}
}

// Output is the name of the file produced by every command of b.
func (b Builder) Output() string {
	return b.Type.FileName("output")
}

// Clip seeks to start and copies duration seconds without re-encoding.
// An infinite duration clips to the end of the stream.
func (b Builder) Clip(data []byte, start, duration float64) engine.Command {
	input := b.Type.FileName("input")

	args := []string{"-ss", seconds(start), "-i", input}
	args = appendDuration(args, duration)
	args = append(args, "-acodec", "copy", b.Output())

	return run(args, file(input, data))
}

// Combine concatenates buffers in the given order using the concat demuxer.
func (b Builder) Combine(buffers [][]byte) engine.Command {
	files := make([]engine.VirtualFile, 0, len(buffers)+1)
	lines := make([]string, 0, len(buffers))
	for i, data := range buffers {
		name := b.Type.FileName("input" + strconv.Itoa(i))
		files = append(files, file(name, data))
		lines = append(lines, "file '"+name+"'")
	}
	files = append(files, engine.VirtualFile{
		Name: ManifestName,
		Data: []byte(strings.Join(lines, "\n")),
	})

	args := []string{"-f", "concat", "-i", ManifestName, "-c", "copy", b.Output()}
	return run(args, files...)
}

// PassthroughTransform repackages the container without re-encoding.
func (b Builder) PassthroughTransform(data []byte) engine.Command {
	input := b.Type.FileName("input")
	args := []string{"-i", input, "-vcodec", "copy", "-acodec", "copy", b.Output()}
	return run(args, file(input, data))
}

// Convert re-encodes data of origin type into b.Type, dropping video.
func (b Builder) Convert(data []byte, origin media.Type) engine.Command {
	input := origin.FileName("input")
	args := []string{"-i", input, "-vn", "-y", b.Output()}
	return run(args, file(input, data))
}

// ClipConvert seeks like Clip and re-encodes like Convert.
func (b Builder) ClipConvert(data []byte, origin media.Type, start, duration float64) engine.Command {
	input := origin.FileName("input")

	args := []string{"-ss", seconds(start), "-i", input}
	args = appendDuration(args, duration)
	args = append(args, "-y", b.Output())

	return run(args, file(input, data))
}

// RawRun splits commandLine on whitespace and attaches one virtual file per
// named buffer, ordered by name. The argument list is not validated.
func RawRun(commandLine string, named map[string][]byte) engine.Command {
	names := make([]string, 0, len(named))
	for name := range named {
		names = append(names, name)
	}
	slices.Sort(names)

	files := make([]engine.VirtualFile, 0, len(names))
	for _, name := range names {
		files = append(files, file(name, named[name]))
	}
	return run(strings.Fields(commandLine), files...)
}

func run(args []string, files ...engine.VirtualFile) engine.Command {
	return engine.Command{Type: engine.KindRun, Arguments: args, MEMFS: files}
}

func file(name string, data []byte) engine.VirtualFile {
	return engine.VirtualFile{Name: name, Data: bytes.Clone(data)}
}

func appendDuration(args []string, duration float64) []string {
	if math.IsInf(duration, 0) || math.IsNaN(duration) {
		return args
	}
	return append(args, "-t", seconds(duration))
}

// seconds renders v with the shortest exact decimal representation.
func seconds(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}
