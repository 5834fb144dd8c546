// Package progress derives completion ratios from the free-text log lines
// the engine writes while it transcodes.
package progress

import (
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// MaxPending is the highest ratio reported before the terminal event.
const MaxPending = 0.999

// ErrBadTimestamp is returned when a timestamp cannot be parsed.
var ErrBadTimestamp = errors.New("progress: invalid timestamp")

var (
	durationRe = regexp.MustCompile(`Duration: (.+?), start`)
	timeRe     = regexp.MustCompile(`time=(.+?) bitrate`)
)

// State is a snapshot of transcoding progress. A zero Duration means the
// total length is not known yet.
type State struct {
	Duration time.Duration `json:"duration"`
	Current  time.Duration `json:"current"`
	Ratio    float64       `json:"ratio"`
}

// Func receives progress updates.
type Func func(State)

// Tracker accumulates duration and position markers across log lines.
// It is not safe for concurrent use.
type Tracker struct {
	duration time.Duration
	current  time.Duration
}

// Feed parses line and returns the updated state. A line carrying a
// Duration marker is not inspected for a time marker.
func (t *Tracker) Feed(line string) State {
	if m := durationRe.FindStringSubmatch(line); m != nil {
		if d, err := ParseTimestamp(m[1]); err == nil {
			t.duration = d
		}
	} else if m := timeRe.FindStringSubmatch(line); m != nil {
		if c, err := ParseTimestamp(m[1]); err == nil {
			t.current = c
		}
	}
	return t.State()
}

// State returns the current snapshot with the ratio clamped to MaxPending.
func (t *Tracker) State() State {
	ratio := 0.0
	if t.duration > 0 {
		ratio = float64(t.current) / float64(t.duration)
	}
	return State{
		Duration: t.duration,
		Current:  t.current,
		Ratio:    min(max(ratio, 0), MaxPending),
	}
}

// Done returns the terminal snapshot, whose ratio is exactly 1.
func (t *Tracker) Done() State {
	s := t.State()
	s.Ratio = 1
	return s
}

// maxSeconds is the longest timestamp a time.Duration can hold.
const maxSeconds = float64(math.MaxInt64 / int64(time.Second))

// ParseTimestamp parses an engine timestamp such as "00:01:02.50",
// "01:02.5" or "62.5". Negative timestamps are reported as zero.
func ParseTimestamp(s string) (time.Duration, error) {
	s = strings.TrimSpace(s)
	negative := strings.HasPrefix(s, "-")
	s = strings.TrimPrefix(s, "-")

	parts := strings.Split(s, ":")
	if len(parts) == 0 || len(parts) > 3 {
		return 0, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
	}

	var total float64
	for _, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil || v < 0 || math.IsNaN(v) || math.IsInf(v, 0) {
			return 0, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
		}
		total = total*60 + v
	}
	if total > maxSeconds {
		return 0, fmt.Errorf("%w: %q", ErrBadTimestamp, s)
	}

	if negative {
		return 0, nil
	}
	return time.Duration(total * float64(time.Second)).Round(time.Millisecond), nil
}

// Percent converts a ratio to an integer percentage in [0, 100].
func Percent(ratio float64) int {
	return int(min(max(ratio, 0), 1) * 100)
}
