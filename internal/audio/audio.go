package audio

import (
	"errors"
	"fmt"
	"time"
)

const (
	SampleRate    = 48000
	Channels      = 1
	FrameDuration = 10 * time.Millisecond // device period
)

// PeriodFrames is the device period in frames at sampleRate.
func PeriodFrames(sampleRate int) int {
	return sampleRate * int(FrameDuration/time.Millisecond) / 1000
}

var (
	// ErrClosed is returned by operations on a context that has been closed.
	ErrClosed = errors.New("audio: context closed")
	// ErrNotAllowed means the platform refused to start audio output,
	// typically because no user gesture preceded the request.
	ErrNotAllowed = errors.New("audio: output not allowed")
)

// State is the lifecycle state of the shared audio context.
type State int

const (
	Suspended State = iota
	Running
	Closed
)

func (s State) String() string {
	switch s {
	case Suspended:
		return "suspended"
	case Running:
		return "running"
	case Closed:
		return "closed"
	}
	return "unknown"
}

// MarshalText lets State appear as its name in JSON.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *State) UnmarshalText(b []byte) error {
	switch string(b) {
	case "suspended":
		*s = Suspended
	case "running":
		*s = Running
	case "closed":
		*s = Closed
	default:
		return fmt.Errorf("audio: unknown state %q", b)
	}
	return nil
}

// Device is the platform audio output backing a Context. Time is the
// device's own clock in seconds; it only advances while the device runs.
type Device interface {
	Start() error
	Suspend() error
	Close() error
	Time() float64
	SampleRate() int
}
