package transport

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// ErrInvalidConfig is wrapped by every configuration error.
var ErrInvalidConfig = errors.New("transport: invalid config")

// Config is the meter and tempo of the loop. BPM counts quarter notes, so a
// beat lasts 60/BPM * 4/BeatUnit seconds.
type Config struct {
	Measures        int     `json:"measures"`
	BeatsPerMeasure int     `json:"beatsPerMeasure"`
	BeatUnit        int     `json:"beatUnit"`
	BPM             float64 `json:"bpm"`
}

// NewConfig validates and builds a Config from a "N/M" time signature.
func NewConfig(measures int, timeSignature string, bpm float64) (Config, error) {
	if measures <= 0 {
		return Config{}, fmt.Errorf("%w: measures must be positive, got %d", ErrInvalidConfig, measures)
	}
	if bpm <= 0 {
		return Config{}, fmt.Errorf("%w: bpm must be positive, got %v", ErrInvalidConfig, bpm)
	}
	n, m, err := ParseTimeSignature(timeSignature)
	if err != nil {
		return Config{}, err
	}
	return Config{Measures: measures, BeatsPerMeasure: n, BeatUnit: m, BPM: bpm}, nil
}

// ParseTimeSignature splits "N/M" into positive integers.
func ParseTimeSignature(s string) (beats, unit int, err error) {
	a, b, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return 0, 0, fmt.Errorf("%w: time signature %q is not N/M", ErrInvalidConfig, s)
	}
	beats, errA := strconv.Atoi(a)
	unit, errB := strconv.Atoi(b)
	if errA != nil || errB != nil || beats <= 0 || unit <= 0 {
		return 0, 0, fmt.Errorf("%w: time signature %q is not N/M", ErrInvalidConfig, s)
	}
	return beats, unit, nil
}

// TotalBeats is Measures * BeatsPerMeasure.
func (c Config) TotalBeats() int {
	return c.Measures * c.BeatsPerMeasure
}

// TimeSignature formats the meter as "N/M".
func (c Config) TimeSignature() string {
	return fmt.Sprintf("%d/%d", c.BeatsPerMeasure, c.BeatUnit)
}

// BeatSeconds is the length of one beat.
func (c Config) BeatSeconds() float64 {
	return 60 / c.BPM * 4 / float64(c.BeatUnit)
}

// MeasureSeconds is the length of one measure.
func (c Config) MeasureSeconds() float64 {
	return c.BeatSeconds() * float64(c.BeatsPerMeasure)
}

// Time is a point on the transport timeline, either in seconds or in
// bars:beats:sixteenths resolved against the tempo in effect.
type Time struct {
	musical    bool
	secs       float64
	bars       float64
	beats      float64
	sixteenths float64
}

// Seconds builds an absolute transport time.
func Seconds(s float64) Time {
	return Time{secs: s}
}

// BarsBeats builds a musical transport time.
func BarsBeats(bars, beats, sixteenths float64) Time {
	return Time{musical: true, bars: bars, beats: beats, sixteenths: sixteenths}
}

// ParseTime accepts "bars:beats:sixteenths" (trailing fields optional, as
// in "2:1") or a plain number of seconds.
func ParseTime(s string) (Time, error) {
	s = strings.TrimSpace(s)
	if !strings.Contains(s, ":") {
		v, err := strconv.ParseFloat(s, 64)
		if err != nil || v < 0 {
			return Time{}, fmt.Errorf("transport: invalid time %q", s)
		}
		return Seconds(v), nil
	}
	parts := strings.Split(s, ":")
	if len(parts) > 3 {
		return Time{}, fmt.Errorf("transport: invalid time %q", s)
	}
	var f [3]float64
	for i, p := range parts {
		v, err := strconv.ParseFloat(p, 64)
		if err != nil || v < 0 {
			return Time{}, fmt.Errorf("transport: invalid time %q", s)
		}
		f[i] = v
	}
	return BarsBeats(f[0], f[1], f[2]), nil
}

// In resolves t to seconds from the start of the timeline under cfg.
func (t Time) In(cfg Config) float64 {
	if !t.musical {
		return t.secs
	}
	sixteenth := 60 / cfg.BPM / 4
	return t.bars*cfg.MeasureSeconds() + t.beats*cfg.BeatSeconds() + t.sixteenths*sixteenth
}

func (t Time) String() string {
	if !t.musical {
		return strconv.FormatFloat(t.secs, 'f', -1, 64)
	}
	return fmt.Sprintf("%g:%g:%g", t.bars, t.beats, t.sixteenths)
}
