package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/satindergrewal/cadence/internal/transport"
	"gopkg.in/yaml.v3"
)

func envFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// Config holds all runtime configuration, loaded from an optional YAML file
// and environment variables.
type Config struct {
	// Server
	Port     int    `yaml:"port"`
	LogLevel string `yaml:"log_level"`

	// Audio devices
	SampleRate   int    `yaml:"sample_rate"`
	AudioBackend string `yaml:"audio_backend"` // virtual or malgo
	MicBackend   string `yaml:"mic_backend"`   // webrtc or malgo

	// Transport
	Measures          int           `yaml:"measures"`
	TimeSignature     string        `yaml:"time_signature"`
	BPM               float64       `yaml:"bpm"`
	FrameRate         int           `yaml:"frame_rate"`         // visual ticks per second
	LookaheadInterval time.Duration `yaml:"lookahead_interval"` // how often the audio-side queue is checked
	ScheduleAhead     time.Duration `yaml:"schedule_ahead"`     // how far past now events are dispatched

	// Pitch detection
	PitchRate  int     `yaml:"pitch_rate"`  // processed frames per second
	BufferSize int     `yaml:"buffer_size"` // waveform samples per estimate
	Threshold  float64 `yaml:"threshold"`   // YIN absolute threshold

	// MIDI input, empty disables
	MIDIDevice string `yaml:"midi_device"`
}

// Defaults returns the configuration used when nothing is set.
func Defaults() Config {
	return Config{
		Port:              8080,
		LogLevel:          "info",
		SampleRate:        48000,
		AudioBackend:      "virtual",
		MicBackend:        "webrtc",
		Measures:          4,
		TimeSignature:     "4/4",
		BPM:               120,
		FrameRate:         60,
		LookaheadInterval: 25 * time.Millisecond,
		ScheduleAhead:     100 * time.Millisecond,
		PitchRate:         30,
		BufferSize:        2048,
		Threshold:         0.1,
	}
}

// Load reads configuration from environment variables with sane defaults.
func Load() Config {
	return fromEnv(Defaults())
}

// LoadFile decodes a YAML file on top of the defaults, then applies
// environment overrides. An empty path behaves like Load.
func LoadFile(path string) (Config, error) {
	cfg := Defaults()
	if path == "" {
		return fromEnv(cfg), nil
	}
	f, err := os.Open(path)
	if err != nil {
		return cfg, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()
	if err := yaml.NewDecoder(f).Decode(&cfg); err != nil {
		return cfg, fmt.Errorf("config: decode %s: %w", path, err)
	}
	return fromEnv(cfg), nil
}

func fromEnv(base Config) Config {
	return Config{
		Port:     envInt("CADENCE_PORT", base.Port),
		LogLevel: envStr("CADENCE_LOG_LEVEL", base.LogLevel),

		SampleRate:   envInt("CADENCE_SAMPLE_RATE", base.SampleRate),
		AudioBackend: envStr("CADENCE_AUDIO_BACKEND", base.AudioBackend),
		MicBackend:   envStr("CADENCE_MIC_BACKEND", base.MicBackend),

		Measures:          envInt("CADENCE_MEASURES", base.Measures),
		TimeSignature:     envStr("CADENCE_TIME_SIGNATURE", base.TimeSignature),
		BPM:               envFloat("CADENCE_BPM", base.BPM),
		FrameRate:         envInt("CADENCE_FRAME_RATE", base.FrameRate),
		LookaheadInterval: envDuration("CADENCE_LOOKAHEAD_INTERVAL", base.LookaheadInterval),
		ScheduleAhead:     envDuration("CADENCE_SCHEDULE_AHEAD", base.ScheduleAhead),

		PitchRate:  envInt("CADENCE_PITCH_RATE", base.PitchRate),
		BufferSize: envInt("CADENCE_BUFFER_SIZE", base.BufferSize),
		Threshold:  envFloat("CADENCE_THRESHOLD", base.Threshold),

		MIDIDevice: envStr("CADENCE_MIDI_DEVICE", base.MIDIDevice),
	}
}

// Validate reports the first setting that cannot drive the core.
func (c Config) Validate() error {
	switch {
	case c.Port <= 0 || c.Port > 65535:
		return fmt.Errorf("config: port %d out of range", c.Port)
	case c.SampleRate <= 0:
		return fmt.Errorf("config: sample rate must be positive, got %d", c.SampleRate)
	case c.Measures <= 0:
		return fmt.Errorf("config: measures must be positive, got %d", c.Measures)
	case c.BPM <= 0:
		return fmt.Errorf("config: bpm must be positive, got %v", c.BPM)
	case c.FrameRate <= 0 || c.PitchRate <= 0:
		return fmt.Errorf("config: frame rate and pitch rate must be positive")
	case c.BufferSize < 2:
		return fmt.Errorf("config: buffer size must be at least 2, got %d", c.BufferSize)
	case c.Threshold <= 0 || c.Threshold >= 1:
		return fmt.Errorf("config: threshold must be in (0,1), got %v", c.Threshold)
	case c.LookaheadInterval <= 0 || c.ScheduleAhead <= 0:
		return fmt.Errorf("config: lookahead interval and schedule ahead must be positive")
	}
	if _, _, err := transport.ParseTimeSignature(c.TimeSignature); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	return nil
}

// FrameInterval is the visual loop period.
func (c Config) FrameInterval() time.Duration {
	return time.Second / time.Duration(c.FrameRate)
}

// PitchInterval is the minimum gap between processed pitch frames.
func (c Config) PitchInterval() time.Duration {
	return time.Second / time.Duration(c.PitchRate)
}

func envStr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// envDuration accepts Go durations ("25ms") or bare milliseconds ("25").
func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	if d, err := time.ParseDuration(v); err == nil {
		return d
	}
	if n, err := strconv.Atoi(v); err == nil {
		return time.Duration(n) * time.Millisecond
	}
	return fallback
}
