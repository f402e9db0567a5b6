package stream

import (
	"context"
	"errors"
	"sync"

	"github.com/satindergrewal/cadence/internal/audio"
)

// ErrNoRemoteTrack means no browser has sent a microphone track yet.
var ErrNoRemoteTrack = errors.New("stream: no remote microphone track")

// RemoteMic is a microphone fed by decoded browser audio. Tracks attach as
// WebRTC peers deliver them; Open fails until at least one is attached.
type RemoteMic struct {
	analyser *audio.Analyser

	mu     sync.Mutex
	tracks int
}

// NewRemoteMic creates a remote microphone keeping the latest size samples.
func NewRemoteMic(size int) *RemoteMic {
	return &RemoteMic{analyser: audio.NewAnalyser(size)}
}

// Open succeeds once a track is attached. Decoded audio is always 48 kHz.
func (m *RemoteMic) Open(ctx context.Context) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.tracks == 0 {
		return 0, ErrNoRemoteTrack
	}
	return audio.SampleRate, nil
}

// Read copies the latest waveform into dst.
func (m *RemoteMic) Read(dst []float32) (int, error) {
	return m.analyser.Read(dst), nil
}

// Close drops buffered audio. Attached tracks keep feeding it.
func (m *RemoteMic) Close() error {
	m.analyser.Reset()
	return nil
}

// Write appends decoded mono samples.
func (m *RemoteMic) Write(samples []float32) {
	m.analyser.Write(samples)
}

// Attach records a new incoming track.
func (m *RemoteMic) Attach() {
	m.mu.Lock()
	m.tracks++
	m.mu.Unlock()
}

// Detach records a track ending.
func (m *RemoteMic) Detach() {
	m.mu.Lock()
	if m.tracks > 0 {
		m.tracks--
	}
	m.mu.Unlock()
}

// Tracks returns the number of attached tracks.
func (m *RemoteMic) Tracks() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.tracks
}
