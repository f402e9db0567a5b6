// Package app wires the audio context, transport, pitch detector and scorer
// into one session and exposes it over HTTP.
package app

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/satindergrewal/cadence/internal/audio"
	"github.com/satindergrewal/cadence/internal/config"
	"github.com/satindergrewal/cadence/internal/pitch"
	"github.com/satindergrewal/cadence/internal/score"
	"github.com/satindergrewal/cadence/internal/stream"
	"github.com/satindergrewal/cadence/internal/transport"
	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "app")

// ErrNotPlaying is returned by Hit while the transport is stopped.
var ErrNotPlaying = errors.New("app: transport not running")

// Affordances tell the UI what to show after a platform failure.
const (
	AffordanceAudio      = "tap-to-enable-audio"
	AffordanceMicrophone = "microphone-blocked"
)

// Affordance maps a platform failure to the prompt that recovers from it,
// or "" for any other error.
func Affordance(err error) string {
	switch {
	case errors.Is(err, pitch.ErrNoMicrophone):
		return AffordanceMicrophone
	case errors.Is(err, audio.ErrNotAllowed):
		return AffordanceAudio
	}
	return ""
}

// Status is the full session snapshot served by /api/status.
type Status struct {
	stream.State
	Position transport.TickSample `json:"position"`
	Tally    score.Tally          `json:"tally"`
	Clients  int                  `json:"clients"`
}

// Services is the one explicit session context: a single audio context, the
// transport and pitch detector that depend on it, and the event fan-out.
// Construct it once at startup and pass it to whatever needs it.
type Services struct {
	Audio     *audio.Context
	Transport *transport.Transport
	Detector  *pitch.Detector
	Events    *stream.Broadcaster

	mu        sync.Mutex
	tally     score.Tally
	listener  *pitch.Listener
	beatIDs   []transport.EventID
	onBeat    func(beat int, audioTime float64)
	closeOnce sync.Once
}

// New builds a session over dev and mic using cfg.
func New(cfg config.Config, dev audio.Device, mic pitch.Microphone) (*Services, error) {
	tcfg, err := transport.NewConfig(cfg.Measures, cfg.TimeSignature, cfg.BPM)
	if err != nil {
		return nil, err
	}
	ac := audio.NewContext(dev)
	s := &Services{
		Audio: ac,
		Transport: transport.New(ac, tcfg, transport.Options{
			FrameInterval:     cfg.FrameInterval(),
			LookaheadInterval: cfg.LookaheadInterval,
			ScheduleAhead:     cfg.ScheduleAhead,
		}),
		Detector: pitch.NewDetector(ac, mic, pitch.Options{
			BufferSize:    cfg.BufferSize,
			Threshold:     cfg.Threshold,
			Interval:      cfg.PitchInterval(),
			FrameInterval: cfg.FrameInterval(),
		}),
		Events: stream.NewBroadcaster(),
	}
	s.scheduleBeats()
	return s, nil
}

// OnBeat sets an extra callback run for every scheduled beat, with the
// audio-clock time the beat sounds at.
func (s *Services) OnBeat(fn func(beat int, audioTime float64)) {
	s.mu.Lock()
	s.onBeat = fn
	s.mu.Unlock()
}

// Play unlocks audio if needed and starts the transport. Call it from the
// handler of a user gesture.
func (s *Services) Play(ctx context.Context) error {
	if err := s.Transport.Start(ctx, s.onTick); err != nil {
		return fmt.Errorf("app: play: %w", err)
	}
	s.publishState()
	return nil
}

// StopPlayback stops the transport.
func (s *Services) StopPlayback() {
	s.Transport.Stop()
	s.publishState()
}

// Listen opens the microphone and subscribes the session to pitch results.
func (s *Services) Listen(ctx context.Context) error {
	if err := s.Detector.Initialize(ctx); err != nil {
		return fmt.Errorf("app: listen: %w", err)
	}
	s.mu.Lock()
	if s.listener == nil {
		s.listener = s.Detector.AddListener(s.onPitch)
	}
	s.mu.Unlock()
	s.publishState()
	return nil
}

// Unlisten drops the session's pitch subscription. The microphone stays
// open until Close.
func (s *Services) Unlisten() {
	s.mu.Lock()
	l := s.listener
	s.listener = nil
	s.mu.Unlock()
	if l != nil {
		s.Detector.RemoveListener(l)
	}
	s.publishState()
}

// Judge compares two times in milliseconds without touching the tally.
func (s *Services) Judge(expected, actual float64) score.Feedback {
	return score.Compare(expected, actual)
}

// Hit judges a played note at the current audio time against the nearest
// beat, and adds it to the session tally.
func (s *Services) Hit() (score.Feedback, error) {
	return s.HitAt(s.Audio.Now())
}

// HitAt is Hit for a note played at audioTime.
func (s *Services) HitAt(audioTime float64) (score.Feedback, error) {
	beat, ok := s.Transport.NearestBeat(audioTime)
	if !ok {
		return score.Feedback{}, ErrNotPlaying
	}
	fb := score.Compare(beat*1000, audioTime*1000)
	s.mu.Lock()
	s.tally.Add(fb)
	s.mu.Unlock()
	s.Events.Publish(stream.Event{Type: stream.EventScore, Time: audioTime, Score: &fb})
	return fb, nil
}

// ResetTally clears the session score.
func (s *Services) ResetTally() {
	s.mu.Lock()
	s.tally.Reset()
	s.mu.Unlock()
}

// Configure changes the loop and reschedules the beat events.
func (s *Services) Configure(measures int, timeSignature string, bpm float64) error {
	if err := s.Transport.Configure(measures, timeSignature, bpm); err != nil {
		return err
	}
	s.scheduleBeats()
	s.publishState()
	return nil
}

// State is the lifecycle part of Status.
func (s *Services) State() stream.State {
	s.mu.Lock()
	listening := s.listener != nil
	s.mu.Unlock()
	return stream.State{
		Audio:     s.Audio.State(),
		Playing:   s.Transport.Running(),
		Listening: listening && s.Detector.Running(),
		Config:    s.Transport.Config(),
	}
}

// Status returns a full snapshot.
func (s *Services) Status() Status {
	st := Status{
		State:    s.State(),
		Position: s.Transport.Position(),
		Clients:  s.Events.ListenerCount(),
	}
	s.mu.Lock()
	st.Tally = s.tally
	st.Tally.Counts = make(map[score.Rating]int, len(s.tally.Counts))
	for k, v := range s.tally.Counts {
		st.Tally.Counts[k] = v
	}
	s.mu.Unlock()
	return st
}

// Close stops everything and releases the microphone and audio device.
func (s *Services) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.Transport.Stop()
		err = errors.Join(s.Detector.Close(), s.Audio.Close())
		log.Info("Session closed")
	})
	return err
}

// scheduleBeats replaces the beat events with one per beat of the loop.
func (s *Services) scheduleBeats() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range s.beatIDs {
		s.Transport.Cancel(id)
	}
	total := s.Transport.Config().TotalBeats()
	s.beatIDs = s.beatIDs[:0]
	for b := 0; b < total; b++ {
		beat := b
		id := s.Transport.Schedule(func(at float64) { s.beatFired(beat, at) }, transport.BarsBeats(0, float64(b), 0))
		s.beatIDs = append(s.beatIDs, id)
	}
}

func (s *Services) beatFired(beat int, at float64) {
	v := float64(beat)
	s.Events.Publish(stream.Event{Type: stream.EventBeat, Time: at, Beat: &v})
	s.mu.Lock()
	fn := s.onBeat
	s.mu.Unlock()
	if fn != nil {
		fn(beat, at)
	}
}

func (s *Services) onTick(progress, beat float64) {
	s.Events.Publish(stream.Event{
		Type: stream.EventTick,
		Time: s.Audio.Now(),
		Tick: &transport.TickSample{Progress: progress, Beat: beat},
	})
}

func (s *Services) onPitch(r pitch.Result) {
	s.Events.Publish(stream.Event{Type: stream.EventPitch, Time: s.Audio.Now(), Pitch: &r})
}

func (s *Services) publishState() {
	st := s.State()
	s.Events.Publish(stream.Event{Type: stream.EventState, Time: s.Audio.Now(), State: &st})
}
