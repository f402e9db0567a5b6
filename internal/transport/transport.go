package transport

import (
	"cmp"
	"context"
	"fmt"
	"math"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "transport")

// AudioClock is the shared audio context as the transport uses it.
type AudioClock interface {
	Initialize(ctx context.Context) error
	Now() float64
}

// TickFunc receives the visual position once per frame.
type TickFunc func(progress, beat float64)

// Callback receives the exact audio-clock time its event is due. It is
// invoked up to ScheduleAhead before that time so sound can be queued
// against the audio clock.
type Callback func(audioTime float64)

// EventID identifies a scheduled callback.
type EventID uint64

// TickSample is one visual frame's reading of the transport. Beat is in
// [0, TotalBeats) while looping. With looping off, playback past the loop
// end holds at Progress 1 and Beat equal to the loop end, at most TotalBeats.
type TickSample struct {
	Progress float64 `json:"progress"`
	Beat     float64 `json:"beat"`
}

// Options sets the loop rates. Zero values take the defaults.
type Options struct {
	FrameInterval     time.Duration // visual loop period, default 1/60 s
	LookaheadInterval time.Duration // audio-side queue check period, default 25 ms
	ScheduleAhead     time.Duration // dispatch window past now, default 100 ms
}

type event struct {
	id EventID
	at Time
	cb Callback
}

type firing struct {
	id        EventID
	elapsed   float64
	audioTime float64
	cb        Callback
}

// Transport keeps two clocks apart: scheduled callbacks are dispatched
// against the audio clock by a lookahead goroutine, while a separate frame
// goroutine converts the same clock into (progress, beat) for the screen.
type Transport struct {
	clock AudioClock
	opts  Options

	mu          sync.Mutex
	cfg         Config
	loopEnabled bool
	loopStart   float64 // measures
	loopEnd     float64 // measures

	running    bool
	seq        uint64
	startToken uint64 // non-zero while a Start waits on the audio clock
	gen        uint64
	done       chan struct{}
	anchor     float64 // audio time where elapsed is zero
	dispatched float64 // elapsed seconds already handed to callbacks

	events map[EventID]*event
	nextID EventID
}

// New creates a stopped transport looping over every measure of cfg.
func New(clock AudioClock, cfg Config, opts Options) *Transport {
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = time.Second / 60
	}
	if opts.LookaheadInterval <= 0 {
		opts.LookaheadInterval = 25 * time.Millisecond
	}
	if opts.ScheduleAhead <= 0 {
		opts.ScheduleAhead = 100 * time.Millisecond
	}
	return &Transport{
		clock:       clock,
		opts:        opts,
		cfg:         cfg,
		loopEnabled: true,
		loopEnd:     float64(cfg.Measures),
		events:      make(map[EventID]*event),
	}
}

// Configure sets the loop length, meter and tempo, and loops from the first
// to the last measure. It does not start playback. While running, the
// current loop progress is kept so the cursor does not jump.
func (t *Transport) Configure(measures int, timeSignature string, bpm float64) error {
	cfg, err := NewConfig(measures, timeSignature, bpm)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.reanchorLocked(func() {
		t.cfg = cfg
		t.loopEnabled = true
		t.loopStart = 0
		t.loopEnd = float64(measures)
	})
	log.Infof("Transport configured: %d x %s at %.1f BPM (%d beats)", measures, cfg.TimeSignature(), bpm, cfg.TotalBeats())
	return nil
}

// SetLoop changes the loop region, in measures. The end may not pass the
// last configured measure.
func (t *Transport) SetLoop(startMeasure, endMeasure float64, enabled bool) error {
	if startMeasure < 0 || endMeasure <= startMeasure {
		return fmt.Errorf("%w: loop %v..%v", ErrInvalidConfig, startMeasure, endMeasure)
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if endMeasure > float64(t.cfg.Measures) {
		return fmt.Errorf("%w: loop end %v past measure %d", ErrInvalidConfig, endMeasure, t.cfg.Measures)
	}
	t.reanchorLocked(func() {
		t.loopStart = startMeasure
		t.loopEnd = endMeasure
		t.loopEnabled = enabled
	})
	return nil
}

// reanchorLocked applies mutate and, when running, shifts the anchor so the
// loop progress before and after is the same. The dispatch boundary is kept
// as a loop fraction so callbacks already handed out do not fire again and
// none are skipped.
func (t *Transport) reanchorLocked(mutate func()) {
	if !t.running {
		mutate()
		return
	}
	now := t.clock.Now()
	progress := t.sampleLocked(now).Progress
	_, oldLength := t.loopSecondsLocked()
	aheadFrac := max(t.dispatched-(now-t.anchor), 0) / oldLength
	mutate()
	_, length := t.loopSecondsLocked()
	t.anchor = now - progress*length
	t.dispatched = (progress + aheadFrac) * length
}

// Start unlocks the audio context if needed, starts the transport clock and
// begins calling onTick once per frame until Stop. Calling Start while
// running, or while another Start is waiting on the audio context, is a
// no-op. Audio unlock failures are returned.
func (t *Transport) Start(ctx context.Context, onTick TickFunc) error {
	t.mu.Lock()
	if t.running || t.startToken != 0 {
		t.mu.Unlock()
		return nil
	}
	t.seq++
	token := t.seq
	t.startToken = token
	t.mu.Unlock()

	err := t.clock.Initialize(ctx)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.startToken != token {
		// Stop ran while we waited.
		return nil
	}
	t.startToken = 0
	if err != nil {
		return fmt.Errorf("transport: %w", err)
	}

	t.running = true
	t.gen = token
	t.anchor = t.clock.Now()
	t.dispatched = 0
	t.done = make(chan struct{})
	go t.frameLoop(t.gen, t.done, onTick)
	go t.lookahead(t.gen, t.done)

	log.Infof("Transport started at %.1f BPM", t.cfg.BPM)
	return nil
}

// Stop halts the clock and both loops and rewinds to the loop start. It is
// safe from any goroutine, including inside onTick, and never blocks on the
// loops. Once it returns, no new frame is started; a frame that already
// read the position may still deliver its tick.
func (t *Transport) Stop() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.startToken = 0
	if !t.running {
		return
	}
	t.running = false
	close(t.done)
	t.done = nil
	t.dispatched = 0
	log.Info("Transport stopped")
}

// Running reports whether the transport is between Start and Stop.
func (t *Transport) Running() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Config returns the current meter and tempo.
func (t *Transport) Config() Config {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.cfg
}

// Loop returns the loop region in measures and whether looping is on.
func (t *Transport) Loop() (start, end float64, enabled bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.loopStart, t.loopEnd, t.loopEnabled
}

// Position returns the current reading, or the zero sample when stopped.
func (t *Transport) Position() TickSample {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return TickSample{}
	}
	return t.sampleLocked(t.clock.Now())
}

// NearestBeat returns the audio-clock time of the beat closest to
// audioTime. It reports false when stopped.
func (t *Transport) NearestBeat(audioTime float64) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running {
		return 0, false
	}
	beat := t.cfg.BeatSeconds()
	n := math.Round((audioTime - t.anchor) / beat)
	return t.anchor + n*beat, true
}

// Schedule registers cb to run when the transport reaches at. While looping,
// an event inside the loop region fires on every pass.
func (t *Transport) Schedule(cb Callback, at Time) EventID {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	id := t.nextID
	t.events[id] = &event{id: id, at: at, cb: cb}
	return id
}

// Cancel removes one scheduled callback.
func (t *Transport) Cancel(id EventID) {
	t.mu.Lock()
	delete(t.events, id)
	t.mu.Unlock()
}

// Clear removes every scheduled callback without touching playback.
// Callbacks already inside the schedule-ahead window still run.
func (t *Transport) Clear() {
	t.mu.Lock()
	clear(t.events)
	t.mu.Unlock()
}

func (t *Transport) loopSecondsLocked() (start, length float64) {
	m := t.cfg.MeasureSeconds()
	return t.loopStart * m, (t.loopEnd - t.loopStart) * m
}

func (t *Transport) sampleLocked(now float64) TickSample {
	_, length := t.loopSecondsLocked()
	elapsed := max(now-t.anchor, 0)

	var progress float64
	if t.loopEnabled {
		progress = math.Mod(elapsed, length) / length
	} else {
		progress = min(elapsed/length, 1)
	}
	bpm := float64(t.cfg.BeatsPerMeasure)
	beat := t.loopStart*bpm + progress*(t.loopEnd-t.loopStart)*bpm
	return TickSample{Progress: progress, Beat: beat}
}

func (t *Transport) frameLoop(gen uint64, done <-chan struct{}, onTick TickFunc) {
	ticker := time.NewTicker(t.opts.FrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
		}
		s, ok := t.frame(gen)
		if !ok {
			return
		}
		if onTick != nil {
			t.tick(onTick, s)
		}
	}
}

// frame reads the position if this loop is still the live one.
func (t *Transport) frame(gen uint64) (TickSample, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if !t.running || t.gen != gen {
		return TickSample{}, false
	}
	return t.sampleLocked(t.clock.Now()), true
}

func (t *Transport) tick(onTick TickFunc, s TickSample) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Tick callback panicked: %v", r)
		}
	}()
	onTick(s.Progress, s.Beat)
}

func (t *Transport) lookahead(gen uint64, done <-chan struct{}) {
	ticker := time.NewTicker(t.opts.LookaheadInterval)
	defer ticker.Stop()
	for {
		if !t.dispatch(gen) {
			return
		}
		select {
		case <-done:
			return
		case <-ticker.C:
		}
	}
}

// dispatch runs every callback due before now+ScheduleAhead that has not
// been handed out yet, in transport-time order.
func (t *Transport) dispatch(gen uint64) bool {
	t.mu.Lock()
	if !t.running || t.gen != gen {
		t.mu.Unlock()
		return false
	}
	from := t.dispatched
	to := t.clock.Now() - t.anchor + t.opts.ScheduleAhead.Seconds()
	var due []firing
	if to > from {
		due = t.collectLocked(from, to)
		t.dispatched = to
	}
	t.mu.Unlock()

	for _, f := range due {
		t.fire(f)
	}
	return true
}

// collectLocked expands events into occurrences with elapsed time in
// [from, to).
func (t *Transport) collectLocked(from, to float64) []firing {
	start, length := t.loopSecondsLocked()
	var due []firing
	add := func(ev *event, elapsed float64) {
		due = append(due, firing{id: ev.id, elapsed: elapsed, audioTime: t.anchor + elapsed, cb: ev.cb})
	}
	for _, ev := range t.events {
		pos := ev.at.In(t.cfg)
		if !t.loopEnabled {
			if e := pos - start; e >= from && e < to {
				add(ev, e)
			}
			continue
		}
		if pos < start || pos >= start+length {
			continue
		}
		off := pos - start
		k := max(math.Ceil((from-off)/length), 0)
		for e := off + k*length; e < to; e = off + k*length {
			if e >= from {
				add(ev, e)
			}
			k++
		}
	}
	slices.SortFunc(due, func(a, b firing) int {
		if c := cmp.Compare(a.elapsed, b.elapsed); c != 0 {
			return c
		}
		return cmp.Compare(a.id, b.id)
	})
	return due
}

func (t *Transport) fire(f firing) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Scheduled callback %d panicked: %v", f.id, r)
		}
	}()
	f.cb(f.audioTime)
}
