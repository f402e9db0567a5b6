package pitch

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "pitch")

// ErrNoMicrophone wraps every failure to open the capture device, including
// a denied permission. Show a "microphone blocked" affordance and retry on a
// fresh user gesture.
var ErrNoMicrophone = errors.New("pitch: microphone unavailable")

// Microphone is a capture source with an analyser holding its latest
// waveform.
type Microphone interface {
	// Open requests access and starts capture, returning the actual rate.
	Open(ctx context.Context) (sampleRate int, err error)
	// Read copies the latest waveform into dst.
	Read(dst []float32) (int, error)
	Close() error
}

// AudioUnlocker is the shared audio context, which must be running before
// the microphone opens.
type AudioUnlocker interface {
	Initialize(ctx context.Context) error
}

// Result is one processed frame. The pointer fields are nil, and encode as
// JSON null, when no pitch was found.
type Result struct {
	Frequency *float64 `json:"frequency"`
	Note      *string  `json:"note"`
	Cents     *int     `json:"cents"`
	Clarity   float64  `json:"clarity"`
}

// Detected reports whether the frame carried a pitch.
func (r Result) Detected() bool {
	return r.Frequency != nil
}

func detected(freq float64) Result {
	n := NoteFromFrequency(freq)
	name := n.String()
	cents := n.Cents
	return Result{Frequency: &freq, Note: &name, Cents: &cents, Clarity: 1}
}

// Listener is a subscription handle returned by AddListener.
type Listener struct {
	fn func(Result)
}

// Options tunes the detector. Zero values take the defaults.
type Options struct {
	BufferSize    int           // waveform samples per estimate, default 2048
	Threshold     float64       // YIN threshold, default 0.1
	Interval      time.Duration // processing rate, default 1/30 s
	FrameInterval time.Duration // frame callback rate, default 1/60 s
}

// Detector samples the microphone on a frame loop, throttled to Interval,
// and notifies listeners with a Result every processed frame. The loop runs
// exactly when the microphone is open and at least one listener is
// registered.
type Detector struct {
	audio AudioUnlocker
	mic   Microphone
	opts  Options
	gap   time.Duration // minimum spacing of processed frames
	now   func() time.Time

	initMu sync.Mutex // serialises Initialize and Close

	procMu sync.Mutex // yin and buf
	yin    *YIN
	buf    []float32

	mu        sync.Mutex
	open      bool
	running   bool
	gen       uint64
	done      chan struct{}
	last      time.Time
	listeners []*Listener
}

// NewDetector creates a detector over mic. Nothing is opened until
// Initialize.
func NewDetector(audio AudioUnlocker, mic Microphone, opts Options) *Detector {
	if opts.BufferSize <= 0 {
		opts.BufferSize = 2048
	}
	if opts.Threshold <= 0 {
		opts.Threshold = 0.1
	}
	if opts.Interval <= 0 {
		opts.Interval = time.Second / 30
	}
	if opts.FrameInterval <= 0 {
		opts.FrameInterval = time.Second / 60
	}
	// Half a frame of slack keeps a 60 Hz loop from dropping to 20 Hz on
	// ticker jitter.
	gap := max(opts.Interval-opts.FrameInterval/2, 0)
	return &Detector{
		audio: audio,
		mic:   mic,
		opts:  opts,
		gap:   gap,
		now:   time.Now,
		yin:   NewYIN(0, opts.Threshold),
		buf:   make([]float32, opts.BufferSize),
	}
}

// Initialize unlocks audio and opens the microphone, then matches the
// estimator to the capture rate. It is a no-op once open. Like the audio
// context, it must run while handling a user gesture on platforms that gate
// device access.
func (d *Detector) Initialize(ctx context.Context) error {
	d.initMu.Lock()
	defer d.initMu.Unlock()
	if d.Open() {
		return nil
	}
	if err := d.audio.Initialize(ctx); err != nil {
		return fmt.Errorf("pitch: %w", err)
	}
	rate, err := d.mic.Open(ctx)
	if err != nil {
		return fmt.Errorf("%w: %w", ErrNoMicrophone, err)
	}

	d.procMu.Lock()
	d.yin.SetSampleRate(rate)
	d.procMu.Unlock()

	d.mu.Lock()
	defer d.mu.Unlock()
	d.open = true
	log.Infof("Detector ready at %d Hz, buffer %d", rate, d.opts.BufferSize)
	if len(d.listeners) > 0 {
		d.startLocked()
	}
	return nil
}

// Start begins the sampling loop. Before Initialize it logs a warning and
// does nothing.
func (d *Detector) Start() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.open {
		log.Warn("Detector Start called before Initialize, ignoring")
		return
	}
	d.startLocked()
}

// Stop ends the sampling loop and keeps the microphone open.
func (d *Detector) Stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.stopLocked()
}

// Close stops the loop and releases the microphone.
func (d *Detector) Close() error {
	d.initMu.Lock()
	defer d.initMu.Unlock()

	d.mu.Lock()
	d.stopLocked()
	wasOpen := d.open
	d.open = false
	d.mu.Unlock()

	if !wasOpen {
		return nil
	}
	if err := d.mic.Close(); err != nil {
		return fmt.Errorf("pitch: close microphone: %w", err)
	}
	log.Info("Detector closed")
	return nil
}

// AddListener subscribes fn. The first listener starts the loop when the
// microphone is open. Safe to call from inside a listener.
func (d *Detector) AddListener(fn func(Result)) *Listener {
	l := &Listener{fn: fn}
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = append(d.listeners, l)
	if d.open {
		d.startLocked()
	}
	return l
}

// RemoveListener unsubscribes l. Removing the last listener stops the loop.
// Safe to call from inside a listener, including l itself.
func (d *Detector) RemoveListener(l *Listener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.listeners = slices.DeleteFunc(d.listeners, func(x *Listener) bool { return x == l })
	if len(d.listeners) == 0 {
		d.stopLocked()
	}
}

// Open reports whether the microphone is open.
func (d *Detector) Open() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.open
}

// Running reports whether the sampling loop is active.
func (d *Detector) Running() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

// ListenerCount returns the number of subscribers.
func (d *Detector) ListenerCount() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.listeners)
}

func (d *Detector) startLocked() {
	if d.running {
		return
	}
	d.running = true
	d.gen++
	d.last = time.Time{}
	d.done = make(chan struct{})
	go d.loop(d.gen, d.done)
	log.Debug("Detector loop started")
}

func (d *Detector) stopLocked() {
	if !d.running {
		return
	}
	d.running = false
	close(d.done)
	d.done = nil
	log.Debug("Detector loop stopped")
}

func (d *Detector) loop(gen uint64, done <-chan struct{}) {
	ticker := time.NewTicker(d.opts.FrameInterval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			d.frame(gen, d.now())
		}
	}
}

// frame processes one frame unless this loop is stale or the previous
// processed frame was too recent.
func (d *Detector) frame(gen uint64, now time.Time) bool {
	d.mu.Lock()
	if !d.running || d.gen != gen {
		d.mu.Unlock()
		return false
	}
	if !d.last.IsZero() && now.Sub(d.last) < d.gap {
		d.mu.Unlock()
		return false
	}
	d.last = now
	listeners := slices.Clone(d.listeners)
	d.mu.Unlock()

	res, err := d.process()
	if err != nil {
		log.WithError(err).Error("Pitch frame failed")
		return true
	}
	for _, l := range listeners {
		notify(l, res)
	}
	return true
}

func (d *Detector) process() (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("pitch: frame panicked: %v", r)
		}
	}()
	d.procMu.Lock()
	defer d.procMu.Unlock()

	if _, err := d.mic.Read(d.buf); err != nil {
		return Result{}, fmt.Errorf("pitch: read waveform: %w", err)
	}
	freq, _, ok := d.yin.Estimate(d.buf)
	if !ok {
		return Result{}, nil
	}
	return detected(freq), nil
}

func notify(l *Listener, res Result) {
	defer func() {
		if r := recover(); r != nil {
			log.Errorf("Pitch listener panicked: %v", r)
		}
	}()
	l.fn(res)
}
