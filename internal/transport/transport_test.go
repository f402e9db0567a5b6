package transport

import (
	"context"
	"errors"
	"math"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/satindergrewal/cadence/internal/audio"
)

// fakeClock is an audio clock the test moves by hand.
type fakeClock struct {
	mu    sync.Mutex
	now   float64
	inits int
	err   error
	block chan struct{}
}

func (c *fakeClock) Initialize(ctx context.Context) error {
	if c.block != nil {
		<-c.block
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.inits++
	return c.err
}

func (c *fakeClock) Now() float64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) set(v float64) {
	c.mu.Lock()
	c.now = v
	c.mu.Unlock()
}

func mustConfig(t *testing.T, measures int, ts string, bpm float64) Config {
	t.Helper()
	cfg, err := NewConfig(measures, ts, bpm)
	if err != nil {
		t.Fatalf("NewConfig: %v", err)
	}
	return cfg
}

// startManual marks tr running without launching its loops, so dispatch can
// be driven deterministically.
func startManual(tr *Transport) uint64 {
	tr.mu.Lock()
	defer tr.mu.Unlock()
	tr.seq++
	tr.gen = tr.seq
	tr.running = true
	tr.anchor = tr.clock.Now()
	tr.dispatched = 0
	tr.done = make(chan struct{})
	return tr.gen
}

func almost(a, b, eps float64) bool { return math.Abs(a-b) <= eps }

// --- Config ---

func TestConfigureBeats(t *testing.T) {
	tr := New(&fakeClock{}, mustConfig(t, 1, "4/4", 120), Options{})

	if err := tr.Configure(4, "4/4", 120); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if got := tr.Config().TotalBeats(); got != 16 {
		t.Errorf("TotalBeats = %d, want 16", got)
	}
	if _, end, enabled := tr.Loop(); end != 4 || !enabled {
		t.Errorf("loop end = %v enabled = %v, want 4/true", end, enabled)
	}

	if err := tr.Configure(2, "3/4", 90); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if got := tr.Config().TotalBeats(); got != 6 {
		t.Errorf("TotalBeats = %d, want 6", got)
	}
	if _, end, _ := tr.Loop(); end != 2 {
		t.Errorf("loop end = %v, want 2", end)
	}
	if tr.Running() {
		t.Error("Configure should not start playback")
	}
}

func TestConfigureInvalid(t *testing.T) {
	tests := []struct {
		name     string
		measures int
		ts       string
		bpm      float64
	}{
		{"zero measures", 0, "4/4", 120},
		{"zero bpm", 4, "4/4", 0},
		{"no slash", 4, "4", 120},
		{"zero beats", 4, "0/4", 120},
		{"not numbers", 4, "a/b", 120},
	}
	tr := New(&fakeClock{}, mustConfig(t, 1, "4/4", 120), Options{})
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tr.Configure(tt.measures, tt.ts, tt.bpm)
			if !errors.Is(err, ErrInvalidConfig) {
				t.Errorf("Configure(%d, %q, %v) = %v, want ErrInvalidConfig", tt.measures, tt.ts, tt.bpm, err)
			}
		})
	}
	if got := tr.Config().TotalBeats(); got != 4 {
		t.Errorf("failed Configure changed config: TotalBeats = %d", got)
	}
}

func TestParseTimeSignature(t *testing.T) {
	tests := []struct {
		in         string
		beats, div int
		ok         bool
	}{
		{"4/4", 4, 4, true},
		{"6/8", 6, 8, true},
		{" 3/4 ", 3, 4, true},
		{"4", 0, 0, false},
		{"0/4", 0, 0, false},
		{"a/b", 0, 0, false},
		{"4/-4", 0, 0, false},
	}
	for _, tt := range tests {
		beats, div, err := ParseTimeSignature(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("ParseTimeSignature(%q) err = %v, want ok=%v", tt.in, err, tt.ok)
			continue
		}
		if tt.ok && (beats != tt.beats || div != tt.div) {
			t.Errorf("ParseTimeSignature(%q) = %d/%d, want %d/%d", tt.in, beats, div, tt.beats, tt.div)
		}
	}
}

func TestBeatSeconds(t *testing.T) {
	tests := []struct {
		ts   string
		bpm  float64
		beat float64
		bar  float64
	}{
		{"4/4", 120, 0.5, 2},
		{"3/4", 90, 60.0 / 90, 2},
		{"6/8", 120, 0.25, 1.5},
	}
	for _, tt := range tests {
		cfg := mustConfig(t, 1, tt.ts, tt.bpm)
		if !almost(cfg.BeatSeconds(), tt.beat, 1e-9) {
			t.Errorf("%s@%v BeatSeconds = %v, want %v", tt.ts, tt.bpm, cfg.BeatSeconds(), tt.beat)
		}
		if !almost(cfg.MeasureSeconds(), tt.bar, 1e-9) {
			t.Errorf("%s@%v MeasureSeconds = %v, want %v", tt.ts, tt.bpm, cfg.MeasureSeconds(), tt.bar)
		}
	}
}

func TestParseTime(t *testing.T) {
	cfg := mustConfig(t, 4, "4/4", 120)
	tests := []struct {
		in   string
		want float64
		ok   bool
	}{
		{"1:2:0", 3.0, true},
		{"1:2", 3.0, true},
		{"0:0:2", 0.25, true},
		{"2", 2, true},
		{"0.75", 0.75, true},
		{"1:2:3:4", 0, false},
		{"-1", 0, false},
		{"1:-1", 0, false},
		{"x", 0, false},
	}
	for _, tt := range tests {
		at, err := ParseTime(tt.in)
		if (err == nil) != tt.ok {
			t.Errorf("ParseTime(%q) err = %v, want ok=%v", tt.in, err, tt.ok)
			continue
		}
		if tt.ok && !almost(at.In(cfg), tt.want, 1e-9) {
			t.Errorf("ParseTime(%q).In = %v, want %v", tt.in, at.In(cfg), tt.want)
		}
	}
}

// --- Start / Stop ---

func TestStartThenStopNoTicks(t *testing.T) {
	ctx := audio.NewContext(audio.NewVirtualDevice(0))
	tr := New(ctx, mustConfig(t, 4, "4/4", 120), Options{})

	var ticks atomic.Int32
	if err := tr.Start(context.Background(), func(progress, beat float64) { ticks.Add(1) }); err != nil {
		t.Fatalf("Start: %v", err)
	}
	tr.Stop()
	time.Sleep(100 * time.Millisecond)

	if n := ticks.Load(); n != 0 {
		t.Errorf("got %d ticks after immediate Stop, want 0", n)
	}
	if tr.Running() {
		t.Error("Running after Stop")
	}
	if ctx.State() != audio.Running {
		t.Errorf("audio state = %v, want running after Start", ctx.State())
	}
}

func TestDoubleStartSingleLoop(t *testing.T) {
	clock := &fakeClock{}
	tr := New(clock, mustConfig(t, 4, "4/4", 120), Options{FrameInterval: 10 * time.Millisecond})

	var ticks atomic.Int32
	onTick := func(progress, beat float64) { ticks.Add(1) }
	if err := tr.Start(context.Background(), onTick); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := tr.Start(context.Background(), onTick); err != nil {
		t.Fatalf("second Start: %v", err)
	}
	time.Sleep(205 * time.Millisecond)
	tr.Stop()

	if clock.inits != 1 {
		t.Errorf("audio initialized %d times, want 1", clock.inits)
	}
	// One loop at 10ms gives about 20 ticks; two would give about 40.
	if n := ticks.Load(); n == 0 || n > 30 {
		t.Errorf("got %d ticks in 205ms, want a single 10ms loop", n)
	}
}

func TestStopInsideTick(t *testing.T) {
	tr := New(&fakeClock{}, mustConfig(t, 4, "4/4", 120), Options{FrameInterval: 5 * time.Millisecond})

	var ticks atomic.Int32
	err := tr.Start(context.Background(), func(progress, beat float64) {
		ticks.Add(1)
		tr.Stop()
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	if n := ticks.Load(); n != 1 {
		t.Errorf("got %d ticks, want exactly 1 after Stop inside the callback", n)
	}
}

func TestTickPanicDoesNotStopLoop(t *testing.T) {
	tr := New(&fakeClock{}, mustConfig(t, 4, "4/4", 120), Options{FrameInterval: 5 * time.Millisecond})

	var ticks atomic.Int32
	err := tr.Start(context.Background(), func(progress, beat float64) {
		if ticks.Add(1) == 1 {
			panic("boom")
		}
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(60 * time.Millisecond)
	tr.Stop()
	if n := ticks.Load(); n < 2 {
		t.Errorf("got %d ticks, want the loop to survive a panicking callback", n)
	}
}

func TestStartInitializeFailure(t *testing.T) {
	clock := &fakeClock{err: audio.ErrNotAllowed}
	tr := New(clock, mustConfig(t, 4, "4/4", 120), Options{})

	err := tr.Start(context.Background(), nil)
	if !errors.Is(err, audio.ErrNotAllowed) {
		t.Fatalf("Start = %v, want ErrNotAllowed", err)
	}
	if tr.Running() {
		t.Fatal("Running after failed Start")
	}

	clock.err = nil
	if err := tr.Start(context.Background(), nil); err != nil {
		t.Fatalf("retry Start: %v", err)
	}
	defer tr.Stop()
	if !tr.Running() {
		t.Error("not Running after retry")
	}
}

func TestStopWhileStartingWins(t *testing.T) {
	clock := &fakeClock{block: make(chan struct{})}
	tr := New(clock, mustConfig(t, 4, "4/4", 120), Options{})

	errc := make(chan error, 1)
	go func() { errc <- tr.Start(context.Background(), nil) }()
	time.Sleep(20 * time.Millisecond)

	// A second Start while the first waits is a no-op.
	if err := tr.Start(context.Background(), nil); err != nil {
		t.Fatalf("concurrent Start: %v", err)
	}
	tr.Stop()
	close(clock.block)

	if err := <-errc; err != nil {
		t.Fatalf("Start: %v", err)
	}
	if tr.Running() {
		t.Error("Start completed after Stop and left the transport running")
	}
}

func TestEndToEndProgress(t *testing.T) {
	if testing.Short() {
		t.Skip("real-time test")
	}
	ctx := audio.NewContext(audio.NewVirtualDevice(0))
	tr := New(ctx, mustConfig(t, 1, "4/4", 60), Options{})

	var mu sync.Mutex
	var last TickSample
	err := tr.Start(context.Background(), func(progress, beat float64) {
		mu.Lock()
		last = TickSample{Progress: progress, Beat: beat}
		mu.Unlock()
	})
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	time.Sleep(2 * time.Second)
	tr.Stop()

	mu.Lock()
	defer mu.Unlock()
	if !almost(last.Beat, 2, 0.2) {
		t.Errorf("beat after 2s = %v, want 2 +/- 0.2", last.Beat)
	}
	if !almost(last.Progress, 0.5, 0.05) {
		t.Errorf("progress after 2s = %v, want about 0.5", last.Progress)
	}
}

// --- Position ---

func TestPositionFollowsClock(t *testing.T) {
	clock := &fakeClock{now: 5}
	tr := New(clock, mustConfig(t, 1, "4/4", 60), Options{})
	startManual(tr)

	tests := []struct {
		now            float64
		progress, beat float64
	}{
		{5, 0, 0},
		{6, 0.25, 1},
		{7, 0.5, 2},
		{10, 0.25, 1}, // wrapped
	}
	for _, tt := range tests {
		clock.set(tt.now)
		p := tr.Position()
		if !almost(p.Progress, tt.progress, 1e-9) || !almost(p.Beat, tt.beat, 1e-9) {
			t.Errorf("at %v: %+v, want progress %v beat %v", tt.now, p, tt.progress, tt.beat)
		}
	}

	tr.Stop()
	if p := tr.Position(); p != (TickSample{}) {
		t.Errorf("Position after Stop = %+v, want zero", p)
	}
}

func TestLoopDisabledClamps(t *testing.T) {
	clock := &fakeClock{}
	tr := New(clock, mustConfig(t, 1, "4/4", 60), Options{})
	if err := tr.SetLoop(0, 1, false); err != nil {
		t.Fatalf("SetLoop: %v", err)
	}
	startManual(tr)
	clock.set(10)
	if p := tr.Position(); p.Progress != 1 || p.Beat != 4 {
		t.Errorf("unlooped Position past end = %+v, want progress 1 beat 4", p)
	}
}

func TestSetLoopInvalid(t *testing.T) {
	tr := New(&fakeClock{}, mustConfig(t, 4, "4/4", 120), Options{})
	for _, r := range [][2]float64{{-1, 2}, {2, 2}, {3, 1}, {0, 4.5}, {3, 5}} {
		if err := tr.SetLoop(r[0], r[1], true); !errors.Is(err, ErrInvalidConfig) {
			t.Errorf("SetLoop(%v, %v) = %v, want ErrInvalidConfig", r[0], r[1], err)
		}
	}
}

func TestLoopRegionOffset(t *testing.T) {
	clock := &fakeClock{}
	tr := New(clock, mustConfig(t, 4, "4/4", 60), Options{})
	if err := tr.SetLoop(2, 3, true); err != nil {
		t.Fatalf("SetLoop: %v", err)
	}
	startManual(tr)
	clock.set(2)
	if p := tr.Position(); !almost(p.Progress, 0.5, 1e-9) || !almost(p.Beat, 10, 1e-9) {
		t.Errorf("Position = %+v, want progress 0.5 beat 10", p)
	}
}

func TestConfigureWhileRunningKeepsProgress(t *testing.T) {
	clock := &fakeClock{}
	tr := New(clock, mustConfig(t, 1, "4/4", 60), Options{})
	startManual(tr)
	clock.set(1)

	if err := tr.Configure(1, "4/4", 120); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	if p := tr.Position(); !almost(p.Progress, 0.25, 1e-9) {
		t.Errorf("progress after tempo change = %v, want 0.25", p.Progress)
	}
	clock.set(1.5)
	if p := tr.Position(); !almost(p.Progress, 0.5, 1e-9) {
		t.Errorf("progress 0.5s later at 120 BPM = %v, want 0.5", p.Progress)
	}
}

func TestTempoChangeMidWindowFiresEachBeatOnce(t *testing.T) {
	// Clock steps are 25 ms; the change lands while a window is out.
	tests := []struct {
		name           string
		fromBPM, toBPM float64
		changeStep     int // 0.45 s and 0.85 s
		endStep        int // before beat 0 of the next pass
	}{
		{"slower", 120, 60, 18, 136},
		{"faster", 60, 240, 34, 56},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			clock := &fakeClock{}
			tr := New(clock, mustConfig(t, 1, "4/4", tt.fromBPM), Options{})
			fired := map[int]int{}
			for b := 0; b < 4; b++ {
				tr.Schedule(func(float64) { fired[b]++ }, BarsBeats(0, float64(b), 0))
			}
			gen := startManual(tr)

			for i := 0; i <= tt.endStep; i++ {
				clock.set(float64(i) * 0.025)
				if i == tt.changeStep {
					if err := tr.Configure(1, "4/4", tt.toBPM); err != nil {
						t.Fatalf("Configure: %v", err)
					}
				}
				tr.dispatch(gen)
			}
			for b := 0; b < 4; b++ {
				if fired[b] != 1 {
					t.Errorf("beat %d fired %d times, want 1 (all: %v)", b, fired[b], fired)
				}
			}
		})
	}
}

func TestNearestBeat(t *testing.T) {
	clock := &fakeClock{now: 10}
	tr := New(clock, mustConfig(t, 4, "4/4", 120), Options{})
	if _, ok := tr.NearestBeat(10); ok {
		t.Error("NearestBeat while stopped should report false")
	}
	startManual(tr)

	tests := []struct{ at, want float64 }{
		{10.1, 10},
		{10.3, 10.5},
		{11.74, 11.5},
		{11.76, 12},
	}
	for _, tt := range tests {
		got, ok := tr.NearestBeat(tt.at)
		if !ok || !almost(got, tt.want, 1e-9) {
			t.Errorf("NearestBeat(%v) = %v, %v; want %v", tt.at, got, ok, tt.want)
		}
	}
}

// --- Scheduling ---

type hit struct {
	name string
	at   float64
}

func recordTo(hits *[]hit, name string) Callback {
	return func(at float64) { *hits = append(*hits, hit{name, at}) }
}

func TestScheduleOrdering(t *testing.T) {
	clock := &fakeClock{now: 10}
	tr := New(clock, mustConfig(t, 4, "4/4", 120), Options{})

	var hits []hit
	tr.Schedule(recordTo(&hits, "b"), Seconds(0.05))
	tr.Schedule(recordTo(&hits, "a"), Seconds(0.02))
	tr.Schedule(recordTo(&hits, "c"), Seconds(0.05))
	tr.Schedule(recordTo(&hits, "later"), Seconds(1))

	gen := startManual(tr)
	tr.dispatch(gen)

	want := []hit{{"a", 10.02}, {"b", 10.05}, {"c", 10.05}}
	if len(hits) != len(want) {
		t.Fatalf("fired %v, want %v", hits, want)
	}
	for i := range want {
		if hits[i].name != want[i].name || !almost(hits[i].at, want[i].at, 1e-9) {
			t.Errorf("hit[%d] = %+v, want %+v", i, hits[i], want[i])
		}
	}

	// Same window again fires nothing new.
	tr.dispatch(gen)
	if len(hits) != 3 {
		t.Errorf("redispatch fired again: %v", hits)
	}
}

func TestScheduleLoopRefires(t *testing.T) {
	clock := &fakeClock{now: 10}
	tr := New(clock, mustConfig(t, 1, "4/4", 60), Options{})

	var hits []hit
	tr.Schedule(recordTo(&hits, "x"), Seconds(1))
	gen := startManual(tr)

	for now := 10.0; now < 19.5; now += 0.025 {
		clock.set(now)
		tr.dispatch(gen)
	}
	want := []float64{11, 15, 19}
	if len(hits) != len(want) {
		t.Fatalf("fired at %v, want %v", hits, want)
	}
	for i, at := range want {
		if !almost(hits[i].at, at, 1e-9) {
			t.Errorf("pass %d fired at %v, want %v", i, hits[i].at, at)
		}
	}
}

func TestScheduleOutsideLoopNeverFires(t *testing.T) {
	clock := &fakeClock{}
	tr := New(clock, mustConfig(t, 1, "4/4", 60), Options{})

	var hits []hit
	tr.Schedule(recordTo(&hits, "outside"), Seconds(5))
	gen := startManual(tr)
	for now := 0.0; now < 12; now += 0.025 {
		clock.set(now)
		tr.dispatch(gen)
	}
	if len(hits) != 0 {
		t.Errorf("event past the loop end fired: %v", hits)
	}
}

func TestScheduleMusicalTimeUsesCurrentTempo(t *testing.T) {
	clock := &fakeClock{}
	tr := New(clock, mustConfig(t, 1, "4/4", 120), Options{})

	var hits []hit
	tr.Schedule(recordTo(&hits, "beat2"), BarsBeats(0, 2, 0))
	if err := tr.Configure(1, "4/4", 60); err != nil {
		t.Fatalf("Configure: %v", err)
	}
	gen := startManual(tr)
	for now := 0.0; now < 2.5; now += 0.025 {
		clock.set(now)
		tr.dispatch(gen)
	}
	if len(hits) != 1 || !almost(hits[0].at, 2, 1e-9) {
		t.Errorf("fired %v, want once at 2s under 60 BPM", hits)
	}
}

func TestScheduleCancelAndClear(t *testing.T) {
	clock := &fakeClock{}
	tr := New(clock, mustConfig(t, 1, "4/4", 60), Options{})

	var hits []hit
	id := tr.Schedule(recordTo(&hits, "cancelled"), Seconds(0.5))
	tr.Schedule(recordTo(&hits, "cleared"), Seconds(1))
	tr.Cancel(id)

	gen := startManual(tr)
	clock.set(0.5)
	tr.dispatch(gen)
	if len(hits) != 0 {
		t.Fatalf("cancelled event fired: %v", hits)
	}

	tr.Clear()
	for now := 0.5; now < 6; now += 0.025 {
		clock.set(now)
		tr.dispatch(gen)
	}
	if len(hits) != 0 {
		t.Errorf("cleared event fired: %v", hits)
	}
	if !tr.Running() {
		t.Error("Clear stopped playback")
	}
}

func TestScheduleUnloopedFiresOnce(t *testing.T) {
	clock := &fakeClock{}
	tr := New(clock, mustConfig(t, 1, "4/4", 60), Options{})
	if err := tr.SetLoop(0, 1, false); err != nil {
		t.Fatalf("SetLoop: %v", err)
	}

	var hits []hit
	tr.Schedule(recordTo(&hits, "once"), Seconds(1))
	gen := startManual(tr)
	for now := 0.0; now < 10; now += 0.025 {
		clock.set(now)
		tr.dispatch(gen)
	}
	if len(hits) != 1 {
		t.Errorf("fired %d times with looping off, want 1", len(hits))
	}
}

func TestScheduledPanicIsIsolated(t *testing.T) {
	clock := &fakeClock{}
	tr := New(clock, mustConfig(t, 1, "4/4", 60), Options{})

	var hits []hit
	tr.Schedule(func(float64) { panic("boom") }, Seconds(0.01))
	tr.Schedule(recordTo(&hits, "after"), Seconds(0.02))
	gen := startManual(tr)
	tr.dispatch(gen)
	if len(hits) != 1 {
		t.Errorf("callback after a panicking one did not run: %v", hits)
	}
}

func TestDispatchStaleGeneration(t *testing.T) {
	tr := New(&fakeClock{}, mustConfig(t, 1, "4/4", 60), Options{})
	gen := startManual(tr)
	tr.Stop()
	if tr.dispatch(gen) {
		t.Error("dispatch after Stop should report false")
	}
	if _, ok := tr.frame(gen); ok {
		t.Error("frame after Stop should report false")
	}
}
