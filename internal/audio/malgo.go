package audio

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/gen2brain/malgo"
)

// Malgo owns the miniaudio context shared by the output clock and the
// capture microphone.
type Malgo struct {
	ctx *malgo.AllocatedContext
}

// OpenMalgo initialises miniaudio with the platform default backends.
func OpenMalgo() (*Malgo, error) {
	ctx, err := malgo.InitContext(nil, malgo.ContextConfig{}, func(message string) {
		log.Debugf("malgo: %s", message)
	})
	if err != nil {
		return nil, fmt.Errorf("audio: malgo init: %w", err)
	}
	return &Malgo{ctx: ctx}, nil
}

// Close releases the miniaudio context. Devices must be closed first.
func (m *Malgo) Close() error {
	err := m.ctx.Uninit()
	m.ctx.Free()
	return err
}

// Output returns a playback device whose rendered frame count is the audio
// clock. It renders silence; sound generation happens elsewhere.
func (m *Malgo) Output(sampleRate int) *MalgoOutput {
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}
	return &MalgoOutput{m: m, sampleRate: sampleRate}
}

// Microphone returns a mono capture source keeping the latest size samples.
func (m *Malgo) Microphone(sampleRate, size int) *MalgoMicrophone {
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}
	return &MalgoMicrophone{m: m, sampleRate: sampleRate, analyser: NewAnalyser(size)}
}

// MalgoOutput is a Device backed by a miniaudio playback stream.
type MalgoOutput struct {
	m          *Malgo
	sampleRate int

	mu     sync.Mutex // device lifecycle
	device *malgo.Device

	clockMu  sync.Mutex // touched by the audio thread; never held across device calls
	frames   uint64
	period   uint32 // frames delivered by the latest callback
	lastCall time.Time
	lastTime float64
}

func (o *MalgoOutput) Start() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.device == nil {
		cfg := malgo.DefaultDeviceConfig(malgo.Playback)
		cfg.Playback.Format = malgo.FormatF32
		cfg.Playback.Channels = Channels
		cfg.SampleRate = uint32(o.sampleRate)
		cfg.PeriodSizeInFrames = uint32(PeriodFrames(o.sampleRate))
		cfg.Alsa.NoMMap = 1

		dev, err := malgo.InitDevice(o.m.ctx.Context, cfg, malgo.DeviceCallbacks{
			Data: o.render,
		})
		if err != nil {
			return fmt.Errorf("%w: %v", ErrNotAllowed, err)
		}
		o.device = dev
		o.clockMu.Lock()
		o.sampleRate = int(dev.SampleRate())
		o.clockMu.Unlock()
	}
	if err := o.device.Start(); err != nil {
		return fmt.Errorf("%w: %v", ErrNotAllowed, err)
	}
	return nil
}

// render runs on the audio thread: emit silence and advance the clock.
func (o *MalgoOutput) render(output, _ []byte, frameCount uint32) {
	clear(output)
	o.clockMu.Lock()
	o.frames += uint64(frameCount)
	o.period = frameCount
	o.lastCall = time.Now()
	o.clockMu.Unlock()
}

func (o *MalgoOutput) Suspend() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.device == nil {
		return nil
	}
	err := o.device.Stop()
	o.clockMu.Lock()
	o.lastCall = time.Time{}
	o.clockMu.Unlock()
	return err
}

func (o *MalgoOutput) Close() error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.device != nil {
		o.device.Uninit()
		o.device = nil
	}
	return nil
}

// Time interpolates between callbacks by at most the period the device
// actually delivers, and never runs backwards.
func (o *MalgoOutput) Time() float64 {
	o.clockMu.Lock()
	defer o.clockMu.Unlock()
	var since time.Duration
	if !o.lastCall.IsZero() {
		since = time.Since(o.lastCall)
	}
	t := callbackTime(o.frames, o.period, o.sampleRate, since)
	if t < o.lastTime {
		t = o.lastTime
	}
	o.lastTime = t
	return t
}

// callbackTime is the clock reading since after callbacks have rendered
// frames in total, the last of them period frames long.
func callbackTime(frames uint64, period uint32, rate int, since time.Duration) float64 {
	t := float64(frames) / float64(rate)
	if since > 0 {
		t += min(since.Seconds(), float64(period)/float64(rate))
	}
	return t
}

func (o *MalgoOutput) SampleRate() int {
	o.clockMu.Lock()
	defer o.clockMu.Unlock()
	return o.sampleRate
}

// MalgoMicrophone captures mono float32 audio into an Analyser.
type MalgoMicrophone struct {
	m          *Malgo
	sampleRate int
	analyser   *Analyser

	mu     sync.Mutex
	device *malgo.Device
}

// Open asks the platform for the default capture device. Permission
// failures surface here.
func (mic *MalgoMicrophone) Open(ctx context.Context) (int, error) {
	mic.mu.Lock()
	defer mic.mu.Unlock()
	if mic.device != nil {
		return mic.sampleRate, nil
	}
	if err := ctx.Err(); err != nil {
		return 0, err
	}

	cfg := malgo.DefaultDeviceConfig(malgo.Capture)
	cfg.Capture.Format = malgo.FormatF32
	cfg.Capture.Channels = 1
	cfg.SampleRate = uint32(mic.sampleRate)
	cfg.Alsa.NoMMap = 1

	dev, err := malgo.InitDevice(mic.m.ctx.Context, cfg, malgo.DeviceCallbacks{
		Data: func(_, input []byte, _ uint32) {
			if len(input) == 0 {
				return
			}
			mic.analyser.Write(BytesToFloat32(input))
		},
	})
	if err != nil {
		return 0, fmt.Errorf("audio: init capture device: %w", err)
	}
	if err := dev.Start(); err != nil {
		dev.Uninit()
		return 0, fmt.Errorf("audio: start capture device: %w", err)
	}
	mic.device = dev
	mic.sampleRate = int(dev.SampleRate())
	log.Infof("Microphone open at %d Hz", mic.sampleRate)
	return mic.sampleRate, nil
}

// Read copies the latest waveform into dst.
func (mic *MalgoMicrophone) Read(dst []float32) (int, error) {
	return mic.analyser.Read(dst), nil
}

// Close stops capture and releases the device.
func (mic *MalgoMicrophone) Close() error {
	mic.mu.Lock()
	defer mic.mu.Unlock()
	if mic.device == nil {
		return nil
	}
	mic.device.Uninit()
	mic.device = nil
	mic.analyser.Reset()
	log.Info("Microphone closed")
	return nil
}
