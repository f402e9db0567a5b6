package audio

import (
	"sync"
	"time"
)

// VirtualDevice is a Device with no hardware behind it. Its clock follows
// the monotonic wall clock while running, which makes it suitable for
// headless servers where the browser renders the sound.
type VirtualDevice struct {
	sampleRate int
	now        func() time.Time

	mu        sync.Mutex
	running   bool
	startedAt time.Time
	elapsed   time.Duration // accumulated before the current run
}

// NewVirtualDevice creates a stopped virtual device.
func NewVirtualDevice(sampleRate int) *VirtualDevice {
	if sampleRate <= 0 {
		sampleRate = SampleRate
	}
	return &VirtualDevice{sampleRate: sampleRate, now: time.Now}
}

func (d *VirtualDevice) Start() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if !d.running {
		d.running = true
		d.startedAt = d.now()
	}
	return nil
}

func (d *VirtualDevice) Suspend() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.running {
		d.elapsed += d.now().Sub(d.startedAt)
		d.running = false
	}
	return nil
}

func (d *VirtualDevice) Close() error {
	return d.Suspend()
}

func (d *VirtualDevice) Time() float64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	t := d.elapsed
	if d.running {
		t += d.now().Sub(d.startedAt)
	}
	return t.Seconds()
}

func (d *VirtualDevice) SampleRate() int {
	return d.sampleRate
}
