package audio

import "sync"

// Analyser keeps the most recent size samples of a capture stream so the
// pitch loop can read a full waveform at its own rate. Safe for concurrent
// use by one writer (the capture callback) and any number of readers.
type Analyser struct {
	mu    sync.Mutex
	buf   []float32
	head  int // next write position
	count int
}

// NewAnalyser creates an analyser holding size samples.
func NewAnalyser(size int) *Analyser {
	return &Analyser{buf: make([]float32, size)}
}

// Size returns the capacity in samples.
func (a *Analyser) Size() int {
	return len(a.buf)
}

// Write appends samples, overwriting the oldest once full.
func (a *Analyser) Write(samples []float32) {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := len(a.buf)
	if len(samples) >= n {
		copy(a.buf, samples[len(samples)-n:])
		a.head = 0
		a.count = n
		return
	}
	for _, s := range samples {
		a.buf[a.head] = s
		a.head = (a.head + 1) % n
	}
	a.count = min(a.count+len(samples), n)
}

// Read copies the latest samples into dst, oldest first, and returns how
// many were copied. Until the ring fills, fewer than len(dst) may be
// available; the rest of dst is zeroed.
func (a *Analyser) Read(dst []float32) int {
	a.mu.Lock()
	defer a.mu.Unlock()
	n := min(len(dst), a.count)
	start := (a.head - n + len(a.buf)) % len(a.buf)
	for i := 0; i < n; i++ {
		dst[i] = a.buf[(start+i)%len(a.buf)]
	}
	clear(dst[n:])
	return n
}

// Reset drops everything written so far.
func (a *Analyser) Reset() {
	a.mu.Lock()
	a.head = 0
	a.count = 0
	a.mu.Unlock()
}
