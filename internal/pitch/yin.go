package pitch

// YIN estimates the fundamental frequency of a monophonic buffer.
// It is not safe for concurrent use; it reuses its scratch buffer.
type YIN struct {
	sampleRate float64
	threshold  float64
	scratch    []float64
}

// NewYIN returns an estimator. threshold bounds the normalised difference
// accepted as periodic; 0.1 is the usual choice.
func NewYIN(sampleRate int, threshold float64) *YIN {
	if sampleRate <= 0 {
		sampleRate = 44100
	}
	if threshold <= 0 {
		threshold = 0.1
	}
	return &YIN{sampleRate: float64(sampleRate), threshold: threshold}
}

// SetSampleRate must match the rate the buffers were captured at, or every
// frequency comes out scaled.
func (y *YIN) SetSampleRate(rate int) {
	if rate > 0 {
		y.sampleRate = float64(rate)
	}
}

// SampleRate returns the configured capture rate.
func (y *YIN) SampleRate() int {
	return int(y.sampleRate)
}

// Estimate returns the frequency in Hz and the probability that buf is
// periodic at it. ok is false when no lag passes the threshold.
func (y *YIN) Estimate(buf []float32) (freq, probability float64, ok bool) {
	half := len(buf) / 2
	if half < 3 {
		return 0, 0, false
	}
	if cap(y.scratch) < half {
		y.scratch = make([]float64, half)
	}
	d := y.scratch[:half]

	// Difference function.
	for tau := 1; tau < half; tau++ {
		var sum float64
		for i := 0; i < half; i++ {
			delta := float64(buf[i]) - float64(buf[i+tau])
			sum += delta * delta
		}
		d[tau] = sum
	}

	// Cumulative mean normalised difference.
	d[0] = 1
	var running float64
	for tau := 1; tau < half; tau++ {
		running += d[tau]
		if running == 0 {
			d[tau] = 1
		} else {
			d[tau] *= float64(tau) / running
		}
	}

	// First dip under the threshold, followed to its local minimum.
	tau := -1
	for t := 2; t < half; t++ {
		if d[t] < y.threshold {
			for t+1 < half && d[t+1] < d[t] {
				t++
			}
			tau = t
			probability = 1 - d[t]
			break
		}
	}
	if tau < 0 || probability < y.threshold {
		return 0, 0, false
	}

	freq = y.sampleRate / parabolic(d, tau)
	if freq <= 0 {
		return 0, 0, false
	}
	return freq, probability, true
}

// parabolic refines tau to the vertex of the parabola through its
// neighbours.
func parabolic(d []float64, tau int) float64 {
	x0, x2 := tau-1, tau+1
	if x0 < 1 {
		x0 = tau
	}
	if x2 >= len(d) {
		x2 = tau
	}
	switch {
	case x0 == tau:
		if d[tau] <= d[x2] {
			return float64(tau)
		}
		return float64(x2)
	case x2 == tau:
		if d[tau] <= d[x0] {
			return float64(tau)
		}
		return float64(x0)
	}
	s0, s1, s2 := d[x0], d[tau], d[x2]
	den := 2 * (2*s1 - s2 - s0)
	if den == 0 {
		return float64(tau)
	}
	return float64(tau) + (s2-s0)/den
}
