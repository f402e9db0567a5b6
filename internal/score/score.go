// Package score rates the timing of a played note against when it was due.
package score

import "math"

// Rating is the timing class of one hit.
type Rating string

const (
	Perfect Rating = "PERFECT"
	Good    Rating = "GOOD"
	Early   Rating = "EARLY"
	Late    Rating = "LATE"
	Miss    Rating = "MISS"
)

// Window edges in milliseconds, inclusive.
const (
	PerfectWindow = 50
	GoodWindow    = 100
)

// Points per band.
const (
	PerfectPoints = 100
	GoodPoints    = 50
)

// Band folds EARLY and LATE into GOOD. They score the same; the direction
// only matters for the label.
func (r Rating) Band() Rating {
	if r == Early || r == Late {
		return Good
	}
	return r
}

// Feedback is the judgement of one hit.
type Feedback struct {
	Rating     Rating  `json:"rating"`
	ScoreDelta int     `json:"scoreDelta"`
	TimeDelta  float64 `json:"timeDelta"` // ms, negative when early
	Label      string  `json:"label"`
}

// Compare judges actual against expected, both in milliseconds.
func Compare(expected, actual float64) Feedback {
	diff := actual - expected
	abs := math.Abs(diff)
	switch {
	case abs <= PerfectWindow:
		return Feedback{Rating: Perfect, ScoreDelta: PerfectPoints, TimeDelta: diff, Label: "Perfect!"}
	case abs <= GoodWindow:
		if diff < 0 {
			return Feedback{Rating: Early, ScoreDelta: GoodPoints, TimeDelta: diff, Label: "Early"}
		}
		return Feedback{Rating: Late, ScoreDelta: GoodPoints, TimeDelta: diff, Label: "Late"}
	}
	return Feedback{Rating: Miss, ScoreDelta: 0, TimeDelta: diff, Label: "Miss"}
}

// Tally accumulates feedback over a session. The zero value is ready to use.
// It is not safe for concurrent use.
type Tally struct {
	Score    int            `json:"score"`
	Combo    int            `json:"combo"`
	MaxCombo int            `json:"maxCombo"`
	Hits     int            `json:"hits"`
	Counts   map[Rating]int `json:"counts"`
}

// Add records f. A miss breaks the combo.
func (t *Tally) Add(f Feedback) {
	if t.Counts == nil {
		t.Counts = make(map[Rating]int)
	}
	t.Hits++
	t.Counts[f.Rating]++
	t.Score += f.ScoreDelta
	if f.Rating == Miss {
		t.Combo = 0
		return
	}
	t.Combo++
	t.MaxCombo = max(t.MaxCombo, t.Combo)
}

// Accuracy is the share of the maximum score earned, 0..1.
func (t *Tally) Accuracy() float64 {
	if t.Hits == 0 {
		return 0
	}
	return float64(t.Score) / float64(t.Hits*PerfectPoints)
}

// Reset clears all totals.
func (t *Tally) Reset() {
	*t = Tally{}
}
