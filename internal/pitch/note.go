package pitch

import (
	"fmt"
	"math"
)

var noteNames = [12]string{"C", "C#", "D", "D#", "E", "F", "F#", "G", "G#", "A", "A#", "B"}

// Note is the equal-tempered note nearest a frequency, A4 = 440 Hz.
type Note struct {
	Name   string  // pitch class, e.g. "A#"
	Octave int     // scientific octave, C4 is middle C
	MIDI   int     // nearest MIDI note number
	Exact  float64 // fractional MIDI number
	Cents  int     // deviation from MIDI, -50..50
}

// NoteFromFrequency maps freq (Hz, > 0) to its nearest note.
func NoteFromFrequency(freq float64) Note {
	exact := 69 + 12*math.Log2(freq/440)
	nearest := math.Round(exact)
	midi := int(nearest)
	class := ((midi % 12) + 12) % 12
	return Note{
		Name:   noteNames[class],
		Octave: int(math.Floor(float64(midi)/12)) - 1,
		MIDI:   midi,
		Exact:  exact,
		Cents:  int(math.Round((exact - nearest) * 100)),
	}
}

// String returns name and octave, e.g. "A4".
func (n Note) String() string {
	return fmt.Sprintf("%s%d", n.Name, n.Octave)
}

// MIDIToFrequency is the inverse for whole notes.
func MIDIToFrequency(midi int) float64 {
	return 440 * math.Pow(2, float64(midi-69)/12)
}
