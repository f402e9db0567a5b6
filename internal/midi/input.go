// Package midi reads played notes from a MIDI keyboard so they can be judged
// against the beat.
package midi

import (
	"fmt"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	gomidi "gitlab.com/gomidi/midi/v2"
	"gitlab.com/gomidi/midi/v2/drivers"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"
)

var log = logrus.WithField("component", "midi")

// AnyDevice matches the first usable input.
const AnyDevice = "*"

// excluded are virtual or system ports never picked automatically.
var excluded = []string{"Midi Through", "Through Port", "Dummy"}

// NoteFunc is called for every note-on, from the driver's goroutine.
type NoteFunc func(key, velocity uint8)

// Input is one open MIDI input port.
type Input struct {
	onNote NoteFunc

	mu   sync.Mutex
	drv  *rtmididrv.Driver
	in   drivers.In
	stop func()
	name string
}

// Open connects to the first input whose name contains pattern, ignoring
// case. AnyDevice takes the first input that is not a virtual port.
func Open(pattern string, onNote NoteFunc) (*Input, error) {
	drv, err := rtmididrv.New()
	if err != nil {
		return nil, fmt.Errorf("midi: rtmididrv: %w", err)
	}
	ins, err := drv.Ins()
	if err != nil {
		drv.Close()
		return nil, fmt.Errorf("midi: list inputs: %w", err)
	}

	names := make([]string, len(ins))
	for i, in := range ins {
		names[i] = in.String()
	}
	idx, ok := pick(names, pattern)
	if !ok {
		drv.Close()
		return nil, fmt.Errorf("midi: no input matching %q among %q", pattern, names)
	}

	in := ins[idx]
	if err := in.Open(); err != nil {
		drv.Close()
		return nil, fmt.Errorf("midi: open %q: %w", names[idx], err)
	}

	i := &Input{onNote: onNote, drv: drv, in: in, name: names[idx]}
	stop, err := gomidi.ListenTo(in, i.handle, gomidi.HandleError(func(err error) {
		log.WithError(err).Warnf("Listener error on %s", i.name)
	}))
	if err != nil {
		in.Close()
		drv.Close()
		return nil, fmt.Errorf("midi: listen %q: %w", names[idx], err)
	}
	i.stop = stop
	log.Infof("MIDI input connected: %s", i.name)
	return i, nil
}

// Name is the connected port name.
func (i *Input) Name() string {
	return i.name
}

// Close stops listening and releases the driver.
func (i *Input) Close() error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.drv == nil {
		return nil
	}
	i.stop()
	err := i.in.Close()
	i.drv.Close()
	i.drv = nil
	log.Infof("MIDI input closed: %s", i.name)
	return err
}

func (i *Input) handle(msg gomidi.Message, _ int32) {
	var ch, key, vel uint8
	if msg.GetNoteStart(&ch, &key, &vel) {
		log.Debugf("Note on ch=%d key=%d vel=%d", ch, key, vel)
		i.onNote(key, vel)
	}
}

// pick returns the index of the port to use.
func pick(names []string, pattern string) (int, bool) {
	for i, name := range names {
		if isExcluded(name) {
			continue
		}
		if pattern == AnyDevice || containsCI(name, pattern) {
			return i, true
		}
	}
	return 0, false
}

func isExcluded(name string) bool {
	for _, pat := range excluded {
		if containsCI(name, pat) {
			return true
		}
	}
	return false
}

func containsCI(s, sub string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(sub))
}
