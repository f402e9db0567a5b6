package stream

import (
	"sync"

	"github.com/satindergrewal/cadence/internal/audio"
	"github.com/satindergrewal/cadence/internal/pitch"
	"github.com/satindergrewal/cadence/internal/score"
	"github.com/satindergrewal/cadence/internal/transport"
)

// Event types.
const (
	EventTick  = "tick"
	EventBeat  = "beat"
	EventPitch = "pitch"
	EventScore = "score"
	EventState = "state"
)

// State is the session snapshot sent on every lifecycle change.
type State struct {
	Audio     audio.State      `json:"audio"`
	Playing   bool             `json:"playing"`
	Listening bool             `json:"listening"`
	Config    transport.Config `json:"config"`
}

// Event is one message on the push channel. Exactly one payload is set,
// matching Type.
type Event struct {
	Type  string                `json:"type"`
	Time  float64               `json:"time"` // audio clock, seconds
	Tick  *transport.TickSample `json:"tick,omitempty"`
	Beat  *float64              `json:"beat,omitempty"`
	Pitch *pitch.Result         `json:"pitch,omitempty"`
	Score *score.Feedback       `json:"score,omitempty"`
	State *State                `json:"state,omitempty"`
}

// Broadcaster fans out events from the session to N clients.
type Broadcaster struct {
	mu        sync.RWMutex
	listeners map[*Listener]struct{}
}

// Listener receives events from the broadcaster.
type Listener struct {
	C    chan Event // buffered; about four seconds of ticks
	done chan struct{}
}

// Done is closed when the listener is unsubscribed.
func (l *Listener) Done() <-chan struct{} {
	return l.done
}

// NewBroadcaster creates a new broadcaster.
func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		listeners: make(map[*Listener]struct{}),
	}
}

// Subscribe registers a new listener.
func (b *Broadcaster) Subscribe() *Listener {
	l := &Listener{
		C:    make(chan Event, 256),
		done: make(chan struct{}),
	}
	b.mu.Lock()
	b.listeners[l] = struct{}{}
	b.mu.Unlock()
	return l
}

// Unsubscribe removes a listener and signals it to stop. Safe to call more
// than once.
func (b *Broadcaster) Unsubscribe(l *Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.listeners[l]; !ok {
		return
	}
	delete(b.listeners, l)
	close(l.done)
}

// ListenerCount returns the number of active listeners.
func (b *Broadcaster) ListenerCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners)
}

// Publish delivers ev to every listener without blocking. Slow listeners
// miss events rather than stall the frame loops feeding this.
func (b *Broadcaster) Publish(ev Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for l := range b.listeners {
		select {
		case l.C <- ev:
		default:
		}
	}
}
