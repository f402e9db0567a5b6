package audio

import (
	"context"
	"fmt"
	"sync"

	"github.com/sirupsen/logrus"
)

var log = logrus.WithField("component", "audio")

// Context is the one shared audio output context for a session. Construct it
// once at startup and pass it to everything that needs the audio clock.
//
// A Context starts suspended. Platforms only let audio output start in
// response to a user action, so Initialize and Resume must be called while
// handling one (a tap, a click, the request a tap sends). Called at any other
// time the platform may refuse with ErrNotAllowed; show a "tap to enable
// audio" affordance and retry on the next gesture.
type Context struct {
	mu          sync.Mutex
	dev         Device
	state       State
	initialized bool
}

// NewContext wraps dev in a suspended context.
func NewContext(dev Device) *Context {
	return &Context{dev: dev, state: Suspended}
}

// Initialize unlocks audio output. It returns immediately when the context
// is already running and never starts the device twice.
func (c *Context) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	switch c.state {
	case Running:
		return nil
	case Closed:
		return ErrClosed
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.dev.Start(); err != nil {
		return fmt.Errorf("audio: start device: %w", err)
	}
	c.state = Running
	c.initialized = true
	log.Infof("Audio context running at %d Hz", c.dev.SampleRate())
	return nil
}

// Resume restarts a suspended context. It is a no-op in any other state.
func (c *Context) Resume(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Suspended {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := c.dev.Start(); err != nil {
		return fmt.Errorf("audio: resume device: %w", err)
	}
	c.state = Running
	c.initialized = true
	log.Info("Audio context resumed")
	return nil
}

// Suspend pauses output, for example when the app is backgrounded. The
// audio clock stops advancing until Resume.
func (c *Context) Suspend() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state != Running {
		return nil
	}
	if err := c.dev.Suspend(); err != nil {
		return fmt.Errorf("audio: suspend device: %w", err)
	}
	c.state = Suspended
	log.Info("Audio context suspended")
	return nil
}

// Close releases the device. A closed context cannot be restarted.
func (c *Context) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state == Closed {
		return nil
	}
	c.state = Closed
	if err := c.dev.Close(); err != nil {
		return fmt.Errorf("audio: close device: %w", err)
	}
	return nil
}

// State returns the current lifecycle state.
func (c *Context) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Initialized reports whether output has ever been unlocked.
func (c *Context) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

// Now returns the audio clock in seconds.
func (c *Context) Now() float64 {
	return c.dev.Time()
}

// SampleRate returns the output device rate.
func (c *Context) SampleRate() int {
	return c.dev.SampleRate()
}
