// Package debounce provides a cancellable, re-armable timer and a keyed
// registry of them. Both the write-behind flush and the empty-room eviction
// are built on it.
package debounce

import (
	"sync"
	"time"
)

type State int32

const (
	Idle State = iota
	Armed
	Fired
)

func (s State) String() string {
	switch s {
	case Armed:
		return "armed"
	case Fired:
		return "fired"
	default:
		return "idle"
	}
}

// Timer runs fn once delay has passed since the last Arm. Every Arm or Cancel
// bumps a generation counter so a superseded time.AfterFunc callback is a no-op.
type Timer struct {
	mu    sync.Mutex
	delay time.Duration
	fn    func()
	timer *time.Timer
	gen   uint64
	state State
}

func New(delay time.Duration, fn func()) *Timer {
	return &Timer{
		delay: delay,
		fn:    fn,
	}
}

// Arm starts the countdown, restarting it when already armed.
func (t *Timer) Arm() {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.timer != nil {
		t.timer.Stop()
	}

	t.gen++
	gen := t.gen
	t.state = Armed
	t.timer = time.AfterFunc(t.delay, func() { t.fire(gen) })
}

// Cancel disarms the timer. It reports whether a pending run was prevented.
func (t *Timer) Cancel() bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.state != Armed {
		return false
	}

	t.timer.Stop()
	t.timer = nil
	t.gen++
	t.state = Idle

	return true
}

func (t *Timer) State() State {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state
}

func (t *Timer) fire(gen uint64) {
	t.mu.Lock()
	if gen != t.gen || t.state != Armed {
		t.mu.Unlock()
		return
	}
	t.state = Fired
	t.timer = nil
	t.mu.Unlock()

	t.fn()
}
