package debounce

import (
	"sync"
	"time"
)

// Registry holds at most one Timer per key. A fired timer removes itself
// before fn runs.
type Registry struct {
	mu     sync.Mutex
	delay  time.Duration
	fn     func(key string)
	timers map[string]*Timer
}

func NewRegistry(delay time.Duration, fn func(key string)) *Registry {
	return &Registry{
		delay:  delay,
		fn:     fn,
		timers: make(map[string]*Timer),
	}
}

// Arm (re)starts the timer for key.
func (r *Registry) Arm(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.timers[key]
	if !ok {
		t = New(r.delay, nil)
		t.fn = func() { r.fired(key, t) }
		r.timers[key] = t
	}

	t.Arm()
}

// Cancel disarms and forgets the timer for key. It reports whether a pending
// run was prevented.
func (r *Registry) Cancel(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.timers[key]
	if !ok {
		return false
	}

	delete(r.timers, key)
	return t.Cancel()
}

// Pending reports whether key has an armed timer.
func (r *Registry) Pending(key string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	t, ok := r.timers[key]
	return ok && t.State() == Armed
}

func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.timers)
}

// Stop cancels every timer without running them.
func (r *Registry) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for key, t := range r.timers {
		t.Cancel()
		delete(r.timers, key)
	}
}

func (r *Registry) fired(key string, t *Timer) {
	r.mu.Lock()
	if cur, ok := r.timers[key]; ok && cur == t && t.State() == Fired {
		delete(r.timers, key)
	}
	r.mu.Unlock()

	r.fn(key)
}
