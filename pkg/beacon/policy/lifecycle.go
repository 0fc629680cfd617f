package policy

import "sync"

// Revalidation reasons passed to the revalidate callback.
const (
	ReasonBackground = "background"
	ReasonSettings   = "settings"
)

// LifecycleTracker counts foreground activities. When the count falls
// to zero or below it requests revalidation once, and stays quiet until
// a new Enter re-arms it.
type LifecycleTracker struct {
	mu    sync.Mutex
	count int
	armed bool
	fire  func(reason string)
}

// NewLifecycleTracker returns an armed tracker at zero. fire may be nil.
func NewLifecycleTracker(fire func(reason string)) *LifecycleTracker {
	return &LifecycleTracker{armed: true, fire: fire}
}

// Enter records a foreground activity starting.
func (t *LifecycleTracker) Enter() {
	t.mu.Lock()
	t.count++
	t.armed = true
	t.mu.Unlock()
}

// Exit records a foreground activity ending. A transient exit (e.g. a
// configuration change that recreates the activity) is ignored.
// Reports whether revalidation was requested.
func (t *LifecycleTracker) Exit(transient bool) bool {
	if transient {
		return false
	}

	t.mu.Lock()
	t.count--
	fired := t.count <= 0 && t.armed
	if fired {
		t.armed = false
	}
	fire := t.fire
	t.mu.Unlock()

	if fired && fire != nil {
		fire(ReasonBackground)
	}
	return fired
}

// Count returns the current foreground count. It may be negative after
// unbalanced exits.
func (t *LifecycleTracker) Count() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.count
}

// SetCallback replaces the revalidate callback.
func (t *LifecycleTracker) SetCallback(fire func(reason string)) {
	t.mu.Lock()
	t.fire = fire
	t.mu.Unlock()
}
