// Package policy decides whether a pending record should wait, be sent,
// or be dropped, and tracks the foreground/background lifecycle that
// forces a flush when the host leaves the foreground.
package policy

import (
	"context"
	"fmt"
	"sync/atomic"
)

// Default thresholds.
const (
	DefaultBatchSize    = 10
	DefaultMaxQueueSize = 100
)

// Settings are the live batching thresholds.
type Settings struct {
	// BatchSize is the number of pending records that triggers a send.
	BatchSize int `json:"batch_size" yaml:"batch_size"`

	// MaxQueueSize is the number of pending records at which new
	// records are dropped.
	MaxQueueSize int `json:"max_queue_size" yaml:"max_queue_size"`
}

// DefaultSettings returns the default thresholds.
func DefaultSettings() Settings {
	return Settings{BatchSize: DefaultBatchSize, MaxQueueSize: DefaultMaxQueueSize}
}

// Validate reports non-positive thresholds. A batch size larger than
// the queue bound is allowed; see State.Misconfigured.
func (s Settings) Validate() error {
	if s.BatchSize <= 0 {
		return fmt.Errorf("batch size must be positive, got %d", s.BatchSize)
	}
	if s.MaxQueueSize <= 0 {
		return fmt.Errorf("max queue size must be positive, got %d", s.MaxQueueSize)
	}
	return nil
}

// Decision is the action the policy prescribes for the current state.
type Decision int

const (
	// DecisionQueue means keep accumulating.
	DecisionQueue Decision = iota

	// DecisionSend means a batch should be sent now.
	DecisionSend

	// DecisionDrop means the queue is saturated and new records are rejected.
	DecisionDrop
)

// String returns the decision name.
func (d Decision) String() string {
	switch d {
	case DecisionQueue:
		return "queue"
	case DecisionSend:
		return "send"
	case DecisionDrop:
		return "drop"
	default:
		return "unknown"
	}
}

// State is a snapshot of everything the policy decides on.
type State struct {
	QueueSize       int
	BatchSize       int
	MaxQueueSize    int
	ForegroundCount int
}

// ShouldQueue reports whether records should keep accumulating.
// Always false when misconfigured, so every record is sent promptly.
func (s State) ShouldQueue() bool {
	if s.Misconfigured() {
		return false
	}
	return s.QueueSize < s.BatchSize
}

// ShouldDrop reports whether the queue is saturated.
func (s State) ShouldDrop() bool {
	return s.QueueSize >= s.MaxQueueSize
}

// Misconfigured reports a batch size that can never be reached before
// the queue bound.
func (s State) Misconfigured() bool {
	return s.BatchSize > s.MaxQueueSize
}

// Decision maps the predicates onto a single action.
func (s State) Decision() Decision {
	switch {
	case s.ShouldDrop():
		return DecisionDrop
	case s.ShouldQueue():
		return DecisionQueue
	default:
		return DecisionSend
	}
}

// Counter reports how many records are pending.
type Counter interface {
	Count(ctx context.Context) (int, error)
}

// Policy binds the pending-record counter, live settings and lifecycle
// tracker into State snapshots.
type Policy struct {
	counter    Counter
	settings   atomic.Pointer[Settings]
	tracker    *LifecycleTracker
	revalidate func(reason string)
}

// New creates a policy. revalidate is invoked by Update; it may be nil.
func New(counter Counter, settings Settings, tracker *LifecycleTracker, revalidate func(reason string)) *Policy {
	if tracker == nil {
		tracker = NewLifecycleTracker(nil)
	}
	p := &Policy{
		counter:    counter,
		tracker:    tracker,
		revalidate: revalidate,
	}
	p.settings.Store(&settings)
	return p
}

// Settings returns the current thresholds.
func (p *Policy) Settings() Settings {
	return *p.settings.Load()
}

// Tracker returns the lifecycle tracker.
func (p *Policy) Tracker() *LifecycleTracker {
	return p.tracker
}

// Update replaces the thresholds and requests revalidation with
// reason "settings".
func (p *Policy) Update(s Settings) {
	p.settings.Store(&s)
	if p.revalidate != nil {
		p.revalidate(ReasonSettings)
	}
}

// State snapshots the current policy inputs.
func (p *Policy) State(ctx context.Context) (State, error) {
	n, err := p.counter.Count(ctx)
	if err != nil {
		return State{}, err
	}
	return p.StateFor(n), nil
}

// StateFor builds a snapshot for a known queue size.
func (p *Policy) StateFor(queueSize int) State {
	s := p.settings.Load()
	return State{
		QueueSize:       queueSize,
		BatchSize:       s.BatchSize,
		MaxQueueSize:    s.MaxQueueSize,
		ForegroundCount: p.tracker.Count(),
	}
}
