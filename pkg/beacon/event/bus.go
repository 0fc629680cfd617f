package event

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
)

// ErrBusClosed is returned by Publish after Close.
var ErrBusClosed = errors.New("event bus closed")

// Bus provides typed pub/sub fan-out to registered listeners.
type Bus interface {
	// Publish delivers n to every listener registered for n.Kind().
	Publish(ctx context.Context, n Notification) error

	// Register adds a listener for the given kinds. No kinds means all.
	Register(l Listener, kinds ...Kind) Registration

	// Unregister removes a registration. Same as reg.Unregister().
	Unregister(reg Registration)

	// Close shuts down the bus and all registrations.
	Close() error
}

// Registration is the handle for a registered listener.
type Registration interface {
	// Unregister removes the listener. Safe to call more than once and
	// from inside the listener's own callback.
	Unregister()

	// Kinds returns the declared interest set (nil = all kinds).
	Kinds() []Kind
}

// BusConfig configures bus behavior.
type BusConfig struct {
	// BufferSize selects the delivery mode.
	// 0: synchronous, delivery completes before Publish returns.
	// >0: each listener gets a queue of this size drained by its own
	// goroutine; Publish returns once the notification is queued.
	// Default: 0
	BufferSize int

	// OnError is called when a listener panics.
	OnError func(n Notification, listenerID uint64, err error)

	// Logger receives listener failures. Default: slog.Default()
	Logger *slog.Logger
}

// LocalBus is an in-memory Bus.
// Delivery to a given listener is FIFO in Publish call order.
type LocalBus struct {
	config BusConfig
	logger *slog.Logger

	mu   sync.RWMutex
	regs []*registration // registration order

	nextID  atomic.Uint64
	closed  atomic.Bool
	closeCh chan struct{}
	workers sync.WaitGroup
}

// Compile-time interface check.
var _ Bus = (*LocalBus)(nil)

// NewBus creates a new local bus.
func NewBus(config BusConfig) *LocalBus {
	if config.BufferSize < 0 {
		config.BufferSize = 0
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &LocalBus{
		config:  config,
		logger:  logger,
		closeCh: make(chan struct{}),
	}
}

type registration struct {
	id       uint64
	listener Listener
	kinds    []Kind
	interest map[Kind]struct{} // nil = all kinds

	removed  atomic.Bool
	queue    chan delivery // async mode only
	done     chan struct{}
	doneOnce sync.Once
	bus      *LocalBus
}

type delivery struct {
	ctx context.Context
	n   Notification
}

// Publish delivers n to every matching listener.
func (b *LocalBus) Publish(ctx context.Context, n Notification) error {
	if b.closed.Load() {
		return ErrBusClosed
	}

	b.mu.RLock()
	snapshot := b.regs
	b.mu.RUnlock()

	for _, reg := range snapshot {
		if reg.removed.Load() || !reg.matches(n.Kind()) {
			continue
		}

		if reg.queue == nil {
			b.invoke(ctx, reg, n)
			continue
		}

		select {
		case reg.queue <- delivery{ctx: context.WithoutCancel(ctx), n: n}:
		case <-reg.done:
		case <-ctx.Done():
			return ctx.Err()
		case <-b.closeCh:
			return ErrBusClosed
		}
	}
	return nil
}

// Register adds a listener for the given kinds.
func (b *LocalBus) Register(l Listener, kinds ...Kind) Registration {
	reg := &registration{
		id:       b.nextID.Add(1),
		listener: l,
		done:     make(chan struct{}),
		bus:      b,
	}
	if len(kinds) > 0 {
		reg.kinds = append([]Kind(nil), kinds...)
		reg.interest = make(map[Kind]struct{}, len(kinds))
		for _, k := range kinds {
			reg.interest[k] = struct{}{}
		}
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed.Load() {
		reg.removed.Store(true)
		reg.close()
		return reg
	}

	if b.config.BufferSize > 0 {
		reg.queue = make(chan delivery, b.config.BufferSize)
		b.workers.Add(1)
		go reg.process()
	}

	// copy-on-write so in-flight publishes keep their snapshot
	regs := make([]*registration, len(b.regs), len(b.regs)+1)
	copy(regs, b.regs)
	b.regs = append(regs, reg)

	return reg
}

// Unregister removes a registration.
func (b *LocalBus) Unregister(reg Registration) {
	if reg != nil {
		reg.Unregister()
	}
}

// Len returns the number of active registrations.
func (b *LocalBus) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.regs)
}

// Close shuts down the bus. Queued async deliveries that have not
// started are discarded.
func (b *LocalBus) Close() error {
	if !b.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(b.closeCh)

	b.mu.Lock()
	regs := b.regs
	b.regs = nil
	b.mu.Unlock()

	for _, reg := range regs {
		reg.removed.Store(true)
		reg.close()
	}
	b.workers.Wait()
	return nil
}

func (b *LocalBus) invoke(ctx context.Context, reg *registration, n Notification) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("listener panic: %v", r)
			b.logger.Warn("event listener failed",
				slog.String("kind", n.Kind().String()),
				slog.Uint64("listener_id", reg.id),
				slog.String("error", err.Error()),
			)
			if b.config.OnError != nil {
				b.config.OnError(n, reg.id, err)
			}
		}
	}()
	reg.listener.OnNotification(ctx, n)
}

func (r *registration) matches(k Kind) bool {
	if r.interest == nil {
		return true
	}
	_, ok := r.interest[k]
	return ok
}

// process drains the async queue for one listener.
func (r *registration) process() {
	defer r.bus.workers.Done()
	for {
		select {
		case d := <-r.queue:
			if r.removed.Load() {
				continue
			}
			r.bus.invoke(d.ctx, r, d.n)
		case <-r.done:
			return
		}
	}
}

// Unregister removes the listener.
func (r *registration) Unregister() {
	if !r.removed.CompareAndSwap(false, true) {
		return
	}

	b := r.bus
	b.mu.Lock()
	regs := make([]*registration, 0, len(b.regs))
	for _, other := range b.regs {
		if other != r {
			regs = append(regs, other)
		}
	}
	b.regs = regs
	b.mu.Unlock()

	r.close()
}

// Kinds returns the declared interest set.
func (r *registration) Kinds() []Kind {
	return append([]Kind(nil), r.kinds...)
}

func (r *registration) close() {
	r.doneOnce.Do(func() { close(r.done) })
}
