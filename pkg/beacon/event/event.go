package event

import (
	"context"

	"github.com/randalmurphal/beacon/pkg/beacon/dispatch"
	"github.com/randalmurphal/beacon/pkg/beacon/policy"
	"github.com/randalmurphal/beacon/pkg/beacon/profile"
)

// Kind tags a notification. Listeners declare the kinds they want and
// the bus matches on the tag, so no reflection is involved.
type Kind int

const (
	// KindBatchSent is published after a batch was accepted by the collector.
	KindBatchSent Kind = iota + 1

	// KindProfileUpdated is published after a fresh visitor profile was cached.
	KindProfileUpdated

	// KindRevalidationRequested asks interested parties to re-run the
	// batching policy against current state.
	KindRevalidationRequested
)

// String returns the kind name.
func (k Kind) String() string {
	switch k {
	case KindBatchSent:
		return "batch_sent"
	case KindProfileUpdated:
		return "profile_updated"
	case KindRevalidationRequested:
		return "revalidation_requested"
	default:
		return "unknown"
	}
}

// Notification is a typed message delivered through the bus.
type Notification interface {
	Kind() Kind
}

// BatchSent carries the exact records the collector accepted.
type BatchSent struct {
	Batch dispatch.Batch
}

// Kind implements Notification.
func (BatchSent) Kind() Kind { return KindBatchSent }

// ProfileUpdated carries the newly cached visitor profile.
type ProfileUpdated struct {
	Profile *profile.Profile
}

// Kind implements Notification.
func (ProfileUpdated) Kind() Kind { return KindProfileUpdated }

// Revalidation reasons, as passed by the policy's revalidate hook.
const (
	ReasonBackground = policy.ReasonBackground
	ReasonSettings   = policy.ReasonSettings
)

// RevalidationRequested asks for the batching policy to be re-evaluated.
type RevalidationRequested struct {
	Reason string
}

// Kind implements Notification.
func (RevalidationRequested) Kind() Kind { return KindRevalidationRequested }

// Listener receives notifications.
type Listener interface {
	OnNotification(ctx context.Context, n Notification)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, n Notification)

// OnNotification implements Listener.
func (f ListenerFunc) OnNotification(ctx context.Context, n Notification) {
	f(ctx, n)
}

// OnBatchSent returns a listener for BatchSent and the kind to register it under.
func OnBatchSent(fn func(ctx context.Context, batch dispatch.Batch)) (Listener, Kind) {
	return ListenerFunc(func(ctx context.Context, n Notification) {
		if sent, ok := n.(BatchSent); ok {
			fn(ctx, sent.Batch)
		}
	}), KindBatchSent
}

// OnProfileUpdated returns a listener for ProfileUpdated and its kind.
func OnProfileUpdated(fn func(ctx context.Context, p *profile.Profile)) (Listener, Kind) {
	return ListenerFunc(func(ctx context.Context, n Notification) {
		if updated, ok := n.(ProfileUpdated); ok {
			fn(ctx, updated.Profile)
		}
	}), KindProfileUpdated
}

// OnRevalidation returns a listener for RevalidationRequested and its kind.
func OnRevalidation(fn func(ctx context.Context, reason string)) (Listener, Kind) {
	return ListenerFunc(func(ctx context.Context, n Notification) {
		if req, ok := n.(RevalidationRequested); ok {
			fn(ctx, req.Reason)
		}
	}), KindRevalidationRequested
}
