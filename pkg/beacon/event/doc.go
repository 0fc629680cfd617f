// Package event provides the pipeline's typed publish/subscribe bus.
//
// # Notifications
//
// Notifications form a tagged union: every payload implements
// Notification and reports its Kind. The pipeline publishes three:
//
//   - BatchSent: the collector accepted a batch (carries the records)
//   - ProfileUpdated: a fresh visitor profile was cached
//   - RevalidationRequested: re-run the batching policy
//
// # Listeners
//
// A listener declares the kinds it is interested in when it registers.
// Publish skips every listener whose interest set does not contain the
// notification's kind; that is not an error.
//
//	l, kind := event.OnBatchSent(func(ctx context.Context, b dispatch.Batch) {
//	    log.Printf("sent %d records", b.Len())
//	})
//	reg := bus.Register(l, kind)
//	defer reg.Unregister()
//
// # Delivery
//
// With BufferSize 0 (the default) delivery is synchronous: Publish
// returns after every matching listener has run. With BufferSize > 0
// each listener owns a queue and a goroutine, and Publish returns once
// the notification is queued. Either way a listener sees notifications
// in Publish call order.
//
// Publish iterates over a snapshot of the registrations, so a listener
// may unregister itself (or others) from inside its callback. A
// listener removed during a publish is not called for the remainder of
// that publish.
package event
