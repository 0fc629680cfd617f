/*
Package beacon provides a client-side telemetry pipeline.

# Overview

A Pipeline accepts event records, persists them to a dispatch store,
and delivers them to a collector in batches. Batching is governed by
two thresholds: records wait until BatchSize are pending, and new
records are dropped once MaxQueueSize are pending. Leaving the
foreground forces everything pending out regardless of batch size.

After each delivered batch the pipeline refreshes the cached visitor
profile, at most once per refresh interval, retrying stale or empty
responses with a linear backoff.

# Basic Usage

	p, err := beacon.New("main",
	    beacon.WithSettings(settings),
	    beacon.WithVisitorID(func() string { return visitorID }),
	)
	if err != nil {
	    log.Fatal(err)
	}
	defer p.Close()

	_, err = p.Track(ctx, "page_view", dispatch.NewFields("path", "/home"))

Track returns once the record is stored. Delivery happens in the
background; Flush sends everything pending and waits for it.

# Lifecycle

Hosts report foreground activity with OnForegroundEnter and
OnForegroundExit. When the last foreground activity ends, the pipeline
flushes. Exits flagged transient (an activity being recreated) are
ignored.

# Notifications

Register listens for delivered batches, profile updates and
revalidation requests:

	l, kind := event.OnBatchSent(func(ctx context.Context, b dispatch.Batch) {
	    log.Printf("delivered %d records", b.Len())
	})
	reg := p.Register(l, kind)
	defer reg.Unregister()

By default notifications are delivered synchronously, before the call
that caused them returns. WithBusBuffer switches to queued delivery.

# Persistence

With Settings.DataDir set, records are kept in a SQLite database there
and survive restarts; if SQLite fails, records are retained in memory
and the caller gets a PersistenceError with Retained set. Without a
data directory, records live in memory only.

A record ID is accepted once while it is pending. Re-submitting it
inside the dedupe window is a silent no-op; later it fails with
ErrDuplicate. Records submitted without an ID are given one.

# Multiple Pipelines

Instances keeps pipelines by name:

	in := beacon.NewInstances()
	p, err := in.Create("acme", beacon.WithSettings(s))
	...
	defer in.DestroyAll()
*/
package beacon
