package beacon

import (
	"errors"
	"fmt"

	berrors "github.com/randalmurphal/beacon/pkg/beacon/errors"
	"github.com/randalmurphal/beacon/pkg/beacon/store"
)

// Sentinel errors for submission.
var (
	// ErrDropped indicates the store was saturated and the record was
	// discarded.
	ErrDropped = errors.New("record dropped: queue full")

	// ErrPipelineClosed indicates the pipeline has been closed.
	ErrPipelineClosed = fmt.Errorf("pipeline: %w", berrors.ErrClosed)

	// ErrDuplicate indicates a record with the same ID is still pending.
	ErrDuplicate = store.ErrDuplicate
)

// Sentinel errors for construction and the instance registry.
var (
	// ErrNoTransport indicates neither a transport nor a collector
	// endpoint was configured.
	ErrNoTransport = errors.New("no transport: set a collector endpoint or WithTransport")

	// ErrNoFetcher indicates profile refresh was requested on a pipeline
	// built without a visitor profile source.
	ErrNoFetcher = errors.New("no visitor profile source configured")

	// ErrInstanceExists indicates Create was called with a name in use.
	ErrInstanceExists = errors.New("pipeline instance already exists")

	// ErrInstanceNotFound indicates no pipeline is registered under a name.
	ErrInstanceNotFound = errors.New("pipeline instance not found")
)
