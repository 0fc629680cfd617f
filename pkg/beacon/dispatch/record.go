// Package dispatch defines the records that flow through the pipeline:
// the event Record, its ordered Fields, Segment metadata merging, and
// the Batch snapshot the sender transmits.
package dispatch

import (
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Record is a single telemetry event.
//
// Records are values. The With* methods return a modified copy and
// never touch the receiver, so a Record handed to the pipeline cannot
// change underneath it.
type Record struct {
	ID        string    `json:"id"`
	Name      string    `json:"name"`
	Sequence  uint64    `json:"sequence"`
	Timestamp time.Time `json:"timestamp"`
	Fields    Fields    `json:"fields"`
}

// New creates a record with a fresh ID and the current time.
// The sequence is assigned by the pipeline on acceptance.
func New(name string, fields Fields) Record {
	return Record{
		ID:        uuid.NewString(),
		Name:      name,
		Timestamp: time.Now().UTC(),
		Fields:    fields.Clone(),
	}
}

// WithDefaults returns a copy with a fresh ID when ID is empty and the
// current time when Timestamp is zero. Records built with New already
// have both.
func (r Record) WithDefaults() Record {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	if r.Timestamp.IsZero() {
		r.Timestamp = time.Now().UTC()
	}
	return r
}

// WithFields returns a copy with fields merged over the record's own.
func (r Record) WithFields(fields Fields) Record {
	r.Fields = r.Fields.Merge(fields)
	return r
}

// WithSegment returns a copy with the segment's fields merged in.
// Segment values overwrite record values on key collision.
func (r Record) WithSegment(seg Segment) Record {
	if seg == nil {
		return r
	}
	return r.WithFields(seg.SegmentFields())
}

// WithSequence returns a copy carrying seq.
func (r Record) WithSequence(seq uint64) Record {
	r.Sequence = seq
	r.Fields = r.Fields.Clone()
	return r
}

// Segment supplies context metadata that is merged into a record before
// it is stored, e.g. the chapter or ad break a media event belongs to.
type Segment interface {
	SegmentFields() Fields
}

// SegmentFunc adapts a function to Segment.
type SegmentFunc func() Fields

// SegmentFields implements Segment.
func (f SegmentFunc) SegmentFields() Fields { return f() }

// Sequencer hands out strictly increasing sequence numbers.
type Sequencer struct {
	last atomic.Uint64
}

// NewSequencer starts after last, typically the highest sequence
// already persisted.
func NewSequencer(last uint64) *Sequencer {
	s := &Sequencer{}
	s.last.Store(last)
	return s
}

// Next returns the next sequence number.
func (s *Sequencer) Next() uint64 {
	return s.last.Add(1)
}

// Batch is an ordered snapshot of records taken at drain time.
type Batch struct {
	ID        string    `json:"batch_id"`
	Records   []Record  `json:"events"`
	CreatedAt time.Time `json:"created_at"`
}

// NewBatch wraps records in a batch with a fresh ID.
func NewBatch(records []Record) Batch {
	return Batch{
		ID:        uuid.NewString(),
		Records:   records,
		CreatedAt: time.Now().UTC(),
	}
}

// Len returns the number of records.
func (b Batch) Len() int {
	return len(b.Records)
}

// IDs returns the record IDs in batch order.
func (b Batch) IDs() []string {
	ids := make([]string, len(b.Records))
	for i, r := range b.Records {
		ids[i] = r.ID
	}
	return ids
}
