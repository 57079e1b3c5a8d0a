// Package journal provides a bounded in-memory operation log used for
// post-hoc diagnosis of queue behavior. It is never consulted for control
// flow.
package journal

import (
	"sync"
	"time"
)

// Operation is the kind of queue event recorded.
type Operation string

const (
	OpEnqueue   Operation = "enqueue"
	OpDequeue   Operation = "dequeue"
	OpRequeue   Operation = "requeue"
	OpDrop      Operation = "drop"
	OpDuplicate Operation = "duplicate"
)

// Entry is a single recorded queue event.
type Entry struct {
	Timestamp time.Time `json:"timestamp"`
	Operation Operation `json:"operation"`
	MailID    string    `json:"mailId"`
	Subject   string    `json:"subject"`
	Attempts  int       `json:"attempts,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Ring is a fixed-capacity rolling journal. When full, the oldest entry
// is overwritten.
type Ring struct {
	mu      sync.Mutex
	entries []Entry
	max     int
	start   int
	count   int
}

// RingOption configures the Ring.
type RingOption func(*Ring)

// WithMaxEntries sets the journal capacity.
func WithMaxEntries(max int) RingOption {
	return func(r *Ring) {
		if max > 0 {
			r.max = max
		}
	}
}

// NewRing creates a rolling journal with a default capacity of 100.
func NewRing(opts ...RingOption) *Ring {
	r := &Ring{max: 100}
	for _, opt := range opts {
		opt(r)
	}
	r.entries = make([]Entry, r.max)
	return r
}

// Record appends an entry, stamping it with the current time when unset.
func (r *Ring) Record(e Entry) {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	idx := (r.start + r.count) % r.max
	r.entries[idx] = e
	if r.count < r.max {
		r.count++
	} else {
		r.start = (r.start + 1) % r.max
	}
}

// Entries returns a snapshot, oldest first.
func (r *Ring) Entries() []Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]Entry, r.count)
	for i := 0; i < r.count; i++ {
		out[i] = r.entries[(r.start+i)%r.max]
	}
	return out
}

// Len returns the number of recorded entries, capped at capacity.
func (r *Ring) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.count
}
