package store

import (
	"sync"
	"time"
)

// TruncationMarker is appended to entry text that exceeded the
// configured line length.
const TruncationMarker = "..."

// Entry is a single accepted log line.
type Entry struct {
	Seq       uint64 // Monotonic sequence, assigned at admission
	Timestamp int64  // Unix seconds
	Text      string
	Truncated bool
}

// Stats is a point-in-time snapshot of store counters.
type Stats struct {
	TotalReceived uint64 // Entries ever admitted
	TotalEvicted  uint64 // Entries dropped to make room
	CurrentSize   int    // Entries currently held
}

// Store is a bounded in-memory ring of log entries. When full, the
// oldest entry is evicted to admit the newest. All methods are safe
// for concurrent use.
type Store struct {
	mu sync.Mutex

	entries []Entry
	head    int // Next write slot
	size    int
	maxLine int

	nextSeq       uint64
	totalReceived uint64
	totalEvicted  uint64
}

// New creates a Store holding at most capacity entries. Text longer
// than maxLine bytes is truncated on admission.
func New(capacity, maxLine int) *Store {
	if capacity < 1 {
		capacity = 1
	}
	return &Store{
		entries: make([]Entry, capacity),
		maxLine: maxLine,
	}
}

// Append admits text with the current wall-clock timestamp.
func (s *Store) Append(text string) Entry {
	return s.AppendAt(text, time.Now().Unix())
}

// AppendAt admits text with an explicit Unix timestamp. Used when
// replaying persisted records so entries keep their original time.
func (s *Store) AppendAt(text string, ts int64) Entry {
	text, truncated := clip(text, s.maxLine)

	s.mu.Lock()
	defer s.mu.Unlock()

	s.nextSeq++
	e := Entry{
		Seq:       s.nextSeq,
		Timestamp: ts,
		Text:      text,
		Truncated: truncated,
	}

	s.entries[s.head] = e
	s.head = (s.head + 1) % len(s.entries)
	if s.size == len(s.entries) {
		s.totalEvicted++
	} else {
		s.size++
	}
	s.totalReceived++

	return e
}

// Len returns the number of entries currently held.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.size
}

// Capacity returns the maximum number of entries the store holds.
func (s *Store) Capacity() int {
	return len(s.entries)
}

// Snapshot copies the current contents in oldest-to-newest order.
// Queries evaluate over the copy so appends never block a scan.
func (s *Store) Snapshot() []Entry {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make([]Entry, s.size)
	start := (s.head - s.size + len(s.entries)) % len(s.entries)
	for i := 0; i < s.size; i++ {
		out[i] = s.entries[(start+i)%len(s.entries)]
	}
	return out
}

// Stats returns a consistent snapshot of the counters.
func (s *Store) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		TotalReceived: s.totalReceived,
		TotalEvicted:  s.totalEvicted,
		CurrentSize:   s.size,
	}
}

// clip shortens text to max bytes, reserving room for the marker.
func clip(text string, max int) (string, bool) {
	if max <= 0 || len(text) <= max {
		return text, false
	}
	if max <= len(TruncationMarker) {
		return text[:max], true
	}
	return text[:max-len(TruncationMarker)] + TruncationMarker, true
}
