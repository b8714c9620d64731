// Package history implements the bounded record store feeding the live and
// replay paths.
//
// The store is a fixed-budget circular collection with FIFO eviction: the
// producer appends exactly one record per step and never blocks, readers
// resolve steps against the currently resident window. Records are held
// uncompressed; a hard memory ceiling takes priority over density.
package history

import (
	"log"
	"sync"

	"github.com/r3d91ll/shuttle/pkg/errors"
	"github.com/r3d91ll/shuttle/pkg/metrics"
	"github.com/r3d91ll/shuttle/pkg/record"
)

// DefaultCapacity is the record-count budget used when none is configured.
const DefaultCapacity = 512

// Observer is notified after each successful append. Observers run on the
// producer's append path and must not block; anything slow belongs behind
// a buffered queue on the observer's side.
type Observer func(*record.Record)

// Store is a bounded, append-only history of records keyed by step index.
// Append is the only mutator; Get and Range are safe for any number of
// concurrent readers.
type Store struct {
	mu sync.RWMutex

	// records is a sliding window over resident records. start is the
	// index of the oldest resident record; the prefix [0, start) is
	// compacted away once it grows past the live half.
	records []*record.Record
	start   int

	capacity int
	maxBytes int
	bytes    int

	// firstStep is the lowest step ever appended, used to distinguish
	// "evicted" from "never produced" for pre-window lookups.
	firstStep int64
	appended  bool

	observers []Observer
}

// New creates a store bounded by record count. capacity <= 0 selects
// DefaultCapacity.
func New(capacity int) *Store {
	return NewWithByteBudget(capacity, 0)
}

// NewWithByteBudget creates a store bounded by record count and, when
// maxBytes > 0, additionally by total resident payload bytes. Whichever
// budget is exceeded first drives eviction.
func NewWithByteBudget(capacity, maxBytes int) *Store {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Store{
		capacity: capacity,
		maxBytes: maxBytes,
	}
}

// Append adds a record to the store, evicting the oldest records as needed
// to stay within budget. It returns an error only if the step index does
// not advance; it never blocks and never fails under memory pressure.
func (s *Store) Append(rec *record.Record) error {
	s.mu.Lock()

	if s.appended {
		newest := s.records[len(s.records)-1].Step()
		if rec.Step() <= newest {
			s.mu.Unlock()
			return errors.HistoryErrorf(errors.ErrStepNotMonotonic,
				"step %d does not advance past %d", rec.Step(), newest)
		}
	} else {
		s.firstStep = rec.Step()
		s.appended = true
	}

	s.records = append(s.records, rec)
	s.bytes += rec.SizeBytes()
	s.evictLocked()

	// Compact the dead prefix once it dominates the slice so the window
	// keeps O(1) amortized appends without unbounded growth.
	if s.start > len(s.records)/2 && s.start > 32 {
		s.records = append([]*record.Record(nil), s.records[s.start:]...)
		s.start = 0
	}

	observers := s.observers
	resident := len(s.records) - s.start
	bytes := s.bytes
	s.mu.Unlock()

	metrics.RecordsAppended.Inc()
	metrics.HistorySize.Set(float64(resident))
	metrics.HistoryBytes.Set(float64(bytes))

	for _, fn := range observers {
		fn(rec)
	}
	return nil
}

// evictLocked drops oldest records until both budgets are satisfied.
func (s *Store) evictLocked() {
	for len(s.records)-s.start > s.capacity ||
		(s.maxBytes > 0 && s.bytes > s.maxBytes && len(s.records)-s.start > 1) {
		victim := s.records[s.start]
		s.records[s.start] = nil
		s.start++
		s.bytes -= victim.SizeBytes()
		metrics.RecordsEvicted.Inc()
	}
}

// Get returns the record for the given step. It fails with STEP_EXPIRED if
// the step was produced but evicted, and STEP_NOT_FOUND if it was never
// produced.
func (s *Store) Get(step int64) (*record.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.appended || len(s.records) == s.start {
		return nil, errors.HistoryErrorf(errors.ErrStepNotFound, "step %d not produced", step)
	}

	oldest := s.records[s.start].Step()
	newest := s.records[len(s.records)-1].Step()

	switch {
	case step > newest:
		return nil, errors.HistoryErrorf(errors.ErrStepNotFound, "step %d not yet produced", step)
	case step < oldest && step >= s.firstStep:
		return nil, errors.HistoryErrorf(errors.ErrStepExpired, "step %d evicted (resident range [%d, %d])", step, oldest, newest)
	case step < s.firstStep:
		return nil, errors.HistoryErrorf(errors.ErrStepNotFound, "step %d not produced", step)
	}

	// Steps are dense in normal operation, so try direct indexing first
	// and fall back to a scan for sparse producers.
	if idx := s.start + int(step-oldest); idx < len(s.records) {
		if rec := s.records[idx]; rec != nil && rec.Step() == step {
			return rec, nil
		}
	}
	for i := s.start; i < len(s.records); i++ {
		if s.records[i].Step() == step {
			return s.records[i], nil
		}
	}
	return nil, errors.HistoryErrorf(errors.ErrStepNotFound, "step %d not produced", step)
}

// Range returns the resident [oldest, newest] step interval. ok is false
// when the store is empty.
func (s *Store) Range() (oldest, newest int64, ok bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if len(s.records) == s.start {
		return 0, 0, false
	}
	return s.records[s.start].Step(), s.records[len(s.records)-1].Step(), true
}

// Len returns the number of resident records.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records) - s.start
}

// Bytes returns the resident payload bytes.
func (s *Store) Bytes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bytes
}

// Subscribe registers an append observer. Must be called before the
// producer starts; observers registered later may miss records.
func (s *Store) Subscribe(fn Observer) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.observers = append(s.observers, fn)
	log.Printf("[history] observer registered (total: %d)", len(s.observers))
}
