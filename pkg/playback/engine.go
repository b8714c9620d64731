// Package playback drives temporal replay of history store contents. Each
// consuming session owns one Engine: a cursor plus a run-state machine that
// paces records through the session's processing and transport pipeline at
// a controllable speed.
package playback

import (
	"log"
	"sync"
	"time"

	"github.com/r3d91ll/shuttle/pkg/errors"
	"github.com/r3d91ll/shuttle/pkg/history"
	"github.com/r3d91ll/shuttle/pkg/record"
)

// State names the engine's run-state.
type State string

const (
	// StateIdle means no cursor is active yet.
	StateIdle State = "idle"

	// StatePlaying means the engine is advancing on its speed-derived
	// interval.
	StatePlaying State = "playing"

	// StatePaused means the cursor is parked on a step.
	StatePaused State = "paused"

	// StateSeeking is the transient state while a seek target is being
	// validated and emitted.
	StateSeeking State = "seeking"
)

// DefaultBaseInterval is the wait between steps at speed 1.0.
const DefaultBaseInterval = 500 * time.Millisecond

// EmitFunc pushes one record through the session's pipeline. The session
// layer binds its processor, serializer, and transport channel here; a
// returned error degrades exactly one frame and never stops the store or
// the producer.
type EmitFunc func(rec *record.Record) error

// Status is a snapshot of the engine for control-surface events.
type Status struct {
	State  State   `json:"state"`
	Cursor int64   `json:"cursor"`
	Speed  float64 `json:"speed"`
}

// Engine is the per-session playback state machine. All control operations
// are safe for concurrent use; the play loop runs on its own goroutine and
// any pause or seek cancels its in-flight wait immediately. A frame not
// yet queued at cancellation time is never sent.
type Engine struct {
	store *history.Store
	emit  EmitFunc
	base  time.Duration

	mu        sync.Mutex
	state     State
	cursor    int64
	hasCursor bool
	speed     float64
	cancel    chan struct{} // closed to stop the active play loop
	closed    bool
}

// New creates an idle engine over the store. baseInterval <= 0 selects the
// default.
func New(store *history.Store, emit EmitFunc, baseInterval time.Duration) *Engine {
	if baseInterval <= 0 {
		baseInterval = DefaultBaseInterval
	}
	return &Engine{
		store: store,
		emit:  emit,
		base:  baseInterval,
		state: StateIdle,
		speed: 1.0,
	}
}

// Status returns the current run-state snapshot.
func (e *Engine) Status() Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	return Status{State: e.state, Cursor: e.cursor, Speed: e.speed}
}

// Play starts or resumes replay at the given speed. From idle the cursor
// starts just before the oldest resident step so the first tick emits it;
// from paused it resumes where it stopped. Returns INVALID_SPEED for
// speed <= 0 and SEEK_OUT_OF_RANGE when the store holds nothing to replay.
func (e *Engine) Play(speed float64) error {
	if speed <= 0 {
		return errors.PlaybackErrorf(errors.ErrInvalidSpeed, "speed %g is not positive", speed)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return errors.PlaybackError(errors.ErrEngineClosed, "engine is closed")
	}

	oldest, _, ok := e.store.Range()
	if !ok {
		return errors.PlaybackError(errors.ErrSeekOutOfRange, "history store is empty")
	}
	if !e.hasCursor || e.cursor < oldest-1 {
		e.cursor = oldest - 1
		e.hasCursor = true
	}

	e.speed = speed
	if e.state == StatePlaying {
		// Speed change only; the running loop reads speed per tick.
		return nil
	}

	e.state = StatePlaying
	cancel := make(chan struct{})
	e.cancel = cancel
	go e.run(cancel)
	return nil
}

// Pause stops replay, leaving the cursor on the last emitted step. Pausing
// an engine that is not playing is a no-op.
func (e *Engine) Pause() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.state != StatePlaying {
		return
	}
	e.state = StatePaused
	close(e.cancel)
	e.cancel = nil
}

// Seek moves the cursor to step if it is resident, emits that step's frame,
// and leaves the engine paused there. A target outside the resident range
// is rejected with SEEK_OUT_OF_RANGE and the engine keeps its prior state.
func (e *Engine) Seek(step int64) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return errors.PlaybackError(errors.ErrEngineClosed, "engine is closed")
	}

	oldest, newest, ok := e.store.Range()
	if !ok || step < oldest || step > newest {
		e.mu.Unlock()
		return errors.PlaybackErrorf(errors.ErrSeekOutOfRange,
			"step %d outside resident range [%d, %d]", step, oldest, newest)
	}

	rec, err := e.store.Get(step)
	if err != nil {
		// Evicted between the range check and the read.
		e.mu.Unlock()
		return errors.Wrap(err, errors.ErrSeekOutOfRange, errors.CategoryPlayback, "seek target expired")
	}

	if e.state == StatePlaying {
		close(e.cancel)
		e.cancel = nil
	}
	e.state = StateSeeking
	e.cursor = step
	e.hasCursor = true
	e.mu.Unlock()

	emitErr := e.emit(rec)

	e.mu.Lock()
	if e.state == StateSeeking {
		e.state = StatePaused
	}
	e.mu.Unlock()
	return emitErr
}

// Step moves the cursor by delta steps, pausing first if playing. With no
// cursor yet, the newest resident step is the reference point. Behaves
// like Seek: an out-of-range target is rejected and the cursor stays put.
func (e *Engine) Step(delta int64) error {
	e.mu.Lock()
	current := e.cursor
	if !e.hasCursor {
		_, newest, ok := e.store.Range()
		if !ok {
			e.mu.Unlock()
			return errors.PlaybackError(errors.ErrSeekOutOfRange, "history store is empty")
		}
		current = newest
	}
	e.mu.Unlock()

	return e.Seek(current + delta)
}

// Close stops any active replay and rejects further control operations.
func (e *Engine) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return
	}
	e.closed = true
	if e.state == StatePlaying {
		close(e.cancel)
		e.cancel = nil
	}
	e.state = StateIdle
}

// run is the play loop. It waits base/speed between steps, emits the next
// resident record, and halts at the newest resident step; it never waits
// for records that have not been produced yet. The cancel channel belongs
// to one Play activation, so a stale loop can never advance a cursor that
// a later pause or seek has taken over.
func (e *Engine) run(cancel chan struct{}) {
	for {
		e.mu.Lock()
		if e.state != StatePlaying || e.cancel != cancel {
			e.mu.Unlock()
			return
		}
		interval := time.Duration(float64(e.base) / e.speed)
		e.mu.Unlock()

		timer := time.NewTimer(interval)
		select {
		case <-cancel:
			timer.Stop()
			return
		case <-timer.C:
		}

		e.mu.Lock()
		if e.state != StatePlaying || e.cancel != cancel {
			e.mu.Unlock()
			return
		}

		next := e.cursor + 1
		oldest, newest, ok := e.store.Range()
		if !ok || next > newest {
			// Reached the newest resident step: halt, do not wait for
			// future records.
			e.state = StatePaused
			e.cancel = nil
			e.mu.Unlock()
			return
		}
		if next < oldest {
			// Eviction overtook the cursor while we slept.
			log.Printf("[playback] cursor %d evicted, jumping to %d", next, oldest)
			next = oldest
		}

		rec, err := e.store.Get(next)
		if err != nil {
			e.state = StatePaused
			e.cancel = nil
			e.mu.Unlock()
			log.Printf("[playback] halting: %v", err)
			return
		}
		e.cursor = next
		e.mu.Unlock()

		// Cancellation wins over an unqueued frame.
		select {
		case <-cancel:
			return
		default:
		}
		if err := e.emit(rec); err != nil {
			log.Printf("[playback] frame for step %d failed: %v", next, err)
		}
	}
}
