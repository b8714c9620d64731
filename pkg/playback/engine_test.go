package playback

import (
	"sync"
	"testing"
	"time"

	"github.com/r3d91ll/shuttle/pkg/errors"
	"github.com/r3d91ll/shuttle/pkg/history"
	"github.com/r3d91ll/shuttle/pkg/record"
)

type sink struct {
	mu    sync.Mutex
	steps []int64
}

func (s *sink) emit(rec *record.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.steps = append(s.steps, rec.Step())
	return nil
}

func (s *sink) emitted() []int64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]int64, len(s.steps))
	copy(out, s.steps)
	return out
}

func fillStore(t *testing.T, capacity int, steps int64) *history.Store {
	t.Helper()
	store := history.New(capacity)
	for step := int64(0); step < steps; step++ {
		b := record.NewBuilder()
		if err := b.AddComponent("resid_post", []float32{float32(step), 1, 2, 3}, []int{4}); err != nil {
			t.Fatalf("AddComponent failed: %v", err)
		}
		rec, err := b.Build(step)
		if err != nil {
			t.Fatalf("Build failed: %v", err)
		}
		if err := store.Append(rec); err != nil {
			t.Fatalf("Append failed: %v", err)
		}
	}
	return store
}

func waitForState(t *testing.T, e *Engine, want State) Status {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if st := e.Status(); st.State == want {
			return st
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("engine never reached state %q (now %q)", want, e.Status().State)
	return Status{}
}

func TestSeekThenStep(t *testing.T) {
	store := fillStore(t, 16, 10) // resident [0, 9]
	s := &sink{}
	e := New(store, s.emit, time.Millisecond)

	if err := e.Seek(5); err != nil {
		t.Fatalf("Seek(5) failed: %v", err)
	}
	if st := e.Status(); st.State != StatePaused || st.Cursor != 5 {
		t.Fatalf("after Seek(5): %+v", st)
	}

	if err := e.Step(1); err != nil {
		t.Fatalf("Step(+1) failed: %v", err)
	}
	if st := e.Status(); st.Cursor != 6 {
		t.Errorf("after Step(+1): cursor %d, want 6", st.Cursor)
	}

	got := s.emitted()
	if len(got) != 2 || got[0] != 5 || got[1] != 6 {
		t.Errorf("emitted %v, want [5 6]", got)
	}
}

func TestStepPastNewestIsRejected(t *testing.T) {
	store := fillStore(t, 16, 10)
	s := &sink{}
	e := New(store, s.emit, time.Millisecond)

	if err := e.Seek(9); err != nil {
		t.Fatalf("Seek(9) failed: %v", err)
	}
	err := e.Step(1)
	if !errors.IsCode(err, errors.ErrSeekOutOfRange) {
		t.Fatalf("expected SEEK_OUT_OF_RANGE, got %v", err)
	}
	// The cursor did not move and nothing extra was sent.
	if st := e.Status(); st.Cursor != 9 {
		t.Errorf("cursor moved to %d on rejected step", st.Cursor)
	}
	if got := s.emitted(); len(got) != 1 {
		t.Errorf("emitted %v, want just the seek frame", got)
	}
}

func TestSeekOutOfRange(t *testing.T) {
	store := fillStore(t, 4, 10) // resident [6, 9]
	e := New(store, (&sink{}).emit, time.Millisecond)

	for _, step := range []int64{2, 10, -1} {
		if err := e.Seek(step); !errors.IsCode(err, errors.ErrSeekOutOfRange) {
			t.Errorf("Seek(%d): expected SEEK_OUT_OF_RANGE, got %v", step, err)
		}
	}
	if st := e.Status(); st.State != StateIdle {
		t.Errorf("rejected seeks changed state to %q", st.State)
	}
}

func TestStepFromIdleUsesNewest(t *testing.T) {
	store := fillStore(t, 16, 10)
	s := &sink{}
	e := New(store, s.emit, time.Millisecond)

	if err := e.Step(-1); err != nil {
		t.Fatalf("Step(-1) from idle failed: %v", err)
	}
	if st := e.Status(); st.Cursor != 8 {
		t.Errorf("cursor %d, want 8 (one before newest)", st.Cursor)
	}
}

func TestPlayReplaysAndHaltsAtNewest(t *testing.T) {
	store := fillStore(t, 16, 5) // resident [0, 4]
	s := &sink{}
	e := New(store, s.emit, time.Millisecond)

	if err := e.Play(1.0); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	st := waitForState(t, e, StatePaused)
	if st.Cursor != 4 {
		t.Errorf("halted at cursor %d, want 4", st.Cursor)
	}

	got := s.emitted()
	want := []int64{0, 1, 2, 3, 4}
	if len(got) != len(want) {
		t.Fatalf("emitted %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("emitted %v, want %v", got, want)
		}
	}
}

func TestPlayValidatesSpeed(t *testing.T) {
	store := fillStore(t, 16, 5)
	e := New(store, (&sink{}).emit, time.Millisecond)

	for _, speed := range []float64{0, -2} {
		if err := e.Play(speed); !errors.IsCode(err, errors.ErrInvalidSpeed) {
			t.Errorf("Play(%g): expected INVALID_SPEED, got %v", speed, err)
		}
	}
}

func TestPlayEmptyStore(t *testing.T) {
	e := New(history.New(8), (&sink{}).emit, time.Millisecond)
	if err := e.Play(1.0); !errors.IsCode(err, errors.ErrSeekOutOfRange) {
		t.Errorf("expected SEEK_OUT_OF_RANGE on empty store, got %v", err)
	}
}

func TestPauseCancelsWait(t *testing.T) {
	store := fillStore(t, 16, 10)
	s := &sink{}
	// Interval long enough that no tick fires before the pause.
	e := New(store, s.emit, time.Minute)

	if err := e.Play(1.0); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)
	e.Pause()

	if st := e.Status(); st.State != StatePaused {
		t.Fatalf("state %q after Pause, want paused", st.State)
	}
	time.Sleep(20 * time.Millisecond)
	if got := s.emitted(); len(got) != 0 {
		t.Errorf("frames %v sent despite cancellation before the first tick", got)
	}
}

func TestSeekInterruptsPlay(t *testing.T) {
	store := fillStore(t, 16, 10)
	s := &sink{}
	e := New(store, s.emit, time.Minute)

	if err := e.Play(2.0); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	if err := e.Seek(3); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}

	st := e.Status()
	if st.State != StatePaused || st.Cursor != 3 {
		t.Errorf("after seek-during-play: %+v", st)
	}
	got := s.emitted()
	if len(got) != 1 || got[0] != 3 {
		t.Errorf("emitted %v, want [3]", got)
	}
}

func TestResumeFromPause(t *testing.T) {
	store := fillStore(t, 16, 6) // resident [0, 5]
	s := &sink{}
	e := New(store, s.emit, time.Millisecond)

	if err := e.Seek(3); err != nil {
		t.Fatalf("Seek failed: %v", err)
	}
	if err := e.Play(4.0); err != nil {
		t.Fatalf("Play failed: %v", err)
	}
	st := waitForState(t, e, StatePaused)
	if st.Cursor != 5 {
		t.Errorf("halted at %d, want 5", st.Cursor)
	}

	got := s.emitted()
	want := []int64{3, 4, 5} // the seek frame, then the resumed ticks
	if len(got) != len(want) {
		t.Fatalf("emitted %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("emitted %v, want %v", got, want)
		}
	}
}

func TestCloseRejectsControl(t *testing.T) {
	store := fillStore(t, 16, 5)
	e := New(store, (&sink{}).emit, time.Millisecond)
	e.Close()

	if err := e.Play(1.0); !errors.IsCode(err, errors.ErrEngineClosed) {
		t.Errorf("Play after Close: expected ENGINE_CLOSED, got %v", err)
	}
	if err := e.Seek(2); !errors.IsCode(err, errors.ErrEngineClosed) {
		t.Errorf("Seek after Close: expected ENGINE_CLOSED, got %v", err)
	}
}
