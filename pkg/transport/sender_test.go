package transport

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"
	"time"

	"github.com/r3d91ll/shuttle/pkg/errors"
	"github.com/r3d91ll/shuttle/pkg/frame"
	"github.com/r3d91ll/shuttle/pkg/wire"
)

func smallFrame(elems int) *frame.Frame {
	data := make([]float32, elems)
	for i := range data {
		data[i] = float32(i)
	}
	return &frame.Frame{
		Step:       1,
		Level:      frame.LevelMicro,
		Norm:       frame.Normalization{Transform: frame.TransformPercentile, PLow: 2, PHigh: 98},
		Arrays:     []frame.Array{{Name: "attn_out", Data: data, Shape: []int{elems}}},
		Components: []string{"attn_out"},
	}
}

// chunkConn records written chunks and lets tests drive acknowledgment.
type chunkConn struct {
	mu      sync.Mutex
	written [][]byte
	onWrite func(h wire.ChunkHeader)
	failAt  int // fail the n-th write (1-based), 0 disables
}

func (c *chunkConn) WriteChunk(data []byte) error {
	c.mu.Lock()
	c.written = append(c.written, append([]byte(nil), data...))
	n := len(c.written)
	onWrite := c.onWrite
	c.mu.Unlock()

	if c.failAt > 0 && n >= c.failAt {
		return fmt.Errorf("connection reset")
	}
	if onWrite != nil {
		h, _, err := wire.ParseChunk(data)
		if err != nil {
			return err
		}
		onWrite(h)
	}
	return nil
}

func (c *chunkConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}

func TestSend_AllChunksAcked(t *testing.T) {
	conn := &chunkConn{}
	s := NewSender(conn, Config{Window: 1, AckTimeout: time.Second, MaxRetries: 3, ChunkSize: 64})
	conn.onWrite = func(h wire.ChunkHeader) { s.HandleAck(h.BatchID) }

	if err := s.Send(context.Background(), smallFrame(100)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	// Every chunk was written exactly once and the sender returned to idle.
	h, _, _ := wire.ParseChunk(conn.written[0])
	if conn.count() != int(h.ChunkCount) {
		t.Errorf("wrote %d chunks, want %d", conn.count(), h.ChunkCount)
	}
	if s.State() != StateIdle {
		t.Errorf("sender state %s, want idle", s.State())
	}
}

func TestSend_TimeoutResendsSameChunk(t *testing.T) {
	conn := &chunkConn{}
	s := NewSender(conn, Config{Window: 1, AckTimeout: 20 * time.Millisecond, MaxRetries: 5, ChunkSize: 1 << 20})

	// Swallow the first write; ack from the second on. The resend must be
	// byte-identical to the original.
	writes := 0
	conn.onWrite = func(h wire.ChunkHeader) {
		writes++
		if writes >= 2 {
			s.HandleAck(h.BatchID)
		}
	}

	if err := s.Send(context.Background(), smallFrame(8)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}
	if conn.count() != 2 {
		t.Fatalf("expected 2 writes (original + resend), got %d", conn.count())
	}
	if string(conn.written[0]) != string(conn.written[1]) {
		t.Error("resent chunk differs from the original")
	}
}

func TestSend_RetriesExhaust(t *testing.T) {
	conn := &chunkConn{} // never acks
	s := NewSender(conn, Config{Window: 1, AckTimeout: 5 * time.Millisecond, MaxRetries: 2, ChunkSize: 1 << 20})

	err := s.Send(context.Background(), smallFrame(8))
	if !errors.IsCode(err, errors.ErrAckTimeout) {
		t.Fatalf("expected ACK_TIMEOUT, got %v", err)
	}
	// Original + MaxRetries resends.
	if conn.count() != 3 {
		t.Errorf("expected 3 writes, got %d", conn.count())
	}
	if s.State() != StateIdle {
		t.Errorf("sender state %s after failure, want idle", s.State())
	}
}

func TestSend_WriteFailureIsChannelClosed(t *testing.T) {
	conn := &chunkConn{failAt: 3}
	s := NewSender(conn, Config{Window: 1, AckTimeout: time.Second, MaxRetries: 2, ChunkSize: 64})
	conn.onWrite = func(h wire.ChunkHeader) { s.HandleAck(h.BatchID) }

	err := s.Send(context.Background(), smallFrame(100))
	if !errors.IsCode(err, errors.ErrChannelClosed) {
		t.Fatalf("expected CHANNEL_CLOSED, got %v", err)
	}
}

func TestSend_CancelMidBatch(t *testing.T) {
	conn := &chunkConn{} // never acks, so the sender parks in AWAITING_ACK
	s := NewSender(conn, Config{Window: 1, AckTimeout: 10 * time.Second, MaxRetries: 2, ChunkSize: 64})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()

	err := s.Send(ctx, smallFrame(100))
	if !errors.IsCode(err, errors.ErrChannelClosed) {
		t.Fatalf("expected CHANNEL_CLOSED on cancellation, got %v", err)
	}
}

func TestSend_RejectsConcurrentBatch(t *testing.T) {
	gate := make(chan struct{})
	conn := &chunkConn{}
	s := NewSender(conn, Config{Window: 1, AckTimeout: time.Second, MaxRetries: 1, ChunkSize: 1 << 20})
	conn.onWrite = func(h wire.ChunkHeader) {
		<-gate // park the first Send inside the write
		s.HandleAck(h.BatchID)
	}

	firstDone := make(chan error, 1)
	go func() { firstDone <- s.Send(context.Background(), smallFrame(8)) }()

	// Wait for the first batch to occupy the channel.
	for s.State() == StateIdle {
		time.Sleep(time.Millisecond)
	}

	err := s.Send(context.Background(), smallFrame(8))
	if !errors.IsCode(err, errors.ErrBatchInFlight) {
		t.Fatalf("expected BATCH_IN_FLIGHT, got %v", err)
	}

	close(gate)
	if err := <-firstDone; err != nil {
		t.Fatalf("first Send failed: %v", err)
	}
}

func TestSend_WindowNeverExceeded(t *testing.T) {
	// Randomized ack delays and drops must never push the number of
	// distinct unacknowledged chunks past the window.
	const window = 2
	rng := rand.New(rand.NewSource(42))

	var mu sync.Mutex
	sentDistinct := make(map[uint32]bool)
	acked := 0
	maxOutstanding := 0

	conn := &chunkConn{}
	s := NewSender(conn, Config{Window: window, AckTimeout: 10 * time.Millisecond, MaxRetries: 50, ChunkSize: 32})

	conn.onWrite = func(h wire.ChunkHeader) {
		mu.Lock()
		sentDistinct[h.ChunkIndex] = true
		if out := len(sentDistinct) - acked; out > maxOutstanding {
			maxOutstanding = out
		}
		drop := rng.Intn(10) == 0
		delay := time.Duration(rng.Intn(8)) * time.Millisecond
		mu.Unlock()

		if drop {
			return
		}
		go func() {
			time.Sleep(delay)
			mu.Lock()
			acked++
			mu.Unlock()
			s.HandleAck(h.BatchID)
		}()
	}

	if err := s.Send(context.Background(), smallFrame(200)); err != nil {
		t.Fatalf("Send failed: %v", err)
	}

	mu.Lock()
	defer mu.Unlock()
	if maxOutstanding > window {
		t.Errorf("observed %d distinct unacked chunks, window is %d", maxOutstanding, window)
	}
}
