// Package transport moves wire batches across a channel under an
// acknowledgment-driven flow-control discipline, and reassembles them on
// the consumer side.
//
// The producer-side Sender walks one batch at a time through
// IDLE → SENDING → AWAITING_ACK, keeping at most `window` chunks
// unacknowledged. A chunk whose ack does not arrive within the timeout is
// resent unchanged; retries are bounded, and exhaustion fails the batch
// without touching the history store or the producer.
package transport

import (
	"context"
	"log"
	"sync"
	"sync/atomic"
	"time"

	"github.com/r3d91ll/shuttle/pkg/errors"
	"github.com/r3d91ll/shuttle/pkg/frame"
	"github.com/r3d91ll/shuttle/pkg/metrics"
	"github.com/r3d91ll/shuttle/pkg/wire"
)

// State names the sender's flow-control state.
type State int32

const (
	// StateIdle means no batch is in flight.
	StateIdle State = iota

	// StateSending means chunks are being written within the window.
	StateSending

	// StateAwaitingAck means the window is full and the sender is
	// suspended until an acknowledgment or timeout.
	StateAwaitingAck
)

// String returns the state name.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateAwaitingAck:
		return "awaiting_ack"
	}
	return "unknown"
}

// Conn is the minimal write side of a chunk channel. WriteChunk must be
// safe to call from the sender's goroutine; a failed write means the
// channel is gone.
type Conn interface {
	WriteChunk(data []byte) error
}

// Config tunes the sender's flow control.
type Config struct {
	// Window is the maximum number of unacknowledged chunks in flight.
	Window int

	// AckTimeout is how long to wait for an acknowledgment before
	// resending.
	AckTimeout time.Duration

	// MaxRetries bounds timeout-triggered resends per batch before the
	// batch is abandoned.
	MaxRetries int

	// ChunkSize bounds the payload bytes per chunk.
	ChunkSize int
}

// DefaultConfig returns the default flow-control parameters: one chunk in
// flight, 3s ack budget, five resends.
func DefaultConfig() Config {
	return Config{
		Window:     1,
		AckTimeout: 3 * time.Second,
		MaxRetries: 5,
		ChunkSize:  wire.DefaultChunkSize,
	}
}

// Sender drives batches through one channel. It serializes, chunks, and
// sends with backpressure. A Sender serves exactly one channel; channels
// run fully in parallel against the shared history store.
type Sender struct {
	conn Conn
	cfg  Config

	// acks is fed by the channel's read loop via HandleAck.
	acks chan uint32

	state atomic.Int32

	mu     sync.Mutex
	nextID uint32
	busy   bool
}

// NewSender creates a sender over the given connection.
func NewSender(conn Conn, cfg Config) *Sender {
	if cfg.Window <= 0 {
		cfg.Window = 1
	}
	if cfg.AckTimeout <= 0 {
		cfg.AckTimeout = 3 * time.Second
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 5
	}
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = wire.DefaultChunkSize
	}
	return &Sender{
		conn: conn,
		cfg:  cfg,
		acks: make(chan uint32, 64),
	}
}

// State returns the sender's current flow-control state.
func (s *Sender) State() State {
	return State(s.state.Load())
}

// HandleAck delivers an acknowledgment from the channel's read loop.
// It never blocks; if the sender is not draining acks the receipt is
// dropped and the timeout path takes over.
func (s *Sender) HandleAck(batchID uint32) {
	select {
	case s.acks <- batchID:
	default:
	}
}

// Send serializes the frame and pushes it through the channel, suspending
// in AWAITING_ACK whenever the window is full. It returns ACK_TIMEOUT if
// the retry budget is exhausted, CHANNEL_CLOSED if the connection fails
// or ctx is cancelled mid-batch, and BATCH_IN_FLIGHT if called while a
// previous batch is still unacknowledged.
func (s *Sender) Send(ctx context.Context, f *frame.Frame) error {
	s.mu.Lock()
	if s.busy {
		s.mu.Unlock()
		return errors.TransportError(errors.ErrBatchInFlight, "previous batch not fully acknowledged")
	}
	s.busy = true
	s.nextID++
	id := s.nextID
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.busy = false
		s.mu.Unlock()
		s.state.Store(int32(StateIdle))
	}()

	batch, err := wire.NewBatch(id, f, s.cfg.ChunkSize)
	if err != nil {
		return err
	}
	if err := s.sendBatch(ctx, batch); err != nil {
		metrics.BatchesFailed.Inc()
		return err
	}
	metrics.BatchesCompleted.Inc()
	return nil
}

// sendBatch runs the window over the batch's chunks. base is the oldest
// unacknowledged chunk; on timeout every unacknowledged chunk is resent
// unchanged (go-back-N), counting against the retry budget.
func (s *Sender) sendBatch(ctx context.Context, batch *wire.Batch) error {
	n := batch.NumChunks()
	base, next := 0, 0
	retries := 0

	for base < n {
		s.state.Store(int32(StateSending))
		for next < n && next-base < s.cfg.Window {
			if err := s.writeChunk(batch, next); err != nil {
				return err
			}
			next++
		}

		s.state.Store(int32(StateAwaitingAck))
		timer := time.NewTimer(s.cfg.AckTimeout)
		acked := false
		for !acked {
			select {
			case id := <-s.acks:
				if id != batch.ID {
					// Stale receipt from an abandoned batch.
					continue
				}
				metrics.AcksReceived.Inc()
				base++
				retries = 0
				acked = true

			case <-timer.C:
				retries++
				if retries > s.cfg.MaxRetries {
					return errors.TransportErrorf(errors.ErrAckTimeout,
						"batch %d chunk %d unacknowledged after %d resends", batch.ID, base, s.cfg.MaxRetries).
						WithContext("timeout", s.cfg.AckTimeout.String())
				}
				log.Printf("[transport] batch %d: ack timeout, resending chunks [%d, %d)", batch.ID, base, next)
				for i := base; i < next; i++ {
					if err := s.writeChunk(batch, i); err != nil {
						timer.Stop()
						return err
					}
					metrics.ChunkResends.Inc()
				}
				timer.Reset(s.cfg.AckTimeout)

			case <-ctx.Done():
				timer.Stop()
				return errors.Wrap(ctx.Err(), errors.ErrChannelClosed, errors.CategoryTransport,
					"channel cancelled mid-batch")
			}
		}
		timer.Stop()
	}
	return nil
}

func (s *Sender) writeChunk(batch *wire.Batch, i int) error {
	if err := s.conn.WriteChunk(batch.Chunk(i)); err != nil {
		return errors.Wrap(err, errors.ErrChannelClosed, errors.CategoryTransport, "chunk write failed")
	}
	metrics.ChunksSent.Inc()
	return nil
}
