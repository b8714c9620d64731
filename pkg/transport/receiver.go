package transport

import (
	"context"
	"log"
	"sync"

	"github.com/gorilla/websocket"

	"github.com/r3d91ll/shuttle/pkg/errors"
	"github.com/r3d91ll/shuttle/pkg/wire"
)

// MessageConn is the websocket surface the receiver owns. Satisfied by
// *websocket.Conn.
type MessageConn interface {
	ReadMessage() (messageType int, p []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

// Receiver is the consumer-side reception context. It owns the channel
// connection: it reads chunks, acknowledges each one, and hands completed
// buffers to the presentation context over the Frames channel by
// single-ownership transfer. It never blocks on presentation work — a
// completed frame that the presentation side is too slow to take is
// dropped, not queued unboundedly.
type Receiver struct {
	conn  MessageConn
	reasm *Reassembler

	frames chan *Completed
	events chan []byte

	// writeMu serializes acknowledgment writes with any control writes
	// issued through WriteControl.
	writeMu sync.Mutex
}

// NewReceiver creates a receiver over an established connection.
func NewReceiver(conn MessageConn) *Receiver {
	return &Receiver{
		conn:   conn,
		reasm:  NewReassembler(),
		frames: make(chan *Completed, 8),
		events: make(chan []byte, 32),
	}
}

// Frames returns the channel carrying completed batches. Closed when the
// connection ends; any batch mid-reassembly at that point is discarded,
// never delivered partially.
func (r *Receiver) Frames() <-chan *Completed { return r.frames }

// Events returns the channel carrying JSON control/event messages.
func (r *Receiver) Events() <-chan []byte { return r.events }

// WriteControl sends a JSON control message over the connection.
func (r *Receiver) WriteControl(data []byte) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	if err := r.conn.WriteMessage(websocket.TextMessage, data); err != nil {
		return errors.Wrap(err, errors.ErrChannelClosed, errors.CategoryTransport, "control write failed")
	}
	return nil
}

// Run reads the connection until it closes or ctx is cancelled. It always
// returns a CHANNEL_CLOSED error describing why the channel ended.
func (r *Receiver) Run(ctx context.Context) error {
	defer func() {
		r.reasm.Reset()
		close(r.frames)
		close(r.events)
	}()

	for {
		if ctx.Err() != nil {
			r.conn.Close()
			return errors.Wrap(ctx.Err(), errors.ErrChannelClosed, errors.CategoryTransport, "receiver cancelled")
		}

		msgType, msg, err := r.conn.ReadMessage()
		if err != nil {
			return errors.Wrap(err, errors.ErrChannelClosed, errors.CategoryTransport, "connection read failed")
		}

		switch msgType {
		case websocket.BinaryMessage:
			r.handleChunk(msg)
		case websocket.TextMessage:
			select {
			case r.events <- msg:
			default:
				log.Printf("[receiver] event buffer full, dropping message")
			}
		}
	}
}

// handleChunk acknowledges and ingests one chunk message. Duplicates are
// re-acknowledged (the producer resends exactly because an ack went
// missing); malformed chunks are dropped without an ack.
func (r *Receiver) handleChunk(msg []byte) {
	h, data, err := wire.ParseChunk(msg)
	if err != nil {
		log.Printf("[receiver] dropped chunk: %v", err)
		return
	}

	completed, err := r.reasm.IngestChunk(h, data)
	if err != nil {
		return
	}

	r.writeMu.Lock()
	ackErr := r.conn.WriteMessage(websocket.BinaryMessage, wire.EncodeAck(h.BatchID))
	r.writeMu.Unlock()
	if ackErr != nil {
		log.Printf("[receiver] ack write failed: %v", ackErr)
	}

	if completed != nil {
		select {
		case r.frames <- completed:
		default:
			log.Printf("[receiver] presentation backlog, dropping frame for step %d", completed.Header.Step)
		}
	}
}
