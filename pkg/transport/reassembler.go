package transport

import (
	"encoding/binary"
	"log"

	"github.com/r3d91ll/shuttle/pkg/errors"
	"github.com/r3d91ll/shuttle/pkg/metrics"
	"github.com/r3d91ll/shuttle/pkg/wire"
)

// Completed is a fully reassembled wire batch, handed to the presentation
// side by single-ownership transfer: once returned from Ingest, the
// reassembler keeps no reference to its buffers.
type Completed struct {
	BatchID uint32
	Header  *wire.BatchHeader

	// Payload is the full serialized payload, byte-identical to what the
	// producer serialized.
	Payload []byte

	// DataStart is the offset of the numeric region within Payload.
	DataStart int
}

// Data returns the numeric payload region.
func (c *Completed) Data() []byte {
	return c.Payload[c.DataStart:]
}

// Values decodes the numeric region into float32s.
func (c *Completed) Values() ([]float32, error) {
	return wire.DecodeData(c.Data())
}

// partial accumulates the chunks of one batch keyed by declared offset.
type partial struct {
	chunkCount uint32
	segments   map[uint32][]byte // byte offset → copied chunk payload
	seen       map[uint32]bool   // chunk index → received
	received   int

	// header and total are resolved once the contiguous prefix covers
	// the length-prefixed batch header.
	header    *wire.BatchHeader
	dataStart int
	total     int // -1 until the header is parsed
}

// Reassembler rebuilds batches from chunks arriving in any order.
// Duplicate chunks are ignored; malformed chunks are dropped and logged
// without disturbing other in-flight batches. It is not safe for
// concurrent use: one reassembler belongs to one reception context.
type Reassembler struct {
	batches map[uint32]*partial
}

// NewReassembler creates an empty reassembler.
func NewReassembler() *Reassembler {
	return &Reassembler{batches: make(map[uint32]*partial)}
}

// Pending returns the number of batches currently mid-reassembly.
func (r *Reassembler) Pending() int {
	return len(r.batches)
}

// Reset discards all in-flight batches. Called when the channel closes so
// a partial batch is never exposed downstream.
func (r *Reassembler) Reset() {
	if n := len(r.batches); n > 0 {
		log.Printf("[reassembly] discarding %d partial batch(es)", n)
	}
	r.batches = make(map[uint32]*partial)
}

// Ingest consumes one wire message. It returns the completed batch when
// this chunk finishes one, nil otherwise. A MALFORMED_CHUNK error means
// the message was dropped; reassembly of other batches is unaffected.
func (r *Reassembler) Ingest(msg []byte) (*Completed, error) {
	h, data, err := wire.ParseChunk(msg)
	if err != nil {
		metrics.MalformedChunks.Inc()
		log.Printf("[reassembly] dropped chunk: %v", err)
		return nil, err
	}
	return r.IngestChunk(h, data)
}

// IngestChunk consumes an already-parsed chunk. Callers that need the
// chunk header themselves (to acknowledge it) parse once and come in
// through here.
func (r *Reassembler) IngestChunk(h wire.ChunkHeader, data []byte) (*Completed, error) {
	p, ok := r.batches[h.BatchID]
	if !ok {
		p = &partial{
			chunkCount: h.ChunkCount,
			segments:   make(map[uint32][]byte),
			seen:       make(map[uint32]bool),
			total:      -1,
		}
		r.batches[h.BatchID] = p
	}

	if err := r.accept(h, data, p); err != nil {
		metrics.MalformedChunks.Inc()
		log.Printf("[reassembly] dropped chunk (batch %d, index %d): %v", h.BatchID, h.ChunkIndex, err)
		return nil, err
	}

	if p.total >= 0 && p.received == p.total {
		completed, err := r.finish(h.BatchID, p)
		if err != nil {
			// The batch is internally inconsistent; isolate the damage
			// to this batch id.
			delete(r.batches, h.BatchID)
			metrics.MalformedChunks.Inc()
			return nil, err
		}
		delete(r.batches, h.BatchID)
		return completed, nil
	}
	return nil, nil
}

// accept validates a chunk against the partial batch and stores its
// payload. Duplicates of an already-present index are ignored.
func (r *Reassembler) accept(h wire.ChunkHeader, data []byte, p *partial) error {
	if h.ChunkCount != p.chunkCount {
		return errors.TransportErrorf(errors.ErrMalformedChunk,
			"chunk count %d disagrees with batch's %d", h.ChunkCount, p.chunkCount)
	}
	if p.seen[h.ChunkIndex] {
		// Resend of a chunk whose bytes are already present: idempotent.
		return nil
	}
	if p.total >= 0 && int(h.ByteOffset)+len(data) > p.total {
		return errors.TransportErrorf(errors.ErrMalformedChunk,
			"chunk range [%d, %d) exceeds declared payload of %d bytes",
			h.ByteOffset, int(h.ByteOffset)+len(data), p.total)
	}
	if len(data) == 0 {
		return errors.TransportError(errors.ErrMalformedChunk, "empty chunk payload")
	}

	// The payload slice aliases the network buffer; copy before keeping.
	seg := make([]byte, len(data))
	copy(seg, data)
	p.segments[h.ByteOffset] = seg
	p.seen[h.ChunkIndex] = true
	p.received += len(seg)

	if p.header == nil {
		if err := r.tryResolveHeader(p); err != nil {
			return err
		}
	}
	if p.total >= 0 && p.received > p.total {
		return errors.TransportErrorf(errors.ErrMalformedChunk,
			"received %d bytes beyond declared payload of %d", p.received, p.total)
	}
	return nil
}

// tryResolveHeader parses the batch header once the contiguous prefix of
// received segments covers it. Not having enough bytes yet is not an
// error; a header that fails to decode is.
func (r *Reassembler) tryResolveHeader(p *partial) error {
	prefix := contiguousPrefix(p.segments)
	if len(prefix) < wire.HeaderLenPrefixSize {
		return nil
	}
	headerLen := int(binary.LittleEndian.Uint32(prefix))
	if len(prefix) < wire.HeaderLenPrefixSize+headerLen {
		return nil
	}

	header, dataStart, err := wire.ParseBatchHeader(prefix)
	if err != nil {
		return err
	}
	p.header = header
	p.dataStart = dataStart
	p.total = dataStart + int(header.DataBytes)
	return nil
}

// contiguousPrefix concatenates segments starting at offset zero for as
// far as they run without a gap.
func contiguousPrefix(segments map[uint32][]byte) []byte {
	var prefix []byte
	for {
		seg, ok := segments[uint32(len(prefix))]
		if !ok {
			return prefix
		}
		prefix = append(prefix, seg...)
	}
}

// finish assembles the completed payload and verifies coverage: the
// received chunk byte ranges must tile the declared payload exactly.
func (r *Reassembler) finish(batchID uint32, p *partial) (*Completed, error) {
	buf := make([]byte, p.total)
	covered := 0
	for offset, seg := range p.segments {
		if int(offset)+len(seg) > p.total {
			return nil, errors.TransportErrorf(errors.ErrMalformedChunk,
				"segment at %d overruns payload", offset)
		}
		copy(buf[offset:], seg)
		covered += len(seg)
	}
	if covered != p.total {
		return nil, errors.TransportErrorf(errors.ErrMalformedChunk,
			"coverage %d does not match declared payload of %d bytes", covered, p.total)
	}

	return &Completed{
		BatchID:   batchID,
		Header:    p.header,
		Payload:   buf,
		DataStart: p.dataStart,
	}, nil
}
