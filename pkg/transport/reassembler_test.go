package transport

import (
	"bytes"
	"testing"

	"github.com/r3d91ll/shuttle/pkg/errors"
	"github.com/r3d91ll/shuttle/pkg/frame"
	"github.com/r3d91ll/shuttle/pkg/wire"
)

func testBatch(t *testing.T, id uint32, chunkSize int) *wire.Batch {
	t.Helper()
	data := make([]float32, 64)
	for i := range data {
		data[i] = float32(i) * 0.5
	}
	f := &frame.Frame{
		Step:       7,
		Level:      frame.LevelMicro,
		Norm:       frame.Normalization{Transform: frame.TransformPercentile, PLow: 2, PHigh: 98},
		Arrays:     []frame.Array{{Name: "mlp_out", Data: data, Shape: []int{8, 8}}},
		Components: []string{"mlp_out"},
	}
	b, err := wire.NewBatch(id, f, chunkSize)
	if err != nil {
		t.Fatalf("NewBatch failed: %v", err)
	}
	return b
}

func ingestAll(t *testing.T, r *Reassembler, b *wire.Batch, order []int) *Completed {
	t.Helper()
	var done *Completed
	for _, i := range order {
		c, err := r.Ingest(b.Chunk(i))
		if err != nil {
			t.Fatalf("Ingest chunk %d failed: %v", i, err)
		}
		if c != nil {
			done = c
		}
	}
	return done
}

func TestReassemble_InOrder(t *testing.T) {
	b := testBatch(t, 1, 50)
	r := NewReassembler()

	order := make([]int, b.NumChunks())
	for i := range order {
		order[i] = i
	}
	c := ingestAll(t, r, b, order)
	if c == nil {
		t.Fatal("batch never completed")
	}
	if !bytes.Equal(c.Payload, b.Payload) {
		t.Error("reassembled payload differs from the serialized original")
	}
	if c.Header.Step != 7 {
		t.Errorf("header step %d, want 7", c.Header.Step)
	}
	if r.Pending() != 0 {
		t.Errorf("%d batches still pending after completion", r.Pending())
	}

	values, err := c.Values()
	if err != nil {
		t.Fatalf("Values failed: %v", err)
	}
	if len(values) != 64 || values[3] != 1.5 {
		t.Errorf("decoded values wrong: len=%d values[3]=%f", len(values), values[3])
	}
}

func TestReassemble_OutOfOrder(t *testing.T) {
	b := testBatch(t, 2, 40)
	n := b.NumChunks()
	if n < 3 {
		t.Fatalf("need at least 3 chunks, got %d", n)
	}

	// Reverse order: the header only resolves once chunk 0 lands.
	order := make([]int, n)
	for i := range order {
		order[i] = n - 1 - i
	}
	c := ingestAll(t, NewReassembler(), b, order)
	if c == nil {
		t.Fatal("batch never completed")
	}
	if !bytes.Equal(c.Payload, b.Payload) {
		t.Error("out-of-order reassembly is not byte-identical")
	}
}

func TestReassemble_DuplicatesAreIdempotent(t *testing.T) {
	b := testBatch(t, 3, 50)
	n := b.NumChunks()

	// Every chunk delivered twice, completion only on the last fresh one.
	r := NewReassembler()
	var done *Completed
	for i := 0; i < n; i++ {
		c, err := r.Ingest(b.Chunk(i))
		if err != nil {
			t.Fatalf("Ingest chunk %d failed: %v", i, err)
		}
		if c != nil && i != n-1 {
			t.Fatalf("completed early at chunk %d", i)
		}
		done = c

		if i < n-1 {
			dup, err := r.Ingest(b.Chunk(i))
			if err != nil {
				t.Fatalf("duplicate chunk %d rejected: %v", i, err)
			}
			if dup != nil {
				t.Fatalf("duplicate chunk %d completed the batch", i)
			}
		}
	}
	if done == nil {
		t.Fatal("batch never completed")
	}
	if !bytes.Equal(done.Payload, b.Payload) {
		t.Error("payload after duplicates differs from receiving each chunk once")
	}
}

func TestReassemble_MalformedIsIsolated(t *testing.T) {
	good := testBatch(t, 4, 50)
	r := NewReassembler()

	// Start the good batch.
	if _, err := r.Ingest(good.Chunk(0)); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	// A chunk for another batch that disagrees with itself on the count.
	bad := testBatch(t, 5, 50)
	if _, err := r.Ingest(bad.Chunk(0)); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}
	forged := wire.ChunkHeader{BatchID: 5, ChunkIndex: 1, ChunkCount: 99, ByteOffset: 50}
	if _, err := r.IngestChunk(forged, []byte{1, 2, 3}); !errors.IsCode(err, errors.ErrMalformedChunk) {
		t.Fatalf("expected MALFORMED_CHUNK, got %v", err)
	}

	// A truncated wire message.
	if _, err := r.Ingest([]byte{1, 2, 3}); !errors.IsCode(err, errors.ErrMalformedChunk) {
		t.Fatalf("expected MALFORMED_CHUNK, got %v", err)
	}

	// The good batch still completes.
	order := make([]int, 0, good.NumChunks()-1)
	for i := 1; i < good.NumChunks(); i++ {
		order = append(order, i)
	}
	c := ingestAll(t, r, good, order)
	if c == nil {
		t.Fatal("good batch poisoned by malformed chunks elsewhere")
	}
	if !bytes.Equal(c.Payload, good.Payload) {
		t.Error("good batch payload corrupted")
	}
}

func TestReassemble_ResetDiscardsPartials(t *testing.T) {
	// The channel closes after 2 of 4 chunks: the partial batch is
	// discarded and nothing is ever delivered for it.
	b := testBatch(t, 6, 70)
	if b.NumChunks() < 4 {
		t.Fatalf("need at least 4 chunks, got %d", b.NumChunks())
	}

	r := NewReassembler()
	for i := 0; i < 2; i++ {
		c, err := r.Ingest(b.Chunk(i))
		if err != nil {
			t.Fatalf("Ingest failed: %v", err)
		}
		if c != nil {
			t.Fatal("batch completed from a strict prefix of its chunks")
		}
	}
	if r.Pending() != 1 {
		t.Fatalf("expected 1 pending batch, got %d", r.Pending())
	}

	r.Reset()
	if r.Pending() != 0 {
		t.Errorf("%d batches survived Reset", r.Pending())
	}

	// The remaining chunks arriving after a reset start a fresh partial
	// rather than resurrecting the old one.
	c, err := r.Ingest(b.Chunk(2))
	if err != nil {
		t.Fatalf("Ingest after Reset failed: %v", err)
	}
	if c != nil {
		t.Fatal("stale chunks completed a batch after Reset")
	}
}

func TestReassemble_CountMismatchRejected(t *testing.T) {
	b := testBatch(t, 7, 50)
	r := NewReassembler()

	if _, err := r.Ingest(b.Chunk(0)); err != nil {
		t.Fatalf("Ingest failed: %v", err)
	}

	h, data, err := wire.ParseChunk(b.Chunk(1))
	if err != nil {
		t.Fatalf("ParseChunk failed: %v", err)
	}
	h.ChunkCount++
	if _, err := r.IngestChunk(h, data); !errors.IsCode(err, errors.ErrMalformedChunk) {
		t.Errorf("expected MALFORMED_CHUNK for count mismatch, got %v", err)
	}
}
