// Package wire defines the bit-exact framing for batches, chunks, and
// acknowledgments.
//
// A serialized batch payload is a 4-byte little-endian header length,
// the self-describing batch header, then the flat float32 numeric data.
// The payload is split into bounded chunks, each prefixed with a fixed
// 16-byte chunk header. The acknowledgment is a bare 4-byte batch ID.
package wire

import (
	"encoding/binary"

	"github.com/r3d91ll/shuttle/pkg/errors"
)

const (
	// ChunkHeaderSize is the fixed chunk header width in bytes.
	ChunkHeaderSize = 16

	// AckSize is the acknowledgment width in bytes.
	AckSize = 4

	// HeaderLenPrefixSize is the width of the batch header length prefix
	// at the start of the serialized payload.
	HeaderLenPrefixSize = 4

	// DefaultChunkSize bounds the payload bytes carried per chunk when no
	// size is configured.
	DefaultChunkSize = 64 * 1024
)

// ChunkHeader is prefixed to every chunk's payload slice.
// All fields are uint32 little-endian.
type ChunkHeader struct {
	// BatchID identifies the wire batch. IDs are reused only after the
	// batch is fully acknowledged.
	BatchID uint32

	// ChunkIndex is this chunk's position, 0-based.
	ChunkIndex uint32

	// ChunkCount is the total number of chunks in the batch.
	ChunkCount uint32

	// ByteOffset is this chunk's offset into the serialized payload.
	ByteOffset uint32
}

// AppendTo appends the encoded header to dst.
func (h *ChunkHeader) AppendTo(dst []byte) []byte {
	dst = binary.LittleEndian.AppendUint32(dst, h.BatchID)
	dst = binary.LittleEndian.AppendUint32(dst, h.ChunkIndex)
	dst = binary.LittleEndian.AppendUint32(dst, h.ChunkCount)
	dst = binary.LittleEndian.AppendUint32(dst, h.ByteOffset)
	return dst
}

// ParseChunk splits a wire message into its chunk header and payload
// slice. The payload aliases msg; callers that retain it must copy.
func ParseChunk(msg []byte) (ChunkHeader, []byte, error) {
	if len(msg) < ChunkHeaderSize {
		return ChunkHeader{}, nil, errors.TransportErrorf(errors.ErrMalformedChunk,
			"message of %d bytes shorter than chunk header", len(msg))
	}
	h := ChunkHeader{
		BatchID:    binary.LittleEndian.Uint32(msg[0:4]),
		ChunkIndex: binary.LittleEndian.Uint32(msg[4:8]),
		ChunkCount: binary.LittleEndian.Uint32(msg[8:12]),
		ByteOffset: binary.LittleEndian.Uint32(msg[12:16]),
	}
	if h.ChunkCount == 0 {
		return ChunkHeader{}, nil, errors.TransportError(errors.ErrMalformedChunk, "zero chunk count")
	}
	if h.ChunkIndex >= h.ChunkCount {
		return ChunkHeader{}, nil, errors.TransportErrorf(errors.ErrMalformedChunk,
			"chunk index %d beyond count %d", h.ChunkIndex, h.ChunkCount)
	}
	return h, msg[ChunkHeaderSize:], nil
}

// EncodeAck encodes the acknowledgment for a batch.
func EncodeAck(batchID uint32) []byte {
	return binary.LittleEndian.AppendUint32(make([]byte, 0, AckSize), batchID)
}

// ParseAck decodes an acknowledgment message.
func ParseAck(msg []byte) (uint32, error) {
	if len(msg) != AckSize {
		return 0, errors.TransportErrorf(errors.ErrMalformedChunk,
			"acknowledgment of %d bytes, want %d", len(msg), AckSize)
	}
	return binary.LittleEndian.Uint32(msg), nil
}
