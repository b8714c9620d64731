package wire

import (
	"encoding/binary"
	"encoding/json"
	"math"

	"github.com/r3d91ll/shuttle/pkg/errors"
	"github.com/r3d91ll/shuttle/pkg/frame"
)

// EncodingFloat32LE names the only element encoding currently emitted.
const EncodingFloat32LE = "float32le"

// ArrayMeta describes one array inside the numeric payload. Arrays are
// laid out in declaration order, each row-major (outermost dimension
// first), so a consumer can index the payload without re-deriving shapes.
type ArrayMeta struct {
	Name  string `json:"name"`
	Shape []int  `json:"shape"`
}

// BatchHeader is the self-describing metadata record embedded at the
// start of the first chunk's payload.
type BatchHeader struct {
	Step       int64               `json:"step"`
	Level      string              `json:"level"`
	Norm       frame.Normalization `json:"norm"`
	Components []string            `json:"components"`
	Arrays     []ArrayMeta         `json:"arrays"`
	Encoding   string              `json:"encoding"`

	// DataBytes is the length of the numeric payload that follows the
	// header. Together with the header framing it gives the reassembler
	// the declared total payload length.
	DataBytes uint32 `json:"data_bytes"`

	Token  string `json:"token,omitempty"`
	SeqLen int    `json:"seq_len,omitempty"`
}

// Batch is one serialized frame ready for chunked transmission.
type Batch struct {
	// ID identifies the batch on the wire.
	ID uint32

	// Payload is the full serialized payload: length prefix, header
	// bytes, numeric data.
	Payload []byte

	chunkSize int
}

// NewBatch serializes a processed frame into a wire batch. chunkSize <= 0
// selects DefaultChunkSize.
func NewBatch(id uint32, f *frame.Frame, chunkSize int) (*Batch, error) {
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}

	dataBytes := f.PayloadElements() * 4
	header := BatchHeader{
		Step:       f.Step,
		Level:      string(f.Level),
		Norm:       f.Norm,
		Components: f.Components,
		Arrays:     make([]ArrayMeta, len(f.Arrays)),
		Encoding:   EncodingFloat32LE,
		DataBytes:  uint32(dataBytes),
		Token:      f.Token,
		SeqLen:     f.SeqLen,
	}
	for i, a := range f.Arrays {
		header.Arrays[i] = ArrayMeta{Name: a.Name, Shape: a.Shape}
	}

	headerBytes, err := json.Marshal(&header)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrEncodeFailed, errors.CategoryInternal, "marshal batch header")
	}

	payload := make([]byte, 0, HeaderLenPrefixSize+len(headerBytes)+dataBytes)
	payload = binary.LittleEndian.AppendUint32(payload, uint32(len(headerBytes)))
	payload = append(payload, headerBytes...)
	for _, a := range f.Arrays {
		for _, v := range a.Data {
			payload = binary.LittleEndian.AppendUint32(payload, math.Float32bits(v))
		}
	}

	return &Batch{ID: id, Payload: payload, chunkSize: chunkSize}, nil
}

// ChunkSize returns the configured payload bytes per chunk.
func (b *Batch) ChunkSize() int { return b.chunkSize }

// NumChunks returns ceil(len(payload) / chunkSize); the final chunk may
// be short.
func (b *Batch) NumChunks() int {
	return (len(b.Payload) + b.chunkSize - 1) / b.chunkSize
}

// Chunk frames the i-th chunk: a 16-byte chunk header followed by the
// payload slice it covers.
func (b *Batch) Chunk(i int) []byte {
	offset := i * b.chunkSize
	end := offset + b.chunkSize
	if end > len(b.Payload) {
		end = len(b.Payload)
	}

	h := ChunkHeader{
		BatchID:    b.ID,
		ChunkIndex: uint32(i),
		ChunkCount: uint32(b.NumChunks()),
		ByteOffset: uint32(offset),
	}
	msg := make([]byte, 0, ChunkHeaderSize+end-offset)
	msg = h.AppendTo(msg)
	return append(msg, b.Payload[offset:end]...)
}

// ParseBatchHeader reads the length prefix and header from the start of a
// serialized payload. It returns the header and the offset at which the
// numeric data begins. The prefix region may be a partial payload as long
// as it covers the full header.
func ParseBatchHeader(payload []byte) (*BatchHeader, int, error) {
	if len(payload) < HeaderLenPrefixSize {
		return nil, 0, errors.TransportError(errors.ErrMalformedChunk, "payload shorter than header length prefix")
	}
	headerLen := int(binary.LittleEndian.Uint32(payload[:HeaderLenPrefixSize]))
	dataStart := HeaderLenPrefixSize + headerLen
	if len(payload) < dataStart {
		return nil, 0, errors.TransportErrorf(errors.ErrMalformedChunk,
			"payload of %d bytes does not cover declared %d-byte header", len(payload), headerLen)
	}

	var header BatchHeader
	if err := json.Unmarshal(payload[HeaderLenPrefixSize:dataStart], &header); err != nil {
		return nil, 0, errors.Wrap(err, errors.ErrMalformedChunk, errors.CategoryTransport, "decode batch header")
	}
	if header.Encoding != EncodingFloat32LE {
		return nil, 0, errors.TransportErrorf(errors.ErrMalformedChunk, "unsupported encoding %q", header.Encoding)
	}
	return &header, dataStart, nil
}

// DecodeData converts the numeric payload region back into float32s.
func DecodeData(data []byte) ([]float32, error) {
	if len(data)%4 != 0 {
		return nil, errors.TransportErrorf(errors.ErrMalformedChunk,
			"numeric payload of %d bytes is not float32-aligned", len(data))
	}
	out := make([]float32, len(data)/4)
	for i := range out {
		out[i] = math.Float32frombits(binary.LittleEndian.Uint32(data[i*4:]))
	}
	return out, nil
}
