// Package errors provides error code constants for Shuttle.
// Error codes are organized by category for consistent handling and lookup.
package errors

// -----------------------------------------------------------------------------
// History Store Error Codes
// -----------------------------------------------------------------------------

const (
	// ErrStepNotFound indicates the requested step was never produced.
	ErrStepNotFound = "STEP_NOT_FOUND"

	// ErrStepExpired indicates the step was produced but has been evicted
	// from the history store's resident window.
	ErrStepExpired = "STEP_EXPIRED"

	// ErrStepNotMonotonic indicates an append whose step index does not
	// advance past the newest resident step.
	ErrStepNotMonotonic = "STEP_NOT_MONOTONIC"
)

// -----------------------------------------------------------------------------
// Resolution Processing Error Codes
// -----------------------------------------------------------------------------

const (
	// ErrComponentNotFound indicates the selected component is absent
	// from the record.
	ErrComponentNotFound = "COMPONENT_NOT_FOUND"

	// ErrTransformMismatch indicates a request tried to switch the
	// normalization transform mid-session. The two transforms are not
	// numerically comparable and must never be silently mixed.
	ErrTransformMismatch = "TRANSFORM_MISMATCH"

	// ErrSelectorRequired indicates meso/micro processing was requested
	// without naming a component.
	ErrSelectorRequired = "SELECTOR_REQUIRED"
)

// -----------------------------------------------------------------------------
// Transport Error Codes
// -----------------------------------------------------------------------------

const (
	// ErrAckTimeout indicates an acknowledgment was not received within
	// budget. Triggers a bounded resend before being surfaced.
	ErrAckTimeout = "ACK_TIMEOUT"

	// ErrChannelClosed indicates the channel closed mid-batch. The
	// in-flight batch is abandoned on both sides.
	ErrChannelClosed = "CHANNEL_CLOSED"

	// ErrMalformedChunk indicates a chunk header or offset is inconsistent
	// with the batch header. Dropped and logged, isolated to its batch.
	ErrMalformedChunk = "MALFORMED_CHUNK"

	// ErrBatchInFlight indicates a send was attempted while the channel
	// already has its window of unacknowledged chunks outstanding.
	ErrBatchInFlight = "BATCH_IN_FLIGHT"
)

// -----------------------------------------------------------------------------
// Playback Error Codes
// -----------------------------------------------------------------------------

const (
	// ErrSeekOutOfRange indicates a seek target outside the resident window.
	ErrSeekOutOfRange = "SEEK_OUT_OF_RANGE"

	// ErrInvalidSpeed indicates play() was called with a non-positive speed.
	ErrInvalidSpeed = "INVALID_SPEED"

	// ErrEngineClosed indicates the playback engine has been shut down.
	ErrEngineClosed = "ENGINE_CLOSED"
)

// -----------------------------------------------------------------------------
// Internal Error Codes
// -----------------------------------------------------------------------------

const (
	// ErrEncodeFailed indicates a frame could not be serialized. This is
	// a programming error, not a data-model condition.
	ErrEncodeFailed = "ENCODE_FAILED"

	// ErrInternal is the catch-all for unexpected failures.
	ErrInternal = "INTERNAL_ERROR"
)

// -----------------------------------------------------------------------------
// Configuration Error Codes
// -----------------------------------------------------------------------------

const (
	// ErrConfigNotFound indicates the configuration file does not exist.
	ErrConfigNotFound = "CONFIG_NOT_FOUND"

	// ErrConfigParseFailed indicates the configuration file could not be
	// parsed. Usually a YAML syntax error or invalid structure.
	ErrConfigParseFailed = "CONFIG_PARSE_FAILED"

	// ErrConfigInvalid indicates configuration values are invalid.
	ErrConfigInvalid = "CONFIG_INVALID"
)
