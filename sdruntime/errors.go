package sdruntime

import (
	"errors"
	"fmt"
)

// Sentinel errors for SD runtime operations.
// Use errors.Is to classify a failure returned by any exported function.
var (
	// Model-related errors
	ErrModelNotFound   = errors.New("sdruntime: model file not found")
	ErrModelLoadFailed = errors.New("sdruntime: failed to load model")
	ErrModelCorrupted  = errors.New("sdruntime: model file is corrupted or invalid")

	// Encoder-only construction errors. Each one leaves no partially built encoder behind.
	ErrBackendUnavailable    = errors.New("sdruntime: no compute backend available")
	ErrEncoderPrefixNotFound = errors.New("sdruntime: text encoder tensors not found in model")
	ErrEncoderAllocFailed    = errors.New("sdruntime: failed to allocate text encoder parameters")

	// ErrInvalidState is returned when an operation needs a context the handle does not own,
	// e.g. generation against an encoder-only handle or any call after Destroy.
	ErrInvalidState = errors.New("sdruntime: handle is not in a valid state for this operation")

	// ErrInvalidArgument covers non-positive dimensions, frame counts and malformed requests.
	ErrInvalidArgument = errors.New("sdruntime: invalid argument")

	// ErrGenerationFailed is a failure reported by the native engine itself.
	// This layer does not diagnose it further.
	ErrGenerationFailed = errors.New("sdruntime: generation failed")

	// ErrCancelled is returned only when the cancellation flag was observed
	// during the failing call.
	ErrCancelled = errors.New("sdruntime: generation cancelled")

	// ErrAllocationFailed is returned when copying native frames out failed.
	// All native buffers were released before it was returned.
	ErrAllocationFailed = errors.New("sdruntime: result allocation failed")

	// ErrInvalidPayload is returned when a Tensor Raw payload cannot be decoded or rebuilt.
	ErrInvalidPayload = errors.New("sdruntime: invalid conditioning payload")

	// Runtime registry errors
	ErrRuntimeClosed  = errors.New("sdruntime: runtime is closed")
	ErrUnknownSession = errors.New("sdruntime: unknown session")
)

// Error records the operation that failed alongside the classifying sentinel.
type Error struct {
	Op      string // Operation that failed (e.g. "createFull", "generateVideo")
	Message string // Human-readable detail
	Err     error  // Classifying sentinel, or a wrapped chain ending in one
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Message, e.Err)
}

// Unwrap exposes the wrapped error for errors.Is and errors.As.
func (e *Error) Unwrap() error {
	return e.Err
}

func opError(op string, err error, format string, args ...any) *Error {
	return &Error{Op: op, Message: fmt.Sprintf(format, args...), Err: err}
}

// IsCancelled reports whether err is a cancellation rather than a fault.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled)
}
