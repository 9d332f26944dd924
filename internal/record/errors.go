package record

import (
	"errors"
	"fmt"
)

// Error taxonomy shared across the sync engine.
//
// These errors can be checked with errors.Is() for proper handling:
//
//	if errors.Is(err, record.ErrTransientIO) {
//	    // retry with backoff
//	}
var (
	// ErrTransientIO is returned (or wrapped) for network and timeout
	// failures against the remote store. Operations failing with it are
	// retried with backoff.
	ErrTransientIO = errors.New("transient I/O failure")

	// ErrUnauthorized is returned when the remote store rejects a write
	// permanently (authorization or validation). No retry is attempted.
	ErrUnauthorized = errors.New("remote store rejected operation")

	// ErrMissingLocation is returned when a write cannot be routed because
	// no normalizable (city, state) pair is available. The write is
	// rejected synchronously, never queued.
	ErrMissingLocation = errors.New("missing location for partitioned write")

	// ErrQueueExhausted is returned when a pending operation exhausted its
	// retry budget. The entity stays readable locally and is flagged
	// unsynchronized until a manual retry succeeds.
	ErrQueueExhausted = errors.New("sync retries exhausted")

	// ErrNotFound is returned by lookups for entities the local store does
	// not hold.
	ErrNotFound = errors.New("record not found")
)

// ConversionError reports a remote document that could not be parsed into a
// Record. The reconciler skips the document, logs the error, and continues
// with the rest of the batch.
type ConversionError struct {
	Path   string
	Reason string
	Err    error
}

func (e *ConversionError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("cannot convert document %s: %s: %v", e.Path, e.Reason, e.Err)
	}
	return fmt.Sprintf("cannot convert document %s: %s", e.Path, e.Reason)
}

func (e *ConversionError) Unwrap() error {
	return e.Err
}
