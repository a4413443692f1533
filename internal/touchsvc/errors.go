package touchsvc

import "errors"

var (
	// ErrProtocolViolation marks a frame that would break the slot-count or
	// identity invariants. The offending frame is discarded whole.
	ErrProtocolViolation = errors.New("touch protocol violation")

	// ErrSourceRead wraps a failed read from the physical device, including
	// device removal. It triggers the shutdown flush.
	ErrSourceRead = errors.New("source read failed")

	// ErrSinkWrite wraps a failed write to the virtual device sink. It
	// triggers the shutdown flush.
	ErrSinkWrite = errors.New("sink write failed")
)
