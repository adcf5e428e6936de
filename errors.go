package btctl

import "github.com/pkg/errors"

// Result errors returned across the package boundary. Callers compare
// with errors.Is; transports wrap them with context.
var (
	ErrInProgress       = errors.New("operation in progress")
	ErrTimedOut         = errors.New("timed out")
	ErrUnavailable      = errors.New("unavailable")
	ErrAlreadyConnected = errors.New("already connected")
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyPaired    = errors.New("already paired")
	ErrNotPaired        = errors.New("not paired")
	ErrInUse            = errors.New("in use")
	ErrIllegalState     = errors.New("illegal state")
	ErrNotSupported     = errors.New("not supported")
	ErrNotFound         = errors.New("not found")
)
