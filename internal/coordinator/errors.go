package coordinator

import "errors"

// Error kinds returned by the coordinator (spec.md §7). These are
// sentinels, not a type hierarchy: callers use errors.Is against them
// directly, or errors.Is through a wrapping %w chain.
var (
	ErrNotFound              = errors.New("coordinator: conversation not found")
	ErrAlreadyClosed         = errors.New("coordinator: conversation already closed")
	ErrConflictOwner         = errors.New("coordinator: conversation owned by another agent")
	ErrNoLongerAvailable     = errors.New("coordinator: queue entry no longer available")
	ErrAgentCapacityExceeded = errors.New("coordinator: agent concurrency limit exceeded")
	ErrInvalidArgument       = errors.New("coordinator: invalid argument")
	ErrContention            = errors.New("coordinator: could not acquire conversation lock")
	ErrBackendUnavailable    = errors.New("coordinator: backend unavailable")
	ErrUnauthorized          = errors.New("coordinator: unauthorized")
)
