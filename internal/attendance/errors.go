package attendance

import "errors"

var (
	// ErrValidation rejects a request before any lookup or write.
	ErrValidation = errors.New("invalid attendance request")
	// ErrNotFound means the child or school does not exist, or a requested
	// child is not enrolled in the school.
	ErrNotFound = errors.New("not found")
	// ErrStore means nothing was persisted; the call can be retried.
	ErrStore = errors.New("attendance store unavailable")
	// ErrCounter marks a daily counter update that was deferred to reconciliation.
	ErrCounter = errors.New("daily counter update deferred")
)

// IsRetryable reports whether the whole call can safely be repeated.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStore)
}
