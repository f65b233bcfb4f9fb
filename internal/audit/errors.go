package audit

import "errors"

// Error kinds. Adapters wrap the underlying cause together with one of these,
// so callers match the kind with errors.Is and can still unwrap the cause.
var (
	// ErrStoreUnavailable covers unreachable media, quota and serialization
	// failures, malformed responses, and timeouts. Callers may retry.
	ErrStoreUnavailable = errors.New("audit store unavailable")

	// ErrInvalidQuery reports query options that violate the contract.
	ErrInvalidQuery = errors.New("invalid audit query")

	// ErrConfiguration reports an adapter selected without its required
	// configuration. It is raised at construction, never at call time.
	ErrConfiguration = errors.New("audit configuration error")

	// ErrInvalidEvent reports a draft missing its action or entity.
	ErrInvalidEvent = errors.New("invalid audit event")
)

// IsRetryable reports whether err is a failure the caller may retry unchanged.
func IsRetryable(err error) bool {
	return errors.Is(err, ErrStoreUnavailable)
}
