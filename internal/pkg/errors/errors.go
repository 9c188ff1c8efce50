package errors

import "errors"

var (
	ErrNotFound      = errors.New("not found")
	ErrUnauthorized  = errors.New("unauthorized")
	ErrForbidden     = errors.New("forbidden")
	ErrInvalid       = errors.New("invalid")
	ErrConflict      = errors.New("conflict")
	ErrTooMany       = errors.New("too many requests")
	ErrInternal      = errors.New("internal")
	ErrPoolExhausted = errors.New("connection pool exhausted")

	ErrEmbeddingUnavailable  = errors.New("embedding unavailable")
	ErrIndexUnavailable      = errors.New("index unavailable")
	ErrDimensionMismatch     = errors.New("dimension mismatch")
	ErrGenerationUnavailable = errors.New("generation unavailable")
	ErrContextTooLarge       = errors.New("context too large")
	ErrAuditWriteFailed      = errors.New("audit write failed")
	// ErrValidationRejected is a policy outcome, not a system failure.
	ErrValidationRejected = errors.New("validation rejected")
)

func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsTransient reports whether err may be retried at an adapter boundary.
func IsTransient(err error) bool {
	return errors.Is(err, ErrEmbeddingUnavailable) ||
		errors.Is(err, ErrIndexUnavailable) ||
		errors.Is(err, ErrGenerationUnavailable)
}
