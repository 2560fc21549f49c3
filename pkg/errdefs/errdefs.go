package errdefs

import (
	"errors"
	"net/http"
)

const (
	ErrSession       = Error("session credential error")
	ErrAccessDenied  = Error("access denied")
	ErrKeyServer     = Error("key server error")
	ErrEncryption    = Error("encryption error")
	ErrDecryption    = Error("decryption error")
	ErrConfiguration = Error("configuration error")

	// ErrLedgerUnavailable is a failed ledger lookup, as opposed to a record that does not exist.
	ErrLedgerUnavailable = Error("ledger unavailable")
	ErrNotFound          = Error("not found")
	ErrUnknownPolicy     = Error("unknown policy")
	ErrInvalidPolicy     = Error("invalid policy parameters")
	ErrUnauthorized      = Error("unauthorized")
)

type Error string

func (e Error) Error() string {
	return string(e)
}

// Retryable reports whether the caller may retry the same request later.
func Retryable(err error) bool {
	return errors.Is(err, ErrSession) ||
		errors.Is(err, ErrKeyServer) ||
		errors.Is(err, ErrLedgerUnavailable)
}

// HTTPStatus maps an error to the status an API layer should answer with.
func HTTPStatus(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrAccessDenied), errors.Is(err, ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, ErrInvalidPolicy):
		return http.StatusBadRequest
	case errors.Is(err, ErrUnknownPolicy), errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case Retryable(err):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}
