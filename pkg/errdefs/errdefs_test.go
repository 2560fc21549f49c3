package errdefs

import (
	"errors"
	"fmt"
	"net/http"
	"testing"
)

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		err    error
		status int
	}{
		{nil, http.StatusOK},
		{errors.Join(ErrAccessDenied, errors.New("not on allowlist")), http.StatusForbidden},
		{fmt.Errorf("refresh: %w", ErrSession), http.StatusServiceUnavailable},
		{ErrKeyServer, http.StatusServiceUnavailable},
		{ErrLedgerUnavailable, http.StatusServiceUnavailable},
		{ErrEncryption, http.StatusInternalServerError},
		{ErrConfiguration, http.StatusInternalServerError},
		{ErrUnknownPolicy, http.StatusNotFound},
		{ErrInvalidPolicy, http.StatusBadRequest},
	}
	for _, tt := range tests {
		if got := HTTPStatus(tt.err); got != tt.status {
			t.Errorf("HTTPStatus(%v) = %d, want %d", tt.err, got, tt.status)
		}
	}
}

func TestRetryable(t *testing.T) {
	if Retryable(ErrAccessDenied) {
		t.Fatal("access denied must not be retryable")
	}
	if !Retryable(errors.Join(ErrLedgerUnavailable, errors.New("connection refused"))) {
		t.Fatal("ledger lookup failures should be retryable")
	}
}
