package driver

import (
	"errors"
	"fmt"
)

// Server error codes surfaced by connectors. The numeric values follow the
// backend's protocol-level codes; adapters translate their native codes into
// these.
const (
	// CodeAuthFailed is the protocol authentication error (bad or expired
	// credential, including a stale session cookie).
	CodeAuthFailed = 10

	// CodeUnknownPrincipal means the server rejected an otherwise valid
	// assertion because the principal is not provisioned.
	CodeUnknownPrincipal = 415

	// CodeUnsupportedAuth means the connector cannot perform the requested
	// authentication method.
	CodeUnsupportedAuth = 4
)

// Error is a coded error returned by the database server or a connector.
type Error struct {
	Code    int
	Message string
}

func (e *Error) Error() string {
	return fmt.Sprintf("database error %d: %s", e.Code, e.Message)
}

// NewError builds a coded Error.
func NewError(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the server error code from err, or 0 if err carries none.
func CodeOf(err error) int {
	var de *Error
	if errors.As(err, &de) {
		return de.Code
	}
	return 0
}

// IsAuthFailed reports whether err is a protocol authentication failure.
func IsAuthFailed(err error) bool { return CodeOf(err) == CodeAuthFailed }

// IsUnknownPrincipal reports whether err means the server does not know the
// asserted principal.
func IsUnknownPrincipal(err error) bool { return CodeOf(err) == CodeUnknownPrincipal }
