package types

import (
	"errors"
	"net/http"
)

// UserError is an error which is safe to report to the client: it carries
// an HTTP status code and a message.
type UserError struct {
	Code    int
	Message string
}

func (e *UserError) Error() string {
	return e.Message
}

// Client-facing errors.
var (
	// ErrInvalidSubscription means the subscription triple is malformed.
	ErrInvalidSubscription = &UserError{Code: http.StatusBadRequest, Message: "Subscription triple expected"}
	// ErrInvalidCursor means the message offset is malformed, forged or does not exist.
	ErrInvalidCursor = &UserError{Code: http.StatusBadRequest, Message: "Invalid message offset"}
	// ErrNotSubscribed means the user is not subscribed to the triple.
	ErrNotSubscribed = &UserError{Code: http.StatusBadRequest, Message: "Not subscribed"}
	// ErrShuttingDown means the server is going away and does not accept new requests.
	ErrShuttingDown = &UserError{Code: http.StatusServiceUnavailable, Message: "Server is shutting down"}
	// ErrUnauthorized means the request carries no valid identity.
	ErrUnauthorized = &UserError{Code: http.StatusUnauthorized, Message: "Authentication required"}
)

// UpstreamError reports a failure of the upstream feed.
type UpstreamError struct {
	Triple Triple
	Err    error
}

func (e *UpstreamError) Error() string {
	return "upstream " + e.Triple.String() + ": " + e.Err.Error()
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// StorageError reports a failure of the persistent storage.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return "storage " + e.Op + ": " + e.Err.Error()
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

// StoreError satisfies Error interface but allows constant values for
// direct comparison.
type StoreError string

// Error is required by error interface.
func (s StoreError) Error() string {
	return string(s)
}

const (
	// ErrInternal means DB or other internal failure.
	ErrInternal = StoreError("internal")
	// ErrMalformed means the secret cannot be parsed or otherwise wrong.
	ErrMalformed = StoreError("malformed")
	// ErrFailed means authentication failed (wrong token etc).
	ErrFailed = StoreError("failed")
	// ErrExpired means the secret has expired.
	ErrExpired = StoreError("expired")
	// ErrUnsupported means an operation is not supported.
	ErrUnsupported = StoreError("unsupported")
	// ErrNotFound means the object was not found.
	ErrNotFound = StoreError("not found")
	// ErrDuplicate means the record already exists.
	ErrDuplicate = StoreError("duplicate value")
)

// IsUserError checks if the error, or any error it wraps, is a UserError and returns it.
func IsUserError(err error) (*UserError, bool) {
	var uerr *UserError
	if errors.As(err, &uerr) {
		return uerr, true
	}
	return nil, false
}
