package transport

import "errors"

// Errors returned by transport adapters.
//
// Adapters wrap these so callers can classify failures with errors.Is():
//
//	if errors.Is(err, transport.ErrAuthentication) {
//	    // disable the backend and tell the user
//	}
var (
	// ErrAuthentication is returned when the remote rejects the configured
	// credentials. Retrying will not help.
	ErrAuthentication = errors.New("authentication failed")

	// ErrTransport is returned when the remote cannot be reached or fails
	// to answer. The operation may succeed on a later cycle.
	ErrTransport = errors.New("transport unavailable")

	// ErrMalformedRecord is returned when a remote payload cannot be turned
	// into a RemoteRecord.
	ErrMalformedRecord = errors.New("malformed remote record")

	// ErrNotFound is returned when an operation targets a remote record
	// that does not exist.
	ErrNotFound = errors.New("remote record not found")
)

// IsFatal returns true if the error means the backend cannot continue
// without user intervention.
func IsFatal(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrAuthentication)
}

// IsRetryable returns true if the error is likely to succeed on retry.
func IsRetryable(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrTransport)
}

// IsMalformed returns true if the error was caused by an invalid remote payload.
func IsMalformed(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrMalformedRecord)
}
