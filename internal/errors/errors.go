package errors

import "errors"

// Planning conditions. These never abort an import; callers log them and
// drop the affected placement or grant.
var (
	ErrKeyUnavailable = errors.New("key material unavailable")
	ErrTierConflict   = errors.New("folder tier conflict")
)

// Client errors.
var (
	ErrInvalidCredentials = errors.New("invalid username or password")
	ErrSessionExpired     = errors.New("session expired")
	ErrUnsupportedFormat  = errors.New("unsupported import format")
	ErrNoPassword         = errors.New("no vault password available")
)

// Server/transport errors.
var (
	ErrAPIRequest  = errors.New("API request failed")
	ErrAPIResponse = errors.New("unexpected API response")
)

// TransientError wraps an error that is likely temporary. The batch
// executor reports it but never retries a chunk on its own.
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return e.Err.Error() }
func (e *TransientError) Unwrap() error { return e.Err }

// IsTransient reports whether err (or any error in its chain) is a
// TransientError.
func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}
