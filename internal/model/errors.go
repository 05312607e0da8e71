package model

import (
	"errors"
	"fmt"
)

var (
	// ErrAccountNotFound is returned for unknown account ids.
	ErrAccountNotFound = errors.New("account not found")
	// ErrAccountDisabled marks accounts parked for operator intervention.
	ErrAccountDisabled = errors.New("account disabled")
	// ErrBadCredentials is the venue refusing the username/password pair.
	ErrBadCredentials = errors.New("credentials rejected by venue")
)

// AuthError means a session could not be authenticated. It is fatal for the
// account until an operator acts; nothing retries past it.
type AuthError struct {
	AccountID string
	Attempts  int
	Err       error
}

func (e *AuthError) Error() string {
	if e.Attempts > 0 {
		return fmt.Sprintf("auth error for %s after %d attempt(s): %v", e.AccountID, e.Attempts, e.Err)
	}
	return fmt.Sprintf("auth error for %s: %v", e.AccountID, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// IsAuthError reports whether err carries an *AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}
