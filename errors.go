package gatekeeper

import (
	"errors"
	"fmt"
)

// Sentinel errors used across the permission resolution path. Stores wrap
// these so callers can branch with errors.Is regardless of the backend.
var (
	// ErrUserNotFound means the permission source has no record of the
	// user. This is an authoritative answer, not a failure: the resolver
	// caches it as an empty permission set.
	ErrUserNotFound = errors.New("user not found")

	// ErrPermissionSourceUnavailable means the permission source could not
	// be reached or did not answer in time. Transient: never cached, and
	// the decision engine fails closed on it.
	ErrPermissionSourceUnavailable = errors.New("permission source unavailable")
)

// ConfigurationError reports a rule that cannot be accepted, such as a
// contradictory requirement set or an unparseable route pattern.
type ConfigurationError struct {
	Pattern string
	Reason  string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid rule for %s: %s", e.Pattern, e.Reason)
}
