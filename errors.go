package fga

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrNotFound is returned when a store, model version, tuple or API key
	// does not exist within the caller's scope.
	ErrNotFound = errors.New("not found")

	// ErrStoreInactive is returned for operations against a soft-deleted store.
	ErrStoreInactive = errors.New("store is not active")

	// ErrNoModel is returned when a store has no valid authorization model yet.
	ErrNoModel = errors.New("store has no authorization model")

	// ErrDepthExceeded is returned when Check or Expand hits the resolver's
	// recursion limit. Callers must treat the decision as not allowed.
	ErrDepthExceeded = errors.New("max resolution depth exceeded")

	// ErrUnavailable is returned when the storage backend keeps failing
	// after bounded retries.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrUnauthorized is returned for missing, expired or revoked API keys.
	ErrUnauthorized = errors.New("unauthorized")

	// ErrForbidden is returned when an API key lacks the permission for an
	// operation or is scoped to a different store. The message is uniform
	// on purpose: it must not reveal whether the target store exists.
	ErrForbidden = errors.New("forbidden")
)

// ValidationError describes a single problem found while validating an
// authorization schema or a tuple write against it.
type ValidationError struct {
	Type     string `json:"type,omitempty"`
	Relation string `json:"relation,omitempty"`
	Reason   string `json:"reason"`
}

func (e ValidationError) Error() string {
	switch {
	case e.Type != "" && e.Relation != "":
		return fmt.Sprintf("%s#%s: %s", e.Type, e.Relation, e.Reason)
	case e.Type != "":
		return fmt.Sprintf("%s: %s", e.Type, e.Reason)
	default:
		return e.Reason
	}
}

// ValidationErrors aggregates every problem found in one validation pass,
// so callers see the full list instead of the first failure.
type ValidationErrors []ValidationError

func (e ValidationErrors) Error() string {
	msgs := make([]string, len(e))
	for i, ve := range e {
		msgs[i] = ve.Error()
	}
	return "validation failed: " + strings.Join(msgs, "; ")
}

// AsValidationErrors unwraps err into a ValidationErrors list, if it is one.
func AsValidationErrors(err error) (ValidationErrors, bool) {
	var ve ValidationErrors
	ok := errors.As(err, &ve)
	return ve, ok
}
