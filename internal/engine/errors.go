package engine

import (
	"errors"

	"github.com/newms87/gpt-manager-sub003/internal/store"
)

// ErrConflict is returned when an operation is attempted in a state that
// does not allow it, e.g. restarting a currently-running process. Callers
// translate it into a 409-style response.
var ErrConflict = errors.New("conflicting lifecycle state")

// ErrValidation is returned when required linked entities are missing,
// e.g. a workflow without a starting node.
var ErrValidation = errors.New("validation failed")

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrNotFound)
}
