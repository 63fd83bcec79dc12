package cluster

import (
	"errors"
	"fmt"
)

// Input errors. Operations return these before touching the graph.
var (
	ErrInsufficientEntities = errors.New("at least two entities are required")
	ErrEmptySelection       = errors.New("no subjects selected")
	ErrNotMember            = errors.New("subject is not a member of the entity")
	ErrSpecMismatch         = errors.New("entities belong to different target specs")
	ErrSameEntity           = errors.New("source and target entity are the same")
	ErrEntityNotFound       = errors.New("entity not found")
	ErrSubjectNotFound      = errors.New("subject not found")
	ErrNoVector             = errors.New("subject has no feature vector")
)

// PersistenceError reports a failed commit. Nothing of the operation was applied.
type PersistenceError struct {
	Op  string
	Err error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("%s: committing changes: %v", e.Op, e.Err)
}

func (e *PersistenceError) Unwrap() error {
	return e.Err
}

// IsInputError reports whether err was caused by invalid caller input.
func IsInputError(err error) bool {
	return errors.Is(err, ErrInsufficientEntities) ||
		errors.Is(err, ErrEmptySelection) ||
		errors.Is(err, ErrNotMember) ||
		errors.Is(err, ErrSpecMismatch) ||
		errors.Is(err, ErrSameEntity) ||
		errors.Is(err, ErrEntityNotFound) ||
		errors.Is(err, ErrSubjectNotFound) ||
		errors.Is(err, ErrNoVector)
}
