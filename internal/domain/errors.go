package domain

import (
	"errors"
	"fmt"
	"strings"
)

// ErrNotFound is the sentinel wrapped by NotFoundError.
var ErrNotFound = errors.New("not found")

// NotFoundError indicates a referenced record does not exist.
type NotFoundError struct {
	Kind string
	ID   int64
}

func (e NotFoundError) Error() string {
	return fmt.Sprintf("%s %d not found", e.Kind, e.ID)
}

func (e NotFoundError) Unwrap() error { return ErrNotFound }

// InvalidEvidenceSetError reports evidence ids a generator cited outside the allowed set.
// The linker recovers from it by dropping the ids; callers never receive it.
type InvalidEvidenceSetError struct {
	Dropped []int64
}

func (e InvalidEvidenceSetError) Error() string {
	parts := make([]string, 0, len(e.Dropped))
	for _, id := range e.Dropped {
		parts = append(parts, fmt.Sprintf("%d", id))
	}
	return "evidence outside candidate set: " + strings.Join(parts, ",")
}

// InvalidStateTransitionError is returned when a status change is not allowed.
type InvalidStateTransitionError struct {
	Kind string
	ID   int64
	From string
	To   string
}

func (e InvalidStateTransitionError) Error() string {
	return fmt.Sprintf("invalid %s transition %s -> %s (id %d)", e.Kind, e.From, e.To, e.ID)
}

// StaleWriteError is returned when a compare-and-set lost against a concurrent writer.
type StaleWriteError struct {
	Kind string
	ID   int64
}

func (e StaleWriteError) Error() string {
	return fmt.Sprintf("stale write on %s %d", e.Kind, e.ID)
}

type ValidationError struct {
	Field   string
	Message string
}

func (e ValidationError) Error() string {
	if e.Field == "" {
		return e.Message
	}
	return e.Field + ": " + e.Message
}
