package engine

import (
	"context"
	"errors"
	"fmt"

	"reliefline/internal/repo"
)

// The engine reports every failure as a typed value. Nothing here is fatal:
// AlreadyClaimed and InvalidTransition in particular are expected outcomes
// the caller refreshes from, not exceptions.
var (
	ErrAlreadyClaimed   = errors.New("request already claimed")
	ErrLocationRequired = errors.New("location required for suggestions")
	ErrTimeout          = errors.New("store deadline exceeded")
)

// ValidationError reports malformed or missing required input.
type ValidationError struct {
	Field  string
	Reason string
}

func (e ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// InvalidActorError reports a wrong role or a non-owner attempting an
// owner-gated action.
type InvalidActorError struct {
	Reason string
}

func (e InvalidActorError) Error() string {
	return e.Reason
}

// InvalidTransitionError reports a status change the lifecycle table does
// not allow. The request is left unchanged.
type InvalidTransitionError struct {
	From string
	To   string
}

func (e InvalidTransitionError) Error() string {
	return fmt.Sprintf("invalid status transition %s -> %s", e.From, e.To)
}

// storeErr classifies collaborator failures: deadlines surface as ErrTimeout,
// missing rows pass through as repo.ErrNotFound, anything else is wrapped as
// an opaque store failure.
func storeErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return fmt.Errorf("%s: %w", op, ErrTimeout)
	case errors.Is(err, repo.ErrNotFound):
		return repo.ErrNotFound
	default:
		return fmt.Errorf("store %s: %w", op, err)
	}
}
