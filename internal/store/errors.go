package store

import (
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
)

// ErrConflict is returned when an optimistic-concurrency transition or a
// unique constraint prevents a mutation (duplicate schedule, duplicate
// finish, lease race).
var ErrConflict = errors.New("store: conflict")

// ErrAlreadyFinished is returned by RecordRunResult when the active run has
// already been ingested; finish is idempotent on log_id.
var ErrAlreadyFinished = errors.New("store: run already finished")

// ErrInvalidTransition marks an attempted state change that does not match
// any allowed source state.
var ErrInvalidTransition = errors.New("store: invalid state transition")

// IsNotFound reports whether err is a missing-row error.
func IsNotFound(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// IsConflict reports whether err represents a conflicting mutation.
func IsConflict(err error) bool {
	return errors.Is(err, ErrConflict)
}

// IsAlreadyFinished reports whether err is ErrAlreadyFinished.
func IsAlreadyFinished(err error) bool {
	return errors.Is(err, ErrAlreadyFinished)
}

// IsInvalidTransition reports whether err is ErrInvalidTransition.
func IsInvalidTransition(err error) bool {
	return errors.Is(err, ErrInvalidTransition)
}

func wrapf(op string, err error) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("store: %s: %w", op, err)
}
