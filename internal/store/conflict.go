package store

import (
	"errors"

	"github.com/jackc/pgx/v5"
)

// conflictRetries bounds insert-or-find loops against rows that keep changing.
const conflictRetries = 3

var errConflictChurn = errors.New("conflicting row kept changing state")

// insertOrFind runs insert and, when it hit a uniqueness conflict, loads the
// live row it conflicted with. If that row left its live state between the
// two statements the insert is tried again.
func insertOrFind[T any](insert func() (T, bool, error), find func() (T, error)) (T, bool, error) {
	var zero T
	for attempt := 0; attempt < conflictRetries; attempt++ {
		v, inserted, err := insert()
		if err != nil {
			return zero, false, err
		}
		if inserted {
			return v, false, nil
		}
		existing, err := find()
		if err == nil {
			return existing, true, nil
		}
		if !errors.Is(err, pgx.ErrNoRows) {
			return zero, false, err
		}
	}
	return zero, false, errConflictChurn
}
