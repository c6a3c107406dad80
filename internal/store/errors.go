package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
)

// ErrMissing is returned when the requested record does not exist.
// Callers decide whether that is a 404 or an ignorable condition.
var ErrMissing = errors.New("record not found")

// ErrConflict is returned when an insert or update violates a unique
// constraint, for example two robots registering the same display name.
var ErrConflict = errors.New("record already exists")

// ErrUnavailable is returned for transient database failures. Callers retry
// with backoff; the store itself does not retry.
var ErrUnavailable = errors.New("store unavailable")

// ErrStale is returned when a guarded state transition matched no rows —
// the record moved to a different state between read and write.
var ErrStale = errors.New("state changed concurrently")

// classify maps a raw gorm/database error to the store's typed failures.
func classify(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, gorm.ErrRecordNotFound):
		return ErrMissing
	case errors.Is(err, gorm.ErrDuplicatedKey):
		return ErrConflict
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return errors.Join(ErrUnavailable, err)
	}
}
