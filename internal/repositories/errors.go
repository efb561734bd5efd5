package repositories

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	// ErrNotFound indicates the requested stream, or a stream it references, does not exist.
	ErrNotFound = errors.New("record not found")
	// ErrConflict indicates the write would duplicate a stream id or an occurrence slot.
	ErrConflict = errors.New("record conflict")
	// ErrStale indicates a guarded update found the record in a different state.
	ErrStale = errors.New("record state changed")
)

const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
)

// constraintError translates constraint violations into repository errors.
// It returns nil for any other error.
func constraintError(err error) error {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return nil
	}
	switch pgErr.Code {
	case pgUniqueViolation:
		return ErrConflict
	case pgForeignKeyViolation:
		return ErrNotFound
	}
	return nil
}
