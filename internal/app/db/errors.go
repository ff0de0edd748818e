package db

import (
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

const (
	codeUniqueViolation   = "23505"
	snapshotTakenAtUnique = "stats_snapshots_taken_at_key"
)

// isDuplicateSnapshot reports whether err is the unique violation raised when a
// snapshot for the same second is already stored.
func isDuplicateSnapshot(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == codeUniqueViolation && pgErr.ConstraintName == snapshotTakenAtUnique
}
