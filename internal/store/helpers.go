package store

import (
	stdsql "database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

// isNoRows reports whether err is database/sql's "no rows" sentinel,
// returned by sqlx's Get/GetContext when a query matches nothing.
func isNoRows(err error) bool {
	return errors.Is(err, stdsql.ErrNoRows)
}

// pgErrorCode extracts the Postgres SQLSTATE code from err, or "" if err is
// not (or does not wrap) a *pgconn.PgError.
func pgErrorCode(err error) string {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr.Code
	}
	return ""
}
