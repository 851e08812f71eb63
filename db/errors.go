package db

import (
	"database/sql"
	"strings"

	"github.com/teranos/notiflow/errors"
)

// ErrDatabaseClosed marks cache operations that raced with Close, typically a
// best-effort write landing after the session shut down.
var ErrDatabaseClosed = errors.New("database is closed")

// IsDatabaseClosed reports whether err came from a closed cache database,
// either wrapped by this module or straight from database/sql, whose closed
// error is an unexported string.
func IsDatabaseClosed(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.IsAny(err, ErrDatabaseClosed, sql.ErrConnDone):
		return true
	default:
		return strings.Contains(err.Error(), "database is closed")
	}
}
