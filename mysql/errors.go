package mysql

import (
	"context"
	"database/sql/driver"
	"errors"

	"github.com/go-sql-driver/mysql"
)

var (
	// ErrDBRequired is returned when a nil *sql.DB is provided.
	ErrDBRequired = errors.New("sqlbus mysql: db is required")
	// ErrTableNameRequired is returned when the table name is empty.
	ErrTableNameRequired = errors.New("sqlbus mysql: table name is required")
	// ErrInvalidTableName is returned when the table name has disallowed characters.
	ErrInvalidTableName = errors.New("sqlbus mysql: invalid table name")
	// ErrGateTimeout is returned when a connection gate stripe could not be acquired in time.
	ErrGateTimeout = errors.New("sqlbus mysql: timed out waiting for connection gate")
	// ErrSchemaMissing is returned when a table is still absent after its migration steps ran.
	ErrSchemaMissing = errors.New("sqlbus mysql: table does not exist after migration")
	// ErrNoSteps is returned when a migration has no statements.
	ErrNoSteps = errors.New("sqlbus mysql: migration has no steps")
)

// MySQL server error numbers the package reacts to.
const (
	ErrNumTableExists      = 1050
	ErrNumDuplicateKeyName = 1061
	ErrNumDuplicateEntry   = 1062
	ErrNumLockWaitTimeout  = 1205
	ErrNumDeadlock         = 1213
)

// IsErrorNumber reports whether err is a MySQL server error with one of the given numbers.
func IsErrorNumber(err error, numbers ...uint16) bool {
	var myErr *mysql.MySQLError
	if !errors.As(err, &myErr) {
		return false
	}
	for _, n := range numbers {
		if myErr.Number == n {
			return true
		}
	}

	return false
}

// IsAlreadyExists reports whether err means a schema object is already there.
func IsAlreadyExists(err error) bool {
	return IsErrorNumber(err, ErrNumTableExists, ErrNumDuplicateKeyName, ErrNumDuplicateEntry)
}

// IsCanceled reports whether err was caused by ctx being canceled.
// The driver may surface a canceled query as a bad connection, so ctx is checked as well.
func IsCanceled(ctx context.Context, err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	if ctx.Err() == nil {
		return false
	}

	return errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn)
}
