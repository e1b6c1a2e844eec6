package models

import (
	"errors"
	"fmt"

	mysqlDriver "github.com/go-sql-driver/mysql"
)

// ErrWriteConflict means the row changed between read and write (version
// mismatch) or MySQL aborted the statement with a deadlock or lock wait timeout.
var ErrWriteConflict = errors.New("concurrent write conflict")

var ErrUnknownCollection = errors.New("unknown collection")

var ErrUnknownColumn = errors.New("column not importable")

// ValidationError rejects a single entity write; the batch continues.
type ValidationError struct {
	Field   string
	Message string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return "validation: " + e.Message
	}
	return fmt.Sprintf("validation: %s: %s", e.Field, e.Message)
}

const (
	mysqlErrDuplicateEntry  = 1062
	mysqlErrLockWaitTimeout = 1205
	mysqlErrDeadlock        = 1213
)

func IsDuplicateKeyErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlErrDuplicateEntry
	}
	return false
}

// IsRetryableLockErr reports deadlock / lock wait timeout errors.
func IsRetryableLockErr(err error) bool {
	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		return mysqlErr.Number == mysqlErrDeadlock || mysqlErr.Number == mysqlErrLockWaitTimeout
	}
	return false
}

// classifyWriteErr folds lock errors into ErrWriteConflict so callers only
// need one errors.Is check.
func classifyWriteErr(err error) error {
	if err == nil {
		return nil
	}
	if IsRetryableLockErr(err) {
		return fmt.Errorf("%w: %v", ErrWriteConflict, err)
	}
	return err
}
