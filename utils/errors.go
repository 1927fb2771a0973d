package utils

import (
	"errors"
	"fmt"
	"strings"

	mysqlDriver "github.com/go-sql-driver/mysql"
)

// TransientError marks a failure that is expected to clear on its own
// (connection drops, timeouts, deadlocks). Callers retry these; anything
// else is treated as fatal for the current unit of work.
type TransientError struct {
	Op  string
	Err error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("transient failure in %s: %v", e.Op, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func NewTransientError(op string, err error) *TransientError {
	return &TransientError{Op: op, Err: err}
}

func IsTransient(err error) bool {
	var te *TransientError
	return errors.As(err, &te)
}

// SchemaError marks a structural mismatch between the expected POS schema and
// what the database actually has. Retrying cannot help; the deployment needs
// operator attention.
type SchemaError struct {
	Table string
	Err   error
}

func (e *SchemaError) Error() string {
	if e.Table != "" {
		return fmt.Sprintf("pos schema mismatch on %s: %v", e.Table, e.Err)
	}
	return fmt.Sprintf("pos schema mismatch: %v", e.Err)
}

func (e *SchemaError) Unwrap() error { return e.Err }

func NewSchemaError(table string, err error) *SchemaError {
	return &SchemaError{Table: table, Err: err}
}

func IsSchemaError(err error) bool {
	var se *SchemaError
	return errors.As(err, &se)
}

// BusinessRuleError carries a machine-readable code so the cloud side can
// react to the rejection (e.g. TABLE_OCCUPIED). These are terminal for the
// command that triggered them but leave the service healthy.
type BusinessRuleError struct {
	Code    string
	Message string
}

func (e *BusinessRuleError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

func NewBusinessRuleError(code string, format string, args ...any) *BusinessRuleError {
	return &BusinessRuleError{Code: code, Message: fmt.Sprintf(format, args...)}
}

func IsBusinessRule(err error) bool {
	var be *BusinessRuleError
	return errors.As(err, &be)
}

func BusinessRuleCode(err error) string {
	var be *BusinessRuleError
	if errors.As(err, &be) {
		return be.Code
	}
	return ""
}

// ClassifyDBError wraps a raw database error into the taxonomy above.
// MySQL error numbers are authoritative; the string checks cover the sqlite
// driver used in tests and generic net errors surfaced through gorm.
func ClassifyDBError(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsTransient(err) || IsSchemaError(err) || IsBusinessRule(err) {
		return err
	}

	var mysqlErr *mysqlDriver.MySQLError
	if errors.As(err, &mysqlErr) {
		switch mysqlErr.Number {
		case 1146, 1054: // unknown table / unknown column
			return NewSchemaError("", err)
		case 1205, 1213: // lock wait timeout / deadlock
			return NewTransientError(op, err)
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "no such table"),
		strings.Contains(msg, "no such column"):
		return NewSchemaError("", err)
	case strings.Contains(msg, "connection refused"),
		strings.Contains(msg, "invalid connection"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "i/o timeout"),
		strings.Contains(msg, "bad connection"):
		return NewTransientError(op, err)
	}
	return err
}
