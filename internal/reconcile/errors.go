package reconcile

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5/pgconn"
)

// ServiceError carries a machine readable "operation.reason" code.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// StoreError marks a failure to access the system of record. Store errors are
// never recorded as outcomes; the caller retries the operation.
type StoreError struct {
	retryable bool
	err       error
}

// NewStoreError wraps err and classifies it as retryable or fatal.
func NewStoreError(err error) *StoreError {
	if err == nil {
		return nil
	}
	var existing *StoreError
	if errors.As(err, &existing) {
		return existing
	}
	return &StoreError{retryable: isRetryable(err), err: err}
}

func (e *StoreError) Error() string {
	if e.retryable {
		return fmt.Sprintf("store unavailable (retryable): %v", e.err)
	}
	return fmt.Sprintf("store failure: %v", e.err)
}

func (e *StoreError) Unwrap() error {
	return e.err
}

// Retryable reports whether resubmitting the operation may succeed.
func (e *StoreError) Retryable() bool {
	return e.retryable
}

// AsStoreError returns the store error inside err, classifying transient
// connectivity and locking failures even when the caller did not wrap them.
func AsStoreError(err error) (*StoreError, bool) {
	if err == nil {
		return nil, false
	}
	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return storeErr, true
	}
	if isRetryable(err) {
		return &StoreError{retryable: true, err: err}, true
	}
	return nil, false
}

func isRetryable(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return isRetryableSQLState(pgErr.Code)
	}
	message := strings.ToLower(err.Error())
	return strings.Contains(message, "database is locked") ||
		strings.Contains(message, "sqlite_busy") ||
		strings.Contains(message, "database table is locked")
}

// isRetryableSQLState covers connection exceptions (08), transaction rollbacks
// such as serialization failures and deadlocks (40), insufficient resources (53)
// and operator intervention such as admin shutdown (57P).
func isRetryableSQLState(code string) bool {
	switch {
	case strings.HasPrefix(code, "08"):
		return true
	case strings.HasPrefix(code, "40"):
		return true
	case strings.HasPrefix(code, "53"):
		return true
	case strings.HasPrefix(code, "57P"):
		return true
	default:
		return false
	}
}
