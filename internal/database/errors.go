package database

import (
	"errors"
	"fmt"

	"github.com/nfrund/chatsync/internal/domain"
)

// ErrNotConnected is returned when no healthy connection is available.
var ErrNotConnected = errors.New("database not connected")

// DBError represents a database error with the operation and query that
// produced it.
type DBError struct {
	err     error
	context string
	query   string
}

// NewDBError creates a new DBError. context describes the operation.
func NewDBError(err error, context string) *DBError {
	return &DBError{err: err, context: context}
}

// WithQuery adds query information to the error.
func (e *DBError) WithQuery(query string) *DBError {
	e.query = query
	return e
}

// Error returns the error message.
func (e *DBError) Error() string {
	msg := e.context
	if e.query != "" {
		msg = fmt.Sprintf("%s (query: %s)", msg, e.query)
	}
	if e.err != nil {
		msg = fmt.Sprintf("%s: %v", msg, e.err)
	}
	return msg
}

// Unwrap returns the underlying error.
func (e *DBError) Unwrap() error {
	return e.err
}

// Is maps a lost connection to ErrTransportUnavailable so callers of the
// persistence client see the same failure classes as with the REST client.
func (e *DBError) Is(target error) bool {
	if target == domain.ErrTransportUnavailable {
		return errors.Is(e.err, ErrNotConnected) || isConnectionError(e.err)
	}
	return false
}
