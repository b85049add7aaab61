package store

import (
	"errors"
	"fmt"
)

// Common storage errors
var (
	ErrNotFound               = errors.New("not found")
	ErrExists                 = errors.New("already exists")
	ErrConcurrentModification = errors.New("concurrent modification")
	ErrQuotaExceeded          = errors.New("quota exceeded")
	ErrClosed                 = errors.New("store is closed")
	ErrInvalidRecord          = errors.New("invalid record")
)

// StoreError wraps errors with context
type StoreError struct {
	Op  string // Operation that failed
	Err error  // Underlying error

	// Context
	TenantID     string
	ListID       string
	CredentialID string
	Key          string
}

func (e *StoreError) Error() string {
	if e.CredentialID != "" {
		return fmt.Sprintf("store %s: %v (credential: %s)", e.Op, e.Err, e.CredentialID)
	}
	if e.ListID != "" {
		return fmt.Sprintf("store %s: %v (list: %s)", e.Op, e.Err, e.ListID)
	}
	if e.TenantID != "" {
		return fmt.Sprintf("store %s: %v (tenant: %s)", e.Op, e.Err, e.TenantID)
	}
	if e.Key != "" {
		return fmt.Sprintf("store %s: %v (key: %s)", e.Op, e.Err, e.Key)
	}
	return fmt.Sprintf("store %s: %v", e.Op, e.Err)
}

func (e *StoreError) Unwrap() error {
	return e.Err
}

// Convenience constructors for common error patterns

func ErrNotFoundList(listID string) error {
	return &StoreError{
		Op:     "get",
		Err:    ErrNotFound,
		ListID: listID,
	}
}

func ErrNotFoundCredential(tenantID, credentialID string) error {
	return &StoreError{
		Op:           "get",
		Err:          ErrNotFound,
		TenantID:     tenantID,
		CredentialID: credentialID,
	}
}

func ErrConflict(op, listID string) error {
	return &StoreError{
		Op:     op,
		Err:    ErrConcurrentModification,
		ListID: listID,
	}
}

func ErrDuplicateCredential(tenantID, credentialID string) error {
	return &StoreError{
		Op:           "insert",
		Err:          ErrExists,
		TenantID:     tenantID,
		CredentialID: credentialID,
	}
}

func ErrDatabase(op string, err error) error {
	return &StoreError{
		Op:  op,
		Err: err,
	}
}

// IsNotFound checks if error is a "not found" error
func IsNotFound(err error) bool {
	if err == nil {
		return false
	}

	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return errors.Is(storeErr.Err, ErrNotFound)
	}

	return errors.Is(err, ErrNotFound)
}

// IsExists checks if error is an "already exists" error
func IsExists(err error) bool {
	if err == nil {
		return false
	}

	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return errors.Is(storeErr.Err, ErrExists)
	}

	return errors.Is(err, ErrExists)
}

// IsConflict checks if error is a sequence mismatch on a CAS write
func IsConflict(err error) bool {
	if err == nil {
		return false
	}

	var storeErr *StoreError
	if errors.As(err, &storeErr) {
		return errors.Is(storeErr.Err, ErrConcurrentModification)
	}

	return errors.Is(err, ErrConcurrentModification)
}

// IsQuotaExceeded checks if error is a list-count quota error
func IsQuotaExceeded(err error) bool {
	if err == nil {
		return false
	}
	return errors.Is(err, ErrQuotaExceeded)
}
