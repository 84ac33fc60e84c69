package ecryptfs

import (
	"errors"
	"fmt"
)

// Error types represent different categories of errors

// ValidationError represents a malformed argument, header field or
// configuration value (the InvalidArgument class)
type ValidationError struct {
	Field   string // The field or parameter that failed validation
	Value   any    // The invalid value
	Message string // Human-readable error message
	Err     error  // Underlying error, if any
}

func (e *ValidationError) Error() string {
	if e.Field != "" {
		return fmt.Sprintf("validation error: %s: %s", e.Field, e.Message)
	}
	return fmt.Sprintf("validation error: %s", e.Message)
}

func (e *ValidationError) Unwrap() error {
	return e.Err
}

// CryptoError represents an extent encryption or decryption failure. It is
// always fatal to the page operation in progress.
type CryptoError struct {
	Operation string // "encrypt" or "decrypt"
	Page      uint64 // Page index
	Extent    int    // Extent index within the page
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

func (e *CryptoError) Error() string {
	return fmt.Sprintf("%s error: page %d extent %d: %s", e.Operation, e.Page, e.Extent, e.Message)
}

func (e *CryptoError) Unwrap() error {
	return e.Err
}

// IOError represents a lower file, truncate or xattr failure
type IOError struct {
	Operation string // "read", "write", "truncate", "getxattr", "setxattr", etc.
	Path      string // File path
	Offset    int64  // File offset, if applicable
	Message   string // Human-readable error message
	Err       error  // Underlying error
}

func (e *IOError) Error() string {
	if e.Path != "" && e.Offset >= 0 {
		return fmt.Sprintf("io error: %s %s at offset %d: %s", e.Operation, e.Path, e.Offset, e.Message)
	} else if e.Path != "" {
		return fmt.Sprintf("io error: %s %s: %s", e.Operation, e.Path, e.Message)
	}
	return fmt.Sprintf("io error: %s: %s", e.Operation, e.Message)
}

func (e *IOError) Unwrap() error {
	return e.Err
}

// UnsupportedError reports that the lower filesystem lacks a capability,
// typically extended attributes (the ENOSYS class). It is not retried.
type UnsupportedError struct {
	Operation string
	Message   string
}

func (e *UnsupportedError) Error() string {
	return fmt.Sprintf("unsupported: %s: %s", e.Operation, e.Message)
}

func (e *UnsupportedError) Unwrap() error {
	return ErrUnsupported
}

// Common sentinel errors
var (
	ErrInvalidKey        = errors.New("invalid encryption key")
	ErrInvalidHeader     = errors.New("invalid file header")
	ErrUnsupportedCipher = errors.New("unsupported cipher suite")
	ErrUnsupported       = errors.New("operation not supported by lower filesystem")
	ErrNilConfig         = errors.New("config cannot be nil")
	ErrNilKeyProvider    = errors.New("key provider cannot be nil")
	ErrNilBuffer         = errors.New("buffer cannot be nil")
	ErrNegativeOffset    = errors.New("negative offset not allowed")
	ErrNoAttr            = errors.New("no such attribute")
	ErrAttrRange         = errors.New("attribute value too large for buffer")
	ErrAttrExists        = errors.New("attribute already exists")
	ErrReadOnlyView      = errors.New("encrypted view is read-only")
	ErrClosed            = errors.New("file already closed")
	ErrShortCommit       = errors.New("page commit accepted no bytes")
)

// Helper functions for creating structured errors

// NewValidationError creates a new validation error
func NewValidationError(field string, value any, message string) error {
	return &ValidationError{
		Field:   field,
		Value:   value,
		Message: message,
	}
}

// NewCryptoError creates a new crypto error
func NewCryptoError(operation string, page uint64, extent int, err error) error {
	return &CryptoError{
		Operation: operation,
		Page:      page,
		Extent:    extent,
		Message:   err.Error(),
		Err:       err,
	}
}

// NewIOError creates a new I/O error
func NewIOError(operation, path string, offset int64, err error) error {
	return &IOError{
		Operation: operation,
		Path:      path,
		Offset:    offset,
		Message:   err.Error(),
		Err:       err,
	}
}

// Error checking helpers

// IsValidationError checks if an error is a validation error
func IsValidationError(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// IsCryptoError checks if an error is an extent crypto error
func IsCryptoError(err error) bool {
	var ce *CryptoError
	return errors.As(err, &ce)
}

// IsIOError checks if an error is an I/O error
func IsIOError(err error) bool {
	var ie *IOError
	return errors.As(err, &ie)
}

// IsUnsupportedError checks if an error reports a missing lower capability
func IsUnsupportedError(err error) bool {
	var ue *UnsupportedError
	return errors.As(err, &ue)
}
