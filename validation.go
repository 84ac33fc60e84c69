package ecryptfs

import (
	"fmt"
	"math/bits"
)

// Input validation helpers

// ValidateBuffer checks if a buffer is valid (non-nil and has expected size)
func ValidateBuffer(buf []byte, name string, minSize int) error {
	if buf == nil {
		return &ValidationError{
			Field:   name,
			Message: "buffer cannot be nil",
		}
	}
	if minSize > 0 && len(buf) < minSize {
		return &ValidationError{
			Field:   name,
			Value:   len(buf),
			Message: fmt.Sprintf("buffer too small: got %d bytes, need at least %d bytes", len(buf), minSize),
		}
	}
	return nil
}

// ValidateOffset checks if a file offset is valid
func ValidateOffset(offset int64, name string) error {
	if offset < 0 {
		return &ValidationError{
			Field:   name,
			Value:   offset,
			Message: "offset cannot be negative",
		}
	}
	return nil
}

// ValidatePageSize checks that a page size is a power of two within bounds
func ValidatePageSize(size int) error {
	if size < MinExtentSize || size > MaxPageSize {
		return &ValidationError{
			Field:   "page_size",
			Value:   size,
			Message: fmt.Sprintf("page size must be between %d and %d", MinExtentSize, MaxPageSize),
		}
	}
	if bits.OnesCount(uint(size)) != 1 {
		return &ValidationError{
			Field:   "page_size",
			Value:   size,
			Message: "page size must be a power of two",
		}
	}
	return nil
}

// ValidateExtentSize checks that an extent size is a power of two no smaller
// than MinExtentSize that evenly divides the page size
func ValidateExtentSize(size, pageSize int) error {
	if size < MinExtentSize {
		return &ValidationError{
			Field:   "extent_size",
			Value:   size,
			Message: fmt.Sprintf("extent size below minimum %d", MinExtentSize),
		}
	}
	if bits.OnesCount(uint(size)) != 1 {
		return &ValidationError{
			Field:   "extent_size",
			Value:   size,
			Message: "extent size must be a power of two",
		}
	}
	if size > pageSize || pageSize%size != 0 {
		return &ValidationError{
			Field:   "extent_size",
			Value:   size,
			Message: fmt.Sprintf("extent size must divide page size %d", pageSize),
		}
	}
	return nil
}

// ValidateCryptParams checks the crypt stat invariants against a page size
func ValidateCryptParams(p CryptParams, pageSize int) error {
	if !p.Has(FlagEncrypted) {
		return nil
	}
	if err := ValidateExtentSize(p.ExtentSize, pageSize); err != nil {
		return err
	}
	if p.MetadataSize <= 0 || p.MetadataSize%p.ExtentSize != 0 {
		return &ValidationError{
			Field:   "metadata_size",
			Value:   p.MetadataSize,
			Message: fmt.Sprintf("metadata size must be a positive multiple of extent size %d", p.ExtentSize),
		}
	}
	return nil
}

// ValidateReadWrite checks common preconditions for read/write operations
func ValidateReadWrite(buf []byte, position int64) error {
	if buf == nil {
		return ErrNilBuffer
	}
	if position < 0 {
		return ErrNegativeOffset
	}
	return nil
}
