package ecryptfs

import (
	"strings"
	"sync"
)

// CryptFlags is the runtime flag set of a CryptStat
type CryptFlags uint32

const (
	// FlagEncrypted marks the file contents as encrypted
	FlagEncrypted CryptFlags = 1 << iota
	// FlagViewAsEncrypted presents the lower ciphertext instead of plaintext
	FlagViewAsEncrypted
	// FlagMetadataInXattr keeps the header in an extended attribute
	FlagMetadataInXattr
)

func (f CryptFlags) String() string {
	var names []string
	if f&FlagEncrypted != 0 {
		names = append(names, "encrypted")
	}
	if f&FlagViewAsEncrypted != 0 {
		names = append(names, "view-as-encrypted")
	}
	if f&FlagMetadataInXattr != 0 {
		names = append(names, "metadata-in-xattr")
	}
	if len(names) == 0 {
		return "none"
	}
	return strings.Join(names, "|")
}

// CryptParams is an immutable snapshot of a CryptStat
type CryptParams struct {
	Flags        CryptFlags
	ExtentSize   int // bytes per encryption extent
	MetadataSize int // header size in bytes when stored inline
}

// Has reports whether all bits of flag are set
func (p CryptParams) Has(flag CryptFlags) bool {
	return p.Flags&flag == flag
}

// Without returns a copy with the given flag bits cleared
func (p CryptParams) Without(flag CryptFlags) CryptParams {
	p.Flags &^= flag
	return p
}

// CryptStat is the per-inode cryptographic context. Flag mutations happen
// under its lock; page operations work on a Snapshot.
type CryptStat struct {
	mu     sync.RWMutex
	params CryptParams
}

// NewCryptStat creates a crypt stat and checks its invariants
func NewCryptStat(params CryptParams, pageSize int) (*CryptStat, error) {
	if err := ValidateCryptParams(params, pageSize); err != nil {
		return nil, err
	}
	return &CryptStat{params: params}, nil
}

// Snapshot returns the current parameters
func (s *CryptStat) Snapshot() CryptParams {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.params
}

// Flags returns the current flag set
func (s *CryptStat) Flags() CryptFlags {
	return s.Snapshot().Flags
}

// SetFlags sets flag bits
func (s *CryptStat) SetFlags(flags CryptFlags) {
	s.mu.Lock()
	s.params.Flags |= flags
	s.mu.Unlock()
}

// ClearFlags clears flag bits
func (s *CryptStat) ClearFlags(flags CryptFlags) {
	s.mu.Lock()
	s.params.Flags &^= flags
	s.mu.Unlock()
}
