package ecryptfs

import (
	"fmt"
)

// MultiKeyProvider tries multiple key providers in order when opening a file.
// This is useful during key rotation/migration: files are created with the
// primary key, and older files stay readable with any listed key.
type MultiKeyProvider struct {
	providers []KeyProvider
	primary   KeyProvider // Primary provider for new files
}

// NewMultiKeyProvider creates a new multi-key provider
// The first provider is used for new files, others for opening fallback
func NewMultiKeyProvider(providers ...KeyProvider) (*MultiKeyProvider, error) {
	if len(providers) == 0 {
		return nil, fmt.Errorf("at least one key provider required")
	}

	return &MultiKeyProvider{
		providers: providers,
		primary:   providers[0],
	}, nil
}

// DeriveKey uses the primary provider
func (m *MultiKeyProvider) DeriveKey(salt []byte) ([]byte, error) {
	return m.primary.DeriveKey(salt)
}

// GenerateSalt uses the primary provider
func (m *MultiKeyProvider) GenerateSalt() ([]byte, error) {
	return m.primary.GenerateSalt()
}
