package ecryptfs

import (
	"errors"

	"github.com/sirupsen/logrus"
)

// CipherSuite represents the extent cipher to use
type CipherSuite uint8

const (
	// CipherAuto selects the default extent cipher (AES-256-XTS)
	CipherAuto CipherSuite = iota
	// CipherAES256XTS uses AES-256 in XTS mode, tweaked by the extent number
	CipherAES256XTS
	// CipherChaCha20 uses the ChaCha20 stream cipher with a nonce derived
	// from the extent number
	CipherChaCha20
)

// String returns the string representation of the cipher suite
func (c CipherSuite) String() string {
	switch c {
	case CipherAuto:
		return "auto"
	case CipherAES256XTS:
		return "aes-256-xts"
	case CipherChaCha20:
		return "chacha20"
	default:
		return "unknown"
	}
}

const (
	// DefaultPageSize is the page cache unit in bytes
	DefaultPageSize = 4096

	// DefaultExtentSize is the default encryption extent size
	DefaultExtentSize = 4096

	// MinExtentSize is the smallest extent the ciphers accept
	MinExtentSize = 512

	// MaxPageSize bounds the page cache unit (64 KB)
	MaxPageSize = 64 * 1024
)

// Config contains configuration for the encrypted filesystem
type Config struct {
	// Cipher suite used to encrypt extents of new files
	Cipher CipherSuite

	// KeyProvider supplies encryption keys
	KeyProvider KeyProvider

	// PageSize is the size of a page cache unit. Defaults to DefaultPageSize.
	PageSize int

	// ExtentSize is the size of an encryption extent. It must be a power of
	// two that divides PageSize. Defaults to PageSize.
	ExtentSize int

	// MetadataInXattr stores the header of new files in an extended
	// attribute instead of the leading extents of the lower file
	MetadataInXattr bool

	// ViewAsEncrypted presents the lower ciphertext (with an inline header)
	// instead of decrypting it. Files can only be opened read-only.
	ViewAsEncrypted bool

	// Passthrough lets files without a valid header be read and written
	// unencrypted instead of failing to open
	Passthrough bool

	// XattrStore provides extended attributes for the lower files. Nil means
	// the lower filesystem has no xattr support.
	XattrStore XattrStore

	// Parallel controls writeback concurrency
	Parallel ParallelConfig

	// Logger receives diagnostics. Defaults to logrus.New().
	Logger *logrus.Logger
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c == nil {
		return ErrNilConfig
	}
	if c.KeyProvider == nil {
		return ErrNilKeyProvider
	}
	if c.Cipher != CipherAES256XTS && c.Cipher != CipherChaCha20 && c.Cipher != CipherAuto {
		return ErrUnsupportedCipher
	}
	if c.PageSize != 0 {
		if err := ValidatePageSize(c.PageSize); err != nil {
			return err
		}
	}
	if c.ExtentSize != 0 {
		if err := ValidateExtentSize(c.ExtentSize, c.pageSize()); err != nil {
			return err
		}
	}
	if c.MetadataInXattr && c.XattrStore == nil {
		return &UnsupportedError{Operation: "setxattr", Message: "metadata in xattr requires an xattr store"}
	}
	if err := c.Parallel.Validate(); err != nil {
		return err
	}
	return nil
}

func (c *Config) pageSize() int {
	if c.PageSize == 0 {
		return DefaultPageSize
	}
	return c.PageSize
}

func (c *Config) extentSize() int {
	if c.ExtentSize == 0 {
		if c.pageSize() < DefaultExtentSize {
			return c.pageSize()
		}
		return DefaultExtentSize
	}
	return c.ExtentSize
}

func (c *Config) cipher() CipherSuite {
	if c.Cipher == CipherAuto {
		return CipherAES256XTS
	}
	return c.Cipher
}

func (c *Config) logger() *logrus.Logger {
	if c.Logger == nil {
		c.Logger = logrus.New()
	}
	return c.Logger
}

// KeyProvider is an interface for providing encryption keys
type KeyProvider interface {
	// DeriveKey derives an encryption key from the given salt
	DeriveKey(salt []byte) ([]byte, error)

	// GenerateSalt generates a new random salt
	GenerateSalt() ([]byte, error)
}

var errNoHeader = errors.New("no ecryptfs header found")
