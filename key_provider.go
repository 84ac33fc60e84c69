package ecryptfs

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"crypto/sha512"
	"errors"
	"fmt"
	"hash"
	"io"
	"os"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/hkdf"
	"golang.org/x/crypto/pbkdf2"
)

// HashFunc selects the PBKDF2 digest
type HashFunc uint8

const (
	// SHA256 hash function
	SHA256 HashFunc = iota
	// SHA512 hash function
	SHA512
)

func (h HashFunc) hasher() (func() hash.Hash, error) {
	switch h {
	case SHA256:
		return sha256.New, nil
	case SHA512:
		return sha512.New, nil
	}
	return nil, fmt.Errorf("unsupported hash function: %d", h)
}

// PBKDF2Params tunes PBKDF2 derivation. Zero fields take defaults.
type PBKDF2Params struct {
	Iterations int // default 100000
	HashFunc   HashFunc
	SaltSize   int // default 32
	KeySize    int // default 32
}

// Argon2idParams tunes Argon2id derivation. Zero fields take defaults.
type Argon2idParams struct {
	Memory      uint32 // KiB, default 64 MiB
	Iterations  uint32 // default 3
	Parallelism uint8  // default 4
	SaltSize    int    // default 32
	KeySize     int    // default 32
}

// PasswordKeyProvider stretches a password into the master key of each
// file with the file's salt
type PasswordKeyProvider struct {
	password []byte
	saltSize int
	derive   func(password, salt []byte) ([]byte, error)
}

func orDefault[T ~int | ~uint32 | ~uint8](v, def T) T {
	if v == 0 {
		return def
	}
	return v
}

// NewPasswordKeyProviderPBKDF2 creates a password provider using PBKDF2
func NewPasswordKeyProviderPBKDF2(password []byte, params PBKDF2Params) *PasswordKeyProvider {
	iter := orDefault(params.Iterations, 100000)
	keySize := orDefault(params.KeySize, 32)
	return &PasswordKeyProvider{
		password: password,
		saltSize: orDefault(params.SaltSize, 32),
		derive: func(password, salt []byte) ([]byte, error) {
			h, err := params.HashFunc.hasher()
			if err != nil {
				return nil, err
			}
			return pbkdf2.Key(password, salt, iter, keySize, h), nil
		},
	}
}

// NewPasswordKeyProvider creates a password provider using Argon2id
func NewPasswordKeyProvider(password []byte, params Argon2idParams) *PasswordKeyProvider {
	mem := orDefault(params.Memory, 64*1024)
	iter := orDefault(params.Iterations, 3)
	par := orDefault(params.Parallelism, 4)
	keySize := uint32(orDefault(params.KeySize, 32))
	return &PasswordKeyProvider{
		password: password,
		saltSize: orDefault(params.SaltSize, 32),
		derive: func(password, salt []byte) ([]byte, error) {
			return argon2.IDKey(password, salt, iter, mem, par, keySize), nil
		},
	}
}

// DeriveKey derives the master key for salt
func (p *PasswordKeyProvider) DeriveKey(salt []byte) ([]byte, error) {
	if len(p.password) == 0 {
		return nil, errors.New("password cannot be empty")
	}
	if len(salt) == 0 {
		return nil, errors.New("salt cannot be empty")
	}
	return p.derive(p.password, salt)
}

// GenerateSalt returns a fresh random salt
func (p *PasswordKeyProvider) GenerateSalt() ([]byte, error) {
	return randomSalt(p.saltSize)
}

// EnvKeyProvider reads a 32 byte master key from an environment variable
type EnvKeyProvider struct {
	name string
}

// NewEnvKeyProvider creates a provider reading the variable name
func NewEnvKeyProvider(name string) *EnvKeyProvider {
	return &EnvKeyProvider{name: name}
}

// DeriveKey returns the key held in the variable. The salt only feeds the
// extent key expansion.
func (e *EnvKeyProvider) DeriveKey(salt []byte) ([]byte, error) {
	key, ok := os.LookupEnv(e.name)
	switch {
	case !ok || key == "":
		return nil, fmt.Errorf("environment variable %s not set", e.name)
	case len(key) != 32:
		return nil, fmt.Errorf("key from %s must be 32 bytes, got %d", e.name, len(key))
	}
	return []byte(key), nil
}

// GenerateSalt returns a fresh random salt
func (e *EnvKeyProvider) GenerateSalt() ([]byte, error) {
	return randomSalt(32)
}

// RawKeyProvider returns a fixed master key. Useful when the caller already
// manages key material.
type RawKeyProvider struct {
	key []byte
}

// NewRawKeyProvider creates a provider for a fixed key of at least 16 bytes
func NewRawKeyProvider(key []byte) (*RawKeyProvider, error) {
	if len(key) < 16 {
		return nil, NewValidationError("key", len(key), "raw key must be at least 16 bytes")
	}
	k := make([]byte, len(key))
	copy(k, key)
	return &RawKeyProvider{key: k}, nil
}

// DeriveKey returns the raw key
func (r *RawKeyProvider) DeriveKey(salt []byte) ([]byte, error) {
	return r.key, nil
}

// GenerateSalt generates a new random salt
func (r *RawKeyProvider) GenerateSalt() ([]byte, error) {
	return randomSalt(32)
}

func randomSalt(size int) ([]byte, error) {
	salt := make([]byte, size)
	if _, err := rand.Read(salt); err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	return salt, nil
}

const keyCheckSize = 8

// expandKey stretches a master key into the extent key for a cipher suite
// and a key check value stored in the header
func expandKey(master, salt []byte, cipher CipherSuite) (key, check []byte, err error) {
	size, err := CipherKeySize(cipher)
	if err != nil {
		return nil, nil, err
	}

	key = make([]byte, size)
	r := hkdf.New(sha256.New, master, salt, []byte("ecryptfs extent key "+cipher.String()))
	if _, err := io.ReadFull(r, key); err != nil {
		return nil, nil, fmt.Errorf("failed to expand key: %w", err)
	}

	mac := hmac.New(sha256.New, key)
	mac.Write([]byte("ecryptfs key check"))
	check = mac.Sum(nil)[:keyCheckSize]
	return key, check, nil
}

// keyPacket is the key derivation packet body: cipher octet, salt, key check
func keyPacket(cipher CipherSuite, salt, check []byte) Packet {
	body := make([]byte, 0, 1+len(salt)+len(check))
	body = append(body, byte(cipher))
	body = append(body, salt...)
	body = append(body, check...)
	return Packet{Tag: PacketTagKeyDerivation, Body: body}
}

func parseKeyPacket(body []byte) (cipher CipherSuite, salt, check []byte, err error) {
	if len(body) < 1+1+keyCheckSize {
		return 0, nil, nil, &ValidationError{Field: "key_packet", Value: len(body), Message: "key packet too short", Err: ErrInvalidHeader}
	}
	cipher = CipherSuite(body[0])
	salt = body[1 : len(body)-keyCheckSize]
	check = body[len(body)-keyCheckSize:]
	return cipher, salt, check, nil
}

// resolveExtentCipher derives the extent cipher for a header's key packet,
// trying every provider of a MultiKeyProvider until the key check matches
func resolveExtentCipher(kp KeyProvider, body []byte) (ExtentCipher, error) {
	cipher, salt, check, err := parseKeyPacket(body)
	if err != nil {
		return nil, err
	}

	providers := []KeyProvider{kp}
	if m, ok := kp.(*MultiKeyProvider); ok {
		providers = m.providers
	}

	var lastErr error = ErrInvalidKey
	for _, provider := range providers {
		master, err := provider.DeriveKey(salt)
		if err != nil {
			lastErr = err
			continue
		}
		key, got, err := expandKey(master, salt, cipher)
		if err != nil {
			return nil, err
		}
		if !hmac.Equal(got, check) {
			lastErr = ErrInvalidKey
			continue
		}
		return NewExtentCipher(cipher, key)
	}
	return nil, lastErr
}
