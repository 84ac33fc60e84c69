package ecryptfs

import (
	"fmt"
)

// ExtentCodec encrypts and decrypts the extents of a page. Each call
// operates on exactly one extent of the crypt stat's extent size.
type ExtentCodec struct {
	cipher   ExtentCipher
	pageSize int
}

// NewExtentCodec creates a codec for pages of pageSize bytes
func NewExtentCodec(cipher ExtentCipher, pageSize int) *ExtentCodec {
	return &ExtentCodec{cipher: cipher, pageSize: pageSize}
}

// EncryptExtent encrypts the plaintext extent extentInPage of page pageIndex
// into dst
func (c *ExtentCodec) EncryptExtent(dst, plaintext []byte, params CryptParams, pageIndex uint64, extentInPage int) error {
	return c.transform("encrypt", dst, plaintext, params, pageIndex, extentInPage)
}

// DecryptExtent decrypts the ciphertext extent extentInPage of page pageIndex
// into dst
func (c *ExtentCodec) DecryptExtent(dst, ciphertext []byte, params CryptParams, pageIndex uint64, extentInPage int) error {
	return c.transform("decrypt", dst, ciphertext, params, pageIndex, extentInPage)
}

func (c *ExtentCodec) transform(op string, dst, src []byte, params CryptParams, pageIndex uint64, extentInPage int) (err error) {
	if c == nil || c.cipher == nil {
		return NewCryptoError(op, pageIndex, extentInPage, fmt.Errorf("no cipher configured"))
	}
	if len(src) != params.ExtentSize || len(dst) < params.ExtentSize {
		return NewCryptoError(op, pageIndex, extentInPage,
			fmt.Errorf("extent buffers must be %d bytes, got src=%d dst=%d", params.ExtentSize, len(src), len(dst)))
	}

	defer func() {
		if r := recover(); r != nil {
			err = NewCryptoError(op, pageIndex, extentInPage, fmt.Errorf("panic in extent cipher: %v", r))
		}
	}()

	extentNum := params.ExtentNum(pageIndex, extentInPage, c.pageSize)
	if op == "encrypt" {
		err = c.cipher.EncryptExtent(dst, src, extentNum)
	} else {
		err = c.cipher.DecryptExtent(dst, src, extentNum)
	}
	if err != nil {
		return NewCryptoError(op, pageIndex, extentInPage, err)
	}
	return nil
}
