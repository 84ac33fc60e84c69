// Package ecryptfs provides a stacked encryption layer for the AbsFs
// filesystem abstraction, modeled on the eCryptfs page cache design: file
// contents are encrypted extent by extent and every file carries a small
// header describing how it was encrypted.
//
// # Overview
//
// ecryptfs implements the absfs.FileSystem interface, allowing it to wrap
// any AbsFs-compatible filesystem (the lower filesystem). Each open file
// has an upper inode with its own page cache. Pages are populated from the
// lower file on read and encrypted back to it on write.
//
// # Supported Cipher Suites
//
//   - AES-256-XTS: AES in XTS mode, tweaked by the absolute extent number
//   - ChaCha20: stream cipher with a nonce derived from the extent number
//
// Both ciphers preserve size, so extent n of the plaintext always maps to
// extent n of the lower data stream.
//
// # Basic Usage
//
//	base, _ := memfs.NewFS()
//
//	config := &ecryptfs.Config{
//	    Cipher: ecryptfs.CipherAES256XTS,
//	    KeyProvider: ecryptfs.NewPasswordKeyProvider(
//	        []byte("my-secure-password"),
//	        ecryptfs.Argon2idParams{
//	            Memory:      64 * 1024, // 64 MB
//	            Iterations:  3,
//	            Parallelism: 4,
//	        },
//	    ),
//	}
//
//	fs, err := ecryptfs.New(base, config)
//	if err != nil {
//	    panic(err)
//	}
//
//	file, _ := fs.Create("/secret.txt")
//	file.WriteString("This will be encrypted on disk")
//	file.Close()
//
// # File Format
//
// The header is stored either in the leading extents of the lower file or,
// with Config.MetadataInXattr, in the "user.ecryptfs" extended attribute.
// All fields are big-endian:
//   - File size (8 bytes): plaintext size
//   - Marker (8 bytes): 4 random bytes followed by the same bytes XOR 0x3c81b7f5
//   - Version (1 byte), reserved (2 bytes), flags (1 byte)
//   - Extent size (4 bytes) and header extent count (2 bytes)
//   - Packet set: tag, 2-byte length and body, terminated by tag 0
//
// The key derivation packet holds the cipher suite, the salt and a key
// check value so that a wrong key is rejected at open time.
//
// # Encrypted View
//
// With Config.ViewAsEncrypted, files are presented as their ciphertext with
// the header in front, even when the header lives in an xattr. The view is
// read-only.
//
// # Security Considerations
//
// Extent ciphers are not authenticated: tampering with the lower file is
// not detected. File sizes are visible in the lower filesystem.
package ecryptfs
