package ecryptfs

import (
	"bytes"
	"errors"
	"io"
	"os"
	"sync"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

const testPageSize = 4096

func testLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func testKey(n int) []byte {
	key := make([]byte, n)
	for i := range key {
		key[i] = byte(i*7 + 3)
	}
	return key
}

func testCipher(t *testing.T) ExtentCipher {
	t.Helper()
	c, err := NewXTSEngine(testKey(64))
	require.NoError(t, err)
	return c
}

func encryptedParams(extentSize int) CryptParams {
	return CryptParams{
		Flags:        FlagEncrypted,
		ExtentSize:   extentSize,
		MetadataSize: DefaultMetadataSize(extentSize),
	}
}

// memLower is an in-memory LowerFile with call counters and fault injection
type memLower struct {
	sync.Mutex // lower inode lock

	mu        sync.Mutex
	data      []byte
	reads     int
	writes    int
	failRead  error
	failWrite error
}

func newMemLower(data []byte) *memLower {
	return &memLower{data: append([]byte(nil), data...)}
}

func (m *memLower) ReadAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.reads++
	if m.failRead != nil {
		return 0, m.failRead
	}
	if off >= int64(len(m.data)) {
		return 0, io.EOF
	}
	n := copy(p, m.data[off:])
	if n < len(p) {
		return n, io.EOF
	}
	return n, nil
}

func (m *memLower) WriteAt(p []byte, off int64) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.writes++
	if m.failWrite != nil {
		return 0, m.failWrite
	}
	if end := off + int64(len(p)); end > int64(len(m.data)) {
		m.data = append(m.data, make([]byte, end-int64(len(m.data)))...)
	}
	return copy(m.data[off:], p), nil
}

func (m *memLower) Truncate(size int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if size <= int64(len(m.data)) {
		m.data = m.data[:size]
		return nil
	}
	m.data = append(m.data, make([]byte, size-int64(len(m.data)))...)
	return nil
}

func (m *memLower) Size() (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return int64(len(m.data)), nil
}

func (m *memLower) Sync() error { return nil }

func (m *memLower) bytes() []byte {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]byte(nil), m.data...)
}

func (m *memLower) counts() (reads, writes int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.reads, m.writes
}

// mappedLower adds block mapping to a memLower
type mappedLower struct {
	*memLower
	fail bool
}

func (m *mappedLower) Bmap(block uint64) (uint64, error) {
	if m.fail {
		return 0, errors.New("bmap failed")
	}
	return block + 100, nil
}

// countingCipher counts extent operations
type countingCipher struct {
	ExtentCipher
	mu    sync.Mutex
	calls int
}

func (c *countingCipher) EncryptExtent(dst, src []byte, extentNum uint64) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.ExtentCipher.EncryptExtent(dst, src, extentNum)
}

func (c *countingCipher) DecryptExtent(dst, src []byte, extentNum uint64) error {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.ExtentCipher.DecryptExtent(dst, src, extentNum)
}

// failingCipher fails to encrypt one extent number
type failingCipher struct {
	ExtentCipher
	failExtent uint64
}

func (c *failingCipher) EncryptExtent(dst, src []byte, extentNum uint64) error {
	if extentNum == c.failExtent {
		return errors.New("injected encrypt failure")
	}
	return c.ExtentCipher.EncryptExtent(dst, src, extentNum)
}

type inodeOpts struct {
	lower    LowerFile
	xattrs   XattrStore
	cipher   ExtentCipher
	parallel ParallelConfig
	size     int64
}

func newTestInode(t *testing.T, params CryptParams, opts inodeOpts) *Inode {
	t.Helper()
	if opts.lower == nil {
		opts.lower = newMemLower(nil)
	}
	if opts.cipher == nil && params.Has(FlagEncrypted) {
		opts.cipher = testCipher(t)
	}
	stat, err := NewCryptStat(params, testPageSize)
	require.NoError(t, err)

	ino, err := NewInode(InodeConfig{
		Path:      "/file",
		Lower:     opts.lower,
		Xattrs:    opts.xattrs,
		CryptStat: stat,
		Cipher:    opts.cipher,
		PageSize:  testPageSize,
		Parallel:  opts.parallel,
		Logger:    testLogger(),
	})
	require.NoError(t, err)
	ino.size.Store(opts.size)
	return ino
}

// testFile opens an inode for reading and writing without a filesystem
func testFile(ino *Inode) *File {
	return newFile(nil, &inodeRef{ino: ino, refs: 1}, "/file", os.O_RDWR)
}

func readAll(t *testing.T, ino *Inode) []byte {
	t.Helper()
	buf := make([]byte, ino.Size())
	n, err := testFile(ino).ReadAt(buf, 0)
	if len(buf) == 0 {
		require.ErrorIs(t, err, io.EOF)
		return buf
	}
	require.NoError(t, err)
	return buf[:n]
}

func pattern(n int, seed byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = seed + byte(i%251)
	}
	return b
}

func requireZero(t *testing.T, b []byte) {
	t.Helper()
	require.True(t, bytes.Equal(b, make([]byte, len(b))), "expected zero bytes")
}
