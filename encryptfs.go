package ecryptfs

import (
	"errors"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/absfs/absfs"
	"github.com/sirupsen/logrus"
)

// EncryptFS implements absfs.FileSystem, encrypting file contents extent by
// extent in the manner of eCryptfs. Open files of the same path share one
// upper inode and page cache.
type EncryptFS struct {
	base   absfs.FileSystem
	config *Config
	log    *logrus.Logger

	mu     sync.Mutex
	inodes map[string]*inodeRef
}

// inodeRef is an open upper inode with its lower file handle
type inodeRef struct {
	path  string
	ino   *Inode
	file  absfs.File
	lower *absLowerFile
	refs  int
}

// New creates a new encrypted filesystem wrapping the base filesystem
func New(base absfs.FileSystem, config *Config) (*EncryptFS, error) {
	if base == nil {
		return nil, fmt.Errorf("base filesystem cannot be nil")
	}

	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &EncryptFS{
		base:   base,
		config: config,
		log:    config.logger(),
		inodes: make(map[string]*inodeRef),
	}, nil
}

// Separator returns the path separator for the underlying filesystem
func (e *EncryptFS) Separator() uint8 {
	return e.base.Separator()
}

// ListSeparator returns the list separator for the underlying filesystem
func (e *EncryptFS) ListSeparator() uint8 {
	return e.base.ListSeparator()
}

// Chdir changes the current working directory
func (e *EncryptFS) Chdir(dir string) error {
	return e.base.Chdir(dir)
}

// Getwd returns the current working directory
func (e *EncryptFS) Getwd() (string, error) {
	return e.base.Getwd()
}

// TempDir returns the temporary directory path
func (e *EncryptFS) TempDir() string {
	return e.base.TempDir()
}

// Open opens a file for reading with transparent decryption
func (e *EncryptFS) Open(name string) (absfs.File, error) {
	return e.OpenFile(name, os.O_RDONLY, 0)
}

// Create creates or truncates a file for writing with transparent encryption
func (e *EncryptFS) Create(name string) (absfs.File, error) {
	return e.OpenFile(name, os.O_RDWR|os.O_CREATE|os.O_TRUNC, 0666)
}

// OpenFile opens a file with the specified flags and permissions.
// Directories are returned as the lower file.
func (e *EncryptFS) OpenFile(name string, flag int, perm os.FileMode) (absfs.File, error) {
	write := flag&(os.O_WRONLY|os.O_RDWR) != 0
	if e.config.ViewAsEncrypted && (write || flag&(os.O_CREATE|os.O_TRUNC) != 0) {
		return nil, &os.PathError{Op: "open", Path: name, Err: ErrReadOnlyView}
	}

	e.mu.Lock()
	ref, ok := e.inodes[name]
	if ok {
		if flag&(os.O_CREATE|os.O_EXCL) == os.O_CREATE|os.O_EXCL {
			e.mu.Unlock()
			return nil, &os.PathError{Op: "open", Path: name, Err: os.ErrExist}
		}
		ref.refs++
	} else {
		var dir absfs.File
		var err error
		ref, dir, err = e.openInode(name, flag, perm)
		if err != nil {
			e.mu.Unlock()
			return nil, err
		}
		if dir != nil {
			e.mu.Unlock()
			return dir, nil
		}
		e.inodes[name] = ref
	}
	e.mu.Unlock()

	f := newFile(e, ref, name, flag)
	if flag&os.O_TRUNC != 0 && write && ref.ino.Size() != 0 {
		if err := ref.ino.Truncate(0); err != nil {
			f.Close()
			return nil, err
		}
	}
	return f, nil
}

// openLower opens the lower file read-write when possible so that every
// upper handle can share it
func (e *EncryptFS) openLower(name string, flag int, perm os.FileMode) (absfs.File, error) {
	create := flag & (os.O_CREATE | os.O_EXCL)
	if !e.config.ViewAsEncrypted {
		f, err := e.base.OpenFile(name, os.O_RDWR|create, perm)
		if err == nil {
			return f, nil
		}
		if flag&(os.O_WRONLY|os.O_RDWR) != 0 || errors.Is(err, os.ErrNotExist) || errors.Is(err, os.ErrExist) {
			return nil, err
		}
	}
	return e.base.OpenFile(name, os.O_RDONLY, 0)
}

// openInode opens the lower file and builds the upper inode for it. Must
// be called with e.mu held.
func (e *EncryptFS) openInode(name string, flag int, perm os.FileMode) (*inodeRef, absfs.File, error) {
	lf, err := e.openLower(name, flag, perm)
	if err != nil {
		return nil, nil, err
	}
	info, err := lf.Stat()
	if err != nil {
		lf.Close()
		return nil, nil, err
	}
	if info.IsDir() {
		return nil, lf, nil
	}

	lower := &absLowerFile{file: lf}
	ino, err := e.loadInode(name, lower, info.Size(), flag)
	if err != nil {
		lf.Close()
		return nil, nil, err
	}
	return &inodeRef{path: name, ino: ino, file: lf, lower: lower, refs: 1}, nil, nil
}

// loadInode reads the header of a lower file, creating one for new files
func (e *EncryptFS) loadInode(name string, lower *absLowerFile, lowerSize int64, flag int) (*Inode, error) {
	ps := e.config.pageSize()
	hdr, err := readHeader(name, lower, e.config.XattrStore, ps)
	switch {
	case err == nil:
		return e.inodeFromHeader(name, lower, lowerSize, hdr)
	case !errors.Is(err, errNoHeader):
		return nil, err
	case e.config.ViewAsEncrypted:
		if lowerSize != 0 && !e.config.Passthrough {
			return nil, fmt.Errorf("failed to open %s: %w", name, ErrInvalidHeader)
		}
		return e.plainInode(name, lower, lowerSize)
	case lowerSize == 0 || flag&os.O_TRUNC != 0:
		return e.createInode(name, lower, lowerSize)
	case e.config.Passthrough:
		return e.plainInode(name, lower, lowerSize)
	default:
		return nil, fmt.Errorf("failed to open %s: %w", name, ErrInvalidHeader)
	}
}

func (e *EncryptFS) newInode(name string, lower LowerFile, params CryptParams, cipher ExtentCipher) (*Inode, error) {
	stat, err := NewCryptStat(params, e.config.pageSize())
	if err != nil {
		return nil, err
	}
	return NewInode(InodeConfig{
		Path:      name,
		Lower:     lower,
		Xattrs:    e.config.XattrStore,
		CryptStat: stat,
		Cipher:    cipher,
		PageSize:  e.config.pageSize(),
		Parallel:  e.config.Parallel,
		Logger:    e.log,
	})
}

// createInode writes a fresh header for an empty (or truncated) lower file
func (e *EncryptFS) createInode(name string, lower *absLowerFile, lowerSize int64) (*Inode, error) {
	if lowerSize != 0 {
		if err := lower.Truncate(0); err != nil {
			return nil, NewIOError("truncate", name, 0, err)
		}
	}

	suite := e.config.cipher()
	kp := e.config.KeyProvider
	salt, err := kp.GenerateSalt()
	if err != nil {
		return nil, fmt.Errorf("failed to generate salt: %w", err)
	}
	master, err := kp.DeriveKey(salt)
	if err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	key, check, err := expandKey(master, salt, suite)
	if err != nil {
		return nil, err
	}
	cipher, err := NewExtentCipher(suite, key)
	if err != nil {
		return nil, fmt.Errorf("failed to create extent cipher: %w", err)
	}

	ext := e.config.extentSize()
	params := CryptParams{
		Flags:        FlagEncrypted,
		ExtentSize:   ext,
		MetadataSize: DefaultMetadataSize(ext),
	}
	if e.config.MetadataInXattr {
		params.Flags |= FlagMetadataInXattr
	}

	ino, err := e.newInode(name, lower, params, cipher)
	if err != nil {
		return nil, err
	}
	if err := ino.writeMetadata(keyPacket(suite, salt, check)); err != nil {
		return nil, fmt.Errorf("failed to write header: %w", err)
	}
	ino.log.WithField("cipher", suite.String()).Debug("Created encrypted file")
	return ino, nil
}

// inodeFromHeader builds the inode of an existing encrypted file
func (e *EncryptFS) inodeFromHeader(name string, lower *absLowerFile, lowerSize int64, hdr *FileHeader) (*Inode, error) {
	body, ok := hdr.Packet(PacketTagKeyDerivation)
	if !ok {
		return nil, &ValidationError{Field: "header", Message: "missing key derivation packet", Err: ErrInvalidHeader}
	}
	cipher, err := resolveExtentCipher(e.config.KeyProvider, body)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", name, err)
	}

	params := hdr.Params()
	size := int64(hdr.FileSize)
	if e.config.ViewAsEncrypted {
		params.Flags |= FlagViewAsEncrypted
		size = lowerSize
		if params.Has(FlagMetadataInXattr) {
			size += int64(params.MetadataSize)
		}
	}

	ino, err := e.newInode(name, lower, params, cipher)
	if err != nil {
		return nil, err
	}
	ino.size.Store(size)
	return ino, nil
}

// plainInode passes the lower file through unencrypted
func (e *EncryptFS) plainInode(name string, lower *absLowerFile, lowerSize int64) (*Inode, error) {
	ino, err := e.newInode(name, lower, CryptParams{}, nil)
	if err != nil {
		return nil, err
	}
	ino.size.Store(lowerSize)
	ino.log.Debug("Opened file without header in passthrough mode")
	return ino, nil
}

// release drops one reference to an open inode, closing the lower file with
// the last one
func (e *EncryptFS) release(ref *inodeRef) error {
	e.mu.Lock()
	ref.refs--
	if ref.refs > 0 {
		e.mu.Unlock()
		return nil
	}
	if e.inodes[ref.path] == ref {
		delete(e.inodes, ref.path)
	}
	e.mu.Unlock()

	return ref.lower.Close()
}

// Mkdir creates a directory
func (e *EncryptFS) Mkdir(name string, perm os.FileMode) error {
	return e.base.Mkdir(name, perm)
}

// MkdirAll creates a directory and all necessary parent directories
func (e *EncryptFS) MkdirAll(name string, perm os.FileMode) error {
	return e.base.MkdirAll(name, perm)
}

// Remove removes a file or empty directory together with its header xattr
func (e *EncryptFS) Remove(name string) error {
	if err := e.base.Remove(name); err != nil {
		return err
	}
	e.removeXattr(name)
	return nil
}

// RemoveAll removes a path and any children it contains. Header xattrs of
// removed children stay in the xattr store.
func (e *EncryptFS) RemoveAll(path string) error {
	if err := e.base.RemoveAll(path); err != nil {
		return err
	}
	e.removeXattr(path)
	return nil
}

func (e *EncryptFS) removeXattr(name string) {
	if e.config.XattrStore == nil {
		return
	}
	if err := e.config.XattrStore.Removexattr(name, XattrName); err != nil && !errors.Is(err, ErrNoAttr) {
		e.log.WithError(err).WithField("path", name).Warn("Error removing header xattr")
	}
}

// Rename renames (moves) a file, carrying its header xattr along
func (e *EncryptFS) Rename(oldpath, newpath string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, busy := e.inodes[oldpath]; busy {
		return &os.LinkError{Op: "rename", Old: oldpath, New: newpath, Err: errors.New("file is open")}
	}
	if err := e.base.Rename(oldpath, newpath); err != nil {
		return err
	}

	xs := e.config.XattrStore
	if xs == nil {
		return nil
	}
	buf := make([]byte, e.config.pageSize())
	n, err := xs.Getxattr(oldpath, XattrName, buf)
	if errors.Is(err, ErrNoAttr) {
		return nil
	}
	if err != nil {
		return NewIOError("getxattr", oldpath, -1, err)
	}
	if err := xs.Setxattr(newpath, XattrName, buf[:n], 0); err != nil {
		return NewIOError("setxattr", newpath, -1, err)
	}
	return xs.Removexattr(oldpath, XattrName)
}

// Stat returns file information with the plaintext size
func (e *EncryptFS) Stat(name string) (os.FileInfo, error) {
	info, err := e.base.Stat(name)
	if err != nil {
		return nil, err
	}
	if info.IsDir() {
		return info, nil
	}

	e.mu.Lock()
	ref, ok := e.inodes[name]
	e.mu.Unlock()
	if ok {
		return &fileInfo{FileInfo: info, size: ref.ino.Size()}, nil
	}

	size, err := e.plaintextSize(name, info.Size())
	if err != nil {
		return nil, err
	}
	return &fileInfo{FileInfo: info, size: size}, nil
}

// plaintextSize reads the size of a closed file from its header
func (e *EncryptFS) plaintextSize(name string, lowerSize int64) (int64, error) {
	lf, err := e.base.OpenFile(name, os.O_RDONLY, 0)
	if err != nil {
		return 0, err
	}
	defer lf.Close()

	hdr, err := readHeader(name, NewLowerFile(lf), e.config.XattrStore, e.config.pageSize())
	if errors.Is(err, errNoHeader) {
		return lowerSize, nil
	}
	if err != nil {
		return 0, err
	}
	if e.config.ViewAsEncrypted {
		if hdr.Params().Has(FlagMetadataInXattr) {
			return lowerSize + int64(hdr.Params().MetadataSize), nil
		}
		return lowerSize, nil
	}
	return int64(hdr.FileSize), nil
}

// Chmod changes the mode of a file
func (e *EncryptFS) Chmod(name string, mode os.FileMode) error {
	return e.base.Chmod(name, mode)
}

// Chtimes changes the access and modification times of a file
func (e *EncryptFS) Chtimes(name string, atime time.Time, mtime time.Time) error {
	return e.base.Chtimes(name, atime, mtime)
}

// Chown changes the owner and group of a file
func (e *EncryptFS) Chown(name string, uid, gid int) error {
	return e.base.Chown(name, uid, gid)
}

// Truncate changes the plaintext size of a file
func (e *EncryptFS) Truncate(name string, size int64) error {
	f, err := e.OpenFile(name, os.O_RDWR, 0)
	if err != nil {
		return err
	}
	file, ok := f.(*File)
	if !ok {
		f.Close()
		return &os.PathError{Op: "truncate", Path: name, Err: errors.New("is a directory")}
	}
	if err := file.Truncate(size); err != nil {
		file.Close()
		return err
	}
	return file.Close()
}
