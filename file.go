package ecryptfs

import (
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/absfs/absfs"
)

// File is an open upper file. Reads go through the page cache of the shared
// inode; writes are committed page by page through WriteBegin/WriteEnd.
type File struct {
	fs    *EncryptFS
	ref   *inodeRef
	ino   *Inode
	name  string
	flags int

	mu     sync.Mutex // protects offset and closed
	offset int64
	closed bool
}

func newFile(fs *EncryptFS, ref *inodeRef, name string, flags int) *File {
	return &File{
		fs:    fs,
		ref:   ref,
		ino:   ref.ino,
		name:  name,
		flags: flags,
	}
}

// Inode returns the upper inode backing the file
func (f *File) Inode() *Inode { return f.ino }

// Name returns the name of the file
func (f *File) Name() string {
	return f.name
}

func (f *File) writable() bool {
	return f.flags&(os.O_WRONLY|os.O_RDWR) != 0
}

func (f *File) checkWrite(op string) error {
	if f.isClosed() {
		return ErrClosed
	}
	if !f.writable() {
		return &os.PathError{Op: op, Path: f.name, Err: os.ErrPermission}
	}
	return nil
}

func (f *File) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// ReadAt reads plaintext at off through the page cache
func (f *File) ReadAt(b []byte, off int64) (int, error) {
	if err := ValidateReadWrite(b, off); err != nil {
		return 0, err
	}
	if f.isClosed() {
		return 0, ErrClosed
	}

	size := f.ino.Size()
	if off >= size {
		return 0, io.EOF
	}
	want := len(b)
	if remaining := size - off; int64(want) > remaining {
		want = int(remaining)
	}

	n := 0
	for _, step := range explodeRange(off, want, f.ino.pageSize) {
		page := f.ino.mapping.Grab(step.index)
		if !page.Uptodate() {
			// ReadPage unlocks the page
			if err := f.ino.ReadPage(page); err != nil {
				page.Release()
				return n, err
			}
			page.Lock()
		}
		n += copy(b[n:], page.Data()[step.offset:step.offset+step.length])
		page.Unlock()
		page.Release()
	}

	if n < len(b) {
		return n, io.EOF
	}
	return n, nil
}

// Read reads from the current offset
func (f *File) Read(p []byte) (int, error) {
	f.mu.Lock()
	off := f.offset
	f.mu.Unlock()

	n, err := f.ReadAt(p, off)
	f.mu.Lock()
	f.offset += int64(n)
	f.mu.Unlock()

	if err == io.EOF && n > 0 {
		return n, nil
	}
	return n, err
}

// WriteAt writes plaintext at off. Every touched page is encrypted and
// written to the lower file before WriteAt returns.
func (f *File) WriteAt(b []byte, off int64) (int, error) {
	if err := ValidateReadWrite(b, off); err != nil {
		return 0, err
	}
	if err := f.checkWrite("write"); err != nil {
		return 0, err
	}

	ino := f.ino
	ino.rw.Lock()
	defer ino.rw.Unlock()
	return f.writeLocked(b, off)
}

func (f *File) writeLocked(b []byte, off int64) (int, error) {
	ino := f.ino
	n := 0
	for _, step := range explodeRange(off, len(b), ino.pageSize) {
		pos := int64(step.index)*int64(ino.pageSize) + int64(step.offset)
		page, err := ino.WriteBegin(pos, step.length)
		if err != nil {
			return n, err
		}
		copied := copy(page.Data()[step.offset:step.offset+step.length], b[n:n+step.length])
		committed, err := ino.WriteEnd(pos, step.length, copied, page)
		if err != nil {
			return n, err
		}
		if committed == 0 {
			return n, ErrShortCommit
		}
		n += committed
	}
	return n, nil
}

// Write writes at the current offset, or at the end of file with O_APPEND
func (f *File) Write(p []byte) (int, error) {
	if err := f.checkWrite("write"); err != nil {
		return 0, err
	}

	ino := f.ino
	ino.rw.Lock()
	defer ino.rw.Unlock()

	f.mu.Lock()
	off := f.offset
	if f.flags&os.O_APPEND != 0 {
		off = ino.Size()
	}
	f.mu.Unlock()

	n, err := f.writeLocked(p, off)
	f.mu.Lock()
	f.offset = off + int64(n)
	f.mu.Unlock()
	return n, err
}

// WriteString writes a string to the file
func (f *File) WriteString(s string) (int, error) {
	return f.Write([]byte(s))
}

// WriteCached copies b into the page cache at off and marks the pages dirty
// without committing them. The size grows in memory only; Sync or Close
// writes the pages back and persists the size.
func (f *File) WriteCached(b []byte, off int64) (int, error) {
	if err := ValidateReadWrite(b, off); err != nil {
		return 0, err
	}
	if err := f.checkWrite("write"); err != nil {
		return 0, err
	}

	ino := f.ino
	ino.rw.Lock()
	defer ino.rw.Unlock()

	n := 0
	for _, step := range explodeRange(off, len(b), ino.pageSize) {
		pos := int64(step.index)*int64(ino.pageSize) + int64(step.offset)
		page, err := ino.WriteBegin(pos, step.length)
		if err != nil {
			return n, err
		}
		copied := copy(page.Data()[step.offset:step.offset+step.length], b[n:n+step.length])
		if copied == ino.pageSize {
			page.SetUptodate()
		}
		page.SetDirty()
		if end := pos + int64(copied); end > ino.Size() {
			ino.size.Store(end)
		}
		page.Unlock()
		page.Release()
		n += copied
	}
	return n, nil
}

// Seek sets the offset for the next Read or Write
func (f *File) Seek(offset int64, whence int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	var newOffset int64
	switch whence {
	case io.SeekStart:
		newOffset = offset
	case io.SeekCurrent:
		newOffset = f.offset + offset
	case io.SeekEnd:
		newOffset = f.ino.Size() + offset
	default:
		return 0, fmt.Errorf("invalid whence: %d", whence)
	}

	if newOffset < 0 {
		return 0, ErrNegativeOffset
	}

	f.offset = newOffset
	return f.offset, nil
}

// Truncate changes the size of the file
func (f *File) Truncate(size int64) error {
	if err := f.checkWrite("truncate"); err != nil {
		return err
	}
	return f.ino.Truncate(size)
}

// Sync writes back dirty pages, persists the file size and syncs the lower file
func (f *File) Sync() error {
	if f.isClosed() {
		return ErrClosed
	}
	if !f.writable() {
		return f.ino.lower.Sync()
	}
	return f.ino.sync()
}

// Close flushes pending writes and drops the file's reference to its inode
func (f *File) Close() error {
	f.mu.Lock()
	if f.closed {
		f.mu.Unlock()
		return ErrClosed
	}
	f.closed = true
	f.mu.Unlock()

	var err error
	if f.writable() {
		err = f.ino.sync()
	}
	if cerr := f.fs.release(f.ref); err == nil {
		err = cerr
	}
	return err
}

// Stat returns file information reporting the plaintext size
func (f *File) Stat() (os.FileInfo, error) {
	info, err := f.ref.file.Stat()
	if err != nil {
		return nil, err
	}
	return &fileInfo{FileInfo: info, size: f.ino.Size()}, nil
}

// Readdir reads directory entries
func (f *File) Readdir(n int) ([]os.FileInfo, error) {
	return f.ref.file.Readdir(n)
}

// Readdirnames reads directory entry names
func (f *File) Readdirnames(n int) ([]string, error) {
	return f.ref.file.Readdirnames(n)
}

// sync flushes dirty pages and the size of an inode to the lower file
func (ino *Inode) sync() error {
	ino.rw.Lock()
	defer ino.rw.Unlock()

	err := ino.Writepages()
	if merr := ino.mapping.CheckError(); err == nil {
		err = merr
	}
	if err != nil {
		return err
	}

	params := ino.stat.Snapshot()
	if params.Has(FlagEncrypted) && !params.Has(FlagViewAsEncrypted) {
		if err := ino.WriteInodeSizeToMetadata(); err != nil {
			return err
		}
	}
	if err := ino.lower.Sync(); err != nil {
		return NewIOError("sync", ino.path, -1, err)
	}
	return nil
}

// fileInfo wraps the lower os.FileInfo to report the plaintext size
type fileInfo struct {
	os.FileInfo
	size int64
}

// Size returns the plaintext size of the file
func (fi *fileInfo) Size() int64 {
	return fi.size
}

var _ absfs.File = (*File)(nil)
