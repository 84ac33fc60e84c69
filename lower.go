package ecryptfs

import (
	"errors"
	"io"
	"sync"

	"github.com/absfs/absfs"
)

// LowerFile is the underlying (physical) file of an upper inode. The
// embedded Locker is the lower inode lock, held across read-modify-write
// updates of lower metadata.
type LowerFile interface {
	io.ReaderAt
	io.WriterAt
	sync.Locker

	// Truncate changes the size of the lower file
	Truncate(size int64) error

	// Size returns the current size of the lower file
	Size() (int64, error)

	// Sync commits the lower file to stable storage
	Sync() error
}

// BlockMapper is implemented by lower files that can map a logical block to
// a physical block
type BlockMapper interface {
	Bmap(block uint64) (uint64, error)
}

// absLowerFile adapts an absfs.File to LowerFile
type absLowerFile struct {
	sync.Mutex // lower inode lock

	ioMu sync.Mutex // serializes calls into the absfs file
	file absfs.File
}

// NewLowerFile wraps an absfs.File as a LowerFile
func NewLowerFile(f absfs.File) LowerFile {
	return &absLowerFile{file: f}
}

func (l *absLowerFile) ReadAt(p []byte, off int64) (int, error) {
	l.ioMu.Lock()
	defer l.ioMu.Unlock()
	return l.file.ReadAt(p, off)
}

func (l *absLowerFile) WriteAt(p []byte, off int64) (int, error) {
	l.ioMu.Lock()
	defer l.ioMu.Unlock()
	return l.file.WriteAt(p, off)
}

func (l *absLowerFile) Truncate(size int64) error {
	l.ioMu.Lock()
	defer l.ioMu.Unlock()
	return l.file.Truncate(size)
}

func (l *absLowerFile) Size() (int64, error) {
	l.ioMu.Lock()
	defer l.ioMu.Unlock()
	info, err := l.file.Stat()
	if err != nil {
		return 0, err
	}
	return info.Size(), nil
}

func (l *absLowerFile) Sync() error {
	l.ioMu.Lock()
	defer l.ioMu.Unlock()
	return l.file.Sync()
}

func (l *absLowerFile) Close() error {
	l.ioMu.Lock()
	defer l.ioMu.Unlock()
	return l.file.Close()
}

// readLower reads len(buf) bytes at off. Bytes past the end of the lower
// file read as zeros.
func (ino *Inode) readLower(buf []byte, off int64) error {
	n, err := ino.lower.ReadAt(buf, off)
	if err != nil && !errors.Is(err, io.EOF) {
		return NewIOError("read", ino.path, off, err)
	}
	clear(buf[n:])
	return nil
}

// writeLower writes all of buf at off
func (ino *Inode) writeLower(buf []byte, off int64) (int, error) {
	n, err := ino.lower.WriteAt(buf, off)
	if err != nil {
		return n, NewIOError("write", ino.path, off, err)
	}
	if n != len(buf) {
		return n, NewIOError("write", ino.path, off, io.ErrShortWrite)
	}
	return n, nil
}

// readLowerPageSegment fills page bytes [offInPage, offInPage+size) from the
// lower file at lowerIndex*pageSize + offInPage
func (ino *Inode) readLowerPageSegment(page *Page, lowerIndex uint64, offInPage, size int) error {
	off := int64(lowerIndex)*int64(ino.pageSize) + int64(offInPage)
	return ino.readLower(page.data[offInPage:offInPage+size], off)
}

// writeLowerPageSegment writes page bytes [offInPage, offInPage+size) to the
// lower file at the page's own offset
func (ino *Inode) writeLowerPageSegment(page *Page, offInPage, size int) error {
	off := int64(page.Index)*int64(ino.pageSize) + int64(offInPage)
	_, err := ino.writeLower(page.data[offInPage:offInPage+size], off)
	return err
}
