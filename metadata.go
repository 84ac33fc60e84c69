package ecryptfs

import (
	"encoding/binary"
	"errors"
	"io"

	pool "github.com/libp2p/go-buffer-pool"
)

// defaultXattrSize is assumed when the existing size xattr cannot be read
const defaultXattrSize = 8

// WriteInodeSizeToMetadata persists the upper file size into the header.
// The sink is chosen from the crypt stat flags on every call.
func (ino *Inode) WriteInodeSizeToMetadata() error {
	params := ino.stat.Snapshot()
	if !params.Has(FlagEncrypted) {
		return NewValidationError("flags", params.Flags, "size metadata requires an encrypted inode")
	}
	if params.Has(FlagMetadataInXattr) {
		return ino.writeInodeSizeToXattr()
	}
	return ino.writeInodeSizeToHeader()
}

// writeInodeSizeToHeader writes the size to the first 8 bytes of the lower file
func (ino *Inode) writeInodeSizeToHeader() error {
	var buf [8]byte
	binary.BigEndian.PutUint64(buf[:], uint64(ino.Size()))
	if _, err := ino.writeLower(buf[:], 0); err != nil {
		ino.log.WithError(err).Error("Error writing file size to header")
		return err
	}
	return nil
}

// writeInodeSizeToXattr overwrites the size field of the header xattr while
// holding the lower inode lock
func (ino *Inode) writeInodeSizeToXattr() error {
	if ino.xattrs == nil {
		ino.log.Warn("No support for setting xattr in lower filesystem")
		return &UnsupportedError{Operation: "setxattr", Message: "lower filesystem has no xattr support"}
	}

	buf := pool.Get(ino.pageSize)
	defer pool.Put(buf)

	ino.lower.Lock()
	defer ino.lower.Unlock()

	size, err := ino.xattrs.Getxattr(ino.path, XattrName, buf)
	switch {
	case errors.Is(err, ErrNoAttr):
		size = defaultXattrSize
	case err != nil:
		ino.log.WithError(err).Error("Error reading header xattr before size update")
		return NewIOError("getxattr", ino.path, -1, err)
	case size < defaultXattrSize:
		size = defaultXattrSize
	}
	binary.BigEndian.PutUint64(buf, uint64(ino.Size()))
	if err := ino.xattrs.Setxattr(ino.path, XattrName, buf[:size], 0); err != nil {
		ino.log.WithError(err).Error("Error whilst attempting to write inode size to lower file xattr")
		return NewIOError("setxattr", ino.path, -1, err)
	}
	return nil
}

// readXattrRegion copies the header xattr into buf
func (ino *Inode) readXattrRegion(buf []byte) (int, error) {
	if len(buf) == 0 {
		return 0, NewValidationError("xattr_buffer", 0, "xattr buffer cannot be empty")
	}
	if ino.xattrs == nil {
		return 0, &UnsupportedError{Operation: "getxattr", Message: "lower filesystem has no xattr support"}
	}
	n, err := ino.xattrs.Getxattr(ino.path, XattrName, buf)
	if err != nil {
		return 0, NewIOError("getxattr", ino.path, -1, err)
	}
	return n, nil
}

// writeMetadata stores a fresh header for the inode, inline or in the xattr
// depending on the crypt stat
func (ino *Inode) writeMetadata(packets ...Packet) error {
	params := ino.stat.Snapshot()
	h, err := NewFileHeader(uint64(ino.Size()), params, packets...)
	if err != nil {
		return err
	}
	raw, err := h.MarshalBinary()
	if err != nil {
		return err
	}

	if params.Has(FlagMetadataInXattr) {
		if ino.xattrs == nil {
			return &UnsupportedError{Operation: "setxattr", Message: "lower filesystem has no xattr support"}
		}
		ino.lower.Lock()
		defer ino.lower.Unlock()
		if err := ino.xattrs.Setxattr(ino.path, XattrName, raw, 0); err != nil {
			return NewIOError("setxattr", ino.path, -1, err)
		}
		return nil
	}

	if len(raw) > params.MetadataSize {
		return NewValidationError("header", len(raw), "header does not fit in metadata region")
	}
	region := make([]byte, params.MetadataSize)
	copy(region, raw)
	_, err = ino.writeLower(region, 0)
	return err
}

// readHeader looks for a header at the front of the lower file, then in the
// header xattr. It returns errNoHeader if neither holds a valid header.
func readHeader(path string, lower LowerFile, xattrs XattrStore, pageSize int) (*FileHeader, error) {
	buf := pool.Get(MinMetadataSize)
	defer pool.Put(buf)

	n, err := lower.ReadAt(buf, 0)
	if err != nil && n < MinHeaderSize && !errors.Is(err, io.EOF) {
		return nil, NewIOError("read", path, 0, err)
	}
	if n >= MinHeaderSize {
		if h, err := ParseHeader(buf[:n]); err == nil {
			if h.Flags&headerFlagMetadataInXattr == 0 {
				return h, nil
			}
		}
	}

	if xattrs == nil {
		return nil, errNoHeader
	}
	xbuf := pool.Get(pageSize)
	defer pool.Put(xbuf)
	n, err = xattrs.Getxattr(path, XattrName, xbuf)
	if errors.Is(err, ErrNoAttr) {
		return nil, errNoHeader
	}
	if err != nil {
		return nil, NewIOError("getxattr", path, -1, err)
	}
	h, err := ParseHeader(xbuf[:n])
	if err != nil {
		return nil, errNoHeader
	}
	h.Flags |= headerFlagMetadataInXattr
	return h, nil
}
