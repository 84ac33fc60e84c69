package ecryptfs

import (
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// InodeConfig describes an upper inode to the coordinator
type InodeConfig struct {
	Path      string       // lower path, used for xattrs and diagnostics
	Lower     LowerFile    // lower file
	Xattrs    XattrStore   // nil when the lower filesystem has no xattrs
	CryptStat *CryptStat   // cryptographic context
	Cipher    ExtentCipher // nil for unencrypted inodes
	PageSize  int          // defaults to DefaultPageSize
	Parallel  ParallelConfig
	Logger    *logrus.Logger
}

// Inode is an upper inode: the page cache of one file together with its
// crypt stat and lower file
type Inode struct {
	ID uuid.UUID

	path     string
	lower    LowerFile
	xattrs   XattrStore
	stat     *CryptStat
	codec    *ExtentCodec
	mapping  *Mapping
	pageSize int
	parallel ParallelConfig
	log      *logrus.Entry

	size atomic.Int64
	rw   sync.Mutex // serializes writers and truncation
}

// NewInode creates an upper inode with an empty page cache and size zero
func NewInode(cfg InodeConfig) (*Inode, error) {
	if cfg.Lower == nil {
		return nil, NewValidationError("lower", nil, "lower file cannot be nil")
	}
	if cfg.CryptStat == nil {
		return nil, NewValidationError("crypt_stat", nil, "crypt stat cannot be nil")
	}
	if cfg.PageSize == 0 {
		cfg.PageSize = DefaultPageSize
	}
	if err := ValidatePageSize(cfg.PageSize); err != nil {
		return nil, err
	}
	params := cfg.CryptStat.Snapshot()
	if err := ValidateCryptParams(params, cfg.PageSize); err != nil {
		return nil, err
	}
	if params.Has(FlagEncrypted) && cfg.Cipher == nil {
		return nil, NewValidationError("cipher", nil, "encrypted inode needs a cipher")
	}
	if cfg.Logger == nil {
		cfg.Logger = logrus.New()
	}

	id := uuid.New()
	return &Inode{
		ID:       id,
		path:     cfg.Path,
		lower:    cfg.Lower,
		xattrs:   cfg.Xattrs,
		stat:     cfg.CryptStat,
		codec:    NewExtentCodec(cfg.Cipher, cfg.PageSize),
		mapping:  newMapping(cfg.PageSize),
		pageSize: cfg.PageSize,
		parallel: cfg.Parallel,
		log: cfg.Logger.WithFields(logrus.Fields{
			"inode": id.String(),
			"path":  cfg.Path,
		}),
	}, nil
}

// Size returns the upper file size
func (ino *Inode) Size() int64 { return ino.size.Load() }

// CryptStat returns the inode's cryptographic context
func (ino *Inode) CryptStat() *CryptStat { return ino.stat }

// Mapping returns the inode's page cache
func (ino *Inode) Mapping() *Mapping { return ino.mapping }

// PageSize returns the page cache unit of the inode
func (ino *Inode) PageSize() int { return ino.pageSize }

// copyLowerSize mirrors the lower file size onto the upper inode
func (ino *Inode) copyLowerSize() error {
	size, err := ino.lower.Size()
	if err != nil {
		return NewIOError("stat", ino.path, -1, err)
	}
	ino.size.Store(size)
	return nil
}

// growToLowerSize raises the upper size to the lower file size. Cached
// writes may already have grown the upper size past the lower one.
func (ino *Inode) growToLowerSize() error {
	size, err := ino.lower.Size()
	if err != nil {
		return NewIOError("stat", ino.path, -1, err)
	}
	for {
		cur := ino.size.Load()
		if size <= cur || ino.size.CompareAndSwap(cur, size) {
			return nil
		}
	}
}

// Truncate sets the upper file size. Growing zero-fills the new range;
// shrinking zeroes the tail of the new last page and drops cached pages
// past it.
func (ino *Inode) Truncate(size int64) error {
	if err := ValidateOffset(size, "size"); err != nil {
		return err
	}
	ino.rw.Lock()
	defer ino.rw.Unlock()
	return ino.truncateLocked(size)
}

func (ino *Inode) truncateLocked(size int64) error {
	params := ino.stat.Snapshot()
	old := ino.Size()

	if !params.Has(FlagEncrypted) {
		if err := ino.lower.Truncate(size); err != nil {
			return NewIOError("truncate", ino.path, size, err)
		}
		ino.zeroCachedTail(size, old)
		return ino.copyLowerSize()
	}

	switch {
	case size > old:
		if err := ino.extendEncrypted(params, old, size); err != nil {
			return err
		}
	case size < old:
		if err := ino.shrinkEncrypted(params, size); err != nil {
			return err
		}
	default:
		return nil
	}

	ino.size.Store(size)
	if err := ino.WriteInodeSizeToMetadata(); err != nil {
		ino.log.WithError(err).Error("Error writing inode size to metadata after truncate")
		return err
	}
	return nil
}

// extendEncrypted writes encrypted zeros for every page touched by the range
// [old, size)
func (ino *Inode) extendEncrypted(params CryptParams, old, size int64) error {
	ps := int64(ino.pageSize)
	for index := uint64(old / ps); int64(index)*ps < size; index++ {
		page := ino.mapping.Grab(index)
		err := ino.zeroPageFrom(page, old)
		if err == nil {
			err = ino.EncryptPage(page)
		}
		page.Unlock()
		page.Release()
		if err != nil {
			ino.log.WithError(err).WithField("index", index).Error("Error zero-filling page on truncate")
			return err
		}
	}
	return nil
}

// zeroPageFrom makes page content valid with every byte at file offset >=
// from cleared
func (ino *Inode) zeroPageFrom(page *Page, from int64) error {
	start := int64(page.Index) * int64(ino.pageSize)
	if !page.Uptodate() {
		if start < from {
			if err := ino.DecryptPage(page); err != nil {
				return err
			}
		} else {
			page.Zero(0, ino.pageSize)
		}
		page.SetUptodate()
	}
	if from > start {
		page.Zero(int(from-start), ino.pageSize)
	} else {
		page.Zero(0, ino.pageSize)
	}
	return nil
}

func (ino *Inode) shrinkEncrypted(params CryptParams, size int64) error {
	ps := int64(ino.pageSize)
	if size%ps != 0 {
		page := ino.mapping.Grab(uint64(size / ps))
		err := ino.zeroPageFrom(page, size)
		if err == nil {
			err = ino.EncryptPage(page)
		}
		page.Unlock()
		page.Release()
		if err != nil {
			return err
		}
	}
	ino.mapping.invalidateFrom(uint64((size + ps - 1) / ps))

	lowerSize := params.LowerSizeForUpper(size)
	if err := ino.lower.Truncate(lowerSize); err != nil {
		return NewIOError("truncate", ino.path, lowerSize, err)
	}
	return nil
}

// zeroCachedTail keeps cached pages of an unencrypted inode consistent after
// the lower file was truncated
func (ino *Inode) zeroCachedTail(size, old int64) {
	ps := int64(ino.pageSize)
	if size < old {
		if size%ps != 0 {
			if page, ok := ino.mapping.Lookup(uint64(size / ps)); ok {
				page.Lock()
				page.Zero(int(size%ps), ino.pageSize)
				page.Unlock()
			}
		}
		ino.mapping.invalidateFrom(uint64((size + ps - 1) / ps))
		return
	}
	if old%ps != 0 {
		if page, ok := ino.mapping.Lookup(uint64(old / ps)); ok {
			page.Lock()
			page.Zero(int(old%ps), ino.pageSize)
			page.Unlock()
		}
	}
}
