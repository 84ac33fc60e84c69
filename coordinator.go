package ecryptfs

import (
	"github.com/sirupsen/logrus"
)

// ReadPage fills a locked, not uptodate page from the lower file, decrypting
// or rendering the encrypted view as the crypt stat requires. The page is
// unlocked exactly once before returning and is uptodate iff err is nil.
func (ino *Inode) ReadPage(page *Page) (err error) {
	params := ino.stat.Snapshot()
	log := ino.log.WithField("index", page.Index)

	switch {
	case !params.Has(FlagEncrypted):
		err = ino.readLowerPageSegment(page, page.Index, 0, ino.pageSize)
	case params.Has(FlagViewAsEncrypted):
		if params.Has(FlagMetadataInXattr) {
			err = ino.copyUpEncryptedWithHeader(page, params)
			if err != nil {
				log.WithError(err).Error("Error attempting to copy the encrypted content from the lower file whilst inserting the metadata from the xattr into the header")
			}
		} else {
			err = ino.readLowerPageSegment(page, page.Index, 0, ino.pageSize)
			if err != nil {
				log.WithError(err).Error("Error reading page")
			}
		}
	default:
		err = ino.DecryptPage(page)
		if err != nil {
			log.WithError(err).Error("Error decrypting page")
		}
	}

	if err == nil {
		page.SetUptodate()
	} else {
		page.ClearUptodate()
	}
	log.Debug("Unlocking page")
	page.Unlock()
	return err
}

// WriteBegin prepares the page covering [pos, pos+length) for a write and
// returns it locked and referenced. Holes created between the current end
// of file and the page are zero-filled. On error the page has already been
// unlocked and released.
//
// WriteBegin may extend the file through Truncate's zero-fill path without
// taking the inode write lock. Callers must serialize WriteBegin/WriteEnd
// pairs against each other and against Truncate on the same inode; File
// does this for every write it issues.
func (ino *Inode) WriteBegin(pos int64, length int) (*Page, error) {
	if err := ValidateOffset(pos, "pos"); err != nil {
		return nil, err
	}
	ps := int64(ino.pageSize)
	index := uint64(pos / ps)
	if length < 0 || int64(length) > ps-pos%ps {
		return nil, NewValidationError("length", length, "write must stay within one page")
	}

	page := ino.mapping.Grab(index)
	prevPageEnd := int64(index) * ps
	log := ino.log.WithFields(logrus.Fields{"index": index, "pos": pos})

	fail := func(err error) (*Page, error) {
		page.Unlock()
		page.Release()
		return nil, err
	}

	if !page.Uptodate() {
		params := ino.stat.Snapshot()
		switch {
		case !params.Has(FlagEncrypted):
			if err := ino.readLowerPageSegment(page, index, 0, ino.pageSize); err != nil {
				log.WithError(err).Error("Error attempting to read lower page segment")
				page.ClearUptodate()
				return fail(err)
			}
			page.SetUptodate()
		case params.Has(FlagViewAsEncrypted):
			var err error
			if params.Has(FlagMetadataInXattr) {
				err = ino.copyUpEncryptedWithHeader(page, params)
			} else {
				err = ino.readLowerPageSegment(page, index, 0, ino.pageSize)
			}
			if err != nil {
				log.WithError(err).Error("Error populating encrypted view page")
				page.ClearUptodate()
				return fail(err)
			}
			page.SetUptodate()
		default:
			if prevPageEnd >= ino.Size() {
				page.Zero(0, ino.pageSize)
				page.SetUptodate()
			} else if int64(length) < ps {
				if err := ino.DecryptPage(page); err != nil {
					log.WithError(err).Error("Error decrypting page")
					page.ClearUptodate()
					return fail(err)
				}
				// Extents past EOF may be missing from the lower file after a
				// shrink and decrypt to noise.
				if size := ino.Size(); size/ps == int64(index) {
					page.Zero(int(size%ps), ino.pageSize)
				}
				page.SetUptodate()
			}
		}
	}

	// Writing past EOF on a later page: fill the gap with zeros up to the
	// start of this page. This grows the file size.
	if index != 0 && prevPageEnd > ino.Size() {
		if err := ino.truncateLocked(prevPageEnd); err != nil {
			log.WithError(err).WithField("offset", prevPageEnd).Error("Error on attempt to truncate to (higher) offset")
			return fail(err)
		}
	}

	// A new page at EOF that the write does not start at: zero it so the
	// bytes before pos read back as a hole.
	if ino.Size() == prevPageEnd && pos != 0 {
		page.Zero(0, ino.pageSize)
	}

	return page, nil
}

// fillZerosToEndOfPage clears the bytes of the EOF page beyond both the
// current size and the end of the write
func (ino *Inode) fillZerosToEndOfPage(page *Page, to int) {
	size := ino.Size()
	ps := int64(ino.pageSize)
	if size/ps != int64(page.Index) {
		return
	}
	end := int(size % ps)
	if to > end {
		end = to
	}
	page.Zero(end, ino.pageSize)
}

// WriteEnd commits copied bytes written at pos into a page obtained from
// WriteBegin. It returns the number of bytes committed; zero means the page
// was not uptodate and received less than a full page, and the caller must
// retry. The page is always unlocked and released.
func (ino *Inode) WriteEnd(pos int64, length, copied int, page *Page) (int, error) {
	defer page.Release()
	defer page.Unlock()

	ps := int64(ino.pageSize)
	from := int(pos % ps)
	to := from + copied
	params := ino.stat.Snapshot()
	log := ino.log.WithFields(logrus.Fields{"index": page.Index, "to": to})

	if !params.Has(FlagEncrypted) {
		if err := ino.writeLowerPageSegment(page, 0, to); err != nil {
			return 0, err
		}
		if err := ino.growToLowerSize(); err != nil {
			return 0, err
		}
		return copied, nil
	}

	if !page.Uptodate() {
		if copied < ino.pageSize {
			return 0, nil
		}
		page.SetUptodate()
	}

	log.Debug("Calling fillZerosToEndOfPage")
	ino.fillZerosToEndOfPage(page, to)

	if err := ino.EncryptPage(page); err != nil {
		log.WithError(err).Warn("Error encrypting page")
		return 0, err
	}
	page.ClearDirty()

	if end := pos + int64(copied); end > ino.Size() {
		ino.size.Store(end)
		log.WithField("size", end).Debug("Expanded file size")
	}

	// The page content is already in the lower file; a failure here leaves
	// the persisted size behind the content until the next size update.
	if err := ino.WriteInodeSizeToMetadata(); err != nil {
		log.WithError(err).Error("Error writing inode size to metadata")
		return 0, err
	}
	return copied, nil
}

// Bmap maps a logical block of the file to a block of the lower device.
// Zero means unmapped.
func (ino *Inode) Bmap(block uint64) uint64 {
	bm, ok := ino.lower.(BlockMapper)
	if !ok {
		return 0
	}
	phys, err := bm.Bmap(block)
	if err != nil {
		return 0
	}
	return phys
}
