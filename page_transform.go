package ecryptfs

import (
	pool "github.com/libp2p/go-buffer-pool"
)

// EncryptPage encrypts every extent of a locked page and writes the
// ciphertext to the lower file. Any extent failure aborts the page before
// anything is written.
func (ino *Inode) EncryptPage(page *Page) error {
	params := ino.stat.Snapshot()
	if !params.Has(FlagEncrypted) {
		return NewValidationError("flags", params.Flags, "cannot encrypt a page of an unencrypted inode")
	}

	ext := params.ExtentSize
	buf := pool.Get(ino.pageSize)
	defer pool.Put(buf)

	for i := 0; i < params.ExtentsPerPage(ino.pageSize); i++ {
		off := i * ext
		if err := ino.codec.EncryptExtent(buf[off:off+ext], page.data[off:off+ext], params, page.Index, i); err != nil {
			ino.log.WithError(err).WithField("index", page.Index).Error("Error encrypting extent")
			return err
		}
	}

	lowerOff := params.LowerOffsetForExtent(params.ExtentNum(page.Index, 0, ino.pageSize))
	if _, err := ino.writeLower(buf, lowerOff); err != nil {
		ino.log.WithError(err).WithField("offset", lowerOff).Error("Error writing encrypted page to lower file")
		return err
	}
	return nil
}

// DecryptPage reads the ciphertext of a locked page from the lower file and
// decrypts every extent into the page. On failure the page content is
// undefined and must not be marked uptodate.
func (ino *Inode) DecryptPage(page *Page) error {
	params := ino.stat.Snapshot()
	if !params.Has(FlagEncrypted) {
		return NewValidationError("flags", params.Flags, "cannot decrypt a page of an unencrypted inode")
	}

	ext := params.ExtentSize
	buf := pool.Get(ino.pageSize)
	defer pool.Put(buf)

	lowerOff := params.LowerOffsetForExtent(params.ExtentNum(page.Index, 0, ino.pageSize))
	if err := ino.readLower(buf, lowerOff); err != nil {
		ino.log.WithError(err).WithField("offset", lowerOff).Error("Error reading encrypted page from lower file")
		return err
	}

	for i := 0; i < params.ExtentsPerPage(ino.pageSize); i++ {
		off := i * ext
		if err := ino.codec.DecryptExtent(page.data[off:off+ext], buf[off:off+ext], params, page.Index, i); err != nil {
			ino.log.WithError(err).WithField("index", page.Index).Error("Error decrypting extent")
			return err
		}
	}
	return nil
}

// copyUpEncryptedWithHeader renders a locked page of the encrypted view of
// an inode whose header lives in an xattr: the page looks as if the header
// occupied the front extents of the lower file.
func (ino *Inode) copyUpEncryptedWithHeader(page *Page, params CryptParams) error {
	ext := params.ExtentSize
	headerCleared := false

	for i := 0; i < params.ExtentsPerPage(ino.pageSize); i++ {
		viewExtent := params.ExtentNum(page.Index, i, ino.pageSize)

		if params.IsHeaderExtent(viewExtent) {
			// Header extents are zero apart from the rendered header.
			if !headerCleared {
				page.Zero(0, ino.pageSize)
				headerCleared = true
			}
			if viewExtent != 0 {
				continue
			}
			region := page.data[:min(params.MetadataSize, ino.pageSize)]
			if _, err := ino.readXattrRegion(region); err != nil {
				ino.log.WithError(err).Error("Error reading xattr region")
				return err
			}
			if _, err := WriteFlags(page.data[headerFlagsOffset:], params, RenderInline); err != nil {
				return err
			}
			if _, err := WriteHeaderMetadata(page.data[headerMetadataOffset:], params); err != nil {
				return err
			}
			continue
		}

		lowerOff := params.ViewLowerOffset(viewExtent)
		off := i * ext
		if err := ino.readLower(page.data[off:off+ext], lowerOff); err != nil {
			ino.log.WithError(err).WithField("offset", lowerOff).Error("Error attempting to read extent in the lower file")
			return err
		}
	}
	return nil
}
