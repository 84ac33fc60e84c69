package ecryptfs

// Offset arithmetic between upper pages, view extents and the lower file.
//
// Lower file layout:
// ┌─────────────────────────────────────┐
// │ Header extents (inline mode only)   │ <- metadata_size bytes
// ├─────────────────────────────────────┤
// │ Data extent 0                       │ <- extent_size bytes of ciphertext
// ├─────────────────────────────────────┤
// │ Data extent 1                       │
// │ └─ ...                              │
// └─────────────────────────────────────┘
//
// In xattr mode the header lives in an extended attribute and data extent 0
// starts at lower offset 0.

// ExtentsPerPage returns the number of extents in one page
func (p CryptParams) ExtentsPerPage(pageSize int) int {
	return pageSize / p.ExtentSize
}

// HeaderExtents returns the number of header extents at the front of the view
func (p CryptParams) HeaderExtents() uint64 {
	return uint64(p.MetadataSize / p.ExtentSize)
}

// ExtentNum returns the absolute extent number of an extent within a page
func (p CryptParams) ExtentNum(pageIndex uint64, extentInPage, pageSize int) uint64 {
	return pageIndex*uint64(p.ExtentsPerPage(pageSize)) + uint64(extentInPage)
}

// IsHeaderExtent reports whether a view extent number addresses the header
func (p CryptParams) IsHeaderExtent(viewExtentNum uint64) bool {
	return viewExtentNum < p.HeaderExtents()
}

// ViewLowerOffset returns the offset into the lower data stream addressed by
// a non-header view extent
func (p CryptParams) ViewLowerOffset(viewExtentNum uint64) int64 {
	return int64(viewExtentNum)*int64(p.ExtentSize) - int64(p.MetadataSize)
}

// LowerHeaderSize returns the number of leading lower bytes reserved for the
// header: metadata_size inline, zero when the header lives in an xattr
func (p CryptParams) LowerHeaderSize() int64 {
	if p.Has(FlagMetadataInXattr) {
		return 0
	}
	return int64(p.MetadataSize)
}

// LowerOffsetForExtent returns where data extent extentNum lives in the lower file
func (p CryptParams) LowerOffsetForExtent(extentNum uint64) int64 {
	return p.LowerHeaderSize() + int64(extentNum)*int64(p.ExtentSize)
}

// LowerSizeForUpper calculates the lower file size holding upperSize bytes
// of plaintext
func (p CryptParams) LowerSizeForUpper(upperSize int64) int64 {
	if !p.Has(FlagEncrypted) {
		return upperSize
	}
	return p.LowerHeaderSize() + int64(CalculateExtentCount(upperSize, p.ExtentSize))*int64(p.ExtentSize)
}

// CalculateExtentCount calculates how many extents are needed for a given data size
func CalculateExtentCount(dataSize int64, extentSize int) uint64 {
	if dataSize <= 0 {
		return 0
	}
	return uint64((dataSize + int64(extentSize) - 1) / int64(extentSize))
}

// DefaultMetadataSize returns the header size for an extent size: at least
// MinMetadataSize, rounded up to a whole number of extents
func DefaultMetadataSize(extentSize int) int {
	size := MinMetadataSize
	if extentSize > size {
		size = extentSize
	}
	return (size + extentSize - 1) / extentSize * extentSize
}

// pageStep is one page-sized piece of a byte range
type pageStep struct {
	index  uint64
	offset int
	length int
}

// explodeRange splits a byte range into per-page steps
func explodeRange(pos int64, length int, pageSize int) []pageStep {
	var steps []pageStep
	for length > 0 {
		s := pageStep{
			index:  uint64(pos / int64(pageSize)),
			offset: int(pos % int64(pageSize)),
		}
		s.length = pageSize - s.offset
		if s.length > length {
			s.length = length
		}
		steps = append(steps, s)
		pos += int64(s.length)
		length -= s.length
	}
	return steps
}
