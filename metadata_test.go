package ecryptfs

import (
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSize = int64(0x0102030405060708)

func TestWriteInodeSizeToMetadata_Inline(t *testing.T) {
	lower := newMemLower(make([]byte, 8192))
	xattrs := NewMemXattrStore()
	ino := newTestInode(t, encryptedParams(4096), inodeOpts{lower: lower, xattrs: xattrs, size: testSize})

	require.NoError(t, ino.WriteInodeSizeToMetadata())
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6, 7, 8}, lower.bytes()[:8])
	assert.Len(t, lower.bytes(), 8192)

	_, err := xattrs.Getxattr("/file", XattrName, make([]byte, 64))
	assert.ErrorIs(t, err, ErrNoAttr)
}

func xattrParams() CryptParams {
	p := encryptedParams(4096)
	p.Flags |= FlagMetadataInXattr
	return p
}

func TestWriteInodeSizeToMetadata_Xattr(t *testing.T) {
	tests := []struct {
		name     string
		existing []byte
		wantLen  int
	}{
		{"absent", nil, 8},
		{"shorter than size field", []byte{9, 9, 9}, 8},
		{"full header", pattern(100, 50), 100},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lower := newMemLower(nil)
			xattrs := NewMemXattrStore()
			if tt.existing != nil {
				require.NoError(t, xattrs.Setxattr("/file", XattrName, tt.existing, 0))
			}
			ino := newTestInode(t, xattrParams(), inodeOpts{lower: lower, xattrs: xattrs, size: testSize})

			require.NoError(t, ino.WriteInodeSizeToMetadata())

			buf := make([]byte, testPageSize)
			n, err := xattrs.Getxattr("/file", XattrName, buf)
			require.NoError(t, err)
			assert.Equal(t, tt.wantLen, n)
			assert.Equal(t, uint64(testSize), binary.BigEndian.Uint64(buf[:8]))
			if tt.wantLen > 8 {
				assert.Equal(t, tt.existing[8:], buf[8:n])
			}

			_, writes := lower.counts()
			assert.Equal(t, 0, writes)
		})
	}
}

func TestWriteInodeSizeToMetadata_XattrTooLarge(t *testing.T) {
	xattrs := NewMemXattrStore()
	existing := pattern(testPageSize+1, 7)
	require.NoError(t, xattrs.Setxattr("/file", XattrName, existing, 0))
	ino := newTestInode(t, xattrParams(), inodeOpts{xattrs: xattrs, size: testSize})

	err := ino.WriteInodeSizeToMetadata()
	assert.ErrorIs(t, err, ErrAttrRange)
	assert.True(t, IsIOError(err))

	buf := make([]byte, 2*testPageSize)
	n, err := xattrs.Getxattr("/file", XattrName, buf)
	require.NoError(t, err)
	assert.Equal(t, existing, buf[:n], "header must be left intact")
}

func TestWriteInodeSizeToMetadata_NoXattrSupport(t *testing.T) {
	ino := newTestInode(t, xattrParams(), inodeOpts{size: 10})

	err := ino.WriteInodeSizeToMetadata()
	assert.True(t, IsUnsupportedError(err))
	assert.ErrorIs(t, err, ErrUnsupported)
}

func TestWriteInodeSizeToMetadata_Unencrypted(t *testing.T) {
	ino := newTestInode(t, CryptParams{}, inodeOpts{})
	assert.True(t, IsValidationError(ino.WriteInodeSizeToMetadata()))
}

func TestWriteInodeSizeToMetadata_FollowsFlagChanges(t *testing.T) {
	lower := newMemLower(make([]byte, 8192))
	xattrs := NewMemXattrStore()
	ino := newTestInode(t, encryptedParams(4096), inodeOpts{lower: lower, xattrs: xattrs, size: 42})

	ino.CryptStat().SetFlags(FlagMetadataInXattr)
	require.NoError(t, ino.WriteInodeSizeToMetadata())
	requireZero(t, lower.bytes()[:8])

	buf := make([]byte, 8)
	_, err := xattrs.Getxattr("/file", XattrName, buf)
	require.NoError(t, err)
	assert.Equal(t, uint64(42), binary.BigEndian.Uint64(buf))
}

func TestReadHeader(t *testing.T) {
	t.Run("inline", func(t *testing.T) {
		lower := newMemLower(nil)
		ino := newTestInode(t, encryptedParams(4096), inodeOpts{lower: lower, size: 77})
		require.NoError(t, ino.writeMetadata(Packet{Tag: PacketTagKeyDerivation, Body: []byte("k")}))
		assert.Len(t, lower.bytes(), 8192)

		h, err := readHeader("/file", lower, nil, testPageSize)
		require.NoError(t, err)
		assert.Equal(t, uint64(77), h.FileSize)
		assert.False(t, h.Params().Has(FlagMetadataInXattr))
	})

	t.Run("xattr", func(t *testing.T) {
		lower := newMemLower(nil)
		xattrs := NewMemXattrStore()
		ino := newTestInode(t, xattrParams(), inodeOpts{lower: lower, xattrs: xattrs, size: 77})
		require.NoError(t, ino.writeMetadata())
		assert.Empty(t, lower.bytes())

		h, err := readHeader("/file", lower, xattrs, testPageSize)
		require.NoError(t, err)
		assert.Equal(t, uint64(77), h.FileSize)
		assert.True(t, h.Params().Has(FlagMetadataInXattr))
	})

	t.Run("none", func(t *testing.T) {
		lower := newMemLower([]byte("plain text that is long enough to look like a header"))
		_, err := readHeader("/file", lower, NewMemXattrStore(), testPageSize)
		assert.ErrorIs(t, err, errNoHeader)
	})
}
