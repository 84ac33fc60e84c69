package ecryptfs

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// commit writes data through WriteBegin/WriteEnd; data must stay in one page
func commit(t *testing.T, ino *Inode, pos int64, data []byte) {
	t.Helper()
	page, err := ino.WriteBegin(pos, len(data))
	require.NoError(t, err)
	off := int(pos % int64(ino.PageSize()))
	copied := copy(page.Data()[off:off+len(data)], data)
	n, err := ino.WriteEnd(pos, len(data), copied, page)
	require.NoError(t, err)
	require.Equal(t, len(data), n)
}

func TestReadPage_Unencrypted(t *testing.T) {
	content := pattern(6000, 1)
	lower := newMemLower(content)
	cc := &countingCipher{ExtentCipher: testCipher(t)}
	ino := newTestInode(t, CryptParams{}, inodeOpts{lower: lower, cipher: cc, size: int64(len(content))})

	page := ino.Mapping().Grab(1)
	require.NoError(t, ino.ReadPage(page))

	assert.True(t, page.Uptodate())
	assert.False(t, page.Locked())
	reads, _ := lower.counts()
	assert.Equal(t, 1, reads)
	assert.Equal(t, 0, cc.calls)

	want := make([]byte, testPageSize)
	copy(want, content[testPageSize:])
	assert.Equal(t, want, page.Data())
	page.Release()
}

func TestWriteEnd_SmallEncryptedWrite(t *testing.T) {
	lower := newMemLower(nil)
	params := encryptedParams(4096)
	ino := newTestInode(t, params, inodeOpts{lower: lower})

	commit(t, ino, 0, []byte("0123456789"))

	assert.Equal(t, int64(10), ino.Size())
	raw := lower.bytes()
	require.GreaterOrEqual(t, len(raw), params.MetadataSize+testPageSize)
	assert.Equal(t, uint64(10), binary.BigEndian.Uint64(raw[:8]))
	assert.NotEqual(t, []byte("0123456789"), raw[params.MetadataSize:params.MetadataSize+10])

	// A cold cache decrypts the same bytes
	cold := newTestInode(t, params, inodeOpts{lower: lower, size: 10})
	assert.Equal(t, []byte("0123456789"), readAll(t, cold))
}

func TestWriteBegin_HoleIsZeroFilled(t *testing.T) {
	for _, ext := range []int{512, 4096} {
		lower := newMemLower(nil)
		params := encryptedParams(ext)
		ino := newTestInode(t, params, inodeOpts{lower: lower})

		pos := int64(3*testPageSize + 100)
		commit(t, ino, pos, []byte("hello"))
		require.Equal(t, pos+5, ino.Size())

		cold := newTestInode(t, params, inodeOpts{lower: lower, size: pos + 5})
		got := readAll(t, cold)
		requireZero(t, got[:pos])
		assert.Equal(t, []byte("hello"), got[pos:])
	}
}

func TestWriteBegin_ShrunkPageTailIsZero(t *testing.T) {
	lower := newMemLower(nil)
	params := encryptedParams(1024)
	ino := newTestInode(t, params, inodeOpts{lower: lower})

	data := pattern(5000, 4)
	_, err := testFile(ino).WriteAt(data, 0)
	require.NoError(t, err)
	require.NoError(t, ino.Truncate(100))

	// The lower file now ends at the first extent of page 0
	reopened := newTestInode(t, params, inodeOpts{lower: lower, size: 100})
	_, err = testFile(reopened).WriteAt([]byte("0123456789"), 3000)
	require.NoError(t, err)
	require.Equal(t, int64(3010), reopened.Size())

	cold := newTestInode(t, params, inodeOpts{lower: lower, size: 3010})
	got := readAll(t, cold)
	assert.Equal(t, data[:100], got[:100])
	requireZero(t, got[100:3000])
	assert.Equal(t, []byte("0123456789"), got[3000:])
}

func TestWriteBegin_PartialWritePreservesContent(t *testing.T) {
	lower := newMemLower(nil)
	params := encryptedParams(1024)
	ino := newTestInode(t, params, inodeOpts{lower: lower})
	commit(t, ino, 0, bytes.Repeat([]byte("A"), 100))

	cold := newTestInode(t, params, inodeOpts{lower: lower, size: 100})
	commit(t, cold, 10, []byte("BB"))

	want := bytes.Repeat([]byte("A"), 100)
	copy(want[10:], "BB")

	again := newTestInode(t, params, inodeOpts{lower: lower, size: 100})
	assert.Equal(t, want, readAll(t, again))
}

func TestWriteEnd_ShortCommit(t *testing.T) {
	lower := newMemLower(nil)
	ino := newTestInode(t, encryptedParams(4096), inodeOpts{lower: lower})

	page := ino.Mapping().Grab(0)
	n, err := ino.WriteEnd(0, 10, 10, page)
	require.NoError(t, err)
	assert.Equal(t, 0, n)
	assert.False(t, page.Locked())
	assert.Equal(t, 0, page.Refs())
	_, writes := lower.counts()
	assert.Equal(t, 0, writes)
}

func TestWriteEnd_FullPageWithoutRead(t *testing.T) {
	lower := newMemLower(nil)
	params := encryptedParams(4096)
	ino := newTestInode(t, params, inodeOpts{lower: lower, size: 2 * testPageSize})

	data := pattern(testPageSize, 9)
	commit(t, ino, testPageSize, data)

	reads, _ := lower.counts()
	assert.Equal(t, 0, reads)

	cold := newTestInode(t, params, inodeOpts{lower: lower, size: 2 * testPageSize})
	assert.Equal(t, data, readAll(t, cold)[testPageSize:])
}

func TestWriteEnd_Unencrypted(t *testing.T) {
	lower := newMemLower([]byte("xxxxxxxxxx"))
	ino := newTestInode(t, CryptParams{}, inodeOpts{lower: lower, size: 10})

	commit(t, ino, 2, []byte("hello"))
	assert.Equal(t, []byte("xxhelloxxx"), lower.bytes())
	assert.Equal(t, int64(10), ino.Size())

	commit(t, ino, 8, []byte("world"))
	assert.Equal(t, []byte("xxhelloxworld"), lower.bytes())
	assert.Equal(t, int64(13), ino.Size())
}

func TestWriteEnd_UnencryptedKeepsCachedSize(t *testing.T) {
	lower := newMemLower(nil)
	ino := newTestInode(t, CryptParams{}, inodeOpts{lower: lower})
	f := testFile(ino)

	data := pattern(10000, 6)
	_, err := f.WriteCached(data, 0)
	require.NoError(t, err)

	_, err = f.WriteAt([]byte{0xff}, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(10000), ino.Size())

	require.NoError(t, f.Sync())
	data[0] = 0xff
	assert.Equal(t, data, lower.bytes())
}

func TestFile_ConcurrentWritersPastEOF(t *testing.T) {
	lower := newMemLower(nil)
	params := encryptedParams(512)
	ino := newTestInode(t, params, inodeOpts{lower: lower})

	const writers = 8
	var wg sync.WaitGroup
	errs := make([]error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			msg := []byte(fmt.Sprintf("writer-%d", i))
			_, errs[i] = testFile(ino).WriteAt(msg, int64(2*i*testPageSize+300))
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	last := int64(2*(writers-1)*testPageSize + 300 + len("writer-7"))
	require.Equal(t, last, ino.Size())

	cold := newTestInode(t, params, inodeOpts{lower: lower, size: last})
	got := readAll(t, cold)
	prev := 0
	for i := 0; i < writers; i++ {
		msg := fmt.Sprintf("writer-%d", i)
		at := 2*i*testPageSize + 300
		requireZero(t, got[prev:at])
		assert.Equal(t, msg, string(got[at:at+len(msg)]))
		prev = at + len(msg)
	}
}

func TestReadPage_FailureLeavesPageUnlocked(t *testing.T) {
	lower := newMemLower(nil)
	ino := newTestInode(t, encryptedParams(4096), inodeOpts{lower: lower, size: 100})
	lower.failRead = errors.New("disk on fire")

	page := ino.Mapping().Grab(0)
	err := ino.ReadPage(page)
	require.Error(t, err)
	assert.True(t, IsIOError(err))
	assert.False(t, page.Uptodate())
	assert.False(t, page.Locked())
	page.Release()
}

func TestWriteBegin_FailureReleasesPage(t *testing.T) {
	lower := newMemLower(nil)
	ino := newTestInode(t, encryptedParams(4096), inodeOpts{lower: lower, size: 100})
	lower.failRead = errors.New("disk on fire")

	page, err := ino.WriteBegin(10, 5)
	require.Error(t, err)
	assert.Nil(t, page)

	cached, ok := ino.Mapping().Lookup(0)
	require.True(t, ok)
	assert.False(t, cached.Locked())
	assert.False(t, cached.Uptodate())
	assert.Equal(t, 0, cached.Refs())
}

func TestWriteBegin_RejectsCrossPageWrite(t *testing.T) {
	ino := newTestInode(t, encryptedParams(4096), inodeOpts{})
	_, err := ino.WriteBegin(testPageSize-2, 4)
	assert.True(t, IsValidationError(err))
}

func TestCopyUpEncryptedWithHeader(t *testing.T) {
	for _, ext := range []int{512, 4096} {
		xattrs := NewMemXattrStore()
		lower := newMemLower(nil)
		params := encryptedParams(ext)
		params.Flags |= FlagMetadataInXattr

		ino := newTestInode(t, params, inodeOpts{lower: lower, xattrs: xattrs})
		require.NoError(t, ino.writeMetadata(Packet{Tag: PacketTagKeyDerivation, Body: []byte{1, 2, 3}}))
		_, err := testFile(ino).WriteAt(pattern(5000, 4), 0)
		require.NoError(t, err)

		lowerData := lower.bytes()
		require.Len(t, lowerData, 2*testPageSize)

		view := params
		view.Flags |= FlagViewAsEncrypted
		viewIno := newTestInode(t, view, inodeOpts{
			lower:  lower,
			xattrs: xattrs,
			size:   int64(len(lowerData) + params.MetadataSize),
		})

		first := viewIno.Mapping().Grab(0)
		require.NoError(t, viewIno.ReadPage(first))
		rendered := append([]byte(nil), first.Data()...)

		// Rendering twice gives the same bytes
		first.Lock()
		first.ClearUptodate()
		require.NoError(t, viewIno.ReadPage(first))
		assert.Equal(t, rendered, first.Data())
		first.Release()

		h, err := ParseHeader(rendered)
		require.NoError(t, err)
		assert.Equal(t, uint64(5000), h.FileSize)
		assert.Equal(t, uint8(headerFlagEncrypted), h.Flags)
		assert.Equal(t, uint32(ext), h.ExtentSize)
		assert.Equal(t, uint16(params.HeaderExtents()), h.HeaderExtents)
		body, ok := h.Packet(PacketTagKeyDerivation)
		require.True(t, ok)
		assert.Equal(t, []byte{1, 2, 3}, body)

		// The rest of the header region is zero, then the lower data follows
		got := readAll(t, viewIno)
		requireZero(t, got[testPageSize:params.MetadataSize])
		assert.Equal(t, lowerData, got[params.MetadataSize:])
	}
}

func TestReadPage_ViewInline(t *testing.T) {
	lower := newMemLower(nil)
	params := encryptedParams(4096)
	ino := newTestInode(t, params, inodeOpts{lower: lower})
	require.NoError(t, ino.writeMetadata())
	commit(t, ino, 0, []byte("secret"))

	view := params
	view.Flags |= FlagViewAsEncrypted
	raw := lower.bytes()
	viewIno := newTestInode(t, view, inodeOpts{lower: lower, size: int64(len(raw))})
	assert.Equal(t, raw, readAll(t, viewIno))
}

func TestWritepages(t *testing.T) {
	configs := map[string]ParallelConfig{
		"sequential": {},
		"parallel":   {Enabled: true, MaxWorkers: 4, MinPagesForParallel: 1},
	}
	for name, pc := range configs {
		t.Run(name, func(t *testing.T) {
			lower := newMemLower(nil)
			params := encryptedParams(4096)
			fc := &failingCipher{ExtentCipher: testCipher(t), failExtent: 1}
			ino := newTestInode(t, params, inodeOpts{lower: lower, cipher: fc, parallel: pc})

			data := pattern(3*testPageSize, 5)
			n, err := testFile(ino).WriteCached(data, 0)
			require.NoError(t, err)
			require.Equal(t, len(data), n)
			assert.Equal(t, int64(len(data)), ino.Size())
			_, writes := lower.counts()
			assert.Equal(t, 0, writes)

			err = ino.Writepages()
			require.Error(t, err)
			assert.True(t, IsCryptoError(err))
			assert.Error(t, ino.Mapping().CheckError())
			assert.NoError(t, ino.Mapping().CheckError())

			for _, idx := range []uint64{0, 1, 2} {
				p, ok := ino.Mapping().Lookup(idx)
				require.True(t, ok)
				assert.False(t, p.Dirty())
				assert.False(t, p.Locked())
				assert.Equal(t, idx != 1, p.Uptodate(), "page %d", idx)
			}

			// Pages around the failing one reached the lower file
			cold := newTestInode(t, params, inodeOpts{lower: lower, size: int64(len(data))})
			got := readAll(t, cold)
			assert.Equal(t, data[:testPageSize], got[:testPageSize])
			assert.Equal(t, data[2*testPageSize:], got[2*testPageSize:])
		})
	}
}

func TestWritepages_Unencrypted(t *testing.T) {
	lower := newMemLower(nil)
	ino := newTestInode(t, CryptParams{}, inodeOpts{lower: lower})

	_, err := testFile(ino).WriteCached([]byte("cached"), 0)
	require.NoError(t, err)
	require.NoError(t, ino.Writepages())
	assert.Equal(t, []byte("cached"), lower.bytes())
}

func TestBmap(t *testing.T) {
	ino := newTestInode(t, CryptParams{}, inodeOpts{lower: &mappedLower{memLower: newMemLower(nil)}})
	assert.Equal(t, uint64(103), ino.Bmap(3))

	failing := newTestInode(t, CryptParams{}, inodeOpts{lower: &mappedLower{memLower: newMemLower(nil), fail: true}})
	assert.Equal(t, uint64(0), failing.Bmap(3))

	plain := newTestInode(t, CryptParams{}, inodeOpts{})
	assert.Equal(t, uint64(0), plain.Bmap(3))
}

func TestTruncate(t *testing.T) {
	lower := newMemLower(nil)
	params := encryptedParams(1024)
	ino := newTestInode(t, params, inodeOpts{lower: lower})

	data := pattern(2*testPageSize+500, 2)
	_, err := testFile(ino).WriteAt(data, 0)
	require.NoError(t, err)

	require.NoError(t, ino.Truncate(testPageSize+10))
	assert.Equal(t, int64(testPageSize+10), ino.Size())
	assert.Equal(t, params.LowerSizeForUpper(testPageSize+10), int64(len(lower.bytes())))

	require.NoError(t, ino.Truncate(3*testPageSize))
	cold := newTestInode(t, params, inodeOpts{lower: lower, size: 3 * testPageSize})
	got := readAll(t, cold)
	assert.Equal(t, data[:testPageSize+10], got[:testPageSize+10])
	requireZero(t, got[testPageSize+10:])
	assert.Equal(t, uint64(3*testPageSize), binary.BigEndian.Uint64(lower.bytes()[:8]))
}
