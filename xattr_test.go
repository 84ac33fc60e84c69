package ecryptfs

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func xattrStores(t *testing.T) map[string]XattrStore {
	t.Helper()
	bolt, err := OpenBoltXattrStore(filepath.Join(t.TempDir(), "xattrs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { bolt.Close() })

	return map[string]XattrStore{
		"mem":  NewMemXattrStore(),
		"bolt": bolt,
	}
}

func TestXattrStore(t *testing.T) {
	for name, store := range xattrStores(t) {
		t.Run(name, func(t *testing.T) {
			buf := make([]byte, 16)

			_, err := store.Getxattr("/a", XattrName, buf)
			assert.ErrorIs(t, err, ErrNoAttr)
			assert.ErrorIs(t, store.Removexattr("/a", XattrName), ErrNoAttr)

			require.NoError(t, store.Setxattr("/a", XattrName, []byte("value"), 0))
			n, err := store.Getxattr("/a", XattrName, buf)
			require.NoError(t, err)
			assert.Equal(t, "value", string(buf[:n]))

			// Attributes are per path
			_, err = store.Getxattr("/b", XattrName, buf)
			assert.ErrorIs(t, err, ErrNoAttr)

			n, err = store.Getxattr("/a", XattrName, make([]byte, 2))
			assert.ErrorIs(t, err, ErrAttrRange)
			assert.Equal(t, 5, n)

			assert.ErrorIs(t, store.Setxattr("/a", XattrName, []byte("x"), XattrCreate), ErrAttrExists)
			assert.ErrorIs(t, store.Setxattr("/b", XattrName, []byte("x"), XattrReplace), ErrNoAttr)
			require.NoError(t, store.Setxattr("/a", XattrName, []byte("new"), XattrReplace))

			n, err = store.Getxattr("/a", XattrName, buf)
			require.NoError(t, err)
			assert.Equal(t, "new", string(buf[:n]))

			require.NoError(t, store.Removexattr("/a", XattrName))
			_, err = store.Getxattr("/a", XattrName, buf)
			assert.ErrorIs(t, err, ErrNoAttr)
		})
	}
}

func TestBoltXattrStore_Persists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "xattrs.db")

	store, err := OpenBoltXattrStore(path)
	require.NoError(t, err)
	require.NoError(t, store.Setxattr("/file", XattrName, []byte("header"), 0))
	require.NoError(t, store.Close())

	store, err = OpenBoltXattrStore(path)
	require.NoError(t, err)
	defer store.Close()

	buf := make([]byte, 16)
	n, err := store.Getxattr("/file", XattrName, buf)
	require.NoError(t, err)
	assert.Equal(t, "header", string(buf[:n]))
}
