package tlog

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
)

func kvStoreImpls(t *testing.T) map[string]KVStore {
	t.Helper()
	dir := t.TempDir()
	bolt, err := NewBoltStore(filepath.Join(dir, "store.bolt"))
	require.NoError(t, err)
	pebble, err := NewPebbleStore(filepath.Join(dir, "pebble"))
	require.NoError(t, err)
	return map[string]KVStore{
		"memory": NewMemKVStore(),
		"bolt":   bolt,
		"pebble": pebble,
	}
}

func TestKVStoreContract(t *testing.T) {
	for name, store := range kvStoreImpls(t) {
		t.Run(name, func(t *testing.T) {
			defer func() { require.NoError(t, store.Close()) }()
			ctx := context.Background()

			store.Set(KV{Key: []byte("a/1"), Value: []byte("v1")})
			store.Set(KV{Key: []byte("a/2"), Value: []byte("v2")})
			store.Set(KV{Key: []byte("b/1"), Value: []byte("v3")})

			// Reads observe committed state only.
			v, err := store.ReadValue(ctx, []byte("a/1"))
			require.NoError(t, err)
			require.Nil(t, v)

			require.NoError(t, store.Commit(ctx))

			v, err = store.ReadValue(ctx, []byte("a/1"))
			require.NoError(t, err)
			require.Equal(t, []byte("v1"), v)

			kvs, err := store.ReadRange(ctx, KVRange{Begin: []byte("a/"), End: []byte("a0")}, 0, 0)
			require.NoError(t, err)
			require.Len(t, kvs, 2)
			require.Equal(t, []byte("a/1"), kvs[0].Key)
			require.Equal(t, []byte("a/2"), kvs[1].Key)

			// Row limit.
			kvs, err = store.ReadRange(ctx, KVRange{Begin: []byte("a/"), End: []byte("c")}, 2, 0)
			require.NoError(t, err)
			require.Len(t, kvs, 2)

			// Clear is atomic with the next commit.
			store.Clear(KVRange{Begin: []byte("a/"), End: []byte("a0")})
			require.NoError(t, store.Commit(ctx))
			kvs, err = store.ReadRange(ctx, KVRange{Begin: []byte("a/"), End: []byte("c")}, 0, 0)
			require.NoError(t, err)
			require.Len(t, kvs, 1)
			require.Equal(t, []byte("b/1"), kvs[0].Key)
		})
	}
}

func TestPrefixEnd(t *testing.T) {
	require.Equal(t, []byte("ab"), prefixEnd([]byte("aa")))
	require.Equal(t, []byte("b"), prefixEnd([]byte("a\xff")))
}
