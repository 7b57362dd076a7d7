package cache

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/sync/errgroup"

	"github.com/trafficserver/tscore/pkg/errors"
)

// collidingKeys returns two distinct path keys with the same tag.
func collidingKeys(t *testing.T) (CacheKey, CacheKey) {
	t.Helper()
	first := NewPathKey("/collide/0")
	for i := 1; i < 1<<20; i++ {
		k := NewPathKey(fmt.Sprintf("/collide/%d", i))
		if k.Tag() == first.Tag() {
			return first, k
		}
	}
	t.Fatal("no tag collision found")
	return CacheKey{}, CacheKey{}
}

func newTestDirectory(t *testing.T, config *DirectoryConfig) *Directory {
	t.Helper()
	d, err := NewDirectory(config, nil)
	require.NoError(t, err)
	return d
}

func TestNewDirectory_InvalidBuckets(t *testing.T) {
	_, err := NewDirectory(&DirectoryConfig{Buckets: 0}, nil)
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.CodeOf(err))

	_, err = NewDirectory(&DirectoryConfig{Buckets: 4, LogCodec: "brotli"}, nil)
	assert.Equal(t, errors.ErrCodeInvalidConfig, errors.CodeOf(err))
}

func TestDirectory_InsertProbeDelete(t *testing.T) {
	d := newTestDirectory(t, nil)
	key := NewPathKey("/objects/a")

	_, ok := d.Probe(key)
	assert.False(t, ok)

	dir := d.Insert(key, BlockCacheDir{Offset: 8192, Size: 100})
	assert.True(t, dir.Valid())
	assert.True(t, dir.Head)
	assert.Equal(t, key.Tag(), dir.Tag)

	got, ok := d.Probe(key)
	require.True(t, ok)
	assert.Equal(t, dir, got)

	assert.False(t, d.Delete(NewPathKey("/objects/b"), dir), "tag must match too")
	assert.True(t, d.Delete(key, dir))
	assert.False(t, d.Delete(key, dir), "already deleted")

	_, ok = d.Probe(key)
	assert.False(t, ok)
	assert.Zero(t, d.Len())

	stats := d.Stats()
	assert.Equal(t, uint64(1), stats.Inserts)
	assert.Equal(t, uint64(1), stats.Deletes)
	assert.Equal(t, uint64(3), stats.Probes)
	assert.Equal(t, uint64(1), stats.Hits)
}

func TestDirectory_CollisionChain(t *testing.T) {
	d := newTestDirectory(t, &DirectoryConfig{Buckets: 1})
	a, b := collidingKeys(t)

	dirA := d.Insert(a, BlockCacheDir{Offset: 1})
	dirB := d.Insert(b, BlockCacheDir{Offset: 2})
	assert.False(t, dirB.Head)

	first, ok := d.Probe(b)
	require.True(t, ok)
	assert.Equal(t, dirA.Token, first.Token, "probe stops at the first tag match")

	docKey, err := d.ReadDocKey(context.Background(), first)
	require.NoError(t, err)
	assert.True(t, docKey.Equal(a))

	next, ok := d.ProbeAfter(b, first)
	require.True(t, ok)
	assert.Equal(t, dirB.Token, next.Token)

	_, ok = d.ProbeAfter(b, next)
	assert.False(t, ok, "end of chain")

	require.True(t, d.Delete(a, dirA))
	head, ok := d.Probe(b)
	require.True(t, ok)
	assert.True(t, head.Head, "the next entry becomes the bucket head")
}

func TestDirectory_ReadDocKey(t *testing.T) {
	d := newTestDirectory(t, nil)
	key := NewPathKey("/objects/a")
	dir := d.Insert(key, BlockCacheDir{})

	got, err := d.ReadDocKey(context.Background(), dir)
	require.NoError(t, err)
	assert.True(t, got.Equal(key))

	_, err = d.ReadDocKey(context.Background(), BlockCacheDir{Token: 999})
	assert.ErrorIs(t, err, errors.ErrNotFound)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = d.ReadDocKey(ctx, dir)
	assert.Equal(t, errors.ErrCodeOperationCanceled, errors.CodeOf(err))
}

func TestDirectory_Commit(t *testing.T) {
	d := newTestDirectory(t, nil)
	key := NewPathKey("/objects/a")

	inserted := d.Commit(key, BlockCacheDir{Size: 10})
	require.True(t, inserted.Valid())
	assert.Equal(t, 1, d.Len())

	inserted.Size = 20
	inserted.Pinned = true
	updated := d.Commit(key, inserted)
	assert.Equal(t, inserted.Token, updated.Token)
	assert.Equal(t, uint32(20), updated.Size)
	assert.True(t, updated.Pinned)
	assert.Equal(t, 1, d.Len(), "update in place")

	got, ok := d.Probe(key)
	require.True(t, ok)
	assert.Equal(t, updated, got)
	assert.Equal(t, uint64(2), d.Stats().Commits)
}

func TestDirectory_ConcurrentSyncKeepsNewestLog(t *testing.T) {
	path := filepath.Join(t.TempDir(), "directory.log")
	config := &DirectoryConfig{LogPath: path, Buckets: 8, CompressLog: true}
	d := newTestDirectory(t, config)

	const rounds = 100
	for round := 0; round < rounds; round++ {
		var g errgroup.Group
		g.Go(func() error {
			return d.Sync(context.Background())
		})
		g.Go(func() error {
			d.Commit(NewPathKey(fmt.Sprintf("/round/%d", round)), BlockCacheDir{Offset: uint64(round) * 512})
			return d.Sync(context.Background())
		})
		require.NoError(t, g.Wait())
		require.False(t, d.Dirty())

		restored := newTestDirectory(t, config)
		require.Equal(t, d.Len(), restored.Len(), "round %d: log is behind memory", round)
	}
	assert.Equal(t, rounds, d.Len())
}

func TestDirectory_SyncAndRestore(t *testing.T) {
	tests := []struct {
		name     string
		compress bool
		codec    string
		magic    []byte
	}{
		{"zstd", true, "", zstdMagic},
		{"lz4", true, CodecLZ4, lz4Magic},
		{"plain", false, "", nil},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			path := filepath.Join(t.TempDir(), "directory.log")
			config := &DirectoryConfig{LogPath: path, Buckets: 4, CompressLog: tt.compress, LogCodec: tt.codec}

			d := newTestDirectory(t, config)
			a := NewPathKey("/objects/a")
			var h Hash
			h[3] = 7
			b := NewHashKey(h)
			dirA := d.Insert(a, BlockCacheDir{Offset: 512, Size: 64})
			dirB := d.Insert(b, BlockCacheDir{Offset: 1024, Pinned: true})
			assert.True(t, d.Dirty())

			require.NoError(t, d.Sync(context.Background()))
			assert.False(t, d.Dirty())

			raw, err := os.ReadFile(path)
			require.NoError(t, err)
			if tt.magic != nil {
				assert.True(t, bytes.HasPrefix(raw, tt.magic))
			} else {
				assert.Equal(t, byte('{'), raw[0])
			}

			restored := newTestDirectory(t, config)
			assert.Equal(t, 2, restored.Len())

			got, ok := restored.Probe(a)
			require.True(t, ok)
			assert.Equal(t, dirA, got)
			got, ok = restored.Probe(b)
			require.True(t, ok)
			assert.Equal(t, dirB, got)

			key, err := restored.ReadDocKey(context.Background(), dirB)
			require.NoError(t, err)
			assert.True(t, key.Equal(b))

			next := restored.Insert(NewPathKey("/objects/c"), BlockCacheDir{})
			assert.Greater(t, next.Token, dirB.Token, "tokens continue after restore")
		})
	}
}

func TestDirectory_SyncFailureKeepsDirty(t *testing.T) {
	path := filepath.Join(t.TempDir(), "missing", "directory.log")
	d := newTestDirectory(t, &DirectoryConfig{LogPath: path, Buckets: 4})
	d.Insert(NewPathKey("/objects/a"), BlockCacheDir{})

	err := d.Sync(context.Background())
	require.Error(t, err)
	assert.Equal(t, errors.ErrCodeDirectoryIO, errors.CodeOf(err))
	assert.True(t, errors.IsRetryable(err))
	assert.True(t, d.Dirty())
}

func TestDirectory_SyncWithoutLogPath(t *testing.T) {
	d := newTestDirectory(t, nil)
	d.Insert(NewPathKey("/objects/a"), BlockCacheDir{})
	require.NoError(t, d.Sync(context.Background()))
	assert.False(t, d.Dirty())
	assert.Equal(t, uint64(1), d.Stats().Syncs)
}
