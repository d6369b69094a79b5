package imagesource

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testSHA = "0123456789abcdef0123456789abcdef0123456789abcdef0123456789abcd"

func TestShardPathLayout(t *testing.T) {
	p, err := ShardPath("images", testSHA, "jpg")
	require.NoError(t, err)
	assert.Equal(t, "images/01/23/"+testSHA+".jpg", p)
}

func TestShardPathRejectsBadHash(t *testing.T) {
	_, err := ShardPath("images", "too-short", "jpg")
	assert.Error(t, err)
}

func TestLocalFetchAndExists(t *testing.T) {
	base := t.TempDir()
	rel, _ := ShardPath("", testSHA, "jpg")
	full := filepath.Join(base, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte("image-bytes"), 0o644))

	src := NewLocal(base)
	ok, err := src.Exists(context.Background(), testSHA)
	require.NoError(t, err)
	assert.True(t, ok)

	dest := filepath.Join(t.TempDir(), "out.jpg")
	n, err := src.Fetch(context.Background(), testSHA, dest)
	require.NoError(t, err)
	assert.Equal(t, int64(len("image-bytes")), n)
}

func TestMultiFallsThroughSources(t *testing.T) {
	empty := NewLocal(t.TempDir())
	base := t.TempDir()
	rel, _ := ShardPath("", testSHA, "jpg")
	full := filepath.Join(base, rel)
	require.NoError(t, os.MkdirAll(filepath.Dir(full), 0o755))
	require.NoError(t, os.WriteFile(full, []byte("data"), 0o644))
	populated := NewLocal(base)

	multi := NewMulti(empty, populated)
	ok, err := multi.Exists(context.Background(), testSHA)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestJITCacheMissThenHit(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewJITCache(dir, time.Hour, 0)
	require.NoError(t, err)

	_, ok := cache.Get(testSHA)
	assert.False(t, ok)

	f := filepath.Join(t.TempDir(), "cached.jpg")
	require.NoError(t, os.WriteFile(f, []byte("bytes"), 0o644))
	require.NoError(t, cache.Put(testSHA, f, "local", 0))

	path, ok := cache.Get(testSHA)
	require.True(t, ok)
	assert.Equal(t, f, path)
	assert.Equal(t, 1, cache.Stats().Hits)
	assert.Equal(t, 1, cache.Stats().Misses)
}

func TestJITCacheExpires(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewJITCache(dir, time.Hour, 0)
	require.NoError(t, err)

	f := filepath.Join(t.TempDir(), "cached.jpg")
	require.NoError(t, os.WriteFile(f, []byte("bytes"), 0o644))
	require.NoError(t, cache.Put(testSHA, f, "local", time.Nanosecond))

	time.Sleep(time.Millisecond)
	_, ok := cache.Get(testSHA)
	assert.False(t, ok)
}

func TestJITCacheEvictsBySize(t *testing.T) {
	dir := t.TempDir()
	cache, err := NewJITCache(dir, time.Hour, 10)
	require.NoError(t, err)

	f1 := filepath.Join(t.TempDir(), "a.jpg")
	require.NoError(t, os.WriteFile(f1, make([]byte, 8), 0o644))
	require.NoError(t, cache.Put("a0123456789abcdef0123456789abcdef0123456789abcdef0123456789abc", f1, "local", 0))

	f2 := filepath.Join(t.TempDir(), "b.jpg")
	require.NoError(t, os.WriteFile(f2, make([]byte, 8), 0o644))
	require.NoError(t, cache.Put("b0123456789abcdef0123456789abcdef0123456789abcdef0123456789abc", f2, "local", 0))

	assert.True(t, cache.Stats().Evictions >= 1)
}
