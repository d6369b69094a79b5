package ocrcache

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTest(t *testing.T) *Cache {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ocr.db")
	c, err := Open(path)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	return c
}

func TestPutThenGetRoundTrips(t *testing.T) {
	c := openTest(t)

	_, found, err := c.Get("sha1", "tesseract", "")
	require.NoError(t, err)
	assert.False(t, found)

	_, err = c.Put("sha1", "tesseract", "5.3.0", "Herbarium-12345", 0.82, false)
	require.NoError(t, err)

	got, ok, err := c.Get("sha1", "tesseract", "5.3.0")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "Herbarium-12345", got.ExtractedText)
	assert.InDelta(t, 0.82, got.Confidence, 1e-9)
	assert.False(t, got.Error)
}

func TestPutIsIdempotentPerKey(t *testing.T) {
	c := openTest(t)

	_, err := c.Put("sha1", "gpt", "gpt-4o", "first", 0.5, false)
	require.NoError(t, err)
	_, err = c.Put("sha1", "gpt", "gpt-4o", "second", 0.9, false)
	require.NoError(t, err)

	got, ok, err := c.Get("sha1", "gpt", "gpt-4o")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "second", got.ExtractedText)
}

func TestStatsSummarizesLineage(t *testing.T) {
	c := openTest(t)
	require.NoError(t, c.RecordRun("run-1", "{}", "", ""))
	require.NoError(t, c.RecordLineage("run-1", "sha1", "completed", false))
	require.NoError(t, c.RecordLineage("run-1", "sha2", "completed", true))
	require.NoError(t, c.RecordLineage("run-1", "sha3", "failed", false))
	require.NoError(t, c.CompleteRun("run-1"))

	stats, err := c.Stats("run-1")
	require.NoError(t, err)
	assert.Equal(t, 3, stats.Total)
	assert.Equal(t, 1, stats.CacheHits)
	assert.Equal(t, 1, stats.NewOCR)
	assert.Equal(t, 1, stats.Failed)
	assert.InDelta(t, 1.0/3.0, stats.CacheHitPct, 1e-9)
}
