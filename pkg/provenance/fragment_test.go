package provenance

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFragmentIDDeterministic(t *testing.T) {
	f1 := NewPreprocessing("abc123", "def456", "preprocessor-v1", "2024-01-01T00:00:00Z", "", nil)
	f2 := NewPreprocessing("abc123", "def456", "preprocessor-v1", "2024-01-01T00:00:00Z", "", nil)
	assert.Equal(t, f1.ID(), f2.ID(), "same logical fragment must hash to the same id")

	f3 := NewPreprocessing("abc123", "other", "preprocessor-v1", "2024-01-01T00:00:00Z", "", nil)
	assert.NotEqual(t, f1.ID(), f3.ID())
}

func TestDwcExtractionQualityMetrics(t *testing.T) {
	f := NewDwcExtraction("ocr_text", "sha", "rules", "2024-01-01T00:00:00Z", "", map[string]float64{
		"catalogNumber":  0.9,
		"scientificName": 0.3,
	})
	qm := f.QualityMetrics
	assert.InDelta(t, 0.6, qm["average_confidence"], 1e-9)
	assert.Equal(t, 2, qm["field_count"])
}

func TestWriterAppendsWithoutRewriting(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "provenance.jsonl")

	w, err := OpenWriter(path)
	require.NoError(t, err)
	f1 := NewPreprocessing("a", "b", "agent", "t1", "", nil)
	_, err = w.Write(f1)
	require.NoError(t, err)
	require.NoError(t, w.Close())

	w2, err := OpenWriter(path)
	require.NoError(t, err)
	f2 := NewPreprocessing("b", "c", "agent", "t2", f1.ID(), nil)
	_, err = w2.Write(f2)
	require.NoError(t, err)
	require.NoError(t, w2.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Equal(t, 2, countLines(string(data)))
}

func countLines(s string) int {
	n := 0
	for _, c := range s {
		if c == '\n' {
			n++
		}
	}
	return n
}
