package run

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devvyn/herbarium-specimen-tools/internal/config"
	"github.com/devvyn/herbarium-specimen-tools/pkg/engine"
	"github.com/devvyn/herbarium-specimen-tools/pkg/engine/rules"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Pipeline.Steps = []string{engine.TaskTextToDwc}
	cfg.Dwc.PreferredEngine = rules.Name
	cfg.QC.PhashThreshold = 5
	cfg.QC.LowConfidenceFlag = 0.5
	cfg.QC.TopFifthScanPct = 20
	cfg.Processing.RetryLimit = 3
	return cfg
}

func TestRunProcessesAllRecognizedImages(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()

	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "MO-1.jpg"), []byte("Catalog No: MO-1\n2020-01-05"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "MO-2.jpg"), []byte("Catalog No: MO-2\nQuercus alba"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "notes.txt"), []byte("ignore me"), 0o644))

	result, err := Run(context.Background(), Options{
		InputDir:     inputDir,
		OutputDir:    outputDir,
		Config:       testConfig(),
		StateDBPath:  filepath.Join(outputDir, "state.db"),
		OCRCachePath: filepath.Join(outputDir, "ocr_cache.db"),
		Workers:      2,
	})
	require.NoError(t, err)

	assert.Equal(t, 2, result.Processed)
	assert.Equal(t, 0, result.Failed)
	assert.NotEmpty(t, result.RunID)

	_, err = os.Stat(filepath.Join(outputDir, "occurrence.csv"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(outputDir, "raw.jsonl"))
	assert.NoError(t, err)
	_, err = os.Stat(filepath.Join(outputDir, "provenance.jsonl"))
	assert.NoError(t, err)
}

func TestRunResumeSkipsCompletedSpecimens(t *testing.T) {
	inputDir := t.TempDir()
	outputDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(inputDir, "MO-9.jpg"), []byte("Catalog No: MO-9"), 0o644))

	opts := Options{
		InputDir:     inputDir,
		OutputDir:    outputDir,
		Config:       testConfig(),
		StateDBPath:  filepath.Join(outputDir, "state.db"),
		OCRCachePath: filepath.Join(outputDir, "ocr_cache.db"),
		Workers:      1,
	}

	first, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 1, first.Processed)

	opts.Resume = true
	second, err := Run(context.Background(), opts)
	require.NoError(t, err)
	assert.Equal(t, 0, second.Processed)
	assert.Equal(t, 1, second.Skipped)
}

func TestEnumerateImagesFiltersByExtensionAndSorts(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.png", "a.jpg", "skip.txt", "c.TIFF"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte("x"), 0o644))
	}

	paths, err := enumerateImages(dir)
	require.NoError(t, err)
	require.Len(t, paths, 3)
	assert.Equal(t, filepath.Join(dir, "a.jpg"), paths[0])
	assert.Equal(t, filepath.Join(dir, "b.png"), paths[1])
	assert.Equal(t, filepath.Join(dir, "c.TIFF"), paths[2])
}
