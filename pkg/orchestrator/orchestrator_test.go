package orchestrator

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devvyn/herbarium-specimen-tools/internal/config"
	"github.com/devvyn/herbarium-specimen-tools/pkg/dwc"
	"github.com/devvyn/herbarium-specimen-tools/pkg/engine"
	"github.com/devvyn/herbarium-specimen-tools/pkg/engine/rules"
	"github.com/devvyn/herbarium-specimen-tools/pkg/ocrcache"
	"github.com/devvyn/herbarium-specimen-tools/pkg/provenance"
	"github.com/devvyn/herbarium-specimen-tools/pkg/specimenindex"
)

func testConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Pipeline.Steps = []string{engine.TaskImageToText, engine.TaskTextToDwc}
	cfg.Dwc.PreferredEngine = rules.Name
	cfg.QC.PhashThreshold = 5
	cfg.QC.LowConfidenceFlag = 0.5
	cfg.QC.TopFifthScanPct = 20
	cfg.Processing.RetryLimit = 3
	return cfg
}

func newTestOrchestrator(t *testing.T) (*Orchestrator, *specimenindex.Index) {
	t.Helper()
	dir := t.TempDir()

	idx, err := specimenindex.Open(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { idx.Close() })

	cache, err := ocrcache.Open(filepath.Join(dir, "ocr.db"))
	require.NoError(t, err)
	t.Cleanup(func() { cache.Close() })

	provWriter, err := provenance.OpenWriter(filepath.Join(dir, "provenance.jsonl"))
	require.NoError(t, err)
	t.Cleanup(func() { provWriter.Close() })

	reg := engine.New()
	rules.Register(reg)
	// The test images are plain-text files; this stand-in OCR engine returns
	// their contents as the recognized text.
	reg.RegisterImageToText("filetext", func(imagePath string, _ engine.Options) (string, []float64, error) {
		data, err := os.ReadFile(imagePath)
		return string(data), []float64{1}, err
	})

	mapper := dwc.NewMapper(dwc.Rules{}, nil)

	svc := &Services{
		Registry:   reg,
		OCRCache:   cache,
		Index:      idx,
		Provenance: provWriter,
		Mapper:     mapper,
		Config:     testConfig(),
	}
	return New(svc), idx
}

func writeTestImage(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestProcessSpecimenExtractsDwcFields(t *testing.T) {
	orc, _ := newTestOrchestrator(t)
	dir := t.TempDir()
	path := writeTestImage(t, dir, "MO-123.jpg", "Catalog No: MO-123\nDate: 2023-05-14\nQuercus alba")

	ev, skipped, err := orc.ProcessSpecimen(context.Background(), "run1", path, nil)
	require.NoError(t, err)
	require.False(t, skipped)
	require.NotNil(t, ev)

	assert.Equal(t, "MO-123", ev.DwcFields["catalogNumber"])
	assert.Equal(t, "2023-05-14", ev.DwcFields["eventDate"])
	assert.Equal(t, "Quercus alba", ev.DwcFields["scientificName"])
	assert.NotEmpty(t, ev.DwcConfidence)
}

func TestProcessSpecimenSkipsWhenAlreadyDone(t *testing.T) {
	orc, _ := newTestOrchestrator(t)
	dir := t.TempDir()
	path := writeTestImage(t, dir, "MO-200.jpg", "Catalog No: MO-200")

	_, skipped, err := orc.ProcessSpecimen(context.Background(), "run1", path, nil)
	require.NoError(t, err)
	require.False(t, skipped)

	_, skipped, err = orc.ProcessSpecimen(context.Background(), "run2", path, nil)
	require.NoError(t, err)
	assert.True(t, skipped)
}

func TestProcessSpecimenFlagsExactDuplicates(t *testing.T) {
	orc, _ := newTestOrchestrator(t)
	dir := t.TempDir()
	sameContent := "Catalog No: MO-300\nQuercus rubra"
	first := writeTestImage(t, dir, "MO-300.jpg", sameContent)
	second := writeTestImage(t, dir, "MO-301.jpg", sameContent)

	ev1, _, err := orc.ProcessSpecimen(context.Background(), "run1", first, nil)
	require.NoError(t, err)
	assert.NotContains(t, ev1.Flags, "duplicate:sha256")

	ev2, _, err := orc.ProcessSpecimen(context.Background(), "run1", second, nil)
	require.NoError(t, err)
	assert.Contains(t, ev2.Flags, "duplicate:sha256")
}

func TestProcessSpecimenFlagsLowConfidence(t *testing.T) {
	orc, _ := newTestOrchestrator(t)
	dir := t.TempDir()
	// Text that matches no rule yields no fields and no confidence values,
	// and the low_confidence flag only fires when at least one field was
	// extracted, so this text yields exactly one weak match (recordedBy, 0.4).
	path := writeTestImage(t, dir, "MO-400.jpg", "Coll: J. Smith")

	ev, _, err := orc.ProcessSpecimen(context.Background(), "run1", path, nil)
	require.NoError(t, err)
	assert.Contains(t, ev.Flags, "low_confidence")
}

func TestProcessSpecimenFlagsTopFifthScan(t *testing.T) {
	orc, _ := newTestOrchestrator(t)
	dir := t.TempDir()
	path := writeTestImage(t, dir, "MO-500.jpg", "Catalog No: MO-500")

	scanPct := 95.0
	ev, _, err := orc.ProcessSpecimen(context.Background(), "run1", path, &scanPct)
	require.NoError(t, err)
	assert.Contains(t, ev.Flags, "top_fifth_scan")
}

func TestProcessSpecimenRejectsUnsupportedStep(t *testing.T) {
	orc, _ := newTestOrchestrator(t)
	orc.svc.Config.Pipeline.Steps = []string{"not_a_real_step"}
	dir := t.TempDir()
	path := writeTestImage(t, dir, "MO-600.jpg", "whatever")

	_, _, err := orc.ProcessSpecimen(context.Background(), "run1", path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "UnsupportedStep")
}
