package schema

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestResolveTermStripsURIAndPrefix(t *testing.T) {
	assert.Equal(t, "catalogNumber", ResolveTerm("http://rs.tdwg.org/dwc/terms/catalogNumber"))
	assert.Equal(t, "catalogNumber", ResolveTerm("dwc:catalogNumber"))
	assert.Equal(t, "catalogNumber", ResolveTerm("catalogNumber"))
}

func TestSimilarityRatioIdentical(t *testing.T) {
	assert.Equal(t, 1.0, SimilarityRatio("catalognumber", "catalognumber"))
}

func TestSimilarityRatioCloseMatch(t *testing.T) {
	ratio := SimilarityRatio("catalog_num", "catalognumber")
	assert.True(t, ratio > 0.6 && ratio < 1.0, "expected a high but imperfect ratio, got %f", ratio)
}

func TestSimilarityRatioUnrelated(t *testing.T) {
	ratio := SimilarityRatio("abc", "xyz")
	assert.Equal(t, 0.0, ratio)
}

func TestCompatibilityReportComputesOverlap(t *testing.T) {
	m := NewManager(t.TempDir(), 30)
	m.schemas = map[string]Info{
		"dwc_simple": {Terms: []string{"catalogNumber", "scientificName", "eventDate"}},
		"abcd_206":   {Terms: []string{"catalogNumber", "scientificName", "locality"}},
	}

	report, err := m.CompatibilityReportFor("dwc_simple", []string{"abcd_206"})
	require.NoError(t, err)
	assert.Equal(t, 3, report.SourceTermCount)
	tc := report.TargetSchemas["abcd_206"]
	assert.Equal(t, 2, tc.OverlappingTerms)
	assert.InDelta(t, 2.0/3.0, tc.CompatibilityScore, 1e-9)
}

func TestSuggestMappingsRanksBySimilarity(t *testing.T) {
	m := NewManager(t.TempDir(), 30)
	m.schemas = map[string]Info{
		"dwc_simple": {Terms: []string{"catalogNumber", "scientificName"}},
	}
	m.PreferredSchemas = []string{"dwc_simple"}

	suggestions := m.SuggestMappings([]string{"catalog_number"}, nil, 0.6)
	require.NotEmpty(t, suggestions["catalog_number"])
	assert.Equal(t, "catalogNumber", suggestions["catalog_number"][0])
}
