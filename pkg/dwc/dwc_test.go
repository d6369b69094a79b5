package dwc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMapOCRToDwcCopiesKnownTerms(t *testing.T) {
	m := NewMapper(Rules{}, nil)
	record := m.MapOCRToDwc(map[string]string{
		"catalogNumber":  "Herbarium-12345",
		"scientificName": "Quercus alba",
		"unknownField":   "ignored",
	}, nil)

	assert.Equal(t, "Herbarium-12345", record.Get("catalogNumber"))
	assert.Equal(t, "Quercus alba", record.Get("scientificName"))
	assert.Equal(t, "", record.Get("unknownField"))
}

func TestMapOCRToDwcResolvesPrefixedKeys(t *testing.T) {
	m := NewMapper(Rules{}, nil)
	record := m.MapOCRToDwc(map[string]string{
		"dwc:catalogNumber": "Herbarium-99",
	}, nil)
	assert.Equal(t, "Herbarium-99", record.Get("catalogNumber"))
}

func TestMapOCRToDwcAppliesFieldMappings(t *testing.T) {
	mappings := map[string]string{"collector": "recordedBy"}
	m := NewMapper(Rules{}, mappings)
	record := m.MapOCRToDwc(map[string]string{"collector": "J. Smith"}, nil)
	assert.Equal(t, "J. Smith", record.Get("recordedBy"))
}

func TestMapOCRToDwcNormalizesInstitution(t *testing.T) {
	rules := Rules{Institutions: map[string]string{"UofS Herbarium": "SASK"}}
	m := NewMapper(rules, nil)
	record := m.MapOCRToDwc(map[string]string{"institutionCode": "uofs herbarium"}, nil)
	assert.Equal(t, "SASK", record.Get("institutionCode"))
}

func TestMapOCRToDwcFlagsMissingMinimalFields(t *testing.T) {
	m := NewMapper(Rules{}, nil)
	record := m.MapOCRToDwc(map[string]string{"catalogNumber": "X"}, []string{"catalogNumber", "scientificName"})
	require.NotEmpty(t, record.Flags)
	assert.Contains(t, record.FlagsString(), "missing:scientificName")
}

func TestMapOCRToDwcFlagsInvalidEventDate(t *testing.T) {
	m := NewMapper(Rules{}, nil)
	record := m.MapOCRToDwc(map[string]string{"eventDate": "not-a-date"}, nil)
	assert.Contains(t, record.Flags, "invalid:eventDate")
}

func TestValidateEventDateAcceptsISOAndEmpty(t *testing.T) {
	assert.True(t, ValidateEventDate(""))
	assert.True(t, ValidateEventDate("2024-05-17"))
	assert.False(t, ValidateEventDate("05/17/2024"))
}

func TestLoadRulesParsesNestedVocab(t *testing.T) {
	institutions := []byte(`"Royal Ontario Museum" = "ROM"`)
	vocab := []byte("[basisOfRecord]\nspecimen = \"PreservedSpecimen\"\n")

	rules, err := LoadRules(institutions, vocab)
	require.NoError(t, err)
	assert.Equal(t, "ROM", rules.NormalizeInstitution("royal ontario museum"))
	assert.Equal(t, "PreservedSpecimen", rules.NormalizeVocab("specimen", "basisOfRecord"))
	assert.Equal(t, "unchanged", rules.NormalizeVocab("unchanged", "basisOfRecord"))
}
