package output

import (
	"archive/zip"
	"encoding/csv"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteDwcCSVWritesHeaderAndRows(t *testing.T) {
	dir := t.TempDir()
	rows := []map[string]string{
		{"catalogNumber": "H-1", "scientificName": "Quercus alba"},
	}
	require.NoError(t, WriteDwcCSV(dir, rows, false))

	f, err := os.Open(filepath.Join(dir, "occurrence.csv"))
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Contains(t, records[0], "catalogNumber")
	assert.Contains(t, records[0], "flags")
}

func TestWriteDwcCSVAppendModeSkipsHeader(t *testing.T) {
	dir := t.TempDir()
	rows := []map[string]string{{"catalogNumber": "H-1"}}
	require.NoError(t, WriteDwcCSV(dir, rows, false))
	require.NoError(t, WriteDwcCSV(dir, rows, true))

	f, err := os.Open(filepath.Join(dir, "occurrence.csv"))
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	assert.Len(t, records, 3) // one header + two data rows
}

func TestWriteIdentificationHistoryCSVUsesFixedColumns(t *testing.T) {
	dir := t.TempDir()
	rows := []map[string]string{{"occurrenceID": "abc", "identifiedBy": "J. Doe"}}
	require.NoError(t, WriteIdentificationHistoryCSV(dir, rows, false))

	f, err := os.Open(filepath.Join(dir, "identification_history.csv"))
	require.NoError(t, err)
	defer f.Close()

	records, err := csv.NewReader(f).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 2)
	assert.Equal(t, IdentHistoryColumns, records[0])
}

func TestWriteRawJSONLAppends(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteRawJSONL(dir, []map[string]interface{}{{"a": 1}}, false))
	require.NoError(t, WriteRawJSONL(dir, []map[string]interface{}{{"b": 2}}, true))

	data, err := os.ReadFile(filepath.Join(dir, "raw.jsonl"))
	require.NoError(t, err)
	assert.Contains(t, string(data), `"a":1`)
	assert.Contains(t, string(data), `"b":2`)
}

func TestBuildMetaXMLProducesCoreAndExtension(t *testing.T) {
	dir := t.TempDir()
	path, err := BuildMetaXML(dir)
	require.NoError(t, err)

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	content := string(data)
	assert.Contains(t, content, "occurrence.csv")
	assert.Contains(t, content, "identification_history.csv")
	assert.Contains(t, content, "http://rs.tdwg.org/dwc/terms/catalogNumber")
}

func TestCreateVersionedBundleRejectsBadVersion(t *testing.T) {
	dir := t.TempDir()
	_, err := CreateVersionedBundle(dir, "not-semver", nil, "", BundleRich, false, nil)
	assert.Error(t, err)
}

func TestCreateVersionedBundleSimpleFormatNamesByVersionOnly(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteDwcCSV(dir, nil, false))
	require.NoError(t, WriteIdentificationHistoryCSV(dir, nil, false))

	path, err := CreateVersionedBundle(dir, "2.1.0", nil, "", BundleSimple, false, nil)
	require.NoError(t, err)
	assert.Equal(t, "dwca_v2.1.0.zip", filepath.Base(path))
}

func TestCreateVersionedBundleZipsStandardFiles(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, WriteDwcCSV(dir, []map[string]string{{"catalogNumber": "H-1"}}, false))
	require.NoError(t, WriteIdentificationHistoryCSV(dir, nil, false))

	path, err := CreateVersionedBundle(dir, "1.0.0", map[string]interface{}{"institution": "SASK"}, "abc1234def", BundleRich, true, nil)
	require.NoError(t, err)

	zr, err := zip.OpenReader(path)
	require.NoError(t, err)
	defer zr.Close()

	names := map[string]bool{}
	for _, f := range zr.File {
		names[f.Name] = true
	}
	assert.True(t, names["occurrence.csv"])
	assert.True(t, names["identification_history.csv"])
	assert.True(t, names["meta.xml"])
	assert.True(t, names["manifest.json"])
}
