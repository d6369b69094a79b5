// Package output writes the run's result set to disk: the DwC
// occurrence CSV, an identification-history CSV, a raw-events JSONL,
// the DwC-Archive meta.xml descriptor, a run manifest, and (optionally)
// a versioned ZIP bundle of all of the above.
package output

import (
	"crypto/sha256"
	"encoding/csv"
	"encoding/hex"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"time"

	"github.com/pkg/errors"

	"github.com/devvyn/herbarium-specimen-tools/pkg/dwc"
)

// IdentHistoryColumns is the fixed column set of identification_history.csv.
var IdentHistoryColumns = []string{
	"occurrenceID", "identificationID", "identifiedBy", "dateIdentified",
	"scientificName", "scientificNameAuthorship", "taxonRank",
	"identificationQualifier", "identificationRemarks", "identificationReferences",
	"identificationVerificationStatus", "isCurrent",
}

var identHistoryURIs = map[string]string{
	"occurrenceID":     dwcTermURI("occurrenceID"),
	"identificationID": "http://purl.org/dc/terms/identifier",
	"isCurrent":        "http://rs.gbif.org/terms/1.0/isCurrent",
}

func dwcTermURI(term string) string {
	return "http://rs.tdwg.org/dwc/terms/" + term
}

// WriteDwcCSV writes (or appends to) occurrence.csv using dwc.Terms as
// the fixed column order.
func WriteDwcCSV(outputDir string, rows []map[string]string, appendMode bool) error {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return errors.Wrap(err, "creating output directory")
	}
	path := filepath.Join(outputDir, "occurrence.csv")
	return writeCSVRows(path, append(dwc.Terms, "flags"), rows, appendMode)
}

// WriteIdentificationHistoryCSV writes (or appends to) identification_history.csv.
func WriteIdentificationHistoryCSV(outputDir string, rows []map[string]string, appendMode bool) error {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return errors.Wrap(err, "creating output directory")
	}
	path := filepath.Join(outputDir, "identification_history.csv")
	return writeCSVRows(path, IdentHistoryColumns, rows, appendMode)
}

func writeCSVRows(path string, columns []string, rows []map[string]string, appendMode bool) error {
	_, statErr := os.Stat(path)
	fileExists := statErr == nil

	flags := os.O_WRONLY | os.O_CREATE
	if appendMode && fileExists {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return errors.Wrapf(err, "opening %q", path)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	defer w.Flush()

	if !fileExists || !appendMode {
		if err := w.Write(columns); err != nil {
			return errors.Wrap(err, "writing csv header")
		}
	}
	for _, row := range rows {
		record := make([]string, len(columns))
		for i, c := range columns {
			record[i] = row[c]
		}
		if err := w.Write(record); err != nil {
			return errors.Wrap(err, "writing csv row")
		}
	}
	return w.Error()
}

// WriteRawJSONL appends (or creates) raw.jsonl with one JSON object per line.
func WriteRawJSONL(outputDir string, events []map[string]interface{}, appendMode bool) error {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return errors.Wrap(err, "creating output directory")
	}
	path := filepath.Join(outputDir, "raw.jsonl")

	flags := os.O_WRONLY | os.O_CREATE
	if appendMode {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o644)
	if err != nil {
		return errors.Wrapf(err, "opening %q", path)
	}
	defer f.Close()

	for _, event := range events {
		line, err := json.Marshal(event)
		if err != nil {
			return errors.Wrap(err, "marshaling event")
		}
		if _, err := f.Write(append(line, '\n')); err != nil {
			return errors.Wrap(err, "writing jsonl line")
		}
	}
	return nil
}

// WriteManifest writes manifest.json, replacing any prior copy.
func WriteManifest(outputDir string, manifest map[string]interface{}) error {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return errors.Wrap(err, "creating output directory")
	}
	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return errors.Wrap(err, "marshaling manifest")
	}
	return os.WriteFile(filepath.Join(outputDir, "manifest.json"), data, 0o644)
}

// BuildRunManifest assembles the run-level manifest written unconditionally
// at the end of every run: run identity, start time, the git commit the
// input tree was at, a snapshot of the config in effect, and a provenance
// summary (total fragment count, counts by fragment type, and the path of
// the provenance log they were read from).
func BuildRunManifest(runID, startedAt, gitCommit string, config map[string]interface{}, totalFragments int, fragmentTypes map[string]int, provenanceFile string) map[string]interface{} {
	return map[string]interface{}{
		"run_id":     runID,
		"started_at": startedAt,
		"git_commit": gitCommit,
		"config":     config,
		"provenance": map[string]interface{}{
			"total_fragments": totalFragments,
			"fragment_types":  fragmentTypes,
			"provenance_file": provenanceFile,
		},
	}
}

// BuildManifest assembles run metadata for archive exports: format
// version, export type, timestamp, filters, and (when present) a
// caller-supplied version string and git commit.
func BuildManifest(filters map[string]interface{}, version, gitCommit string) map[string]interface{} {
	manifest := map[string]interface{}{
		"format_version": "1.1.0",
		"export_type":    "darwin_core_archive",
		"timestamp":      time.Now().UTC().Format(time.RFC3339),
		"filters":        orEmpty(filters),
	}
	if version != "" {
		manifest["version"] = version
	}
	if gitCommit != "" {
		manifest["git_commit"] = gitCommit
		if len(gitCommit) >= 7 {
			manifest["git_commit_short"] = gitCommit[:7]
		}
	}
	return manifest
}

func orEmpty(m map[string]interface{}) map[string]interface{} {
	if m == nil {
		return map[string]interface{}{}
	}
	return m
}

// metaXML mirrors the element shapes build_meta_xml constructs.
type metaXML struct {
	XMLName   xml.Name     `xml:"meta"`
	Xmlns     string       `xml:"xmlns,attr"`
	Core      metaCore     `xml:"core"`
	Extension metaExtension `xml:"extension"`
}

type metaCore struct {
	Encoding           string     `xml:"encoding,attr"`
	LinesTerminatedBy  string     `xml:"linesTerminatedBy,attr"`
	FieldsTerminatedBy string     `xml:"fieldsTerminatedBy,attr"`
	FieldsEnclosedBy   string     `xml:"fieldsEnclosedBy,attr"`
	IgnoreHeaderLines  string     `xml:"ignoreHeaderLines,attr"`
	RowType            string     `xml:"rowType,attr"`
	Files              metaFiles  `xml:"files"`
	ID                 metaIndex  `xml:"id"`
	Fields             []metaField `xml:"field"`
}

type metaExtension struct {
	Encoding           string      `xml:"encoding,attr"`
	LinesTerminatedBy  string      `xml:"linesTerminatedBy,attr"`
	FieldsTerminatedBy string      `xml:"fieldsTerminatedBy,attr"`
	FieldsEnclosedBy   string      `xml:"fieldsEnclosedBy,attr"`
	IgnoreHeaderLines  string      `xml:"ignoreHeaderLines,attr"`
	RowType            string      `xml:"rowType,attr"`
	Files              metaFiles   `xml:"files"`
	CoreID             metaIndex   `xml:"coreid"`
	Fields             []metaField `xml:"field"`
}

type metaFiles struct {
	Location string `xml:"location"`
}

type metaIndex struct {
	Index string `xml:"index,attr"`
}

type metaField struct {
	Index string `xml:"index,attr"`
	Term  string `xml:"term,attr"`
}

// BuildMetaXML writes meta.xml describing the occurrence core and
// identification-history extension, in the exact shape a DwC-A consumer expects.
func BuildMetaXML(outputDir string) (string, error) {
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return "", errors.Wrap(err, "creating output directory")
	}

	coreFields := make([]metaField, len(dwc.Terms))
	for i, term := range dwc.Terms {
		coreFields[i] = metaField{Index: itoa(i), Term: dwcTermURI(term)}
	}

	extFields := make([]metaField, len(IdentHistoryColumns))
	for i, col := range IdentHistoryColumns {
		uri, ok := identHistoryURIs[col]
		if !ok {
			uri = dwcTermURI(col)
		}
		extFields[i] = metaField{Index: itoa(i), Term: uri}
	}

	doc := metaXML{
		Xmlns: "http://rs.tdwg.org/dwc/text/",
		Core: metaCore{
			Encoding: "UTF-8", LinesTerminatedBy: "\\n", FieldsTerminatedBy: ",",
			FieldsEnclosedBy: "\"", IgnoreHeaderLines: "1", RowType: dwcTermURI("Occurrence"),
			Files: metaFiles{Location: "occurrence.csv"}, ID: metaIndex{Index: "0"},
			Fields: coreFields,
		},
		Extension: metaExtension{
			Encoding: "UTF-8", LinesTerminatedBy: "\\n", FieldsTerminatedBy: ",",
			FieldsEnclosedBy: "\"", IgnoreHeaderLines: "1", RowType: "http://rs.gbif.org/terms/1.0/Identification",
			Files: metaFiles{Location: "identification_history.csv"}, CoreID: metaIndex{Index: "0"},
			Fields: extFields,
		},
	}

	out, err := xml.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", errors.Wrap(err, "marshaling meta.xml")
	}
	out = append([]byte(xml.Header), out...)

	path := filepath.Join(outputDir, "meta.xml")
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return "", errors.Wrapf(err, "writing %q", path)
	}
	return path, nil
}

func itoa(n int) string {
	return fmt.Sprintf("%d", n)
}

var semverRE = regexp.MustCompile(`^\d+\.\d+\.\d+$`)

var dashColonRE = regexp.MustCompile(`[-:]`)

// BundleFormat selects the versioned-archive filename scheme.
type BundleFormat string

const (
	// BundleSimple names the archive dwca_v<semver>.zip.
	BundleSimple BundleFormat = "simple"
	// BundleRich names the archive dwca_v<semver>_<timestamp>[_<gitShort>][_<filterHash>].zip.
	BundleRich BundleFormat = "rich"
)

// CreateVersionedBundle zips the standard output set (plus any
// additionalFiles) into a semantically versioned archive, recording file
// checksums in the manifest when requested.
func CreateVersionedBundle(outputDir, version string, filters map[string]interface{}, gitCommit string, format BundleFormat, includeChecksums bool, additionalFiles []string) (string, error) {
	if !semverRE.MatchString(version) {
		return "", errors.Errorf("version %q must follow semantic versioning", version)
	}
	if format == "" {
		format = BundleRich
	}

	manifest := BuildManifest(filters, version, gitCommit)

	var archiveName string
	if format == BundleSimple {
		archiveName = fmt.Sprintf("dwca_v%s.zip", version)
		manifest["bundle_format"] = "simple"
	} else {
		tsTag := dashColonRE.ReplaceAllString(manifest["timestamp"].(string), "")

		var filterHash string
		if len(filters) > 0 {
			filtersJSON, err := json.Marshal(filters)
			if err == nil {
				sum := sha256.Sum256(filtersJSON)
				filterHash = hex.EncodeToString(sum[:])[:8]
			}
		}

		tagParts := []string{"v" + version, tsTag}
		if gitShort, ok := manifest["git_commit_short"].(string); ok && gitShort != "" {
			tagParts = append(tagParts, gitShort)
		}
		if filterHash != "" {
			tagParts = append(tagParts, filterHash)
		}
		archiveTag := tagParts[0]
		for _, p := range tagParts[1:] {
			archiveTag += "_" + p
		}

		archiveName = fmt.Sprintf("dwca_%s.zip", archiveTag)
		manifest["bundle_format"] = "rich"
		manifest["archive_tag"] = archiveTag
	}

	standardFiles := []string{"occurrence.csv", "identification_history.csv", "meta.xml", "manifest.json"}
	filesToInclude := append(append([]string{}, standardFiles...), additionalFiles...)

	if includeChecksums {
		checksums := map[string]interface{}{}
		for _, name := range filesToInclude {
			path := filepath.Join(outputDir, name)
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			sum := sha256.Sum256(data)
			checksums[name] = map[string]interface{}{
				"sha256":     hex.EncodeToString(sum[:]),
				"size_bytes": len(data),
			}
		}
		manifest["file_checksums"] = checksums
	}

	if err := WriteManifest(outputDir, manifest); err != nil {
		return "", err
	}
	if _, err := BuildMetaXML(outputDir); err != nil {
		return "", err
	}

	archivePath := filepath.Join(outputDir, archiveName)
	if err := zipFiles(archivePath, outputDir, filesToInclude); err != nil {
		return "", err
	}
	return archivePath, nil
}
