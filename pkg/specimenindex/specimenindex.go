// Package specimenindex is the central identity and deduplication layer:
// specimen registration, original-file/transformation provenance, extraction
// dedup keyed by (image sha256, params hash), cross-run aggregation, and the
// two built-in data-quality checks. Backed by a SQLite database opened
// through the pure-Go modernc.org/sqlite driver (no CGo toolchain needed at
// build time), the same persistence engine the original index used.
package specimenindex

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"

	_ "modernc.org/sqlite"

	"github.com/devvyn/herbarium-specimen-tools/internal/herblog"
)

var log = herblog.For("specimenindex")

const schema = `
CREATE TABLE IF NOT EXISTS specimens (
	specimen_id TEXT PRIMARY KEY,
	camera_filename TEXT UNIQUE,
	expected_catalog_number TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
);

CREATE TABLE IF NOT EXISTS original_files (
	sha256 TEXT PRIMARY KEY,
	specimen_id TEXT NOT NULL,
	file_path TEXT NOT NULL,
	format TEXT,
	dimensions_json TEXT,
	size_bytes INTEGER,
	role TEXT,
	captured_at TIMESTAMP,
	FOREIGN KEY (specimen_id) REFERENCES specimens(specimen_id)
);

CREATE TABLE IF NOT EXISTS image_transformations (
	sha256 TEXT PRIMARY KEY,
	specimen_id TEXT NOT NULL,
	derived_from TEXT NOT NULL,
	operation TEXT,
	params_json TEXT,
	timestamp TIMESTAMP,
	tool TEXT,
	tool_version TEXT,
	stored_at TEXT,
	FOREIGN KEY (specimen_id) REFERENCES specimens(specimen_id),
	FOREIGN KEY (derived_from) REFERENCES original_files(sha256)
);

CREATE TABLE IF NOT EXISTS extractions (
	extraction_id TEXT PRIMARY KEY,
	specimen_id TEXT NOT NULL,
	image_sha256 TEXT NOT NULL,
	params_hash TEXT NOT NULL,
	run_id TEXT,
	status TEXT,
	dwc_fields_json TEXT,
	raw_jsonl_offset INTEGER,
	timestamp TIMESTAMP,
	UNIQUE(image_sha256, params_hash),
	FOREIGN KEY (specimen_id) REFERENCES specimens(specimen_id)
);

CREATE TABLE IF NOT EXISTS specimen_aggregations (
	specimen_id TEXT PRIMARY KEY,
	candidate_fields_json TEXT,
	best_candidates_json TEXT,
	review_status TEXT,
	queued_for_review_at TIMESTAMP,
	FOREIGN KEY (specimen_id) REFERENCES specimens(specimen_id)
);

CREATE TABLE IF NOT EXISTS data_quality_flags (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	specimen_id TEXT NOT NULL,
	flag_type TEXT NOT NULL,
	severity TEXT,
	message TEXT,
	created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	resolved BOOLEAN DEFAULT FALSE,
	FOREIGN KEY (specimen_id) REFERENCES specimens(specimen_id)
);

CREATE TABLE IF NOT EXISTS processing_state (
	specimen_id TEXT NOT NULL,
	module TEXT NOT NULL,
	status TEXT NOT NULL,
	retries INTEGER NOT NULL DEFAULT 0,
	error_code TEXT,
	error_message TEXT,
	confidence REAL,
	updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
	PRIMARY KEY (specimen_id, module)
);

CREATE TABLE IF NOT EXISTS runs (
	run_id TEXT PRIMARY KEY,
	started_at TIMESTAMP,
	completed_at TIMESTAMP,
	config_snapshot_json TEXT,
	git_commit TEXT,
	operator TEXT
);

CREATE TABLE IF NOT EXISTS run_lineage (
	run_id TEXT NOT NULL,
	specimen_id TEXT NOT NULL,
	processing_status TEXT,
	cache_hit BOOLEAN,
	processed_at TIMESTAMP,
	PRIMARY KEY (run_id, specimen_id)
);

CREATE TABLE IF NOT EXISTS candidates (
	run_id TEXT NOT NULL,
	image TEXT NOT NULL,
	value TEXT NOT NULL,
	engine TEXT NOT NULL,
	confidence REAL,
	error BOOLEAN DEFAULT FALSE,
	PRIMARY KEY (run_id, image, value, engine)
);

CREATE INDEX IF NOT EXISTS idx_specimen_catalog ON specimens(expected_catalog_number);
CREATE INDEX IF NOT EXISTS idx_extraction_image ON extractions(image_sha256, params_hash);
CREATE INDEX IF NOT EXISTS idx_flags_specimen ON data_quality_flags(specimen_id, resolved);
CREATE INDEX IF NOT EXISTS idx_candidates_image ON candidates(image, confidence DESC);
`

// Index is the central specimen/provenance SQLite store.
type Index struct {
	db *sql.DB
}

// OriginalFile is an immutable camera-originated file.
type OriginalFile struct {
	SHA256      string
	SpecimenID  string
	FilePath    string
	Format      string
	Dimensions  *[2]int
	SizeBytes   *int64
	Role        string // "original_photo" or "original_raw"
	CapturedAt  *time.Time
}

// ImageTransformation is a content-addressed derivative image.
type ImageTransformation struct {
	SHA256      string
	SpecimenID  string
	DerivedFrom string
	Operation   string
	Params      map[string]interface{}
	Timestamp   time.Time
	Tool        string
	ToolVersion string
	StoredAt    string
}

// ExtractionResult is the outcome of running extraction against one image
// under one parameter set.
type ExtractionResult struct {
	ExtractionID    string
	SpecimenID      string
	ImageSHA256     string
	ParamsHash      string
	RunID           string
	Status          string // "completed", "failed", "skipped"
	DwcFields       map[string]FieldValue
	RawJSONLOffset  *int64
	Timestamp       time.Time
}

// FieldValue is a single DwC field's value/confidence pair as stored in an
// extraction's dwc_fields map.
type FieldValue struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
}

// DataQualityFlag is a data-quality issue raised against a specimen.
type DataQualityFlag struct {
	SpecimenID string
	FlagType   string
	Severity   string // "error", "warning", "info"
	Message    string
	Resolved   bool
}

// Open opens (creating if necessary) the SQLite database at path and
// ensures the schema exists.
func Open(path string) (*Index, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening specimen index %q", path)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating specimen index schema")
	}
	log.WithField("path", path).Info("specimen index initialized")
	return &Index{db: db}, nil
}

// Close closes the underlying database connection.
func (idx *Index) Close() error {
	return idx.db.Close()
}

// RegisterSpecimen inserts a new specimen row. Returns true if created,
// false if a specimen with this id already existed.
func (idx *Index) RegisterSpecimen(specimenID, cameraFilename, expectedCatalogNumber string) (bool, error) {
	_, err := idx.db.Exec(
		`INSERT INTO specimens (specimen_id, camera_filename, expected_catalog_number) VALUES (?, ?, ?)`,
		specimenID, nullIfEmpty(cameraFilename), nullIfEmpty(expectedCatalogNumber),
	)
	if err != nil {
		if isUniqueConstraintErr(err) {
			log.WithField("specimen_id", specimenID).Debug("specimen already exists")
			return false, nil
		}
		return false, errors.Wrapf(err, "registering specimen %q", specimenID)
	}
	log.WithField("specimen_id", specimenID).Debug("registered specimen")
	return true, nil
}

// RegisterOriginalFile upserts an OriginalFile row by sha256.
func (idx *Index) RegisterOriginalFile(f OriginalFile) error {
	var dimJSON sql.NullString
	if f.Dimensions != nil {
		b, _ := json.Marshal(*f.Dimensions)
		dimJSON = sql.NullString{String: string(b), Valid: true}
	}
	var captured sql.NullString
	if f.CapturedAt != nil {
		captured = sql.NullString{String: f.CapturedAt.UTC().Format(time.RFC3339), Valid: true}
	}
	_, err := idx.db.Exec(`
		INSERT OR REPLACE INTO original_files
		(sha256, specimen_id, file_path, format, dimensions_json, size_bytes, role, captured_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		f.SHA256, f.SpecimenID, f.FilePath, f.Format, dimJSON, nullableInt64(f.SizeBytes), f.Role, captured,
	)
	return errors.Wrap(err, "registering original file")
}

// RegisterTransformation upserts an ImageTransformation row by sha256.
func (idx *Index) RegisterTransformation(t ImageTransformation) error {
	paramsJSON, err := json.Marshal(t.Params)
	if err != nil {
		return errors.Wrap(err, "encoding transformation params")
	}
	_, err = idx.db.Exec(`
		INSERT OR REPLACE INTO image_transformations
		(sha256, specimen_id, derived_from, operation, params_json, timestamp, tool, tool_version, stored_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.SHA256, t.SpecimenID, t.DerivedFrom, t.Operation, string(paramsJSON),
		t.Timestamp.UTC().Format(time.RFC3339), t.Tool, t.ToolVersion, t.StoredAt,
	)
	return errors.Wrap(err, "registering transformation")
}

// SpecimenIDForImage resolves the owning specimen for sha256, checking
// original files first, then transformations.
func (idx *Index) SpecimenIDForImage(sha256Hex string) (string, bool, error) {
	var specimenID string
	err := idx.db.QueryRow(`SELECT specimen_id FROM original_files WHERE sha256 = ?`, sha256Hex).Scan(&specimenID)
	if err == nil {
		return specimenID, true, nil
	}
	if err != sql.ErrNoRows {
		return "", false, errors.Wrap(err, "looking up specimen from original files")
	}

	err = idx.db.QueryRow(`SELECT specimen_id FROM image_transformations WHERE sha256 = ?`, sha256Hex).Scan(&specimenID)
	if err == nil {
		return specimenID, true, nil
	}
	if err != sql.ErrNoRows {
		return "", false, errors.Wrap(err, "looking up specimen from transformations")
	}
	return "", false, nil
}

// ShouldExtract implements the C5 dedup rule: no prior row -> (true, "");
// prior status "failed" -> (true, priorID) re-extraction allowed; otherwise
// (false, priorID) skip.
func (idx *Index) ShouldExtract(imageSHA256 string, params map[string]interface{}) (bool, string, error) {
	paramsHash := HashParams(params)

	var extractionID, status string
	err := idx.db.QueryRow(
		`SELECT extraction_id, status FROM extractions WHERE image_sha256 = ? AND params_hash = ?`,
		imageSHA256, paramsHash,
	).Scan(&extractionID, &status)
	if err == sql.ErrNoRows {
		return true, "", nil
	}
	if err != nil {
		return false, "", errors.Wrap(err, "checking extraction dedup")
	}

	if status == "failed" {
		log.WithField("image_sha256", imageSHA256[:16]).Info("re-extracting: previous attempt failed")
		return true, extractionID, nil
	}
	return false, extractionID, nil
}

// RecordExtraction upserts an ExtractionResult, enforcing the unique
// (image_sha256, params_hash) constraint via INSERT OR REPLACE keyed on the
// extraction_id primary key.
func (idx *Index) RecordExtraction(r ExtractionResult) error {
	fieldsJSON, err := json.Marshal(r.DwcFields)
	if err != nil {
		return errors.Wrap(err, "encoding extraction dwc fields")
	}
	_, err = idx.db.Exec(`
		INSERT OR REPLACE INTO extractions
		(extraction_id, specimen_id, image_sha256, params_hash, run_id, status, dwc_fields_json, raw_jsonl_offset, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ExtractionID, r.SpecimenID, r.ImageSHA256, r.ParamsHash, r.RunID, r.Status,
		string(fieldsJSON), nullableInt64(r.RawJSONLOffset), r.Timestamp.UTC().Format(time.RFC3339),
	)
	return errors.Wrap(err, "recording extraction")
}

// Candidate is one extraction's proposed value for a DwC field, carried
// alongside the extraction it came from.
type Candidate struct {
	Value      string  `json:"value"`
	Confidence float64 `json:"confidence"`
	Source     string  `json:"source"`
}

// Aggregation is the result of folding every completed extraction for a
// specimen into per-field candidate lists and a best-candidate selection.
type Aggregation struct {
	CandidateFields map[string][]Candidate
	BestCandidates  map[string]Candidate
}

// AggregateSpecimenExtractions groups every completed extraction's fields
// by term and selects, per term, the highest-confidence non-empty value.
func (idx *Index) AggregateSpecimenExtractions(specimenID string) (Aggregation, error) {
	rows, err := idx.db.Query(
		`SELECT extraction_id, dwc_fields_json FROM extractions WHERE specimen_id = ? AND status = 'completed' ORDER BY timestamp DESC`,
		specimenID,
	)
	if err != nil {
		return Aggregation{}, errors.Wrap(err, "querying completed extractions")
	}
	defer rows.Close()

	candidateFields := map[string][]Candidate{}
	var any bool
	for rows.Next() {
		any = true
		var extractionID, fieldsJSON string
		if err := rows.Scan(&extractionID, &fieldsJSON); err != nil {
			return Aggregation{}, errors.Wrap(err, "scanning extraction row")
		}
		var fields map[string]FieldValue
		if err := json.Unmarshal([]byte(fieldsJSON), &fields); err != nil {
			return Aggregation{}, errors.Wrap(err, "decoding extraction dwc fields")
		}
		for term, fv := range fields {
			candidateFields[term] = append(candidateFields[term], Candidate{
				Value:      fv.Value,
				Confidence: fv.Confidence,
				Source:     extractionID,
			})
		}
	}
	if err := rows.Err(); err != nil {
		return Aggregation{}, errors.Wrap(err, "iterating extraction rows")
	}
	if !any {
		log.WithField("specimen_id", specimenID).Warn("no completed extractions for specimen")
		return Aggregation{CandidateFields: map[string][]Candidate{}, BestCandidates: map[string]Candidate{}}, nil
	}

	best := map[string]Candidate{}
	for term, candidates := range candidateFields {
		var bestCand *Candidate
		for i := range candidates {
			c := candidates[i]
			if c.Value == "" {
				continue
			}
			if bestCand == nil || c.Confidence > bestCand.Confidence {
				cc := c
				bestCand = &cc
			}
		}
		if bestCand != nil {
			best[term] = *bestCand
		}
	}

	candidateJSON, err := json.Marshal(candidateFields)
	if err != nil {
		return Aggregation{}, errors.Wrap(err, "encoding candidate fields")
	}
	bestJSON, err := json.Marshal(best)
	if err != nil {
		return Aggregation{}, errors.Wrap(err, "encoding best candidates")
	}
	_, err = idx.db.Exec(`
		INSERT OR REPLACE INTO specimen_aggregations
		(specimen_id, candidate_fields_json, best_candidates_json, review_status, queued_for_review_at)
		VALUES (?, ?, ?, 'pending', ?)`,
		specimenID, string(candidateJSON), string(bestJSON), time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return Aggregation{}, errors.Wrap(err, "saving aggregation")
	}

	log.WithFields(map[string]interface{}{
		"specimen_id": specimenID,
		"fields":      len(best),
	}).Info("aggregated specimen extractions")

	return Aggregation{CandidateFields: candidateFields, BestCandidates: best}, nil
}

// FlagSpecimen records a data-quality flag against a specimen.
func (idx *Index) FlagSpecimen(specimenID, flagType, message, severity string) error {
	_, err := idx.db.Exec(
		`INSERT INTO data_quality_flags (specimen_id, flag_type, severity, message) VALUES (?, ?, ?, ?)`,
		specimenID, flagType, severity, message,
	)
	if err == nil {
		log.WithFields(map[string]interface{}{"specimen_id": specimenID, "flag_type": flagType}).Warn(message)
	}
	return errors.Wrap(err, "flagging specimen")
}

// SpecimenFlags returns data-quality flags for specimenID, most recent
// first; unresolvedOnly filters to resolved=false.
func (idx *Index) SpecimenFlags(specimenID string, unresolvedOnly bool) ([]DataQualityFlag, error) {
	query := `SELECT specimen_id, flag_type, severity, message, resolved FROM data_quality_flags WHERE specimen_id = ?`
	if unresolvedOnly {
		query += ` AND resolved = FALSE`
	}
	query += ` ORDER BY created_at DESC`

	rows, err := idx.db.Query(query, specimenID)
	if err != nil {
		return nil, errors.Wrap(err, "querying specimen flags")
	}
	defer rows.Close()

	var out []DataQualityFlag
	for rows.Next() {
		var f DataQualityFlag
		if err := rows.Scan(&f.SpecimenID, &f.FlagType, &f.Severity, &f.Message, &f.Resolved); err != nil {
			return nil, errors.Wrap(err, "scanning flag row")
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// CheckCatalogNumberDuplicates flags every specimen whose selected
// catalogNumber also appears on another specimen. Returns the number of
// distinct duplicated catalog numbers found.
func (idx *Index) CheckCatalogNumberDuplicates() (int, error) {
	rows, err := idx.db.Query(`
		SELECT
			json_extract(best_candidates_json, '$.catalogNumber.value') AS cat_num,
			GROUP_CONCAT(specimen_id) AS specimens,
			COUNT(*) AS cnt
		FROM specimen_aggregations
		WHERE cat_num IS NOT NULL AND cat_num != ''
		GROUP BY cat_num
		HAVING cnt > 1
	`)
	if err != nil {
		return 0, errors.Wrap(err, "querying catalog duplicates")
	}
	defer rows.Close()

	count := 0
	type dup struct {
		catNum    string
		specimens []string
	}
	var dups []dup
	for rows.Next() {
		var catNum, specimensCSV string
		var cnt int
		if err := rows.Scan(&catNum, &specimensCSV, &cnt); err != nil {
			return 0, errors.Wrap(err, "scanning duplicate row")
		}
		dups = append(dups, dup{catNum: catNum, specimens: splitCSV(specimensCSV)})
		count++
	}
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "iterating duplicate rows")
	}

	for _, d := range dups {
		for _, specimenID := range d.specimens {
			msg := "Catalog " + d.catNum + " appears on " + strconv.Itoa(len(d.specimens)) + " specimens"
			if err := idx.FlagSpecimen(specimenID, "DUPLICATE_CATALOG_NUMBER", msg, "error"); err != nil {
				return count, err
			}
		}
	}
	log.WithField("duplicates", count).Info("checked catalog duplicates")
	return count, nil
}

// CheckMalformedCatalogNumbers flags every specimen whose selected
// catalogNumber doesn't match re (a nil re selects the default
// ^Herbarium-\d{5,6}$).
func (idx *Index) CheckMalformedCatalogNumbers(re interface{ MatchString(string) bool }) (int, error) {
	if re == nil {
		re = regexp.MustCompile(`^Herbarium-\d{5,6}$`)
	}
	rows, err := idx.db.Query(`
		SELECT specimen_id, json_extract(best_candidates_json, '$.catalogNumber.value') AS cat_num
		FROM specimen_aggregations
		WHERE cat_num IS NOT NULL AND cat_num != ''
	`)
	if err != nil {
		return 0, errors.Wrap(err, "querying catalog numbers")
	}
	defer rows.Close()

	type row struct{ specimenID, catNum string }
	var all []row
	for rows.Next() {
		var r row
		if err := rows.Scan(&r.specimenID, &r.catNum); err != nil {
			return 0, errors.Wrap(err, "scanning catalog row")
		}
		all = append(all, r)
	}
	if err := rows.Err(); err != nil {
		return 0, errors.Wrap(err, "iterating catalog rows")
	}

	malformed := 0
	for _, r := range all {
		if !re.MatchString(r.catNum) {
			if err := idx.FlagSpecimen(r.specimenID, "MALFORMED_CATALOG_NUMBER",
				"Catalog '"+r.catNum+"' doesn't match configured pattern", "warning"); err != nil {
				return malformed, err
			}
			malformed++
		}
	}
	log.WithField("malformed", malformed).Info("checked catalog patterns")
	return malformed, nil
}

// Stats returns row counts for the specimen, file, transformation,
// extraction and aggregation tables plus the unresolved data-quality flags,
// for run-summary logging.
func (idx *Index) Stats() (map[string]int, error) {
	stats := map[string]int{}
	for name, q := range map[string]string{
		"total_specimens":  `SELECT COUNT(*) FROM specimens`,
		"original_files":   `SELECT COUNT(*) FROM original_files`,
		"transformations":  `SELECT COUNT(*) FROM image_transformations`,
		"extractions":      `SELECT COUNT(*) FROM extractions`,
		"aggregations":     `SELECT COUNT(*) FROM specimen_aggregations`,
		"unresolved_flags": `SELECT COUNT(*) FROM data_quality_flags WHERE resolved = FALSE`,
	} {
		var n int
		if err := idx.db.QueryRow(q).Scan(&n); err != nil {
			return nil, errors.Wrapf(err, "counting %s", name)
		}
		stats[name] = n
	}
	return stats, nil
}

// HashParams computes the deterministic params_hash: SHA-256 over the
// sorted-key JSON encoding of params.
func HashParams(params map[string]interface{}) string {
	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	ordered := make(map[string]interface{}, len(params))
	for _, k := range keys {
		ordered[k] = params[k]
	}
	// json.Marshal on a map always sorts keys lexicographically itself, so
	// the explicit reordering above only documents the invariant — it does
	// not change the encoded bytes.
	b, _ := json.Marshal(ordered)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt64(v *int64) interface{} {
	if v == nil {
		return nil
	}
	return *v
}

func splitCSV(s string) []string {
	return strings.Split(s, ",")
}

func isUniqueConstraintErr(err error) bool {
	return err != nil && strings.Contains(err.Error(), "constraint failed")
}
