// Package ocrcache implements a run-agnostic cache of OCR results, keyed
// by (specimen_sha256, engine, engine_version), separate from per-run
// metadata so results are reused across runs regardless of who produced
// them or when.
package ocrcache

import (
	"database/sql"
	"time"

	"github.com/pkg/errors"

	_ "modernc.org/sqlite"
)

const schema = `
CREATE TABLE IF NOT EXISTS ocr_results (
	specimen_id TEXT NOT NULL,
	engine TEXT NOT NULL,
	engine_version TEXT NOT NULL DEFAULT '',
	extracted_text TEXT NOT NULL,
	confidence REAL NOT NULL,
	error INTEGER NOT NULL DEFAULT 0,
	ocr_timestamp TEXT NOT NULL,
	PRIMARY KEY (specimen_id, engine, engine_version)
);

CREATE TABLE IF NOT EXISTS processing_runs (
	run_id TEXT PRIMARY KEY,
	started_at TEXT NOT NULL,
	completed_at TEXT,
	config_snapshot TEXT NOT NULL,
	git_commit TEXT,
	operator TEXT
);

CREATE TABLE IF NOT EXISTS run_lineage (
	run_id TEXT NOT NULL,
	specimen_id TEXT NOT NULL,
	processing_status TEXT NOT NULL,
	processed_at TEXT,
	cache_hit INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (run_id, specimen_id)
);
`

// Result is a cached OCR extraction.
type Result struct {
	SpecimenID    string
	Engine        string
	EngineVersion string
	ExtractedText string
	Confidence    float64
	Error         bool
	Timestamp     string
}

// Stats summarizes cache-hit behavior for one run.
type Stats struct {
	Total       int
	CacheHits   int
	NewOCR      int
	Failed      int
	Skipped     int
	CacheHitPct float64
}

// Cache wraps the OCR result / run-lineage database.
type Cache struct {
	db *sql.DB
}

// Open opens (creating if necessary) the OCR cache database at path.
func Open(path string) (*Cache, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, errors.Wrapf(err, "opening ocr cache %q", path)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "creating ocr cache schema")
	}
	return &Cache{db: db}, nil
}

// Close closes the underlying database handle.
func (c *Cache) Close() error {
	return c.db.Close()
}

// Get returns the cached result for (specimenID, engine, engineVersion), if any.
func (c *Cache) Get(specimenID, engine, engineVersion string) (*Result, bool, error) {
	row := c.db.QueryRow(
		`SELECT specimen_id, engine, engine_version, extracted_text, confidence, error, ocr_timestamp
		 FROM ocr_results WHERE specimen_id = ? AND engine = ? AND engine_version = ?`,
		specimenID, engine, engineVersion,
	)
	var r Result
	var errFlag int
	if err := row.Scan(&r.SpecimenID, &r.Engine, &r.EngineVersion, &r.ExtractedText, &r.Confidence, &errFlag, &r.Timestamp); err != nil {
		if err == sql.ErrNoRows {
			return nil, false, nil
		}
		return nil, false, errors.Wrap(err, "querying ocr cache")
	}
	r.Error = errFlag != 0
	return &r, true, nil
}

// Put stores (or replaces) a cached OCR result.
func (c *Cache) Put(specimenID, engine, engineVersion, extractedText string, confidence float64, isError bool) (*Result, error) {
	r := &Result{
		SpecimenID:    specimenID,
		Engine:        engine,
		EngineVersion: engineVersion,
		ExtractedText: extractedText,
		Confidence:    confidence,
		Error:         isError,
		Timestamp:     time.Now().UTC().Format(time.RFC3339),
	}
	_, err := c.db.Exec(
		`INSERT INTO ocr_results (specimen_id, engine, engine_version, extracted_text, confidence, error, ocr_timestamp)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(specimen_id, engine, engine_version) DO UPDATE SET
			extracted_text=excluded.extracted_text,
			confidence=excluded.confidence,
			error=excluded.error,
			ocr_timestamp=excluded.ocr_timestamp`,
		r.SpecimenID, r.Engine, r.EngineVersion, r.ExtractedText, r.Confidence, boolToInt(r.Error), r.Timestamp,
	)
	if err != nil {
		return nil, errors.Wrap(err, "caching ocr result")
	}
	return r, nil
}

// RecordRun inserts a processing_runs row at run start.
func (c *Cache) RecordRun(runID string, configSnapshot string, gitCommit, operator string) error {
	_, err := c.db.Exec(
		`INSERT INTO processing_runs (run_id, started_at, config_snapshot, git_commit, operator) VALUES (?, ?, ?, ?, ?)`,
		runID, time.Now().UTC().Format(time.RFC3339), configSnapshot, nullIfEmpty(gitCommit), nullIfEmpty(operator),
	)
	return errors.Wrap(err, "recording processing run")
}

// CompleteRun marks a run's completed_at timestamp.
func (c *Cache) CompleteRun(runID string) error {
	_, err := c.db.Exec(
		`UPDATE processing_runs SET completed_at = ? WHERE run_id = ?`,
		time.Now().UTC().Format(time.RFC3339), runID,
	)
	return errors.Wrap(err, "completing processing run")
}

// RecordLineage records that a specimen was processed (or cache-hit) within a run.
func (c *Cache) RecordLineage(runID, specimenID, status string, cacheHit bool) error {
	_, err := c.db.Exec(
		`INSERT INTO run_lineage (run_id, specimen_id, processing_status, processed_at, cache_hit)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, specimen_id) DO UPDATE SET
			processing_status=excluded.processing_status,
			processed_at=excluded.processed_at,
			cache_hit=excluded.cache_hit`,
		runID, specimenID, status, time.Now().UTC().Format(time.RFC3339), boolToInt(cacheHit),
	)
	return errors.Wrap(err, "recording run lineage")
}

// Stats computes cache-hit statistics for one run.
func (c *Cache) Stats(runID string) (Stats, error) {
	rows, err := c.db.Query(`SELECT processing_status, cache_hit FROM run_lineage WHERE run_id = ?`, runID)
	if err != nil {
		return Stats{}, errors.Wrap(err, "querying run lineage")
	}
	defer rows.Close()

	var s Stats
	for rows.Next() {
		var status string
		var cacheHit int
		if err := rows.Scan(&status, &cacheHit); err != nil {
			return Stats{}, errors.Wrap(err, "scanning run lineage")
		}
		s.Total++
		switch {
		case cacheHit != 0:
			s.CacheHits++
		case status == "completed":
			s.NewOCR++
		case status == "failed":
			s.Failed++
		case status == "skipped":
			s.Skipped++
		}
	}
	if s.Total > 0 {
		s.CacheHitPct = float64(s.CacheHits) / float64(s.Total)
	}
	return s, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func nullIfEmpty(s string) interface{} {
	if s == "" {
		return nil
	}
	return s
}
