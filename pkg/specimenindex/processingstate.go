package specimenindex

import (
	"database/sql"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
)

// ProcessingState is the per-(specimen, module) resume checkpoint the run
// controller consults before re-attempting a specimen.
type ProcessingState struct {
	SpecimenID   string
	Module       string
	Status       string // "pending", "done", "error"
	Retries      int
	ErrorCode    string
	ErrorMessage string
	Confidence   *float64
	UpdatedAt    time.Time
}

// GetProcessingState returns the state row for (specimenID, module), or
// ok=false if no attempt has been recorded yet.
func (idx *Index) GetProcessingState(specimenID, module string) (ProcessingState, bool, error) {
	var s ProcessingState
	var errCode, errMsg sql.NullString
	var confidence sql.NullFloat64
	row := idx.db.QueryRow(
		`SELECT specimen_id, module, status, retries, error_code, error_message, confidence, updated_at
		 FROM processing_state WHERE specimen_id = ? AND module = ?`,
		specimenID, module,
	)
	err := row.Scan(&s.SpecimenID, &s.Module, &s.Status, &s.Retries, &errCode, &errMsg, &confidence, &s.UpdatedAt)
	if err == sql.ErrNoRows {
		return ProcessingState{}, false, nil
	}
	if err != nil {
		return ProcessingState{}, false, errors.Wrapf(err, "reading processing state for %q/%q", specimenID, module)
	}
	s.ErrorCode = errCode.String
	s.ErrorMessage = errMsg.String
	if confidence.Valid {
		v := confidence.Float64
		s.Confidence = &v
	}
	return s, true, nil
}

// UpsertProcessingState records the outcome of a pipeline attempt,
// overwriting any prior row for the same (specimen, module) key.
func (idx *Index) UpsertProcessingState(s ProcessingState) error {
	var confidence interface{}
	if s.Confidence != nil {
		confidence = *s.Confidence
	}
	_, err := idx.db.Exec(
		`INSERT INTO processing_state (specimen_id, module, status, retries, error_code, error_message, confidence, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
		 ON CONFLICT(specimen_id, module) DO UPDATE SET
		   status=excluded.status, retries=excluded.retries, error_code=excluded.error_code,
		   error_message=excluded.error_message, confidence=excluded.confidence, updated_at=CURRENT_TIMESTAMP`,
		s.SpecimenID, s.Module, s.Status, s.Retries, nullIfEmpty(s.ErrorCode), nullIfEmpty(s.ErrorMessage), confidence,
	)
	if err != nil {
		return errors.Wrapf(err, "upserting processing state for %q/%q", s.SpecimenID, s.Module)
	}
	return nil
}

// RecordRun inserts a run row with its effective config snapshot.
func (idx *Index) RecordRun(runID string, startedAt time.Time, configSnapshot map[string]interface{}, gitCommit, operator string) error {
	configJSON, err := json.Marshal(configSnapshot)
	if err != nil {
		return errors.Wrap(err, "marshaling config snapshot")
	}
	_, err = idx.db.Exec(
		`INSERT INTO runs (run_id, started_at, config_snapshot_json, git_commit, operator) VALUES (?, ?, ?, ?, ?)`,
		runID, startedAt, string(configJSON), nullIfEmpty(gitCommit), nullIfEmpty(operator),
	)
	if err != nil {
		return errors.Wrapf(err, "recording run %q", runID)
	}
	return nil
}

// CompleteRun stamps a run's completion time.
func (idx *Index) CompleteRun(runID string, completedAt time.Time) error {
	_, err := idx.db.Exec(`UPDATE runs SET completed_at = ? WHERE run_id = ?`, completedAt, runID)
	if err != nil {
		return errors.Wrapf(err, "completing run %q", runID)
	}
	return nil
}

// RecordRunLineage upserts the per-specimen outcome row for a run.
func (idx *Index) RecordRunLineage(runID, specimenID, processingStatus string, cacheHit bool, processedAt time.Time) error {
	_, err := idx.db.Exec(
		`INSERT INTO run_lineage (run_id, specimen_id, processing_status, cache_hit, processed_at)
		 VALUES (?, ?, ?, ?, ?)
		 ON CONFLICT(run_id, specimen_id) DO UPDATE SET
		   processing_status=excluded.processing_status, cache_hit=excluded.cache_hit, processed_at=excluded.processed_at`,
		runID, specimenID, processingStatus, cacheHit, processedAt,
	)
	if err != nil {
		return errors.Wrapf(err, "recording run lineage for %q/%q", runID, specimenID)
	}
	return nil
}

// InsertCandidate records one engine's output value for later arbitration.
// Duplicate (run_id, image, value, engine) inserts are silently ignored.
func (idx *Index) InsertCandidate(runID, image, value, engine string, confidence float64, isError bool) error {
	_, err := idx.db.Exec(
		`INSERT OR IGNORE INTO candidates (run_id, image, value, engine, confidence, error) VALUES (?, ?, ?, ?, ?, ?)`,
		runID, image, value, engine, confidence, isError,
	)
	if err != nil {
		return errors.Wrapf(err, "inserting candidate for image %q engine %q", image, engine)
	}
	return nil
}

// BestCandidate returns the highest-confidence candidate recorded for
// image, or ok=false if none exist.
func (idx *Index) BestCandidate(image string) (engine, value string, confidence float64, ok bool, err error) {
	row := idx.db.QueryRow(
		`SELECT engine, value, confidence FROM candidates WHERE image = ? ORDER BY confidence DESC LIMIT 1`,
		image,
	)
	scanErr := row.Scan(&engine, &value, &confidence)
	if scanErr == sql.ErrNoRows {
		return "", "", 0, false, nil
	}
	if scanErr != nil {
		return "", "", 0, false, errors.Wrapf(scanErr, "reading best candidate for image %q", image)
	}
	return engine, value, confidence, true, nil
}
