// Package provenance implements the append-only chain of processing
// fragments emitted across a run: deterministic content-addressed IDs,
// a linear per-specimen chain via previous_fragment_id, and a JSONL writer.
package provenance

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
)

// Fragment types, matching the taxonomy carried by the pipeline (plus the
// reserved, not-yet-emitted "publication" type).
const (
	TypeImagePreprocessing = "image_preprocessing"
	TypeOCRExtraction      = "ocr_extraction"
	TypeDwcExtraction      = "dwc_extraction"
	TypeQCValidation       = "qc_validation"
	TypePublication        = "publication"
)

// Fragment is a single append-only provenance record. ID is computed, not
// stored, so the zero value can be built up field-by-field before emission.
type Fragment struct {
	FragmentType       string                 `json:"fragment_type"`
	SourceIdentifier   string                 `json:"source_identifier"`
	ProcessOperation   string                 `json:"process_operation"`
	ProcessAgentType   string                 `json:"process_agent_type"`
	ProcessAgentID     string                 `json:"process_agent_id"`
	OutputIdentifier   string                 `json:"output_identifier"`
	OutputType         string                 `json:"output_type"`
	Timestamp          string                 `json:"timestamp"`
	PreviousFragmentID string                 `json:"previous_fragment_id,omitempty"`
	BatchID            string                 `json:"batch_id,omitempty"`
	Parameters         map[string]interface{} `json:"parameters,omitempty"`
	QualityMetrics     map[string]interface{} `json:"quality_metrics,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`
}

// idPayload is the canonical subset of fields hashed to derive a
// Fragment's ID: (type, source, process:agent_id, output, timestamp).
type idPayload struct {
	Output    string `json:"output"`
	Process   string `json:"process"`
	Source    string `json:"source"`
	Timestamp string `json:"timestamp"`
	Type      string `json:"type"`
}

// ID computes the fragment's deterministic identity: SHA-256 over the
// sorted-key JSON encoding of its canonical identity fields.
func (f *Fragment) ID() string {
	payload := idPayload{
		Output:    f.OutputIdentifier,
		Process:   f.ProcessOperation + ":" + f.ProcessAgentID,
		Source:    f.SourceIdentifier,
		Timestamp: f.Timestamp,
		Type:      f.FragmentType,
	}
	// encoding/json marshals struct fields in declaration order, which here
	// is arranged alphabetically by key name to match the sorted-keys
	// canonical JSON the hash is computed over.
	b, _ := json.Marshal(payload)
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

// record is the on-wire JSONL shape: the fragment body plus its computed id.
type record struct {
	ID string `json:"fragment_id"`
	Fragment
}

// ToJSONL renders f as a single JSON line (without trailing newline).
func (f *Fragment) ToJSONL() ([]byte, error) {
	return json.Marshal(record{ID: f.ID(), Fragment: *f})
}

// NewPreprocessing builds an image_preprocessing fragment chaining from
// prevID (empty if this is the first fragment for the specimen).
func NewPreprocessing(sourceSHA, outputSHA, agentID, timestamp, prevID string, params map[string]interface{}) *Fragment {
	return &Fragment{
		FragmentType:       TypeImagePreprocessing,
		SourceIdentifier:   sourceSHA,
		ProcessOperation:   "preprocess",
		ProcessAgentType:   "preprocessor",
		ProcessAgentID:     agentID,
		OutputIdentifier:   outputSHA,
		OutputType:         "image",
		Timestamp:          timestamp,
		PreviousFragmentID: prevID,
		Parameters:         params,
	}
}

// NewOCRExtraction builds an ocr_extraction fragment.
func NewOCRExtraction(sourceSHA, engine, engineVersion, timestamp, prevID string, confidence float64, cacheHit bool) *Fragment {
	return &Fragment{
		FragmentType:       TypeOCRExtraction,
		SourceIdentifier:   sourceSHA,
		ProcessOperation:   "image_to_text",
		ProcessAgentType:   "ocr_engine",
		ProcessAgentID:     engine,
		OutputIdentifier:   sourceSHA,
		OutputType:         "text",
		Timestamp:          timestamp,
		PreviousFragmentID: prevID,
		QualityMetrics: map[string]interface{}{
			"confidence": confidence,
			"cache_hit":  cacheHit,
		},
		Metadata: map[string]interface{}{
			"engine_version": engineVersion,
		},
	}
}

// NewDwcExtraction builds a dwc_extraction fragment with derived
// quality_metrics (average_confidence, field_confidences, field_count),
// mirroring create_dwc_extraction_fragment.
func NewDwcExtraction(sourceType, sourceIdentifier, agentID, timestamp, prevID string, fieldConfidences map[string]float64) *Fragment {
	var sum float64
	for _, c := range fieldConfidences {
		sum += c
	}
	avg := 0.0
	if len(fieldConfidences) > 0 {
		avg = sum / float64(len(fieldConfidences))
	}
	return &Fragment{
		FragmentType:       TypeDwcExtraction,
		SourceIdentifier:   sourceIdentifier,
		ProcessOperation:   "text_to_dwc",
		ProcessAgentType:   "dwc_mapper",
		ProcessAgentID:     agentID,
		OutputIdentifier:   sourceIdentifier,
		OutputType:         "dwc_record",
		Timestamp:          timestamp,
		PreviousFragmentID: prevID,
		Parameters: map[string]interface{}{
			"source_type": sourceType,
		},
		QualityMetrics: map[string]interface{}{
			"average_confidence": avg,
			"field_confidences":  fieldConfidences,
			"field_count":        len(fieldConfidences),
		},
	}
}

// NewQCValidation builds a qc_validation fragment, carrying the flags and
// GBIF verification payload in quality_metrics, mirroring
// create_qc_validation_fragment.
func NewQCValidation(sourceIdentifier, agentID, timestamp, prevID string, flags []string, gbifVerification map[string]interface{}) *Fragment {
	return &Fragment{
		FragmentType:       TypeQCValidation,
		SourceIdentifier:   sourceIdentifier,
		ProcessOperation:   "qc_validate",
		ProcessAgentType:   "qc_validator",
		ProcessAgentID:     agentID,
		OutputIdentifier:   sourceIdentifier,
		OutputType:         "qc_result",
		Timestamp:          timestamp,
		PreviousFragmentID: prevID,
		QualityMetrics: map[string]interface{}{
			"flags":             flags,
			"flag_count":        len(flags),
			"gbif_verification": gbifVerification,
		},
	}
}
