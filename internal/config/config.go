// Package config loads and deep-merges the pipeline's TOML configuration
// over a packaged set of defaults. Every recognized key in §6 of the
// extraction-pipeline design lands on a concrete struct field here — no
// stage of the pipeline threads around an opaque map[string]any.
package config

import (
	"bytes"
	_ "embed"
	"os"

	"github.com/pelletier/go-toml/v2"
	"github.com/pkg/errors"
)

//go:embed default.toml
var defaultTOML []byte

// Config is the fully-resolved, deep-merged pipeline configuration.
type Config struct {
	Pipeline   Pipeline   `toml:"pipeline"`
	Preprocess Preprocess `toml:"preprocess"`
	OCR        OCR        `toml:"ocr"`
	GPT        GPT        `toml:"gpt"`
	Tesseract  Tesseract  `toml:"tesseract"`
	PaddleOCR  PaddleOCR  `toml:"paddleocr"`
	QC         QC         `toml:"qc"`
	Dwc        Dwc        `toml:"dwc"`
	Processing Processing `toml:"processing"`
}

type Pipeline struct {
	Steps                  []string `toml:"steps"`
	ImageToDwcInstructions string   `toml:"image_to_dwc_instructions"`
}

type Preprocess struct {
	Pipeline            []string `toml:"pipeline"`
	ContrastFactor      float64  `toml:"contrast_factor"`
	MaxDimPx            int      `toml:"max_dim_px"`
	BinarizeMethod      string   `toml:"binarize_method"`
	AdaptiveWindowSize  int      `toml:"adaptive_window_size"`
	AdaptiveK           float64  `toml:"adaptive_k"`
}

type OCR struct {
	EnabledEngines      []string `toml:"enabled_engines"`
	PreferredEngine     string   `toml:"preferred_engine"`
	Langs               []string `toml:"langs"`
	ConfidenceThreshold float64  `toml:"confidence_threshold"`
	AllowGPT            bool     `toml:"allow_gpt"`
}

type GPT struct {
	Model             string  `toml:"model"`
	DryRun            bool    `toml:"dry_run"`
	PromptDir         string  `toml:"prompt_dir"`
	FallbackThreshold float64 `toml:"fallback_threshold"`
}

type Tesseract struct {
	OEM        int      `toml:"oem"`
	PSM        int      `toml:"psm"`
	ExtraArgs  []string `toml:"extra_args"`
	ModelPaths []string `toml:"model_paths"`
}

type PaddleOCR struct {
	Lang string `toml:"lang"`
}

type QC struct {
	PhashThreshold    int     `toml:"phash_threshold"`
	LowConfidenceFlag float64 `toml:"low_confidence_flag"`
	TopFifthScanPct   float64 `toml:"top_fifth_scan_pct"`
	Gbif              Gbif    `toml:"gbif"`
}

type Gbif struct {
	Enabled                  bool    `toml:"enabled"`
	SpeciesMatchEndpoint     string  `toml:"species_match_endpoint"`
	ReverseGeocodeEndpoint   string  `toml:"reverse_geocode_endpoint"`
	SuggestEndpoint          string  `toml:"suggest_endpoint"`
	OccurrenceSearchEndpoint string  `toml:"occurrence_search_endpoint"`
	Timeout                  float64 `toml:"timeout"`
	RetryAttempts            int     `toml:"retry_attempts"`
	BackoffFactor            float64 `toml:"backoff_factor"`
	CacheSize                int     `toml:"cache_size"`
	MinConfidenceScore       float64 `toml:"min_confidence_score"`
	EnableFuzzyMatching      bool    `toml:"enable_fuzzy_matching"`
	EnableOccurrenceValidation bool  `toml:"enable_occurrence_validation"`
}

type Dwc struct {
	SchemaFiles         []string `toml:"schema_files"`
	Custom              map[string]string `toml:"custom"`
	StrictMinimalFields []string `toml:"strict_minimal_fields"`
	PreferredEngine     string   `toml:"preferred_engine"`
}

type Processing struct {
	RetryLimit int `toml:"retry_limit"`
}

// Load reads the packaged defaults, then deep-merges the file at path (if
// non-empty) over them, mirroring the original tool's "TOML deep-merged over
// a packaged default" configuration model.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if err := toml.Unmarshal(defaultTOML, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing packaged default config")
	}

	if path == "" {
		return cfg, nil
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading config file %q", path)
	}

	var overlay map[string]interface{}
	if err := toml.Unmarshal(raw, &overlay); err != nil {
		return nil, errors.Wrapf(err, "parsing config file %q", path)
	}

	var base map[string]interface{}
	if err := toml.Unmarshal(defaultTOML, &base); err != nil {
		return nil, errors.Wrap(err, "re-parsing packaged default config")
	}
	merged := deepMerge(base, overlay)

	out, err := toml.Marshal(merged)
	if err != nil {
		return nil, errors.Wrap(err, "re-encoding merged config")
	}
	cfg = &Config{}
	if err := toml.Unmarshal(out, cfg); err != nil {
		return nil, errors.Wrap(err, "parsing merged config")
	}
	return cfg, nil
}

// deepMerge overlays b onto a, recursing into nested tables and replacing
// (not appending) arrays and scalars, matching TOML table-merge semantics.
func deepMerge(a, b map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(a))
	for k, v := range a {
		out[k] = v
	}
	for k, bv := range b {
		if av, ok := out[k]; ok {
			aMap, aIsMap := av.(map[string]interface{})
			bMap, bIsMap := bv.(map[string]interface{})
			if aIsMap && bIsMap {
				out[k] = deepMerge(aMap, bMap)
				continue
			}
		}
		out[k] = bv
	}
	return out
}

// Snapshot returns a canonical TOML rendering of cfg suitable for embedding
// verbatim as a Run's config_snapshot.
func Snapshot(cfg *Config) (string, error) {
	var buf bytes.Buffer
	enc := toml.NewEncoder(&buf)
	if err := enc.Encode(cfg); err != nil {
		return "", errors.Wrap(err, "encoding config snapshot")
	}
	return buf.String(), nil
}
