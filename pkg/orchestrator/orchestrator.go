// Package orchestrator runs the per-specimen pipeline: preprocess, OCR
// (with caching and fallback), text/image-to-DwC extraction, GBIF
// enrichment, duplicate and confidence QC flags, and provenance chaining.
// One Orchestrator processes many specimens; callers (pkg/run) provide the
// concurrency.
package orchestrator

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"image"
	"image/jpeg"
	_ "image/png"
	"math/bits"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"

	"github.com/devvyn/herbarium-specimen-tools/internal/config"
	"github.com/devvyn/herbarium-specimen-tools/internal/herblog"
	"github.com/devvyn/herbarium-specimen-tools/pkg/dwc"
	"github.com/devvyn/herbarium-specimen-tools/pkg/engine"
	"github.com/devvyn/herbarium-specimen-tools/pkg/gbif"
	"github.com/devvyn/herbarium-specimen-tools/pkg/imagesource"
	"github.com/devvyn/herbarium-specimen-tools/pkg/ocrcache"
	"github.com/devvyn/herbarium-specimen-tools/pkg/preprocess"
	"github.com/devvyn/herbarium-specimen-tools/pkg/provenance"
	"github.com/devvyn/herbarium-specimen-tools/pkg/specimenindex"
)

var log = herblog.For("orchestrator")

// Services bundles every shared, stateful component a specimen run needs.
// Exactly one is constructed per run (by pkg/run) and threaded
// explicitly into the Orchestrator; there is no package-level singleton.
type Services struct {
	Registry   *engine.Registry
	OCRCache   *ocrcache.Cache
	Index      *specimenindex.Index
	Images     imagesource.Source
	JITCache   *imagesource.JITCache // nil disables the local JIT cache
	GBIF       *gbif.Client          // nil disables GBIF enrichment
	Provenance *provenance.Writer
	Mapper     *dwc.Mapper
	Config     *config.Config
}

// Orchestrator runs the per-specimen algorithm against a Services bundle,
// holding the run-scoped duplicate-detection catalog.
type Orchestrator struct {
	svc *Services

	mu   sync.Mutex
	seen map[string]uint64 // sha256 -> compact phash-equivalent, for duplicate detection
}

// New builds an Orchestrator over svc.
func New(svc *Services) *Orchestrator {
	return &Orchestrator{svc: svc, seen: map[string]uint64{}}
}

// ProcessSpecimen runs the full per-image algorithm for one input path.
// scanPct, when non-nil, is this image's position (0-100) within the run's
// enumeration order, used only to compute the top_fifth_scan flag.
// skipped reports a specimen that was not (re)processed because it is
// already done, or has exhausted its retry budget.
func (o *Orchestrator) ProcessSpecimen(ctx context.Context, runID, imagePath string, scanPct *float64) (event *Event, skipped bool, err error) {
	cfg := o.svc.Config
	specimenID := strings.TrimSuffix(filepath.Base(imagePath), filepath.Ext(imagePath))

	if _, err := o.svc.Index.RegisterSpecimen(specimenID, filepath.Base(imagePath), ""); err != nil {
		return nil, false, errors.Wrapf(err, "registering specimen %q", specimenID)
	}

	state, hasState, err := o.svc.Index.GetProcessingState(specimenID, "process")
	if err != nil {
		return nil, false, err
	}
	if hasState {
		if state.Status == "done" {
			log.WithField("specimen_id", specimenID).Debug("skipping: already done")
			return nil, true, nil
		}
		if state.Status == "error" && state.Retries >= cfg.Processing.RetryLimit {
			log.WithField("specimen_id", specimenID).Warn("skipping: retry limit reached")
			return nil, true, nil
		}
	}

	inputData, err := os.ReadFile(imagePath)
	if err != nil {
		return nil, false, errors.Wrapf(err, "reading %q", imagePath)
	}
	inputSHA := sha256Hex(inputData)

	ev := &Event{RunID: runID, Image: imagePath, SHA256: inputSHA, ScanPct: scanPct}
	var prev string
	procPath, procSHA := imagePath, inputSHA

	if len(cfg.Preprocess.Pipeline) > 0 {
		procPath, procSHA, err = o.runPreprocess(specimenID, imagePath, inputData, cfg)
		if err != nil {
			var unknownStep *preprocess.UnknownStepError
			if errors.As(err, &unknownStep) {
				return nil, false, err // configuration error: propagate, do not retry
			}
			return o.fail(specimenID, cfg, ev, engine.NewError(engine.CodeOCRError, err.Error()))
		}
		frag := provenance.NewPreprocessing(inputSHA, procSHA, "preprocessor", nowISO(), prev, preprocessParamsMap(cfg))
		id, werr := o.svc.Provenance.Write(frag)
		if werr != nil {
			return nil, false, werr
		}
		prev = id
	}

	var text string
	var perTokenConfidences []float64
	var dwcFields = map[string]string{}
	var fieldConfidence = map[string]float64{}

	for _, step := range cfg.Pipeline.Steps {
		switch step {
		case engine.TaskImageToText:
			name, ok := o.selectEngine(engine.TaskImageToText, cfg.OCR.PreferredEngine, cfg)
			if !ok {
				return o.fail(specimenID, cfg, ev, engine.NewError(engine.CodeUnknownEngine, "no image_to_text engine available"))
			}
			var cacheHit bool
			var confidence float64
			result, hit, cerr := o.svc.OCRCache.Get(procSHA, name, "")
			if cerr != nil {
				return nil, false, cerr
			}
			if hit && !result.Error {
				text, confidence, cacheHit = result.ExtractedText, result.Confidence, true
			} else {
				opts := engine.Options{Langs: cfg.OCR.Langs}
				var tconf []float64
				var derr error
				text, tconf, derr = o.svc.Registry.DispatchImageToText(name, procPath, opts)
				if derr != nil {
					o.recordOCRFailure(procSHA, name, runID, specimenID)
					return o.fail(specimenID, cfg, ev, derr)
				}
				perTokenConfidences = tconf
				confidence = meanConfidence(tconf)
				if _, perr := o.svc.OCRCache.Put(procSHA, name, "", text, confidence, false); perr != nil {
					return nil, false, perr
				}
			}
			if lerr := o.svc.OCRCache.RecordLineage(runID, specimenID, "ocr", cacheHit); lerr != nil {
				return nil, false, lerr
			}
			if ierr := o.svc.Index.InsertCandidate(runID, imagePath, text, name, confidence, false); ierr != nil {
				return nil, false, ierr
			}

			finalEngine, finalVersion := name, ""
			if policy, ok := o.svc.Registry.GetFallback(name); ok {
				result, changed, ferr := policy(o.svc.Registry, procPath, text, perTokenConfidences, engine.Options{})
				if ferr != nil {
					return nil, false, ferr
				}
				if changed {
					text, perTokenConfidences = result.Text, result.TokenConfidences
					finalEngine, finalVersion = result.FinalEngine, result.FinalEngineVersion
					if ierr := o.svc.Index.InsertCandidate(runID, imagePath, text, finalEngine, meanConfidence(perTokenConfidences), false); ierr != nil {
						return nil, false, ierr
					}
				}
			}
			ev.Engine, ev.EngineVersion = finalEngine, finalVersion

			frag := provenance.NewOCRExtraction(procSHA, finalEngine, finalVersion, nowISO(), prev, confidence, cacheHit)
			id, werr := o.svc.Provenance.Write(frag)
			if werr != nil {
				return nil, false, werr
			}
			prev = id

		case engine.TaskTextToDwc:
			name, ok := o.selectEngine(engine.TaskTextToDwc, cfg.Dwc.PreferredEngine, cfg)
			if !ok {
				return o.fail(specimenID, cfg, ev, engine.NewError(engine.CodeUnknownEngine, "no text_to_dwc engine available"))
			}
			fields, conf, derr := o.svc.Registry.DispatchTextToDwc(name, text, engine.Options{})
			if derr != nil {
				return o.fail(specimenID, cfg, ev, derr)
			}
			identHistory := popIdentificationHistory(fields)
			if len(identHistory) > 0 {
				ev.IdentificationHistory = identHistory
			}
			mergeFields(dwcFields, fields)
			mergeConfidence(fieldConfidence, conf)

			frag := provenance.NewDwcExtraction("ocr_text", sha256Hex([]byte(text)), name, nowISO(), prev, conf)
			id, werr := o.svc.Provenance.Write(frag)
			if werr != nil {
				return nil, false, werr
			}
			prev = id

		case engine.TaskImageToDwc:
			if cfg.Pipeline.ImageToDwcInstructions == "" {
				return o.fail(specimenID, cfg, ev, errors.New("ValueError: image_to_dwc_instructions is required"))
			}
			name, ok := o.selectEngine(engine.TaskImageToDwc, cfg.Dwc.PreferredEngine, cfg)
			if !ok {
				return o.fail(specimenID, cfg, ev, engine.NewError(engine.CodeUnknownEngine, "no image_to_dwc engine available"))
			}
			fields, conf, derr := o.svc.Registry.DispatchImageToDwc(name, procPath, engine.Options{
				Instructions: cfg.Pipeline.ImageToDwcInstructions,
				Model:        cfg.GPT.Model,
			})
			if derr != nil {
				return o.fail(specimenID, cfg, ev, derr)
			}
			identHistory := popIdentificationHistory(fields)
			if len(identHistory) > 0 {
				ev.IdentificationHistory = identHistory
			}
			mergeFields(dwcFields, fields)
			mergeConfidence(fieldConfidence, conf)

			sourceIdentifier := procSHA
			if sourceIdentifier == "" {
				sourceIdentifier = inputSHA
			}
			frag := provenance.NewDwcExtraction("image", sourceIdentifier, name, nowISO(), prev, conf)
			id, werr := o.svc.Provenance.Write(frag)
			if werr != nil {
				return nil, false, werr
			}
			prev = id

		default:
			return o.fail(specimenID, cfg, ev, errors.Errorf("UnsupportedStep: %q", step))
		}
	}

	record := o.svc.Mapper.MapOCRToDwc(dwcFields, cfg.Dwc.StrictMinimalFields)
	preGBIF := cloneMap(record.Fields)

	var gbifVerification map[string]interface{}
	if cfg.QC.Gbif.Enabled && o.svc.GBIF != nil {
		gbifVerification = o.verifyWithGBIF(ctx, record)
		frag := provenance.NewQCValidation(inputSHA, "gbif_client", nowISO(), prev, record.Flags, gbifVerification)
		id, werr := o.svc.Provenance.Write(frag)
		if werr != nil {
			return nil, false, werr
		}
		prev = id
	}

	added, changed := diffFields(preGBIF, record.Fields)
	ev.AddedFields = added
	for _, term := range changed {
		record.AddFlags("gbif_updated:" + term)
	}

	o.applyDuplicateDetection(record, inputSHA)
	o.applyConfidenceFlags(record, fieldConfidence, cfg, scanPct)

	ev.DwcFields = record.ToMap()
	delete(ev.DwcFields, "flags")
	ev.DwcConfidence = fieldConfidence
	ev.Flags = record.Flags
	ev.GBIFVerification = gbifVerification

	avgConfidence := meanMapConfidence(fieldConfidence)
	if uerr := o.svc.Index.UpsertProcessingState(specimenindex.ProcessingState{
		SpecimenID: specimenID, Module: "process", Status: "done",
		Retries: state.Retries, Confidence: &avgConfidence,
	}); uerr != nil {
		return nil, false, uerr
	}
	if lerr := o.svc.Index.RecordRunLineage(runID, specimenID, "done", false, time.Now().UTC()); lerr != nil {
		return nil, false, lerr
	}

	return ev, false, nil
}

func (o *Orchestrator) runPreprocess(specimenID, imagePath string, inputData []byte, cfg *config.Config) (string, string, error) {
	src, _, err := image.Decode(bytes.NewReader(inputData))
	if err != nil {
		return "", "", errors.Wrap(err, "decoding input image")
	}
	gray, err := preprocess.Run(src, cfg.Preprocess.Pipeline, preprocessParams(cfg))
	if err != nil {
		return "", "", err
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, gray, &jpeg.Options{Quality: 92}); err != nil {
		return "", "", errors.Wrap(err, "encoding preprocessed image")
	}
	procSHA := sha256Hex(buf.Bytes())

	outPath := filepath.Join(os.TempDir(), "herbarium-proc-"+procSHA+".jpg")
	if err := os.WriteFile(outPath, buf.Bytes(), 0o644); err != nil {
		return "", "", errors.Wrap(err, "writing preprocessed image")
	}

	if err := o.svc.Index.RegisterTransformation(specimenindex.ImageTransformation{
		SHA256: procSHA, SpecimenID: specimenID, DerivedFrom: sha256Hex(inputData),
		Operation: strings.Join(cfg.Preprocess.Pipeline, ","), Timestamp: time.Now().UTC(),
		Tool: "preprocess", ToolVersion: "1", StoredAt: outPath,
	}); err != nil {
		return "", "", err
	}

	return outPath, procSHA, nil
}

func preprocessParams(cfg *config.Config) preprocess.Params {
	return preprocess.Params{
		ContrastFactor:     cfg.Preprocess.ContrastFactor,
		BinarizeMethod:     cfg.Preprocess.BinarizeMethod,
		AdaptiveWindowSize: cfg.Preprocess.AdaptiveWindowSize,
		AdaptiveK:          cfg.Preprocess.AdaptiveK,
		MaxDimPx:           cfg.Preprocess.MaxDimPx,
	}
}

// preprocessParamsMap renders the preprocess params as the generic
// parameters map a provenance fragment carries.
func preprocessParamsMap(cfg *config.Config) map[string]interface{} {
	return map[string]interface{}{
		"pipeline":             cfg.Preprocess.Pipeline,
		"contrast_factor":      cfg.Preprocess.ContrastFactor,
		"binarize_method":      cfg.Preprocess.BinarizeMethod,
		"adaptive_window_size": cfg.Preprocess.AdaptiveWindowSize,
		"adaptive_k":           cfg.Preprocess.AdaptiveK,
		"max_dim_px":           cfg.Preprocess.MaxDimPx,
	}
}

// selectEngine applies the platform/policy gates ahead of C1's own
// preferred-then-first-available selection rule.
func (o *Orchestrator) selectEngine(task, preferred string, cfg *config.Config) (string, bool) {
	gate := func(name string) bool {
		if strings.Contains(strings.ToLower(name), "gpt") && !cfg.OCR.AllowGPT {
			return false
		}
		if name == "tesseract" && runtime.GOOS == "darwin" && !containsString(cfg.OCR.EnabledEngines, "tesseract") {
			return false
		}
		if len(cfg.OCR.EnabledEngines) > 0 && task == engine.TaskImageToText && !containsString(cfg.OCR.EnabledEngines, name) {
			return false
		}
		return true
	}
	return o.svc.Registry.SelectEngine(task, preferred, gate)
}

func (o *Orchestrator) recordOCRFailure(procSHA, engineName, runID, specimenID string) {
	if _, err := o.svc.OCRCache.Put(procSHA, engineName, "", "", 0, true); err != nil {
		log.WithError(err).Warn("failed to record OCR failure in cache")
	}
	if err := o.svc.OCRCache.RecordLineage(runID, specimenID, "ocr_failed", false); err != nil {
		log.WithError(err).Warn("failed to record OCR failure lineage")
	}
}

// fail classifies err per the EngineError/ValueError/UNKNOWN taxonomy,
// updates ProcessingState accordingly, and returns the event's failure
// form (empty dwc, non-empty errors).
func (o *Orchestrator) fail(specimenID string, cfg *config.Config, ev *Event, err error) (*Event, bool, error) {
	var code, message string
	retryable := true

	switch e := err.(type) {
	case *engine.Error:
		code, message = e.Code, e.Message
	default:
		msg := err.Error()
		if strings.HasPrefix(msg, "ValueError:") || strings.HasPrefix(msg, "UnsupportedStep:") {
			// Configuration errors propagate unchanged and are not retryable.
			return nil, false, err
		}
		code, message = "UNKNOWN", msg
	}

	state, hasState, serr := o.svc.Index.GetProcessingState(specimenID, "process")
	if serr != nil {
		return nil, false, serr
	}
	retries := 0
	if hasState {
		retries = state.Retries
	}
	if retryable {
		retries++
	}

	if uerr := o.svc.Index.UpsertProcessingState(specimenindex.ProcessingState{
		SpecimenID: specimenID, Module: "process", Status: "error",
		Retries: retries, ErrorCode: code, ErrorMessage: message,
	}); uerr != nil {
		return nil, false, uerr
	}

	ev.Errors = append(ev.Errors, code+": "+message)
	log.WithFields(map[string]interface{}{"specimen_id": specimenID, "code": code}).Warn(message)
	return ev, false, nil
}

func (o *Orchestrator) verifyWithGBIF(ctx context.Context, record *dwc.Record) map[string]interface{} {
	timeout := time.Duration(o.svc.Config.QC.Gbif.Timeout*float64(time.Second)) + 0
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	result := map[string]interface{}{}

	taxonomy, err := o.svc.GBIF.VerifyTaxonomy(callCtx, record.Fields)
	if err != nil {
		log.WithError(err).Warn("gbif taxonomy verification failed")
	} else {
		applyTaxonomy(record, taxonomy)
		result["taxonomy"] = taxonomy
		for _, issue := range taxonomy.Issues {
			record.AddFlags("gbif_issue:taxonomy:" + issue)
		}
	}

	lat, latOK := parseFloat(record.Get("decimalLatitude"))
	lon, lonOK := parseFloat(record.Get("decimalLongitude"))
	if latOK && lonOK {
		locality, err := o.svc.GBIF.VerifyLocality(callCtx, lat, lon)
		if err != nil {
			log.WithError(err).Warn("gbif locality verification failed")
		} else {
			applyLocality(record, locality)
			result["locality"] = map[string]interface{}{
				"gbif_locality_verified": locality.Verified,
				"gbif_coordinate_valid":  locality.CoordinateValid,
				"gbif_distance_km":       locality.DistanceKm,
				"gbif_issues":            locality.Issues,
			}
			for _, issue := range locality.Issues {
				record.AddFlags("gbif_issue:locality:" + issue)
			}
		}

		if o.svc.Config.QC.Gbif.EnableOccurrenceValidation {
			occurrence, err := o.svc.GBIF.VerifyOccurrence(callCtx, lat, lon)
			if err != nil {
				log.WithError(err).Warn("gbif occurrence validation failed")
			} else {
				result["occurrence"] = occurrence
				for _, issue := range occurrence.Issues {
					record.AddFlags("gbif_issue:occurrence:" + issue)
				}
			}
		}
	}

	return result
}

func applyTaxonomy(record *dwc.Record, t gbif.TaxonomyResult) {
	if !t.Verified {
		return
	}
	setIfNonEmpty(record, "acceptedScientificName", t.AcceptedScientificName)
	setIfNonEmpty(record, "family", t.Family)
	setIfNonEmpty(record, "genus", t.Genus)
}

func applyLocality(record *dwc.Record, l gbif.LocalityResult) {
	if !l.Verified {
		return
	}
	setIfNonEmpty(record, "country", l.Country)
	setIfNonEmpty(record, "stateProvince", l.StateProvince)
}

func setIfNonEmpty(record *dwc.Record, term, value string) {
	if value != "" && record.Get(term) == "" {
		record.Set(term, value)
	}
}

// applyDuplicateDetection implements the cheap stand-in perceptual hash:
// the first 16 hex chars of a sha256 parsed as a 64-bit integer, compared
// by Hamming distance against every previously seen specimen this run.
// Matches on either an exact sha256 repeat or a phash within threshold;
// the first match found stops the scan, same as the single-pass original.
func (o *Orchestrator) applyDuplicateDetection(record *dwc.Record, sha string) {
	phash, err := strconv.ParseUint(sha[:16], 16, 64)
	if err != nil {
		return
	}

	o.mu.Lock()
	defer o.mu.Unlock()

	threshold := o.svc.Config.QC.PhashThreshold
	for priorSHA, priorPhash := range o.seen {
		if sha == priorSHA {
			record.AddFlags("duplicate:sha256")
			break
		}
		if bits.OnesCount64(phash^priorPhash) <= threshold {
			record.AddFlags("duplicate:phash")
			break
		}
	}
	o.seen[sha] = phash
}

func (o *Orchestrator) applyConfidenceFlags(record *dwc.Record, fieldConfidence map[string]float64, cfg *config.Config, scanPct *float64) {
	avg := meanMapConfidence(fieldConfidence)
	if len(fieldConfidence) > 0 && avg < cfg.QC.LowConfidenceFlag {
		record.AddFlags("low_confidence")
	}
	if scanPct != nil && *scanPct >= 100-cfg.QC.TopFifthScanPct {
		record.AddFlags("top_fifth_scan")
	}
}

func sha256Hex(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

func nowISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func meanConfidence(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	return sum / float64(len(values))
}

func meanMapConfidence(m map[string]float64) float64 {
	if len(m) == 0 {
		return 0
	}
	var sum float64
	for _, v := range m {
		sum += v
	}
	return sum / float64(len(m))
}

func mergeFields(dst, src map[string]string) {
	for k, v := range src {
		dst[k] = v
	}
}

func mergeConfidence(dst, src map[string]float64) {
	for k, v := range src {
		dst[k] = v
	}
}

func cloneMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func diffFields(before, after map[string]string) (added, changed []string) {
	for term, v := range after {
		if v == "" {
			continue
		}
		prior, existed := before[term]
		if !existed || prior == "" {
			added = append(added, term)
		} else if prior != v {
			changed = append(changed, term)
		}
	}
	return added, changed
}

func containsString(list []string, want string) bool {
	for _, s := range list {
		if s == want {
			return true
		}
	}
	return false
}

func parseFloat(s string) (float64, bool) {
	if s == "" {
		return 0, false
	}
	v, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return 0, false
	}
	return v, true
}

// popIdentificationHistory extracts and removes an "identificationHistory"
// side-channel key some engines emit alongside their DwC field map, parsing
// it into row maps for the identification history extension: rows are
// separated by ';', and each row is a ','-separated list of key=value
// pairs. Absent the key, it returns nil.
func popIdentificationHistory(fields map[string]string) []map[string]string {
	raw, ok := fields["identificationHistory"]
	if !ok || raw == "" {
		return nil
	}
	delete(fields, "identificationHistory")

	var rows []map[string]string
	for _, entry := range strings.Split(raw, ";") {
		if entry == "" {
			continue
		}
		row := map[string]string{}
		for _, pair := range strings.Split(entry, ",") {
			kv := strings.SplitN(pair, "=", 2)
			if len(kv) == 2 {
				row[kv[0]] = kv[1]
			}
		}
		if len(row) > 0 {
			rows = append(rows, row)
		}
	}
	return rows
}
