// Package run implements the top-level run controller: it allocates a
// run_id, enumerates input images, fans work out across a bounded worker
// pool, and serializes every specimen's output files (event, DwC row,
// identification-history rows) through a single writer so they never
// interleave. Provenance fragments do not pass through that writer: the
// workers append them as each step completes, so they are not committed
// together with the specimen's other output.
package run

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-git/v5"
	"github.com/pkg/errors"

	"github.com/devvyn/herbarium-specimen-tools/internal/config"
	"github.com/devvyn/herbarium-specimen-tools/internal/herblog"
	"github.com/devvyn/herbarium-specimen-tools/pkg/dwc"
	"github.com/devvyn/herbarium-specimen-tools/pkg/engine"
	"github.com/devvyn/herbarium-specimen-tools/pkg/engine/gpt"
	"github.com/devvyn/herbarium-specimen-tools/pkg/engine/rules"
	"github.com/devvyn/herbarium-specimen-tools/pkg/engine/tesseract"
	"github.com/devvyn/herbarium-specimen-tools/pkg/gbif"
	"github.com/devvyn/herbarium-specimen-tools/pkg/imagesource"
	"github.com/devvyn/herbarium-specimen-tools/pkg/ocrcache"
	"github.com/devvyn/herbarium-specimen-tools/pkg/orchestrator"
	"github.com/devvyn/herbarium-specimen-tools/pkg/output"
	"github.com/devvyn/herbarium-specimen-tools/pkg/provenance"
	"github.com/devvyn/herbarium-specimen-tools/pkg/specimenindex"
)

var log = herblog.For("run")

// recognizedExtensions are the case-insensitive input file extensions the
// controller enumerates; anything else in the input directory is ignored.
var recognizedExtensions = map[string]bool{
	".jpg": true, ".jpeg": true, ".png": true, ".tif": true, ".tiff": true,
}

// Options configures one invocation of Run.
type Options struct {
	InputDir      string
	OutputDir     string
	Config        *config.Config
	StateDBPath   string // specimenindex + processing-state database
	OCRCachePath  string
	JITCacheDir   string
	Workers       int // 0 selects a sane default
	Resume        bool
	Operator      string
	BundleVersion string // non-empty triggers a versioned DwC-A bundle on completion
	BundleFormat  output.BundleFormat
}

// Result summarizes one run's outcome.
type Result struct {
	RunID       string
	Processed   int
	Skipped     int
	Failed      int
	CacheHitPct float64
	BundlePath  string
}

// Run executes the full C11 algorithm: register the run, enumerate inputs,
// process every specimen through an Orchestrator, and write results.
// Fatal configuration errors (e.g. an unreadable input directory) return a
// non-nil error; per-specimen failures are recorded but never abort Run.
func Run(ctx context.Context, opts Options) (Result, error) {
	cfg := opts.Config
	runID := nowUTCISO()

	idx, err := specimenindex.Open(opts.StateDBPath)
	if err != nil {
		return Result{}, errors.Wrap(err, "opening specimen index")
	}
	defer idx.Close()

	ocrCache, err := ocrcache.Open(opts.OCRCachePath)
	if err != nil {
		return Result{}, errors.Wrap(err, "opening ocr cache")
	}
	defer ocrCache.Close()

	if err := os.MkdirAll(opts.OutputDir, 0o755); err != nil {
		return Result{}, errors.Wrap(err, "creating output directory")
	}

	provPath := filepath.Join(opts.OutputDir, "provenance.jsonl")
	provWriter, err := provenance.OpenWriter(provPath)
	if err != nil {
		return Result{}, errors.Wrap(err, "opening provenance writer")
	}
	defer provWriter.Close()

	images, err := enumerateImages(opts.InputDir)
	if err != nil {
		return Result{}, errors.Wrap(err, "enumerating input images")
	}

	gitCommit := discoverGitCommit(opts.InputDir)
	snapshot, err := config.Snapshot(cfg)
	if err != nil {
		return Result{}, errors.Wrap(err, "snapshotting config")
	}
	if err := ocrCache.RecordRun(runID, snapshot, gitCommit, opts.Operator); err != nil {
		return Result{}, errors.Wrap(err, "recording run")
	}

	var configSnapshot map[string]interface{}
	if m, serr := toMap(snapshot); serr == nil {
		configSnapshot = m
	}
	if err := idx.RecordRun(runID, time.Now().UTC(), configSnapshot, gitCommit, opts.Operator); err != nil {
		return Result{}, errors.Wrap(err, "recording run in specimen index")
	}

	svc, err := buildServices(cfg, idx, ocrCache, provWriter, opts.JITCacheDir, opts.InputDir)
	if err != nil {
		return Result{}, err
	}
	orc := orchestrator.New(svc)

	result := runWorkerPool(ctx, orc, runID, images, opts)

	if err := ocrCache.CompleteRun(runID); err != nil {
		log.WithError(err).Warn("failed to mark run complete in ocr cache")
	}
	if err := idx.CompleteRun(runID, time.Now().UTC()); err != nil {
		log.WithError(err).Warn("failed to mark run complete in specimen index")
	}

	stats, err := ocrCache.Stats(runID)
	if err != nil {
		log.WithError(err).Warn("failed to compute cache-hit stats")
	} else {
		log.WithFields(map[string]interface{}{
			"run_id": runID, "total": stats.Total, "cache_hits": stats.CacheHits,
			"cache_hit_pct": stats.CacheHitPct,
		}).Info("run complete")
	}
	result.RunID = runID
	result.CacheHitPct = stats.CacheHitPct

	totalFragments, fragmentTypes := provWriter.Counts()
	runManifest := output.BuildRunManifest(runID, runID, gitCommit, configSnapshot, totalFragments, fragmentTypes, filepath.Base(provWriter.Path()))
	if err := output.WriteManifest(opts.OutputDir, runManifest); err != nil {
		log.WithError(err).Error("failed to write run manifest")
	}

	if opts.BundleVersion != "" {
		filters := map[string]interface{}{"input_dir": opts.InputDir}
		bundlePath, err := output.CreateVersionedBundle(
			opts.OutputDir, opts.BundleVersion, filters, gitCommit, opts.BundleFormat, true, nil,
		)
		if err != nil {
			return result, errors.Wrap(err, "creating versioned bundle")
		}
		result.BundlePath = bundlePath
	}

	return result, nil
}

// specimenOutcome is what one worker hands to the single writer goroutine.
type specimenOutcome struct {
	event   *orchestrator.Event
	skipped bool
	err     error
	path    string
}

func runWorkerPool(ctx context.Context, orc *orchestrator.Orchestrator, runID string, images []string, opts Options) Result {
	workers := opts.Workers
	if workers <= 0 {
		workers = 4
	}

	jobs := make(chan indexedPath, len(images))
	for i, p := range images {
		jobs <- indexedPath{path: p, index: i, total: len(images)}
	}
	close(jobs)

	outcomes := make(chan specimenOutcome, len(images))
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for job := range jobs {
				scanPct := 100 * float64(job.index+1) / float64(job.total)
				ev, skipped, err := orc.ProcessSpecimen(ctx, runID, job.path, &scanPct)
				outcomes <- specimenOutcome{event: ev, skipped: skipped, err: err, path: job.path}
			}
		}()
	}
	go func() {
		wg.Wait()
		close(outcomes)
	}()

	return writeOutcomes(opts, outcomes)
}

type indexedPath struct {
	path  string
	index int
	total int
}

// writeOutcomes is the single writer: it owns the output files and commits
// one specimen's full record set (event + DwC row + identification-history
// rows) atomically before moving to the next, so concurrent workers never
// interleave partial writes.
func writeOutcomes(opts Options, outcomes <-chan specimenOutcome) Result {
	var result Result
	appendMode := opts.Resume

	for outcome := range outcomes {
		if outcome.err != nil {
			result.Failed++
			log.WithError(outcome.err).WithField("image", outcome.path).Error("specimen processing aborted")
			continue
		}
		if outcome.skipped {
			result.Skipped++
			continue
		}
		ev := outcome.event
		result.Processed++

		if err := output.WriteRawJSONL(opts.OutputDir, []map[string]interface{}{eventToMap(ev)}, appendMode); err != nil {
			log.WithError(err).Error("failed to append raw event")
		}
		if err := output.WriteDwcCSV(opts.OutputDir, []map[string]string{ev.DwcFields}, appendMode); err != nil {
			log.WithError(err).Error("failed to append dwc row")
		}
		if len(ev.IdentificationHistory) > 0 {
			if err := output.WriteIdentificationHistoryCSV(opts.OutputDir, ev.IdentificationHistory, appendMode); err != nil {
				log.WithError(err).Error("failed to append identification history")
			}
		}
		appendMode = true
	}

	return result
}

func eventToMap(ev *orchestrator.Event) map[string]interface{} {
	m := map[string]interface{}{
		"run_id": ev.RunID, "image": ev.Image, "sha256": ev.SHA256,
		"flags": ev.Flags, "added_fields": ev.AddedFields, "errors": ev.Errors,
	}
	if ev.Engine != "" {
		m["engine"] = ev.Engine
	}
	if ev.EngineVersion != "" {
		m["engine_version"] = ev.EngineVersion
	}
	if len(ev.DwcFields) > 0 {
		m["dwc"] = ev.DwcFields
	}
	if len(ev.DwcConfidence) > 0 {
		m["dwc_confidence"] = ev.DwcConfidence
	}
	if len(ev.IdentificationHistory) > 0 {
		m["identification_history"] = ev.IdentificationHistory
	}
	if ev.GBIFVerification != nil {
		m["gbif_verification"] = ev.GBIFVerification
	}
	if ev.ScanPct != nil {
		m["scan_pct"] = *ev.ScanPct
	}
	return m
}

// buildServices constructs the shared Services bundle exactly once per run,
// wiring the engine registry's built-in capabilities and, if configured,
// a GBIF client and a JIT local image cache.
func buildServices(cfg *config.Config, idx *specimenindex.Index, ocrCache *ocrcache.Cache, provWriter *provenance.Writer, jitCacheDir, inputDir string) (*orchestrator.Services, error) {
	reg := engine.New()
	registerBuiltinEngines(reg, cfg)

	var gbifClient *gbif.Client
	if cfg.QC.Gbif.Enabled {
		gbifClient = gbif.New(cfg.QC.Gbif, filepath.Join(jitCacheDir, "gbif_cache.json"), time.Duration(cfg.QC.Gbif.Timeout*float64(time.Hour)))
	}

	var jitCache *imagesource.JITCache
	if jitCacheDir != "" {
		var err error
		jitCache, err = imagesource.NewJITCache(jitCacheDir, 24*time.Hour, 1<<30)
		if err != nil {
			return nil, errors.Wrap(err, "opening JIT image cache")
		}
	}

	mapper := dwc.NewMapper(dwc.Rules{}, lowercasedFieldMappings(cfg.Dwc.Custom))

	return &orchestrator.Services{
		Registry:   reg,
		OCRCache:   ocrCache,
		Index:      idx,
		Images:     imagesource.NewLocal(inputDir),
		JITCache:   jitCache,
		GBIF:       gbifClient,
		Provenance: provWriter,
		Mapper:     mapper,
		Config:     cfg,
	}, nil
}

// registerBuiltinEngines wires the OCR/DwC-extraction engines this module
// ships with into reg. tesseract registers only when the binary is on
// PATH; gpt registers only when the operator has opted into it; rules is
// always available as the zero-dependency fallback of last resort.
func registerBuiltinEngines(reg *engine.Registry, cfg *config.Config) {
	tesseract.Register(reg, cfg.Tesseract)
	gpt.Register(reg, cfg.GPT, cfg.OCR.AllowGPT)
	gpt.RegisterFallback(reg, tesseract.Name, cfg.GPT, cfg.OCR.AllowGPT, cfg.OCR.ConfidenceThreshold)
	rules.Register(reg)
}

func lowercasedFieldMappings(custom map[string]string) map[string]string {
	out := make(map[string]string, len(custom))
	for k, v := range custom {
		out[strings.ToLower(k)] = v
	}
	return out
}

func enumerateImages(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if recognizedExtensions[ext] {
			paths = append(paths, filepath.Join(dir, e.Name()))
		}
	}
	sort.Strings(paths)
	return paths, nil
}

// discoverGitCommit returns the short HEAD commit of the repository
// containing dir, or "" if dir is not inside a git repository.
func discoverGitCommit(dir string) string {
	repo, err := git.PlainOpenWithOptions(dir, &git.PlainOpenOptions{DetectDotGit: true})
	if err != nil {
		return ""
	}
	head, err := repo.Head()
	if err != nil {
		return ""
	}
	full := head.Hash().String()
	if len(full) > 10 {
		return full[:10]
	}
	return full
}

func nowUTCISO() string {
	return time.Now().UTC().Format(time.RFC3339Nano)
}

func toMap(tomlSnapshot string) (map[string]interface{}, error) {
	// The config snapshot is already rendered as TOML text for the
	// run_lineage audit trail; index storage only needs a generic map
	// for its JSON column, so we keep the raw text under a single key
	// rather than re-parsing TOML into JSON.
	return map[string]interface{}{"toml": tomlSnapshot}, nil
}
