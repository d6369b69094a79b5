package cmd

import (
	"context"

	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/devvyn/herbarium-specimen-tools/internal/config"
	"github.com/devvyn/herbarium-specimen-tools/pkg/output"
	"github.com/devvyn/herbarium-specimen-tools/pkg/run"
)

// runCmd processes a directory of specimen images into a Darwin Core
// occurrence dataset.
var runCmd = &cobra.Command{
	Use:           "run",
	Short:         "Process a directory of specimen images into a Darwin Core dataset",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return errors.Wrap(runExtraction(runOpts), "run `herbarium-extract run`")
	},
}

type runOptions struct {
	inputDir      string
	outputDir     string
	configPath    string
	stateDB       string
	ocrCache      string
	jitCacheDir   string
	workers       int
	resume        bool
	operator      string
	bundleVersion string
	bundleFormat  string
}

var runOpts = &runOptions{}

func init() {
	runCmd.Flags().StringVar(&runOpts.inputDir, "input-dir", "", "directory of specimen images to process (required)")
	runCmd.Flags().StringVar(&runOpts.outputDir, "output-dir", "", "directory to write occurrence.csv, raw.jsonl, and friends into (required)")
	runCmd.Flags().StringVar(&runOpts.configPath, "config", "", "TOML config file, deep-merged over the packaged defaults")
	runCmd.Flags().StringVar(&runOpts.stateDB, "state-db", "herbarium_state.db", "path to the specimen index / processing-state SQLite database")
	runCmd.Flags().StringVar(&runOpts.ocrCache, "ocr-cache", "herbarium_ocr_cache.db", "path to the OCR result cache SQLite database")
	runCmd.Flags().StringVar(&runOpts.jitCacheDir, "jit-cache-dir", "", "directory for the just-in-time remote image cache (disabled if empty)")
	runCmd.Flags().IntVar(&runOpts.workers, "workers", 4, "number of specimens to process concurrently")
	runCmd.Flags().BoolVar(&runOpts.resume, "resume", false, "append to existing output files instead of truncating them")
	runCmd.Flags().StringVar(&runOpts.operator, "operator", "", "free-text identifier for who/what triggered this run, recorded on the run row")
	runCmd.Flags().StringVar(&runOpts.bundleVersion, "bundle-version", "", "if set, package the run's output into a versioned DwC-A zip under this semver")
	runCmd.Flags().StringVar(&runOpts.bundleFormat, "bundle-format", "simple", "versioned bundle filename style: simple or rich")

	rootCmd.AddCommand(runCmd)
}

func runExtraction(opts *runOptions) error {
	if opts.inputDir == "" {
		return errors.New("--input-dir is required")
	}
	if opts.outputDir == "" {
		return errors.New("--output-dir is required")
	}

	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return errors.Wrap(err, "loading config")
	}

	result, err := run.Run(context.Background(), run.Options{
		InputDir:      opts.inputDir,
		OutputDir:     opts.outputDir,
		Config:        cfg,
		StateDBPath:   opts.stateDB,
		OCRCachePath:  opts.ocrCache,
		JITCacheDir:   opts.jitCacheDir,
		Workers:       opts.workers,
		Resume:        opts.resume,
		Operator:      opts.operator,
		BundleVersion: opts.bundleVersion,
		BundleFormat:  output.BundleFormat(opts.bundleFormat),
	})
	if err != nil {
		return err
	}

	logrus.WithFields(logrus.Fields{
		"run_id":        result.RunID,
		"processed":     result.Processed,
		"skipped":       result.Skipped,
		"failed":        result.Failed,
		"cache_hit_pct": result.CacheHitPct,
		"bundle_path":   result.BundlePath,
	}).Info("extraction complete")

	return nil
}
