package cmd

import (
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/devvyn/herbarium-specimen-tools/internal/herblog"
)

// rootCmd represents the base command when called without any subcommands.
var rootCmd = &cobra.Command{
	Use:   "herbarium-extract",
	Short: "Extract Darwin Core occurrence records from herbarium specimen images",
	Long: `herbarium-extract - herbarium specimen image extraction pipeline

Turns a directory of specimen images into a Darwin Core occurrence
dataset, using OCR and/or vision-language engines, optional GBIF
verification, and content-addressed caching so repeat runs only
reprocess what changed.
`,
	PersistentPreRunE: initLogging,
}

var rootOpts = &struct {
	LogLevel string
}{}

// Execute adds all child commands to the root command and sets flags.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Fatal(err)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(
		&rootOpts.LogLevel,
		"log-level",
		"info",
		fmt.Sprintf("the logging verbosity (%s)", "debug, info, warn, error"),
	)
}

func initLogging(*cobra.Command, []string) error {
	return herblog.SetLevel(rootOpts.LogLevel)
}
