package cmd

import (
	"fmt"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/devvyn/herbarium-specimen-tools/internal/version"
)

type versionOptions struct {
	JSON bool
}

var versionOpts = &versionOptions{}

// versionCmd is the command when calling `herbarium-extract version`.
var versionCmd = &cobra.Command{
	Use:           "version",
	Short:         "output version information",
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runVersionCmd(versionOpts)
	},
}

func init() {
	versionCmd.PersistentFlags().BoolVarP(
		&versionOpts.JSON,
		"json",
		"j",
		false,
		"print JSON instead of text",
	)

	rootCmd.AddCommand(versionCmd)
}

func runVersionCmd(opts *versionOptions) error {
	v := version.Get()
	res := v.String()

	if opts.JSON {
		j, err := v.JSONString()
		if err != nil {
			return errors.Wrap(err, "unable to generate JSON from version info")
		}
		res = j
	}

	fmt.Println(res)
	return nil
}
