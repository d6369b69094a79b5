// Command herbarium-extract runs the specimen-image extraction pipeline
// end to end: given a directory of images, it produces a Darwin Core
// occurrence dataset plus the identification-history, provenance, and
// manifest side files described alongside it.
package main

import "github.com/devvyn/herbarium-specimen-tools/cmd/herbarium-extract/cmd"

func main() {
	cmd.Execute()
}
