// Package tesseract wraps the system `tesseract` binary as an image_to_text
// engine. Registration is conditional: when the binary is not on PATH the
// engine registers nothing, so it is simply absent from
// (*engine.Registry).Available, matching the registry's "unavailable
// back-ends register nothing" rule.
package tesseract

import (
	"bytes"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/devvyn/herbarium-specimen-tools/internal/config"
	"github.com/devvyn/herbarium-specimen-tools/pkg/engine"
)

// Name is the engine name this package registers under.
const Name = "tesseract"

// LookPath locates the tesseract binary, overridable in tests.
var LookPath = exec.LookPath

// Register probes for the tesseract binary and, if found, installs the
// image_to_text capability bound to cfg's oem/psm/extra_args/model_paths.
func Register(reg *engine.Registry, cfg config.Tesseract) {
	binPath, err := LookPath("tesseract")
	if err != nil {
		return
	}
	reg.RegisterImageToText(Name, func(imagePath string, opts engine.Options) (string, []float64, error) {
		return imageToText(binPath, imagePath, cfg, opts)
	})
}

func imageToText(binPath, imagePath string, cfg config.Tesseract, opts engine.Options) (string, []float64, error) {
	langs := opts.Langs
	if len(langs) == 0 {
		langs = []string{"eng"}
	}

	args := []string{imagePath, "stdout", "-l", strings.Join(langs, "+"),
		"--oem", strconv.Itoa(cfg.OEM), "--psm", strconv.Itoa(cfg.PSM), "tsv"}
	if dir := tessdataDir(cfg.ModelPaths); dir != "" {
		args = append(args, "--tessdata-dir", dir)
	}
	args = append(args, cfg.ExtraArgs...)

	cmd := exec.Command(binPath, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return "", nil, engine.NewError(engine.CodeOCRError, fmt.Sprintf("tesseract failed: %v: %s", err, stderr.String()))
	}

	return parseTSV(stdout.String())
}

// parseTSV parses tesseract's `tsv` output mode: a header row followed by
// one row per detected token, with columns including text and conf.
func parseTSV(tsv string) (string, []float64, error) {
	lines := strings.Split(tsv, "\n")
	if len(lines) < 1 {
		return "", nil, nil
	}
	header := strings.Split(lines[0], "\t")
	textCol, confCol := -1, -1
	for i, h := range header {
		switch strings.TrimSpace(h) {
		case "text":
			textCol = i
		case "conf":
			confCol = i
		}
	}
	if textCol < 0 || confCol < 0 {
		return "", nil, engine.NewError(engine.CodeParseError, "unexpected tesseract tsv header")
	}

	var tokens []string
	var confidences []float64
	for _, line := range lines[1:] {
		if strings.TrimSpace(line) == "" {
			continue
		}
		cols := strings.Split(line, "\t")
		if textCol >= len(cols) || confCol >= len(cols) {
			continue
		}
		token := strings.TrimSpace(cols[textCol])
		if token == "" {
			continue
		}
		confStr := strings.TrimSpace(cols[confCol])
		if confStr == "-1" {
			continue
		}
		c, err := strconv.ParseFloat(confStr, 64)
		if err != nil {
			continue
		}
		tokens = append(tokens, token)
		confidences = append(confidences, c/100.0)
	}

	return strings.Join(tokens, " "), confidences, nil
}

func tessdataDir(modelPaths []string) string {
	for _, p := range modelPaths {
		idx := strings.LastIndexByte(p, '/')
		if idx >= 0 {
			return p[:idx]
		}
	}
	return ""
}
