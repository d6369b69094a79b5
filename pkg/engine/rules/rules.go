// Package rules implements the one built-in text_to_dwc engine that always
// works: a regex/keyword rule set over free-form OCR text, requiring no
// native dependency or API key. It is the fallback of last resort when no
// richer engine is enabled.
package rules

import (
	"regexp"
	"strings"

	"github.com/devvyn/herbarium-specimen-tools/pkg/engine"
)

// Name is the engine name this package registers under.
const Name = "rules"

var (
	catalogRe  = regexp.MustCompile(`(?i)\b(?:catalog(?:ue)?\s*(?:no\.?|number)?|herbarium)[:\s#-]*([A-Za-z0-9-]{3,})`)
	dateRe     = regexp.MustCompile(`\b(\d{4})[-/](\d{1,2})[-/](\d{1,2})\b`)
	collectorRe = regexp.MustCompile(`(?i)\bcoll(?:ector)?\.?\s*[:\-]?\s*([A-Z][A-Za-z.\-' ]{2,40})`)
	speciesRe  = regexp.MustCompile(`\b([A-Z][a-z]+)\s+([a-z]{2,}(?:-[a-z]+)?)\b`)
)

// Register installs the rule-based text_to_dwc engine on reg under Name.
func Register(reg *engine.Registry) {
	reg.RegisterTextToDwc(Name, extract)
}

func extract(text string, opts engine.Options) (map[string]string, map[string]float64, error) {
	fields := map[string]string{}
	conf := map[string]float64{}

	if m := catalogRe.FindStringSubmatch(text); m != nil {
		fields["catalogNumber"] = strings.TrimSpace(m[1])
		conf["catalogNumber"] = 0.6
	}
	if m := dateRe.FindStringSubmatch(text); m != nil {
		fields["eventDate"] = normalizeDate(m[1], m[2], m[3])
		conf["eventDate"] = 0.55
	}
	if m := collectorRe.FindStringSubmatch(text); m != nil {
		fields["recordedBy"] = strings.TrimSpace(m[1])
		conf["recordedBy"] = 0.4
	}
	if m := speciesRe.FindStringSubmatch(text); m != nil {
		fields["scientificName"] = m[1] + " " + m[2]
		conf["scientificName"] = 0.35
	}

	return fields, conf, nil
}

func normalizeDate(y, mo, d string) string {
	if len(mo) == 1 {
		mo = "0" + mo
	}
	if len(d) == 1 {
		d = "0" + d
	}
	return y + "-" + mo + "-" + d
}
