package dwc

import (
	"strings"

	"github.com/pelletier/go-toml/v2"
)

// Rules holds the institution-alias and controlled-vocabulary rule
// tables consulted during mapping. A zero-value Rules passes every
// value through unchanged, matching the original's "no rule matches"
// fallback.
type Rules struct {
	Institutions map[string]string            // alias (any case) -> canonical code
	Vocab        map[string]map[string]string // vocab name -> alias -> canonical term
}

// LoadRules parses institutions.toml- and vocab.toml-shaped TOML
// documents (alias->code, and vocabName->alias->term respectively).
func LoadRules(institutionsTOML, vocabTOML []byte) (Rules, error) {
	r := Rules{Institutions: map[string]string{}, Vocab: map[string]map[string]string{}}
	if len(institutionsTOML) > 0 {
		if err := toml.Unmarshal(institutionsTOML, &r.Institutions); err != nil {
			return r, err
		}
	}
	if len(vocabTOML) > 0 {
		if err := toml.Unmarshal(vocabTOML, &r.Vocab); err != nil {
			return r, err
		}
	}
	return r, nil
}

func lowerKeyedCopy(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[strings.ToLower(k)] = v
	}
	return out
}

// NormalizeInstitution maps value through the institution alias table,
// returning value unchanged if no rule matches.
func (r Rules) NormalizeInstitution(value string) string {
	if value == "" {
		return value
	}
	mapping := lowerKeyedCopy(r.Institutions)
	if canonical, ok := mapping[strings.ToLower(value)]; ok {
		return canonical
	}
	return value
}

// NormalizeVocab maps value through the named controlled-vocabulary
// table, returning value unchanged if the vocab or alias is unknown.
func (r Rules) NormalizeVocab(value, vocab string) string {
	if value == "" {
		return value
	}
	section, ok := r.Vocab[vocab]
	if !ok {
		return value
	}
	mapping := lowerKeyedCopy(section)
	if canonical, ok := mapping[strings.ToLower(value)]; ok {
		return canonical
	}
	return value
}
