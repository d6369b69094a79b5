package dwc

import (
	"strings"

	"github.com/devvyn/herbarium-specimen-tools/pkg/schema"
)

// institutionFields and vocabFields are normalized after mapping,
// matching the original's fixed field lists.
var institutionFields = []string{"institutionCode", "ownerInstitutionCode"}
var vocabFields = []string{"basisOfRecord", "typeStatus"}

// SchemaValidator checks mapped field names against configured target
// schemas, used to flag fields the mapper accepted but that fall
// outside the project's preferred DwC/ABCD schema set.
type SchemaValidator interface {
	// Validate splits terms into valid and invalid subsets.
	Validate(terms []string) (valid, invalid []string)
}

// managerValidator adapts a *schema.Manager to SchemaValidator.
type managerValidator struct {
	manager       *schema.Manager
	targetSchemas []string
}

// NewSchemaValidator builds a SchemaValidator backed by a schema Manager.
func NewSchemaValidator(manager *schema.Manager, targetSchemas []string) SchemaValidator {
	return &managerValidator{manager: manager, targetSchemas: targetSchemas}
}

func (v *managerValidator) Validate(terms []string) (valid, invalid []string) {
	validTerms := map[string]bool{}
	for _, t := range schema.ProjectTerms {
		validTerms[t] = true
	}
	for _, schemaName := range v.targetSchemas {
		for _, t := range v.manager.Terms([]string{schemaName}) {
			validTerms[t] = true
		}
	}
	for _, term := range terms {
		if validTerms[term] {
			valid = append(valid, term)
		} else {
			invalid = append(invalid, term)
		}
	}
	return valid, invalid
}

// Mapper translates raw extraction output into Darwin Core records.
type Mapper struct {
	Rules           Rules
	FieldMappings   map[string]string // raw key (lowercased) -> canonical DwC term
	TargetSchemas   []string
	SchemaValidator SchemaValidator // optional; nil skips the schema-compatibility flag pass
}

// NewMapper builds a Mapper. fieldMappings should be pre-lowercased keys.
func NewMapper(rules Rules, fieldMappings map[string]string) *Mapper {
	if fieldMappings == nil {
		fieldMappings = map[string]string{}
	}
	return &Mapper{
		Rules:         rules,
		FieldMappings: fieldMappings,
		TargetSchemas: []string{"dwc_simple", "abcd_206"},
	}
}

// MapOCRToDwc translates raw extracted key/value pairs into a Record,
// normalizing institution/vocabulary fields and validating the result.
func (m *Mapper) MapOCRToDwc(raw map[string]string, minimalFields []string) *Record {
	record := NewRecord()

	for rawKey, value := range raw {
		term := schema.ResolveTerm(rawKey)
		if IsTerm(term) {
			record.Set(term, value)
			continue
		}
		if mapped, ok := m.FieldMappings[strings.ToLower(rawKey)]; ok && IsTerm(mapped) {
			record.Set(mapped, value)
		}
	}

	for _, field := range institutionFields {
		if v := record.Get(field); v != "" {
			record.Set(field, m.Rules.NormalizeInstitution(v))
		}
	}
	for _, field := range vocabFields {
		if v := record.Get(field); v != "" {
			record.Set(field, m.Rules.NormalizeVocab(v, field))
		}
	}

	record.AddFlags(Validate(record, minimalFields)...)

	if m.SchemaValidator != nil {
		m.flagSchemaCompatibility(record)
	}

	return record
}

func (m *Mapper) flagSchemaCompatibility(record *Record) {
	var populated []string
	for _, term := range Terms {
		if record.Get(term) != "" {
			populated = append(populated, term)
		}
	}
	if len(populated) == 0 {
		return
	}

	_, invalid := m.SchemaValidator.Validate(populated)
	if len(invalid) == 0 {
		return
	}
	limit := invalid
	if len(limit) > 3 {
		limit = limit[:3]
	}
	record.AddFlags("invalid_fields:" + strings.Join(limit, ","))
}
