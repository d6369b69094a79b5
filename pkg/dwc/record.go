// Package dwc maps raw OCR/LLM extraction output into Darwin Core
// records, normalizing institution codes and controlled vocabularies and
// validating the result against minimal-field and schema-compatibility
// rules.
package dwc

// Terms is the fixed set of Darwin Core fields this pipeline populates,
// mirroring the original's DwcRecord model plus its always-valid project
// terms (scientificName_verbatim, verbatimEventDate, ...).
var Terms = []string{
	"occurrenceID", "catalogNumber", "otherCatalogNumbers", "institutionCode",
	"collectionCode", "ownerInstitutionCode", "basisOfRecord", "preparations",
	"hasFragmentPacket", "disposition", "recordedBy", "recordedByID", "recordNumber",
	"eventDate", "eventTime", "country", "stateProvince", "county", "municipality",
	"locality", "verbatimLocality", "decimalLatitude", "decimalLongitude",
	"geodeticDatum", "coordinateUncertaintyInMeters", "habitat", "eventRemarks",
	"scientificName", "scientificNameAuthorship", "taxonRank", "family", "genus",
	"specificEpithet", "infraspecificEpithet", "identificationQualifier",
	"identifiedBy", "dateIdentified", "identificationRemarks",
	"identificationReferences", "identificationVerificationStatus", "typeStatus",
	"associatedOccurrences", "occurrenceRemarks", "dynamicProperties",
	"scientificName_verbatim", "verbatimEventDate", "eventDateUncertaintyInDays",
	"datasetName", "verbatimLabel",
}

var termSet = func() map[string]bool {
	m := make(map[string]bool, len(Terms))
	for _, t := range Terms {
		m[t] = true
	}
	return m
}()

// IsTerm reports whether name is a known Darwin Core term this pipeline maps.
func IsTerm(name string) bool {
	return termSet[name]
}

// Record is a single Darwin Core occurrence record. All fields are
// optional strings; Flags carries semicolon-joined validation markers.
type Record struct {
	Fields map[string]string
	Flags  []string
}

// NewRecord builds an empty record.
func NewRecord() *Record {
	return &Record{Fields: map[string]string{}}
}

// Get returns field or "".
func (r *Record) Get(field string) string {
	return r.Fields[field]
}

// Set assigns a value only for recognized Darwin Core terms; unknown
// keys are silently dropped, matching the original's schema filtering.
func (r *Record) Set(field, value string) {
	if !IsTerm(field) {
		return
	}
	r.Fields[field] = value
}

// ToMap returns every known term with "" substituted for missing values,
// suitable for CSV/JSON row output.
func (r *Record) ToMap() map[string]string {
	out := make(map[string]string, len(Terms)+1)
	for _, t := range Terms {
		out[t] = r.Fields[t]
	}
	out["flags"] = r.FlagsString()
	return out
}

// FlagsString renders Flags semicolon-joined.
func (r *Record) FlagsString() string {
	s := ""
	for i, f := range r.Flags {
		if i > 0 {
			s += ";"
		}
		s += f
	}
	return s
}

// AddFlags appends new flags to the record.
func (r *Record) AddFlags(flags ...string) {
	r.Flags = append(r.Flags, flags...)
}
