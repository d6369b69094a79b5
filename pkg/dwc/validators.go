package dwc

import "regexp"

// isoDateRE matches a basic YYYY-MM-DD date, the same loose pattern the
// original validates eventDate against (no calendar-validity check).
var isoDateRE = regexp.MustCompile(`^\d{4}-\d{2}-\d{2}$`)

// ValidateMinimalFields returns the subset of minimalFields missing (or
// empty) from record.
func ValidateMinimalFields(record *Record, minimalFields []string) []string {
	var missing []string
	for _, f := range minimalFields {
		if record.Get(f) == "" {
			missing = append(missing, f)
		}
	}
	return missing
}

// ValidateEventDate reports whether value is empty or matches the basic
// ISO date pattern.
func ValidateEventDate(value string) bool {
	if value == "" {
		return true
	}
	return isoDateRE.MatchString(value)
}

// Validate runs the field-presence and eventDate checks, returning flag
// strings describing every failure.
func Validate(record *Record, minimalFields []string) []string {
	var flags []string
	if missing := ValidateMinimalFields(record, minimalFields); len(missing) > 0 {
		joined := ""
		for i, m := range missing {
			if i > 0 {
				joined += ","
			}
			joined += m
		}
		flags = append(flags, "missing:"+joined)
	}
	if !ValidateEventDate(record.Get("eventDate")) {
		flags = append(flags, "invalid:eventDate")
	}
	return flags
}
