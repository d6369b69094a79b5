// Package schema fetches and caches Darwin Core and ABCD XML schema
// descriptions, extracting element names, and suggests mappings for
// unmapped field names using a difflib-style similarity ratio.
package schema

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/pkg/errors"
)

// Type classifies a schema by its namespace.
type Type string

const (
	TypeDwC    Type = "dwc"
	TypeABCD   Type = "abcd"
	TypeCustom Type = "custom"
)

// Official schema sources, by short name.
var OfficialDwCSchemaURLs = map[string]string{
	"simple":  "http://rs.tdwg.org/dwc/xsd/tdwg_dwc_simple.xsd",
	"terms":   "http://rs.tdwg.org/dwc/xsd/tdwg_dwcterms.xsd",
	"classes": "http://rs.tdwg.org/dwc/xsd/tdwg_dwc_class_terms.xsd",
}

var OfficialABCDSchemaURLs = map[string]string{
	"abcd_206":  "https://abcd.tdwg.org/xml/ABCD_2.06.xsd",
	"abcd_206d": "https://abcd.tdwg.org/xml/ABCD_2.06d.xsd",
}

// ProjectTerms are appended to every fetched schema's term set.
var ProjectTerms = []string{
	"scientificName_verbatim",
	"verbatimEventDate",
	"eventDateUncertaintyInDays",
	"datasetName",
	"verbatimLabel",
	"flags",
}

// Info describes one parsed schema.
type Info struct {
	Name        string    `json:"name"`
	Version     string    `json:"version"`
	Namespace   string    `json:"namespace"`
	Terms       []string  `json:"terms"`
	SourceURL   string    `json:"source_url"`
	LastUpdated time.Time `json:"last_updated"`
	SchemaType  Type      `json:"schema_type"`
}

// xsdSchema is the minimal subset of an XML Schema document needed to
// pull out element names; we do not validate the schema itself.
type xsdSchema struct {
	XMLName         xml.Name    `xml:"schema"`
	TargetNamespace string      `xml:"targetNamespace,attr"`
	Version         string      `xml:"version,attr"`
	Elements        []xsdElement `xml:"element"`
}

type xsdElement struct {
	Name string `xml:"name,attr"`
}

// ResolveTerm strips a term URI or namespace prefix down to its bare name.
func ResolveTerm(term string) string {
	if strings.HasPrefix(term, "http://") || strings.HasPrefix(term, "https://") {
		term = strings.TrimRight(term, "/")
		if i := strings.LastIndex(term, "/"); i >= 0 {
			term = term[i+1:]
		}
	}
	if i := strings.Index(term, ":"); i >= 0 {
		term = term[i+1:]
	}
	return term
}

func classify(namespace string) Type {
	lower := strings.ToLower(namespace)
	switch {
	case strings.Contains(lower, "dwc") || strings.Contains(lower, "darwin"):
		return TypeDwC
	case strings.Contains(lower, "abcd") || strings.Contains(lower, "bgbm"):
		return TypeABCD
	default:
		return TypeCustom
	}
}

func parseXSD(data []byte, sourceURL string) (Info, error) {
	var doc xsdSchema
	if err := xml.Unmarshal(data, &doc); err != nil {
		return Info{}, errors.Wrap(err, "parsing schema XML")
	}
	schemaType := classify(doc.TargetNamespace)
	terms := make([]string, 0, len(doc.Elements))
	for _, el := range doc.Elements {
		if el.Name != "" {
			terms = append(terms, el.Name)
		}
	}
	return Info{
		Name:        string(schemaType) + "_schema",
		Version:     firstNonEmpty(doc.Version, "unknown"),
		Namespace:   doc.TargetNamespace,
		Terms:       terms,
		SourceURL:   sourceURL,
		LastUpdated: time.Now(),
		SchemaType:  schemaType,
	}, nil
}

func firstNonEmpty(s, fallback string) string {
	if s == "" {
		return fallback
	}
	return s
}

// Manager fetches, caches on disk, and serves schema info and
// term-mapping suggestions.
type Manager struct {
	CacheDir         string
	UpdateInterval   time.Duration
	PreferredSchemas []string
	Client           *http.Client

	schemas    map[string]Info
	lastUpdate time.Time
}

// NewManager constructs a Manager rooted at cacheDir.
func NewManager(cacheDir string, updateIntervalDays int) *Manager {
	if updateIntervalDays <= 0 {
		updateIntervalDays = 30
	}
	return &Manager{
		CacheDir:         cacheDir,
		UpdateInterval:   time.Duration(updateIntervalDays) * 24 * time.Hour,
		PreferredSchemas: []string{"dwc_simple", "abcd_206"},
		Client:           http.DefaultClient,
	}
}

type cacheMetadata struct {
	LastUpdate string                 `json:"last_update"`
	Schemas    map[string]schemaStats `json:"schemas"`
}

type schemaStats struct {
	Name       string `json:"name"`
	Version    string `json:"version"`
	Namespace  string `json:"namespace"`
	TermCount  int    `json:"term_count"`
	SchemaType string `json:"schema_type"`
	SourceURL  string `json:"source_url"`
}

func (m *Manager) metadataPath() string {
	return filepath.Join(m.CacheDir, "schema_metadata.json")
}

func (m *Manager) loadMetadata() cacheMetadata {
	var meta cacheMetadata
	data, err := os.ReadFile(m.metadataPath())
	if err != nil {
		return meta
	}
	_ = json.Unmarshal(data, &meta)
	return meta
}

func (m *Manager) saveMetadata(meta cacheMetadata) {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return
	}
	_ = os.WriteFile(m.metadataPath(), data, 0o644)
}

func (m *Manager) shouldUpdate() bool {
	meta := m.loadMetadata()
	if meta.LastUpdate == "" {
		return true
	}
	t, err := time.Parse(time.RFC3339, meta.LastUpdate)
	if err != nil {
		return true
	}
	return time.Since(t) > m.UpdateInterval
}

// GetSchemas returns the available schemas, fetching (and persisting a
// metadata snapshot) when the cache is stale or forceUpdate is set.
func (m *Manager) GetSchemas(ctx context.Context, forceUpdate bool) (map[string]Info, error) {
	if !forceUpdate && m.schemas != nil && !m.shouldUpdate() {
		return m.schemas, nil
	}

	if err := os.MkdirAll(m.CacheDir, 0o755); err != nil {
		return nil, errors.Wrap(err, "creating schema cache directory")
	}

	schemas := map[string]Info{}
	for name, url := range OfficialDwCSchemaURLs {
		info, err := m.fetchOne(ctx, name, url)
		if err != nil {
			continue
		}
		schemas["dwc_"+name] = info
	}
	for name, url := range OfficialABCDSchemaURLs {
		info, err := m.fetchOne(ctx, name, url)
		if err != nil {
			continue
		}
		schemas[name] = info
	}

	if len(schemas) == 0 {
		return m.schemas, errors.New("no schemas could be fetched or loaded from cache")
	}

	m.schemas = schemas
	m.lastUpdate = time.Now()

	stats := map[string]schemaStats{}
	for name, info := range schemas {
		stats[name] = schemaStats{
			Name: info.Name, Version: info.Version, Namespace: info.Namespace,
			TermCount: len(info.Terms), SchemaType: string(info.SchemaType), SourceURL: info.SourceURL,
		}
	}
	m.saveMetadata(cacheMetadata{LastUpdate: m.lastUpdate.Format(time.RFC3339), Schemas: stats})

	return schemas, nil
}

func (m *Manager) cachedSchemaPath(name string) string {
	return filepath.Join(m.CacheDir, name+".xsd")
}

// fetchOne fetches a schema by URL, falling back to a locally cached
// copy when the network is unavailable, and refreshing that cache on
// a successful fetch.
func (m *Manager) fetchOne(ctx context.Context, name, url string) (Info, error) {
	cachePath := m.cachedSchemaPath(name)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err == nil {
		if resp, doErr := m.Client.Do(req); doErr == nil {
			defer resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				data, readErr := io.ReadAll(resp.Body)
				if readErr == nil {
					if info, parseErr := parseXSD(data, url); parseErr == nil {
						info.Terms = append(info.Terms, ProjectTerms...)
						_ = os.WriteFile(cachePath, data, 0o644)
						return info, nil
					}
				}
			}
		}
	}

	data, readErr := os.ReadFile(cachePath)
	if readErr != nil {
		return Info{}, errors.Wrapf(readErr, "schema %q unavailable and not cached", name)
	}
	info, parseErr := parseXSD(data, url)
	if parseErr != nil {
		return Info{}, parseErr
	}
	info.Terms = append(info.Terms, ProjectTerms...)
	return info, nil
}

// ListAvailable returns the names of currently loaded schemas.
func (m *Manager) ListAvailable() []string {
	names := make([]string, 0, len(m.schemas))
	for name := range m.schemas {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Terms returns the union of terms across schemaNames (preferred schemas
// if schemaNames is empty).
func (m *Manager) Terms(schemaNames []string) []string {
	if len(schemaNames) == 0 {
		schemaNames = m.PreferredSchemas
	}
	seen := map[string]bool{}
	var out []string
	for _, name := range schemaNames {
		info, ok := m.schemas[name]
		if !ok {
			continue
		}
		for _, t := range info.Terms {
			if !seen[t] {
				seen[t] = true
				out = append(out, t)
			}
		}
	}
	return out
}

// CompatibilityReport describes term-set overlap between a source schema
// and a set of target schemas.
type CompatibilityReport struct {
	SourceSchema         string                        `json:"source_schema"`
	SourceTermCount       int                           `json:"source_term_count"`
	TargetSchemas         map[string]TargetCompatibility `json:"target_schemas"`
	OverallCompatibility  float64                       `json:"overall_compatibility"`
}

type TargetCompatibility struct {
	TargetTermCount      int      `json:"target_term_count"`
	OverlappingTerms     int      `json:"overlapping_terms"`
	CompatibilityScore   float64  `json:"compatibility_score"`
	UniqueToSource       int      `json:"unique_to_source"`
	UniqueToTarget       int      `json:"unique_to_target"`
	OverlappingTermNames []string `json:"overlapping_term_names"`
}

// CompatibilityReportFor computes set-overlap compatibility between
// sourceSchema and each of targetSchemas.
func (m *Manager) CompatibilityReportFor(sourceSchema string, targetSchemas []string) (CompatibilityReport, error) {
	source, ok := m.schemas[sourceSchema]
	if !ok {
		return CompatibilityReport{}, errors.Errorf("source schema %q not found", sourceSchema)
	}
	sourceSet := toSet(source.Terms)

	report := CompatibilityReport{
		SourceSchema:    sourceSchema,
		SourceTermCount: len(sourceSet),
		TargetSchemas:   map[string]TargetCompatibility{},
	}

	var totalOverlap float64
	var validTargets int
	for _, target := range targetSchemas {
		info, ok := m.schemas[target]
		if !ok {
			continue
		}
		targetSet := toSet(info.Terms)
		overlap := intersect(sourceSet, targetSet)
		score := 0.0
		if len(sourceSet) > 0 {
			score = float64(len(overlap)) / float64(len(sourceSet))
		}
		names := make([]string, 0, len(overlap))
		for t := range overlap {
			names = append(names, t)
		}
		sort.Strings(names)

		report.TargetSchemas[target] = TargetCompatibility{
			TargetTermCount:      len(targetSet),
			OverlappingTerms:     len(overlap),
			CompatibilityScore:   score,
			UniqueToSource:       len(sourceSet) - len(overlap),
			UniqueToTarget:       len(targetSet) - len(overlap),
			OverlappingTermNames: names,
		}
		totalOverlap += score
		validTargets++
	}
	if validTargets > 0 {
		report.OverallCompatibility = totalOverlap / float64(validTargets)
	}
	return report, nil
}

func toSet(items []string) map[string]bool {
	s := map[string]bool{}
	for _, it := range items {
		s[it] = true
	}
	return s
}

func intersect(a, b map[string]bool) map[string]bool {
	out := map[string]bool{}
	for k := range a {
		if b[k] {
			out[k] = true
		}
	}
	return out
}

// SuggestMappings proposes schema terms for each unmapped field name,
// ranking candidates from every preferred (or given) schema by
// similarity, keeping only those at or above threshold.
func (m *Manager) SuggestMappings(unmappedFields []string, schemaNames []string, threshold float64) map[string][]string {
	if len(schemaNames) == 0 {
		schemaNames = m.PreferredSchemas
	}
	candidates := m.Terms(schemaNames)

	out := map[string][]string{}
	for _, field := range unmappedFields {
		lowerField := strings.ToLower(field)
		type scored struct {
			term  string
			score float64
		}
		var ranked []scored
		for _, term := range candidates {
			score := SimilarityRatio(lowerField, strings.ToLower(term))
			if score >= threshold {
				ranked = append(ranked, scored{term, score})
			}
		}
		sort.Slice(ranked, func(i, j int) bool { return ranked[i].score > ranked[j].score })
		names := make([]string, len(ranked))
		for i, r := range ranked {
			names[i] = r.term
		}
		out[field] = names
	}
	return out
}
