// Package gbif implements a resilient client for the subset of the GBIF
// REST API used to verify taxonomy and locality during quality control:
// species/match, geocode/reverse, species/suggest, and (optionally)
// occurrence/search.
package gbif

import (
	"container/list"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	"golang.org/x/time/rate"

	"github.com/devvyn/herbarium-specimen-tools/internal/config"
	"github.com/devvyn/herbarium-specimen-tools/internal/herblog"
	"github.com/devvyn/herbarium-specimen-tools/pkg/retrier"
)

const earthRadiusKm = 6371.0

var log = herblog.For("gbif")

// TaxonomyResult is the verified subset of a species/match response.
type TaxonomyResult struct {
	Verified               bool
	TaxonKey               int
	AcceptedTaxonKey        int
	ScientificName         string
	AcceptedScientificName string
	Kingdom, Phylum, Class, Order, Family, Genus, Species string
	MatchType  string
	Confidence float64
	Issues     []string
}

// LocalityResult is the verified subset of a geocode/reverse response.
type LocalityResult struct {
	Verified         bool
	CoordinateValid  bool
	Country          string
	StateProvince    string
	CountryCode      string
	DecimalLatitude  float64
	DecimalLongitude float64
	DistanceKm       float64
	Issues           []string
}

// OccurrenceResult reports whether similar occurrences were found nearby.
type OccurrenceResult struct {
	Verified bool
	Issues   []string
}

// Client is a synchronous GBIF client with retry, rate limiting, and
// two layers of caching: an in-memory LRU by request URL, and a
// persistent TTL JSON cache by canonical scientific name.
type Client struct {
	cfg        config.Gbif
	httpClient *http.Client
	limiter    *rate.Limiter
	lru        *lruCache
	persistent *persistentCache
}

// New builds a Client. persistentCachePath may be empty to disable the
// on-disk TTL cache.
func New(cfg config.Gbif, persistentCachePath string, ttl time.Duration) *Client {
	size := cfg.CacheSize
	if size <= 0 {
		size = 1000
	}
	c := &Client{
		cfg:        cfg,
		httpClient: &http.Client{Timeout: time.Duration(cfg.Timeout * float64(time.Second))},
		limiter:    rate.NewLimiter(rate.Limit(10), 10),
		lru:        newLRUCache(size),
	}
	if persistentCachePath != "" {
		c.persistent = newPersistentCache(persistentCachePath, ttl)
	}
	return c
}

func (c *Client) retryPolicy() retrier.Policy {
	attempts := c.cfg.RetryAttempts
	if attempts <= 0 {
		attempts = 3
	}
	factor := c.cfg.BackoffFactor
	if factor <= 0 {
		factor = 1.0
	}
	return retrier.Policy{Attempts: attempts, BackoffFactor: factor}
}

// getJSON performs a rate-limited, retried, LRU-cached GET returning the
// decoded JSON body, or (nil, nil) on final failure (a sentinel miss, not
// an error, matching the "log and continue" resilience contract).
func (c *Client) getJSON(ctx context.Context, url string) (map[string]interface{}, error) {
	if cached, ok := c.lru.get(url); ok {
		return cached, nil
	}

	var result map[string]interface{}
	err := retrier.Do(ctx, c.retryPolicy(), func(attempt int) error {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
		if err != nil {
			return err
		}
		resp, err := c.httpClient.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return errors.Errorf("gbif request %q: status %d", url, resp.StatusCode)
		}
		var body map[string]interface{}
		if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
			return errors.Wrap(err, "decoding gbif response")
		}
		result = body
		return nil
	})
	if err != nil {
		log.WithError(err).Warnf("gbif request failed after retries: %s", url)
		return nil, nil
	}

	c.lru.put(url, result)
	return result, nil
}

// VerifyTaxonomy calls species/match for the given candidate fields.
func (c *Client) VerifyTaxonomy(ctx context.Context, fields map[string]string) (TaxonomyResult, error) {
	q := make([]string, 0, len(fields))
	for _, k := range []string{"scientificName", "kingdom", "phylum", "class", "order", "family", "genus", "specificEpithet"} {
		if v, ok := fields[k]; ok && v != "" {
			q = append(q, fmt.Sprintf("%s=%s", k, urlEscape(v)))
		}
	}
	url := c.cfg.SpeciesMatchEndpoint + "?" + strings.Join(q, "&")

	resp, err := c.getJSON(ctx, url)
	if err != nil {
		return TaxonomyResult{}, err
	}
	if resp == nil {
		return TaxonomyResult{}, nil
	}

	matchType, _ := resp["matchType"].(string)
	confidencePct, _ := resp["confidence"].(float64)
	confidence := confidencePct / 100.0

	minConfidence := c.cfg.MinConfidenceScore
	if minConfidence == 0 {
		minConfidence = 0.80
	}

	verifiedType := matchType == "EXACT" || matchType == "HIGHERRANK" || (matchType == "FUZZY" && c.cfg.EnableFuzzyMatching)
	verified := verifiedType && confidence >= minConfidence

	result := TaxonomyResult{
		Verified:   verified,
		MatchType:  matchType,
		Confidence: confidence,
	}
	if !verified {
		if matchType == "FUZZY" && !c.cfg.EnableFuzzyMatching {
			result.Issues = append(result.Issues, "fuzzy_match_disabled")
		}
		if confidence < minConfidence {
			result.Issues = append(result.Issues, "low_confidence_match")
		}
		return result, nil
	}

	result.TaxonKey = intField(resp, "usageKey")
	result.AcceptedTaxonKey = intField(resp, "acceptedUsageKey")
	result.ScientificName, _ = resp["scientificName"].(string)
	result.AcceptedScientificName, _ = resp["acceptedScientificName"].(string)
	result.Kingdom, _ = resp["kingdom"].(string)
	result.Phylum, _ = resp["phylum"].(string)
	result.Class, _ = resp["class"].(string)
	result.Order, _ = resp["order"].(string)
	result.Family, _ = resp["family"].(string)
	result.Genus, _ = resp["genus"].(string)
	result.Species, _ = resp["species"].(string)

	if matchType == "FUZZY" {
		result.Issues = append(result.Issues, "fuzzy_match")
	}
	if matchType == "HIGHERRANK" {
		result.Issues = append(result.Issues, "higher_rank_match")
	}
	if status, _ := resp["status"].(string); status == "SYNONYM" {
		result.Issues = append(result.Issues, "synonym")
	}
	return result, nil
}

// VerifyLocality calls geocode/reverse and computes the Haversine
// discrepancy between the input and the returned coordinate.
func (c *Client) VerifyLocality(ctx context.Context, lat, lon float64) (LocalityResult, error) {
	if lat < -90 || lat > 90 {
		return LocalityResult{Issues: []string{"invalid_latitude"}}, nil
	}
	if lon < -180 || lon > 180 {
		return LocalityResult{Issues: []string{"invalid_longitude"}}, nil
	}

	url := fmt.Sprintf("%s?lat=%s&lng=%s", c.cfg.ReverseGeocodeEndpoint, formatFloat(lat), formatFloat(lon))
	resp, err := c.getJSON(ctx, url)
	if err != nil {
		return LocalityResult{}, err
	}
	if resp == nil {
		return LocalityResult{}, nil
	}

	results, _ := resp["results"].([]interface{})
	if len(results) == 0 {
		return LocalityResult{Issues: []string{"no_geocode_result"}}, nil
	}
	first, _ := results[0].(map[string]interface{})

	result := LocalityResult{
		Verified:        true,
		CoordinateValid: true,
	}
	result.Country, _ = first["country"].(string)
	result.StateProvince, _ = first["stateProvince"].(string)
	result.CountryCode, _ = first["countryCode"].(string)
	result.DecimalLatitude = floatField(first, "decimalLatitude", lat)
	result.DecimalLongitude = floatField(first, "decimalLongitude", lon)

	d := haversineKm(lat, lon, result.DecimalLatitude, result.DecimalLongitude)
	result.DistanceKm = d
	if d > 10.0 {
		result.Issues = append(result.Issues, fmt.Sprintf("coordinate_discrepancy_%.1fkm", d))
	}
	return result, nil
}

// VerifyOccurrence calls occurrence/search within ±0.5° of (lat, lon).
func (c *Client) VerifyOccurrence(ctx context.Context, lat, lon float64) (OccurrenceResult, error) {
	url := fmt.Sprintf("%s?decimalLatitude=%s,%s&decimalLongitude=%s,%s&limit=20",
		c.cfg.OccurrenceSearchEndpoint,
		formatFloat(lat-0.5), formatFloat(lat+0.5),
		formatFloat(lon-0.5), formatFloat(lon+0.5),
	)
	resp, err := c.getJSON(ctx, url)
	if err != nil {
		return OccurrenceResult{}, err
	}
	if resp == nil {
		return OccurrenceResult{}, nil
	}
	results, _ := resp["results"].([]interface{})
	if len(results) > 0 {
		return OccurrenceResult{Verified: true}, nil
	}
	return OccurrenceResult{Issues: []string{"no_similar_occurrences"}}, nil
}

// haversineKm computes great-circle distance in kilometers.
func haversineKm(lat1, lon1, lat2, lon2 float64) float64 {
	rad := math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	c := 2 * math.Atan2(math.Sqrt(a), math.Sqrt(1-a))
	return earthRadiusKm * c
}

func intField(m map[string]interface{}, key string) int {
	if v, ok := m[key].(float64); ok {
		return int(v)
	}
	return 0
}

func floatField(m map[string]interface{}, key string, fallback float64) float64 {
	if v, ok := m[key].(float64); ok {
		return v
	}
	return fallback
}

func formatFloat(f float64) string {
	return strconv.FormatFloat(f, 'f', 6, 64)
}

func urlEscape(s string) string {
	var b strings.Builder
	for _, r := range s {
		if r == ' ' {
			b.WriteByte('+')
		} else {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// lruCache is a minimal capacity-bounded URL->response cache.
type lruCache struct {
	mu       sync.Mutex
	capacity int
	order    *list.List
	items    map[string]*list.Element
}

type lruEntry struct {
	key   string
	value map[string]interface{}
}

func newLRUCache(capacity int) *lruCache {
	return &lruCache{capacity: capacity, order: list.New(), items: map[string]*list.Element{}}
}

func (c *lruCache) get(key string) (map[string]interface{}, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.items[key]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*lruEntry).value, true
}

func (c *lruCache) put(key string, value map[string]interface{}) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if el, ok := c.items[key]; ok {
		el.Value.(*lruEntry).value = value
		c.order.MoveToFront(el)
		return
	}
	el := c.order.PushFront(&lruEntry{key: key, value: value})
	c.items[key] = el
	if c.order.Len() > c.capacity {
		oldest := c.order.Back()
		if oldest != nil {
			c.order.Remove(oldest)
			delete(c.items, oldest.Value.(*lruEntry).key)
		}
	}
}

// persistentCache is a flat JSON file, keyed by canonical scientific
// name, atomically rewritten (write-tmp+rename) on every update.
type persistentCache struct {
	mu   sync.Mutex
	path string
	ttl  time.Duration
}

type persistentEntry struct {
	Value     json.RawMessage `json:"value"`
	CachedAt  time.Time       `json:"cached_at"`
}

func newPersistentCache(path string, ttl time.Duration) *persistentCache {
	if ttl <= 0 {
		ttl = 30 * 24 * time.Hour
	}
	return &persistentCache{path: path, ttl: ttl}
}

func canonicalName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

func (p *persistentCache) load() map[string]persistentEntry {
	data, err := os.ReadFile(p.path)
	if err != nil {
		return map[string]persistentEntry{}
	}
	var m map[string]persistentEntry
	if err := json.Unmarshal(data, &m); err != nil {
		return map[string]persistentEntry{}
	}
	return m
}

func (p *persistentCache) Get(name string, out interface{}) (bool, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	entries := p.load()
	entry, ok := entries[canonicalName(name)]
	if !ok || time.Since(entry.CachedAt) > p.ttl {
		return false, nil
	}
	if err := json.Unmarshal(entry.Value, out); err != nil {
		return false, errors.Wrap(err, "decoding cached gbif entry")
	}
	return true, nil
}

func (p *persistentCache) Put(name string, value interface{}) error {
	p.mu.Lock()
	defer p.mu.Unlock()

	raw, err := json.Marshal(value)
	if err != nil {
		return errors.Wrap(err, "encoding gbif cache entry")
	}
	entries := p.load()
	entries[canonicalName(name)] = persistentEntry{Value: raw, CachedAt: time.Now()}

	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return errors.Wrap(err, "encoding gbif cache")
	}

	dir := filepath.Dir(p.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return errors.Wrap(err, "creating gbif cache directory")
	}
	tmp := p.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return errors.Wrap(err, "writing gbif cache tmp file")
	}
	return os.Rename(tmp, p.path)
}
