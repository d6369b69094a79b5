package gbif

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/devvyn/herbarium-specimen-tools/internal/config"
)

func TestHaversineZeroDistance(t *testing.T) {
	assert.InDelta(t, 0.0, haversineKm(45.0, -75.0, 45.0, -75.0), 1e-6)
}

func TestHaversineKnownDistance(t *testing.T) {
	// Roughly Toronto to Ottawa, ~350km.
	d := haversineKm(43.6532, -79.3832, 45.4215, -75.6972)
	assert.InDelta(t, 350, d, 40)
}

func TestVerifyTaxonomyExactHighConfidence(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"matchType":       "EXACT",
			"confidence":      98.0,
			"usageKey":        12345.0,
			"scientificName":  "Quercus alba L.",
			"kingdom":         "Plantae",
		})
	}))
	defer srv.Close()

	cfg := config.Gbif{SpeciesMatchEndpoint: srv.URL, RetryAttempts: 1, MinConfidenceScore: 0.80}
	client := New(cfg, "", 0)

	result, err := client.VerifyTaxonomy(context.Background(), map[string]string{"scientificName": "Quercus alba"})
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.Equal(t, "Quercus alba L.", result.ScientificName)
	assert.Equal(t, 12345, result.TaxonKey)
}

func TestVerifyTaxonomyLowConfidenceRejected(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"matchType":  "EXACT",
			"confidence": 40.0,
		})
	}))
	defer srv.Close()

	cfg := config.Gbif{SpeciesMatchEndpoint: srv.URL, RetryAttempts: 1, MinConfidenceScore: 0.80}
	client := New(cfg, "", 0)

	result, err := client.VerifyTaxonomy(context.Background(), map[string]string{"scientificName": "x"})
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Contains(t, result.Issues, "low_confidence_match")
}

func TestVerifyLocalityRejectsOutOfRange(t *testing.T) {
	cfg := config.Gbif{ReverseGeocodeEndpoint: "http://example.invalid"}
	client := New(cfg, "", 0)

	result, err := client.VerifyLocality(context.Background(), 999, 0)
	require.NoError(t, err)
	assert.False(t, result.Verified)
	assert.Contains(t, result.Issues, "invalid_latitude")
}

func TestVerifyLocalityFlagsDiscrepancy(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"results": []interface{}{
				map[string]interface{}{
					"country":          "Canada",
					"decimalLatitude":  46.0,
					"decimalLongitude": -75.0,
				},
			},
		})
	}))
	defer srv.Close()

	cfg := config.Gbif{ReverseGeocodeEndpoint: srv.URL, RetryAttempts: 1}
	client := New(cfg, "", 0)

	result, err := client.VerifyLocality(context.Background(), 45.0, -75.0)
	require.NoError(t, err)
	assert.True(t, result.Verified)
	assert.NotEmpty(t, result.Issues)
}

func TestGetJSONReturnsNilAfterRetriesExhausted(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := config.Gbif{RetryAttempts: 2, BackoffFactor: 0.001}
	client := New(cfg, "", 0)

	resp, err := client.getJSON(context.Background(), srv.URL)
	require.NoError(t, err)
	assert.Nil(t, resp)
}

func TestLRUCacheEvictsOldest(t *testing.T) {
	c := newLRUCache(2)
	c.put("a", map[string]interface{}{"v": 1})
	c.put("b", map[string]interface{}{"v": 2})
	c.put("c", map[string]interface{}{"v": 3})

	_, ok := c.get("a")
	assert.False(t, ok)
	_, ok = c.get("c")
	assert.True(t, ok)
}

func TestPersistentCacheRoundTrips(t *testing.T) {
	dir := t.TempDir()
	pc := newPersistentCache(dir+"/gbif_cache.json", 0)

	require.NoError(t, pc.Put("Quercus Alba", map[string]string{"taxonKey": "123"}))

	var out map[string]string
	ok, err := pc.Get("quercus alba", &out)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "123", out["taxonKey"])
}
