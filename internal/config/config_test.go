package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "8081", cfg.HTTPPort)
	assert.Equal(t, "memory", cfg.StoreBackend)
	assert.Equal(t, 45*time.Second, cfg.AnalyzerTimeout)
	assert.Equal(t, 30, cfg.VerifyLimit)
	assert.Equal(t, time.Minute, cfg.VerifyWindow)
	assert.Equal(t, 24*time.Hour, cfg.CacheTTL)
	assert.Equal(t, Zone{Lat: 18.5194, Lng: 73.8150, RadiusLat: 0.005, RadiusLng: 0.005}, cfg.EventZone)
	assert.Equal(t, Bounds{LatMin: 18.5150, LatMax: 18.5230, LngMin: 73.8120, LngMax: 73.8190}, cfg.Campus)
	assert.False(t, cfg.Production())
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("HTTP_PORT", "9000")
	t.Setenv("VERIFY_LIMIT", "5")
	t.Setenv("ANALYZER_SKIP", "false")
	t.Setenv("ANALYZER_TIMEOUT", "2s")
	t.Setenv("CORS_ORIGINS", "https://a.example, https://b.example,")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "9000", cfg.HTTPPort)
	assert.Equal(t, 5, cfg.VerifyLimit)
	assert.False(t, cfg.AnalyzerSkip)
	assert.Equal(t, 2*time.Second, cfg.AnalyzerTimeout)
	assert.Equal(t, []string{"https://a.example", "https://b.example"}, cfg.CORSOrigins)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "eventsync.yaml")
	require.NoError(t, os.WriteFile(path, []byte("http_port: \"7000\"\nstore_backend: sqlite\nevent_radius_lat: 0.01\n"), 0o600))
	t.Setenv("CONFIG_FILE", path)
	t.Setenv("STORE_BACKEND", "postgres")

	cfg, err := Load()
	require.NoError(t, err)
	assert.Equal(t, "7000", cfg.HTTPPort)
	assert.Equal(t, "postgres", cfg.StoreBackend, "environment wins over file")
	assert.Equal(t, 0.01, cfg.EventZone.RadiusLat)
}

func TestLoadRejectsInvalid(t *testing.T) {
	cases := map[string]map[string]string{
		"unknown store":         {"STORE_BACKEND": "mongo"},
		"redis cache no addr":   {"CACHE_BACKEND": "redis"},
		"inverted campus":       {"CAMPUS_LAT_MIN": "19", "CAMPUS_LAT_MAX": "18"},
		"zero radius":           {"EVENT_RADIUS_LNG": "0"},
		"prod with default key": {"APP_ENV": "production"},
		"missing file":          {"CONFIG_FILE": "/nonexistent/eventsync.yaml"},
		"archive without cdn":   {"ARCHIVE_EVIDENCE": "true"},
	}
	for name, env := range cases {
		t.Run(name, func(t *testing.T) {
			for k, v := range env {
				t.Setenv(k, v)
			}
			_, err := Load()
			assert.Error(t, err)
		})
	}
}
