package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nixcache/nixcache/internal/backend"
)

func envFrom(m map[string]string) func(string) (string, bool) {
	return func(key string) (string, bool) {
		v, ok := m[key]
		return v, ok
	}
}

func TestLoadFromEnvOnly(t *testing.T) {
	cfg, err := Load(envFrom(map[string]string{
		"NIXCACHE_TOKEN":    "tok",
		"NIXCACHE_BASE_URL": "https://example.test",
		"NIXCACHE_UPSTREAMS": "https://a/,https://b/",
	}))
	require.NoError(t, err)
	assert.Equal(t, "tok", cfg.Token)
	assert.Equal(t, "https://example.test", cfg.BaseURL)
	assert.Equal(t, []string{"https://a/", "https://b/"}, cfg.Upstreams)
	assert.Equal(t, backend.DefaultMaxConcurrency, cfg.MaxConcurrency)
	assert.Equal(t, defaultListenAddr, cfg.ListenAddr)
}

func TestLoadMissingTokenFails(t *testing.T) {
	_, err := Load(envFrom(map[string]string{"NIXCACHE_BASE_URL": "https://example.test"}))
	require.Error(t, err)
	var cerr *backend.ErrConfig
	assert.ErrorAs(t, err, &cerr)
}

func TestLoadFileOverlayThenEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.json")

	overlayToken := "file-token"
	overlayURL := "https://file.example"
	f, err := os.Create(path)
	require.NoError(t, err)
	require.NoError(t, json.NewEncoder(f).Encode(fileOverlay{
		Token:   &overlayToken,
		BaseURL: &overlayURL,
	}))
	require.NoError(t, f.Close())

	cfg, err := Load(envFrom(map[string]string{
		"NIXCACHE_CONFIG_FILE": path,
		"NIXCACHE_BASE_URL":    "https://env.example",
	}))
	require.NoError(t, err)
	assert.Equal(t, "file-token", cfg.Token)
	assert.Equal(t, "https://env.example", cfg.BaseURL, "env vars override the file overlay")
}
