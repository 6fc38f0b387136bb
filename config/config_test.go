package config

import (
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfighcl"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func envOnly() aconfig.Config {
	return aconfig.Config{SkipFlags: true, SkipFiles: true}
}

func TestDefaults(t *testing.T) {
	cfg, err := load(envOnly())
	require.NoError(t, err)

	assert.Equal(t, "8080", cfg.Port)
	assert.Equal(t, "wp_domain_mapping", cfg.DomainMappingTable)
	assert.Equal(t, 5*time.Minute, cfg.DomainCacheTTL)
	assert.Equal(t, int64(1), cfg.PrimarySiteID)
	assert.False(t, cfg.SkipPrimarySite)
	assert.Equal(t, `<section class="widget hrpn-widget">`, cfg.BeforeWidget)
	assert.InDelta(t, 5.0, cfg.PublishRate, 0)
	assert.Equal(t, 20, cfg.PublishBurst)

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelInfo, level)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	t.Setenv("SKIP_PRIMARY_SITE", "true")
	t.Setenv("PRIMARY_SITE_ID", "7")
	t.Setenv("DOMAIN_CACHE_TTL", "30s")
	t.Setenv("LOG_LEVEL", "debug")

	cfg, err := load(envOnly())
	require.NoError(t, err)

	assert.Equal(t, "9090", cfg.Port)
	assert.Equal(t, "redis://localhost:6379/0", cfg.RedisURL)
	assert.True(t, cfg.SkipPrimarySite)
	assert.Equal(t, int64(7), cfg.PrimarySiteID)
	assert.Equal(t, 30*time.Second, cfg.DomainCacheTTL)

	level, err := cfg.SlogLevel()
	require.NoError(t, err)
	assert.Equal(t, slog.LevelDebug, level)
}

func TestInvalidValues(t *testing.T) {
	tests := []struct {
		name string
		key  string
		val  string
	}{
		{"log level", "LOG_LEVEL", "chatty"},
		{"cache size", "DOMAIN_CACHE_SIZE", "0"},
		{"cache ttl", "DOMAIN_CACHE_TTL", "-1s"},
		{"publish rate", "PUBLISH_RATE", "-2"},
		{"publish burst", "PUBLISH_BURST", "0"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Setenv(tt.key, tt.val)
			_, err := load(envOnly())
			assert.Error(t, err)
		})
	}
}

func TestHCLFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.hcl")
	require.NoError(t, os.WriteFile(path, []byte(`
network_name = "Example Network"
domain_map = "2=blog.example.com"
`), 0o600))

	cfg, err := load(aconfig.Config{
		SkipFlags:          true,
		AllowUnknownFields: true,
		Files:              []string{path},
		FileDecoders: map[string]aconfig.FileDecoder{
			".hcl": aconfighcl.New(),
		},
	})
	require.NoError(t, err)
	assert.Equal(t, "Example Network", cfg.NetworkName)
	assert.Equal(t, "2=blog.example.com", cfg.DomainMap)
	assert.Equal(t, "8080", cfg.Port)
}
