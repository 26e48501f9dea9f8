package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setDataDir(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	t.Setenv(EnvDataDir, dir)
	return dir
}

func TestLoad_Defaults(t *testing.T) {
	dir := setDataDir(t)

	cfg, err := Load("")
	require.NoError(t, err)

	assert.Equal(t, dir, cfg.DataDir)
	assert.Equal(t, "file", cfg.StoreBackend)
	assert.Equal(t, filepath.Join(dir, "extensions"), cfg.ExtensionsRoot)
	assert.Equal(t, DefaultRequestTimeout, cfg.RequestTimeout)
	assert.Equal(t, DefaultManifestTimeout, cfg.ManifestTimeout)
	assert.True(t, cfg.AdminSurface)
	assert.Equal(t, filepath.Join(dir, ".env"), cfg.EnvFile())
	assert.Empty(t, cfg.FilePath)
}

func TestLoad_Precedence(t *testing.T) {
	dir := setDataDir(t)

	yamlPath := filepath.Join(dir, "extmgr.yaml")
	require.NoError(t, os.WriteFile(yamlPath, []byte(`
store_backend: sqlite
log_level: debug
request_timeout: 30s
site_domain: yaml.example
hash_algorithms: [sha1]
`), 0o600))
	require.NoError(t, os.WriteFile(filepath.Join(dir, ".env"), []byte(
		"EXTMGR_LOG_LEVEL=warn\nEXTMGR_SITE_DOMAIN=dotenv.example\nEXTMGR_NETWORK=true\n"), 0o600))
	t.Setenv(EnvRequestTimeout, "5")
	t.Setenv(EnvSiteDomain, "env.example")

	cfg, err := Load(yamlPath)
	require.NoError(t, err)

	assert.Equal(t, "sqlite", cfg.StoreBackend, "yaml applies over defaults")
	assert.Equal(t, "warn", cfg.LogLevel, ".env applies over yaml")
	assert.Equal(t, "env.example", cfg.SiteDomain, "process env applies over .env")
	assert.Equal(t, 5*time.Second, cfg.RequestTimeout)
	assert.True(t, cfg.Network)
	assert.Equal(t, []string{"sha1"}, cfg.HashAlgorithms)
	assert.Equal(t, yamlPath, cfg.FilePath)

	assert.True(t, cfg.EnvOverrides["logLevel"])
	assert.True(t, cfg.EnvOverrides["requestTimeout"])
	assert.False(t, cfg.EnvOverrides["storeBackend"])
}

func TestLoad_InvalidEnvValuesAreIgnored(t *testing.T) {
	setDataDir(t)
	t.Setenv(EnvAdminSurface, "maybe")
	t.Setenv(EnvManifestTimeout, "soon")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.True(t, cfg.AdminSurface)
	assert.Equal(t, DefaultManifestTimeout, cfg.ManifestTimeout)
}

func TestLoad_Errors(t *testing.T) {
	dir := setDataDir(t)

	_, err := Load(filepath.Join(dir, "missing.yaml"))
	require.Error(t, err)

	bad := filepath.Join(dir, "bad.yaml")
	require.NoError(t, os.WriteFile(bad, []byte("store_backend: [unterminated"), 0o600))
	_, err = Load(bad)
	require.Error(t, err)

	t.Setenv(EnvStoreBackend, "redis")
	_, err = Load("")
	require.ErrorContains(t, err, "unknown store backend")
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{"defaults", func(*Config) {}, ""},
		{"memory backend", func(c *Config) { c.StoreBackend = "memory" }, ""},
		{"unknown backend", func(c *Config) { c.StoreBackend = "etcd" }, "unknown store backend"},
		{"empty root", func(c *Config) { c.ExtensionsRoot = " " }, "extensions root"},
		{"zero request timeout", func(c *Config) { c.RequestTimeout = 0 }, "request timeout"},
		{"negative manifest timeout", func(c *Config) { c.ManifestTimeout = -time.Second }, "manifest timeout"},
		{"zero revalidate interval", func(c *Config) { c.RevalidateInterval = 0 }, "revalidate interval"},
		{"bad level", func(c *Config) { c.LogLevel = "loud" }, "invalid log level"},
		{"bad format", func(c *Config) { c.LogFormat = "xml" }, "invalid log format"},
		{"no usable hash", func(c *Config) { c.HashAlgorithms = []string{"crc32"} }, "no supported hash"},
		{"one usable hash", func(c *Config) { c.HashAlgorithms = []string{"crc32", "md5"} }, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := Default(t.TempDir())
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestParseDuration(t *testing.T) {
	d, err := parseDuration("45")
	require.NoError(t, err)
	assert.Equal(t, 45*time.Second, d)

	d, err = parseDuration(" 1m30s ")
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = parseDuration("later")
	assert.Error(t, err)
}
