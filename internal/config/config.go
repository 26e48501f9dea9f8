package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"gopkg.in/yaml.v3"

	"github.com/rcourtman/extension-manager/internal/integrity"
	"github.com/rcourtman/extension-manager/internal/logging"
	"github.com/rcourtman/extension-manager/internal/options"
)

// Environment variables read by Load.
const (
	EnvDataDir            = "EXTMGR_DATA_DIR"
	EnvStoreBackend       = "EXTMGR_STORE_BACKEND"
	EnvLicenseServerURL   = "EXTMGR_LICENSE_SERVER_URL"
	EnvSiteDomain         = "EXTMGR_SITE_DOMAIN"
	EnvHostVersion        = "EXTMGR_HOST_VERSION"
	EnvPlatformVersion    = "EXTMGR_PLATFORM_VERSION"
	EnvExtensionsRoot     = "EXTMGR_EXTENSIONS_ROOT"
	EnvNetwork            = "EXTMGR_NETWORK"
	EnvLogLevel           = "EXTMGR_LOG_LEVEL"
	EnvLogFormat          = "EXTMGR_LOG_FORMAT"
	EnvLogFile            = "EXTMGR_LOG_FILE"
	EnvAdminSurface       = "EXTMGR_ADMIN_SURFACE"
	EnvRequestTimeout     = "EXTMGR_REQUEST_TIMEOUT"
	EnvManifestTimeout    = "EXTMGR_MANIFEST_TIMEOUT"
	EnvMetricsAddr        = "EXTMGR_METRICS_ADDR"
	EnvHashAlgorithms     = "EXTMGR_HASH_ALGORITHMS"
	EnvRevalidateInterval = "EXTMGR_REVALIDATE_INTERVAL"
)

const (
	DefaultDataDir            = "/var/lib/extmgr"
	DefaultLicenseServerURL   = "https://licensing.example.com/api/"
	DefaultRequestTimeout     = 15 * time.Second
	DefaultManifestTimeout    = 2 * time.Second
	DefaultRevalidateInterval = time.Hour
	DefaultMetricsAddr        = "127.0.0.1:9464"

	envFileName = ".env"
)

// Mu guards runtime mutations made by the Watcher.
var Mu sync.RWMutex

// Config holds the extension manager's runtime settings.
type Config struct {
	DataDir          string `yaml:"data_dir"`
	StoreBackend     string `yaml:"store_backend"`
	LicenseServerURL string `yaml:"license_server_url"`
	SiteDomain       string `yaml:"site_domain"`

	// HostVersion is the version of the plugin extensions extend;
	// PlatformVersion is the application it runs on.
	HostVersion     string `yaml:"host_version"`
	PlatformVersion string `yaml:"platform_version"`

	ExtensionsRoot string `yaml:"extensions_root"`
	Network        bool   `yaml:"network"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
	LogFile   string `yaml:"log_file"`

	AdminSurface       bool          `yaml:"admin_surface"`
	RequestTimeout     time.Duration `yaml:"request_timeout"`
	ManifestTimeout    time.Duration `yaml:"manifest_timeout"`
	RevalidateInterval time.Duration `yaml:"revalidate_interval"`
	MetricsAddr        string        `yaml:"metrics_addr"`
	HashAlgorithms     []string      `yaml:"hash_algorithms"`

	// EnvOverrides records which fields came from the environment or .env.
	EnvOverrides map[string]bool `yaml:"-"`

	// FilePath is the YAML file Load read, if any.
	FilePath string `yaml:"-"`
}

// Default returns the built-in settings for dataDir.
func Default(dataDir string) *Config {
	return &Config{
		DataDir:            dataDir,
		StoreBackend:       options.BackendFile,
		LicenseServerURL:   DefaultLicenseServerURL,
		HostVersion:        "2.8.0",
		PlatformVersion:    "4.7.0",
		ExtensionsRoot:     filepath.Join(dataDir, "extensions"),
		LogLevel:           "info",
		LogFormat:          "auto",
		AdminSurface:       true,
		RequestTimeout:     DefaultRequestTimeout,
		ManifestTimeout:    DefaultManifestTimeout,
		RevalidateInterval: DefaultRevalidateInterval,
		MetricsAddr:        DefaultMetricsAddr,
		HashAlgorithms:     []string{"sha256", "sha1", "md5"},
		EnvOverrides:       make(map[string]bool),
	}
}

// Load builds the configuration from, in increasing precedence, the
// defaults, the YAML file at path (optional), the .env file in the data
// directory and the process environment.
func Load(path string) (*Config, error) {
	dataDir := DefaultDataDir
	if dir := os.Getenv(EnvDataDir); dir != "" {
		dataDir = dir
	}

	envFile := filepath.Join(dataDir, envFileName)
	dotenv, err := readEnvFile(envFile)
	if err != nil {
		log.Warn().Err(err).Str("file", envFile).Msg("Failed to load .env file")
	} else if dotenv != nil {
		log.Info().Str("file", envFile).Msg("Loaded .env file for deployment overrides")
	}
	if dir := dotenv[EnvDataDir]; dir != "" && os.Getenv(EnvDataDir) == "" {
		dataDir = dir
	}

	cfg := Default(dataDir)

	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv(func(key string) (string, bool) {
		if v, ok := os.LookupEnv(key); ok {
			return v, true
		}
		v, ok := dotenv[key]
		return v, ok
	})

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// EnvFile is the .env path watched for runtime changes.
func (c *Config) EnvFile() string {
	return filepath.Join(c.DataDir, envFileName)
}

func readEnvFile(path string) (map[string]string, error) {
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	return godotenv.Read(path)
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}
	dataDir := c.DataDir
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	if c.DataDir != dataDir && c.ExtensionsRoot == filepath.Join(dataDir, "extensions") {
		c.ExtensionsRoot = filepath.Join(c.DataDir, "extensions")
	}
	if c.EnvOverrides == nil {
		c.EnvOverrides = make(map[string]bool)
	}
	c.FilePath = path
	log.Info().Str("file", path).Msg("Loaded configuration file")
	return nil
}

type lookupFunc func(key string) (string, bool)

func (c *Config) applyEnv(lookup lookupFunc) {
	str := func(key, field string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
			c.EnvOverrides[field] = true
		}
	}
	boolean := func(key, field string, dst *bool) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			log.Warn().Str("var", key).Str("value", v).Msg("Ignoring invalid boolean")
			return
		}
		*dst = b
		c.EnvOverrides[field] = true
	}
	duration := func(key, field string, dst *time.Duration) {
		v, ok := lookup(key)
		if !ok || strings.TrimSpace(v) == "" {
			return
		}
		d, err := parseDuration(v)
		if err != nil {
			log.Warn().Str("var", key).Str("value", v).Msg("Ignoring invalid duration")
			return
		}
		*dst = d
		c.EnvOverrides[field] = true
	}

	str(EnvStoreBackend, "storeBackend", &c.StoreBackend)
	str(EnvLicenseServerURL, "licenseServerURL", &c.LicenseServerURL)
	str(EnvSiteDomain, "siteDomain", &c.SiteDomain)
	str(EnvHostVersion, "hostVersion", &c.HostVersion)
	str(EnvPlatformVersion, "platformVersion", &c.PlatformVersion)
	str(EnvExtensionsRoot, "extensionsRoot", &c.ExtensionsRoot)
	boolean(EnvNetwork, "network", &c.Network)
	str(EnvLogLevel, "logLevel", &c.LogLevel)
	str(EnvLogFormat, "logFormat", &c.LogFormat)
	str(EnvLogFile, "logFile", &c.LogFile)
	boolean(EnvAdminSurface, "adminSurface", &c.AdminSurface)
	duration(EnvRequestTimeout, "requestTimeout", &c.RequestTimeout)
	duration(EnvManifestTimeout, "manifestTimeout", &c.ManifestTimeout)
	duration(EnvRevalidateInterval, "revalidateInterval", &c.RevalidateInterval)
	str(EnvMetricsAddr, "metricsAddr", &c.MetricsAddr)

	if v, ok := lookup(EnvHashAlgorithms); ok && strings.TrimSpace(v) != "" {
		var algos []string
		for _, a := range strings.Split(v, ",") {
			if a = strings.ToLower(strings.TrimSpace(a)); a != "" {
				algos = append(algos, a)
			}
		}
		c.HashAlgorithms = algos
		c.EnvOverrides["hashAlgorithms"] = true
	}
}

// parseDuration accepts Go durations and bare seconds.
func parseDuration(v string) (time.Duration, error) {
	v = strings.TrimSpace(v)
	if secs, err := strconv.Atoi(v); err == nil {
		return time.Duration(secs) * time.Second, nil
	}
	return time.ParseDuration(v)
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if !options.ValidBackend(c.StoreBackend) {
		return fmt.Errorf("unknown store backend %q", c.StoreBackend)
	}
	if strings.TrimSpace(c.ExtensionsRoot) == "" {
		return fmt.Errorf("extensions root is required")
	}
	if c.RequestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}
	if c.ManifestTimeout <= 0 {
		return fmt.Errorf("manifest timeout must be positive")
	}
	if c.RevalidateInterval <= 0 {
		return fmt.Errorf("revalidate interval must be positive")
	}
	if !logging.ValidLevel(c.LogLevel) {
		return fmt.Errorf("invalid log level %q", c.LogLevel)
	}
	switch strings.ToLower(c.LogFormat) {
	case "", "auto", "json", "console":
	default:
		return fmt.Errorf("invalid log format %q", c.LogFormat)
	}

	known := 0
	for _, name := range c.HashAlgorithms {
		for _, a := range integrity.Preference {
			if integrity.Algorithm(name) == a {
				known++
				break
			}
		}
	}
	if known == 0 {
		return fmt.Errorf("no supported hash algorithm in %v", c.HashAlgorithms)
	}
	return nil
}
