package main

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/v2"
)

// keyDelim separates nested config keys. It is not "." because
// custom_repositories keys are host names such as git.example.com.
const keyDelim = "::"

const envPrefix = "GET_CHANGELOG_"

const (
	cacheBackendJSON   = "json"
	cacheBackendSQLite = "sqlite"
)

// CacheConfig configures the persistent resolution cache.
type CacheConfig struct {
	Enabled bool   `koanf:"enabled"`
	Backend string `koanf:"backend"` // "json" or "sqlite"
	Path    string `koanf:"path"`    // empty = user cache dir
	TTLDays int    `koanf:"ttl_days"`
}

// FilePath returns the store location, defaulting to the user cache dir.
func (c CacheConfig) FilePath() string {
	if c.Path != "" {
		return expandHomePath(c.Path)
	}
	name := cacheFileName
	if c.Backend == cacheBackendSQLite {
		name = "cache.db"
	}
	dir, err := os.UserCacheDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "get-changelog", name)
}

// Config is the resolved configuration of get-changelog.
type Config struct {
	// CustomRepositories maps a host substring to the file-view path segment
	// of that host, e.g. {"git.example.com": "browse"}.
	CustomRepositories map[string]string `koanf:"custom_repositories"`
	ExploreTxtFiles    bool              `koanf:"explore_txt_files"`
	// Branches are probed after master when the default branch is unknown.
	Branches     []string          `koanf:"branches"`
	Registry     string            `koanf:"registry"`
	GitHubAPIURL string            `koanf:"github_api_url"`
	Overrides    map[string]string `koanf:"overrides"`
	Timeout      int               `koanf:"timeout"` // seconds per request
	Retries      int               `koanf:"retries"`
	Concurrency  int               `koanf:"concurrency"`
	Cache        CacheConfig       `koanf:"cache"`
	LogLevel     string            `koanf:"log_level"`
}

// RequestTimeout is the per-request transport timeout.
func (c *Config) RequestTimeout() time.Duration {
	if c.Timeout <= 0 {
		return 10 * time.Second
	}
	return time.Duration(c.Timeout) * time.Second
}

// GetDefaults returns the built-in configuration values.
func GetDefaults() map[string]any {
	return map[string]any{
		"custom_repositories": map[string]any{},
		"explore_txt_files":   false,
		"branches":            []string{},
		"registry":            "https://registry.npmjs.org/",
		"github_api_url":      defaultGitHubAPIURL,
		"overrides":           map[string]any{},
		"timeout":             10,
		"retries":             2,
		"concurrency":         5,
		"cache::enabled":      false,
		"cache::backend":      cacheBackendJSON,
		"cache::path":         "",
		"cache::ttl_days":     30,
		"log_level":           "warn",
	}
}

// LoadOptions configures how configuration is loaded.
type LoadOptions struct {
	// ConfigPath overrides the project config file (.get-changelog.yml).
	ConfigPath string
	// SkipUserConfig ignores the per-user config file.
	SkipUserConfig bool
}

// UserConfigPath returns $XDG_CONFIG_HOME/get-changelog/config.yml.
func UserConfigPath() (string, error) {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "get-changelog", "config.yml"), nil
}

// ProjectConfigPath returns the project config file in the working directory.
func ProjectConfigPath() string {
	return ".get-changelog.yml"
}

// LegacyProjectConfigPath is the JSON file the original tool read.
func LegacyProjectConfigPath() string {
	return "get-changelog.json"
}

// LoadConfig loads configuration with priority:
// environment > project file > user file > defaults.
func LoadConfig(opts LoadOptions) (*Config, error) {
	k := koanf.New(keyDelim)

	for key, value := range GetDefaults() {
		if err := k.Set(key, value); err != nil {
			return nil, fmt.Errorf("setting default %s: %w", key, err)
		}
	}

	if !opts.SkipUserConfig {
		if path, err := UserConfigPath(); err == nil && fileExists(path) {
			if err := loadConfigFile(k, path); err != nil {
				return nil, fmt.Errorf("loading user config: %w", err)
			}
		}
	}

	projectPath := opts.ConfigPath
	if projectPath == "" {
		projectPath = ProjectConfigPath()
		if !fileExists(projectPath) && fileExists(LegacyProjectConfigPath()) {
			projectPath = LegacyProjectConfigPath()
		}
	} else if !fileExists(projectPath) {
		return nil, fmt.Errorf("config file %s not found", projectPath)
	}
	if fileExists(projectPath) {
		if err := loadConfigFile(k, projectPath); err != nil {
			return nil, fmt.Errorf("loading project config: %w", err)
		}
	}

	if err := k.Load(env.ProviderWithValue(envPrefix, keyDelim, envTransform), nil); err != nil {
		return nil, fmt.Errorf("failed to load environment config: %w", err)
	}

	var cfg Config
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	// npm itself honours npm_config_registry, so do we.
	if registry := os.Getenv("npm_config_registry"); registry != "" {
		cfg.Registry = registry
	}

	if err := validateConfig(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return &cfg, nil
}

// loadConfigFile picks the parser from the file extension.
func loadConfigFile(k *koanf.Koanf, path string) error {
	var parser koanf.Parser = yaml.Parser()
	if strings.EqualFold(filepath.Ext(path), ".json") {
		parser = json.Parser()
	}
	if err := k.Load(file.Provider(path), parser); err != nil {
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// envTransform maps GET_CHANGELOG_CACHE__TTL_DAYS=7 to cache::ttl_days and
// splits list values on commas.
func envTransform(key, value string) (string, any) {
	key = strings.ToLower(strings.TrimPrefix(key, envPrefix))
	key = strings.ReplaceAll(key, "__", keyDelim)

	if key == "branches" {
		var branches []string
		for _, b := range strings.Split(value, ",") {
			if b = strings.TrimSpace(b); b != "" {
				branches = append(branches, b)
			}
		}
		return key, branches
	}
	return key, value
}

// validateConfig rejects values the resolver cannot work with.
func validateConfig(cfg *Config) error {
	switch cfg.Cache.Backend {
	case cacheBackendJSON, cacheBackendSQLite:
	default:
		return fmt.Errorf("cache.backend must be %q or %q, got %q", cacheBackendJSON, cacheBackendSQLite, cfg.Cache.Backend)
	}
	if cfg.Concurrency <= 0 {
		return fmt.Errorf("concurrency must be positive, got %d", cfg.Concurrency)
	}
	if cfg.Retries < 0 {
		return fmt.Errorf("retries must not be negative, got %d", cfg.Retries)
	}
	return validateCustomRepositories(cfg.CustomRepositories)
}

// validateCustomRepositories requires non-empty, non-overlapping host
// substrings so that at most one entry can match a repository.
func validateCustomRepositories(custom map[string]string) error {
	keys := make([]string, 0, len(custom))
	for match, segment := range custom {
		if match == "" {
			return fmt.Errorf("custom_repositories: empty host substring")
		}
		if segment == "" {
			return fmt.Errorf("custom_repositories[%s]: empty path segment", match)
		}
		keys = append(keys, match)
	}
	sort.Strings(keys)

	for _, a := range keys {
		for _, b := range keys {
			if a != b && strings.Contains(b, a) {
				return fmt.Errorf("custom_repositories: %q overlaps %q, use non-overlapping host substrings", a, b)
			}
		}
	}
	return nil
}

// fileExists checks if a file exists
func fileExists(path string) bool {
	if path == "" {
		return false
	}
	_, err := os.Stat(path)
	return err == nil
}

// expandHomePath expands ~ to the user's home directory
func expandHomePath(path string) string {
	if strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, path[2:])
		}
	}
	return path
}
