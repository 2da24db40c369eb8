package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds application configuration
type Config struct {
	Port        string
	Env         string
	DatabaseURL string
	DataDir     string

	Gov4GitBin     string
	Gov4GitVerbose bool
	Gov4GitRelease string

	GitHubClientID string
	GitHubAPIURL   string
	RepoCacheTTL   time.Duration

	RefreshInterval time.Duration

	LogLevel  string
	LogFormat string
	LogFile   string

	CORSOrigins []string
}

// Development reports whether ENV is development.
func (c *Config) Development() bool {
	return c.Env == "development"
}

// settingsFile mirrors the optional YAML settings file. Every field is
// optional; environment variables win over it.
type settingsFile struct {
	Port            string   `yaml:"port"`
	Env             string   `yaml:"env"`
	DatabaseURL     string   `yaml:"database_url"`
	DataDir         string   `yaml:"data_dir"`
	Gov4GitBin      string   `yaml:"gov4git_bin"`
	Gov4GitVerbose  *bool    `yaml:"gov4git_verbose"`
	Gov4GitRelease  string   `yaml:"gov4git_release"`
	GitHubClientID  string   `yaml:"github_client_id"`
	GitHubAPIURL    string   `yaml:"github_api_url"`
	RepoCacheTTL    string   `yaml:"repo_cache_ttl"`
	RefreshInterval string   `yaml:"refresh_interval"`
	LogLevel        string   `yaml:"log_level"`
	LogFormat       string   `yaml:"log_format"`
	LogFile         string   `yaml:"log_file"`
	CORSOrigins     []string `yaml:"cors_origins"`
}

// Load reads configuration from a .env file (if present), the YAML file named
// by GOVDESK_SETTINGS (if set) and environment variables, in increasing
// precedence. Returns an error if required values are missing.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := defaults()

	if path := os.Getenv("GOVDESK_SETTINGS"); path != "" {
		if err := cfg.applyFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if cfg.LogFile == "" {
		cfg.LogFile = filepath.Join(cfg.DataDir, "logs", "govdesk.log")
	}

	if cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required")
	}
	if cfg.GitHubClientID == "" {
		return nil, errors.New("GITHUB_CLIENT_ID is required")
	}
	return cfg, nil
}

func defaults() *Config {
	dataDir := "govdesk-data"
	if dir, err := os.UserConfigDir(); err == nil {
		dataDir = filepath.Join(dir, "govdesk")
	}

	return &Config{
		Port:            "8080",
		Env:             "production",
		DataDir:         dataDir,
		Gov4GitBin:      "gov4git",
		Gov4GitRelease:  "v2.2.0",
		GitHubAPIURL:    "https://api.github.com",
		RepoCacheTTL:    5 * time.Minute,
		RefreshInterval: 5 * time.Minute,
		LogLevel:        "info",
		LogFormat:       "text",
		CORSOrigins:     []string{"http://localhost:5173", "app://govdesk"},
	}
}

func (c *Config) applyFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read settings file: %w", err)
	}

	var s settingsFile
	if err := yaml.Unmarshal(data, &s); err != nil {
		return fmt.Errorf("failed to parse settings file %s: %w", path, err)
	}

	setString(&c.Port, s.Port)
	setString(&c.Env, s.Env)
	setString(&c.DatabaseURL, s.DatabaseURL)
	setString(&c.DataDir, s.DataDir)
	setString(&c.Gov4GitBin, s.Gov4GitBin)
	setString(&c.Gov4GitRelease, s.Gov4GitRelease)
	setString(&c.GitHubClientID, s.GitHubClientID)
	setString(&c.GitHubAPIURL, s.GitHubAPIURL)
	setString(&c.LogLevel, s.LogLevel)
	setString(&c.LogFormat, s.LogFormat)
	setString(&c.LogFile, s.LogFile)
	if s.Gov4GitVerbose != nil {
		c.Gov4GitVerbose = *s.Gov4GitVerbose
	}
	if len(s.CORSOrigins) > 0 {
		c.CORSOrigins = s.CORSOrigins
	}

	for _, d := range []struct {
		raw string
		dst *time.Duration
		key string
	}{
		{s.RepoCacheTTL, &c.RepoCacheTTL, "repo_cache_ttl"},
		{s.RefreshInterval, &c.RefreshInterval, "refresh_interval"},
	} {
		if d.raw == "" {
			continue
		}
		v, err := time.ParseDuration(d.raw)
		if err != nil {
			return fmt.Errorf("invalid %s in %s: %w", d.key, path, err)
		}
		*d.dst = v
	}
	return nil
}

func (c *Config) applyEnv() {
	c.Port = getEnv("PORT", c.Port)
	c.Env = getEnv("ENV", c.Env)
	c.DatabaseURL = getEnv("DATABASE_URL", c.DatabaseURL)
	c.DataDir = getEnv("DATA_DIR", c.DataDir)
	c.Gov4GitBin = getEnv("GOV4GIT_BIN", c.Gov4GitBin)
	c.Gov4GitVerbose = getBool("GOV4GIT_VERBOSE", c.Gov4GitVerbose)
	c.Gov4GitRelease = getEnv("GOV4GIT_RELEASE", c.Gov4GitRelease)
	c.GitHubClientID = getEnv("GITHUB_CLIENT_ID", c.GitHubClientID)
	c.GitHubAPIURL = getEnv("GITHUB_API_URL", c.GitHubAPIURL)
	c.RepoCacheTTL = getDuration("REPO_CACHE_TTL", c.RepoCacheTTL)
	c.RefreshInterval = getDuration("REFRESH_INTERVAL", c.RefreshInterval)
	c.LogLevel = getEnv("LOG_LEVEL", c.LogLevel)
	c.LogFormat = getEnv("LOG_FORMAT", c.LogFormat)
	c.LogFile = getEnv("LOG_FILE", c.LogFile)
	if raw := os.Getenv("CORS_ORIGINS"); raw != "" {
		c.CORSOrigins = splitList(raw)
	}
}

func setString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func splitList(raw string) []string {
	var out []string
	for _, s := range strings.Split(raw, ",") {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

func getBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
