package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Config holds process-wide settings shared across providers: where credentials
// live, outbound proxying, debug verbosity, and the Kiro-specific knobs layered
// on top via kiro.go.
type Config struct {
	AuthDir  string `yaml:"auth-dir" json:"auth-dir"`
	ProxyURL string `yaml:"proxy-url,omitempty" json:"proxy-url,omitempty"`
	Debug    bool   `yaml:"debug,omitempty" json:"debug,omitempty"`

	RequestTimeout     time.Duration `yaml:"-" json:"-"`
	RequestMaxRetries  int           `yaml:"-" json:"-"`
	RequestBaseDelay   time.Duration `yaml:"-" json:"-"`
	CronNearMinutes    int           `yaml:"-" json:"-"`
	UseSystemProxyKiro bool          `yaml:"-" json:"-"`

	KiroOAuthCredsDirPath  string `yaml:"-" json:"-"`
	KiroOAuthCredsFilePath string `yaml:"-" json:"-"`
	KiroOAuthCredsBase64   string `yaml:"-" json:"-"`

	KiroTokenFiles []KiroTokenFile `yaml:"kiro-token-files,omitempty" json:"kiro-token-files,omitempty"`
}

// Load builds a Config from a YAML file (if present) overlaid with environment
// variables (loaded from a sibling .env via godotenv, when present), matching the
// layered precedence used throughout this project: YAML sets the baseline, env
// vars override it.
func Load(yamlPath string) (*Config, error) {
	cfg := &Config{}

	if yamlPath != "" {
		data, err := os.ReadFile(yamlPath)
		if err == nil {
			if err := yaml.Unmarshal(data, cfg); err != nil {
				return nil, err
			}
		} else if !os.IsNotExist(err) {
			return nil, err
		}
	}

	if err := godotenv.Load(); err != nil && !os.IsNotExist(err) {
		log.WithError(err).Debug("config: no .env file loaded")
	}

	cfg.applyEnvOverrides()
	cfg.NormalizeKiroTokenFiles()
	return cfg, nil
}

func (cfg *Config) applyEnvOverrides() {
	if v := strings.TrimSpace(os.Getenv("AUTH_DIR")); v != "" {
		cfg.AuthDir = v
	}
	if v := strings.TrimSpace(os.Getenv("PROXY_URL")); v != "" {
		cfg.ProxyURL = v
	}
	if v := strings.TrimSpace(os.Getenv("DEBUG")); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Debug = b
		}
	}

	cfg.RequestTimeout = envDuration("KIRO_REQUEST_TIMEOUT", 5*time.Minute)
	cfg.RequestMaxRetries = envIntDefault("REQUEST_MAX_RETRIES", 3)
	cfg.RequestBaseDelay = envDuration("REQUEST_BASE_DELAY", time.Second)
	cfg.CronNearMinutes = envIntDefault("CRON_NEAR_MINUTES", 10)
	cfg.UseSystemProxyKiro = envBoolDefault("USE_SYSTEM_PROXY_KIRO", false)

	cfg.KiroOAuthCredsDirPath = strings.TrimSpace(os.Getenv("KIRO_OAUTH_CREDS_DIR_PATH"))
	cfg.KiroOAuthCredsFilePath = strings.TrimSpace(os.Getenv("KIRO_OAUTH_CREDS_FILE_PATH"))
	cfg.KiroOAuthCredsBase64 = strings.TrimSpace(os.Getenv("KIRO_OAUTH_CREDS_BASE64"))
}

func envIntDefault(key string, def int) int {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func envBoolDefault(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return def
	}
	return v
}

func envDuration(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	if secs, err := strconv.Atoi(raw); err == nil {
		return time.Duration(secs) * time.Second
	}
	if d, err := time.ParseDuration(raw); err == nil {
		return d
	}
	return def
}
