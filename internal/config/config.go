package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures the portal client runtime parameters.
type Config struct {
	BaseURL        string       `mapstructure:"base_url"`
	LogLevel       string       `mapstructure:"log_level"`
	PollInterval   time.Duration `mapstructure:"poll_interval"`
	RefreshTimeout time.Duration `mapstructure:"refresh_timeout"`
	Tokens         TokensConfig `mapstructure:"tokens"`
}

// TokensConfig describes where credentials are persisted between runs.
type TokensConfig struct {
	Path          string `mapstructure:"path"`
	PassphraseEnv string `mapstructure:"passphrase_env"`
}

const (
	defaultBaseURL        = "http://localhost:8000/api"
	defaultLogLevel       = "info"
	defaultPollInterval   = 30 * time.Second
	defaultRefreshTimeout = 30 * time.Second
	defaultTokensPath     = "data/tokens.json"
	defaultPassphraseEnv  = "PORTAL_TOKENS_PASSPHRASE"
)

// Load reads configuration from the provided file path (if any) and the environment.
// Environment variables are prefixed with PORTAL_ and can override file values.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("PORTAL")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("base_url", defaultBaseURL)
	v.SetDefault("log_level", defaultLogLevel)
	v.SetDefault("poll_interval", defaultPollInterval.String())
	v.SetDefault("refresh_timeout", defaultRefreshTimeout.String())
	v.SetDefault("tokens.path", defaultTokensPath)
	v.SetDefault("tokens.passphrase_env", defaultPassphraseEnv)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config %s: %w", path, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	// Viper leaves durations as strings; normalize them here.
	for _, d := range []struct {
		key      string
		fallback time.Duration
		dst      *time.Duration
	}{
		{"poll_interval", defaultPollInterval, &cfg.PollInterval},
		{"refresh_timeout", defaultRefreshTimeout, &cfg.RefreshTimeout},
	} {
		if v.IsSet(d.key) {
			dur, err := time.ParseDuration(v.GetString(d.key))
			if err != nil {
				return Config{}, fmt.Errorf("invalid %s: %w", d.key, err)
			}
			*d.dst = dur
		} else {
			*d.dst = d.fallback
		}
	}

	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = defaultLogLevel
	}
	if cfg.Tokens.Path == "" {
		cfg.Tokens.Path = defaultTokensPath
	}
	if cfg.Tokens.PassphraseEnv == "" {
		cfg.Tokens.PassphraseEnv = defaultPassphraseEnv
	}

	return cfg, nil
}

// Passphrase fetches the token-file passphrase from the configured environment variable.
func (c Config) Passphrase() (string, error) {
	env := c.Tokens.PassphraseEnv
	if env == "" {
		env = defaultPassphraseEnv
	}
	val := strings.TrimSpace(getenv(env))
	if val == "" {
		return "", fmt.Errorf("tokens passphrase env %s is empty", env)
	}
	return val, nil
}

// split out for testing.
var getenv = os.Getenv
