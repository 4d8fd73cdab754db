package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix          = "QUILLSYNC"
	defaultHTTPAddress = "0.0.0.0:8080"
	defaultDatabase    = "quillsync.db"
	defaultLogLevel    = "info"
	defaultIssuer      = "quillsync-auth"
	defaultAudience    = "quillsync-api"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress    string
	DatabasePath   string
	LogLevel       string
	AllowedOrigins []string
	Auth           AuthConfig
	Collaboration  CollaborationConfig
}

// AuthConfig holds session token parameters.
type AuthConfig struct {
	SigningSecret string
	Issuer        string
	Audience      string
	TokenTTL      time.Duration
}

// CollaborationConfig tunes the realtime editing core.
type CollaborationConfig struct {
	LockTTL            time.Duration
	PresenceTimeout    time.Duration
	SweepInterval      time.Duration
	ChangeLogRetention int
	CompactThreshold   int64
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("http.allowed_origins", []string{"http://localhost:5173"})
	configViper.SetDefault("database.path", defaultDatabase)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.audience", defaultAudience)
	configViper.SetDefault("auth.token_ttl", "12h")
	configViper.SetDefault("collab.lock_ttl", "10m")
	configViper.SetDefault("collab.presence_timeout", "60s")
	configViper.SetDefault("collab.sweep_interval", "15s")
	configViper.SetDefault("collab.changelog_retention", 512)
	configViper.SetDefault("collab.compact_threshold", 64)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:    configViper.GetString("http.address"),
		DatabasePath:   configViper.GetString("database.path"),
		LogLevel:       configViper.GetString("log.level"),
		AllowedOrigins: configViper.GetStringSlice("http.allowed_origins"),
		Auth: AuthConfig{
			SigningSecret: configViper.GetString("auth.signing_secret"),
			Issuer:        configViper.GetString("auth.issuer"),
			Audience:      configViper.GetString("auth.audience"),
			TokenTTL:      configViper.GetDuration("auth.token_ttl"),
		},
		Collaboration: CollaborationConfig{
			LockTTL:            configViper.GetDuration("collab.lock_ttl"),
			PresenceTimeout:    configViper.GetDuration("collab.presence_timeout"),
			SweepInterval:      configViper.GetDuration("collab.sweep_interval"),
			ChangeLogRetention: configViper.GetInt("collab.changelog_retention"),
			CompactThreshold:   configViper.GetInt64("collab.compact_threshold"),
		},
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.Auth.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Collaboration.SweepInterval <= 0 {
		return fmt.Errorf("collab.sweep_interval must be positive")
	}
	return nil
}
