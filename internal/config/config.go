package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/viper"
)

const (
	envPrefix                = "HARBOR"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabasePath      = "harbor.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultCodeTTLMinutes    = 10
	defaultTokenTTLMinutes   = 7 * 24 * 60
	defaultTimezone          = "UTC"
	defaultStorageDir        = "harbor-media"
	defaultMaxUploadBytes    = 5 << 20
	defaultRefreshCron       = "@every 1h"
	defaultImportHorizonDays = 365
	defaultHeartbeatSeconds  = 25
	defaultSessionIdleMins   = 30

	// TokenIssuer is the iss claim of access tokens.
	TokenIssuer = "harbor-auth"
	// TokenAudience is the aud claim of access tokens.
	TokenAudience = "harbor-api"
)

// FeedConfig names one ICS feed refreshed on schedule.
type FeedConfig struct {
	Source string `mapstructure:"source"`
	URL    string `mapstructure:"url"`
}

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	AllowedOrigins    []string
	DatabasePath      string
	LogLevel          string
	LogFormat         string
	SigningSecret     string
	CodeTTL           time.Duration
	TokenTTL          time.Duration
	Timezone          string
	Location          *time.Location
	StorageDir        string
	MaxUploadBytes    int64
	ResourcesPath     string
	RefreshCron       string
	Feeds             []FeedConfig
	ImportHorizon     time.Duration
	HeartbeatInterval time.Duration
	SessionIdleTTL    time.Duration
	AdminPhoneNumbers []string
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
	configViper.SetDefault("http.allowed_origins", []string{"*"})
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("auth.code_ttl_minutes", defaultCodeTTLMinutes)
	configViper.SetDefault("token.ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("calendar.timezone", defaultTimezone)
	configViper.SetDefault("storage.dir", defaultStorageDir)
	configViper.SetDefault("storage.max_upload_bytes", defaultMaxUploadBytes)
	configViper.SetDefault("resources.path", "")
	configViper.SetDefault("events.refresh_cron", defaultRefreshCron)
	configViper.SetDefault("events.import_horizon_days", defaultImportHorizonDays)
	configViper.SetDefault("realtime.heartbeat_seconds", defaultHeartbeatSeconds)
	configViper.SetDefault("calendar.session_idle_minutes", defaultSessionIdleMins)
	configViper.SetDefault("auth.admin_phone_numbers", []string{})
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	var feeds []FeedConfig
	if err := configViper.UnmarshalKey("events.feeds", &feeds); err != nil {
		return AppConfig{}, fmt.Errorf("events.feeds is invalid: %w", err)
	}

	cfg := AppConfig{
		HTTPAddress:       configViper.GetString("http.address"),
		AllowedOrigins:    configViper.GetStringSlice("http.allowed_origins"),
		DatabasePath:      configViper.GetString("database.path"),
		LogLevel:          configViper.GetString("log.level"),
		LogFormat:         configViper.GetString("log.format"),
		SigningSecret:     configViper.GetString("auth.signing_secret"),
		CodeTTL:           time.Duration(configViper.GetInt("auth.code_ttl_minutes")) * time.Minute,
		TokenTTL:          time.Duration(configViper.GetInt("token.ttl_minutes")) * time.Minute,
		Timezone:          strings.TrimSpace(configViper.GetString("calendar.timezone")),
		StorageDir:        configViper.GetString("storage.dir"),
		MaxUploadBytes:    configViper.GetInt64("storage.max_upload_bytes"),
		ResourcesPath:     strings.TrimSpace(configViper.GetString("resources.path")),
		RefreshCron:       strings.TrimSpace(configViper.GetString("events.refresh_cron")),
		Feeds:             feeds,
		ImportHorizon:     time.Duration(configViper.GetInt("events.import_horizon_days")) * 24 * time.Hour,
		HeartbeatInterval: time.Duration(configViper.GetInt("realtime.heartbeat_seconds")) * time.Second,
		SessionIdleTTL:    time.Duration(configViper.GetInt("calendar.session_idle_minutes")) * time.Minute,
		AdminPhoneNumbers: trimmedNonEmpty(configViper.GetStringSlice("auth.admin_phone_numbers")),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	location, err := time.LoadLocation(cfg.Timezone)
	if err != nil {
		return AppConfig{}, fmt.Errorf("calendar.timezone %q is invalid: %w", cfg.Timezone, err)
	}
	cfg.Location = location

	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.SigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.DatabasePath) == "" {
		return fmt.Errorf("database.path is required")
	}
	if strings.TrimSpace(c.StorageDir) == "" {
		return fmt.Errorf("storage.dir is required")
	}
	if c.CodeTTL <= 0 {
		return fmt.Errorf("auth.code_ttl_minutes must be positive")
	}
	if c.TokenTTL <= 0 {
		return fmt.Errorf("token.ttl_minutes must be positive")
	}
	if c.MaxUploadBytes <= 0 {
		return fmt.Errorf("storage.max_upload_bytes must be positive")
	}
	if c.ImportHorizon <= 0 {
		return fmt.Errorf("events.import_horizon_days must be positive")
	}
	if c.HeartbeatInterval <= 0 {
		return fmt.Errorf("realtime.heartbeat_seconds must be positive")
	}
	if c.SessionIdleTTL <= 0 {
		return fmt.Errorf("calendar.session_idle_minutes must be positive")
	}
	switch strings.ToLower(strings.TrimSpace(c.LogFormat)) {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console")
	}
	if _, err := cron.ParseStandard(c.RefreshCron); err != nil {
		return fmt.Errorf("events.refresh_cron is invalid: %w", err)
	}
	seen := make(map[string]struct{}, len(c.Feeds))
	for index, feed := range c.Feeds {
		source := strings.TrimSpace(feed.Source)
		if source == "" || strings.TrimSpace(feed.URL) == "" {
			return fmt.Errorf("events.feeds[%d] requires source and url", index)
		}
		if _, duplicate := seen[source]; duplicate {
			return fmt.Errorf("events.feeds[%d] repeats source %q", index, source)
		}
		seen[source] = struct{}{}
	}
	return nil
}

func trimmedNonEmpty(values []string) []string {
	result := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}
