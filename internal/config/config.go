package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                = "VETTR"
	defaultHTTPAddress       = "0.0.0.0:8080"
	defaultDatabaseDriver    = DriverSQLite
	defaultDatabasePath      = "vettr.db"
	defaultLogLevel          = "info"
	defaultLogFormat         = "json"
	defaultCookieName        = "vettr_session"
	defaultSessionIssuer     = "tauth"
	defaultAdminRole         = "admin"
	defaultFreeHours         = 24
	defaultProHours          = 12
	defaultPremiumHours      = 4
	defaultPendingAttemptTTL = 5 * time.Minute

	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress       string
	DatabaseDriver    string
	DatabasePath      string
	DatabaseDSN       string
	LogLevel          string
	LogFormat         string
	TAuthSigningKey   string
	TAuthCookieName   string
	TAuthIssuer       string
	AdminRole         string
	AllowedOrigins    []string
	SyncIntervals     SyncIntervals
	PendingAttemptTTL time.Duration
	ConflictOnUpdates bool
}

// SyncIntervals holds the minimum hours between successful pulls per tier.
type SyncIntervals struct {
	FreeHours    int
	ProHours     int
	PremiumHours int
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
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("log.format", defaultLogFormat)
	configViper.SetDefault("tauth.signing_secret", "")
	configViper.SetDefault("tauth.cookie_name", defaultCookieName)
	configViper.SetDefault("tauth.issuer", defaultSessionIssuer)
	configViper.SetDefault("admin.role", defaultAdminRole)
	configViper.SetDefault("cors.allowed_origins", []string{})
	configViper.SetDefault("sync.interval_hours.free", defaultFreeHours)
	configViper.SetDefault("sync.interval_hours.pro", defaultProHours)
	configViper.SetDefault("sync.interval_hours.premium", defaultPremiumHours)
	configViper.SetDefault("sync.pending_attempt_ttl", defaultPendingAttemptTTL)
	configViper.SetDefault("sync.conflict_on_updated_at", false)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:     configViper.GetString("http.address"),
		DatabaseDriver:  strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:    configViper.GetString("database.path"),
		DatabaseDSN:     configViper.GetString("database.dsn"),
		LogLevel:        configViper.GetString("log.level"),
		LogFormat:       strings.ToLower(strings.TrimSpace(configViper.GetString("log.format"))),
		TAuthSigningKey: configViper.GetString("tauth.signing_secret"),
		TAuthCookieName: configViper.GetString("tauth.cookie_name"),
		TAuthIssuer:     configViper.GetString("tauth.issuer"),
		AdminRole:       configViper.GetString("admin.role"),
		AllowedOrigins:  splitList(configViper.GetStringSlice("cors.allowed_origins")),
		SyncIntervals: SyncIntervals{
			FreeHours:    configViper.GetInt("sync.interval_hours.free"),
			ProHours:     configViper.GetInt("sync.interval_hours.pro"),
			PremiumHours: configViper.GetInt("sync.interval_hours.premium"),
		},
		PendingAttemptTTL: configViper.GetDuration("sync.pending_attempt_ttl"),
		ConflictOnUpdates: configViper.GetBool("sync.conflict_on_updated_at"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// splitList flattens comma separated entries, as supplied through env vars.
func splitList(values []string) []string {
	var items []string
	for _, value := range values {
		for _, item := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(item); trimmed != "" {
				items = append(items, trimmed)
			}
		}
	}
	return items
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.TAuthSigningKey) == "" {
		return fmt.Errorf("tauth.signing_secret is required")
	}
	if strings.TrimSpace(c.TAuthCookieName) == "" {
		return fmt.Errorf("tauth.cookie_name is required")
	}
	switch c.DatabaseDriver {
	case DriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required for the sqlite driver")
		}
	case DriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for the postgres driver")
		}
	default:
		return fmt.Errorf("database.driver must be %q or %q, got %q", DriverSQLite, DriverPostgres, c.DatabaseDriver)
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("log.format must be json or console, got %q", c.LogFormat)
	}
	if c.SyncIntervals.FreeHours < 0 || c.SyncIntervals.ProHours < 0 || c.SyncIntervals.PremiumHours < 0 {
		return fmt.Errorf("sync.interval_hours values must not be negative")
	}
	for _, origin := range c.AllowedOrigins {
		if origin == "*" {
			return fmt.Errorf("cors.allowed_origins must list explicit origins, not %q", origin)
		}
	}
	if c.PendingAttemptTTL <= 0 {
		return fmt.Errorf("sync.pending_attempt_ttl must be positive")
	}
	return nil
}
