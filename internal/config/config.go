package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix                  = "VOYAGER"
	defaultHTTPAddress         = "0.0.0.0:8080"
	defaultDatabaseDriver      = DriverSQLite
	defaultDatabasePath        = "voyager.db"
	defaultStorageTimeout      = 5 * time.Second
	defaultLogLevel            = "info"
	defaultAuthIssuer          = "voyager-transport"
	defaultReconcileInterval   = 10 * time.Minute
	defaultPreferencesMaxBytes = 16 * 1024
	defaultPreferencesMaxDepth = 8
	defaultClaimsPerSecond     = 5.0
	defaultClaimBurst          = 10
	defaultShutdownGracePeriod = 10 * time.Second
	minimumSigningSecretLength = 32
	DriverSQLite               = "sqlite"
	DriverPostgres             = "postgres"
)

// AppConfig captures runtime configuration for the claim service.
type AppConfig struct {
	HTTPAddress         string
	DatabaseDriver      string
	DatabasePath        string
	DatabaseDSN         string
	DatabaseTracing     bool
	StorageTimeout      time.Duration
	LogLevel            string
	SigningSecret       string
	Issuer              string
	ReconcileInterval   time.Duration
	RequireOpenMarker   bool
	MarkerTTL           time.Duration
	PreferencesMaxBytes int
	PreferencesMaxDepth int
	ClaimsPerSecond     float64
	ClaimBurst          int
	ShutdownGracePeriod time.Duration
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
	configViper.SetDefault("http.shutdown_grace", defaultShutdownGracePeriod)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("database.tracing", false)
	configViper.SetDefault("storage.timeout", defaultStorageTimeout)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("auth.issuer", defaultAuthIssuer)
	configViper.SetDefault("reconcile.interval", defaultReconcileInterval)
	configViper.SetDefault("markers.require_open", true)
	configViper.SetDefault("markers.ttl", time.Duration(0))
	configViper.SetDefault("preferences.max_bytes", defaultPreferencesMaxBytes)
	configViper.SetDefault("preferences.max_depth", defaultPreferencesMaxDepth)
	configViper.SetDefault("ratelimit.claims_per_second", defaultClaimsPerSecond)
	configViper.SetDefault("ratelimit.burst", defaultClaimBurst)
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := read(configViper)
	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadStorage parses configuration for maintenance commands that only touch the database.
func LoadStorage(configViper *viper.Viper) (AppConfig, error) {
	cfg := read(configViper)
	if err := cfg.ValidateStorage(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

func read(configViper *viper.Viper) AppConfig {
	return AppConfig{
		HTTPAddress:         configViper.GetString("http.address"),
		DatabaseDriver:      strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:        configViper.GetString("database.path"),
		DatabaseDSN:         configViper.GetString("database.dsn"),
		DatabaseTracing:     configViper.GetBool("database.tracing"),
		StorageTimeout:      configViper.GetDuration("storage.timeout"),
		LogLevel:            configViper.GetString("log.level"),
		SigningSecret:       configViper.GetString("auth.signing_secret"),
		Issuer:              configViper.GetString("auth.issuer"),
		ReconcileInterval:   configViper.GetDuration("reconcile.interval"),
		RequireOpenMarker:   configViper.GetBool("markers.require_open"),
		MarkerTTL:           configViper.GetDuration("markers.ttl"),
		PreferencesMaxBytes: configViper.GetInt("preferences.max_bytes"),
		PreferencesMaxDepth: configViper.GetInt("preferences.max_depth"),
		ClaimsPerSecond:     configViper.GetFloat64("ratelimit.claims_per_second"),
		ClaimBurst:          configViper.GetInt("ratelimit.burst"),
		ShutdownGracePeriod: configViper.GetDuration("http.shutdown_grace"),
	}
}

// ValidateStorage checks only the settings needed to reach the database.
func (c AppConfig) ValidateStorage() error {
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
	if c.StorageTimeout <= 0 {
		return fmt.Errorf("storage.timeout must be positive")
	}
	return nil
}

func (c AppConfig) validate() error {
	if err := c.ValidateStorage(); err != nil {
		return err
	}
	if len(strings.TrimSpace(c.SigningSecret)) < minimumSigningSecretLength {
		return fmt.Errorf("auth.signing_secret must be at least %d characters", minimumSigningSecretLength)
	}
	if strings.TrimSpace(c.Issuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if c.ReconcileInterval <= 0 {
		return fmt.Errorf("reconcile.interval must be positive")
	}
	if c.MarkerTTL < 0 {
		return fmt.Errorf("markers.ttl must not be negative")
	}
	if c.PreferencesMaxBytes <= 0 || c.PreferencesMaxDepth <= 0 {
		return fmt.Errorf("preferences.max_bytes and preferences.max_depth must be positive")
	}
	if c.ClaimsPerSecond <= 0 || c.ClaimBurst <= 0 {
		return fmt.Errorf("ratelimit.claims_per_second and ratelimit.burst must be positive")
	}
	return nil
}
