package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"

	"github.com/nirmitee-tech/fhir-server/internal/platform/sqladapter"
)

// Config is the server's entire configuration surface: backend
// selection, connection details, id/bootstrap behaviour, and the base
// URL used to construct Bundle.entry.fullUrl.
type Config struct {
	Port string `mapstructure:"PORT"`
	Env  string `mapstructure:"ENV"`

	Backend     string `mapstructure:"BACKEND"`      // "postgresql" or "h2"
	DatabaseURL string `mapstructure:"DATABASE_URL"` // connection string (postgres) or file path (h2)
	DBUser      string `mapstructure:"DB_USER"`
	DBPassword  string `mapstructure:"DB_PASSWORD"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	ClearDataOnStartup    bool `mapstructure:"CLEAR_DATA_ON_STARTUP"`
	UseServerGeneratedIDs bool `mapstructure:"USE_SERVER_GENERATED_IDS"`

	BaseURL string `mapstructure:"BASE_URL"` // used to build fullUrl on every Bundle entry

	// IPSDefaultOrganization/IPSDefaultAuthor seed the International
	// Patient Summary composition author/custodian. The $summary
	// operation itself is not implemented; these are carried so the
	// configuration surface stays complete for a future implementation.
	IPSDefaultOrganization string `mapstructure:"IPS_DEFAULT_ORGANIZATION"`
	IPSDefaultAuthor       string `mapstructure:"IPS_DEFAULT_AUTHOR"`

	CORSOrigins []string `mapstructure:"CORS_ORIGINS"`
}

// Load reads configuration from the environment (and an optional .env
// file), applying defaults first, then env bindings, then the file.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("BACKEND", string(sqladapter.BackendEmbedded))
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("CLEAR_DATA_ON_STARTUP", false)
	v.SetDefault("USE_SERVER_GENERATED_IDS", true)
	v.SetDefault("BASE_URL", "http://localhost:8000/fhir/r4")
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")

	for _, key := range []string{
		"PORT", "ENV", "BACKEND", "DATABASE_URL", "DB_USER", "DB_PASSWORD",
		"DB_MAX_CONNS", "DB_MIN_CONNS", "CLEAR_DATA_ON_STARTUP",
		"USE_SERVER_GENERATED_IDS", "BASE_URL", "IPS_DEFAULT_ORGANIZATION",
		"IPS_DEFAULT_AUTHOR", "CORS_ORIGINS",
	} {
		_ = v.BindEnv(key)
	}

	// Reading the .env file is best-effort; its absence is normal outside
	// local development.
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		if origins := v.GetString("CORS_ORIGINS"); origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	if cfg.IsDev() {
		log.Printf("config: starting in development mode (backend=%s, clearDataOnStartup=%v)", cfg.Backend, cfg.ClearDataOnStartup)
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// SQLBackend converts the configured backend string to the sqladapter
// enum, defaulting to the embedded backend for an empty/unset value.
func (c *Config) SQLBackend() sqladapter.Backend {
	switch sqladapter.Backend(c.Backend) {
	case sqladapter.BackendPostgres:
		return sqladapter.BackendPostgres
	default:
		return sqladapter.BackendEmbedded
	}
}

// Validate checks that the configuration names a supported backend and,
// for production, refuses to start with destructive startup behaviour
// left on.
func (c *Config) Validate() error {
	switch sqladapter.Backend(c.Backend) {
	case sqladapter.BackendPostgres, sqladapter.BackendEmbedded:
	default:
		return fmt.Errorf("BACKEND must be %q or %q, got %q", sqladapter.BackendPostgres, sqladapter.BackendEmbedded, c.Backend)
	}
	if c.IsProduction() && c.ClearDataOnStartup {
		return fmt.Errorf("CLEAR_DATA_ON_STARTUP must not be set in production")
	}
	return nil
}
