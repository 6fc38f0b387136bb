// Package config loads service configuration from the environment and an optional HCL file.
package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/cristalhq/aconfig"
	"github.com/cristalhq/aconfig/aconfighcl"
)

// Config holds all service settings.
type Config struct {
	Port     string `hcl:"port" env:"PORT" default:"8080"`
	LogLevel string `hcl:"log_level" env:"LOG_LEVEL" default:"info"`

	// Storage backend: Redis if RedisURL is set, else Cloud Storage if
	// StorageBucket is set, else the local directory.
	LocalStorage          string `hcl:"local_storage" env:"LOCAL_STORAGE"`
	StorageBucket         string `hcl:"storage_bucket" env:"STORAGE_BUCKET"`
	GoogleCredentialsJSON string `hcl:"google_credentials_json" env:"GOOGLE_CREDENTIALS_JSON"`
	RedisURL              string `hcl:"redis_url" env:"REDIS_URL"`

	// Domain mapping: Postgres table lookup if DatabaseURL is set, plus static overrides.
	DatabaseURL        string        `hcl:"database_url" env:"DATABASE_URL"`
	DomainMappingTable string        `hcl:"domain_mapping_table" env:"DOMAIN_MAPPING_TABLE" default:"wp_domain_mapping"`
	DomainMap          string        `hcl:"domain_map" env:"DOMAIN_MAP"`
	DomainCacheTTL     time.Duration `hcl:"domain_cache_ttl" env:"DOMAIN_CACHE_TTL" default:"5m"`
	DomainCacheSize    int           `hcl:"domain_cache_size" env:"DOMAIN_CACHE_SIZE" default:"1024"`

	// Recorder skip rules.
	PrimarySiteID     int64  `hcl:"primary_site_id" env:"PRIMARY_SITE_ID" default:"1"`
	SkipPrimarySite   bool   `hcl:"skip_primary_site" env:"SKIP_PRIMARY_SITE" default:"false"`
	FirstPostTemplate string `hcl:"first_post_template" env:"FIRST_POST_TEMPLATE"`
	NetworkHomeURL    string `hcl:"network_home_url" env:"NETWORK_HOME_URL"`
	NetworkName       string `hcl:"network_name" env:"NETWORK_NAME"`

	// PublishToken, when set, must be presented as a bearer token on /publish.
	PublishToken string `hcl:"publish_token" env:"PUBLISH_TOKEN"`

	// Per-IP token bucket for /publish. Zero rate disables limiting.
	PublishRate  float64 `hcl:"publish_rate" env:"PUBLISH_RATE" default:"5"`
	PublishBurst int     `hcl:"publish_burst" env:"PUBLISH_BURST" default:"20"`

	// Widget container markup.
	BeforeWidget string `hcl:"before_widget" env:"BEFORE_WIDGET" default:"<section class=\"widget hrpn-widget\">"`
	AfterWidget  string `hcl:"after_widget" env:"AFTER_WIDGET" default:"</section>"`
	BeforeTitle  string `hcl:"before_title" env:"BEFORE_TITLE" default:"<h2 class=\"widget-title\">"`
	AfterTitle   string `hcl:"after_title" env:"AFTER_TITLE" default:"</h2>"`
}

// Load reads configuration from config.hcl / config.local.hcl (if present)
// and the environment. Environment variables win.
func Load() (Config, error) {
	return load(aconfig.Config{
		SkipFlags:          true,
		AllowUnknownFields: true,
		Files:              []string{"./config.hcl", "./config.local.hcl"},
		FileDecoders: map[string]aconfig.FileDecoder{
			".hcl": aconfighcl.New(),
		},
	})
}

func load(acfg aconfig.Config) (Config, error) {
	var cfg Config
	loader := aconfig.LoaderFor(&cfg, acfg)
	if err := loader.Load(); err != nil {
		return Config{}, fmt.Errorf("load config: %w", err)
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	if c.DomainCacheSize <= 0 {
		return fmt.Errorf("DOMAIN_CACHE_SIZE must be positive, got %d", c.DomainCacheSize)
	}
	if c.DomainCacheTTL <= 0 {
		return fmt.Errorf("DOMAIN_CACHE_TTL must be positive, got %s", c.DomainCacheTTL)
	}
	if c.PublishRate < 0 {
		return fmt.Errorf("PUBLISH_RATE must not be negative, got %v", c.PublishRate)
	}
	if c.PublishBurst < 1 {
		return fmt.Errorf("PUBLISH_BURST must be at least 1, got %d", c.PublishBurst)
	}
	if _, err := c.SlogLevel(); err != nil {
		return err
	}
	return nil
}

// SlogLevel parses LogLevel.
func (c *Config) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(strings.ToUpper(strings.TrimSpace(c.LogLevel)))); err != nil {
		return slog.LevelInfo, fmt.Errorf("invalid LOG_LEVEL %q: %w", c.LogLevel, err)
	}
	return level, nil
}
