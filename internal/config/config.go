package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Config models flowdesk.yml.
type Config struct {
	Scanner ScannerConfig `yaml:"scanner"`
	Cache   CacheConfig   `yaml:"cache"`
	Auth    AuthConfig    `yaml:"auth"`
	Archive ArchiveConfig `yaml:"archive"`
}

type ScannerConfig struct {
	// Secret authenticates the scheduled sweep endpoint.
	Secret string `yaml:"secret"`
	// WorkerLimit bounds concurrent item transitions during a sweep.
	WorkerLimit int `yaml:"worker_limit"`
	// OnAccessTimeout bounds the synchronous check done on board reads.
	OnAccessTimeout time.Duration `yaml:"on_access_timeout"`
	// SweepInterval drives the background sweep while serving.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	CourierAging  time.Duration `yaml:"courier_aging"`
	// The two package-unclaimed thresholds are intentionally distinct; the
	// cron path and the on-access path historically disagree and both are
	// kept as named knobs rather than silently unified.
	UnclaimedAfterCron   time.Duration `yaml:"unclaimed_after_cron"`
	UnclaimedAfterAccess time.Duration `yaml:"unclaimed_after_access"`
	CallbackWindow       time.Duration `yaml:"callback_window"`
}

type CacheConfig struct {
	MemoryTTL         time.Duration            `yaml:"memory_ttl"`
	MemoryEntries     int                      `yaml:"memory_entries"`
	StoreTTL          time.Duration            `yaml:"store_ttl"`
	StoreTTLByVariant map[string]time.Duration `yaml:"store_ttl_by_variant"`
	MaxEntryBytes     int                      `yaml:"max_entry_bytes"`
}

type AuthConfig struct {
	JWTSecret        string `yaml:"jwt_secret"`
	AllowActorHeader bool   `yaml:"allow_actor_header"`
	// ElevatedActors may cancel invoices. Role lookup proper is an external
	// collaborator; this static list is the default implementation.
	ElevatedActors []string `yaml:"elevated_actors"`
}

type ArchiveConfig struct {
	// PipelineName names the dedicated archive pipeline, matched by the same
	// soft rule as stage roles. Empty means no archive pipeline is
	// configured and archival falls back to releasing trays in place.
	PipelineName string `yaml:"pipeline_name"`
}

// Default returns the default Config.
func Default() *Config {
	return &Config{
		Scanner: ScannerConfig{
			WorkerLimit:          8,
			OnAccessTimeout:      400 * time.Millisecond,
			SweepInterval:        time.Hour,
			CourierAging:         24 * time.Hour,
			UnclaimedAfterCron:   48 * time.Hour,
			UnclaimedAfterAccess: 36 * time.Hour,
			CallbackWindow:       24 * time.Hour,
		},
		Cache: CacheConfig{
			MemoryTTL:     60 * time.Second,
			MemoryEntries: 512,
			StoreTTL:      2 * time.Minute,
			StoreTTLByVariant: map[string]time.Duration{
				"reception": 15 * time.Minute,
			},
			MaxEntryBytes: 2 << 20,
		},
		Auth: AuthConfig{
			AllowActorHeader: true,
		},
	}
}

// Validate ensures the config meets required structure.
func (c *Config) Validate() error {
	if c.Scanner.WorkerLimit <= 0 {
		return fmt.Errorf("config.scanner.worker_limit must be positive")
	}
	if c.Scanner.OnAccessTimeout <= 0 {
		return fmt.Errorf("config.scanner.on_access_timeout must be positive")
	}
	if c.Scanner.CourierAging <= 0 {
		return fmt.Errorf("config.scanner.courier_aging must be positive")
	}
	if c.Scanner.UnclaimedAfterCron <= 0 || c.Scanner.UnclaimedAfterAccess <= 0 {
		return fmt.Errorf("config.scanner unclaimed thresholds must be positive")
	}
	if c.Cache.MemoryTTL <= 0 || c.Cache.StoreTTL <= 0 {
		return fmt.Errorf("config.cache TTLs must be positive")
	}
	if c.Cache.MemoryEntries <= 0 {
		return fmt.Errorf("config.cache.memory_entries must be positive")
	}
	if c.Cache.MaxEntryBytes <= 0 {
		return fmt.Errorf("config.cache.max_entry_bytes must be positive")
	}
	return nil
}

// Path returns the config file path for a workspace.
func Path(workspace string) string {
	if workspace == "" {
		workspace = "."
	}
	return filepath.Join(workspace, "flowdesk.yml")
}

// Load reads config from the workspace, falling back to defaults when the
// file does not exist.
func Load(workspace string) (*Config, error) {
	data, err := os.ReadFile(Path(workspace))
	if err != nil {
		if os.IsNotExist(err) {
			return Default(), nil
		}
		return nil, err
	}
	return FromYAML(data)
}

// FromYAML parses and validates config from raw YAML bytes. Unset fields
// keep their defaults.
func FromYAML(data []byte) (*Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("invalid config yaml: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// StoreTTLFor returns the layer-2 TTL for a board variant.
func (c *Config) StoreTTLFor(variant string) time.Duration {
	if ttl, ok := c.Cache.StoreTTLByVariant[variant]; ok {
		return ttl
	}
	return c.Cache.StoreTTL
}
