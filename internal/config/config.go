package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"chunkanchor.ai/internal/anchor"
)

type Config struct {
	Limit               int           `yaml:"limit"`
	ChunkRadius         int           `yaml:"chunk_radius"`
	DefaultPolicy       anchor.Policy `yaml:"default_policy"`
	ShowDurationSeconds int           `yaml:"show_duration_seconds"`
	ShowIntervalMs      int           `yaml:"show_interval_ms"`

	Storage Storage  `yaml:"storage"`
	Audit   Audit    `yaml:"audit"`
	Offsite Offsite  `yaml:"offsite"`
	Log     Log      `yaml:"log"`
	Worlds  []string `yaml:"worlds"`
	Listen  string   `yaml:"listen"`
}

type Storage struct {
	Backend string `yaml:"backend"`
	Path    string `yaml:"path"`
	Backups int    `yaml:"backups"`
}

type Audit struct {
	Dir string `yaml:"dir"`
}

// Offsite mirrors finished audit segments and anchor backups to an
// S3-compatible bucket. Credentials may come from the environment.
type Offsite struct {
	Enabled         bool   `yaml:"enabled"`
	Endpoint        string `yaml:"endpoint"`
	Bucket          string `yaml:"bucket"`
	Region          string `yaml:"region"`
	Prefix          string `yaml:"prefix"`
	AccessKeyID     string `yaml:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key"`
	Root            string `yaml:"root"`
	Workers         int    `yaml:"workers"`
}

func (o Offsite) missing() []string {
	var out []string
	for _, f := range []struct{ name, v string }{
		{"endpoint", o.Endpoint},
		{"bucket", o.Bucket},
		{"access_key_id", o.AccessKeyID},
		{"secret_access_key", o.SecretAccessKey},
	} {
		if strings.TrimSpace(f.v) == "" {
			out = append(out, f.name)
		}
	}
	return out
}

type Log struct {
	Level  string `yaml:"level"`
	Pretty bool   `yaml:"pretty"`
}

const (
	EnvOffsiteAccessKeyID     = "CHUNKANCHOR_OFFSITE_ACCESS_KEY_ID"
	EnvOffsiteSecretAccessKey = "CHUNKANCHOR_OFFSITE_SECRET_ACCESS_KEY"
)

const (
	BackendYAML   = "yaml"
	BackendSQLite = "sqlite"

	maxChunkRadius = 16
)

func Defaults() Config {
	return Config{
		Limit:               3,
		ChunkRadius:         1,
		DefaultPolicy:       anchor.PolicyPlayerOnline,
		ShowDurationSeconds: 30,
		ShowIntervalMs:      250,
		Storage: Storage{
			Backend: BackendYAML,
			Path:    "data/anchors.yml",
			Backups: 5,
		},
		Audit: Audit{Dir: "data/audit"},
		Offsite: Offsite{
			Root:    "data",
			Workers: 2,
		},
		Log:    Log{Level: "info"},
		Worlds: []string{"world", "world_nether", "world_the_end"},
		Listen: "127.0.0.1:8080",
	}
}

func (c Config) ShowDuration() time.Duration {
	return time.Duration(c.ShowDurationSeconds) * time.Second
}

func (c Config) ShowInterval() time.Duration {
	return time.Duration(c.ShowIntervalMs) * time.Millisecond
}

// Load reads a config file over the defaults and validates it. A missing
// file returns the defaults.
func Load(path string) (Config, error) {
	cfg, err := read(path)
	if err != nil {
		return cfg, err
	}
	if err := cfg.Validate(); err != nil {
		return cfg, fmt.Errorf("config.yml: %w", err)
	}
	return cfg, nil
}

func read(path string) (Config, error) {
	cfg := Defaults()
	if strings.TrimSpace(path) == "" {
		return cfg, nil
	}
	b, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		applyEnv(&cfg)
		return cfg, nil
	}
	if err != nil {
		return cfg, err
	}
	if err := yaml.Unmarshal(b, &cfg); err != nil {
		return Defaults(), fmt.Errorf("config.yml: %w", err)
	}
	applyEnv(&cfg)
	cfg.Normalize()
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv(EnvOffsiteAccessKeyID)); v != "" {
		cfg.Offsite.AccessKeyID = v
	}
	if v := strings.TrimSpace(os.Getenv(EnvOffsiteSecretAccessKey)); v != "" {
		cfg.Offsite.SecretAccessKey = v
	}
}

// Normalize canonicalizes spellings without changing meaning.
func (c *Config) Normalize() {
	c.DefaultPolicy = anchor.Policy(strings.ToUpper(strings.TrimSpace(string(c.DefaultPolicy))))
	c.Storage.Backend = strings.ToLower(strings.TrimSpace(c.Storage.Backend))
	c.Log.Level = strings.ToLower(strings.TrimSpace(c.Log.Level))
	worlds := c.Worlds[:0]
	seen := map[string]bool{}
	for _, w := range c.Worlds {
		w = strings.TrimSpace(w)
		if w == "" || seen[w] {
			continue
		}
		seen[w] = true
		worlds = append(worlds, w)
	}
	c.Worlds = worlds
}

func (c Config) Validate() error {
	var errs []error
	if c.Limit < 0 {
		errs = append(errs, fmt.Errorf("limit must be >= 0, got %d", c.Limit))
	}
	if c.ChunkRadius < 0 || c.ChunkRadius > maxChunkRadius {
		errs = append(errs, fmt.Errorf("chunk_radius must be in [0,%d], got %d", maxChunkRadius, c.ChunkRadius))
	}
	if !c.DefaultPolicy.Valid() || c.DefaultPolicy == anchor.PolicyDefault {
		errs = append(errs, fmt.Errorf("default_policy must be ALWAYS or PLAYER_ONLINE, got %q", c.DefaultPolicy))
	}
	if c.ShowDurationSeconds <= 0 {
		errs = append(errs, fmt.Errorf("show_duration_seconds must be > 0"))
	}
	if c.ShowIntervalMs <= 0 {
		errs = append(errs, fmt.Errorf("show_interval_ms must be > 0"))
	}
	switch c.Storage.Backend {
	case BackendYAML, BackendSQLite:
	default:
		errs = append(errs, fmt.Errorf("storage.backend must be yaml or sqlite, got %q", c.Storage.Backend))
	}
	if strings.TrimSpace(c.Storage.Path) == "" {
		errs = append(errs, fmt.Errorf("storage.path is required"))
	}
	if c.Offsite.Enabled {
		if m := c.Offsite.missing(); len(m) > 0 {
			errs = append(errs, fmt.Errorf("offsite enabled but missing %s", strings.Join(m, ", ")))
		}
	}
	return errors.Join(errs...)
}

// Warning is one field that was reset to its default.
type Warning struct {
	Field string
	Value string
	Used  string
}

// LoadWithFallback never fails: an unreadable file yields the defaults and
// each invalid field falls back to its default individually. Callers log the
// returned warnings.
func LoadWithFallback(path string) (Config, []Warning) {
	cfg, err := read(path)
	if err != nil {
		return cfg, []Warning{{Field: "file", Value: err.Error(), Used: "defaults"}}
	}
	def := Defaults()
	var warns []Warning
	reset := func(field, value, used string) {
		warns = append(warns, Warning{Field: field, Value: value, Used: used})
	}
	if cfg.Limit < 0 {
		reset("limit", fmt.Sprint(cfg.Limit), fmt.Sprint(def.Limit))
		cfg.Limit = def.Limit
	}
	if cfg.ChunkRadius < 0 || cfg.ChunkRadius > maxChunkRadius {
		reset("chunk_radius", fmt.Sprint(cfg.ChunkRadius), fmt.Sprint(def.ChunkRadius))
		cfg.ChunkRadius = def.ChunkRadius
	}
	if !cfg.DefaultPolicy.Valid() || cfg.DefaultPolicy == anchor.PolicyDefault {
		reset("default_policy", string(cfg.DefaultPolicy), string(anchor.PolicyPlayerOnline))
		cfg.DefaultPolicy = anchor.PolicyPlayerOnline
	}
	if cfg.ShowDurationSeconds <= 0 {
		reset("show_duration_seconds", fmt.Sprint(cfg.ShowDurationSeconds), fmt.Sprint(def.ShowDurationSeconds))
		cfg.ShowDurationSeconds = def.ShowDurationSeconds
	}
	if cfg.ShowIntervalMs <= 0 {
		reset("show_interval_ms", fmt.Sprint(cfg.ShowIntervalMs), fmt.Sprint(def.ShowIntervalMs))
		cfg.ShowIntervalMs = def.ShowIntervalMs
	}
	if cfg.Storage.Backend != BackendYAML && cfg.Storage.Backend != BackendSQLite {
		reset("storage.backend", cfg.Storage.Backend, def.Storage.Backend)
		cfg.Storage.Backend = def.Storage.Backend
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		reset("storage.path", "", def.Storage.Path)
		cfg.Storage.Path = def.Storage.Path
	}
	if cfg.Offsite.Enabled {
		if m := cfg.Offsite.missing(); len(m) > 0 {
			reset("offsite.enabled", "missing "+strings.Join(m, ", "), "false")
			cfg.Offsite.Enabled = false
		}
	}
	return cfg, warns
}
