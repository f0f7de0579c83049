package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"shelf/internal/logging"

	"github.com/BurntSushi/toml"
	"sigs.k8s.io/yaml"
)

type Config struct {
	Database DatabaseConfig `toml:"database" json:"database"`
	Logging  LoggingConfig  `toml:"logging" json:"logging"`
}

type DatabaseConfig struct {
	Name            string   `toml:"name" json:"name"`
	Version         uint64   `toml:"version" json:"version"`
	Backend         string   `toml:"backend" json:"backend"`
	DataDir         string   `toml:"data_dir" json:"data_dir"`
	OpenTimeout     Duration `toml:"open_timeout" json:"open_timeout"`
	Initialize      bool     `toml:"initialize" json:"initialize"`
	SchemaCacheSize int      `toml:"schema_cache_size" json:"schema_cache_size"`

	// Stores declares the schema created by the default upgrade callback.
	Stores []StoreConfig `toml:"stores" json:"stores"`
}

type StoreConfig struct {
	Name          string        `toml:"name" json:"name"`
	KeyPath       []string      `toml:"key_path" json:"key_path"`
	AutoIncrement bool          `toml:"auto_increment" json:"auto_increment"`
	Indexes       []IndexConfig `toml:"indexes" json:"indexes"`
}

type IndexConfig struct {
	Name       string   `toml:"name" json:"name"`
	KeyPath    []string `toml:"key_path" json:"key_path"`
	Unique     bool     `toml:"unique" json:"unique"`
	MultiEntry bool     `toml:"multi_entry" json:"multi_entry"`
}

type LoggingConfig struct {
	Level  string `toml:"level" json:"level"`
	Format string `toml:"format" json:"format"`
}

// Duration is a time.Duration written as "1s", "250ms" in both TOML and YAML.
type Duration struct {
	time.Duration
}

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	d.Duration = v
	return nil
}

func (d Duration) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

// UnmarshalJSON accepts a duration string or a number of nanoseconds.
func (d *Duration) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		return d.UnmarshalText([]byte(s))
	}
	var n int64
	if err := json.Unmarshal(b, &n); err != nil {
		return fmt.Errorf("duration must be a string like \"1s\": %s", b)
	}
	d.Duration = time.Duration(n)
	return nil
}

func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(d.String())
}

// Defaults returns a Config with sane defaults.
func Defaults() *Config {
	return &Config{
		Database: DatabaseConfig{
			Name:        "shelf",
			Version:     1,
			Backend:     "bolt",
			DataDir:     "~/.shelf",
			OpenTimeout: Duration{time.Second},
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load reads a TOML or YAML config file (chosen by extension) and returns
// the parsed Config. If path is empty, only defaults are returned.
func Load(path string) (*Config, error) {
	cfg := Defaults()

	if path == "" {
		// Try default location
		path = expandHome("~/.shelf/config.toml")
		if _, err := os.Stat(path); os.IsNotExist(err) {
			return cfg, nil
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config: %w", err)
	}

	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), cfg); err != nil {
			return nil, fmt.Errorf("parsing config: %w", err)
		}
	}

	return cfg, nil
}

// Validate reports every invalid field, joined into one error.
func (c *Config) Validate() error {
	var errs []error
	db := c.Database
	if db.Name == "" {
		errs = append(errs, errors.New("database.name: must not be empty"))
	} else if strings.ContainsAny(db.Name, `/\`) {
		errs = append(errs, fmt.Errorf("database.name: %q must not contain path separators", db.Name))
	}
	switch db.Backend {
	case "", "bolt":
		if db.DataDir == "" {
			errs = append(errs, errors.New("database.data_dir: required by the bolt backend"))
		}
	case "pebble", "leveldb":
	default:
		errs = append(errs, fmt.Errorf("database.backend: unknown backend %q", db.Backend))
	}
	if db.OpenTimeout.Duration < 0 {
		errs = append(errs, fmt.Errorf("database.open_timeout: must not be negative, got %s", db.OpenTimeout))
	}
	if db.SchemaCacheSize < 0 {
		errs = append(errs, fmt.Errorf("database.schema_cache_size: must not be negative, got %d", db.SchemaCacheSize))
	}
	errs = append(errs, validateStores(db.Stores)...)
	if _, err := logging.ParseLevel(c.Logging.Level); err != nil {
		errs = append(errs, fmt.Errorf("logging.level: %w", err))
	}
	if _, err := logging.ParseFormat(c.Logging.Format); err != nil {
		errs = append(errs, fmt.Errorf("logging.format: %w", err))
	}
	return errors.Join(errs...)
}

func validateStores(stores []StoreConfig) []error {
	var errs []error
	seen := map[string]bool{}
	for i, s := range stores {
		field := fmt.Sprintf("database.stores[%d]", i)
		switch {
		case s.Name == "":
			errs = append(errs, fmt.Errorf("%s.name: must not be empty", field))
		case seen[s.Name]:
			errs = append(errs, fmt.Errorf("%s.name: duplicate store %q", field, s.Name))
		}
		seen[s.Name] = true
		if s.AutoIncrement && len(s.KeyPath) > 1 {
			errs = append(errs, fmt.Errorf("%s.key_path: auto_increment needs at most one path", field))
		}
		indexes := map[string]bool{}
		for j, ix := range s.Indexes {
			ifield := fmt.Sprintf("%s.indexes[%d]", field, j)
			switch {
			case ix.Name == "":
				errs = append(errs, fmt.Errorf("%s.name: must not be empty", ifield))
			case indexes[ix.Name]:
				errs = append(errs, fmt.Errorf("%s.name: duplicate index %q", ifield, ix.Name))
			}
			indexes[ix.Name] = true
			if len(ix.KeyPath) == 0 {
				errs = append(errs, fmt.Errorf("%s.key_path: must not be empty", ifield))
			}
		}
	}
	return errs
}

// ExpandHome resolves a leading ~/ to the user's home directory.
func ExpandHome(path string) string {
	return expandHome(path)
}

func expandHome(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[2:])
	}
	return path
}
