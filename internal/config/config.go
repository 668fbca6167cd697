// Package config holds the construction-time configuration of the mutation
// orchestrator and loads it from YAML or TOML files.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"

	"github.com/roach88/rowhooks/internal/merge"
)

// Config controls merge and rollback behavior. It is a value: a Manager
// copies it at construction and never changes it afterwards.
type Config struct {
	// MergeObjects deep-merges update payloads into the existing row.
	MergeObjects bool
	// ArrayStrategy combines arrays found on both sides of a merge.
	ArrayStrategy merge.Strategy
	// RollbackOnCancel undoes a write when a post-hook cancels it.
	RollbackOnCancel bool
}

// Default returns {MergeObjects: true, ArrayStrategy: union, RollbackOnCancel: true}.
func Default() Config {
	return Config{
		MergeObjects:     true,
		ArrayStrategy:    merge.Union,
		RollbackOnCancel: true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if !c.ArrayStrategy.Valid() {
		return fmt.Errorf("invalid array strategy %q", c.ArrayStrategy)
	}
	return nil
}

// Overrides is a partial Config. Nil fields keep the base value.
type Overrides struct {
	MergeObjects     *bool           `yaml:"merge_objects,omitempty" toml:"merge_objects,omitempty" json:"merge_objects,omitempty"`
	ArrayStrategy    *merge.Strategy `yaml:"array_strategy,omitempty" toml:"array_strategy,omitempty" json:"array_strategy,omitempty"`
	RollbackOnCancel *bool           `yaml:"rollback_on_cancel,omitempty" toml:"rollback_on_cancel,omitempty" json:"rollback_on_cancel,omitempty"`
}

// Apply returns c with every set field of o applied.
func (c Config) Apply(o Overrides) Config {
	if o.MergeObjects != nil {
		c.MergeObjects = *o.MergeObjects
	}
	if o.ArrayStrategy != nil {
		c.ArrayStrategy = *o.ArrayStrategy
	}
	if o.RollbackOnCancel != nil {
		c.RollbackOnCancel = *o.RollbackOnCancel
	}
	return c
}

// Merge layers next over o; fields set in next win.
func (o Overrides) Merge(next Overrides) Overrides {
	if next.MergeObjects != nil {
		o.MergeObjects = next.MergeObjects
	}
	if next.ArrayStrategy != nil {
		o.ArrayStrategy = next.ArrayStrategy
	}
	if next.RollbackOnCancel != nil {
		o.RollbackOnCancel = next.RollbackOnCancel
	}
	return o
}

// LogConfig configures the CLI logger.
type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// SlogLevel parses Level. Empty means info.
func (l LogConfig) SlogLevel() (slog.Level, error) {
	var level slog.Level
	if l.Level == "" {
		return slog.LevelInfo, nil
	}
	if err := level.UnmarshalText([]byte(l.Level)); err != nil {
		return 0, fmt.Errorf("log level: %w", err)
	}
	return level, nil
}

// File is the on-disk configuration file.
//
//	mutation:
//	  merge_objects: true
//	  array_strategy: union
//	  rollback_on_cancel: true
//	log:
//	  level: debug
//	database: ./rowhooks.db
type File struct {
	Mutation Overrides `yaml:"mutation" toml:"mutation"`
	Log      LogConfig `yaml:"log" toml:"log"`
	Database string    `yaml:"database" toml:"database"`
}

// Config returns Default with the file's mutation overrides applied.
func (f *File) Config() (Config, error) {
	cfg := Default().Apply(f.Mutation)
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Format is a configuration file syntax.
type Format string

const (
	FormatYAML Format = "yaml"
	FormatTOML Format = "toml"
)

// FormatFromPath picks the syntax from the file extension.
func FormatFromPath(path string) (Format, error) {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML, nil
	case ".toml":
		return FormatTOML, nil
	default:
		return "", fmt.Errorf("unsupported config file extension %q (want .yaml, .yml or .toml)", filepath.Ext(path))
	}
}

// Load reads a configuration file. Unknown keys are rejected.
func Load(path string) (*File, error) {
	format, err := FormatFromPath(path)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}
	f, err := Parse(data, format)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	return f, nil
}

// Parse decodes configuration data in the given format.
func Parse(data []byte, format Format) (*File, error) {
	var f File
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&f); err != nil && !errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("parse yaml: %w", err)
		}
	case FormatTOML:
		md, err := toml.Decode(string(data), &f)
		if err != nil {
			return nil, fmt.Errorf("parse toml: %w", err)
		}
		if undecoded := md.Undecoded(); len(undecoded) > 0 {
			return nil, fmt.Errorf("parse toml: unknown keys %v", undecoded)
		}
	default:
		return nil, fmt.Errorf("unknown config format %q", format)
	}

	if _, err := f.Config(); err != nil {
		return nil, err
	}
	return &f, nil
}
