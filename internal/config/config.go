// Package config loads the YAML settings shared by the code generator, the
// code cache and the command line tools.
package config

import (
	"fmt"
	"log/slog"
	"os"

	"gopkg.in/yaml.v3"

	"github.com/tinyrange/codeblob/internal/asm"
	"github.com/tinyrange/codeblob/internal/codeblob"
	"github.com/tinyrange/codeblob/internal/codecache"
	"github.com/tinyrange/codeblob/internal/oopmap"
)

const (
	DefaultFilename       = "codeblob.yaml"
	DefaultBufferCapacity = 256
	DefaultLogLevel       = "info"
)

type Config struct {
	Version int `yaml:"version"`

	Buffer BufferConfig `yaml:"buffer"`
	OopMap OopMapConfig `yaml:"oopmap"`
	Cache  CacheConfig  `yaml:"cache"`
	Log    LogConfig    `yaml:"log"`
}

type BufferConfig struct {
	// Capacity is the initial code buffer size in bytes.
	Capacity int `yaml:"capacity,omitempty"`
}

type OopMapConfig struct {
	// Width is the number of register and stack locations an oop map can
	// name. It is rounded up to a multiple of 64.
	Width int `yaml:"width,omitempty"`
}

type CacheConfig struct {
	// ReserveKB caps executable memory. Zero means unlimited.
	ReserveKB int `yaml:"reserveKB,omitempty"`
}

type LogConfig struct {
	Level string `yaml:"level,omitempty"`
}

func Default() Config {
	var c Config
	c.normalize()
	return c
}

func (c *Config) normalize() {
	if c.Version == 0 {
		c.Version = 1
	}
	if c.Buffer.Capacity == 0 {
		c.Buffer.Capacity = DefaultBufferCapacity
	}
	if c.OopMap.Width == 0 {
		c.OopMap.Width = oopmap.DefaultWidth
	}
	if c.OopMap.Width < oopmap.RegCount {
		c.OopMap.Width = oopmap.RegCount
	}
	if c.Log.Level == "" {
		c.Log.Level = DefaultLogLevel
	}
}

// Validate reports settings that normalize cannot repair.
func (c Config) Validate() error {
	if c.Version != 1 {
		return fmt.Errorf("unsupported config version %d", c.Version)
	}
	if c.Buffer.Capacity < 0 {
		return fmt.Errorf("buffer.capacity %d is negative", c.Buffer.Capacity)
	}
	if c.Cache.ReserveKB < 0 {
		return fmt.Errorf("cache.reserveKB %d is negative", c.Cache.ReserveKB)
	}
	if _, err := c.LogLevel(); err != nil {
		return err
	}
	return nil
}

func (c Config) LogLevel() (slog.Level, error) {
	var lvl slog.Level
	if err := lvl.UnmarshalText([]byte(c.Log.Level)); err != nil {
		return 0, fmt.Errorf("log.level: %w", err)
	}
	return lvl, nil
}

// AssemblerOptions configures a codeblob.Assembler from c.
func (c Config) AssemblerOptions(log *slog.Logger) []codeblob.Option {
	return []codeblob.Option{
		codeblob.WithLogger(log),
		codeblob.WithOopMapWidth(c.OopMap.Width),
		codeblob.WithBufferOptions(asm.WithCapacity(c.Buffer.Capacity)),
	}
}

// CacheOptions configures a codecache.Cache from c.
func (c Config) CacheOptions(log *slog.Logger) []codecache.Option {
	return []codecache.Option{
		codecache.WithLogger(log),
		codecache.WithReserve(c.Cache.ReserveKB * 1024),
	}
}

// Load reads and validates a YAML config file. Missing fields take their
// defaults.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read %s: %w", path, err)
	}
	return Parse(data)
}

func Parse(data []byte) (Config, error) {
	var c Config
	if err := yaml.Unmarshal(data, &c); err != nil {
		return Config{}, fmt.Errorf("parse config: %w", err)
	}
	c.normalize()
	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// Write stores c as YAML at path.
func Write(path string, c Config) error {
	c.normalize()

	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("create %s: %w", path, err)
	}
	defer f.Close()

	enc := yaml.NewEncoder(f)
	enc.SetIndent(2)
	if err := enc.Encode(&c); err != nil {
		return fmt.Errorf("encode %s: %w", path, err)
	}
	if err := enc.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}
