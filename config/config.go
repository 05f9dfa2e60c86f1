// Package config loads the gisquick-bridge configuration file.
//
// A file is YAML or TOML depending on its extension. Values are decoded onto
// Default, then GISQUICK_* environment variables override them.
package config

import (
	"bytes"
	"fmt"
	"io"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Runtime selects how the native client is loaded.
const (
	RuntimeNative = "native"
	RuntimeWASM   = "wasm"
)

// FileName is the base name searched for when no path is given.
const FileName = "gisquick"

// Config is the full bridge configuration.
type Config struct {
	Server          ServerConfig   `yaml:"server" toml:"server"`
	ClientInfo      string         `yaml:"client_info" toml:"client_info"`
	Library         LibraryConfig  `yaml:"library" toml:"library"`
	Dispatch        DispatchConfig `yaml:"dispatch" toml:"dispatch"`
	Log             LogConfig      `yaml:"log" toml:"log"`
	Project         ProjectConfig  `yaml:"project" toml:"project"`
	ShutdownTimeout time.Duration  `yaml:"shutdown_timeout" toml:"shutdown_timeout"`
	MetricsAddr     string         `yaml:"metrics_addr" toml:"metrics_addr"`

	// Path is the file the configuration was read from, if any.
	Path string `yaml:"-" toml:"-"`
}

type ServerConfig struct {
	URL      string `yaml:"url" toml:"url"`
	Username string `yaml:"username" toml:"username"`
	Password string `yaml:"password" toml:"password"`
}

type LibraryConfig struct {
	Dir     string `yaml:"dir" toml:"dir"`
	Name    string `yaml:"name" toml:"name"`
	Runtime string `yaml:"runtime" toml:"runtime"`
}

// DispatchConfig bounds inbound command handling. A zero RateLimit
// disables limiting and a zero Timeout disables the deadline.
type DispatchConfig struct {
	RateLimit float64       `yaml:"rate_limit" toml:"rate_limit"`
	Burst     int           `yaml:"burst" toml:"burst"`
	Timeout   time.Duration `yaml:"timeout" toml:"timeout"`
}

type LogConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// ProjectConfig names the project file answered by the project commands.
type ProjectConfig struct {
	File     string        `yaml:"file" toml:"file"`
	Watch    bool          `yaml:"watch" toml:"watch"`
	Debounce time.Duration `yaml:"debounce" toml:"debounce"`
}

// Default returns the configuration used when nothing is set.
func Default() *Config {
	return &Config{
		Library: LibraryConfig{
			Dir:     ".",
			Name:    "gisquick",
			Runtime: RuntimeNative,
		},
		Dispatch: DispatchConfig{
			Burst:   1,
			Timeout: 30 * time.Second,
		},
		Log: LogConfig{
			Level:  "info",
			Format: "json",
		},
		Project: ProjectConfig{
			Watch:    true,
			Debounce: 300 * time.Millisecond,
		},
		ShutdownTimeout: 10 * time.Second,
	}
}

// Candidates returns the paths searched when Load is given no path.
func Candidates() []string {
	var dirs []string
	dirs = append(dirs, ".")
	if dir, err := os.UserConfigDir(); err == nil {
		dirs = append(dirs, filepath.Join(dir, FileName))
	}
	var out []string
	for _, dir := range dirs {
		for _, ext := range []string{".yaml", ".yml", ".toml"} {
			out = append(out, filepath.Join(dir, FileName+ext))
		}
	}
	return out
}

// Load reads the configuration at path, or the first existing candidate if
// path is empty, and applies environment overrides. A missing candidate is
// not an error; a missing explicit path is.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		if err := cfg.readFile(path); err != nil {
			return nil, err
		}
	} else {
		for _, candidate := range Candidates() {
			if _, err := os.Stat(candidate); err != nil {
				continue
			}
			if err := cfg.readFile(candidate); err != nil {
				return nil, err
			}
			break
		}
	}
	cfg.ApplyEnv(os.LookupEnv)
	cfg.normalize()
	return cfg, nil
}

func (c *Config) readFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "reading config")
	}
	if err := c.Decode(filepath.Ext(path), data); err != nil {
		return errors.Wrapf(err, "parsing %s", path)
	}
	c.Path = path
	return nil
}

// Decode merges data onto c. ext selects the format: ".toml" is TOML,
// anything else is YAML.
func (c *Config) Decode(ext string, data []byte) error {
	switch strings.ToLower(ext) {
	case ".toml":
		md, err := toml.NewDecoder(bytes.NewReader(data)).Decode(c)
		if err != nil {
			return err
		}
		if undecoded := md.Undecoded(); len(undecoded) != 0 {
			return fmt.Errorf("unknown key %q", undecoded[0].String())
		}
		return nil
	default:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(c); err != nil && err != io.EOF {
			return err
		}
		return nil
	}
}

// LookupFunc matches os.LookupEnv.
type LookupFunc func(key string) (string, bool)

// ApplyEnv overrides fields from GISQUICK_* variables. Unparseable values
// are ignored.
func (c *Config) ApplyEnv(lookup LookupFunc) {
	str := func(key string, dst *string) {
		if v, ok := lookup(key); ok && strings.TrimSpace(v) != "" {
			*dst = strings.TrimSpace(v)
		}
	}
	str("GISQUICK_SERVER_URL", &c.Server.URL)
	str("GISQUICK_USERNAME", &c.Server.Username)
	str("GISQUICK_LIBRARY_DIR", &c.Library.Dir)
	str("GISQUICK_RUNTIME", &c.Library.Runtime)
	str("GISQUICK_LOG_LEVEL", &c.Log.Level)
	str("GISQUICK_PROJECT", &c.Project.File)
	str("GISQUICK_METRICS_ADDR", &c.MetricsAddr)

	// passwords may legitimately carry surrounding spaces
	if v, ok := lookup("GISQUICK_PASSWORD"); ok && v != "" {
		c.Server.Password = v
	}
	if v, ok := lookup("GISQUICK_PROJECT_WATCH"); ok {
		if b, err := strconv.ParseBool(strings.TrimSpace(v)); err == nil {
			c.Project.Watch = b
		}
	}
}

func (c *Config) normalize() {
	c.Server.URL = strings.TrimRight(strings.TrimSpace(c.Server.URL), "/")
	c.Library.Runtime = strings.ToLower(strings.TrimSpace(c.Library.Runtime))
	if c.Library.Runtime == "" {
		c.Library.Runtime = RuntimeNative
	}
}

// Validate reports the first invalid setting.
func (c *Config) Validate() error {
	c.normalize()
	if c.Server.URL == "" {
		return errors.New("server.url is required")
	}
	u, err := url.Parse(c.Server.URL)
	if err != nil {
		return errors.Wrap(err, "server.url")
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return errors.Errorf("server.url: unsupported scheme %q", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("server.url: missing host")
	}
	if c.Server.Username == "" {
		return errors.New("server.username is required")
	}
	if c.Server.Password == "" {
		return errors.New("server.password is required")
	}
	switch c.Library.Runtime {
	case RuntimeNative, RuntimeWASM:
	default:
		return errors.Errorf("library.runtime: unknown runtime %q", c.Library.Runtime)
	}
	if c.Dispatch.RateLimit < 0 {
		return errors.New("dispatch.rate_limit must not be negative")
	}
	if c.Dispatch.RateLimit > 0 && c.Dispatch.Burst < 1 {
		return errors.New("dispatch.burst must be at least 1 when rate limiting")
	}
	if c.Dispatch.Timeout < 0 {
		return errors.New("dispatch.timeout must not be negative")
	}
	if c.Project.Debounce < 0 {
		return errors.New("project.debounce must not be negative")
	}
	if c.ShutdownTimeout < 0 {
		return errors.New("shutdown_timeout must not be negative")
	}
	return nil
}
