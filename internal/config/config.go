// Package config loads the harpMCP server configuration: built-in defaults, then an
// optional YAML or TOML file, then HARPMCP_* environment variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Server ServerConfig `yaml:"server" toml:"server"`
	Docs   DocsConfig   `yaml:"docs" toml:"docs"`
	Topics TopicsConfig `yaml:"topics" toml:"topics"`
	Log    LogConfig    `yaml:"log" toml:"log"`
}

type ServerConfig struct {
	Name         string `yaml:"name" toml:"name"`
	Version      string `yaml:"version" toml:"version"`
	Transport    string `yaml:"transport" toml:"transport"`
	Addr         string `yaml:"addr" toml:"addr"`
	BaseURL      string `yaml:"base_url" toml:"base_url"`
	PingInterval string `yaml:"ping_interval" toml:"ping_interval"`
	SendTimeout  string `yaml:"send_timeout" toml:"send_timeout"`
}

type DocsConfig struct {
	Scheme      string   `yaml:"scheme" toml:"scheme"`
	Root        string   `yaml:"root" toml:"root"`
	Preamble    string   `yaml:"preamble" toml:"preamble"`
	Product     string   `yaml:"product" toml:"product"`
	Exclude     []string `yaml:"exclude" toml:"exclude"`
	RemoteFetch bool     `yaml:"remote_fetch" toml:"remote_fetch"`
}

// TopicsConfig replaces the built-in topic vocabulary when Entries is not empty.
type TopicsConfig struct {
	Default string       `yaml:"default" toml:"default"`
	Entries []TopicEntry `yaml:"entries" toml:"entries"`
}

type TopicEntry struct {
	Name string `yaml:"name" toml:"name"`
	Key  string `yaml:"key" toml:"key"`
	URL  string `yaml:"url" toml:"url"`
}

type LogConfig struct {
	Level string `yaml:"level" toml:"level"`
}

const (
	TransportStdIO = "stdio"
	TransportSSE   = "sse"

	envPrefix = "HARPMCP_"
)

// Default returns a Config with all defaults applied.
func Default() Config {
	return Config{
		Server: ServerConfig{
			Name:         "harpMCP",
			Version:      "1.0.0",
			Transport:    TransportStdIO,
			Addr:         ":8080",
			PingInterval: "30s",
			SendTimeout:  "30s",
		},
		Docs: DocsConfig{
			Scheme:   "aurora",
			Root:     filepath.Join("src", "resources"),
			Preamble: filepath.Join("src", "prompts", "AuroraApiSystemPrompt.md"),
			Product:  "Aurora",
		},
		Log: LogConfig{Level: "info"},
	}
}

// Load reads config: defaults -> file -> env vars (env wins). An empty path skips the
// file. Files ending in .toml are decoded as TOML, everything else as YAML.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: failed to read %s: %w", path, err)
		}
		if err := decode(path, data, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: failed to parse %s: %w", path, err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return Config{}, err
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func decode(path string, data []byte, cfg *Config) error {
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		return toml.Unmarshal(data, cfg)
	}
	return yaml.Unmarshal(data, cfg)
}

func applyEnv(cfg *Config, lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"SERVER_NAME":          &cfg.Server.Name,
		"SERVER_VERSION":       &cfg.Server.Version,
		"SERVER_TRANSPORT":     &cfg.Server.Transport,
		"SERVER_ADDR":          &cfg.Server.Addr,
		"SERVER_BASE_URL":      &cfg.Server.BaseURL,
		"SERVER_PING_INTERVAL": &cfg.Server.PingInterval,
		"SERVER_SEND_TIMEOUT":  &cfg.Server.SendTimeout,
		"DOCS_SCHEME":          &cfg.Docs.Scheme,
		"DOCS_ROOT":            &cfg.Docs.Root,
		"DOCS_PREAMBLE":        &cfg.Docs.Preamble,
		"DOCS_PRODUCT":         &cfg.Docs.Product,
		"TOPICS_DEFAULT":       &cfg.Topics.Default,
		"LOG_LEVEL":            &cfg.Log.Level,
	}
	for name, dst := range strs {
		if v, ok := lookup(envPrefix + name); ok && v != "" {
			*dst = v
		}
	}

	if v, ok := lookup(envPrefix + "DOCS_EXCLUDE"); ok && v != "" {
		cfg.Docs.Exclude = nil
		for _, pattern := range strings.Split(v, ",") {
			if pattern = strings.TrimSpace(pattern); pattern != "" {
				cfg.Docs.Exclude = append(cfg.Docs.Exclude, pattern)
			}
		}
	}
	if v, ok := lookup(envPrefix + "DOCS_REMOTE_FETCH"); ok && v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("config: %sDOCS_REMOTE_FETCH: %w", envPrefix, err)
		}
		cfg.Docs.RemoteFetch = enabled
	}
	return nil
}

// Validate checks the config for errors.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return fmt.Errorf("config: 'server.name' is required")
	}
	switch c.Server.Transport {
	case TransportStdIO:
	case TransportSSE:
		if c.Server.Addr == "" {
			return fmt.Errorf("config: 'server.addr' is required for the sse transport")
		}
	default:
		return fmt.Errorf("config: unknown transport %q (want %s or %s)", c.Server.Transport, TransportStdIO,
			TransportSSE)
	}
	if _, err := c.PingInterval(); err != nil {
		return err
	}
	if _, err := c.SendTimeout(); err != nil {
		return err
	}

	if c.Docs.Scheme == "" {
		return fmt.Errorf("config: 'docs.scheme' is required")
	}
	if strings.ContainsAny(c.Docs.Scheme, ":/{}") {
		return fmt.Errorf("config: 'docs.scheme' %q must not contain ':', '/' or braces", c.Docs.Scheme)
	}
	if c.Docs.Root == "" {
		return fmt.Errorf("config: 'docs.root' is required")
	}
	if c.Docs.Product == "" {
		return fmt.Errorf("config: 'docs.product' is required")
	}

	if len(c.Topics.Entries) > 0 {
		if c.Topics.Default == "" {
			return fmt.Errorf("config: 'topics.default' is required when topics are configured")
		}
		for i, e := range c.Topics.Entries {
			if e.Name == "" || e.Key == "" || e.URL == "" {
				return fmt.Errorf("config: topics.entries[%d]: name, key and url are required", i)
			}
		}
	}

	switch strings.ToLower(c.Log.Level) {
	case "debug", "info", "warn", "error":
	default:
		return fmt.Errorf("config: unknown log level %q", c.Log.Level)
	}
	return nil
}

// PingInterval parses server.ping_interval. Zero leaves the server default in place.
func (c *Config) PingInterval() (time.Duration, error) {
	return parseDuration("server.ping_interval", c.Server.PingInterval)
}

// SendTimeout parses server.send_timeout. Zero leaves the server default in place.
func (c *Config) SendTimeout() (time.Duration, error) {
	return parseDuration("server.send_timeout", c.Server.SendTimeout)
}

func parseDuration(key, value string) (time.Duration, error) {
	if value == "" {
		return 0, nil
	}
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("config: invalid '%s': %w", key, err)
	}
	if d < 0 {
		return 0, fmt.Errorf("config: '%s' must not be negative", key)
	}
	return d, nil
}
