// Package config loads workflowctl configuration from YAML.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/goliatone/go-workflow/directory"
	"github.com/goliatone/go-workflow/engine"
	"github.com/goliatone/go-workflow/notify"
	"github.com/goliatone/go-workflow/scheduler"
)

type Config struct {
	Store         Store         `yaml:"store"`
	Engine        Engine        `yaml:"engine"`
	Scheduler     Scheduler     `yaml:"scheduler"`
	Logging       Logging       `yaml:"logging"`
	Notifications Notifications `yaml:"notifications"`
	Metrics       Metrics       `yaml:"metrics"`
	Directory     Directory     `yaml:"directory"`
	// Definitions lists definition documents, relative to the config file.
	Definitions []string `yaml:"definitions"`
}

type Store struct {
	// Driver is "memory", "sqlite3" or "postgres".
	Driver string `yaml:"driver"`
	DSN    string `yaml:"dsn"`
}

type Engine struct {
	CallTimeout        time.Duration `yaml:"call_timeout"`
	DelegationCacheTTL time.Duration `yaml:"delegation_cache_ttl"`
	AdminRoles         []string      `yaml:"admin_roles"`
	// AutoStrategy is "first", "round_robin" or "least_loaded".
	AutoStrategy string `yaml:"auto_strategy"`
}

type Scheduler struct {
	Interval     time.Duration `yaml:"interval"`
	Expression   string        `yaml:"expression"`
	SweepTimeout time.Duration `yaml:"sweep_timeout"`
	BatchLimit   int           `yaml:"batch_limit"`
	Lookahead    time.Duration `yaml:"lookahead"`
}

type Logging struct {
	Level string `yaml:"level"`
	// Format is "json" or "console".
	Format string `yaml:"format"`
}

type Notifications struct {
	TopicPrefix string `yaml:"topic_prefix"`
	Log         bool   `yaml:"log"`
}

type Metrics struct {
	Enabled   bool   `yaml:"enabled"`
	Namespace string `yaml:"namespace"`
	Address   string `yaml:"address"`
}

type Directory struct {
	// Users maps a user id to "role" or "role@scope" grants.
	Users       map[string][]string `yaml:"users"`
	Permissions []directory.Rule    `yaml:"permissions"`
}

// Default returns the configuration used for unset fields.
func Default() Config {
	return Config{
		Store: Store{Driver: "memory"},
		Engine: Engine{
			CallTimeout:        engine.DefaultCallTimeout,
			DelegationCacheTTL: engine.DefaultDelegationCacheTTL,
			AutoStrategy:       "first",
		},
		Scheduler: Scheduler{
			Interval:   scheduler.DefaultInterval,
			BatchLimit: scheduler.DefaultBatchLimit,
			Lookahead:  scheduler.DefaultLookahead,
		},
		Logging:       Logging{Level: "info", Format: "json"},
		Notifications: Notifications{TopicPrefix: notify.DefaultTopicPrefix},
		Metrics:       Metrics{Address: ":9090"},
	}
}

// Parse decodes YAML over the defaults and validates the result.
func Parse(data []byte) (Config, error) {
	cfg := Default()
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.applyDefaults()
	return cfg, cfg.Validate()
}

// Load reads a config file. Relative definition paths resolve against the
// file's directory.
func Load(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg, err := Parse(data)
	if err != nil {
		return cfg, fmt.Errorf("config %s: %w", path, err)
	}
	base := filepath.Dir(path)
	for i, def := range cfg.Definitions {
		if !filepath.IsAbs(def) {
			cfg.Definitions[i] = filepath.Join(base, def)
		}
	}
	return cfg, nil
}

func (c *Config) applyDefaults() {
	def := Default()
	c.Store.Driver = strings.ToLower(strings.TrimSpace(c.Store.Driver))
	if c.Store.Driver == "" {
		c.Store.Driver = def.Store.Driver
	}
	if c.Engine.CallTimeout == 0 {
		c.Engine.CallTimeout = def.Engine.CallTimeout
	}
	if c.Engine.DelegationCacheTTL == 0 {
		c.Engine.DelegationCacheTTL = def.Engine.DelegationCacheTTL
	}
	if c.Engine.AutoStrategy == "" {
		c.Engine.AutoStrategy = def.Engine.AutoStrategy
	}
	if c.Scheduler.Interval == 0 {
		c.Scheduler.Interval = def.Scheduler.Interval
	}
	if c.Scheduler.BatchLimit == 0 {
		c.Scheduler.BatchLimit = def.Scheduler.BatchLimit
	}
	if c.Scheduler.Lookahead == 0 {
		c.Scheduler.Lookahead = def.Scheduler.Lookahead
	}
	if c.Logging.Level == "" {
		c.Logging.Level = def.Logging.Level
	}
	if c.Logging.Format == "" {
		c.Logging.Format = def.Logging.Format
	}
	if c.Notifications.TopicPrefix == "" {
		c.Notifications.TopicPrefix = def.Notifications.TopicPrefix
	}
}

func (c Config) Validate() error {
	switch c.Store.Driver {
	case "memory":
	case "sqlite3", "postgres":
		if strings.TrimSpace(c.Store.DSN) == "" {
			return fmt.Errorf("store.dsn is required for driver %s", c.Store.Driver)
		}
	default:
		return fmt.Errorf("store.driver %q is not supported", c.Store.Driver)
	}
	if c.Engine.CallTimeout < 0 || c.Engine.DelegationCacheTTL < 0 {
		return fmt.Errorf("engine timeouts must not be negative")
	}
	switch c.Engine.AutoStrategy {
	case "first", "round_robin", "least_loaded":
	default:
		return fmt.Errorf("engine.auto_strategy %q is not supported", c.Engine.AutoStrategy)
	}
	if c.Scheduler.Interval < 0 || c.Scheduler.SweepTimeout < 0 || c.Scheduler.Lookahead < 0 {
		return fmt.Errorf("scheduler durations must not be negative")
	}
	if c.Scheduler.BatchLimit < 0 {
		return fmt.Errorf("scheduler.batch_limit must not be negative")
	}
	switch c.Logging.Format {
	case "json", "console":
	default:
		return fmt.Errorf("logging.format %q is not supported", c.Logging.Format)
	}
	for user, grants := range c.Directory.Users {
		for _, g := range grants {
			if _, err := directory.ParseGrant(g); err != nil {
				return fmt.Errorf("directory.users.%s: %w", user, err)
			}
		}
	}
	return nil
}
