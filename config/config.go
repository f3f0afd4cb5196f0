// Package config loads board network settings and agent identity from
// standard locations.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
)

// Environment variables honored by Load and LoadIdentity.
const (
	EnvConfig       = "BOARDKIT_CONFIG"        // config file path override
	EnvNetwork      = "BOARDKIT_NETWORK"       // network name override
	EnvIdentity     = "BOARDKIT_IDENTITY"      // identity literal override
	EnvIdentityFile = "BOARDKIT_IDENTITY_FILE" // identity file path override
)

// Backend names accepted in a network section.
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendBolt   = "bolt"
	BackendRedis  = "redis"
)

// Duration decodes TOML strings like "3s" or "500ms".
type Duration time.Duration

// UnmarshalText implements encoding.TextUnmarshaler for TOML decoding.
func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Std returns the wrapped time.Duration.
func (d Duration) Std() time.Duration { return time.Duration(d) }

// Config is the full boardkit configuration file.
type Config struct {
	// DefaultNetwork names the network used when no override is given.
	DefaultNetwork string `toml:"default_network"`

	// Networks maps a name to a board backend definition.
	Networks map[string]Network `toml:"networks"`

	Worker Worker `toml:"worker"`
	Stats  Stats  `toml:"stats"`
}

// Network describes one board backend and its optional notification bus.
type Network struct {
	// Backend selects the registry implementation:
	// memory, sqlite, bolt, or redis.
	Backend string `toml:"backend"`

	// Path is the database file for sqlite and bolt backends.
	Path string `toml:"path"`

	// Addr, Password, and DB configure the redis backend.
	Addr     string `toml:"addr"`
	Password string `toml:"password"`
	DB       int    `toml:"db"`

	// NATSURL enables task and status notifications over NATS.
	// Empty means notifications stay in-process (memory backend) or off.
	NATSURL string `toml:"nats_url"`
}

// Worker holds agent tuning. Zero values defer to the worker package
// defaults.
type Worker struct {
	PollInterval Duration `toml:"poll_interval"`
	Window       int      `toml:"window"`
	JitterMax    Duration `toml:"jitter_max"`
}

// Stats holds reporter tuning. Zero values defer to the stats package
// defaults.
type Stats struct {
	Interval Duration `toml:"interval"`
}

// Default returns a configuration with a single in-memory network.
func Default() *Config {
	return &Config{
		DefaultNetwork: "local",
		Networks: map[string]Network{
			"local": {Backend: BackendMemory},
		},
	}
}

// StandardPaths returns the standard config file locations in order of
// priority.
func StandardPaths() []string {
	paths := []string{"boardkit.toml"}
	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "boardkit", "config.toml"))
		paths = append(paths, filepath.Join(home, ".boardkit", "config.toml"))
	}
	return paths
}

// Load reads the configuration from BOARDKIT_CONFIG or the first
// available standard location. When no file exists it returns Default
// with an empty path; that is not an error.
func Load() (*Config, string, error) {
	if path := os.Getenv(EnvConfig); path != "" {
		cfg, err := LoadFile(path)
		return cfg, path, err
	}
	for _, path := range StandardPaths() {
		if _, err := os.Stat(path); err == nil {
			cfg, err := LoadFile(path)
			return cfg, path, err
		}
	}
	return Default(), "", nil
}

// LoadFile reads the configuration from a specific file.
func LoadFile(path string) (*Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if cfg.Networks == nil {
		cfg.Networks = make(map[string]Network)
	}
	if len(cfg.Networks) == 0 {
		cfg.Networks["local"] = Network{Backend: BackendMemory}
	}
	if cfg.DefaultNetwork == "" {
		if len(cfg.Networks) == 1 {
			for name := range cfg.Networks {
				cfg.DefaultNetwork = name
			}
		} else {
			cfg.DefaultNetwork = "local"
		}
	}
	return &cfg, nil
}

// ResolveNetwork picks a network definition. Priority: the name
// argument, then BOARDKIT_NETWORK, then DefaultNetwork.
func (c *Config) ResolveNetwork(name string) (Network, string, error) {
	if name == "" {
		name = os.Getenv(EnvNetwork)
	}
	if name == "" {
		name = c.DefaultNetwork
	}
	net, ok := c.Networks[name]
	if !ok {
		return Network{}, name, fmt.Errorf("unknown network %q (configured: %s)",
			name, c.networkNames())
	}
	if err := net.Validate(); err != nil {
		return Network{}, name, fmt.Errorf("network %q: %w", name, err)
	}
	return net, name, nil
}

// Validate checks that the backend selection is complete.
func (n Network) Validate() error {
	switch n.Backend {
	case BackendMemory:
		return nil
	case BackendSQLite, BackendBolt:
		if n.Path == "" {
			return fmt.Errorf("%s backend requires path", n.Backend)
		}
		return nil
	case BackendRedis:
		if n.Addr == "" {
			return fmt.Errorf("redis backend requires addr")
		}
		return nil
	case "":
		return fmt.Errorf("backend not set")
	default:
		return fmt.Errorf("unknown backend %q", n.Backend)
	}
}

func (c *Config) networkNames() string {
	names := make([]string, 0, len(c.Networks))
	for name := range c.Networks {
		names = append(names, name)
	}
	sort.Strings(names)
	return strings.Join(names, ", ")
}
