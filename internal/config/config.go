package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cast"
	"gopkg.in/yaml.v3"

	"github.com/rendis/chutney/pkg/schema"
)

// Config holds all chutney agent configuration.
// Priority: env vars > config file > defaults.
type Config struct {
	Agent      schema.NamedHostAndPort   `yaml:"agent"`
	ListenAddr string                    `yaml:"listen_addr"`
	Neighbours []schema.NamedHostAndPort `yaml:"neighbours,omitempty"`
	Targets    []schema.Target           `yaml:"targets,omitempty"`

	DBPath    string `yaml:"db_path"`
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	PoolSize          int           `yaml:"pool_size"`
	PollInterval      time.Duration `yaml:"poll_interval"`
	LockPollInterval  time.Duration `yaml:"lock_poll_interval"`
	DelegationTimeout time.Duration `yaml:"delegation_timeout"`
	RebuildSchedule   string        `yaml:"rebuild_schedule,omitempty"`
}

// Default returns the configuration used when nothing else is set.
func Default() Config {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "localhost"
	}
	return Config{
		Agent:             schema.NamedHostAndPort{Name: host, Host: "localhost", Port: 4200},
		ListenAddr:        ":4200",
		DBPath:            filepath.Join(Dir(), "chutney.db"),
		LogLevel:          "info",
		LogFormat:         "text",
		PoolSize:          10,
		PollInterval:      100 * time.Millisecond,
		LockPollInterval:  50 * time.Millisecond,
		DelegationTimeout: 30 * time.Second,
	}
}

// Dir returns the directory holding the local database and config file.
func Dir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".chutney"
	}
	return filepath.Join(home, ".chutney")
}

// DefaultPath is the config file read when no path is given.
func DefaultPath() string {
	return filepath.Join(Dir(), "config.yaml")
}

// Load layers defaults, the config file and CHUTNEY_* env vars. An explicit
// path must exist; the default path is optional.
func Load(path string) (Config, error) {
	return load(path, os.Getenv)
}

func load(path string, getenv func(string) string) (Config, error) {
	cfg := Default()

	explicit := path != ""
	if !explicit {
		path = DefaultPath()
	}
	if err := cfg.mergeFile(path); err != nil {
		if explicit || !errors.Is(err, fs.ErrNotExist) {
			return Config{}, err
		}
	}

	if err := cfg.mergeEnv(getenv); err != nil {
		return Config{}, err
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) mergeFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return schema.NewErrorf(schema.ErrCodeValidation, "parse config %s: %v", path, err).WithCause(err)
	}
	return nil
}

func (c *Config) mergeEnv(getenv func(string) string) error {
	str := func(key string, dst *string) {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	str("CHUTNEY_AGENT_NAME", &c.Agent.Name)
	str("CHUTNEY_AGENT_HOST", &c.Agent.Host)
	str("CHUTNEY_LISTEN_ADDR", &c.ListenAddr)
	str("CHUTNEY_DB_PATH", &c.DBPath)
	str("CHUTNEY_LOG_LEVEL", &c.LogLevel)
	str("CHUTNEY_LOG_FORMAT", &c.LogFormat)
	str("CHUTNEY_REBUILD_SCHEDULE", &c.RebuildSchedule)

	ints := map[string]*int{
		"CHUTNEY_AGENT_PORT": &c.Agent.Port,
		"CHUTNEY_POOL_SIZE":  &c.PoolSize,
	}
	for key, dst := range ints {
		if v := getenv(key); v != "" {
			n, err := cast.ToIntE(v)
			if err != nil {
				return envError(key, v, err)
			}
			*dst = n
		}
	}

	durations := map[string]*time.Duration{
		"CHUTNEY_POLL_INTERVAL":      &c.PollInterval,
		"CHUTNEY_LOCK_POLL_INTERVAL": &c.LockPollInterval,
		"CHUTNEY_DELEGATION_TIMEOUT": &c.DelegationTimeout,
	}
	for key, dst := range durations {
		if v := getenv(key); v != "" {
			d, err := cast.ToDurationE(v)
			if err != nil {
				return envError(key, v, err)
			}
			*dst = d
		}
	}

	if v := getenv("CHUTNEY_NEIGHBOURS"); v != "" {
		neighbours, err := ParseAgents(v)
		if err != nil {
			return envError("CHUTNEY_NEIGHBOURS", v, err)
		}
		c.Neighbours = neighbours
	}
	return nil
}

// ParseAgents parses a comma separated list of name=host:port entries.
func ParseAgents(raw string) ([]schema.NamedHostAndPort, error) {
	var agents []schema.NamedHostAndPort
	for _, entry := range strings.Split(raw, ",") {
		entry = strings.TrimSpace(entry)
		if entry == "" {
			continue
		}
		name, addr, ok := strings.Cut(entry, "=")
		if !ok || name == "" {
			return nil, fmt.Errorf("agent %q: expected name=host:port", entry)
		}
		host, portStr, err := net.SplitHostPort(addr)
		if err != nil {
			return nil, fmt.Errorf("agent %q: %w", entry, err)
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			return nil, fmt.Errorf("agent %q: invalid port %q", entry, portStr)
		}
		agents = append(agents, schema.NamedHostAndPort{Name: name, Host: host, Port: port})
	}
	return agents, nil
}

func envError(key, value string, err error) error {
	return schema.NewErrorf(schema.ErrCodeValidation, "invalid %s=%q: %v", key, value, err).WithCause(err)
}

// Validate checks the configuration and reports every problem at once.
func (c Config) Validate() error {
	var problems []string
	if c.Agent.Name == "" {
		problems = append(problems, "agent.name is required")
	}
	if c.Agent.Port <= 0 || c.Agent.Port > 65535 {
		problems = append(problems, fmt.Sprintf("agent.port %d out of range", c.Agent.Port))
	}
	if c.ListenAddr == "" {
		problems = append(problems, "listen_addr is required")
	}
	if c.PoolSize <= 0 {
		problems = append(problems, "pool_size must be positive")
	}
	if c.PollInterval <= 0 {
		problems = append(problems, "poll_interval must be positive")
	}
	if c.LockPollInterval <= 0 {
		problems = append(problems, "lock_poll_interval must be positive")
	}
	if c.DelegationTimeout <= 0 {
		problems = append(problems, "delegation_timeout must be positive")
	}
	switch c.LogFormat {
	case "text", "json":
	default:
		problems = append(problems, fmt.Sprintf("log_format %q must be text or json", c.LogFormat))
	}
	seen := map[string]bool{c.Agent.Name: true}
	for _, n := range c.Neighbours {
		if n.Name == "" {
			problems = append(problems, "neighbour without name")
			continue
		}
		if seen[n.Name] {
			problems = append(problems, fmt.Sprintf("duplicate agent name %q", n.Name))
		}
		seen[n.Name] = true
	}
	for _, t := range c.Targets {
		if t.Name == "" {
			problems = append(problems, "target without name")
		}
	}

	if len(problems) > 0 {
		return schema.NewErrorf(schema.ErrCodeValidation, "invalid configuration: %s", strings.Join(problems, "; ")).
			WithDetails(map[string]any{"violations": problems})
	}
	return nil
}

// Neighbour returns the configured neighbour with the given name.
func (c Config) Neighbour(name string) (schema.NamedHostAndPort, bool) {
	for _, n := range c.Neighbours {
		if n.Name == name {
			return n, true
		}
	}
	return schema.NamedHostAndPort{}, false
}
