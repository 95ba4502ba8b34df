// ABOUTME: Configuration loading and parsing for fleet-warden
// ABOUTME: Supports YAML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied when the config file leaves a field unset.
const (
	DefaultPollInterval        = 5 * time.Second
	DefaultProbeTimeout        = 3 * time.Second
	DefaultSampleInterval      = 10 * time.Second
	DefaultBroadcastInterval   = 5 * time.Second
	DefaultRecoveryCooldown    = 60 * time.Second
	DefaultMaxRecoveryAttempts = 3
	DefaultMaxMissedHeartbeats = 3
	DefaultCPUThreshold        = 90.0
	DefaultMemoryThreshold     = 90.0
	DefaultDiskThreshold       = 95.0
)

// Config represents the complete fleet-warden configuration
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Database  DatabaseConfig  `yaml:"database"`
	Monitor   MonitorConfig   `yaml:"monitor"`
	Resources ResourcesConfig `yaml:"resources"`
	Recovery  RecoveryConfig  `yaml:"recovery"`
	Broadcast BroadcastConfig `yaml:"broadcast"`
	Snapshots SnapshotsConfig `yaml:"snapshots"`
	Agents    []AgentConfig   `yaml:"agents"`
	Logging   LoggingConfig   `yaml:"logging"`
}

// ServerConfig holds the command API listen address
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr"`
}

// DatabaseConfig holds the embedded database path
type DatabaseConfig struct {
	Path string `yaml:"path"`
}

// MonitorConfig holds heartbeat polling configuration
type MonitorConfig struct {
	PollInterval time.Duration `yaml:"-"`
	ProbeTimeout time.Duration `yaml:"-"`

	// Raw string values for YAML unmarshaling
	PollIntervalRaw string `yaml:"poll_interval"`
	ProbeTimeoutRaw string `yaml:"probe_timeout"`
}

// ResourcesConfig holds host resource sampling configuration
type ResourcesConfig struct {
	SampleInterval time.Duration `yaml:"-"`

	SampleIntervalRaw string  `yaml:"sample_interval"`
	CPUThreshold      float64 `yaml:"cpu_threshold"`
	MemoryThreshold   float64 `yaml:"memory_threshold"`
	DiskThreshold     float64 `yaml:"disk_threshold"`
	DiskPath          string  `yaml:"disk_path"`
}

// RecoveryConfig holds recovery policy configuration
type RecoveryConfig struct {
	Cooldown time.Duration `yaml:"-"`

	CooldownRaw string `yaml:"cooldown"`
	MaxAttempts int    `yaml:"max_attempts"`
	// ResetAttemptsOnOnline enables clearing the attempt counter after a
	// sustained run of successful probes. Off by default: exhausted agents
	// stay parked until an operator intervenes.
	ResetAttemptsOnOnline bool `yaml:"reset_attempts_on_online"`
	SpawnRetries          int  `yaml:"spawn_retries"`
}

// BroadcastConfig holds health broadcast configuration
type BroadcastConfig struct {
	Interval time.Duration `yaml:"-"`

	Enabled     bool   `yaml:"enabled"`
	RedisAddr   string `yaml:"redis_addr"`
	Channel     string `yaml:"channel"`
	IntervalRaw string `yaml:"interval"`
}

// SnapshotsConfig holds snapshot bundle configuration
type SnapshotsConfig struct {
	Dir string `yaml:"dir"`
	// ConfigFiles lists critical external configuration files copied into
	// every snapshot bundle and replayed on restore.
	ConfigFiles []string `yaml:"config_files"`
}

// AgentConfig describes one supervised agent
type AgentConfig struct {
	HeartbeatInterval time.Duration `yaml:"-"`

	ID                   string   `yaml:"id"`
	Endpoint             string   `yaml:"endpoint"`
	StartCommand         string   `yaml:"start_command"`
	ProcessName          string   `yaml:"process_name"`
	HeartbeatIntervalRaw string   `yaml:"heartbeat_interval"`
	MaxMissedHeartbeats  int      `yaml:"max_missed_heartbeats"`
	MaxRecoveryAttempts  int      `yaml:"max_recovery_attempts"`
	Dependencies         []string `yaml:"dependencies"`
	Critical             bool     `yaml:"critical"`
	Capabilities         []string `yaml:"capabilities"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Environment variables in the format ${VAR_NAME} are expanded.
// Duration strings are parsed into time.Duration values.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables in the raw YAML content
	expandedData := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expandedData), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	applyDefaults(&cfg)

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)

	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// parseDurations converts the raw duration strings into time.Duration fields.
func parseDurations(cfg *Config) error {
	parse := func(raw, field string, out *time.Duration) error {
		if raw == "" {
			return nil
		}
		d, err := time.ParseDuration(raw)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", field, raw, err)
		}
		*out = d
		return nil
	}

	if err := parse(cfg.Monitor.PollIntervalRaw, "monitor.poll_interval", &cfg.Monitor.PollInterval); err != nil {
		return err
	}
	if err := parse(cfg.Monitor.ProbeTimeoutRaw, "monitor.probe_timeout", &cfg.Monitor.ProbeTimeout); err != nil {
		return err
	}
	if err := parse(cfg.Resources.SampleIntervalRaw, "resources.sample_interval", &cfg.Resources.SampleInterval); err != nil {
		return err
	}
	if err := parse(cfg.Recovery.CooldownRaw, "recovery.cooldown", &cfg.Recovery.Cooldown); err != nil {
		return err
	}
	if err := parse(cfg.Broadcast.IntervalRaw, "broadcast.interval", &cfg.Broadcast.Interval); err != nil {
		return err
	}
	for i := range cfg.Agents {
		field := fmt.Sprintf("agents[%s].heartbeat_interval", cfg.Agents[i].ID)
		if err := parse(cfg.Agents[i].HeartbeatIntervalRaw, field, &cfg.Agents[i].HeartbeatInterval); err != nil {
			return err
		}
	}
	return nil
}

// applyDefaults fills unset fields with their default values.
func applyDefaults(cfg *Config) {
	if cfg.Server.HTTPAddr == "" {
		cfg.Server.HTTPAddr = "127.0.0.1:8600"
	}
	if cfg.Monitor.PollInterval == 0 {
		cfg.Monitor.PollInterval = DefaultPollInterval
	}
	if cfg.Monitor.ProbeTimeout == 0 {
		cfg.Monitor.ProbeTimeout = DefaultProbeTimeout
	}
	if cfg.Resources.SampleInterval == 0 {
		cfg.Resources.SampleInterval = DefaultSampleInterval
	}
	if cfg.Resources.CPUThreshold == 0 {
		cfg.Resources.CPUThreshold = DefaultCPUThreshold
	}
	if cfg.Resources.MemoryThreshold == 0 {
		cfg.Resources.MemoryThreshold = DefaultMemoryThreshold
	}
	if cfg.Resources.DiskThreshold == 0 {
		cfg.Resources.DiskThreshold = DefaultDiskThreshold
	}
	if cfg.Resources.DiskPath == "" {
		cfg.Resources.DiskPath = "/"
	}
	if cfg.Recovery.Cooldown == 0 {
		cfg.Recovery.Cooldown = DefaultRecoveryCooldown
	}
	if cfg.Recovery.MaxAttempts == 0 {
		cfg.Recovery.MaxAttempts = DefaultMaxRecoveryAttempts
	}
	if cfg.Recovery.SpawnRetries == 0 {
		cfg.Recovery.SpawnRetries = 2
	}
	if cfg.Broadcast.Interval == 0 {
		cfg.Broadcast.Interval = DefaultBroadcastInterval
	}
	if cfg.Broadcast.Channel == "" {
		cfg.Broadcast.Channel = "fleet-warden.health"
	}
	for i := range cfg.Agents {
		a := &cfg.Agents[i]
		if a.HeartbeatInterval == 0 {
			a.HeartbeatInterval = cfg.Monitor.PollInterval
		}
		if a.MaxMissedHeartbeats == 0 {
			a.MaxMissedHeartbeats = DefaultMaxMissedHeartbeats
		}
		if a.MaxRecoveryAttempts == 0 {
			a.MaxRecoveryAttempts = cfg.Recovery.MaxAttempts
		}
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if len(c.Agents) == 0 {
		return fmt.Errorf("at least one agent must be configured")
	}

	seen := make(map[string]bool, len(c.Agents))
	for _, a := range c.Agents {
		if a.ID == "" {
			return fmt.Errorf("agent id is required")
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true
		if a.Endpoint == "" {
			return fmt.Errorf("agent %q: endpoint is required", a.ID)
		}
	}

	// Dependencies must reference configured agents
	for _, a := range c.Agents {
		for _, dep := range a.Dependencies {
			if !seen[dep] {
				return fmt.Errorf("agent %q: unknown dependency %q", a.ID, dep)
			}
		}
	}

	if err := c.checkDependencyCycles(); err != nil {
		return err
	}

	if c.Broadcast.Enabled && c.Broadcast.RedisAddr == "" {
		return fmt.Errorf("broadcast.redis_addr is required when broadcast is enabled")
	}

	return nil
}

// checkDependencyCycles rejects configurations whose dependency graph is not
// acyclic. Cycles are a configuration error, not something resolved at runtime.
func (c *Config) checkDependencyCycles() error {
	deps := make(map[string][]string, len(c.Agents))
	for _, a := range c.Agents {
		deps[a.ID] = a.Dependencies
	}

	const (
		visiting = 1
		done     = 2
	)
	state := make(map[string]int, len(deps))

	var visit func(id string, path []string) error
	visit = func(id string, path []string) error {
		switch state[id] {
		case done:
			return nil
		case visiting:
			return fmt.Errorf("dependency cycle involving agent %q (path %v)", id, append(path, id))
		}
		state[id] = visiting
		for _, dep := range deps[id] {
			if err := visit(dep, append(path, id)); err != nil {
				return err
			}
		}
		state[id] = done
		return nil
	}

	for _, a := range c.Agents {
		if err := visit(a.ID, nil); err != nil {
			return err
		}
	}
	return nil
}
