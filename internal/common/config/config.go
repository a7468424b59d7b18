// Package config provides configuration management for agentmesh.
// It supports loading configuration from environment variables, an
// optional config file, and defaults.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config holds all configuration sections for agentmesh.
type Config struct {
	Broker    BrokerConfig    `mapstructure:"broker"`
	Shared    SharedConfig    `mapstructure:"shared"`
	Registry  RegistryConfig  `mapstructure:"registry"`
	Agent     AgentConfig     `mapstructure:"agent"`
	Services  ServicesConfig  `mapstructure:"services"`
	Runtime   RuntimeConfig   `mapstructure:"runtime"`
	Logging   LoggingConfig   `mapstructure:"logging"`
	RolesFile string          `mapstructure:"rolesFile"`
	Roles     map[string]Role `mapstructure:"-"`
}

// BrokerConfig holds message broker configuration. An empty URL disables
// the primary transport path entirely.
type BrokerConfig struct {
	URL           string `mapstructure:"url"`
	ClientID      string `mapstructure:"clientId"`
	MaxReconnects int    `mapstructure:"maxReconnects"`
	StatusTTL     int    `mapstructure:"statusTtl"` // seconds; broker health cache
}

// SharedConfig holds the shared directory layout used by the fallback
// transport and artifact exchange.
type SharedConfig struct {
	Dir string `mapstructure:"dir"`
}

// MessageLog returns the path of the fallback message log.
func (s *SharedConfig) MessageLog() string {
	return filepath.Join(s.Dir, "messages.log")
}

// CursorDir returns the directory holding per-agent cursor files.
func (s *SharedConfig) CursorDir() string {
	return filepath.Join(s.Dir, "cursors")
}

// ArtifactDir returns the artifact subdirectory for a pipeline stage.
func (s *SharedConfig) ArtifactDir(kind string) string {
	return filepath.Join(s.Dir, kind)
}

// RegistryConfig holds task registry persistence configuration.
type RegistryConfig struct {
	// Backend is "sqlite", "postgres" or "memory".
	Backend       string `mapstructure:"backend"`
	SQLitePath    string `mapstructure:"sqlitePath"`
	PostgresDSN   string `mapstructure:"postgresDsn"`
	RetentionDays int    `mapstructure:"retentionDays"`
}

// AgentConfig holds the identity of a launched agent.
type AgentConfig struct {
	ID   string `mapstructure:"id"`
	Role string `mapstructure:"role"`
}

// ServiceEndpoint holds address and port for one reference service.
type ServiceEndpoint struct {
	URL  string `mapstructure:"url"`
	Port int    `mapstructure:"port"`
	Dir  string `mapstructure:"dir"`
}

// ServicesConfig holds the three reference service endpoints consumed by
// the bridge and served by the hub.
type ServicesConfig struct {
	Knowledge    ServiceEndpoint `mapstructure:"knowledge"`
	Vector       ServiceEndpoint `mapstructure:"vector"`
	Coordination ServiceEndpoint `mapstructure:"coordination"`
}

// RuntimeConfig holds event-loop tuning for agent runtimes.
type RuntimeConfig struct {
	ReceiveTimeout  int `mapstructure:"receiveTimeout"`  // seconds
	IdleThreshold   int `mapstructure:"idleThreshold"`   // receives before on_idle
	DedupSize       int `mapstructure:"dedupSize"`       // LRU capacity
	StuckThreshold  int `mapstructure:"stuckThreshold"`  // seconds
	OfflineWindow   int `mapstructure:"offlineWindow"`   // seconds without heartbeat
	ShutdownGrace   int `mapstructure:"shutdownGrace"`   // seconds for in-flight handlers
	ScanInterval    int `mapstructure:"scanInterval"`    // seconds between stuck scans
	DispatchTimeout int `mapstructure:"dispatchTimeout"` // seconds for orchestrator sends
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"outputPath"`
}

// Role describes a configured agent role and its capabilities. Roles are
// an open enumeration loaded from the roles file.
type Role struct {
	Name         string   `yaml:"name"`
	Capabilities []string `yaml:"capabilities"`
}

// ReceiveTimeoutDuration returns the receive timeout as a time.Duration.
func (r *RuntimeConfig) ReceiveTimeoutDuration() time.Duration {
	return time.Duration(r.ReceiveTimeout) * time.Second
}

// StuckThresholdDuration returns the stuck threshold as a time.Duration.
func (r *RuntimeConfig) StuckThresholdDuration() time.Duration {
	return time.Duration(r.StuckThreshold) * time.Second
}

// OfflineWindowDuration returns the offline window as a time.Duration.
func (r *RuntimeConfig) OfflineWindowDuration() time.Duration {
	return time.Duration(r.OfflineWindow) * time.Second
}

// ShutdownGraceDuration returns the shutdown grace as a time.Duration.
func (r *RuntimeConfig) ShutdownGraceDuration() time.Duration {
	return time.Duration(r.ShutdownGrace) * time.Second
}

// ScanIntervalDuration returns the scan interval as a time.Duration.
func (r *RuntimeConfig) ScanIntervalDuration() time.Duration {
	return time.Duration(r.ScanInterval) * time.Second
}

// StatusTTLDuration returns the broker health cache TTL as a time.Duration.
func (b *BrokerConfig) StatusTTLDuration() time.Duration {
	return time.Duration(b.StatusTTL) * time.Second
}

// detectDefaultLogFormat returns "json" in production-like environments
// and "text" for terminal use.
func detectDefaultLogFormat() string {
	if os.Getenv("KUBERNETES_SERVICE_HOST") != "" {
		return "json"
	}
	if env := os.Getenv("AGENTMESH_ENV"); env == "production" || env == "prod" {
		return "json"
	}
	return "text"
}

// setDefaults configures default values for all configuration options.
func setDefaults(v *viper.Viper) {
	v.SetDefault("broker.url", "") // empty disables the primary path
	v.SetDefault("broker.clientId", "agentmesh")
	v.SetDefault("broker.maxReconnects", 10)
	v.SetDefault("broker.statusTtl", 5)

	v.SetDefault("shared.dir", defaultSharedDir())

	v.SetDefault("registry.backend", "sqlite")
	v.SetDefault("registry.sqlitePath", "")
	v.SetDefault("registry.postgresDsn", "")
	v.SetDefault("registry.retentionDays", 30)

	v.SetDefault("agent.id", "")
	v.SetDefault("agent.role", "")

	v.SetDefault("services.knowledge.url", "")
	v.SetDefault("services.knowledge.port", 8501)
	v.SetDefault("services.knowledge.dir", "")
	v.SetDefault("services.vector.url", "")
	v.SetDefault("services.vector.port", 8502)
	v.SetDefault("services.vector.dir", "")
	v.SetDefault("services.coordination.url", "")
	v.SetDefault("services.coordination.port", 8503)
	v.SetDefault("services.coordination.dir", "")

	v.SetDefault("runtime.receiveTimeout", 5)
	v.SetDefault("runtime.idleThreshold", 10)
	v.SetDefault("runtime.dedupSize", 10000)
	v.SetDefault("runtime.stuckThreshold", 300)
	v.SetDefault("runtime.offlineWindow", 120)
	v.SetDefault("runtime.shutdownGrace", 10)
	v.SetDefault("runtime.scanInterval", 60)
	v.SetDefault("runtime.dispatchTimeout", 10)

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", detectDefaultLogFormat())
	v.SetDefault("logging.outputPath", "stdout")

	v.SetDefault("rolesFile", "")
}

func defaultSharedDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "./shared"
	}
	return filepath.Join(home, ".agentmesh", "shared")
}

// Load reads configuration from environment variables, config file, and
// defaults. Environment variables use the prefix AGENTMESH_ with
// snake_case naming; the core's well-known unprefixed variables
// (SHARED_DIR, BROKER_URL, ...) are bound explicitly.
func Load() (*Config, error) {
	return LoadWithPath("")
}

// LoadWithPath reads configuration from the specified path or default
// locations.
func LoadWithPath(configPath string) (*Config, error) {
	v := viper.New()

	setDefaults(v)

	v.SetEnvPrefix("AGENTMESH")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// The exhaustive unprefixed env list recognized by the core.
	_ = v.BindEnv("shared.dir", "SHARED_DIR", "AGENTMESH_SHARED_DIR")
	_ = v.BindEnv("broker.url", "BROKER_URL", "AGENTMESH_BROKER_URL")
	_ = v.BindEnv("agent.id", "AGENT_ID", "AGENTMESH_AGENT_ID")
	_ = v.BindEnv("agent.role", "AGENT_ROLE", "AGENTMESH_AGENT_ROLE")
	_ = v.BindEnv("services.knowledge.url", "KNOWLEDGE_URL")
	_ = v.BindEnv("services.vector.url", "VECTOR_URL")
	_ = v.BindEnv("services.coordination.url", "COORDINATION_URL")
	_ = v.BindEnv("services.knowledge.dir", "KNOWLEDGE_ROOT")
	_ = v.BindEnv("services.vector.dir", "STORAGE_DIR")

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	if configPath != "" {
		v.AddConfigPath(configPath)
	}
	v.AddConfigPath(".")
	v.AddConfigPath("/etc/agentmesh/")

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("error reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("error unmarshaling config: %w", err)
	}

	fillDerived(&cfg)

	if err := validate(&cfg); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	if cfg.RolesFile != "" {
		roles, err := LoadRoles(cfg.RolesFile)
		if err != nil {
			return nil, fmt.Errorf("error loading roles file: %w", err)
		}
		cfg.Roles = roles
	} else {
		cfg.Roles = DefaultRoles()
	}

	return &cfg, nil
}

// fillDerived fills paths that default relative to the shared directory.
func fillDerived(cfg *Config) {
	if cfg.Registry.SQLitePath == "" {
		cfg.Registry.SQLitePath = filepath.Join(cfg.Shared.Dir, "registry.db")
	}
	if cfg.Services.Knowledge.Dir == "" {
		cfg.Services.Knowledge.Dir = filepath.Join(cfg.Shared.Dir, "knowledge")
	}
	if cfg.Services.Vector.Dir == "" {
		cfg.Services.Vector.Dir = filepath.Join(cfg.Shared.Dir, "documents")
	}
	if cfg.Services.Coordination.Dir == "" {
		cfg.Services.Coordination.Dir = filepath.Join(cfg.Shared.Dir, "hub")
	}
	if cfg.Services.Knowledge.URL == "" {
		cfg.Services.Knowledge.URL = fmt.Sprintf("http://localhost:%d", cfg.Services.Knowledge.Port)
	}
	if cfg.Services.Vector.URL == "" {
		cfg.Services.Vector.URL = fmt.Sprintf("http://localhost:%d", cfg.Services.Vector.Port)
	}
	if cfg.Services.Coordination.URL == "" {
		cfg.Services.Coordination.URL = fmt.Sprintf("http://localhost:%d", cfg.Services.Coordination.Port)
	}
}

// validate checks configuration consistency, collecting all errors.
func validate(cfg *Config) error {
	var errs []string

	if cfg.Shared.Dir == "" {
		errs = append(errs, "shared.dir is required")
	}

	switch cfg.Registry.Backend {
	case "sqlite", "memory":
	case "postgres":
		if cfg.Registry.PostgresDSN == "" {
			errs = append(errs, "registry.postgresDsn is required for the postgres backend")
		}
	default:
		errs = append(errs, "registry.backend must be one of: sqlite, postgres, memory")
	}
	if cfg.Registry.RetentionDays <= 0 {
		errs = append(errs, "registry.retentionDays must be positive")
	}

	for name, ep := range map[string]ServiceEndpoint{
		"knowledge":    cfg.Services.Knowledge,
		"vector":       cfg.Services.Vector,
		"coordination": cfg.Services.Coordination,
	} {
		if ep.Port <= 0 || ep.Port > 65535 {
			errs = append(errs, fmt.Sprintf("services.%s.port must be between 1 and 65535", name))
		}
	}

	if cfg.Runtime.ReceiveTimeout <= 0 {
		errs = append(errs, "runtime.receiveTimeout must be positive")
	}
	if cfg.Runtime.DedupSize < 10000 {
		errs = append(errs, "runtime.dedupSize must be at least 10000")
	}

	validLevels := map[string]bool{"debug": true, "info": true, "warn": true, "error": true}
	if !validLevels[strings.ToLower(cfg.Logging.Level)] {
		errs = append(errs, "logging.level must be one of: debug, info, warn, error")
	}
	validFormats := map[string]bool{"json": true, "text": true}
	if !validFormats[strings.ToLower(cfg.Logging.Format)] {
		errs = append(errs, "logging.format must be one of: json, text")
	}

	if len(errs) > 0 {
		return fmt.Errorf("%s", strings.Join(errs, "; "))
	}
	return nil
}

// LoadRoles reads a role-capability file. The file maps role names to
// capability lists:
//
//	architect:
//	  capabilities: [specification, design]
func LoadRoles(path string) (map[string]Role, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	raw := map[string]struct {
		Capabilities []string `yaml:"capabilities"`
	}{}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("parse roles file: %w", err)
	}
	roles := make(map[string]Role, len(raw))
	for name, r := range raw {
		roles[strings.ToUpper(name)] = Role{
			Name:         strings.ToUpper(name),
			Capabilities: r.Capabilities,
		}
	}
	return roles, nil
}

// DefaultRoles returns the canonical pipeline roles used when no roles
// file is configured.
func DefaultRoles() map[string]Role {
	return map[string]Role{
		"ADMIN":     {Name: "ADMIN", Capabilities: []string{"orchestration"}},
		"ARCHITECT": {Name: "ARCHITECT", Capabilities: []string{"specification"}},
		"BUILDER":   {Name: "BUILDER", Capabilities: []string{"build"}},
		"VALIDATOR": {Name: "VALIDATOR", Capabilities: []string{"validation"}},
	}
}
