// Package config handles loading and validating server and environment
// configuration from YAML files.
package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// ServerConfig holds the main server configuration.
type ServerConfig struct {
	ListenAddr        string        `yaml:"listen_addr"`
	ListenPort        int           `yaml:"listen_port"`
	InstanceID        string        `yaml:"instance_id"`
	HeaderPrefix      string        `yaml:"response_header_prefix"`
	TenantIdleTimeout time.Duration `yaml:"tenant_idle_timeout"`
	ReapInterval      time.Duration `yaml:"reap_interval"`
	StreamBatchSize   int           `yaml:"stream_batch_size"`
	HealthCheckPort   int           `yaml:"health_check_port"`
	MetricsPort       int           `yaml:"metrics_port"`
}

// RedisConfig holds the Redis connection configuration for the persisted
// session store.
type RedisConfig struct {
	Addr         string        `yaml:"addr"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	SessionTTL   time.Duration `yaml:"session_ttl"`
}

// Environment describes one named target database instance and its
// technical credential.
type Environment struct {
	Name          string        `yaml:"name"`
	Host          string        `yaml:"host"`
	Port          int           `yaml:"port"`
	Database      string        `yaml:"database"`
	DefaultSchema string        `yaml:"default_schema"`
	User          string        `yaml:"user"`
	Password      string        `yaml:"password"`
	MaxPoolSize   int           `yaml:"max_pool_size"`
	MinPoolSize   int           `yaml:"min_pool_size"`
	IdleTimeout   time.Duration `yaml:"idle_timeout"`
	RefreshIdle   *bool         `yaml:"refresh_idle"`

	// TenantMaxPoolSize bounds the per-(user,env) pools routed through this
	// environment; the shared MaxPoolSize applies when zero.
	TenantMaxPoolSize int `yaml:"tenant_max_pool_size"`
}

// Config is the root configuration structure.
type Config struct {
	Server       ServerConfig
	Redis        RedisConfig
	Environments []Environment
}

type serverFileConfig struct {
	Server ServerConfig `yaml:"server"`
	Redis  RedisConfig  `yaml:"redis"`
}

type environmentsFileConfig struct {
	Environments []Environment `yaml:"environments"`
}

// envName is the allow-listed syntax for environment routing keys.
var envName = regexp.MustCompile(`^[A-Za-z0-9_]+$`)

// ValidName reports whether s is an acceptable environment routing key.
func ValidName(s string) bool { return envName.MatchString(s) }

// Load reads and parses both the server and environments configuration files.
func Load(serverConfigPath, environmentsConfigPath string) (*Config, error) {
	serverData, err := os.ReadFile(serverConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading server config %s: %w", serverConfigPath, err)
	}

	var serverFile serverFileConfig
	if err := yaml.Unmarshal(serverData, &serverFile); err != nil {
		return nil, fmt.Errorf("parsing server config %s: %w", serverConfigPath, err)
	}

	envsData, err := os.ReadFile(environmentsConfigPath)
	if err != nil {
		return nil, fmt.Errorf("reading environments config %s: %w", environmentsConfigPath, err)
	}

	var envsFile environmentsFileConfig
	if err := yaml.Unmarshal(envsData, &envsFile); err != nil {
		return nil, fmt.Errorf("parsing environments config %s: %w", environmentsConfigPath, err)
	}

	cfg := &Config{
		Server:       serverFile.Server,
		Redis:        serverFile.Redis,
		Environments: envsFile.Environments,
	}

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config validation: %w", err)
	}

	cfg.applyDefaults()

	return cfg, nil
}

// validate checks mandatory fields.
func (c *Config) validate() error {
	if c.Server.ListenPort == 0 {
		return fmt.Errorf("server.listen_port is required")
	}
	if len(c.Environments) == 0 {
		return fmt.Errorf("at least one environment must be configured")
	}
	for i, e := range c.Environments {
		if e.Name == "" {
			return fmt.Errorf("environment[%d].name is required", i)
		}
		if !ValidName(e.Name) {
			return fmt.Errorf("environment[%d].name %q: only alphanumerics and underscore allowed", i, e.Name)
		}
		if e.Host == "" {
			return fmt.Errorf("environment[%d].host is required", i)
		}
		if e.Port == 0 {
			return fmt.Errorf("environment[%d].port is required", i)
		}
		if e.User == "" || e.Password == "" {
			return fmt.Errorf("environment[%d]: technical user and password are required", i)
		}
	}
	return nil
}

// applyDefaults fills in reasonable defaults for unset optional fields.
func (c *Config) applyDefaults() {
	if c.Server.ListenAddr == "" {
		c.Server.ListenAddr = "0.0.0.0"
	}
	if c.Server.HeaderPrefix == "" {
		c.Server.HeaderPrefix = "x-db-"
	}
	if c.Server.TenantIdleTimeout == 0 {
		c.Server.TenantIdleTimeout = 30 * time.Minute
	}
	if c.Server.ReapInterval == 0 {
		c.Server.ReapInterval = time.Minute
	}
	if c.Server.StreamBatchSize == 0 {
		c.Server.StreamBatchSize = 64
	}
	if c.Server.HealthCheckPort == 0 {
		c.Server.HealthCheckPort = 8080
	}
	if c.Server.MetricsPort == 0 {
		c.Server.MetricsPort = 9090
	}
	if c.Server.InstanceID == "" {
		hostname, _ := os.Hostname()
		c.Server.InstanceID = hostname
	}
	if c.Redis.Addr == "" {
		c.Redis.Addr = "redis:6379"
	}
	if c.Redis.PoolSize == 0 {
		c.Redis.PoolSize = 20
	}
	if c.Redis.DialTimeout == 0 {
		c.Redis.DialTimeout = 5 * time.Second
	}
	if c.Redis.ReadTimeout == 0 {
		c.Redis.ReadTimeout = 3 * time.Second
	}
	if c.Redis.WriteTimeout == 0 {
		c.Redis.WriteTimeout = 3 * time.Second
	}
	if c.Redis.SessionTTL == 0 {
		c.Redis.SessionTTL = 12 * time.Hour
	}

	for i := range c.Environments {
		e := &c.Environments[i]
		if e.MaxPoolSize == 0 {
			e.MaxPoolSize = 1
		}
		if e.IdleTimeout == 0 {
			e.IdleTimeout = 30 * time.Second
		}
		if e.RefreshIdle == nil {
			t := true
			e.RefreshIdle = &t
		}
		if e.TenantMaxPoolSize == 0 {
			e.TenantMaxPoolSize = e.MaxPoolSize
		}
	}
}

// EnvironmentByName returns the environment configuration for a given name.
func (c *Config) EnvironmentByName(name string) (*Environment, bool) {
	for i := range c.Environments {
		if c.Environments[i].Name == name {
			return &c.Environments[i], true
		}
	}
	return nil, false
}
