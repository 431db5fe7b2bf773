// Package config loads bridge configuration from defaults, an optional
// YAML file, and the environment.
//
// DESIGN: Precedence is defaults < config file < environment. The bridge
// runs fine with no file and no environment at all; the file exists for
// the two knobs operators actually turn (ports, initial idle timeout).
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// Config holds settings for both planes. The agent section is only read
// by the browser-agent binary.
type Config struct {
	Server ServerConfig `yaml:"server"`
	Agent  AgentConfig  `yaml:"agent"`

	// LogLevel is a zerolog level name (trace, debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
}

// ServerConfig configures the server plane.
type ServerConfig struct {
	HTTPAddr    string `yaml:"http_addr"`
	ControlAddr string `yaml:"control_addr"`

	// InitialIdleTimeout is the window granted before the first frame.
	// Clamped to [ShortInitialIdleTimeout, DefaultInitialIdleTimeout].
	InitialIdleTimeout time.Duration `yaml:"initial_idle_timeout"`
}

// UnmarshalYAML decodes the server section, accepting duration strings
// like "120s" for the idle timeout. Absent keys leave the defaults in
// place.
func (s *ServerConfig) UnmarshalYAML(value *yaml.Node) error {
	var raw struct {
		HTTPAddr           string `yaml:"http_addr"`
		ControlAddr        string `yaml:"control_addr"`
		InitialIdleTimeout string `yaml:"initial_idle_timeout"`
	}
	if err := value.Decode(&raw); err != nil {
		return err
	}
	if raw.HTTPAddr != "" {
		s.HTTPAddr = raw.HTTPAddr
	}
	if raw.ControlAddr != "" {
		s.ControlAddr = raw.ControlAddr
	}
	if raw.InitialIdleTimeout != "" {
		d, err := time.ParseDuration(raw.InitialIdleTimeout)
		if err != nil {
			return fmt.Errorf("initial_idle_timeout: %w", err)
		}
		s.InitialIdleTimeout = d
	}
	return nil
}

// AgentConfig configures the browser plane.
type AgentConfig struct {
	// ControlURL is the ws:// endpoint of the server plane.
	ControlURL string `yaml:"control_url"`

	// Cookie is the logged-in session's Cookie header value. Usually
	// supplied via BRIDGE_COOKIE rather than the file.
	Cookie string `yaml:"cookie"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			HTTPAddr:           DefaultHTTPAddr,
			ControlAddr:        DefaultControlAddr,
			InitialIdleTimeout: DefaultInitialIdleTimeout,
		},
		Agent: AgentConfig{
			ControlURL: "ws://" + DefaultControlAddr,
		},
		LogLevel: "info",
	}
}

// Load builds the effective configuration. path may be empty; a missing
// file at an explicit path is an error, a missing default file is not.
func Load(path string) (*Config, error) {
	// .env is a convenience for the agent's cookie; absence is normal.
	_ = godotenv.Load()

	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read config: %w", err)
		}
		// Unless the file sets agent.control_url, normalize derives it
		// from the (possibly overridden) control address.
		cfg.Agent.ControlURL = ""
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if cookie := os.Getenv("BRIDGE_COOKIE"); cookie != "" {
		cfg.Agent.Cookie = cookie
	}
	if level := os.Getenv("BRIDGE_LOG_LEVEL"); level != "" {
		cfg.LogLevel = level
	}

	cfg.normalize()
	return cfg, nil
}

func (c *Config) normalize() {
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = DefaultHTTPAddr
	}
	if c.Server.ControlAddr == "" {
		c.Server.ControlAddr = DefaultControlAddr
	}
	if c.Server.InitialIdleTimeout <= 0 {
		c.Server.InitialIdleTimeout = DefaultInitialIdleTimeout
	}
	if c.Server.InitialIdleTimeout < ShortInitialIdleTimeout {
		c.Server.InitialIdleTimeout = ShortInitialIdleTimeout
	}
	if c.Server.InitialIdleTimeout > DefaultInitialIdleTimeout {
		c.Server.InitialIdleTimeout = DefaultInitialIdleTimeout
	}
	if c.Agent.ControlURL == "" {
		c.Agent.ControlURL = "ws://" + c.Server.ControlAddr
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}
