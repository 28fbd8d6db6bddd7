// Package config handles loading relayd.toml configuration files.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the relayd configuration, loaded from an optional TOML file
// with environment-variable overrides on top.
type Config struct {
	// Port is the listen port for the HTTP/websocket server.
	Port int `toml:"port"`

	// IdentityHeader names the trusted reverse-proxy header carrying the
	// authenticated subject for the token-minting endpoint.
	IdentityHeader string `toml:"identity-header"`

	Agent Agent `toml:"agent"`
	Relay Relay `toml:"relay"`
}

// Agent configures how supervised processes are invoked.
type Agent struct {
	// Command is the agent executable, resolved via PATH.
	Command string `toml:"command"`

	// BaseArgs are prepended to every invocation.
	BaseArgs []string `toml:"base-args"`

	// GracefulTimeoutSeconds is how long a terminate request waits before
	// force-killing.
	GracefulTimeoutSeconds int `toml:"graceful-timeout-seconds"`
}

// Relay configures connection behavior.
type Relay struct {
	// TokenTTLSeconds bounds how long a minted connection token is valid.
	TokenTTLSeconds int `toml:"token-ttl-seconds"`

	// TerminateOnDisconnect kills a running agent when its socket closes.
	TerminateOnDisconnect bool `toml:"terminate-on-disconnect"`

	// WatchWorkspace enables working-directory activity events.
	WatchWorkspace bool `toml:"watch-workspace"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Port:           8420,
		IdentityHeader: "X-Forwarded-User",
		Agent: Agent{
			Command:                "claude",
			GracefulTimeoutSeconds: 5,
		},
		Relay: Relay{
			TokenTTLSeconds: 30,
			WatchWorkspace:  true,
		},
	}
}

// Load reads path (if non-empty and present) over the defaults, then
// applies environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if _, err := os.Stat(path); err == nil {
			if _, err := toml.DecodeFile(path, &cfg); err != nil {
				return cfg, fmt.Errorf("parse %s: %w", path, err)
			}
		}
	}

	applyEnv(&cfg)
	return cfg, nil
}

func applyEnv(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Port = n
		}
	}
	if v := os.Getenv("IDENTITY_HEADER"); v != "" {
		cfg.IdentityHeader = v
	}
	if v := os.Getenv("AGENT_COMMAND"); v != "" {
		cfg.Agent.Command = v
	}
	if v := os.Getenv("TOKEN_TTL_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Relay.TokenTTLSeconds = n
		}
	}
	if v := os.Getenv("TERMINATE_ON_DISCONNECT"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Relay.TerminateOnDisconnect = b
		}
	}
	if v := os.Getenv("WATCH_WORKSPACE"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			cfg.Relay.WatchWorkspace = b
		}
	}
}

// TokenTTL returns the configured token TTL as a duration.
func (c Config) TokenTTL() time.Duration {
	return time.Duration(c.Relay.TokenTTLSeconds) * time.Second
}

// GracefulTimeout returns the configured terminate grace period.
func (c Config) GracefulTimeout() time.Duration {
	return time.Duration(c.Agent.GracefulTimeoutSeconds) * time.Second
}
