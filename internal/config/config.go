// Package config loads the process configuration recognized by the
// write-consistency core.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Node describes this process's identity within the deployment fleet.
type Node struct {
	FunctionName string `yaml:"function_name"`
	NodeIDBits   int    `yaml:"node_id_bits" default:"63"`
}

// Config is the full set of process configuration the core recognizes.
type Config struct {
	Node Node `yaml:"node"`

	// NumDeployments is D: the total deployment count, must match the
	// number of per-deployment ack/invalidation table pairs.
	NumDeployments int `yaml:"num_deployments"`
	// LocalDeployment is this Node's deployment, 0 <= local < D.
	LocalDeployment int `yaml:"local_deployment"`

	MembershipHosts []string `yaml:"membership_hosts"`
	SharedStoreDSN  string   `yaml:"shared_store_dsn"`

	// HeartbeatIntervalMs is used by peer subsystems, not the core;
	// carried for interface completeness.
	HeartbeatIntervalMs int `yaml:"heartbeat_interval_ms" default:"1000"`

	EventRetryBackoffMs int `yaml:"event_retry_backoff_ms" default:"200"`
	EventRetryMax       int `yaml:"event_retry_max" default:"10"`
}

// Validate checks the invariants LoadConfig cannot express through
// struct tags alone.
func (c *Config) Validate() error {
	if c.NumDeployments <= 0 {
		return fmt.Errorf("config: num_deployments must be positive, got %d", c.NumDeployments)
	}
	if c.LocalDeployment < 0 || c.LocalDeployment >= c.NumDeployments {
		return fmt.Errorf("config: local_deployment %d out of range [0,%d)", c.LocalDeployment, c.NumDeployments)
	}
	if c.Node.FunctionName == "" {
		return fmt.Errorf("config: node.function_name is required")
	}
	if len(c.MembershipHosts) == 0 {
		return fmt.Errorf("config: membership_hosts must not be empty")
	}
	if c.SharedStoreDSN == "" {
		return fmt.Errorf("config: shared_store_dsn is required")
	}
	return nil
}

// EventRetryBackoff returns the configured backoff as a duration.
func (c *Config) EventRetryBackoff() time.Duration {
	return time.Duration(c.EventRetryBackoffMs) * time.Millisecond
}

// HeartbeatInterval returns the configured heartbeat interval as a duration.
func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMs) * time.Millisecond
}

func defaults() Config {
	return Config{
		Node:                Node{NodeIDBits: 63},
		HeartbeatIntervalMs: 1000,
		EventRetryBackoffMs: 200,
		EventRetryMax:       10,
	}
}

// LoadConfig reads and decodes a YAML configuration file at path.
func LoadConfig(path string) (*Config, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	cfg := defaults()
	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}
