// Package config loads the broker's static configuration: supported
// regions, the IaaS key pair and security group, worker pool sizes, and
// polling intervals.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"

	"github.com/mozilla-services/loadbroker/pkg/model"
)

// EnvConfig is the root configuration object, loaded from a TOML file over
// Default(). Environment variables do not override its fields.
type EnvConfig struct {
	// BrokerID tags every instance this broker creates, and is the broker's
	// own identity in the Name tag (loads-<BrokerID>[-owner]).
	BrokerID string `toml:"broker_id"`

	// BrokerVersion is stamped into each Run's environment_data as
	// BROKER_VERSION.
	BrokerVersion string `toml:"broker_version"`

	// Regions lists every region the Pool recovers instances in and the
	// Registry populates images for at startup.
	Regions []model.Region `toml:"regions"`

	// KeyPair and SecurityGroup are passed verbatim to RunInstances.
	KeyPair       string `toml:"key_pair"`
	SecurityGroup string `toml:"security_group"`

	// ImageOwnerID restricts the Registry's image listing to images owned
	// by this account.
	ImageOwnerID string `toml:"image_owner_id"`

	// PoolWorkers bounds the Pool's cross-region worker pool (default 15
	// per spec §5).
	PoolWorkers int `toml:"pool_workers"`

	// PollIntervalSeconds is the Run Manager's scheduling tick (default 1.5s).
	PollIntervalSeconds float64 `toml:"poll_interval_seconds"`

	// StalePendingSeconds is the boundary past which a Pending instance is
	// no longer considered available (default 120s per spec §3).
	StalePendingSeconds int `toml:"stale_pending_seconds"`

	// WaitRunningTimeoutSeconds bounds Collection.WaitForRunning (default 600s).
	WaitRunningTimeoutSeconds int `toml:"wait_running_timeout_seconds"`

	// ContainerHostReadyTimeoutSeconds bounds ContainerHost.WaitReady
	// (default 360s).
	ContainerHostReadyTimeoutSeconds int `toml:"container_host_ready_timeout_seconds"`

	// HTTPAddr is the address the HTTP API listens on.
	HTTPAddr string `toml:"http_addr"`

	// DBPath is the embedded Repository's on-disk leveldb directory.
	DBPath string `toml:"db_path"`

	// LogLevel is decoded from the file ("debug", "info", "warn", "error";
	// default "info") but is not applied: the process log level is set only
	// by the LOG_LEVEL environment variable or the -v flag (main.go).
	LogLevel string `toml:"log_level"`

	// ContainerHostPort is the Docker Engine API port listening on each
	// instance.
	ContainerHostPort string `toml:"container_host_port"`

	// SSHUser and SSHPrivateKeyPath authenticate the Remote Shell against
	// every instance.
	SSHUser           string `toml:"ssh_user"`
	SSHPrivateKeyPath string `toml:"ssh_private_key_path"`

	// InitialStatePath, if set, names a TOML or JSON file reconciled into
	// the Repository at startup (spec §6).
	InitialStatePath string `toml:"initial_state_path"`

	// MetricsAddr, if set, exposes the Prometheus metrics Extension's
	// collectors over HTTP at this address, independent of HTTPAddr.
	MetricsAddr string `toml:"metrics_addr"`
}

// Default returns the baseline configuration with every interval and pool
// size set to the values named throughout spec §§2–5.
func Default() EnvConfig {
	return EnvConfig{
		BrokerVersion:                    "dev",
		Regions:                          model.Regions,
		PoolWorkers:                      15,
		PollIntervalSeconds:              1.5,
		StalePendingSeconds:              120,
		WaitRunningTimeoutSeconds:        600,
		ContainerHostReadyTimeoutSeconds: 360,
		HTTPAddr:                         ":8080",
		DBPath:                           "loadbroker.db",
		LogLevel:                         "info",
		ContainerHostPort:                "2375",
		SSHUser:                          "core",
	}
}

// Load reads a TOML configuration file and merges it over the defaults.
// Absence of the file is not an error; Default() alone is used.
func Load(path string) (EnvConfig, error) {
	cfg := Default()
	if path == "" {
		return cfg, nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return cfg, nil
	}
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return cfg, fmt.Errorf("decoding config %s: %w", path, err)
	}
	return cfg, nil
}

func (c EnvConfig) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalSeconds * float64(time.Second))
}

func (c EnvConfig) StalePending() time.Duration {
	return time.Duration(c.StalePendingSeconds) * time.Second
}

func (c EnvConfig) WaitRunningTimeout() time.Duration {
	return time.Duration(c.WaitRunningTimeoutSeconds) * time.Second
}

func (c EnvConfig) ContainerHostReadyTimeout() time.Duration {
	return time.Duration(c.ContainerHostReadyTimeoutSeconds) * time.Second
}
