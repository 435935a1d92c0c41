// Copyright 2023 The emqx-go Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.


// Package config loads the emqx-edge configuration from YAML or JSON files
// and turns it into the settings of the broker components.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"runtime"
	"runtime/debug"
	"strings"
	"time"

	"gopkg.in/yaml.v2"

	"github.com/turtacn/emqx-edge/pkg/adapter"
	"github.com/turtacn/emqx-edge/pkg/auth"
	"github.com/turtacn/emqx-edge/pkg/blacklist"
	"github.com/turtacn/emqx-edge/pkg/bridge"
	"github.com/turtacn/emqx-edge/pkg/cleanup"
	"github.com/turtacn/emqx-edge/pkg/log"
	"github.com/turtacn/emqx-edge/pkg/mqtt"
	"github.com/turtacn/emqx-edge/pkg/publish"
	"github.com/turtacn/emqx-edge/pkg/queue"
	"github.com/turtacn/emqx-edge/pkg/singlewriter"
	"github.com/turtacn/emqx-edge/pkg/tls"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid configuration")

// memoryBaseline stands in for the memory limit when GOMEMLIMIT is unset.
const memoryBaseline int64 = 1 << 30

// BrokerConfig holds the listener settings.
type BrokerConfig struct {
	NodeID      string `yaml:"node_id" json:"node_id"`
	MQTTPort    string `yaml:"mqtt_port" json:"mqtt_port"`
	MetricsPort string `yaml:"metrics_port" json:"metrics_port"`
	// ReceiveMaximum caps the in-flight window granted to each client.
	ReceiveMaximum int        `yaml:"receive_maximum" json:"receive_maximum"`
	TLS            tls.Config `yaml:"tls" json:"tls"`
}

// PersistenceConfig sizes the persistences.
type PersistenceConfig struct {
	BucketCount int `yaml:"bucket_count" json:"bucket_count"`
}

// SingleWriterConfig sizes the single writer executor.
type SingleWriterConfig struct {
	ThreadPoolSize            int   `yaml:"thread_pool_size" json:"thread_pool_size"`
	CreditsPerExecution       int   `yaml:"credits_per_execution" json:"credits_per_execution"`
	ShutdownGracePeriodMillis int64 `yaml:"shutdown_grace_period_millis" json:"shutdown_grace_period_millis"`
}

// QueueConfig bounds the client queues.
type QueueConfig struct {
	MaxQueuedMessages             int    `yaml:"max_queued_messages" json:"max_queued_messages"`
	Strategy                      string `yaml:"strategy" json:"strategy"`
	Qos0MemoryLimitDivisor        int64  `yaml:"qos0_memory_limit_divisor" json:"qos0_memory_limit_divisor"`
	Qos0PerClientMemoryLimitBytes int64  `yaml:"qos0_per_client_memory_limit_bytes" json:"qos0_per_client_memory_limit_bytes"`
	RetainedMessageQueueMax       int    `yaml:"retained_message_queue_max" json:"retained_message_queue_max"`
	InflightExpiry                bool   `yaml:"inflight_expiry" json:"inflight_expiry"`
}

// CleanupConfig schedules the bucket cleanup.
type CleanupConfig struct {
	JobParallelism  int   `yaml:"job_parallelism" json:"job_parallelism"`
	IntervalSeconds int64 `yaml:"interval_seconds" json:"interval_seconds"`
	TimeoutSeconds  int64 `yaml:"timeout_seconds" json:"timeout_seconds"`
}

// PollingConfig controls adapter polling.
type PollingConfig struct {
	MaxPollingErrorsBeforeRemoval int   `yaml:"max_polling_errors_before_removal" json:"max_polling_errors_before_removal"`
	IntervalMillis                int64 `yaml:"interval_millis" json:"interval_millis"`
	MaxBackoffMillis              int64 `yaml:"max_backoff_millis" json:"max_backoff_millis"`
}

// SnapshotConfig locates the retained message snapshot.
type SnapshotConfig struct {
	Enabled bool   `yaml:"enabled" json:"enabled"`
	Path    string `yaml:"path" json:"path"`
}

// UserConfig is a user of the built-in authenticator.
type UserConfig struct {
	Username  string `yaml:"username" json:"username"`
	Password  string `yaml:"password" json:"password"`
	Algorithm string `yaml:"algorithm" json:"algorithm"`
	Enabled   bool   `yaml:"enabled" json:"enabled"`
}

// AuthConfig configures client authentication.
type AuthConfig struct {
	Enabled bool         `yaml:"enabled" json:"enabled"`
	Users   []UserConfig `yaml:"users" json:"users"`
}

// Config holds the complete configuration.
type Config struct {
	Broker       BrokerConfig       `yaml:"broker" json:"broker"`
	Log          log.Config         `yaml:"log" json:"log"`
	Persistence  PersistenceConfig  `yaml:"persistence" json:"persistence"`
	SingleWriter SingleWriterConfig `yaml:"single_writer" json:"single_writer"`
	Queue        QueueConfig        `yaml:"queue" json:"queue"`
	Cleanup      CleanupConfig      `yaml:"cleanup" json:"cleanup"`
	Polling      PollingConfig      `yaml:"polling" json:"polling"`
	Snapshot     SnapshotConfig     `yaml:"snapshot" json:"snapshot"`
	Auth         AuthConfig         `yaml:"auth" json:"auth"`
	Blacklist    []blacklist.Entry  `yaml:"blacklist" json:"blacklist"`
	Adapters     []adapter.Config   `yaml:"adapters" json:"adapters"`
	Bridges      []bridge.Config    `yaml:"bridges" json:"bridges"`
}

// DefaultConfig returns a default configuration.
func DefaultConfig() *Config {
	return &Config{
		Broker: BrokerConfig{
			NodeID:         "emqx-edge-node",
			MQTTPort:       ":1883",
			MetricsPort:    ":8082",
			ReceiveMaximum: 10,
			TLS:            tls.Config{Port: ":8883", Verify: tls.VerifyNone},
		},
		Log:         log.DefaultConfig(),
		Persistence: PersistenceConfig{BucketCount: 64},
		SingleWriter: SingleWriterConfig{
			ThreadPoolSize:            runtime.NumCPU(),
			CreditsPerExecution:       200,
			ShutdownGracePeriodMillis: 2000,
		},
		Queue: QueueConfig{
			MaxQueuedMessages:             1000,
			Strategy:                      mqtt.DiscardOldest.String(),
			Qos0MemoryLimitDivisor:        4,
			Qos0PerClientMemoryLimitBytes: 5 * 1024 * 1024,
			RetainedMessageQueueMax:       1000,
		},
		Cleanup: CleanupConfig{
			JobParallelism:  1,
			IntervalSeconds: 4,
			TimeoutSeconds:  30,
		},
		Polling: PollingConfig{
			MaxPollingErrorsBeforeRemoval: adapter.DefaultMaxPollingErrors,
			IntervalMillis:                adapter.DefaultPollingInterval.Milliseconds(),
			MaxBackoffMillis:              adapter.DefaultMaxBackoff.Milliseconds(),
		},
		Snapshot: SnapshotConfig{Path: "data/retained.db"},
	}
}

func unmarshal(path string, data []byte, cfg *Config) error {
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		return yaml.Unmarshal(data, cfg)
	case ".json":
		return json.Unmarshal(data, cfg)
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
}

// LoadConfig reads the file at configPath over the defaults. An empty path
// returns the defaults.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()
	if configPath == "" {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file %s: %w", configPath, err)
	}
	if err := unmarshal(configPath, data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file %s: %w", configPath, err)
	}
	if err := validateConfig(cfg); err != nil {
		return nil, err
	}
	cfg.applyPollingDefault()
	return cfg, nil
}

// SaveConfig writes cfg to configPath in the format of its extension.
func SaveConfig(cfg *Config, configPath string) error {
	var (
		data []byte
		err  error
	)
	switch ext := strings.ToLower(filepath.Ext(configPath)); ext {
	case ".yaml", ".yml":
		data, err = yaml.Marshal(cfg)
	case ".json":
		data, err = json.MarshalIndent(cfg, "", "  ")
	default:
		return fmt.Errorf("unsupported config file format: %s (supported: .yaml, .yml, .json)", ext)
	}
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(configPath, data, 0o644); err != nil {
		return fmt.Errorf("failed to write config file %s: %w", configPath, err)
	}
	return nil
}

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrInvalidConfig, fmt.Sprintf(format, args...))
}

func validateConfig(cfg *Config) error {
	switch {
	case cfg.Broker.NodeID == "":
		return invalid("node_id cannot be empty")
	case cfg.Broker.MQTTPort == "":
		return invalid("mqtt_port cannot be empty")
	case cfg.Broker.ReceiveMaximum <= 0 || cfg.Broker.ReceiveMaximum > math.MaxUint16:
		return invalid("receive_maximum must be in 1..65535, got %d", cfg.Broker.ReceiveMaximum)
	case cfg.Persistence.BucketCount <= 0:
		return invalid("persistence.bucket_count must be positive, got %d", cfg.Persistence.BucketCount)
	case cfg.SingleWriter.ThreadPoolSize <= 0:
		return invalid("single_writer.thread_pool_size must be positive, got %d", cfg.SingleWriter.ThreadPoolSize)
	case cfg.SingleWriter.CreditsPerExecution <= 0:
		return invalid("single_writer.credits_per_execution must be positive, got %d", cfg.SingleWriter.CreditsPerExecution)
	case cfg.SingleWriter.ShutdownGracePeriodMillis < 0:
		return invalid("single_writer.shutdown_grace_period_millis must not be negative")
	case cfg.Queue.MaxQueuedMessages <= 0:
		return invalid("queue.max_queued_messages must be positive, got %d", cfg.Queue.MaxQueuedMessages)
	case cfg.Queue.Qos0MemoryLimitDivisor <= 0:
		return invalid("queue.qos0_memory_limit_divisor must be positive, got %d", cfg.Queue.Qos0MemoryLimitDivisor)
	case cfg.Queue.Qos0PerClientMemoryLimitBytes <= 0:
		return invalid("queue.qos0_per_client_memory_limit_bytes must be positive")
	case cfg.Queue.RetainedMessageQueueMax < 0:
		return invalid("queue.retained_message_queue_max must not be negative")
	case cfg.Cleanup.JobParallelism <= 0:
		return invalid("cleanup.job_parallelism must be positive, got %d", cfg.Cleanup.JobParallelism)
	case cfg.Cleanup.IntervalSeconds <= 0 || cfg.Cleanup.TimeoutSeconds <= 0:
		return invalid("cleanup interval and timeout must be positive")
	case cfg.Polling.MaxPollingErrorsBeforeRemoval <= 0:
		return invalid("polling.max_polling_errors_before_removal must be positive")
	case cfg.Polling.IntervalMillis <= 0 || cfg.Polling.MaxBackoffMillis <= 0:
		return invalid("polling interval and max backoff must be positive")
	case cfg.Snapshot.Enabled && cfg.Snapshot.Path == "":
		return invalid("snapshot.path cannot be empty when snapshots are enabled")
	}
	if err := cfg.Broker.TLS.Validate(); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
	}
	if _, err := mqtt.ParseQueuedMessagesStrategy(cfg.Queue.Strategy); err != nil {
		return invalid("queue.strategy: %v", err)
	}
	if _, err := log.ParseLevel(cfg.Log.Level); err != nil {
		return invalid("log.level: %v", err)
	}

	usernames := make(map[string]struct{}, len(cfg.Auth.Users))
	for i, u := range cfg.Auth.Users {
		if u.Username == "" {
			return invalid("user %d: username cannot be empty", i)
		}
		if _, dup := usernames[u.Username]; dup {
			return invalid("duplicate username: %s", u.Username)
		}
		usernames[u.Username] = struct{}{}
		if u.Password == "" {
			return invalid("user %s: password cannot be empty", u.Username)
		}
		if !auth.HashAlgorithm(u.Algorithm).Valid() {
			return invalid("user %s: unsupported algorithm: %s (supported: plain, sha256, bcrypt)", u.Username, u.Algorithm)
		}
	}

	for _, e := range cfg.Blacklist {
		if err := e.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
	}

	adapterIDs := make(map[string]struct{}, len(cfg.Adapters))
	for _, a := range cfg.Adapters {
		if err := a.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		if _, dup := adapterIDs[a.ID]; dup {
			return invalid("duplicate adapter id: %s", a.ID)
		}
		adapterIDs[a.ID] = struct{}{}
	}
	bridgeIDs := make(map[string]struct{}, len(cfg.Bridges))
	for _, b := range cfg.Bridges {
		if err := b.Validate(); err != nil {
			return fmt.Errorf("%w: %w", ErrInvalidConfig, err)
		}
		if _, dup := bridgeIDs[b.ID]; dup {
			return invalid("duplicate bridge id: %s", b.ID)
		}
		bridgeIDs[b.ID] = struct{}{}
	}
	return nil
}

// applyPollingDefault gives adapters without an interval the configured one.
func (c *Config) applyPollingDefault() {
	for i := range c.Adapters {
		if c.Adapters[i].PollingIntervalMillis <= 0 {
			c.Adapters[i].PollingIntervalMillis = c.Polling.IntervalMillis
		}
	}
}

// Executor returns the single writer settings.
func (c *Config) Executor() singlewriter.Config {
	return singlewriter.Config{
		PoolSize:            c.SingleWriter.ThreadPoolSize,
		CreditsPerExecution: c.SingleWriter.CreditsPerExecution,
		BucketCount:         c.Persistence.BucketCount,
		GracePeriod:         time.Duration(c.SingleWriter.ShutdownGracePeriodMillis) * time.Millisecond,
	}
}

// Qos0GlobalMemoryLimit is the process memory limit divided by the
// configured divisor.
func (c *Config) Qos0GlobalMemoryLimit() int64 {
	limit := debug.SetMemoryLimit(-1)
	if limit <= 0 || limit == math.MaxInt64 {
		limit = memoryBaseline
	}
	return limit / c.Queue.Qos0MemoryLimitDivisor
}

// QueueStore returns the client queue settings.
func (c *Config) QueueStore() queue.Config {
	return queue.Config{
		Qos0GlobalMemoryLimit: c.Qos0GlobalMemoryLimit(),
		Qos0ClientMemoryLimit: c.Queue.Qos0PerClientMemoryLimitBytes,
		RetainedMax:           c.Queue.RetainedMessageQueueMax,
		InflightExpiry:        c.Queue.InflightExpiry,
	}
}

// Publish returns the pipeline queuing defaults.
func (c *Config) Publish() publish.Config {
	strategy, _ := mqtt.ParseQueuedMessagesStrategy(c.Queue.Strategy)
	return publish.Config{
		MaxQueuedMessages: c.Queue.MaxQueuedMessages,
		Strategy:          strategy,
	}
}

// CleanupJob returns the cleanup schedule.
func (c *Config) CleanupJob() cleanup.Config {
	return cleanup.Config{
		Interval:    time.Duration(c.Cleanup.IntervalSeconds) * time.Second,
		Timeout:     time.Duration(c.Cleanup.TimeoutSeconds) * time.Second,
		Parallelism: c.Cleanup.JobParallelism,
	}
}

// PollingService returns the adapter polling settings.
func (c *Config) PollingService() adapter.PollingConfig {
	return adapter.PollingConfig{
		MaxErrorsBeforeRemoval: c.Polling.MaxPollingErrorsBeforeRemoval,
		MaxBackoff:             time.Duration(c.Polling.MaxBackoffMillis) * time.Millisecond,
	}
}

// Authenticators builds the authenticators of the auth section.
func (c *Config) Authenticators() ([]auth.Authenticator, error) {
	if len(c.Auth.Users) == 0 {
		return nil, nil
	}
	memory := auth.NewMemory()
	for _, u := range c.Auth.Users {
		if err := memory.AddUser(u.Username, u.Password, auth.HashAlgorithm(u.Algorithm), u.Enabled); err != nil {
			return nil, err
		}
	}
	return []auth.Authenticator{memory}, nil
}
