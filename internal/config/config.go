/*
 *
 * Copyright 2025 the fHUD authors.
 *
 * Licensed under the Apache License, Version 2.0 (the "License");
 * you may not use this file except in compliance with the License.
 * You may obtain a copy of the License at
 *
 *     http://www.apache.org/licenses/LICENSE-2.0
 *
 * Unless required by applicable law or agreed to in writing, software
 * distributed under the License is distributed on an "AS IS" BASIS,
 * WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
 * See the License for the specific language governing permissions and
 * limitations under the License.
 *
 */

// Package config loads the consumer configuration from an optional YAML
// file with FHUD_* environment variable overrides.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config is the complete fHUD consumer configuration.
type Config struct {
	// Shared memory
	SegmentName     string `yaml:"segment_name"`
	SegmentLockPath string `yaml:"segment_lock_path"` // default: <tmpdir>/fhud_<name>.lock

	// Message channel
	ChannelURL           string `yaml:"channel_url"`
	MaxReconnectAttempts int    `yaml:"max_reconnect_attempts"` // initial connection only
	InitialBackoffMs     int    `yaml:"initial_backoff_ms"`
	MaxBackoffMs         int    `yaml:"max_backoff_ms"`

	// Timers
	PollIntervalMs   int `yaml:"poll_interval_ms"`
	FlushIntervalMs  int `yaml:"flush_interval_ms"`
	HealthIntervalMs int `yaml:"health_interval_ms"`

	// Health policy
	RingSilenceWindowS int     `yaml:"ring_silence_window_s"`
	FailureWindow      int     `yaml:"failure_window"`
	FailureRate        float64 `yaml:"failure_rate"`
	RecoveryRecords    int     `yaml:"recovery_records"`

	// Segment open retry (consumer started before the producer)
	SegmentWaitS int `yaml:"segment_wait_s"`

	// Logging
	LogLevel string `yaml:"log_level"`
}

// Default returns the configuration defaults.
func Default() *Config {
	return &Config{
		SegmentName:          "tc_rb",
		ChannelURL:           "ws://127.0.0.1:8765",
		MaxReconnectAttempts: 5,
		InitialBackoffMs:     1000,
		MaxBackoffMs:         30000,
		PollIntervalMs:       16,
		FlushIntervalMs:      100,
		HealthIntervalMs:     1000,
		RingSilenceWindowS:   5,
		FailureWindow:        20,
		FailureRate:          0.5,
		RecoveryRecords:      10,
		SegmentWaitS:         30,
		LogLevel:             "info",
	}
}

// Load reads a YAML configuration file, fills unset fields with defaults,
// and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("config: parse %s: %w", path, err)
		}
	}
	cfg.ApplyEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ApplyEnv overrides fields from FHUD_* environment variables.
func (c *Config) ApplyEnv() {
	if v := os.Getenv("FHUD_SHM_NAME"); v != "" {
		c.SegmentName = v
	}
	if v := os.Getenv("FHUD_SHM_LOCK"); v != "" {
		c.SegmentLockPath = v
	}
	if v := os.Getenv("FHUD_WS_URL"); v != "" {
		c.ChannelURL = v
	}
	if v := os.Getenv("FHUD_MAX_RECONNECTS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.MaxReconnectAttempts = n
		}
	}
	if v := os.Getenv("FHUD_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
}

// Validate rejects configurations the transport cannot run with.
func (c *Config) Validate() error {
	if c.SegmentName == "" {
		return fmt.Errorf("config: segment_name must not be empty")
	}
	if c.ChannelURL == "" {
		return fmt.Errorf("config: channel_url must not be empty")
	}
	if c.PollIntervalMs <= 0 {
		return fmt.Errorf("config: poll_interval_ms must be positive")
	}
	if c.FailureRate < 0 || c.FailureRate > 1 {
		return fmt.Errorf("config: failure_rate must be within [0, 1]")
	}
	return nil
}

// PollInterval returns the ring poll cadence.
func (c *Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMs) * time.Millisecond
}

// FlushInterval returns the batcher tick.
func (c *Config) FlushInterval() time.Duration {
	return time.Duration(c.FlushIntervalMs) * time.Millisecond
}

// HealthInterval returns the health-check tick.
func (c *Config) HealthInterval() time.Duration {
	return time.Duration(c.HealthIntervalMs) * time.Millisecond
}

// RingSilenceWindow returns the ring liveness window.
func (c *Config) RingSilenceWindow() time.Duration {
	return time.Duration(c.RingSilenceWindowS) * time.Second
}

// InitialBackoff returns the first reconnect delay.
func (c *Config) InitialBackoff() time.Duration {
	return time.Duration(c.InitialBackoffMs) * time.Millisecond
}

// MaxBackoff returns the reconnect delay cap.
func (c *Config) MaxBackoff() time.Duration {
	return time.Duration(c.MaxBackoffMs) * time.Millisecond
}

// SegmentWait returns how long the consumer waits for the producer to
// create the segment before giving up.
func (c *Config) SegmentWait() time.Duration {
	return time.Duration(c.SegmentWaitS) * time.Second
}
