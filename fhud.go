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

// Package fhud is the consumer-facing entry point for the word-event
// transport: it opens the shared-memory ring and the websocket side
// channel and returns a running bridge delivering one deduplicated
// stream of word events.
package fhud

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/4rash-4/fHUD/internal/bridge"
	"github.com/4rash-4/fHUD/internal/config"
	"github.com/4rash-4/fHUD/internal/transport/channel"
	"github.com/4rash-4/fHUD/internal/transport/shm"
)

// Re-exported types so callers need only this package.
type (
	Config      = config.Config
	Bridge      = bridge.Bridge
	Callbacks   = bridge.Callbacks
	WordEvent   = bridge.WordEvent
	Stats       = bridge.Stats
	HealthState = bridge.HealthState
	Indicator   = channel.Indicator
	Concept     = channel.Concept
	Connection  = channel.Connection
)

// Health states.
const (
	Degraded       = bridge.Degraded
	RingPrimary    = bridge.RingPrimary
	ChannelPrimary = bridge.ChannelPrimary
)

// DefaultConfig returns the configuration defaults.
func DefaultConfig() *Config {
	return config.Default()
}

// LoadConfig reads a YAML configuration file with environment overrides.
func LoadConfig(path string) (*Config, error) {
	return config.Load(path)
}

// Connect opens the shared-memory segment (waiting, with backoff, for a
// producer that has not started yet), builds the channel client, wires
// the callbacks, and starts the bridge. Cancel ctx to stop waiting for
// the segment.
func Connect(ctx context.Context, cfg *Config, cb Callbacks) (*Bridge, error) {
	if cfg == nil {
		cfg = config.Default()
	}

	drainer, err := openDrainer(ctx, cfg)
	if err != nil {
		return nil, err
	}

	client := channel.NewClient(cfg.ChannelURL)
	client.SetBackoff(cfg.InitialBackoff(), cfg.MaxBackoff())
	client.SetMaxConnectAttempts(cfg.MaxReconnectAttempts)

	b := bridge.New(drainer, client, bridge.Options{
		PollInterval:   cfg.PollInterval(),
		HealthInterval: cfg.HealthInterval(),
		FlushInterval:  cfg.FlushInterval(),
	})
	b.HealthController().SetPolicy(
		cfg.RingSilenceWindow(), cfg.FailureWindow, cfg.FailureRate, cfg.RecoveryRecords)
	b.SetCallbacks(cb)

	if err := b.Start(); err != nil {
		drainer.Close()
		client.Close()
		return nil, err
	}
	return b, nil
}

// openDrainer retries OpenDrainer with exponential backoff while the
// producer has not created the segment yet.
func openDrainer(ctx context.Context, cfg *Config) (*shm.Drainer, error) {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 100 * time.Millisecond
	bo.MaxInterval = time.Second
	bo.MaxElapsedTime = cfg.SegmentWait()
	bo.Reset()

	for {
		drainer, err := shm.OpenDrainer(cfg.SegmentName, cfg.SegmentLockPath)
		if err == nil {
			return drainer, nil
		}
		if !errors.Is(err, shm.ErrSegmentUnavailable) {
			return nil, err
		}

		next := bo.NextBackOff()
		if next == backoff.Stop {
			return nil, fmt.Errorf("producer did not start within %s: %w", cfg.SegmentWait(), err)
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(next):
		}
	}
}
