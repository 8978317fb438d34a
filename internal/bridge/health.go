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

package bridge

import (
	"sync"
	"time"
)

// HealthState names the source currently trusted as primary. The
// non-primary source's events still feed the deduplicated stream; only
// the label changes.
type HealthState int

const (
	// Degraded means no source is currently healthy.
	Degraded HealthState = iota
	// RingPrimary means the shared-memory ring is the trusted source.
	RingPrimary
	// ChannelPrimary means the websocket channel is the trusted source.
	ChannelPrimary
)

func (s HealthState) String() string {
	switch s {
	case RingPrimary:
		return "RingPrimary"
	case ChannelPrimary:
		return "ChannelPrimary"
	case Degraded:
		return "Degraded"
	default:
		return "Unknown"
	}
}

// Defaults for the health policy.
const (
	DefaultRingSilenceWindow   = 5 * time.Second
	DefaultFailureWindow       = 20  // ring records considered for the failure rate
	DefaultFailureRate         = 0.5 // ring checksum-failure rate that degrades the ring
	DefaultRecoveryRecords     = 10  // contiguous valid records before the ring is trusted again
	DefaultHealthCheckInterval = time.Second
)

// HealthController decides which source is primary. Transitions:
//
//	RingPrimary    -> Degraded        ring silent past the window, or the
//	                                  checksum-failure rate over the last N
//	                                  records exceeds the threshold
//	Degraded       -> ChannelPrimary  a channel event arrives
//	ChannelPrimary -> RingPrimary     M consecutive valid, sequence-contiguous
//	                                  ring records (hysteresis against flapping)
//
// Every transition is logged with the prior and new state.
type HealthController struct {
	mu sync.Mutex

	state           HealthState
	silenceWindow   time.Duration
	failureWindow   int
	failureRate     float64
	recoveryRecords int

	lastRing    time.Time
	results     []bool // rolling valid/corrupt outcomes, capped at failureWindow
	consecutive int    // contiguous valid ring records

	channelDown bool // permanently, after ErrMaxReconnectAttempts

	now          func() time.Time
	onTransition func(from, to HealthState)
}

// NewHealthController returns a controller in RingPrimary with default
// policy values.
func NewHealthController() *HealthController {
	h := &HealthController{
		state:           RingPrimary,
		silenceWindow:   DefaultRingSilenceWindow,
		failureWindow:   DefaultFailureWindow,
		failureRate:     DefaultFailureRate,
		recoveryRecords: DefaultRecoveryRecords,
		now:             time.Now,
	}
	h.lastRing = h.now()
	return h
}

// SetPolicy overrides the transition thresholds.
func (h *HealthController) SetPolicy(silenceWindow time.Duration, failureWindow int, failureRate float64, recoveryRecords int) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.silenceWindow = silenceWindow
	h.failureWindow = failureWindow
	h.failureRate = failureRate
	h.recoveryRecords = recoveryRecords
}

// SetTransitionCallback sets a callback invoked, with the lock released,
// after each state change.
func (h *HealthController) SetTransitionCallback(cb func(from, to HealthState)) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.onTransition = cb
}

// State returns the current health state.
func (h *HealthController) State() HealthState {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

// NoteRingRecord records the outcome of one ring record. valid is false
// for checksum or UTF-8 failures; contiguous reports whether a valid
// record's sequence directly followed the previous one.
func (h *HealthController) NoteRingRecord(valid, contiguous bool) {
	h.mu.Lock()

	h.results = append(h.results, valid)
	if len(h.results) > h.failureWindow {
		h.results = h.results[len(h.results)-h.failureWindow:]
	}

	if valid {
		h.lastRing = h.now()
		if contiguous {
			h.consecutive++
		} else {
			h.consecutive = 1
		}
	} else {
		h.consecutive = 0
	}

	var cb func()
	switch {
	case h.state == ChannelPrimary && valid && h.consecutive >= h.recoveryRecords:
		cb = h.transitionLocked(RingPrimary)
	case h.state == RingPrimary && h.failureRateExceededLocked():
		cb = h.transitionLocked(Degraded)
	}
	h.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// NoteChannelEvent records a live channel event. A degraded bridge
// immediately trusts the channel.
func (h *HealthController) NoteChannelEvent() {
	h.mu.Lock()
	var cb func()
	if h.state == Degraded {
		cb = h.transitionLocked(ChannelPrimary)
	}
	h.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// NoteChannelDown records loss of the channel. permanent marks the
// initial connection as given up for good.
func (h *HealthController) NoteChannelDown(permanent bool) {
	h.mu.Lock()
	if permanent {
		h.channelDown = true
	}
	var cb func()
	if h.state == ChannelPrimary {
		cb = h.transitionLocked(Degraded)
	}
	h.mu.Unlock()
	if cb != nil {
		cb()
	}
}

// ChannelPermanentlyDown reports whether the channel gave up its initial
// connection attempts.
func (h *HealthController) ChannelPermanentlyDown() bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.channelDown
}

// Tick evaluates time-based transitions and returns the current state.
// Called once per health-check interval.
func (h *HealthController) Tick() HealthState {
	h.mu.Lock()
	var cb func()
	if h.state == RingPrimary && h.now().Sub(h.lastRing) > h.silenceWindow {
		cb = h.transitionLocked(Degraded)
	}
	state := h.state
	if cb != nil {
		state = Degraded
	}
	h.mu.Unlock()
	if cb != nil {
		cb()
	}
	return state
}

func (h *HealthController) failureRateExceededLocked() bool {
	if len(h.results) < h.failureWindow {
		return false
	}
	failures := 0
	for _, ok := range h.results {
		if !ok {
			failures++
		}
	}
	return float64(failures)/float64(len(h.results)) > h.failureRate
}

// transitionLocked switches state and returns the deferred notification
// to run after the lock is released.
func (h *HealthController) transitionLocked(to HealthState) func() {
	from := h.state
	if from == to {
		return nil
	}
	h.state = to
	notify := h.onTransition
	return func() {
		log.Infof("health state transition: %s -> %s", from, to)
		if notify != nil {
			notify(from, to)
		}
	}
}
