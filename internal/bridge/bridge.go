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

// Package bridge merges the shared-memory ring and the websocket channel
// into one ordered, deduplicated stream of word events, drives source
// failover, and batches outbound indicator events.
//
// Three independently scheduled activities run on the consumer side: the
// ring poll (non-blocking, drains everything available each tick), the
// channel receive loop, and the batcher flush timer. None of them may
// block another. All merge state is owned by the bridge; other
// components only see published snapshots.
package bridge

import (
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/4rash-4/fHUD/internal/transport/channel"
	"github.com/4rash-4/fHUD/internal/transport/shm"
)

var log logrus.FieldLogger

// SetLogger sets the package logger.
func SetLogger(logger logrus.FieldLogger) {
	log = logger
}

func init() {
	log = logrus.New().WithField("logger", "fhud/bridge")
}

// DefaultPollInterval is the ring drain cadence (~60 Hz).
const DefaultPollInterval = 16 * time.Millisecond

// RingDrainer is the read side of the shared-memory ring.
type RingDrainer interface {
	// Drain delivers every currently available record in one pass.
	Drain(fn func(shm.Record)) (delivered, corrupt int, err error)
	Close() error
}

// ChannelTransport is the message-oriented side channel.
type ChannelTransport interface {
	Connect() error
	Close() error
	Send(v any) error
	SetMsgCallback(channel.MsgCallback)
	SetStateCallbacks(onConnect func(), onDisconnect func(error))
}

// WordEvent is one decoded word event on the unified stream.
type WordEvent struct {
	Word        string
	Sequence    uint32
	HasSequence bool
	Timestamp   float64
	Confidence  float64
	Source      Source
}

// Options tunes the bridge's timers and snapshot cadence. Zero values
// select the defaults.
type Options struct {
	PollInterval   time.Duration
	HealthInterval time.Duration
	FlushInterval  time.Duration
	StatsEvery     int
}

// Callbacks is the subscribe surface. Nil fields are ignored. Callbacks
// are invoked from the bridge's own goroutines and must not block.
type Callbacks struct {
	OnWord        func(WordEvent)
	OnStats       func(Stats)
	OnConcepts    func([]channel.Concept)
	OnConnections func([]channel.Connection)
	OnHealth      func(from, to HealthState)
}

// Bridge unifies both sources. Create with New, wire Callbacks, then
// Start; Stop is safe even if the producer already exited.
type Bridge struct {
	ring   RingDrainer
	ch     ChannelTransport
	health *HealthController

	sessionID string
	opts      Options
	cb        Callbacks

	batcher *Batcher

	// Merge state. Mutated only by the bridge's ring-poll and
	// channel-receive goroutines, guarded by mu.
	mu          sync.Mutex
	lastRingSeq uint32
	ringSeen    bool
	lastChanSeq uint32
	chanSeen    bool
	ringStats   *rollingStats
	chanStats   *rollingStats

	nowSeconds func() float64

	quit chan struct{}
	wg   sync.WaitGroup
}

// New returns an unstarted Bridge over the given sources.
func New(ring RingDrainer, ch ChannelTransport, opts Options) *Bridge {
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.HealthInterval <= 0 {
		opts.HealthInterval = DefaultHealthCheckInterval
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.StatsEvery <= 0 {
		opts.StatsEvery = DefaultStatsEvery
	}

	b := &Bridge{
		ring:       ring,
		ch:         ch,
		health:     NewHealthController(),
		sessionID:  uuid.NewString(),
		opts:       opts,
		ringStats:  newRollingStats(SourceRing, opts.StatsEvery),
		chanStats:  newRollingStats(SourceChannel, opts.StatsEvery),
		nowSeconds: func() float64 { return float64(time.Now().UnixNano()) / 1e9 },
	}
	b.batcher = NewBatcher(opts.FlushInterval, func(batch channel.IndicatorBatch) error {
		return b.ch.Send(batch)
	})
	return b
}

// SetCallbacks wires the subscribe surface. Call before Start.
func (b *Bridge) SetCallbacks(cb Callbacks) {
	b.cb = cb
	b.health.SetTransitionCallback(func(from, to HealthState) {
		if b.cb.OnHealth != nil {
			b.cb.OnHealth(from, to)
		}
	})
}

// SessionID identifies this consumer session in logs and snapshots.
func (b *Bridge) SessionID() string {
	return b.sessionID
}

// Health returns the current health state.
func (b *Bridge) Health() HealthState {
	return b.health.State()
}

// HealthController exposes the controller for policy tuning. Call before
// Start.
func (b *Bridge) HealthController() *HealthController {
	return b.health
}

// AddIndicator queues one locally computed indicator for the next
// batched flush.
func (b *Bridge) AddIndicator(ind channel.Indicator) {
	b.batcher.Add(ind)
}

// Start launches the ring poll, health ticker, batcher, and channel
// connection. The channel connects in its own goroutine so a slow or
// failing connection never delays ring draining.
func (b *Bridge) Start() error {
	b.quit = make(chan struct{})
	log.Infof("bridge session %s starting", b.sessionID)

	b.ch.SetMsgCallback(b.handleChannelMessage)
	b.ch.SetStateCallbacks(b.onChannelConnect, b.onChannelDisconnect)

	b.wg.Add(2)
	go b.pollLoop()
	go b.healthLoop()
	b.batcher.Start()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		if err := b.ch.Connect(); err != nil {
			select {
			case <-b.quit:
				// Stop interrupted the dial; not a channel verdict.
				return
			default:
			}
			if errors.Is(err, channel.ErrMaxReconnectAttempts) {
				log.Warnf("channel permanently degraded: %v", err)
				b.health.NoteChannelDown(true)
				return
			}
			log.Warnf("channel connect: %v", err)
		}
	}()
	return nil
}

// Stop cancels the poll timer, closes the channel socket, and releases
// the shared-memory mapping and lock handle. Safe to call even if the
// producer has already exited.
func (b *Bridge) Stop() error {
	if b.quit == nil {
		return nil
	}
	close(b.quit)
	// Closing the channel first unblocks a connect goroutine still inside
	// its dial-retry loop; only then can the WaitGroup drain.
	err := b.ch.Close()
	b.wg.Wait()
	b.batcher.Stop()

	if cerr := b.ring.Close(); err == nil {
		err = cerr
	}
	log.Infof("bridge session %s stopped", b.sessionID)
	return err
}

// pollLoop drains the ring on a fixed tick. Each tick consumes every
// record available at its start, so the consumer cannot fall behind a
// fast producer; the pass is bounded, so the tick always terminates.
func (b *Bridge) pollLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.quit:
			return
		case <-ticker.C:
			_, corrupt, err := b.ring.Drain(b.handleRingRecord)
			// Corruption seen alongside a drain error still counts
			// against the ring's failure rate.
			for i := 0; i < corrupt; i++ {
				b.health.NoteRingRecord(false, false)
			}
			if err != nil {
				log.Warnf("ring drain: %v", err)
			}
		}
	}
}

func (b *Bridge) healthLoop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.opts.HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-b.quit:
			return
		case <-ticker.C:
			b.health.Tick()
		}
	}
}

// handleRingRecord merges one ring-delivered record into the unified
// stream.
func (b *Bridge) handleRingRecord(rec shm.Record) {
	b.mu.Lock()
	contiguous := !b.ringSeen || rec.Sequence == b.lastRingSeq+1

	// Drop if the channel already delivered this sequence.
	duplicate := b.chanSeen && rec.Sequence <= b.lastChanSeq

	b.lastRingSeq = rec.Sequence
	b.ringSeen = true

	snap, publish := b.ringStats.note(b.nowSeconds() - rec.Timestamp)
	b.mu.Unlock()

	b.health.NoteRingRecord(true, contiguous)
	if publish && b.cb.OnStats != nil {
		b.cb.OnStats(snap)
	}
	if duplicate || b.cb.OnWord == nil {
		return
	}
	b.cb.OnWord(WordEvent{
		Word:        rec.Word,
		Sequence:    rec.Sequence,
		HasSequence: true,
		Timestamp:   rec.Timestamp,
		Confidence:  float64(rec.Confidence),
		Source:      SourceRing,
	})
}

// handleChannelMessage merges one channel message. Malformed messages
// were already skipped by the channel client; decoding errors never
// reach here.
func (b *Bridge) handleChannelMessage(msg channel.Message) {
	switch m := msg.(type) {
	case *channel.Transcription:
		b.handleChannelWord(m)
	case *channel.Concepts:
		b.health.NoteChannelEvent()
		if b.cb.OnConcepts != nil {
			b.cb.OnConcepts(m.Concepts)
		}
	case *channel.Connections:
		b.health.NoteChannelEvent()
		if b.cb.OnConnections != nil {
			b.cb.OnConnections(m.Connections)
		}
	}
}

func (b *Bridge) handleChannelWord(t *channel.Transcription) {
	b.mu.Lock()
	duplicate := false
	hasSeq := t.Sequence != nil
	var seq uint32
	if hasSeq {
		seq = *t.Sequence
		// Drop if the ring already delivered this sequence.
		duplicate = b.ringSeen && seq <= b.lastRingSeq
		if !b.chanSeen || seq > b.lastChanSeq {
			b.lastChanSeq = seq
			b.chanSeen = true
		}
	}
	snap, publish := b.chanStats.note(b.nowSeconds() - t.Timestamp)
	b.mu.Unlock()

	b.health.NoteChannelEvent()
	if publish && b.cb.OnStats != nil {
		b.cb.OnStats(snap)
	}
	if duplicate || b.cb.OnWord == nil {
		return
	}
	b.cb.OnWord(WordEvent{
		Word:        t.Word,
		Sequence:    seq,
		HasSequence: hasSeq,
		Timestamp:   t.Timestamp,
		Confidence:  t.Confidence,
		Source:      SourceChannel,
	})
}

func (b *Bridge) onChannelConnect() {
	b.mu.Lock()
	b.chanStats.reset()
	b.chanSeen = false
	b.mu.Unlock()
}

func (b *Bridge) onChannelDisconnect(err error) {
	log.Warnf("channel down: %v", err)
	b.health.NoteChannelDown(false)
}
