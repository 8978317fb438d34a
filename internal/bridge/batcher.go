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

	"github.com/4rash-4/fHUD/internal/transport/channel"
)

// DefaultFlushInterval is the batcher tick.
const DefaultFlushInterval = 100 * time.Millisecond

// Batcher accumulates locally computed indicator events and flushes the
// entire pending list as one message on a fixed tick. An empty pending
// list produces no message.
type Batcher struct {
	mu      sync.Mutex
	pending []channel.Indicator

	interval time.Duration
	send     func(channel.IndicatorBatch) error

	quit chan struct{}
	wg   sync.WaitGroup
}

// NewBatcher returns a Batcher flushing via send every interval.
func NewBatcher(interval time.Duration, send func(channel.IndicatorBatch) error) *Batcher {
	if interval <= 0 {
		interval = DefaultFlushInterval
	}
	return &Batcher{interval: interval, send: send}
}

// Add queues one indicator for the next flush.
func (b *Batcher) Add(ind channel.Indicator) {
	b.mu.Lock()
	b.pending = append(b.pending, ind)
	b.mu.Unlock()
}

// Pending returns the number of queued indicators.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}

// Start launches the flush loop.
func (b *Batcher) Start() {
	b.quit = make(chan struct{})
	b.wg.Add(1)
	go b.loop()
}

// Stop flushes any remaining indicators and stops the loop. Safe to call
// without Start.
func (b *Batcher) Stop() {
	if b.quit == nil {
		return
	}
	close(b.quit)
	b.wg.Wait()
	b.quit = nil
}

func (b *Batcher) loop() {
	defer b.wg.Done()
	ticker := time.NewTicker(b.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			b.flush()
		case <-b.quit:
			b.flush()
			return
		}
	}
}

// flush sends the whole pending list as a single batch and clears it.
func (b *Batcher) flush() {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return
	}
	batch := channel.IndicatorBatch{Events: b.pending}
	b.pending = nil
	b.mu.Unlock()

	if err := b.send(batch); err != nil {
		log.Warnf("indicator batch of %d dropped: %v", len(batch.Events), err)
	}
}
