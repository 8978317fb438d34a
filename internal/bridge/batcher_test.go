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
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/4rash-4/fHUD/internal/transport/channel"
)

// batchRecorder captures every flushed batch.
type batchRecorder struct {
	mu      sync.Mutex
	batches []channel.IndicatorBatch
}

func (r *batchRecorder) send(b channel.IndicatorBatch) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.batches = append(r.batches, b)
	return nil
}

func (r *batchRecorder) count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.batches)
}

func TestBatcherEmptyTickSendsNothing(t *testing.T) {
	rec := &batchRecorder{}
	b := NewBatcher(5*time.Millisecond, rec.send)
	b.Start()

	time.Sleep(50 * time.Millisecond)
	b.Stop()

	if n := rec.count(); n != 0 {
		t.Fatalf("empty batcher sent %d batches, want 0", n)
	}
}

func TestBatcherFlushesAllPendingAsOneMessage(t *testing.T) {
	rec := &batchRecorder{}
	b := NewBatcher(time.Hour, rec.send) // tick never fires during the test

	for i := 0; i < 5; i++ {
		b.Add(channel.Indicator{FillerCount: i, Timestamp: float64(i)})
	}
	if n := b.Pending(); n != 5 {
		t.Fatalf("Pending() = %d, want 5", n)
	}

	b.flush()

	if n := rec.count(); n != 1 {
		t.Fatalf("flush produced %d messages, want 1", n)
	}
	if got := len(rec.batches[0].Events); got != 5 {
		t.Fatalf("batch carries %d events, want 5", got)
	}
	if b.Pending() != 0 {
		t.Fatalf("pending not cleared after flush")
	}
	for i, ev := range rec.batches[0].Events {
		if ev.FillerCount != i {
			t.Fatalf("event %d out of order: %+v", i, ev)
		}
	}
}

func TestBatcherStopFlushesRemainder(t *testing.T) {
	rec := &batchRecorder{}
	b := NewBatcher(time.Hour, rec.send)
	b.Start()

	b.Add(channel.Indicator{PaceWPM: 120})
	b.Stop()

	if n := rec.count(); n != 1 {
		t.Fatalf("Stop flushed %d batches, want 1", n)
	}

	// Stop without Start is a no-op.
	b2 := NewBatcher(time.Hour, rec.send)
	b2.Stop()
}

func TestBatcherDropsBatchOnSendError(t *testing.T) {
	b := NewBatcher(time.Hour, func(channel.IndicatorBatch) error {
		return errors.New("socket gone")
	})
	b.Add(channel.Indicator{FillerCount: 1})
	b.flush()

	// The failed batch is dropped, not requeued.
	if n := b.Pending(); n != 0 {
		t.Fatalf("Pending() = %d after failed flush, want 0", n)
	}
}
