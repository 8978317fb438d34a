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

// Source identifies which physical channel delivered an event.
type Source int

const (
	// SourceRing marks events drained from the shared-memory ring.
	SourceRing Source = iota
	// SourceChannel marks events received over the websocket channel.
	SourceChannel
)

func (s Source) String() string {
	switch s {
	case SourceRing:
		return "ring"
	case SourceChannel:
		return "channel"
	default:
		return "unknown"
	}
}

// Stats is a published per-source statistics snapshot. AvgLatency is the
// mean of (arrival time − event timestamp) over the snapshot window, in
// seconds; it makes the performance delta between the two channels
// observable and testable.
type Stats struct {
	Source     Source
	Count      uint64 // total events from this source since start/reconnect
	AvgLatency float64
}

// DefaultStatsEvery is the per-source event count between snapshots.
const DefaultStatsEvery = 100

// rollingStats accumulates per-source latency. Single-owner: only the
// bridge mutates it; consumers see published Stats snapshots.
type rollingStats struct {
	source Source
	every  int

	total       uint64
	windowCount int
	latencySum  float64
}

func newRollingStats(source Source, every int) *rollingStats {
	if every <= 0 {
		every = DefaultStatsEvery
	}
	return &rollingStats{source: source, every: every}
}

// note records one event and, every `every` events, returns a snapshot
// over the window just completed.
func (r *rollingStats) note(latency float64) (Stats, bool) {
	r.total++
	r.windowCount++
	r.latencySum += latency

	if r.windowCount < r.every {
		return Stats{}, false
	}
	snap := Stats{
		Source:     r.source,
		Count:      r.total,
		AvgLatency: r.latencySum / float64(r.windowCount),
	}
	r.windowCount = 0
	r.latencySum = 0
	return snap, true
}

// reset clears all counters; called when a source reconnects.
func (r *rollingStats) reset() {
	r.total = 0
	r.windowCount = 0
	r.latencySum = 0
}
