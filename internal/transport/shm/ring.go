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

package shm

// Ring geometry. These are pure functions over (head, tail, capacity) so
// the bookkeeping can be unit-tested without any shared memory present.
// head and tail are offsets into the data region, always < capacity.
// head == tail means empty; the region therefore stores at most
// capacity-1 bytes, so a write can never land head back on tail.

// Span addresses a contiguous byte range within the data region.
type Span struct {
	Start  uint32
	Length uint32
}

// Available returns the number of unread bytes between tail and head.
func Available(head, tail, capacity uint32) uint32 {
	if head >= tail {
		return head - tail
	}
	return capacity - (tail - head)
}

// Free returns the number of bytes a producer may write without head
// catching up to tail.
func Free(head, tail, capacity uint32) uint32 {
	return capacity - 1 - Available(head, tail, capacity)
}

// ReadSpan maps a read of length bytes starting at tail onto the physical
// buffer. The second span has Length 0 unless the range wraps past the end
// of the data region, in which case the two spans are concatenated in order.
func ReadSpan(tail, length, capacity uint32) (Span, Span) {
	if tail+length <= capacity {
		return Span{Start: tail, Length: length}, Span{}
	}
	first := capacity - tail
	return Span{Start: tail, Length: first}, Span{Start: 0, Length: length - first}
}

// WriteSpan mirrors ReadSpan for the producer side.
func WriteSpan(head, length, capacity uint32) (Span, Span) {
	return ReadSpan(head, length, capacity)
}

// Advance moves an offset forward by n bytes, wrapping at capacity. For
// tail advances, n must already include the record's padding so the next
// record starts 8-byte aligned.
func Advance(pos, n, capacity uint32) uint32 {
	return (pos + n) % capacity
}
