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

import (
	"strings"
)

// Producer owns the write side of the ring: it is the only party that
// advances head. Sequence numbers are monotonic per producer session and
// start at zero.
type Producer struct {
	seg  *Segment
	lock *FileLock
	seq  uint32
}

// OpenProducer creates (or reopens) the named segment and the advisory
// lock file and returns a Producer bound to them.
func OpenProducer(name, lockPath string) (*Producer, error) {
	if lockPath == "" {
		lockPath = DefaultLockPath(name)
	}
	lock, err := OpenLock(lockPath)
	if err != nil {
		return nil, err
	}
	seg, err := CreateSegment(name)
	if err != nil {
		lock.Close()
		return nil, err
	}
	return &Producer{seg: seg, lock: lock}, nil
}

// Append encodes one word event and appends it to the ring. When the ring
// lacks space the record is dropped, the header overflow counter is
// incremented, and ErrRingFull is returned; persistent overflow is a
// signal for the health controller, never a reason to block.
func (p *Producer) Append(word string, timestamp float64, confidence float32) (uint32, error) {
	seq := p.seq
	data, err := EncodeRecord(word, seq, timestamp, confidence)
	if err != nil {
		return 0, err
	}
	p.seq++

	if err := p.lock.Lock(); err != nil {
		return seq, err
	}
	defer p.lock.Unlock()

	head := p.seg.Head()
	tail := p.seg.Tail()
	need := uint32(len(data))

	if need > Free(head, tail, DataCapacity) {
		p.seg.IncOverflow()
		return seq, ErrRingFull
	}

	dst := p.seg.Data()
	s1, s2 := WriteSpan(head, need, DataCapacity)
	copy(dst[s1.Start:s1.Start+s1.Length], data[:s1.Length])
	if s2.Length > 0 {
		copy(dst[s2.Start:s2.Start+s2.Length], data[s1.Length:])
	}

	p.seg.SetHead(Advance(head, need, DataCapacity))
	return seq, nil
}

// WriteTranscript splits text on whitespace and appends each word with
// consecutive sequence numbers. It returns the number of words written;
// overflowed words are counted in the segment header and skipped.
func (p *Producer) WriteTranscript(text string, timestamp float64, confidence float32) (int, error) {
	written := 0
	for _, word := range strings.Fields(text) {
		if _, err := p.Append(word, timestamp, confidence); err != nil {
			if err == ErrRingFull {
				continue
			}
			return written, err
		}
		written++
	}
	return written, nil
}

// Overflow reports the number of records dropped so far.
func (p *Producer) Overflow() uint32 {
	return p.seg.Overflow()
}

// Close unlinks the segment from the OS namespace and releases the
// mapping and lock handle. The lock file persists across restarts.
func (p *Producer) Close() error {
	err := p.seg.Unlink()
	if cerr := p.seg.Close(); err == nil {
		err = cerr
	}
	if cerr := p.lock.Close(); err == nil {
		err = cerr
	}
	return err
}
