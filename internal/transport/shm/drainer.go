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
	"errors"

	"github.com/sirupsen/logrus"
)

var log logrus.FieldLogger

// SetLogger sets the package logger.
func SetLogger(logger logrus.FieldLogger) {
	log = logger
}

func init() {
	log = logrus.New().WithField("logger", "fhud/shm")
}

// Drainer owns the read side of the ring: it is the only party that
// advances tail. Drain never blocks; each call consumes at most the
// records available when it started.
type Drainer struct {
	seg     *Segment
	lock    *FileLock
	scratch [lengthPrefixSize]byte

	drained       uint64
	checksumFails uint64
}

// OpenDrainer maps the named segment and opens the advisory lock file.
// It returns ErrSegmentUnavailable (wrapped) while the producer has not
// created the segment yet; callers retry with backoff.
func OpenDrainer(name, lockPath string) (*Drainer, error) {
	if lockPath == "" {
		lockPath = DefaultLockPath(name)
	}
	seg, err := OpenSegment(name)
	if err != nil {
		return nil, err
	}
	lock, err := OpenLock(lockPath)
	if err != nil {
		seg.Close()
		return nil, err
	}
	return &Drainer{seg: seg, lock: lock}, nil
}

// Drain decodes and delivers every record currently available, in order.
// Corrupt records (checksum or UTF-8 failures) are logged, counted, and
// skipped without stopping the pass. It returns the number of records
// delivered and the number skipped as corrupt.
//
// The emptiness check is lock-free, and the advisory lock covers only the
// copy-out of the raw records and the tail advance. Decoding and delivery
// run after Unlock, so a slow delivery callback never stalls the
// producer's Append.
func (d *Drainer) Drain(fn func(Record)) (delivered, corrupt int, err error) {
	if d.seg.Head() == d.seg.Tail() {
		return 0, 0, nil
	}

	raw, corrupt, err := d.copyPass()
	if err != nil {
		return 0, corrupt, err
	}

	for _, buf := range raw {
		rec, derr := DecodeRecord(buf)
		if derr != nil {
			if errors.Is(derr, ErrChecksumMismatch) || errors.Is(derr, ErrInvalidUTF8) {
				log.Warnf("skipping corrupt record: %v", derr)
				d.checksumFails++
				corrupt++
				continue
			}
			return delivered, corrupt, derr
		}
		fn(rec)
		d.drained++
		delivered++
	}
	return delivered, corrupt, nil
}

// copyPass copies every complete record out of the ring and advances
// tail past them, holding the advisory lock only for that header
// read-modify-write.
func (d *Drainer) copyPass() (raw [][]byte, corrupt int, err error) {
	if err := d.lock.Lock(); err != nil {
		return nil, 0, err
	}
	defer d.lock.Unlock()

	head := d.seg.Head()
	tail := d.seg.Tail()
	data := d.seg.Data()

	for tail != head {
		avail := Available(head, tail, DataCapacity)

		peek := avail
		if peek > lengthPrefixSize {
			peek = lengthPrefixSize
		}
		d.copyOut(d.scratch[:], data, tail, peek)
		total := uint32(RecordLength(d.scratch[:peek]))

		if total == 0 {
			// Torn write: length not yet published. Not an error.
			break
		}
		if total < MinRecordSize || total > MaxRecordSize || total%recordAlign != 0 {
			// The length prefix itself is garbage, so the record's extent
			// is unknowable and the backlog cannot be resynchronized.
			log.Warnf("discarding %d unreadable bytes (bad length prefix %d)", avail, total)
			d.checksumFails++
			corrupt++
			tail = head
			d.seg.SetTail(tail)
			break
		}
		if total > avail {
			// Incomplete: the producer is mid-write. Retry next tick.
			break
		}

		buf := make([]byte, total)
		d.copyOut(buf, data, tail, total)
		raw = append(raw, buf)

		tail = Advance(tail, total, DataCapacity)
		d.seg.SetTail(tail)
	}
	return raw, corrupt, nil
}

// copyOut copies n bytes starting at tail into dst, handling wraparound.
func (d *Drainer) copyOut(dst, data []byte, tail, n uint32) {
	s1, s2 := ReadSpan(tail, n, DataCapacity)
	copy(dst[:s1.Length], data[s1.Start:s1.Start+s1.Length])
	if s2.Length > 0 {
		copy(dst[s1.Length:n], data[s2.Start:s2.Start+s2.Length])
	}
}

// Drained reports the total number of records delivered.
func (d *Drainer) Drained() uint64 {
	return d.drained
}

// ChecksumFailures reports the total number of records skipped as corrupt.
func (d *Drainer) ChecksumFailures() uint64 {
	return d.checksumFails
}

// Overflow reports the producer's dropped-record counter.
func (d *Drainer) Overflow() uint32 {
	return d.seg.Overflow()
}

// Close releases the mapping and the lock file handle. It is safe to call
// after the producer has exited and unlinked the segment.
func (d *Drainer) Close() error {
	err := d.seg.Close()
	if cerr := d.lock.Close(); err == nil {
		err = cerr
	}
	return err
}
