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
	"encoding/binary"
	"errors"
	"fmt"
	"os"
	"testing"
	"time"
)

func uniqueName(t *testing.T, prefix string) string {
	t.Helper()
	return fmt.Sprintf("%s-%d", prefix, time.Now().UnixNano())
}

func cleanupSegment(t *testing.T, name string) {
	t.Helper()
	t.Cleanup(func() {
		os.Remove(segmentPath(name))
		os.Remove(DefaultLockPath(name))
	})
}

func TestSegmentCreateOpen(t *testing.T) {
	name := uniqueName(t, "test-seg-basics")
	cleanupSegment(t, name)

	created, err := CreateSegment(name)
	if err != nil {
		t.Fatalf("CreateSegment failed: %v", err)
	}
	defer created.Close()

	if v := created.Version(); v != FormatVersion {
		t.Fatalf("version = %d, want %d", v, FormatVersion)
	}
	created.SetHead(48)
	created.SetTail(8)
	created.IncOverflow()

	opened, err := OpenSegment(name)
	if err != nil {
		t.Fatalf("OpenSegment failed: %v", err)
	}
	defer opened.Close()

	// Both mappings view the same header.
	if h := opened.Head(); h != 48 {
		t.Errorf("head = %d, want 48", h)
	}
	if tl := opened.Tail(); tl != 8 {
		t.Errorf("tail = %d, want 8", tl)
	}
	if ov := opened.Overflow(); ov != 1 {
		t.Errorf("overflow = %d, want 1", ov)
	}
	if len(opened.Data()) != DataCapacity {
		t.Errorf("data region is %d bytes, want %d", len(opened.Data()), DataCapacity)
	}

	if err := created.Unlink(); err != nil {
		t.Fatalf("Unlink failed: %v", err)
	}
	if _, err := os.Stat(segmentPath(name)); !os.IsNotExist(err) {
		t.Fatalf("segment file still present after Unlink: %v", err)
	}
}

func TestOpenSegmentMissing(t *testing.T) {
	name := uniqueName(t, "test-seg-missing")

	if _, err := OpenSegment(name); !errors.Is(err, ErrSegmentUnavailable) {
		t.Fatalf("expected ErrSegmentUnavailable, got %v", err)
	}
}

func TestOpenSegmentNotInitialized(t *testing.T) {
	name := uniqueName(t, "test-seg-uninit")
	cleanupSegment(t, name)

	// A zero-filled file is a segment the producer has created but not yet
	// stamped with a version.
	if err := os.WriteFile(segmentPath(name), make([]byte, SegmentSize), 0600); err != nil {
		t.Fatalf("writing raw segment: %v", err)
	}

	if _, err := OpenSegment(name); !errors.Is(err, ErrSegmentUnavailable) {
		t.Fatalf("expected ErrSegmentUnavailable, got %v", err)
	}
}

func TestOpenSegmentVersionMismatch(t *testing.T) {
	name := uniqueName(t, "test-seg-version")
	cleanupSegment(t, name)

	seg, err := CreateSegment(name)
	if err != nil {
		t.Fatalf("CreateSegment failed: %v", err)
	}
	seg.SetVersion(FormatVersion + 1)
	seg.Close()

	if _, err := OpenSegment(name); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch on open, got %v", err)
	}
	if _, err := CreateSegment(name); !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected ErrVersionMismatch on reopen, got %v", err)
	}
}

func TestCreateSegmentResetsCorruptHeader(t *testing.T) {
	name := uniqueName(t, "test-seg-corrupt-header")
	cleanupSegment(t, name)

	// A crashed producer left a version-stamped segment whose offsets
	// point past the data region.
	raw := make([]byte, SegmentSize)
	binary.LittleEndian.PutUint32(raw[0:4], DataCapacity+100) // head
	binary.LittleEndian.PutUint32(raw[4:8], 7)                // tail
	binary.LittleEndian.PutUint32(raw[8:12], 3)               // overflow
	raw[12] = FormatVersion
	if err := os.WriteFile(segmentPath(name), raw, 0600); err != nil {
		t.Fatalf("writing raw segment: %v", err)
	}

	prod, err := OpenProducer(name, "")
	if err != nil {
		t.Fatalf("OpenProducer over corrupt header failed: %v", err)
	}
	defer prod.Close()

	if h, tl := prod.seg.Head(), prod.seg.Tail(); h != 0 || tl != 0 {
		t.Fatalf("header not reset: head=%d tail=%d", h, tl)
	}
	if ov := prod.seg.Overflow(); ov != 0 {
		t.Fatalf("overflow not reset: %d", ov)
	}

	// The fresh session appends and drains normally.
	if _, err := prod.Append("reborn", 1700000000, 1.0); err != nil {
		t.Fatalf("Append after reset failed: %v", err)
	}
	drainer, err := OpenDrainer(name, "")
	if err != nil {
		t.Fatalf("OpenDrainer failed: %v", err)
	}
	defer drainer.Close()

	delivered, _, err := drainer.Drain(func(r Record) {
		if r.Word != "reborn" {
			t.Errorf("unexpected word %q", r.Word)
		}
	})
	if err != nil || delivered != 1 {
		t.Fatalf("drain after reset: delivered=%d err=%v", delivered, err)
	}
}

func TestProducerDrainerEndToEnd(t *testing.T) {
	name := uniqueName(t, "test-ring-e2e")
	cleanupSegment(t, name)

	prod, err := OpenProducer(name, "")
	if err != nil {
		t.Fatalf("OpenProducer failed: %v", err)
	}
	defer prod.Close()

	drainer, err := OpenDrainer(name, "")
	if err != nil {
		t.Fatalf("OpenDrainer failed: %v", err)
	}
	defer drainer.Close()

	start := float64(time.Now().UnixNano()) / 1e9
	if _, err := prod.Append("hello", start, 0.95); err != nil {
		t.Fatalf("Append(hello) failed: %v", err)
	}
	if _, err := prod.Append("world", start, 0.97); err != nil {
		t.Fatalf("Append(world) failed: %v", err)
	}

	var got []Record
	delivered, corrupt, err := drainer.Drain(func(r Record) {
		got = append(got, r)
	})
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if corrupt != 0 {
		t.Fatalf("Drain reported %d corrupt records", corrupt)
	}
	if delivered != 2 || len(got) != 2 {
		t.Fatalf("delivered %d records, want 2", delivered)
	}
	if got[0].Word != "hello" || got[1].Word != "world" {
		t.Fatalf("words out of order: %q, %q", got[0].Word, got[1].Word)
	}
	if got[0].Sequence != 0 || got[1].Sequence != 1 {
		t.Fatalf("sequences = %d, %d; want 0, 1", got[0].Sequence, got[1].Sequence)
	}

	elapsed := float64(time.Now().UnixNano())/1e9 - got[0].Timestamp
	if elapsed < 0 || elapsed > 0.005 {
		t.Errorf("append-to-drain latency %.3fms exceeds 5ms", elapsed*1e3)
	}

	// Drained ring is empty.
	delivered, _, err = drainer.Drain(func(Record) {})
	if err != nil || delivered != 0 {
		t.Fatalf("second drain: delivered=%d err=%v, want empty", delivered, err)
	}
	if drainer.Drained() != 2 {
		t.Fatalf("Drained() = %d, want 2", drainer.Drained())
	}
}

func TestProducerOverflow(t *testing.T) {
	name := uniqueName(t, "test-ring-overflow")
	cleanupSegment(t, name)

	prod, err := OpenProducer(name, "")
	if err != nil {
		t.Fatalf("OpenProducer failed: %v", err)
	}
	defer prod.Close()

	// With no consumer draining, large records must eventually overflow;
	// the drop is counted and head/tail stay in range.
	word := make([]byte, MaxPayloadSize)
	for i := range word {
		word[i] = 'a'
	}

	sawFull := false
	for i := 0; i < 2*SegmentSize/MaxRecordSize; i++ {
		_, err := prod.Append(string(word), 1700000000, 1.0)
		if err == nil {
			continue
		}
		if !errors.Is(err, ErrRingFull) {
			t.Fatalf("Append failed with %v, want ErrRingFull", err)
		}
		sawFull = true
	}
	if !sawFull {
		t.Fatal("ring never reported full")
	}
	if prod.Overflow() == 0 {
		t.Fatal("overflow counter not incremented")
	}
	if h, tl := prod.seg.Head(), prod.seg.Tail(); h >= DataCapacity || tl >= DataCapacity {
		t.Fatalf("header out of range after overflow: head=%d tail=%d", h, tl)
	}

	// Draining frees space and appends succeed again.
	drainer, err := OpenDrainer(name, "")
	if err != nil {
		t.Fatalf("OpenDrainer failed: %v", err)
	}
	defer drainer.Close()

	if _, corrupt, err := drainer.Drain(func(Record) {}); err != nil || corrupt != 0 {
		t.Fatalf("drain after overflow: corrupt=%d err=%v", corrupt, err)
	}
	if _, err := prod.Append("post-overflow", 1700000001, 1.0); err != nil {
		t.Fatalf("Append after drain failed: %v", err)
	}
}

func TestDrainDeliveryDoesNotHoldLock(t *testing.T) {
	name := uniqueName(t, "test-ring-lockscope")
	cleanupSegment(t, name)

	prod, err := OpenProducer(name, "")
	if err != nil {
		t.Fatalf("OpenProducer failed: %v", err)
	}
	defer prod.Close()

	drainer, err := OpenDrainer(name, "")
	if err != nil {
		t.Fatalf("OpenDrainer failed: %v", err)
	}
	defer drainer.Close()

	if _, err := prod.Append("first", 1700000000, 1.0); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// The advisory lock covers only the copy-out; by delivery time it is
	// released, so the producer can append from inside the callback. The
	// producer holds its own lock file descriptor, so this would deadlock
	// if delivery still ran under the lock.
	done := make(chan error, 1)
	go func() {
		_, _, err := drainer.Drain(func(r Record) {
			if r.Word != "first" {
				return
			}
			if _, aerr := prod.Append("second", 1700000001, 1.0); aerr != nil {
				done <- aerr
			}
		})
		done <- err
	}()

	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("drain pass failed: %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("drain deadlocked: delivery callback ran under the advisory lock")
	}

	delivered, _, err := drainer.Drain(func(r Record) {
		if r.Word != "second" {
			t.Errorf("unexpected word %q", r.Word)
		}
	})
	if err != nil || delivered != 1 {
		t.Fatalf("second drain: delivered=%d err=%v", delivered, err)
	}
}

func TestDrainerTornWrite(t *testing.T) {
	name := uniqueName(t, "test-ring-torn")
	cleanupSegment(t, name)

	prod, err := OpenProducer(name, "")
	if err != nil {
		t.Fatalf("OpenProducer failed: %v", err)
	}
	defer prod.Close()

	drainer, err := OpenDrainer(name, "")
	if err != nil {
		t.Fatalf("OpenDrainer failed: %v", err)
	}
	defer drainer.Close()

	if _, err := prod.Append("whole", 1700000000, 1.0); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	// Simulate a producer that advanced head before publishing the length
	// prefix: the region past the real record is all zeroes.
	head := prod.seg.Head()
	prod.seg.SetHead(Advance(head, 32, DataCapacity))

	delivered, corrupt, err := drainer.Drain(func(r Record) {
		if r.Word != "whole" {
			t.Errorf("unexpected word %q", r.Word)
		}
	})
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if delivered != 1 || corrupt != 0 {
		t.Fatalf("delivered=%d corrupt=%d, want 1, 0", delivered, corrupt)
	}

	// Tail stops at the torn region and waits; completing the record
	// makes it drainable.
	rec, err := EncodeRecord("later", 1, 1700000001, 1.0)
	if err != nil {
		t.Fatalf("EncodeRecord failed: %v", err)
	}
	if len(rec) != 32 {
		t.Fatalf("test record is %d bytes, expected 32", len(rec))
	}
	data := prod.seg.Data()
	s1, s2 := WriteSpan(head, uint32(len(rec)), DataCapacity)
	copy(data[s1.Start:s1.Start+s1.Length], rec[:s1.Length])
	if s2.Length > 0 {
		copy(data[s2.Start:s2.Start+s2.Length], rec[s1.Length:])
	}

	delivered, _, err = drainer.Drain(func(r Record) {
		if r.Word != "later" {
			t.Errorf("unexpected word %q", r.Word)
		}
	})
	if err != nil || delivered != 1 {
		t.Fatalf("drain of completed record: delivered=%d err=%v", delivered, err)
	}
}

func TestDrainerGarbageLengthPrefix(t *testing.T) {
	name := uniqueName(t, "test-ring-garbage")
	cleanupSegment(t, name)

	prod, err := OpenProducer(name, "")
	if err != nil {
		t.Fatalf("OpenProducer failed: %v", err)
	}
	defer prod.Close()

	drainer, err := OpenDrainer(name, "")
	if err != nil {
		t.Fatalf("OpenDrainer failed: %v", err)
	}
	defer drainer.Close()

	// A nonzero length that cannot frame a record makes the backlog
	// unrecoverable: the drainer discards it and resynchronizes at head.
	head := prod.seg.Head()
	prod.seg.Data()[head] = 5
	prod.seg.SetHead(Advance(head, 8, DataCapacity))

	delivered, corrupt, err := drainer.Drain(func(Record) {})
	if err != nil {
		t.Fatalf("Drain failed: %v", err)
	}
	if delivered != 0 || corrupt != 1 {
		t.Fatalf("delivered=%d corrupt=%d, want 0, 1", delivered, corrupt)
	}
	if drainer.seg.Tail() != drainer.seg.Head() {
		t.Fatal("tail did not resynchronize to head")
	}
	if drainer.ChecksumFailures() != 1 {
		t.Fatalf("ChecksumFailures() = %d, want 1", drainer.ChecksumFailures())
	}

	// The ring is usable again afterwards.
	if _, err := prod.Append("recovered", 1700000000, 1.0); err != nil {
		t.Fatalf("Append after garbage failed: %v", err)
	}
	delivered, _, err = drainer.Drain(func(r Record) {
		if r.Word != "recovered" {
			t.Errorf("unexpected word %q", r.Word)
		}
	})
	if err != nil || delivered != 1 {
		t.Fatalf("drain after garbage: delivered=%d err=%v", delivered, err)
	}
}
