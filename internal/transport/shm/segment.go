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

// Package shm implements the shared-memory ring transport that carries
// word-event records from the ASR producer process to the consumer.
//
// The transport is a fixed 64 KiB memory-mapped segment holding a small
// header and a circular byte queue of self-describing, checksummed
// records. Exactly one producer advances head and exactly one consumer
// advances tail; that single-writer/single-reader split is the core
// safety invariant. Compound header updates are serialized by an
// advisory file lock, while individual header fields are read and
// written atomically so lock-free polling observes consistent values
// across cores.
package shm

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync/atomic"
	"unsafe"

	"golang.org/x/sys/unix"
)

const (
	// SegmentSize is the fixed size of the mapped segment in bytes.
	SegmentSize = 64 * 1024

	// SegmentHeaderSize is the size of the segment header.
	SegmentHeaderSize = 16

	// DataCapacity is the size of the circular data region.
	DataCapacity = SegmentSize - SegmentHeaderSize

	// FormatVersion is the current record/segment format version. Readers
	// must reject segments whose version they do not understand rather
	// than guess the layout.
	FormatVersion = uint8(1)

	segmentPrefix = "fhud_"
)

var (
	// ErrSegmentUnavailable indicates the producer has not created (or not
	// yet initialized) the segment. Callers retry with backoff.
	ErrSegmentUnavailable = errors.New("shm: segment unavailable")

	// ErrVersionMismatch indicates the segment was written with a format
	// version this reader does not understand.
	ErrVersionMismatch = errors.New("shm: unsupported segment version")

	// ErrRingFull indicates a record was dropped because the ring lacked
	// space. The drop is counted in the header's overflow counter; this is
	// back-pressure, not a fatal error.
	ErrRingFull = errors.New("shm: ring full, record dropped")
)

// segmentHeader is the 16-byte header at the start of the mapped segment.
//
//	head     uint32 // next write offset within the data region
//	tail     uint32 // last-read offset
//	overflow uint32 // records dropped because the buffer was full
//	version  uint8  // format version, currently 1
//	3 bytes reserved
type segmentHeader struct {
	head     uint32
	tail     uint32
	overflow uint32
	version  uint8
	_        [3]byte
}

// Segment is a mapped shared-memory segment. Field access goes through
// the atomic accessors below; the data region is exposed as a byte slice.
type Segment struct {
	file *os.File
	mem  []byte
	path string
}

func (s *Segment) header() *segmentHeader {
	return (*segmentHeader)(unsafe.Pointer(&s.mem[0]))
}

// Head returns the producer's next write offset.
func (s *Segment) Head() uint32 {
	return atomic.LoadUint32(&s.header().head)
}

// SetHead publishes a new write offset. Only the producer calls this.
func (s *Segment) SetHead(v uint32) {
	atomic.StoreUint32(&s.header().head, v)
}

// Tail returns the consumer's last-read offset.
func (s *Segment) Tail() uint32 {
	return atomic.LoadUint32(&s.header().tail)
}

// SetTail publishes a new read offset. Only the consumer calls this.
func (s *Segment) SetTail(v uint32) {
	atomic.StoreUint32(&s.header().tail, v)
}

// Overflow returns the number of records dropped on a full ring.
func (s *Segment) Overflow() uint32 {
	return atomic.LoadUint32(&s.header().overflow)
}

// IncOverflow counts one dropped record.
func (s *Segment) IncOverflow() uint32 {
	return atomic.AddUint32(&s.header().overflow, 1)
}

// Version returns the segment format version byte.
func (s *Segment) Version() uint8 {
	return s.header().version
}

// SetVersion stamps the format version. Called once by the producer while
// holding the advisory lock.
func (s *Segment) SetVersion(v uint8) {
	s.header().version = v
}

// Data returns the circular data region of the segment.
func (s *Segment) Data() []byte {
	return s.mem[SegmentHeaderSize:]
}

// Path returns the backing file path.
func (s *Segment) Path() string {
	return s.path
}

// Close unmaps the segment and closes the backing file. It does not
// remove the file; see Unlink.
func (s *Segment) Close() error {
	var firstErr error
	if s.mem != nil {
		if err := unix.Munmap(s.mem); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("shm: munmap: %w", err)
		}
		s.mem = nil
	}
	if s.file != nil {
		if err := s.file.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
		s.file = nil
	}
	return firstErr
}

// Unlink removes the segment from the OS namespace. The owning producer
// calls this on clean exit.
func (s *Segment) Unlink() error {
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// CreateSegment creates the named segment, or reopens it if a previous
// producer session left it behind, truncates it to the fixed size, and
// stamps the format version. Producer side only.
func CreateSegment(name string) (*Segment, error) {
	path := segmentPath(name)

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("shm: create segment %s: %w", path, err)
	}
	if err := file.Truncate(SegmentSize); err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: resize segment: %w", err)
	}

	seg, err := mapSegment(file, path)
	if err != nil {
		file.Close()
		return nil, err
	}

	if v := seg.Version(); v != 0 && v != FormatVersion {
		seg.Close()
		return nil, fmt.Errorf("%w: found %d, want %d", ErrVersionMismatch, v, FormatVersion)
	}
	if h, t := seg.Head(), seg.Tail(); h >= DataCapacity || t >= DataCapacity {
		// A crashed producer can leave garbage offsets behind. The fresh
		// session owns the segment, so reset the header instead of
		// refusing to start.
		log.Warnf("resetting segment %s header (head=%d tail=%d out of range)", path, h, t)
		seg.SetHead(0)
		seg.SetTail(0)
		atomic.StoreUint32(&seg.header().overflow, 0)
	}
	seg.SetVersion(FormatVersion)
	return seg, nil
}

// OpenSegment maps an existing segment read/write. Consumer side only.
// A missing or not-yet-initialized segment yields ErrSegmentUnavailable
// so the caller can retry once the producer has started.
func OpenSegment(name string) (*Segment, error) {
	path := segmentPath(name)

	file, err := os.OpenFile(path, os.O_RDWR, 0)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrSegmentUnavailable, path)
		}
		return nil, fmt.Errorf("shm: open segment %s: %w", path, err)
	}

	info, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, fmt.Errorf("shm: stat segment: %w", err)
	}
	if info.Size() != SegmentSize {
		file.Close()
		return nil, fmt.Errorf("shm: segment %s has size %d, want %d", path, info.Size(), SegmentSize)
	}

	seg, err := mapSegment(file, path)
	if err != nil {
		file.Close()
		return nil, err
	}

	switch v := seg.Version(); v {
	case FormatVersion:
	case 0:
		// Created but not yet stamped by the producer.
		seg.Close()
		return nil, fmt.Errorf("%w: %s not initialized", ErrSegmentUnavailable, path)
	default:
		seg.Close()
		return nil, fmt.Errorf("%w: found %d, want %d", ErrVersionMismatch, v, FormatVersion)
	}

	if h, t := seg.Head(), seg.Tail(); h >= DataCapacity || t >= DataCapacity {
		seg.Close()
		return nil, fmt.Errorf("shm: segment %s header out of range (head=%d tail=%d)", path, h, t)
	}
	return seg, nil
}

func mapSegment(file *os.File, path string) (*Segment, error) {
	mem, err := unix.Mmap(int(file.Fd()), 0, SegmentSize,
		unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		return nil, fmt.Errorf("shm: mmap %s: %w", path, err)
	}
	return &Segment{file: file, mem: mem, path: path}, nil
}

// segmentPath places the segment in /dev/shm when available, falling back
// to the temporary directory.
func segmentPath(name string) string {
	if info, err := os.Stat("/dev/shm"); err == nil && info.IsDir() {
		return filepath.Join("/dev/shm", segmentPrefix+name)
	}
	return filepath.Join(os.TempDir(), segmentPrefix+name)
}

// FileLock is the advisory lock guarding compound header updates. The
// lock file is created once and persists across producer restarts.
type FileLock struct {
	file *os.File
}

// DefaultLockPath returns the conventional lock file path for a segment name.
func DefaultLockPath(name string) string {
	return filepath.Join(os.TempDir(), segmentPrefix+name+".lock")
}

// OpenLock opens (creating if needed) the advisory lock file.
func OpenLock(path string) (*FileLock, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0600)
	if err != nil {
		return nil, fmt.Errorf("shm: open lock %s: %w", path, err)
	}
	return &FileLock{file: file}, nil
}

// Lock acquires the advisory lock, blocking until it is held. Hold it
// only for the duration of a single header read-modify-write.
func (l *FileLock) Lock() error {
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_EX); err != nil {
		return fmt.Errorf("shm: flock: %w", err)
	}
	return nil
}

// Unlock releases the advisory lock.
func (l *FileLock) Unlock() error {
	if err := unix.Flock(int(l.file.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("shm: funlock: %w", err)
	}
	return nil
}

// Close releases the lock file handle. The file itself is left in place.
func (l *FileLock) Close() error {
	return l.file.Close()
}
