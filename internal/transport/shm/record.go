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
	"hash/crc32"
	"math"
	"unicode/utf8"
)

// Record layout (little-endian, padded to 8-byte alignment):
//
//	uint16  totalLength // record size in bytes, padding included
//	uint32  sequence    // monotonic per producer session, starts at 0
//	float64 timestamp   // seconds since the Unix epoch
//	float32 confidence  // 0.0 - 1.0
//	uint16  payloadLength
//	bytes   payload     // UTF-8 text, typically one word
//	uint32  checksum    // CRC-32 (IEEE) over sequence..payload
//	bytes   padding     // zeroes, aligns the next record to 8 bytes
//
// The checksum covers the bytes from sequence through the end of the
// payload; the length prefix, the checksum itself, and the padding are
// excluded. A totalLength of zero marks a region the producer has not
// finished writing yet.
const (
	lengthPrefixSize = 2
	recordHeaderSize = 20 // prefix + sequence + timestamp + confidence + payloadLength
	checksumSize     = 4
	recordAlign      = 8

	// MaxPayloadSize bounds the UTF-8 payload of a single record.
	MaxPayloadSize = 2048

	// MinRecordSize is the encoded size of a record with an empty payload.
	MinRecordSize = (recordHeaderSize + checksumSize + recordAlign - 1) &^ (recordAlign - 1)

	// MaxRecordSize is the encoded size of a record with a maximal payload.
	MaxRecordSize = (recordHeaderSize + MaxPayloadSize + checksumSize + recordAlign - 1) &^ (recordAlign - 1)
)

// Decode error taxonomy. ErrIncomplete means "retry later", not failure.
var (
	ErrIncomplete       = errors.New("record: incomplete")
	ErrChecksumMismatch = errors.New("record: checksum mismatch")
	ErrInvalidUTF8      = errors.New("record: payload is not valid UTF-8")
	ErrPayloadTooLarge  = errors.New("record: payload too large")
	ErrMalformed        = errors.New("record: malformed framing")
)

// Record is one decoded word event.
type Record struct {
	Word       string
	Sequence   uint32
	Timestamp  float64
	Confidence float32
}

// EncodeRecord serializes one word event into the record wire layout.
// Payloads longer than MaxPayloadSize bytes of UTF-8 are rejected.
func EncodeRecord(word string, sequence uint32, timestamp float64, confidence float32) ([]byte, error) {
	payload := []byte(word)
	if len(payload) > MaxPayloadSize {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrPayloadTooLarge, len(payload), MaxPayloadSize)
	}

	unpadded := recordHeaderSize + len(payload) + checksumSize
	total := (unpadded + recordAlign - 1) &^ (recordAlign - 1)

	out := make([]byte, total)
	binary.LittleEndian.PutUint16(out[0:2], uint16(total))
	binary.LittleEndian.PutUint32(out[2:6], sequence)
	binary.LittleEndian.PutUint64(out[6:14], math.Float64bits(timestamp))
	binary.LittleEndian.PutUint32(out[14:18], math.Float32bits(confidence))
	binary.LittleEndian.PutUint16(out[18:20], uint16(len(payload)))
	copy(out[recordHeaderSize:], payload)

	sum := crc32.ChecksumIEEE(out[lengthPrefixSize : recordHeaderSize+len(payload)])
	binary.LittleEndian.PutUint32(out[recordHeaderSize+len(payload):], sum)
	// trailing bytes stay zero

	return out, nil
}

// DecodeRecord parses one record from the front of b. It returns
// ErrIncomplete when b holds fewer bytes than the record claims,
// ErrChecksumMismatch on a torn or corrupted record (discard, do not
// retry), and ErrInvalidUTF8 for non-text payloads.
func DecodeRecord(b []byte) (Record, error) {
	if len(b) < lengthPrefixSize {
		return Record{}, ErrIncomplete
	}
	total := int(binary.LittleEndian.Uint16(b[0:2]))
	if total == 0 {
		// Torn write: the producer has reserved but not published this slot.
		return Record{}, ErrIncomplete
	}
	if total < MinRecordSize || total > MaxRecordSize || total%recordAlign != 0 {
		return Record{}, fmt.Errorf("%w: totalLength %d", ErrMalformed, total)
	}
	if len(b) < total {
		return Record{}, ErrIncomplete
	}

	payloadLen := int(binary.LittleEndian.Uint16(b[18:20]))
	if payloadLen > MaxPayloadSize || recordHeaderSize+payloadLen+checksumSize > total {
		return Record{}, fmt.Errorf("%w: payloadLength %d exceeds totalLength %d", ErrMalformed, payloadLen, total)
	}

	covered := b[lengthPrefixSize : recordHeaderSize+payloadLen]
	want := binary.LittleEndian.Uint32(b[recordHeaderSize+payloadLen : recordHeaderSize+payloadLen+checksumSize])
	if crc32.ChecksumIEEE(covered) != want {
		return Record{}, ErrChecksumMismatch
	}

	payload := b[recordHeaderSize : recordHeaderSize+payloadLen]
	if !utf8.Valid(payload) {
		return Record{}, ErrInvalidUTF8
	}

	return Record{
		Word:       string(payload),
		Sequence:   binary.LittleEndian.Uint32(b[2:6]),
		Timestamp:  math.Float64frombits(binary.LittleEndian.Uint64(b[6:14])),
		Confidence: math.Float32frombits(binary.LittleEndian.Uint32(b[14:18])),
	}, nil
}

// RecordLength reads the totalLength prefix without decoding the record.
// It returns 0 when fewer than two bytes are available.
func RecordLength(b []byte) int {
	if len(b) < lengthPrefixSize {
		return 0
	}
	return int(binary.LittleEndian.Uint16(b[0:2]))
}
