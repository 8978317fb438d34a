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

package channel

import (
	"errors"
	"fmt"

	"github.com/sugawarayuuta/sonnet"
)

// Inbound messages form a tagged union selected by the "type" field.
// A message without a type is a transcription event; "concepts" and
// "connections" carry higher-level semantic events.

var (
	// ErrUnknownMessageType indicates an unrecognized discriminant.
	ErrUnknownMessageType = errors.New("channel: unknown message type")

	// ErrMalformedMessage indicates a message that decoded but does not
	// satisfy its shape.
	ErrMalformedMessage = errors.New("channel: malformed message")
)

// Message is one decoded inbound channel message: a *Transcription,
// *Concepts, or *Connections value.
type Message interface {
	isMessage()
}

// Transcription is one word event delivered over the channel. Sequence is
// present only when the producer echoes the ring's sequence numbers; the
// bridge uses it to deduplicate across the two sources.
type Transcription struct {
	Word       string  `json:"word"`
	Sequence   *uint32 `json:"sequence,omitempty"`
	Timestamp  float64 `json:"timestamp"`
	Confidence float64 `json:"confidence"`
}

func (*Transcription) isMessage() {}

// Concept is one extracted concept.
type Concept struct {
	Text          string  `json:"text"`
	Category      string  `json:"category"`
	Confidence    float64 `json:"confidence"`
	EmotionalTone string  `json:"emotionalTone,omitempty"`
}

// Concepts carries a batch of extracted concepts.
type Concepts struct {
	Concepts []Concept `json:"concepts"`
}

func (*Concepts) isMessage() {}

// Connection links two previously seen concepts.
type Connection struct {
	From     string  `json:"from"`
	To       string  `json:"to"`
	Strength float64 `json:"strength"`
}

// Connections carries a batch of concept connections.
type Connections struct {
	Connections []Connection `json:"connections"`
}

func (*Connections) isMessage() {}

// DecodeMessage parses one inbound channel message by its discriminant.
func DecodeMessage(data []byte) (Message, error) {
	var envelope struct {
		Type string `json:"type"`
	}
	if err := sonnet.Unmarshal(data, &envelope); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
	}

	switch envelope.Type {
	case "":
		var t Transcription
		if err := sonnet.Unmarshal(data, &t); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		if t.Word == "" {
			return nil, fmt.Errorf("%w: transcription without word", ErrMalformedMessage)
		}
		return &t, nil
	case "concepts":
		var c Concepts
		if err := sonnet.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return &c, nil
	case "connections":
		var c Connections
		if err := sonnet.Unmarshal(data, &c); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrMalformedMessage, err)
		}
		return &c, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnknownMessageType, envelope.Type)
	}
}

// Indicator is one locally computed speech indicator snapshot.
type Indicator struct {
	FillerCount int     `json:"fillerCount"`
	PaceWPM     float64 `json:"paceWPM"`
	DidPause    bool    `json:"didPause"`
	DidRepair   bool    `json:"didRepair"`
	Timestamp   float64 `json:"timestamp"`
}

// IndicatorBatch is the outbound message flushed by the batcher: every
// pending indicator in one message, bounding per-message overhead.
type IndicatorBatch struct {
	Events []Indicator `json:"events"`
}

// EncodeBatch serializes an outbound indicator batch.
func EncodeBatch(b IndicatorBatch) ([]byte, error) {
	return sonnet.Marshal(b)
}

// EncodeAny serializes an arbitrary outbound value as JSON.
func EncodeAny(v any) ([]byte, error) {
	return sonnet.Marshal(v)
}
