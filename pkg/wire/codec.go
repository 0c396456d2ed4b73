/*
Copyright 2022 The Numaproj Authors.

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package wire

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
)

// jsonCodecVersion is the version byte prepended to every payload produced
// by the JSON codec. Bump it whenever the encoded layout changes.
const jsonCodecVersion byte = 0x01

// ErrUnknownVersion is returned when a payload carries a version byte the
// codec does not understand.
var ErrUnknownVersion = fmt.Errorf("unknown codec version")

// Codec serializes items crossing a worker boundary. Implementations are
// versioned so that a receiver can reject payloads written by an
// incompatible sender instead of decoding garbage.
type Codec interface {
	// Version returns the version byte this codec writes.
	Version() byte
	// Marshal encodes the item, version byte first.
	Marshal(item *Item) ([]byte, error)
	// Unmarshal decodes an item, verifying the version byte.
	Unmarshal(data []byte) (*Item, error)
}

type jsonCodec struct{}

// JSON returns the version-1 JSON codec.
func JSON() Codec {
	return &jsonCodec{}
}

type jsonEnvelope struct {
	Key       string `json:"key"`
	Payload   []byte `json:"payload,omitempty"`
	EventTime int64  `json:"eventTime"` // UnixNano, 0 when unassigned
}

func (c *jsonCodec) Version() byte {
	return jsonCodecVersion
}

func (c *jsonCodec) Marshal(item *Item) ([]byte, error) {
	env := jsonEnvelope{
		Key:     item.Key,
		Payload: item.Payload,
	}
	if !item.EventTime.IsZero() {
		env.EventTime = item.EventTime.UnixNano()
	}
	body, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("failed to encode item with key %q, %w", item.Key, err)
	}
	return append([]byte{jsonCodecVersion}, body...), nil
}

func (c *jsonCodec) Unmarshal(data []byte) (*Item, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("empty payload")
	}
	if data[0] != jsonCodecVersion {
		return nil, fmt.Errorf("version %#x, %w", data[0], ErrUnknownVersion)
	}
	var env jsonEnvelope
	if err := json.Unmarshal(data[1:], &env); err != nil {
		return nil, fmt.Errorf("failed to decode item, %w", err)
	}
	item := &Item{
		Key:     env.Key,
		Payload: env.Payload,
	}
	if env.EventTime != 0 {
		item.EventTime = time.Unix(0, env.EventTime)
	}
	return item, nil
}
