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

// Package collect implements count/timeout grouping: per key, items are
// buffered in arrival order and flushed as one batch when the buffer
// reaches maxSize or when the oldest buffered item has waited timeout
// wall-clock time. There is no clock or windower involved; this is the
// simpler sibling of the reduce engine and shares its snapshot and sweep
// mechanics.
package collect

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/numaproj/windmill/pkg/shared/logging"
	"github.com/numaproj/windmill/pkg/wire"
)

// Batch is a flushed group of items for one key, in arrival order.
type Batch struct {
	Key   string
	Items []*wire.Item
}

// buffer is the per-key collect accumulator.
type buffer struct {
	items []*wire.Item
	// firstAt is the wall-clock time the oldest buffered item arrived.
	firstAt time.Time
}

// Collector groups items per key by count and wall-clock timeout.
type Collector struct {
	name    string
	maxSize int
	timeout time.Duration
	keys    map[string]*buffer
	// keyOrder preserves first-seen key order for deterministic sweeps.
	keyOrder []string
	log      *zap.SugaredLogger
}

// NewCollector returns a collect engine named name. maxSize and timeout
// must be strictly positive; violations are configuration errors raised
// before any item is processed.
func NewCollector(name string, maxSize int, timeout time.Duration) (*Collector, error) {
	if name == "" {
		return nil, fmt.Errorf("collector requires a name")
	}
	if maxSize <= 0 {
		return nil, fmt.Errorf("collector %q, max size must be positive, got %d", name, maxSize)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("collector %q, timeout must be positive, got %v", name, timeout)
	}
	return &Collector{
		name:    name,
		maxSize: maxSize,
		timeout: timeout,
		keys:    make(map[string]*buffer),
		log:     logging.NewLogger().Named("collect").With("operator", name),
	}, nil
}

// ProcessItem buffers the item and returns the batch it completed, if any.
// The size check runs after the append, so every size-triggered batch has
// exactly maxSize items; the timeout check also runs here so a long-idle
// buffer flushes on the next arrival even between sweeps.
func (c *Collector) ProcessItem(item *wire.Item, now time.Time) []*Batch {
	buf, ok := c.keys[item.Key]
	if !ok {
		buf = &buffer{}
		c.keys[item.Key] = buf
		c.keyOrder = append(c.keyOrder, item.Key)
	}
	if len(buf.items) == 0 {
		buf.firstAt = now
	}
	buf.items = append(buf.items, item)

	if len(buf.items) >= c.maxSize || now.Sub(buf.firstAt) >= c.timeout {
		return []*Batch{c.flush(item.Key, buf)}
	}
	return nil
}

// Sweep flushes every buffer whose oldest item has waited at least the
// timeout. Runs on the periodic tick.
func (c *Collector) Sweep(now time.Time) []*Batch {
	var batches []*Batch
	for _, key := range c.keyOrder {
		buf := c.keys[key]
		if len(buf.items) > 0 && now.Sub(buf.firstAt) >= c.timeout {
			batches = append(batches, c.flush(key, buf))
		}
	}
	return batches
}

// Drain flushes every non-empty buffer. Called at end of input; the final
// batch of a key may be shorter than maxSize.
func (c *Collector) Drain() []*Batch {
	var batches []*Batch
	for _, key := range c.keyOrder {
		buf := c.keys[key]
		if len(buf.items) > 0 {
			batches = append(batches, c.flush(key, buf))
		}
	}
	return batches
}

func (c *Collector) flush(key string, buf *buffer) *Batch {
	batch := &Batch{Key: key, Items: buf.items}
	buf.items = nil
	buf.firstAt = time.Time{}
	batchesFlushedCount.WithLabelValues(c.name).Inc()
	return batch
}

type bufferSnapshot struct {
	Key     string   `json:"key"`
	FirstAt int64    `json:"firstAt,omitempty"`
	Items   [][]byte `json:"items"`
}

type itemSnapshot struct {
	Key       string `json:"key"`
	Payload   []byte `json:"payload,omitempty"`
	EventTime int64  `json:"eventTime,omitempty"`
}

type sectionSnapshot struct {
	Keys []bufferSnapshot `json:"keys"`
}

// SectionName identifies this engine's section within a worker snapshot.
func (c *Collector) SectionName() string {
	return "collect/" + c.name
}

// MarshalSection serializes all per-key buffers.
func (c *Collector) MarshalSection() ([]byte, error) {
	section := sectionSnapshot{Keys: make([]bufferSnapshot, 0, len(c.keyOrder))}
	for _, key := range c.keyOrder {
		buf := c.keys[key]
		snap := bufferSnapshot{Key: key, Items: make([][]byte, 0, len(buf.items))}
		if !buf.firstAt.IsZero() {
			snap.FirstAt = buf.firstAt.UnixNano()
		}
		for _, item := range buf.items {
			is := itemSnapshot{Key: item.Key, Payload: item.Payload}
			if !item.EventTime.IsZero() {
				is.EventTime = item.EventTime.UnixNano()
			}
			encoded, err := json.Marshal(is)
			if err != nil {
				return nil, fmt.Errorf("collector %q, failed to marshal item for key %q, %w", c.name, key, err)
			}
			snap.Items = append(snap.Items, encoded)
		}
		section.Keys = append(section.Keys, snap)
	}
	return json.Marshal(section)
}

// RestoreSection replaces the engine's buffers with the snapshot contents.
// A restored firstAt keeps its absolute value, so a buffer that out-waited
// its timeout during the outage flushes on the first sweep after restart.
func (c *Collector) RestoreSection(data []byte) error {
	var section sectionSnapshot
	if err := json.Unmarshal(data, &section); err != nil {
		return fmt.Errorf("collector %q, failed to decode snapshot section, %w", c.name, err)
	}
	c.keys = make(map[string]*buffer, len(section.Keys))
	c.keyOrder = c.keyOrder[:0]
	for _, snap := range section.Keys {
		buf := &buffer{}
		if snap.FirstAt != 0 {
			buf.firstAt = time.Unix(0, snap.FirstAt)
		}
		for _, encoded := range snap.Items {
			var is itemSnapshot
			if err := json.Unmarshal(encoded, &is); err != nil {
				return fmt.Errorf("collector %q, failed to restore item for key %q, %w", c.name, snap.Key, err)
			}
			item := &wire.Item{Key: is.Key, Payload: is.Payload}
			if is.EventTime != 0 {
				item.EventTime = time.Unix(0, is.EventTime)
			}
			buf.items = append(buf.items, item)
		}
		c.keys[snap.Key] = buf
		c.keyOrder = append(c.keyOrder, snap.Key)
	}
	return nil
}
