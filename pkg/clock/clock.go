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

// Package clock defines how items get their event timestamps and when a
// window stops expecting more data. The two concerns travel together
// because both are properties of the same time domain: a system clock
// stamps items with wall time and closes windows by wall time, an event
// clock stamps items with an application-supplied extractor and closes
// windows a fixed wall-clock grace period after the window boundary has
// been passed by observed data. There is no data-driven watermark; the
// closing decision is always driven by the system clock, so out-of-order
// items can never hold a window open forever.
package clock

import (
	"fmt"
	"time"

	"github.com/numaproj/windmill/pkg/wire"
)

// Strategy enumerates the clock variants.
type Strategy int

const (
	// System stamps items with processing time.
	System Strategy = iota
	// Event stamps items with an extracted event time.
	Event
)

func (s Strategy) String() string {
	switch s {
	case System:
		return "System"
	case Event:
		return "Event"
	default:
		return "Unknown"
	}
}

// Clock assigns event timestamps and decides when windows close.
type Clock interface {
	// Strategy returns the clock strategy.
	Strategy() Strategy
	// Timestamp returns the event timestamp for the item. now is the
	// current system time. A returned error is fatal to the dataflow
	// because an item without a timestamp has no window membership.
	Timestamp(item *wire.Item, now time.Time) (time.Time, error)
	// ShouldClose reports whether a window ending at end may close.
	// exceededAt is the system time at which the event time observed for
	// the window's key first reached end, or the zero time if it has not.
	ShouldClose(end time.Time, now time.Time, exceededAt time.Time) bool
}

// TimestampError is returned when the timestamp extractor fails for an
// item. It carries the key so the failure surface can name the offending
// partition.
type TimestampError struct {
	Key string
	Err error
}

func (e *TimestampError) Error() string {
	return fmt.Sprintf("failed to extract timestamp for key %q, %v", e.Key, e.Err)
}

func (e *TimestampError) Unwrap() error {
	return e.Err
}

type systemClock struct{}

// NewSystem returns a clock that stamps items with wall-clock time at
// processing and closes a window as soon as wall-clock time reaches the
// window end.
func NewSystem() Clock {
	return &systemClock{}
}

func (c *systemClock) Strategy() Strategy {
	return System
}

func (c *systemClock) Timestamp(_ *wire.Item, now time.Time) (time.Time, error) {
	return now, nil
}

func (c *systemClock) ShouldClose(end time.Time, now time.Time, _ time.Time) bool {
	return !now.Before(end)
}

// Extractor pulls an event timestamp out of an item.
type Extractor func(item *wire.Item) (time.Time, error)

type eventClock struct {
	extract Extractor
	wait    time.Duration
}

// NewEvent returns a clock that stamps items via extract and closes a
// window once wait wall-clock time has elapsed since the window's end
// boundary was first passed by an observed item for the key. wait must be
// non-negative and extract must not be nil.
func NewEvent(extract Extractor, wait time.Duration) (Clock, error) {
	if extract == nil {
		return nil, fmt.Errorf("event clock requires a timestamp extractor")
	}
	if wait < 0 {
		return nil, fmt.Errorf("wait duration must be non-negative, got %v", wait)
	}
	return &eventClock{extract: extract, wait: wait}, nil
}

func (c *eventClock) Strategy() Strategy {
	return Event
}

func (c *eventClock) Timestamp(item *wire.Item, _ time.Time) (time.Time, error) {
	ts, err := c.extract(item)
	if err != nil {
		return time.Time{}, &TimestampError{Key: item.Key, Err: err}
	}
	return ts, nil
}

func (c *eventClock) ShouldClose(_ time.Time, now time.Time, exceededAt time.Time) bool {
	if exceededAt.IsZero() {
		return false
	}
	return now.Sub(exceededAt) >= c.wait
}
