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

// Package tumbling implements tumbling windows, fixed-length intervals
// anchored at an alignment instant. Every timestamp belongs to exactly one
// window and, for a fixed alignment, the produced intervals tile the
// timeline without gaps or overlaps.
package tumbling

import (
	"fmt"
	"time"

	"github.com/numaproj/windmill/pkg/window"
)

// Tumbling implements a tumbling windower.
type Tumbling struct {
	// Length is the temporal length of the window.
	Length time.Duration
	// AlignTo is the instant the window grid is anchored at. Window ids
	// count intervals from here and are negative for earlier timestamps.
	AlignTo time.Time
}

var _ window.Windower = (*Tumbling)(nil)

// NewTumbling returns a tumbling windower. length must be strictly
// positive; a violation is a configuration error raised before any item is
// processed.
func NewTumbling(length time.Duration, alignTo time.Time) (*Tumbling, error) {
	if length <= 0 {
		return nil, fmt.Errorf("window length must be positive, got %v", length)
	}
	return &Tumbling{Length: length, AlignTo: alignTo}, nil
}

func (t *Tumbling) Strategy() window.Strategy {
	return window.Tumbling
}

// AssignWindows assigns exactly one window for the given eventTime.
// The window id is floor((eventTime - AlignTo) / Length), so timestamps
// before the alignment instant land in negative ids and the grid still
// tiles the timeline.
func (t *Tumbling) AssignWindows(eventTime time.Time) []*window.IntervalWindow {
	id := floorDiv(eventTime.Sub(t.AlignTo).Nanoseconds(), t.Length.Nanoseconds())
	start := t.AlignTo.Add(time.Duration(id) * t.Length)
	return []*window.IntervalWindow{
		{
			ID:    id,
			Start: start,
			End:   start.Add(t.Length),
		},
	}
}

// floorDiv divides rounding toward negative infinity, which Go's integer
// division does not.
func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
