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

package window

import (
	"fmt"
	"time"
)

// IntervalWindow is a single [Start, End) interval produced by a windower.
// ID orders the windows of one strategy on the timeline; for a given key a
// window id that has closed is never assigned again.
type IntervalWindow struct {
	// ID is the index of the interval relative to the windower's alignment.
	ID int64
	// Start is the inclusive open boundary.
	Start time.Time
	// End is the exclusive close boundary.
	End time.Time
}

func (w IntervalWindow) String() string {
	return fmt.Sprintf("%d-%d-%d", w.ID, w.Start.UnixMilli(), w.End.UnixMilli())
}

// Windower maps a timestamp to the set of windows it belongs to.
type Windower interface {
	// Strategy returns the windowing strategy.
	Strategy() Strategy
	// AssignWindows returns the windows the given event time falls into,
	// in ascending start-time order.
	AssignWindows(eventTime time.Time) []*IntervalWindow
}

// Strategy represents the windowing strategy.
type Strategy int

const (
	Tumbling Strategy = iota
	Sliding
	Session
)

func (s Strategy) String() string {
	switch s {
	case Tumbling:
		return "Tumbling"
	case Sliding:
		return "Sliding"
	case Session:
		return "Session"
	default:
		return "Unknown"
	}
}
