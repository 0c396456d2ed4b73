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

// Package reduce implements the per-key window state store and the window
// lifecycle engine on top of it. A window is created on the first item
// assigned to it, accumulates through the operator's merge function,
// closes when the clock's closing predicate holds, is emitted exactly once
// and is then garbage-collected. For a given key a closed window id is
// never reopened; items mapping to one are dropped as late.
//
// The engine is single-writer: each key is owned by exactly one worker, so
// no locking is needed around the store.
package reduce

import (
	"fmt"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/zap"

	"github.com/numaproj/windmill/pkg/clock"
	"github.com/numaproj/windmill/pkg/shared/logging"
	"github.com/numaproj/windmill/pkg/window"
	"github.com/numaproj/windmill/pkg/wire"
)

// Result is the output of a closed window.
type Result struct {
	// Key is the partition the window belonged to.
	Key string
	// Window carries the open and close boundaries of the emitted window.
	Window window.IntervalWindow
	// Value is the final accumulator.
	Value interface{}
}

// openWindow is a window currently accumulating items.
type openWindow struct {
	win window.IntervalWindow
	acc interface{}
	// exceededAt is the system time at which the key's observed event time
	// first reached win.End. Zero until that happens. Input to the event
	// clock's closing predicate.
	exceededAt time.Time
}

// keyState is everything the engine tracks for one key.
type keyState struct {
	// open windows in ascending start-time order. Most items land in the
	// most recent window, so inserts scan from the back.
	open []*openWindow
	// maxClosed is the highest window id ever closed for this key, valid
	// only when hasClosed is set. Items assigned an id at or below it are
	// late.
	maxClosed int64
	hasClosed bool
	// maxEventTime is the largest event time observed for this key and
	// observedAt the system time it was observed at.
	maxEventTime time.Time
	observedAt   time.Time
}

// Reducer drives the window lifecycle for one windowed operator on one
// worker.
type Reducer struct {
	name     string
	clock    clock.Clock
	windower window.Windower
	op       Operator
	keys     map[string]*keyState
	// keyOrder preserves first-seen key order so sweeps and drains emit
	// deterministically.
	keyOrder []string
	late     atomic.Int64
	log      *zap.SugaredLogger
}

// NewReducer returns a window lifecycle engine named name, using the given
// clock, windower and operator.
func NewReducer(name string, c clock.Clock, w window.Windower, op Operator) (*Reducer, error) {
	if name == "" {
		return nil, fmt.Errorf("reducer requires a name")
	}
	if c == nil || w == nil || op == nil {
		return nil, fmt.Errorf("reducer %q requires a clock, a windower and an operator", name)
	}
	return &Reducer{
		name:     name,
		clock:    c,
		windower: w,
		op:       op,
		keys:     make(map[string]*keyState),
		log:      logging.NewLogger().Named("reduce").With("operator", name),
	}, nil
}

// ProcessItem stamps the item with its event timestamp, applies it to its
// assigned windows and runs the closing sweep for the item's key. It
// returns the windows closed by this item in ascending close-time order.
// A timestamp extraction failure is fatal and returned as an error.
func (r *Reducer) ProcessItem(item *wire.Item, now time.Time) ([]*Result, error) {
	ts, err := r.clock.Timestamp(item, now)
	if err != nil {
		return nil, fmt.Errorf("operator %q, %w", r.name, err)
	}
	item.EventTime = ts

	ks, ok := r.keys[item.Key]
	if !ok {
		ks = &keyState{}
		r.keys[item.Key] = ks
		r.keyOrder = append(r.keyOrder, item.Key)
	}

	if ts.After(ks.maxEventTime) {
		ks.maxEventTime = ts
		ks.observedAt = now
	}

	for _, win := range r.windower.AssignWindows(ts) {
		if ks.hasClosed && win.ID <= ks.maxClosed {
			r.late.Inc()
			lateDroppedCount.WithLabelValues(r.name).Inc()
			r.log.Debugw("Dropping late item", zap.String("key", item.Key), zap.Int64("windowId", win.ID), zap.Time("eventTime", ts))
			continue
		}
		ow := ks.upsert(win, r.op)
		ow.acc = r.op.Merge(ow.acc, item)
	}

	// Record, once per window, when the key's event time first passed the
	// window's close boundary.
	for _, ow := range ks.open {
		if ow.exceededAt.IsZero() && !ks.maxEventTime.Before(ow.win.End) {
			ow.exceededAt = now
		}
	}

	openWindowsGauge.WithLabelValues(r.name).Set(float64(r.openCount()))
	return r.sweepKey(item.Key, ks, now), nil
}

// Sweep evaluates the closing predicate for every key's windows. It is
// meant to run on a periodic tick so that timeout-driven closes do not
// depend on further input arriving.
func (r *Reducer) Sweep(now time.Time) []*Result {
	var results []*Result
	for _, key := range r.keyOrder {
		results = append(results, r.sweepKey(key, r.keys[key], now)...)
	}
	return results
}

// sweepKey closes the key's windows in open-time order, stopping at the
// first window the predicate rejects. A window never closes before all
// earlier windows of the same key, which keeps emitted close times
// non-decreasing per key.
func (r *Reducer) sweepKey(key string, ks *keyState, now time.Time) []*Result {
	var results []*Result
	for len(ks.open) > 0 {
		ow := ks.open[0]
		if !r.clock.ShouldClose(ow.win.End, now, ow.exceededAt) {
			break
		}
		results = append(results, r.closeWindow(key, ks, ow))
	}
	return results
}

// Drain force-closes every remaining window in per-key open-time order.
// Called when the input signals end of stream.
func (r *Reducer) Drain() []*Result {
	var results []*Result
	for _, key := range r.keyOrder {
		ks := r.keys[key]
		for len(ks.open) > 0 {
			results = append(results, r.closeWindow(key, ks, ks.open[0]))
		}
	}
	return results
}

func (r *Reducer) closeWindow(key string, ks *keyState, ow *openWindow) *Result {
	ks.open = ks.open[1:]
	ks.maxClosed = ow.win.ID
	ks.hasClosed = true
	windowsClosedCount.WithLabelValues(r.name).Inc()
	openWindowsGauge.WithLabelValues(r.name).Set(float64(r.openCount()))
	return &Result{Key: key, Window: ow.win, Value: ow.acc}
}

// LateCount returns the number of items dropped as late so far.
func (r *Reducer) LateCount() int64 {
	return r.late.Load()
}

func (r *Reducer) openCount() int {
	var n int
	for _, ks := range r.keys {
		n += len(ks.open)
	}
	return n
}

// upsert returns the open window for win, creating it in sorted position
// with the operator's initial accumulator when absent. Windows arrive
// mostly in ascending time order, so the scan starts from the back.
func (ks *keyState) upsert(win *window.IntervalWindow, op Operator) *openWindow {
	i := len(ks.open)
	for i > 0 {
		prev := ks.open[i-1]
		if prev.win.ID == win.ID {
			return prev
		}
		if prev.win.ID < win.ID {
			break
		}
		i--
	}
	ow := &openWindow{win: *win, acc: op.Init()}
	ks.open = append(ks.open, nil)
	copy(ks.open[i+1:], ks.open[i:])
	ks.open[i] = ow
	return ow
}
