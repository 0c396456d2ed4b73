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

// Package window implements windowing constructs. In the world of data processing on an unbounded stream,
// Windowing is a concept of grouping data using temporal boundaries. A windower maps an item's timestamp
// to one or more interval windows; an item may belong to several windows at once when the strategy
// produces overlapping intervals (e.g. sliding windows).
//
// Assignment of windows follows a left inclusive and right exclusive principle, so an element exactly on
// a boundary falls into the window to the right of the boundary. For the tumbling strategy the intervals
// produced for any fixed alignment tile the timeline with no gaps and no overlaps.
//
// The windower only assigns; the lifecycle of a window (open, accumulate, close, emit, garbage-collect)
// is driven by the reduce engine together with a clock, which decides when a window stops expecting
// more data.
package window
