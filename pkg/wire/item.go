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

// Package wire holds the item model that flows through the dataflow and the
// codec used to serialize items at exchange boundaries. Within a process an
// item is passed by reference and never serialized.
package wire

import (
	"time"
)

// Item is a keyed unit of data flowing through the dataflow. All items
// sharing a key are owned and processed by exactly one worker for the
// lifetime of the run.
type Item struct {
	// Key identifies the logical partition the item belongs to.
	Key string
	// Payload is the operator-defined value, opaque to the engine.
	Payload []byte
	// EventTime is assigned by the clock on arrival and is the zero value
	// until then.
	EventTime time.Time
}
