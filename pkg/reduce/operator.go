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

package reduce

import (
	"fmt"
	"time"

	"github.com/goccy/go-json"

	"github.com/numaproj/windmill/pkg/wire"
)

// Operator defines how a window accumulates items. Merge must be
// deterministic given the same item order; the engine guarantees a key's
// items are applied by a single worker in arrival order.
type Operator interface {
	// Init returns the initial accumulator for a newly opened window.
	Init() interface{}
	// Merge folds item into acc and returns the updated accumulator.
	Merge(acc interface{}, item *wire.Item) interface{}
	// MarshalState serializes an accumulator for a snapshot.
	MarshalState(acc interface{}) ([]byte, error)
	// UnmarshalState rebuilds an accumulator from a snapshot.
	UnmarshalState(data []byte) (interface{}, error)
}

// collectOperator accumulates the window's items in arrival order.
type collectOperator struct{}

// Collect returns the operator backing collect_window: the accumulator is
// the ordered slice of items that fell into the window.
func Collect() Operator {
	return &collectOperator{}
}

func (o *collectOperator) Init() interface{} {
	return []*wire.Item{}
}

func (o *collectOperator) Merge(acc interface{}, item *wire.Item) interface{} {
	return append(acc.([]*wire.Item), item)
}

type collectedItem struct {
	Key       string `json:"key"`
	Payload   []byte `json:"payload,omitempty"`
	EventTime int64  `json:"eventTime"`
}

func (o *collectOperator) MarshalState(acc interface{}) ([]byte, error) {
	items := acc.([]*wire.Item)
	out := make([]collectedItem, 0, len(items))
	for _, item := range items {
		out = append(out, collectedItem{
			Key:       item.Key,
			Payload:   item.Payload,
			EventTime: item.EventTime.UnixNano(),
		})
	}
	return json.Marshal(out)
}

func (o *collectOperator) UnmarshalState(data []byte) (interface{}, error) {
	var in []collectedItem
	if err := json.Unmarshal(data, &in); err != nil {
		return nil, fmt.Errorf("failed to decode collect accumulator, %w", err)
	}
	items := make([]*wire.Item, 0, len(in))
	for _, ci := range in {
		items = append(items, &wire.Item{
			Key:       ci.Key,
			Payload:   ci.Payload,
			EventTime: time.Unix(0, ci.EventTime),
		})
	}
	return items, nil
}

// foldOperator applies an associative reduce function.
type foldOperator struct {
	init      func() interface{}
	merge     func(acc interface{}, item *wire.Item) interface{}
	marshal   func(acc interface{}) ([]byte, error)
	unmarshal func(data []byte) (interface{}, error)
}

// Fold returns the operator backing reduce_window. The caller supplies the
// initial value, the merge function and the accumulator codec used for
// snapshots.
func Fold(
	init func() interface{},
	merge func(acc interface{}, item *wire.Item) interface{},
	marshal func(acc interface{}) ([]byte, error),
	unmarshal func(data []byte) (interface{}, error),
) (Operator, error) {
	if init == nil || merge == nil || marshal == nil || unmarshal == nil {
		return nil, fmt.Errorf("fold operator requires init, merge, marshal and unmarshal functions")
	}
	return &foldOperator{init: init, merge: merge, marshal: marshal, unmarshal: unmarshal}, nil
}

func (o *foldOperator) Init() interface{} {
	return o.init()
}

func (o *foldOperator) Merge(acc interface{}, item *wire.Item) interface{} {
	return o.merge(acc, item)
}

func (o *foldOperator) MarshalState(acc interface{}) ([]byte, error) {
	return o.marshal(acc)
}

func (o *foldOperator) UnmarshalState(data []byte) (interface{}, error) {
	return o.unmarshal(data)
}
