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

package engine

import (
	"context"
	"fmt"
	"io"

	"github.com/numaproj/windmill/pkg/wire"
)

// Source is a replayable, offset-addressable input partition. One worker
// reads one source; offsets are what checkpoints record and what recovery
// seeks back to.
type Source interface {
	// Name identifies the source in snapshot offset maps.
	Name() string
	// Next returns the next item and the offset to resume from after it.
	// It returns io.EOF when the input is exhausted.
	Next(ctx context.Context) (*wire.Item, int64, error)
	// Seek positions the source so the next read starts at offset.
	Seek(offset int64) error
}

// SliceSource is an in-memory Source over a fixed set of items.
type SliceSource struct {
	name  string
	items []*wire.Item
	pos   int64
}

// NewSliceSource returns a source named name over items.
func NewSliceSource(name string, items []*wire.Item) *SliceSource {
	return &SliceSource{name: name, items: items}
}

func (s *SliceSource) Name() string {
	return s.name
}

func (s *SliceSource) Next(ctx context.Context) (*wire.Item, int64, error) {
	if err := ctx.Err(); err != nil {
		return nil, s.pos, err
	}
	if s.pos >= int64(len(s.items)) {
		return nil, s.pos, io.EOF
	}
	item := s.items[s.pos]
	s.pos++
	return item, s.pos, nil
}

func (s *SliceSource) Seek(offset int64) error {
	if offset < 0 || offset > int64(len(s.items)) {
		return fmt.Errorf("source %q, offset %d out of range [0, %d]", s.name, offset, len(s.items))
	}
	s.pos = offset
	return nil
}
