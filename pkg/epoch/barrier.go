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

package epoch

import (
	"context"
	"sync"
)

// Phase distinguishes the two rendezvous points of one epoch: all workers
// done processing, and all workers done writing their snapshots.
type Phase int32

const (
	// PhaseComplete is announced when a worker finished processing the
	// epoch's buffered input.
	PhaseComplete Phase = iota
	// PhaseWritten is announced when a worker's snapshot write succeeded.
	PhaseWritten
)

// Barrier is the blocking rendezvous all workers must reach before the
// cluster advances. The slowest worker determines how long everyone waits.
type Barrier interface {
	// Await announces that this worker reached the given epoch/phase and
	// blocks until every worker in the cluster has announced the same.
	Await(ctx context.Context, epoch int64, phase Phase) error
}

type generation struct {
	arrived int32
	release chan struct{}
}

// localBarrier synchronizes workers sharing one process. Cross-process
// clusters use the exchange transport's barrier instead.
type localBarrier struct {
	workerCount int32
	mu          sync.Mutex
	gens        map[[2]int64]*generation
}

// NewLocalBarrier returns an in-process barrier for workerCount workers.
// All workers must share the returned instance.
func NewLocalBarrier(workerCount int32) Barrier {
	return &localBarrier{
		workerCount: workerCount,
		gens:        make(map[[2]int64]*generation),
	}
}

func (b *localBarrier) Await(ctx context.Context, epoch int64, phase Phase) error {
	key := [2]int64{epoch, int64(phase)}

	b.mu.Lock()
	gen, ok := b.gens[key]
	if !ok {
		gen = &generation{release: make(chan struct{})}
		b.gens[key] = gen
	}
	gen.arrived++
	if gen.arrived == b.workerCount {
		close(gen.release)
		delete(b.gens, key)
	}
	b.mu.Unlock()

	select {
	case <-gen.release:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
