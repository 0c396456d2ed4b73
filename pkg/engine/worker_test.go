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
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"golang.org/x/sync/errgroup"

	"github.com/numaproj/windmill/pkg/clock"
	"github.com/numaproj/windmill/pkg/collect"
	"github.com/numaproj/windmill/pkg/epoch"
	"github.com/numaproj/windmill/pkg/exchange"
	"github.com/numaproj/windmill/pkg/reduce"
	"github.com/numaproj/windmill/pkg/shuffle"
	"github.com/numaproj/windmill/pkg/snapshot"
	"github.com/numaproj/windmill/pkg/window/tumbling"
	"github.com/numaproj/windmill/pkg/wire"
)

var baseTime = time.Unix(1651129200, 0).UTC()

// eventTimeFromPayload reads the payload as a second offset from baseTime.
func eventTimeFromPayload(item *wire.Item) (time.Time, error) {
	secs, err := strconv.Atoi(string(item.Payload))
	if err != nil {
		return time.Time{}, err
	}
	return baseTime.Add(time.Duration(secs) * time.Second), nil
}

func item(key string, secs int) *wire.Item {
	return &wire.Item{Key: key, Payload: []byte(strconv.Itoa(secs))}
}

func newShuffle(t *testing.T, workers int32) *shuffle.Shuffle {
	t.Helper()
	sh, err := shuffle.NewShuffle(workers)
	require.NoError(t, err)
	return sh
}

func TestWorker_ReduceDrainsOnEOF(t *testing.T) {
	defer goleak.VerifyNone(t)

	net, err := exchange.NewInProcNetwork(1, 8)
	require.NoError(t, err)
	ep, err := net.Endpoint(0)
	require.NoError(t, err)
	store, err := snapshot.NewFS(t.TempDir())
	require.NoError(t, err)
	coord, err := epoch.NewCoordinator(0, 1, net.Barrier(), store)
	require.NoError(t, err)

	eventClock, err := clock.NewEvent(eventTimeFromPayload, 0)
	require.NoError(t, err)
	windower, err := tumbling.NewTumbling(10*time.Second, baseTime)
	require.NoError(t, err)
	reducer, err := reduce.NewReducer("counter", eventClock, windower, reduce.Collect())
	require.NoError(t, err)

	source := NewSliceSource("in", []*wire.Item{
		item("a", 0), item("a", 4), item("b", 5),
		item("a", 8), item("a", 12), item("a", 13), item("b", 14),
	})

	var results []*reduce.Result
	worker, err := NewWorker(0, newShuffle(t, 1), source, ep, ep, coord, reducer, nil,
		WithSweepInterval(10*time.Millisecond),
		WithEpochInterval(0),
		WithResultSink(func(r *reduce.Result) { results = append(results, r) }))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, worker.Run(ctx))

	// every window the input implies is emitted, none twice
	type emitted struct {
		key string
		id  int64
		n   int
	}
	var got []emitted
	for _, r := range results {
		got = append(got, emitted{key: r.Key, id: r.Window.ID, n: len(r.Value.([]*wire.Item))})
	}
	assert.ElementsMatch(t, []emitted{
		{key: "a", id: 0, n: 3},
		{key: "a", id: 1, n: 2},
		{key: "b", id: 0, n: 1},
		{key: "b", id: 1, n: 1},
	}, got)
	net.Close()
}

func TestWorker_RoutesKeysToOwners(t *testing.T) {
	defer goleak.VerifyNone(t)

	const workers = 2
	net, err := exchange.NewInProcNetwork(workers, 16)
	require.NoError(t, err)
	sh := newShuffle(t, workers)
	dir := t.TempDir()
	store, err := snapshot.NewFS(dir)
	require.NoError(t, err)

	// both sources carry every key, so cross-worker routing must happen
	keys := []string{"a", "b", "c", "d", "e", "f"}
	makeItems := func(n int) []*wire.Item {
		var items []*wire.Item
		for i := 0; i < n; i++ {
			items = append(items, &wire.Item{Key: keys[i%len(keys)], Payload: []byte{byte(i)}})
		}
		return items
	}

	batches := make([][]*collect.Batch, workers)
	g := errgroup.Group{}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for i := 0; i < workers; i++ {
		workerID := int32(i)
		ep, err := net.Endpoint(workerID)
		require.NoError(t, err)
		coord, err := epoch.NewCoordinator(workerID, workers, net.Barrier(), store)
		require.NoError(t, err)
		collector, err := collect.NewCollector("grouper", 3, time.Hour)
		require.NoError(t, err)

		source := NewSliceSource(fmt.Sprintf("in-%d", workerID), makeItems(12))
		worker, err := NewWorker(workerID, sh, source, ep, ep, coord, nil, collector,
			WithSweepInterval(10*time.Millisecond),
			WithEpochInterval(0),
			WithBatchSink(func(b *collect.Batch) { batches[workerID] = append(batches[workerID], b) }))
		require.NoError(t, err)
		g.Go(func() error { return worker.Run(ctx) })
	}
	require.NoError(t, g.Wait())
	net.Close()

	var total int
	for w := 0; w < workers; w++ {
		for _, b := range batches[w] {
			// a worker only ever flushes keys it owns
			assert.Equal(t, int32(w), sh.WorkerFor(b.Key), "key %q on wrong worker", b.Key)
			total += len(b.Items)
		}
	}
	// 12 items per source, nothing lost in transit
	assert.Equal(t, 24, total)
}

func TestWorker_RestartResumesFromSnapshot(t *testing.T) {
	defer goleak.VerifyNone(t)

	dir := t.TempDir()
	items := []*wire.Item{
		item("a", 0), item("a", 4), item("b", 5),
		item("a", 8), item("a", 12), item("b", 14),
	}

	run := func(source Source, drain bool) []*collect.Batch {
		net, err := exchange.NewInProcNetwork(1, 8)
		require.NoError(t, err)
		ep, err := net.Endpoint(0)
		require.NoError(t, err)
		store, err := snapshot.NewFS(dir)
		require.NoError(t, err)
		coord, err := epoch.NewCoordinator(0, 1, net.Barrier(), store)
		require.NoError(t, err)
		collector, err := collect.NewCollector("grouper", 100, time.Hour)
		require.NoError(t, err)

		var batches []*collect.Batch
		worker, err := NewWorker(0, newShuffle(t, 1), source, ep, ep, coord, nil, collector,
			WithSweepInterval(10*time.Millisecond),
			WithEpochInterval(0),
			WithDrainOnEOF(drain),
			WithBatchSink(func(b *collect.Batch) { batches = append(batches, b) }))
		require.NoError(t, err)

		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, worker.Run(ctx))
		net.Close()
		return batches
	}

	// first run sees half the input and checkpoints instead of draining
	first := run(NewSliceSource("in", items[:3]), false)
	assert.Empty(t, first)

	// second run recovers the buffered items, seeks past the consumed
	// prefix and drains everything
	second := run(NewSliceSource("in", items), true)
	counts := map[string]int{}
	for _, b := range second {
		counts[b.Key] += len(b.Items)
	}
	assert.Equal(t, map[string]int{"a": 4, "b": 2}, counts)
}

func TestWorker_PeriodicCheckpointAdvancesEpoch(t *testing.T) {
	defer goleak.VerifyNone(t)

	net, err := exchange.NewInProcNetwork(1, 8)
	require.NoError(t, err)
	ep, err := net.Endpoint(0)
	require.NoError(t, err)
	store, err := snapshot.NewFS(t.TempDir())
	require.NoError(t, err)
	coord, err := epoch.NewCoordinator(0, 1, net.Barrier(), store)
	require.NoError(t, err)
	collector, err := collect.NewCollector("grouper", 100, time.Hour)
	require.NoError(t, err)

	// a source that never ends: the worker lives on ticks alone
	blocking := &blockingSource{name: "in"}
	worker, err := NewWorker(0, newShuffle(t, 1), blocking, ep, ep, coord, nil, collector,
		WithSweepInterval(10*time.Millisecond),
		WithEpochInterval(30*time.Millisecond))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	err = worker.Run(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	net.Close()

	// at least one epoch committed while idle
	assert.Greater(t, coord.Epoch(), int64(0))
	committed, ok, err := store.LatestCommitted(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, committed, int64(0))
}

// Two workers with periodic checkpoints and cross-keyed sources: items
// handed to the exchange around an epoch boundary must land in exactly
// one side of the cut, so a restart neither loses nor duplicates them.
func TestWorker_InflightItemsSurviveRestart(t *testing.T) {
	defer goleak.VerifyNone(t)

	const workers = 2
	dir := t.TempDir()
	sh := newShuffle(t, workers)
	keys := []string{"a", "b", "c", "d", "e", "f"}
	makeItems := func(n int) []*wire.Item {
		var items []*wire.Item
		for i := 0; i < n; i++ {
			items = append(items, &wire.Item{Key: keys[i%len(keys)], Payload: []byte{byte(i)}})
		}
		return items
	}

	run := func(drain bool, epochInterval, delay time.Duration) [][]*collect.Batch {
		net, err := exchange.NewInProcNetwork(workers, 16)
		require.NoError(t, err)
		store, err := snapshot.NewFS(dir)
		require.NoError(t, err)

		batches := make([][]*collect.Batch, workers)
		var mu sync.Mutex
		g := errgroup.Group{}
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		for i := 0; i < workers; i++ {
			workerID := int32(i)
			ep, err := net.Endpoint(workerID)
			require.NoError(t, err)
			coord, err := epoch.NewCoordinator(workerID, workers, net.Barrier(), store)
			require.NoError(t, err)
			collector, err := collect.NewCollector("grouper", 100, time.Hour)
			require.NoError(t, err)

			source := &pacedSource{name: fmt.Sprintf("in-%d", workerID), items: makeItems(12), delay: delay}
			worker, err := NewWorker(workerID, sh, source, ep, ep, coord, nil, collector,
				WithSweepInterval(10*time.Millisecond),
				WithEpochInterval(epochInterval),
				WithDrainOnEOF(drain),
				WithBatchSink(func(b *collect.Batch) {
					mu.Lock()
					batches[workerID] = append(batches[workerID], b)
					mu.Unlock()
				}))
			require.NoError(t, err)
			g.Go(func() error { return worker.Run(ctx) })
		}
		require.NoError(t, g.Wait())
		net.Close()
		return batches
	}

	// first run checkpoints mid-stream and once more at end of input,
	// emitting nothing
	first := run(false, 15*time.Millisecond, 2*time.Millisecond)
	for w := 0; w < workers; w++ {
		assert.Empty(t, first[w])
	}

	// second run recovers, finds both sources consumed, and drains the
	// buffered state
	second := run(true, 0, 0)
	counts := map[string]int{}
	var total int
	for w := 0; w < workers; w++ {
		for _, b := range second[w] {
			assert.Equal(t, int32(w), sh.WorkerFor(b.Key), "key %q on wrong worker", b.Key)
			counts[b.Key] += len(b.Items)
			total += len(b.Items)
		}
	}
	// 2 per key per source, every item exactly once
	for _, key := range keys {
		assert.Equal(t, 4, counts[key], "key %q", key)
	}
	assert.Equal(t, 24, total)
}

// One source ends long before the other. The early-finished worker must
// keep joining the checkpoints its peer initiates, or the peer's barrier
// would never release.
func TestWorker_UnevenSourcesKeepCheckpointing(t *testing.T) {
	defer goleak.VerifyNone(t)

	const workers = 2
	net, err := exchange.NewInProcNetwork(workers, 16)
	require.NoError(t, err)
	sh := newShuffle(t, workers)
	store, err := snapshot.NewFS(t.TempDir())
	require.NoError(t, err)

	keys := []string{"a", "b", "c", "d", "e", "f"}
	makeItems := func(n int) []*wire.Item {
		var items []*wire.Item
		for i := 0; i < n; i++ {
			items = append(items, &wire.Item{Key: keys[i%len(keys)], Payload: []byte{byte(i)}})
		}
		return items
	}

	coords := make([]*epoch.Coordinator, workers)
	batches := make([][]*collect.Batch, workers)
	var mu sync.Mutex
	g := errgroup.Group{}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	sources := []Source{
		&pacedSource{name: "in-0", items: makeItems(3), delay: time.Millisecond},
		&pacedSource{name: "in-1", items: makeItems(40), delay: 3 * time.Millisecond},
	}
	for i := 0; i < workers; i++ {
		workerID := int32(i)
		ep, err := net.Endpoint(workerID)
		require.NoError(t, err)
		coords[i], err = epoch.NewCoordinator(workerID, workers, net.Barrier(), store)
		require.NoError(t, err)
		collector, err := collect.NewCollector("grouper", 1000, time.Hour)
		require.NoError(t, err)

		worker, err := NewWorker(workerID, sh, sources[i], ep, ep, coords[i], nil, collector,
			WithSweepInterval(10*time.Millisecond),
			WithEpochInterval(20*time.Millisecond),
			WithBatchSink(func(b *collect.Batch) {
				mu.Lock()
				batches[workerID] = append(batches[workerID], b)
				mu.Unlock()
			}))
		require.NoError(t, err)
		g.Go(func() error { return worker.Run(ctx) })
	}
	// the run must complete, not ride out the context
	require.NoError(t, g.Wait())
	require.NoError(t, ctx.Err())
	net.Close()

	// worker 0 went idle after 3 items yet epochs kept committing
	assert.Greater(t, coords[1].Epoch(), int64(0))
	assert.Equal(t, coords[0].Epoch(), coords[1].Epoch())
	committed, ok, err := store.LatestCommitted(context.Background())
	require.NoError(t, err)
	assert.True(t, ok)
	assert.GreaterOrEqual(t, committed, int64(0))

	var total int
	for w := 0; w < workers; w++ {
		for _, b := range batches[w] {
			assert.Equal(t, int32(w), sh.WorkerFor(b.Key), "key %q on wrong worker", b.Key)
			total += len(b.Items)
		}
	}
	assert.Equal(t, 43, total)
}

func TestNewWorker_Validation(t *testing.T) {
	net, err := exchange.NewInProcNetwork(1, 1)
	require.NoError(t, err)
	ep, err := net.Endpoint(0)
	require.NoError(t, err)
	store, err := snapshot.NewFS(t.TempDir())
	require.NoError(t, err)
	coord, err := epoch.NewCoordinator(0, 1, net.Barrier(), store)
	require.NoError(t, err)
	source := NewSliceSource("in", nil)
	sh := newShuffle(t, 1)

	_, err = NewWorker(0, nil, source, ep, ep, coord, nil, nil)
	assert.Error(t, err)
	_, err = NewWorker(0, sh, source, ep, ep, coord, nil, nil)
	assert.Error(t, err)
	_, err = NewWorker(1, sh, source, ep, ep, coord, nil, nil)
	assert.Error(t, err)
	net.Close()
}

func TestSliceSource_Seek(t *testing.T) {
	src := NewSliceSource("in", []*wire.Item{item("a", 0), item("a", 1)})
	require.NoError(t, src.Seek(1))

	got, next, err := src.Next(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []byte("1"), got.Payload)
	assert.Equal(t, int64(2), next)

	_, _, err = src.Next(context.Background())
	assert.Error(t, err)

	assert.Error(t, src.Seek(3))
	assert.Error(t, src.Seek(-1))
}

// blockingSource blocks in Next until the context is cancelled.
type blockingSource struct {
	name string
}

func (s *blockingSource) Name() string { return s.name }

func (s *blockingSource) Next(ctx context.Context) (*wire.Item, int64, error) {
	<-ctx.Done()
	return nil, 0, ctx.Err()
}

func (s *blockingSource) Seek(int64) error { return nil }

// pacedSource yields one item per delay, keeping traffic in flight while
// epoch ticks fire.
type pacedSource struct {
	name  string
	items []*wire.Item
	delay time.Duration
	pos   int64
}

func (s *pacedSource) Name() string { return s.name }

func (s *pacedSource) Next(ctx context.Context) (*wire.Item, int64, error) {
	if s.pos >= int64(len(s.items)) {
		return nil, 0, io.EOF
	}
	if s.delay > 0 {
		select {
		case <-time.After(s.delay):
		case <-ctx.Done():
			return nil, 0, ctx.Err()
		}
	}
	next := s.pos + 1
	item := s.items[s.pos]
	s.pos = next
	return item, next, nil
}

func (s *pacedSource) Seek(offset int64) error {
	if offset < 0 || offset > int64(len(s.items)) {
		return fmt.Errorf("offset %d out of range of %d items", offset, len(s.items))
	}
	s.pos = offset
	return nil
}
