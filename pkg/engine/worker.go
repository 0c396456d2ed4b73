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

/*
Package engine runs workers. A worker owns one input source and the keys
the shuffle routes to it; items read from the source are processed
locally when owned, handed to the exchange otherwise. The worker loop
multiplexes the source intake, the exchange inbound, the closing sweep
tick and the epoch tick, so timeout-driven windows close and checkpoints
happen even when no input arrives.

Checkpoints align across workers with in-band epoch markers. Before
snapshotting, a worker announces a marker for the epoch to every peer and
keeps consuming its inbound exchange until it holds markers from every
peer; per-sender ordering then guarantees no routed item of the epoch is
still in flight when the snapshot is taken. A worker that receives a
peer's marker for the current epoch joins the checkpoint, so epochs stay
in lockstep without synchronized tickers.

End of input and shutdown are different events. When its own source is
exhausted the worker announces an end-of-input notice, stops initiating
checkpoints, and keeps serving its peers until their notices have all
arrived; only then does it drain the engines so every pending window and
batch is emitted exactly once. Context cancellation stops the loop with
state intact, to be restored from the latest committed snapshot on the
next run.
*/
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/atomic"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/numaproj/windmill/pkg/collect"
	"github.com/numaproj/windmill/pkg/epoch"
	"github.com/numaproj/windmill/pkg/exchange"
	"github.com/numaproj/windmill/pkg/reduce"
	"github.com/numaproj/windmill/pkg/shared/logging"
	"github.com/numaproj/windmill/pkg/shuffle"
	"github.com/numaproj/windmill/pkg/wire"
)

// Worker drives one partition of the dataflow.
type Worker struct {
	workerID int32
	runID    string
	shuffle  *shuffle.Shuffle
	source   Source
	writer   exchange.Writer
	reader   exchange.Reader
	coord    *epoch.Coordinator

	reducer   *reduce.Reducer
	collector *collect.Collector

	// offset is the source resume position after the last handled item.
	// Only the loop stores it, after the item has been processed or
	// routed, so a snapshot's offset never covers an item still in hand.
	offset atomic.Int64

	// markers holds, per epoch, the peers whose marker has arrived.
	markers map[int64]map[int32]struct{}
	// eofPeers holds the peers whose end-of-input notice has arrived.
	eofPeers   map[int32]struct{}
	sourceDone bool
	// eofSent carries the result of this worker's own notice broadcast,
	// which runs concurrently so the loop keeps draining while it sends.
	eofSent chan error

	opts *options
	log  *zap.SugaredLogger
}

// sourceItem pairs an item with the offset to resume from once it has
// been handled.
type sourceItem struct {
	item *wire.Item
	next int64
}

type options struct {
	sweepInterval time.Duration
	epochInterval time.Duration
	drainOnEOF    bool
	resultSink    func(*reduce.Result)
	batchSink     func(*collect.Batch)
}

// Option customizes a Worker.
type Option func(*options)

// WithSweepInterval sets how often the closing predicate is evaluated
// without input arriving.
func WithSweepInterval(d time.Duration) Option {
	return func(o *options) { o.sweepInterval = d }
}

// WithEpochInterval sets how often this worker initiates a checkpoint.
// Zero disables the epoch tick; the worker still joins checkpoints its
// peers initiate.
func WithEpochInterval(d time.Duration) Option {
	return func(o *options) { o.epochInterval = d }
}

// WithDrainOnEOF controls end-of-input behavior. When disabled the worker
// checkpoints its state at EOF instead of draining, so a later run
// resumes with all windows intact. All workers of a cluster must agree on
// this setting.
func WithDrainOnEOF(drain bool) Option {
	return func(o *options) { o.drainOnEOF = drain }
}

// WithResultSink sets the callback receiving every closed window. Called
// from the worker loop, in emission order.
func WithResultSink(sink func(*reduce.Result)) Option {
	return func(o *options) { o.resultSink = sink }
}

// WithBatchSink sets the callback receiving every flushed batch.
func WithBatchSink(sink func(*collect.Batch)) Option {
	return func(o *options) { o.batchSink = sink }
}

// NewWorker wires a worker from its parts. At least one of reducer and
// collector must be non-nil; both are registered as snapshot sections
// with the coordinator.
func NewWorker(workerID int32, sh *shuffle.Shuffle, source Source, writer exchange.Writer, reader exchange.Reader, coord *epoch.Coordinator, reducer *reduce.Reducer, collector *collect.Collector, opts ...Option) (*Worker, error) {
	if sh == nil || source == nil || writer == nil || reader == nil || coord == nil {
		return nil, fmt.Errorf("worker %d requires a shuffle, a source, an exchange and a coordinator", workerID)
	}
	if workerID < 0 || workerID >= sh.WorkerCount() {
		return nil, fmt.Errorf("invalid worker id %d of %d", workerID, sh.WorkerCount())
	}
	if reducer == nil && collector == nil {
		return nil, fmt.Errorf("worker %d requires at least one engine", workerID)
	}
	o := &options{
		sweepInterval: 100 * time.Millisecond,
		epochInterval: 10 * time.Second,
		drainOnEOF:    true,
	}
	for _, opt := range opts {
		opt(o)
	}
	if reducer != nil {
		if err := coord.Register(reducer); err != nil {
			return nil, err
		}
	}
	if collector != nil {
		if err := coord.Register(collector); err != nil {
			return nil, err
		}
	}
	return &Worker{
		workerID:  workerID,
		runID:     uuid.New().String(),
		shuffle:   sh,
		source:    source,
		writer:    writer,
		reader:    reader,
		coord:     coord,
		reducer:   reducer,
		collector: collector,
		opts:      o,
		log:       logging.NewLogger().Named("engine").With("worker", workerID),
	}, nil
}

// RunID identifies this run of the worker. A new id is assigned on every
// construction, including recovery restarts.
func (w *Worker) RunID() string {
	return w.runID
}

// Run recovers from the latest committed snapshot, then processes input
// until the whole cluster's sources are exhausted or ctx is cancelled.
func (w *Worker) Run(ctx context.Context) error {
	offsets, err := w.coord.Recover(ctx)
	if err != nil {
		return err
	}
	if off, ok := offsets[w.source.Name()]; ok {
		if err := w.source.Seek(off); err != nil {
			return fmt.Errorf("failed to seek source to recovered offset, %w", err)
		}
		w.offset.Store(off)
		w.log.Infow("Resuming source from recovered offset", zap.Int64("offset", off))
	}
	w.markers = make(map[int64]map[int32]struct{})
	w.eofPeers = make(map[int32]struct{})
	w.sourceDone = false
	w.eofSent = nil

	intake := make(chan sourceItem)
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		defer close(intake)
		return w.pump(ctx, intake)
	})
	g.Go(func() error {
		return w.loop(ctx, intake)
	})
	return g.Wait()
}

// pump reads the source and hands every item to the loop. Routing and
// offset accounting live in the loop so that a checkpoint observes a
// single consistent cut of engines, offset and outbound items.
func (w *Worker) pump(ctx context.Context, intake chan<- sourceItem) error {
	for {
		item, next, err := w.source.Next(ctx)
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return fmt.Errorf("failed to read source %q, %w", w.source.Name(), err)
		}
		select {
		case intake <- sourceItem{item: item, next: next}:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func (w *Worker) loop(ctx context.Context, intake <-chan sourceItem) error {
	sweep := time.NewTicker(w.opts.sweepInterval)
	defer sweep.Stop()
	var epochC <-chan time.Time
	if w.opts.epochInterval > 0 {
		epochTicker := time.NewTicker(w.opts.epochInterval)
		defer epochTicker.Stop()
		epochC = epochTicker.C
	}

	for {
		select {
		case si, ok := <-intake:
			if !ok {
				w.log.Infow("Source exhausted", zap.Int64("offset", w.offset.Load()))
				w.sourceDone = true
				// the notice send must not stop the loop from draining,
				// or two workers reaching EOF against full buffers would
				// wedge each other
				eofSent := make(chan error, 1)
				w.eofSent = eofSent
				go func() { eofSent <- w.writer.WriteEOF(ctx) }()
				if w.clusterDone() {
					return w.finish(ctx)
				}
				intake = nil
				continue
			}
			if err := w.route(ctx, si); err != nil {
				return err
			}
		case err := <-w.eofSent:
			if err != nil {
				return fmt.Errorf("failed to announce end of input, %w", err)
			}
			w.eofSent = nil
		case d, ok := <-w.reader.Inbound():
			if !ok {
				return fmt.Errorf("exchange closed while running")
			}
			done, err := w.handleDelivery(ctx, d)
			if err != nil {
				return err
			}
			if done {
				return w.finish(ctx)
			}
		case now := <-sweep.C:
			w.sweepEngines(now)
		case <-epochC:
			if w.sourceDone {
				// peers drive the remaining checkpoints via markers
				continue
			}
			if err := w.checkpoint(ctx); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// route processes an owned item locally or hands it to the exchange, then
// advances the resume offset past it.
func (w *Worker) route(ctx context.Context, si sourceItem) error {
	if owner := w.shuffle.WorkerFor(si.item.Key); owner == w.workerID {
		if err := w.process(si.item, time.Now()); err != nil {
			return err
		}
	} else if err := w.writer.Write(ctx, owner, si.item); err != nil {
		return fmt.Errorf("failed to route item to worker %d, %w", owner, err)
	}
	w.offset.Store(si.next)
	return nil
}

// handleDelivery dispatches one inbound exchange event. A marker for the
// current epoch pulls this worker into the peer's checkpoint. The
// returned bool reports whether every source of the cluster is done.
func (w *Worker) handleDelivery(ctx context.Context, d *exchange.Delivery) (bool, error) {
	switch d.Kind {
	case exchange.KindItem:
		return false, w.process(d.Item, time.Now())
	case exchange.KindEOF:
		w.eofPeers[d.From] = struct{}{}
		return w.clusterDone(), nil
	case exchange.KindMarker:
		w.recordMarker(d)
		if d.Epoch == w.coord.Epoch() {
			if err := w.checkpoint(ctx); err != nil {
				return false, err
			}
		}
		return w.clusterDone(), nil
	default:
		return false, fmt.Errorf("unknown delivery kind %v", d.Kind)
	}
}

func (w *Worker) recordMarker(d *exchange.Delivery) {
	if d.Epoch < w.coord.Epoch() {
		// stale marker from an already committed epoch
		return
	}
	seen, ok := w.markers[d.Epoch]
	if !ok {
		seen = make(map[int32]struct{})
		w.markers[d.Epoch] = seen
	}
	seen[d.From] = struct{}{}
}

// markersComplete reports whether every peer's marker for the epoch has
// arrived.
func (w *Worker) markersComplete(epoch int64) bool {
	return len(w.markers[epoch]) == int(w.shuffle.WorkerCount())-1
}

// clusterDone reports whether this worker's source and every peer's
// source are exhausted.
func (w *Worker) clusterDone() bool {
	return w.sourceDone && len(w.eofPeers) == int(w.shuffle.WorkerCount())-1
}

func (w *Worker) process(item *wire.Item, now time.Time) error {
	itemsProcessedCount.WithLabelValues(strconv.Itoa(int(w.workerID))).Inc()
	if w.reducer != nil {
		results, err := w.reducer.ProcessItem(item, now)
		if err != nil {
			return err
		}
		w.emitResults(results)
	}
	if w.collector != nil {
		w.emitBatches(w.collector.ProcessItem(item, now))
	}
	return nil
}

func (w *Worker) sweepEngines(now time.Time) {
	if w.reducer != nil {
		w.emitResults(w.reducer.Sweep(now))
	}
	if w.collector != nil {
		w.emitBatches(w.collector.Sweep(now))
	}
}

// finish handles cluster-wide end of input. Every peer has announced its
// notice; the only deliveries still possible are final-checkpoint markers,
// which the drain records for the checkpoint below to consume.
func (w *Worker) finish(ctx context.Context) error {
	if w.eofSent != nil {
		select {
		case err := <-w.eofSent:
			if err != nil {
				return fmt.Errorf("failed to announce end of input, %w", err)
			}
			w.eofSent = nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := w.drainDelivered(); err != nil {
		return err
	}
	if !w.opts.drainOnEOF {
		// keep the windows; a later run picks them up from the snapshot
		return w.checkpoint(ctx)
	}
	if w.reducer != nil {
		w.emitResults(w.reducer.Drain())
	}
	if w.collector != nil {
		w.emitBatches(w.collector.Drain())
	}
	return nil
}

// checkpoint runs one epoch boundary. With peers present it first aligns
// the exchange on the epoch's markers, so the snapshot includes every
// item routed to this worker during the epoch.
func (w *Worker) checkpoint(ctx context.Context) error {
	epochNum := w.coord.Epoch()
	if w.shuffle.WorkerCount() > 1 {
		if err := w.alignPeers(ctx, epochNum); err != nil {
			return err
		}
	}
	return w.coord.Checkpoint(ctx, map[string]int64{w.source.Name(): w.offset.Load()})
}

// alignPeers sends this worker's marker and consumes the inbound exchange
// until markers from all peers have arrived. The send runs concurrently
// with the drain: two workers flushing full buffers into each other must
// both keep reading while they write.
func (w *Worker) alignPeers(ctx context.Context, epochNum int64) error {
	sendErr := make(chan error, 1)
	go func() {
		sendErr <- w.writer.WriteMarker(ctx, epochNum)
	}()

	sent := false
	for !sent || !w.markersComplete(epochNum) {
		select {
		case err := <-sendErr:
			if err != nil {
				return fmt.Errorf("failed to announce epoch marker, %w", err)
			}
			sent = true
		case d, ok := <-w.reader.Inbound():
			if !ok {
				return fmt.Errorf("exchange closed during epoch alignment")
			}
			switch d.Kind {
			case exchange.KindItem:
				if err := w.process(d.Item, time.Now()); err != nil {
					return err
				}
			case exchange.KindEOF:
				w.eofPeers[d.From] = struct{}{}
			case exchange.KindMarker:
				w.recordMarker(d)
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	delete(w.markers, epochNum)
	return nil
}

// drainDelivered absorbs exchange events already sitting in the inbound
// buffer, without blocking for more. Markers are recorded, never joined;
// a peer's final-checkpoint marker belongs to this worker's own final
// checkpoint, not to a nested one.
func (w *Worker) drainDelivered() error {
	for {
		select {
		case d, ok := <-w.reader.Inbound():
			if !ok {
				return nil
			}
			switch d.Kind {
			case exchange.KindItem:
				if err := w.process(d.Item, time.Now()); err != nil {
					return err
				}
			case exchange.KindEOF:
				w.eofPeers[d.From] = struct{}{}
			case exchange.KindMarker:
				w.recordMarker(d)
			}
		default:
			return nil
		}
	}
}

func (w *Worker) emitResults(results []*reduce.Result) {
	if w.opts.resultSink == nil {
		return
	}
	for _, res := range results {
		w.opts.resultSink(res)
	}
}

func (w *Worker) emitBatches(batches []*collect.Batch) {
	if w.opts.batchSink == nil {
		return
	}
	for _, batch := range batches {
		w.opts.batchSink(batch)
	}
}
