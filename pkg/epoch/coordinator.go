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

// Package epoch implements the checkpoint/recovery protocol. Execution is
// divided into monotonically increasing epochs; at each boundary every
// worker rendezvouses at a barrier, serializes the state of all its
// registered engines plus its input offsets, and persists the result as a
// snapshot. An epoch is committed only when every worker's write
// succeeded, marked by a commit marker written last; recovery restores
// the latest committed epoch wholesale and discards anything newer.
package epoch

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/numaproj/windmill/pkg/shared/logging"
	"github.com/numaproj/windmill/pkg/snapshot"
)

// State is the per-worker epoch state machine position.
type State int32

const (
	// Running means the worker is processing input for the current epoch.
	Running State = iota
	// BarrierWait means the worker announced epoch completion and is
	// blocked until all peers announce it too.
	BarrierWait
	// Snapshotting means the barrier cleared and the worker is persisting
	// its state.
	Snapshotting
)

func (s State) String() string {
	switch s {
	case Running:
		return "Running"
	case BarrierWait:
		return "BarrierWait"
	case Snapshotting:
		return "Snapshotting"
	default:
		return "Unknown"
	}
}

// Snapshotter is a stateful engine whose state is captured at every epoch
// boundary as a named section of the worker snapshot.
type Snapshotter interface {
	// SectionName uniquely identifies the engine within one worker.
	SectionName() string
	// MarshalSection serializes the engine's full state.
	MarshalSection() ([]byte, error)
	// RestoreSection replaces the engine's state with snapshot contents.
	RestoreSection(data []byte) error
}

// Coordinator drives the epoch state machine for one worker.
type Coordinator struct {
	workerID    int32
	workerCount int32
	barrier     Barrier
	store       snapshot.Store
	epoch       atomic.Int64
	state       atomic.Int32
	sections    map[string]Snapshotter
	// sectionOrder keeps snapshot sections in registration order.
	sectionOrder []string
	opts         *options
	log          *zap.SugaredLogger
}

type options struct {
	writeRetries int
	retryBackoff time.Duration
}

// Option customizes a Coordinator.
type Option func(*options)

// WithWriteRetries sets how many times a failed snapshot write is retried
// before the run is halted.
func WithWriteRetries(n int) Option {
	return func(o *options) { o.writeRetries = n }
}

// WithRetryBackoff sets the delay between snapshot write retries.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *options) { o.retryBackoff = d }
}

// NewCoordinator returns a coordinator for the given worker.
func NewCoordinator(workerID, workerCount int32, barrier Barrier, store snapshot.Store, opts ...Option) (*Coordinator, error) {
	if workerCount <= 0 || workerID < 0 || workerID >= workerCount {
		return nil, fmt.Errorf("invalid worker identity %d of %d", workerID, workerCount)
	}
	if barrier == nil || store == nil {
		return nil, fmt.Errorf("coordinator requires a barrier and a snapshot store")
	}
	o := &options{
		writeRetries: 3,
		retryBackoff: 100 * time.Millisecond,
	}
	for _, opt := range opts {
		opt(o)
	}
	return &Coordinator{
		workerID:    workerID,
		workerCount: workerCount,
		barrier:     barrier,
		store:       store,
		sections:    make(map[string]Snapshotter),
		opts:        o,
		log:         logging.NewLogger().Named("epoch").With("worker", workerID),
	}, nil
}

// Register adds a stateful engine to the snapshot set. Section names must
// be unique within a worker.
func (c *Coordinator) Register(s Snapshotter) error {
	name := s.SectionName()
	if _, ok := c.sections[name]; ok {
		return fmt.Errorf("duplicate snapshot section %q", name)
	}
	c.sections[name] = s
	c.sectionOrder = append(c.sectionOrder, name)
	return nil
}

// Epoch returns the current epoch.
func (c *Coordinator) Epoch() int64 {
	return c.epoch.Load()
}

// State returns the current state machine position.
func (c *Coordinator) State() State {
	return State(c.state.Load())
}

// Checkpoint runs one epoch boundary: barrier, snapshot write, write
// barrier, commit marker, epoch advance. offsets are the input source
// resume positions as of the moment all buffered input was processed.
// An unrecoverable write failure is returned as an error and must halt
// the run; skipping it silently would turn into undetectable data loss at
// the next recovery.
func (c *Coordinator) Checkpoint(ctx context.Context, offsets map[string]int64) error {
	epoch := c.epoch.Load()
	worker := strconv.Itoa(int(c.workerID))

	c.state.Store(int32(BarrierWait))
	barrierStart := time.Now()
	if err := c.barrier.Await(ctx, epoch, PhaseComplete); err != nil {
		return fmt.Errorf("barrier wait for epoch %d, %w", epoch, err)
	}
	barrierWaitTime.WithLabelValues(worker).Observe(time.Since(barrierStart).Seconds())

	c.state.Store(int32(Snapshotting))
	snap := &snapshot.Snapshot{
		Epoch:    epoch,
		WorkerID: c.workerID,
		Sections: make(map[string][]byte, len(c.sectionOrder)),
		Offsets:  offsets,
	}
	var merr error
	for _, name := range c.sectionOrder {
		data, err := c.sections[name].MarshalSection()
		if err != nil {
			merr = multierr.Append(merr, err)
			continue
		}
		snap.Sections[name] = data
	}
	if merr != nil {
		snapshotErrorsCount.WithLabelValues(worker, "marshal").Inc()
		return fmt.Errorf("failed to marshal snapshot sections for epoch %d, %w", epoch, merr)
	}

	if err := c.writeWithRetry(ctx, snap); err != nil {
		snapshotErrorsCount.WithLabelValues(worker, "write").Inc()
		return err
	}
	snapshotsWrittenCount.WithLabelValues(worker).Inc()

	// second rendezvous: the commit marker may only appear after every
	// worker's write succeeded
	if err := c.barrier.Await(ctx, epoch, PhaseWritten); err != nil {
		return fmt.Errorf("write barrier for epoch %d, %w", epoch, err)
	}
	if c.workerID == 0 {
		if err := c.commitWithRetry(ctx, epoch); err != nil {
			snapshotErrorsCount.WithLabelValues(worker, "commit").Inc()
			return err
		}
	}

	c.epoch.Store(epoch + 1)
	c.state.Store(int32(Running))
	c.log.Infow("Epoch committed", zap.Int64("epoch", epoch))
	return nil
}

func (c *Coordinator) writeWithRetry(ctx context.Context, snap *snapshot.Snapshot) error {
	var err error
	for attempt := 0; attempt <= c.opts.writeRetries; attempt++ {
		if attempt > 0 {
			c.log.Warnw("Retrying snapshot write", zap.Int64("epoch", snap.Epoch), zap.Int("attempt", attempt), zap.Error(err))
			select {
			case <-time.After(c.opts.retryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = c.store.Write(ctx, snap); err == nil {
			return nil
		}
	}
	return fmt.Errorf("failed to write snapshot for epoch %d after %d attempts, %w", snap.Epoch, c.opts.writeRetries+1, err)
}

func (c *Coordinator) commitWithRetry(ctx context.Context, epoch int64) error {
	var err error
	for attempt := 0; attempt <= c.opts.writeRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-time.After(c.opts.retryBackoff):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
		if err = c.store.Commit(ctx, epoch); err == nil {
			return nil
		}
	}
	return fmt.Errorf("failed to commit epoch %d after %d attempts, %w", epoch, c.opts.writeRetries+1, err)
}

// Recover loads the latest committed snapshot, restores every registered
// engine's section and positions the coordinator at the following epoch.
// It returns the input source offsets to resume from, or nil when there is
// nothing to recover.
func (c *Coordinator) Recover(ctx context.Context) (map[string]int64, error) {
	epoch, ok, err := c.store.LatestCommitted(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to find latest committed epoch, %w", err)
	}
	if !ok {
		return nil, nil
	}
	snap, err := c.store.Read(ctx, epoch, c.workerID)
	if err != nil {
		return nil, fmt.Errorf("failed to load snapshot for committed epoch %d, %w", epoch, err)
	}
	for _, name := range c.sectionOrder {
		data, ok := snap.Sections[name]
		if !ok {
			// engine added after the snapshot was taken, starts empty
			continue
		}
		if err := c.sections[name].RestoreSection(data); err != nil {
			return nil, fmt.Errorf("failed to restore section %q from epoch %d, %w", name, epoch, err)
		}
	}
	c.epoch.Store(epoch + 1)
	c.log.Infow("Recovered from committed epoch", zap.Int64("epoch", epoch))
	return snap.Offsets, nil
}
