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

package exchange

import (
	"context"
	"fmt"
	"strconv"
	"sync"

	"github.com/numaproj/windmill/pkg/epoch"
	"github.com/numaproj/windmill/pkg/wire"
)

// InProcNetwork connects workers running in the same process with one
// bounded channel per worker. A writer to a full channel blocks until the
// owner drains it or the write context is cancelled. Items and control
// signals share the channel, which is what gives control deliveries their
// ordering guarantee relative to items from the same sender.
type InProcNetwork struct {
	workerCount int32
	chans       []chan *Delivery
	barrier     epoch.Barrier
	closeOnce   sync.Once
}

// NewInProcNetwork returns a network for workerCount workers, each with an
// inbound buffer of bufferSize deliveries.
func NewInProcNetwork(workerCount int32, bufferSize int) (*InProcNetwork, error) {
	if workerCount <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", workerCount)
	}
	if bufferSize <= 0 {
		return nil, fmt.Errorf("buffer size must be positive, got %d", bufferSize)
	}
	chans := make([]chan *Delivery, workerCount)
	for i := range chans {
		chans[i] = make(chan *Delivery, bufferSize)
	}
	return &InProcNetwork{
		workerCount: workerCount,
		chans:       chans,
		barrier:     epoch.NewLocalBarrier(workerCount),
	}, nil
}

// Barrier returns the epoch barrier shared by all workers on this network.
func (n *InProcNetwork) Barrier() epoch.Barrier {
	return n.barrier
}

// Endpoint returns worker workerID's view of the network.
func (n *InProcNetwork) Endpoint(workerID int32) (*InProcEndpoint, error) {
	if workerID < 0 || workerID >= n.workerCount {
		return nil, fmt.Errorf("invalid worker id %d of %d", workerID, n.workerCount)
	}
	return &InProcEndpoint{net: n, workerID: workerID}, nil
}

// Close closes every worker's inbound channel. Call only after all writers
// have stopped.
func (n *InProcNetwork) Close() {
	n.closeOnce.Do(func() {
		for _, ch := range n.chans {
			close(ch)
		}
	})
}

// InProcEndpoint is one worker's Writer and Reader on an InProcNetwork.
type InProcEndpoint struct {
	net      *InProcNetwork
	workerID int32
}

var _ Writer = (*InProcEndpoint)(nil)
var _ Reader = (*InProcEndpoint)(nil)

func (e *InProcEndpoint) Write(ctx context.Context, to int32, item *wire.Item) error {
	if to < 0 || to >= e.net.workerCount {
		return fmt.Errorf("invalid destination worker %d of %d", to, e.net.workerCount)
	}
	select {
	case e.net.chans[to] <- &Delivery{Item: item, From: e.workerID, Kind: KindItem}:
		itemsSentCount.WithLabelValues(strconv.Itoa(int(e.workerID))).Inc()
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (e *InProcEndpoint) WriteMarker(ctx context.Context, epoch int64) error {
	return e.broadcast(ctx, &Delivery{From: e.workerID, Epoch: epoch, Kind: KindMarker})
}

func (e *InProcEndpoint) WriteEOF(ctx context.Context) error {
	return e.broadcast(ctx, &Delivery{From: e.workerID, Kind: KindEOF})
}

func (e *InProcEndpoint) broadcast(ctx context.Context, d *Delivery) error {
	for to := int32(0); to < e.net.workerCount; to++ {
		if to == e.workerID {
			continue
		}
		select {
		case e.net.chans[to] <- d:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}

func (e *InProcEndpoint) Inbound() <-chan *Delivery {
	return e.net.chans[e.workerID]
}

// Close is a no-op; the shared channels are owned by the network.
func (e *InProcEndpoint) Close() error {
	return nil
}
