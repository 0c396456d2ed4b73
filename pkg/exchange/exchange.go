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
Package exchange moves items between workers. An item that lands on a
worker other than its key's owner is handed to the exchange, which
delivers it to the owner: over a bounded in-process channel when the
workers share a process, over NATS when they do not. Sends are
asynchronous but bounded; a full outbound path blocks the producer
instead of buffering without limit.

Besides items, the exchange carries two in-band control signals, both
relying on per-sender FIFO delivery: epoch markers, which a sender emits
after its last routed item of an epoch so the receiver knows when it has
seen everything the epoch owes it, and end-of-input notices, emitted
after a sender's last routed item ever. A receiver that has a sender's
marker (or notice) in hand has, by channel ordering, already received
every item the sender routed before it.
*/
package exchange

import (
	"context"

	"github.com/numaproj/windmill/pkg/wire"
)

// Kind discriminates inbound deliveries.
type Kind int

const (
	// KindItem is a routed data item.
	KindItem Kind = iota
	// KindMarker is a peer's epoch marker: all of its items for Epoch
	// have been delivered before this.
	KindMarker
	// KindEOF is a peer's end-of-input notice: it will never route
	// another item.
	KindEOF
)

func (k Kind) String() string {
	switch k {
	case KindItem:
		return "Item"
	case KindMarker:
		return "Marker"
	case KindEOF:
		return "EOF"
	default:
		return "Unknown"
	}
}

// Delivery is one inbound exchange event.
type Delivery struct {
	// Item is the routed item, set only when Kind is KindItem.
	Item *wire.Item
	// From is the sending worker, set for control deliveries.
	From int32
	// Epoch is the marker's epoch, set only when Kind is KindMarker.
	Epoch int64
	Kind  Kind
}

// Writer delivers items and control signals to peer workers.
type Writer interface {
	// Write hands the item to worker to. It blocks under backpressure and
	// returns the context error if ctx is done first.
	Write(ctx context.Context, to int32, item *wire.Item) error
	// WriteMarker announces to every peer that the sender has routed its
	// last item belonging to the given epoch.
	WriteMarker(ctx context.Context, epoch int64) error
	// WriteEOF announces to every peer that the sender's input is
	// exhausted and no further items will be routed.
	WriteEOF(ctx context.Context) error
	Close() error
}

// Reader exposes the deliveries routed to this worker.
type Reader interface {
	// Inbound returns the delivery channel. Deliveries from one sender
	// arrive in the order they were written; the channel is closed when
	// the transport shuts down.
	Inbound() <-chan *Delivery
	Close() error
}
