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
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/numaproj/windmill/pkg/epoch"
	"github.com/numaproj/windmill/pkg/shared/logging"
	"github.com/numaproj/windmill/pkg/wire"
)

// Frame discriminators for messages on an exchange subject. Items carry
// the codec payload after the frame byte; control frames carry a JSON
// envelope.
const (
	frameItem byte = 0x00
	frameCtrl byte = 0x01
)

// ctrlEnvelope is the wire form of marker and EOF deliveries.
type ctrlEnvelope struct {
	From  int32 `json:"from"`
	Epoch int64 `json:"epoch,omitempty"`
	EOF   bool  `json:"eof,omitempty"`
}

// NatsTransport exchanges items and control signals between workers in
// different processes over core NATS. Each worker subscribes to its own
// subject <prefix>.exchange.<workerID>; items are encoded with the given
// codec. A single sender's publishes are delivered in order, so a
// receiver holding a sender's epoch marker has already received every
// item the sender routed for that epoch; the lost-on-crash window is
// closed by that alignment, not by the transport itself.
type NatsTransport struct {
	nc          *nats.Conn
	codec       wire.Codec
	prefix      string
	workerID    int32
	workerCount int32
	inbound     chan *Delivery
	sub         *nats.Subscription
	once        sync.Once
	log         *zap.SugaredLogger
}

var _ Writer = (*NatsTransport)(nil)
var _ Reader = (*NatsTransport)(nil)

// NewNatsTransport subscribes workerID's inbound subject and returns the
// transport. bufferSize bounds the inbound buffer; when it is full the
// subscription callback blocks, pushing backpressure into NATS flow
// control.
func NewNatsTransport(nc *nats.Conn, codec wire.Codec, prefix string, workerID, workerCount int32, bufferSize int) (*NatsTransport, error) {
	if nc == nil || codec == nil {
		return nil, fmt.Errorf("nats transport requires a connection and a codec")
	}
	if prefix == "" || strings.ContainsAny(prefix, " .*>") {
		return nil, fmt.Errorf("invalid subject prefix %q", prefix)
	}
	if workerCount <= 0 || workerID < 0 || workerID >= workerCount {
		return nil, fmt.Errorf("invalid worker identity %d of %d", workerID, workerCount)
	}
	if bufferSize <= 0 {
		return nil, fmt.Errorf("buffer size must be positive, got %d", bufferSize)
	}
	t := &NatsTransport{
		nc:          nc,
		codec:       codec,
		prefix:      prefix,
		workerID:    workerID,
		workerCount: workerCount,
		inbound:     make(chan *Delivery, bufferSize),
		log:         logging.NewLogger().Named("exchange").With("worker", workerID),
	}
	sub, err := nc.Subscribe(t.subject(workerID), t.onMessage)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe %q, %w", t.subject(workerID), err)
	}
	t.sub = sub
	return t, nil
}

func (t *NatsTransport) subject(workerID int32) string {
	return fmt.Sprintf("%s.exchange.%d", t.prefix, workerID)
}

func (t *NatsTransport) onMessage(msg *nats.Msg) {
	if len(msg.Data) == 0 {
		t.dropUndecodable(msg, fmt.Errorf("empty message"))
		return
	}
	switch msg.Data[0] {
	case frameItem:
		item, err := t.codec.Unmarshal(msg.Data[1:])
		if err != nil {
			t.dropUndecodable(msg, err)
			return
		}
		t.inbound <- &Delivery{Item: item, Kind: KindItem}
	case frameCtrl:
		var env ctrlEnvelope
		if err := json.Unmarshal(msg.Data[1:], &env); err != nil {
			t.dropUndecodable(msg, err)
			return
		}
		d := &Delivery{From: env.From, Epoch: env.Epoch, Kind: KindMarker}
		if env.EOF {
			d.Kind = KindEOF
		}
		t.inbound <- d
	default:
		t.dropUndecodable(msg, fmt.Errorf("unknown frame %#x", msg.Data[0]))
	}
}

// dropUndecodable counts and logs a bad payload; it means a codec or
// frame mismatch across workers and the sender's version is visible in
// the error.
func (t *NatsTransport) dropUndecodable(msg *nats.Msg, err error) {
	decodeErrorsCount.WithLabelValues(strconv.Itoa(int(t.workerID))).Inc()
	t.log.Errorw("Dropping undecodable exchange message", zap.String("subject", msg.Subject), zap.Error(err))
}

func (t *NatsTransport) Write(ctx context.Context, to int32, item *wire.Item) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	data, err := t.codec.Marshal(item)
	if err != nil {
		return fmt.Errorf("failed to encode item for worker %d, %w", to, err)
	}
	if err := t.nc.Publish(t.subject(to), append([]byte{frameItem}, data...)); err != nil {
		return fmt.Errorf("failed to publish item to worker %d, %w", to, err)
	}
	itemsSentCount.WithLabelValues(strconv.Itoa(int(t.workerID))).Inc()
	return nil
}

func (t *NatsTransport) WriteMarker(ctx context.Context, epoch int64) error {
	return t.broadcast(ctx, ctrlEnvelope{From: t.workerID, Epoch: epoch})
}

func (t *NatsTransport) WriteEOF(ctx context.Context) error {
	return t.broadcast(ctx, ctrlEnvelope{From: t.workerID, EOF: true})
}

func (t *NatsTransport) broadcast(ctx context.Context, env ctrlEnvelope) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	body, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("failed to encode control signal, %w", err)
	}
	data := append([]byte{frameCtrl}, body...)
	for to := int32(0); to < t.workerCount; to++ {
		if to == t.workerID {
			continue
		}
		if err := t.nc.Publish(t.subject(to), data); err != nil {
			return fmt.Errorf("failed to publish control signal to worker %d, %w", to, err)
		}
	}
	return t.nc.Flush()
}

func (t *NatsTransport) Inbound() <-chan *Delivery {
	return t.inbound
}

// Close drains the subscription and closes the inbound channel. Messages
// published after Close are lost.
func (t *NatsTransport) Close() error {
	var err error
	t.once.Do(func() {
		err = t.sub.Unsubscribe()
		close(t.inbound)
	})
	return err
}

// natsBarrier implements the epoch barrier over NATS. Every worker
// subscribes to <prefix>.barrier and announces its own arrivals on the
// same subject; the barrier releases when announcements from all distinct
// workers for an (epoch, phase) pair have been seen. Announcements are
// republished periodically while waiting so that a worker whose
// subscription came up late still observes every peer.
type natsBarrier struct {
	nc          *nats.Conn
	subject     string
	workerID    int32
	workerCount int32
	reannounce  time.Duration

	mu   sync.Mutex
	gens map[string]*barrierGen
	sub  *nats.Subscription
	log  *zap.SugaredLogger
}

type barrierGen struct {
	seen map[int32]struct{}
	done chan struct{}
}

// NewNatsBarrier subscribes the barrier subject and returns a Barrier for
// this worker. All workers of the cluster must use the same prefix.
func NewNatsBarrier(nc *nats.Conn, prefix string, workerID, workerCount int32) (epoch.Barrier, error) {
	if nc == nil {
		return nil, fmt.Errorf("nats barrier requires a connection")
	}
	if workerCount <= 0 || workerID < 0 || workerID >= workerCount {
		return nil, fmt.Errorf("invalid worker identity %d of %d", workerID, workerCount)
	}
	b := &natsBarrier{
		nc:          nc,
		subject:     prefix + ".barrier",
		workerID:    workerID,
		workerCount: workerCount,
		reannounce:  time.Second,
		gens:        make(map[string]*barrierGen),
		log:         logging.NewLogger().Named("barrier").With("worker", workerID),
	}
	sub, err := nc.Subscribe(b.subject, b.onAnnounce)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe %q, %w", b.subject, err)
	}
	b.sub = sub
	return b, nil
}

// announcement payload: "<epoch>:<phase>:<workerID>"
func (b *natsBarrier) onAnnounce(msg *nats.Msg) {
	parts := strings.Split(string(msg.Data), ":")
	if len(parts) != 3 {
		b.log.Warnw("Ignoring malformed barrier announcement", zap.String("payload", string(msg.Data)))
		return
	}
	worker, err := strconv.ParseInt(parts[2], 10, 32)
	if err != nil || worker < 0 || int32(worker) >= b.workerCount {
		b.log.Warnw("Ignoring barrier announcement from unknown worker", zap.String("payload", string(msg.Data)))
		return
	}

	key := parts[0] + ":" + parts[1]
	b.mu.Lock()
	gen := b.gen(key)
	gen.seen[int32(worker)] = struct{}{}
	if len(gen.seen) == int(b.workerCount) {
		select {
		case <-gen.done:
		default:
			close(gen.done)
		}
	}
	b.mu.Unlock()
}

// gen returns the generation for key, creating it if needed. Caller holds
// b.mu.
func (b *natsBarrier) gen(key string) *barrierGen {
	g, ok := b.gens[key]
	if !ok {
		g = &barrierGen{seen: make(map[int32]struct{}), done: make(chan struct{})}
		b.gens[key] = g
	}
	return g
}

func (b *natsBarrier) Await(ctx context.Context, epochNum int64, phase epoch.Phase) error {
	key := fmt.Sprintf("%d:%d", epochNum, phase)
	payload := []byte(fmt.Sprintf("%s:%d", key, b.workerID))

	b.mu.Lock()
	gen := b.gen(key)
	b.mu.Unlock()

	announce := func() error {
		if err := b.nc.Publish(b.subject, payload); err != nil {
			return fmt.Errorf("failed to announce barrier arrival, %w", err)
		}
		return b.nc.Flush()
	}
	if err := announce(); err != nil {
		return err
	}

	ticker := time.NewTicker(b.reannounce)
	defer ticker.Stop()
	for {
		select {
		case <-gen.done:
			b.mu.Lock()
			delete(b.gens, key)
			b.mu.Unlock()
			return nil
		case <-ticker.C:
			if err := announce(); err != nil {
				return err
			}
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}
