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
)

// The reduce snapshot section captures, per key, the open windows with
// their accumulators and boundary bookkeeping plus the max-closed id, so
// that the late-item rule and the monotonic-close order survive recovery.

type windowSnapshot struct {
	ID         int64  `json:"id"`
	Start      int64  `json:"start"`
	End        int64  `json:"end"`
	ExceededAt int64  `json:"exceededAt,omitempty"`
	State      []byte `json:"state"`
}

type keySnapshot struct {
	Key          string           `json:"key"`
	HasClosed    bool             `json:"hasClosed,omitempty"`
	MaxClosed    int64            `json:"maxClosed,omitempty"`
	MaxEventTime int64            `json:"maxEventTime,omitempty"`
	ObservedAt   int64            `json:"observedAt,omitempty"`
	Open         []windowSnapshot `json:"open"`
}

type sectionSnapshot struct {
	Keys []keySnapshot `json:"keys"`
}

// SectionName identifies this engine's section within a worker snapshot.
func (r *Reducer) SectionName() string {
	return "reduce/" + r.name
}

// MarshalSection serializes the full window state store.
func (r *Reducer) MarshalSection() ([]byte, error) {
	section := sectionSnapshot{Keys: make([]keySnapshot, 0, len(r.keyOrder))}
	for _, key := range r.keyOrder {
		ks := r.keys[key]
		snap := keySnapshot{
			Key:       key,
			HasClosed: ks.hasClosed,
			MaxClosed: ks.maxClosed,
			Open:      make([]windowSnapshot, 0, len(ks.open)),
		}
		if !ks.maxEventTime.IsZero() {
			snap.MaxEventTime = ks.maxEventTime.UnixNano()
			snap.ObservedAt = ks.observedAt.UnixNano()
		}
		for _, ow := range ks.open {
			state, err := r.op.MarshalState(ow.acc)
			if err != nil {
				return nil, fmt.Errorf("operator %q, failed to marshal accumulator for key %q window %d, %w", r.name, key, ow.win.ID, err)
			}
			ws := windowSnapshot{
				ID:    ow.win.ID,
				Start: ow.win.Start.UnixNano(),
				End:   ow.win.End.UnixNano(),
				State: state,
			}
			if !ow.exceededAt.IsZero() {
				ws.ExceededAt = ow.exceededAt.UnixNano()
			}
			snap.Open = append(snap.Open, ws)
		}
		section.Keys = append(section.Keys, snap)
	}
	return json.Marshal(section)
}

// RestoreSection replaces the engine's state with the snapshot contents.
func (r *Reducer) RestoreSection(data []byte) error {
	var section sectionSnapshot
	if err := json.Unmarshal(data, &section); err != nil {
		return fmt.Errorf("operator %q, failed to decode snapshot section, %w", r.name, err)
	}
	r.keys = make(map[string]*keyState, len(section.Keys))
	r.keyOrder = r.keyOrder[:0]
	for _, snap := range section.Keys {
		ks := &keyState{
			maxClosed: snap.MaxClosed,
			hasClosed: snap.HasClosed,
		}
		if snap.MaxEventTime != 0 {
			ks.maxEventTime = time.Unix(0, snap.MaxEventTime)
			ks.observedAt = time.Unix(0, snap.ObservedAt)
		}
		for _, ws := range snap.Open {
			acc, err := r.op.UnmarshalState(ws.State)
			if err != nil {
				return fmt.Errorf("operator %q, failed to restore accumulator for key %q window %d, %w", r.name, snap.Key, ws.ID, err)
			}
			ow := &openWindow{acc: acc}
			ow.win.ID = ws.ID
			ow.win.Start = time.Unix(0, ws.Start)
			ow.win.End = time.Unix(0, ws.End)
			if ws.ExceededAt != 0 {
				ow.exceededAt = time.Unix(0, ws.ExceededAt)
			}
			ks.open = append(ks.open, ow)
		}
		r.keys[snap.Key] = ks
		r.keyOrder = append(r.keyOrder, snap.Key)
	}
	openWindowsGauge.WithLabelValues(r.name).Set(float64(r.openCount()))
	return nil
}
