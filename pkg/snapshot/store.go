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

// Package snapshot persists per-worker state snapshots keyed by
// (epoch, worker). A snapshot only counts once the epoch carries a commit
// marker, written after every worker's snapshot write succeeded; recovery
// always starts from the latest committed epoch and ignores anything
// newer.
package snapshot

import (
	"context"
	"fmt"
)

// ErrNotFound is returned when the requested snapshot does not exist.
var ErrNotFound = fmt.Errorf("snapshot not found")

// Snapshot is the durable record one worker writes at an epoch boundary.
type Snapshot struct {
	// Epoch the snapshot belongs to.
	Epoch int64 `json:"epoch"`
	// WorkerID that wrote it.
	WorkerID int32 `json:"workerId"`
	// Sections maps engine section names to their serialized state.
	Sections map[string][]byte `json:"sections"`
	// Offsets maps input source names to the offset to resume from.
	Offsets map[string]int64 `json:"offsets"`
}

// Store is the durable backend the epoch coordinator writes snapshots to.
type Store interface {
	// Write persists one worker's snapshot for an epoch. Overwrites any
	// previous write for the same (epoch, worker).
	Write(ctx context.Context, snap *Snapshot) error
	// Commit marks an epoch committed. Called once per epoch, after every
	// worker's Write succeeded.
	Commit(ctx context.Context, epoch int64) error
	// LatestCommitted returns the highest committed epoch. ok is false when
	// no epoch has been committed yet.
	LatestCommitted(ctx context.Context) (epoch int64, ok bool, err error)
	// Read loads one worker's snapshot for an epoch. Returns ErrNotFound
	// when it does not exist.
	Read(ctx context.Context, epoch int64, workerID int32) (*Snapshot, error)
}
