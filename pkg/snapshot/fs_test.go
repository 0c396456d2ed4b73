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

package snapshot

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testSnapshot(epoch int64, workerID int32) *Snapshot {
	return &Snapshot{
		Epoch:    epoch,
		WorkerID: workerID,
		Sections: map[string][]byte{
			"reduce/test": []byte(`{"keys":[]}`),
		},
		Offsets: map[string]int64{"source": 42},
	}
}

func TestFSStore_WriteCommitRead(t *testing.T) {
	ctx := context.Background()
	store, err := NewFS(t.TempDir())
	require.NoError(t, err)

	_, ok, err := store.LatestCommitted(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Write(ctx, testSnapshot(0, 0)))
	require.NoError(t, store.Write(ctx, testSnapshot(0, 1)))
	require.NoError(t, store.Commit(ctx, 0))

	epoch, ok, err := store.LatestCommitted(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(0), epoch)

	snap, err := store.Read(ctx, 0, 1)
	require.NoError(t, err)
	assert.Equal(t, int64(0), snap.Epoch)
	assert.Equal(t, int32(1), snap.WorkerID)
	assert.Equal(t, int64(42), snap.Offsets["source"])
	assert.Equal(t, []byte(`{"keys":[]}`), snap.Sections["reduce/test"])
}

// An epoch whose commit marker was never written must be invisible to
// recovery, no matter how many worker snapshots it holds.
func TestFSStore_UncommittedEpochIgnored(t *testing.T) {
	ctx := context.Background()
	store, err := NewFS(t.TempDir())
	require.NoError(t, err)

	require.NoError(t, store.Write(ctx, testSnapshot(0, 0)))
	require.NoError(t, store.Commit(ctx, 0))

	// crash after writing epoch 1's snapshot but before the commit marker
	require.NoError(t, store.Write(ctx, testSnapshot(1, 0)))

	epoch, ok, err := store.LatestCommitted(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(0), epoch)
}

func TestFSStore_LatestOfMany(t *testing.T) {
	ctx := context.Background()
	store, err := NewFS(t.TempDir())
	require.NoError(t, err)

	for epoch := int64(0); epoch < 12; epoch++ {
		require.NoError(t, store.Write(ctx, testSnapshot(epoch, 0)))
		require.NoError(t, store.Commit(ctx, epoch))
	}

	epoch, ok, err := store.LatestCommitted(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, int64(11), epoch)
}

func TestFSStore_ReadMissing(t *testing.T) {
	ctx := context.Background()
	store, err := NewFS(t.TempDir())
	require.NoError(t, err)

	_, err = store.Read(ctx, 7, 0)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFSStore_OverwriteSameEpoch(t *testing.T) {
	ctx := context.Background()
	store, err := NewFS(t.TempDir())
	require.NoError(t, err)

	first := testSnapshot(3, 0)
	require.NoError(t, store.Write(ctx, first))

	second := testSnapshot(3, 0)
	second.Offsets["source"] = 99
	require.NoError(t, store.Write(ctx, second))

	snap, err := store.Read(ctx, 3, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(99), snap.Offsets["source"])
}
