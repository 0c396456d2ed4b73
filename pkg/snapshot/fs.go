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
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/goccy/go-json"
)

const (
	epochDirPrefix = "epoch_"
	commitMarker   = "COMMIT"
)

// fsStore lays snapshots out as
//
//	<dir>/epoch_<epoch>/worker_<id>.snapshot
//	<dir>/epoch_<epoch>/COMMIT
//
// Files are written to a temp name, fsynced, then renamed so a crash mid
// write never leaves a readable half-snapshot; an epoch directory without
// a COMMIT file is invisible to recovery.
type fsStore struct {
	dir string
}

// NewFS returns a filesystem-backed store rooted at dir, creating it if
// needed.
func NewFS(dir string) (Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot dir %q, %w", dir, err)
	}
	return &fsStore{dir: dir}, nil
}

func (s *fsStore) epochDir(epoch int64) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s%d", epochDirPrefix, epoch))
}

func (s *fsStore) snapshotPath(epoch int64, workerID int32) string {
	return filepath.Join(s.epochDir(epoch), fmt.Sprintf("worker_%d.snapshot", workerID))
}

// writeFileDurable writes data to path via a temp file, fsync and rename.
func writeFileDurable(path string, data []byte) error {
	tmp := path + ".tmp"
	fp, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err = fp.Write(data); err != nil {
		_ = fp.Close()
		return err
	}
	if err = fp.Sync(); err != nil {
		_ = fp.Close()
		return err
	}
	if err = fp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *fsStore) Write(_ context.Context, snap *Snapshot) error {
	if err := os.MkdirAll(s.epochDir(snap.Epoch), 0o755); err != nil {
		return fmt.Errorf("failed to create epoch dir for epoch %d, %w", snap.Epoch, err)
	}
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("failed to encode snapshot for epoch %d worker %d, %w", snap.Epoch, snap.WorkerID, err)
	}
	if err := writeFileDurable(s.snapshotPath(snap.Epoch, snap.WorkerID), data); err != nil {
		return fmt.Errorf("failed to write snapshot for epoch %d worker %d, %w", snap.Epoch, snap.WorkerID, err)
	}
	return nil
}

func (s *fsStore) Commit(_ context.Context, epoch int64) error {
	path := filepath.Join(s.epochDir(epoch), commitMarker)
	if err := writeFileDurable(path, []byte(strconv.FormatInt(epoch, 10))); err != nil {
		return fmt.Errorf("failed to write commit marker for epoch %d, %w", epoch, err)
	}
	return nil
}

func (s *fsStore) LatestCommitted(_ context.Context) (int64, bool, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return 0, false, fmt.Errorf("failed to list snapshot dir %q, %w", s.dir, err)
	}
	var latest int64
	var found bool
	for _, entry := range entries {
		if !entry.IsDir() || !strings.HasPrefix(entry.Name(), epochDirPrefix) {
			continue
		}
		epoch, err := strconv.ParseInt(strings.TrimPrefix(entry.Name(), epochDirPrefix), 10, 64)
		if err != nil {
			continue
		}
		if _, err := os.Stat(filepath.Join(s.dir, entry.Name(), commitMarker)); err != nil {
			// uncommitted epoch, a crash happened mid snapshot
			continue
		}
		if !found || epoch > latest {
			latest = epoch
			found = true
		}
	}
	return latest, found, nil
}

func (s *fsStore) Read(_ context.Context, epoch int64, workerID int32) (*Snapshot, error) {
	data, err := os.ReadFile(s.snapshotPath(epoch, workerID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("epoch %d worker %d, %w", epoch, workerID, ErrNotFound)
		}
		return nil, fmt.Errorf("failed to read snapshot for epoch %d worker %d, %w", epoch, workerID, err)
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return nil, fmt.Errorf("failed to decode snapshot for epoch %d worker %d, %w", epoch, workerID, err)
	}
	return &snap, nil
}
