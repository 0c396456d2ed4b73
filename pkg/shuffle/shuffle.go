package shuffle

import (
	"fmt"

	"github.com/cespare/xxhash/v2"
)

// Shuffle deterministically routes keys to workers. Each key hashes to
// exactly one worker index, fixed for the dataflow's run; changing the
// worker count changes the mapping and invalidates all partitioned state,
// so it is not supported mid-run.
type Shuffle struct {
	workerCount int32
}

// NewShuffle returns a router over workerCount workers.
func NewShuffle(workerCount int32) (*Shuffle, error) {
	if workerCount <= 0 {
		return nil, fmt.Errorf("worker count must be positive, got %d", workerCount)
	}
	return &Shuffle{workerCount: workerCount}, nil
}

// WorkerFor returns the index of the worker owning the key.
// hash of the key returns a unique hashValue
// mod of hashValue decides which worker it belongs to
func (s *Shuffle) WorkerFor(key string) int32 {
	return int32(xxhash.Sum64String(key) % uint64(s.workerCount))
}

// WorkerCount returns the number of workers keys are routed across.
func (s *Shuffle) WorkerCount() int32 {
	return s.workerCount
}
