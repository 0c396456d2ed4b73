package shuffle

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShuffle_Deterministic(t *testing.T) {
	s, err := NewShuffle(4)
	require.NoError(t, err)
	for i := 0; i < 100; i++ {
		key := fmt.Sprintf("key-%d", i)
		first := s.WorkerFor(key)
		assert.GreaterOrEqual(t, first, int32(0))
		assert.Less(t, first, int32(4))
		// same key, same worker, every time
		assert.Equal(t, first, s.WorkerFor(key))
	}
}

func TestShuffle_SpreadsKeys(t *testing.T) {
	s, err := NewShuffle(4)
	require.NoError(t, err)
	counts := make(map[int32]int)
	for i := 0; i < 1000; i++ {
		counts[s.WorkerFor(fmt.Sprintf("key-%d", i))]++
	}
	// every worker owns a reasonable share
	for w := int32(0); w < 4; w++ {
		assert.Greater(t, counts[w], 100, "worker %d starved", w)
	}
}

func TestShuffle_CountChangeRemaps(t *testing.T) {
	a, err := NewShuffle(4)
	require.NoError(t, err)
	b, err := NewShuffle(5)
	require.NoError(t, err)
	var moved int
	for i := 0; i < 1000; i++ {
		key := fmt.Sprintf("key-%d", i)
		if a.WorkerFor(key) != b.WorkerFor(key) {
			moved++
		}
	}
	// changing worker count invalidates the partitioning
	assert.Greater(t, moved, 0)
}

func TestShuffle_SingleWorker(t *testing.T) {
	s, err := NewShuffle(1)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		assert.Equal(t, int32(0), s.WorkerFor(fmt.Sprintf("key-%d", i)))
	}
}

func TestNewShuffle_Validation(t *testing.T) {
	_, err := NewShuffle(0)
	assert.Error(t, err)
	_, err = NewShuffle(-3)
	assert.Error(t, err)
}
