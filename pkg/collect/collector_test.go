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

package collect

import (
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/numaproj/windmill/pkg/wire"
)

var baseTime = time.Unix(1651129200, 0).UTC()

func payloads(items []*wire.Item) []string {
	var out []string
	for _, it := range items {
		out = append(out, string(it.Payload))
	}
	return out
}

// Input 0..9 under one key with maxSize=3 must yield [0,1,2], [3,4,5],
// [6,7,8] and, at end of input, [9].
func TestCollector_GoldenScenario(t *testing.T) {
	c, err := NewCollector("golden", 3, time.Hour)
	require.NoError(t, err)

	var batches []*Batch
	for i := 0; i < 10; i++ {
		item := &wire.Item{Key: "k", Payload: []byte(strconv.Itoa(i))}
		batches = append(batches, c.ProcessItem(item, baseTime.Add(time.Duration(i)*time.Millisecond))...)
	}
	batches = append(batches, c.Drain()...)

	require.Len(t, batches, 4)
	assert.Equal(t, []string{"0", "1", "2"}, payloads(batches[0].Items))
	assert.Equal(t, []string{"3", "4", "5"}, payloads(batches[1].Items))
	assert.Equal(t, []string{"6", "7", "8"}, payloads(batches[2].Items))
	assert.Equal(t, []string{"9"}, payloads(batches[3].Items))
	for _, b := range batches {
		assert.Equal(t, "k", b.Key)
		assert.LessOrEqual(t, len(b.Items), 3)
	}
}

func TestCollector_TimeoutFlush(t *testing.T) {
	c, err := NewCollector("timeout", 10, 5*time.Second)
	require.NoError(t, err)

	assert.Empty(t, c.ProcessItem(&wire.Item{Key: "k", Payload: []byte("a")}, baseTime))
	assert.Empty(t, c.ProcessItem(&wire.Item{Key: "k", Payload: []byte("b")}, baseTime.Add(time.Second)))

	// below the timeout nothing flushes
	assert.Empty(t, c.Sweep(baseTime.Add(4*time.Second)))

	batches := c.Sweep(baseTime.Add(5 * time.Second))
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"a", "b"}, payloads(batches[0].Items))

	// the timer restarts with the next first item
	assert.Empty(t, c.ProcessItem(&wire.Item{Key: "k", Payload: []byte("c")}, baseTime.Add(6*time.Second)))
	assert.Empty(t, c.Sweep(baseTime.Add(10*time.Second)))
	batches = c.Sweep(baseTime.Add(11 * time.Second))
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"c"}, payloads(batches[0].Items))
}

func TestCollector_TimeoutOnArrival(t *testing.T) {
	c, err := NewCollector("arrival", 10, 5*time.Second)
	require.NoError(t, err)

	assert.Empty(t, c.ProcessItem(&wire.Item{Key: "k", Payload: []byte("a")}, baseTime))
	// an arrival past the timeout flushes without waiting for a sweep
	batches := c.ProcessItem(&wire.Item{Key: "k", Payload: []byte("b")}, baseTime.Add(6*time.Second))
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"a", "b"}, payloads(batches[0].Items))
}

func TestCollector_PerKeyIsolation(t *testing.T) {
	c, err := NewCollector("keys", 2, time.Hour)
	require.NoError(t, err)

	assert.Empty(t, c.ProcessItem(&wire.Item{Key: "a", Payload: []byte("1")}, baseTime))
	assert.Empty(t, c.ProcessItem(&wire.Item{Key: "b", Payload: []byte("2")}, baseTime))

	batches := c.ProcessItem(&wire.Item{Key: "a", Payload: []byte("3")}, baseTime)
	require.Len(t, batches, 1)
	assert.Equal(t, "a", batches[0].Key)
	assert.Equal(t, []string{"1", "3"}, payloads(batches[0].Items))

	final := c.Drain()
	require.Len(t, final, 1)
	assert.Equal(t, "b", final[0].Key)
}

func TestCollector_SnapshotRestore(t *testing.T) {
	c, err := NewCollector("snap", 3, time.Minute)
	require.NoError(t, err)

	assert.Empty(t, c.ProcessItem(&wire.Item{Key: "a", Payload: []byte("1")}, baseTime))
	assert.Empty(t, c.ProcessItem(&wire.Item{Key: "a", Payload: []byte("2")}, baseTime.Add(time.Second)))
	assert.Empty(t, c.ProcessItem(&wire.Item{Key: "b", Payload: []byte("9")}, baseTime.Add(time.Second)))

	data, err := c.MarshalSection()
	require.NoError(t, err)
	assert.Equal(t, "collect/snap", c.SectionName())

	restored, err := NewCollector("snap", 3, time.Minute)
	require.NoError(t, err)
	require.NoError(t, restored.RestoreSection(data))

	// buffer continues where it left off
	batches := restored.ProcessItem(&wire.Item{Key: "a", Payload: []byte("3")}, baseTime.Add(2*time.Second))
	require.Len(t, batches, 1)
	assert.Equal(t, []string{"1", "2", "3"}, payloads(batches[0].Items))

	// the restored firstAt keeps ticking against the timeout
	batches = restored.Sweep(baseTime.Add(2 * time.Minute))
	require.Len(t, batches, 1)
	assert.Equal(t, "b", batches[0].Key)
}

func TestNewCollector_Validation(t *testing.T) {
	_, err := NewCollector("", 3, time.Second)
	assert.Error(t, err)

	_, err = NewCollector("c", 0, time.Second)
	assert.Error(t, err)

	_, err = NewCollector("c", -1, time.Second)
	assert.Error(t, err)

	_, err = NewCollector("c", 3, 0)
	assert.Error(t, err)

	_, err = NewCollector("c", 3, -time.Second)
	assert.Error(t, err)
}
