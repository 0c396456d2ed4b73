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

package clock

import (
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/numaproj/windmill/pkg/wire"
)

var baseTime = time.Unix(1651129200, 0).UTC()

func TestSystemClock(t *testing.T) {
	c := NewSystem()
	assert.Equal(t, System, c.Strategy())

	ts, err := c.Timestamp(&wire.Item{Key: "a"}, baseTime)
	assert.NoError(t, err)
	assert.True(t, ts.Equal(baseTime))

	end := baseTime.Add(10 * time.Second)
	assert.False(t, c.ShouldClose(end, end.Add(-time.Nanosecond), time.Time{}))
	assert.True(t, c.ShouldClose(end, end, time.Time{}))
	assert.True(t, c.ShouldClose(end, end.Add(time.Second), time.Time{}))
}

func TestEventClock_Timestamp(t *testing.T) {
	c, err := NewEvent(func(item *wire.Item) (time.Time, error) {
		return baseTime.Add(5 * time.Second), nil
	}, 0)
	assert.NoError(t, err)
	assert.Equal(t, Event, c.Strategy())

	ts, err := c.Timestamp(&wire.Item{Key: "a"}, time.Now())
	assert.NoError(t, err)
	assert.True(t, ts.Equal(baseTime.Add(5*time.Second)))
}

func TestEventClock_ExtractorFailure(t *testing.T) {
	cause := fmt.Errorf("bad payload")
	c, err := NewEvent(func(item *wire.Item) (time.Time, error) {
		return time.Time{}, cause
	}, 0)
	assert.NoError(t, err)

	_, err = c.Timestamp(&wire.Item{Key: "user-7"}, time.Now())
	assert.Error(t, err)
	var tsErr *TimestampError
	assert.ErrorAs(t, err, &tsErr)
	assert.Equal(t, "user-7", tsErr.Key)
	assert.ErrorIs(t, err, cause)
}

func TestEventClock_ShouldClose(t *testing.T) {
	extract := func(item *wire.Item) (time.Time, error) { return baseTime, nil }

	tests := []struct {
		name       string
		wait       time.Duration
		now        time.Time
		exceededAt time.Time
		want       bool
	}{
		{name: "boundary_not_exceeded", wait: 0, now: baseTime.Add(time.Hour), exceededAt: time.Time{}, want: false},
		{name: "zero_wait_closes_immediately", wait: 0, now: baseTime, exceededAt: baseTime, want: true},
		{name: "waiting", wait: 5 * time.Second, now: baseTime.Add(4 * time.Second), exceededAt: baseTime, want: false},
		{name: "wait_elapsed", wait: 5 * time.Second, now: baseTime.Add(5 * time.Second), exceededAt: baseTime, want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c, err := NewEvent(extract, tt.wait)
			assert.NoError(t, err)
			got := c.ShouldClose(baseTime, tt.now, tt.exceededAt)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestEventClock_Validation(t *testing.T) {
	_, err := NewEvent(nil, 0)
	assert.Error(t, err)

	_, err = NewEvent(func(item *wire.Item) (time.Time, error) { return time.Time{}, nil }, -time.Second)
	assert.Error(t, err)
}
