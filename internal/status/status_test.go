package status

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatus_JSONShape(t *testing.T) {
	s := Status{Kind: Success, Message: "done", Timestamp: time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)}

	data, err := json.Marshal(s)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status":"success","message":"done","timestamp":"2024-01-02T03:04:05Z"}`, string(data))
}

func TestBroadcaster_FanOut(t *testing.T) {
	b := NewBroadcaster(nil)

	a, cancelA := b.Subscribe(4)
	defer cancelA()

	c, cancelC := b.Subscribe(4)
	defer cancelC()

	b.Publish(Status{Kind: Syncing, Message: "Starting sync"})

	assert.Equal(t, Syncing, (<-a).Kind)
	assert.Equal(t, Syncing, (<-c).Kind)

	last, ok := b.Last()
	require.True(t, ok)
	assert.Equal(t, "Starting sync", last.Message)
}

func TestBroadcaster_SlowSubscriberDoesNotBlock(t *testing.T) {
	b := NewBroadcaster(nil)

	ch, cancel := b.Subscribe(1)
	defer cancel()

	for range 10 {
		b.Publish(Status{Kind: Syncing})
	}

	assert.Len(t, ch, 1)
}

func TestBroadcaster_CancelClosesAndUnregisters(t *testing.T) {
	b := NewBroadcaster(nil)

	ch, cancel := b.Subscribe(1)
	cancel()
	cancel()

	_, open := <-ch
	assert.False(t, open)

	b.Publish(Status{Kind: Error, Message: "boom"})
	assert.Empty(t, b.subs)
}

func TestBroadcaster_LastEmpty(t *testing.T) {
	_, ok := NewBroadcaster(nil).Last()
	assert.False(t, ok)
}
