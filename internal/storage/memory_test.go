package storage

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testEvent(id, nodeID string, ts time.Time) *SyncEvent {
	return &SyncEvent{
		ID:        id,
		NodeID:    nodeID,
		EventType: EventTypeUpdate,
		TableName: "employees",
		RecordID:  "emp-1",
		Timestamp: ts,
		Data:      []byte(`{"name":"x"}`),
		Hash:      "hash-" + id,
	}
}

func TestAppendEventIdempotent(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	event := testEvent("event-1", "node-a", now)
	require.NoError(t, store.AppendEvent(ctx, event))
	require.NoError(t, store.AppendEvent(ctx, event))

	events, err := store.EventsSince(ctx, time.Time{})
	require.NoError(t, err)
	assert.Len(t, events, 1)

	seen, err := store.HasEvent(ctx, "event-1")
	require.NoError(t, err)
	assert.True(t, seen)
}

func TestLatestEventOrdering(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	newer := testEvent("event-new", "node-a", now.Add(time.Minute))
	older := testEvent("event-old", "node-b", now)

	// arrival order must not matter
	require.NoError(t, store.AppendEvent(ctx, newer))
	require.NoError(t, store.AppendEvent(ctx, older))

	latest, err := store.LatestEventFor(ctx, "employees", "emp-1")
	require.NoError(t, err)
	assert.Equal(t, "event-new", latest.ID)
}

func TestLatestEventTimestampTieBreaksOnNodeID(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	fromA := testEvent("event-a", "node-a", now)
	fromB := testEvent("event-b", "node-b", now)

	require.NoError(t, store.AppendEvent(ctx, fromB))
	require.NoError(t, store.AppendEvent(ctx, fromA))

	latest, err := store.LatestEventFor(ctx, "employees", "emp-1")
	require.NoError(t, err)
	assert.Equal(t, "event-b", latest.ID, "higher node id wins exact timestamp ties")
}

func TestEventsSinceIsStrictlyAfter(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	at := testEvent("event-at", "node-a", now)
	after := testEvent("event-after", "node-a", now.Add(time.Second))
	after.RecordID = "emp-2"

	require.NoError(t, store.AppendEvent(ctx, at))
	require.NoError(t, store.AppendEvent(ctx, after))

	events, err := store.EventsSince(ctx, now)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, "event-after", events[0].ID)
}

func TestEventRetryAndFailure(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	event := testEvent("event-1", "node-a", time.Now().UTC())
	require.NoError(t, store.AppendEvent(ctx, event))

	count, err := store.IncrementEventRetry(ctx, "event-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	count, err = store.IncrementEventRetry(ctx, "event-1")
	require.NoError(t, err)
	assert.Equal(t, 2, count)

	require.NoError(t, store.MarkEventFailed(ctx, "event-1"))
	stored, err := store.GetEvent(ctx, "event-1")
	require.NoError(t, err)
	assert.True(t, stored.Failed)

	_, err = store.IncrementEventRetry(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestSyncCheckpoint(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	last, err := store.GetLastSync(ctx, "node-b")
	require.NoError(t, err)
	assert.True(t, last.IsZero())

	now := time.Now().UTC()
	require.NoError(t, store.SetLastSync(ctx, "node-b", now))

	last, err = store.GetLastSync(ctx, "node-b")
	require.NoError(t, err)
	assert.Equal(t, now, last)
}

func TestListPartitionsFiltersResolved(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	now := time.Now().UTC()

	open := &PartitionInfo{PartitionID: "partition-1", DetectedAt: now}
	resolved := &PartitionInfo{PartitionID: "partition-2", DetectedAt: now.Add(time.Second), IsResolved: true}
	require.NoError(t, store.SavePartition(ctx, open))
	require.NoError(t, store.SavePartition(ctx, resolved))

	active, err := store.ListPartitions(ctx, false)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "partition-1", active[0].PartitionID)

	all, err := store.ListPartitions(ctx, true)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestStoreReturnsCopies(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()

	event := testEvent("event-1", "node-a", time.Now().UTC())
	require.NoError(t, store.AppendEvent(ctx, event))

	got, err := store.GetEvent(ctx, "event-1")
	require.NoError(t, err)
	got.NodeID = "mutated"

	again, err := store.GetEvent(ctx, "event-1")
	require.NoError(t, err)
	assert.Equal(t, "node-a", again.NodeID)
}
