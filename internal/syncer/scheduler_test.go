package syncer

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tichaonax/go-sync-infra/internal/storage"
)

func TestSchedulerSyncsDiscoveredPeers(t *testing.T) {
	ctx := context.Background()
	a, b, _, clock := newTestMesh(t)

	event, err := a.engine.RecordLocalEvent(ctx, storage.EventTypeCreate, "employees", "emp-1", []byte(`{}`))
	require.NoError(t, err)
	clock.Advance(time.Second)

	scheduler := NewScheduler(a.engine, 20*time.Millisecond)
	scheduler.Start(ctx)
	defer scheduler.Stop()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if seen, err := b.store.HasEvent(ctx, event.ID); err == nil && seen {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	seen, err := b.store.HasEvent(ctx, event.ID)
	require.NoError(t, err)
	assert.True(t, seen)
	assert.GreaterOrEqual(t, a.engine.GetSyncStats().SyncRounds, 1)
}

func TestSchedulerStopWaitsForLoopExit(t *testing.T) {
	a, _, _, _ := newTestMesh(t)

	scheduler := NewScheduler(a.engine, 10*time.Millisecond)
	scheduler.Start(context.Background())
	time.Sleep(50 * time.Millisecond)
	scheduler.Stop()

	rounds := a.engine.GetSyncStats().SyncRounds
	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, rounds, a.engine.GetSyncStats().SyncRounds, "no rounds run after stop")
}
