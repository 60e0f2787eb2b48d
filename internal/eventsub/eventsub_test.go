package eventsub

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/go-logr/logr"
	"github.com/hopswrite/writecoord/internal/ackstore"
	"github.com/hopswrite/writecoord/internal/telemetry"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func newTestSubscriber(t *testing.T) (*Subscriber, *ackstore.Store) {
	t.Helper()
	store, err := ackstore.Open("sqlite", "file:"+t.Name()+"?mode=memory")
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.EnsureSchema(context.Background(), 0))

	metrics := telemetry.NewMetrics(prometheus.NewRegistry())
	sub := New(store, logr.Discard(), metrics, WithPollInterval(5*time.Millisecond))
	return sub, store
}

func TestRegisterEventIsIdempotentWithoutRecreate(t *testing.T) {
	es, _ := newTestSubscriber(t)
	created, err := es.RegisterEvent("ack-events-0", "write_acks_deployment0", 0, []string{"namenode_id", "op_id", "acknowledged"}, false)
	require.NoError(t, err)
	require.True(t, created)

	created, err = es.RegisterEvent("ack-events-0", "write_acks_deployment0", 0, nil, false)
	require.NoError(t, err)
	require.False(t, created, "re-registering without recreateIfExisting must reuse the existing descriptor")
}

func TestUnregisterEventRemovesDescriptor(t *testing.T) {
	es, _ := newTestSubscriber(t)
	_, err := es.RegisterEvent("ack-events-0", "write_acks_deployment0", 0, nil, false)
	require.NoError(t, err)

	require.True(t, es.UnregisterEvent("ack-events-0"))
	require.False(t, es.UnregisterEvent("ack-events-0"))
}

func TestListenerReceivesUpdateEventForAckTable(t *testing.T) {
	es, store := newTestSubscriber(t)
	ctx := context.Background()

	_, err := es.RegisterEvent("ack-events-0", "write_acks_deployment0", 0, nil, false)
	require.NoError(t, err)
	require.NoError(t, es.CreateEventOperation(ctx, "ack-events-0"))
	t.Cleanup(func() { _ = es.DropEventOperation("ack-events-0") })

	var received atomic.Int32
	id, err := es.AddListener("ack-events-0", func(ctx context.Context, ev ChangeEvent) error {
		if ev.Kind == KindUpdate {
			received.Add(1)
		}
		return nil
	})
	require.NoError(t, err)
	defer es.RemoveListener("ack-events-0", id)

	require.NoError(t, store.InsertAcks(ctx, 0, []ackstore.PendingAckRow{
		{TargetNodeID: 8, Deployment: 0, OpID: 42, TxStart: time.Now(), LeaderID: 7},
	}))
	require.NoError(t, store.UpdateAck(ctx, 0, 8, 42))

	require.Eventually(t, func() bool { return received.Load() == 1 }, time.Second, 5*time.Millisecond)
}

func TestListenerErrorDoesNotBlockOtherListeners(t *testing.T) {
	es, store := newTestSubscriber(t)
	ctx := context.Background()

	_, err := es.RegisterEvent("ack-events-0", "write_acks_deployment0", 0, nil, false)
	require.NoError(t, err)
	require.NoError(t, es.CreateEventOperation(ctx, "ack-events-0"))
	t.Cleanup(func() { _ = es.DropEventOperation("ack-events-0") })

	var good atomic.Int32
	_, err = es.AddListener("ack-events-0", func(ctx context.Context, ev ChangeEvent) error {
		return assertError
	})
	require.NoError(t, err)
	_, err = es.AddListener("ack-events-0", func(ctx context.Context, ev ChangeEvent) error {
		good.Add(1)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, store.InsertAcks(ctx, 0, []ackstore.PendingAckRow{
		{TargetNodeID: 8, Deployment: 0, OpID: 42, TxStart: time.Now(), LeaderID: 7},
	}))
	require.NoError(t, store.UpdateAck(ctx, 0, 8, 42))

	require.Eventually(t, func() bool { return good.Load() >= 1 }, time.Second, 5*time.Millisecond)
}

func TestOperationRefcountedAcrossMultipleCreators(t *testing.T) {
	es, _ := newTestSubscriber(t)
	ctx := context.Background()
	_, err := es.RegisterEvent("ack-events-0", "write_acks_deployment0", 0, nil, false)
	require.NoError(t, err)

	require.NoError(t, es.CreateEventOperation(ctx, "ack-events-0"))
	require.NoError(t, es.CreateEventOperation(ctx, "ack-events-0"))

	require.NoError(t, es.DropEventOperation("ack-events-0"))
	// Still referenced once more; a second drop stops the reader.
	require.NoError(t, es.DropEventOperation("ack-events-0"))
}

func TestRowsDeliveredInCommitOrderPerKey(t *testing.T) {
	es, store := newTestSubscriber(t)
	ctx := context.Background()
	_, err := es.RegisterEvent("ack-events-0", "write_acks_deployment0", 0, nil, false)
	require.NoError(t, err)
	require.NoError(t, es.CreateEventOperation(ctx, "ack-events-0"))
	t.Cleanup(func() { _ = es.DropEventOperation("ack-events-0") })

	var mu sync.Mutex
	var order []int64
	_, err = es.AddListener("ack-events-0", func(ctx context.Context, ev ChangeEvent) error {
		if opID, ok := ev.Int64("op_id"); ok {
			mu.Lock()
			order = append(order, opID)
			mu.Unlock()
		}
		return nil
	})
	require.NoError(t, err)

	for i := int64(1); i <= 5; i++ {
		require.NoError(t, store.InsertAcks(ctx, 0, []ackstore.PendingAckRow{
			{TargetNodeID: 100 + i, Deployment: 0, OpID: uint64(i), TxStart: time.Now(), LeaderID: 7},
		}))
	}

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(order) == 5
	}, time.Second, 5*time.Millisecond)

	mu.Lock()
	defer mu.Unlock()
	for i := 1; i < len(order); i++ {
		require.LessOrEqual(t, order[i-1], order[i])
	}
}

var assertError = &testOnlyError{"listener intentionally failed"}

type testOnlyError struct{ msg string }

func (e *testOnlyError) Error() string { return e.msg }
