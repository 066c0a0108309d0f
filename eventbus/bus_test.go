package eventbus

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docforge-labs/docengine/engine/logging"
)

func newTestBus(t *testing.T) *Bus {
	t.Helper()
	bus := NewBus(logging.NewNop(), 128)
	bus.Start()
	t.Cleanup(func() {
		if bus.Running() {
			bus.Stop()
		}
	})
	return bus
}

func waitFor(t *testing.T, timeout time.Duration, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	require.True(t, cond(), "condition not met within %s", timeout)
}

func TestPublishDelivers(t *testing.T) {
	bus := newTestBus(t)

	var count atomic.Int64
	bus.Subscribe("test.event", func(_ context.Context, e *Event) error {
		assert.Equal(t, "v", e.Payload["k"])
		count.Add(1)
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), New("test.event", map[string]any{"k": "v"})))
	waitFor(t, time.Second, func() bool { return count.Load() == 1 })
}

func TestDeliveryOrderPerType(t *testing.T) {
	bus := newTestBus(t)

	var got []int
	done := make(chan struct{})
	bus.Subscribe("ordered", func(_ context.Context, e *Event) error {
		got = append(got, e.Payload["n"].(int))
		if len(got) == 10 {
			close(done)
		}
		return nil
	})

	for i := 0; i < 10; i++ {
		require.NoError(t, bus.Publish(context.Background(), New("ordered", map[string]any{"n": i})))
	}

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("events not delivered")
	}
	for i, n := range got {
		assert.Equal(t, i, n)
	}
}

func TestHandlerErrorIsolation(t *testing.T) {
	bus := newTestBus(t)

	var good atomic.Int64
	bus.Subscribe("e", func(context.Context, *Event) error {
		return errors.New("boom")
	})
	bus.Subscribe("e", func(context.Context, *Event) error {
		good.Add(1)
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), New("e", nil)))
	waitFor(t, time.Second, func() bool { return good.Load() == 1 })

	waitFor(t, time.Second, func() bool { return bus.Metrics().HandlerErrors == 1 })
	assert.Equal(t, int64(1), bus.Metrics().Delivered)
}

func TestHandlerPanicIsolation(t *testing.T) {
	bus := newTestBus(t)

	var after atomic.Int64
	bus.Subscribe("p", func(context.Context, *Event) error { panic("bad handler") })

	require.NoError(t, bus.Publish(context.Background(), New("p", nil)))
	// A second event still flows after the panic.
	bus.Subscribe("q", func(context.Context, *Event) error {
		after.Add(1)
		return nil
	})
	require.NoError(t, bus.Publish(context.Background(), New("q", nil)))
	waitFor(t, time.Second, func() bool { return after.Load() == 1 })
	assert.GreaterOrEqual(t, bus.Metrics().HandlerErrors, int64(1))
}

func TestUnsubscribe(t *testing.T) {
	bus := newTestBus(t)

	var count atomic.Int64
	id := bus.Subscribe("u", func(context.Context, *Event) error {
		count.Add(1)
		return nil
	})
	assert.Equal(t, 1, bus.SubscriberCount("u"))

	assert.True(t, bus.Unsubscribe("u", id))
	assert.False(t, bus.Unsubscribe("u", id), "second unsubscribe should report false")
	assert.Equal(t, 0, bus.SubscriberCount("u"))

	require.NoError(t, bus.Publish(context.Background(), New("u", nil)))
	waitFor(t, time.Second, func() bool { return bus.Metrics().Unhandled == 1 })
	assert.Equal(t, int64(0), count.Load())
}

func TestValidationMiddlewareRejects(t *testing.T) {
	bus := newTestBus(t)
	bus.Use(NewValidationMiddleware())

	err := bus.Publish(context.Background(), &Event{ID: "x", Type: "", Payload: map[string]any{}})
	var verr *ValidationError
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "type", verr.Field)

	err = bus.Publish(context.Background(), &Event{ID: "x", Type: "t", Payload: nil})
	require.ErrorAs(t, err, &verr)
	assert.Equal(t, "payload", verr.Field)
}

func TestFilterMiddlewareDrops(t *testing.T) {
	bus := newTestBus(t)
	bus.Use(NewFilterMiddleware("allowed.event"))

	var count atomic.Int64
	bus.Subscribe("blocked.event", func(context.Context, *Event) error {
		count.Add(1)
		return nil
	})
	bus.Subscribe("allowed.event", func(context.Context, *Event) error {
		count.Add(1)
		return nil
	})

	require.NoError(t, bus.Publish(context.Background(), New("blocked.event", nil)))
	require.NoError(t, bus.Publish(context.Background(), New("allowed.event", nil)))

	waitFor(t, time.Second, func() bool { return count.Load() == 1 })
	assert.Equal(t, int64(1), bus.Metrics().Dropped)
}

func TestMetricsMiddlewareCounts(t *testing.T) {
	bus := newTestBus(t)
	mw := NewMetricsMiddleware()
	bus.Use(mw)

	bus.Subscribe("a", func(context.Context, *Event) error { return nil })
	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(context.Background(), New("a", nil)))
	}
	require.NoError(t, bus.TryPublish(context.Background(), New("b", nil)))

	counts := mw.Counts()
	assert.Equal(t, int64(3), counts["a"])
	assert.Equal(t, int64(1), counts["b"])
}

func TestMiddlewareTransform(t *testing.T) {
	bus := newTestBus(t)
	bus.Use(MiddlewareFunc(func(_ context.Context, e *Event) (*Event, error) {
		e.Payload["stamped"] = true
		return e, nil
	}))

	got := make(chan *Event, 1)
	bus.Subscribe("t", func(_ context.Context, e *Event) error {
		got <- e
		return nil
	})
	require.NoError(t, bus.Publish(context.Background(), New("t", nil)))

	select {
	case e := <-got:
		assert.Equal(t, true, e.Payload["stamped"])
	case <-time.After(time.Second):
		t.Fatal("event not delivered")
	}
}

func TestStopDrainsQueueFirst(t *testing.T) {
	bus := NewBus(logging.NewNop(), 128)
	bus.Start()

	var count atomic.Int64
	bus.Subscribe("d", func(context.Context, *Event) error {
		count.Add(1)
		return nil
	})

	for i := 0; i < 20; i++ {
		require.NoError(t, bus.Publish(context.Background(), New("d", nil)))
	}
	require.NoError(t, bus.Stop())

	assert.Equal(t, int64(20), count.Load(), "queued events must be delivered before shutdown")

	err := bus.Publish(context.Background(), New("d", nil))
	assert.ErrorIs(t, err, ErrBusStopped)
	assert.ErrorIs(t, bus.Stop(), ErrBusStopped)
}

func TestPerTypeMetrics(t *testing.T) {
	bus := newTestBus(t)
	bus.Subscribe("m", func(context.Context, *Event) error { return nil })

	require.NoError(t, bus.Publish(context.Background(), New("m", nil)))
	waitFor(t, time.Second, func() bool { return bus.Metrics().Delivered == 1 })

	snap := bus.Metrics()
	require.Contains(t, snap.PerType, "m")
	assert.Equal(t, int64(1), snap.PerType["m"].Published)
	assert.Equal(t, int64(1), snap.PerType["m"].Delivered)
	assert.False(t, snap.PerType["m"].LastSeen.IsZero())
}

func TestPerHandlerMetrics(t *testing.T) {
	bus := newTestBus(t)
	okID := bus.Subscribe("h", func(context.Context, *Event) error { return nil })
	badID := bus.Subscribe("h", func(context.Context, *Event) error { return errors.New("boom") })

	for i := 0; i < 3; i++ {
		require.NoError(t, bus.Publish(context.Background(), New("h", nil)))
	}
	waitFor(t, time.Second, func() bool { return bus.Metrics().Delivered == 3 })

	snap := bus.Metrics()
	require.Contains(t, snap.PerHandler, okID)
	require.Contains(t, snap.PerHandler, badID)
	assert.Equal(t, int64(3), snap.PerHandler[okID].Success)
	assert.Equal(t, int64(0), snap.PerHandler[okID].Errors)
	assert.Equal(t, int64(3), snap.PerHandler[badID].Errors)
	assert.Equal(t, "h", snap.PerHandler[badID].EventType)
	assert.InDelta(t, 0.5, snap.ErrorRate, 1e-9)
	assert.Greater(t, snap.EventsPerSec, 0.0)
}

func TestSystemStartedDelivered(t *testing.T) {
	bus := newTestBus(t)

	got := make(chan *Event, 1)
	bus.Subscribe(EventSystemStarted, func(_ context.Context, e *Event) error {
		got <- e
		return nil
	})
	require.NoError(t, bus.Publish(context.Background(), New(EventSystemStarted, map[string]any{"pipeline": "docproc"})))

	select {
	case e := <-got:
		assert.Equal(t, "system.started", e.Type)
		assert.Equal(t, "docproc", e.Payload["pipeline"])
	case <-time.After(time.Second):
		t.Fatal("startup event not delivered")
	}
}

func TestEventBuilders(t *testing.T) {
	e := New("x", map[string]any{"a": 1}).
		WithSource("test").
		WithPriority(PriorityImmediate).
		WithCorrelation("run-1").
		WithTrace("trace-1")

	assert.NotEmpty(t, e.ID)
	assert.Equal(t, "test", e.Source)
	assert.Equal(t, PriorityImmediate, e.Priority)
	assert.Equal(t, "run-1", e.CorrelationID)
	assert.Equal(t, []string{"trace-1"}, e.TraceIDs)
	assert.False(t, e.Timestamp.IsZero())

	clone := e.Clone()
	clone.Payload["a"] = 2
	clone.TraceIDs[0] = "tampered"
	assert.Equal(t, 1, e.Payload["a"], "clone must not alias payload")
	assert.Equal(t, "trace-1", e.TraceIDs[0], "clone must not alias trace ids")
}
