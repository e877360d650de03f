package eventbus

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPublish_DeliversInOrder(t *testing.T) {
	b := New(nil)

	var got []int
	b.Subscribe(DataIngested, func(ev Event) {
		got = append(got, ev.Data["n"].(int))
	})

	for i := 0; i < 10; i++ {
		b.Publish(DataIngested, map[string]any{"n": i}, "", "p1")
	}

	require.Len(t, got, 10)
	for i, n := range got {
		require.Equal(t, i, n)
	}
}

func TestSubscribeAll_ReceivesEveryType(t *testing.T) {
	b := New(nil)

	var types []EventType
	b.SubscribeAll(func(ev Event) { types = append(types, ev.Type) })

	b.Publish(DataIngested, nil, "", "")
	b.Publish(AnomalyDetected, nil, "", "")
	b.Publish(CaseCreated, nil, "", "")

	require.Equal(t, []EventType{DataIngested, AnomalyDetected, CaseCreated}, types)
}

func TestTypedSubscribersRunBeforeGlobal(t *testing.T) {
	b := New(nil)

	var order []string
	b.SubscribeAll(func(Event) { order = append(order, "global") })
	b.Subscribe(DataIngested, func(Event) { order = append(order, "typed") })

	b.Publish(DataIngested, nil, "", "")
	require.Equal(t, []string{"typed", "global"}, order)
}

func TestHandlerPanicDoesNotPropagate(t *testing.T) {
	b := New(nil)

	b.Subscribe(SystemError, func(Event) { panic("handler bug") })
	var delivered bool
	b.Subscribe(SystemError, func(Event) { delivered = true })

	require.NotPanics(t, func() {
		b.Publish(SystemError, nil, "", "")
	})
	require.True(t, delivered)
}

func TestUnsubscribe(t *testing.T) {
	b := New(nil)

	var count int
	id := b.Subscribe(DataIngested, func(Event) { count++ })
	b.Publish(DataIngested, nil, "", "")
	b.Unsubscribe(id)
	b.Publish(DataIngested, nil, "", "")

	require.Equal(t, 1, count)
}

func TestRing_EvictsBeyondCapacity(t *testing.T) {
	b := New(nil)

	for i := 0; i < ringBufferSize+100; i++ {
		b.Publish(DataIngested, map[string]any{"n": i}, "", "")
	}

	recent := b.Recent(RecentFilter{}, ringBufferSize+200)
	require.Len(t, recent, ringBufferSize)
	// Newest first: the last published event leads.
	require.Equal(t, ringBufferSize+99, recent[0].Data["n"])
}

func TestRecent_FiltersAndLimits(t *testing.T) {
	b := New(nil)

	for i := 0; i < 5; i++ {
		b.Publish(DataIngested, map[string]any{"n": i}, "u1", fmt.Sprintf("p%d", i%2))
	}
	b.Publish(AnomalyDetected, nil, "u2", "p0")

	byType := b.Recent(RecentFilter{Type: AnomalyDetected}, 10)
	require.Len(t, byType, 1)

	byProject := b.Recent(RecentFilter{Project: "p1"}, 10)
	require.Len(t, byProject, 2)

	limited := b.Recent(RecentFilter{}, 3)
	require.Len(t, limited, 3)
	require.Equal(t, AnomalyDetected, limited[0].Type)
}

func TestEventCarriesEnvelopeFields(t *testing.T) {
	b := New(nil)

	var got Event
	b.Subscribe(UserLogin, func(ev Event) { got = ev })
	b.Publish(UserLogin, map[string]any{"ip": "10.0.0.1"}, "investigator-1", "p1")

	require.Equal(t, UserLogin, got.Type)
	require.Equal(t, "investigator-1", got.User)
	require.Equal(t, "p1", got.Project)
	require.False(t, got.Timestamp.IsZero())
}
