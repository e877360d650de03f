package push

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/r3e-audit/forensic-engine/internal/eventbus"
)

type fakeConn struct {
	messages []Message
	writeErr error
	closed   bool
}

func (c *fakeConn) WriteJSON(v any) error {
	if c.writeErr != nil {
		return c.writeErr
	}
	c.messages = append(c.messages, v.(Message))
	return nil
}

func (c *fakeConn) Close() error {
	c.closed = true
	return nil
}

func TestBroadcast_ReachesAllConnections(t *testing.T) {
	h := NewHub(nil)
	a, b := &fakeConn{}, &fakeConn{}
	h.Register(a)
	h.Register(b)

	h.Broadcast(Message{Type: "proactive.alert", Project: "p1"})

	require.Len(t, a.messages, 1)
	require.Len(t, b.messages, 1)
	require.Equal(t, "p1", a.messages[0].Project)
}

func TestBroadcast_DropsFailingConnection(t *testing.T) {
	h := NewHub(nil)
	good := &fakeConn{}
	bad := &fakeConn{writeErr: errors.New("broken pipe")}
	h.Register(good)
	h.Register(bad)

	h.Broadcast(Message{Type: "x"})

	require.Equal(t, 1, h.Count())
	require.True(t, bad.closed)
	require.Len(t, good.messages, 1)
}

func TestUnregister_Idempotent(t *testing.T) {
	h := NewHub(nil)
	c := &fakeConn{}
	h.Register(c)
	h.Unregister(c)
	h.Unregister(c)
	require.Zero(t, h.Count())
}

func TestBindBus_ForwardsAlertEvents(t *testing.T) {
	h := NewHub(nil)
	c := &fakeConn{}
	h.Register(c)

	bus := eventbus.New(nil)
	h.BindBus(bus)

	bus.Publish(eventbus.ProactiveAlert, map[string]any{"alert_type": "high_risk"}, "", "p1")
	bus.Publish(eventbus.DataIngested, nil, "", "p1") // not a bound type

	require.Len(t, c.messages, 1)
	require.Equal(t, string(eventbus.ProactiveAlert), c.messages[0].Type)
}
