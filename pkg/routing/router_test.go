package routing

import (
	"errors"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/fractree/fractree/pkg/chaos"
	"github.com/fractree/fractree/pkg/message"
	"github.com/fractree/fractree/pkg/tree"
)

// fabric is a four-node test tree: a(b, c) with d under b.
type fabric struct {
	network *Network
	nodes   map[string]*tree.Node
	routers map[string]*Router
}

func newFabric(t *testing.T, cfg Config) *fabric {
	t.Helper()
	f := &fabric{
		network: NewNetwork(nil),
		nodes:   map[string]*tree.Node{},
		routers: map[string]*Router{},
	}
	for _, id := range []string{"a", "b", "c", "d"} {
		n, err := tree.New(id)
		require.NoError(t, err)
		f.nodes[id] = n
	}
	require.NoError(t, f.nodes["a"].AddChild(f.nodes["b"]))
	require.NoError(t, f.nodes["a"].AddChild(f.nodes["c"]))
	require.NoError(t, f.nodes["b"].AddChild(f.nodes["d"]))

	for id, n := range f.nodes {
		cfg := cfg
		cfg.Transport = f.network
		r, err := NewRouter(n, cfg)
		require.NoError(t, err)
		f.network.Register(id, r)
		f.routers[id] = r
	}
	return f
}

func (f *fabric) pump(id string) int { return f.routers[id].ProcessPending() }

func newMsg(t *testing.T, sender, recipient string, opts ...message.Option) *message.Message {
	t.Helper()
	opts = append([]message.Option{message.WithRecipient(recipient)}, opts...)
	m, err := message.New(message.Data, "payload", sender, opts...)
	require.NoError(t, err)
	return m
}

func TestLocalDelivery(t *testing.T) {
	f := newFabric(t, Config{})
	got := 0
	f.routers["a"].RegisterHandler(message.Data, func(*message.Message) error {
		got++
		return nil
	})

	require.True(t, f.routers["a"].Send(newMsg(t, "a", "a")))
	require.Equal(t, 1, f.pump("a"))
	require.Equal(t, 1, got)
}

func TestRouteDownIntoSubtree(t *testing.T) {
	f := newFabric(t, Config{})
	var gotAt []string
	for id, r := range f.routers {
		id := id
		r.RegisterHandler(message.Data, func(*message.Message) error {
			gotAt = append(gotAt, id)
			return nil
		})
	}

	msg := newMsg(t, "a", "d")
	require.True(t, f.routers["a"].Send(msg))
	f.pump("a")

	require.Equal(t, []string{"d"}, gotAt)
	// two forwarding hops: a and b
	require.Equal(t, 1, f.routers["a"].Statistics().MessagesRouted)
	require.Equal(t, 1, f.routers["b"].Statistics().MessagesRouted)
	require.Equal(t, message.DefaultTTL-2, msg.TTL)
}

func TestRouteUpThroughParent(t *testing.T) {
	f := newFabric(t, Config{})
	got := 0
	f.routers["c"].RegisterHandler(message.Data, func(*message.Message) error {
		got++
		return nil
	})

	require.True(t, f.routers["d"].Send(newMsg(t, "d", "c")))
	f.pump("d")

	require.Equal(t, 1, got)
	// d -> b -> a -> c
	require.Equal(t, 1, f.routers["d"].Statistics().MessagesRouted)
	require.Equal(t, 1, f.routers["b"].Statistics().MessagesRouted)
	require.Equal(t, 1, f.routers["a"].Statistics().MessagesRouted)
}

func TestTTLExpiryDropsInTransit(t *testing.T) {
	f := newFabric(t, Config{})
	got := 0
	f.routers["d"].RegisterHandler(message.Data, func(*message.Message) error {
		got++
		return nil
	})

	require.True(t, f.routers["a"].Send(newMsg(t, "a", "d", message.WithTTL(1))))
	before := f.routers["a"].Statistics().MessagesDropped
	f.pump("a")

	require.Equal(t, 0, got)
	require.Equal(t, before+1, f.routers["a"].Statistics().MessagesDropped)
}

func TestUnknownRecipientDroppedAtRoot(t *testing.T) {
	f := newFabric(t, Config{})
	require.True(t, f.routers["d"].Send(newMsg(t, "d", "ghost")))
	f.pump("d")

	// climbs d -> b -> a, then nowhere to go
	require.Equal(t, 1, f.routers["a"].Statistics().MessagesDropped)
}

func TestBroadcastReachesAllDescendants(t *testing.T) {
	f := newFabric(t, Config{})
	got := map[string]int{}
	for id, r := range f.routers {
		id := id
		r.RegisterHandler(message.Data, func(*message.Message) error {
			got[id]++
			return nil
		})
	}

	m, err := message.New(message.Data, "p", "a")
	require.NoError(t, err)
	require.Equal(t, 3, f.routers["a"].Broadcast(m))
	f.pump("a")

	require.Equal(t, map[string]int{"b": 1, "c": 1, "d": 1}, got)
}

func TestSendToChildren(t *testing.T) {
	f := newFabric(t, Config{})
	got := map[string]int{}
	for id, r := range f.routers {
		id := id
		r.RegisterHandler(message.Data, func(*message.Message) error {
			got[id]++
			return nil
		})
	}

	m, err := message.New(message.Data, "p", "a")
	require.NoError(t, err)
	require.Equal(t, 2, f.routers["a"].SendToChildren(m))
	f.pump("a")

	require.Equal(t, map[string]int{"b": 1, "c": 1}, got)
}

func TestSendToParent(t *testing.T) {
	f := newFabric(t, Config{})
	got := 0
	f.routers["a"].RegisterHandler(message.Data, func(*message.Message) error {
		got++
		return nil
	})

	m, err := message.New(message.Data, "p", "b")
	require.NoError(t, err)
	require.True(t, f.routers["b"].SendToParent(m))
	f.pump("b")
	require.Equal(t, 1, got)

	// root has no parent
	m2, err := message.New(message.Data, "p", "a")
	require.NoError(t, err)
	require.False(t, f.routers["a"].SendToParent(m2))
}

func TestStrictPriorityDrainOrder(t *testing.T) {
	f := newFabric(t, Config{})
	var order []message.Priority
	f.routers["a"].RegisterHandler(message.Data, func(m *message.Message) error {
		order = append(order, m.Priority)
		return nil
	})

	for _, p := range []message.Priority{message.Low, message.Normal, message.Critical, message.High} {
		require.True(t, f.routers["a"].Send(newMsg(t, "a", "a", message.WithPriority(p))))
	}
	f.pump("a")

	require.Equal(t, []message.Priority{
		message.Critical, message.High, message.Normal, message.Low,
	}, order)
}

func TestQueueFullDrops(t *testing.T) {
	f := newFabric(t, Config{MaxQueueSize: 2})
	r := f.routers["a"]

	require.True(t, r.Send(newMsg(t, "a", "a")))
	require.True(t, r.Send(newMsg(t, "a", "a")))
	require.False(t, r.Send(newMsg(t, "a", "a")))
	require.Equal(t, 1, r.Statistics().MessagesDropped)

	// separate priority level has its own bound
	require.True(t, r.Send(newMsg(t, "a", "a", message.WithPriority(message.High))))
}

func TestDuplicateDeliverySuppressed(t *testing.T) {
	f := newFabric(t, Config{})
	got := 0
	f.routers["c"].RegisterHandler(message.Data, func(*message.Message) error {
		got++
		return nil
	})

	msg := newMsg(t, "a", "c")
	f.routers["c"].Receive(msg)
	f.routers["c"].Receive(msg.Clone(""))

	require.Equal(t, 1, got)
	require.True(t, f.routers["c"].Seen(msg.ID))
}

func TestAckRoundTrip(t *testing.T) {
	f := newFabric(t, Config{})
	f.routers["c"].RegisterHandler(message.Data, func(*message.Message) error { return nil })

	msg := newMsg(t, "a", "c", message.WithAck())
	require.True(t, f.routers["a"].Send(msg))
	f.pump("a")

	// c queued the ack; pump it back up
	require.Equal(t, 1, f.routers["c"].Statistics().AcksSent)
	f.pump("c")

	stats := f.routers["a"].Statistics()
	require.Equal(t, 1, stats.AcksReceived)
	require.Equal(t, 0, stats.PendingAcks)
}

func TestHandlerErrorProducesErrorResponse(t *testing.T) {
	f := newFabric(t, Config{})
	f.routers["c"].RegisterHandler(message.Data, func(*message.Message) error {
		return errors.New("handler exploded")
	})
	var errPayloads []any
	f.routers["a"].RegisterHandler(message.Error, func(m *message.Message) error {
		errPayloads = append(errPayloads, m.Payload)
		return nil
	})

	require.True(t, f.routers["a"].Send(newMsg(t, "a", "c", message.WithAck())))
	f.pump("a")
	f.pump("c")

	require.Len(t, errPayloads, 1)
}

func TestRegisterHandlerUnregister(t *testing.T) {
	f := newFabric(t, Config{})
	r := f.routers["a"]
	first, second := 0, 0
	unreg := r.RegisterHandler(message.Data, func(*message.Message) error {
		first++
		return nil
	})
	r.RegisterHandler(message.Data, func(*message.Message) error {
		second++
		return nil
	})

	r.Send(newMsg(t, "a", "a"))
	f.pump("a")
	require.Equal(t, 1, first)
	require.Equal(t, 1, second)

	unreg()
	r.Send(newMsg(t, "a", "a"))
	f.pump("a")
	require.Equal(t, 1, first)
	require.Equal(t, 2, second)
}

func TestChaosInterceptionDrops(t *testing.T) {
	injector := chaos.New(nil, nil, rand.New(rand.NewSource(1)))
	require.NoError(t, injector.AddRule("always_timeout", chaos.Rule{
		Type: chaos.NetworkTimeout, Probability: 1.0, Enabled: true,
	}))
	injector.Enable()

	f := newFabric(t, Config{Injector: injector})
	got := 0
	f.routers["c"].RegisterHandler(message.Data, func(*message.Message) error {
		got++
		return nil
	})

	require.True(t, f.routers["a"].Send(newMsg(t, "a", "c")))
	f.pump("a")

	require.Equal(t, 0, got)
	require.Equal(t, 1, f.routers["a"].Statistics().MessagesDropped)
	require.Equal(t, 1, injector.Statistics().TimeoutsInjected)
}

func TestStartStopIdempotent(t *testing.T) {
	f := newFabric(t, Config{})
	r := f.routers["a"]
	r.Start()
	r.Start()
	r.Stop()
	r.Stop()
}

func TestClearStatistics(t *testing.T) {
	f := newFabric(t, Config{})
	r := f.routers["a"]
	r.RegisterHandler(message.Data, func(*message.Message) error { return nil })
	r.Send(newMsg(t, "a", "a"))
	f.pump("a")

	require.NotZero(t, r.Statistics().MessagesSent)
	r.ClearStatistics()
	stats := r.Statistics()
	require.Zero(t, stats.MessagesSent)
	require.Zero(t, stats.MessagesReceived)
}
