package chaos

import (
	"math/rand"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/fractree/fractree/pkg/message"
)

func testInjector(t *testing.T) (*Injector, *clock.Mock) {
	t.Helper()
	mock := clock.NewMock()
	return New(nil, mock, rand.New(rand.NewSource(1))), mock
}

func testMessage(t *testing.T, payload any) *message.Message {
	t.Helper()
	m, err := message.New(message.Data, payload, "a", message.WithRecipient("b"))
	require.NoError(t, err)
	return m
}

func TestDisabledInjectorNeverFires(t *testing.T) {
	in, _ := testInjector(t)
	require.NoError(t, in.AddRule("always", Rule{
		Type: NetworkTimeout, Probability: 1.0, Enabled: true,
	}))

	_, fire := in.ShouldInject(testMessage(t, nil))
	require.False(t, fire)
}

func TestProbabilityBounds(t *testing.T) {
	in, _ := testInjector(t)
	in.Enable()
	require.NoError(t, in.AddRule("always", Rule{
		Type: NetworkTimeout, Probability: 1.0, Enabled: true,
	}))

	ft, fire := in.ShouldInject(testMessage(t, nil))
	require.True(t, fire)
	require.Equal(t, NetworkTimeout, ft)

	in.ClearRules()
	require.NoError(t, in.AddRule("never", Rule{
		Type: NetworkTimeout, Probability: 0.0, Enabled: true,
	}))
	for i := 0; i < 100; i++ {
		_, fire := in.ShouldInject(testMessage(t, nil))
		require.False(t, fire)
	}
}

func TestFirstMatchingRuleWins(t *testing.T) {
	in, _ := testInjector(t)
	in.Enable()
	require.NoError(t, in.AddRule("first", Rule{
		Type: ConnectionLost, Probability: 1.0, Enabled: true,
	}))
	require.NoError(t, in.AddRule("second", Rule{
		Type: NetworkTimeout, Probability: 1.0, Enabled: true,
	}))

	ft, fire := in.ShouldInject(testMessage(t, nil))
	require.True(t, fire)
	require.Equal(t, ConnectionLost, ft)
}

func TestDisabledRuleSkipped(t *testing.T) {
	in, _ := testInjector(t)
	in.Enable()
	require.NoError(t, in.AddRule("off", Rule{
		Type: ConnectionLost, Probability: 1.0, Enabled: false,
	}))
	require.NoError(t, in.AddRule("on", Rule{
		Type: NetworkTimeout, Probability: 1.0, Enabled: true,
	}))

	ft, fire := in.ShouldInject(testMessage(t, nil))
	require.True(t, fire)
	require.Equal(t, NetworkTimeout, ft)
}

func TestTargetPattern(t *testing.T) {
	in, _ := testInjector(t)
	in.Enable()
	require.NoError(t, in.AddRule("targeted", Rule{
		Type: NetworkTimeout, Probability: 1.0, TargetPattern: "poison", Enabled: true,
	}))

	_, fire := in.ShouldInject(testMessage(t, "ordinary"))
	require.False(t, fire)

	_, fire = in.ShouldInject(testMessage(t, "poison pill"))
	require.True(t, fire)
}

func TestAddRuleRejectsBadPattern(t *testing.T) {
	in, _ := testInjector(t)
	require.Error(t, in.AddRule("bad", Rule{
		Type: NetworkTimeout, Probability: 1.0, TargetPattern: "(", Enabled: true,
	}))
}

func TestInjectTimeoutDropsMessage(t *testing.T) {
	in, _ := testInjector(t)
	require.True(t, in.Inject(testMessage(t, nil), NetworkTimeout))
	require.True(t, in.Inject(testMessage(t, nil), ConnectionLost))
}

func TestInjectCorruptionMarksPayload(t *testing.T) {
	in, _ := testInjector(t)

	msg := testMessage(t, map[string]any{"k": "v"})
	require.False(t, in.Inject(msg, MessageCorruption))
	payload := msg.Payload.(map[string]any)
	require.Equal(t, true, payload[CorruptionMarker])

	// non-map payloads get the marker in metadata
	scalar := testMessage(t, "text")
	require.False(t, in.Inject(scalar, MessageCorruption))
	require.Equal(t, true, scalar.Metadata[CorruptionMarker])
}

func TestInjectDuplicateQueuesCopy(t *testing.T) {
	in, _ := testInjector(t)
	msg := testMessage(t, nil)

	require.False(t, in.Inject(msg, DuplicateDelivery))

	dups := in.DuplicateMessages()
	require.Len(t, dups, 1)
	require.Equal(t, msg.ID, dups[0].ID)
	require.Empty(t, in.DuplicateMessages())
}

func TestInjectOutOfOrderHoldsMessage(t *testing.T) {
	in, mock := testInjector(t)
	msg := testMessage(t, nil)

	require.True(t, in.Inject(msg, OutOfOrder))
	require.Empty(t, in.ProcessDelayed())

	// hold time is drawn from [500ms, 2s]
	mock.Add(2 * time.Second)
	released := in.ProcessDelayed()
	require.Len(t, released, 1)
	require.Equal(t, msg.ID, released[0].ID)
}

func TestInjectSlowResponseDelays(t *testing.T) {
	in := New(nil, clock.New(), rand.New(rand.NewSource(1)))
	require.NoError(t, in.AddRule("slow", Rule{
		Type: SlowResponse, Probability: 1.0,
		DelayMin: time.Millisecond, DelayMax: 2 * time.Millisecond,
		Enabled: true,
	}))

	start := time.Now()
	require.False(t, in.Inject(testMessage(t, nil), SlowResponse))
	require.GreaterOrEqual(t, time.Since(start), time.Millisecond)
	require.Equal(t, 1, in.Statistics().DelaysInjected)
}

func TestAddRuleReplacesInPlace(t *testing.T) {
	in, _ := testInjector(t)
	in.Enable()
	require.NoError(t, in.AddRule("r", Rule{Type: ConnectionLost, Probability: 1.0, Enabled: true}))
	require.NoError(t, in.AddRule("other", Rule{Type: NetworkTimeout, Probability: 1.0, Enabled: true}))
	require.NoError(t, in.AddRule("r", Rule{Type: SlowResponse, Probability: 0.0, Enabled: true}))
	require.Equal(t, 2, in.RuleCount())

	// replaced rule kept its position; its 0 probability lets the
	// second rule fire
	ft, fire := in.ShouldInject(testMessage(t, nil))
	require.True(t, fire)
	require.Equal(t, NetworkTimeout, ft)
}

func TestChaosModeProfile(t *testing.T) {
	in, _ := testInjector(t)
	in.ChaosMode()
	require.Equal(t, 4, in.RuleCount())

	want := map[string]struct {
		ft   FailureType
		prob float64
	}{
		"chaos_timeout":    {NetworkTimeout, 0.10},
		"chaos_corruption": {MessageCorruption, 0.05},
		"chaos_slow":       {SlowResponse, 0.15},
		"chaos_duplicate":  {DuplicateDelivery, 0.08},
	}
	for name, exp := range want {
		rule, ok := in.RuleByName(name)
		require.True(t, ok, name)
		require.Equal(t, exp.ft, rule.Type)
		require.Equal(t, exp.prob, rule.Probability)
		require.True(t, rule.Enabled)
	}
}

func TestNetworkPartitionModeProfile(t *testing.T) {
	in, _ := testInjector(t)
	in.NetworkPartitionMode()
	require.Equal(t, 2, in.RuleCount())

	rule, ok := in.RuleByName("partition_timeout")
	require.True(t, ok)
	require.Equal(t, 0.80, rule.Probability)

	rule, ok = in.RuleByName("partition_connection")
	require.True(t, ok)
	require.Equal(t, 0.30, rule.Probability)
}

func TestStatisticsAndReset(t *testing.T) {
	in, _ := testInjector(t)
	in.Enable()
	require.NoError(t, in.AddRule("always", Rule{
		Type: NetworkTimeout, Probability: 1.0, Enabled: true,
	}))

	msg := testMessage(t, nil)
	ft, fire := in.ShouldInject(msg)
	require.True(t, fire)
	in.Inject(msg, ft)

	stats := in.Statistics()
	require.Equal(t, 1, stats.FailuresInjected)
	require.Equal(t, 1, stats.TimeoutsInjected)
	require.True(t, stats.Enabled)
	require.Equal(t, 1, stats.ActiveRules)

	in.ResetStatistics()
	stats = in.Statistics()
	require.Zero(t, stats.FailuresInjected)
	require.Zero(t, stats.TimeoutsInjected)
}
