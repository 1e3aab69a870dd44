package tracking

import (
	"fmt"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/stretchr/testify/require"

	"github.com/fractree/fractree/pkg/message"
)

func testMessage(t *testing.T, recipient string) *message.Message {
	t.Helper()
	m, err := message.New(message.Data, "p", "sender", message.WithRecipient(recipient))
	require.NoError(t, err)
	return m
}

func TestStartDelivery(t *testing.T) {
	mock := clock.NewMock()
	tr := New(0, mock)
	msg := testMessage(t, "b")

	tr.StartDelivery("t1", msg)

	status, ok := tr.Status("t1")
	require.True(t, ok)
	require.Equal(t, Pending, status)

	rec, ok := tr.Record("t1")
	require.True(t, ok)
	require.Equal(t, msg.ID, rec.MessageID)
	require.Equal(t, "b", rec.RecipientID)
	require.Equal(t, 0, rec.AttemptCount)
}

func TestMarkDelivered(t *testing.T) {
	mock := clock.NewMock()
	tr := New(0, mock)
	tr.StartDelivery("t1", testMessage(t, "b"))

	mock.Add(250 * time.Millisecond)
	require.True(t, tr.MarkDelivered("t1"))

	status, _ := tr.Status("t1")
	require.Equal(t, Delivered, status)

	stats := tr.Statistics()
	require.Equal(t, 1, stats.SuccessfulDeliveries)
	require.Equal(t, 250*time.Millisecond, stats.AverageDeliveryTime)
}

func TestTerminalRecordsStayTerminal(t *testing.T) {
	tr := New(0, clock.NewMock())
	tr.StartDelivery("t1", testMessage(t, "b"))

	require.True(t, tr.MarkDelivered("t1"))
	require.False(t, tr.MarkDelivered("t1"))
	require.False(t, tr.MarkFailed("t1", "late failure"))
	require.False(t, tr.MarkExpired("t1"))

	stats := tr.Statistics()
	require.Equal(t, 1, stats.SuccessfulDeliveries)
	require.Equal(t, 0, stats.FailedDeliveries)
	require.Equal(t, 0, stats.ExpiredDeliveries)
}

func TestMarkUnknown(t *testing.T) {
	tr := New(0, clock.NewMock())
	require.False(t, tr.MarkDelivered("missing"))
	require.False(t, tr.MarkFailed("missing", "x"))
	require.False(t, tr.MarkExpired("missing"))
}

func TestMarkFailedKeepsReason(t *testing.T) {
	tr := New(0, clock.NewMock())
	tr.StartDelivery("t1", testMessage(t, "b"))

	require.True(t, tr.MarkFailed("t1", "no ack"))
	rec, ok := tr.Record("t1")
	require.True(t, ok)
	require.Equal(t, Failed, rec.Status)
	require.Equal(t, "no ack", rec.FailureReason)
}

func TestUpdateAttempt(t *testing.T) {
	mock := clock.NewMock()
	tr := New(0, mock)
	tr.StartDelivery("t1", testMessage(t, "b"))

	tr.UpdateAttempt("t1")
	mock.Add(time.Second)
	tr.UpdateAttempt("t1")

	rec, _ := tr.Record("t1")
	require.Equal(t, 2, rec.AttemptCount)
	require.Equal(t, mock.Now(), rec.LastAttempt)
}

func TestSuccessRate(t *testing.T) {
	tr := New(0, clock.NewMock())
	for i := 0; i < 5; i++ {
		tr.StartDelivery(fmt.Sprintf("t%d", i), testMessage(t, "b"))
	}
	tr.MarkDelivered("t0")
	tr.MarkDelivered("t1")
	tr.MarkFailed("t2", "x")
	tr.MarkExpired("t3")

	stats := tr.Statistics()
	require.Equal(t, 5, stats.TotalDeliveries)
	require.Equal(t, 40.0, stats.SuccessRate)
	require.Equal(t, 1, stats.PendingDeliveries)
}

func TestPendingAndFailedViews(t *testing.T) {
	tr := New(0, clock.NewMock())
	tr.StartDelivery("t1", testMessage(t, "b"))
	tr.StartDelivery("t2", testMessage(t, "c"))
	tr.MarkFailed("t2", "x")

	pending := tr.PendingDeliveries()
	require.Len(t, pending, 1)
	require.Equal(t, "t1", pending[0].TrackingID)

	failed := tr.FailedDeliveries()
	require.Len(t, failed, 1)
	require.Equal(t, "t2", failed[0].TrackingID)
}

func TestCleanupExpiredRemovesOldTerminalOnly(t *testing.T) {
	mock := clock.NewMock()
	tr := New(0, mock)

	tr.StartDelivery("old-done", testMessage(t, "b"))
	tr.StartDelivery("old-pending", testMessage(t, "b"))
	tr.MarkDelivered("old-done")

	mock.Add(time.Hour)
	tr.StartDelivery("fresh", testMessage(t, "b"))
	tr.MarkDelivered("fresh")

	removed := tr.CleanupExpired(30 * time.Minute)
	require.Equal(t, 1, removed)

	_, ok := tr.Record("old-done")
	require.False(t, ok)
	_, ok = tr.Record("old-pending")
	require.True(t, ok)
	_, ok = tr.Record("fresh")
	require.True(t, ok)
}

func TestEvictionPrefersTerminalRecords(t *testing.T) {
	tr := New(10, clock.NewMock())

	for i := 0; i < 10; i++ {
		id := fmt.Sprintf("done-%d", i)
		tr.StartDelivery(id, testMessage(t, "b"))
		tr.MarkDelivered(id)
	}
	for i := 0; i < 5; i++ {
		tr.StartDelivery(fmt.Sprintf("open-%d", i), testMessage(t, "b"))
	}

	// all pending records survive the cap
	for i := 0; i < 5; i++ {
		_, ok := tr.Record(fmt.Sprintf("open-%d", i))
		require.True(t, ok)
	}
	require.LessOrEqual(t, tr.Statistics().ActiveRecords, 10)
}
