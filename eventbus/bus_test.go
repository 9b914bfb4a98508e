package eventbus

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBus_WildcardSubscriptionMatchesPrefix(t *testing.T) {
	b := New()
	var received []string
	b.Subscribe("policy.*", func(e Event) { received = append(received, e.Type) })

	b.Publish(Event{Type: "policy.rejected"})
	b.Publish(Event{Type: "compliance.blocked"})
	b.Publish(Event{Type: "policy.approved"})

	require.Equal(t, []string{"policy.rejected", "policy.approved"}, received)
}

func TestBus_StarMatchesEverything(t *testing.T) {
	b := New()
	count := 0
	b.Subscribe("*", func(e Event) { count++ })
	b.Publish(Event{Type: "anything.at.all"})
	b.Publish(Event{Type: "x"})
	require.Equal(t, 2, count)
}

func TestBus_PanickingSubscriberDoesNotBlockOthers(t *testing.T) {
	b := New()
	secondCalled := false
	b.Subscribe("*", func(e Event) { panic("boom") })
	b.Subscribe("*", func(e Event) { secondCalled = true })

	require.NotPanics(t, func() { b.Publish(Event{Type: "x"}) })
	require.True(t, secondCalled)
}

func TestBus_UnsubscribeStopsDelivery(t *testing.T) {
	b := New()
	count := 0
	unsub := b.Subscribe("*", func(e Event) { count++ })
	b.Publish(Event{Type: "x"})
	unsub()
	b.Publish(Event{Type: "x"})
	require.Equal(t, 1, count)
}

func TestAuditRing_EvictsOldestWhenFull(t *testing.T) {
	r := NewAuditRing(3)
	r.Append("VERIFY", "m1", nil)
	r.Append("POLICY", "m1", nil)
	r.Append("COMPLIANCE", "m1", nil)
	r.Append("EXECUTE", "m1", nil)

	snap := r.Snapshot()
	require.Len(t, snap, 3)
	require.Equal(t, "POLICY", snap[0].Phase, "oldest entry must be evicted once the ring is full")
	require.Equal(t, "EXECUTE", snap[2].Phase)
}
