package events

import (
	"bytes"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestBrokerPublishesToSubscriberAndSink(t *testing.T) {
	var sink bytes.Buffer
	b := NewBroker(&sink)
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Event{
		DeploymentID: "d1",
		Phase:        PhaseHealthy,
		Message:      "deployment became healthy",
	})

	select {
	case ev := <-sub:
		require.Equal(t, "d1", ev.DeploymentID)
		require.Equal(t, PhaseHealthy, ev.Phase)
		require.False(t, ev.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}

	require.Eventually(t, func() bool {
		return sink.Len() > 0
	}, time.Second, time.Millisecond)

	var decoded Event
	require.NoError(t, json.Unmarshal(bytes.TrimSpace(sink.Bytes()), &decoded))
	require.Equal(t, "d1", decoded.DeploymentID)
}

func TestUnsubscribeClosesChannel(t *testing.T) {
	b := NewBroker(nil)
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())
	b.Unsubscribe(sub)
	require.Equal(t, 0, b.SubscriberCount())

	_, ok := <-sub
	require.False(t, ok)
}
