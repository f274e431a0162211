package websocket

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func registerTestClient(t *testing.T, hub *EventHub, tenantID int64, buffer int) *Client {
	t.Helper()
	client := &Client{
		hub:      hub,
		tenantID: tenantID,
		send:     make(chan []byte, buffer),
	}
	hub.register <- client
	require.Eventually(t, func() bool {
		hub.mu.RLock()
		defer hub.mu.RUnlock()
		_, ok := hub.clients[client]
		return ok
	}, time.Second, 5*time.Millisecond)
	return client
}

func receive(t *testing.T, client *Client) InboxEvent {
	t.Helper()
	select {
	case payload := <-client.send:
		var event InboxEvent
		require.NoError(t, json.Unmarshal(payload, &event))
		return event
	case <-time.After(time.Second):
		t.Fatal("no event delivered")
		return InboxEvent{}
	}
}

func TestEventHub_TenantScopedFanOut(t *testing.T) {
	hub := NewEventHub()
	go hub.Run()

	ours := registerTestClient(t, hub, 7, clientBufferSize)
	theirs := registerTestClient(t, hub, 8, clientBufferSize)

	hub.PublishMessageIngested(7, 5, 77, "hello")

	event := receive(t, ours)
	assert.Equal(t, "message_ingested", event.Type)
	assert.Equal(t, int64(5), event.ConversationID)
	assert.Equal(t, int64(77), event.MessageID)
	assert.Equal(t, "hello", event.Preview)
	// The tenant id routes internally and never reaches the wire.
	assert.Zero(t, event.TenantID)

	select {
	case payload := <-theirs.send:
		t.Fatalf("foreign tenant received event: %s", payload)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestEventHub_SlowClientDropsWithoutBlocking(t *testing.T) {
	hub := NewEventHub()
	go hub.Run()

	stalled := registerTestClient(t, hub, 7, 1)
	healthy := registerTestClient(t, hub, 7, clientBufferSize)

	for i := 0; i < 5; i++ {
		hub.PublishMessageIngested(7, 5, int64(i), "event")
	}

	// The healthy client sees all five; the stalled one keeps only what fit.
	for i := 0; i < 5; i++ {
		receive(t, healthy)
	}
	assert.Len(t, stalled.send, 1)
}

func TestPublishMessageIngested_NeverBlocks(t *testing.T) {
	hub := NewEventHub() // no Run loop draining the broadcast channel

	done := make(chan struct{})
	go func() {
		for i := 0; i < broadcastBufferSize*2; i++ {
			hub.PublishMessageIngested(7, 5, int64(i), "event")
		}
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("publish blocked on a full broadcast buffer")
	}
}
