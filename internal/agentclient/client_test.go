package agentclient

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a2a-hub/hub/internal/historystore"
	"github.com/a2a-hub/hub/internal/hub"
	"github.com/a2a-hub/hub/internal/receiptstore"
	"github.com/a2a-hub/hub/pkg/types"
)

func testServer(t *testing.T) (*hub.Hub, *httptest.Server) {
	t.Helper()
	cfg := hub.DefaultConfig()
	cfg.EnableMetrics = false
	h := hub.New(cfg, historystore.New(true), receiptstore.New(nil), nil)
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	return h, srv
}

func newClient(srv *httptest.Server, agentID string) *Client {
	return New(Options{
		BaseURL: srv.URL,
		AgentID: agentID,
		TestMode: true,
	})
}

func TestRegisterSubscribeAndPublishHTTPRoundTrip(t *testing.T) {
	_, srv := testServer(t)
	ctx := context.Background()

	c := newClient(srv, "chatbot-001")
	require.NoError(t, c.RegisterAgent(ctx, &types.AgentRegistration{
		AgentID:           "chatbot-001",
		AgentType:         "chatbot",
		HeartbeatInterval: types.Millis(30 * time.Second),
		Subscriptions: []types.Subscription{
			{Topic: "chat-support", MessageTypes: nil},
		},
	}))

	publisher := newClient(srv, "svc")
	receipt := publisher.Publish(ctx, &types.Message{
		ID:          "m1",
		Topic:       "chat-support",
		MessageType: "chat.context_update",
		Priority:    types.PriorityNormal,
		Payload:     map[string]interface{}{"x": 1},
		Metadata: types.Metadata{
			CorrelationID: "c1",
			TTL:           types.Millis(time.Minute),
		},
	})

	require.Equal(t, types.ReceiptDelivered, receipt.Status)
	assert.Equal(t, "chatbot-001", receipt.TargetAgent)
}

func TestSubscribeRollsBackCacheOnHTTPFailure(t *testing.T) {
	c := New(Options{BaseURL: "http://127.0.0.1:0", AgentID: "a1", TestMode: true})
	err := c.Subscribe(context.Background(), types.Subscription{Topic: "x"})
	require.Error(t, err)

	c.mu.Lock()
	_, cached := c.subscriptions["x"]
	c.mu.Unlock()
	assert.False(t, cached, "failed subscribe must not leave a stale cache entry")
}

func TestPublishValidationFailureReturnsFailedReceiptWithoutNetwork(t *testing.T) {
	c := New(Options{BaseURL: "http://127.0.0.1:0", AgentID: "a1", TestMode: true})
	receipt := c.Publish(context.Background(), &types.Message{
		ID:    "bad",
		Topic: "Not A Valid Topic!",
	})
	require.Equal(t, types.ReceiptFailed, receipt.Status)
	assert.NotEmpty(t, receipt.Error)
}

func TestHandlerForwardsReplyToReplyToAgent(t *testing.T) {
	_, srv := testServer(t)
	ctx := context.Background()

	responder := newClient(srv, "responder")
	require.NoError(t, responder.Connect(ctx))
	require.NoError(t, responder.RegisterAgent(ctx, &types.AgentRegistration{
		AgentID:           "responder",
		HeartbeatInterval: types.Millis(30 * time.Second),
	}))

	asker := newClient(srv, "asker")
	require.NoError(t, asker.Connect(ctx))
	require.NoError(t, asker.RegisterAgent(ctx, &types.AgentRegistration{
		AgentID:           "asker",
		HeartbeatInterval: types.Millis(30 * time.Second),
	}))

	received := make(chan *types.Message, 1)
	asker.RegisterMessageHandler("chat.context_update_response", func(msg *types.Message) (*HandlerResult, error) {
		received <- msg
		return nil, nil
	})

	responder.RegisterMessageHandler("chat.context_update", func(msg *types.Message) (*HandlerResult, error) {
		return &HandlerResult{ResponsePayload: map[string]interface{}{"ok": true}}, nil
	})

	receipt := asker.Publish(ctx, &types.Message{
		ID:          "q1",
		TargetAgent: "responder",
		Topic:       "chat-support",
		MessageType: "chat.context_update",
		Priority:    types.PriorityNormal,
		Payload:     map[string]interface{}{},
		Metadata: types.Metadata{
			CorrelationID: "corr-1",
			TTL:           types.Millis(time.Minute),
			ReplyTo:       "asker",
		},
	})
	require.Equal(t, types.ReceiptDelivered, receipt.Status)

	select {
	case msg := <-received:
		assert.True(t, strings.HasSuffix(msg.MessageType, "_response"))
		assert.Equal(t, "corr-1", msg.Metadata.CorrelationID)
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reply")
	}
}
