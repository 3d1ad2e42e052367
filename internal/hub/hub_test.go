package hub

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/a2a-hub/hub/internal/historystore"
	"github.com/a2a-hub/hub/internal/receiptstore"
	"github.com/a2a-hub/hub/pkg/types"
)

func testHub(t *testing.T) (*Hub, *httptest.Server) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.EnableMetrics = false
	h := New(cfg, historystore.New(true), receiptstore.New(nil), nil)
	srv := httptest.NewServer(h.Handler())
	t.Cleanup(srv.Close)
	return h, srv
}

func registerAgent(t *testing.T, h *Hub, agentID string, subs ...types.Subscription) {
	t.Helper()
	if err := h.RegisterAgent(&types.AgentRegistration{
		AgentID:           agentID,
		AgentType:         "worker",
		HeartbeatInterval: types.Millis(30 * time.Second),
		Subscriptions:     subs,
	}); err != nil {
		t.Fatalf("register %s: %v", agentID, err)
	}
}

func postJSON(t *testing.T, srv *httptest.Server, path string, body interface{}) *http.Response {
	t.Helper()
	b, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	resp, err := http.Post(srv.URL+path, "application/json", bytes.NewReader(b))
	if err != nil {
		t.Fatalf("post %s: %v", path, err)
	}
	return resp
}

func decode(t *testing.T, resp *http.Response, out interface{}) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

// Scenario: two agents, a unicast message round-trips through the REST
// publish endpoint and produces exactly one delivery receipt for the
// named recipient.
func TestHTTPPublishRoundTrip(t *testing.T) {
	h, srv := testHub(t)
	registerAgent(t, h, "agent-alpha")
	registerAgent(t, h, "agent-beta")

	resp := postJSON(t, srv, "/messages", types.Message{
		ID:          "msg-1",
		SourceAgent: "agent-alpha",
		TargetAgent: "agent-beta",
		Topic:       "demo-topic",
		MessageType: "task.assign",
		Priority:    types.PriorityNormal,
		Metadata:    types.Metadata{CorrelationID: "corr-1", TTL: types.Millis(time.Minute)},
	})
	var body map[string]interface{}
	decode(t, resp, &body)

	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d: %+v", resp.StatusCode, body)
	}
	if success, _ := body["success"].(bool); !success {
		t.Fatalf("expected success=true, got %+v", body)
	}
	receipts, _ := body["receipts"].([]interface{})
	if len(receipts) != 1 {
		t.Fatalf("expected exactly one receipt for a unicast target, got %d", len(receipts))
	}
}

// Scenario: a message queued for an offline agent is delivered once that
// agent's stream attaches.
func TestOfflineQueueFlushesOnAttach(t *testing.T) {
	h, srv := testHub(t)
	registerAgent(t, h, "agent-alpha")
	registerAgent(t, h, "agent-beta")

	postJSON(t, srv, "/messages", types.Message{
		ID:          "msg-offline",
		SourceAgent: "agent-alpha",
		TargetAgent: "agent-beta",
		Topic:       "demo-topic",
		MessageType: "task.assign",
		Priority:    types.PriorityNormal,
		Metadata:    types.Metadata{CorrelationID: "corr-1", TTL: types.Millis(time.Minute)},
	})

	if n := h.Router().QueueLength("agent-beta"); n != 1 {
		t.Fatalf("expected one queued message for offline agent, got %d", n)
	}

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{"X-Agent-ID": []string{"agent-beta"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, frame, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("expected the queued message on attach: %v", err)
	}
	if !bytes.Contains(frame, []byte(`"id":"msg-offline"`)) {
		t.Fatalf("expected msg-offline to be flushed first, got %s", frame)
	}
	if n := h.Router().QueueLength("agent-beta"); n != 0 {
		t.Fatalf("queue should be empty after attach, got %d", n)
	}
}

// Scenario: a filter rule suppresses delivery entirely; the publish still
// succeeds but yields a filtered receipt instead of a delivery.
func TestFilterRuleSuppressesDelivery(t *testing.T) {
	h, srv := testHub(t)
	registerAgent(t, h, "agent-alpha")
	registerAgent(t, h, "agent-beta")

	h.Router().AddRule(&types.RoutingRule{
		ID:       "rule-drop-low",
		Name:     "drop-low-priority",
		Priority: 100,
		Enabled:  true,
		Predicate: types.RulePredicate{
			Field: "priority", Operator: types.OpEquals, Value: "low",
		},
		Action: types.RuleAction{Kind: types.ActionFilter},
	})

	resp := postJSON(t, srv, "/messages", types.Message{
		ID:          "msg-filtered",
		SourceAgent: "agent-alpha",
		TargetAgent: "agent-beta",
		Topic:       "demo-topic",
		MessageType: "task.assign",
		Priority:    types.PriorityLow,
		Metadata:    types.Metadata{CorrelationID: "corr-2", TTL: types.Millis(time.Minute)},
	})
	var body map[string]interface{}
	decode(t, resp, &body)

	receipts, _ := body["receipts"].([]interface{})
	if len(receipts) != 1 {
		t.Fatalf("expected a single synthetic filtered receipt, got %+v", receipts)
	}
	first, _ := receipts[0].(map[string]interface{})
	if first["status"] != string(types.ReceiptFiltered) {
		t.Fatalf("expected filtered status, got %+v", first)
	}
	if n := h.Router().QueueLength("agent-beta"); n != 0 {
		t.Fatalf("filtered message must not be queued, got %d", n)
	}
}

// Scenario: a stale connection is evicted by the heartbeat monitor while
// its registration and queue survive.
func TestHeartbeatEvictionRetainsRegistration(t *testing.T) {
	h, srv := testHub(t)
	registerAgent(t, h, "agent-gamma")

	wsURL := "ws" + strings.TrimPrefix(srv.URL, "http") + "/ws"
	header := http.Header{"X-Agent-ID": []string{"agent-gamma"}}
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, header)
	if err != nil {
		t.Fatalf("dial stream: %v", err)
	}
	defer conn.Close()

	// Give attachStream a moment to register before backdating the
	// heartbeat and forcing an eviction sweep.
	time.Sleep(50 * time.Millisecond)

	h.connsMu.Lock()
	h.conns["agent-gamma"].lastHeartbeat = time.Now().Add(-time.Hour)
	h.connsMu.Unlock()

	h.evictStaleConnections(30 * time.Second)

	if _, ok := h.router.GetRegistration("agent-gamma"); !ok {
		t.Fatal("registration must survive heartbeat eviction")
	}

	conn.SetReadDeadline(time.Now().Add(time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatal("expected the evicted connection to be closed")
	}
}

// Scenario: unregistering an agent removes it from the registry and the
// agent listing.
func TestUnregisterRemovesAgent(t *testing.T) {
	h, srv := testHub(t)
	registerAgent(t, h, "agent-delta")

	resp, err := http.NewRequest(http.MethodDelete, srv.URL+"/agents/agent-delta", nil)
	if err != nil {
		t.Fatalf("build request: %v", err)
	}
	out, err := http.DefaultClient.Do(resp)
	if err != nil {
		t.Fatalf("delete agent: %v", err)
	}
	defer out.Body.Close()
	if out.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", out.StatusCode)
	}

	if _, ok := h.router.GetRegistration("agent-delta"); ok {
		t.Fatal("expected agent-delta to be unregistered")
	}
}

// Scenario: registration beyond the connection cap is rejected.
func TestRegisterAgentEnforcesConnectionCap(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxConnections = 1
	cfg.EnableMetrics = false
	h := New(cfg, historystore.New(true), receiptstore.New(nil), nil)

	registerAgent(t, h, "agent-one")
	err := h.RegisterAgent(&types.AgentRegistration{
		AgentID:           "agent-two",
		AgentType:         "worker",
		HeartbeatInterval: types.Millis(30 * time.Second),
	})
	if err == nil {
		t.Fatal("expected registration beyond MaxConnections to fail")
	}
}

func TestHealthEndpointReportsDegradedWhenNoStreamsAttached(t *testing.T) {
	h, srv := testHub(t)

	resp, err := http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get /health: %v", err)
	}
	var body map[string]interface{}
	decode(t, resp, &body)
	if degraded, _ := body["degraded"].(bool); degraded {
		t.Fatalf("expected healthy with no agents registered, got %+v", body)
	}

	registerAgent(t, h, "agent-idle")
	resp, err = http.Get(srv.URL + "/health")
	if err != nil {
		t.Fatalf("get /health: %v", err)
	}
	body = map[string]interface{}{}
	decode(t, resp, &body)
	if degraded, _ := body["degraded"].(bool); !degraded {
		t.Fatalf("expected degraded with an agent registered and no stream attached, got %+v", body)
	}
}

func TestTopicDefinitionLifecycle(t *testing.T) {
	_, srv := testHub(t)

	resp := postJSON(t, srv, "/topics", types.TopicDefinition{
		Name:         "demo-topic",
		Description:  "demo",
		MessageTypes: []string{"task.assign"},
		RetentionPolicy: types.RetentionPolicy{
			MaxMessages: 100,
			MaxAge:      types.Millis(time.Hour),
		},
	})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 defining topic, got %d", resp.StatusCode)
	}

	getResp, err := http.Get(srv.URL + "/topics/demo-topic/definition")
	if err != nil {
		t.Fatalf("get definition: %v", err)
	}
	var def types.TopicDefinition
	decode(t, getResp, &def)
	if def.Name != "demo-topic" {
		t.Fatalf("expected demo-topic, got %+v", def)
	}
}

func TestRuleCRUD(t *testing.T) {
	_, srv := testHub(t)

	resp := postJSON(t, srv, "/rules", types.RoutingRule{
		Name:     "test-rule",
		Priority: 10,
		Enabled:  true,
		Predicate: types.RulePredicate{
			Field: "topic", Operator: types.OpEquals, Value: "demo-topic",
		},
		Action: types.RuleAction{Kind: types.ActionForward, ForwardTo: []string{"agent-beta"}},
	})
	var created map[string]interface{}
	decode(t, resp, &created)
	id, _ := created["id"].(string)
	if id == "" {
		t.Fatal("expected a generated rule id")
	}

	listResp, err := http.Get(srv.URL + "/rules")
	if err != nil {
		t.Fatalf("list rules: %v", err)
	}
	var rules []types.RoutingRule
	decode(t, listResp, &rules)
	if len(rules) != 1 {
		t.Fatalf("expected one rule, got %d", len(rules))
	}

	req, _ := http.NewRequest(http.MethodDelete, srv.URL+"/rules/"+id, nil)
	delResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("delete rule: %v", err)
	}
	defer delResp.Body.Close()
	if delResp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200 deleting rule, got %d", delResp.StatusCode)
	}
}
