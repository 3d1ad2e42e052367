// Package agentclient is the in-process client library presented to an
// agent implementation: stream connect/reconnect with re-subscription,
// publish with stream-preferred/HTTP-fallback transport, a per-message-
// type handler registry, and a local subscription cache kept in sync
// with the hub. Reconnection is a supervised background goroutine
// (§9 design note "Reconnection loop → supervised background task"),
// grounded on the teacher's internal/messagebus reconnect handling and
// internal/messagebus/bridge.go's bidirectional-bridge goroutine shape.
package agentclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/a2a-hub/hub/internal/serializer"
	"github.com/a2a-hub/hub/internal/validator"
	"github.com/a2a-hub/hub/pkg/types"
)

// Event names emitted via the Client's Observe channel — the same
// closed-set-of-tagged-variants style used by internal/router.Event,
// per the REDESIGN FLAGS note on event emitters.
const (
	EventPublishError         = "publishError"
	EventMaxReconnectAttempts = "maxReconnectAttemptsReached"
	EventReconnected          = "reconnected"
	EventDisconnected         = "disconnected"
)

// Event is a tagged notification observers can watch without
// subscribing to named callbacks.
type Event struct {
	Name string
	Data map[string]interface{}
	At   time.Time
}

// HandlerResult is what a registered message handler may return: an
// optional reply payload (published back to replyTo as
// "{orig}_response") and/or a list of agents to forward the original
// message to; each forwarded copy gets a new id and that agent as its
// targetAgent.
type HandlerResult struct {
	ResponsePayload interface{}
	ForwardTo       []string
}

// Handler processes one inbound message for a given messageType.
type Handler func(msg *types.Message) (*HandlerResult, error)

// Options configures a Client.
type Options struct {
	BaseURL           string        // e.g. "http://localhost:8080"
	AgentID           string
	HTTPTimeout       time.Duration // default 30s
	PublishTimeout    time.Duration // default 30s, stream receipt wait
	MaxReconnects     int           // default 5
	ReconnectBackoff  time.Duration // default 5s, linear: backoff*attempt
	TestMode          bool          // disable automatic reconnection
	EventBufferSize   int           // default 64
}

func (o *Options) withDefaults() Options {
	out := *o
	if out.HTTPTimeout <= 0 {
		out.HTTPTimeout = 30 * time.Second
	}
	if out.PublishTimeout <= 0 {
		out.PublishTimeout = 30 * time.Second
	}
	if out.MaxReconnects <= 0 {
		out.MaxReconnects = 5
	}
	if out.ReconnectBackoff <= 0 {
		out.ReconnectBackoff = 5 * time.Second
	}
	if out.EventBufferSize <= 0 {
		out.EventBufferSize = 64
	}
	return out
}

// Client is the agent-facing handle onto a hub connection.
type Client struct {
	opts Options
	http *http.Client

	mu            sync.Mutex
	conn          *websocket.Conn
	attached      bool
	closedByUser  bool
	reconnectSeq  int
	subscriptions map[string]*types.Subscription // topic -> cached subscription

	pendingMu sync.Mutex
	pending   map[string]chan *types.DeliveryReceipt // messageId -> waiter

	handlersMu sync.RWMutex
	handlers   map[string]Handler

	events chan Event

	writeMu sync.Mutex
}

// New constructs a Client. Call Connect to attach its stream.
func New(opts Options) *Client {
	o := opts.withDefaults()
	return &Client{
		opts:          o,
		http:          &http.Client{Timeout: o.HTTPTimeout},
		subscriptions: make(map[string]*types.Subscription),
		pending:       make(map[string]chan *types.DeliveryReceipt),
		handlers:      make(map[string]Handler),
		events:        make(chan Event, o.EventBufferSize),
	}
}

// Events returns the channel carrying this client's tagged notifications.
func (c *Client) Events() <-chan Event { return c.events }

// Stats is a local introspection snapshot mirroring the hub's own
// /stats shape (§4.5 supplement), scoped to this client instead of the
// whole hub.
type Stats struct {
	PendingAcks         int  `json:"pendingAcks"`
	CachedSubscriptions int  `json:"cachedSubscriptions"`
	ReconnectAttempts   int  `json:"reconnectAttempts"`
	Attached            bool `json:"attached"`
}

// Stats returns a snapshot of this client's pending acknowledgements,
// cached subscriptions, and cumulative reconnect attempt count.
func (c *Client) Stats() Stats {
	c.pendingMu.Lock()
	pending := len(c.pending)
	c.pendingMu.Unlock()

	c.mu.Lock()
	subs := len(c.subscriptions)
	attempts := c.reconnectSeq
	attached := c.attached
	c.mu.Unlock()

	return Stats{
		PendingAcks:         pending,
		CachedSubscriptions: subs,
		ReconnectAttempts:   attempts,
		Attached:            attached,
	}
}

func (c *Client) emit(name string, data map[string]interface{}) {
	select {
	case c.events <- Event{Name: name, Data: data, At: time.Now()}:
	default:
	}
}

// RegisterMessageHandler binds handler to the given messageType; inbound
// frames of that type are dispatched to it (§4.5).
func (c *Client) RegisterMessageHandler(messageType string, handler Handler) {
	c.handlersMu.Lock()
	defer c.handlersMu.Unlock()
	c.handlers[messageType] = handler
}

// RegisterAgent performs HTTP registration and caches the declared
// subscriptions locally.
func (c *Client) RegisterAgent(ctx context.Context, reg *types.AgentRegistration) error {
	body, err := json.Marshal(reg)
	if err != nil {
		return fmt.Errorf("agentclient: marshal registration: %w", err)
	}
	if err := c.postJSON(ctx, "/agents/register", body, nil); err != nil {
		return err
	}
	c.mu.Lock()
	for i := range reg.Subscriptions {
		sub := reg.Subscriptions[i]
		c.subscriptions[sub.Topic] = &sub
	}
	c.mu.Unlock()
	return nil
}

// Subscribe registers sub via HTTP and caches it locally; on failure the
// local cache entry is rolled back.
func (c *Client) Subscribe(ctx context.Context, sub types.Subscription) error {
	c.mu.Lock()
	c.subscriptions[sub.Topic] = &sub
	c.mu.Unlock()

	body, err := json.Marshal(map[string]interface{}{
		"agentId":      c.opts.AgentID,
		"subscription": sub,
	})
	if err != nil {
		return fmt.Errorf("agentclient: marshal subscription: %w", err)
	}
	if err := c.postJSON(ctx, "/subscriptions", body, nil); err != nil {
		c.mu.Lock()
		delete(c.subscriptions, sub.Topic)
		c.mu.Unlock()
		return err
	}
	return nil
}

// Unsubscribe removes a topic subscription via HTTP and drops it from
// the local cache; on failure the cache entry is restored.
func (c *Client) Unsubscribe(ctx context.Context, topic string) error {
	c.mu.Lock()
	previous, had := c.subscriptions[topic]
	delete(c.subscriptions, topic)
	c.mu.Unlock()

	url := fmt.Sprintf("/subscriptions/%s?agentId=%s", topic, c.opts.AgentID)
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, c.opts.BaseURL+url, nil)
	if err != nil {
		return err
	}
	resp, err := c.http.Do(req)
	if err != nil {
		if had {
			c.mu.Lock()
			c.subscriptions[topic] = previous
			c.mu.Unlock()
		}
		return fmt.Errorf("agentclient: unsubscribe: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		if had {
			c.mu.Lock()
			c.subscriptions[topic] = previous
			c.mu.Unlock()
		}
		return fmt.Errorf("agentclient: unsubscribe failed with status %d", resp.StatusCode)
	}
	return nil
}

// Connect dials the stream transport and starts the read/reconnect
// loop. Subsequent unexpected closes are retried per Options unless
// TestMode is set.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.dial(ctx); err != nil {
		return err
	}
	go c.readLoop(ctx)
	return nil
}

func (c *Client) wsURL() string {
	base := strings.TrimPrefix(c.opts.BaseURL, "http://")
	base = strings.TrimPrefix(base, "https://")
	return "ws://" + base + "/ws"
}

func (c *Client) dial(ctx context.Context) error {
	header := http.Header{"X-Agent-ID": []string{c.opts.AgentID}}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, c.wsURL(), header)
	if err != nil {
		return fmt.Errorf("agentclient: dial: %w", err)
	}
	c.mu.Lock()
	c.conn = conn
	c.attached = true
	c.mu.Unlock()
	return nil
}

// Disconnect closes the stream and suppresses automatic reconnection.
func (c *Client) Disconnect() error {
	c.mu.Lock()
	c.closedByUser = true
	conn := c.conn
	c.attached = false
	c.conn = nil
	c.mu.Unlock()

	if conn == nil {
		return nil
	}
	return conn.Close()
}

func (c *Client) readLoop(ctx context.Context) {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				break
			}
			c.handleFrame(data)
		}

		c.mu.Lock()
		userClosed := c.closedByUser
		c.attached = false
		c.mu.Unlock()
		c.emit(EventDisconnected, nil)

		if userClosed || c.opts.TestMode {
			return
		}
		if !c.reconnect(ctx) {
			c.emit(EventMaxReconnectAttempts, nil)
			return
		}
	}
}

// reconnect retries the dial up to MaxReconnects times with linear
// backoff (backoff * attempt), re-issuing every cached subscription on
// success.
func (c *Client) reconnect(ctx context.Context) bool {
	for attempt := 1; attempt <= c.opts.MaxReconnects; attempt++ {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(c.opts.ReconnectBackoff * time.Duration(attempt)):
		}

		c.mu.Lock()
		c.reconnectSeq++
		c.mu.Unlock()

		if err := c.dial(ctx); err != nil {
			log.Printf("agentclient: reconnect attempt %d/%d failed: %v", attempt, c.opts.MaxReconnects, err)
			continue
		}

		c.resubscribeAll(ctx)
		c.emit(EventReconnected, map[string]interface{}{"attempt": attempt})
		return true
	}
	return false
}

func (c *Client) resubscribeAll(ctx context.Context) {
	c.mu.Lock()
	subs := make([]types.Subscription, 0, len(c.subscriptions))
	for _, s := range c.subscriptions {
		subs = append(subs, *s)
	}
	c.mu.Unlock()

	for _, sub := range subs {
		body, err := json.Marshal(map[string]interface{}{
			"agentId":      c.opts.AgentID,
			"subscription": sub,
		})
		if err != nil {
			continue
		}
		if err := c.postJSON(ctx, "/subscriptions", body, nil); err != nil {
			log.Printf("agentclient: resubscribe %s failed: %v", sub.Topic, err)
		}
	}
}

// Publish validates msg, stamps sourceAgent if unset, and sends it over
// the stream transport when attached (awaiting the matching
// delivery_receipt frame up to PublishTimeout), falling back to HTTP
// otherwise. On failure it returns a synthesized failed receipt and
// emits publishError — Publish itself never returns a transport error
// to the caller, matching the "publish always returns a receipt"
// contract.
func (c *Client) Publish(ctx context.Context, msg *types.Message) *types.DeliveryReceipt {
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.SourceAgent == "" {
		msg.SourceAgent = c.opts.AgentID
	}

	if result := validator.ValidateMessage(msg); !result.IsValid {
		c.emit(EventPublishError, map[string]interface{}{"messageId": msg.ID, "errors": result.Errors})
		return failedReceipt(msg.ID, strings.Join(result.Errors, "; "))
	}

	c.mu.Lock()
	attached := c.attached
	c.mu.Unlock()

	if attached {
		receipt, err := c.publishStream(ctx, msg)
		if err == nil {
			return receipt
		}
		log.Printf("agentclient: stream publish failed, falling back to HTTP: %v", err)
	}

	receipt, err := c.publishHTTP(ctx, msg)
	if err != nil {
		c.emit(EventPublishError, map[string]interface{}{"messageId": msg.ID, "error": err.Error()})
		return failedReceipt(msg.ID, err.Error())
	}
	return receipt
}

func failedReceipt(messageID, reason string) *types.DeliveryReceipt {
	return &types.DeliveryReceipt{
		MessageID: messageID,
		Timestamp: time.Now(),
		Status:    types.ReceiptFailed,
		Error:     reason,
	}
}

func (c *Client) publishStream(ctx context.Context, msg *types.Message) (*types.DeliveryReceipt, error) {
	payload, err := serializer.Serialize(msg, serializer.SerializeOptions{})
	if err != nil {
		return nil, fmt.Errorf("serialize: %w", err)
	}

	waiter := make(chan *types.DeliveryReceipt, 1)
	c.pendingMu.Lock()
	c.pending[msg.ID] = waiter
	c.pendingMu.Unlock()
	defer func() {
		c.pendingMu.Lock()
		delete(c.pending, msg.ID)
		c.pendingMu.Unlock()
	}()

	c.mu.Lock()
	conn := c.conn
	c.mu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("not attached")
	}

	c.writeMu.Lock()
	err = conn.WriteMessage(websocket.TextMessage, []byte(payload))
	c.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("write: %w", err)
	}

	timeout := c.opts.PublishTimeout
	select {
	case receipt := <-waiter:
		return receipt, nil
	case <-time.After(timeout):
		return nil, fmt.Errorf("publish timeout")
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (c *Client) publishHTTP(ctx context.Context, msg *types.Message) (*types.DeliveryReceipt, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal: %w", err)
	}

	var out struct {
		Success  bool                     `json:"success"`
		Receipts []*types.DeliveryReceipt `json:"receipts"`
	}
	if err := c.postJSON(ctx, "/messages", body, &out); err != nil {
		return nil, err
	}
	if len(out.Receipts) == 0 {
		return failedReceipt(msg.ID, "no recipients"), nil
	}
	return out.Receipts[0], nil
}

func (c *Client) postJSON(ctx context.Context, path string, body []byte, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.opts.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("agentclient: request %s: %w", path, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("agentclient: %s returned status %d", path, resp.StatusCode)
	}
	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("agentclient: decode %s response: %w", path, err)
		}
	}
	return nil
}

// handlerFor resolves the handler bound to messageType: an exact
// "category.action" match first, falling back to a wildcard bound on
// just the category half ("category.*") per §4.5's
// registerMessageHandler wildcard-binding supplement.
func (c *Client) handlerFor(messageType string) (Handler, bool) {
	c.handlersMu.RLock()
	defer c.handlersMu.RUnlock()

	if h, ok := c.handlers[messageType]; ok {
		return h, true
	}
	if category, _, found := strings.Cut(messageType, "."); found {
		if h, ok := c.handlers[category+".*"]; ok {
			return h, true
		}
	}
	return nil, false
}

// handleFrame dispatches one inbound stream frame: a delivery_receipt
// wakes the matching Publish waiter, an error frame is logged, anything
// else is treated as a delivered message and routed to its handler.
func (c *Client) handleFrame(data []byte) {
	var probe struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &probe); err == nil && probe.Type != "" {
		switch probe.Type {
		case "delivery_receipt":
			var frame struct {
				MessageID string                  `json:"messageId"`
				Receipt   *types.DeliveryReceipt  `json:"receipt"`
			}
			if err := json.Unmarshal(data, &frame); err == nil && frame.Receipt != nil {
				c.pendingMu.Lock()
				waiter, ok := c.pending[frame.MessageID]
				c.pendingMu.Unlock()
				if ok {
					select {
					case waiter <- frame.Receipt:
					default:
					}
				}
			}
			return
		case "error":
			var frame struct {
				Message string `json:"message"`
			}
			_ = json.Unmarshal(data, &frame)
			log.Printf("agentclient: hub reported error: %s", frame.Message)
			return
		}
	}

	msg, err := serializer.Deserialize(string(data), serializer.DeserializeOptions{ValidateOnDeserialize: true})
	if err != nil {
		log.Printf("agentclient: malformed inbound frame: %v", err)
		return
	}

	handler, ok := c.handlerFor(msg.MessageType)
	if !ok {
		return
	}

	result, err := handler(msg)
	if err != nil {
		log.Printf("agentclient: handler for %s failed: %v", msg.MessageType, err)
		return
	}
	if result == nil {
		return
	}

	ctx := context.Background()
	if result.ResponsePayload != nil && msg.Metadata.ReplyTo != "" {
		reply := &types.Message{
			TargetAgent: msg.Metadata.ReplyTo,
			Topic:       msg.Topic,
			MessageType: msg.MessageType + "_response",
			Priority:    msg.Priority,
			Payload:     result.ResponsePayload,
			Metadata: types.Metadata{
				CorrelationID: msg.Metadata.CorrelationID,
				TTL:           msg.Metadata.TTL,
			},
		}
		c.Publish(ctx, reply)
	}
	for _, target := range result.ForwardTo {
		fwd := *msg
		fwd.ID = uuid.NewString()
		fwd.TargetAgent = target
		c.Publish(ctx, &fwd)
	}
}
