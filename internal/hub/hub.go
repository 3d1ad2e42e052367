// Package hub composes the router, history store, and receipt store
// behind the stream and HTTP transports described in the wire surface:
// agent registration with a connection cap, per-agent stream attachment
// with online/offline queue flushing, a heartbeat monitor that evicts
// stale attachments, and a periodic cleanup task for receipts and topic
// retention.
package hub

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/a2a-hub/hub/internal/historystore"
	"github.com/a2a-hub/hub/internal/metrics"
	"github.com/a2a-hub/hub/internal/receiptstore"
	"github.com/a2a-hub/hub/internal/router"
	"github.com/a2a-hub/hub/internal/serializer"
	"github.com/a2a-hub/hub/internal/validator"
	"github.com/a2a-hub/hub/pkg/types"
)

// Config controls the hub's transport and background-task behavior.
type Config struct {
	Port              int
	MaxConnections    int
	HeartbeatInterval time.Duration
	MessageRetention  time.Duration
	EnablePersistence bool
	EnableMetrics     bool
}

// DefaultConfig returns sane defaults for local and test use.
func DefaultConfig() *Config {
	return &Config{
		Port:              8080,
		MaxConnections:    1000,
		HeartbeatInterval: 30 * time.Second,
		MessageRetention:  24 * time.Hour,
		EnablePersistence: true,
		EnableMetrics:     true,
	}
}

// connection is the hub's view of an agent beyond what the router
// tracks: whether a live stream is attached and when it was last heard
// from. The registration itself, subscriptions, and pending queue all
// live in the router; this struct only adds the transport attachment.
type connection struct {
	mu            sync.Mutex
	client        *streamClient // nil when detached
	lastHeartbeat time.Time
}

// Hub ties the router, history, and receipt stores to the stream and
// HTTP transports.
type Hub struct {
	config   *Config
	router   *router.Router
	history  historystore.Store
	receipts *receiptstore.Store
	metrics  *metrics.Metrics

	connsMu sync.RWMutex
	conns   map[string]*connection

	startTime time.Time

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// New constructs a Hub. history and m may be nil; a nil history
// disables persistence regardless of config, and a nil m disables
// metric recording.
func New(cfg *Config, history historystore.Store, receipts *receiptstore.Store, m *metrics.Metrics) *Hub {
	if cfg == nil {
		cfg = DefaultConfig()
	}
	if receipts == nil {
		receipts = receiptstore.New(nil)
	}

	h := &Hub{
		config:    cfg,
		router:    router.New(router.Options{}),
		history:   history,
		receipts:  receipts,
		metrics:   m,
		conns:     make(map[string]*connection),
		startTime: time.Now(),
		stopCh:    make(chan struct{}),
	}
	return h
}

// Router exposes the underlying router, primarily for tests and for
// rule administration handlers.
func (h *Hub) Router() *router.Router { return h.router }

// Run starts the heartbeat monitor and cleanup task; both stop when ctx
// is cancelled or Shutdown is called.
func (h *Hub) Run(ctx context.Context) {
	h.wg.Add(3)
	go h.heartbeatLoop(ctx)
	go h.cleanupLoop(ctx)
	go h.eventLoop(ctx)
}

// Shutdown stops background tasks and closes every attached stream with
// the server-shutdown close code.
func (h *Hub) Shutdown() {
	h.stopOnce.Do(func() { close(h.stopCh) })

	h.connsMu.RLock()
	clients := make([]*streamClient, 0, len(h.conns))
	for _, c := range h.conns {
		c.mu.Lock()
		if c.client != nil {
			clients = append(clients, c.client)
		}
		c.mu.Unlock()
	}
	h.connsMu.RUnlock()

	for _, c := range clients {
		c.closeWithCode(closeServerShutdown, "server shutting down")
	}
	h.wg.Wait()
}

func (h *Hub) heartbeatLoop(ctx context.Context) {
	defer h.wg.Done()
	interval := h.config.HeartbeatInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			h.evictStaleConnections(interval)
		}
	}
}

// evictStaleConnections closes the stream of any agent whose last
// heartbeat is older than 2x the heartbeat interval. The registration
// and pending queue are retained; only the attachment is dropped.
func (h *Hub) evictStaleConnections(interval time.Duration) {
	deadline := 2 * interval
	now := time.Now()

	h.connsMu.RLock()
	stale := make([]*connection, 0)
	for _, c := range h.conns {
		c.mu.Lock()
		if c.client != nil && now.Sub(c.lastHeartbeat) > deadline {
			stale = append(stale, c)
		}
		c.mu.Unlock()
	}
	h.connsMu.RUnlock()

	for _, c := range stale {
		c.mu.Lock()
		client := c.client
		c.client = nil
		c.mu.Unlock()
		if client != nil {
			log.Printf("hub: evicting stale connection for agent %s (no heartbeat for %s)", client.agentID, deadline)
			client.closeWithCode(closeNormal, "heartbeat timeout")
		}
	}
}

func (h *Hub) cleanupLoop(ctx context.Context) {
	defer h.wg.Done()
	ticker := time.NewTicker(5 * time.Minute)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case <-ticker.C:
			removed := h.receipts.Cleanup(ctx)
			if removed > 0 {
				log.Printf("hub: cleanup removed %d expired delivery receipts", removed)
			}
			if h.history != nil {
				h.history.PruneAll()
			}
		}
	}
}

// eventLoop drains the router's observer channel and turns its
// routing-side notifications (ruleError, queueOverflow, messageQueued)
// into log lines and metric recordings.
func (h *Hub) eventLoop(ctx context.Context) {
	defer h.wg.Done()
	events := h.router.Events()
	for {
		select {
		case <-ctx.Done():
			return
		case <-h.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			h.handleRouterEvent(ev)
		}
	}
}

func (h *Hub) handleRouterEvent(ev router.Event) {
	switch ev.Name {
	case "ruleError":
		log.Printf("hub: %v: rule %v failed for message %v: %v",
			router.ErrRouting, ev.Data["ruleId"], ev.Data["messageId"], ev.Data["error"])
		if h.metrics != nil {
			h.metrics.RuleErrors.Inc()
		}
	case "queueOverflow":
		log.Printf("hub: queue overflow for agent %v, oldest message dropped", ev.Data["agentId"])
		if h.metrics != nil {
			h.metrics.QueueOverflows.Inc()
		}
	case "messageQueued":
		if h.metrics != nil {
			h.metrics.SetQueuedMessages(h.router.TotalQueuedMessages())
		}
	}
}

// RegisterAgent validates and records a new agent registration, failing
// if the connected-agent table is already at capacity.
func (h *Hub) RegisterAgent(reg *types.AgentRegistration) error {
	result := validator.ValidateRegistration(reg)
	if !result.IsValid {
		return fmt.Errorf("%w: %v", validator.ErrValidation, result.Errors)
	}

	h.connsMu.Lock()
	if _, exists := h.conns[reg.AgentID]; !exists && len(h.conns) >= h.config.MaxConnections {
		h.connsMu.Unlock()
		return fmt.Errorf("%w: connected-agent table full (max %d)", ErrState, h.config.MaxConnections)
	}
	if _, exists := h.conns[reg.AgentID]; !exists {
		h.conns[reg.AgentID] = &connection{lastHeartbeat: time.Now()}
	}
	h.connsMu.Unlock()

	if err := h.router.RegisterAgent(reg); err != nil {
		return err
	}
	if h.metrics != nil {
		h.metrics.SetRegisteredAgents(h.router.AgentCount())
	}
	return nil
}

// UnregisterAgent removes the registration, drops the connection entry,
// and closes any attached stream. Idempotent.
func (h *Hub) UnregisterAgent(agentID string) {
	h.connsMu.Lock()
	c, ok := h.conns[agentID]
	delete(h.conns, agentID)
	h.connsMu.Unlock()

	if ok {
		c.mu.Lock()
		client := c.client
		c.mu.Unlock()
		if client != nil {
			client.closeWithCode(closeNormal, "agent unregistered")
		}
	}

	h.router.UnregisterAgent(agentID)
	if h.metrics != nil {
		h.metrics.SetRegisteredAgents(h.router.AgentCount())
		h.metrics.SetConnectedAgents(h.connectedCount())
	}
}

// attachStream pairs a newly upgraded stream with agentID's connection
// entry, then flushes any queued messages in enqueue order. Returns
// false if agentID has no registration.
func (h *Hub) attachStream(agentID string, client *streamClient) bool {
	if _, ok := h.router.GetRegistration(agentID); !ok {
		return false
	}

	h.connsMu.Lock()
	c, ok := h.conns[agentID]
	if !ok {
		c = &connection{}
		h.conns[agentID] = c
	}
	h.connsMu.Unlock()

	c.mu.Lock()
	previous := c.client
	c.client = client
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()

	if previous != nil && previous != client {
		previous.closeWithCode(closeNormal, "superseded by new connection")
	}

	h.router.TouchLastSeen(agentID)
	h.flushQueue(agentID)
	if h.metrics != nil {
		h.metrics.SetConnectedAgents(h.connectedCount())
	}
	return true
}

// detachStream clears the stream reference for agentID if client is
// still the active one, retaining the registration and queue.
func (h *Hub) detachStream(agentID string, client *streamClient) {
	h.connsMu.RLock()
	c, ok := h.conns[agentID]
	h.connsMu.RUnlock()
	if !ok {
		return
	}

	c.mu.Lock()
	if c.client == client {
		c.client = nil
	}
	c.mu.Unlock()
	if h.metrics != nil {
		h.metrics.SetConnectedAgents(h.connectedCount())
	}
}

func (h *Hub) touchHeartbeat(agentID string) {
	h.connsMu.RLock()
	c, ok := h.conns[agentID]
	h.connsMu.RUnlock()
	if !ok {
		return
	}
	c.mu.Lock()
	c.lastHeartbeat = time.Now()
	c.mu.Unlock()
	h.router.TouchLastSeen(agentID)
}

// flushQueue drains agentID's pending queue and writes each message to
// its attached stream, if any, preserving enqueue order.
func (h *Hub) flushQueue(agentID string) {
	h.connsMu.RLock()
	c, ok := h.conns[agentID]
	h.connsMu.RUnlock()
	if !ok {
		return
	}

	c.mu.Lock()
	client := c.client
	c.mu.Unlock()
	if client == nil {
		return
	}

	for _, msg := range h.router.DrainQueue(agentID) {
		frame, err := serializer.Serialize(msg, serializer.SerializeOptions{IncludeSchema: true})
		if err != nil {
			log.Printf("hub: serialize queued message %s for %s: %v", msg.ID, agentID, err)
			continue
		}
		if err := client.writeText([]byte(frame)); err != nil {
			log.Printf("hub: %v: flush to %s: %v", ErrDelivery, agentID, err)
			return
		}
	}
}

// connectedCount reports the number of agents with a live stream
// attached, for /health and /stats.
func (h *Hub) connectedCount() int {
	h.connsMu.RLock()
	defer h.connsMu.RUnlock()
	n := 0
	for _, c := range h.conns {
		c.mu.Lock()
		if c.client != nil {
			n++
		}
		c.mu.Unlock()
	}
	return n
}

func (h *Hub) isDegraded() bool {
	if h.router.TotalQueuedMessages() > 1000 {
		return true
	}
	return h.router.AgentCount() > 0 && h.connectedCount() == 0
}
