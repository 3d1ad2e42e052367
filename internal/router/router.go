// Package router implements agent registration, the subscription index,
// the priority-ordered routing-rule pipeline, and per-agent delivery
// queues — the recipient-determination and dispatch engine sitting
// between the hub's transport layer and its connected agents.
package router

import (
	"fmt"
	"sync"
	"time"

	"github.com/a2a-hub/hub/pkg/types"
)

// ErrRouting is the sentinel wrapped by every error this package returns.
var ErrRouting = fmt.Errorf("routing error")

const (
	defaultShardCount   = 32
	defaultMaxQueueSize = 10000
	defaultEventBuffer  = 256
)

// Event is a tagged notification the router emits for observers — the
// hub layer watches these to log and count a rule error or a queue
// overflow and to update its queued-message gauge. A closed set of named events in
// place of the teacher's many ad-hoc emitter calls.
type Event struct {
	Name string
	Data map[string]interface{}
	At   time.Time
}

// Options configures a new Router. Zero values fall back to sane
// defaults.
type Options struct {
	ShardCount      int
	MaxQueueSize    int
	EventBufferSize int
}

// Router holds the agent registry, the topic subscription index, the
// rule pipeline, and per-agent delivery queues. All exported methods are
// safe for concurrent use. The agent registry and the queues are sharded
// by agent id; the subscription index for all topics is guarded by the
// single subsMu, and the whole rule list by the single rulesMu.
type Router struct {
	agents *ShardedMap[*types.AgentRegistration]
	queues *ShardedMap[*messageQueue]

	subsMu        sync.RWMutex
	subscriptions map[string]map[string]struct{}

	rulesMu sync.RWMutex
	rules   []*types.RoutingRule

	maxQueueSize int
	events       chan Event
}

// New constructs a Router ready to accept registrations.
func New(opts Options) *Router {
	shardCount := opts.ShardCount
	if shardCount <= 0 {
		shardCount = defaultShardCount
	}
	maxQueueSize := opts.MaxQueueSize
	if maxQueueSize <= 0 {
		maxQueueSize = defaultMaxQueueSize
	}
	eventBuffer := opts.EventBufferSize
	if eventBuffer <= 0 {
		eventBuffer = defaultEventBuffer
	}

	return &Router{
		agents:        NewShardedMap[*types.AgentRegistration](shardCount),
		queues:        NewShardedMap[*messageQueue](shardCount),
		subscriptions: make(map[string]map[string]struct{}),
		maxQueueSize:  maxQueueSize,
		events:        make(chan Event, eventBuffer),
	}
}

// Events returns the channel observers should range over to react to
// routing-side notifications (messageQueued, ruleApplied, ruleError,
// queueOverflow).
func (r *Router) Events() <-chan Event {
	return r.events
}

func (r *Router) emit(name string, data map[string]interface{}) {
	select {
	case r.events <- Event{Name: name, Data: data, At: time.Now()}:
	default:
		// Observers are expected to keep up; a full buffer means drop
		// rather than block the routing path.
	}
}

// RegisterAgent records reg and indexes every declared subscription.
func (r *Router) RegisterAgent(reg *types.AgentRegistration) error {
	if reg == nil {
		return fmt.Errorf("%w: registration is nil", ErrRouting)
	}

	now := time.Now()
	stored := *reg
	stored.ConnectedAt = now
	stored.LastSeenAt = now
	r.agents.Set(reg.AgentID, &stored)

	for _, sub := range reg.Subscriptions {
		r.indexSubscription(reg.AgentID, sub.Topic)
	}
	return nil
}

// UnregisterAgent removes the registration, its subscription-index
// entries, and its pending queue. Idempotent.
func (r *Router) UnregisterAgent(agentID string) {
	if reg, ok := r.agents.Get(agentID); ok {
		for _, sub := range reg.Subscriptions {
			r.unindexSubscription(agentID, sub.Topic)
		}
	}
	r.agents.Delete(agentID)
	r.queues.Delete(agentID)
}

// GetRegistration returns the current registration for agentID, if any.
func (r *Router) GetRegistration(agentID string) (*types.AgentRegistration, bool) {
	return r.agents.Get(agentID)
}

// ListAgents returns a snapshot of every registered agent.
func (r *Router) ListAgents() []*types.AgentRegistration {
	out := make([]*types.AgentRegistration, 0, r.agents.Len())
	r.agents.Range(func(_ string, reg *types.AgentRegistration) bool {
		out = append(out, reg)
		return true
	})
	return out
}

// AgentCount returns the number of registered agents.
func (r *Router) AgentCount() int {
	return r.agents.Len()
}

// TouchLastSeen updates the registration's lastSeenAt, used by the hub's
// heartbeat monitor to track liveness.
func (r *Router) TouchLastSeen(agentID string) {
	r.agents.Update(agentID, func(old *types.AgentRegistration, existed bool) (*types.AgentRegistration, bool) {
		if !existed {
			return old, false
		}
		clone := *old
		clone.LastSeenAt = time.Now()
		return &clone, true
	})
}

// AddSubscription appends sub to agentID's registration and indexes it.
// Fails if the agent is not registered.
func (r *Router) AddSubscription(agentID string, sub types.Subscription) error {
	found := false
	r.agents.Update(agentID, func(old *types.AgentRegistration, existed bool) (*types.AgentRegistration, bool) {
		if !existed {
			return old, false
		}
		found = true
		clone := *old
		clone.Subscriptions = append(append([]types.Subscription{}, old.Subscriptions...), sub)
		return &clone, true
	})
	if !found {
		return fmt.Errorf("%w: agent %q is not registered", ErrRouting, agentID)
	}
	r.indexSubscription(agentID, sub.Topic)
	return nil
}

// RemoveSubscription drops agentID's subscription to topic, if present.
func (r *Router) RemoveSubscription(agentID, topic string) error {
	found := false
	r.agents.Update(agentID, func(old *types.AgentRegistration, existed bool) (*types.AgentRegistration, bool) {
		if !existed {
			return old, false
		}
		found = true
		clone := *old
		kept := make([]types.Subscription, 0, len(old.Subscriptions))
		for _, s := range old.Subscriptions {
			if s.Topic != topic {
				kept = append(kept, s)
			}
		}
		clone.Subscriptions = kept
		return &clone, true
	})
	if !found {
		return fmt.Errorf("%w: agent %q is not registered", ErrRouting, agentID)
	}
	r.unindexSubscription(agentID, topic)
	return nil
}

func (r *Router) indexSubscription(agentID, topic string) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()

	set, ok := r.subscriptions[topic]
	if !ok {
		set = make(map[string]struct{})
		r.subscriptions[topic] = set
	}
	set[agentID] = struct{}{}
}

func (r *Router) unindexSubscription(agentID, topic string) {
	r.subsMu.Lock()
	defer r.subsMu.Unlock()

	set, ok := r.subscriptions[topic]
	if !ok {
		return
	}
	delete(set, agentID)
	if len(set) == 0 {
		delete(r.subscriptions, topic)
	}
}

func (r *Router) subscribersOf(topic string) []string {
	r.subsMu.RLock()
	defer r.subsMu.RUnlock()

	set := r.subscriptions[topic]
	out := make([]string, 0, len(set))
	for agentID := range set {
		out = append(out, agentID)
	}
	return out
}

// RouteMessage runs the rule pipeline, determines recipients, and
// dispatches to each independently, returning one receipt per recipient
// (or a single synthetic receipt when the pipeline filters the message
// or no recipients exist). A rule, delivery, or recipient failure never
// prevents other recipients from receiving their receipt.
func (r *Router) RouteMessage(msg *types.Message) []*types.DeliveryReceipt {
	working := msg

	if !msg.SuppressRules {
		outcome := r.applyRules(msg.Clone())
		if outcome.filtered {
			return []*types.DeliveryReceipt{{
				MessageID: msg.ID,
				Timestamp: time.Now(),
				Status:    types.ReceiptFiltered,
			}}
		}
		working = outcome.message
	}

	recipients := r.recipientsFor(working)
	if len(recipients) == 0 {
		return []*types.DeliveryReceipt{{
			MessageID: msg.ID,
			Timestamp: time.Now(),
			Status:    types.ReceiptFailed,
			Error:     "no recipients",
		}}
	}

	receipts := make([]*types.DeliveryReceipt, 0, len(recipients))
	for _, agentID := range recipients {
		receipts = append(receipts, r.deliverToAgent(working, agentID))
	}
	return receipts
}

// recipientsFor computes the recipient set for msg: its explicit target
// if set (unicast, bypassing subscription checks), else every topic
// subscriber whose declared subscription matches the message type.
func (r *Router) recipientsFor(msg *types.Message) []string {
	if msg.TargetAgent != "" {
		return []string{msg.TargetAgent}
	}

	candidates := r.subscribersOf(msg.Topic)
	recipients := make([]string, 0, len(candidates))
	for _, agentID := range candidates {
		reg, ok := r.agents.Get(agentID)
		if !ok {
			continue
		}
		for _, sub := range reg.Subscriptions {
			if sub.Topic == msg.Topic && sub.Matches(msg.MessageType) {
				recipients = append(recipients, agentID)
				break
			}
		}
	}
	return recipients
}

// deliverToAgent is non-blocking: it appends msg to agentID's queue and
// emits messageQueued for the hub layer to observe (it keeps the queued-
// message gauge current). Flushing a live stream after a publish is the
// transport's own responsibility, since only it knows which recipients
// are actually attached. The returned receipt marks acceptance for
// delivery, not transport acknowledgement.
func (r *Router) deliverToAgent(msg *types.Message, agentID string) *types.DeliveryReceipt {
	queue := r.queues.GetOrCreate(agentID, func() *messageQueue {
		return newMessageQueue(r.maxQueueSize)
	})

	if dropped := queue.Push(msg); dropped {
		r.emit("queueOverflow", map[string]interface{}{"agentId": agentID})
	}
	r.emit("messageQueued", map[string]interface{}{"agentId": agentID, "messageId": msg.ID})

	return &types.DeliveryReceipt{
		MessageID:   msg.ID,
		Timestamp:   time.Now(),
		Status:      types.ReceiptDelivered,
		TargetAgent: agentID,
	}
}

// DrainQueue removes and returns every message queued for agentID, in
// enqueue order — used on stream (re)attach to flush pending deliveries.
func (r *Router) DrainQueue(agentID string) []*types.Message {
	queue, ok := r.queues.Get(agentID)
	if !ok {
		return nil
	}
	return queue.Drain()
}

// QueueLength reports how many messages are currently queued for
// agentID.
func (r *Router) QueueLength(agentID string) int {
	queue, ok := r.queues.Get(agentID)
	if !ok {
		return 0
	}
	return queue.Len()
}

// TotalQueuedMessages sums queue length across every agent, backing the
// hub's /stats queuedMessages figure and /health degraded-status check.
func (r *Router) TotalQueuedMessages() int {
	total := 0
	r.queues.Range(func(_ string, q *messageQueue) bool {
		total += q.Len()
		return true
	})
	return total
}

// RuleCount reports how many rules are currently loaded.
func (r *Router) RuleCount() int {
	r.rulesMu.RLock()
	defer r.rulesMu.RUnlock()
	return len(r.rules)
}
