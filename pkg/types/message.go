// Package types holds the wire-level data model shared by the hub server
// and the agent client library: messages, receipts, subscriptions,
// registrations, topic definitions, and routing rules.
package types

import (
	"encoding/json"
	"fmt"
	"time"
)

// Priority is the delivery priority carried on every message.
type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityNormal Priority = "normal"
	PriorityHigh   Priority = "high"
)

// ReceiptStatus is the outcome recorded on a DeliveryReceipt.
type ReceiptStatus string

const (
	ReceiptDelivered ReceiptStatus = "delivered"
	ReceiptFailed    ReceiptStatus = "failed"
	ReceiptFiltered  ReceiptStatus = "filtered"
)

// SchemaVersion is the wire schema version stamped onto every serialized
// message. A differing major component fails deserialization; a higher
// minor is accepted with a warning (see internal/serializer).
const SchemaVersion = "1.0"

// Millis is a time.Duration that marshals to and from JSON as a count of
// milliseconds rather than Go's default nanoseconds, matching the wire
// format documented for ttl, heartbeatInterval, and retentionPolicy.maxAge
// (e.g. a 60-second TTL is carried on the wire as `"ttl": 60000`, not as
// a raw Go duration). Use Duration to convert to a time.Duration for
// arithmetic.
type Millis time.Duration

// Duration returns d as a time.Duration.
func (d Millis) Duration() time.Duration { return time.Duration(d) }

// MarshalJSON encodes d as its millisecond count.
func (d Millis) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).Milliseconds())
}

// UnmarshalJSON decodes a millisecond count into d.
func (d *Millis) UnmarshalJSON(data []byte) error {
	var ms int64
	if err := json.Unmarshal(data, &ms); err != nil {
		return fmt.Errorf("types: duration must be a millisecond count: %w", err)
	}
	*d = Millis(time.Duration(ms) * time.Millisecond)
	return nil
}

// Metadata carries the bookkeeping fields every message requires alongside
// its payload.
type Metadata struct {
	CorrelationID    string `json:"correlationId"`
	TTL              Millis `json:"ttl"`
	RetryCount       int    `json:"retryCount"`
	DeliveryAttempts int    `json:"deliveryAttempts"`
	RoutingKey       string `json:"routingKey,omitempty"`
	ReplyTo          string `json:"replyTo,omitempty"`
}

// Message is the unit of transport between agents.
type Message struct {
	ID            string      `json:"id"`
	SchemaVersion string      `json:"schemaVersion,omitempty"`
	Timestamp     time.Time   `json:"timestamp"`
	SourceAgent   string      `json:"sourceAgent"`
	TargetAgent   string      `json:"targetAgent,omitempty"`
	Topic         string      `json:"topic"`
	MessageType   string      `json:"messageType"`
	Priority      Priority    `json:"priority"`
	Payload       interface{} `json:"payload,omitempty"`
	Metadata      Metadata    `json:"metadata"`

	// ContentHash is computed by the serializer, never set by callers; it
	// folds a SHA-256 digest of the fields that define message identity
	// independent of id and timestamp down to 32 bits, for deduplication.
	ContentHash uint32 `json:"contentHash,omitempty"`

	// SuppressRules marks a message produced by a `duplicate` rule action
	// as already routed: it re-enters delivery but must not run the rule
	// pipeline again. Never set by callers, never put on the wire as a
	// deliberate field a client should rely on — internal bookkeeping only.
	SuppressRules bool `json:"-"`
}

// Clone returns a shallow copy of msg: fields reassigned on the copy do
// not affect the caller's original, but the Payload value (and any map or
// slice inside it) is shared with the original, not copied.
func (m *Message) Clone() *Message {
	clone := *m
	return &clone
}

// DeliveryReceipt is the hub's acknowledgement of a publish, issued once
// per intended recipient (see invariant 4 in spec.md §3).
type DeliveryReceipt struct {
	MessageID   string        `json:"messageId"`
	Timestamp   time.Time     `json:"timestamp"`
	Status      ReceiptStatus `json:"status"`
	TargetAgent string        `json:"targetAgent"`
	Error       string        `json:"error,omitempty"`
}

// Subscription is an agent's declared interest in a topic, optionally
// narrowed to a set of message types. An empty MessageTypes means "any
// type on this topic."
type Subscription struct {
	Topic        string   `json:"topic"`
	MessageTypes []string `json:"messageTypes"`
	Priority     Priority `json:"priority"`
	HandlerTag   string   `json:"handlerTag,omitempty"`
}

// Matches reports whether a message of the given type on this
// subscription's topic should be delivered.
func (s Subscription) Matches(messageType string) bool {
	if len(s.MessageTypes) == 0 {
		return true
	}
	for _, mt := range s.MessageTypes {
		if mt == messageType {
			return true
		}
	}
	return false
}

// AgentRegistration describes a participant known to the hub.
type AgentRegistration struct {
	AgentID           string         `json:"agentId"`
	AgentType         string         `json:"agentType"`
	Capabilities      []string       `json:"capabilities,omitempty"`
	Subscriptions     []Subscription `json:"subscriptions,omitempty"`
	Endpoint          string         `json:"endpoint,omitempty"`
	HeartbeatInterval Millis         `json:"heartbeatInterval"`

	// Server-side bookkeeping: the hub sets both on registration, replacing
	// any value a client submits. Both are marshalled with the registration
	// (omitempty does not drop a zero time.Time), including on /agents.
	ConnectedAt time.Time `json:"connectedAt,omitempty"`
	LastSeenAt  time.Time `json:"lastSeenAt,omitempty"`
}

// RetentionPolicy bounds a topic's stored history.
type RetentionPolicy struct {
	MaxMessages        int    `json:"maxMessages"`
	MaxAge             Millis `json:"maxAge"`
	CompressionEnabled bool   `json:"compressionEnabled"`
}

// TopicDefinition names a routing channel and its retention policy.
type TopicDefinition struct {
	Name            string          `json:"name"`
	Description     string          `json:"description,omitempty"`
	MessageTypes    []string        `json:"messageTypes,omitempty"`
	RetentionPolicy RetentionPolicy `json:"retentionPolicy"`
	CreatedAt       time.Time       `json:"createdAt,omitempty"`
	MessageCount    int64           `json:"messageCount,omitempty"`
}

// RuleActionKind is the kind of side effect a RoutingRule applies.
type RuleActionKind string

const (
	ActionForward   RuleActionKind = "forward"
	ActionTransform RuleActionKind = "transform"
	ActionFilter    RuleActionKind = "filter"
	ActionDuplicate RuleActionKind = "duplicate"
	ActionDelay     RuleActionKind = "delay"
)

// FilterOperator is the comparison applied by a filter action's condition.
type FilterOperator string

const (
	OpEquals      FilterOperator = "equals"
	OpNotEquals   FilterOperator = "not_equals"
	OpContains    FilterOperator = "contains"
	OpGreaterThan FilterOperator = "greater_than"
	OpLessThan    FilterOperator = "less_than"
)

// FilterCondition is the predicate evaluated by a filter action.
type FilterCondition struct {
	Field    string         `json:"field"`
	Operator FilterOperator `json:"operator"`
	Value    interface{}    `json:"value"`
}

// RulePredicate is a simple field/operator/value match used to decide
// whether a rule applies to a message at all (distinct from a filter
// action's pass/fail condition).
type RulePredicate struct {
	Field    string         `json:"field,omitempty"`
	Operator FilterOperator `json:"operator,omitempty"`
	Value    interface{}    `json:"value,omitempty"`
}

// Matches reports whether the predicate is satisfied for m. A zero-value
// predicate (empty Field) always matches, so a rule with no predicate
// applies to every message.
func (p RulePredicate) Matches(m *Message) bool {
	if p.Field == "" {
		return true
	}
	return EvaluateCondition(m, FilterCondition(p))
}

// RuleAction is the typed action a RoutingRule performs once its predicate
// matches.
type RuleAction struct {
	Kind RuleActionKind `json:"kind"`

	// filter
	Filter FilterCondition `json:"filter,omitempty"`

	// transform
	PayloadOverrides  map[string]interface{} `json:"payloadOverrides,omitempty"`
	MetadataOverrides map[string]interface{} `json:"metadataOverrides,omitempty"`
	MessageType       string                  `json:"messageType,omitempty"`
	Priority          Priority                `json:"priority,omitempty"`

	// forward
	ForwardTo []string `json:"forwardTo,omitempty"`

	// duplicate
	Count        int                    `json:"count,omitempty"`
	Modifications map[string]interface{} `json:"modifications,omitempty"`

	// delay
	DelayMS int `json:"delayMs,omitempty"`
}

// RoutingRule is a priority-ordered predicate/action pair applied to every
// routed message.
type RoutingRule struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Priority  int            `json:"priority"`
	Enabled   bool           `json:"enabled"`
	Predicate RulePredicate  `json:"predicate"`
	Action    RuleAction     `json:"action"`
}
