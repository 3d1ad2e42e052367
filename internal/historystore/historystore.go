// Package historystore holds bounded per-topic message history: an
// in-memory ring pruned by each topic's retention policy, with an
// optional NATS JetStream-backed durable implementation behind the same
// interface.
package historystore

import (
	"fmt"
	"sync"
	"time"

	"github.com/a2a-hub/hub/pkg/types"
)

// ErrHistory is the sentinel wrapped by every error this package
// returns.
var ErrHistory = fmt.Errorf("history store error")

// Store is the interface the hub server depends on; MemoryStore and the
// JetStream-backed durable variant both implement it, so enabling
// persistence is a configuration choice, not a code change.
type Store interface {
	Append(topic string, msg *types.Message) error
	Messages(topic string, limit, offset int) ([]*types.Message, int, error)
	DefineTopic(def *types.TopicDefinition) error
	Definition(topic string) (*types.TopicDefinition, bool)
	Definitions() []*types.TopicDefinition
	PruneAll()
	Close() error
}

// DefaultTopicDefinitions returns the four topics that must be preloaded
// at startup.
func DefaultTopicDefinitions() []*types.TopicDefinition {
	return []*types.TopicDefinition{
		{
			Name:         "fraud-detection",
			MessageTypes: []string{"fraud.alert", "fraud.risk_score"},
			RetentionPolicy: types.RetentionPolicy{
				MaxMessages: 10000, MaxAge: types.Millis(24 * time.Hour), CompressionEnabled: true,
			},
		},
		{
			Name:         "recommendations",
			MessageTypes: []string{"recommendation.request", "recommendation.response"},
			RetentionPolicy: types.RetentionPolicy{
				MaxMessages: 5000, MaxAge: types.Millis(time.Hour),
			},
		},
		{
			Name:         "chat-support",
			MessageTypes: []string{"chat.context_update", "chat.escalation"},
			RetentionPolicy: types.RetentionPolicy{
				MaxMessages: 1000, MaxAge: types.Millis(30 * time.Minute),
			},
		},
		{
			Name:         "system-events",
			MessageTypes: []string{"system.alert", "agent.status_update"},
			RetentionPolicy: types.RetentionPolicy{
				MaxMessages: 1000, MaxAge: types.Millis(time.Hour), CompressionEnabled: true,
			},
		},
	}
}

type topicHistory struct {
	mu       sync.Mutex
	def      types.TopicDefinition
	messages []*types.Message
}

// MemoryStore is the default, in-process Store: each topic's messages
// live in a slice pruned to its retention policy on every append and on
// PruneAll. When persistence is disabled, Append is a no-op and
// Messages always reports empty.
type MemoryStore struct {
	topicsMu          sync.RWMutex
	topics            map[string]*topicHistory
	enablePersistence bool
}

// New constructs a MemoryStore seeded with the default topics.
func New(enablePersistence bool) *MemoryStore {
	s := &MemoryStore{
		topics:            make(map[string]*topicHistory),
		enablePersistence: enablePersistence,
	}
	for _, def := range DefaultTopicDefinitions() {
		_ = s.DefineTopic(def)
	}
	return s
}

func (s *MemoryStore) DefineTopic(def *types.TopicDefinition) error {
	if def == nil {
		return fmt.Errorf("%w: topic definition is nil", ErrHistory)
	}
	stored := *def
	if stored.CreatedAt.IsZero() {
		stored.CreatedAt = time.Now()
	}

	s.topicsMu.Lock()
	defer s.topicsMu.Unlock()
	s.topics[stored.Name] = &topicHistory{def: stored}
	return nil
}

func (s *MemoryStore) getTopic(name string) (*topicHistory, bool) {
	s.topicsMu.RLock()
	defer s.topicsMu.RUnlock()
	t, ok := s.topics[name]
	return t, ok
}

func (s *MemoryStore) Definition(name string) (*types.TopicDefinition, bool) {
	t, ok := s.getTopic(name)
	if !ok {
		return nil, false
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	def := t.def
	return &def, true
}

func (s *MemoryStore) Definitions() []*types.TopicDefinition {
	s.topicsMu.RLock()
	snapshot := make([]*topicHistory, 0, len(s.topics))
	for _, t := range s.topics {
		snapshot = append(snapshot, t)
	}
	s.topicsMu.RUnlock()

	out := make([]*types.TopicDefinition, 0, len(snapshot))
	for _, t := range snapshot {
		t.mu.Lock()
		def := t.def
		t.mu.Unlock()
		out = append(out, &def)
	}
	return out
}

// Append records msg in topic's history, auto-defining the topic with a
// conservative default retention policy if it hasn't been declared, then
// applies retention.
func (s *MemoryStore) Append(topic string, msg *types.Message) error {
	if !s.enablePersistence {
		return nil
	}

	t, ok := s.getTopic(topic)
	if !ok {
		if err := s.DefineTopic(&types.TopicDefinition{
			Name:            topic,
			RetentionPolicy: types.RetentionPolicy{MaxMessages: 1000, MaxAge: types.Millis(time.Hour)},
		}); err != nil {
			return err
		}
		t, _ = s.getTopic(topic)
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.messages = append(t.messages, msg)
	t.def.MessageCount++
	pruneLocked(t)
	return nil
}

// pruneLocked drops entries older than the topic's maxAge from the head,
// then truncates from the head to at most maxMessages. Caller must hold
// t.mu.
func pruneLocked(t *topicHistory) {
	if t.def.RetentionPolicy.MaxAge > 0 {
		cutoff := time.Now().Add(-t.def.RetentionPolicy.MaxAge.Duration())
		dropTo := 0
		for dropTo < len(t.messages) && !t.messages[dropTo].Timestamp.After(cutoff) {
			dropTo++
		}
		if dropTo > 0 {
			t.messages = t.messages[dropTo:]
		}
	}

	if max := t.def.RetentionPolicy.MaxMessages; max > 0 && len(t.messages) > max {
		t.messages = t.messages[len(t.messages)-max:]
	}
}

// PruneAll re-applies retention across every topic; the hub's 5-minute
// cleanup task calls this so age-based eviction happens eagerly rather
// than only lazily on next append.
func (s *MemoryStore) PruneAll() {
	s.topicsMu.RLock()
	snapshot := make([]*topicHistory, 0, len(s.topics))
	for _, t := range s.topics {
		snapshot = append(snapshot, t)
	}
	s.topicsMu.RUnlock()

	for _, t := range snapshot {
		t.mu.Lock()
		pruneLocked(t)
		t.mu.Unlock()
	}
}

// Messages returns a page of topic's stored messages in append order,
// along with the total count before paging.
func (s *MemoryStore) Messages(topic string, limit, offset int) ([]*types.Message, int, error) {
	t, ok := s.getTopic(topic)
	if !ok {
		return nil, 0, fmt.Errorf("%w: unknown topic %q", ErrHistory, topic)
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	total := len(t.messages)
	if offset < 0 {
		offset = 0
	}
	if offset >= total {
		return []*types.Message{}, total, nil
	}

	end := total
	if limit > 0 && offset+limit < end {
		end = offset + limit
	}

	out := make([]*types.Message, end-offset)
	copy(out, t.messages[offset:end])
	return out, total, nil
}

// Close is a no-op for MemoryStore; it exists to satisfy Store.
func (s *MemoryStore) Close() error { return nil }
