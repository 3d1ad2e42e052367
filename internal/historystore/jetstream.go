package historystore

import (
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/a2a-hub/hub/pkg/types"
)

// JetStreamConfig configures the durable history backend.
type JetStreamConfig struct {
	URL        string
	StreamName string
	Timeout    time.Duration
}

// JetStreamStore is the optional durable write-ahead log behind the
// Store interface (§9 design note "In-memory history → optional durable
// log"). Reads are still served from an in-process MemoryStore kept in
// sync on every append, so paging and retention bookkeeping don't need
// a JetStream round trip; writes are additionally published to a
// JetStream stream. The MemoryStore is not reloaded from the stream on
// startup, so reads cover only messages appended by this process.
type JetStreamStore struct {
	memory     *MemoryStore
	conn       *nats.Conn
	js         nats.JetStreamContext
	streamName string
}

// NewJetStreamStore connects to NATS, ensures the durable stream exists,
// and returns a Store backed by it.
func NewJetStreamStore(cfg JetStreamConfig, enablePersistence bool) (*JetStreamStore, error) {
	if cfg.URL == "" {
		cfg.URL = "nats://localhost:4222"
	}
	if cfg.StreamName == "" {
		cfg.StreamName = "A2A_HISTORY"
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 10 * time.Second
	}

	nc, err := nats.Connect(cfg.URL,
		nats.Timeout(cfg.Timeout),
		nats.ReconnectWait(time.Second),
		nats.MaxReconnects(-1),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("historystore: nats disconnected: %v", err)
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("historystore: nats reconnected to %s", nc.ConnectedUrl())
		}),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: connect to nats: %v", ErrHistory, err)
	}

	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("%w: jetstream context: %v", ErrHistory, err)
	}

	store := &JetStreamStore{
		memory:     New(enablePersistence),
		conn:       nc,
		js:         js,
		streamName: cfg.StreamName,
	}

	if err := store.ensureStream(); err != nil {
		nc.Close()
		return nil, err
	}
	log.Printf("historystore: connected to nats at %s with stream %s", cfg.URL, cfg.StreamName)
	return store, nil
}

func (s *JetStreamStore) ensureStream() error {
	cfg := &nats.StreamConfig{
		Name:      s.streamName,
		Subjects:  []string{"a2a.history.>"},
		Retention: nats.LimitsPolicy,
		Storage:   nats.FileStorage,
		Replicas:  1,
		Discard:   nats.DiscardOld,
	}

	if _, err := s.js.StreamInfo(s.streamName); err != nil {
		if _, err := s.js.AddStream(cfg); err != nil {
			return fmt.Errorf("%w: create stream: %v", ErrHistory, err)
		}
		log.Printf("historystore: created jetstream stream %s", s.streamName)
	}
	return nil
}

// Append writes through to the in-memory ring for fast reads and
// publishes the message onto the durable stream when persistence is
// enabled.
func (s *JetStreamStore) Append(topic string, msg *types.Message) error {
	if err := s.memory.Append(topic, msg); err != nil {
		return err
	}
	if !s.memory.enablePersistence {
		return nil
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("%w: marshal: %v", ErrHistory, err)
	}

	subject := fmt.Sprintf("a2a.history.%s", topic)
	if _, err := s.js.Publish(subject, data); err != nil {
		return fmt.Errorf("%w: publish to %s: %v", ErrHistory, subject, err)
	}
	return nil
}

func (s *JetStreamStore) Messages(topic string, limit, offset int) ([]*types.Message, int, error) {
	return s.memory.Messages(topic, limit, offset)
}

func (s *JetStreamStore) DefineTopic(def *types.TopicDefinition) error {
	return s.memory.DefineTopic(def)
}

func (s *JetStreamStore) Definition(topic string) (*types.TopicDefinition, bool) {
	return s.memory.Definition(topic)
}

func (s *JetStreamStore) Definitions() []*types.TopicDefinition {
	return s.memory.Definitions()
}

func (s *JetStreamStore) PruneAll() {
	s.memory.PruneAll()
}

// Close closes the NATS connection.
func (s *JetStreamStore) Close() error {
	s.conn.Close()
	return nil
}

var _ Store = (*MemoryStore)(nil)
var _ Store = (*JetStreamStore)(nil)
