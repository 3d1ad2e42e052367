// Package receiptstore holds delivery receipts keyed by message id, with
// age-based pruning and a pluggable backend — in-memory by default, or
// Redis-backed for sharing receipts across hub replicas.
package receiptstore

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/a2a-hub/hub/pkg/types"
)

// ErrReceiptStore is the sentinel wrapped by every error this package
// returns.
var ErrReceiptStore = fmt.Errorf("receipt store error")

// DefaultMaxAge and DefaultCleanupPeriod match the hub's 5-minute
// cleanup task pruning receipts older than an hour.
const (
	DefaultMaxAge        = time.Hour
	DefaultCleanupPeriod = 5 * time.Minute
)

// Backend is the storage interface a receipt store delegates to,
// mirroring the teacher's CacheBackend swap-in pattern: callers choose
// an in-memory or Redis-backed implementation without touching Store's
// own logic.
type Backend interface {
	Store(ctx context.Context, receipt *types.DeliveryReceipt) error
	Get(ctx context.Context, messageID string) ([]*types.DeliveryReceipt, bool)
	DeleteOlderThan(ctx context.Context, cutoff time.Time) int
	Count(ctx context.Context) int
	Close() error
}

// Config controls retention.
type Config struct {
	MaxAge time.Duration
}

// DefaultConfig returns the hub's standard 1-hour receipt retention.
func DefaultConfig() *Config {
	return &Config{MaxAge: DefaultMaxAge}
}

// Store records delivery receipts and prunes them by age. Construct with
// New for the default in-memory backend, or NewFromRedis to share
// receipts across hub replicas.
type Store struct {
	backend Backend
	config  *Config
}

// New creates an in-memory Store.
func New(config *Config) *Store {
	if config == nil {
		config = DefaultConfig()
	}
	return &Store{backend: newMemoryBackend(), config: config}
}

// NewFromRedis creates a Store backed by Redis.
func NewFromRedis(backend *RedisBackend, config *Config) *Store {
	if config == nil {
		config = DefaultConfig()
	}
	return &Store{backend: backend, config: config}
}

// Record stores a receipt.
func (s *Store) Record(ctx context.Context, receipt *types.DeliveryReceipt) error {
	if receipt == nil {
		return fmt.Errorf("%w: receipt is nil", ErrReceiptStore)
	}
	return s.backend.Store(ctx, receipt)
}

// ReceiptsFor returns every receipt recorded for messageID.
func (s *Store) ReceiptsFor(ctx context.Context, messageID string) ([]*types.DeliveryReceipt, bool) {
	return s.backend.Get(ctx, messageID)
}

// Cleanup removes receipts older than the configured max age and
// reports how many were removed. Called by the hub's periodic cleanup
// task.
func (s *Store) Cleanup(ctx context.Context) int {
	cutoff := time.Now().Add(-s.config.MaxAge)
	return s.backend.DeleteOlderThan(ctx, cutoff)
}

// Count reports the total number of stored receipts.
func (s *Store) Count(ctx context.Context) int {
	return s.backend.Count(ctx)
}

// Close releases the backend's resources.
func (s *Store) Close() error {
	return s.backend.Close()
}

type memoryBackend struct {
	mu        sync.RWMutex
	byMessage map[string][]*types.DeliveryReceipt
}

func newMemoryBackend() *memoryBackend {
	return &memoryBackend{byMessage: make(map[string][]*types.DeliveryReceipt)}
}

func (b *memoryBackend) Store(_ context.Context, r *types.DeliveryReceipt) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.byMessage[r.MessageID] = append(b.byMessage[r.MessageID], r)
	return nil
}

func (b *memoryBackend) Get(_ context.Context, messageID string) ([]*types.DeliveryReceipt, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	r, ok := b.byMessage[messageID]
	return r, ok
}

func (b *memoryBackend) DeleteOlderThan(_ context.Context, cutoff time.Time) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	removed := 0
	for id, receipts := range b.byMessage {
		kept := receipts[:0]
		for _, r := range receipts {
			if r.Timestamp.Before(cutoff) {
				removed++
			} else {
				kept = append(kept, r)
			}
		}
		if len(kept) == 0 {
			delete(b.byMessage, id)
		} else {
			b.byMessage[id] = kept
		}
	}
	return removed
}

func (b *memoryBackend) Count(_ context.Context) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	total := 0
	for _, r := range b.byMessage {
		total += len(r)
	}
	return total
}

func (b *memoryBackend) Close() error { return nil }

var _ Backend = (*memoryBackend)(nil)
