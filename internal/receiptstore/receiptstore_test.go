package receiptstore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a2a-hub/hub/pkg/types"
)

func receiptAt(messageID string, ts time.Time) *types.DeliveryReceipt {
	return &types.DeliveryReceipt{
		MessageID:   messageID,
		Timestamp:   ts,
		Status:      types.ReceiptDelivered,
		TargetAgent: "fraud-detector-01",
	}
}

func TestRecordAndRetrieveReceipt(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, receiptAt("m1", time.Now())))
	require.NoError(t, s.Record(ctx, receiptAt("m1", time.Now())))

	receipts, ok := s.ReceiptsFor(ctx, "m1")
	require.True(t, ok)
	assert.Len(t, receipts, 2)
}

func TestReceiptsForUnknownMessage(t *testing.T) {
	s := New(nil)
	_, ok := s.ReceiptsFor(context.Background(), "does-not-exist")
	assert.False(t, ok)
}

func TestRecordNilReceiptFails(t *testing.T) {
	s := New(nil)
	err := s.Record(context.Background(), nil)
	assert.ErrorIs(t, err, ErrReceiptStore)
}

func TestCleanupRemovesOnlyExpiredReceipts(t *testing.T) {
	s := New(&Config{MaxAge: time.Hour})
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, receiptAt("old", time.Now().Add(-2*time.Hour))))
	require.NoError(t, s.Record(ctx, receiptAt("fresh", time.Now())))

	removed := s.Cleanup(ctx)
	assert.Equal(t, 1, removed)

	_, ok := s.ReceiptsFor(ctx, "old")
	assert.False(t, ok)

	fresh, ok := s.ReceiptsFor(ctx, "fresh")
	assert.True(t, ok)
	assert.Len(t, fresh, 1)
}

func TestCleanupPartiallyEvictsAMessagesReceipts(t *testing.T) {
	s := New(&Config{MaxAge: time.Hour})
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, receiptAt("m1", time.Now().Add(-2*time.Hour))))
	require.NoError(t, s.Record(ctx, receiptAt("m1", time.Now())))

	s.Cleanup(ctx)

	remaining, ok := s.ReceiptsFor(ctx, "m1")
	require.True(t, ok)
	assert.Len(t, remaining, 1)
}

func TestCountReflectsAllStoredReceipts(t *testing.T) {
	s := New(nil)
	ctx := context.Background()

	require.NoError(t, s.Record(ctx, receiptAt("m1", time.Now())))
	require.NoError(t, s.Record(ctx, receiptAt("m2", time.Now())))
	require.NoError(t, s.Record(ctx, receiptAt("m2", time.Now())))

	assert.Equal(t, 3, s.Count(ctx))
}

func TestDefaultConfigUsesOneHourRetention(t *testing.T) {
	cfg := DefaultConfig()
	assert.Equal(t, time.Hour, cfg.MaxAge)
}

func TestCloseDelegatesToBackend(t *testing.T) {
	s := New(nil)
	assert.NoError(t, s.Close())
}
