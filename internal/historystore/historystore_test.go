package historystore

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a2a-hub/hub/pkg/types"
)

func msgAt(id string, ts time.Time) *types.Message {
	return &types.Message{ID: id, Timestamp: ts, Topic: "chat-support"}
}

func TestDefaultTopicsPreloaded(t *testing.T) {
	s := New(true)
	defs := s.Definitions()
	names := make(map[string]bool, len(defs))
	for _, d := range defs {
		names[d.Name] = true
	}
	for _, want := range []string{"fraud-detection", "recommendations", "chat-support", "system-events"} {
		assert.True(t, names[want], "expected default topic %q", want)
	}
}

func TestAppendAndRetrieveMessages(t *testing.T) {
	s := New(true)
	require.NoError(t, s.Append("chat-support", msgAt("m1", time.Now())))
	require.NoError(t, s.Append("chat-support", msgAt("m2", time.Now())))

	msgs, total, err := s.Messages("chat-support", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, msgs, 2)
	assert.Equal(t, "m1", msgs[0].ID)
	assert.Equal(t, "m2", msgs[1].ID)
}

func TestPersistenceDisabledNeverStores(t *testing.T) {
	s := New(false)
	require.NoError(t, s.Append("chat-support", msgAt("m1", time.Now())))

	msgs, total, err := s.Messages("chat-support", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Empty(t, msgs)
}

func TestRetentionTruncatesByMaxMessages(t *testing.T) {
	s := New(true)
	require.NoError(t, s.DefineTopic(&types.TopicDefinition{
		Name:            "small",
		RetentionPolicy: types.RetentionPolicy{MaxMessages: 2, MaxAge: types.Millis(time.Hour)},
	}))

	for _, id := range []string{"a", "b", "c"} {
		require.NoError(t, s.Append("small", msgAt(id, time.Now())))
	}

	msgs, total, err := s.Messages("small", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, msgs, 2)
	assert.Equal(t, []string{"b", "c"}, []string{msgs[0].ID, msgs[1].ID})
}

func TestRetentionEvictsByMaxAge(t *testing.T) {
	s := New(true)
	require.NoError(t, s.DefineTopic(&types.TopicDefinition{
		Name:            "aged",
		RetentionPolicy: types.RetentionPolicy{MaxMessages: 100, MaxAge: types.Millis(time.Minute)},
	}))

	require.NoError(t, s.Append("aged", msgAt("old", time.Now().Add(-2*time.Minute))))
	require.NoError(t, s.Append("aged", msgAt("new", time.Now())))

	msgs, total, err := s.Messages("aged", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, msgs, 1)
	assert.Equal(t, "new", msgs[0].ID)
}

func TestPruneAllAppliesAgeEvictionEagerly(t *testing.T) {
	s := New(true)
	require.NoError(t, s.DefineTopic(&types.TopicDefinition{
		Name:            "aged2",
		RetentionPolicy: types.RetentionPolicy{MaxMessages: 100, MaxAge: types.Millis(time.Minute)},
	}))

	require.NoError(t, s.Append("aged2", msgAt("old", time.Now().Add(-2*time.Minute))))
	s.PruneAll()

	_, total, err := s.Messages("aged2", 0, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
}

func TestMessagesPagination(t *testing.T) {
	s := New(true)
	require.NoError(t, s.DefineTopic(&types.TopicDefinition{
		Name:            "paged",
		RetentionPolicy: types.RetentionPolicy{MaxMessages: 100, MaxAge: types.Millis(time.Hour)},
	}))
	for _, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Append("paged", msgAt(id, time.Now())))
	}

	page, total, err := s.Messages("paged", 2, 1)
	require.NoError(t, err)
	assert.Equal(t, 4, total)
	require.Len(t, page, 2)
	assert.Equal(t, []string{"b", "c"}, []string{page[0].ID, page[1].ID})
}

func TestMessagesUnknownTopic(t *testing.T) {
	s := New(true)
	_, _, err := s.Messages("does-not-exist", 0, 0)
	assert.ErrorIs(t, err, ErrHistory)
}

func TestAppendAutoDefinesUnknownTopic(t *testing.T) {
	s := New(true)
	require.NoError(t, s.Append("ad-hoc", msgAt("m1", time.Now())))

	def, ok := s.Definition("ad-hoc")
	require.True(t, ok)
	assert.Equal(t, "ad-hoc", def.Name)
}
