package logging

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLogAppendsAndRecentReturnsNewestFirst(t *testing.T) {
	m := NewManager()
	m.Info("router", "first", nil)
	m.Error("router", "second", nil)

	entries := m.Recent(10, "", "", "", time.Time{}, time.Time{})
	require.Len(t, entries, 2)
	assert.Equal(t, "second", entries[0].Message)
	assert.Equal(t, "first", entries[1].Message)
}

func TestRecentFiltersByLevelAndSource(t *testing.T) {
	m := NewManager()
	m.Info("router", "routed", nil)
	m.Warn("hub", "slow heartbeat", nil)
	m.Error("router", "delivery failed", nil)

	errOnly := m.Recent(10, LogLevelError, "", "", time.Time{}, time.Time{})
	require.Len(t, errOnly, 1)
	assert.Equal(t, "delivery failed", errOnly[0].Message)

	routerOnly := m.Recent(10, "", "router", "", time.Time{}, time.Time{})
	assert.Len(t, routerOnly, 2)
}

func TestRecentFiltersByAgentIDFromMetadata(t *testing.T) {
	m := NewManager()
	m.Info("hub", "delivered", map[string]interface{}{"agentId": "a1"})
	m.Info("hub", "delivered", map[string]interface{}{"agentId": "a2"})

	filtered := m.Recent(10, "", "", "a2", time.Time{}, time.Time{})
	require.Len(t, filtered, 1)
	assert.Equal(t, "a2", filtered[0].Metadata["agentId"])
}

func TestRecentClampsOutOfRangeLimit(t *testing.T) {
	m := NewManager()
	m.Info("hub", "one", nil)

	entries := m.Recent(0, "", "", "", time.Time{}, time.Time{})
	assert.Len(t, entries, 1)

	entries = m.Recent(MaxBufferSize+1, "", "", "", time.Time{}, time.Time{})
	assert.Len(t, entries, 1)
}

func TestAddHandlerIsNotifiedOnLog(t *testing.T) {
	m := NewManager()
	var mu sync.Mutex
	var got Entry
	done := make(chan struct{})

	m.AddHandler(func(e Entry) {
		mu.Lock()
		got = e
		mu.Unlock()
		close(done)
	})
	m.Warn("router", "queue backing up", nil)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("handler was never invoked")
	}

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, "queue backing up", got.Message)
	assert.Equal(t, LogLevelWarn, got.Level)
}

func TestLogInterceptWriterParsesBracketedSource(t *testing.T) {
	m := NewManager()
	w := &logInterceptWriter{manager: m}

	n, err := w.Write([]byte("[router] delivery failed for agent a1\n"))
	require.NoError(t, err)
	assert.Greater(t, n, 0)

	entries := m.Recent(1, "", "", "", time.Time{}, time.Time{})
	require.Len(t, entries, 1)
	assert.Equal(t, "router", entries[0].Source)
	assert.Equal(t, LogLevelError, entries[0].Level)
	assert.Equal(t, "delivery failed for agent a1", entries[0].Message)
}

func TestLogInterceptWriterDefaultsSourceToHub(t *testing.T) {
	m := NewManager()
	w := &logInterceptWriter{manager: m}

	_, err := w.Write([]byte("listening on :8080\n"))
	require.NoError(t, err)

	entries := m.Recent(1, "", "", "", time.Time{}, time.Time{})
	require.Len(t, entries, 1)
	assert.Equal(t, "hub", entries[0].Source)
	assert.Equal(t, LogLevelInfo, entries[0].Level)
}
