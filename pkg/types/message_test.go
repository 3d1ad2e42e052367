package types

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMillisMarshalsAsMilliseconds(t *testing.T) {
	b, err := json.Marshal(Millis(60 * time.Second))
	require.NoError(t, err)
	assert.Equal(t, "60000", string(b))
}

func TestMillisUnmarshalsFromMillisecondLiteral(t *testing.T) {
	var d Millis
	require.NoError(t, json.Unmarshal([]byte("1000"), &d))
	assert.Equal(t, time.Second, d.Duration())
}

func TestMetadataTTLRoundTripsThroughWireMilliseconds(t *testing.T) {
	meta := Metadata{CorrelationID: "c1", TTL: Millis(90 * time.Second)}
	b, err := json.Marshal(meta)
	require.NoError(t, err)
	require.Contains(t, string(b), `"ttl":90000`)

	var back Metadata
	require.NoError(t, json.Unmarshal(b, &back))
	assert.Equal(t, 90*time.Second, back.TTL.Duration())
}

func TestSubscriptionMatches(t *testing.T) {
	empty := Subscription{Topic: "chat-support"}
	assert.True(t, empty.Matches("chat.context_update"), "empty messageTypes means any type")

	narrow := Subscription{Topic: "chat-support", MessageTypes: []string{"chat.escalation"}}
	assert.True(t, narrow.Matches("chat.escalation"))
	assert.False(t, narrow.Matches("chat.context_update"))
}

func TestMessageClone(t *testing.T) {
	orig := &Message{
		ID:    "m1",
		Topic: "chat-support",
		Metadata: Metadata{
			CorrelationID: "c1",
		},
	}
	clone := orig.Clone()
	clone.ID = "m1_dup_1"

	assert.Equal(t, "m1", orig.ID, "cloning must not mutate the original")
	assert.Equal(t, "m1_dup_1", clone.ID)
	assert.Equal(t, orig.Metadata.CorrelationID, clone.Metadata.CorrelationID)
}

func TestRulePredicateEmptyMatchesEverything(t *testing.T) {
	p := RulePredicate{}
	msg := &Message{ID: "m1", Topic: "x"}
	assert.True(t, p.Matches(msg))
}

func TestEvaluateConditionDottedPath(t *testing.T) {
	msg := &Message{
		ID:       "m1",
		Priority: PriorityHigh,
		Metadata: Metadata{CorrelationID: "c1"},
	}

	require.True(t, EvaluateCondition(msg, FilterCondition{
		Field: "priority", Operator: OpEquals, Value: "high",
	}))
	require.False(t, EvaluateCondition(msg, FilterCondition{
		Field: "priority", Operator: OpEquals, Value: "low",
	}))
	require.True(t, EvaluateCondition(msg, FilterCondition{
		Field: "metadata.correlationId", Operator: OpEquals, Value: "c1",
	}))
	require.True(t, EvaluateCondition(msg, FilterCondition{
		Field: "metadata.correlationId", Operator: OpNotEquals, Value: "other",
	}))
	require.False(t, EvaluateCondition(msg, FilterCondition{
		Field: "nonexistent.field", Operator: OpEquals, Value: "x",
	}))
}

func TestEvaluateConditionNumericCompare(t *testing.T) {
	msg := &Message{
		ID: "m1",
		Metadata: Metadata{
			CorrelationID:    "c1",
			RetryCount:       3,
			DeliveryAttempts: 1,
			TTL:              Millis(60 * time.Second),
		},
	}
	assert.True(t, EvaluateCondition(msg, FilterCondition{
		Field: "metadata.retryCount", Operator: OpGreaterThan, Value: 2,
	}))
	assert.True(t, EvaluateCondition(msg, FilterCondition{
		Field: "metadata.retryCount", Operator: OpLessThan, Value: 10,
	}))
}
