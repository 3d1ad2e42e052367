package serializer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/a2a-hub/hub/pkg/types"
)

func sampleMessage() *types.Message {
	ts, _ := time.Parse(time.RFC3339, "2026-01-01T12:00:00Z")
	return &types.Message{
		ID:          "m1",
		Timestamp:   ts,
		SourceAgent: "svc",
		Topic:       "chat-support",
		MessageType: "chat.context_update",
		Priority:    types.PriorityNormal,
		Payload:     map[string]interface{}{"x": float64(1)},
		Metadata: types.Metadata{
			CorrelationID: "c1",
			TTL:           types.Millis(60 * time.Second),
		},
	}
}

func TestSerializeDeserializeRoundTrip(t *testing.T) {
	msg := sampleMessage()
	s, err := Serialize(msg, SerializeOptions{IncludeSchema: true})
	require.NoError(t, err)

	back, err := Deserialize(s, DeserializeOptions{})
	require.NoError(t, err)

	assert.Equal(t, msg.ID, back.ID)
	assert.Equal(t, msg.SourceAgent, back.SourceAgent)
	assert.Equal(t, msg.Topic, back.Topic)
	assert.Equal(t, msg.MessageType, back.MessageType)
	assert.True(t, msg.Timestamp.Equal(back.Timestamp))
	assert.Equal(t, types.SchemaVersion, back.SchemaVersion)
}

func TestSerializeCompressedRoundTrip(t *testing.T) {
	msg := sampleMessage()
	s, err := Serialize(msg, SerializeOptions{Compress: true, IncludeSchema: true})
	require.NoError(t, err)
	assert.True(t, len(s) > len(compressedPrefix))
	assert.Equal(t, compressedPrefix, s[:len(compressedPrefix)])

	back, err := Deserialize(s, DeserializeOptions{})
	require.NoError(t, err)
	assert.Equal(t, msg.ID, back.ID)
	assert.Equal(t, msg.Metadata.CorrelationID, back.Metadata.CorrelationID)
	assert.Equal(t, msg.Topic, back.Topic)
}

func TestSerializeBinary(t *testing.T) {
	msg := sampleMessage()
	b, err := SerializeBinary(msg)
	require.NoError(t, err)

	back, err := Deserialize(string(b), DeserializeOptions{})
	require.NoError(t, err)
	assert.Equal(t, msg.ID, back.ID)
}

func TestDeserializeMalformedJSON(t *testing.T) {
	_, err := Deserialize("{not json", DeserializeOptions{})
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestDeserializeIncompatibleMajorVersion(t *testing.T) {
	msg := sampleMessage()
	msg.SchemaVersion = "2.0"
	s, err := Serialize(msg, SerializeOptions{})
	require.NoError(t, err)

	_, err = Deserialize(s, DeserializeOptions{})
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestDeserializeNewerMinorVersionProceeds(t *testing.T) {
	msg := sampleMessage()
	msg.SchemaVersion = "1.99"
	s, err := Serialize(msg, SerializeOptions{})
	require.NoError(t, err)

	back, err := Deserialize(s, DeserializeOptions{})
	require.NoError(t, err)
	assert.Equal(t, "1.99", back.SchemaVersion)
}

func TestDeserializeValidateOnDeserialize(t *testing.T) {
	msg := sampleMessage()
	msg.ID = ""
	s, err := Serialize(msg, SerializeOptions{})
	require.NoError(t, err)

	_, err = Deserialize(s, DeserializeOptions{ValidateOnDeserialize: true})
	assert.ErrorIs(t, err, ErrSerialization)
}

func TestSerializeBatchRoundTrip(t *testing.T) {
	msgs := []*types.Message{sampleMessage(), sampleMessage()}
	msgs[1].ID = "m2"

	s, err := SerializeBatch(msgs, time.Now())
	require.NoError(t, err)

	back, err := DeserializeBatch(s)
	require.NoError(t, err)
	require.Len(t, back, 2)
	assert.Equal(t, "m1", back[0].ID)
	assert.Equal(t, "m2", back[1].ID)
}

func TestContentHashStableAcrossIDAndTimestamp(t *testing.T) {
	a := sampleMessage()
	b := sampleMessage()
	b.ID = "m-different"
	b.Timestamp = b.Timestamp.Add(time.Hour)

	assert.Equal(t, ContentHash(a), ContentHash(b))
}

func TestContentHashDiffersOnPayload(t *testing.T) {
	a := sampleMessage()
	b := sampleMessage()
	b.Payload = map[string]interface{}{"x": float64(2)}

	assert.NotEqual(t, ContentHash(a), ContentHash(b))
}

func TestContentHashStableRegardlessOfMapKeyOrder(t *testing.T) {
	a := sampleMessage()
	a.Payload = map[string]interface{}{"x": float64(1), "y": float64(2)}
	b := sampleMessage()
	b.Payload = map[string]interface{}{"y": float64(2), "x": float64(1)}

	assert.Equal(t, ContentHash(a), ContentHash(b))
}
