// Package serializer implements the canonical wire form for messages: JSON
// encoding with an optional field-name compression dictionary, batch
// aggregates, schema-version compatibility checks, and the content hash
// used for deduplication.
package serializer

import (
	"crypto/sha256"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"strconv"
	"strings"
	"time"

	"github.com/a2a-hub/hub/pkg/types"
)

// ErrSerialization is the sentinel wrapped by every failure this package
// returns, so callers can detect it with errors.Is instead of matching on
// message text.
var ErrSerialization = fmt.Errorf("serialization error")

const compressedPrefix = "COMPRESSED:"

// fieldDictionary maps canonical top-level message field names to their
// compressed wire form. correlationId lives one level down, inside
// metadata, and is renamed the same way when the metadata sub-object is
// compressed.
var fieldDictionary = map[string]string{
	"timestamp":     "t",
	"sourceAgent":   "s",
	"targetAgent":   "ta",
	"messageType":   "mt",
	"metadata":      "m",
	"payload":       "p",
	"correlationId": "c",
}

var reverseDictionary = invert(fieldDictionary)

func invert(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[v] = k
	}
	return out
}

// SerializeOptions controls serialize.
type SerializeOptions struct {
	Compress      bool
	IncludeSchema bool
}

// DeserializeOptions controls deserialize.
type DeserializeOptions struct {
	ValidateOnDeserialize bool
}

// Serialize renders msg to its canonical JSON wire form. It stamps
// schemaVersion (when requested) and always recomputes contentHash so a
// tampered payload cannot reuse a stale hash.
func Serialize(msg *types.Message, opts SerializeOptions) (string, error) {
	if msg == nil {
		return "", fmt.Errorf("%w: message is nil", ErrSerialization)
	}

	out := *msg
	if opts.IncludeSchema && out.SchemaVersion == "" {
		out.SchemaVersion = types.SchemaVersion
	}
	out.ContentHash = ContentHash(&out)

	asMap, err := toMap(&out)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	if !opts.Compress {
		b, err := json.Marshal(asMap)
		if err != nil {
			return "", fmt.Errorf("%w: %v", ErrSerialization, err)
		}
		return string(b), nil
	}

	compressed := compressMap(asMap)
	b, err := json.Marshal(compressed)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return compressedPrefix + string(b), nil
}

// SerializeBinary compresses msg then returns its UTF-8 bytes.
func SerializeBinary(msg *types.Message) ([]byte, error) {
	s, err := Serialize(msg, SerializeOptions{Compress: true, IncludeSchema: true})
	if err != nil {
		return nil, err
	}
	return []byte(s), nil
}

// Deserialize parses the canonical or compressed wire form back into a
// Message, failing with ErrSerialization on structural issues or an
// incompatible schema major version.
func Deserialize(data string, opts DeserializeOptions) (*types.Message, error) {
	var raw string
	compressed := strings.HasPrefix(data, compressedPrefix)
	if compressed {
		raw = strings.TrimPrefix(data, compressedPrefix)
	} else {
		raw = data
	}

	var asMap map[string]interface{}
	if err := json.Unmarshal([]byte(raw), &asMap); err != nil {
		return nil, fmt.Errorf("%w: malformed json: %v", ErrSerialization, err)
	}

	if compressed {
		asMap = decompressMap(asMap)
	}

	b, err := json.Marshal(asMap)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	var msg types.Message
	if err := json.Unmarshal(b, &msg); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}

	if err := checkSchemaCompatibility(msg.SchemaVersion); err != nil {
		return nil, err
	}

	if opts.ValidateOnDeserialize {
		if err := validateStructure(&msg); err != nil {
			return nil, err
		}
	}

	return &msg, nil
}

// validateStructure runs the minimal checks serializer itself owns
// (required fields), leaving the full rule set to internal/validator so
// this package never imports it back — the dependency runs one way,
// validator depending on nothing, serializer depending on nothing either.
func validateStructure(msg *types.Message) error {
	if msg.ID == "" {
		return fmt.Errorf("%w: missing id", ErrSerialization)
	}
	if msg.Topic == "" {
		return fmt.Errorf("%w: missing topic", ErrSerialization)
	}
	return nil
}

func toMap(msg *types.Message) (map[string]interface{}, error) {
	b, err := json.Marshal(msg)
	if err != nil {
		return nil, err
	}
	var m map[string]interface{}
	if err := json.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	return m, nil
}

func compressMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		newKey := k
		if short, ok := fieldDictionary[k]; ok {
			newKey = short
		}
		if k == "metadata" {
			if metaMap, ok := v.(map[string]interface{}); ok {
				v = compressMetadata(metaMap)
			}
		}
		out[newKey] = v
	}
	return out
}

func compressMetadata(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		newKey := k
		if k == "correlationId" {
			newKey = fieldDictionary["correlationId"]
		}
		out[newKey] = v
	}
	return out
}

func decompressMap(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		newKey := k
		if long, ok := reverseDictionary[k]; ok {
			newKey = long
		}
		if newKey == "metadata" {
			if metaMap, ok := v.(map[string]interface{}); ok {
				v = decompressMetadata(metaMap)
			}
		}
		out[newKey] = v
	}
	return out
}

func decompressMetadata(m map[string]interface{}) map[string]interface{} {
	out := make(map[string]interface{}, len(m))
	for k, v := range m {
		newKey := k
		if k == "c" {
			newKey = "correlationId"
		}
		out[newKey] = v
	}
	return out
}

// Batch is the aggregate form used by serializeBatch/deserializeBatch.
type Batch struct {
	Version   string           `json:"version"`
	Timestamp time.Time        `json:"timestamp"`
	Count     int              `json:"count"`
	Messages  []*types.Message `json:"messages"`
}

// SerializeBatch wraps msgs in a Batch envelope and renders it as JSON.
// Each message has its contentHash recomputed, matching Serialize.
func SerializeBatch(msgs []*types.Message, timestamp time.Time) (string, error) {
	stamped := make([]*types.Message, len(msgs))
	for i, m := range msgs {
		clone := m.Clone()
		clone.ContentHash = ContentHash(clone)
		stamped[i] = clone
	}

	batch := Batch{
		Version:   types.SchemaVersion,
		Timestamp: timestamp,
		Count:     len(stamped),
		Messages:  stamped,
	}

	b, err := json.Marshal(batch)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	return string(b), nil
}

// DeserializeBatch parses a Batch envelope and returns its messages.
func DeserializeBatch(data string) ([]*types.Message, error) {
	var batch Batch
	if err := json.Unmarshal([]byte(data), &batch); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	for _, msg := range batch.Messages {
		if err := checkSchemaCompatibility(msg.SchemaVersion); err != nil {
			return nil, err
		}
	}
	return batch.Messages, nil
}

// ContentHash folds a SHA-256 digest of the canonicalized subset
// {sourceAgent, targetAgent, topic, messageType, payload, correlationId}
// down to 32 bits by XOR-folding its eight 4-byte words, giving a hash
// stable regardless of id, timestamp, or map key order.
func ContentHash(msg *types.Message) uint32 {
	subset := map[string]interface{}{
		"sourceAgent":   msg.SourceAgent,
		"targetAgent":   msg.TargetAgent,
		"topic":         msg.Topic,
		"messageType":   msg.MessageType,
		"payload":       msg.Payload,
		"correlationId": msg.Metadata.CorrelationID,
	}

	// encoding/json sorts map keys when marshalling, so this is
	// deterministic regardless of insertion order.
	b, err := json.Marshal(subset)
	if err != nil {
		return 0
	}

	sum := sha256.Sum256(b)
	var folded uint32
	for i := 0; i < len(sum); i += 4 {
		folded ^= binary.BigEndian.Uint32(sum[i : i+4])
	}
	return folded
}

func parseSchemaVersion(version string) (major, minor int, err error) {
	parts := strings.SplitN(version, ".", 2)
	if len(parts) != 2 {
		return 0, 0, fmt.Errorf("malformed schema version %q", version)
	}
	major, err = strconv.Atoi(parts[0])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed schema major %q", parts[0])
	}
	minor, err = strconv.Atoi(parts[1])
	if err != nil {
		return 0, 0, fmt.Errorf("malformed schema minor %q", parts[1])
	}
	return major, minor, nil
}

func checkSchemaCompatibility(version string) error {
	if version == "" {
		return nil
	}
	theirMajor, theirMinor, err := parseSchemaVersion(version)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrSerialization, err)
	}
	ourMajor, ourMinor, _ := parseSchemaVersion(types.SchemaVersion)
	if theirMajor != ourMajor {
		return fmt.Errorf("%w: schema major %d incompatible with supported major %d", ErrSerialization, theirMajor, ourMajor)
	}
	if theirMinor > ourMinor {
		log.Printf("serializer: message schema %d.%d is newer than supported %d.%d, proceeding", theirMajor, theirMinor, ourMajor, ourMinor)
	}
	return nil
}
