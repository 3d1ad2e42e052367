// Package validator checks messages, topic definitions, routing rules, and
// agent registrations for structural and semantic correctness. It never
// mutates its input and never stops at the first violation — every check
// that fails is reported.
package validator

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"github.com/a2a-hub/hub/pkg/types"
)

// ErrValidation is the sentinel that callers (such as the hub's
// RegisterAgent) wrap when a Validate* result is invalid, so a validation
// failure can be detected with errors.Is without string matching.
var ErrValidation = fmt.Errorf("validation failed")

const (
	maxIDLen          = 100
	maxSourceAgentLen = 50
	maxTopicLen       = 100
	maxMessageTypeLen = 100
	maxCorrelationLen = 100
	maxRoutingKeyLen  = 200
	maxReplyToLen     = 100
	maxPayloadBytes   = 1 << 20 // 1 MiB

	clockSkewPast   = -1 * time.Hour
	clockSkewFuture = 5 * time.Minute
)

var (
	topicPattern       = regexp.MustCompile(`^[a-z0-9]+(-[a-z0-9]+)*$`)
	messageTypePattern = regexp.MustCompile(`^[a-z][a-z0-9_]*\.[a-z][a-z0-9_]*$`)
	agentIDPattern     = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_-]{2,49}$`)
)

// Result is the outcome of a validation pass: whether the input was valid,
// and every violation found (empty when IsValid is true).
type Result struct {
	IsValid bool
	Errors  []string
}

func ok() Result { return Result{IsValid: true} }

func fail(errs ...string) Result {
	return Result{IsValid: false, Errors: errs}
}

// ValidateMessage runs every structural and semantic check against msg and
// returns every violation found; it never mutates msg.
func ValidateMessage(msg *types.Message) Result {
	var errs []string

	if msg == nil {
		return fail("message is nil")
	}

	if msg.ID == "" {
		errs = append(errs, "id is required")
	} else if len(msg.ID) > maxIDLen {
		errs = append(errs, fmt.Sprintf("id exceeds %d characters", maxIDLen))
	}

	if msg.SourceAgent != "" && len(msg.SourceAgent) > maxSourceAgentLen {
		errs = append(errs, fmt.Sprintf("sourceAgent exceeds %d characters", maxSourceAgentLen))
	}

	if err := ValidateTopic(msg.Topic); err != nil {
		errs = append(errs, err.Error())
	}

	if err := ValidateMessageType(msg.MessageType); err != nil {
		errs = append(errs, err.Error())
	}

	switch msg.Priority {
	case types.PriorityLow, types.PriorityNormal, types.PriorityHigh:
	default:
		errs = append(errs, fmt.Sprintf("priority %q is not one of low, normal, high", msg.Priority))
	}

	if err := validateTimestamp(msg.Timestamp); err != nil {
		errs = append(errs, err.Error())
	}

	if size, err := payloadSize(msg.Payload); err != nil {
		errs = append(errs, fmt.Sprintf("payload could not be serialized: %v", err))
	} else if size > maxPayloadBytes {
		errs = append(errs, fmt.Sprintf("payload size %d exceeds %d bytes", size, maxPayloadBytes))
	}

	errs = append(errs, validateMetadata(msg.Metadata)...)

	if len(errs) > 0 {
		return fail(errs...)
	}
	return ok()
}

func validateTimestamp(ts time.Time) error {
	if ts.IsZero() {
		return fmt.Errorf("timestamp is required")
	}
	now := time.Now()
	if ts.Before(now.Add(clockSkewPast)) {
		return fmt.Errorf("timestamp is more than %s in the past", -clockSkewPast)
	}
	if ts.After(now.Add(clockSkewFuture)) {
		return fmt.Errorf("timestamp is more than %s in the future", clockSkewFuture)
	}
	return nil
}

func validateMetadata(m types.Metadata) []string {
	var errs []string

	if m.CorrelationID == "" {
		errs = append(errs, "metadata.correlationId is required")
	} else if len(m.CorrelationID) > maxCorrelationLen {
		errs = append(errs, fmt.Sprintf("metadata.correlationId exceeds %d characters", maxCorrelationLen))
	}

	if m.TTL <= 0 {
		errs = append(errs, "metadata.ttl must be greater than 0")
	} else if m.TTL.Duration() > 24*time.Hour {
		errs = append(errs, "metadata.ttl must not exceed 24h")
	}

	if m.RetryCount < 0 || m.RetryCount > 10 {
		errs = append(errs, "metadata.retryCount must be between 0 and 10")
	}

	if m.DeliveryAttempts < 0 || m.DeliveryAttempts > 20 {
		errs = append(errs, "metadata.deliveryAttempts must be between 0 and 20")
	}

	if len(m.RoutingKey) > maxRoutingKeyLen {
		errs = append(errs, fmt.Sprintf("metadata.routingKey exceeds %d characters", maxRoutingKeyLen))
	}

	if len(m.ReplyTo) > maxReplyToLen {
		errs = append(errs, fmt.Sprintf("metadata.replyTo exceeds %d characters", maxReplyToLen))
	}

	return errs
}

func payloadSize(payload interface{}) (int, error) {
	if payload == nil {
		return 0, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, err
	}
	return len(b), nil
}

// ValidateTopic checks the topic naming pattern: lowercase alphanumeric
// segments joined by single hyphens, no leading, trailing, or consecutive
// hyphens.
func ValidateTopic(topic string) error {
	if topic == "" {
		return fmt.Errorf("topic is required")
	}
	if len(topic) > maxTopicLen {
		return fmt.Errorf("topic exceeds %d characters", maxTopicLen)
	}
	if !topicPattern.MatchString(topic) {
		return fmt.Errorf("topic %q must be lowercase alphanumeric segments joined by single hyphens", topic)
	}
	return nil
}

// ValidateMessageType checks the "category.action" pattern.
func ValidateMessageType(messageType string) error {
	if messageType == "" {
		return fmt.Errorf("messageType is required")
	}
	if len(messageType) > maxMessageTypeLen {
		return fmt.Errorf("messageType exceeds %d characters", maxMessageTypeLen)
	}
	if !messageTypePattern.MatchString(messageType) {
		return fmt.Errorf("messageType %q must match category.action", messageType)
	}
	return nil
}

// ValidateAgentID checks the agent-id pattern.
func ValidateAgentID(agentID string) error {
	if !agentIDPattern.MatchString(agentID) {
		return fmt.Errorf("agentId %q does not match the required pattern", agentID)
	}
	return nil
}

// ValidateRegistration checks an AgentRegistration's agentId pattern and
// heartbeat interval.
func ValidateRegistration(reg *types.AgentRegistration) Result {
	var errs []string
	if reg == nil {
		return fail("registration is nil")
	}
	if err := ValidateAgentID(reg.AgentID); err != nil {
		errs = append(errs, err.Error())
	}
	if reg.HeartbeatInterval <= 0 {
		errs = append(errs, "heartbeatInterval must be greater than 0")
	}
	for _, sub := range reg.Subscriptions {
		if err := ValidateTopic(sub.Topic); err != nil {
			errs = append(errs, err.Error())
		}
	}
	if len(errs) > 0 {
		return fail(errs...)
	}
	return ok()
}

// ValidateTopicDefinition checks a TopicDefinition's name pattern and
// retention policy bounds.
func ValidateTopicDefinition(def *types.TopicDefinition) Result {
	var errs []string
	if def == nil {
		return fail("topic definition is nil")
	}
	if err := ValidateTopic(def.Name); err != nil {
		errs = append(errs, err.Error())
	}
	if def.RetentionPolicy.MaxMessages <= 0 {
		errs = append(errs, "retentionPolicy.maxMessages must be greater than 0")
	}
	if def.RetentionPolicy.MaxAge <= 0 {
		errs = append(errs, "retentionPolicy.maxAge must be greater than 0")
	}
	if len(errs) > 0 {
		return fail(errs...)
	}
	return ok()
}

var htmlTagPattern = regexp.MustCompile(`<[^>]*>`)
var strippedChars = strings.NewReplacer("<", "", ">", "", "\"", "", "'", "", "&", "")

// SanitizePayload recursively strips HTML tags and the characters <>"'&
// from every string value and map key in payload. Non-string scalars,
// arrays, and nil pass through unchanged; the input is not mutated.
func SanitizePayload(payload interface{}) interface{} {
	switch v := payload.(type) {
	case string:
		return sanitizeString(v)
	case map[string]interface{}:
		cleaned := make(map[string]interface{}, len(v))
		for k, val := range v {
			cleaned[sanitizeString(k)] = SanitizePayload(val)
		}
		return cleaned
	case []interface{}:
		cleaned := make([]interface{}, len(v))
		for i, item := range v {
			cleaned[i] = SanitizePayload(item)
		}
		return cleaned
	default:
		return v
	}
}

func sanitizeString(s string) string {
	s = htmlTagPattern.ReplaceAllString(s, "")
	return strippedChars.Replace(s)
}

// ValidateRoutingRule checks a RoutingRule's action kind and required
// parameters for that kind.
func ValidateRoutingRule(rule *types.RoutingRule) Result {
	var errs []string
	if rule == nil {
		return fail("rule is nil")
	}
	if rule.ID == "" {
		errs = append(errs, "id is required")
	}
	switch rule.Action.Kind {
	case types.ActionForward:
		if len(rule.Action.ForwardTo) == 0 {
			errs = append(errs, "forward action requires forwardTo")
		}
	case types.ActionTransform:
		// no required parameters beyond the overrides themselves
	case types.ActionFilter:
		if rule.Action.Filter.Field == "" {
			errs = append(errs, "filter action requires a field")
		}
	case types.ActionDuplicate:
		if rule.Action.Count <= 0 {
			errs = append(errs, "duplicate action requires count > 0")
		}
	case types.ActionDelay:
		if rule.Action.DelayMS <= 0 {
			errs = append(errs, "delay action requires delayMs > 0")
		}
	default:
		errs = append(errs, fmt.Sprintf("unknown action kind %q", rule.Action.Kind))
	}
	if len(errs) > 0 {
		return fail(errs...)
	}
	return ok()
}
