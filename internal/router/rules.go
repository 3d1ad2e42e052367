package router

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/a2a-hub/hub/pkg/types"
)

// AddRule appends rule to the pipeline and re-sorts by descending
// priority; ties keep their relative insertion order.
func (r *Router) AddRule(rule *types.RoutingRule) {
	r.rulesMu.Lock()
	defer r.rulesMu.Unlock()

	r.rules = append(r.rules, rule)
	sort.SliceStable(r.rules, func(i, j int) bool {
		return r.rules[i].Priority > r.rules[j].Priority
	})
}

// RemoveRule drops the rule with the given id, if present.
func (r *Router) RemoveRule(id string) {
	r.rulesMu.Lock()
	defer r.rulesMu.Unlock()

	kept := r.rules[:0]
	for _, rule := range r.rules {
		if rule.ID != id {
			kept = append(kept, rule)
		}
	}
	r.rules = kept
}

// Rules returns a snapshot of the current rule set, highest priority
// first.
func (r *Router) Rules() []*types.RoutingRule {
	r.rulesMu.RLock()
	defer r.rulesMu.RUnlock()

	out := make([]*types.RoutingRule, len(r.rules))
	copy(out, r.rules)
	return out
}

// LoadRules replaces the entire rule set, sorted by descending priority.
// The hot-reload watcher in internal/config does not use it; it applies
// a reloaded file through RemoveRule and AddRule.
func (r *Router) LoadRules(rules []*types.RoutingRule) {
	sorted := append([]*types.RoutingRule{}, rules...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority > sorted[j].Priority
	})

	r.rulesMu.Lock()
	defer r.rulesMu.Unlock()
	r.rules = sorted
}

type ruleOutcome struct {
	filtered bool
	message  *types.Message
}

// applyRules runs every enabled rule whose predicate matches, in
// descending-priority order, on a working copy of msg. A filter action
// whose condition is not satisfied terminates the pipeline immediately.
// A rule that errors is logged via the events channel and skipped —
// the message continues through the remaining rules unchanged.
func (r *Router) applyRules(msg *types.Message) ruleOutcome {
	current := msg
	for _, rule := range r.Rules() {
		if !rule.Enabled {
			continue
		}
		if !rule.Predicate.Matches(current) {
			continue
		}

		next, filtered, err := r.applyAction(current, rule)
		if err != nil {
			r.emit("ruleError", map[string]interface{}{
				"ruleId": rule.ID, "messageId": msg.ID, "error": err.Error(),
			})
			continue
		}
		if filtered {
			return ruleOutcome{filtered: true}
		}
		current = next
		r.emit("ruleApplied", map[string]interface{}{"ruleId": rule.ID, "messageId": msg.ID})
	}
	return ruleOutcome{message: current}
}

func (r *Router) applyAction(msg *types.Message, rule *types.RoutingRule) (*types.Message, bool, error) {
	switch rule.Action.Kind {
	case types.ActionFilter:
		if !types.EvaluateCondition(msg, rule.Action.Filter) {
			return msg, true, nil
		}
		return msg, false, nil

	case types.ActionTransform:
		clone := msg.Clone()
		if rule.Action.MessageType != "" {
			clone.MessageType = rule.Action.MessageType
		}
		if rule.Action.Priority != "" {
			clone.Priority = rule.Action.Priority
		}
		clone.Payload = mergeOverrides(clone.Payload, rule.Action.PayloadOverrides)
		clone.Metadata = mergeMetadataOverrides(clone.Metadata, rule.Action.MetadataOverrides)
		return clone, false, nil

	case types.ActionForward:
		for _, target := range rule.Action.ForwardTo {
			fwd := msg.Clone()
			fwd.ID = fmt.Sprintf("%s_forward_%s", msg.ID, target)
			fwd.Timestamp = time.Now()
			fwd.TargetAgent = target
			fwd.SuppressRules = true
			r.deliverToAgent(fwd, target)
		}
		return msg, false, nil

	case types.ActionDuplicate:
		for i := 1; i <= rule.Action.Count; i++ {
			dup := msg.Clone()
			dup.ID = fmt.Sprintf("%s_dup_%d", msg.ID, i)
			dup.SuppressRules = true
			dup.Payload = mergeOverrides(dup.Payload, rule.Action.Modifications)
			r.RouteMessage(dup)
		}
		return msg, false, nil

	case types.ActionDelay:
		time.Sleep(time.Duration(rule.Action.DelayMS) * time.Millisecond)
		return msg, false, nil

	default:
		return msg, false, fmt.Errorf("unknown action kind %q", rule.Action.Kind)
	}
}

func mergeOverrides(payload interface{}, overrides map[string]interface{}) interface{} {
	if len(overrides) == 0 {
		return payload
	}
	base, ok := payload.(map[string]interface{})
	cloned := make(map[string]interface{}, len(base)+len(overrides))
	if ok {
		for k, v := range base {
			cloned[k] = v
		}
	}
	for k, v := range overrides {
		cloned[k] = v
	}
	return cloned
}

func mergeMetadataOverrides(meta types.Metadata, overrides map[string]interface{}) types.Metadata {
	if len(overrides) == 0 {
		return meta
	}

	b, err := json.Marshal(meta)
	if err != nil {
		return meta
	}
	var asMap map[string]interface{}
	if err := json.Unmarshal(b, &asMap); err != nil {
		return meta
	}
	for k, v := range overrides {
		asMap[k] = v
	}

	merged, err := json.Marshal(asMap)
	if err != nil {
		return meta
	}
	var result types.Metadata
	if err := json.Unmarshal(merged, &result); err != nil {
		return meta
	}
	return result
}
