package hub

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/a2a-hub/hub/internal/validator"
	"github.com/a2a-hub/hub/pkg/types"
)

// Handler builds the hub's HTTP handler: the stream upgrade endpoint,
// the JSON REST surface, and (when enabled) the Prometheus scrape
// endpoint, wrapped in logging and request-metric middleware.
func (h *Hub) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("/ws", h.ServeWS)

	mux.HandleFunc("/health", h.handleHealth)
	mux.HandleFunc("/stats", h.handleStats)
	if h.config.EnableMetrics {
		mux.Handle("/metrics", promhttp.Handler())
	}

	mux.HandleFunc("/agents/register", h.handleRegisterAgent)
	mux.HandleFunc("/agents", h.handleAgents)
	mux.HandleFunc("/agents/", h.handleAgentByID)

	mux.HandleFunc("/subscriptions", h.handleSubscriptions)
	mux.HandleFunc("/subscriptions/", h.handleSubscriptionByTopic)

	mux.HandleFunc("/messages", h.handleMessages)

	mux.HandleFunc("/topics", h.handleTopics)
	mux.HandleFunc("/topics/", h.handleTopicByName)

	mux.HandleFunc("/rules", h.handleRules)
	mux.HandleFunc("/rules/", h.handleRuleByID)

	var handler http.Handler = mux
	handler = h.loggingMiddleware(handler)
	handler = h.corsMiddleware(handler)
	return handler
}

// ─── middleware ────────────────────────────────────────────────────────

type statusRecorder struct {
	http.ResponseWriter
	statusCode int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (h *Hub) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w}
		next.ServeHTTP(rec, r)

		status := rec.statusCode
		if status == 0 {
			status = http.StatusOK
		}
		if h.metrics != nil {
			h.metrics.RecordHTTPRequest(r.Method, r.URL.Path, strconv.Itoa(status), time.Since(start).Seconds())
		}
	})
}

// ─── shared response helpers ───────────────────────────────────────────

func respondJSON(w http.ResponseWriter, status int, body interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, apiError{
		Success: false,
		Error: errorBody{
			Code:      "A2A_ERROR",
			Message:   message,
			Timestamp: time.Now().UTC().Format(time.RFC3339),
		},
	})
}

func methodNotAllowed(w http.ResponseWriter) {
	respondError(w, http.StatusMethodNotAllowed, "method not allowed")
}

// ─── health & stats ─────────────────────────────────────────────────────

func (h *Hub) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	status := "healthy"
	degraded := h.isDegraded()
	if degraded {
		status = "degraded"
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":          status,
		"degraded":        degraded,
		"timestamp":       time.Now().UTC(),
		"connectedAgents": h.connectedCount(),
		"topics":          len(h.topicNames()),
		"uptime":          int64(time.Since(h.startTime).Seconds()),
	})
}

func (h *Hub) topicNames() []string {
	if h.history == nil {
		return nil
	}
	defs := h.history.Definitions()
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	return names
}

func (h *Hub) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"registeredAgents": h.router.AgentCount(),
		"connectedAgents":  h.connectedCount(),
		"queuedMessages":   h.router.TotalQueuedMessages(),
		"rules":            h.router.RuleCount(),
		"receipts":         h.receipts.Count(r.Context()),
		"uptimeSeconds":    int64(time.Since(h.startTime).Seconds()),
	})
}

// ─── agents ─────────────────────────────────────────────────────────────

func (h *Hub) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var reg types.AgentRegistration
	if err := json.NewDecoder(r.Body).Decode(&reg); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}

	if err := h.RegisterAgent(&reg); err != nil {
		status := http.StatusBadRequest
		if isState(err) {
			status = http.StatusConflict
		}
		respondError(w, status, err.Error())
		return
	}
	if h.metrics != nil {
		h.metrics.SetRegisteredAgents(h.router.AgentCount())
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "agentId": reg.AgentID})
}

func (h *Hub) handleAgents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	agents := h.router.ListAgents()
	summaries := make([]map[string]interface{}, 0, len(agents))
	for _, a := range agents {
		summaries = append(summaries, map[string]interface{}{
			"agentId":       a.AgentID,
			"agentType":     a.AgentType,
			"capabilities":  a.Capabilities,
			"connectedAt":   a.ConnectedAt,
			"lastSeenAt":    a.LastSeenAt,
			"queueLength":   h.router.QueueLength(a.AgentID),
			"subscriptions": a.Subscriptions,
		})
	}
	respondJSON(w, http.StatusOK, summaries)
}

func (h *Hub) handleAgentByID(w http.ResponseWriter, r *http.Request) {
	agentID := strings.TrimPrefix(r.URL.Path, "/agents/")
	if agentID == "" || strings.Contains(agentID, "/") {
		respondError(w, http.StatusNotFound, "not found")
		return
	}

	switch r.Method {
	case http.MethodDelete:
		if _, ok := h.router.GetRegistration(agentID); !ok {
			respondError(w, http.StatusNotFound, "agent not found")
			return
		}
		h.UnregisterAgent(agentID)
		respondJSON(w, http.StatusOK, map[string]interface{}{"success": true})
	case http.MethodGet:
		reg, ok := h.router.GetRegistration(agentID)
		if !ok {
			respondError(w, http.StatusNotFound, "agent not found")
			return
		}
		respondJSON(w, http.StatusOK, reg)
	default:
		methodNotAllowed(w)
	}
}

// ─── subscriptions ──────────────────────────────────────────────────────

type subscriptionRequest struct {
	AgentID      string             `json:"agentId"`
	Subscription types.Subscription `json:"subscription"`
}

func (h *Hub) handleSubscriptions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var req subscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if err := validator.ValidateTopic(req.Subscription.Topic); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := h.router.AddSubscription(req.AgentID, req.Subscription); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func (h *Hub) handleSubscriptionByTopic(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}

	topic := strings.TrimPrefix(r.URL.Path, "/subscriptions/")
	agentID := r.URL.Query().Get("agentId")
	if topic == "" || agentID == "" {
		respondError(w, http.StatusBadRequest, "topic and agentId are required")
		return
	}

	if err := h.router.RemoveSubscription(agentID, topic); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

// ─── messages ───────────────────────────────────────────────────────────

func (h *Hub) handleMessages(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var msg types.Message
	if err := json.NewDecoder(r.Body).Decode(&msg); err != nil {
		respondError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
		return
	}
	if msg.ID == "" {
		msg.ID = uuid.NewString()
	}
	if msg.Timestamp.IsZero() {
		msg.Timestamp = time.Now()
	}

	result := validator.ValidateMessage(&msg)
	if !result.IsValid {
		if h.metrics != nil {
			h.metrics.ValidationFails.Inc()
		}
		respondError(w, http.StatusBadRequest, strings.Join(result.Errors, "; "))
		return
	}

	if h.config.EnablePersistence && h.history != nil {
		if err := h.history.Append(msg.Topic, &msg); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
	}

	receipts := h.router.RouteMessage(&msg)
	h.recordReceipts(receipts)
	if h.metrics != nil {
		h.metrics.RecordRouted(msg.Topic)
		for _, rec := range receipts {
			h.metrics.RecordReceipt(string(rec.Status))
		}
	}
	for _, agentID := range recipientAgentIDs(receipts) {
		h.flushQueue(agentID)
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "receipts": receipts})
}

func recipientAgentIDs(receipts []*types.DeliveryReceipt) []string {
	out := make([]string, 0, len(receipts))
	for _, r := range receipts {
		if r.TargetAgent != "" && r.TargetAgent != "hub" {
			out = append(out, r.TargetAgent)
		}
	}
	return out
}

// ─── topics ─────────────────────────────────────────────────────────────

func (h *Hub) handleTopics(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		if h.history == nil {
			respondJSON(w, http.StatusOK, []interface{}{})
			return
		}
		respondJSON(w, http.StatusOK, h.history.Definitions())
	case http.MethodPost:
		var def types.TopicDefinition
		if err := json.NewDecoder(r.Body).Decode(&def); err != nil {
			respondError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
			return
		}
		result := validator.ValidateTopicDefinition(&def)
		if !result.IsValid {
			respondError(w, http.StatusBadRequest, strings.Join(result.Errors, "; "))
			return
		}
		if h.history == nil {
			respondError(w, http.StatusInternalServerError, "history store is not configured")
			return
		}
		if _, exists := h.history.Definition(def.Name); exists {
			respondError(w, http.StatusConflict, "topic already exists")
			return
		}
		if err := h.history.DefineTopic(&def); err != nil {
			respondError(w, http.StatusInternalServerError, err.Error())
			return
		}
		respondJSON(w, http.StatusOK, map[string]interface{}{"success": true})
	default:
		methodNotAllowed(w)
	}
}

func (h *Hub) handleTopicByName(w http.ResponseWriter, r *http.Request) {
	rest := strings.TrimPrefix(r.URL.Path, "/topics/")
	if rest == "" {
		respondError(w, http.StatusNotFound, "not found")
		return
	}

	switch {
	case strings.HasSuffix(rest, "/definition"):
		h.handleTopicDefinition(w, r, strings.TrimSuffix(rest, "/definition"))
	case strings.HasSuffix(rest, "/messages"):
		h.handleTopicMessages(w, r, strings.TrimSuffix(rest, "/messages"))
	default:
		respondError(w, http.StatusNotFound, "not found")
	}
}

func (h *Hub) handleTopicDefinition(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if h.history == nil {
		respondError(w, http.StatusNotFound, "topic not found")
		return
	}
	def, ok := h.history.Definition(name)
	if !ok {
		respondError(w, http.StatusNotFound, "topic not found")
		return
	}
	respondJSON(w, http.StatusOK, def)
}

func (h *Hub) handleTopicMessages(w http.ResponseWriter, r *http.Request, name string) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if h.history == nil {
		respondJSON(w, http.StatusOK, map[string]interface{}{"topic": name, "messages": []interface{}{}, "total": 0})
		return
	}

	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))

	messages, total, err := h.history.Messages(name, limit, offset)
	if err != nil {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"topic":    name,
		"messages": messages,
		"total":    total,
		"limit":    limit,
		"offset":   offset,
	})
}

// ─── routing rules ──────────────────────────────────────────────────────

func (h *Hub) handleRules(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		respondJSON(w, http.StatusOK, h.router.Rules())
	case http.MethodPost:
		var rule types.RoutingRule
		if err := json.NewDecoder(r.Body).Decode(&rule); err != nil {
			respondError(w, http.StatusBadRequest, "malformed request body: "+err.Error())
			return
		}
		if rule.ID == "" {
			rule.ID = uuid.NewString()
		}
		result := validator.ValidateRoutingRule(&rule)
		if !result.IsValid {
			respondError(w, http.StatusBadRequest, strings.Join(result.Errors, "; "))
			return
		}
		h.router.AddRule(&rule)
		respondJSON(w, http.StatusOK, map[string]interface{}{"success": true, "id": rule.ID})
	default:
		methodNotAllowed(w)
	}
}

func (h *Hub) handleRuleByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodDelete {
		methodNotAllowed(w)
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/rules/")
	if id == "" {
		respondError(w, http.StatusNotFound, "not found")
		return
	}
	h.router.RemoveRule(id)
	respondJSON(w, http.StatusOK, map[string]interface{}{"success": true})
}

func isState(err error) bool {
	return errors.Is(err, ErrState)
}
