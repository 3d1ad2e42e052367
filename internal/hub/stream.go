package hub

import (
	"context"
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/a2a-hub/hub/internal/serializer"
	"github.com/a2a-hub/hub/internal/validator"
	"github.com/a2a-hub/hub/pkg/types"
)

// Close codes per the stream transport contract.
const (
	closeNormal         = websocket.CloseNormalClosure
	closeServerShutdown = 1001
	closeMissingAgentID = websocket.ClosePolicyViolation
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 1 << 20 // matches the validator's payload cap
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// receiptFrame is the hub→client frame acknowledging a stream publish.
type receiptFrame struct {
	Type      string                `json:"type"`
	MessageID string                `json:"messageId"`
	Receipt   *types.DeliveryReceipt `json:"receipt"`
}

// errorFrame is the hub→client frame reporting a protocol-level error.
type errorFrame struct {
	Type      string    `json:"type"`
	Message   string    `json:"message"`
	Timestamp time.Time `json:"timestamp"`
}

// streamClient wraps one agent's upgraded connection: a buffered send
// channel drained by writePump, and a read loop that deserializes,
// validates, and routes each inbound frame.
type streamClient struct {
	hub     *Hub
	agentID string
	conn    *websocket.Conn

	send    chan []byte
	closeMu sync.Mutex
	closed  bool
}

func newStreamClient(h *Hub, agentID string, conn *websocket.Conn) *streamClient {
	return &streamClient{
		hub:     h,
		agentID: agentID,
		conn:    conn,
		send:    make(chan []byte, 256),
	}
}

// ServeWS upgrades the request to a WebSocket connection. The request
// must carry X-Agent-ID; its absence closes with policy-violation (1008)
// per the stream transport contract.
func (h *Hub) ServeWS(w http.ResponseWriter, r *http.Request) {
	agentID := r.Header.Get("X-Agent-ID")
	if agentID == "" {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(closeMissingAgentID, "missing X-Agent-ID header"), deadline)
		conn.Close()
		return
	}

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("hub: websocket upgrade failed for agent %s: %v", agentID, err)
		return
	}

	client := newStreamClient(h, agentID, conn)
	if !h.attachStream(agentID, client) {
		deadline := time.Now().Add(writeWait)
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.ClosePolicyViolation, "agent not registered"), deadline)
		conn.Close()
		return
	}

	if h.metrics != nil {
		h.metrics.StreamConnections.Inc()
	}

	go client.writePump()
	go client.readPump()
}

func (c *streamClient) readPump() {
	defer func() {
		c.hub.detachStream(c.agentID, c)
		c.closeConn()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		c.hub.touchHeartbeat(c.agentID)
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}
		c.hub.touchHeartbeat(c.agentID)
		if c.hub.metrics != nil {
			c.hub.metrics.StreamFrames.WithLabelValues("in").Inc()
		}
		c.handleFrame(data)
	}
}

func (c *streamClient) handleFrame(data []byte) {
	msg, err := serializer.Deserialize(string(data), serializer.DeserializeOptions{ValidateOnDeserialize: false})
	if err != nil {
		c.sendError("malformed message frame: " + err.Error())
		return
	}

	// Stamp sourceAgent from the transport identity, overriding any claim.
	msg.SourceAgent = c.agentID

	result := validator.ValidateMessage(msg)
	if !result.IsValid {
		c.sendError("validation failed: " + joinErrors(result.Errors))
		return
	}

	if c.hub.config.EnablePersistence && c.hub.history != nil {
		if err := c.hub.history.Append(msg.Topic, msg); err != nil {
			log.Printf("hub: append history for topic %s: %v", msg.Topic, err)
		}
	}

	receipts := c.hub.router.RouteMessage(msg)
	c.hub.recordReceipts(receipts)
	for _, agentID := range recipientAgentIDs(receipts) {
		c.hub.flushQueue(agentID)
	}
	if c.hub.metrics != nil {
		c.hub.metrics.RecordRouted(msg.Topic)
		for _, rec := range receipts {
			c.hub.metrics.RecordReceipt(string(rec.Status))
		}
	}

	first := firstOrSynthetic(msg.ID, receipts)
	frame := receiptFrame{Type: "delivery_receipt", MessageID: msg.ID, Receipt: first}
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
		log.Printf("hub: %v: receipt frame dropped, send buffer full for %s", ErrDelivery, c.agentID)
	}
}

func firstOrSynthetic(messageID string, receipts []*types.DeliveryReceipt) *types.DeliveryReceipt {
	if len(receipts) > 0 {
		return receipts[0]
	}
	return &types.DeliveryReceipt{
		MessageID:   messageID,
		Timestamp:   time.Now(),
		Status:      types.ReceiptDelivered,
		TargetAgent: "hub",
	}
}

func (c *streamClient) sendError(message string) {
	frame := errorFrame{Type: "error", Message: message, Timestamp: time.Now()}
	payload, err := json.Marshal(frame)
	if err != nil {
		return
	}
	select {
	case c.send <- payload:
	default:
	}
}

func (c *streamClient) writeText(data []byte) error {
	select {
	case c.send <- data:
		return nil
	default:
		return ErrDelivery
	}
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.closeConn()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
			if c.hub.metrics != nil {
				c.hub.metrics.StreamFrames.WithLabelValues("out").Inc()
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// closeWithCode sends a close frame with the given code/reason and tears
// down the connection.
func (c *streamClient) closeWithCode(code int, reason string) {
	deadline := time.Now().Add(writeWait)
	_ = c.conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason), deadline)
	c.closeConn()
}

func (c *streamClient) closeConn() {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	if c.closed {
		return
	}
	c.closed = true
	c.conn.Close()
}

func joinErrors(errs []string) string {
	out := ""
	for i, e := range errs {
		if i > 0 {
			out += "; "
		}
		out += e
	}
	return out
}

// recordReceipts records every receipt for later lookup via
// receiptstore, keyed by message id.
func (h *Hub) recordReceipts(receipts []*types.DeliveryReceipt) {
	if h.receipts == nil {
		return
	}
	ctx := context.Background()
	for _, r := range receipts {
		if err := h.receipts.Record(ctx, r); err != nil {
			log.Printf("hub: record receipt for %s: %v", r.MessageID, err)
		}
	}
}
