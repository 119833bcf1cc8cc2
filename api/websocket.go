package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"

	"phonepilot/models"
	"phonepilot/service"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = (pongWait * 9) / 10
	maxMessageSize = 4096
	sendBuffer     = 256
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(*http.Request) bool { return true },
}

// Client is one websocket connection with its subscription set. The
// send channel is bounded; when a slow consumer fills it, the oldest
// queued message is dropped so publication never blocks on one client.
type Client struct {
	hub  *Hub
	conn *websocket.Conn
	send chan []byte

	mu         sync.Mutex
	taskSubs   map[string]bool
	deviceSubs map[string]bool
}

// Hub fans task events and video frames out to subscribed clients.
// Publishers never block: enqueueing to each client is drop-oldest, so a
// stalled viewer degrades only its own feed.
type Hub struct {
	// ctx is the server lifetime; capture pipelines started on behalf
	// of a viewer must outlive that viewer's request.
	ctx    context.Context
	relay  *service.StreamRelay
	logger zerolog.Logger

	mu      sync.RWMutex
	clients map[*Client]bool
}

func NewHub(ctx context.Context, relay *service.StreamRelay, logger zerolog.Logger) *Hub {
	return &Hub{
		ctx:     ctx,
		relay:   relay,
		logger:  logger.With().Str("component", "hub").Logger(),
		clients: make(map[*Client]bool),
	}
}

// event is the JSON envelope for task-side messages.
type event struct {
	Type   string `json:"type"`
	TaskID string `json:"task_id,omitempty"`
	Data   any    `json:"data,omitempty"`
}

// thinkingDelta carries one streamed reasoning fragment.
type thinkingDelta struct {
	StepIndex int    `json:"step_index"`
	Delta     string `json:"delta"`
}

// PublishStep sends a step snapshot to the task's subscribers.
func (h *Hub) PublishStep(taskID string, step *models.Step) {
	h.publishJSON(taskID, event{Type: "step", TaskID: taskID, Data: step})
}

// PublishStatus sends a task snapshot (without steps, which travel via
// PublishStep) on every status transition.
func (h *Hub) PublishStatus(task *models.Task) {
	slim := *task
	slim.Steps = nil
	h.publishJSON(task.ID, event{Type: "status", TaskID: task.ID, Data: &slim})
}

// PublishThinking streams one reasoning token to the task's subscribers.
func (h *Hub) PublishThinking(taskID string, stepIndex int, delta string) {
	h.publishJSON(taskID, event{
		Type:   "thinking",
		TaskID: taskID,
		Data:   thinkingDelta{StepIndex: stepIndex, Delta: delta},
	})
}

func (h *Hub) publishJSON(taskID string, ev event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		h.logger.Error().Err(err).Msg("marshal event")
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.mu.Lock()
		subscribed := client.taskSubs[taskID]
		client.mu.Unlock()
		if subscribed {
			client.enqueue(payload)
		}
	}
}

// PublishFrame fans one framed H.264 packet out to the device's viewers.
func (h *Hub) PublishFrame(deviceID string, packet []byte) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for client := range h.clients {
		client.mu.Lock()
		subscribed := client.deviceSubs[deviceID]
		client.mu.Unlock()
		if subscribed {
			client.enqueue(packet)
		}
	}
}

// enqueue delivers drop-oldest: on a full buffer the oldest message is
// discarded to make room. Video tolerates gaps; blocking does not.
func (c *Client) enqueue(msg []byte) {
	select {
	case c.send <- msg:
	default:
		select {
		case <-c.send:
		default:
		}
		select {
		case c.send <- msg:
		default:
		}
	}
}

// ServeWS upgrades the connection and starts the client pumps.
func (h *Hub) ServeWS(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		h.logger.Warn().Err(err).Msg("websocket upgrade failed")
		return
	}

	client := &Client{
		hub:        h,
		conn:       conn,
		send:       make(chan []byte, sendBuffer),
		taskSubs:   make(map[string]bool),
		deviceSubs: make(map[string]bool),
	}

	h.mu.Lock()
	h.clients[client] = true
	h.mu.Unlock()

	go client.writePump()
	go client.readPump()
}

func (h *Hub) drop(client *Client) {
	h.mu.Lock()
	if _, ok := h.clients[client]; !ok {
		h.mu.Unlock()
		return
	}
	delete(h.clients, client)
	h.mu.Unlock()

	client.mu.Lock()
	devices := make([]string, 0, len(client.deviceSubs))
	for id := range client.deviceSubs {
		devices = append(devices, id)
	}
	client.mu.Unlock()
	for _, id := range devices {
		h.relay.RemoveViewer(id)
	}

	close(client.send)
}

// subscribeMsg is the control message clients send over the socket.
type subscribeMsg struct {
	Type string `json:"type"`
	ID   string `json:"id"`
}

func (c *Client) readPump() {
	defer func() {
		c.hub.drop(c)
		c.conn.Close()
	}()

	c.conn.SetReadLimit(maxMessageSize)
	c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			return
		}

		var msg subscribeMsg
		if err := json.Unmarshal(data, &msg); err != nil || msg.ID == "" {
			continue
		}

		switch msg.Type {
		case "subscribe_task":
			c.mu.Lock()
			c.taskSubs[msg.ID] = true
			c.mu.Unlock()

		case "unsubscribe_task":
			c.mu.Lock()
			delete(c.taskSubs, msg.ID)
			c.mu.Unlock()

		case "subscribe_device":
			c.mu.Lock()
			already := c.deviceSubs[msg.ID]
			c.deviceSubs[msg.ID] = true
			c.mu.Unlock()
			if already {
				continue
			}
			if err := c.hub.relay.AddViewer(c.hub.ctx, msg.ID); err != nil {
				c.hub.logger.Warn().Str("device", msg.ID).Err(err).Msg("viewer attach failed")
				c.mu.Lock()
				delete(c.deviceSubs, msg.ID)
				c.mu.Unlock()
				continue
			}
			// Replay cached parameter sets so the decoder can start
			// before the next in-band SPS/PPS.
			for _, packet := range c.hub.relay.ConfigPackets(msg.ID) {
				c.enqueue(packet)
			}

		case "unsubscribe_device":
			c.mu.Lock()
			subscribed := c.deviceSubs[msg.ID]
			delete(c.deviceSubs, msg.ID)
			c.mu.Unlock()
			if subscribed {
				c.hub.relay.RemoveViewer(msg.ID)
			}
		}
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case msg, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			// Events are JSON objects; video packets start with the
			// device id length byte, which is never '{'.
			msgType := websocket.BinaryMessage
			if len(msg) > 0 && msg[0] == '{' {
				msgType = websocket.TextMessage
			}
			if err := c.conn.WriteMessage(msgType, msg); err != nil {
				return
			}

		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
