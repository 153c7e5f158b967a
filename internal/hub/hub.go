package hub

import (
	"encoding/json"
	"log"
	"sync"
)

// Event names published to subscribers. Payloads carry the full updated
// entity so viewers replace their local copy instead of patching it.
const (
	EventTicketCreated     = "ticket-created"
	EventTicketCalled      = "ticket-called"
	EventTicketUpdated     = "ticket-updated"
	EventQueueReset        = "queue-reset"
	EventQueueTokenRotated = "queue-token-rotated"
)

type Tier string

const (
	TierPublic Tier = "public"
	TierStaff  Tier = "staff"
)

type Client struct {
	ID   string
	Tier Tier
	Send chan []byte
}

type Envelope struct {
	Event   string          `json:"event"`
	QueueID string          `json:"queue_id"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ControlMessage struct {
	Action  string `json:"action"`
	QueueID string `json:"queue_id"`
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
	// queue id -> interested clients; tier never filters delivery
	rooms map[string]map[string]*Client
}

func New() *Hub {
	return &Hub{
		clients: make(map[string]*Client),
		rooms:   make(map[string]map[string]*Client),
	}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.clients[client.ID] = client
}

// Unregister withdraws all interest for the client and closes its send
// channel. Nothing published after this returns reaches the client.
func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	for queueID, room := range h.rooms {
		delete(room, client.ID)
		if len(room) == 0 {
			delete(h.rooms, queueID)
		}
	}
	close(client.Send)
}

func (h *Hub) Join(client *Client, queueID string) {
	if queueID == "" {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	room, ok := h.rooms[queueID]
	if !ok {
		room = make(map[string]*Client)
		h.rooms[queueID] = room
	}
	room[client.ID] = client
}

func (h *Hub) Leave(client *Client, queueID string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	room, ok := h.rooms[queueID]
	if !ok {
		return
	}
	delete(room, client.ID)
	if len(room) == 0 {
		delete(h.rooms, queueID)
	}
}

// Publish fans the event out to every client currently interested in the
// queue. Delivery is at most once per client: a full send buffer drops the
// message, viewers re-synchronize by polling.
func (h *Hub) Publish(queueID, event string, payload interface{}) {
	raw, err := json.Marshal(payload)
	if err != nil {
		log.Printf("event marshal error event=%s queue=%s: %v", event, queueID, err)
		return
	}
	message, err := json.Marshal(Envelope{Event: event, QueueID: queueID, Payload: raw})
	if err != nil {
		log.Printf("envelope marshal error event=%s queue=%s: %v", event, queueID, err)
		return
	}

	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.rooms[queueID] {
		select {
		case client.Send <- message:
		default:
			log.Printf("drop event %s for client %s", event, client.ID)
		}
	}
}

// Subscribers reports how many clients are interested in the queue.
func (h *Hub) Subscribers(queueID string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[queueID])
}

func ParseControl(data []byte) (ControlMessage, bool) {
	var msg ControlMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ControlMessage{}, false
	}
	if msg.Action != "join-queue" && msg.Action != "leave-queue" {
		return ControlMessage{}, false
	}
	if msg.QueueID == "" {
		return ControlMessage{}, false
	}
	return msg, true
}
