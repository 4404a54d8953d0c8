package hub

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"clinicflow/queue-service/internal/models"
)

// Event types pushed to connected boards.
const (
	EventSnapshot      = "snapshot"
	EventTicketCreated = "ticket_created"
	EventStatusChanged = "status_changed"
	EventDayArchived   = "day_archived"
)

type Client struct {
	ID       string
	Send     chan []byte
	Day      string
	lastPing time.Time
}

type Hub struct {
	mu      sync.RWMutex
	clients map[string]*Client
}

type Event struct {
	Type    string             `json:"type"`
	Day     string             `json:"day"`
	Ticket  *models.Ticket     `json:"ticket,omitempty"`
	Tickets []models.Ticket    `json:"tickets,omitempty"`
	Summary *models.DaySummary `json:"summary,omitempty"`
	SentAt  time.Time          `json:"sent_at"`
}

type ClientMessage struct {
	Action string `json:"action"`
	Day    string `json:"day"`
}

func New() *Hub {
	return &Hub{clients: make(map[string]*Client)}
}

func (h *Hub) Register(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.lastPing = time.Now()
	h.clients[client.ID] = client
}

func (h *Hub) Unregister(client *Client) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	delete(h.clients, client.ID)
	close(client.Send)
}

func (h *Hub) SetDay(client *Client, day string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.Day = day
}

func (h *Hub) Ping(client *Client, at time.Time) {
	h.mu.Lock()
	defer h.mu.Unlock()
	client.lastPing = at
}

// Broadcast delivers the event to every client watching the event's day.
// Slow clients are skipped rather than blocking the whole fan-out.
func (h *Hub) Broadcast(event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("marshal event type=%s: %v", event.Type, err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	for _, client := range h.clients {
		if client.Day != "" && event.Day != "" && client.Day != event.Day {
			continue
		}
		select {
		case client.Send <- payload:
		default:
			log.Printf("drop event type=%s for client %s", event.Type, client.ID)
		}
	}
}

// SendTo delivers an event to a single client, used for connect snapshots.
// The read lock excludes Unregister and PruneStale, so the client's channel
// cannot be closed mid-send; an already removed client is skipped.
func (h *Hub) SendTo(client *Client, event Event) {
	payload, err := json.Marshal(event)
	if err != nil {
		log.Printf("marshal event type=%s: %v", event.Type, err)
		return
	}
	h.mu.RLock()
	defer h.mu.RUnlock()
	if _, ok := h.clients[client.ID]; !ok {
		return
	}
	select {
	case client.Send <- payload:
	default:
		log.Printf("drop event type=%s for client %s", event.Type, client.ID)
	}
}

// PruneStale removes clients whose last ping is older than ttl and closes
// their Send channel. The connection layer is responsible for closing the
// session once the channel drains.
func (h *Hub) PruneStale(ttl time.Duration, now time.Time) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	pruned := 0
	for id, client := range h.clients {
		if now.Sub(client.lastPing) <= ttl {
			continue
		}
		delete(h.clients, id)
		close(client.Send)
		pruned++
	}
	return pruned
}

func (h *Hub) ClientCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.clients)
}

func ParseClientMessage(data []byte) (ClientMessage, bool) {
	var msg ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return ClientMessage{}, false
	}
	switch msg.Action {
	case "watch", "ping":
		return msg, true
	}
	return ClientMessage{}, false
}
