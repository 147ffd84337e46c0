package api

import (
	"encoding/json"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/gpuradar/listings-engine/pkg/models"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true // CORS policy is enforced by the HTTP middleware
	},
}

// Hub maintains the set of active websocket clients and broadcasts
// import-complete and significant-delta alerts.
type Hub struct {
	clients   map[*websocket.Conn]bool
	broadcast chan []byte
	mutex     sync.Mutex
}

func NewHub() *Hub {
	return &Hub{
		broadcast: make(chan []byte, 256),
		clients:   make(map[*websocket.Conn]bool),
	}
}

func (h *Hub) Run() {
	for message := range h.broadcast {
		h.mutex.Lock()
		for client := range h.clients {
			// Write deadline prevents blocked clients from hanging the hub
			_ = client.SetWriteDeadline(time.Now().Add(5 * time.Second))
			err := client.WriteMessage(websocket.TextMessage, message)
			if err != nil {
				log.Printf("[WS] Write error: %v", err)
				client.Close()
				delete(h.clients, client)
			}
		}
		h.mutex.Unlock()
	}
}

// Subscribe handles incoming websocket connections.
func (h *Hub) Subscribe(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Printf("[WS] Failed to upgrade websocket: %v", err)
		return
	}

	h.mutex.Lock()
	h.clients[conn] = true
	h.mutex.Unlock()

	log.Printf("[WS] Client connected. Total clients: %d", len(h.clients))

	// Keep-alive loop: we only push down, but must read to notice disconnects.
	go func() {
		defer func() {
			h.mutex.Lock()
			delete(h.clients, conn)
			h.mutex.Unlock()
			conn.Close()
			log.Printf("[WS] Client disconnected. Total clients: %d", len(h.clients))
		}()
		for {
			_, _, err := conn.ReadMessage()
			if err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
					log.Printf("[WS] Read error: %v", err)
				}
				break
			}
		}
	}()
}

// Broadcast sends raw JSON data to all connected clients.
func (h *Hub) Broadcast(data []byte) {
	h.broadcast <- data
}

// BroadcastImportAlert notifies subscribers that an ingest committed.
func (h *Hub) BroadcastImportAlert(result *models.ImportResult) {
	payload, _ := json.Marshal(gin.H{
		"type":   "import_complete",
		"import": result,
	})
	h.Broadcast(payload)
}

// BroadcastDeltaAlert notifies subscribers of a significant price change.
func (h *Hub) BroadcastDeltaAlert(delta models.ListingDelta) {
	payload, _ := json.Marshal(gin.H{
		"type":  "price_delta",
		"delta": delta,
	})
	h.Broadcast(payload)
	log.Printf("[ALERT] %s price moved %.1f%% (%s): %s",
		delta.CanonicalModel, delta.PriceDeltaPct, delta.PriceDelta.String(), delta.SourceURL)
}
