package server

import (
	"encoding/json"
	"net/http"

	"market-sync/src/engine"
	"market-sync/src/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// -----------------------------------------------------------------------------
// Hub Loop
// -----------------------------------------------------------------------------

// runHub owns the client set. Everything that touches s.clients happens on
// this goroutine.
func (s *APIServer) runHub() {
	for {
		select {
		case <-s.done:
			for client := range s.clients {
				delete(s.clients, client)
				close(client.send)
			}
			s.clientCount.Store(0)
			return

		case client := <-s.register:
			s.clients[client] = struct{}{}
			s.clientCount.Store(int64(len(s.clients)))

			// First frame: the last known state, retyped as INITIAL.
			s.stateMutex.RLock()
			state := s.latestState
			s.stateMutex.RUnlock()
			if state != nil {
				initial := *state
				initial.Type = "INITIAL"
				select {
				case client.send <- &initial:
				default:
				}
			}

		case client := <-s.unregister:
			if _, ok := s.clients[client]; ok {
				delete(s.clients, client)
				close(client.send)
				s.clientCount.Store(int64(len(s.clients)))
			}

		case snapshot := <-s.broadcast:
			s.stateMutex.Lock()
			s.latestState = snapshot
			s.stateMutex.Unlock()

			for client := range s.clients {
				select {
				case client.send <- snapshot:
				default:
					// Slow consumer. Prune it rather than block the hub.
					delete(s.clients, client)
					close(client.send)
				}
			}
			s.clientCount.Store(int64(len(s.clients)))
		}
	}
}

// -----------------------------------------------------------------------------
// Data Exchange Interface Implementation
// -----------------------------------------------------------------------------

// Broadcast queues a snapshot for every connected client. Last value only:
// when the queue is full the frame is dropped, never replayed.
func (s *APIServer) Broadcast(snapshot models.MSnapshot) {
	select {
	case s.broadcast <- &snapshot:
	default:
		s.Logger.Debug("Broadcast queue full, dropping snapshot")
	}
}

// -----------------------------------------------------------------------------

// UpdateAllDatas replaces the cached state without waking any client. HTTP
// readers see it on their next poll.
func (s *APIServer) UpdateAllDatas(snapshot models.MSnapshot) {
	s.stateMutex.Lock()
	s.latestState = &snapshot
	s.stateMutex.Unlock()
}

// -----------------------------------------------------------------------------
// WebSocket Handlers
// -----------------------------------------------------------------------------

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// -----------------------------------------------------------------------------

func (s *APIServer) handleWebSocket(c *gin.Context) {
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.Logger.Info("Failed to upgrade websocket: %v", err)
		return
	}

	client := &Client{
		hub:  s,
		conn: conn,
		// Buffered so the hub loop never waits on one client
		send:    make(chan *models.MSnapshot, 256),
		handles: make(map[string]engine.SubscriptionHandle),
	}

	select {
	case s.register <- client:
	case <-s.done:
		conn.Close()
		return
	}

	go client.writePump()
	go client.readPump()
}

// -----------------------------------------------------------------------------
// Client Message Handling
// -----------------------------------------------------------------------------

func (s *APIServer) HandleClientMessage(client *Client, message []byte) {
	var cmd models.MSubscribeCommand
	if err := json.Unmarshal(message, &cmd); err != nil {
		s.Logger.Info("Failed to parse client command: %v, disconnecting client", err)
		client.conn.Close()
		return
	}

	switch cmd.Command {
	case "subscribe":
		s.subscribeClient(client, cmd)
	case "unsubscribe":
		s.unsubscribeClient(client, cmd)
	default:
		s.Logger.Debug("Ignoring unknown client command %q", cmd.Command)
	}
}

// -----------------------------------------------------------------------------

func (s *APIServer) subscribeClient(client *Client, cmd models.MSubscribeCommand) {
	timeframe := cmd.Timeframe
	if timeframe == "" {
		timeframe = "1m"
	}

	for _, symbol := range cmd.Symbols {
		key := models.NormalizeSymbol(symbol) + "/" + timeframe
		if _, exists := client.handles[key]; exists {
			continue
		}
		handle, err := s.Engine.Subscribe(symbol, timeframe)
		if err != nil {
			s.Logger.Warning("Client subscribe %s/%s rejected: %v", symbol, timeframe, err)
			continue
		}
		client.handles[key] = handle
	}

	// Confirm with a fresh frame so the client sees its series activate.
	snapshot := s.Engine.Snapshot("INITIAL")
	select {
	case client.send <- &snapshot:
	default:
	}
}

// -----------------------------------------------------------------------------

func (s *APIServer) unsubscribeClient(client *Client, cmd models.MSubscribeCommand) {
	timeframe := cmd.Timeframe
	if timeframe == "" {
		timeframe = "1m"
	}

	for _, symbol := range cmd.Symbols {
		key := models.NormalizeSymbol(symbol) + "/" + timeframe
		handle, exists := client.handles[key]
		if !exists {
			continue
		}
		s.Engine.Unsubscribe(handle)
		delete(client.handles, key)
	}
}

// -----------------------------------------------------------------------------

// releaseSubscriptions drops every series this client still holds. Runs on
// the client's read goroutine as it exits, so the handle map needs no lock.
func (s *APIServer) releaseSubscriptions(client *Client) {
	for key, handle := range client.handles {
		s.Engine.Unsubscribe(handle)
		delete(client.handles, key)
	}
}
