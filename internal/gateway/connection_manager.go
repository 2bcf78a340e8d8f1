package gateway

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

// ClientMessageHandler is invoked for every decoded inbound frame.
type ClientMessageHandler interface {
	HandleClientMessage(conn *Connection, msg *ClientMessage)
}

// DisconnectHandler is invoked after a user's connection is torn down.
type DisconnectHandler interface {
	HandleDisconnect(userID uuid.UUID)
}

// ConnectionManager keeps one WebSocket connection per user and implements
// the Transport the Broadcaster writes through.
//
// Locking invariant: a send on a Connection's Send channel happens only
// while holding mu for reading, and close(Send) happens only while holding
// mu for writing. Senders therefore never race a close, no matter which
// goroutine (NATS consumer, a socket's read pump) they run on.
type ConnectionManager struct {
	// Connections keyed by user ID; a reconnect replaces the old socket.
	userConnections map[uuid.UUID]*Connection
	mu              sync.RWMutex

	upgrader websocket.Upgrader
	config   ConnectionConfig

	handler      ClientMessageHandler
	onDisconnect DisconnectHandler
}

// Connection represents a WebSocket connection to a client
type Connection struct {
	ID      string
	UserID  uuid.UUID
	Conn    *websocket.Conn
	Send    chan []byte
	Manager *ConnectionManager

	// Connection metadata
	ConnectedAt time.Time
	LastPing    time.Time
}

// ConnectionConfig holds configuration for WebSocket connections
type ConnectionConfig struct {
	WriteTimeout    time.Duration
	ReadTimeout     time.Duration
	PingInterval    time.Duration
	MaxMessageSize  int64
	ReadBufferSize  int
	WriteBufferSize int
	CheckOrigin     func(r *http.Request) bool
}

// DefaultConnectionConfig returns default WebSocket configuration
func DefaultConnectionConfig() ConnectionConfig {
	return ConnectionConfig{
		WriteTimeout:    10 * time.Second,
		ReadTimeout:     60 * time.Second,
		PingInterval:    30 * time.Second,
		MaxMessageSize:  4096,
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		CheckOrigin: func(r *http.Request) bool {
			// Allow all origins in development - restrict in production
			return true
		},
	}
}

// NewConnectionManager creates a new WebSocket connection manager
func NewConnectionManager(config ConnectionConfig) *ConnectionManager {
	return &ConnectionManager{
		userConnections: make(map[uuid.UUID]*Connection),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  config.ReadBufferSize,
			WriteBufferSize: config.WriteBufferSize,
			CheckOrigin:     config.CheckOrigin,
		},
		config: config,
	}
}

// SetHandlers wires the message and disconnect callbacks. Must be called
// before the first upgrade.
func (cm *ConnectionManager) SetHandlers(handler ClientMessageHandler, onDisconnect DisconnectHandler) {
	cm.handler = handler
	cm.onDisconnect = onDisconnect
}

// UpgradeConnection upgrades an HTTP connection to WebSocket
func (cm *ConnectionManager) UpgradeConnection(w http.ResponseWriter, r *http.Request, userID uuid.UUID) error {
	conn, err := cm.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Error().Err(err).Msg("failed to upgrade WebSocket connection")
		return fmt.Errorf("failed to upgrade connection: %w", err)
	}

	connection := &Connection{
		ID:          uuid.New().String(),
		UserID:      userID,
		Conn:        conn,
		Send:        make(chan []byte, 256),
		Manager:     cm,
		ConnectedAt: time.Now(),
		LastPing:    time.Now(),
	}

	cm.registerConnection(connection)

	go connection.writePump()
	go connection.readPump()

	log.Info().
		Str("connection_id", connection.ID).
		Str("user_id", userID.String()).
		Msg("WebSocket connection established")

	return nil
}

// registerConnection adds a connection to the manager, closing any previous
// socket the same user held.
func (cm *ConnectionManager) registerConnection(conn *Connection) {
	cm.mu.Lock()
	previous := cm.userConnections[conn.UserID]
	cm.userConnections[conn.UserID] = conn
	if previous != nil {
		close(previous.Send)
	}
	cm.mu.Unlock()

	if previous != nil {
		previous.Conn.Close()
		log.Debug().
			Str("user_id", conn.UserID.String()).
			Msg("replaced existing connection for user")
	}

	log.Debug().
		Str("connection_id", conn.ID).
		Str("user_id", conn.UserID.String()).
		Msg("connection registered")
}

// unregisterConnection removes a connection from the manager
func (cm *ConnectionManager) unregisterConnection(conn *Connection) {
	cm.mu.Lock()
	current, exists := cm.userConnections[conn.UserID]
	if !exists || current != conn {
		// A newer socket already replaced this one; nothing to do.
		cm.mu.Unlock()
		return
	}
	delete(cm.userConnections, conn.UserID)
	close(conn.Send)
	cm.mu.Unlock()

	log.Info().
		Str("connection_id", conn.ID).
		Str("user_id", conn.UserID.String()).
		Msg("connection unregistered")

	if cm.onDisconnect != nil {
		cm.onDisconnect.HandleDisconnect(conn.UserID)
	}
}

// Send delivers an event to a single user. Slow or dead connections are
// closed rather than allowed to block the caller.
func (cm *ConnectionManager) Send(userID uuid.UUID, event string, payload any) error {
	data, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		return fmt.Errorf("failed to marshal %s event: %w", event, err)
	}

	cm.mu.RLock()
	conn, exists := cm.userConnections[userID]
	if !exists {
		cm.mu.RUnlock()
		return fmt.Errorf("no connection for user %s", userID)
	}
	select {
	case conn.Send <- data:
		cm.mu.RUnlock()
		return nil
	default:
		cm.mu.RUnlock()
		log.Warn().
			Str("connection_id", conn.ID).
			Str("user_id", userID.String()).
			Msg("connection send buffer full, closing connection")
		cm.unregisterConnection(conn)
		conn.Conn.Close()
		return fmt.Errorf("send buffer full for user %s", userID)
	}
}

// SendAll delivers an event to every connected user.
func (cm *ConnectionManager) SendAll(event string, payload any) {
	data, err := json.Marshal(Envelope{Event: event, Data: payload})
	if err != nil {
		log.Error().Err(err).Str("event", event).Msg("failed to marshal event for broadcast")
		return
	}

	cm.mu.RLock()
	delivered := 0
	var slow []*Connection
	for _, conn := range cm.userConnections {
		select {
		case conn.Send <- data:
			delivered++
		default:
			slow = append(slow, conn)
		}
	}
	cm.mu.RUnlock()

	for _, conn := range slow {
		log.Warn().
			Str("connection_id", conn.ID).
			Str("user_id", conn.UserID.String()).
			Msg("connection send buffer full, closing connection")
		cm.unregisterConnection(conn)
		conn.Conn.Close()
	}

	log.Debug().
		Str("event", event).
		Int("connections", delivered).
		Msg("event broadcasted")
}

// ConnectionCount returns the number of active connections.
func (cm *ConnectionManager) ConnectionCount() int {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return len(cm.userConnections)
}

// writePump handles sending messages to the WebSocket connection
func (c *Connection) writePump() {
	ticker := time.NewTicker(c.Manager.config.PingInterval)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
		c.Manager.unregisterConnection(c)
	}()

	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if !ok {
				// Channel was closed
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}

			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to write message to WebSocket")
				return
			}

		case <-ticker.C:
			c.Conn.SetWriteDeadline(time.Now().Add(c.Manager.config.WriteTimeout))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("failed to send ping")
				return
			}
			c.LastPing = time.Now()
		}
	}
}

// readPump handles reading messages from the WebSocket connection
func (c *Connection) readPump() {
	defer func() {
		c.Manager.unregisterConnection(c)
		c.Conn.Close()
	}()

	c.Conn.SetReadLimit(c.Manager.config.MaxMessageSize)
	c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
		c.LastPing = time.Now()
		return nil
	})

	for {
		_, message, err := c.Conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.Error().
					Err(err).
					Str("connection_id", c.ID).
					Msg("unexpected WebSocket close error")
			}
			break
		}

		c.handleClientMessage(message)
		c.Conn.SetReadDeadline(time.Now().Add(c.Manager.config.ReadTimeout))
	}
}

// handleClientMessage decodes and dispatches a frame from the client.
func (c *Connection) handleClientMessage(message []byte) {
	msg, err := ParseClientMessage(message)
	if err != nil {
		log.Debug().
			Err(err).
			Str("connection_id", c.ID).
			Msg("ignoring malformed client message")
		return
	}
	// The socket owner is authoritative for identity; never trust the
	// user_id field on inbound frames.
	msg.UserID = c.UserID

	if c.Manager.handler != nil {
		c.Manager.handler.HandleClientMessage(c, msg)
	}
}
