package gateway

import (
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

// WebSocketHandler handles WebSocket upgrade requests for game connections
type WebSocketHandler struct {
	connectionManager *ConnectionManager
}

// NewWebSocketHandler creates a new WebSocket handler
func NewWebSocketHandler(cm *ConnectionManager) *WebSocketHandler {
	return &WebSocketHandler{
		connectionManager: cm,
	}
}

// HandleGameConnection handles WebSocket connections for the game lobby.
func (h *WebSocketHandler) HandleGameConnection(w http.ResponseWriter, r *http.Request) {
	// In production user identity would come from a JWT or session.
	userIDStr := r.URL.Query().Get("user_id")
	if userIDStr == "" {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	userID, err := uuid.Parse(userIDStr)
	if err != nil {
		http.Error(w, "invalid user_id format", http.StatusBadRequest)
		return
	}

	if err := h.connectionManager.UpgradeConnection(w, r, userID); err != nil {
		log.Error().
			Err(err).
			Str("user_id", userID.String()).
			Msg("failed to upgrade WebSocket connection")
		http.Error(w, "failed to upgrade connection", http.StatusInternalServerError)
		return
	}

	// Connection is now handled by the connection manager
}

// HandleConnectionStats returns statistics about active connections
func (h *WebSocketHandler) HandleConnectionStats(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("{\"total_connections\":" + strconv.Itoa(h.connectionManager.ConnectionCount()) + "}"))
}

// RegisterRoutes registers WebSocket routes with an HTTP mux
func (h *WebSocketHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/ws/royale", h.HandleGameConnection)
	mux.HandleFunc("/ws/stats", h.HandleConnectionStats)
}
