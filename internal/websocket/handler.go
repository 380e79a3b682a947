package websocket

import (
	"log/slog"
	"net/http"
	"strconv"

	ws "github.com/coder/websocket"
)

// HandleWebSocket returns an HTTP handler that upgrades connections to
// WebSocket and runs them as Hub clients. An optional venue_id query
// parameter scopes the subscription to one venue.
func HandleWebSocket(hub *Hub, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := ws.Accept(w, r, &ws.AcceptOptions{
			InsecureSkipVerify: true, // venue dashboards connect cross-origin
		})
		if err != nil {
			logger.Warn("websocket accept", "error", err)
			return
		}

		venueID, _ := strconv.ParseInt(r.URL.Query().Get("venue_id"), 10, 64)
		client := NewClient(hub, conn, venueID)
		client.Run(r.Context())
	}
}
