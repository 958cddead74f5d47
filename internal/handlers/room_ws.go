// internal/handlers/room_ws.go
package handlers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/parlor-games/parlor/internal/auth"
	"github.com/parlor-games/parlor/internal/roomerr"
	"github.com/parlor-games/parlor/internal/session"
)

// opMessage is one client request over the room websocket.
type opMessage struct {
	Type     string          `json:"type"`
	GameType string          `json:"gameType,omitempty"`
	Action   json.RawMessage `json:"action,omitempty"`
}

// outMessage is one server push: a reconciled snapshot, an op error, or the
// eviction notice.
type outMessage struct {
	Type       string            `json:"type"`
	Snapshot   *session.Snapshot `json:"snapshot,omitempty"`
	Code       string            `json:"code,omitempty"`
	Message    string            `json:"message,omitempty"`
	Connection string            `json:"connection,omitempty"`
}

// RoomWSHandler upgrades to the room subprotocol, authenticates the player
// token, and runs one Synchronizer for the life of the connection. Each
// client gets its own independent sync loop; consistency comes from the
// store's change feed, not from coordination between connections.
func RoomWSHandler(logger *logrus.Logger, rs *RoomServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		pathParts := strings.Split(strings.TrimPrefix(r.URL.Path, "/rooms/ws/"), "/")
		if len(pathParts) < 1 || pathParts[0] == "" {
			http.Error(w, "missing room_id", http.StatusBadRequest)
			return
		}
		roomID, err := uuid.Parse(pathParts[0])
		if err != nil {
			http.Error(w, "invalid room_id", http.StatusBadRequest)
			return
		}

		c, err := websocket.Accept(w, r, &websocket.AcceptOptions{
			Subprotocols:   []string{"room"},
			OriginPatterns: []string{"*"}, // Adjust in production
		})
		if err != nil {
			logger.Warnf("websocket accept error: %v", err)
			return
		}
		defer c.Close(websocket.StatusInternalError, "handler finished")

		if c.Subprotocol() != "room" {
			c.Close(BadSubprotocolError, "client must speak the room subprotocol")
			return
		}

		token := bearerToken(r)
		claims, err := auth.AuthenticatePlayerToken(token)
		if err != nil {
			logger.Warnf("token rejected for room %s: %v", roomID, err)
			c.Close(InvalidTokenError, "authentication failed")
			return
		}
		if claims.RoomID != roomID {
			c.Close(WrongRoomError, "token is for a different room")
			return
		}

		logger.Infof("player %s (%s) connected to room %s", claims.PlayerID, r.RemoteAddr, roomID)

		sync := session.NewSynchronizer(rs.Service, roomID, claims.PlayerID, rs.SyncOpts)
		defer sync.Cleanup()

		ctx, cancel := context.WithCancel(r.Context())
		defer cancel()

		go writePump(ctx, c, sync, logger)
		readPump(ctx, c, sync, logger)

		logger.Infof("player %s disconnected from room %s", claims.PlayerID, roomID)
	}
}

// bearerToken pulls the player token from the Authorization header or the
// token query parameter (browsers cannot set WS headers).
func bearerToken(r *http.Request) string {
	if h := r.Header.Get("Authorization"); strings.HasPrefix(h, "Bearer ") {
		return strings.TrimPrefix(h, "Bearer ")
	}
	return r.URL.Query().Get("token")
}

// writePump streams snapshots and the eviction notice to the client.
func writePump(ctx context.Context, c *websocket.Conn, sync *session.Synchronizer, logger *logrus.Logger) {
	// Send the current view immediately so the client renders before the
	// first change arrives.
	sendSnapshot(ctx, c, sync.Snapshot(), logger)

	for {
		select {
		case <-ctx.Done():
			return
		case snap, ok := <-sync.Updates():
			if !ok {
				return
			}
			sendSnapshot(ctx, c, snap, logger)
		case <-sync.Evicted():
			msg := outMessage{Type: "evicted", Message: "host left the room"}
			data, _ := json.Marshal(msg)
			_ = c.Write(ctx, websocket.MessageText, data)
			c.Close(websocket.StatusNormalClosure, "host left")
			return
		}
	}
}

func sendSnapshot(ctx context.Context, c *websocket.Conn, snap session.Snapshot, logger *logrus.Logger) {
	msg := outMessage{Type: "snapshot", Snapshot: &snap, Connection: string(snap.Connection)}
	if snap.Err != nil {
		msg.Message = snap.Err.Error()
	}
	data, err := json.Marshal(msg)
	if err != nil {
		logger.Warnf("failed to marshal snapshot: %v", err)
		return
	}
	if err := c.Write(ctx, websocket.MessageText, data); err != nil {
		logger.Debugf("snapshot write failed: %v", err)
	}
}

// readPump handles op messages until the connection drops. Validation
// failures go back to this client only; they never retry automatically.
func readPump(ctx context.Context, c *websocket.Conn, sync *session.Synchronizer, logger *logrus.Logger) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		typ, data, err := c.Read(ctx)
		if err != nil {
			closeStatus := websocket.CloseStatus(err)
			if closeStatus != websocket.StatusNormalClosure && closeStatus != websocket.StatusGoingAway && ctx.Err() == nil {
				logger.Debugf("read error: %v", err)
			}
			return
		}
		if typ != websocket.MessageText {
			continue
		}

		var op opMessage
		if err := json.Unmarshal(data, &op); err != nil {
			writeOpError(ctx, c, roomerr.New("", "invalid JSON"))
			continue
		}

		if op.Type == "leave" {
			if err := sync.LeaveRoom(ctx); err != nil {
				logger.Warnf("leave failed: %v", err)
			}
			c.Close(websocket.StatusNormalClosure, "left room")
			return
		}
		if err := dispatchOp(ctx, sync, op); err != nil {
			writeOpError(ctx, c, err)
		}
	}
}

func dispatchOp(ctx context.Context, sync *session.Synchronizer, op opMessage) error {
	var err error
	switch op.Type {
	case "toggle_ready":
		_, err = sync.ToggleReady(ctx)
	case "start_game":
		_, err = sync.StartGame(ctx)
	case "action":
		_, err = sync.PerformAction(ctx, op.Action)
	case "reset_game":
		_, err = sync.ResetGame(ctx)
	case "request_change_game":
		_, err = sync.RequestChangeGame(ctx)
	case "return_to_selection":
		_, err = sync.ReturnToSelection(ctx)
	case "select_game":
		_, err = sync.SelectGame(ctx, op.GameType)
	default:
		err = roomerr.New("", "unknown op %q", op.Type)
	}
	return err
}

func writeOpError(ctx context.Context, c *websocket.Conn, err error) {
	msg := outMessage{
		Type:    "error",
		Code:    string(roomerr.CodeOf(err)),
		Message: err.Error(),
	}
	data, _ := json.Marshal(msg)
	_ = c.Write(ctx, websocket.MessageText, data)
}
