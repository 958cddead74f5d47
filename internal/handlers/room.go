// internal/handlers/room.go
package handlers

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/parlor-games/parlor/internal/auth"
	"github.com/parlor-games/parlor/internal/models"
	"github.com/parlor-games/parlor/internal/roomcode"
	"github.com/parlor-games/parlor/internal/roomerr"
	"github.com/parlor-games/parlor/internal/session"
)

// RoomServer bundles what the HTTP/WS surface needs: the authoritative
// service plus synchronizer tuning for websocket sessions.
type RoomServer struct {
	Service  *session.Service
	SyncOpts session.Options
	Log      *logrus.Logger
}

// NewRoomServer builds a RoomServer around svc.
func NewRoomServer(svc *session.Service, log *logrus.Logger) *RoomServer {
	return &RoomServer{Service: svc, Log: log}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps the room-error taxonomy onto HTTP statuses; anything
// without a code is a plain validation failure.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusBadRequest
	code := roomerr.CodeOf(err)
	switch code {
	case roomerr.CodeRoomNotFound:
		status = http.StatusNotFound
	case roomerr.CodeRoomInProgress, roomerr.CodeStartPrecondition, roomerr.CodeGameNotActive:
		status = http.StatusConflict
	case roomerr.CodeNotHost:
		status = http.StatusForbidden
	case roomerr.CodeRoomCodeExhausted, roomerr.CodeStoreUnavailable:
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{
		"code":  string(code),
		"error": err.Error(),
	})
}

// joinResponse is returned from create/join: the room, the caller's player
// row, and the token authenticating subsequent operations as that player.
type joinResponse struct {
	Room   *models.Room   `json:"room"`
	Player *models.Player `json:"player"`
	Token  string         `json:"token"`
}

// CreateRoomHandler allocates a room plus its host player and mints the host
// token.
func CreateRoomHandler(rs *RoomServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Nickname string `json:"nickname"`
			GameType string `json:"gameType"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request payload", http.StatusBadRequest)
			return
		}
		room, player, err := rs.Service.CreateRoom(r.Context(), req.Nickname, req.GameType)
		if err != nil {
			writeError(w, err)
			return
		}
		token, err := auth.CreatePlayerToken(player.ID, room.ID)
		if err != nil {
			rs.Log.Errorf("failed to mint host token: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusCreated, joinResponse{Room: room, Player: player, Token: token})
	}
}

// JoinRoomHandler adds a player to the room behind a shared code.
func JoinRoomHandler(rs *RoomServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Code     string `json:"code"`
			Nickname string `json:"nickname"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request payload", http.StatusBadRequest)
			return
		}
		room, player, err := rs.Service.JoinRoom(r.Context(), req.Code, req.Nickname)
		if err != nil {
			writeError(w, err)
			return
		}
		token, err := auth.CreatePlayerToken(player.ID, room.ID)
		if err != nil {
			rs.Log.Errorf("failed to mint player token: %v", err)
			http.Error(w, "internal error", http.StatusInternalServerError)
			return
		}
		writeJSON(w, http.StatusOK, joinResponse{Room: room, Player: player, Token: token})
	}
}

// GetRoomHandler is a read-only peek at a room by code, for the join screen.
func GetRoomHandler(rs *RoomServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		code := strings.TrimPrefix(r.URL.Path, "/rooms/")
		if code == "" || strings.Contains(code, "/") {
			http.Error(w, "missing room code", http.StatusBadRequest)
			return
		}
		room, err := rs.Service.Store.RoomByCode(r.Context(), roomcode.Normalize(code))
		if err != nil {
			writeError(w, err)
			return
		}
		players, err := rs.Service.Store.PlayersByRoom(r.Context(), room.ID)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]interface{}{
			"room":        room,
			"playerCount": len(players),
		})
	}
}

// ListGamesHandler returns the registered game modules.
func ListGamesHandler(rs *RoomServer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		type moduleInfo struct {
			ID          string `json:"id"`
			DisplayName string `json:"displayName"`
			MinPlayers  int    `json:"minPlayers"`
			MaxPlayers  int    `json:"maxPlayers"`
		}
		var out []moduleInfo
		for _, id := range rs.Service.Registry.IDs() {
			desc, _ := rs.Service.Registry.Lookup(id)
			out = append(out, moduleInfo{
				ID:          desc.ID,
				DisplayName: desc.DisplayName,
				MinPlayers:  desc.MinPlayers,
				MaxPlayers:  desc.MaxPlayers,
			})
		}
		writeJSON(w, http.StatusOK, out)
	}
}
