package handlers

// Custom WebSocket close codes used by the room handler. These give clients
// more specific reasons for closure than the standard codes.
const (
	BadSubprotocolError = 3000 // Client connected with an unsupported subprotocol.
	InvalidTokenError   = 3001 // Player token was missing, invalid, or expired.
	WrongRoomError      = 3002 // Token is valid but bound to a different room.
)
