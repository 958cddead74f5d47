// internal/auth/token.go
package auth

import (
	"crypto/ed25519"
	"fmt"
	"os"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// privateKey and publicKey sign and verify player tokens. Keys are generated
// fresh at startup: sessions are ephemeral, so surviving a restart buys
// nothing.
var (
	privateKey ed25519.PrivateKey
	publicKey  ed25519.PublicKey

	// TOKEN_EXPIRE_TIME_SEC indicates how many seconds until token expiration (0 => never).
	TOKEN_EXPIRE_TIME_SEC int
)

// PlayerClaims is the identity minted on create/join: which player the caller
// is and which room that identity is valid in. Host-only and own-row-only
// checks resolve the actor from this, never from request bodies.
type PlayerClaims struct {
	PlayerID uuid.UUID
	RoomID   uuid.UUID
}

// parseTokenExpireTime reads the TOKEN_EXPIRE_TIME env var and sets TOKEN_EXPIRE_TIME_SEC accordingly.
func parseTokenExpireTime() {
	duration := os.Getenv("TOKEN_EXPIRE_TIME")
	if duration == "never" || duration == "0" || duration == "" {
		TOKEN_EXPIRE_TIME_SEC = 0
	} else {
		d, err := time.ParseDuration(duration)
		if err != nil {
			fmt.Printf("failed to parse token expire time: %v\n", err)
			os.Exit(1)
		}
		TOKEN_EXPIRE_TIME_SEC = int(d.Seconds())
	}
}

// Init generates a fresh ed25519 key pair at runtime and sets the token expiration.
func Init() {
	var err error
	publicKey, privateKey, err = ed25519.GenerateKey(nil)
	if err != nil {
		fmt.Printf("failed to generate ed25519 key pair: %v\n", err)
		os.Exit(1)
	}
	parseTokenExpireTime()
}

// CreatePlayerToken signs a token binding playerID to roomID.
func CreatePlayerToken(playerID, roomID uuid.UUID) (string, error) {
	claims := jwt.MapClaims{
		"sub":  playerID.String(),
		"room": roomID.String(),
	}

	if TOKEN_EXPIRE_TIME_SEC > 0 {
		claims["exp"] = time.Now().Add(time.Duration(TOKEN_EXPIRE_TIME_SEC) * time.Second).Unix()
	}

	token := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	return token.SignedString(privateKey)
}

// AuthenticatePlayerToken verifies a token string and returns its claims.
func AuthenticatePlayerToken(tokenString string) (PlayerClaims, error) {
	t, err := jwt.Parse(tokenString, func(t *jwt.Token) (interface{}, error) {
		if _, ok := t.Method.(*jwt.SigningMethodEd25519); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", t.Header["alg"])
		}
		return publicKey, nil
	})
	if err != nil {
		return PlayerClaims{}, fmt.Errorf("jwt parse error: %w", err)
	}
	if !t.Valid {
		return PlayerClaims{}, fmt.Errorf("invalid token")
	}

	claims, ok := t.Claims.(jwt.MapClaims)
	if !ok {
		return PlayerClaims{}, fmt.Errorf("invalid jwt claims")
	}
	sub, _ := claims["sub"].(string)
	room, _ := claims["room"].(string)
	playerID, err := uuid.Parse(sub)
	if err != nil {
		return PlayerClaims{}, fmt.Errorf("missing player id in token")
	}
	roomID, err := uuid.Parse(room)
	if err != nil {
		return PlayerClaims{}, fmt.Errorf("missing room id in token")
	}
	return PlayerClaims{PlayerID: playerID, RoomID: roomID}, nil
}
