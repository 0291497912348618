package canvas

import (
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"time"

	gojwt "github.com/golang-jwt/jwt/v5"
	"golang.org/x/crypto/hkdf"
)

var ErrBadClaims = errors.New("Bad room claims.")

// authorization to join one room as one client
type RoomClaims struct {
	ClientId string
	RoomId   string
	// zero for no expiry
	ExpiresAt time.Time
}

func NewRoomJwt(secret []byte, claims *RoomClaims) (string, error) {
	mapClaims := gojwt.MapClaims{
		"client_id": claims.ClientId,
		"room_id":   claims.RoomId,
	}
	if !claims.ExpiresAt.IsZero() {
		mapClaims["exp"] = claims.ExpiresAt.Unix()
	}
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, mapClaims)
	return token.SignedString(secret)
}

// verifies the signature and expiry
func ParseRoomJwt(jwt string, secret []byte) (*RoomClaims, error) {
	parser := gojwt.NewParser(gojwt.WithValidMethods([]string{gojwt.SigningMethodHS256.Alg()}))
	token, err := parser.Parse(jwt, func(token *gojwt.Token) (any, error) {
		return secret, nil
	})
	if err != nil {
		return nil, err
	}
	return roomClaims(token.Claims.(gojwt.MapClaims))
}

// reads the claims without verifying. For display only.
func ParseRoomJwtUnverified(jwt string) (*RoomClaims, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(jwt, gojwt.MapClaims{})
	if err != nil {
		return nil, err
	}
	return roomClaims(token.Claims.(gojwt.MapClaims))
}

func roomClaims(claims gojwt.MapClaims) (*RoomClaims, error) {
	roomClaims := &RoomClaims{}
	if clientId, ok := claims["client_id"].(string); ok {
		roomClaims.ClientId = clientId
	}
	if roomId, ok := claims["room_id"].(string); ok {
		roomClaims.RoomId = roomId
	}
	if expiresAt, err := claims.GetExpirationTime(); err == nil && expiresAt != nil {
		roomClaims.ExpiresAt = expiresAt.Time
	}
	if roomClaims.ClientId == "" || roomClaims.RoomId == "" {
		return nil, fmt.Errorf("%w client_id=%q room_id=%q", ErrBadClaims, roomClaims.ClientId, roomClaims.RoomId)
	}
	return roomClaims, nil
}

// stretches an operator passphrase into an hmac signing key
func DeriveRoomSecret(passphrase string) []byte {
	secret := make([]byte, 32)
	reader := hkdf.New(sha256.New, []byte(passphrase), nil, []byte("canvas room jwt"))
	if _, err := io.ReadFull(reader, secret); err != nil {
		panic(err)
	}
	return secret
}
