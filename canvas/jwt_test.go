package canvas

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func TestRoomJwt(t *testing.T) {
	secret := DeriveRoomSecret("passphrase")
	expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)

	jwt, err := NewRoomJwt(secret, &RoomClaims{
		ClientId:  "a",
		RoomId:    "r",
		ExpiresAt: expiresAt,
	})
	assert.Equal(t, nil, err)

	claims, err := ParseRoomJwt(jwt, secret)
	assert.Equal(t, nil, err)
	assert.Equal(t, "a", claims.ClientId)
	assert.Equal(t, "r", claims.RoomId)
	assert.Equal(t, expiresAt.Unix(), claims.ExpiresAt.Unix())

	_, err = ParseRoomJwt(jwt, DeriveRoomSecret("other"))
	assert.NotEqual(t, nil, err)

	// readable without the secret
	claims, err = ParseRoomJwtUnverified(jwt)
	assert.Equal(t, nil, err)
	assert.Equal(t, "a", claims.ClientId)

	// no expiry
	jwt, err = NewRoomJwt(secret, &RoomClaims{
		ClientId: "a",
		RoomId:   "r",
	})
	assert.Equal(t, nil, err)
	claims, err = ParseRoomJwt(jwt, secret)
	assert.Equal(t, nil, err)
	assert.Equal(t, true, claims.ExpiresAt.IsZero())
}

func TestRoomJwtExpired(t *testing.T) {
	secret := DeriveRoomSecret("passphrase")
	jwt, err := NewRoomJwt(secret, &RoomClaims{
		ClientId:  "a",
		RoomId:    "r",
		ExpiresAt: time.Now().Add(-time.Hour),
	})
	assert.Equal(t, nil, err)
	_, err = ParseRoomJwt(jwt, secret)
	assert.NotEqual(t, nil, err)
}

func TestRoomJwtMissingClaims(t *testing.T) {
	secret := DeriveRoomSecret("passphrase")
	jwt, err := NewRoomJwt(secret, &RoomClaims{
		RoomId: "r",
	})
	assert.Equal(t, nil, err)
	_, err = ParseRoomJwt(jwt, secret)
	assert.Equal(t, true, errors.Is(err, ErrBadClaims))
}

func TestDeriveRoomSecret(t *testing.T) {
	a := DeriveRoomSecret("passphrase")
	assert.Equal(t, 32, len(a))
	assert.Equal(t, a, DeriveRoomSecret("passphrase"))
	assert.NotEqual(t, a, DeriveRoomSecret("passphrase2"))
}
