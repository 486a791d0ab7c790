package replica

import (
	"testing"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/go-playground/assert/v2"
)

func TestReceiverAuthRoundTrip(t *testing.T) {
	auth := &ReceiverAuth{
		ByJwt:      "not-a-real-jwt",
		AppVersion: "1.2.3",
	}
	decoded, err := DecodeReceiverAuth(auth.Encode())
	assert.Equal(t, err, nil)
	assert.Equal(t, auth.ByJwt, decoded.ByJwt)
	assert.Equal(t, auth.AppVersion, decoded.AppVersion)
}

func TestParseReceiverIdUnverified(t *testing.T) {
	receiverId := NewId()

	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"client_id": receiverId.String(),
	})
	byJwt, err := token.SignedString([]byte("test"))
	assert.Equal(t, err, nil)

	parsedId, err := ParseReceiverIdUnverified(byJwt)
	assert.Equal(t, err, nil)
	assert.Equal(t, receiverId, parsedId)

	// missing claim
	token = gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{})
	byJwt, err = token.SignedString([]byte("test"))
	assert.Equal(t, err, nil)
	_, err = ParseReceiverIdUnverified(byJwt)
	assert.NotEqual(t, err, nil)

	// not a jwt at all
	_, err = ParseReceiverIdUnverified("garbage")
	assert.NotEqual(t, err, nil)
}
