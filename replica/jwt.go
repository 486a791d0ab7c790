package replica

import (
	"errors"

	gojwt "github.com/golang-jwt/jwt/v5"

	"github.com/oklog/ulid/v2"
)

// ReceiverAuth is the first message a receiver sends after the websocket
// handshake. The sender echoes the bytes back to confirm attach.
type ReceiverAuth struct {
	ByJwt      string
	AppVersion string
}

func (self *ReceiverAuth) ReceiverId() (Id, error) {
	return ParseReceiverIdUnverified(self.ByJwt)
}

func (self *ReceiverAuth) Encode() []byte {
	writer := NewWriter()
	writer.WriteBytes([]byte(self.ByJwt))
	writer.WriteBytes([]byte(self.AppVersion))
	return writer.Bytes()
}

func DecodeReceiverAuth(b []byte) (*ReceiverAuth, error) {
	reader := NewReader(b)
	byJwt, err := reader.ReadBytes()
	if err != nil {
		return nil, err
	}
	appVersion, err := reader.ReadBytes()
	if err != nil {
		return nil, err
	}
	return &ReceiverAuth{
		ByJwt:      string(byJwt),
		AppVersion: string(appVersion),
	}, nil
}

// ParseReceiverIdUnverified pulls the receiver id out of the `client_id`
// claim. Signature verification is the platform's concern, not this
// package's; the id is used only to label the connection.
func ParseReceiverIdUnverified(byJwt string) (Id, error) {
	parser := gojwt.NewParser()
	token, _, err := parser.ParseUnverified(byJwt, gojwt.MapClaims{})
	if err != nil {
		return Id{}, err
	}

	claims := token.Claims.(gojwt.MapClaims)

	if clientIdStr, ok := claims["client_id"]; ok {
		if clientIdStr, ok := clientIdStr.(string); ok {
			clientUlid, err := ulid.Parse(clientIdStr)
			if err != nil {
				return Id{}, err
			}
			return Id(clientUlid), nil
		}
	}
	return Id{}, errors.New("Missing client_id claim.")
}
