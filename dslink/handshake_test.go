package dslink

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	gjson "github.com/goccy/go-json"
	gojwt "github.com/golang-jwt/jwt/v5"
)

func testHandshake(t *testing.T, brokerUrl string, token string, jwt string) (*Handshake, *KeyPair) {
	keyPair, err := GenerateKeyPair()
	assert.Equal(t, err, nil)
	return NewHandshake(
		brokerUrl,
		"test-"+keyPair.IdSuffix(),
		token,
		jwt,
		keyPair,
		true,
		true,
		map[string]any{"a": "b"},
		[]string{"msgpack", "json"},
		false,
		DefaultHandshakeSettings(),
	), keyPair
}

func TestHandshakeShake(t *testing.T) {
	ctx := context.Background()

	brokerKey, _ := GenerateKeyPair()

	var query url.Values
	var body HandshakeRequest
	var authorization string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query = r.URL.Query()
		authorization = r.Header.Get("Authorization")
		b, _ := io.ReadAll(r.Body)
		gjson.Unmarshal(b, &body)

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{
			"dsId": "broker-abc",
			"tempKey": "` + UrlBase64Encode(brokerKey.EncodedPublicKey()) + `",
			"salt": "0x100",
			"wsUri": "/ws",
			"format": "msgpack",
			"updateInterval": 200
		}`))
	}))
	defer server.Close()

	token := "abcdefghijklmnopqrstuvwxyz0123456789"
	jwt := "not.a.jwt"
	handshake, keyPair := testHandshake(t, server.URL+"/conn", token, jwt)

	params, err := handshake.Shake(ctx)
	assert.Equal(t, err, nil)
	assert.Equal(t, params.RemoteDsId(), "broker-abc")
	assert.Equal(t, params.Salt, "0x100")
	assert.Equal(t, params.Format, "msgpack")
	assert.Equal(t, params.UpdateInterval, 200)

	assert.Equal(t, query.Get("dsId"), "test-"+keyPair.IdSuffix())
	assert.Equal(t, query.Get("token"), CreateTokenParameter(token, "test-"+keyPair.IdSuffix()))
	assert.Equal(t, authorization, "Bearer "+jwt)
	assert.Equal(t, body.PublicKey, UrlBase64Encode(keyPair.EncodedPublicKey()))
	assert.Equal(t, body.IsRequester, true)
	assert.Equal(t, body.IsResponder, true)
	assert.Equal(t, body.Version, DsaVersion)
	assert.Equal(t, body.Formats, []string{"msgpack", "json"})
	assert.Equal(t, body.LinkData["a"], "b")

	// auth binds the salt to the shared secret with the broker temp key
	sharedSecret, err := brokerKey.SharedSecret(UrlBase64Encode(keyPair.EncodedPublicKey()))
	assert.Equal(t, err, nil)
	auth, err := handshake.Auth(params)
	assert.Equal(t, err, nil)
	assert.Equal(t, auth, AuthToken("0x100", sharedSecret))

	wsUrl, err := handshake.WebSocketUrl(params, "msgpack")
	assert.Equal(t, err, nil)
	u, err := url.Parse(wsUrl)
	assert.Equal(t, err, nil)
	serverUrl, _ := url.Parse(server.URL)
	assert.Equal(t, u.Scheme, "ws")
	assert.Equal(t, u.Host, serverUrl.Host)
	assert.Equal(t, u.Path, "/ws")
	assert.Equal(t, u.Query().Get("auth"), auth)
	assert.Equal(t, u.Query().Get("format"), "msgpack")
	assert.Equal(t, u.Query().Get("dsId"), "test-"+keyPair.IdSuffix())
	assert.Equal(t, u.Query().Get("token"), handshake.TokenParameter())
}

func TestHandshakeErrors(t *testing.T) {
	ctx := context.Background()

	status := http.StatusInternalServerError
	response := "broker down"
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(status)
		w.Write([]byte(response))
	}))
	defer server.Close()

	handshake, _ := testHandshake(t, server.URL, "", "")

	_, err := handshake.Shake(ctx)
	assert.Equal(t, errors.Is(err, ErrHandshakeFailure), true)
	var handshakeErr *HandshakeError
	assert.Equal(t, errors.As(err, &handshakeErr), true)
	assert.Equal(t, handshakeErr.StatusCode, http.StatusInternalServerError)
	assert.Equal(t, handshakeErr.Message, "broker down")

	// 2xx without a salt
	status = http.StatusOK
	response = `{"dsId": "broker"}`
	_, err = handshake.Shake(ctx)
	assert.Equal(t, errors.Is(err, ErrHandshakeFailure), true)

	// 2xx that is not json
	response = `<html>`
	_, err = handshake.Shake(ctx)
	assert.Equal(t, errors.Is(err, ErrHandshakeFailure), true)
	assert.Equal(t, errors.Is(err, ErrProtocolViolation), true)

	// unreachable
	server.Close()
	_, err = handshake.Shake(ctx)
	assert.Equal(t, errors.Is(err, ErrHandshakeFailure), true)
}

func TestHandshakeWebSocketUrl(t *testing.T) {
	handshake, _ := testHandshake(t, "https://broker.example.com/conn", "", "")

	wsUrl, err := handshake.WebSocketUrl(&ConnectionParameters{WsUri: "/ws", Salt: "s"}, "json")
	assert.Equal(t, err, nil)
	u, _ := url.Parse(wsUrl)
	assert.Equal(t, u.Scheme, "wss")
	assert.Equal(t, u.Host, "broker.example.com:443")
	// no temp key, empty auth
	assert.Equal(t, u.Query().Get("auth"), "")
	assert.Equal(t, u.Query().Has("token"), false)

	handshakeUrl, err := handshake.Url()
	assert.Equal(t, err, nil)
	u, _ = url.Parse(handshakeUrl)
	assert.Equal(t, u.Path, "/conn")
	assert.Equal(t, u.Query().Has("token"), false)
}

func TestBrokerJwt(t *testing.T) {
	expiresAt := time.Now().Add(time.Hour).Truncate(time.Second)
	token := gojwt.NewWithClaims(gojwt.SigningMethodHS256, gojwt.MapClaims{
		"sub": "link",
		"iss": "broker",
		"exp": expiresAt.Unix(),
	})
	jwt, err := token.SignedString([]byte("secret"))
	assert.Equal(t, err, nil)

	brokerJwt, err := ParseBrokerJwtUnverified(jwt)
	assert.Equal(t, err, nil)
	assert.Equal(t, brokerJwt.Subject, "link")
	assert.Equal(t, brokerJwt.Issuer, "broker")
	assert.Equal(t, brokerJwt.ExpiresAt.Equal(expiresAt), true)
	assert.Equal(t, brokerJwt.Expired(time.Now()), false)
	assert.Equal(t, brokerJwt.Expired(expiresAt), true)

	_, err = ParseBrokerJwtUnverified("not.a.jwt")
	assert.NotEqual(t, err, nil)
}
