package dslink

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	gjson "github.com/goccy/go-json"
	"github.com/golang/glog"
)

type HandshakeSettings struct {
	HttpTimeout        time.Duration
	HttpConnectTimeout time.Duration
	HttpTlsTimeout     time.Duration
}

func DefaultHandshakeSettings() *HandshakeSettings {
	return &HandshakeSettings{
		HttpTimeout:        60 * time.Second,
		HttpConnectTimeout: 5 * time.Second,
		HttpTlsTimeout:     5 * time.Second,
	}
}

func (self *HandshakeSettings) httpClient() *http.Client {
	// see https://medium.com/@nate510/don-t-use-go-s-default-http-client-4804cb19f779
	dialer := &net.Dialer{
		Timeout: self.HttpConnectTimeout,
	}
	transport := &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialer.DialContext,
		TLSHandshakeTimeout: self.HttpTlsTimeout,
	}
	return &http.Client{
		Transport: transport,
		Timeout:   self.HttpTimeout,
	}
}

// HandshakeRequest is the POST body of the handshake
type HandshakeRequest struct {
	PublicKey                  string         `json:"publicKey"`
	IsRequester                bool           `json:"isRequester"`
	IsResponder                bool           `json:"isResponder"`
	LinkData                   map[string]any `json:"linkData"`
	Version                    string         `json:"version"`
	Formats                    []string       `json:"formats"`
	EnableWebSocketCompression bool           `json:"enableWebSocketCompression"`
}

// ConnectionParameters is the broker's handshake reply. It is replaced on every attempt.
type ConnectionParameters struct {
	DsId           string `json:"dsId,omitempty"`
	Id             string `json:"id,omitempty"`
	PublicKey      string `json:"publicKey,omitempty"`
	WsUri          string `json:"wsUri,omitempty"`
	HttpUri        string `json:"httpUri,omitempty"`
	TempKey        string `json:"tempKey,omitempty"`
	Salt           string `json:"salt,omitempty"`
	Path           string `json:"path,omitempty"`
	Version        string `json:"version,omitempty"`
	Format         string `json:"format,omitempty"`
	UpdateInterval int    `json:"updateInterval,omitempty"`
}

// brokers send either `dsId` or `id`
func (self *ConnectionParameters) RemoteDsId() string {
	if self.DsId != "" {
		return self.DsId
	}
	return self.Id
}

// Handshake runs the http exchange that precedes every websocket connection.
type Handshake struct {
	brokerUrl   string
	dsId        string
	token       string
	brokerJwt   string
	keyPair     *KeyPair
	isRequester bool
	isResponder bool
	linkData    map[string]any
	formats     []string
	compression bool

	settings *HandshakeSettings
	client   *http.Client
}

func NewHandshake(
	brokerUrl string,
	dsId string,
	token string,
	brokerJwt string,
	keyPair *KeyPair,
	isRequester bool,
	isResponder bool,
	linkData map[string]any,
	formats []string,
	compression bool,
	settings *HandshakeSettings,
) *Handshake {
	return &Handshake{
		brokerUrl:   brokerUrl,
		dsId:        dsId,
		token:       token,
		brokerJwt:   brokerJwt,
		keyPair:     keyPair,
		isRequester: isRequester,
		isResponder: isResponder,
		linkData:    linkData,
		formats:     formats,
		compression: compression,
		settings:    settings,
		client:      settings.httpClient(),
	}
}

func (self *Handshake) HasToken() bool {
	return self.token != ""
}

func (self *Handshake) TokenParameter() string {
	return CreateTokenParameter(self.token, self.dsId)
}

// Url is the handshake endpoint with the `dsId` and optional `token` query parameters.
func (self *Handshake) Url() (string, error) {
	u, err := url.Parse(self.brokerUrl)
	if err != nil {
		return "", fmt.Errorf("invalid broker url: %w", err)
	}
	query := u.Query()
	query.Set("dsId", self.dsId)
	if self.HasToken() {
		query.Set("token", self.TokenParameter())
	}
	u.RawQuery = query.Encode()
	return u.String(), nil
}

func (self *Handshake) request() *HandshakeRequest {
	linkData := self.linkData
	if linkData == nil {
		linkData = map[string]any{}
	}
	return &HandshakeRequest{
		PublicKey:                  UrlBase64Encode(self.keyPair.EncodedPublicKey()),
		IsRequester:                self.isRequester,
		IsResponder:                self.isResponder,
		LinkData:                   linkData,
		Version:                    DsaVersion,
		Formats:                    self.formats,
		EnableWebSocketCompression: self.compression,
	}
}

// Shake posts the handshake. Any transport error or non-2xx status is a `*HandshakeError`.
func (self *Handshake) Shake(ctx context.Context) (*ConnectionParameters, error) {
	handshakeUrl, err := self.Url()
	if err != nil {
		return nil, &HandshakeError{Err: err}
	}
	if self.brokerJwt != "" {
		checkBrokerJwt(self.brokerJwt)
	}

	glog.V(1).Infof("[h]shake %s\n", handshakeUrl)

	params, err := post(ctx, self.client, handshakeUrl, self.request(), self.brokerJwt, &ConnectionParameters{})
	if err != nil {
		glog.Infof("[h]shake error = %s\n", err)
		return nil, err
	}
	if params.Salt == "" {
		return nil, &HandshakeError{
			StatusCode: http.StatusOK,
			Message:    "response has no salt",
		}
	}
	glog.V(1).Infof("[h]shake ok broker=%s format=%s\n", params.RemoteDsId(), params.Format)
	return params, nil
}

// Auth derives the websocket `auth` parameter for one attempt from the broker's temp key.
func (self *Handshake) Auth(params *ConnectionParameters) (string, error) {
	if params.TempKey == "" {
		// brokers without auth accept an empty token
		return "", nil
	}
	sharedSecret, err := self.keyPair.SharedSecret(params.TempKey)
	if err != nil {
		return "", fmt.Errorf("shared secret: %w", err)
	}
	return AuthToken(params.Salt, sharedSecret), nil
}

// WebSocketUrl rewrites the broker url into the websocket endpoint for `params`.
func (self *Handshake) WebSocketUrl(params *ConnectionParameters, format string) (string, error) {
	u, err := url.Parse(self.brokerUrl)
	if err != nil {
		return "", fmt.Errorf("invalid broker url: %w", err)
	}
	auth, err := self.Auth(params)
	if err != nil {
		return "", err
	}

	scheme := "ws"
	if strings.EqualFold(u.Scheme, "https") {
		scheme = "wss"
	}
	port := u.Port()
	if port == "" {
		if scheme == "wss" {
			port = "443"
		} else {
			port = "80"
		}
	}

	query := url.Values{}
	query.Set("dsId", self.dsId)
	query.Set("auth", auth)
	query.Set("format", format)
	if self.HasToken() {
		query.Set("token", self.TokenParameter())
	}

	wsUrl := &url.URL{
		Scheme:   scheme,
		Host:     net.JoinHostPort(u.Hostname(), port),
		Path:     params.WsUri,
		RawQuery: query.Encode(),
	}
	return wsUrl.String(), nil
}

// post sends `args` as json and decodes a 2xx json body into `result`.
// A non-2xx response body is the error message.
func post[R any](ctx context.Context, client *http.Client, url string, args any, jwt string, result R) (R, error) {
	var empty R

	requestBodyBytes, err := gjson.Marshal(args)
	if err != nil {
		return empty, &HandshakeError{Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, "POST", url, bytes.NewReader(requestBodyBytes))
	if err != nil {
		return empty, &HandshakeError{Err: err}
	}
	req.Header.Add("Content-Type", "application/json")
	if jwt != "" {
		req.Header.Add("Authorization", fmt.Sprintf("Bearer %s", jwt))
	}

	r, err := client.Do(req)
	if err != nil {
		return empty, &HandshakeError{Err: err}
	}
	defer r.Body.Close()

	responseBodyBytes, err := io.ReadAll(r.Body)

	if r.StatusCode < 200 || 300 <= r.StatusCode {
		return empty, &HandshakeError{
			StatusCode: r.StatusCode,
			Message:    strings.TrimSpace(string(responseBodyBytes)),
		}
	}
	if err != nil {
		return empty, &HandshakeError{StatusCode: r.StatusCode, Err: err}
	}

	if err := gjson.Unmarshal(responseBodyBytes, result); err != nil {
		return empty, &HandshakeError{
			StatusCode: r.StatusCode,
			Err:        errors.Join(ErrProtocolViolation, err),
		}
	}
	return result, nil
}
