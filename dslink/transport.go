package dslink

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

// Transport is one open message channel to the broker.
// `*websocket.Conn` implements the read/write half directly.
type Transport interface {
	ReadMessage() (messageType int, data []byte, err error)
	WriteMessage(messageType int, data []byte) error
	Close() error
}

type Dialer interface {
	Dial(ctx context.Context, url string) (Transport, error)
}

type WebSocketSettings struct {
	HandshakeTimeout  time.Duration
	WriteTimeout      time.Duration
	// 0 disables the read deadline. The broker's own keepalive keeps the read side busy.
	ReadTimeout       time.Duration
	EnableCompression bool
	ReadLimit         int64
}

func DefaultWebSocketSettings() *WebSocketSettings {
	return &WebSocketSettings{
		HandshakeTimeout:  10 * time.Second,
		WriteTimeout:      15 * time.Second,
		ReadTimeout:       0,
		EnableCompression: true,
		ReadLimit:         0,
	}
}

type WebSocketDialer struct {
	settings *WebSocketSettings
}

func NewWebSocketDialerWithDefaults() *WebSocketDialer {
	return NewWebSocketDialer(DefaultWebSocketSettings())
}

func NewWebSocketDialer(settings *WebSocketSettings) *WebSocketDialer {
	return &WebSocketDialer{
		settings: settings,
	}
}

func (self *WebSocketDialer) Dial(ctx context.Context, url string) (Transport, error) {
	dialer := &websocket.Dialer{
		Proxy:             http.ProxyFromEnvironment,
		HandshakeTimeout:  self.settings.HandshakeTimeout,
		EnableCompression: self.settings.EnableCompression,
	}
	ws, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, err
	}
	if 0 < self.settings.ReadLimit {
		ws.SetReadLimit(self.settings.ReadLimit)
	}
	return &webSocketTransport{
		ws:       ws,
		settings: self.settings,
	}, nil
}

type webSocketTransport struct {
	ws       *websocket.Conn
	settings *WebSocketSettings
}

func (self *webSocketTransport) ReadMessage() (int, []byte, error) {
	if 0 < self.settings.ReadTimeout {
		self.ws.SetReadDeadline(time.Now().Add(self.settings.ReadTimeout))
	}
	return self.ws.ReadMessage()
}

func (self *webSocketTransport) WriteMessage(messageType int, data []byte) error {
	if 0 < self.settings.WriteTimeout {
		// note that for websocket a deadline timeout cannot be recovered
		self.ws.SetWriteDeadline(time.Now().Add(self.settings.WriteTimeout))
	}
	return self.ws.WriteMessage(messageType, data)
}

func (self *webSocketTransport) Close() error {
	self.ws.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "Disconnecting"),
		time.Now().Add(time.Second),
	)
	return self.ws.Close()
}
