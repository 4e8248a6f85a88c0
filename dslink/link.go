package dslink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type LinkSettings struct {
	// prefix of the dsId
	Name      string
	BrokerUrl string
	// optional broker token, sent as the derived token parameter
	Token string
	// optional bearer token for the handshake request
	BrokerJwt string
	// preferred format, offered first. The broker picks.
	Format   string
	LinkData map[string]any

	IsRequester bool
	IsResponder bool

	// holds `.keys` and `nodes.json`
	StorageDir    string
	LoadNodesJson bool

	// backoff is min(attempt, MaxConnectionCooldown) * BackoffUnit
	MaxConnectionCooldown int
	BackoffUnit           time.Duration
	// reconnect after a connection failure
	AutoReconnect bool
	// 0 is unlimited
	MaxAttempts int

	HandshakeSettings *HandshakeSettings
	ConnectorSettings *ConnectorSettings
	WebSocketSettings *WebSocketSettings
}

func DefaultLinkSettings() *LinkSettings {
	return &LinkSettings{
		Name:                  "dslink-go",
		BrokerUrl:             "http://localhost:8080/conn",
		Format:                "json",
		IsResponder:           true,
		StorageDir:            ".",
		LoadNodesJson:         true,
		MaxConnectionCooldown: 60,
		BackoffUnit:           1 * time.Second,
		AutoReconnect:         true,
		MaxAttempts:           0,
		HandshakeSettings:     DefaultHandshakeSettings(),
		ConnectorSettings:     DefaultConnectorSettings(),
		WebSocketSettings:     DefaultWebSocketSettings(),
	}
}

// Link is one process connected to a broker, as requester and/or responder.
// The requester and responder are nil unless enabled in the settings.
type Link struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings    *LinkSettings
	keyPair     *KeyPair
	dsId        string
	serializers *Serializers

	handshake *Handshake
	connector *Connector
	responder *Responder
	requester *Requester
	disk      *DiskSerializer

	events  chan ConnectionEvent
	stopped chan error

	// waits between connection attempts
	sleep func(ctx context.Context, d time.Duration) error

	stateLock       sync.Mutex
	params          *ConnectionParameters
	reconnectCancel context.CancelFunc
}

// NewLink loads or creates the key pair in the storage dir and connects over websockets.
func NewLink(ctx context.Context, settings *LinkSettings) (*Link, error) {
	keyPair, err := LoadOrCreateKeyPair(settings.StorageDir)
	if err != nil {
		return nil, err
	}
	return NewLinkWithKeyPair(ctx, settings, keyPair, NewWebSocketDialer(settings.WebSocketSettings)), nil
}

func NewLinkWithKeyPair(ctx context.Context, settings *LinkSettings, keyPair *KeyPair, dialer Dialer) *Link {
	cancelCtx, cancel := context.WithCancel(ctx)

	serializers := DefaultSerializers()
	formats := preferredFormats(serializers.Names(), settings.Format)
	dsId := fmt.Sprintf("%s-%s", settings.Name, keyPair.IdSuffix())

	connector := NewConnector(cancelCtx, dialer, serializers, settings.ConnectorSettings)

	link := &Link{
		ctx:         cancelCtx,
		cancel:      cancel,
		settings:    settings,
		keyPair:     keyPair,
		dsId:        dsId,
		serializers: serializers,
		handshake: NewHandshake(
			settings.BrokerUrl,
			dsId,
			settings.Token,
			settings.BrokerJwt,
			keyPair,
			settings.IsRequester,
			settings.IsResponder,
			settings.LinkData,
			formats,
			settings.WebSocketSettings.EnableCompression,
			settings.HandshakeSettings,
		),
		connector: connector,
		events:    make(chan ConnectionEvent, settings.ConnectorSettings.EventBufferSize),
		stopped:   make(chan error, 1),
		sleep:     sleepContext,
	}
	if settings.IsResponder {
		link.responder = NewResponder(cancelCtx, NewRootNode(), connector)
		link.disk = NewDiskSerializer(settings.StorageDir, link.responder.Root(), link.responder.Classes())
	}
	if settings.IsRequester {
		link.requester = NewRequester(connector)
	}
	connector.SetReceive(link.receive)

	go HandleError(link.supervise, func() {
		cancel()
	})

	return link
}

func preferredFormats(names []string, preferred string) []string {
	formats := []string{}
	for _, name := range names {
		if name == preferred {
			formats = append(formats, name)
		}
	}
	for _, name := range names {
		if name != preferred {
			formats = append(formats, name)
		}
	}
	return formats
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

func (self *Link) DsId() string {
	return self.dsId
}

func (self *Link) KeyPair() *KeyPair {
	return self.keyPair
}

func (self *Link) Settings() *LinkSettings {
	return self.settings
}

func (self *Link) Connector() *Connector {
	return self.connector
}

func (self *Link) Responder() *Responder {
	return self.responder
}

func (self *Link) Requester() *Requester {
	return self.requester
}

// Params are the parameters of the last successful handshake
func (self *Link) Params() *ConnectionParameters {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.params
}

// Events forwards the connector's state transitions. Events are dropped when the
// application does not keep up.
func (self *Link) Events() <-chan ConnectionEvent {
	return self.events
}

// LoadNodes restores nodes.json when enabled and present. Otherwise `initialize` builds
// the default tree.
func (self *Link) LoadNodes(initialize func(root *Node)) error {
	if self.responder == nil {
		return errors.New("link is not a responder")
	}
	if self.settings.LoadNodesJson {
		loaded, err := self.disk.Load()
		if loaded {
			glog.V(1).Infof("[l]loaded %s\n", self.disk.Path())
			return nil
		}
		if err != nil {
			glog.Infof("[l]nodes.json ignored = %s\n", err)
		}
	}
	if initialize != nil {
		initialize(self.responder.Root())
	}
	return nil
}

func (self *Link) SaveNodes() error {
	if self.disk == nil {
		return errors.New("link is not a responder")
	}
	if !glog.V(2) {
		return self.disk.Save()
	}
	var err error
	Trace(fmt.Sprintf("[l]save %s", self.disk.Path()), func() {
		err = self.disk.Save()
	})
	return err
}

// Backoff is the delay after the given failed attempt (1-based)
func (self *Link) Backoff(attempt int) time.Duration {
	n := attempt
	if self.settings.MaxConnectionCooldown < n {
		n = self.settings.MaxConnectionCooldown
	}
	if n < 1 {
		n = 1
	}
	return time.Duration(n) * self.settings.BackoffUnit
}

// Connect runs handshake and transport connect until one attempt succeeds, waiting
// `Backoff(attempt)` between attempts. `maxAttempts` 0 is unlimited.
func (self *Link) Connect(ctx context.Context, maxAttempts int) error {
	for attempt := 1; ; attempt += 1 {
		err := self.connectOnce(ctx)
		if err == nil {
			return nil
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if 0 < maxAttempts && maxAttempts <= attempt {
			glog.Infof("[l]giving up after %d attempts = %s\n", attempt, err)
			return errors.Join(ErrAttemptsExhausted, err)
		}
		delay := self.Backoff(attempt)
		glog.Infof("[l]attempt %d failed = %s. Retry in %s\n", attempt, err, delay)
		if err := self.sleep(ctx, delay); err != nil {
			return err
		}
	}
}

func (self *Link) connectOnce(ctx context.Context) error {
	params, err := self.handshake.Shake(ctx)
	if err != nil {
		return err
	}
	format := self.chooseFormat(params.Format)
	wsUrl, err := self.handshake.WebSocketUrl(params, format)
	if err != nil {
		return err
	}

	if err := self.connector.Connect(ctx, wsUrl, format); err != nil {
		return err
	}

	self.stateLock.Lock()
	self.params = params
	self.stateLock.Unlock()

	glog.V(1).Infof("[l]%s connected to %s format=%s\n", self.dsId, params.RemoteDsId(), format)
	return nil
}

func (self *Link) chooseFormat(negotiated string) string {
	if _, err := self.serializers.Get(negotiated); negotiated != "" && err == nil {
		return negotiated
	}
	if _, err := self.serializers.Get(self.settings.Format); err == nil {
		return self.settings.Format
	}
	return "json"
}

// Run connects, then keeps the link up until `ctx` is done, `Disconnect` is called,
// or a failed connection cannot be restored.
func (self *Link) Run(ctx context.Context) error {
	// drop a stale stop from a previous run
	select {
	case <-self.stopped:
	default:
	}

	if err := self.Connect(ctx, self.settings.MaxAttempts); err != nil {
		return err
	}

	select {
	case <-ctx.Done():
		self.Disconnect()
		return ctx.Err()
	case <-self.ctx.Done():
		return self.ctx.Err()
	case err := <-self.stopped:
		return err
	}
}

// Disconnect closes the connection without reconnecting and clears all stream and
// subscription state.
func (self *Link) Disconnect() error {
	self.stateLock.Lock()
	reconnectCancel := self.reconnectCancel
	self.reconnectCancel = nil
	self.stateLock.Unlock()
	if reconnectCancel != nil {
		reconnectCancel()
	}

	err := self.connector.Disconnect()
	self.clearState()
	return err
}

// Close disconnects and stops the link. The link cannot be reused.
func (self *Link) Close() error {
	err := self.Disconnect()
	self.cancel()
	return err
}

func (self *Link) clearState() {
	if self.responder != nil {
		self.responder.ClearAll()
	}
	if self.requester != nil {
		self.requester.ClearAll()
	}
}

func (self *Link) stop(err error) {
	select {
	case self.stopped <- err:
	default:
	}
}

// supervise is the only consumer of connector events. Only the end of the connection
// that reached `Connected` counts; failed attempts inside a connect loop are just forwarded.
func (self *Link) supervise() {
	var current Id
	live := false
	for {
		select {
		case <-self.ctx.Done():
			return
		case event := <-self.connector.Events():
			glog.V(1).Infof("[l]%s %s\n", event.ConnectionId, event.State)
			select {
			case self.events <- event:
			default:
			}

			switch event.State {
			case Connected:
				current = event.ConnectionId
				live = true
			case Failure, Disconnected:
				if !live || event.ConnectionId != current {
					continue
				}
				live = false
				self.clearState()
				if event.State == Disconnected {
					self.stop(nil)
				} else if self.settings.AutoReconnect {
					self.startReconnect()
				} else {
					self.stop(event.Err)
				}
			}
		}
	}
}

func (self *Link) startReconnect() {
	self.stateLock.Lock()
	if self.reconnectCancel != nil {
		self.stateLock.Unlock()
		return
	}
	reconnectCtx, reconnectCancel := context.WithCancel(self.ctx)
	self.reconnectCancel = reconnectCancel
	self.stateLock.Unlock()

	go HandleError(func() {
		defer func() {
			reconnectCancel()
			self.stateLock.Lock()
			self.reconnectCancel = nil
			self.stateLock.Unlock()
		}()

		// the first attempt is immediate, then linear backoff from one unit
		err := self.Connect(reconnectCtx, self.settings.MaxAttempts)
		if err != nil && reconnectCtx.Err() == nil {
			self.stop(err)
		}
	})
}

// receive handles one inbound envelope on the connector reader
func (self *Link) receive(envelope *Envelope) {
	if 0 < len(envelope.Requests) {
		if self.responder == nil {
			glog.Infof("[l]drop %d requests: not a responder\n", len(envelope.Requests))
		} else if err := self.responder.Process(envelope.Requests); err != nil {
			// the batch is rejected, the connection stays up
			glog.Infof("[l]msg=%d rejected = %s\n", envelope.Msg, err)
		}
	}
	if 0 < len(envelope.Responses) {
		if self.requester == nil {
			glog.Infof("[l]drop %d responses: not a requester\n", len(envelope.Responses))
		} else {
			self.requester.Process(envelope.Responses)
		}
	}
	if envelope.Msg != 0 {
		self.connector.Send(&Envelope{
			Ack: envelope.Msg,
		}, true)
	}
}
