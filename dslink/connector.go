package dslink

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/golang/glog"
	"github.com/gorilla/websocket"
)

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Disconnecting
	Failure
)

func (self ConnectionState) String() string {
	switch self {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Disconnecting:
		return "disconnecting"
	case Failure:
		return "failure"
	default:
		return fmt.Sprintf("unknown(%d)", int(self))
	}
}

// ConnectionEvent is one state transition of the connector.
type ConnectionEvent struct {
	ConnectionId Id
	State        ConnectionState
	// set on transitions into `Failure`
	Err error
}

// called on the reader goroutine, one envelope at a time
type ReceiveFunction func(envelope *Envelope)

type ConnectorSettings struct {
	// empty envelopes are written at this interval while connected
	PingInterval time.Duration
	// delay between the first queued item and the flush
	FlushInterval   time.Duration
	EventBufferSize int
}

func DefaultConnectorSettings() *ConnectorSettings {
	return &ConnectorSettings{
		PingInterval:    30 * time.Second,
		FlushInterval:   10 * time.Millisecond,
		EventBufferSize: 32,
	}
}

// Connector owns the transport for one link. It serializes writes, numbers messages,
// batches through the `MessageQueue` and reports state transitions on `Events()`.
type Connector struct {
	ctx context.Context

	dialer      Dialer
	serializers *Serializers
	settings    *ConnectorSettings

	queue    *MessageQueue
	queueing atomic.Bool
	msgId    *IncrementingIndex

	stateLock    sync.Mutex
	state        ConnectionState
	connectionId Id
	transport    Transport
	serializer   Serializer
	handleCancel context.CancelFunc

	// orders writes and msg numbering
	writeLock sync.Mutex

	receive     ReceiveFunction
	events      chan ConnectionEvent
	flushNotify chan struct{}
}

func NewConnector(ctx context.Context, dialer Dialer, serializers *Serializers, settings *ConnectorSettings) *Connector {
	connector := &Connector{
		ctx:         ctx,
		dialer:      dialer,
		serializers: serializers,
		settings:    settings,
		queue:       NewMessageQueue(),
		msgId:       NewIncrementingIndex(1),
		state:       Disconnected,
		events:      make(chan ConnectionEvent, max(1, settings.EventBufferSize)),
		flushNotify: make(chan struct{}, 1),
	}
	connector.queueing.Store(true)
	return connector
}

func (self *Connector) SetReceive(receive ReceiveFunction) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.receive = receive
}

func (self *Connector) Events() <-chan ConnectionEvent {
	return self.events
}

func (self *Connector) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// ConnectionId identifies the current or last connection attempt
func (self *Connector) ConnectionId() Id {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.connectionId
}

func (self *Connector) Queueing() bool {
	return self.queueing.Load()
}

// SetQueueing turns batching on or off. Turning it off flushes immediately.
func (self *Connector) SetQueueing(queueing bool) error {
	self.queueing.Store(queueing)
	if !queueing {
		return self.Flush()
	}
	return nil
}

func (self *Connector) QueueSize() (int, int, int) {
	return self.queue.QueueSize()
}

// must be called with `stateLock`.
// When the buffer is full the oldest event is dropped, so the latest state always arrives.
func (self *Connector) setState(state ConnectionState, err error) {
	self.state = state
	event := ConnectionEvent{
		ConnectionId: self.connectionId,
		State:        state,
		Err:          err,
	}
	for {
		select {
		case self.events <- event:
			return
		default:
		}
		select {
		case dropped := <-self.events:
			glog.Infof("[c]%s event dropped %s\n", dropped.ConnectionId, dropped.State)
		default:
		}
	}
}

// Connect opens the transport at `url` using `format`, then flushes anything queued while
// disconnected. The connector ends in `Connected` or `Failure`.
func (self *Connector) Connect(ctx context.Context, url string, format string) error {
	serializer, err := self.serializers.Get(format)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	switch self.state {
	case Disconnected, Failure:
	default:
		state := self.state
		self.stateLock.Unlock()
		return fmt.Errorf("cannot connect from state %s", state)
	}
	self.connectionId = NewId()
	connectionId := self.connectionId
	self.setState(Connecting, nil)
	self.stateLock.Unlock()

	glog.V(1).Infof("[c]%s connecting format=%s\n", connectionId, format)

	var transport Transport
	if glog.V(2) {
		transport, err = TraceWithReturnError(
			fmt.Sprintf("[c]%s dial", connectionId),
			func() (Transport, error) {
				return self.dialer.Dial(ctx, url)
			},
		)
	} else {
		transport, err = self.dialer.Dial(ctx, url)
	}

	self.stateLock.Lock()
	if err != nil {
		self.setState(Failure, err)
		self.stateLock.Unlock()
		glog.Infof("[c]%s connect error = %s\n", connectionId, err)
		return err
	}
	if self.state != Connecting || self.connectionId != connectionId {
		// disconnected while dialing
		self.stateLock.Unlock()
		transport.Close()
		return ErrNotConnected
	}
	handleCtx, handleCancel := context.WithCancel(self.ctx)
	self.transport = transport
	self.serializer = serializer
	self.handleCancel = handleCancel
	self.msgId.Reset()
	receive := self.receive
	self.setState(Connected, nil)
	self.stateLock.Unlock()

	glog.V(1).Infof("[c]%s connected\n", connectionId)

	go self.runReader(handleCtx, connectionId, transport, serializer, receive)
	go self.runKeepalive(handleCtx)
	go self.runFlush(handleCtx)

	return self.Flush()
}

// Disconnect closes the transport. Queued data is kept for the next connect.
func (self *Connector) Disconnect() error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	switch self.state {
	case Disconnected:
		return nil
	case Failure, Connecting:
		self.setState(Disconnected, nil)
		return nil
	case Disconnecting:
		return nil
	}

	self.setState(Disconnecting, nil)
	glog.V(1).Infof("[c]%s disconnecting\n", self.connectionId)

	var err error
	if self.handleCancel != nil {
		self.handleCancel()
		self.handleCancel = nil
	}
	if self.transport != nil {
		err = self.transport.Close()
		self.transport = nil
	}
	self.setState(Disconnected, nil)
	return err
}

// fail moves a connected transport into `Failure`. Stale transports are ignored.
func (self *Connector) fail(transport Transport, err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.transport != transport || self.state != Connected {
		return
	}
	glog.Infof("[c]%s connection failure = %s\n", self.connectionId, err)
	if self.handleCancel != nil {
		self.handleCancel()
		self.handleCancel = nil
	}
	self.transport.Close()
	self.transport = nil
	self.setState(Failure, err)
}

func (self *Connector) runReader(
	handleCtx context.Context,
	connectionId Id,
	transport Transport,
	serializer Serializer,
	receive ReceiveFunction,
) {
	for {
		messageType, message, err := transport.ReadMessage()
		if err != nil {
			select {
			case <-handleCtx.Done():
				// closed by `Disconnect`
			default:
				self.fail(transport, err)
			}
			return
		}

		switch messageType {
		case websocket.TextMessage, websocket.BinaryMessage:
		default:
			continue
		}

		if glog.V(2) {
			glog.Infof("[c]%s<- %d bytes\n", connectionId, len(message))
		}

		envelope, err := DeserializeEnvelope(serializer, message)
		if err != nil {
			glog.Infof("[c]%s<- drop = %s\n", connectionId, err)
			continue
		}
		if receive != nil {
			HandleError(func() {
				receive(envelope)
			})
		}
	}
}

func (self *Connector) runKeepalive(handleCtx context.Context) {
	if self.settings.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(self.settings.PingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-handleCtx.Done():
			return
		case <-ticker.C:
			// an empty envelope bypasses the queue
			if err := self.Send(&Envelope{}, false); err != nil {
				glog.V(1).Infof("[c]ping error = %s\n", err)
			}
		}
	}
}

func (self *Connector) runFlush(handleCtx context.Context) {
	for {
		select {
		case <-handleCtx.Done():
			return
		case <-self.flushNotify:
		}
		if 0 < self.settings.FlushInterval {
			select {
			case <-handleCtx.Done():
				return
			case <-time.After(self.settings.FlushInterval):
			}
		}
		if err := self.Flush(); err != nil {
			glog.V(1).Infof("[q]flush error = %s\n", err)
		}
	}
}

func (self *Connector) notifyFlush() {
	select {
	case self.flushNotify <- struct{}{}:
	default:
	}
}

// Send writes the envelope. When `allowQueue` is set and the connector is queueing or not
// connected, the envelope is merged into the queue instead.
func (self *Connector) Send(envelope *Envelope, allowQueue bool) error {
	if allowQueue && (self.queueing.Load() || self.State() != Connected) {
		if self.queue.Add(envelope) {
			self.notifyFlush()
		}
		return nil
	}
	return self.write(envelope)
}

// AddValueUpdate queues one subscription update row.
func (self *Connector) AddValueUpdate(update any) {
	if self.queueing.Load() {
		if self.queue.AddValueUpdate(update) {
			self.notifyFlush()
		}
		return
	}
	err := self.Send(&Envelope{
		Responses: []*Response{
			{
				Rid:     ValueUpdateRid,
				Updates: []any{update},
			},
		},
	}, true)
	if err != nil {
		glog.V(1).Infof("[q]value update error = %s\n", err)
	}
}

// Flush writes everything queued as one envelope. No-op while not connected.
// If the transport fails the envelope goes back to the queue for the next connect.
func (self *Connector) Flush() error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()

	if self.State() != Connected {
		return nil
	}
	envelope := self.queue.Take()
	if envelope == nil {
		return nil
	}
	glog.V(2).Infof("[q]flush requests=%d responses=%d\n", len(envelope.Requests), len(envelope.Responses))
	err := self.writeLocked(envelope)
	if errors.Is(err, ErrNotConnected) {
		self.queue.Restore(envelope)
	}
	return err
}

func (self *Connector) write(envelope *Envelope) error {
	self.writeLock.Lock()
	defer self.writeLock.Unlock()
	return self.writeLocked(envelope)
}

// must be called with `writeLock`
func (self *Connector) writeLocked(envelope *Envelope) error {
	self.stateLock.Lock()
	transport := self.transport
	serializer := self.serializer
	connectionId := self.connectionId
	connected := self.state == Connected
	self.stateLock.Unlock()

	if !connected || transport == nil {
		return ErrNotConnected
	}

	out := *envelope
	if out.Msg == 0 {
		out.Msg = self.msgId.Next()
	}
	b, err := SerializeEnvelope(serializer, &out)
	if err != nil {
		return err
	}

	messageType := websocket.TextMessage
	if serializer.Binary() {
		messageType = websocket.BinaryMessage
	}
	if err := transport.WriteMessage(messageType, b); err != nil {
		self.fail(transport, err)
		return errors.Join(ErrNotConnected, err)
	}
	if glog.V(2) {
		glog.Infof("[c]%s-> msg=%d %d bytes\n", connectionId, out.Msg, len(b))
	}
	return nil
}
