package dslink

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
	"github.com/gorilla/websocket"
)

// testTransport is an in-memory transport. Frames written by the connector appear on `out`.
type testTransport struct {
	in      chan []byte
	out     chan []byte
	readErr chan error

	stateLock sync.Mutex
	writeErr  error

	closeOnce sync.Once
	closed    chan struct{}
}

func newTestTransport() *testTransport {
	return &testTransport{
		in:      make(chan []byte, 16),
		out:     make(chan []byte, 1024),
		readErr: make(chan error, 1),
		closed:  make(chan struct{}),
	}
}

func (self *testTransport) ReadMessage() (int, []byte, error) {
	select {
	case b := <-self.in:
		return websocket.TextMessage, b, nil
	case err := <-self.readErr:
		return 0, nil, err
	case <-self.closed:
		return 0, nil, errors.New("transport closed")
	}
}

func (self *testTransport) WriteMessage(messageType int, data []byte) error {
	select {
	case <-self.closed:
		return errors.New("transport closed")
	default:
	}
	self.stateLock.Lock()
	writeErr := self.writeErr
	self.stateLock.Unlock()
	if writeErr != nil {
		return writeErr
	}
	self.out <- data
	return nil
}

func (self *testTransport) setWriteErr(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.writeErr = err
}

func (self *testTransport) Close() error {
	self.closeOnce.Do(func() {
		close(self.closed)
	})
	return nil
}

func (self *testTransport) isClosed() bool {
	select {
	case <-self.closed:
		return true
	default:
		return false
	}
}

// next decodes the next written json frame
func (self *testTransport) next(t *testing.T) *Envelope {
	select {
	case b := <-self.out:
		envelope, err := DeserializeEnvelope(&JsonSerializer{}, b)
		assert.Equal(t, err, nil)
		return envelope
	case <-time.After(5 * time.Second):
		t.Fatal("no frame written")
		return nil
	}
}

type testDialer struct {
	stateLock  sync.Mutex
	urls       []string
	err        error
	transports chan *testTransport
}

func newTestDialer() *testDialer {
	return &testDialer{
		transports: make(chan *testTransport, 16),
	}
}

func (self *testDialer) Dial(ctx context.Context, url string) (Transport, error) {
	self.stateLock.Lock()
	self.urls = append(self.urls, url)
	err := self.err
	self.stateLock.Unlock()
	if err != nil {
		return nil, err
	}
	transport := newTestTransport()
	self.transports <- transport
	return transport, nil
}

func (self *testDialer) setErr(err error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.err = err
}

func (self *testDialer) next(t *testing.T) *testTransport {
	select {
	case transport := <-self.transports:
		return transport
	case <-time.After(5 * time.Second):
		t.Fatal("no dial")
		return nil
	}
}

func waitEvent(t *testing.T, events <-chan ConnectionEvent, state ConnectionState) ConnectionEvent {
	timeout := time.After(5 * time.Second)
	for {
		select {
		case event := <-events:
			if event.State == state {
				return event
			}
		case <-timeout:
			t.Fatalf("no %s event", state)
			return ConnectionEvent{}
		}
	}
}

func testConnector(ctx context.Context, settings *ConnectorSettings) (*Connector, *testDialer) {
	dialer := newTestDialer()
	if settings == nil {
		settings = &ConnectorSettings{
			PingInterval: 0,
			// flushes are driven by the test
			FlushInterval:   time.Hour,
			EventBufferSize: 32,
		}
	}
	return NewConnector(ctx, dialer, DefaultSerializers(), settings), dialer
}

func TestConnectorQueue(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connector, dialer := testConnector(ctx, nil)
	assert.Equal(t, connector.State(), Disconnected)

	// queued while disconnected
	err := connector.Send(&Envelope{
		Requests: []*Request{{Rid: 1, Method: MethodList, Path: "/"}},
	}, true)
	assert.Equal(t, err, nil)
	requestCount, _, _ := connector.QueueSize()
	assert.Equal(t, requestCount, 1)

	err = connector.Send(&Envelope{}, false)
	assert.Equal(t, err, ErrNotConnected)

	err = connector.Connect(ctx, "ws://broker/ws", "json")
	assert.Equal(t, err, nil)
	assert.Equal(t, connector.State(), Connected)
	waitEvent(t, connector.Events(), Connecting)
	waitEvent(t, connector.Events(), Connected)

	transport := dialer.next(t)
	envelope := transport.next(t)
	assert.Equal(t, envelope.Msg, 1)
	assert.Equal(t, len(envelope.Requests), 1)
	assert.Equal(t, envelope.Requests[0].Path, "/")

	k := 20
	for i := 0; i < k; i += 1 {
		connector.AddValueUpdate([]any{int64(1), int64(i), "ts"})
	}
	_, _, updateCount := connector.QueueSize()
	assert.Equal(t, updateCount, k)
	assert.Equal(t, connector.Flush(), nil)

	envelope = transport.next(t)
	assert.Equal(t, envelope.Msg, 2)
	assert.Equal(t, len(envelope.Responses), 1)
	assert.Equal(t, envelope.Responses[0].Rid, ValueUpdateRid)
	assert.Equal(t, len(envelope.Responses[0].Updates), k)
	for i, update := range envelope.Responses[0].Updates {
		assert.Equal(t, update.([]any)[1], int64(i))
	}

	// nothing queued, nothing written
	assert.Equal(t, connector.Flush(), nil)

	assert.Equal(t, connector.Send(&Envelope{}, false), nil)
	envelope = transport.next(t)
	assert.Equal(t, envelope.Msg, 3)
	assert.Equal(t, envelope.IsEmpty(), true)

	assert.Equal(t, connector.Disconnect(), nil)
	waitEvent(t, connector.Events(), Disconnected)
	assert.Equal(t, connector.State(), Disconnected)
	assert.Equal(t, transport.isClosed(), true)

	// message numbering restarts on every connection
	err = connector.Connect(ctx, "ws://broker/ws", "json")
	assert.Equal(t, err, nil)
	transport = dialer.next(t)
	assert.Equal(t, connector.Send(&Envelope{Ack: 3}, false), nil)
	envelope = transport.next(t)
	assert.Equal(t, envelope.Msg, 1)
	assert.Equal(t, envelope.Ack, 3)
}

func TestConnectorQueueingOff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connector, dialer := testConnector(ctx, nil)
	err := connector.Connect(ctx, "ws://broker/ws", "json")
	assert.Equal(t, err, nil)
	transport := dialer.next(t)

	assert.Equal(t, connector.Queueing(), true)
	connector.AddValueUpdate([]any{int64(1), "a", "ts"})
	assert.Equal(t, connector.SetQueueing(false), nil)
	assert.Equal(t, connector.Queueing(), false)
	// the queued update is flushed when queueing stops
	envelope := transport.next(t)
	assert.Equal(t, len(envelope.Responses[0].Updates), 1)

	connector.Send(&Envelope{Responses: []*Response{{Rid: 4, Stream: StreamClosed}}}, true)
	envelope = transport.next(t)
	assert.Equal(t, envelope.Responses[0].Rid, 4)

	connector.AddValueUpdate([]any{int64(1), "b", "ts"})
	envelope = transport.next(t)
	assert.Equal(t, envelope.Responses[0].Rid, ValueUpdateRid)
	assert.Equal(t, envelope.Responses[0].Updates[0].([]any)[1], "b")
}

func TestConnectorFlushLoop(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connector, dialer := testConnector(ctx, &ConnectorSettings{
		PingInterval:    0,
		FlushInterval:   time.Millisecond,
		EventBufferSize: 32,
	})
	err := connector.Connect(ctx, "ws://broker/ws", "json")
	assert.Equal(t, err, nil)
	transport := dialer.next(t)

	connector.Send(&Envelope{Requests: []*Request{{Rid: 1, Method: MethodList, Path: "/a"}}}, true)
	envelope := transport.next(t)
	assert.Equal(t, envelope.Requests[0].Path, "/a")
}

func TestConnectorReceive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connector, dialer := testConnector(ctx, nil)
	received := make(chan *Envelope, 16)
	connector.SetReceive(func(envelope *Envelope) {
		received <- envelope
	})
	err := connector.Connect(ctx, "ws://broker/ws", "json")
	assert.Equal(t, err, nil)
	transport := dialer.next(t)

	// malformed frames are dropped, the connection stays up
	transport.in <- []byte(`not json`)
	transport.in <- []byte(`{"msg":7,"requests":[{"rid":1,"method":"list","path":"/x"}]}`)

	select {
	case envelope := <-received:
		assert.Equal(t, envelope.Msg, 7)
		assert.Equal(t, envelope.Requests[0].Path, "/x")
	case <-time.After(5 * time.Second):
		t.Fatal("no envelope received")
	}
	assert.Equal(t, connector.State(), Connected)
}

func TestConnectorFailure(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connector, dialer := testConnector(ctx, nil)
	err := connector.Connect(ctx, "ws://broker/ws", "json")
	assert.Equal(t, err, nil)
	transport := dialer.next(t)
	connected := waitEvent(t, connector.Events(), Connected)

	resetErr := errors.New("connection reset")
	transport.readErr <- resetErr
	event := waitEvent(t, connector.Events(), Failure)
	assert.Equal(t, event.Err, resetErr)
	assert.Equal(t, event.ConnectionId, connected.ConnectionId)
	assert.Equal(t, connector.State(), Failure)
	assert.Equal(t, transport.isClosed(), true)

	// queued for the next connection
	assert.Equal(t, connector.Send(&Envelope{Requests: []*Request{{Rid: 2, Method: MethodList, Path: "/b"}}}, true), nil)

	err = connector.Connect(ctx, "ws://broker/ws", "json")
	assert.Equal(t, err, nil)
	reconnected := waitEvent(t, connector.Events(), Connected)
	assert.NotEqual(t, reconnected.ConnectionId, connected.ConnectionId)
	transport = dialer.next(t)
	envelope := transport.next(t)
	assert.Equal(t, envelope.Msg, 1)
	assert.Equal(t, envelope.Requests[0].Path, "/b")
}

func TestConnectorDialError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connector, dialer := testConnector(ctx, nil)
	dialErr := errors.New("refused")
	dialer.setErr(dialErr)

	err := connector.Connect(ctx, "ws://broker/ws", "json")
	assert.Equal(t, err, dialErr)
	event := waitEvent(t, connector.Events(), Failure)
	assert.Equal(t, event.Err, dialErr)

	err = connector.Connect(ctx, "ws://broker/ws", "cbor")
	assert.NotEqual(t, err, nil)
}

func TestConnectorKeepalive(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connector, dialer := testConnector(ctx, &ConnectorSettings{
		PingInterval:    10 * time.Millisecond,
		FlushInterval:   time.Hour,
		EventBufferSize: 32,
	})
	err := connector.Connect(ctx, "ws://broker/ws", "json")
	assert.Equal(t, err, nil)
	transport := dialer.next(t)

	first := transport.next(t)
	second := transport.next(t)
	assert.Equal(t, first.IsEmpty(), true)
	assert.Equal(t, second.IsEmpty(), true)
	assert.Equal(t, second.Msg, first.Msg+1)
}

func TestConnectorFlushWriteError(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connector, dialer := testConnector(ctx, nil)
	err := connector.Connect(ctx, "ws://broker/ws", "json")
	assert.Equal(t, err, nil)
	transport := dialer.next(t)

	transport.setWriteErr(errors.New("broken pipe"))
	connector.Send(&Envelope{Requests: []*Request{{Rid: 7, Method: MethodList, Path: "/a"}}}, true)
	connector.AddValueUpdate([]any{int64(1), "a", "ts"})

	err = connector.Flush()
	assert.Equal(t, errors.Is(err, ErrNotConnected), true)
	assert.Equal(t, connector.State(), Failure)
	// the failed batch stays queued
	requestCount, responseCount, _ := connector.QueueSize()
	assert.Equal(t, requestCount, 1)
	assert.Equal(t, responseCount, 1)

	// queued after the failure, sent after the restored batch
	connector.Send(&Envelope{Requests: []*Request{{Rid: 8, Method: MethodList, Path: "/b"}}}, true)

	err = connector.Connect(ctx, "ws://broker/ws", "json")
	assert.Equal(t, err, nil)
	transport = dialer.next(t)
	envelope := transport.next(t)
	assert.Equal(t, envelope.Msg, 1)
	assert.Equal(t, len(envelope.Requests), 2)
	assert.Equal(t, envelope.Requests[0].Rid, 7)
	assert.Equal(t, envelope.Requests[1].Rid, 8)
	assert.Equal(t, envelope.Responses[0].Rid, ValueUpdateRid)
	assert.Equal(t, envelope.Responses[0].Updates[0].([]any)[1], "a")
}

func TestConnectorConcurrentFlush(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connector, dialer := testConnector(ctx, nil)
	err := connector.Connect(ctx, "ws://broker/ws", "json")
	assert.Equal(t, err, nil)
	transport := dialer.next(t)

	n := 200
	var wg sync.WaitGroup
	for range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range n {
				connector.Flush()
			}
		}()
	}
	for rid := 1; rid <= n; rid += 1 {
		connector.Send(&Envelope{Requests: []*Request{{Rid: rid, Method: MethodList, Path: "/a"}}}, true)
	}
	wg.Wait()
	assert.Equal(t, connector.Flush(), nil)

	// batches reach the transport in the order they were taken
	rids := []int{}
	msg := 0
	for len(rids) < n {
		envelope := transport.next(t)
		assert.Equal(t, envelope.Msg, msg+1)
		msg = envelope.Msg
		for _, request := range envelope.Requests {
			rids = append(rids, request.Rid)
		}
	}
	for i, rid := range rids {
		assert.Equal(t, rid, i+1)
	}
}

func TestConnectorEventsKeepLatest(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	connector, dialer := testConnector(ctx, &ConnectorSettings{
		PingInterval:    0,
		FlushInterval:   time.Hour,
		EventBufferSize: 1,
	})
	err := connector.Connect(ctx, "ws://broker/ws", "json")
	assert.Equal(t, err, nil)
	transport := dialer.next(t)

	resetErr := errors.New("connection reset")
	transport.readErr <- resetErr
	// connecting and connected were dropped for the failure
	event := waitEvent(t, connector.Events(), Failure)
	assert.Equal(t, event.Err, resetErr)
	select {
	case event := <-connector.Events():
		t.Fatalf("unexpected %s event", event.State)
	default:
	}
}

func TestWebSocketTransport(t *testing.T) {
	ctx := context.Background()

	upgrader := websocket.Upgrader{}
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer ws.Close()
		for {
			messageType, message, err := ws.ReadMessage()
			if err != nil {
				return
			}
			if err := ws.WriteMessage(messageType, message); err != nil {
				return
			}
		}
	}))
	defer server.Close()

	dialer := NewWebSocketDialerWithDefaults()
	transport, err := dialer.Dial(ctx, "ws"+strings.TrimPrefix(server.URL, "http")+"/ws")
	assert.Equal(t, err, nil)

	err = transport.WriteMessage(websocket.BinaryMessage, []byte{1, 2, 3})
	assert.Equal(t, err, nil)
	messageType, message, err := transport.ReadMessage()
	assert.Equal(t, err, nil)
	assert.Equal(t, messageType, websocket.BinaryMessage)
	assert.Equal(t, message, []byte{1, 2, 3})

	assert.Equal(t, transport.Close(), nil)
	_, _, err = transport.ReadMessage()
	assert.NotEqual(t, err, nil)
}
