package dslink

import (
	"context"
	"errors"
	"sync"

	"github.com/golang/glog"
)

var ErrStreamClosed = errors.New("stream closed")

type InvokeMode string

const (
	InvokeModeAppend  InvokeMode = "append"
	InvokeModeRefresh InvokeMode = "refresh"
)

// InvocationContext is handed to an action handler for one invoke request.
// All sends are queued responses on the request id; the first fragment carries the columns.
type InvocationContext struct {
	ctx    context.Context
	cancel context.CancelFunc

	rid        int
	node       *Node
	path       string
	params     map[string]any
	permission Permission

	sender  MessageSender
	streams *StreamManager

	stateLock   sync.Mutex
	columns     []Column
	columnsSent bool
	closed      bool
}

func newInvocationContext(
	ctx context.Context,
	rid int,
	node *Node,
	params map[string]any,
	permission Permission,
	columns []Column,
	sender MessageSender,
	streams *StreamManager,
) *InvocationContext {
	cancelCtx, cancel := context.WithCancel(ctx)
	return &InvocationContext{
		ctx:        cancelCtx,
		cancel:     cancel,
		rid:        rid,
		node:       node,
		path:       node.Path(),
		params:     params,
		permission: permission,
		columns:    columns,
		sender:     sender,
		streams:    streams,
	}
}

func (self *InvocationContext) Rid() int {
	return self.rid
}

func (self *InvocationContext) Node() *Node {
	return self.node
}

func (self *InvocationContext) Path() string {
	return self.path
}

func (self *InvocationContext) Params() map[string]any {
	return self.params
}

func (self *InvocationContext) Param(name string) (any, bool) {
	value, ok := self.params[name]
	return value, ok
}

// Permission is the permission the request declared
func (self *InvocationContext) Permission() Permission {
	return self.permission
}

// Context is canceled when the stream closes from either side or the link stops
func (self *InvocationContext) Context() context.Context {
	return self.ctx
}

func (self *InvocationContext) Done() <-chan struct{} {
	return self.ctx.Done()
}

func (self *InvocationContext) Closed() bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.closed
}

// SendColumns replaces the output columns. Sent with the next fragment.
func (self *InvocationContext) SendColumns(columns []Column) error {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return ErrStreamClosed
	}
	self.columns = columns
	self.columnsSent = false
	self.stateLock.Unlock()
	return self.send(StreamOpen, nil, InvokeModeRefresh, nil)
}

// SendUpdates appends rows to the result table
func (self *InvocationContext) SendUpdates(rows ...[]any) error {
	return self.send(StreamOpen, rowsToUpdates(rows), InvokeModeAppend, nil)
}

// SendTable replaces the result table
func (self *InvocationContext) SendTable(columns []Column, rows ...[]any) error {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return ErrStreamClosed
	}
	self.columns = columns
	self.columnsSent = false
	self.stateLock.Unlock()
	return self.send(StreamOpen, rowsToUpdates(rows), InvokeModeRefresh, nil)
}

// Return sends one row and closes the stream
func (self *InvocationContext) Return(row ...any) error {
	return self.send(StreamClosed, []any{row}, InvokeModeAppend, nil)
}

func (self *InvocationContext) Close() error {
	return self.send(StreamClosed, nil, "", nil)
}

// CloseWithError closes the stream with an `error` object
func (self *InvocationContext) CloseWithError(err error) error {
	responseError := &ResponseError{
		Type: "invokeException",
		Msg:  err.Error(),
	}
	var errResponse *ResponseError
	if errors.As(err, &errResponse) {
		responseError = errResponse
	}
	return self.send(StreamClosed, nil, "", responseError)
}

func (self *InvocationContext) send(
	stream StreamState,
	updates []any,
	mode InvokeMode,
	responseError *ResponseError,
) error {
	self.stateLock.Lock()
	if self.closed {
		self.stateLock.Unlock()
		return ErrStreamClosed
	}
	response := &Response{
		Rid:     self.rid,
		Stream:  stream,
		Updates: updates,
		Error:   responseError,
	}
	if !self.columnsSent {
		self.columnsSent = true
		response.Columns = columnsToList(self.columns)
		if mode == "" {
			mode = InvokeModeRefresh
		}
	}
	if mode != "" && (response.Columns != nil || mode == InvokeModeRefresh) {
		response.Meta = map[string]any{
			"mode": string(mode),
		}
	}
	if stream == StreamClosed {
		self.closed = true
	}
	self.stateLock.Unlock()

	if stream == StreamClosed {
		self.streams.removeInvocation(self.rid, self)
		self.cancel()
		glog.V(1).Infof("[rs]invoke done rid=%d %s\n", self.rid, self.path)
	}
	return self.sender.Send(&Envelope{
		Responses: []*Response{response},
	}, true)
}

// closeRemote marks the context closed without sending, after a requester `close`
// or a disconnect.
func (self *InvocationContext) closeRemote() {
	self.stateLock.Lock()
	self.closed = true
	self.stateLock.Unlock()
	self.cancel()
}

func rowsToUpdates(rows [][]any) []any {
	updates := make([]any, 0, len(rows))
	for _, row := range rows {
		updates = append(updates, row)
	}
	return updates
}
