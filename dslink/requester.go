package dslink

import (
	"fmt"

	"github.com/golang/glog"
)

type ListResponse struct {
	Rid    int
	Path   string
	Stream StreamState
	// snapshot after this fragment
	Node *RemoteNode
	// rows of this fragment
	Updates []any
	Error   *ResponseError

	requester *Requester
}

// Close stops listing
func (self *ListResponse) Close() error {
	return self.requester.Close(self.Rid)
}

type InvokeResponse struct {
	Rid     int
	Path    string
	Stream  StreamState
	Columns []Column
	// rows of this fragment
	Updates [][]any
	// the whole table so far, after applying `meta.mode`
	Rows  [][]any
	Mode  InvokeMode
	Error *ResponseError

	requester *Requester
}

func (self *InvokeResponse) Closed() bool {
	return self.Stream == StreamClosed
}

func (self *InvokeResponse) Close() error {
	return self.requester.Close(self.Rid)
}

// Requester issues requests to the broker and routes the responses back to callers.
// Request ids start at 1 and are never reused for the life of the requester.
type Requester struct {
	sender        MessageSender
	rids          *IncrementingIndex
	requests      *RequestManager
	subscriptions *RemoteSubscriptionManager
}

func NewRequester(sender MessageSender) *Requester {
	rids := NewIncrementingIndex(1)
	return &Requester{
		sender:        sender,
		rids:          rids,
		requests:      NewRequestManager(),
		subscriptions: NewRemoteSubscriptionManager(sender, rids),
	}
}

func (self *Requester) Requests() *RequestManager {
	return self.requests
}

func (self *Requester) Subscriptions() *RemoteSubscriptionManager {
	return self.subscriptions
}

// NextRid is the id the next request will use
func (self *Requester) NextRid() int {
	return self.rids.Peek()
}

// ClearAll drops pending requests and subscriptions. Called when the connection ends.
// Request ids keep counting.
func (self *Requester) ClearAll() {
	self.requests.ClearAll()
	self.subscriptions.ClearAll()
}

func (self *Requester) start(pending *PendingRequest, request *Request) (int, error) {
	self.requests.Start(pending)
	err := self.sender.Send(&Envelope{
		Requests: []*Request{request},
	}, true)
	if err != nil {
		self.requests.Stop(pending.Rid)
		return 0, err
	}
	glog.V(2).Infof("[rq]%s rid=%d %s\n", request.Method, request.Rid, request.Path)
	return pending.Rid, nil
}

func (self *Requester) List(path string, callback ListCallback) (int, error) {
	rid := self.rids.Next()
	return self.start(
		&PendingRequest{
			Rid:          rid,
			Method:       MethodList,
			Path:         path,
			listCallback: callback,
			node:         NewRemoteNode(path),
		},
		&Request{
			Rid:    rid,
			Method: MethodList,
			Path:   path,
		},
	)
}

func (self *Requester) Set(path string, permission Permission, value any) (int, error) {
	rid := self.rids.Next()
	return self.start(
		&PendingRequest{
			Rid:    rid,
			Method: MethodSet,
			Path:   path,
		},
		&Request{
			Rid:    rid,
			Method: MethodSet,
			Path:   path,
			Permit: permission.String(),
			Value:  value,
		},
	)
}

// Remove removes a `$config` or `@attribute` on the remote node
func (self *Requester) Remove(path string) (int, error) {
	rid := self.rids.Next()
	return self.start(
		&PendingRequest{
			Rid:    rid,
			Method: MethodRemove,
			Path:   path,
		},
		&Request{
			Rid:    rid,
			Method: MethodRemove,
			Path:   path,
		},
	)
}

func (self *Requester) Invoke(path string, permission Permission, params map[string]any, callback InvokeCallback) (int, error) {
	rid := self.rids.Next()
	return self.start(
		&PendingRequest{
			Rid:            rid,
			Method:         MethodInvoke,
			Path:           path,
			invokeCallback: callback,
		},
		&Request{
			Rid:    rid,
			Method: MethodInvoke,
			Path:   path,
			Permit: permission.String(),
			Params: params,
		},
	)
}

// Subscribe returns the subscriber's sid. Updates passed to `callback` carry that sid.
func (self *Requester) Subscribe(path string, callback SubscriptionCallback, qos int) (int, error) {
	return self.subscriptions.Subscribe(path, callback, qos)
}

func (self *Requester) Unsubscribe(sid int) error {
	return self.subscriptions.Unsubscribe(sid)
}

// Close ends a list or invoke stream. The pending request is dropped immediately.
func (self *Requester) Close(rid int) error {
	if !self.requests.Stop(rid) {
		return fmt.Errorf("%w: rid %d", ErrUnknownIdentifier, rid)
	}
	return self.sender.Send(&Envelope{
		Requests: []*Request{
			{
				Rid:    rid,
				Method: MethodClose,
			},
		},
	}, true)
}

// Process routes response fragments: rid 0 to the subscriptions, others to their pending request.
func (self *Requester) Process(responses []*Response) {
	for _, response := range responses {
		if response.Rid == ValueUpdateRid {
			self.processValueUpdates(response.Updates)
			continue
		}
		pending, ok := self.requests.Get(response.Rid)
		if !ok {
			glog.V(2).Infof("[rq]response for unknown rid=%d\n", response.Rid)
			continue
		}
		if response.Error != nil {
			glog.V(1).Infof("[rq]%s rid=%d error = %s\n", pending.Method, pending.Rid, response.Error)
		}
		closed := response.Stream == StreamClosed
		if closed {
			self.requests.Stop(response.Rid)
		}

		switch pending.Method {
		case MethodList:
			self.processList(pending, response)
		case MethodInvoke:
			self.processInvoke(pending, response)
		default:
			// set and remove end with `closed`
			if !closed && response.Error != nil {
				self.requests.Stop(response.Rid)
			}
		}
	}
}

func (self *Requester) processValueUpdates(updates []any) {
	for _, update := range updates {
		realSid, subscriptionUpdate, err := parseSubscriptionUpdate(update)
		if err != nil {
			glog.Infof("[rq]drop value update = %s\n", err)
			continue
		}
		self.subscriptions.Dispatch(realSid, subscriptionUpdate)
	}
}

// pending state is only touched from the dispatch goroutine
func (self *Requester) processList(pending *PendingRequest, response *Response) {
	pending.node.ApplyUpdates(response.Updates)
	if pending.listCallback == nil {
		return
	}
	listResponse := &ListResponse{
		Rid:       pending.Rid,
		Path:      pending.Path,
		Stream:    response.Stream,
		Node:      pending.node,
		Updates:   response.Updates,
		Error:     response.Error,
		requester: self,
	}
	HandleError(func() {
		pending.listCallback(listResponse)
	})
}

func (self *Requester) processInvoke(pending *PendingRequest, response *Response) {
	if 0 < len(response.Columns) {
		pending.columns = ColumnsFromList(response.Columns)
	}
	mode := InvokeModeAppend
	if m, ok := toString(response.Meta["mode"]); ok && m != "" {
		mode = InvokeMode(m)
	}

	updates := make([][]any, 0, len(response.Updates))
	for _, update := range response.Updates {
		switch row := update.(type) {
		case []any:
			updates = append(updates, row)
		case map[string]any:
			// object rows are keyed by column name
			values := make([]any, len(pending.columns))
			for i, column := range pending.columns {
				values[i] = row[column.Name]
			}
			updates = append(updates, values)
		}
	}
	if mode == InvokeModeRefresh {
		pending.rows = updates
	} else {
		pending.rows = append(pending.rows, updates...)
	}

	if pending.invokeCallback == nil {
		return
	}
	rows := make([][]any, len(pending.rows))
	copy(rows, pending.rows)
	invokeResponse := &InvokeResponse{
		Rid:       pending.Rid,
		Path:      pending.Path,
		Stream:    response.Stream,
		Columns:   pending.columns,
		Updates:   updates,
		Rows:      rows,
		Mode:      mode,
		Error:     response.Error,
		requester: self,
	}
	HandleError(func() {
		pending.invokeCallback(invokeResponse)
	})
}
