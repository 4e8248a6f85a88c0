package dslink

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang/glog"
)

// Responder answers requests against the local node tree.
// `Process` is called from the connector reader, one batch at a time.
type Responder struct {
	ctx context.Context

	root    *Node
	classes *NodeClasses
	sender  MessageSender

	streams       *StreamManager
	subscriptions *SubscriptionManager
}

func NewResponder(ctx context.Context, root *Node, sender MessageSender) *Responder {
	responder := &Responder{
		ctx:           ctx,
		root:          root,
		classes:       NewNodeClasses(),
		sender:        sender,
		streams:       NewStreamManager(),
		subscriptions: NewSubscriptionManager(),
	}
	root.setObserver(responder)
	return responder
}

func (self *Responder) Root() *Node {
	return self.root
}

func (self *Responder) Streams() *StreamManager {
	return self.streams
}

func (self *Responder) Subscriptions() *SubscriptionManager {
	return self.subscriptions
}

func (self *Responder) Classes() *NodeClasses {
	return self.classes
}

// AddNodeClass registers a factory applied to nodes of class `name` restored from disk
func (self *Responder) AddNodeClass(name string, factory NodeFactory) {
	self.classes.Add(name, factory)
}

// ClearAll drops every subscription and stream. Called when the connection ends.
func (self *Responder) ClearAll() {
	self.subscriptions.ClearAll()
	self.streams.ClearAll()
}

// Process validates the whole batch, then runs each request in order. Replies are queued
// as one envelope. An unknown method rejects the batch before anything runs.
func (self *Responder) Process(requests []*Request) error {
	for _, request := range requests {
		if !request.Method.Valid() {
			return protocolViolation("unknown method %q (rid=%d)", request.Method, request.Rid)
		}
	}

	responses := []*Response{}
	for _, request := range requests {
		response, err := self.dispatch(request)
		if err != nil {
			switch {
			case errors.Is(err, ErrPathNotFound), errors.Is(err, ErrPermissionDenied):
				glog.V(1).Infof("[rs]%s rid=%d drop = %s\n", request.Method, request.Rid, err)
			case errors.Is(err, ErrUnknownIdentifier):
				glog.V(2).Infof("[rs]%s rid=%d = %s\n", request.Method, request.Rid, err)
			default:
				glog.Infof("[rs]%s rid=%d error = %s\n", request.Method, request.Rid, err)
			}
		}
		if response != nil {
			responses = append(responses, response)
		}
	}

	if 0 < len(responses) {
		return self.sender.Send(&Envelope{
			Responses: responses,
		}, true)
	}
	return nil
}

func (self *Responder) dispatch(request *Request) (*Response, error) {
	glog.V(2).Infof("[rs]%s rid=%d %s\n", request.Method, request.Rid, request.Path)
	switch request.Method {
	case MethodList:
		return self.list(request)
	case MethodSet:
		return self.set(request)
	case MethodRemove:
		return self.remove(request)
	case MethodInvoke:
		return self.invoke(request)
	case MethodSubscribe:
		return self.subscribe(request)
	case MethodUnsubscribe:
		return self.unsubscribe(request)
	case MethodClose:
		return nil, self.streams.Close(request.Rid)
	default:
		return nil, protocolViolation("unknown method %q", request.Method)
	}
}

func (self *Responder) list(request *Request) (*Response, error) {
	node := self.root.Get(request.Path)
	if node == nil {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, request.Path)
	}
	self.streams.OpenList(request.Rid, node)
	return &Response{
		Rid:     request.Rid,
		Stream:  StreamOpen,
		Updates: node.ListUpdates(),
	}, nil
}

// splitKeyedPath splits `/a/b/$type` into the node path `/a/b` and the key `$type`.
// The key is empty when the last segment is a node name.
func splitKeyedPath(path string) (nodePath string, key string) {
	i := strings.LastIndex(path, "/")
	last := path[i+1:]
	if last != "" && (last[0] == '$' || last[0] == '@') {
		if i < 0 {
			return "", last
		}
		return path[:i], last
	}
	return path, ""
}

// keyPermission is what a request needs to change a `$config` or `@attribute`
func keyPermission(key string) Permission {
	if key[0] == '$' {
		return PermissionConfig
	}
	return PermissionWrite
}

func (self *Responder) set(request *Request) (*Response, error) {
	declared, err := declaredPermission(request.Permit)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, err)
	}

	nodePath, key := splitKeyedPath(request.Path)
	node := self.root.Get(nodePath)
	if node == nil {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, request.Path)
	}

	if key != "" {
		if !declared.Allows(keyPermission(key)) {
			return nil, fmt.Errorf("%w: %s requires %s", ErrPermissionDenied, request.Path, keyPermission(key))
		}
		if key[0] == '$' {
			node.SetConfig(key[1:], request.Value)
		} else {
			node.SetAttribute(key[1:], request.Value)
		}
	} else {
		writable := node.Writable()
		if !declared.Allows(writable) {
			return nil, fmt.Errorf("%w: %s requires %s", ErrPermissionDenied, request.Path, writable)
		}
		node.SetValue(request.Value)
	}

	return &Response{
		Rid:    request.Rid,
		Stream: StreamClosed,
	}, nil
}

func (self *Responder) remove(request *Request) (*Response, error) {
	declared, err := declaredPermission(request.Permit)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, err)
	}

	nodePath, key := splitKeyedPath(request.Path)
	if key == "" {
		// nodes themselves are not removable
		return nil, fmt.Errorf("%w: %s is not a config or attribute", ErrPathNotFound, request.Path)
	}
	node := self.root.Get(nodePath)
	if node == nil {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, request.Path)
	}
	if !declared.Allows(keyPermission(key)) {
		return nil, fmt.Errorf("%w: %s requires %s", ErrPermissionDenied, request.Path, keyPermission(key))
	}

	if key[0] == '$' {
		node.RemoveConfig(key[1:])
	} else {
		node.RemoveAttribute(key[1:])
	}

	return &Response{
		Rid:    request.Rid,
		Stream: StreamClosed,
	}, nil
}

func (self *Responder) invoke(request *Request) (*Response, error) {
	declared, err := declaredPermission(request.Permit)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrPermissionDenied, err)
	}

	node := self.root.Get(request.Path)
	if node == nil {
		return nil, fmt.Errorf("%w: %s", ErrPathNotFound, request.Path)
	}
	action := node.Action()
	if action == nil || action.Handler == nil {
		return nil, fmt.Errorf("%w: %s is not invokable", ErrPathNotFound, request.Path)
	}
	if !declared.Allows(action.Permission) {
		return nil, fmt.Errorf("%w: %s requires %s", ErrPermissionDenied, request.Path, action.Permission)
	}

	params := map[string]any{}
	for _, param := range action.Params {
		if param.Default != nil {
			params[param.Name] = normalizeValue(param.Default)
		}
	}
	for name, value := range request.Params {
		params[name] = value
	}

	invocation := newInvocationContext(
		self.ctx,
		request.Rid,
		node,
		params,
		declared,
		action.Columns,
		self.sender,
		self.streams,
	)
	self.streams.OpenInvocation(request.Rid, invocation)
	glog.V(1).Infof("[rs]invoke rid=%d %s\n", request.Rid, invocation.Path())

	handler := action.Handler
	go HandleError(
		func() {
			handler(invocation)
		},
		func(err error) {
			invocation.CloseWithError(err)
		},
	)
	return nil, nil
}

func (self *Responder) subscribe(request *Request) (*Response, error) {
	for _, subscribePath := range request.Paths {
		node := self.root.Get(subscribePath.Path)
		if node == nil {
			glog.V(1).Infof("[rs]subscribe sid=%d drop = %s: %s\n", subscribePath.Sid, ErrPathNotFound, subscribePath.Path)
			continue
		}
		self.subscriptions.Subscribe(subscribePath.Sid, node)
		value := node.Value()
		self.sender.AddValueUpdate(valueUpdate(subscribePath.Sid, value))
	}
	return &Response{
		Rid:    request.Rid,
		Stream: StreamClosed,
	}, nil
}

func (self *Responder) unsubscribe(request *Request) (*Response, error) {
	var errs []error
	for _, sid := range request.Sids {
		if err := self.subscriptions.Unsubscribe(sid); err != nil {
			errs = append(errs, err)
		}
	}
	return &Response{
		Rid:    request.Rid,
		Stream: StreamClosed,
	}, errors.Join(errs...)
}

// valueUpdate is the array form `[sid, value, ts]`, the only form the responder emits
func valueUpdate(sid int, value Value) []any {
	ts := value.Timestamp()
	if !value.IsSet() {
		ts = FormatTimestamp(time.Now())
	}
	return []any{int64(sid), value.Raw, ts}
}

func (self *Responder) valueChanged(node *Node, value Value, sids []int) {
	for _, sid := range sids {
		self.sender.AddValueUpdate(valueUpdate(sid, value))
	}
}

func (self *Responder) listChanged(node *Node, rids []int, updates []any) {
	responses := make([]*Response, 0, len(rids))
	for _, rid := range rids {
		responses = append(responses, &Response{
			Rid:     rid,
			Stream:  StreamOpen,
			Updates: updates,
		})
	}
	if err := self.sender.Send(&Envelope{Responses: responses}, true); err != nil {
		glog.V(1).Infof("[rs]list update error = %s\n", err)
	}
}

func (self *Responder) nodeRemoved(sids []int, rids []int) {
	self.subscriptions.removeSids(sids)
	self.streams.removeLists(rids)
	if len(rids) == 0 {
		return
	}
	responses := make([]*Response, 0, len(rids))
	for _, rid := range rids {
		responses = append(responses, &Response{
			Rid:    rid,
			Stream: StreamClosed,
		})
	}
	if err := self.sender.Send(&Envelope{Responses: responses}, true); err != nil {
		glog.V(1).Infof("[rs]list close error = %s\n", err)
	}
}
