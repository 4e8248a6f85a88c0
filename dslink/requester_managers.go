package dslink

import (
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
)

type ListCallback func(response *ListResponse)
type InvokeCallback func(response *InvokeResponse)
type SubscriptionCallback func(update *SubscriptionUpdate)

// PendingRequest is a request sent by this link that has not seen `stream=closed`.
type PendingRequest struct {
	Rid    int
	Method Method
	Path   string

	listCallback   ListCallback
	invokeCallback InvokeCallback

	// accumulated list state
	node *RemoteNode
	// accumulated invoke table
	columns []Column
	rows    [][]any
}

type RequestManager struct {
	stateLock sync.Mutex
	pending   map[int]*PendingRequest
}

func NewRequestManager() *RequestManager {
	return &RequestManager{
		pending: map[int]*PendingRequest{},
	}
}

func (self *RequestManager) Start(request *PendingRequest) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.pending[request.Rid] = request
}

func (self *RequestManager) Get(rid int) (*PendingRequest, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	request, ok := self.pending[rid]
	return request, ok
}

func (self *RequestManager) IsPending(rid int) bool {
	_, ok := self.Get(rid)
	return ok
}

func (self *RequestManager) Stop(rid int) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	_, ok := self.pending[rid]
	delete(self.pending, rid)
	return ok
}

func (self *RequestManager) Count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.pending)
}

func (self *RequestManager) ClearAll() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.pending = map[int]*PendingRequest{}
}

// SubscriptionUpdate is one value update delivered to a subscriber.
// `Sid` is the id returned to that subscriber by `Subscribe`.
type SubscriptionUpdate struct {
	Sid       int
	Path      string
	Value     any
	Timestamp string
	Updated   time.Time

	// set for the rollup object form
	Rollup bool
	Count  int
	Sum    float64
	Min    float64
	Max    float64
}

// parseSubscriptionUpdate accepts `[sid, value, ts]` and `{sid, value, ts, count, sum, min, max}`.
// Returns the wire (real) sid.
func parseSubscriptionUpdate(update any) (int, *SubscriptionUpdate, error) {
	subscriptionUpdate := &SubscriptionUpdate{}
	var sid int
	switch u := update.(type) {
	case []any:
		if len(u) < 2 {
			return 0, nil, protocolViolation("value update has %d entries", len(u))
		}
		var ok bool
		if sid, ok = toInt(u[0]); !ok {
			return 0, nil, protocolViolation("value update sid is not an integer: %v", u[0])
		}
		subscriptionUpdate.Value = u[1]
		if 3 <= len(u) {
			subscriptionUpdate.Timestamp, _ = toString(u[2])
		}
	case map[string]any:
		var ok bool
		if sid, ok = toInt(u["sid"]); !ok {
			return 0, nil, protocolViolation("value update sid is not an integer: %v", u["sid"])
		}
		subscriptionUpdate.Value = u["value"]
		subscriptionUpdate.Timestamp, _ = toString(u["ts"])
		if count, ok := toInt(u["count"]); ok {
			subscriptionUpdate.Rollup = true
			subscriptionUpdate.Count = count
		}
		subscriptionUpdate.Sum, _ = toFloat(u["sum"])
		subscriptionUpdate.Min, _ = toFloat(u["min"])
		subscriptionUpdate.Max, _ = toFloat(u["max"])
	default:
		return 0, nil, protocolViolation("value update is a %T", update)
	}
	if subscriptionUpdate.Timestamp != "" {
		if t, err := ParseTimestamp(subscriptionUpdate.Timestamp); err == nil {
			subscriptionUpdate.Updated = t
		}
	}
	return sid, subscriptionUpdate, nil
}

type remoteSubscription struct {
	path    string
	realSid int
	qos     int
	// virtual sid -> callback
	callbacks map[int]SubscriptionCallback
}

// RemoteSubscriptionManager keeps one wire subscription per remote path, shared by every
// local subscriber of that path. Real and virtual sids come from one counter.
type RemoteSubscriptionManager struct {
	stateLock sync.Mutex

	sender MessageSender
	rids   *IncrementingIndex
	sids   *IncrementingIndex

	byPath       map[string]*remoteSubscription
	byRealSid    map[int]*remoteSubscription
	byVirtualSid map[int]*remoteSubscription
}

func NewRemoteSubscriptionManager(sender MessageSender, rids *IncrementingIndex) *RemoteSubscriptionManager {
	return &RemoteSubscriptionManager{
		sender:       sender,
		rids:         rids,
		sids:         NewIncrementingIndex(1),
		byPath:       map[string]*remoteSubscription{},
		byRealSid:    map[int]*remoteSubscription{},
		byVirtualSid: map[int]*remoteSubscription{},
	}
}

// Subscribe returns a new virtual sid for `callback`. Only the first subscriber of a path
// sends a `subscribe` request; its sid becomes the real sid.
func (self *RemoteSubscriptionManager) Subscribe(path string, callback SubscriptionCallback, qos int) (int, error) {
	if path == "" {
		return 0, fmt.Errorf("%w: empty subscribe path", ErrPathNotFound)
	}

	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	sid := self.sids.Next()
	subscription, ok := self.byPath[path]
	if !ok {
		subscription = &remoteSubscription{
			path:      path,
			realSid:   sid,
			qos:       qos,
			callbacks: map[int]SubscriptionCallback{},
		}
		rid := self.rids.Next()
		err := self.sender.Send(&Envelope{
			Requests: []*Request{
				{
					Rid:    rid,
					Method: MethodSubscribe,
					Paths: []SubscribePath{
						{
							Path: path,
							Sid:  sid,
							Qos:  qos,
						},
					},
				},
			},
		}, true)
		if err != nil {
			return 0, err
		}
		self.byPath[path] = subscription
		self.byRealSid[sid] = subscription
		glog.V(1).Infof("[rq]subscribe rid=%d sid=%d %s\n", rid, sid, path)
	}
	subscription.callbacks[sid] = callback
	self.byVirtualSid[sid] = subscription
	return sid, nil
}

// Unsubscribe removes one subscriber. The last subscriber of a path sends `unsubscribe`.
func (self *RemoteSubscriptionManager) Unsubscribe(sid int) error {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	subscription, ok := self.byVirtualSid[sid]
	if !ok {
		return fmt.Errorf("%w: sid %d", ErrUnknownIdentifier, sid)
	}
	delete(self.byVirtualSid, sid)
	delete(subscription.callbacks, sid)
	if 0 < len(subscription.callbacks) {
		return nil
	}

	delete(self.byPath, subscription.path)
	delete(self.byRealSid, subscription.realSid)

	rid := self.rids.Next()
	glog.V(1).Infof("[rq]unsubscribe rid=%d sid=%d %s\n", rid, subscription.realSid, subscription.path)
	return self.sender.Send(&Envelope{
		Requests: []*Request{
			{
				Rid:    rid,
				Method: MethodUnsubscribe,
				Sids:   []int{subscription.realSid},
			},
		},
	}, true)
}

// Dispatch fans one decoded update out to every subscriber of the real sid
func (self *RemoteSubscriptionManager) Dispatch(realSid int, update *SubscriptionUpdate) {
	self.stateLock.Lock()
	subscription, ok := self.byRealSid[realSid]
	type virtualCallback struct {
		sid      int
		callback SubscriptionCallback
	}
	var callbacks []virtualCallback
	if ok {
		for sid, callback := range subscription.callbacks {
			callbacks = append(callbacks, virtualCallback{sid, callback})
		}
	}
	self.stateLock.Unlock()

	if !ok {
		glog.V(2).Infof("[rq]update for unknown sid=%d\n", realSid)
		return
	}
	for _, c := range callbacks {
		virtualUpdate := *update
		virtualUpdate.Sid = c.sid
		virtualUpdate.Path = subscription.path
		HandleError(func() {
			c.callback(&virtualUpdate)
		})
	}
}

// Count returns the number of real subscriptions
func (self *RemoteSubscriptionManager) Count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.byPath)
}

func (self *RemoteSubscriptionManager) VirtualCount() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.byVirtualSid)
}

func (self *RemoteSubscriptionManager) RealSid(path string) (int, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	subscription, ok := self.byPath[path]
	if !ok {
		return 0, false
	}
	return subscription.realSid, true
}

// ClearAll forgets every subscription without sending `unsubscribe`
func (self *RemoteSubscriptionManager) ClearAll() {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.byPath = map[string]*remoteSubscription{}
	self.byRealSid = map[int]*remoteSubscription{}
	self.byVirtualSid = map[int]*remoteSubscription{}
}
