package dslink

import (
	"fmt"
	"sync"

	"github.com/golang/glog"
)

// MessageSender is the outgoing half of the connector as seen by the responder and requester.
type MessageSender interface {
	Send(envelope *Envelope, allowQueue bool) error
	AddValueUpdate(update any)
}

// StreamManager tracks the open responder streams by request id:
// list streams reference a node, invoke streams an invocation.
type StreamManager struct {
	stateLock   sync.Mutex
	lists       map[int]*Node
	invocations map[int]*InvocationContext
}

func NewStreamManager() *StreamManager {
	return &StreamManager{
		lists:       map[int]*Node{},
		invocations: map[int]*InvocationContext{},
	}
}

func (self *StreamManager) OpenList(rid int, node *Node) {
	self.stateLock.Lock()
	previous := self.lists[rid]
	self.lists[rid] = node
	self.stateLock.Unlock()

	if previous != nil && previous != node {
		previous.removeStream(rid)
	}
	node.addStream(rid)
	glog.V(1).Infof("[rs]list open rid=%d %s\n", rid, node.Path())
}

func (self *StreamManager) OpenInvocation(rid int, invocation *InvocationContext) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	self.invocations[rid] = invocation
}

// Close ends the stream for a requester `close`. List streams drop the node mapping
// in both directions; invocations are marked closed so the handler can stop.
func (self *StreamManager) Close(rid int) error {
	self.stateLock.Lock()
	node, isList := self.lists[rid]
	delete(self.lists, rid)
	invocation, isInvocation := self.invocations[rid]
	delete(self.invocations, rid)
	self.stateLock.Unlock()

	if isList {
		node.removeStream(rid)
		glog.V(1).Infof("[rs]list close rid=%d\n", rid)
	}
	if isInvocation {
		invocation.closeRemote()
		glog.V(1).Infof("[rs]invoke close rid=%d\n", rid)
	}
	if !isList && !isInvocation {
		return fmt.Errorf("%w: rid %d", ErrUnknownIdentifier, rid)
	}
	return nil
}

// the invocation closed itself
func (self *StreamManager) removeInvocation(rid int, invocation *InvocationContext) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	if self.invocations[rid] == invocation {
		delete(self.invocations, rid)
	}
}

// the nodes were removed from the tree and already dropped the reverse mapping
func (self *StreamManager) removeLists(rids []int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, rid := range rids {
		delete(self.lists, rid)
	}
}

func (self *StreamManager) ListNode(rid int) (*Node, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	node, ok := self.lists[rid]
	return node, ok
}

func (self *StreamManager) Invocation(rid int) (*InvocationContext, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	invocation, ok := self.invocations[rid]
	return invocation, ok
}

// Count returns the number of open list and invoke streams
func (self *StreamManager) Count() (listCount int, invocationCount int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.lists), len(self.invocations)
}

func (self *StreamManager) IsEmpty() bool {
	listCount, invocationCount := self.Count()
	return listCount == 0 && invocationCount == 0
}

// ClearAll forgets every stream without sending anything. Running invocations see `Done()`.
func (self *StreamManager) ClearAll() {
	self.stateLock.Lock()
	lists := self.lists
	invocations := self.invocations
	self.lists = map[int]*Node{}
	self.invocations = map[int]*InvocationContext{}
	self.stateLock.Unlock()

	for rid, node := range lists {
		node.removeStream(rid)
	}
	for _, invocation := range invocations {
		invocation.closeRemote()
	}
}

// SubscriptionManager maps responder subscription ids to nodes
type SubscriptionManager struct {
	stateLock     sync.Mutex
	subscriptions map[int]*Node
}

func NewSubscriptionManager() *SubscriptionManager {
	return &SubscriptionManager{
		subscriptions: map[int]*Node{},
	}
}

// Subscribe registers `sid` on `node`. A sid already in use moves to the new node.
func (self *SubscriptionManager) Subscribe(sid int, node *Node) {
	self.stateLock.Lock()
	previous := self.subscriptions[sid]
	self.subscriptions[sid] = node
	self.stateLock.Unlock()

	if previous != nil && previous != node {
		previous.removeSubscriber(sid)
	}
	node.addSubscriber(sid)
	glog.V(1).Infof("[rs]subscribe sid=%d %s\n", sid, node.Path())
}

func (self *SubscriptionManager) Unsubscribe(sid int) error {
	self.stateLock.Lock()
	node, ok := self.subscriptions[sid]
	delete(self.subscriptions, sid)
	self.stateLock.Unlock()

	if !ok {
		return fmt.Errorf("%w: sid %d", ErrUnknownIdentifier, sid)
	}
	node.removeSubscriber(sid)
	glog.V(1).Infof("[rs]unsubscribe sid=%d\n", sid)
	return nil
}

func (self *SubscriptionManager) removeSids(sids []int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	for _, sid := range sids {
		delete(self.subscriptions, sid)
	}
}

func (self *SubscriptionManager) Node(sid int) (*Node, bool) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	node, ok := self.subscriptions[sid]
	return node, ok
}

func (self *SubscriptionManager) Count() int {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return len(self.subscriptions)
}

func (self *SubscriptionManager) ClearAll() {
	self.stateLock.Lock()
	subscriptions := self.subscriptions
	self.subscriptions = map[int]*Node{}
	self.stateLock.Unlock()

	for sid, node := range subscriptions {
		node.removeSubscriber(sid)
	}
}
