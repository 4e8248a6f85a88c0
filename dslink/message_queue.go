package dslink

import (
	"sync"
)

// MessageQueue accumulates outgoing requests/responses into one pending envelope,
// and value updates into a separate list that is merged into the next flush as a single
// rid=0 response. All producers and the flush path share `stateLock`.
type MessageQueue struct {
	stateLock sync.Mutex

	pending      *Envelope
	valueUpdates []any
	// a flush has been requested since the last `Take`
	flushScheduled bool
}

func NewMessageQueue() *MessageQueue {
	return &MessageQueue{}
}

// Add merges the envelope into the pending envelope.
// Returns true if the caller should schedule a flush.
func (self *MessageQueue) Add(envelope *Envelope) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.pending == nil {
		self.pending = &Envelope{}
	}
	self.pending.Requests = append(self.pending.Requests, envelope.Requests...)
	self.pending.Responses = append(self.pending.Responses, envelope.Responses...)
	if envelope.Ack != 0 {
		self.pending.Ack = envelope.Ack
	}
	return self.schedule()
}

// AddValueUpdate queues one update row (array or object form).
// Returns true if the caller should schedule a flush.
func (self *MessageQueue) AddValueUpdate(update any) bool {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.valueUpdates = append(self.valueUpdates, update)
	return self.schedule()
}

func (self *MessageQueue) schedule() bool {
	if self.flushScheduled {
		return false
	}
	self.flushScheduled = true
	return true
}

// Take removes everything queued as one envelope, or returns nil when there is nothing.
// Value updates become one rid=0 response after the queued responses, in emission order.
func (self *MessageQueue) Take() *Envelope {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	self.flushScheduled = false

	envelope := self.pending
	self.pending = nil
	if 0 < len(self.valueUpdates) {
		if envelope == nil {
			envelope = &Envelope{}
		}
		envelope.Responses = append(envelope.Responses, &Response{
			Rid:     ValueUpdateRid,
			Updates: self.valueUpdates,
		})
		self.valueUpdates = nil
	}
	return envelope
}

// Restore puts a taken envelope back in front of anything queued since. A newer ack wins.
func (self *MessageQueue) Restore(envelope *Envelope) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	restored := &Envelope{
		Ack:       envelope.Ack,
		Requests:  append([]*Request{}, envelope.Requests...),
		Responses: append([]*Response{}, envelope.Responses...),
	}
	if self.pending != nil {
		restored.Requests = append(restored.Requests, self.pending.Requests...)
		restored.Responses = append(restored.Responses, self.pending.Responses...)
		if self.pending.Ack != 0 {
			restored.Ack = self.pending.Ack
		}
	}
	self.pending = restored
}

// QueueSize returns the number of queued requests, responses and value updates
func (self *MessageQueue) QueueSize() (requestCount int, responseCount int, updateCount int) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.pending != nil {
		requestCount = len(self.pending.Requests)
		responseCount = len(self.pending.Responses)
	}
	updateCount = len(self.valueUpdates)
	return
}
