package dslink

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/oklog/ulid/v2"
)

// DSA protocol version sent in the handshake
const DsaVersion = "1.1.2"

// rid 0 carries value updates for all subscriptions
const ValueUpdateRid = 0

// comparable
// identifies one connection attempt in logs and events
type Id [16]byte

func NewId() Id {
	return Id(ulid.Make())
}

func IdFromBytes(idBytes []byte) (Id, error) {
	if len(idBytes) != 16 {
		return Id{}, errors.New("Id must be 16 bytes")
	}
	return Id(idBytes), nil
}

func ParseId(idStr string) (Id, error) {
	src := strings.ReplaceAll(idStr, "-", "")
	if len(src) != 32 {
		return Id{}, fmt.Errorf("cannot parse id %v", idStr)
	}
	buf, err := hex.DecodeString(src)
	if err != nil {
		return Id{}, err
	}
	return IdFromBytes(buf)
}

func (self Id) Bytes() []byte {
	return self[0:16]
}

func (self Id) String() string {
	return fmt.Sprintf("%x-%x-%x-%x-%x", self[0:4], self[4:6], self[6:8], self[8:10], self[10:16])
}

// IncrementingIndex hands out strictly increasing ints starting at a base value.
type IncrementingIndex struct {
	mutex sync.Mutex
	start int
	next  int
}

func NewIncrementingIndex(start int) *IncrementingIndex {
	return &IncrementingIndex{
		start: start,
		next:  start,
	}
}

func (self *IncrementingIndex) Next() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	n := self.next
	self.next += 1
	return n
}

// Peek returns the value the next call to `Next` will return
func (self *IncrementingIndex) Peek() int {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	return self.next
}

func (self *IncrementingIndex) Reset() {
	self.mutex.Lock()
	defer self.mutex.Unlock()
	self.next = self.start
}
