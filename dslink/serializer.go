package dslink

import (
	"bytes"
	"fmt"

	"github.com/glycerine/greenpack/msgp"
	gjson "github.com/goccy/go-json"
	"google.golang.org/protobuf/proto"
	"google.golang.org/protobuf/types/known/structpb"
)

// Serializer converts the generic envelope shape to frame bytes and back.
// Binary serializers are sent as binary websocket frames, others as text.
type Serializer interface {
	Name() string
	Binary() bool
	Serialize(m map[string]any) ([]byte, error)
	Deserialize(b []byte) (map[string]any, error)
}

// Serializers maps a format name to its serializer. The order is the preference order
// advertised in the handshake `formats`.
type Serializers struct {
	names  []string
	byName map[string]Serializer
}

func NewSerializers(serializers ...Serializer) *Serializers {
	self := &Serializers{
		byName: map[string]Serializer{},
	}
	for _, serializer := range serializers {
		self.names = append(self.names, serializer.Name())
		self.byName[serializer.Name()] = serializer
	}
	return self
}

func DefaultSerializers() *Serializers {
	return NewSerializers(
		&JsonSerializer{},
		&MsgpackSerializer{},
		&ProtobufSerializer{},
	)
}

func (self *Serializers) Names() []string {
	names := make([]string, len(self.names))
	copy(names, self.names)
	return names
}

func (self *Serializers) Get(name string) (Serializer, error) {
	serializer, ok := self.byName[name]
	if !ok {
		return nil, fmt.Errorf("unsupported format: %q", name)
	}
	return serializer, nil
}

// SerializeEnvelope is a convenience for `serializer.Serialize(envelope.ToMap())`
func SerializeEnvelope(serializer Serializer, envelope *Envelope) ([]byte, error) {
	return serializer.Serialize(envelope.ToMap())
}

func DeserializeEnvelope(serializer Serializer, b []byte) (*Envelope, error) {
	m, err := serializer.Deserialize(b)
	if err != nil {
		return nil, fmt.Errorf("%w: %s", ErrProtocolViolation, err)
	}
	return EnvelopeFromMap(m)
}

type JsonSerializer struct{}

func (self *JsonSerializer) Name() string {
	return "json"
}

func (self *JsonSerializer) Binary() bool {
	return false
}

func (self *JsonSerializer) Serialize(m map[string]any) ([]byte, error) {
	return gjson.Marshal(m)
}

func (self *JsonSerializer) Deserialize(b []byte) (map[string]any, error) {
	var m map[string]any
	if err := gjson.Unmarshal(b, &m); err != nil {
		return nil, err
	}
	if m == nil {
		// `null`
		m = map[string]any{}
	}
	return m, nil
}

type MsgpackSerializer struct{}

func (self *MsgpackSerializer) Name() string {
	return "msgpack"
}

func (self *MsgpackSerializer) Binary() bool {
	return true
}

func (self *MsgpackSerializer) Serialize(m map[string]any) ([]byte, error) {
	var buf bytes.Buffer
	enc := msgp.NewWriter(&buf)
	if err := enc.WriteIntf(m); err != nil {
		return nil, err
	}
	if err := enc.Flush(); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

func (self *MsgpackSerializer) Deserialize(b []byte) (map[string]any, error) {
	dec := msgp.NewReader(bytes.NewReader(b))
	v, err := dec.ReadIntf()
	if err != nil {
		return nil, err
	}
	m, ok := asMap(v)
	if !ok {
		return nil, fmt.Errorf("msgpack frame is not a map: %T", v)
	}
	return m, nil
}

// ProtobufSerializer carries the envelope as a `google.protobuf.Struct`.
// Numbers decode as doubles and binary values travel as base64 strings.
type ProtobufSerializer struct{}

func (self *ProtobufSerializer) Name() string {
	return "protobuf"
}

func (self *ProtobufSerializer) Binary() bool {
	return true
}

func (self *ProtobufSerializer) Serialize(m map[string]any) ([]byte, error) {
	s, err := structpb.NewStruct(m)
	if err != nil {
		return nil, err
	}
	return proto.Marshal(s)
}

func (self *ProtobufSerializer) Deserialize(b []byte) (map[string]any, error) {
	s := &structpb.Struct{}
	if err := proto.Unmarshal(b, s); err != nil {
		return nil, err
	}
	return s.AsMap(), nil
}
