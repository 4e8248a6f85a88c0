package dslink

import (
	"fmt"
)

type Method string

const (
	MethodList        Method = "list"
	MethodSet         Method = "set"
	MethodRemove      Method = "remove"
	MethodInvoke      Method = "invoke"
	MethodSubscribe   Method = "subscribe"
	MethodUnsubscribe Method = "unsubscribe"
	MethodClose       Method = "close"
)

func (self Method) Valid() bool {
	switch self {
	case MethodList, MethodSet, MethodRemove, MethodInvoke,
		MethodSubscribe, MethodUnsubscribe, MethodClose:
		return true
	default:
		return false
	}
}

type StreamState string

const (
	StreamInitialize StreamState = "initialize"
	StreamOpen       StreamState = "open"
	StreamClosed     StreamState = "closed"
)

type SubscribePath struct {
	Path string
	Sid  int
	Qos  int
}

// Request is one entry of an envelope's `requests`.
// Only the fields of the method are set.
type Request struct {
	Rid    int
	Method Method
	Path   string
	Permit string
	Value  any
	Params map[string]any
	Paths  []SubscribePath
	Sids   []int
}

type ResponseError struct {
	Type   string
	Msg    string
	Detail string
}

func (self *ResponseError) Error() string {
	return fmt.Sprintf("%s: %s", self.Type, self.Msg)
}

// Response is one entry of an envelope's `responses`.
type Response struct {
	Rid     int
	Stream  StreamState
	Updates []any
	Columns []any
	Meta    map[string]any
	Error   *ResponseError
}

// Envelope is one transport frame. `Msg` and `Ack` are omitted when 0.
type Envelope struct {
	Msg       int
	Ack       int
	Requests  []*Request
	Responses []*Response
}

func (self *Envelope) IsEmpty() bool {
	return len(self.Requests) == 0 && len(self.Responses) == 0
}

// ToMap builds the generic wire shape consumed by serializers.
// Empty arrays are omitted.
func (self *Envelope) ToMap() map[string]any {
	m := map[string]any{}
	if self.Msg != 0 {
		m["msg"] = int64(self.Msg)
	}
	if self.Ack != 0 {
		m["ack"] = int64(self.Ack)
	}
	if 0 < len(self.Requests) {
		requests := make([]any, 0, len(self.Requests))
		for _, request := range self.Requests {
			requests = append(requests, request.ToMap())
		}
		m["requests"] = requests
	}
	if 0 < len(self.Responses) {
		responses := make([]any, 0, len(self.Responses))
		for _, response := range self.Responses {
			responses = append(responses, response.ToMap())
		}
		m["responses"] = responses
	}
	return m
}

func (self *Request) ToMap() map[string]any {
	m := map[string]any{
		"rid":    int64(self.Rid),
		"method": string(self.Method),
	}
	switch self.Method {
	case MethodList, MethodRemove:
		m["path"] = self.Path
	case MethodSet:
		m["path"] = self.Path
		if self.Permit != "" {
			m["permit"] = self.Permit
		}
		m["value"] = normalizeValue(self.Value)
	case MethodInvoke:
		m["path"] = self.Path
		if self.Permit != "" {
			m["permit"] = self.Permit
		}
		params := self.Params
		if params == nil {
			params = map[string]any{}
		}
		m["params"] = normalizeValue(params)
	case MethodSubscribe:
		paths := make([]any, 0, len(self.Paths))
		for _, p := range self.Paths {
			paths = append(paths, map[string]any{
				"path": p.Path,
				"sid":  int64(p.Sid),
				"qos":  int64(p.Qos),
			})
		}
		m["paths"] = paths
	case MethodUnsubscribe:
		sids := make([]any, 0, len(self.Sids))
		for _, sid := range self.Sids {
			sids = append(sids, int64(sid))
		}
		m["sids"] = sids
	}
	return m
}

func (self *Response) ToMap() map[string]any {
	m := map[string]any{
		"rid": int64(self.Rid),
	}
	if self.Stream != "" {
		m["stream"] = string(self.Stream)
	}
	if 0 < len(self.Updates) {
		m["updates"] = normalizeValue(self.Updates)
	}
	if 0 < len(self.Columns) {
		m["columns"] = normalizeValue(self.Columns)
	}
	if 0 < len(self.Meta) {
		m["meta"] = normalizeValue(self.Meta)
	}
	if self.Error != nil {
		errorMap := map[string]any{
			"type": self.Error.Type,
			"msg":  self.Error.Msg,
		}
		if self.Error.Detail != "" {
			errorMap["detail"] = self.Error.Detail
		}
		m["error"] = errorMap
	}
	return m
}

// EnvelopeFromMap reads the generic wire shape. Any field may be absent.
// Requests keep their method string as-is; unknown methods are rejected by the responder.
func EnvelopeFromMap(m map[string]any) (*Envelope, error) {
	envelope := &Envelope{}
	if v, ok := m["msg"]; ok {
		msg, ok := toInt(v)
		if !ok {
			return nil, protocolViolation("msg is not an integer: %v", v)
		}
		envelope.Msg = msg
	}
	if v, ok := m["ack"]; ok {
		ack, ok := toInt(v)
		if !ok {
			return nil, protocolViolation("ack is not an integer: %v", v)
		}
		envelope.Ack = ack
	}
	if v, ok := m["requests"]; ok && v != nil {
		requests, ok := v.([]any)
		if !ok {
			return nil, protocolViolation("requests is not an array")
		}
		for _, r := range requests {
			requestMap, ok := asMap(r)
			if !ok {
				return nil, protocolViolation("request is not an object")
			}
			request, err := RequestFromMap(requestMap)
			if err != nil {
				return nil, err
			}
			envelope.Requests = append(envelope.Requests, request)
		}
	}
	if v, ok := m["responses"]; ok && v != nil {
		responses, ok := v.([]any)
		if !ok {
			return nil, protocolViolation("responses is not an array")
		}
		for _, r := range responses {
			responseMap, ok := asMap(r)
			if !ok {
				return nil, protocolViolation("response is not an object")
			}
			response, err := ResponseFromMap(responseMap)
			if err != nil {
				return nil, err
			}
			envelope.Responses = append(envelope.Responses, response)
		}
	}
	return envelope, nil
}

func RequestFromMap(m map[string]any) (*Request, error) {
	rid, ok := toInt(m["rid"])
	if !ok {
		return nil, protocolViolation("request rid is not an integer: %v", m["rid"])
	}
	method, _ := toString(m["method"])
	request := &Request{
		Rid:    rid,
		Method: Method(method),
	}
	request.Path, _ = toString(m["path"])
	request.Permit, _ = toString(m["permit"])
	if v, ok := m["value"]; ok {
		request.Value = normalizeValue(v)
	}
	if v, ok := asMap(m["params"]); ok {
		request.Params = normalizeValue(v).(map[string]any)
	}
	if paths, ok := m["paths"].([]any); ok {
		for _, p := range paths {
			pathMap, ok := asMap(p)
			if !ok {
				return nil, protocolViolation("subscribe path is not an object")
			}
			subscribePath := SubscribePath{}
			subscribePath.Path, _ = toString(pathMap["path"])
			if subscribePath.Sid, ok = toInt(pathMap["sid"]); !ok {
				return nil, protocolViolation("subscribe sid is not an integer")
			}
			subscribePath.Qos, _ = toInt(pathMap["qos"])
			request.Paths = append(request.Paths, subscribePath)
		}
	}
	if sids, ok := m["sids"].([]any); ok {
		for _, s := range sids {
			sid, ok := toInt(s)
			if !ok {
				return nil, protocolViolation("unsubscribe sid is not an integer")
			}
			request.Sids = append(request.Sids, sid)
		}
	}
	return request, nil
}

func ResponseFromMap(m map[string]any) (*Response, error) {
	rid, ok := toInt(m["rid"])
	if !ok {
		return nil, protocolViolation("response rid is not an integer: %v", m["rid"])
	}
	response := &Response{
		Rid: rid,
	}
	if stream, ok := toString(m["stream"]); ok {
		response.Stream = StreamState(stream)
	}
	if updates, ok := m["updates"].([]any); ok {
		response.Updates = normalizeValue(updates).([]any)
	}
	if columns, ok := m["columns"].([]any); ok {
		response.Columns = normalizeValue(columns).([]any)
	}
	if meta, ok := asMap(m["meta"]); ok {
		response.Meta = normalizeValue(meta).(map[string]any)
	}
	if errorMap, ok := asMap(m["error"]); ok {
		response.Error = &ResponseError{}
		response.Error.Type, _ = toString(errorMap["type"])
		response.Error.Msg, _ = toString(errorMap["msg"])
		response.Error.Detail, _ = toString(errorMap["detail"])
	}
	return response, nil
}

// asMap accepts both map shapes produced by the decoders
func asMap(v any) (map[string]any, bool) {
	switch m := v.(type) {
	case map[string]any:
		return m, true
	case map[any]any:
		return normalizeValue(m).(map[string]any), true
	default:
		return nil, false
	}
}
