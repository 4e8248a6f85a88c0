package dslink

import (
	"fmt"
	"math"
	"time"
)

// wire timestamp format, millisecond precision with a zone offset
const TimestampFormat = "2006-01-02T15:04:05.000-07:00"

// Value is a node value with the time it was last updated.
// Raw holds nil, bool, a number, string, []byte, []any or map[string]any.
type Value struct {
	Raw     any
	Updated time.Time
}

func NewValue(raw any) Value {
	return Value{
		Raw:     normalizeValue(raw),
		Updated: time.Now(),
	}
}

func (self Value) IsSet() bool {
	return !self.Updated.IsZero()
}

func (self Value) Timestamp() string {
	return FormatTimestamp(self.Updated)
}

func FormatTimestamp(t time.Time) string {
	return t.Format(TimestampFormat)
}

func ParseTimestamp(s string) (time.Time, error) {
	if t, err := time.Parse(TimestampFormat, s); err == nil {
		return t, nil
	}
	return time.Parse(time.RFC3339Nano, s)
}

// normalizeValue maps go numeric types onto int64/float64 so values compare and
// serialize the same regardless of how they were produced or decoded.
func normalizeValue(raw any) any {
	switch v := raw.(type) {
	case int:
		return int64(v)
	case int8:
		return int64(v)
	case int16:
		return int64(v)
	case int32:
		return int64(v)
	case uint:
		return int64(v)
	case uint8:
		return int64(v)
	case uint16:
		return int64(v)
	case uint32:
		return int64(v)
	case uint64:
		if v <= math.MaxInt64 {
			return int64(v)
		}
		return float64(v)
	case float32:
		return float64(v)
	case float64:
		// json decodes every number as float64
		if v == math.Trunc(v) && math.Abs(v) < (1<<53) {
			return int64(v)
		}
		return v
	case []any:
		out := make([]any, len(v))
		for i, e := range v {
			out[i] = normalizeValue(e)
		}
		return out
	case map[string]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[k] = normalizeValue(e)
		}
		return out
	case map[any]any:
		out := make(map[string]any, len(v))
		for k, e := range v {
			out[fmt.Sprint(k)] = normalizeValue(e)
		}
		return out
	default:
		return v
	}
}

// toInt reads an integer field from a decoded envelope
func toInt(v any) (int, bool) {
	switch n := normalizeValue(v).(type) {
	case int64:
		return int(n), true
	default:
		return 0, false
	}
}

func toFloat(v any) (float64, bool) {
	switch n := normalizeValue(v).(type) {
	case int64:
		return float64(n), true
	case float64:
		return n, true
	default:
		return 0, false
	}
}

func toString(v any) (string, bool) {
	switch s := v.(type) {
	case string:
		return s, true
	case []byte:
		return string(s), true
	default:
		return "", false
	}
}
