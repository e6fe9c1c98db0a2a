package schema

import (
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

// number matches decoded JSON numbers kept in their textual form
type number interface {
	Int64() (int64, error)
	Float64() (float64, error)
	String() string
}

var timestampLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// Parse converts the textual form of a value into the Go type for kind.
// Callers decide what text means null before calling Parse.
func Parse(kind Kind, raw string) (interface{}, error) {
	switch kind {
	case KindString:
		return raw, nil
	case KindInt:
		v, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid int %q", raw)
		}
		return v, nil
	case KindFloat:
		v, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
		if err != nil {
			return nil, fmt.Errorf("invalid float %q", raw)
		}
		return v, nil
	case KindBool:
		v, err := strconv.ParseBool(strings.TrimSpace(raw))
		if err != nil {
			return nil, fmt.Errorf("invalid bool %q", raw)
		}
		return v, nil
	case KindBytes:
		return []byte(raw), nil
	case KindTimestamp:
		return parseTimestamp(strings.TrimSpace(raw))
	}
	return nil, fmt.Errorf("unknown kind %q", kind)
}

func parseTimestamp(raw string) (time.Time, error) {
	for _, layout := range timestampLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t.UTC(), nil
		}
	}
	if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
		return time.Unix(0, n).UTC(), nil
	}
	return time.Time{}, fmt.Errorf("invalid timestamp %q", raw)
}

// Coerce converts a loosely typed value (decoded JSON, SQL scan results,
// interpreter values) into the Go type for kind. Lossy conversions, such as
// a fractional float into an int, are rejected.
func Coerce(kind Kind, v interface{}) (interface{}, error) {
	if v == nil {
		return nil, nil
	}
	if s, ok := v.(string); ok && kind != KindString {
		return Parse(kind, s)
	}

	switch kind {
	case KindInt:
		return toInt(v)
	case KindFloat:
		switch n := v.(type) {
		case float64:
			return n, nil
		case float32:
			return float64(n), nil
		case number:
			return n.Float64()
		}
		i, err := toInt(v)
		if err != nil {
			return nil, err
		}
		return float64(i.(int64)), nil
	case KindString:
		switch s := v.(type) {
		case string:
			return s, nil
		case []byte:
			return string(s), nil
		}
	case KindBool:
		switch b := v.(type) {
		case bool:
			return b, nil
		case int64:
			return b != 0, nil
		case int:
			return b != 0, nil
		}
	case KindBytes:
		if b, ok := v.([]byte); ok {
			out := make([]byte, len(b))
			copy(out, b)
			return out, nil
		}
	case KindTimestamp:
		switch t := v.(type) {
		case time.Time:
			return t.UTC(), nil
		case int64:
			return time.Unix(0, t).UTC(), nil
		case []byte:
			return parseTimestamp(string(t))
		}
	}
	return nil, fmt.Errorf("cannot use %T as %s", v, kind)
}

func toInt(v interface{}) (interface{}, error) {
	switch n := v.(type) {
	case int64:
		return n, nil
	case int:
		return int64(n), nil
	case int32:
		return int64(n), nil
	case int16:
		return int64(n), nil
	case int8:
		return int64(n), nil
	case uint32:
		return int64(n), nil
	case uint16:
		return int64(n), nil
	case uint8:
		return int64(n), nil
	case uint64:
		if n > math.MaxInt64 {
			return nil, fmt.Errorf("value %d overflows int", n)
		}
		return int64(n), nil
	case float64:
		if n != math.Trunc(n) || math.IsInf(n, 0) {
			return nil, fmt.Errorf("value %v is not integral", n)
		}
		// float64(math.MaxInt64) rounds up to 2^63, which is out of range
		if n < math.MinInt64 || n >= math.MaxInt64 {
			return nil, fmt.Errorf("value %v overflows int", n)
		}
		return int64(n), nil
	case number:
		if i, err := n.Int64(); err == nil {
			return i, nil
		}
		f, err := n.Float64()
		if err != nil {
			return nil, fmt.Errorf("invalid int %q", n.String())
		}
		return toInt(f)
	case bool:
		if n {
			return int64(1), nil
		}
		return int64(0), nil
	}
	return nil, fmt.Errorf("cannot use %T as %s", v, KindInt)
}

// Conforms reports whether v already has the Go type required by kind
func Conforms(kind Kind, v interface{}) bool {
	if v == nil {
		return true
	}
	switch kind {
	case KindInt:
		_, ok := v.(int64)
		return ok
	case KindFloat:
		_, ok := v.(float64)
		return ok
	case KindString:
		_, ok := v.(string)
		return ok
	case KindBool:
		_, ok := v.(bool)
		return ok
	case KindBytes:
		_, ok := v.([]byte)
		return ok
	case KindTimestamp:
		_, ok := v.(time.Time)
		return ok
	}
	return false
}

// KindOf returns the kind matching the Go type of v
func KindOf(v interface{}) (Kind, bool) {
	switch v.(type) {
	case int64, int, int32:
		return KindInt, true
	case float64, float32:
		return KindFloat, true
	case string:
		return KindString, true
	case bool:
		return KindBool, true
	case []byte:
		return KindBytes, true
	case time.Time:
		return KindTimestamp, true
	}
	return "", false
}
