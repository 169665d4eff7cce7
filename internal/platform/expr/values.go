package expr

import (
	"errors"
	"fmt"
	"math"
	"reflect"
	"strconv"
	"strings"
	"time"
)

// ErrUnsupportedResult is returned when an expression produces a value that is
// neither a primitive, a plain list/object, nor nothing.
var ErrUnsupportedResult = errors.New("expr: unsupported result type")

// Truthy reports whether v is truthy under the expression language rules:
// nil, false, 0, NaN and "" are falsy; everything else, including empty
// lists and objects, is truthy.
func Truthy(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return false
	case bool:
		return t
	case float64:
		return t != 0 && !math.IsNaN(t)
	case int:
		return t != 0
	case int64:
		return t != 0
	case string:
		return t != ""
	case time.Time:
		return !t.IsZero()
	default:
		return true
	}
}

// IsEmpty reports whether v counts as "no answer": nil, blank strings, empty
// lists and empty objects.
func IsEmpty(v interface{}) bool {
	switch t := v.(type) {
	case nil:
		return true
	case string:
		return strings.TrimSpace(t) == ""
	case []interface{}:
		return len(t) == 0
	case []string:
		return len(t) == 0
	case map[string]interface{}:
		return len(t) == 0
	case time.Time:
		return t.IsZero()
	case float64:
		return math.IsNaN(t)
	}
	return false
}

// Normalize converts v into one of the result shapes evaluation may return:
// nil, bool, float64, string, time.Time, []interface{} or
// map[string]interface{}.
func Normalize(v interface{}) (interface{}, error) {
	switch t := v.(type) {
	case nil, bool, float64, string, time.Time:
		return t, nil
	case int:
		return float64(t), nil
	case int32:
		return float64(t), nil
	case int64:
		return float64(t), nil
	case float32:
		return float64(t), nil
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, item := range t {
			n, err := Normalize(item)
			if err != nil {
				return nil, err
			}
			out[i] = n
		}
		return out, nil
	case map[string]interface{}:
		out := make(map[string]interface{}, len(t))
		for k, item := range t {
			n, err := Normalize(item)
			if err != nil {
				return nil, err
			}
			out[k] = n
		}
		return out, nil
	}
	return nil, fmt.Errorf("%w: %T", ErrUnsupportedResult, v)
}

// ToNumber converts v to a float64. Numeric strings are parsed; anything
// else reports false.
func ToNumber(v interface{}) (float64, bool) {
	switch t := v.(type) {
	case float64:
		return t, true
	case int:
		return float64(t), true
	case int64:
		return float64(t), true
	case bool:
		if t {
			return 1, true
		}
		return 0, true
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return 0, false
		}
		return f, true
	}
	return 0, false
}

// dateLayouts are tried in order when a string is used as a date.
var dateLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.000-0700",
	"2006-01-02T15:04:05.000Z0700",
	"2006-01-02T15:04:05",
	"2006-01-02T15:04",
	"2006-01-02 15:04:05",
	"2006-01-02",
}

// ToTime converts v to a time.Time. Strings in the usual ISO layouts and
// epoch milliseconds are accepted.
func ToTime(v interface{}) (time.Time, bool) {
	switch t := v.(type) {
	case time.Time:
		return t, !t.IsZero()
	case *time.Time:
		if t == nil {
			return time.Time{}, false
		}
		return *t, !t.IsZero()
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range dateLayouts {
			if parsed, err := time.Parse(layout, s); err == nil {
				return parsed, true
			}
		}
	case float64:
		return time.UnixMilli(int64(t)).UTC(), true
	}
	return time.Time{}, false
}

func toString(v interface{}) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case time.Time:
		return t.Format(time.RFC3339)
	default:
		return fmt.Sprintf("%v", t)
	}
}

// LooseEqual implements "==": numbers and numeric strings compare by value,
// dates by instant, lists and objects structurally.
func LooseEqual(a, b interface{}) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ta, ok := a.(time.Time); ok {
		if tb, ok := ToTime(b); ok {
			return ta.Equal(tb)
		}
		return false
	}
	if tb, ok := b.(time.Time); ok {
		if ta, ok := ToTime(a); ok {
			return ta.Equal(tb)
		}
		return false
	}
	_, aStr := a.(string)
	_, bStr := b.(string)
	if !(aStr && bStr) {
		if na, ok := ToNumber(a); ok {
			if nb, ok := ToNumber(b); ok {
				return na == nb
			}
		}
	}
	return StrictEqual(a, b)
}

// StrictEqual implements "===": same kind and same value.
func StrictEqual(a, b interface{}) bool {
	a, _ = Normalize(a)
	b, _ = Normalize(b)
	switch ta := a.(type) {
	case nil:
		return b == nil
	case time.Time:
		tb, ok := b.(time.Time)
		return ok && ta.Equal(tb)
	}
	return reflect.DeepEqual(a, b)
}

func compareOrdered(a, b interface{}) (int, bool) {
	if ta, ok := a.(time.Time); ok {
		tb, ok := ToTime(b)
		if !ok {
			return 0, false
		}
		return ta.Compare(tb), true
	}
	if tb, ok := b.(time.Time); ok {
		ta, ok := ToTime(a)
		if !ok {
			return 0, false
		}
		return ta.Compare(tb), true
	}
	sa, aStr := a.(string)
	sb, bStr := b.(string)
	if aStr && bStr {
		return strings.Compare(sa, sb), true
	}
	na, okA := ToNumber(a)
	nb, okB := ToNumber(b)
	if !okA || !okB {
		return 0, false
	}
	switch {
	case na < nb:
		return -1, true
	case na > nb:
		return 1, true
	}
	return 0, true
}

// toList converts a value to a list; scalars become single-item lists and nil
// becomes an empty list.
func toList(v interface{}) []interface{} {
	switch t := v.(type) {
	case nil:
		return nil
	case []interface{}:
		return t
	case []string:
		out := make([]interface{}, len(t))
		for i, s := range t {
			out[i] = s
		}
		return out
	}
	return []interface{}{v}
}
