package behavior

import (
	"cmp"
	"fmt"
	"math"
	"reflect"
	"strings"
	"time"
)

// CompareOp is a comparison operator used by conditional decorators.
type CompareOp string

const (
	OpEqual        CompareOp = "equal"
	OpNotEqual     CompareOp = "not_equal"
	OpGreater      CompareOp = "greater"
	OpGreaterEqual CompareOp = "greater_equal"
	OpLess         CompareOp = "less"
	OpLessEqual    CompareOp = "less_equal"
)

// ParseCompareOp accepts operator names and their symbolic forms.
func ParseCompareOp(s string) (CompareOp, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "equal", "eq", "==":
		return OpEqual, nil
	case "not_equal", "ne", "!=":
		return OpNotEqual, nil
	case "greater", "gt", ">":
		return OpGreater, nil
	case "greater_equal", "ge", ">=":
		return OpGreaterEqual, nil
	case "less", "lt", "<":
		return OpLess, nil
	case "less_equal", "le", "<=":
		return OpLessEqual, nil
	}
	return "", fmt.Errorf("unknown compare op %q", s)
}

func (op CompareOp) test(c int) bool {
	switch op {
	case OpEqual:
		return c == 0
	case OpNotEqual:
		return c != 0
	case OpGreater:
		return c > 0
	case OpGreaterEqual:
		return c >= 0
	case OpLess:
		return c < 0
	case OpLessEqual:
		return c <= 0
	}
	return false
}

// Comparer lets custom value types take part in ordered comparisons.
type Comparer interface {
	CompareTo(other any) (int, bool)
}

// Compare evaluates a op b. Numbers are compared as float64, strings, times
// and Comparer values by their natural order. Anything else only supports
// OpEqual and OpNotEqual; the ordering operators report false.
func Compare(a any, op CompareOp, b any) bool {
	if af, ok := asFloat64(a); ok {
		if bf, ok := asFloat64(b); ok {
			return op.test(cmp.Compare(af, bf))
		}
	}
	if c, ok := compareOrdered(a, b); ok {
		return op.test(c)
	}
	switch op {
	case OpEqual:
		return valuesEqual(a, b)
	case OpNotEqual:
		return !valuesEqual(a, b)
	}
	return false
}

func compareOrdered(a, b any) (int, bool) {
	switch av := a.(type) {
	case string:
		if bv, ok := b.(string); ok {
			return strings.Compare(av, bv), true
		}
	case time.Time:
		if bv, ok := b.(time.Time); ok {
			return av.Compare(bv), true
		}
	case Comparer:
		return av.CompareTo(b)
	}
	return 0, false
}

// valuesEqual is the generic equality used for change detection and the
// comparison fallback.
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	va, vb := reflect.ValueOf(a), reflect.ValueOf(b)
	if va.Type() != vb.Type() {
		return false
	}
	if va.Comparable() && vb.Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

// asFloat64 widens any built-in numeric value, including time.Duration.
func asFloat64(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case time.Duration:
		return float64(n), true
	}
	return 0, false
}

// asInt64 converts v to int64 when that loses nothing.
func asInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int:
		return int64(n), true
	case int8:
		return int64(n), true
	case int16:
		return int64(n), true
	case int32:
		return int64(n), true
	case int64:
		return n, true
	case time.Duration:
		return int64(n), true
	case uint, uint8, uint16, uint32, uint64:
		u, _ := asUint64(v)
		if u > math.MaxInt64 {
			return 0, false
		}
		return int64(u), true
	case float32:
		return floatToInt64(float64(n))
	case float64:
		return floatToInt64(n)
	}
	return 0, false
}

// asUint64 converts v to uint64 when that loses nothing.
func asUint64(v any) (uint64, bool) {
	switch n := v.(type) {
	case uint:
		return uint64(n), true
	case uint8:
		return uint64(n), true
	case uint16:
		return uint64(n), true
	case uint32:
		return uint64(n), true
	case uint64:
		return n, true
	case float32:
		return floatToUint64(float64(n))
	case float64:
		return floatToUint64(n)
	}
	i, ok := asInt64(v)
	if !ok || i < 0 {
		return 0, false
	}
	return uint64(i), true
}

func floatToInt64(f float64) (int64, bool) {
	if f != math.Trunc(f) || f < math.MinInt64 || f >= math.MaxInt64 {
		return 0, false
	}
	return int64(f), true
}

func floatToUint64(f float64) (uint64, bool) {
	if f != math.Trunc(f) || f < 0 || f >= math.MaxUint64 {
		return 0, false
	}
	return uint64(f), true
}

func intIn(v any, lo, hi int64) (int64, bool) {
	i, ok := asInt64(v)
	if !ok || i < lo || i > hi {
		return 0, false
	}
	return i, true
}

func uintIn(v any, hi uint64) (uint64, bool) {
	u, ok := asUint64(v)
	if !ok || u > hi {
		return 0, false
	}
	return u, true
}

// convertTo is the conversion fallback for blackboard access. Only numeric
// conversions that keep the value exact are performed.
func convertTo[T any](v any) (T, bool) {
	var zero T
	ok := false
	switch p := any(&zero).(type) {
	case *int:
		var i int64
		if i, ok = intIn(v, math.MinInt, math.MaxInt); ok {
			*p = int(i)
		}
	case *int8:
		var i int64
		if i, ok = intIn(v, math.MinInt8, math.MaxInt8); ok {
			*p = int8(i)
		}
	case *int16:
		var i int64
		if i, ok = intIn(v, math.MinInt16, math.MaxInt16); ok {
			*p = int16(i)
		}
	case *int32:
		var i int64
		if i, ok = intIn(v, math.MinInt32, math.MaxInt32); ok {
			*p = int32(i)
		}
	case *int64:
		*p, ok = asInt64(v)
	case *time.Duration:
		var i int64
		if i, ok = asInt64(v); ok {
			*p = time.Duration(i)
		}
	case *uint:
		var u uint64
		if u, ok = uintIn(v, math.MaxUint); ok {
			*p = uint(u)
		}
	case *uint8:
		var u uint64
		if u, ok = uintIn(v, math.MaxUint8); ok {
			*p = uint8(u)
		}
	case *uint16:
		var u uint64
		if u, ok = uintIn(v, math.MaxUint16); ok {
			*p = uint16(u)
		}
	case *uint32:
		var u uint64
		if u, ok = uintIn(v, math.MaxUint32); ok {
			*p = uint32(u)
		}
	case *uint64:
		*p, ok = asUint64(v)
	case *float32:
		var f float64
		if f, ok = asFloat64(v); ok {
			*p = float32(f)
		}
	case *float64:
		*p, ok = asFloat64(v)
	}
	if !ok {
		var none T
		return none, false
	}
	return zero, true
}
