// Package proxy implements the tagged-union marshaling protocol used at
// the guest-VM/host boundary. Every value crossing the boundary occupies
// a fixed-size slot in guest memory: one tag word followed by up to two
// payload words. Only a small closed set of kinds is supported; there is
// no reflection over arbitrary object graphs.
package proxy

import (
	"fmt"
	"math"
)

// Kind tags a slot in guest memory.
type Kind uint32

const (
	KindNone Kind = iota
	KindBool
	KindInt
	KindDouble
	KindString
	KindException
	KindObject
)

func (k Kind) String() string {
	switch k {
	case KindNone:
		return "none"
	case KindBool:
		return "bool"
	case KindInt:
		return "int"
	case KindDouble:
		return "double"
	case KindString:
		return "string"
	case KindException:
		return "exception"
	case KindObject:
		return "object"
	}
	return fmt.Sprintf("kind(%d)", uint32(k))
}

// SlotSize is the byte length of one encoded value slot: a u32 tag plus
// two u32 payload words.
const SlotSize = 12

// Value is the host-side representation of a boundary value. Exactly the
// field selected by Kind is meaningful.
type Value struct {
	Kind   Kind
	Bool   bool
	Int    int64
	Float  float64
	Str    string
	Handle uint32
}

// None returns the null/none value.
func None() Value { return Value{Kind: KindNone} }

// Bool returns a boolean value.
func Bool(b bool) Value { return Value{Kind: KindBool, Bool: b} }

// Int returns an integer value. Integers wider than the slot's 32-bit
// payload word must be encoded as doubles instead; Detect handles this.
func Int(i int64) Value { return Value{Kind: KindInt, Int: i} }

// Double returns a floating-point value. Use this constructor to force
// double encoding for a numerically integral value when the call's
// return type is always wide; kind auto-detection alone cannot know
// that (see Detect).
func Double(f float64) Value { return Value{Kind: KindDouble, Float: f} }

// String returns a string value.
func String(s string) Value { return Value{Kind: KindString, Str: s} }

// Object returns an object-handle value referencing the handle table.
func Object(handle uint32) Value { return Value{Kind: KindObject, Handle: handle} }

// Detect maps a host Go value onto a boundary Value, auto-detecting the
// kind from its runtime type. Integral float64 values encode as
// integers when they fit the 32-bit payload word; callers that know the
// guest expects a wide result must use Double explicitly rather than
// relying on detection.
func Detect(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return None(), nil
	case Value:
		return x, nil
	case bool:
		return Bool(x), nil
	case int:
		return detectInt(int64(x)), nil
	case int32:
		return detectInt(int64(x)), nil
	case int64:
		return detectInt(x), nil
	case uint32:
		return detectInt(int64(x)), nil
	case float32:
		return detectFloat(float64(x)), nil
	case float64:
		return detectFloat(x), nil
	case string:
		return String(x), nil
	}
	return Value{}, fmt.Errorf("proxy: unsupported host value type %T", v)
}

func detectInt(i int64) Value {
	if i < math.MinInt32 || i > math.MaxInt32 {
		return Double(float64(i))
	}
	return Int(i)
}

func detectFloat(f float64) Value {
	if f == math.Trunc(f) && !math.IsInf(f, 0) &&
		f >= math.MinInt32 && f <= math.MaxInt32 {
		return Int(int64(f))
	}
	return Double(f)
}

// Equal reports semantic equality between two values.
func (v Value) Equal(o Value) bool {
	if v.Kind != o.Kind {
		return false
	}
	switch v.Kind {
	case KindNone:
		return true
	case KindBool:
		return v.Bool == o.Bool
	case KindInt:
		return v.Int == o.Int
	case KindDouble:
		return v.Float == o.Float
	case KindString, KindException:
		return v.Str == o.Str
	case KindObject:
		return v.Handle == o.Handle
	}
	return false
}
