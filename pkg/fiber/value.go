// Package fiber implements the fiber program intermediate representation
// (types, functions, steps) and the stepping interpreter that advances one
// fiber at a time over its stack and heap.
package fiber

import "fmt"

// ValueKind tags the variant held by a Value. Dynamic dispatch over value
// kinds is a tagged sum type, not an interface hierarchy, mirroring how the
// IR itself models step dispatch.
type ValueKind int

const (
	KindVoid ValueKind = iota
	KindUInt64
	KindString
	KindOption
	KindArray
	KindMap
	KindStruct
	KindFuture
	KindQueueRef
)

// Value is a single dynamically-typed value flowing through a fiber's
// frame and heap. There is no native boolean type in the IR; conditions
// are UInt64, zero meaning false.
type Value struct {
	Kind    ValueKind
	UInt64  uint64
	Str     string
	Opt     *Value            // present (possibly nil-valued wrapper) iff Kind == KindOption and this holds Some
	Array   []Value           // Kind == KindArray
	Map     map[string]Value  // Kind == KindMap
	Struct  string            // struct/message type name, Kind == KindStruct
	Fields  map[string]Value  // Kind == KindStruct
	FutureID string           // Kind == KindFuture
	QueueName string          // Kind == KindQueueRef
}

// Void is the unit value.
func Void() Value { return Value{Kind: KindVoid} }

// UInt64Value wraps a uint64.
func UInt64Value(v uint64) Value { return Value{Kind: KindUInt64, UInt64: v} }

// StringValue wraps a string.
func StringValue(v string) Value { return Value{Kind: KindString, Str: v} }

// Some wraps v as a present Option.
func Some(v Value) Value { return Value{Kind: KindOption, Opt: &v} }

// None is an absent Option.
func None() Value { return Value{Kind: KindOption} }

// ArrayValue wraps a slice of values.
func ArrayValue(vs []Value) Value { return Value{Kind: KindArray, Array: vs} }

// StructValue constructs a named struct/message value.
func StructValue(name string, fields map[string]Value) Value {
	return Value{Kind: KindStruct, Struct: name, Fields: fields}
}

// FutureValue wraps a future ID.
func FutureValue(id string) Value { return Value{Kind: KindFuture, FutureID: id} }

// QueueRefValue wraps a queue name, the success binding of Create(Queue).
func QueueRefValue(name string) Value { return Value{Kind: KindQueueRef, QueueName: name} }

// IsTruthy treats UInt64 != 0 as true; anything else is an interpreter
// construction error the caller should have prevented.
func (v Value) IsTruthy() bool {
	if v.Kind != KindUInt64 {
		panic(fmt.Sprintf("fiber: condition value has non-UInt64 kind %d", v.Kind))
	}
	return v.UInt64 != 0
}

func (v Value) String() string {
	switch v.Kind {
	case KindVoid:
		return "()"
	case KindUInt64:
		return fmt.Sprintf("%d", v.UInt64)
	case KindString:
		return v.Str
	case KindOption:
		if v.Opt == nil {
			return "None"
		}
		return fmt.Sprintf("Some(%s)", v.Opt.String())
	case KindArray:
		return fmt.Sprintf("%v", v.Array)
	case KindMap:
		return fmt.Sprintf("%v", v.Map)
	case KindStruct:
		return fmt.Sprintf("%s%v", v.Struct, v.Fields)
	case KindFuture:
		return fmt.Sprintf("fut{%s}", v.FutureID)
	case KindQueueRef:
		return fmt.Sprintf("queue{%s}", v.QueueName)
	default:
		return "<?>"
	}
}
