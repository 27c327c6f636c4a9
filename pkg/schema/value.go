package schema

import "fmt"

// Value is a structured value, tagged by the Kind it was decoded from
// or will be encoded as. A single concrete struct keeps value handling
// in one place: codec and rendering switch over Kind rather than over
// an open set of node types. Only the fields relevant to Kind are set.
type Value struct {
	Kind Kind

	// U64 holds u8 through u64 values.
	U64 uint64

	// I64 holds i8 through i64 values.
	I64 int64

	Bool  bool
	Str   string
	Bytes []byte // KindBytes, KindFixedBytes

	// Items holds sequence and array elements, struct field values in
	// declaration order, enum variant field values, and the payload of
	// a present option.
	Items []Value

	// Entries holds map entries.
	Entries []MapEntry

	// Tag is the selected variant index for KindEnum. For KindOption a
	// present value has Tag 1 and the payload in Items[0]; an absent
	// value has Tag 0 and no Items.
	Tag uint32
}

// MapEntry is one key/value pair of a map value.
type MapEntry struct {
	Key Value
	Val Value
}

// Convenience constructors, mainly for tests and fixtures.

func U8(x uint8) Value   { return Value{Kind: KindU8, U64: uint64(x)} }
func U16(x uint16) Value { return Value{Kind: KindU16, U64: uint64(x)} }
func U32(x uint32) Value { return Value{Kind: KindU32, U64: uint64(x)} }
func U64(x uint64) Value { return Value{Kind: KindU64, U64: x} }
func I8(x int8) Value    { return Value{Kind: KindI8, I64: int64(x)} }
func I16(x int16) Value  { return Value{Kind: KindI16, I64: int64(x)} }
func I32(x int32) Value  { return Value{Kind: KindI32, I64: int64(x)} }
func I64(x int64) Value  { return Value{Kind: KindI64, I64: x} }
func Bool(b bool) Value  { return Value{Kind: KindBool, Bool: b} }
func Str(s string) Value { return Value{Kind: KindString, Str: s} }

func Bytes(b []byte) Value { return Value{Kind: KindBytes, Bytes: b} }

func FixedBytes(b []byte) Value { return Value{Kind: KindFixedBytes, Bytes: b} }

func Seq(items ...Value) Value { return Value{Kind: KindSeq, Items: items} }

func Array(items ...Value) Value { return Value{Kind: KindArray, Items: items} }

func Map(entries ...MapEntry) Value { return Value{Kind: KindMap, Entries: entries} }

func Entry(k, v Value) MapEntry { return MapEntry{Key: k, Val: v} }

func Struct(fields ...Value) Value { return Value{Kind: KindStruct, Items: fields} }

func None() Value { return Value{Kind: KindOption, Tag: 0} }

func Some(v Value) Value { return Value{Kind: KindOption, Tag: 1, Items: []Value{v}} }

// EnumVal selects variant tag with the given field values.
func EnumVal(tag uint32, fields ...Value) Value {
	return Value{Kind: KindEnum, Tag: tag, Items: fields}
}

// String renders a compact debug form. JSON rendering against a
// schema type lives in ToJSON.
func (v Value) String() string {
	switch v.Kind {
	case KindU8, KindU16, KindU32, KindU64:
		return fmt.Sprintf("%d", v.U64)
	case KindI8, KindI16, KindI32, KindI64:
		return fmt.Sprintf("%d", v.I64)
	case KindBool:
		return fmt.Sprintf("%t", v.Bool)
	case KindString:
		return fmt.Sprintf("%q", v.Str)
	case KindBytes, KindFixedBytes:
		return fmt.Sprintf("0x%x", v.Bytes)
	case KindOption:
		if v.Tag == 0 {
			return "none"
		}
		return fmt.Sprintf("some(%s)", v.Items[0])
	case KindEnum:
		return fmt.Sprintf("variant(%d)%v", v.Tag, v.Items)
	case KindMap:
		return fmt.Sprintf("map%v", v.Entries)
	default:
		return fmt.Sprintf("%s%v", v.Kind, v.Items)
	}
}
