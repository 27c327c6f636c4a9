package schema

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"sort"
	"unicode/utf8"
)

// Codec errors. Decoding a parameter for display surfaces these
// directly; encoding rejects values that do not fit the schema type.
var (
	// ErrUnexpectedEnd indicates input that ends inside a value.
	ErrUnexpectedEnd = errors.New("unexpected end of input")

	// ErrTrailingBytes indicates input left over after a complete value.
	ErrTrailingBytes = errors.New("trailing bytes after value")

	// ErrValueMismatch indicates a value that does not conform to the
	// schema type it is being encoded or decoded against.
	ErrValueMismatch = errors.New("value does not match schema type")
)

// maxCollectionLen caps decoded sequence, map, and byte lengths so a
// short adversarial input cannot request a huge allocation.
const maxCollectionLen = 1 << 20

// Encode serializes v against t using the calling convention's binary
// layout: little-endian fixed-width integers, u32 length prefixes on
// variable-length collections, one presence byte on options, and the
// variant tag before enum fields. Map entries are written sorted by
// encoded key bytes.
func Encode(t *Type, v Value) ([]byte, error) {
	var buf []byte
	buf, err := encodeValue(buf, t, v)
	if err != nil {
		return nil, err
	}
	return buf, nil
}

// Decode parses data as a value of type t. The whole input must be
// consumed: Decode(t, Encode(t, v)) yields v, and any suffix beyond
// the value is ErrTrailingBytes.
func Decode(t *Type, data []byte) (Value, error) {
	d := &decoder{data: data}
	v, err := d.value(t)
	if err != nil {
		return Value{}, err
	}
	if d.pos != len(data) {
		return Value{}, fmt.Errorf("%w: %d of %d bytes consumed", ErrTrailingBytes, d.pos, len(data))
	}
	return v, nil
}

func encodeValue(buf []byte, t *Type, v Value) ([]byte, error) {
	if v.Kind != t.Kind {
		return nil, fmt.Errorf("%w: have %s, want %s", ErrValueMismatch, v.Kind, t.Kind)
	}
	switch t.Kind {
	case KindU8, KindU16, KindU32, KindU64:
		return encodeUint(buf, t.Kind, v.U64)
	case KindI8, KindI16, KindI32, KindI64:
		return encodeInt(buf, t.Kind, v.I64)
	case KindBool:
		if v.Bool {
			return append(buf, 1), nil
		}
		return append(buf, 0), nil
	case KindString:
		if !utf8.ValidString(v.Str) {
			return nil, fmt.Errorf("%w: string is not valid UTF-8", ErrValueMismatch)
		}
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v.Str)))
		return append(buf, v.Str...), nil
	case KindBytes:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v.Bytes)))
		return append(buf, v.Bytes...), nil
	case KindFixedBytes:
		if uint32(len(v.Bytes)) != t.Len {
			return nil, fmt.Errorf("%w: %d bytes, want %d", ErrValueMismatch, len(v.Bytes), t.Len)
		}
		return append(buf, v.Bytes...), nil
	case KindSeq:
		buf = binary.LittleEndian.AppendUint32(buf, uint32(len(v.Items)))
		return encodeItems(buf, t.Elem, v.Items)
	case KindArray:
		if uint32(len(v.Items)) != t.Len {
			return nil, fmt.Errorf("%w: %d elements, want %d", ErrValueMismatch, len(v.Items), t.Len)
		}
		return encodeItems(buf, t.Elem, v.Items)
	case KindMap:
		return encodeMap(buf, t, v)
	case KindEnum:
		if int(v.Tag) >= len(t.Variants) {
			return nil, fmt.Errorf("%w: variant %d of %d", ErrValueMismatch, v.Tag, len(t.Variants))
		}
		buf = appendTag(buf, v.Tag, len(t.Variants))
		return encodeFields(buf, t.Variants[v.Tag].Fields, v.Items)
	case KindOption:
		if v.Tag == 0 {
			return append(buf, 0), nil
		}
		if len(v.Items) != 1 {
			return nil, fmt.Errorf("%w: present option needs one payload", ErrValueMismatch)
		}
		return encodeValue(append(buf, 1), t.Elem, v.Items[0])
	case KindStruct:
		return encodeFields(buf, t.Fields, v.Items)
	}
	return nil, fmt.Errorf("%w: kind %d", ErrValueMismatch, t.Kind)
}

func encodeUint(buf []byte, k Kind, x uint64) ([]byte, error) {
	switch k {
	case KindU8:
		if x > math.MaxUint8 {
			return nil, fmt.Errorf("%w: %d does not fit u8", ErrValueMismatch, x)
		}
		return append(buf, byte(x)), nil
	case KindU16:
		if x > math.MaxUint16 {
			return nil, fmt.Errorf("%w: %d does not fit u16", ErrValueMismatch, x)
		}
		return binary.LittleEndian.AppendUint16(buf, uint16(x)), nil
	case KindU32:
		if x > math.MaxUint32 {
			return nil, fmt.Errorf("%w: %d does not fit u32", ErrValueMismatch, x)
		}
		return binary.LittleEndian.AppendUint32(buf, uint32(x)), nil
	default:
		return binary.LittleEndian.AppendUint64(buf, x), nil
	}
}

func encodeInt(buf []byte, k Kind, x int64) ([]byte, error) {
	switch k {
	case KindI8:
		if x < math.MinInt8 || x > math.MaxInt8 {
			return nil, fmt.Errorf("%w: %d does not fit i8", ErrValueMismatch, x)
		}
		return append(buf, byte(x)), nil
	case KindI16:
		if x < math.MinInt16 || x > math.MaxInt16 {
			return nil, fmt.Errorf("%w: %d does not fit i16", ErrValueMismatch, x)
		}
		return binary.LittleEndian.AppendUint16(buf, uint16(x)), nil
	case KindI32:
		if x < math.MinInt32 || x > math.MaxInt32 {
			return nil, fmt.Errorf("%w: %d does not fit i32", ErrValueMismatch, x)
		}
		return binary.LittleEndian.AppendUint32(buf, uint32(x)), nil
	default:
		return binary.LittleEndian.AppendUint64(buf, uint64(x)), nil
	}
}

func encodeItems(buf []byte, elem *Type, items []Value) ([]byte, error) {
	var err error
	for _, it := range items {
		buf, err = encodeValue(buf, elem, it)
		if err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func encodeFields(buf []byte, fields []Field, items []Value) ([]byte, error) {
	if len(items) != len(fields) {
		return nil, fmt.Errorf("%w: %d field values, want %d", ErrValueMismatch, len(items), len(fields))
	}
	var err error
	for i, f := range fields {
		buf, err = encodeValue(buf, f.Type, items[i])
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
	}
	return buf, nil
}

// encodeMap writes entries sorted by encoded key bytes so the layout
// is deterministic regardless of how the caller ordered them.
func encodeMap(buf []byte, t *Type, v Value) ([]byte, error) {
	type encEntry struct {
		key []byte
		val []byte
	}
	encoded := make([]encEntry, len(v.Entries))
	for i, e := range v.Entries {
		kb, err := encodeValue(nil, t.Key, e.Key)
		if err != nil {
			return nil, err
		}
		vb, err := encodeValue(nil, t.Elem, e.Val)
		if err != nil {
			return nil, err
		}
		encoded[i] = encEntry{kb, vb}
	}
	sort.Slice(encoded, func(i, j int) bool {
		return bytes.Compare(encoded[i].key, encoded[j].key) < 0
	})
	for i := 1; i < len(encoded); i++ {
		if bytes.Equal(encoded[i].key, encoded[i-1].key) {
			return nil, fmt.Errorf("%w: duplicate map key", ErrValueMismatch)
		}
	}
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(encoded)))
	for _, e := range encoded {
		buf = append(buf, e.key...)
		buf = append(buf, e.val...)
	}
	return buf, nil
}

func appendTag(buf []byte, tag uint32, n int) []byte {
	if n <= 256 {
		return append(buf, byte(tag))
	}
	return binary.LittleEndian.AppendUint16(buf, uint16(tag))
}

type decoder struct {
	data []byte
	pos  int
}

func (d *decoder) take(n int) ([]byte, error) {
	if len(d.data)-d.pos < n {
		return nil, fmt.Errorf("%w: need %d bytes at offset %d", ErrUnexpectedEnd, n, d.pos)
	}
	b := d.data[d.pos : d.pos+n]
	d.pos += n
	return b, nil
}

func (d *decoder) u8() (uint8, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) u32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (d *decoder) length() (int, error) {
	n, err := d.u32()
	if err != nil {
		return 0, err
	}
	if n > maxCollectionLen {
		return 0, fmt.Errorf("%w: length %d exceeds limit", ErrValueMismatch, n)
	}
	return int(n), nil
}

func (d *decoder) value(t *Type) (Value, error) {
	switch t.Kind {
	case KindU8, KindU16, KindU32, KindU64:
		x, err := d.uint(t.Kind)
		return Value{Kind: t.Kind, U64: x}, err
	case KindI8, KindI16, KindI32, KindI64:
		x, err := d.int(t.Kind)
		return Value{Kind: t.Kind, I64: x}, err
	case KindBool:
		b, err := d.u8()
		if err != nil {
			return Value{}, err
		}
		if b > 1 {
			return Value{}, fmt.Errorf("%w: bool byte %d", ErrValueMismatch, b)
		}
		return Value{Kind: KindBool, Bool: b == 1}, nil
	case KindString:
		n, err := d.length()
		if err != nil {
			return Value{}, err
		}
		b, err := d.take(n)
		if err != nil {
			return Value{}, err
		}
		if !utf8.Valid(b) {
			return Value{}, fmt.Errorf("%w: string is not valid UTF-8", ErrValueMismatch)
		}
		return Value{Kind: KindString, Str: string(b)}, nil
	case KindBytes:
		n, err := d.length()
		if err != nil {
			return Value{}, err
		}
		b, err := d.take(n)
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindBytes, Bytes: append([]byte(nil), b...)}, nil
	case KindFixedBytes:
		b, err := d.take(int(t.Len))
		if err != nil {
			return Value{}, err
		}
		return Value{Kind: KindFixedBytes, Bytes: append([]byte(nil), b...)}, nil
	case KindSeq:
		n, err := d.length()
		if err != nil {
			return Value{}, err
		}
		items, err := d.items(t.Elem, n)
		return Value{Kind: KindSeq, Items: items}, err
	case KindArray:
		items, err := d.items(t.Elem, int(t.Len))
		return Value{Kind: KindArray, Items: items}, err
	case KindMap:
		return d.mapValue(t)
	case KindEnum:
		tag, err := d.tag(len(t.Variants))
		if err != nil {
			return Value{}, err
		}
		if int(tag) >= len(t.Variants) {
			return Value{}, fmt.Errorf("%w: variant %d of %d", ErrValueMismatch, tag, len(t.Variants))
		}
		items, err := d.fieldValues(t.Variants[tag].Fields)
		return Value{Kind: KindEnum, Tag: tag, Items: items}, err
	case KindOption:
		present, err := d.u8()
		if err != nil {
			return Value{}, err
		}
		switch present {
		case 0:
			return Value{Kind: KindOption, Tag: 0}, nil
		case 1:
			inner, err := d.value(t.Elem)
			if err != nil {
				return Value{}, err
			}
			return Value{Kind: KindOption, Tag: 1, Items: []Value{inner}}, nil
		default:
			return Value{}, fmt.Errorf("%w: option byte %d", ErrValueMismatch, present)
		}
	case KindStruct:
		items, err := d.fieldValues(t.Fields)
		return Value{Kind: KindStruct, Items: items}, err
	}
	return Value{}, fmt.Errorf("%w: kind %d", ErrValueMismatch, t.Kind)
}

func (d *decoder) uint(k Kind) (uint64, error) {
	switch k {
	case KindU8:
		b, err := d.u8()
		return uint64(b), err
	case KindU16:
		b, err := d.take(2)
		if err != nil {
			return 0, err
		}
		return uint64(binary.LittleEndian.Uint16(b)), nil
	case KindU32:
		x, err := d.u32()
		return uint64(x), err
	default:
		b, err := d.take(8)
		if err != nil {
			return 0, err
		}
		return binary.LittleEndian.Uint64(b), nil
	}
}

func (d *decoder) int(k Kind) (int64, error) {
	switch k {
	case KindI8:
		b, err := d.u8()
		return int64(int8(b)), err
	case KindI16:
		b, err := d.take(2)
		if err != nil {
			return 0, err
		}
		return int64(int16(binary.LittleEndian.Uint16(b))), nil
	case KindI32:
		b, err := d.take(4)
		if err != nil {
			return 0, err
		}
		return int64(int32(binary.LittleEndian.Uint32(b))), nil
	default:
		b, err := d.take(8)
		if err != nil {
			return 0, err
		}
		return int64(binary.LittleEndian.Uint64(b)), nil
	}
}

func (d *decoder) items(elem *Type, n int) ([]Value, error) {
	var items []Value
	for i := 0; i < n; i++ {
		v, err := d.value(elem)
		if err != nil {
			return nil, err
		}
		items = append(items, v)
	}
	return items, nil
}

func (d *decoder) fieldValues(fields []Field) ([]Value, error) {
	var items []Value
	for _, f := range fields {
		v, err := d.value(f.Type)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", f.Name, err)
		}
		items = append(items, v)
	}
	return items, nil
}

// mapValue enforces the layout's ordering rule: keys appear strictly
// ascending in encoded byte order.
func (d *decoder) mapValue(t *Type) (Value, error) {
	n, err := d.length()
	if err != nil {
		return Value{}, err
	}
	var entries []MapEntry
	var prevKey []byte
	for i := 0; i < n; i++ {
		keyStart := d.pos
		k, err := d.value(t.Key)
		if err != nil {
			return Value{}, err
		}
		keyBytes := d.data[keyStart:d.pos]
		if prevKey != nil && bytes.Compare(keyBytes, prevKey) <= 0 {
			return Value{}, fmt.Errorf("%w: map keys out of order", ErrValueMismatch)
		}
		prevKey = append([]byte(nil), keyBytes...)
		v, err := d.value(t.Elem)
		if err != nil {
			return Value{}, err
		}
		entries = append(entries, MapEntry{Key: k, Val: v})
	}
	return Value{Kind: KindMap, Entries: entries}, nil
}

func (d *decoder) tag(n int) (uint32, error) {
	if n <= 256 {
		b, err := d.u8()
		return uint32(b), err
	}
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return uint32(binary.LittleEndian.Uint16(b)), nil
}
