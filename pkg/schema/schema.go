// Package schema implements the versioned parameter schema: a closed,
// recursively defined grammar of value kinds, a binary schema format
// that can be embedded in modules or supplied alongside them, and a
// codec between structured values and the contract calling
// convention's binary layout.
package schema

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"

	"github.com/chainforge/contester/internal/types"
)

// Kind enumerates the closed set of value kinds. New kinds are
// additions to this enumeration, never special cases in the codec.
type Kind uint8

const (
	KindU8 Kind = iota
	KindU16
	KindU32
	KindU64
	KindI8
	KindI16
	KindI32
	KindI64
	KindBool
	KindString
	KindBytes      // variable-length byte sequence
	KindFixedBytes // fixed-length byte sequence, Len bytes
	KindSeq        // ordered sequence of Elem
	KindArray      // fixed-size array, Len elements of Elem
	KindMap        // ordered map from Key to Elem
	KindEnum       // tagged union over Variants
	KindOption     // optional Elem
	KindStruct     // nested struct over Fields

	numKinds
)

// String returns the kind name.
func (k Kind) String() string {
	names := [...]string{
		"u8", "u16", "u32", "u64", "i8", "i16", "i32", "i64",
		"bool", "string", "bytes", "fixed-bytes", "seq", "array",
		"map", "enum", "option", "struct",
	}
	if int(k) < len(names) {
		return names[k]
	}
	return "invalid"
}

// Field is a named struct or variant field.
type Field struct {
	Name string
	Type *Type
}

// Variant is one alternative of an enum.
type Variant struct {
	Name   string
	Fields []Field
}

// Type is a node in the schema type tree. Only the fields relevant to
// Kind are set.
type Type struct {
	Kind Kind

	// Len is the byte length for KindFixedBytes and the element count
	// for KindArray.
	Len uint32

	// Elem is the element type for KindSeq, KindArray, KindOption, and
	// the value type for KindMap.
	Elem *Type

	// Key is the key type for KindMap.
	Key *Type

	// Fields are the struct fields for KindStruct.
	Fields []Field

	// Variants are the alternatives for KindEnum.
	Variants []Variant
}

// FuncSchema describes one entry point's parameter and return types.
// Nil means the entry point takes or returns nothing describable.
type FuncSchema struct {
	Params *Type
	Return *Type
}

// ContractSchema describes one contract's entry points and persisted
// state shape.
type ContractSchema struct {
	Init    *FuncSchema
	Receive map[string]*FuncSchema

	// State describes the contract's persisted state for display. May
	// be nil.
	State *Type
}

// ModuleSchema is a versioned schema for one or more contracts,
// immutable once parsed.
type ModuleSchema struct {
	Version   uint8
	Contracts map[string]*ContractSchema
}

// SchemaVersion is the schema format version this package produces
// and accepts.
const SchemaVersion uint8 = 1

// Schema binary magic bytes.
var schemaMagic = []byte{0xff, 'c', 's', 'c'}

// Schema errors.
var (
	// ErrSchemaMalformed indicates an unparseable schema blob.
	ErrSchemaMalformed = errors.New("malformed schema")

	// ErrVersionMismatch indicates a schema with an unsupported version.
	ErrVersionMismatch = errors.New("schema version mismatch")

	// ErrUnknownEntrypoint indicates a lookup for an entry point the
	// schema does not describe.
	ErrUnknownEntrypoint = errors.New("unknown entry point")
)

// Entrypoint resolves the function schema for a full entry point name
// ("init_<contract>" or "<contract>.<entrypoint>").
func (m *ModuleSchema) Entrypoint(name string) (*FuncSchema, error) {
	if types.IsInitName(name) {
		contract := name[len(types.InitPrefix):]
		cs, ok := m.Contracts[contract]
		if !ok || cs.Init == nil {
			return nil, fmt.Errorf("%w: %q", ErrUnknownEntrypoint, name)
		}
		return cs.Init, nil
	}
	contract, ep, err := types.SplitReceiveName(name)
	if err != nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntrypoint, name)
	}
	cs, ok := m.Contracts[contract]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntrypoint, name)
	}
	fs, ok := cs.Receive[ep]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEntrypoint, name)
	}
	return fs, nil
}

// Parse decodes a binary module schema.
//
// Layout: magic (4 bytes), version (1 byte), contract count (u32),
// then per contract: name, optional init FuncSchema, receive count and
// per-receive name plus FuncSchema, optional state type. Options are a
// presence byte; strings are length-prefixed UTF-8; all integers are
// little-endian.
func Parse(data []byte) (*ModuleSchema, error) {
	r := &sreader{data: data}

	magic := r.take(4)
	for i, b := range schemaMagic {
		if r.err != nil || magic[i] != b {
			return nil, fmt.Errorf("%w: bad magic", ErrSchemaMalformed)
		}
	}
	version := r.u8()
	if r.err == nil && version != SchemaVersion {
		return nil, fmt.Errorf("%w: version %d, supported %d", ErrVersionMismatch, version, SchemaVersion)
	}

	m := &ModuleSchema{Version: version, Contracts: make(map[string]*ContractSchema)}
	count := r.u32()
	for i := uint32(0); i < count && r.err == nil; i++ {
		name := r.str()
		cs := &ContractSchema{Receive: make(map[string]*FuncSchema)}
		if r.u8() == 1 {
			cs.Init = r.funcSchema()
		}
		nrecv := r.u32()
		for j := uint32(0); j < nrecv && r.err == nil; j++ {
			ep := r.str()
			cs.Receive[ep] = r.funcSchema()
		}
		if r.u8() == 1 {
			cs.State = r.typ(0)
		}
		m.Contracts[name] = cs
	}

	if r.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrSchemaMalformed, r.err)
	}
	if r.pos != len(data) {
		return nil, fmt.Errorf("%w: trailing bytes", ErrSchemaMalformed)
	}
	return m, nil
}

// maxTypeDepth bounds schema type nesting to keep parsing of
// adversarial blobs shallow.
const maxTypeDepth = 64

type sreader struct {
	data []byte
	pos  int
	err  error
}

func (r *sreader) take(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	if len(r.data)-r.pos < n {
		r.err = errors.New("truncated")
		return make([]byte, n)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *sreader) u8() uint8   { return r.take(1)[0] }
func (r *sreader) u32() uint32 { return binary.LittleEndian.Uint32(r.take(4)) }

func (r *sreader) str() string {
	n := r.u32()
	b := r.take(int(n))
	if r.err == nil && !utf8.Valid(b) {
		r.err = errors.New("invalid UTF-8 name")
	}
	return string(b)
}

func (r *sreader) funcSchema() *FuncSchema {
	fs := &FuncSchema{}
	if r.u8() == 1 {
		fs.Params = r.typ(0)
	}
	if r.u8() == 1 {
		fs.Return = r.typ(0)
	}
	return fs
}

func (r *sreader) typ(depth int) *Type {
	if depth > maxTypeDepth {
		r.err = errors.New("type nesting too deep")
		return nil
	}
	if r.err != nil {
		return nil
	}
	kind := Kind(r.u8())
	if kind >= numKinds {
		r.err = fmt.Errorf("unknown kind %d", kind)
		return nil
	}
	t := &Type{Kind: kind}
	switch kind {
	case KindFixedBytes:
		t.Len = r.u32()
	case KindSeq, KindOption:
		t.Elem = r.typ(depth + 1)
	case KindArray:
		t.Len = r.u32()
		t.Elem = r.typ(depth + 1)
	case KindMap:
		t.Key = r.typ(depth + 1)
		t.Elem = r.typ(depth + 1)
	case KindStruct:
		t.Fields = r.fields(depth + 1)
	case KindEnum:
		n := r.u32()
		for i := uint32(0); i < n && r.err == nil; i++ {
			name := r.str()
			t.Variants = append(t.Variants, Variant{Name: name, Fields: r.fields(depth + 1)})
		}
	}
	return t
}

func (r *sreader) fields(depth int) []Field {
	n := r.u32()
	var fields []Field
	for i := uint32(0); i < n && r.err == nil; i++ {
		name := r.str()
		fields = append(fields, Field{Name: name, Type: r.typ(depth)})
	}
	return fields
}

// Serialize encodes the schema to its binary form. Contracts and
// receive entry points are written in sorted order for determinism.
func (m *ModuleSchema) Serialize() []byte {
	w := &swriter{}
	w.raw(schemaMagic)
	w.u8(m.Version)

	names := sortedKeys(m.Contracts)
	w.u32(uint32(len(names)))
	for _, name := range names {
		cs := m.Contracts[name]
		w.str(name)
		if cs.Init != nil {
			w.u8(1)
			w.funcSchema(cs.Init)
		} else {
			w.u8(0)
		}
		eps := sortedKeys(cs.Receive)
		w.u32(uint32(len(eps)))
		for _, ep := range eps {
			w.str(ep)
			w.funcSchema(cs.Receive[ep])
		}
		if cs.State != nil {
			w.u8(1)
			w.typ(cs.State)
		} else {
			w.u8(0)
		}
	}
	return w.buf
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	for i := 1; i < len(keys); i++ {
		for j := i; j > 0 && keys[j] < keys[j-1]; j-- {
			keys[j], keys[j-1] = keys[j-1], keys[j]
		}
	}
	return keys
}

type swriter struct {
	buf []byte
}

func (w *swriter) raw(b []byte) { w.buf = append(w.buf, b...) }
func (w *swriter) u8(x uint8)   { w.buf = append(w.buf, x) }
func (w *swriter) u32(x uint32) { w.buf = binary.LittleEndian.AppendUint32(w.buf, x) }

func (w *swriter) str(s string) {
	w.u32(uint32(len(s)))
	w.raw([]byte(s))
}

func (w *swriter) funcSchema(fs *FuncSchema) {
	if fs.Params != nil {
		w.u8(1)
		w.typ(fs.Params)
	} else {
		w.u8(0)
	}
	if fs.Return != nil {
		w.u8(1)
		w.typ(fs.Return)
	} else {
		w.u8(0)
	}
}

func (w *swriter) typ(t *Type) {
	w.u8(uint8(t.Kind))
	switch t.Kind {
	case KindFixedBytes:
		w.u32(t.Len)
	case KindSeq, KindOption:
		w.typ(t.Elem)
	case KindArray:
		w.u32(t.Len)
		w.typ(t.Elem)
	case KindMap:
		w.typ(t.Key)
		w.typ(t.Elem)
	case KindStruct:
		w.fields(t.Fields)
	case KindEnum:
		w.u32(uint32(len(t.Variants)))
		for _, v := range t.Variants {
			w.str(v.Name)
			w.fields(v.Fields)
		}
	}
}

func (w *swriter) fields(fields []Field) {
	w.u32(uint32(len(fields)))
	for _, f := range fields {
		w.str(f.Name)
		w.typ(f.Type)
	}
}
