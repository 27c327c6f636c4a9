package bytecode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"unicode/utf8"
)

// Module binary layout:
//   - Magic (4 bytes): 0x00 'c' 'w' 'm'
//   - Format version (4 bytes, little-endian)
//   - Sections, in ascending id order, each at most once:
//   - Section id (1 byte)
//   - Payload length (4 bytes, little-endian)
//   - Payload
//
// Strings are length-prefixed (4 bytes) UTF-8. All integers are
// little-endian.

// Module format magic and version.
var moduleMagic = []byte{0x00, 'c', 'w', 'm'}

const formatVersion uint32 = 1

// Section ids.
const (
	secTypes    = 1
	secImports  = 2
	secFuncs    = 3
	secMemory   = 4
	secExports  = 5
	secSchema   = 6 // Embedded parameter schema (opaque to this package)
)

// Parse errors. All structural failures wrap ErrMalformed so callers
// can classify them as MalformedModule.
var (
	ErrMalformed      = errors.New("malformed module")
	ErrBadMagic       = errors.New("malformed module: bad magic")
	ErrBadVersion     = errors.New("malformed module: unsupported format version")
	ErrTruncated      = errors.New("malformed module: truncated")
	ErrTrailing       = errors.New("malformed module: trailing bytes")
	ErrBadSection     = errors.New("malformed module: bad section")
	ErrBadName        = errors.New("malformed module: invalid UTF-8 name")
	ErrBadIndex       = errors.New("malformed module: index out of range")
	ErrBadInstruction = errors.New("malformed module: bad instruction")
)

// FuncType is a function signature: a parameter count and a result
// count of zero or one.
type FuncType struct {
	Params  uint8
	Results uint8
}

// Import names a host function the module requires.
type Import struct {
	Module string
	Name   string
}

// Function is a function body with its signature and locals.
type Function struct {
	// Type indexes Module.Types.
	Type uint32

	// NumLocals is the number of locals beyond the parameters.
	NumLocals uint32

	// Code is the decoded instruction sequence.
	Code []Instr
}

// Memory declares the linear memory limits in 64 KiB pages.
type Memory struct {
	Initial uint32
	Max     uint32
}

// Export binds an entry point name to a function index.
type Export struct {
	Name string
	Func uint32
}

// Module is the immutable parsed representation of contract bytecode.
// Once validated it is shared read-only across invocations.
type Module struct {
	Types     []FuncType
	Imports   []Import
	Functions []Function
	Memory    *Memory
	Exports   []Export

	// Schema is the embedded parameter schema, if any. Opaque bytes;
	// pkg/schema parses it.
	Schema []byte
}

// ExportedFunc returns the function index exported under name.
func (m *Module) ExportedFunc(name string) (uint32, bool) {
	for _, e := range m.Exports {
		if e.Name == name {
			return e.Func, true
		}
	}
	return 0, false
}

// FuncSig returns the signature of function idx.
func (m *Module) FuncSig(idx uint32) (FuncType, bool) {
	if int(idx) >= len(m.Functions) {
		return FuncType{}, false
	}
	t := m.Functions[idx].Type
	if int(t) >= len(m.Types) {
		return FuncType{}, false
	}
	return m.Types[t], true
}

// reader is a bounds-checked little-endian cursor.
type reader struct {
	data []byte
	pos  int
}

func (r *reader) remaining() int {
	return len(r.data) - r.pos
}

func (r *reader) bytes(n int) ([]byte, error) {
	if n < 0 || r.remaining() < n {
		return nil, ErrTruncated
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b, nil
}

func (r *reader) u8() (uint8, error) {
	b, err := r.bytes(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (r *reader) u32() (uint32, error) {
	b, err := r.bytes(4)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint32(b), nil
}

func (r *reader) u64() (uint64, error) {
	b, err := r.bytes(8)
	if err != nil {
		return 0, err
	}
	return binary.LittleEndian.Uint64(b), nil
}

func (r *reader) str() (string, error) {
	n, err := r.u32()
	if err != nil {
		return "", err
	}
	b, err := r.bytes(int(n))
	if err != nil {
		return "", err
	}
	if !utf8.Valid(b) {
		return "", ErrBadName
	}
	return string(b), nil
}

// Parse decodes a binary module. It performs structural validation
// only; semantic validation (imports, limits, opcode support) is the
// transformer's job.
func Parse(data []byte) (*Module, error) {
	r := &reader{data: data}

	magic, err := r.bytes(4)
	if err != nil {
		return nil, ErrBadMagic
	}
	for i, b := range moduleMagic {
		if magic[i] != b {
			return nil, ErrBadMagic
		}
	}

	version, err := r.u32()
	if err != nil {
		return nil, ErrTruncated
	}
	if version != formatVersion {
		return nil, fmt.Errorf("%w: %d", ErrBadVersion, version)
	}

	m := &Module{}
	lastSec := uint8(0)

	for r.remaining() > 0 {
		id, err := r.u8()
		if err != nil {
			return nil, err
		}
		if id <= lastSec || id > secSchema {
			return nil, fmt.Errorf("%w: id %d after %d", ErrBadSection, id, lastSec)
		}
		lastSec = id

		size, err := r.u32()
		if err != nil {
			return nil, err
		}
		payload, err := r.bytes(int(size))
		if err != nil {
			return nil, err
		}
		sr := &reader{data: payload}

		switch id {
		case secTypes:
			if err := parseTypes(sr, m); err != nil {
				return nil, err
			}
		case secImports:
			if err := parseImports(sr, m); err != nil {
				return nil, err
			}
		case secFuncs:
			if err := parseFunctions(sr, m); err != nil {
				return nil, err
			}
		case secMemory:
			if err := parseMemory(sr, m); err != nil {
				return nil, err
			}
		case secExports:
			if err := parseExports(sr, m); err != nil {
				return nil, err
			}
		case secSchema:
			m.Schema = make([]byte, len(payload))
			copy(m.Schema, payload)
			sr.pos = len(payload)
		}
		if sr.remaining() > 0 {
			return nil, fmt.Errorf("%w: section %d", ErrTrailing, id)
		}
	}

	return m, checkIndices(m)
}

func parseTypes(r *reader, m *Module) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	m.Types = make([]FuncType, 0, count)
	for i := uint32(0); i < count; i++ {
		params, err := r.u8()
		if err != nil {
			return err
		}
		results, err := r.u8()
		if err != nil {
			return err
		}
		if results > 1 {
			return fmt.Errorf("%w: type %d has %d results", ErrBadSection, i, results)
		}
		m.Types = append(m.Types, FuncType{Params: params, Results: results})
	}
	return nil
}

func parseImports(r *reader, m *Module) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	m.Imports = make([]Import, 0, count)
	for i := uint32(0); i < count; i++ {
		mod, err := r.str()
		if err != nil {
			return err
		}
		name, err := r.str()
		if err != nil {
			return err
		}
		m.Imports = append(m.Imports, Import{Module: mod, Name: name})
	}
	return nil
}

func parseFunctions(r *reader, m *Module) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	m.Functions = make([]Function, 0, count)
	for i := uint32(0); i < count; i++ {
		typeIdx, err := r.u32()
		if err != nil {
			return err
		}
		numLocals, err := r.u32()
		if err != nil {
			return err
		}
		numInstr, err := r.u32()
		if err != nil {
			return err
		}
		code := make([]Instr, 0, numInstr)
		for j := uint32(0); j < numInstr; j++ {
			op, err := r.u8()
			if err != nil {
				return err
			}
			width := operandWidth(op)
			if width < 0 {
				return fmt.Errorf("%w: opcode 0x%02x", ErrBadInstruction, op)
			}
			var a uint64
			switch width {
			case operand32:
				v, err := r.u32()
				if err != nil {
					return err
				}
				a = uint64(v)
			case operand64:
				v, err := r.u64()
				if err != nil {
					return err
				}
				a = v
			}
			code = append(code, Instr{Op: op, A: a})
		}
		m.Functions = append(m.Functions, Function{Type: typeIdx, NumLocals: numLocals, Code: code})
	}
	return nil
}

func parseMemory(r *reader, m *Module) error {
	initial, err := r.u32()
	if err != nil {
		return err
	}
	max, err := r.u32()
	if err != nil {
		return err
	}
	if max < initial {
		return fmt.Errorf("%w: memory max %d below initial %d", ErrBadSection, max, initial)
	}
	m.Memory = &Memory{Initial: initial, Max: max}
	return nil
}

func parseExports(r *reader, m *Module) error {
	count, err := r.u32()
	if err != nil {
		return err
	}
	m.Exports = make([]Export, 0, count)
	seen := make(map[string]bool, count)
	for i := uint32(0); i < count; i++ {
		name, err := r.str()
		if err != nil {
			return err
		}
		if seen[name] {
			return fmt.Errorf("%w: duplicate export %q", ErrBadSection, name)
		}
		seen[name] = true
		fn, err := r.u32()
		if err != nil {
			return err
		}
		m.Exports = append(m.Exports, Export{Name: name, Func: fn})
	}
	return nil
}

// checkIndices verifies cross-section references: function type
// indices, export targets, and static instruction operands (branch
// targets, local indices, call targets, import indices).
func checkIndices(m *Module) error {
	for i, f := range m.Functions {
		if int(f.Type) >= len(m.Types) {
			return fmt.Errorf("%w: function %d type %d", ErrBadIndex, i, f.Type)
		}
		sig := m.Types[f.Type]
		numLocals := uint64(sig.Params) + uint64(f.NumLocals)
		for pc, ins := range f.Code {
			switch ins.Op {
			case OpBr, OpBrIf:
				if ins.A >= uint64(len(f.Code)) {
					return fmt.Errorf("%w: function %d pc %d branch target %d", ErrBadIndex, i, pc, ins.A)
				}
			case OpCall:
				if ins.A >= uint64(len(m.Functions)) {
					return fmt.Errorf("%w: function %d pc %d call target %d", ErrBadIndex, i, pc, ins.A)
				}
			case OpHostCall:
				if ins.A >= uint64(len(m.Imports)) {
					return fmt.Errorf("%w: function %d pc %d import %d", ErrBadIndex, i, pc, ins.A)
				}
			case OpLocalGet, OpLocalSet, OpLocalTee:
				if ins.A >= numLocals {
					return fmt.Errorf("%w: function %d pc %d local %d", ErrBadIndex, i, pc, ins.A)
				}
			}
		}
	}
	for _, e := range m.Exports {
		if int(e.Func) >= len(m.Functions) {
			return fmt.Errorf("%w: export %q function %d", ErrBadIndex, e.Name, e.Func)
		}
	}
	return nil
}

// Serialize encodes the module back to its binary form. Used by test
// harnesses and tooling that assemble modules programmatically.
func (m *Module) Serialize() []byte {
	buf := make([]byte, 0, 256)
	buf = append(buf, moduleMagic...)
	buf = appendU32(buf, formatVersion)

	if len(m.Types) > 0 {
		p := appendU32(nil, uint32(len(m.Types)))
		for _, t := range m.Types {
			p = append(p, t.Params, t.Results)
		}
		buf = appendSection(buf, secTypes, p)
	}

	if len(m.Imports) > 0 {
		p := appendU32(nil, uint32(len(m.Imports)))
		for _, im := range m.Imports {
			p = appendStr(p, im.Module)
			p = appendStr(p, im.Name)
		}
		buf = appendSection(buf, secImports, p)
	}

	if len(m.Functions) > 0 {
		p := appendU32(nil, uint32(len(m.Functions)))
		for _, f := range m.Functions {
			p = appendU32(p, f.Type)
			p = appendU32(p, f.NumLocals)
			p = appendU32(p, uint32(len(f.Code)))
			for _, ins := range f.Code {
				p = append(p, ins.Op)
				switch operandWidth(ins.Op) {
				case operand32:
					p = appendU32(p, uint32(ins.A))
				case operand64:
					p = appendU64(p, ins.A)
				}
			}
		}
		buf = appendSection(buf, secFuncs, p)
	}

	if m.Memory != nil {
		p := appendU32(nil, m.Memory.Initial)
		p = appendU32(p, m.Memory.Max)
		buf = appendSection(buf, secMemory, p)
	}

	if len(m.Exports) > 0 {
		p := appendU32(nil, uint32(len(m.Exports)))
		for _, e := range m.Exports {
			p = appendStr(p, e.Name)
			p = appendU32(p, e.Func)
		}
		buf = appendSection(buf, secExports, p)
	}

	if len(m.Schema) > 0 {
		buf = appendSection(buf, secSchema, m.Schema)
	}

	return buf
}

func appendSection(buf []byte, id uint8, payload []byte) []byte {
	buf = append(buf, id)
	buf = appendU32(buf, uint32(len(payload)))
	return append(buf, payload...)
}

func appendU32(buf []byte, x uint32) []byte {
	var tmp [4]byte
	binary.LittleEndian.PutUint32(tmp[:], x)
	return append(buf, tmp[:]...)
}

func appendU64(buf []byte, x uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], x)
	return append(buf, tmp[:]...)
}

func appendStr(buf []byte, s string) []byte {
	buf = appendU32(buf, uint32(len(s)))
	return append(buf, s...)
}
