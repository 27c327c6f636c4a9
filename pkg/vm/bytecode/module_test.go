package bytecode

import (
	"encoding/binary"
	"errors"
	"reflect"
	"testing"
)

// testModule builds a small, fully valid module.
func testModule() *Module {
	return &Module{
		Types: []FuncType{{Params: 1, Results: 1}, {Params: 2, Results: 1}},
		Imports: []Import{
			{Module: "env", Name: "param_size"},
		},
		Functions: []Function{
			{Type: 0, NumLocals: 1, Code: []Instr{
				IA(OpConst, 40),
				IA(OpConst, 2),
				IA(OpCall, 1),
				I(OpReturn),
			}},
			{Type: 1, NumLocals: 0, Code: []Instr{
				IA(OpLocalGet, 0),
				IA(OpLocalGet, 1),
				I(OpAdd),
				I(OpReturn),
			}},
		},
		Memory:  &Memory{Initial: 1, Max: 2},
		Exports: []Export{{Name: "init_calc", Func: 0}},
		Schema:  []byte{0xaa, 0xbb},
	}
}

func TestSerializeParseRoundTrip(t *testing.T) {
	m := testModule()
	raw := m.Serialize()

	parsed, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !reflect.DeepEqual(parsed, m) {
		t.Fatalf("round trip mismatch:\n got %+v\nwant %+v", parsed, m)
	}
}

func TestParseBadMagic(t *testing.T) {
	raw := testModule().Serialize()
	raw[0] = 0xff
	if _, err := Parse(raw); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic, got %v", err)
	}

	if _, err := Parse([]byte{0x00, 'c'}); !errors.Is(err, ErrBadMagic) {
		t.Fatalf("expected ErrBadMagic for short input, got %v", err)
	}
}

func TestParseBadVersion(t *testing.T) {
	raw := testModule().Serialize()
	binary.LittleEndian.PutUint32(raw[4:8], 42)
	if _, err := Parse(raw); !errors.Is(err, ErrBadVersion) {
		t.Fatalf("expected ErrBadVersion, got %v", err)
	}
}

func TestParseTruncated(t *testing.T) {
	raw := testModule().Serialize()
	for _, cut := range []int{9, len(raw) / 2, len(raw) - 1} {
		if _, err := Parse(raw[:cut]); err == nil {
			t.Fatalf("no error for module truncated at %d", cut)
		}
	}
}

func TestParseSectionOrder(t *testing.T) {
	// Exports section followed by a types section: descending ids.
	raw := append([]byte{}, moduleMagic...)
	raw = appendU32(raw, formatVersion)

	exports := appendU32(nil, 0)
	raw = appendSection(raw, secExports, exports)
	typesSec := appendU32(nil, 0)
	raw = appendSection(raw, secTypes, typesSec)

	if _, err := Parse(raw); !errors.Is(err, ErrBadSection) {
		t.Fatalf("expected ErrBadSection, got %v", err)
	}
}

func TestParseDuplicateSection(t *testing.T) {
	raw := append([]byte{}, moduleMagic...)
	raw = appendU32(raw, formatVersion)
	sec := appendU32(nil, 0)
	raw = appendSection(raw, secTypes, sec)
	raw = appendSection(raw, secTypes, sec)

	if _, err := Parse(raw); !errors.Is(err, ErrBadSection) {
		t.Fatalf("expected ErrBadSection, got %v", err)
	}
}

func TestParseSectionTrailingBytes(t *testing.T) {
	raw := append([]byte{}, moduleMagic...)
	raw = appendU32(raw, formatVersion)
	// Empty types section with one stray byte in the payload.
	payload := appendU32(nil, 0)
	payload = append(payload, 0xff)
	raw = appendSection(raw, secTypes, payload)

	if _, err := Parse(raw); !errors.Is(err, ErrTrailing) {
		t.Fatalf("expected ErrTrailing, got %v", err)
	}
}

func TestParseTooManyResults(t *testing.T) {
	m := testModule()
	m.Types[0].Results = 2
	if _, err := Parse(m.Serialize()); !errors.Is(err, ErrBadSection) {
		t.Fatalf("expected ErrBadSection, got %v", err)
	}
}

func TestParseMemoryMaxBelowInitial(t *testing.T) {
	m := testModule()
	m.Memory = &Memory{Initial: 4, Max: 2}
	if _, err := Parse(m.Serialize()); !errors.Is(err, ErrBadSection) {
		t.Fatalf("expected ErrBadSection, got %v", err)
	}
}

func TestParseDuplicateExport(t *testing.T) {
	m := testModule()
	m.Exports = append(m.Exports, Export{Name: "init_calc", Func: 1})
	if _, err := Parse(m.Serialize()); !errors.Is(err, ErrBadSection) {
		t.Fatalf("expected ErrBadSection, got %v", err)
	}
}

func TestParseUnknownOpcode(t *testing.T) {
	m := testModule()
	m.Functions[0].Code = []Instr{{Op: 0xEE}}
	if _, err := Parse(m.Serialize()); !errors.Is(err, ErrBadInstruction) {
		t.Fatalf("expected ErrBadInstruction, got %v", err)
	}
}

func TestParseIndexChecks(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Module)
	}{
		{"function type", func(m *Module) { m.Functions[0].Type = 9 }},
		{"branch target", func(m *Module) {
			m.Functions[0].Code = []Instr{IA(OpBr, 100)}
		}},
		{"call target", func(m *Module) {
			m.Functions[0].Code = []Instr{IA(OpCall, 50), I(OpReturn)}
		}},
		{"import index", func(m *Module) {
			m.Functions[0].Code = []Instr{IA(OpHostCall, 3), I(OpReturn)}
		}},
		{"local index", func(m *Module) {
			m.Functions[0].Code = []Instr{IA(OpLocalGet, 8), I(OpReturn)}
		}},
		{"export target", func(m *Module) { m.Exports[0].Func = 30 }},
	}
	for _, tt := range tests {
		m := testModule()
		tt.mutate(m)
		if _, err := Parse(m.Serialize()); !errors.Is(err, ErrBadIndex) {
			t.Errorf("%s: expected ErrBadIndex, got %v", tt.name, err)
		}
	}
}

func TestExportedFunc(t *testing.T) {
	m := testModule()
	idx, ok := m.ExportedFunc("init_calc")
	if !ok || idx != 0 {
		t.Fatalf("ExportedFunc = (%d, %v)", idx, ok)
	}
	if _, ok := m.ExportedFunc("missing"); ok {
		t.Fatal("found a missing export")
	}
}

func TestFuncSig(t *testing.T) {
	m := testModule()
	sig, ok := m.FuncSig(1)
	if !ok || sig.Params != 2 || sig.Results != 1 {
		t.Fatalf("FuncSig(1) = (%+v, %v)", sig, ok)
	}
	if _, ok := m.FuncSig(10); ok {
		t.Fatal("signature for out-of-range function")
	}
}

func TestParseEmptyModule(t *testing.T) {
	raw := append([]byte{}, moduleMagic...)
	raw = appendU32(raw, formatVersion)
	m, err := Parse(raw)
	if err != nil {
		t.Fatalf("parse empty module: %v", err)
	}
	if len(m.Functions) != 0 || m.Memory != nil {
		t.Fatal("empty module not empty")
	}
}
