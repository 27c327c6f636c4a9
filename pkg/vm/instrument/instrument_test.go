package instrument

import (
	"errors"
	"reflect"
	"testing"

	"github.com/chainforge/contester/pkg/vm"
	"github.com/chainforge/contester/pkg/vm/bytecode"
)

// simpleModule builds a valid one-function module with the given body.
func simpleModule(code []bytecode.Instr) *bytecode.Module {
	return &bytecode.Module{
		Types: []bytecode.FuncType{{Params: 1, Results: 1}},
		Functions: []bytecode.Function{
			{Type: 0, Code: code},
		},
		Exports: []bytecode.Export{{Name: "init_test", Func: 0}},
	}
}

func mustInstrument(t *testing.T, m *bytecode.Module, pv vm.ProtocolVersion) *Instrumented {
	t.Helper()
	inst, err := ValidateAndInstrument(m.Serialize(), pv, vm.DefaultLimits())
	if err != nil {
		t.Fatalf("instrument: %v", err)
	}
	return inst
}

func TestInstrumentDeterministic(t *testing.T) {
	raw := simpleModule([]bytecode.Instr{
		bytecode.IA(bytecode.OpConst, 1),
		bytecode.IA(bytecode.OpConst, 2),
		bytecode.I(bytecode.OpAdd),
		bytecode.I(bytecode.OpReturn),
	}).Serialize()

	a, err := ValidateAndInstrument(raw, vm.PV1, vm.DefaultLimits())
	if err != nil {
		t.Fatalf("first: %v", err)
	}
	b, err := ValidateAndInstrument(raw, vm.PV1, vm.DefaultLimits())
	if err != nil {
		t.Fatalf("second: %v", err)
	}
	if a.Ref != b.Ref {
		t.Fatal("same bytes hash to different refs")
	}
	if !reflect.DeepEqual(a.Module, b.Module) {
		t.Fatal("same bytes instrument to different code")
	}
}

func TestChargePreambleAtEntry(t *testing.T) {
	inst := mustInstrument(t, simpleModule([]bytecode.Instr{
		bytecode.IA(bytecode.OpConst, 7),
		bytecode.I(bytecode.OpReturn),
	}), vm.PV1)

	code := inst.Module.Functions[0].Code
	if code[0].Op != bytecode.OpCharge {
		t.Fatalf("first instruction is 0x%02x, want charge", code[0].Op)
	}
	// Const + Return, both base cost, charged up front as one block.
	want := 2 * inst.Costs.Base
	if code[0].A != want {
		t.Fatalf("entry charge %d, want %d", code[0].A, want)
	}
}

func TestBranchTargetsLandOnCharge(t *testing.T) {
	// pc0: const 1; pc1: br_if 0 (loop); pc2: return
	inst := mustInstrument(t, simpleModule([]bytecode.Instr{
		bytecode.IA(bytecode.OpConst, 1),
		bytecode.IA(bytecode.OpBrIf, 0),
		bytecode.I(bytecode.OpReturn),
	}), vm.PV1)

	code := inst.Module.Functions[0].Code
	for pc, ins := range code {
		if !bytecode.IsBranch(ins.Op) {
			continue
		}
		target := int(ins.A)
		if target >= len(code) || code[target].Op != bytecode.OpCharge {
			t.Fatalf("branch at pc %d targets pc %d (op 0x%02x), want a charge instruction",
				pc, target, code[target].Op)
		}
	}
}

func TestHostCallChargePreamble(t *testing.T) {
	m := simpleModule([]bytecode.Instr{
		bytecode.IA(bytecode.OpConst, 0),
		bytecode.IA(bytecode.OpConst, 0),
		bytecode.IA(bytecode.OpHostCall, 0),
		bytecode.I(bytecode.OpReturn),
	})
	m.Imports = []bytecode.Import{{Module: "env", Name: "state_write"}}
	// state_write has signature {4, 0}; adjust body to push four args.
	m.Functions[0].Code = []bytecode.Instr{
		bytecode.IA(bytecode.OpConst, 0),
		bytecode.IA(bytecode.OpConst, 0),
		bytecode.IA(bytecode.OpConst, 0),
		bytecode.IA(bytecode.OpConst, 0),
		bytecode.IA(bytecode.OpHostCall, 0),
		bytecode.IA(bytecode.OpConst, 0),
		bytecode.I(bytecode.OpReturn),
	}

	inst := mustInstrument(t, m, vm.PV1)
	code := inst.Module.Functions[0].Code
	for pc, ins := range code {
		if ins.Op != bytecode.OpHostCall {
			continue
		}
		pre := code[pc-1]
		if pre.Op != bytecode.OpCharge {
			t.Fatalf("host call at pc %d not preceded by a charge", pc)
		}
		want := inst.Costs.HostBase + inst.Costs.HostStateWrite
		if pre.A != want {
			t.Fatalf("host call charge %d, want %d", pre.A, want)
		}
		return
	}
	t.Fatal("no host call in instrumented code")
}

func TestMalformedModule(t *testing.T) {
	if _, err := ValidateAndInstrument([]byte("garbage"), vm.PV1, vm.DefaultLimits()); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestExportNameRejected(t *testing.T) {
	m := simpleModule([]bytecode.Instr{bytecode.IA(bytecode.OpConst, 0), bytecode.I(bytecode.OpReturn)})
	m.Exports[0].Name = "not_an_entrypoint"
	if _, err := ValidateAndInstrument(m.Serialize(), vm.PV1, vm.DefaultLimits()); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestExportSignatureRejected(t *testing.T) {
	m := simpleModule([]bytecode.Instr{bytecode.I(bytecode.OpReturn)})
	m.Types[0] = bytecode.FuncType{Params: 0, Results: 0}
	if _, err := ValidateAndInstrument(m.Serialize(), vm.PV1, vm.DefaultLimits()); !errors.Is(err, ErrMalformed) {
		t.Fatalf("expected ErrMalformed, got %v", err)
	}
}

func TestLimitExceeded(t *testing.T) {
	m := simpleModule([]bytecode.Instr{bytecode.IA(bytecode.OpConst, 0), bytecode.I(bytecode.OpReturn)})

	limits := vm.DefaultLimits()
	limits.MaxModuleSize = 4
	if _, err := ValidateAndInstrument(m.Serialize(), vm.PV1, limits); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded for module size, got %v", err)
	}

	m.Memory = &bytecode.Memory{Initial: 64, Max: 64}
	if _, err := ValidateAndInstrument(m.Serialize(), vm.PV1, vm.DefaultLimits()); !errors.Is(err, ErrLimitExceeded) {
		t.Fatalf("expected ErrLimitExceeded for memory pages, got %v", err)
	}
}

func TestDisallowedImport(t *testing.T) {
	m := simpleModule([]bytecode.Instr{bytecode.IA(bytecode.OpConst, 0), bytecode.I(bytecode.OpReturn)})
	m.Imports = []bytecode.Import{{Module: "env", Name: "bogus"}}
	if _, err := ValidateAndInstrument(m.Serialize(), vm.PV1, vm.DefaultLimits()); !errors.Is(err, ErrDisallowedImport) {
		t.Fatalf("expected ErrDisallowedImport, got %v", err)
	}

	// instance_balance exists but only from PV2.
	m.Imports = []bytecode.Import{{Module: "env", Name: "instance_balance"}}
	if _, err := ValidateAndInstrument(m.Serialize(), vm.PV1, vm.DefaultLimits()); !errors.Is(err, ErrDisallowedImport) {
		t.Fatalf("expected ErrDisallowedImport under PV1, got %v", err)
	}
	if _, err := ValidateAndInstrument(m.Serialize(), vm.PV2, vm.DefaultLimits()); err != nil {
		t.Fatalf("instance_balance should be allowed under PV2: %v", err)
	}
}

func TestUnsupportedOpcodes(t *testing.T) {
	// Raw modules must not carry charge instructions.
	m := simpleModule([]bytecode.Instr{bytecode.IA(bytecode.OpCharge, 1), bytecode.I(bytecode.OpReturn)})
	if _, err := ValidateAndInstrument(m.Serialize(), vm.PV1, vm.DefaultLimits()); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported for raw charge, got %v", err)
	}

	// Select requires PV2.
	sel := simpleModule([]bytecode.Instr{
		bytecode.IA(bytecode.OpConst, 1),
		bytecode.IA(bytecode.OpConst, 2),
		bytecode.IA(bytecode.OpConst, 0),
		bytecode.I(bytecode.OpSelect),
		bytecode.I(bytecode.OpReturn),
	})
	if _, err := ValidateAndInstrument(sel.Serialize(), vm.PV1, vm.DefaultLimits()); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("expected ErrUnsupported for select under PV1, got %v", err)
	}
	if _, err := ValidateAndInstrument(sel.Serialize(), vm.PV2, vm.DefaultLimits()); err != nil {
		t.Fatalf("select should be allowed under PV2: %v", err)
	}
}

func TestEmbeddedSchemaSurfaced(t *testing.T) {
	m := simpleModule([]bytecode.Instr{bytecode.IA(bytecode.OpConst, 0), bytecode.I(bytecode.OpReturn)})
	m.Schema = []byte{1, 2, 3}
	inst := mustInstrument(t, m, vm.PV1)
	if !reflect.DeepEqual(inst.Schema, []byte{1, 2, 3}) {
		t.Fatalf("schema not surfaced: %v", inst.Schema)
	}
}

func TestCache(t *testing.T) {
	raw := simpleModule([]bytecode.Instr{
		bytecode.IA(bytecode.OpConst, 0),
		bytecode.I(bytecode.OpReturn),
	}).Serialize()

	c := NewCache()
	a, err := c.Get(raw, vm.PV1, vm.DefaultLimits())
	if err != nil {
		t.Fatalf("first get: %v", err)
	}
	b, err := c.Get(raw, vm.PV1, vm.DefaultLimits())
	if err != nil {
		t.Fatalf("second get: %v", err)
	}
	if a != b {
		t.Fatal("cache returned distinct instances for the same key")
	}
	if c.Len() != 1 {
		t.Fatalf("cache len %d, want 1", c.Len())
	}

	// Different protocol versions instrument separately.
	if _, err := c.Get(raw, vm.PV2, vm.DefaultLimits()); err != nil {
		t.Fatalf("pv2 get: %v", err)
	}
	if c.Len() != 2 {
		t.Fatalf("cache len %d, want 2", c.Len())
	}

	got, ok := c.Lookup(a.Ref, vm.PV1)
	if !ok || got != a {
		t.Fatal("lookup by ref failed")
	}
}

func TestCacheDoesNotCacheFailures(t *testing.T) {
	c := NewCache()
	if _, err := c.Get([]byte("garbage"), vm.PV1, vm.DefaultLimits()); err == nil {
		t.Fatal("expected validation error")
	}
	if c.Len() != 0 {
		t.Fatalf("failure cached: len %d", c.Len())
	}
}
