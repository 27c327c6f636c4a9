// Package instrument validates contract modules and rewrites them for
// metered execution. Validation enforces the structural format, the
// host-import allowlist, and the protocol resource limits. The
// transformer then injects energy-charging preambles so that every
// basic block and every host call is paid for before it runs: branch
// targets always land on a charge instruction, so bytecode cannot loop
// without consuming energy.
//
// Instrumented modules are immutable and cached by (module hash,
// protocol version); repeated invocations of the same module in a test
// run skip re-validation entirely.
package instrument

import (
	"errors"
	"fmt"

	"github.com/chainforge/contester/internal/types"
	"github.com/chainforge/contester/pkg/vm"
	"github.com/chainforge/contester/pkg/vm/bytecode"
	"github.com/chainforge/contester/pkg/vm/hostfn"
)

// Validation error kinds. Everything returned by ValidateAndInstrument
// wraps exactly one of these.
var (
	// ErrMalformed indicates a structurally invalid module.
	ErrMalformed = errors.New("malformed module")

	// ErrDisallowedImport indicates an import outside the host allowlist.
	ErrDisallowedImport = errors.New("disallowed import")

	// ErrLimitExceeded indicates a declared resource above protocol limits.
	ErrLimitExceeded = errors.New("limit exceeded")

	// ErrUnsupported indicates an instruction not supported by the
	// target protocol version.
	ErrUnsupported = errors.New("unsupported operation")
)

// Instrumented is a validated, charge-injected module bound to one
// protocol version. It is never mutated after creation; a single
// instance is reused across invocations.
type Instrumented struct {
	// Ref is the blake3 hash of the raw module bytes.
	Ref types.ModuleRef

	// Version is the protocol version the module was validated for.
	Version vm.ProtocolVersion

	// Module is the transformed bytecode.
	Module *bytecode.Module

	// Costs is the cost table baked in at instrumentation time.
	Costs *vm.CostTable

	// HostImports resolves each import index to a host function.
	HostImports []hostfn.ID

	// Schema is the embedded parameter schema, if the module carries one.
	Schema []byte
}

// ValidateAndInstrument parses, validates, and instruments a raw
// module for the given protocol version and limits.
func ValidateAndInstrument(raw []byte, pv vm.ProtocolVersion, limits vm.Limits) (*Instrumented, error) {
	costs, err := vm.CostTableFor(pv)
	if err != nil {
		return nil, err
	}

	if len(raw) > limits.MaxModuleSize {
		return nil, fmt.Errorf("%w: module size %d above %d", ErrLimitExceeded, len(raw), limits.MaxModuleSize)
	}

	mod, err := bytecode.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	if err := checkLimits(mod, limits); err != nil {
		return nil, err
	}

	hostImports, err := resolveImports(mod, pv)
	if err != nil {
		return nil, err
	}

	if err := checkExports(mod); err != nil {
		return nil, err
	}

	for i := range mod.Functions {
		if err := checkOpcodes(&mod.Functions[i], pv); err != nil {
			return nil, fmt.Errorf("function %d: %w", i, err)
		}
	}

	// Transform function bodies. The parsed module is not shared yet,
	// so it can be rewritten in place.
	for i := range mod.Functions {
		mod.Functions[i].Code = injectCharges(mod.Functions[i].Code, hostImports, costs)
	}

	return &Instrumented{
		Ref:         moduleRef(raw),
		Version:     pv,
		Module:      mod,
		Costs:       costs,
		HostImports: hostImports,
		Schema:      mod.Schema,
	}, nil
}

func checkLimits(m *bytecode.Module, limits vm.Limits) error {
	if len(m.Functions) > limits.MaxFunctions {
		return fmt.Errorf("%w: %d functions above %d", ErrLimitExceeded, len(m.Functions), limits.MaxFunctions)
	}
	if len(m.Exports) > limits.MaxExports {
		return fmt.Errorf("%w: %d exports above %d", ErrLimitExceeded, len(m.Exports), limits.MaxExports)
	}
	if m.Memory != nil {
		if m.Memory.Initial > limits.MaxMemoryPages || m.Memory.Max > limits.MaxMemoryPages {
			return fmt.Errorf("%w: memory %d/%d pages above %d",
				ErrLimitExceeded, m.Memory.Initial, m.Memory.Max, limits.MaxMemoryPages)
		}
	}
	for i, f := range m.Functions {
		if len(f.Code) > limits.MaxFunctionSize {
			return fmt.Errorf("%w: function %d has %d instructions above %d",
				ErrLimitExceeded, i, len(f.Code), limits.MaxFunctionSize)
		}
		if int(f.NumLocals) > limits.MaxLocals {
			return fmt.Errorf("%w: function %d has %d locals above %d",
				ErrLimitExceeded, i, f.NumLocals, limits.MaxLocals)
		}
	}
	return nil
}

func resolveImports(m *bytecode.Module, pv vm.ProtocolVersion) ([]hostfn.ID, error) {
	ids := make([]hostfn.ID, len(m.Imports))
	for i, im := range m.Imports {
		id, err := hostfn.Resolve(im.Module, im.Name, pv)
		if err != nil {
			return nil, fmt.Errorf("%w: %s.%s", ErrDisallowedImport, im.Module, im.Name)
		}
		ids[i] = id
	}
	return ids, nil
}

// checkExports requires every export to be a well-formed init or
// receive name with the entry point signature (amount parameter, one
// result code).
func checkExports(m *bytecode.Module) error {
	for _, e := range m.Exports {
		if !types.IsInitName(e.Name) && !types.IsReceiveName(e.Name) {
			return fmt.Errorf("%w: export %q is not an entry point name", ErrMalformed, e.Name)
		}
		sig, ok := m.FuncSig(e.Func)
		if !ok || sig.Params != 1 || sig.Results != 1 {
			return fmt.Errorf("%w: export %q has a non-entry-point signature", ErrMalformed, e.Name)
		}
	}
	return nil
}

func checkOpcodes(f *bytecode.Function, pv vm.ProtocolVersion) error {
	for pc, ins := range f.Code {
		switch ins.Op {
		case bytecode.OpCharge:
			// Charging is injected by this package; raw modules must
			// not carry it.
			return fmt.Errorf("%w: charge at pc %d", ErrUnsupported, pc)
		case bytecode.OpSelect:
			if pv < vm.PV2 {
				return fmt.Errorf("%w: select at pc %d requires protocol version 2", ErrUnsupported, pc)
			}
		}
	}
	return nil
}

// instructionCost returns the statically charged cost of an
// instruction. Host calls are zero here: they carry their own charge
// preamble with the per-function flat cost.
func instructionCost(op uint8, costs *vm.CostTable) uint64 {
	switch op {
	case bytecode.OpMul:
		return costs.Mul
	case bytecode.OpDivU, bytecode.OpDivS, bytecode.OpRemU, bytecode.OpRemS:
		return costs.Div
	case bytecode.OpLoad8U, bytecode.OpLoad16U, bytecode.OpLoad32U, bytecode.OpLoad64:
		return costs.MemLoad
	case bytecode.OpStore8, bytecode.OpStore16, bytecode.OpStore32, bytecode.OpStore64:
		return costs.MemStore
	case bytecode.OpBr, bytecode.OpBrIf:
		return costs.Branch
	case bytecode.OpCall:
		return costs.Call
	case bytecode.OpHostCall:
		return 0
	default:
		return costs.Base
	}
}

// hostStaticCost returns the flat cost charged before a host call.
// Size-dependent components are charged by the interpreter from the
// same table.
func hostStaticCost(id hostfn.ID, costs *vm.CostTable) uint64 {
	base := costs.HostBase
	switch id {
	case hostfn.StateWrite, hostfn.StateDelete:
		return base + costs.HostStateWrite
	case hostfn.Transfer:
		return base + costs.HostTransfer
	case hostfn.Invoke:
		return base + costs.HostInvoke
	case hostfn.Log:
		return base + costs.HostLog
	default:
		return base
	}
}

// injectCharges rewrites a function body with charge preambles. Basic
// block leaders are the entry instruction, every branch target, and
// every instruction following a block-ending or conditional branch
// instruction. Each leader gets a preamble charging the whole block;
// each host call gets an extra preamble with its flat cost. Branch
// targets are remapped to the leader's preamble so loops re-charge on
// every iteration.
func injectCharges(code []bytecode.Instr, hostImports []hostfn.ID, costs *vm.CostTable) []bytecode.Instr {
	n := len(code)
	if n == 0 {
		return code
	}

	leader := make([]bool, n)
	leader[0] = true
	for pc, ins := range code {
		if bytecode.IsBranch(ins.Op) {
			leader[ins.A] = true
		}
		if (bytecode.EndsBlock(ins.Op) || ins.Op == bytecode.OpBrIf) && pc+1 < n {
			leader[pc+1] = true
		}
	}

	// Per-block static cost, attributed to the block's leader.
	blockCost := make([]uint64, n)
	cur := 0
	for pc, ins := range code {
		if leader[pc] {
			cur = pc
		}
		blockCost[cur] += instructionCost(ins.Op, costs)
	}

	// First pass: positions of each original instruction in the
	// rewritten body, and of each leader's charge preamble.
	chargePos := make([]uint64, n)
	out := 0
	for pc, ins := range code {
		if leader[pc] {
			chargePos[pc] = uint64(out)
			out++ // block charge
		}
		if ins.Op == bytecode.OpHostCall {
			out++ // host call charge
		}
		out++
	}

	// Second pass: emit with branch targets remapped to preambles.
	rewritten := make([]bytecode.Instr, 0, out)
	for pc, ins := range code {
		if leader[pc] {
			rewritten = append(rewritten, bytecode.IA(bytecode.OpCharge, blockCost[pc]))
		}
		if ins.Op == bytecode.OpHostCall {
			id := hostImports[ins.A]
			rewritten = append(rewritten, bytecode.IA(bytecode.OpCharge, hostStaticCost(id, costs)))
		}
		if bytecode.IsBranch(ins.Op) {
			ins.A = chargePos[ins.A]
		}
		rewritten = append(rewritten, ins)
	}
	return rewritten
}
