// Package bytecode defines the contract bytecode format: a stack
// machine over untyped 64-bit values with structured sections for
// types, imports, functions, memory, and exports.
//
// Branch targets are absolute instruction indices within the enclosing
// function body. Internal calls reference the function index space;
// host calls reference the import index space. Linear memory is
// addressed in bytes and grows in 64 KiB pages.
package bytecode

// Control opcodes.
const (
	OpUnreachable = 0x00 // Trap unconditionally
	OpBr          = 0x01 // Unconditional branch, A = target index
	OpBrIf        = 0x02 // Branch if popped value != 0, A = target index
	OpReturn      = 0x03 // Return from function
	OpCall        = 0x04 // Internal call, A = function index
	OpHostCall    = 0x05 // Host call, A = import index
	OpCharge      = 0x06 // Consume A energy units (injected, not accepted in raw modules)
)

// Stack and local opcodes.
const (
	OpConst    = 0x10 // Push A
	OpDrop     = 0x11 // Pop and discard
	OpSelect   = 0x12 // Pop c, b, a; push a if c != 0 else b (PV2 and later)
	OpLocalGet = 0x13 // Push locals[A]
	OpLocalSet = 0x14 // locals[A] = pop
	OpLocalTee = 0x15 // locals[A] = top of stack, value stays
)

// 64-bit ALU opcodes.
const (
	OpAdd  = 0x20
	OpSub  = 0x21
	OpMul  = 0x22
	OpDivU = 0x23
	OpDivS = 0x24
	OpRemU = 0x25
	OpRemS = 0x26
	OpAnd  = 0x27
	OpOr   = 0x28
	OpXor  = 0x29
	OpShl  = 0x2a
	OpShrU = 0x2b
	OpShrS = 0x2c
)

// Comparison opcodes. All push 1 or 0.
const (
	OpEqz = 0x30 // Pop a; push a == 0
	OpEq  = 0x31
	OpNe  = 0x32
	OpLtU = 0x33
	OpLtS = 0x34
	OpGtU = 0x35
	OpGtS = 0x36
	OpLeU = 0x37
	OpLeS = 0x38
	OpGeU = 0x39
	OpGeS = 0x3a
)

// Memory opcodes. Loads pop an address and push the value; stores pop
// the value then the address. A is a constant byte offset added to the
// popped address.
const (
	OpLoad8U  = 0x40
	OpLoad16U = 0x41
	OpLoad32U = 0x42
	OpLoad64  = 0x43
	OpStore8  = 0x44
	OpStore16 = 0x45
	OpStore32 = 0x46
	OpStore64 = 0x47
	OpMemSize = 0x48 // Push current size in pages
	OpMemGrow = 0x49 // Pop page delta; push old size in pages, or MemGrowFailed
)

// MemGrowFailed is pushed by OpMemGrow when the request exceeds the
// declared maximum. Matches the Wasm convention of -1.
const MemGrowFailed = ^uint64(0)

// Instr is a decoded instruction.
type Instr struct {
	Op uint8
	A  uint64
}

// I builds an instruction with no operand.
func I(op uint8) Instr {
	return Instr{Op: op}
}

// IA builds an instruction with operand A.
func IA(op uint8, a uint64) Instr {
	return Instr{Op: op, A: a}
}

// Operand widths in the binary encoding.
const (
	operandNone = 0
	operand32   = 4
	operand64   = 8
)

// operandWidth returns the encoded operand size for an opcode, or -1
// for unknown opcodes.
func operandWidth(op uint8) int {
	switch op {
	case OpUnreachable, OpReturn, OpDrop, OpSelect,
		OpAdd, OpSub, OpMul, OpDivU, OpDivS, OpRemU, OpRemS,
		OpAnd, OpOr, OpXor, OpShl, OpShrU, OpShrS,
		OpEqz, OpEq, OpNe, OpLtU, OpLtS, OpGtU, OpGtS,
		OpLeU, OpLeS, OpGeU, OpGeS,
		OpMemSize, OpMemGrow:
		return operandNone
	case OpBr, OpBrIf, OpCall, OpHostCall, OpLocalGet, OpLocalSet, OpLocalTee,
		OpLoad8U, OpLoad16U, OpLoad32U, OpLoad64,
		OpStore8, OpStore16, OpStore32, OpStore64:
		return operand32
	case OpConst, OpCharge:
		return operand64
	default:
		return -1
	}
}

// IsBranch reports whether op transfers control within a function.
func IsBranch(op uint8) bool {
	return op == OpBr || op == OpBrIf
}

// EndsBlock reports whether op unconditionally ends a basic block.
func EndsBlock(op uint8) bool {
	switch op {
	case OpBr, OpReturn, OpUnreachable:
		return true
	}
	return false
}
