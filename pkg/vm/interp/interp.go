package interp

import (
	"errors"
	"fmt"
	"math"

	"github.com/chainforge/contester/internal/types"
	"github.com/chainforge/contester/pkg/vm"
	"github.com/chainforge/contester/pkg/vm/bytecode"
	"github.com/chainforge/contester/pkg/vm/instrument"
)

// Runtime limits.
const (
	// PageSize is the linear memory page size in bytes.
	PageSize = 65536

	// MaxCallDepth bounds internal function call nesting.
	MaxCallDepth = 64

	// MaxOperandStack bounds the operand stack in values.
	MaxOperandStack = 4096
)

// ErrNoSuchEntrypoint is returned when a module does not export the
// requested entry point.
var ErrNoSuchEntrypoint = errors.New("no such entry point")

// frame is one internal call frame.
type frame struct {
	code      []bytecode.Instr
	pc        int
	locals    []uint64
	results   uint8
	stackBase int
}

// interpreter holds the mutable execution state for one entry point
// run. It is created per Run call and never shared.
type interpreter struct {
	inst  *instrument.Instrumented
	mod   *bytecode.Module
	costs *vm.CostTable
	meter *vm.Meter
	host  Host

	param []byte
	mem   []byte
	pages uint32
	max   uint32

	stack  []uint64
	frames []frame

	invokeRet  []byte
	returnData []byte
}

// Run executes an exported entry point of an instrumented module. The
// amount is the transfer credited to the instance, made visible to the
// contract as its entry point argument. On success it returns the
// contract's return data; all failures are *Trap errors except
// ErrNoSuchEntrypoint.
func Run(inst *instrument.Instrumented, entrypoint string, param []byte, amount types.Amount, meter *vm.Meter, host Host) ([]byte, error) {
	fnIdx, ok := inst.Module.ExportedFunc(entrypoint)
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrNoSuchEntrypoint, entrypoint)
	}

	it := &interpreter{
		inst:  inst,
		mod:   inst.Module,
		costs: inst.Costs,
		meter: meter,
		host:  host,
		param: param,
	}
	if m := inst.Module.Memory; m != nil {
		it.pages = m.Initial
		it.max = m.Max
		it.mem = make([]byte, uint64(m.Initial)*PageSize)
	}

	fn := &it.mod.Functions[fnIdx]
	sig := it.mod.Types[fn.Type]
	locals := make([]uint64, uint64(sig.Params)+uint64(fn.NumLocals))
	locals[0] = uint64(amount)
	it.frames = append(it.frames, frame{
		code:    fn.Code,
		locals:  locals,
		results: sig.Results,
	})

	result, err := it.run()
	if err != nil {
		return nil, err
	}
	if code := int32(result); code < 0 {
		return nil, &Trap{Kind: TrapReject, RejectReason: code}
	}
	return it.returnData, nil
}

func (it *interpreter) trap(kind TrapKind, err error) *Trap {
	return &Trap{Kind: kind, Err: err}
}

func (it *interpreter) push(x uint64) error {
	if len(it.stack) >= MaxOperandStack {
		return it.trap(TrapRuntime, errors.New("operand stack overflow"))
	}
	it.stack = append(it.stack, x)
	return nil
}

func (it *interpreter) pop() (uint64, error) {
	f := &it.frames[len(it.frames)-1]
	if len(it.stack) <= f.stackBase {
		return 0, it.trap(TrapRuntime, errors.New("operand stack underflow"))
	}
	x := it.stack[len(it.stack)-1]
	it.stack = it.stack[:len(it.stack)-1]
	return x, nil
}

// run drives the dispatch loop until the outermost frame returns.
func (it *interpreter) run() (uint64, error) {
	for {
		f := &it.frames[len(it.frames)-1]
		if f.pc >= len(f.code) {
			// Fell off the end of the body: implicit return.
			result, err := it.doReturn()
			if err != nil {
				return 0, err
			}
			if len(it.frames) == 0 {
				return result, nil
			}
			continue
		}

		ins := f.code[f.pc]
		f.pc++

		switch ins.Op {
		case bytecode.OpCharge:
			if err := it.meter.Consume(ins.A); err != nil {
				return 0, it.trap(TrapOutOfEnergy, err)
			}

		case bytecode.OpUnreachable:
			return 0, it.trap(TrapRuntime, errors.New("unreachable executed"))

		case bytecode.OpBr:
			f.pc = int(ins.A)

		case bytecode.OpBrIf:
			c, err := it.pop()
			if err != nil {
				return 0, err
			}
			if c != 0 {
				f.pc = int(ins.A)
			}

		case bytecode.OpReturn:
			result, err := it.doReturn()
			if err != nil {
				return 0, err
			}
			if len(it.frames) == 0 {
				return result, nil
			}

		case bytecode.OpCall:
			if err := it.doCall(uint32(ins.A)); err != nil {
				return 0, err
			}

		case bytecode.OpHostCall:
			if err := it.hostCall(ins.A); err != nil {
				return 0, err
			}

		case bytecode.OpConst:
			if err := it.push(ins.A); err != nil {
				return 0, err
			}

		case bytecode.OpDrop:
			if _, err := it.pop(); err != nil {
				return 0, err
			}

		case bytecode.OpSelect:
			c, err := it.pop()
			if err != nil {
				return 0, err
			}
			b, err := it.pop()
			if err != nil {
				return 0, err
			}
			a, err := it.pop()
			if err != nil {
				return 0, err
			}
			if c == 0 {
				a = b
			}
			if err := it.push(a); err != nil {
				return 0, err
			}

		case bytecode.OpLocalGet:
			if err := it.push(f.locals[ins.A]); err != nil {
				return 0, err
			}

		case bytecode.OpLocalSet:
			v, err := it.pop()
			if err != nil {
				return 0, err
			}
			f.locals[ins.A] = v

		case bytecode.OpLocalTee:
			if len(it.stack) <= f.stackBase {
				return 0, it.trap(TrapRuntime, errors.New("operand stack underflow"))
			}
			f.locals[ins.A] = it.stack[len(it.stack)-1]

		default:
			if err := it.execALU(ins); err != nil {
				return 0, err
			}
		}
	}
}

// doReturn pops the current frame, carrying its result (if any) to the
// caller's stack. When the outermost frame returns, the result is the
// entry point's return code.
func (it *interpreter) doReturn() (uint64, error) {
	f := &it.frames[len(it.frames)-1]
	var result uint64
	if f.results == 1 {
		v, err := it.pop()
		if err != nil {
			return 0, err
		}
		result = v
	}
	it.stack = it.stack[:f.stackBase]
	it.frames = it.frames[:len(it.frames)-1]
	if len(it.frames) > 0 && f.results == 1 {
		if err := it.push(result); err != nil {
			return 0, err
		}
	}
	return result, nil
}

func (it *interpreter) doCall(fnIdx uint32) error {
	if len(it.frames) >= MaxCallDepth {
		return it.trap(TrapRuntime, errors.New("call depth exceeded"))
	}
	fn := &it.mod.Functions[fnIdx]
	sig := it.mod.Types[fn.Type]
	locals := make([]uint64, uint64(sig.Params)+uint64(fn.NumLocals))
	for i := int(sig.Params) - 1; i >= 0; i-- {
		v, err := it.pop()
		if err != nil {
			return err
		}
		locals[i] = v
	}
	it.frames = append(it.frames, frame{
		code:      fn.Code,
		locals:    locals,
		results:   sig.Results,
		stackBase: len(it.stack),
	})
	return nil
}

// execALU handles arithmetic, comparison, and memory instructions.
func (it *interpreter) execALU(ins bytecode.Instr) error {
	switch ins.Op {
	case bytecode.OpEqz:
		a, err := it.pop()
		if err != nil {
			return err
		}
		return it.push(bool01(a == 0))

	case bytecode.OpMemSize:
		return it.push(uint64(it.pages))

	case bytecode.OpMemGrow:
		return it.memGrow()

	case bytecode.OpLoad8U, bytecode.OpLoad16U, bytecode.OpLoad32U, bytecode.OpLoad64:
		return it.memLoad(ins)

	case bytecode.OpStore8, bytecode.OpStore16, bytecode.OpStore32, bytecode.OpStore64:
		return it.memStore(ins)
	}

	// Remaining ops are binary: pop b then a, compute a op b.
	b, err := it.pop()
	if err != nil {
		return err
	}
	a, err := it.pop()
	if err != nil {
		return err
	}

	var r uint64
	switch ins.Op {
	case bytecode.OpAdd:
		r = a + b
	case bytecode.OpSub:
		r = a - b
	case bytecode.OpMul:
		r = a * b
	case bytecode.OpDivU:
		if b == 0 {
			return it.trap(TrapArithmetic, errors.New("division by zero"))
		}
		r = a / b
	case bytecode.OpDivS:
		if b == 0 {
			return it.trap(TrapArithmetic, errors.New("division by zero"))
		}
		if int64(a) == math.MinInt64 && int64(b) == -1 {
			return it.trap(TrapArithmetic, errors.New("signed division overflow"))
		}
		r = uint64(int64(a) / int64(b))
	case bytecode.OpRemU:
		if b == 0 {
			return it.trap(TrapArithmetic, errors.New("division by zero"))
		}
		r = a % b
	case bytecode.OpRemS:
		if b == 0 {
			return it.trap(TrapArithmetic, errors.New("division by zero"))
		}
		if int64(a) == math.MinInt64 && int64(b) == -1 {
			r = 0
		} else {
			r = uint64(int64(a) % int64(b))
		}
	case bytecode.OpAnd:
		r = a & b
	case bytecode.OpOr:
		r = a | b
	case bytecode.OpXor:
		r = a ^ b
	case bytecode.OpShl:
		r = a << (b & 63)
	case bytecode.OpShrU:
		r = a >> (b & 63)
	case bytecode.OpShrS:
		r = uint64(int64(a) >> (b & 63))
	case bytecode.OpEq:
		r = bool01(a == b)
	case bytecode.OpNe:
		r = bool01(a != b)
	case bytecode.OpLtU:
		r = bool01(a < b)
	case bytecode.OpLtS:
		r = bool01(int64(a) < int64(b))
	case bytecode.OpGtU:
		r = bool01(a > b)
	case bytecode.OpGtS:
		r = bool01(int64(a) > int64(b))
	case bytecode.OpLeU:
		r = bool01(a <= b)
	case bytecode.OpLeS:
		r = bool01(int64(a) <= int64(b))
	case bytecode.OpGeU:
		r = bool01(a >= b)
	case bytecode.OpGeS:
		r = bool01(int64(a) >= int64(b))
	default:
		return it.trap(TrapRuntime, fmt.Errorf("invalid opcode 0x%02x", ins.Op))
	}
	return it.push(r)
}

func bool01(b bool) uint64 {
	if b {
		return 1
	}
	return 0
}
