package runner

import (
	"fmt"

	"github.com/chainforge/contester/internal/types"
	"github.com/chainforge/contester/pkg/vm"
	"github.com/chainforge/contester/pkg/vm/interp"
)

// invocationHost services host calls for one invocation level,
// bridging the interpreter to chain state and re-entering the runner
// for cross-contract calls. One host exists per level; each nested
// call gets its own.
type invocationHost struct {
	r      *Runner
	res    *Result
	meter  *vm.Meter
	self   types.ContractAddress
	sender types.Address
	depth  int

	logs [][]byte
}

func (h *invocationHost) StateRead(key []byte) ([]byte, bool) {
	return h.r.chain.StateRead(h.self, key)
}

func (h *invocationHost) StateWrite(key, value []byte) error {
	return h.r.chain.StateWrite(h.self, key, value)
}

func (h *invocationHost) StateDelete(key []byte) bool {
	return h.r.chain.StateDelete(h.self, key)
}

func (h *invocationHost) SelfBalance() types.Amount {
	bal, err := h.r.chain.InstanceBalance(h.self)
	if err != nil {
		// The executing instance always exists under its own checkpoint.
		panic(fmt.Sprintf("runner: executing instance %s missing: %v", h.self, err))
	}
	return bal
}

func (h *invocationHost) AccountBalance(addr types.AccountAddress) (types.Amount, error) {
	return h.r.chain.AccountBalance(addr)
}

func (h *invocationHost) InstanceBalance(addr types.ContractAddress) (types.Amount, error) {
	return h.r.chain.InstanceBalance(addr)
}

func (h *invocationHost) Transfer(to types.AccountAddress, amount types.Amount) error {
	return h.r.chain.TransferToAccount(h.self, to, amount)
}

func (h *invocationHost) Log(event []byte) error {
	h.logs = append(h.logs, append([]byte(nil), event...))
	return nil
}

func (h *invocationHost) SelfAddress() types.ContractAddress {
	return h.self
}

func (h *invocationHost) Sender() types.Address {
	return h.sender
}

// Invoke re-enters the runner for a nested cross-contract call. The
// callee runs under its own checkpoint against the shared meter, so
// its ceiling is the caller's remaining energy and anything it leaves
// unconsumed stays with the caller. The child result is appended to
// the trace before execution so it survives an outer failure.
//
// Callee failures the caller may observe (reject, chain errors) come
// back as ok=false with a nil error. Energy exhaustion and engine
// faults return an error, which traps the caller as well.
func (h *invocationHost) Invoke(target types.ContractAddress, entrypoint string, param []byte, amount types.Amount) ([]byte, bool, error) {
	child := &Result{Phase: PhaseValidating, Entrypoint: entrypoint, Instance: target}
	h.res.Nested = append(h.res.Nested, child)

	if h.depth+1 > MaxInvokeDepth {
		err := fmt.Errorf("cross-contract recursion exceeds depth %d", MaxInvokeDepth)
		child.Outcome = OutcomeRuntimeFault
		child.Err = err
		child.Phase = PhaseDone
		return nil, false, &interp.Trap{Kind: interp.TrapRuntime, Err: err}
	}

	fail := func(kind OutcomeKind, err error) ([]byte, bool, error) {
		child.Outcome = kind
		child.Err = err
		child.Phase = PhaseDone
		return nil, false, nil
	}

	if !types.IsReceiveName(entrypoint) {
		return fail(OutcomeModuleError, fmt.Errorf("entry point %q is not a receive name", entrypoint))
	}
	in, err := h.r.chain.Instance(target)
	if err != nil {
		return fail(OutcomeUnknownInstance, err)
	}
	inst, err := h.r.instrumented(in.Module)
	if err != nil {
		return fail(OutcomeModuleError, err)
	}
	if _, ok := inst.Module.ExportedFunc(entrypoint); !ok {
		return fail(OutcomeModuleError, fmt.Errorf("module %s does not export %q", in.Module, entrypoint))
	}

	h.r.exec(child, inst, execTarget{addr: target},
		types.AddressContract(h.self), param, amount, h.meter, h.depth+1)
	child.Phase = PhaseDone

	switch child.Outcome {
	case OutcomeSuccess:
		return child.ReturnValue, true, nil
	case OutcomeOutOfEnergy:
		// The shared meter is drained; the caller cannot continue.
		return nil, false, &interp.Trap{Kind: interp.TrapOutOfEnergy, Err: child.Err}
	default:
		return nil, false, nil
	}
}
