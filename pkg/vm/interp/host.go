// Package interp executes instrumented contract bytecode under an
// energy meter. Execution is deterministic: given the same module,
// entry point, parameter, budget, and host responses, it always
// produces the same outcome and the same energy consumption.
package interp

import (
	"fmt"

	"github.com/chainforge/contester/internal/types"
)

// TrapKind classifies abnormal halts so callers can discriminate
// between them in assertions.
type TrapKind int

const (
	// TrapOutOfEnergy: the energy budget was exhausted.
	TrapOutOfEnergy TrapKind = iota

	// TrapMemoryViolation: an out-of-bounds linear memory access.
	TrapMemoryViolation

	// TrapArithmetic: division by zero or signed division overflow.
	TrapArithmetic

	// TrapReject: the contract signalled failure with a negative
	// return code.
	TrapReject

	// TrapRuntime: an engine-level fault (unreachable, stack overflow,
	// call depth, oversized host-call payloads).
	TrapRuntime

	// TrapChain: a chain-state failure surfaced by a host call
	// (insufficient funds, unknown instance or account).
	TrapChain
)

// String returns the trap kind name.
func (k TrapKind) String() string {
	switch k {
	case TrapOutOfEnergy:
		return "out of energy"
	case TrapMemoryViolation:
		return "memory violation"
	case TrapArithmetic:
		return "arithmetic fault"
	case TrapReject:
		return "rejected"
	case TrapRuntime:
		return "runtime fault"
	case TrapChain:
		return "chain failure"
	default:
		return "unknown trap"
	}
}

// Trap is the error type for all abnormal interpretation halts.
type Trap struct {
	Kind TrapKind

	// RejectReason is the contract's negative return code when Kind is
	// TrapReject.
	RejectReason int32

	// Err is the underlying cause, if any.
	Err error
}

// Error implements error.
func (t *Trap) Error() string {
	if t.Kind == TrapReject {
		return fmt.Sprintf("rejected with reason %d", t.RejectReason)
	}
	if t.Err != nil {
		return fmt.Sprintf("%s: %v", t.Kind, t.Err)
	}
	return t.Kind.String()
}

// Unwrap exposes the underlying cause.
func (t *Trap) Unwrap() error {
	return t.Err
}

// Host services host calls on behalf of the executing contract. The
// orchestrator supplies an implementation bound to the current
// invocation frame; all methods are synchronous and run on the
// invocation's call stack.
type Host interface {
	// StateRead returns the value under key in the current instance's
	// persisted state.
	StateRead(key []byte) ([]byte, bool)

	// StateWrite replaces the value under key.
	StateWrite(key, value []byte) error

	// StateDelete removes key, reporting whether it existed.
	StateDelete(key []byte) bool

	// SelfBalance returns the current instance's balance.
	SelfBalance() types.Amount

	// AccountBalance returns an account's balance.
	AccountBalance(addr types.AccountAddress) (types.Amount, error)

	// InstanceBalance returns another instance's balance.
	InstanceBalance(addr types.ContractAddress) (types.Amount, error)

	// Transfer moves amount from the current instance to an account.
	Transfer(to types.AccountAddress, amount types.Amount) error

	// Invoke performs a nested cross-contract call. ret carries the
	// callee's return data when ok is true; ok is false when the
	// callee failed in a way the caller may observe. A non-nil error
	// aborts the caller (energy exhaustion, engine faults).
	Invoke(target types.ContractAddress, entrypoint string, param []byte, amount types.Amount) (ret []byte, ok bool, err error)

	// Log emits a log record.
	Log(event []byte) error

	// SelfAddress returns the current instance's address.
	SelfAddress() types.ContractAddress

	// Sender returns the immediate sender of the current invocation.
	Sender() types.Address
}

// Payload limits for host calls.
const (
	// MaxStateKeyLen bounds persisted state keys.
	MaxStateKeyLen = 512

	// MaxStateValueLen bounds persisted state values.
	MaxStateValueLen = 16 * 1024

	// MaxLogLen bounds a single log record.
	MaxLogLen = 512

	// MaxReturnDataLen bounds an invocation's return value.
	MaxReturnDataLen = 16 * 1024

	// MaxParameterLen bounds the parameter of a nested invocation.
	MaxParameterLen = 65535
)
