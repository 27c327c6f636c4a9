// Package hostfn enumerates the host functions contract bytecode may
// import. The set is closed and auditable: every import in a module is
// resolved against this enumeration at instrumentation time, and the
// interpreter dispatches through a single switch on the resolved id.
//
// All host functions live in the "env" import module. Arguments are
// taken from the operand stack (first pushed is the first argument);
// functions with a result push exactly one value.
package hostfn

import (
	"errors"
	"fmt"

	"github.com/chainforge/contester/pkg/vm"
)

// ID identifies a host function.
type ID uint8

// The host function set.
const (
	// ParamSize pushes the byte length of the invocation parameter.
	ParamSize ID = iota

	// ParamRead(dstPtr, offset, length) copies parameter bytes into
	// linear memory and pushes the number of bytes copied.
	ParamRead

	// StateRead(keyPtr, keyLen, dstPtr, dstLen) copies the value under
	// the key into linear memory and pushes the full value length, or
	// MissingValue if the key is absent.
	StateRead

	// StateWrite(keyPtr, keyLen, valPtr, valLen) replaces the value
	// under the key.
	StateWrite

	// StateDelete(keyPtr, keyLen) removes the key and pushes 1 if it
	// existed, 0 otherwise.
	StateDelete

	// SelfBalance pushes the invoked instance's current balance.
	SelfBalance

	// AccountBalance(addrPtr) pushes the balance of the 32-byte account
	// address at addrPtr.
	AccountBalance

	// Transfer(addrPtr, amount) transfers amount from the instance to
	// the account at addrPtr.
	Transfer

	// Invoke(index, subindex, namePtr, nameLen, paramPtr, paramLen,
	// amount) performs a cross-contract call and pushes 0 on success,
	// 1 if the callee failed.
	Invoke

	// InvokeRetSize pushes the byte length of the last callee's return
	// data.
	InvokeRetSize

	// InvokeRetRead(dstPtr, offset, length) copies the last callee's
	// return data into linear memory and pushes the bytes copied.
	InvokeRetRead

	// Log(ptr, length) emits a log record.
	Log

	// ReturnData(ptr, length) sets the invocation's return value.
	ReturnData

	// SelfAddress(dstPtr) writes the invoked instance's 16-byte
	// contract address to linear memory.
	SelfAddress

	// Sender(dstPtr) writes the immediate sender to linear memory as a
	// tag byte (0 account, 1 contract) followed by 32 address bytes
	// (contract addresses are zero-padded), and pushes the tag.
	Sender

	// InstanceBalance(index, subindex) pushes the balance of another
	// contract instance. Available from PV2.
	InstanceBalance

	numHostFns
)

// MissingValue is pushed by StateRead for absent keys.
const MissingValue = ^uint64(0)

// ImportModule is the import module name for all host functions.
const ImportModule = "env"

// ErrUnknownImport is returned when an import does not resolve to a
// host function available in the target protocol version.
var ErrUnknownImport = errors.New("unknown host import")

// Sig describes a host function's stack signature.
type Sig struct {
	Args    uint8
	Results uint8
}

type entry struct {
	name  string
	sig   Sig
	since vm.ProtocolVersion
}

var table = [numHostFns]entry{
	ParamSize:       {"param_size", Sig{0, 1}, vm.PV1},
	ParamRead:       {"param_read", Sig{3, 1}, vm.PV1},
	StateRead:       {"state_read", Sig{4, 1}, vm.PV1},
	StateWrite:      {"state_write", Sig{4, 0}, vm.PV1},
	StateDelete:     {"state_delete", Sig{2, 1}, vm.PV1},
	SelfBalance:     {"self_balance", Sig{0, 1}, vm.PV1},
	AccountBalance:  {"account_balance", Sig{1, 1}, vm.PV1},
	Transfer:        {"transfer", Sig{2, 0}, vm.PV1},
	Invoke:          {"invoke", Sig{7, 1}, vm.PV1},
	InvokeRetSize:   {"invoke_ret_size", Sig{0, 1}, vm.PV1},
	InvokeRetRead:   {"invoke_ret_read", Sig{3, 1}, vm.PV1},
	Log:             {"log_event", Sig{2, 0}, vm.PV1},
	ReturnData:      {"return_data", Sig{2, 0}, vm.PV1},
	SelfAddress:     {"self_address", Sig{1, 0}, vm.PV1},
	Sender:          {"sender", Sig{1, 1}, vm.PV1},
	InstanceBalance: {"instance_balance", Sig{2, 1}, vm.PV2},
}

// Name returns the import name of a host function.
func (id ID) Name() string {
	return table[id].name
}

// Signature returns the stack signature of a host function.
func (id ID) Signature() Sig {
	return table[id].sig
}

// AllowedIn reports whether the host function is available in the
// given protocol version.
func (id ID) AllowedIn(pv vm.ProtocolVersion) bool {
	return pv >= table[id].since
}

// Resolve maps an import (module, name) to a host function id,
// checking availability in the target protocol version.
func Resolve(module, name string, pv vm.ProtocolVersion) (ID, error) {
	if module != ImportModule {
		return 0, fmt.Errorf("%w: module %q", ErrUnknownImport, module)
	}
	for id := ID(0); id < numHostFns; id++ {
		if table[id].name != name {
			continue
		}
		if !id.AllowedIn(pv) {
			return 0, fmt.Errorf("%w: %q requires protocol version %d", ErrUnknownImport, name, table[id].since)
		}
		return id, nil
	}
	return 0, fmt.Errorf("%w: %q", ErrUnknownImport, name)
}
