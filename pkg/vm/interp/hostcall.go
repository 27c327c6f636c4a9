package interp

import (
	"errors"
	"fmt"

	"github.com/chainforge/contester/internal/types"
	"github.com/chainforge/contester/pkg/vm/hostfn"
)

// hostCall dispatches a resolved host function. The flat cost was
// charged by the injected preamble; size-dependent components are
// charged here from the same table before any effect takes place.
func (it *interpreter) hostCall(importIdx uint64) error {
	id := it.inst.HostImports[importIdx]
	sig := id.Signature()

	args := make([]uint64, sig.Args)
	for i := int(sig.Args) - 1; i >= 0; i-- {
		v, err := it.pop()
		if err != nil {
			return err
		}
		args[i] = v
	}

	switch id {
	case hostfn.ParamSize:
		return it.push(uint64(len(it.param)))

	case hostfn.ParamRead:
		return it.copyOut(it.param, args[0], args[1], args[2])

	case hostfn.StateRead:
		keyPtr, keyLen, dstPtr, dstLen := args[0], args[1], args[2], args[3]
		if keyLen > MaxStateKeyLen {
			return it.trap(TrapRuntime, fmt.Errorf("state key length %d above %d", keyLen, MaxStateKeyLen))
		}
		if err := it.chargePerByte(keyLen + dstLen); err != nil {
			return err
		}
		key, err := it.memRange(keyPtr, keyLen)
		if err != nil {
			return err
		}
		dst, err := it.memRange(dstPtr, dstLen)
		if err != nil {
			return err
		}
		val, ok := it.host.StateRead(key)
		if !ok {
			return it.push(hostfn.MissingValue)
		}
		copy(dst, val)
		return it.push(uint64(len(val)))

	case hostfn.StateWrite:
		keyPtr, keyLen, valPtr, valLen := args[0], args[1], args[2], args[3]
		if keyLen > MaxStateKeyLen {
			return it.trap(TrapRuntime, fmt.Errorf("state key length %d above %d", keyLen, MaxStateKeyLen))
		}
		if valLen > MaxStateValueLen {
			return it.trap(TrapRuntime, fmt.Errorf("state value length %d above %d", valLen, MaxStateValueLen))
		}
		if err := it.chargePerByte(keyLen + valLen); err != nil {
			return err
		}
		key, err := it.memCopy(keyPtr, keyLen)
		if err != nil {
			return err
		}
		val, err := it.memCopy(valPtr, valLen)
		if err != nil {
			return err
		}
		if err := it.host.StateWrite(key, val); err != nil {
			return it.trap(TrapChain, err)
		}
		return nil

	case hostfn.StateDelete:
		keyPtr, keyLen := args[0], args[1]
		if keyLen > MaxStateKeyLen {
			return it.trap(TrapRuntime, fmt.Errorf("state key length %d above %d", keyLen, MaxStateKeyLen))
		}
		if err := it.chargePerByte(keyLen); err != nil {
			return err
		}
		key, err := it.memRange(keyPtr, keyLen)
		if err != nil {
			return err
		}
		return it.push(bool01(it.host.StateDelete(key)))

	case hostfn.SelfBalance:
		return it.push(uint64(it.host.SelfBalance()))

	case hostfn.AccountBalance:
		addr, err := it.readAccountAddress(args[0])
		if err != nil {
			return err
		}
		bal, err := it.host.AccountBalance(addr)
		if err != nil {
			return it.trap(TrapChain, err)
		}
		return it.push(uint64(bal))

	case hostfn.InstanceBalance:
		target := types.ContractAddress{Index: args[0], Subindex: args[1]}
		bal, err := it.host.InstanceBalance(target)
		if err != nil {
			return it.trap(TrapChain, err)
		}
		return it.push(uint64(bal))

	case hostfn.Transfer:
		addr, err := it.readAccountAddress(args[0])
		if err != nil {
			return err
		}
		if err := it.host.Transfer(addr, types.Amount(args[1])); err != nil {
			return it.trap(TrapChain, err)
		}
		return nil

	case hostfn.Invoke:
		return it.invoke(args)

	case hostfn.InvokeRetSize:
		return it.push(uint64(len(it.invokeRet)))

	case hostfn.InvokeRetRead:
		return it.copyOut(it.invokeRet, args[0], args[1], args[2])

	case hostfn.Log:
		ptr, length := args[0], args[1]
		if length > MaxLogLen {
			return it.trap(TrapRuntime, fmt.Errorf("log length %d above %d", length, MaxLogLen))
		}
		if err := it.chargePerByte(length); err != nil {
			return err
		}
		event, err := it.memCopy(ptr, length)
		if err != nil {
			return err
		}
		if err := it.host.Log(event); err != nil {
			return it.trap(TrapRuntime, err)
		}
		return nil

	case hostfn.ReturnData:
		ptr, length := args[0], args[1]
		if length > MaxReturnDataLen {
			return it.trap(TrapRuntime, fmt.Errorf("return data length %d above %d", length, MaxReturnDataLen))
		}
		if err := it.chargePerByte(length); err != nil {
			return err
		}
		data, err := it.memCopy(ptr, length)
		if err != nil {
			return err
		}
		it.returnData = data
		return nil

	case hostfn.SelfAddress:
		dst, err := it.memRange(args[0], 16)
		if err != nil {
			return err
		}
		copy(dst, types.SerializeContractAddress(it.host.SelfAddress()))
		return nil

	case hostfn.Sender:
		dst, err := it.memRange(args[0], 33)
		if err != nil {
			return err
		}
		sender := it.host.Sender()
		var tag uint64
		if sender.IsContract() {
			tag = 1
			copy(dst[1:17], types.SerializeContractAddress(*sender.Contract))
			for i := 17; i < 33; i++ {
				dst[i] = 0
			}
		} else {
			copy(dst[1:33], sender.Account[:])
		}
		dst[0] = uint8(tag)
		return it.push(tag)

	default:
		return it.trap(TrapRuntime, fmt.Errorf("unresolved host function %d", id))
	}
}

// invoke services a cross-contract call through the host, which
// recurses into the orchestrator before control returns here.
func (it *interpreter) invoke(args []uint64) error {
	target := types.ContractAddress{Index: args[0], Subindex: args[1]}
	namePtr, nameLen := args[2], args[3]
	paramPtr, paramLen := args[4], args[5]
	amount := types.Amount(args[6])

	if nameLen > types.MaxEntrypointLen {
		return it.trap(TrapRuntime, fmt.Errorf("entry point name length %d above %d", nameLen, types.MaxEntrypointLen))
	}
	if paramLen > MaxParameterLen {
		return it.trap(TrapRuntime, fmt.Errorf("parameter length %d above %d", paramLen, MaxParameterLen))
	}
	if err := it.chargePerByte(paramLen); err != nil {
		return err
	}

	name, err := it.memCopy(namePtr, nameLen)
	if err != nil {
		return err
	}
	param, err := it.memCopy(paramPtr, paramLen)
	if err != nil {
		return err
	}

	ret, ok, err := it.host.Invoke(target, string(name), param, amount)
	if err != nil {
		// Energy exhaustion and engine faults in the callee abort the
		// caller; traps keep their kind.
		var trap *Trap
		if errors.As(err, &trap) {
			return trap
		}
		return it.trap(TrapRuntime, err)
	}
	if !ok {
		it.invokeRet = nil
		return it.push(1)
	}
	it.invokeRet = ret
	return it.push(0)
}

// chargePerByte consumes the per-byte host-call cost for n bytes.
func (it *interpreter) chargePerByte(n uint64) error {
	if err := it.meter.Consume(n * it.costs.HostPerByte); err != nil {
		return it.trap(TrapOutOfEnergy, err)
	}
	return nil
}

// copyOut copies src[offset:offset+length] into linear memory at dst
// and pushes the number of bytes copied.
func (it *interpreter) copyOut(src []byte, dst, offset, length uint64) error {
	if err := it.chargePerByte(length); err != nil {
		return err
	}
	mem, err := it.memRange(dst, length)
	if err != nil {
		return err
	}
	var copied int
	if offset < uint64(len(src)) {
		copied = copy(mem, src[offset:])
	}
	return it.push(uint64(copied))
}

// memCopy reads a detached copy of a linear memory range, so host
// state never aliases contract memory.
func (it *interpreter) memCopy(addr, size uint64) ([]byte, error) {
	mem, err := it.memRange(addr, size)
	if err != nil {
		return nil, err
	}
	out := make([]byte, size)
	copy(out, mem)
	return out, nil
}

func (it *interpreter) readAccountAddress(ptr uint64) (types.AccountAddress, error) {
	mem, err := it.memRange(ptr, types.AccountAddressSize)
	if err != nil {
		return types.AccountAddress{}, err
	}
	var addr types.AccountAddress
	copy(addr[:], mem)
	return addr, nil
}
