package interp

import (
	"encoding/binary"
	"fmt"

	"github.com/chainforge/contester/pkg/vm/bytecode"
)

// memRange bounds-checks a linear memory access and returns the
// backing slice. All out-of-range accesses trap with TrapMemoryViolation.
func (it *interpreter) memRange(addr, size uint64) ([]byte, error) {
	if size > 0 && addr > ^uint64(0)-size {
		return nil, it.trap(TrapMemoryViolation, fmt.Errorf("address overflow at 0x%x (size %d)", addr, size))
	}
	end := addr + size
	if end > uint64(len(it.mem)) {
		return nil, it.trap(TrapMemoryViolation, fmt.Errorf("access at 0x%x (size %d, memory %d)", addr, size, len(it.mem)))
	}
	return it.mem[addr:end], nil
}

// memLoad pops an address, adds the instruction's constant offset, and
// pushes the zero-extended value.
func (it *interpreter) memLoad(ins bytecode.Instr) error {
	addr, err := it.pop()
	if err != nil {
		return err
	}
	if addr > ^uint64(0)-ins.A {
		return it.trap(TrapMemoryViolation, fmt.Errorf("address overflow at 0x%x+%d", addr, ins.A))
	}
	var size uint64
	switch ins.Op {
	case bytecode.OpLoad8U:
		size = 1
	case bytecode.OpLoad16U:
		size = 2
	case bytecode.OpLoad32U:
		size = 4
	case bytecode.OpLoad64:
		size = 8
	}
	mem, err := it.memRange(addr+ins.A, size)
	if err != nil {
		return err
	}
	var v uint64
	switch size {
	case 1:
		v = uint64(mem[0])
	case 2:
		v = uint64(binary.LittleEndian.Uint16(mem))
	case 4:
		v = uint64(binary.LittleEndian.Uint32(mem))
	case 8:
		v = binary.LittleEndian.Uint64(mem)
	}
	return it.push(v)
}

// memStore pops a value then an address and writes the value's low
// bytes at address plus the instruction's constant offset.
func (it *interpreter) memStore(ins bytecode.Instr) error {
	val, err := it.pop()
	if err != nil {
		return err
	}
	addr, err := it.pop()
	if err != nil {
		return err
	}
	if addr > ^uint64(0)-ins.A {
		return it.trap(TrapMemoryViolation, fmt.Errorf("address overflow at 0x%x+%d", addr, ins.A))
	}
	var size uint64
	switch ins.Op {
	case bytecode.OpStore8:
		size = 1
	case bytecode.OpStore16:
		size = 2
	case bytecode.OpStore32:
		size = 4
	case bytecode.OpStore64:
		size = 8
	}
	mem, err := it.memRange(addr+ins.A, size)
	if err != nil {
		return err
	}
	switch size {
	case 1:
		mem[0] = uint8(val)
	case 2:
		binary.LittleEndian.PutUint16(mem, uint16(val))
	case 4:
		binary.LittleEndian.PutUint32(mem, uint32(val))
	case 8:
		binary.LittleEndian.PutUint64(mem, val)
	}
	return nil
}

// memGrow pops a page delta and grows linear memory, charging per page
// from the cost table. Pushes the old page count, or MemGrowFailed if
// the declared maximum would be exceeded.
func (it *interpreter) memGrow() error {
	delta, err := it.pop()
	if err != nil {
		return err
	}
	old := uint64(it.pages)
	if delta == 0 {
		return it.push(old)
	}
	if delta > uint64(it.max) || old+delta > uint64(it.max) {
		return it.push(bytecode.MemGrowFailed)
	}
	if err := it.meter.Consume(delta * it.costs.MemGrowPage); err != nil {
		return it.trap(TrapOutOfEnergy, err)
	}
	grown := make([]byte, (old+delta)*PageSize)
	copy(grown, it.mem)
	it.mem = grown
	it.pages = uint32(old + delta)
	return it.push(old)
}
