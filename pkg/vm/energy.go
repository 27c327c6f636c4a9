// Package vm defines the protocol-level execution parameters of the
// contract engine: protocol versions, per-operation energy cost tables,
// module limits, and the energy meter charged during interpretation.
//
// Cost figures are versioned and injectable: a CostTable is selected by
// protocol version at instrumentation time and baked into the
// instrumented module, so interpretation never re-derives costs and
// identical modules always charge identically.
package vm

import (
	"errors"
	"fmt"
)

// ProtocolVersion selects a cost table and capability allowlist.
type ProtocolVersion uint8

// Supported protocol versions.
const (
	PV1 ProtocolVersion = 1
	PV2 ProtocolVersion = 2
)

// Energy limits.
const (
	// EnergyDefault is the default energy limit per invocation.
	EnergyDefault = uint64(1_000_000)

	// EnergyMax is the maximum energy limit accepted for an invocation.
	EnergyMax = uint64(100_000_000)
)

var (
	// ErrOutOfEnergy is returned when the energy budget is exhausted.
	ErrOutOfEnergy = errors.New("out of energy")

	// ErrUnknownProtocolVersion is returned for versions without a cost table.
	ErrUnknownProtocolVersion = errors.New("unknown protocol version")
)

// CostTable holds the per-operation energy costs for one protocol
// version. All costs are in abstract energy units.
type CostTable struct {
	// Version is the protocol version this table belongs to.
	Version ProtocolVersion

	// Base is the cost of a plain stack or ALU operation.
	Base uint64

	// Mul is the cost of multiplication.
	Mul uint64

	// Div is the cost of division and remainder.
	Div uint64

	// MemLoad is the cost of a linear-memory load.
	MemLoad uint64

	// MemStore is the cost of a linear-memory store.
	MemStore uint64

	// Branch is the cost of a branch instruction.
	Branch uint64

	// Call is the cost of an internal function call.
	Call uint64

	// MemGrowPage is the cost of growing linear memory by one page.
	MemGrowPage uint64

	// HostBase is the base cost of any host call.
	HostBase uint64

	// HostPerByte is the per-byte cost of host calls that copy data
	// (state reads/writes, parameter reads, logs, return data).
	HostPerByte uint64

	// HostStateWrite is the additional flat cost of a state mutation.
	HostStateWrite uint64

	// HostTransfer is the additional flat cost of a balance transfer.
	HostTransfer uint64

	// HostInvoke is the additional flat cost of a cross-contract call.
	HostInvoke uint64

	// HostLog is the additional flat cost of emitting a log record.
	HostLog uint64
}

// costTableV1 is the PV1 cost schedule.
var costTableV1 = CostTable{
	Version:        PV1,
	Base:           1,
	Mul:            4,
	Div:            12,
	MemLoad:        3,
	MemStore:       3,
	Branch:         2,
	Call:           10,
	MemGrowPage:    512,
	HostBase:       40,
	HostPerByte:    1,
	HostStateWrite: 100,
	HostTransfer:   120,
	HostInvoke:     500,
	HostLog:        30,
}

// costTableV2 is the PV2 cost schedule. PV2 lowers host-call overheads
// and raises memory growth to discourage large heaps.
var costTableV2 = CostTable{
	Version:        PV2,
	Base:           1,
	Mul:            4,
	Div:            10,
	MemLoad:        2,
	MemStore:       2,
	Branch:         2,
	Call:           8,
	MemGrowPage:    1024,
	HostBase:       20,
	HostPerByte:    1,
	HostStateWrite: 80,
	HostTransfer:   100,
	HostInvoke:     400,
	HostLog:        20,
}

// CostTableFor returns the cost table for a protocol version.
func CostTableFor(pv ProtocolVersion) (*CostTable, error) {
	switch pv {
	case PV1:
		t := costTableV1
		return &t, nil
	case PV2:
		t := costTableV2
		return &t, nil
	default:
		return nil, fmt.Errorf("%w: %d", ErrUnknownProtocolVersion, pv)
	}
}

// Limits bounds the resources a module may declare.
type Limits struct {
	// MaxModuleSize is the maximum raw module size in bytes.
	MaxModuleSize int

	// MaxMemoryPages is the maximum linear memory size in 64 KiB pages.
	MaxMemoryPages uint32

	// MaxFunctions is the maximum number of functions in a module.
	MaxFunctions int

	// MaxFunctionSize is the maximum number of instructions per function.
	MaxFunctionSize int

	// MaxLocals is the maximum number of locals per function.
	MaxLocals int

	// MaxExports is the maximum number of exported entry points.
	MaxExports int
}

// DefaultLimits returns the protocol default module limits.
func DefaultLimits() Limits {
	return Limits{
		MaxModuleSize:   1 << 20, // 1 MiB
		MaxMemoryPages:  32,
		MaxFunctions:    1024,
		MaxFunctionSize: 65536,
		MaxLocals:       256,
		MaxExports:      256,
	}
}

// Meter tracks energy consumption for a single in-flight invocation
// tree. It is owned by exactly one invocation and must not be shared
// across concurrent invocations.
type Meter struct {
	remaining uint64
	consumed  uint64
	limit     uint64
}

// NewMeter creates a meter with the given energy limit.
func NewMeter(limit uint64) *Meter {
	if limit > EnergyMax {
		limit = EnergyMax
	}
	return &Meter{
		remaining: limit,
		limit:     limit,
	}
}

// Consume attempts to consume cost units. If the remaining budget is
// insufficient it drains the meter and returns ErrOutOfEnergy; the
// shortfall is still accounted as consumed so that reported totals
// equal the limit on exhaustion.
func (m *Meter) Consume(cost uint64) error {
	if m.remaining < cost {
		m.consumed += m.remaining
		m.remaining = 0
		return ErrOutOfEnergy
	}
	m.remaining -= cost
	m.consumed += cost
	return nil
}

// Remaining returns the remaining energy.
func (m *Meter) Remaining() uint64 {
	return m.remaining
}

// Consumed returns the total consumed energy.
func (m *Meter) Consumed() uint64 {
	return m.consumed
}

// Limit returns the energy limit.
func (m *Meter) Limit() uint64 {
	return m.limit
}

// IsExhausted returns true if no energy remains.
func (m *Meter) IsExhausted() bool {
	return m.remaining == 0
}
