// Package runner orchestrates contract invocations: it validates and
// caches modules, opens a chain-state checkpoint per invocation level,
// drives the interpreter, services host calls (including recursive
// cross-contract calls), and commits or rolls back based on outcome.
package runner

import (
	"errors"
	"fmt"

	"github.com/chainforge/contester/internal/types"
	"github.com/chainforge/contester/pkg/chain"
	"github.com/chainforge/contester/pkg/schema"
	"github.com/chainforge/contester/pkg/vm"
	"github.com/chainforge/contester/pkg/vm/instrument"
	"github.com/chainforge/contester/pkg/vm/interp"
)

// MaxInvokeDepth bounds cross-contract recursion. Energy is the
// primary bound; this ceiling is a second net against cost tables that
// would allow deep cheap recursion.
const MaxInvokeDepth = 16

// Phase is the invocation state machine position. Each invocation
// node moves Pending -> Validating -> Executing -> Committing or
// RollingBack -> Done; validation failures skip straight to Done.
type Phase uint8

const (
	PhasePending Phase = iota
	PhaseValidating
	PhaseExecuting
	PhaseCommitting
	PhaseRollingBack
	PhaseDone
)

// String returns the phase name.
func (p Phase) String() string {
	switch p {
	case PhasePending:
		return "pending"
	case PhaseValidating:
		return "validating"
	case PhaseExecuting:
		return "executing"
	case PhaseCommitting:
		return "committing"
	case PhaseRollingBack:
		return "rolling back"
	case PhaseDone:
		return "done"
	default:
		return "invalid"
	}
}

// OutcomeKind classifies how an invocation node ended.
type OutcomeKind uint8

const (
	// OutcomeSuccess: the entry point returned a non-negative code.
	OutcomeSuccess OutcomeKind = iota

	// OutcomeModuleError: validation or entry point resolution failed
	// before any checkpoint was opened. No state changed.
	OutcomeModuleError

	// OutcomeOutOfEnergy: the energy budget was exhausted.
	OutcomeOutOfEnergy

	// OutcomeMemoryViolation: an out-of-bounds memory access.
	OutcomeMemoryViolation

	// OutcomeArithmeticFault: division by zero or signed overflow.
	OutcomeArithmeticFault

	// OutcomeReject: the contract signalled failure with a negative
	// return code, carried in RejectReason.
	OutcomeReject

	// OutcomeInsufficientFunds: a balance transfer exceeded the
	// sender's balance.
	OutcomeInsufficientFunds

	// OutcomeUnknownInstance: the target instance or a queried account
	// does not exist.
	OutcomeUnknownInstance

	// OutcomeRuntimeFault: an engine-level fault (unreachable, stack
	// overflow, recursion ceiling, oversized host payloads).
	OutcomeRuntimeFault
)

// String returns the outcome name.
func (k OutcomeKind) String() string {
	switch k {
	case OutcomeSuccess:
		return "success"
	case OutcomeModuleError:
		return "module error"
	case OutcomeOutOfEnergy:
		return "out of energy"
	case OutcomeMemoryViolation:
		return "memory violation"
	case OutcomeArithmeticFault:
		return "arithmetic fault"
	case OutcomeReject:
		return "rejected"
	case OutcomeInsufficientFunds:
		return "insufficient funds"
	case OutcomeUnknownInstance:
		return "unknown instance"
	case OutcomeRuntimeFault:
		return "runtime fault"
	default:
		return "invalid"
	}
}

// Success reports whether the outcome is a committed success.
func (k OutcomeKind) Success() bool { return k == OutcomeSuccess }

// Request describes one top-level invocation.
type Request struct {
	// Module selects deployment of a new instance of a previously
	// registered module. When set, Entrypoint must be an init name and
	// Target is ignored.
	Module types.ModuleRef

	// Target is the existing instance to invoke. Entrypoint must be a
	// receive name of that instance's contract.
	Target types.ContractAddress

	// Entrypoint is the full entry point name, "init_<contract>" or
	// "<contract>.<entrypoint>".
	Entrypoint string

	// Param is the raw parameter passed to the entry point.
	Param []byte

	// Amount is transferred from Invoker to the target instance before
	// execution; it is rolled back on failure.
	Amount types.Amount

	// Energy is the energy limit. Zero selects vm.EnergyDefault; the
	// limit is capped at vm.EnergyMax.
	Energy uint64

	// Invoker is the account initiating the invocation. It pays the
	// amount and owns a deployed instance.
	Invoker types.AccountAddress
}

// Result is one node of the invocation trace. Nested holds the
// results of cross-contract calls in the order they were made, kept
// even when this node ultimately fails so the caller can see where in
// the tree the failure occurred.
type Result struct {
	Phase        Phase
	Outcome      OutcomeKind
	RejectReason int32
	Err          error

	// Instance is the target instance, or the freshly deployed one on
	// a successful deployment.
	Instance   types.ContractAddress
	Entrypoint string

	ReturnValue []byte
	Logs        [][]byte
	EnergyUsed  uint64

	// ParamJSON and ReturnJSON are schema-rendered forms for display,
	// present only when a schema covers the entry point. ParamErr
	// records a parameter that did not decode under the schema; it
	// never blocks raw-byte invocation.
	ParamJSON  []byte
	ReturnJSON []byte
	ParamErr   error

	Nested []*Result
}

// Failed reports whether this node ended in any failure outcome.
func (r *Result) Failed() bool { return r.Phase == PhaseDone && !r.Outcome.Success() }

// Config configures a Runner.
type Config struct {
	// Version selects the cost table and host capability allowlist.
	Version vm.ProtocolVersion

	// Limits bounds module validation. Zero value means DefaultLimits.
	Limits vm.Limits
}

// Runner drives invocations against one chain state. A Runner owns
// its state and meter for the duration of each invocation tree and is
// not safe for concurrent use; run parallel invocation trees on
// separate Runners seeded from a common baseline.
type Runner struct {
	chain   *chain.State
	cache   *instrument.Cache
	version vm.ProtocolVersion
	limits  vm.Limits

	modules map[types.ModuleRef][]byte
	schemas map[types.ModuleRef]*schema.ModuleSchema
}

// New creates a runner over st.
func New(st *chain.State, cfg Config) *Runner {
	limits := cfg.Limits
	if limits == (vm.Limits{}) {
		limits = vm.DefaultLimits()
	}
	return &Runner{
		chain:   st,
		cache:   instrument.NewCache(),
		version: cfg.Version,
		limits:  limits,
		modules: make(map[types.ModuleRef][]byte),
		schemas: make(map[types.ModuleRef]*schema.ModuleSchema),
	}
}

// Chain exposes the underlying state for harness setup and assertions.
func (r *Runner) Chain() *chain.State { return r.chain }

// DeployModule validates raw and registers it for deployment,
// returning its module reference. A schema embedded in the module is
// parsed and kept for parameter display.
func (r *Runner) DeployModule(raw []byte) (types.ModuleRef, error) {
	inst, err := r.cache.Get(raw, r.version, r.limits)
	if err != nil {
		return types.ModuleRef{}, err
	}
	if len(inst.Schema) > 0 {
		sch, err := schema.Parse(inst.Schema)
		if err != nil {
			return types.ModuleRef{}, fmt.Errorf("embedded schema: %w", err)
		}
		r.schemas[inst.Ref] = sch
	}
	r.modules[inst.Ref] = append([]byte(nil), raw...)
	return inst.Ref, nil
}

// AttachSchema associates an externally supplied schema blob with a
// registered module, replacing any embedded one.
func (r *Runner) AttachSchema(ref types.ModuleRef, blob []byte) error {
	if _, ok := r.modules[ref]; !ok {
		return fmt.Errorf("module %s is not registered", ref)
	}
	sch, err := schema.Parse(blob)
	if err != nil {
		return err
	}
	r.schemas[ref] = sch
	return nil
}

// Invoke drives one top-level invocation through the state machine
// and returns its full trace. Failures are data on the result; Invoke
// itself never returns an error. Top-level invocations are
// independent: a failure rolls back only its own checkpoint and never
// disturbs state committed by earlier invocations.
func (r *Runner) Invoke(req Request) *Result {
	res := &Result{Phase: PhasePending, Entrypoint: req.Entrypoint}

	res.Phase = PhaseValidating
	deploy := req.Module != (types.ModuleRef{})

	var ref types.ModuleRef
	if deploy {
		if !types.IsInitName(req.Entrypoint) {
			return r.moduleError(res, fmt.Errorf("deployment entry point %q is not an init name", req.Entrypoint))
		}
		ref = req.Module
	} else {
		if !types.IsReceiveName(req.Entrypoint) {
			return r.moduleError(res, fmt.Errorf("entry point %q is not a receive name", req.Entrypoint))
		}
		in, err := r.chain.Instance(req.Target)
		if err != nil {
			res.Outcome = OutcomeUnknownInstance
			res.Err = err
			res.Phase = PhaseDone
			return res
		}
		ref = in.Module
		res.Instance = req.Target
	}

	inst, err := r.instrumented(ref)
	if err != nil {
		return r.moduleError(res, err)
	}
	if _, ok := inst.Module.ExportedFunc(req.Entrypoint); !ok {
		return r.moduleError(res, fmt.Errorf("module %s does not export %q", ref, req.Entrypoint))
	}

	r.renderParam(res, ref, req.Entrypoint, req.Param)

	limit := req.Energy
	if limit == 0 {
		limit = vm.EnergyDefault
	}
	if limit > vm.EnergyMax {
		limit = vm.EnergyMax
	}
	meter := vm.NewMeter(limit)

	sender := types.AddressAccount(req.Invoker)
	r.exec(res, inst, execTarget{deploy: deploy, addr: req.Target, owner: req.Invoker},
		sender, req.Param, req.Amount, meter, 0)

	if res.Outcome.Success() {
		r.renderReturn(res, ref, req.Entrypoint)
	}
	res.Phase = PhaseDone
	return res
}

// instrumented resolves a registered module ref to its instrumented
// form, re-instrumenting from raw bytes on cache miss.
func (r *Runner) instrumented(ref types.ModuleRef) (*instrument.Instrumented, error) {
	if inst, ok := r.cache.Lookup(ref, r.version); ok {
		return inst, nil
	}
	raw, ok := r.modules[ref]
	if !ok {
		return nil, fmt.Errorf("module %s is not registered", ref)
	}
	return r.cache.Get(raw, r.version, r.limits)
}

func (r *Runner) moduleError(res *Result, err error) *Result {
	res.Outcome = OutcomeModuleError
	res.Err = err
	res.Phase = PhaseDone
	return res
}

// execTarget identifies the instance an exec call acts on: either an
// existing address or a deployment that creates one.
type execTarget struct {
	deploy bool
	addr   types.ContractAddress
	owner  types.AccountAddress
}

// exec runs one invocation level: checkpoint, amount transfer,
// interpreter, then commit or rollback. The shared meter carries the
// energy ceiling down nested calls and returns unused energy to the
// caller when this level finishes.
func (r *Runner) exec(res *Result, inst *instrument.Instrumented, target execTarget,
	sender types.Address, param []byte, amount types.Amount, meter *vm.Meter, depth int) {

	res.Phase = PhaseExecuting
	before := meter.Consumed()
	cp := r.chain.Checkpoint()

	self := target.addr
	if target.deploy {
		contract := target.contractName(res.Entrypoint)
		self = r.chain.AddInstance(inst.Ref, contract, target.owner).Addr
	}
	res.Instance = self

	if amount > 0 {
		var err error
		if sender.IsContract() {
			err = r.chain.TransferBetweenInstances(*sender.Contract, self, amount)
		} else {
			err = r.chain.TransferToInstance(sender.Account, self, amount)
		}
		if err != nil {
			res.Phase = PhaseRollingBack
			r.chain.Rollback(cp)
			r.classify(res, err)
			res.EnergyUsed = meter.Consumed() - before
			return
		}
	}

	host := &invocationHost{r: r, res: res, meter: meter, self: self, sender: sender, depth: depth}
	ret, err := interp.Run(inst, res.Entrypoint, param, amount, meter, host)
	res.EnergyUsed = meter.Consumed() - before
	res.Logs = host.logs

	if err != nil {
		res.Phase = PhaseRollingBack
		r.chain.Rollback(cp)
		r.classify(res, err)
		return
	}

	res.Phase = PhaseCommitting
	r.chain.Commit(cp)
	res.Outcome = OutcomeSuccess
	res.ReturnValue = ret
}

// contractName recovers the contract name from an init entry point.
func (t execTarget) contractName(entrypoint string) string {
	return entrypoint[len(types.InitPrefix):]
}

// classify maps an interpreter or chain error onto the outcome
// taxonomy.
func (r *Runner) classify(res *Result, err error) {
	res.Err = err

	var trap *interp.Trap
	if errors.As(err, &trap) {
		switch trap.Kind {
		case interp.TrapOutOfEnergy:
			res.Outcome = OutcomeOutOfEnergy
		case interp.TrapMemoryViolation:
			res.Outcome = OutcomeMemoryViolation
		case interp.TrapArithmetic:
			res.Outcome = OutcomeArithmeticFault
		case interp.TrapReject:
			res.Outcome = OutcomeReject
			res.RejectReason = trap.RejectReason
		case interp.TrapChain:
			res.Outcome = chainOutcome(trap.Err)
		default:
			res.Outcome = OutcomeRuntimeFault
		}
		return
	}
	if errors.Is(err, vm.ErrOutOfEnergy) {
		res.Outcome = OutcomeOutOfEnergy
		return
	}
	if errors.Is(err, chain.ErrInsufficientFunds) ||
		errors.Is(err, chain.ErrUnknownInstance) ||
		errors.Is(err, chain.ErrUnknownAccount) {
		res.Outcome = chainOutcome(err)
		return
	}
	res.Outcome = OutcomeRuntimeFault
}

func chainOutcome(err error) OutcomeKind {
	switch {
	case errors.Is(err, chain.ErrInsufficientFunds):
		return OutcomeInsufficientFunds
	case errors.Is(err, chain.ErrUnknownInstance), errors.Is(err, chain.ErrUnknownAccount):
		return OutcomeUnknownInstance
	default:
		return OutcomeRuntimeFault
	}
}

// renderParam attaches a schema-decoded JSON view of the parameter
// when a schema covers the entry point. Decode errors are recorded,
// not fatal.
func (r *Runner) renderParam(res *Result, ref types.ModuleRef, entrypoint string, param []byte) {
	sch, ok := r.schemas[ref]
	if !ok {
		return
	}
	fs, err := sch.Entrypoint(entrypoint)
	if err != nil || fs.Params == nil {
		return
	}
	v, err := schema.Decode(fs.Params, param)
	if err != nil {
		res.ParamErr = err
		return
	}
	if js, err := schema.ToJSON(fs.Params, v); err == nil {
		res.ParamJSON = js
	}
}

// renderReturn attaches a schema-decoded JSON view of the return
// value on success.
func (r *Runner) renderReturn(res *Result, ref types.ModuleRef, entrypoint string) {
	sch, ok := r.schemas[ref]
	if !ok {
		return
	}
	fs, err := sch.Entrypoint(entrypoint)
	if err != nil || fs.Return == nil || len(res.ReturnValue) == 0 {
		return
	}
	v, err := schema.Decode(fs.Return, res.ReturnValue)
	if err != nil {
		return
	}
	if js, err := schema.ToJSON(fs.Return, v); err == nil {
		res.ReturnJSON = js
	}
}
