// Package chain implements the simulated chain state the contract
// engine executes against: accounts with balances, contract instances
// with persisted key-value state, and a strict-LIFO checkpoint stack
// with copy-on-checkpoint snapshots.
//
// A State is owned by a single invocation tree. Independent top-level
// invocations running in parallel must each use their own State cloned
// from a common baseline; checkpoints are never shared across stacks.
package chain

import (
	"errors"
	"fmt"
	"sort"

	"github.com/chainforge/contester/internal/types"
)

var (
	// ErrUnknownAccount is returned when an account does not exist.
	ErrUnknownAccount = errors.New("unknown account")

	// ErrUnknownInstance is returned when a contract instance does not exist.
	ErrUnknownInstance = errors.New("unknown instance")

	// ErrInsufficientFunds is returned when a sender's balance is below
	// the requested transfer amount.
	ErrInsufficientFunds = errors.New("insufficient funds")

	// ErrAccountExists is returned when creating an account that
	// already exists.
	ErrAccountExists = errors.New("account already exists")
)

// Account is a simulated account.
type Account struct {
	Addr    types.AccountAddress
	Balance types.Amount
}

// Instance is a simulated contract instance: its address, the module
// it runs, its own balance, and its persisted key-value state.
type Instance struct {
	Addr     types.ContractAddress
	Module   types.ModuleRef
	Contract string
	Owner    types.AccountAddress
	Balance  types.Amount

	// State is the persisted state blob, keyed by byte strings.
	// Writes are whole-value replacement; deletes remove the key.
	State map[string][]byte
}

// clone deep-copies an instance.
func (in *Instance) clone() *Instance {
	state := make(map[string][]byte, len(in.State))
	for k, v := range in.State {
		vc := make([]byte, len(v))
		copy(vc, v)
		state[k] = vc
	}
	c := *in
	c.State = state
	return &c
}

// snapshot captures the whole mutable state at a checkpoint boundary.
type snapshot struct {
	accounts  map[types.AccountAddress]*Account
	instances map[types.ContractAddress]*Instance
	nextIndex uint64
}

// State holds the simulated chain state. Not safe for concurrent use;
// each invocation tree owns exactly one State.
type State struct {
	accounts  map[types.AccountAddress]*Account
	instances map[types.ContractAddress]*Instance
	nextIndex uint64

	checkpoints []snapshot
}

// NewState creates an empty chain state.
func NewState() *State {
	return &State{
		accounts:  make(map[types.AccountAddress]*Account),
		instances: make(map[types.ContractAddress]*Instance),
	}
}

// Clone deep-copies the state for use by an independent invocation
// tree. Cloning with open checkpoints is a programming error.
func (s *State) Clone() *State {
	if len(s.checkpoints) != 0 {
		panic("chain: clone with open checkpoints")
	}
	c := NewState()
	c.nextIndex = s.nextIndex
	for addr, acc := range s.accounts {
		a := *acc
		c.accounts[addr] = &a
	}
	for addr, in := range s.instances {
		c.instances[addr] = in.clone()
	}
	return c
}

// Checkpoint discipline. Checkpoint returns a handle that must be
// passed to Commit or Rollback; handles close in strict LIFO order.
// Misuse is an engine bug, not a user-facing failure, and panics.

// Checkpoint pushes a snapshot and returns its handle.
func (s *State) Checkpoint() int {
	snap := snapshot{
		accounts:  make(map[types.AccountAddress]*Account, len(s.accounts)),
		instances: make(map[types.ContractAddress]*Instance, len(s.instances)),
		nextIndex: s.nextIndex,
	}
	for addr, acc := range s.accounts {
		a := *acc
		snap.accounts[addr] = &a
	}
	for addr, in := range s.instances {
		snap.instances[addr] = in.clone()
	}
	s.checkpoints = append(s.checkpoints, snap)
	return len(s.checkpoints) - 1
}

// Commit pops the checkpoint without restoring: its changes become
// visible to the enclosing checkpoint, or permanent if outermost.
func (s *State) Commit(handle int) {
	s.popCheckpoint(handle)
}

// Rollback pops the checkpoint and restores the snapshotted state.
func (s *State) Rollback(handle int) {
	snap := s.popCheckpoint(handle)
	s.accounts = snap.accounts
	s.instances = snap.instances
	s.nextIndex = snap.nextIndex
}

func (s *State) popCheckpoint(handle int) snapshot {
	if len(s.checkpoints) == 0 {
		panic("chain: checkpoint close with none open")
	}
	if handle != len(s.checkpoints)-1 {
		panic(fmt.Sprintf("chain: closing checkpoint %d but innermost is %d", handle, len(s.checkpoints)-1))
	}
	snap := s.checkpoints[len(s.checkpoints)-1]
	s.checkpoints = s.checkpoints[:len(s.checkpoints)-1]
	return snap
}

// CheckpointDepth returns the number of open checkpoints.
func (s *State) CheckpointDepth() int {
	return len(s.checkpoints)
}

// Accounts.

// CreateAccount adds an account with an initial balance.
func (s *State) CreateAccount(addr types.AccountAddress, balance types.Amount) error {
	if _, ok := s.accounts[addr]; ok {
		return fmt.Errorf("%w: %s", ErrAccountExists, addr)
	}
	s.accounts[addr] = &Account{Addr: addr, Balance: balance}
	return nil
}

// AccountBalance returns an account's balance.
func (s *State) AccountBalance(addr types.AccountAddress) (types.Amount, error) {
	acc, ok := s.accounts[addr]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrUnknownAccount, addr)
	}
	return acc.Balance, nil
}

// HasAccount reports whether an account exists.
func (s *State) HasAccount(addr types.AccountAddress) bool {
	_, ok := s.accounts[addr]
	return ok
}

// Instances.

// AddInstance creates a contract instance and assigns it the next
// address. The caller funds it separately via a transfer.
func (s *State) AddInstance(module types.ModuleRef, contract string, owner types.AccountAddress) *Instance {
	addr := types.ContractAddress{Index: s.nextIndex}
	s.nextIndex++
	in := &Instance{
		Addr:     addr,
		Module:   module,
		Contract: contract,
		Owner:    owner,
		State:    make(map[string][]byte),
	}
	s.instances[addr] = in
	return in
}

// Instance returns the instance at addr.
func (s *State) Instance(addr types.ContractAddress) (*Instance, error) {
	in, ok := s.instances[addr]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownInstance, addr)
	}
	return in, nil
}

// InstanceBalance returns an instance's balance.
func (s *State) InstanceBalance(addr types.ContractAddress) (types.Amount, error) {
	in, err := s.Instance(addr)
	if err != nil {
		return 0, err
	}
	return in.Balance, nil
}

// Persisted contract state. Writes replace the whole value under the
// key; there is no partial overlay.

// StateRead returns the value under key for the instance at addr.
func (s *State) StateRead(addr types.ContractAddress, key []byte) ([]byte, bool) {
	in, ok := s.instances[addr]
	if !ok {
		return nil, false
	}
	v, ok := in.State[string(key)]
	return v, ok
}

// StateWrite replaces the value under key for the instance at addr.
func (s *State) StateWrite(addr types.ContractAddress, key, value []byte) error {
	in, err := s.Instance(addr)
	if err != nil {
		return err
	}
	vc := make([]byte, len(value))
	copy(vc, value)
	in.State[string(key)] = vc
	return nil
}

// StateDelete removes key for the instance at addr, reporting whether
// it existed.
func (s *State) StateDelete(addr types.ContractAddress, key []byte) bool {
	in, ok := s.instances[addr]
	if !ok {
		return false
	}
	_, existed := in.State[string(key)]
	delete(in.State, string(key))
	return existed
}

// Transfers. The funds check and the debit/credit are atomic within
// the currently open checkpoint.

// TransferToInstance moves amount from an account to an instance.
func (s *State) TransferToInstance(from types.AccountAddress, to types.ContractAddress, amount types.Amount) error {
	acc, ok := s.accounts[from]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, from)
	}
	in, err := s.Instance(to)
	if err != nil {
		return err
	}
	if acc.Balance < amount {
		return fmt.Errorf("%w: balance %d below %d", ErrInsufficientFunds, acc.Balance, amount)
	}
	acc.Balance -= amount
	in.Balance += amount
	return nil
}

// TransferToAccount moves amount from an instance to an account.
func (s *State) TransferToAccount(from types.ContractAddress, to types.AccountAddress, amount types.Amount) error {
	in, err := s.Instance(from)
	if err != nil {
		return err
	}
	acc, ok := s.accounts[to]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownAccount, to)
	}
	if in.Balance < amount {
		return fmt.Errorf("%w: balance %d below %d", ErrInsufficientFunds, in.Balance, amount)
	}
	in.Balance -= amount
	acc.Balance += amount
	return nil
}

// TransferBetweenInstances moves amount between instances (nested
// cross-contract call with an attached amount).
func (s *State) TransferBetweenInstances(from, to types.ContractAddress, amount types.Amount) error {
	src, err := s.Instance(from)
	if err != nil {
		return err
	}
	dst, err := s.Instance(to)
	if err != nil {
		return err
	}
	if src.Balance < amount {
		return fmt.Errorf("%w: balance %d below %d", ErrInsufficientFunds, src.Balance, amount)
	}
	src.Balance -= amount
	dst.Balance += amount
	return nil
}

// Deterministic iteration for serialization and digests.

// SortedAccounts returns accounts ordered by address bytes.
func (s *State) SortedAccounts() []*Account {
	out := make([]*Account, 0, len(s.accounts))
	for _, acc := range s.accounts {
		out = append(out, acc)
	}
	sort.Slice(out, func(i, j int) bool {
		return string(out[i].Addr[:]) < string(out[j].Addr[:])
	})
	return out
}

// SortedInstances returns instances ordered by address.
func (s *State) SortedInstances() []*Instance {
	out := make([]*Instance, 0, len(s.instances))
	for _, in := range s.instances {
		out = append(out, in)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Addr.Index != out[j].Addr.Index {
			return out[i].Addr.Index < out[j].Addr.Index
		}
		return out[i].Addr.Subindex < out[j].Addr.Subindex
	})
	return out
}
