// Package types defines the core chain types used across the contract
// test engine: account and contract addresses, token amounts, module
// references, and entry point names.
//
// Account addresses follow the 32-byte convention with a base58 text
// form. Contract addresses are (index, subindex) pairs assigned by the
// chain simulator in deployment order. A ModuleRef identifies a deployed
// module by the blake3 hash of its raw bytes.
package types

import (
	"encoding/binary"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
	"golang.org/x/crypto/blake2b"
)

// Size constants for core types.
const (
	AccountAddressSize = 32
	ModuleRefSize      = 32
)

var (
	// ErrInvalidAccountAddress is returned when an account address has
	// invalid length.
	ErrInvalidAccountAddress = errors.New("invalid account address: must be 32 bytes")

	// ErrInvalidModuleRef is returned when a module reference has invalid length.
	ErrInvalidModuleRef = errors.New("invalid module reference: must be 32 bytes")

	// ErrInvalidEntrypoint is returned for malformed entry point names.
	ErrInvalidEntrypoint = errors.New("invalid entry point name")
)

// AccountAddress is a 32-byte account address.
type AccountAddress [AccountAddressSize]byte

// AccountAddressFromBase58 parses a base58-encoded account address.
func AccountAddressFromBase58(s string) (AccountAddress, error) {
	var a AccountAddress
	data, err := base58.Decode(s)
	if err != nil {
		return a, fmt.Errorf("base58 decode: %w", err)
	}
	if len(data) != AccountAddressSize {
		return a, ErrInvalidAccountAddress
	}
	copy(a[:], data)
	return a, nil
}

// AccountAddressFromBytes creates an AccountAddress from a byte slice.
func AccountAddressFromBytes(b []byte) (AccountAddress, error) {
	var a AccountAddress
	if len(b) != AccountAddressSize {
		return a, ErrInvalidAccountAddress
	}
	copy(a[:], b)
	return a, nil
}

// DeriveAccountAddress derives a deterministic account address from a
// seed string. Test harnesses use this to mint stable addresses for
// named parties ("alice", "bob") without key management.
func DeriveAccountAddress(seed string) AccountAddress {
	return AccountAddress(blake2b.Sum256([]byte(seed)))
}

// String returns the base58-encoded representation.
func (a AccountAddress) String() string {
	return base58.Encode(a[:])
}

// IsZero returns true if the address is all zeros.
func (a AccountAddress) IsZero() bool {
	for _, b := range a {
		if b != 0 {
			return false
		}
	}
	return true
}

// ContractAddress identifies a contract instance by its deployment
// index and subindex.
type ContractAddress struct {
	Index    uint64
	Subindex uint64
}

// String formats the address as "<index,subindex>".
func (c ContractAddress) String() string {
	return fmt.Sprintf("<%d,%d>", c.Index, c.Subindex)
}

// Address is either an account address or a contract address.
type Address struct {
	// Contract is set when the address refers to a contract instance.
	Contract *ContractAddress

	// Account is used when Contract is nil.
	Account AccountAddress
}

// AddressAccount wraps an account address.
func AddressAccount(a AccountAddress) Address {
	return Address{Account: a}
}

// AddressContract wraps a contract address.
func AddressContract(c ContractAddress) Address {
	return Address{Contract: &c}
}

// IsContract returns true if the address refers to a contract instance.
func (a Address) IsContract() bool {
	return a.Contract != nil
}

// String returns the text form of whichever variant is set.
func (a Address) String() string {
	if a.Contract != nil {
		return a.Contract.String()
	}
	return a.Account.String()
}

// Amount is a token amount in the smallest denomination.
type Amount uint64

// String formats the amount as a plain integer.
func (a Amount) String() string {
	return fmt.Sprintf("%d", uint64(a))
}

// ModuleRef is the blake3 hash of a module's raw bytes.
type ModuleRef [ModuleRefSize]byte

// ModuleRefFromBytes creates a ModuleRef from a byte slice.
func ModuleRefFromBytes(b []byte) (ModuleRef, error) {
	var m ModuleRef
	if len(b) != ModuleRefSize {
		return m, ErrInvalidModuleRef
	}
	copy(m[:], b)
	return m, nil
}

// String returns the base58-encoded representation.
func (m ModuleRef) String() string {
	return base58.Encode(m[:])
}

// Entry point name conventions. Contract initialization exports are
// named "init_<contract>"; update exports are named
// "<contract>.<entrypoint>". Names are restricted to printable ASCII
// without whitespace and are at most MaxEntrypointLen bytes.
const (
	InitPrefix       = "init_"
	MaxEntrypointLen = 100
)

// InitName builds the init export name for a contract.
func InitName(contract string) string {
	return InitPrefix + contract
}

// ReceiveName builds the receive export name for a contract entry point.
func ReceiveName(contract, entrypoint string) string {
	return contract + "." + entrypoint
}

// IsInitName reports whether name is a well-formed init export name.
func IsInitName(name string) bool {
	return strings.HasPrefix(name, InitPrefix) &&
		validEntrypointChars(name) && len(name) <= MaxEntrypointLen
}

// IsReceiveName reports whether name is a well-formed receive export
// name, i.e. contains a dot separating contract and entry point.
func IsReceiveName(name string) bool {
	dot := strings.IndexByte(name, '.')
	return dot > 0 && dot < len(name)-1 &&
		validEntrypointChars(name) && len(name) <= MaxEntrypointLen
}

// SplitReceiveName splits a receive export name into contract and entry
// point parts.
func SplitReceiveName(name string) (contract, entrypoint string, err error) {
	if !IsReceiveName(name) {
		return "", "", fmt.Errorf("%w: %q", ErrInvalidEntrypoint, name)
	}
	dot := strings.IndexByte(name, '.')
	return name[:dot], name[dot+1:], nil
}

func validEntrypointChars(name string) bool {
	for i := 0; i < len(name); i++ {
		c := name[i]
		if c <= ' ' || c > '~' {
			return false
		}
	}
	return len(name) > 0
}

// Serialization helpers. All on-wire integers are little-endian,
// matching the bytecode calling convention.

// AppendUint64 appends a little-endian uint64 to buf.
func AppendUint64(buf []byte, x uint64) []byte {
	var tmp [8]byte
	binary.LittleEndian.PutUint64(tmp[:], x)
	return append(buf, tmp[:]...)
}

// SerializeContractAddress encodes a contract address as 16 bytes.
func SerializeContractAddress(c ContractAddress) []byte {
	buf := make([]byte, 16)
	binary.LittleEndian.PutUint64(buf[0:8], c.Index)
	binary.LittleEndian.PutUint64(buf[8:16], c.Subindex)
	return buf
}

// DeserializeContractAddress decodes a 16-byte contract address.
func DeserializeContractAddress(b []byte) (ContractAddress, error) {
	if len(b) < 16 {
		return ContractAddress{}, errors.New("contract address: short input")
	}
	return ContractAddress{
		Index:    binary.LittleEndian.Uint64(b[0:8]),
		Subindex: binary.LittleEndian.Uint64(b[8:16]),
	}, nil
}
