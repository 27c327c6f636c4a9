// Baseline snapshot codec. The core keeps chain state in memory only;
// an external harness that wants reproducibility across runs persists
// a baseline with WriteBaseline and seeds fresh States from it with
// ReadBaseline.
package chain

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"sort"

	"github.com/chainforge/contester/internal/types"
	"github.com/klauspost/compress/zstd"
	"github.com/zeebo/blake3"
)

// Baseline format version.
const baselineVersion uint32 = 1

// Baseline magic bytes.
var baselineMagic = []byte{'C', 'T', 'B', 'L'}

// Baseline errors.
var (
	ErrBadBaseline       = errors.New("invalid baseline")
	ErrBaselineCorrupted = errors.New("baseline digest mismatch")
)

// Baseline layout:
//   - Magic (4 bytes): "CTBL"
//   - Version (4 bytes, little-endian)
//   - Digest (32 bytes): blake3 of the uncompressed body
//   - Body, zstd compressed:
//   - NextIndex (8 bytes)
//   - AccountsCount (8 bytes), then per account:
//   - Addr (32 bytes), Balance (8 bytes)
//   - InstancesCount (8 bytes), then per instance:
//   - Addr (16 bytes), Module (32 bytes), Contract (string),
//     Owner (32 bytes), Balance (8 bytes),
//     EntryCount (8 bytes), then per entry: key (bytes), value (bytes)
//
// Strings and byte slices are length-prefixed (4 bytes). Accounts,
// instances, and state entries are sorted so identical states always
// produce identical baselines.

// WriteBaseline serializes the state to w. Requires no open
// checkpoints.
func (s *State) WriteBaseline(w io.Writer) error {
	if len(s.checkpoints) != 0 {
		panic("chain: baseline write with open checkpoints")
	}

	body := s.serializeBody()
	digest := blake3.Sum256(body)

	header := make([]byte, 0, 40)
	header = append(header, baselineMagic...)
	header = binary.LittleEndian.AppendUint32(header, baselineVersion)
	header = append(header, digest[:]...)
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write baseline header: %w", err)
	}

	zw, err := zstd.NewWriter(w)
	if err != nil {
		return fmt.Errorf("baseline compressor: %w", err)
	}
	if _, err := zw.Write(body); err != nil {
		zw.Close()
		return fmt.Errorf("write baseline body: %w", err)
	}
	return zw.Close()
}

// ReadBaseline deserializes a state previously written with
// WriteBaseline, verifying the body digest.
func ReadBaseline(r io.Reader) (*State, error) {
	header := make([]byte, 40)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, fmt.Errorf("%w: short header", ErrBadBaseline)
	}
	for i, b := range baselineMagic {
		if header[i] != b {
			return nil, fmt.Errorf("%w: bad magic", ErrBadBaseline)
		}
	}
	if v := binary.LittleEndian.Uint32(header[4:8]); v != baselineVersion {
		return nil, fmt.Errorf("%w: version %d", ErrBadBaseline, v)
	}
	var digest [32]byte
	copy(digest[:], header[8:40])

	zr, err := zstd.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("baseline decompressor: %w", err)
	}
	defer zr.Close()
	body, err := io.ReadAll(zr)
	if err != nil {
		return nil, fmt.Errorf("read baseline body: %w", err)
	}

	if blake3.Sum256(body) != digest {
		return nil, ErrBaselineCorrupted
	}
	return parseBody(body)
}

// Digest returns the blake3 digest of the serialized state, usable as
// a cheap bit-identity check in rollback assertions.
func (s *State) Digest() [32]byte {
	return blake3.Sum256(s.serializeBody())
}

func (s *State) serializeBody() []byte {
	buf := make([]byte, 0, 1024)
	buf = types.AppendUint64(buf, s.nextIndex)

	accounts := s.SortedAccounts()
	buf = types.AppendUint64(buf, uint64(len(accounts)))
	for _, acc := range accounts {
		buf = append(buf, acc.Addr[:]...)
		buf = types.AppendUint64(buf, uint64(acc.Balance))
	}

	instances := s.SortedInstances()
	buf = types.AppendUint64(buf, uint64(len(instances)))
	for _, in := range instances {
		buf = append(buf, types.SerializeContractAddress(in.Addr)...)
		buf = append(buf, in.Module[:]...)
		buf = appendBytes(buf, []byte(in.Contract))
		buf = append(buf, in.Owner[:]...)
		buf = types.AppendUint64(buf, uint64(in.Balance))

		keys := make([]string, 0, len(in.State))
		for k := range in.State {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		buf = types.AppendUint64(buf, uint64(len(keys)))
		for _, k := range keys {
			buf = appendBytes(buf, []byte(k))
			buf = appendBytes(buf, in.State[k])
		}
	}
	return buf
}

func parseBody(body []byte) (*State, error) {
	s := NewState()
	r := &bodyReader{data: body}

	s.nextIndex = r.u64()

	numAccounts := r.u64()
	for i := uint64(0); i < numAccounts && r.err == nil; i++ {
		var addr types.AccountAddress
		copy(addr[:], r.bytes(types.AccountAddressSize))
		balance := types.Amount(r.u64())
		if r.err == nil {
			s.accounts[addr] = &Account{Addr: addr, Balance: balance}
		}
	}

	numInstances := r.u64()
	for i := uint64(0); i < numInstances && r.err == nil; i++ {
		addr, _ := types.DeserializeContractAddress(r.bytes(16))
		var module types.ModuleRef
		copy(module[:], r.bytes(types.ModuleRefSize))
		contract := string(r.prefixed())
		var owner types.AccountAddress
		copy(owner[:], r.bytes(types.AccountAddressSize))
		balance := types.Amount(r.u64())

		in := &Instance{
			Addr:     addr,
			Module:   module,
			Contract: contract,
			Owner:    owner,
			Balance:  balance,
			State:    make(map[string][]byte),
		}
		numEntries := r.u64()
		for j := uint64(0); j < numEntries && r.err == nil; j++ {
			k := string(r.prefixed())
			v := r.prefixed()
			vc := make([]byte, len(v))
			copy(vc, v)
			in.State[k] = vc
		}
		if r.err == nil {
			s.instances[addr] = in
		}
	}

	if r.err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadBaseline, r.err)
	}
	if r.pos != len(body) {
		return nil, fmt.Errorf("%w: trailing bytes", ErrBadBaseline)
	}
	return s, nil
}

func appendBytes(buf, b []byte) []byte {
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(b)))
	return append(buf, b...)
}

// bodyReader is a sticky-error cursor over the baseline body.
type bodyReader struct {
	data []byte
	pos  int
	err  error
}

func (r *bodyReader) bytes(n int) []byte {
	if r.err != nil {
		return make([]byte, n)
	}
	if len(r.data)-r.pos < n {
		r.err = errors.New("truncated body")
		return make([]byte, n)
	}
	b := r.data[r.pos : r.pos+n]
	r.pos += n
	return b
}

func (r *bodyReader) u64() uint64 {
	b := r.bytes(8)
	return binary.LittleEndian.Uint64(b)
}

func (r *bodyReader) prefixed() []byte {
	n := binary.LittleEndian.Uint32(r.bytes(4))
	return r.bytes(int(n))
}
