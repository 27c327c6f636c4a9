package chain

import (
	"bytes"
	"errors"
	"testing"

	"github.com/chainforge/contester/internal/types"
)

func baselineState(t *testing.T) *State {
	t.Helper()
	s := newTestState(t)
	inst := s.AddInstance(types.ModuleRef{0xAB}, "counter", alice)
	if err := s.StateWrite(inst.Addr, []byte("count"), []byte{7, 0, 0, 0, 0, 0, 0, 0}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.TransferToInstance(alice, inst.Addr, 25); err != nil {
		t.Fatalf("transfer: %v", err)
	}
	return s
}

func TestBaselineRoundTrip(t *testing.T) {
	s := baselineState(t)

	var buf bytes.Buffer
	if err := s.WriteBaseline(&buf); err != nil {
		t.Fatalf("write baseline: %v", err)
	}
	restored, err := ReadBaseline(&buf)
	if err != nil {
		t.Fatalf("read baseline: %v", err)
	}
	if restored.Digest() != s.Digest() {
		t.Fatal("restored state digest differs")
	}

	if bal, err := restored.AccountBalance(alice); err != nil || bal != 975 {
		t.Fatalf("alice %d, %v", bal, err)
	}
	inst, err := restored.Instance(types.ContractAddress{Index: 0})
	if err != nil {
		t.Fatalf("instance: %v", err)
	}
	if inst.Contract != "counter" || inst.Balance != 25 || inst.Module != (types.ModuleRef{0xAB}) {
		t.Fatal("instance fields lost in round trip")
	}
	if got, ok := restored.StateRead(inst.Addr, []byte("count")); !ok || got[0] != 7 {
		t.Fatalf("state entry %v, %t", got, ok)
	}
}

func TestBaselineWritePanicsWithOpenCheckpoint(t *testing.T) {
	s := baselineState(t)
	s.Checkpoint()
	mustPanic(t, "baseline write", func() {
		var buf bytes.Buffer
		_ = s.WriteBaseline(&buf)
	})
}

func TestReadBaselineRejectsGarbage(t *testing.T) {
	s := baselineState(t)
	var buf bytes.Buffer
	if err := s.WriteBaseline(&buf); err != nil {
		t.Fatalf("write baseline: %v", err)
	}
	good := buf.Bytes()

	if _, err := ReadBaseline(bytes.NewReader(nil)); !errors.Is(err, ErrBadBaseline) {
		t.Fatalf("empty: %v", err)
	}

	bad := append([]byte(nil), good...)
	bad[0] = 'X'
	if _, err := ReadBaseline(bytes.NewReader(bad)); !errors.Is(err, ErrBadBaseline) {
		t.Fatalf("bad magic: %v", err)
	}

	if _, err := ReadBaseline(bytes.NewReader(good[:20])); !errors.Is(err, ErrBadBaseline) {
		t.Fatalf("truncated header: %v", err)
	}
}

func TestReadBaselineDetectsCorruption(t *testing.T) {
	s := baselineState(t)
	var buf bytes.Buffer
	if err := s.WriteBaseline(&buf); err != nil {
		t.Fatalf("write baseline: %v", err)
	}
	good := buf.Bytes()

	// Flip a bit in the stored digest so the body no longer matches.
	bad := append([]byte(nil), good...)
	bad[8] ^= 0x01
	if _, err := ReadBaseline(bytes.NewReader(bad)); !errors.Is(err, ErrBaselineCorrupted) {
		t.Fatalf("digest mismatch: %v", err)
	}
}

func TestDigestTracksContent(t *testing.T) {
	a := baselineState(t)
	b := baselineState(t)
	if a.Digest() != b.Digest() {
		t.Fatal("identical states have different digests")
	}
	if err := b.StateWrite(types.ContractAddress{Index: 0}, []byte("count"), []byte{8, 0, 0, 0, 0, 0, 0, 0}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if a.Digest() == b.Digest() {
		t.Fatal("different states share a digest")
	}
}
