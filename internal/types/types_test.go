package types

import (
	"bytes"
	"testing"
)

func TestAccountAddressBase58RoundTrip(t *testing.T) {
	addr := DeriveAccountAddress("alice")
	s := addr.String()

	parsed, err := AccountAddressFromBase58(s)
	if err != nil {
		t.Fatalf("parse %q: %v", s, err)
	}
	if parsed != addr {
		t.Fatalf("round trip mismatch: %s != %s", parsed, addr)
	}
}

func TestAccountAddressFromBase58Invalid(t *testing.T) {
	if _, err := AccountAddressFromBase58("not!!base58"); err == nil {
		t.Fatal("expected error for invalid base58")
	}
	// Valid base58 but wrong length.
	if _, err := AccountAddressFromBase58("abc"); err == nil {
		t.Fatal("expected error for short address")
	}
}

func TestDeriveAccountAddress(t *testing.T) {
	a1 := DeriveAccountAddress("alice")
	a2 := DeriveAccountAddress("alice")
	b := DeriveAccountAddress("bob")

	if a1 != a2 {
		t.Fatal("derivation is not deterministic")
	}
	if a1 == b {
		t.Fatal("distinct seeds derive the same address")
	}
	if a1.IsZero() {
		t.Fatal("derived address is zero")
	}
}

func TestEntrypointNames(t *testing.T) {
	tests := []struct {
		name      string
		isInit    bool
		isReceive bool
	}{
		{"init_counter", true, false},
		{"counter.increment", false, true},
		{"init_", false, false},
		{"counter.", false, false},
		{".increment", false, false},
		{"counter", false, false},
		{"init_a.b", true, true},
		{"has space.ep", false, false},
		{"", false, false},
	}
	for _, tt := range tests {
		if got := IsInitName(tt.name); got != tt.isInit {
			t.Errorf("IsInitName(%q) = %v, want %v", tt.name, got, tt.isInit)
		}
		if got := IsReceiveName(tt.name); got != tt.isReceive {
			t.Errorf("IsReceiveName(%q) = %v, want %v", tt.name, got, tt.isReceive)
		}
	}
}

func TestEntrypointNameLength(t *testing.T) {
	long := InitPrefix + string(bytes.Repeat([]byte{'a'}, MaxEntrypointLen))
	if IsInitName(long) {
		t.Fatal("overlong init name accepted")
	}
}

func TestSplitReceiveName(t *testing.T) {
	contract, ep, err := SplitReceiveName("counter.increment")
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if contract != "counter" || ep != "increment" {
		t.Fatalf("split = (%q, %q)", contract, ep)
	}

	if _, _, err := SplitReceiveName("nodot"); err == nil {
		t.Fatal("expected error for name without dot")
	}
}

func TestBuildNames(t *testing.T) {
	if got := InitName("counter"); got != "init_counter" {
		t.Fatalf("InitName = %q", got)
	}
	if got := ReceiveName("counter", "increment"); got != "counter.increment" {
		t.Fatalf("ReceiveName = %q", got)
	}
}

func TestContractAddressSerialization(t *testing.T) {
	addr := ContractAddress{Index: 7, Subindex: 3}
	buf := SerializeContractAddress(addr)
	if len(buf) != 16 {
		t.Fatalf("serialized length %d, want 16", len(buf))
	}
	back, err := DeserializeContractAddress(buf)
	if err != nil {
		t.Fatalf("deserialize: %v", err)
	}
	if back != addr {
		t.Fatalf("round trip mismatch: %v != %v", back, addr)
	}

	if _, err := DeserializeContractAddress(buf[:8]); err == nil {
		t.Fatal("expected error for short input")
	}
}

func TestContractAddressString(t *testing.T) {
	addr := ContractAddress{Index: 12, Subindex: 0}
	if got := addr.String(); got != "<12,0>" {
		t.Fatalf("String = %q", got)
	}
}

func TestAddressUnion(t *testing.T) {
	acc := DeriveAccountAddress("alice")
	a := AddressAccount(acc)
	if a.IsContract() {
		t.Fatal("account address reports contract")
	}
	if a.Account != acc {
		t.Fatal("account not carried")
	}

	c := AddressContract(ContractAddress{Index: 1})
	if !c.IsContract() {
		t.Fatal("contract address reports account")
	}
	if c.Contract.Index != 1 {
		t.Fatal("contract not carried")
	}
}

func TestModuleRefFromBytes(t *testing.T) {
	if _, err := ModuleRefFromBytes(make([]byte, 31)); err == nil {
		t.Fatal("expected error for short module ref")
	}
	ref, err := ModuleRefFromBytes(make([]byte, 32))
	if err != nil {
		t.Fatalf("ModuleRefFromBytes: %v", err)
	}
	if ref != (ModuleRef{}) {
		t.Fatal("zero input should give zero ref")
	}
}
