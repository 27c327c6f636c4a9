package fixture

import (
	"errors"
	"reflect"
	"testing"

	"github.com/chainforge/contester/internal/types"
	"github.com/chainforge/contester/pkg/chain"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(Config{InMemory: true})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func sampleState(t *testing.T) *chain.State {
	t.Helper()
	st := chain.NewState()
	owner := types.DeriveAccountAddress("owner")
	if err := st.CreateAccount(owner, 500); err != nil {
		t.Fatalf("create account: %v", err)
	}
	inst := st.AddInstance(types.ModuleRef{1}, "counter", owner)
	if err := st.StateWrite(inst.Addr, []byte("count"), []byte{3, 0, 0, 0, 0, 0, 0, 0}); err != nil {
		t.Fatalf("state write: %v", err)
	}
	return st
}

func TestStoreSaveLoad(t *testing.T) {
	s := openTestStore(t)
	st := sampleState(t)

	if err := s.Save("genesis", st); err != nil {
		t.Fatalf("save: %v", err)
	}
	loaded, err := s.Load("genesis")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Digest() != st.Digest() {
		t.Fatal("loaded state digest differs")
	}
}

func TestStoreOverwrite(t *testing.T) {
	s := openTestStore(t)
	st := sampleState(t)

	if err := s.Save("base", st); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := st.StateWrite(types.ContractAddress{Index: 0}, []byte("count"), []byte{4, 0, 0, 0, 0, 0, 0, 0}); err != nil {
		t.Fatalf("write: %v", err)
	}
	if err := s.Save("base", st); err != nil {
		t.Fatalf("resave: %v", err)
	}
	loaded, err := s.Load("base")
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if loaded.Digest() != st.Digest() {
		t.Fatal("overwrite did not take effect")
	}
}

func TestStoreList(t *testing.T) {
	s := openTestStore(t)
	st := sampleState(t)

	for _, name := range []string{"b", "a", "c"} {
		if err := s.Save(name, st); err != nil {
			t.Fatalf("save %q: %v", name, err)
		}
	}
	names, err := s.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if !reflect.DeepEqual(names, []string{"a", "b", "c"}) {
		t.Fatalf("names %v, want sorted a b c", names)
	}
}

func TestStoreDelete(t *testing.T) {
	s := openTestStore(t)
	st := sampleState(t)

	if err := s.Save("gone", st); err != nil {
		t.Fatalf("save: %v", err)
	}
	if err := s.Delete("gone"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := s.Load("gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("load after delete: %v", err)
	}
	if err := s.Delete("gone"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("second delete: %v", err)
	}
}

func TestStoreMissingAndBadNames(t *testing.T) {
	s := openTestStore(t)

	if _, err := s.Load("nope"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("load missing: %v", err)
	}
	if err := s.Save("", sampleState(t)); err == nil {
		t.Fatal("empty name accepted")
	}
}
