// Package fixture persists named chain baselines in a BadgerDB store
// so test setups can be saved once and restored across runs.
package fixture

import (
	"bytes"
	"errors"
	"fmt"

	badger "github.com/dgraph-io/badger/v4"

	"github.com/chainforge/contester/pkg/chain"
)

// ErrNotFound indicates a baseline name the store does not hold.
var ErrNotFound = errors.New("baseline not found")

// keyPrefix namespaces baseline entries so future metadata can share
// the same database.
var keyPrefix = []byte("baseline:")

// Config configures the backing BadgerDB.
type Config struct {
	// Path is the database directory. Ignored when InMemory is set.
	Path string

	// InMemory keeps the store entirely in memory. Useful in tests.
	InMemory bool

	// SyncWrites ensures writes are synced to disk before Save returns.
	SyncWrites bool

	// Logger is an optional badger logger. Nil disables logging.
	Logger badger.Logger
}

// DefaultConfig returns a configuration for an on-disk store at path.
func DefaultConfig(path string) Config {
	return Config{
		Path:       path,
		SyncWrites: true,
		Logger:     nil,
	}
}

// Store is a BadgerDB-backed collection of named baselines. Baselines
// are stored in their digest-checked compressed form, so a corrupted
// database entry surfaces as a load error rather than silently wrong
// state.
type Store struct {
	db *badger.DB
}

// Open opens or creates the store.
func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Path)
	if cfg.InMemory {
		opts = opts.WithInMemory(true)
	}
	opts = opts.
		WithSyncWrites(cfg.SyncWrites).
		WithLogger(cfg.Logger)

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &Store{db: db}, nil
}

// Close closes the backing database.
func (s *Store) Close() error {
	return s.db.Close()
}

func baselineKey(name string) []byte {
	return append(append([]byte(nil), keyPrefix...), name...)
}

// Save writes the state under name, replacing any existing baseline
// with that name. The state must have no open checkpoints.
func (s *Store) Save(name string, st *chain.State) error {
	if name == "" {
		return errors.New("baseline name must not be empty")
	}
	var buf bytes.Buffer
	if err := st.WriteBaseline(&buf); err != nil {
		return fmt.Errorf("serialize baseline %q: %w", name, err)
	}
	err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(baselineKey(name), buf.Bytes())
	})
	if err != nil {
		return fmt.Errorf("save baseline %q: %w", name, err)
	}
	return nil
}

// Load reads the baseline under name into a fresh state.
func (s *Store) Load(name string) (*chain.State, error) {
	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(baselineKey(name))
		if err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: %q", ErrNotFound, name)
		} else if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, err
	}
	st, err := chain.ReadBaseline(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("load baseline %q: %w", name, err)
	}
	return st, nil
}

// Delete removes the baseline under name.
func (s *Store) Delete(name string) error {
	err := s.db.Update(func(txn *badger.Txn) error {
		key := baselineKey(name)
		if _, err := txn.Get(key); err == badger.ErrKeyNotFound {
			return fmt.Errorf("%w: %q", ErrNotFound, name)
		} else if err != nil {
			return err
		}
		return txn.Delete(key)
	})
	return err
}

// List returns the stored baseline names in key order.
func (s *Store) List() ([]string, error) {
	var names []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().Key()
			names = append(names, string(key[len(keyPrefix):]))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return names, nil
}
