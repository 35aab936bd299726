package sqlite

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/subsidia/records-engine/generic"
	"github.com/subsidia/records-engine/harvest"
)

// MemoryDir makes a Registry keep every organization in its own in-memory
// database. Tests only.
const MemoryDir = ":memory:"

// Registry opens one database file per organization under Dir, lazily.
// It implements generic.StoreProvider and harvest.Provider.
type Registry struct {
	Dir string

	mu     sync.Mutex
	stores map[generic.OrganizationID]*Store
	closed bool
}

func NewRegistry(dir string) (*Registry, error) {
	if dir != MemoryDir {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
	}
	return &Registry{Dir: dir, stores: make(map[generic.OrganizationID]*Store)}, nil
}

func (r *Registry) For(_ context.Context, org generic.OrganizationID) (generic.TxStore, error) {
	return r.open(org)
}

func (r *Registry) Harvests(_ context.Context, org generic.OrganizationID) (harvest.Store, error) {
	return r.open(org)
}

func (r *Registry) open(org generic.OrganizationID) (*Store, error) {
	if _, err := generic.ParseOrganizationID(string(org)); err != nil {
		return nil, err
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, errors.New("sqlite registry is closed")
	}
	if s, ok := r.stores[org]; ok {
		return s, nil
	}

	path := MemoryDir
	if r.Dir != MemoryDir {
		path = filepath.Join(r.Dir, string(org)+".db")
	}
	s, err := New(path)
	if err != nil {
		return nil, fmt.Errorf("open organization %s: %w", org, err)
	}
	r.stores[org] = s
	return s, nil
}

// Close closes every open database.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.closed = true

	var errs []error
	for org, s := range r.stores {
		if err := s.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", org, err))
		}
	}
	r.stores = nil
	return errors.Join(errs...)
}
