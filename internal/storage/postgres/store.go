package postgres

import (
	"context"
	"sync"

	"github.com/jkaninda/plugbox/internal/storage"
)

// Store implements storage.Store backed by PostgreSQL.
// It wraps the existing DB and lazily creates sub-store repositories.
type Store struct {
	pgDB *DB

	mu       sync.Mutex
	policies storage.PolicyStore
	events   storage.EventStore
}

// NewStore wraps an existing DB as a unified Store.
func NewStore(pgDB *DB) *Store {
	return &Store{pgDB: pgDB}
}

func (s *Store) Migrate(_ context.Context) error {
	// PostgreSQL migration is done in Open() via AutoMigrate.
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pgDB.Ping(ctx)
}

func (s *Store) Close() error {
	return s.pgDB.Close()
}

func (s *Store) Driver() string {
	return storage.DriverPostgres
}

// GormDB returns the underlying DB for direct access when needed.
func (s *Store) GormDB() *DB {
	return s.pgDB
}

func (s *Store) Policies() storage.PolicyStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.policies == nil {
		s.policies = NewPolicyRepository(s.pgDB.GormDB())
	}
	return s.policies
}

func (s *Store) Events() storage.EventStore {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.events == nil {
		s.events = NewEventRepository(s.pgDB.GormDB())
	}
	return s.events
}

// compile-time interface checks
var (
	_ storage.Store       = (*Store)(nil)
	_ storage.PolicyStore = (*PolicyRepository)(nil)
	_ storage.EventStore  = (*EventRepository)(nil)
)
