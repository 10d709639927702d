package postgres

import (
	"github.com/kozaktomas/rollcall/internal/database"
)

var _ database.Store = (*Store)(nil)

// Store bundles the PostgreSQL repositories into a database.Store.
type Store struct {
	*IdentityRepository
	*SessionRepository
	*AttendanceRepository

	pool *Pool
}

// NewStore creates a store over an initialized pool
func NewStore(pool *Pool) *Store {
	return &Store{
		IdentityRepository:   NewIdentityRepository(pool),
		SessionRepository:    NewSessionRepository(pool),
		AttendanceRepository: NewAttendanceRepository(pool),
		pool:                 pool,
	}
}

// Close closes the underlying pool
func (s *Store) Close() error {
	return s.pool.Close()
}
