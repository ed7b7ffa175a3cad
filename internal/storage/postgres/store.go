package postgres

import (
	"github.com/jkaninda/coderunner/internal/storage"
)

var _ storage.Store = (*Store)(nil)

// Store is the PostgreSQL storage.Store. Ping and Close come from the
// embedded DB.
type Store struct {
	*ExecutionRepository
	*DB
}

// NewStore builds the repository on top of an open DB.
func NewStore(db *DB) *Store {
	return &Store{ExecutionRepository: NewExecutionRepository(db.GormDB()), DB: db}
}

// Driver reports storage.DriverPostgres.
func (*Store) Driver() string { return storage.DriverPostgres }
