package store

import (
	"context"
	"database/sql"

	"github.com/amaterasu/apiserver/internal/db"
)

// Repos groups the repositories bound to one database handle, either the
// pool or a single transaction.
type Repos struct {
	Users         *UserRepository
	Relationships *RelationshipRepository
	Microposts    *MicropostRepository
}

func NewRepos(conn db.DBTX) Repos {
	return Repos{
		Users:         NewUserRepository(conn),
		Relationships: NewRelationshipRepository(conn),
		Microposts:    NewMicropostRepository(conn),
	}
}

// Store owns the connection pool and hands out repositories.
type Store struct {
	conn *sql.DB
	Repos
}

func New(conn *sql.DB) *Store {
	return &Store{conn: conn, Repos: NewRepos(conn)}
}

// Repositories returns the repositories bound to the pool.
func (s *Store) Repositories() Repos {
	return s.Repos
}

// InTx runs fn with repositories bound to a single transaction.
func (s *Store) InTx(ctx context.Context, fn func(ctx context.Context, repos Repos) error) error {
	return db.WithTx(ctx, s.conn, nil, func(ctx context.Context, tx db.DBTX) error {
		return fn(ctx, NewRepos(tx))
	})
}

func (s *Store) Close() error {
	return s.conn.Close()
}
