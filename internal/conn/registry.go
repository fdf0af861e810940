// Package conn resolves connection ids to live database handles. It stands
// in for the external connection-management collaborator: definitions come
// from configuration, pools are opened lazily and reused.
package conn

import (
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/koltyakov/groupsync/internal/model"
	"github.com/koltyakov/groupsync/internal/syncerr"
)

// Resolver turns a connection id into its definition and an open pool.
type Resolver interface {
	Resolve(id string) (*model.Connection, error)
	DB(id string) (*sql.DB, error)
}

// Registry is a Resolver over a fixed set of connection definitions.
type Registry struct {
	mu    sync.Mutex
	conns map[string]*model.Connection
	pools map[string]*sql.DB
}

// NewRegistry indexes the given connections by id.
func NewRegistry(conns []model.Connection) *Registry {
	r := &Registry{
		conns: make(map[string]*model.Connection, len(conns)),
		pools: make(map[string]*sql.DB),
	}
	for i := range conns {
		r.conns[conns[i].ID] = &conns[i]
	}
	return r
}

// Resolve returns the connection definition for an id.
func (r *Registry) Resolve(id string) (*model.Connection, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.conns[id]
	if !ok {
		return nil, fmt.Errorf("connection %s: %w", id, syncerr.ErrNotFound)
	}
	return c, nil
}

// DB returns an open pool for the connection, opening it on first use.
func (r *Registry) DB(id string) (*sql.DB, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if db, ok := r.pools[id]; ok {
		return db, nil
	}
	c, ok := r.conns[id]
	if !ok {
		return nil, fmt.Errorf("connection %s: %w", id, syncerr.ErrNotFound)
	}

	driver, dsn, err := DSN(c)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(driver, dsn)
	if err != nil {
		return nil, &syncerr.ConnectivityError{ConnectionID: id, Err: err}
	}
	db.SetMaxOpenConns(10)
	db.SetConnMaxLifetime(time.Hour)
	r.pools[id] = db
	return db, nil
}

// Close closes all opened pools.
func (r *Registry) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	var firstErr error
	for id, db := range r.pools {
		if err := db.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("failed to close pool %s: %w", id, err)
		}
		delete(r.pools, id)
	}
	return firstErr
}

// DSN builds the driver name and connection string for a connection.
func DSN(c *model.Connection) (driver, dsn string, err error) {
	switch c.Engine {
	case model.EnginePostgres:
		return "postgres", fmt.Sprintf(
			"host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			c.Host, c.Port, c.User, c.Password, c.Database), nil
	case model.EngineMySQL:
		return "mysql", fmt.Sprintf(
			"%s:%s@tcp(%s:%d)/%s?parseTime=true",
			c.User, c.Password, c.Host, c.Port, c.Database), nil
	case model.EngineSQLite:
		return "sqlite3", c.Path, nil
	}
	return "", "", fmt.Errorf("unsupported engine %s for connection %s", c.Engine, c.ID)
}
