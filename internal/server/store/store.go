// Package store persists classification results, job records, job/node
// attribution and the single admission slot in a relational database.
// SQLite and PostgreSQL share one implementation over database/sql.
package store

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strconv"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/systemshift/provprune/internal/server/clock"
	"github.com/systemshift/provprune/internal/server/core"
)

// Connector opens a fresh database handle. The returned func releases
// anything the handle does not own itself (such as a pgx pool).
type Connector func(ctx context.Context) (*sql.DB, func(), error)

// Store is the SQL-backed result store. It is safe for concurrent use.
type Store struct {
	mu      sync.RWMutex
	db      *sql.DB
	release func()
	closed  bool

	connect  Connector
	dialect  dialect
	clock    clock.Clock
	logger   *slog.Logger
	instance string // admission owner token for this process
}

// Option configures a Store
type Option func(*Store)

// WithClock sets the time source used for validity checks and admission claims
func WithClock(c clock.Clock) Option {
	return func(s *Store) { s.clock = c }
}

// WithLogger sets the store logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func newStore(ctx context.Context, d dialect, connect Connector, opts ...Option) (*Store, error) {
	s := &Store{
		connect:  connect,
		dialect:  d,
		clock:    clock.Real(),
		logger:   slog.Default(),
		instance: uuid.NewString(),
	}
	for _, opt := range opts {
		opt(s)
	}

	db, release, err := connect(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", core.ErrStoreUnavailable, err)
	}
	s.db, s.release = db, release

	for _, stmt := range allSchemaStatements() {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			s.Close()
			return nil, fmt.Errorf("creating schema: %w", err)
		}
	}

	return s, nil
}

// Close releases the database handle. Further calls fail with ErrStoreUnavailable.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.closeLocked()
}

func (s *Store) closeLocked() error {
	var err error
	if s.db != nil {
		err = s.db.Close()
		s.db = nil
	}
	if s.release != nil {
		s.release()
		s.release = nil
	}
	return err
}

// Ping verifies the database answers
func (s *Store) Ping(ctx context.Context) error {
	return s.do(ctx, "ping", func(db *sql.DB) error {
		return db.PingContext(ctx)
	})
}

func (s *Store) handle() (*sql.DB, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed || s.db == nil {
		return nil, core.ErrStoreUnavailable
	}
	return s.db, nil
}

// do runs fn against the current handle. A connection-level failure
// triggers one reconnect and one retry before ErrStoreUnavailable.
func (s *Store) do(ctx context.Context, op string, fn func(db *sql.DB) error) error {
	db, err := s.handle()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}

	err = fn(db)
	if err == nil {
		return nil
	}
	if !isConnError(err) {
		return fmt.Errorf("%s: %w", op, err)
	}

	s.logger.Warn("store connection lost, reconnecting", "op", op, "error", err)
	if rerr := s.reconnect(ctx, db); rerr != nil {
		return fmt.Errorf("%s: %w", op, errors.Join(core.ErrStoreUnavailable, rerr))
	}

	db, err = s.handle()
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if err := fn(db); err != nil {
		if isConnError(err) {
			return fmt.Errorf("%s: %w", op, errors.Join(core.ErrStoreUnavailable, err))
		}
		return fmt.Errorf("%s: %w", op, err)
	}
	return nil
}

// reconnect swaps in a new handle unless another caller already replaced stale
func (s *Store) reconnect(ctx context.Context, stale *sql.DB) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return core.ErrStoreUnavailable
	}
	if s.db != stale && s.db != nil {
		return nil
	}

	db, release, err := s.connect(ctx)
	if err != nil {
		return err
	}
	_ = s.closeLocked()
	s.db, s.release = db, release
	s.logger.Info("store reconnected")
	return nil
}

// isConnError reports whether err means the connection itself is unusable
func isConnError(err error) bool {
	if err == nil || errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, sql.ErrConnDone) {
		return true
	}
	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return true
	}
	if pgconn.SafeToRetry(err) {
		return true
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return strings.Contains(err.Error(), "sql: database is closed")
}

// q rewrites ? placeholders into the dialect's form
func (s *Store) q(query string) string {
	if s.dialect != dialectPostgres {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + 8)
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}
