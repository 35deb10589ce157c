// Package store persists matched posts and serves them back in feed order.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // registers "pgx"
	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq" // registers "postgres"
	"go.uber.org/zap"
	_ "modernc.org/sqlite" // registers "sqlite"

	"github.com/Seklfreak/bluesky-topic-feed/internal/clock"
)

// Supported database drivers.
const (
	DriverPostgres = "postgres"
	DriverPgx      = "pgx"
	DriverSQLite   = "sqlite"
)

func init() {
	sqlx.BindDriver(DriverSQLite, sqlx.QUESTION)
}

// Store is the posts table. It is safe for concurrent use; concurrent Apply
// calls are serialized by the database through the uri primary key, not by
// a lock in this package.
type Store struct {
	db     *sqlx.DB
	clock  clock.Clock
	logger *zap.Logger
}

// Open connects to the database, verifies the connection and runs the
// migrations.
func Open(ctx context.Context, driver, dsn string, clk clock.Clock, logger *zap.Logger) (*Store, error) {
	switch driver {
	case DriverPostgres, DriverPgx, DriverSQLite:
	default:
		return nil, fmt.Errorf("unsupported database driver %q", driver)
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	if driver == DriverSQLite {
		// every connection to ":memory:" is a separate database, and SQLite
		// allows a single writer anyway
		db.SetMaxOpenConns(1)
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	for i, stmt := range migrations {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("run migration %d: %w", i, err)
		}
	}

	if clk == nil {
		clk = clock.NewMonotonic(clock.Real())
	}

	return &Store{
		db:     db,
		clock:  clk,
		logger: logger.Named("store"),
	}, nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping reports whether the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return unavailable("ping", err)
	}
	return nil
}

// Apply deletes every row whose uri is in deleteURIs and then inserts the
// creates, skipping any uri that already exists. Both happen in one
// transaction, so a delete and a create of the same uri in one call leaves
// the created row. Creates are stamped with the current time.
func (s *Store) Apply(ctx context.Context, creates []Post, deleteURIs []string) error {
	if len(creates) == 0 && len(deleteURIs) == 0 {
		return nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return unavailable("begin apply", err)
	}
	defer tx.Rollback()

	if len(deleteURIs) > 0 {
		query, args, err := sqlx.In(`DELETE FROM posts WHERE uri IN (?)`, deleteURIs)
		if err != nil {
			return fmt.Errorf("build delete: %w", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), args...); err != nil {
			return unavailable("delete posts", err)
		}
	}

	if len(creates) > 0 {
		now := s.clock.Now()
		insert := tx.Rebind(`
INSERT INTO posts (uri, cid, indexed_at)
VALUES (?, ?, ?)
ON CONFLICT (uri) DO NOTHING
`)
		for _, p := range creates {
			indexedAt := p.IndexedAt
			if indexedAt.IsZero() {
				indexedAt = now
			}
			if _, err := tx.ExecContext(ctx, insert, p.URI, p.CID, indexedAt.UnixMilli()); err != nil {
				return unavailable("insert post", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return unavailable("commit apply", err)
	}
	return nil
}

type postRow struct {
	URI       string `db:"uri"`
	CID       string `db:"cid"`
	IndexedAt int64  `db:"indexed_at"`
}

func (r postRow) post() Post {
	return Post{URI: r.URI, CID: r.CID, IndexedAt: time.UnixMilli(r.IndexedAt).UTC()}
}

// Query returns one page ordered by indexedAt descending, then uri
// descending.
func (s *Store) Query(ctx context.Context, params QueryParams) (*Page, error) {
	limit := clampLimit(params.Limit)

	beforeMillis := int64(math.MaxInt64)
	beforeURI := ""
	if params.Before != nil {
		beforeMillis = params.Before.IndexedAt.UnixMilli()
		beforeURI = params.Before.URI
	}

	var rows []postRow
	err := s.db.SelectContext(ctx, &rows, s.db.Rebind(`
SELECT uri, cid, indexed_at
FROM posts
WHERE indexed_at < ? OR (indexed_at = ? AND uri < ?)
ORDER BY indexed_at DESC, uri DESC
LIMIT ?
`), beforeMillis, beforeMillis, beforeURI, limit)
	if err != nil {
		return nil, unavailable("query posts", err)
	}

	page := &Page{Posts: make([]Post, len(rows))}
	for i, r := range rows {
		page.Posts[i] = r.post()
	}
	if n := len(page.Posts); n > 0 {
		last := page.Posts[n-1]
		page.Next = &Cursor{IndexedAt: last.IndexedAt, URI: last.URI}
	}
	return page, nil
}

// Prune removes posts older than maxAge and everything past the newest
// maxRows. A zero bound is ignored. It returns the number of rows removed.
func (s *Store) Prune(ctx context.Context, maxAge time.Duration, maxRows int) (int64, error) {
	if maxAge <= 0 && maxRows <= 0 {
		return 0, nil
	}

	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return 0, unavailable("begin prune", err)
	}
	defer tx.Rollback()

	var deleted int64

	if maxAge > 0 {
		cutoff := s.clock.Now().Add(-maxAge).UnixMilli()
		res, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM posts WHERE indexed_at < ?`), cutoff)
		if err != nil {
			return 0, unavailable("delete expired posts", err)
		}
		n, _ := res.RowsAffected()
		deleted += n
	}

	if maxRows > 0 {
		var boundary postRow
		err := tx.GetContext(ctx, &boundary, tx.Rebind(`
SELECT uri, cid, indexed_at
FROM posts
ORDER BY indexed_at DESC, uri DESC
LIMIT 1 OFFSET ?
`), maxRows)
		switch {
		case errors.Is(err, sql.ErrNoRows):
		case err != nil:
			return 0, unavailable("find row cap boundary", err)
		default:
			res, err := tx.ExecContext(ctx, tx.Rebind(`
DELETE FROM posts
WHERE indexed_at < ? OR (indexed_at = ? AND uri <= ?)
`), boundary.IndexedAt, boundary.IndexedAt, boundary.URI)
			if err != nil {
				return 0, unavailable("delete excess posts", err)
			}
			n, _ := res.RowsAffected()
			deleted += n
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, unavailable("commit prune", err)
	}
	return deleted, nil
}

// Cursor returns the saved upstream position for service, or 0 when none
// has been saved.
func (s *Store) Cursor(ctx context.Context, service string) (int64, error) {
	var cursor int64
	err := s.db.GetContext(ctx, &cursor, s.db.Rebind(`SELECT seq FROM subscription_state WHERE service = ?`), service)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, nil
	}
	if err != nil {
		return 0, unavailable("get cursor", err)
	}
	return cursor, nil
}

// SaveCursor upserts the upstream position for service.
func (s *Store) SaveCursor(ctx context.Context, service string, cursor int64) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`
INSERT INTO subscription_state (service, seq)
VALUES (?, ?)
ON CONFLICT (service) DO UPDATE SET seq = excluded.seq
`), service, cursor)
	if err != nil {
		return unavailable("save cursor", err)
	}
	return nil
}

func unavailable(op string, err error) error {
	return fmt.Errorf("%s: %w: %w", op, ErrUnavailable, err)
}
