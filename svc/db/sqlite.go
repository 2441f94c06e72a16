package db

import (
	"codeshare/pkg/domain"
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
)

const (
	defaultMaxOpenConns = 25
	defaultMaxIdleConns = 5
	defaultQueryTimeout = 5 * time.Second
	sqliteDSNParams     = "_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=1&_txlock=immediate"
)

type SQLite struct {
	db           *sql.DB
	cb           breaker
	queryTimeout time.Duration
	now          func() time.Time
}

func (s *SQLite) DB() *sql.DB {
	return s.db
}
func NewSQLite(path string) (*SQLite, error) {
	return NewSQLiteWithConfig(path, defaultMaxOpenConns, defaultMaxIdleConns, defaultQueryTimeout)
}

func NewSQLiteWithConfig(path string, maxOpenConns, maxIdleConns int, queryTimeout time.Duration) (*SQLite, error) {
	db, err := sql.Open("sqlite3", sqliteDSN(path))
	if err != nil {
		return nil, errors.Wrap(err, "failed to open db")
	}
	if path == ":memory:" {
		maxOpenConns, maxIdleConns = 1, 1
	}
	db.SetMaxOpenConns(maxOpenConns)
	db.SetMaxIdleConns(maxIdleConns)
	db.SetConnMaxLifetime(1 * time.Hour)
	db.SetConnMaxIdleTime(10 * time.Minute)
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	s := &SQLite{
		db:           db,
		queryTimeout: queryTimeout,
		now:          time.Now,
	}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return s, nil
}

// sqliteDSN appends the connection pragmas every pooled connection needs.
func sqliteDSN(path string) string {
	if strings.Contains(path, "?") {
		return path + "&" + sqliteDSNParams
	}
	return path + "?" + sqliteDSNParams
}
func (s *SQLite) migrate() error {
	if _, err := s.db.Exec("PRAGMA synchronous=FULL"); err != nil {
		return errors.Wrap(err, "set synchronous mode")
	}
	query := `
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT PRIMARY KEY,
		short_url TEXT NOT NULL,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		language TEXT NOT NULL,
		is_public BOOLEAN NOT NULL DEFAULT 1,
		owner_id TEXT,
		view_count INTEGER NOT NULL DEFAULT 0,
		created_at DATETIME NOT NULL,
		updated_at DATETIME NOT NULL,
		expires_at DATETIME,
		edit_token_hash TEXT
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_pastes_short_url ON pastes(short_url);
	CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes(expires_at);
	CREATE INDEX IF NOT EXISTS idx_pastes_owner_id ON pastes(owner_id);
	CREATE TABLE IF NOT EXISTS paste_views (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		paste_id TEXT NOT NULL REFERENCES pastes(id) ON DELETE CASCADE,
		viewer_ip_hash TEXT,
		viewer_id TEXT,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_paste_views_paste_id ON paste_views(paste_id);
	`
	_, err := s.db.Exec(query)
	return err
}

func isSQLiteUnique(err error) bool {
	var se sqlite3.Error
	return errors.As(err, &se) && se.ExtendedCode == sqlite3.ErrConstraintUnique
}
func (s *SQLite) ExistsByShortCode(ctx context.Context, code string) (bool, error) {
	if err := s.cb.check(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var exists int
	err := s.db.QueryRowContext(queryCtx, `SELECT 1 FROM pastes WHERE short_url = ? LIMIT 1`, code).Scan(&exists)
	s.cb.record(err)
	if errors.Is(err, sql.ErrNoRows) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists == 1, nil
}
func (s *SQLite) Insert(ctx context.Context, p *domain.Paste) error {
	if err := s.cb.check(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	_, err := s.db.ExecContext(queryCtx, insertQuery(sqliteDialect), insertArgs(p)...)
	if isSQLiteUnique(err) {
		err = domain.ErrShortCodeTaken
	}
	s.cb.record(err)
	if errors.Is(err, domain.ErrShortCodeTaken) {
		return err
	}
	return errors.Wrap(err, "db insert")
}
func (s *SQLite) SelectByShortCode(ctx context.Context, code string) (*domain.Paste, error) {
	if err := s.cb.check(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	b := &builder{d: sqliteDialect}
	q := "SELECT " + pasteColumns + " FROM pastes WHERE short_url = " + b.arg(code) + " AND " + b.live(s.now().UTC())
	p, err := scanPaste(s.db.QueryRowContext(queryCtx, q, b.args...))
	s.cb.record(err)
	if err != nil {
		return nil, wrapNotFound(err, sql.ErrNoRows, "db select")
	}
	return p, nil
}
func (s *SQLite) UpdateFields(ctx context.Context, id, ownerID string, patch domain.Patch, at time.Time) (*domain.Paste, error) {
	q, args := updateOwnedQuery(sqliteDialect, id, ownerID, patch, at.UTC())
	return s.updateThenSelect(ctx, id, q, args)
}
func (s *SQLite) UpdateAnonymous(ctx context.Context, id, tokenHash string, patch domain.Patch, at time.Time) (*domain.Paste, error) {
	q, args := updateAnonymousQuery(sqliteDialect, id, tokenHash, patch, at.UTC())
	return s.updateThenSelect(ctx, id, q, args)
}

// updateThenSelect runs a conditional update and reads the row back in the
// same transaction. It returns nil, nil when the update matched nothing.
func (s *SQLite) updateThenSelect(ctx context.Context, id, q string, args []any) (*domain.Paste, error) {
	if err := s.cb.check(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		s.cb.record(err)
		return nil, errors.Wrap(err, "begin update tx")
	}
	defer tx.Rollback()
	res, err := tx.ExecContext(queryCtx, q, args...)
	if err != nil {
		s.cb.record(err)
		return nil, errors.Wrap(err, "db update")
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return nil, errors.Wrap(err, "rows affected")
	}
	p, err := scanPaste(tx.QueryRowContext(queryCtx, "SELECT "+pasteColumns+" FROM pastes WHERE id = ?", id))
	if err == nil {
		err = tx.Commit()
	}
	s.cb.record(err)
	if err != nil {
		return nil, errors.Wrap(err, "db update")
	}
	return p, nil
}
func (s *SQLite) DeleteByIDForOwner(ctx context.Context, id, ownerID string) (bool, error) {
	return s.deleteOne(ctx, `DELETE FROM pastes WHERE id = ? AND owner_id = ?`, id, ownerID)
}
func (s *SQLite) DeleteAnonymous(ctx context.Context, id, tokenHash string) (bool, error) {
	return s.deleteOne(ctx, `DELETE FROM pastes WHERE id = ? AND owner_id IS NULL AND edit_token_hash = ?`, id, tokenHash)
}
func (s *SQLite) deleteOne(ctx context.Context, q string, args ...any) (bool, error) {
	if err := s.cb.check(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	res, err := s.db.ExecContext(queryCtx, q, args...)
	s.cb.record(err)
	if err != nil {
		return false, errors.Wrap(err, "delete paste")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n > 0, nil
}

// DeleteWhereExpired removes expired rows in batches of purgeBatch.
func (s *SQLite) DeleteWhereExpired(ctx context.Context) (int, error) {
	if err := s.cb.check(); err != nil {
		return 0, err
	}
	now := s.now().UTC()
	totalDeleted := 0
	for i := 0; i < maxPurgeIter; i++ {
		if err := ctx.Err(); err != nil {
			return totalDeleted, err
		}
		queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
		result, err := s.db.ExecContext(queryCtx, `
			DELETE FROM pastes
			WHERE id IN (
				SELECT id FROM pastes
				WHERE expires_at IS NOT NULL AND expires_at <= ?
				LIMIT ?
			)
		`, now, purgeBatch)
		cancel()
		s.cb.record(err)
		if err != nil {
			return totalDeleted, errors.Wrap(err, "cleanup batch failed")
		}
		deleted, _ := result.RowsAffected()
		totalDeleted += int(deleted)
		if deleted < purgeBatch {
			return totalDeleted, nil
		}
	}
	return totalDeleted, errors.New("cleanup hit iteration limit, more records may exist")
}
func (s *SQLite) InsertView(ctx context.Context, v domain.View) error {
	if err := s.cb.check(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	tx, err := s.db.BeginTx(queryCtx, nil)
	if err != nil {
		s.cb.record(err)
		return errors.Wrap(err, "begin view tx")
	}
	defer tx.Rollback()
	_, err = tx.ExecContext(queryCtx,
		`INSERT INTO paste_views (paste_id, viewer_ip_hash, viewer_id, created_at) VALUES (?, ?, ?, ?)`,
		v.PasteID, v.ViewerIPHash, v.ViewerID, v.CreatedAt.UTC(),
	)
	if err == nil {
		_, err = tx.ExecContext(queryCtx, `UPDATE pastes SET view_count = view_count + 1 WHERE id = ?`, v.PasteID)
	}
	if err == nil {
		err = tx.Commit()
	}
	s.cb.record(err)
	return errors.Wrap(err, "record view")
}
func (s *SQLite) ListByOwner(ctx context.Context, ownerID string, page domain.Page) ([]*domain.Paste, int, error) {
	list, args, count, countArgs := ownerQueries(sqliteDialect, ownerID, page, s.now().UTC())
	return s.list(ctx, list, args, count, countArgs)
}
func (s *SQLite) ListPublic(ctx context.Context, q domain.ExploreQuery) ([]*domain.Paste, int, error) {
	list, args, count, countArgs := publicQueries(sqliteDialect, q, s.now().UTC())
	return s.list(ctx, list, args, count, countArgs)
}
func (s *SQLite) list(ctx context.Context, list string, args []any, count string, countArgs []any) ([]*domain.Paste, int, error) {
	if err := s.cb.check(); err != nil {
		return nil, 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, s.queryTimeout)
	defer cancel()
	var total int
	if err := s.db.QueryRowContext(queryCtx, count, countArgs...).Scan(&total); err != nil {
		s.cb.record(err)
		return nil, 0, errors.Wrap(err, "count pastes")
	}
	rows, err := s.db.QueryContext(queryCtx, list, args...)
	if err != nil {
		s.cb.record(err)
		return nil, 0, errors.Wrap(err, "list pastes")
	}
	defer rows.Close()
	pastes := make([]*domain.Paste, 0)
	for rows.Next() {
		p, err := scanPaste(rows)
		if err != nil {
			s.cb.record(err)
			return nil, 0, errors.Wrap(err, "scan paste")
		}
		pastes = append(pastes, p)
	}
	err = rows.Err()
	s.cb.record(err)
	if err != nil {
		return nil, 0, errors.Wrap(err, "iterate pastes")
	}
	return pastes, total, nil
}
func (s *SQLite) Close() error {
	return s.db.Close()
}
