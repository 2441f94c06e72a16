package db

import (
	"codeshare/pkg/domain"
	"context"
	"time"

	"github.com/exaring/otelpgx"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/pkg/errors"
)

const pgUniqueViolation = "23505"

type Postgres struct {
	pool         *pgxpool.Pool
	cb           breaker
	queryTimeout time.Duration
	now          func() time.Time
}

func NewPostgres(ctx context.Context, url string, maxConns, minConns int, queryTimeout time.Duration) (*Postgres, error) {
	pcfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, errors.Wrap(err, "parse database url")
	}
	if maxConns > 0 {
		pcfg.MaxConns = int32(maxConns)
	}
	if minConns > 0 && minConns <= maxConns {
		pcfg.MinConns = int32(minConns)
	}
	pcfg.MaxConnLifetime = 1 * time.Hour
	pcfg.MaxConnIdleTime = 10 * time.Minute
	pcfg.ConnConfig.Tracer = otelpgx.NewTracer()
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, errors.Wrap(err, "open pool")
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "failed to ping db")
	}
	if queryTimeout <= 0 {
		queryTimeout = defaultQueryTimeout
	}
	p := &Postgres{
		pool:         pool,
		queryTimeout: queryTimeout,
		now:          time.Now,
	}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, errors.Wrap(err, "migration failed")
	}
	return p, nil
}
func (p *Postgres) migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS pastes (
		id TEXT PRIMARY KEY,
		short_url TEXT NOT NULL,
		title TEXT NOT NULL,
		content TEXT NOT NULL,
		language TEXT NOT NULL,
		is_public BOOLEAN NOT NULL DEFAULT TRUE,
		owner_id TEXT,
		view_count BIGINT NOT NULL DEFAULT 0,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL,
		expires_at TIMESTAMPTZ,
		edit_token_hash TEXT
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_pastes_short_url ON pastes(short_url);
	CREATE INDEX IF NOT EXISTS idx_pastes_expires_at ON pastes(expires_at);
	CREATE INDEX IF NOT EXISTS idx_pastes_owner_id ON pastes(owner_id);
	CREATE TABLE IF NOT EXISTS paste_views (
		id BIGSERIAL PRIMARY KEY,
		paste_id TEXT NOT NULL REFERENCES pastes(id) ON DELETE CASCADE,
		viewer_ip_hash TEXT,
		viewer_id TEXT,
		created_at TIMESTAMPTZ NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_paste_views_paste_id ON paste_views(paste_id);
	`)
	return err
}

func isPgUnique(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}
func (p *Postgres) ExistsByShortCode(ctx context.Context, code string) (bool, error) {
	if err := p.cb.check(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	var exists bool
	err := p.pool.QueryRow(queryCtx, `SELECT EXISTS (SELECT 1 FROM pastes WHERE short_url = $1)`, code).Scan(&exists)
	p.cb.record(err)
	if err != nil {
		return false, errors.Wrap(err, "exists check failed")
	}
	return exists, nil
}
func (p *Postgres) Insert(ctx context.Context, paste *domain.Paste) error {
	if err := p.cb.check(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	_, err := p.pool.Exec(queryCtx, insertQuery(postgresDialect), insertArgs(paste)...)
	if isPgUnique(err) {
		err = domain.ErrShortCodeTaken
	}
	p.cb.record(err)
	if errors.Is(err, domain.ErrShortCodeTaken) {
		return err
	}
	return errors.Wrap(err, "db insert")
}
func (p *Postgres) SelectByShortCode(ctx context.Context, code string) (*domain.Paste, error) {
	if err := p.cb.check(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	b := &builder{d: postgresDialect}
	q := "SELECT " + pasteColumns + " FROM pastes WHERE short_url = " + b.arg(code) + " AND " + b.live(p.now().UTC())
	paste, err := scanPaste(p.pool.QueryRow(queryCtx, q, b.args...))
	p.cb.record(err)
	if err != nil {
		return nil, wrapNotFound(err, pgx.ErrNoRows, "db select")
	}
	return paste, nil
}
func (p *Postgres) UpdateFields(ctx context.Context, id, ownerID string, patch domain.Patch, at time.Time) (*domain.Paste, error) {
	q, args := updateOwnedQuery(postgresDialect, id, ownerID, patch, at.UTC())
	return p.updateReturning(ctx, returning(q), args)
}
func (p *Postgres) UpdateAnonymous(ctx context.Context, id, tokenHash string, patch domain.Patch, at time.Time) (*domain.Paste, error) {
	q, args := updateAnonymousQuery(postgresDialect, id, tokenHash, patch, at.UTC())
	return p.updateReturning(ctx, returning(q), args)
}
func returning(q string) string {
	return q + " RETURNING " + pasteColumns
}
func (p *Postgres) updateReturning(ctx context.Context, q string, args []any) (*domain.Paste, error) {
	if err := p.cb.check(); err != nil {
		return nil, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	paste, err := scanPaste(p.pool.QueryRow(queryCtx, q, args...))
	p.cb.record(err)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "db update")
	}
	return paste, nil
}
func (p *Postgres) DeleteByIDForOwner(ctx context.Context, id, ownerID string) (bool, error) {
	return p.deleteOne(ctx, `DELETE FROM pastes WHERE id = $1 AND owner_id = $2`, id, ownerID)
}
func (p *Postgres) DeleteAnonymous(ctx context.Context, id, tokenHash string) (bool, error) {
	return p.deleteOne(ctx, `DELETE FROM pastes WHERE id = $1 AND owner_id IS NULL AND edit_token_hash = $2`, id, tokenHash)
}
func (p *Postgres) deleteOne(ctx context.Context, q string, args ...any) (bool, error) {
	if err := p.cb.check(); err != nil {
		return false, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	tag, err := p.pool.Exec(queryCtx, q, args...)
	p.cb.record(err)
	if err != nil {
		return false, errors.Wrap(err, "delete paste")
	}
	return tag.RowsAffected() > 0, nil
}
func (p *Postgres) DeleteWhereExpired(ctx context.Context) (int, error) {
	if err := p.cb.check(); err != nil {
		return 0, err
	}
	now := p.now().UTC()
	totalDeleted := 0
	for i := 0; i < maxPurgeIter; i++ {
		if err := ctx.Err(); err != nil {
			return totalDeleted, err
		}
		queryCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
		tag, err := p.pool.Exec(queryCtx, `
			DELETE FROM pastes
			WHERE id IN (
				SELECT id FROM pastes
				WHERE expires_at IS NOT NULL AND expires_at <= $1
				LIMIT $2
			)
		`, now, purgeBatch)
		cancel()
		p.cb.record(err)
		if err != nil {
			return totalDeleted, errors.Wrap(err, "cleanup batch failed")
		}
		deleted := int(tag.RowsAffected())
		totalDeleted += deleted
		if deleted < purgeBatch {
			return totalDeleted, nil
		}
	}
	return totalDeleted, errors.New("cleanup hit iteration limit, more records may exist")
}
func (p *Postgres) InsertView(ctx context.Context, v domain.View) error {
	if err := p.cb.check(); err != nil {
		return err
	}
	queryCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	err := pgx.BeginFunc(queryCtx, p.pool, func(tx pgx.Tx) error {
		_, err := tx.Exec(queryCtx,
			`INSERT INTO paste_views (paste_id, viewer_ip_hash, viewer_id, created_at) VALUES ($1, $2, $3, $4)`,
			v.PasteID, v.ViewerIPHash, v.ViewerID, v.CreatedAt.UTC(),
		)
		if err != nil {
			return err
		}
		_, err = tx.Exec(queryCtx, `UPDATE pastes SET view_count = view_count + 1 WHERE id = $1`, v.PasteID)
		return err
	})
	p.cb.record(err)
	return errors.Wrap(err, "record view")
}
func (p *Postgres) ListByOwner(ctx context.Context, ownerID string, page domain.Page) ([]*domain.Paste, int, error) {
	list, args, count, countArgs := ownerQueries(postgresDialect, ownerID, page, p.now().UTC())
	return p.list(ctx, list, args, count, countArgs)
}
func (p *Postgres) ListPublic(ctx context.Context, q domain.ExploreQuery) ([]*domain.Paste, int, error) {
	list, args, count, countArgs := publicQueries(postgresDialect, q, p.now().UTC())
	return p.list(ctx, list, args, count, countArgs)
}
func (p *Postgres) list(ctx context.Context, list string, args []any, count string, countArgs []any) ([]*domain.Paste, int, error) {
	if err := p.cb.check(); err != nil {
		return nil, 0, err
	}
	queryCtx, cancel := context.WithTimeout(ctx, p.queryTimeout)
	defer cancel()
	var total int
	if err := p.pool.QueryRow(queryCtx, count, countArgs...).Scan(&total); err != nil {
		p.cb.record(err)
		return nil, 0, errors.Wrap(err, "count pastes")
	}
	rows, err := p.pool.Query(queryCtx, list, args...)
	if err != nil {
		p.cb.record(err)
		return nil, 0, errors.Wrap(err, "list pastes")
	}
	defer rows.Close()
	pastes := make([]*domain.Paste, 0)
	for rows.Next() {
		paste, err := scanPaste(rows)
		if err != nil {
			p.cb.record(err)
			return nil, 0, errors.Wrap(err, "scan paste")
		}
		pastes = append(pastes, paste)
	}
	err = rows.Err()
	p.cb.record(err)
	if err != nil {
		return nil, 0, errors.Wrap(err, "iterate pastes")
	}
	return pastes, total, nil
}
func (p *Postgres) Ping(ctx context.Context) error {
	return p.pool.Ping(ctx)
}
func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}
