package db

import (
	"codeshare/pkg/domain"
	"database/sql"
	"strconv"
	"strings"
	"time"

	"github.com/pkg/errors"
)

const (
	pasteColumns = "id, short_url, title, content, language, is_public, owner_id, view_count, created_at, updated_at, expires_at, edit_token_hash"
	purgeBatch   = 100
	maxPurgeIter = 10000
)

// dialect holds the bits of SQL that differ between sqlite and postgres.
type dialect struct {
	placeholder func(n int) string
	like        string
	truth       string
}

var (
	sqliteDialect = dialect{
		placeholder: func(int) string { return "?" },
		like:        "LIKE",
		truth:       "1",
	}
	postgresDialect = dialect{
		placeholder: func(n int) string { return "$" + strconv.Itoa(n) },
		like:        "ILIKE",
		truth:       "TRUE",
	}
)

// builder accumulates positional arguments for one statement.
type builder struct {
	d    dialect
	args []any
}

func (b *builder) arg(v any) string {
	b.args = append(b.args, v)
	return b.d.placeholder(len(b.args))
}
func (b *builder) live(now time.Time) string {
	return "(expires_at IS NULL OR expires_at > " + b.arg(now) + ")"
}

// set renders the SET list for patch plus updated_at.
func (b *builder) set(patch domain.Patch, at time.Time) string {
	var parts []string
	if patch.Title != nil {
		parts = append(parts, "title = "+b.arg(*patch.Title))
	}
	if patch.Content != nil {
		parts = append(parts, "content = "+b.arg(*patch.Content))
	}
	if patch.Language != nil {
		parts = append(parts, "language = "+b.arg(*patch.Language))
	}
	if patch.IsPublic != nil {
		parts = append(parts, "is_public = "+b.arg(*patch.IsPublic))
	}
	parts = append(parts, "updated_at = "+b.arg(at))
	return strings.Join(parts, ", ")
}

func updateOwnedQuery(d dialect, id, ownerID string, patch domain.Patch, at time.Time) (string, []any) {
	b := &builder{d: d}
	set := b.set(patch, at)
	q := "UPDATE pastes SET " + set +
		" WHERE id = " + b.arg(id) +
		" AND owner_id = " + b.arg(ownerID) +
		" AND " + b.live(at)
	return q, b.args
}
func updateAnonymousQuery(d dialect, id, tokenHash string, patch domain.Patch, at time.Time) (string, []any) {
	b := &builder{d: d}
	set := b.set(patch, at)
	q := "UPDATE pastes SET " + set +
		" WHERE id = " + b.arg(id) +
		" AND owner_id IS NULL AND edit_token_hash = " + b.arg(tokenHash) +
		" AND " + b.live(at)
	return q, b.args
}

// publicQueries returns the page query and the matching count query for q.
func publicQueries(d dialect, q domain.ExploreQuery, now time.Time) (string, []any, string, []any) {
	b := &builder{d: d}
	where := "is_public = " + d.truth + " AND " + b.live(now)
	if s := strings.TrimSpace(q.Search); s != "" {
		pattern := likePattern(s)
		where += " AND (title " + d.like + " " + b.arg(pattern) + ` ESCAPE '\'` +
			" OR content " + d.like + " " + b.arg(pattern) + ` ESCAPE '\')`
	}
	if q.Language != "" {
		where += " AND language = " + b.arg(strings.ToLower(q.Language))
	}
	countArgs := append([]any(nil), b.args...)
	count := "SELECT COUNT(*) FROM pastes WHERE " + where
	page := q.Page.Normalize()
	list := "SELECT " + pasteColumns + " FROM pastes WHERE " + where +
		" ORDER BY " + orderBy(q.Sort) +
		" LIMIT " + b.arg(page.Limit) + " OFFSET " + b.arg(page.Offset())
	return list, b.args, count, countArgs
}
func ownerQueries(d dialect, ownerID string, page domain.Page, now time.Time) (string, []any, string, []any) {
	b := &builder{d: d}
	where := "owner_id = " + b.arg(ownerID) + " AND " + b.live(now)
	countArgs := append([]any(nil), b.args...)
	count := "SELECT COUNT(*) FROM pastes WHERE " + where
	page = page.Normalize()
	list := "SELECT " + pasteColumns + " FROM pastes WHERE " + where +
		" ORDER BY created_at DESC LIMIT " + b.arg(page.Limit) + " OFFSET " + b.arg(page.Offset())
	return list, b.args, count, countArgs
}
func orderBy(s domain.SortOrder) string {
	switch s {
	case domain.SortPopular:
		return "view_count DESC, created_at DESC"
	case domain.SortOldest:
		return "created_at ASC"
	default:
		return "created_at DESC"
	}
}

// likePattern escapes LIKE wildcards in s and wraps it for a substring match.
func likePattern(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return "%" + r.Replace(s) + "%"
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanPaste(row rowScanner) (*domain.Paste, error) {
	var (
		p         domain.Paste
		ownerID   sql.NullString
		expiresAt sql.NullTime
		tokenHash sql.NullString
	)
	err := row.Scan(
		&p.ID, &p.ShortCode, &p.Title, &p.Content, &p.Language, &p.IsPublic,
		&ownerID, &p.ViewCount, &p.CreatedAt, &p.UpdatedAt, &expiresAt, &tokenHash,
	)
	if err != nil {
		return nil, err
	}
	if ownerID.Valid {
		p.OwnerID = &ownerID.String
	}
	if expiresAt.Valid {
		t := expiresAt.Time.UTC()
		p.ExpiresAt = &t
	}
	p.EditTokenHash = tokenHash.String
	p.CreatedAt = p.CreatedAt.UTC()
	p.UpdatedAt = p.UpdatedAt.UTC()
	return &p, nil
}

// insertArgs flattens p in pasteColumns order.
func insertArgs(p *domain.Paste) []any {
	var owner, token sql.NullString
	var expires sql.NullTime
	if p.OwnerID != nil {
		owner = sql.NullString{String: *p.OwnerID, Valid: true}
	}
	if p.EditTokenHash != "" {
		token = sql.NullString{String: p.EditTokenHash, Valid: true}
	}
	if p.ExpiresAt != nil {
		expires = sql.NullTime{Time: p.ExpiresAt.UTC(), Valid: true}
	}
	return []any{
		p.ID, p.ShortCode, p.Title, p.Content, p.Language, p.IsPublic,
		owner, p.ViewCount, p.CreatedAt.UTC(), p.UpdatedAt.UTC(), expires, token,
	}
}
func insertQuery(d dialect) string {
	ph := make([]string, 12)
	for i := range ph {
		ph[i] = d.placeholder(i + 1)
	}
	return "INSERT INTO pastes (" + pasteColumns + ") VALUES (" + strings.Join(ph, ", ") + ")"
}

func wrapNotFound(err error, noRows error, msg string) error {
	if errors.Is(err, noRows) {
		return domain.ErrPasteNotFound
	}
	return errors.Wrap(err, msg)
}
