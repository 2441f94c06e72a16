package svc

import (
	"codeshare/pkg/domain"
	"context"
	"time"
)

// Store is the persistence collaborator of the paste service. Implementations
// own their connection pool and must be safe for concurrent use.
type Store interface {
	// ExistsByShortCode reports whether any row, expired or not, uses code.
	ExistsByShortCode(ctx context.Context, code string) (bool, error)
	// Insert returns domain.ErrShortCodeTaken when the short code unique index rejects the row.
	Insert(ctx context.Context, p *domain.Paste) error
	// SelectByShortCode excludes expired rows and returns domain.ErrPasteNotFound.
	SelectByShortCode(ctx context.Context, code string) (*domain.Paste, error)
	// UpdateFields applies patch to the live row matching id and ownerID. It returns nil, nil when nothing matched.
	UpdateFields(ctx context.Context, id, ownerID string, patch domain.Patch, at time.Time) (*domain.Paste, error)
	DeleteByIDForOwner(ctx context.Context, id, ownerID string) (bool, error)
	// UpdateAnonymous matches live ownerless rows by id and edit token hash.
	UpdateAnonymous(ctx context.Context, id, tokenHash string, patch domain.Patch, at time.Time) (*domain.Paste, error)
	DeleteAnonymous(ctx context.Context, id, tokenHash string) (bool, error)
	DeleteWhereExpired(ctx context.Context) (int, error)
	// InsertView records a view and bumps the paste's view count.
	InsertView(ctx context.Context, v domain.View) error
	ListByOwner(ctx context.Context, ownerID string, page domain.Page) ([]*domain.Paste, int, error)
	ListPublic(ctx context.Context, q domain.ExploreQuery) ([]*domain.Paste, int, error)
	Ping(ctx context.Context) error
	Close() error
}

type TokenHasher interface {
	Hash(secret string) (string, error)
	Verify(secret, encoded string) (match bool, needsRehash bool, err error)
}

type IPHasher interface {
	HashIP(ip string) (string, error)
}

// Cache is an optional read-through cache of live pastes keyed by short code.
type Cache interface {
	Get(ctx context.Context, code string) *domain.Paste
	Epoch() uint64
	Set(ctx context.Context, p *domain.Paste, ttl time.Duration, epoch uint64)
	Delete(code string)
	DeleteID(id string)
}
