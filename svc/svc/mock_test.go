package svc

import (
	"codeshare/pkg/domain"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/stretchr/testify/mock"
)

type mockStore struct {
	mock.Mock
}

func (m *mockStore) ExistsByShortCode(ctx context.Context, code string) (bool, error) {
	args := m.Called(ctx, code)
	return args.Bool(0), args.Error(1)
}
func (m *mockStore) Insert(ctx context.Context, p *domain.Paste) error {
	return m.Called(ctx, p).Error(0)
}
func (m *mockStore) SelectByShortCode(ctx context.Context, code string) (*domain.Paste, error) {
	args := m.Called(ctx, code)
	p, _ := args.Get(0).(*domain.Paste)
	return p, args.Error(1)
}
func (m *mockStore) UpdateFields(ctx context.Context, id, ownerID string, patch domain.Patch, at time.Time) (*domain.Paste, error) {
	args := m.Called(ctx, id, ownerID, patch, at)
	p, _ := args.Get(0).(*domain.Paste)
	return p, args.Error(1)
}
func (m *mockStore) DeleteByIDForOwner(ctx context.Context, id, ownerID string) (bool, error) {
	args := m.Called(ctx, id, ownerID)
	return args.Bool(0), args.Error(1)
}
func (m *mockStore) UpdateAnonymous(ctx context.Context, id, tokenHash string, patch domain.Patch, at time.Time) (*domain.Paste, error) {
	args := m.Called(ctx, id, tokenHash, patch, at)
	p, _ := args.Get(0).(*domain.Paste)
	return p, args.Error(1)
}
func (m *mockStore) DeleteAnonymous(ctx context.Context, id, tokenHash string) (bool, error) {
	args := m.Called(ctx, id, tokenHash)
	return args.Bool(0), args.Error(1)
}
func (m *mockStore) DeleteWhereExpired(ctx context.Context) (int, error) {
	args := m.Called(ctx)
	return args.Int(0), args.Error(1)
}
func (m *mockStore) InsertView(ctx context.Context, v domain.View) error {
	return m.Called(ctx, v).Error(0)
}
func (m *mockStore) ListByOwner(ctx context.Context, ownerID string, page domain.Page) ([]*domain.Paste, int, error) {
	args := m.Called(ctx, ownerID, page)
	p, _ := args.Get(0).([]*domain.Paste)
	return p, args.Int(1), args.Error(2)
}
func (m *mockStore) ListPublic(ctx context.Context, q domain.ExploreQuery) ([]*domain.Paste, int, error) {
	args := m.Called(ctx, q)
	p, _ := args.Get(0).([]*domain.Paste)
	return p, args.Int(1), args.Error(2)
}
func (m *mockStore) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}
func (m *mockStore) Close() error {
	return m.Called().Error(0)
}

// shaHasher stands in for the argon2 hasher, which is too slow for unit tests.
type shaHasher struct{}

func (shaHasher) Hash(secret string) (string, error) {
	sum := sha256.Sum256([]byte(secret))
	return hex.EncodeToString(sum[:]), nil
}
func (h shaHasher) Verify(secret, encoded string) (bool, bool, error) {
	got, _ := h.Hash(secret)
	return got == encoded, false, nil
}

type prefixIPHasher struct{}

func (prefixIPHasher) HashIP(ip string) (string, error) {
	return "hashed:" + ip, nil
}
