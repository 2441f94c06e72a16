package db

import (
	"codeshare/pkg/domain"
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestPostgres(t *testing.T) *Postgres {
	t.Helper()
	url := os.Getenv("TEST_DATABASE_URL")
	if url == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}
	ctx := context.Background()
	p, err := NewPostgres(ctx, url, 5, 1, 5*time.Second)
	require.NoError(t, err)
	_, err = p.pool.Exec(ctx, "TRUNCATE pastes CASCADE")
	require.NoError(t, err)
	t.Cleanup(func() { p.Close() })
	return p
}

func TestPostgresLifecycle(t *testing.T) {
	p := newTestPostgres(t)
	ctx := context.Background()

	paste := testPaste("PGL001", strPtr("owner"), nil)
	require.NoError(t, p.Insert(ctx, paste))
	require.ErrorIs(t, p.Insert(ctx, testPaste("PGL001", nil, nil)), domain.ErrShortCodeTaken)

	got, err := p.SelectByShortCode(ctx, "PGL001")
	require.NoError(t, err)
	assert.Equal(t, paste.Content, got.Content)

	title := "renamed"
	updated, err := p.UpdateFields(ctx, paste.ID, "owner", domain.Patch{Title: &title}, time.Now())
	require.NoError(t, err)
	require.NotNil(t, updated)
	assert.Equal(t, "renamed", updated.Title)

	require.NoError(t, p.InsertView(ctx, domain.View{PasteID: paste.ID, CreatedAt: time.Now()}))
	got, err = p.SelectByShortCode(ctx, "PGL001")
	require.NoError(t, err)
	assert.EqualValues(t, 1, got.ViewCount)

	past := time.Now().Add(-time.Minute)
	require.NoError(t, p.Insert(ctx, testPaste("PGX001", nil, &past)))
	_, err = p.SelectByShortCode(ctx, "PGX001")
	require.ErrorIs(t, err, domain.ErrPasteNotFound)
	n, err := p.DeleteWhereExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	list, total, err := p.ListPublic(ctx, domain.ExploreQuery{Search: "RENAMED"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Len(t, list, 1)

	ok, err := p.DeleteByIDForOwner(ctx, paste.ID, "owner")
	require.NoError(t, err)
	assert.True(t, ok)
}
