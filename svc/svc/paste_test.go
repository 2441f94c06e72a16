package svc

import (
	"codeshare/cfg"
	"codeshare/pkg/domain"
	"codeshare/pkg/shortcode"
	"codeshare/svc/cache"
	"codeshare/svc/db"
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testCfg() *cfg.Cfg {
	return &cfg.Cfg{
		BaseURL:       "http://localhost:8080",
		AnonTTL:       24 * time.Hour,
		ViewWorkers:   2,
		ViewQueueSize: 16,
	}
}
func newSQLiteStore(t *testing.T) *db.SQLite {
	t.Helper()
	s, err := db.NewSQLite(filepath.Join(t.TempDir(), "svc.db"))
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}
func newTestPaste(t *testing.T, store Store, opts ...Option) *Paste {
	t.Helper()
	opts = append([]Option{WithTokenHasher(shaHasher{}), WithIPHasher(prefixIPHasher{})}, opts...)
	p := NewPaste(store, shortcode.New(), testCfg(), opts...)
	t.Cleanup(p.Shutdown)
	return p
}
func owner(id string) *string { return &id }

func TestCreateAnonymousPasteScenario(t *testing.T) {
	store := newSQLiteStore(t)
	p := newTestPaste(t, store)
	ctx := context.Background()

	created, token, err := p.Create(ctx, domain.CreateParams{
		Title:    "hello",
		Content:  "console.log(1)",
		Language: "javascript",
		IsPublic: true,
	})
	require.NoError(t, err)
	assert.Len(t, created.ShortCode, shortcode.Length)
	assert.True(t, shortcode.IsValidFormat(created.ShortCode))
	require.NotNil(t, created.ExpiresAt)
	assert.WithinDuration(t, time.Now().Add(24*time.Hour), *created.ExpiresAt, 5*time.Second)
	assert.Len(t, token, EditTokenLength)
	assert.Equal(t, "http://localhost:8080/paste/"+created.ShortCode, created.ShareURL)
	assert.True(t, created.IsAnonymous())

	got, err := p.GetByShortCode(ctx, created.ShortCode, domain.Viewer{IP: "203.0.113.7"})
	require.NoError(t, err)
	assert.Equal(t, "console.log(1)", got.Content)
	assert.Equal(t, "javascript", got.Language)
	assert.EqualValues(t, 0, got.ViewCount)

	require.Eventually(t, func() bool {
		row, err := store.SelectByShortCode(ctx, created.ShortCode)
		return err == nil && row.ViewCount == 1
	}, 2*time.Second, 10*time.Millisecond)
}
func TestCreateOwnedPasteIsPermanent(t *testing.T) {
	p := newTestPaste(t, newSQLiteStore(t))
	ctx := context.Background()

	created, token, err := p.Create(ctx, domain.CreateParams{
		Title: "mine", Content: "fmt.Println()", Language: "go", IsPublic: false, OwnerID: owner("alice"),
	})
	require.NoError(t, err)
	assert.Nil(t, created.ExpiresAt)
	assert.Empty(t, token)
	assert.Empty(t, created.EditTokenHash)

	got, err := p.GetByShortCode(ctx, created.ShortCode, domain.Viewer{UserID: "alice"})
	require.NoError(t, err)
	assert.Equal(t, created.Title, got.Title)
	assert.Equal(t, created.Content, got.Content)
	assert.False(t, got.IsPublic)
}
func TestPrivatePasteVisibility(t *testing.T) {
	p := newTestPaste(t, newSQLiteStore(t))
	ctx := context.Background()
	created, _, err := p.Create(ctx, domain.CreateParams{
		Title: "secret", Content: "x", Language: "text", OwnerID: owner("alice"),
	})
	require.NoError(t, err)

	_, err = p.GetByShortCode(ctx, created.ShortCode, domain.Viewer{UserID: "bob"})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = p.GetByShortCode(ctx, created.ShortCode, domain.Viewer{})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = p.GetByShortCode(ctx, created.ShortCode, domain.Viewer{UserID: "alice"})
	assert.NoError(t, err)
}
func TestGetMalformedCodeSkipsStore(t *testing.T) {
	store := new(mockStore)
	p := newTestPaste(t, store)
	for _, code := range []string{"", "abc", "abcdefg", "abc-12", "ABC 12"} {
		_, err := p.GetByShortCode(context.Background(), code, domain.Viewer{})
		assert.ErrorIs(t, err, domain.ErrPasteNotFound, code)
	}
	store.AssertNotCalled(t, "SelectByShortCode", mock.Anything, mock.Anything)
}
func TestExpiredPasteUnreadableButPresent(t *testing.T) {
	store := newSQLiteStore(t)
	past := func() time.Time { return time.Now().Add(-48 * time.Hour) }
	p := newTestPaste(t, store, WithClock(past))
	ctx := context.Background()

	created, _, err := p.Create(ctx, domain.CreateParams{Title: "old", Content: "x", Language: "text", IsPublic: true})
	require.NoError(t, err)

	live := newTestPaste(t, store)
	_, err = live.GetByShortCode(ctx, created.ShortCode, domain.Viewer{})
	assert.ErrorIs(t, err, domain.ErrPasteNotFound)
	exists, err := store.ExistsByShortCode(ctx, created.ShortCode)
	require.NoError(t, err)
	assert.True(t, exists)
}
func TestExpiryCheckedAgainstServiceClock(t *testing.T) {
	store := new(mockStore)
	expired := time.Now().Add(-time.Second)
	store.On("SelectByShortCode", mock.Anything, "Abc123").Return(&domain.Paste{
		ID: "id", ShortCode: "Abc123", IsPublic: true, ExpiresAt: &expired,
	}, nil)
	p := newTestPaste(t, store)
	_, err := p.GetByShortCode(context.Background(), "Abc123", domain.Viewer{})
	assert.ErrorIs(t, err, domain.ErrPasteNotFound)
}
func TestPurgeExpired(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	old := newTestPaste(t, store, WithClock(func() time.Time { return time.Now().Add(-25 * time.Hour) }))
	for i := 0; i < 2; i++ {
		_, _, err := old.Create(ctx, domain.CreateParams{Title: "old", Content: "x", Language: "text", IsPublic: true})
		require.NoError(t, err)
	}
	p := newTestPaste(t, store)
	fresh, _, err := p.Create(ctx, domain.CreateParams{Title: "new", Content: "y", Language: "text", IsPublic: true})
	require.NoError(t, err)
	owned, _, err := p.Create(ctx, domain.CreateParams{Title: "mine", Content: "z", Language: "text", OwnerID: owner("alice")})
	require.NoError(t, err)

	n, err := p.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	n, err = p.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = p.GetByShortCode(ctx, fresh.ShortCode, domain.Viewer{})
	assert.NoError(t, err)
	_, err = p.GetByShortCode(ctx, owned.ShortCode, domain.Viewer{UserID: "alice"})
	assert.NoError(t, err)
}
func TestPurgeConcurrentCallsRemoveEachRowOnce(t *testing.T) {
	store := newSQLiteStore(t)
	ctx := context.Background()
	old := newTestPaste(t, store, WithClock(func() time.Time { return time.Now().Add(-25 * time.Hour) }))
	for i := 0; i < 20; i++ {
		_, _, err := old.Create(ctx, domain.CreateParams{Title: "old", Content: "x", Language: "text"})
		require.NoError(t, err)
	}
	var total atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			n, err := old.PurgeExpired(ctx)
			assert.NoError(t, err)
			total.Add(int64(n))
		}()
	}
	wg.Wait()
	assert.EqualValues(t, 20, total.Load())
}
func TestUpdateOwnership(t *testing.T) {
	p := newTestPaste(t, newSQLiteStore(t))
	ctx := context.Background()
	created, _, err := p.Create(ctx, domain.CreateParams{
		Title: "orig", Content: "orig", Language: "go", IsPublic: true, OwnerID: owner("alice"),
	})
	require.NoError(t, err)

	content := "hijacked"
	_, err = p.Update(ctx, created.ShortCode, "bob", domain.Patch{Content: &content})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = p.Update(ctx, created.ShortCode, "", domain.Patch{Content: &content})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = p.Update(ctx, created.ShortCode, "alice", domain.Patch{})
	assert.ErrorIs(t, err, domain.ErrEmptyPatch)
	_, err = p.Update(ctx, "Zz9Zz9", "alice", domain.Patch{Content: &content})
	assert.ErrorIs(t, err, domain.ErrPasteNotFound)

	got, err := p.GetByShortCode(ctx, created.ShortCode, domain.Viewer{})
	require.NoError(t, err)
	assert.Equal(t, "orig", got.Content)

	content = "edited"
	lang := "rust"
	updated, err := p.Update(ctx, created.ShortCode, "alice", domain.Patch{Content: &content, Language: &lang})
	require.NoError(t, err)
	assert.Equal(t, "edited", updated.Content)
	assert.Equal(t, "rust", updated.Language)
	assert.Equal(t, "orig", updated.Title)
	assert.False(t, updated.UpdatedAt.Before(created.UpdatedAt))
	assert.NotEmpty(t, updated.ShareURL)
}
func TestUpdateRejectsAnonymousPaste(t *testing.T) {
	p := newTestPaste(t, newSQLiteStore(t))
	ctx := context.Background()
	created, _, err := p.Create(ctx, domain.CreateParams{Title: "anon", Content: "x", Language: "text", IsPublic: true})
	require.NoError(t, err)
	title := "t"
	_, err = p.Update(ctx, created.ShortCode, "alice", domain.Patch{Title: &title})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	ok, err := p.Delete(ctx, created.ShortCode, "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}
func TestUpdateRaceLosesRow(t *testing.T) {
	store := new(mockStore)
	store.On("SelectByShortCode", mock.Anything, "Abc123").Return(&domain.Paste{
		ID: "id1", ShortCode: "Abc123", OwnerID: owner("alice"),
	}, nil)
	store.On("UpdateFields", mock.Anything, "id1", "alice", mock.Anything, mock.Anything).Return(nil, nil)
	p := newTestPaste(t, store)
	title := "t"
	_, err := p.Update(context.Background(), "Abc123", "alice", domain.Patch{Title: &title})
	assert.ErrorIs(t, err, domain.ErrPasteNotFound)
}
func TestDeleteOwnership(t *testing.T) {
	p := newTestPaste(t, newSQLiteStore(t))
	ctx := context.Background()
	a, _, err := p.Create(ctx, domain.CreateParams{Title: "a", Content: "a", Language: "go", IsPublic: true, OwnerID: owner("alice")})
	require.NoError(t, err)
	b, _, err := p.Create(ctx, domain.CreateParams{Title: "b", Content: "b", Language: "go", IsPublic: true, OwnerID: owner("alice")})
	require.NoError(t, err)

	ok, err := p.Delete(ctx, a.ShortCode, "bob")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = p.Delete(ctx, a.ShortCode, "")
	require.NoError(t, err)
	assert.False(t, ok)
	_, err = p.GetByShortCode(ctx, a.ShortCode, domain.Viewer{})
	require.NoError(t, err)

	ok, err = p.Delete(ctx, a.ShortCode, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	_, err = p.GetByShortCode(ctx, a.ShortCode, domain.Viewer{})
	assert.ErrorIs(t, err, domain.ErrPasteNotFound)

	ok, err = p.Delete(ctx, b.ID, "alice")
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = p.Delete(ctx, "Nope12", "alice")
	require.NoError(t, err)
	assert.False(t, ok)
}
func newTestCache(t *testing.T) *cache.LRU {
	t.Helper()
	c, err := cache.NewLRU(64)
	require.NoError(t, err)
	return c
}
func TestCacheServesRepeatReadsUntilWrite(t *testing.T) {
	store := new(mockStore)
	row := &domain.Paste{ID: "id1", ShortCode: "Abc123", Title: "v1", IsPublic: true, OwnerID: owner("alice")}
	store.On("SelectByShortCode", mock.Anything, "Abc123").Return(row, nil)
	store.On("InsertView", mock.Anything, mock.Anything).Return(nil)
	title := "v2"
	store.On("UpdateFields", mock.Anything, "id1", "alice", mock.Anything, mock.Anything).
		Return(&domain.Paste{ID: "id1", ShortCode: "Abc123", Title: "v2", IsPublic: true, OwnerID: owner("alice")}, nil)
	p := newTestPaste(t, store, WithCache(newTestCache(t), time.Minute))
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		got, err := p.GetByShortCode(ctx, "Abc123", domain.Viewer{})
		require.NoError(t, err)
		assert.Equal(t, "http://localhost:8080/paste/Abc123", got.ShareURL)
	}
	store.AssertNumberOfCalls(t, "SelectByShortCode", 1)

	_, err := p.Update(ctx, "Abc123", "alice", domain.Patch{Title: &title})
	require.NoError(t, err)
	_, err = p.GetByShortCode(ctx, "Abc123", domain.Viewer{})
	require.NoError(t, err)
	store.AssertNumberOfCalls(t, "SelectByShortCode", 2)
}
func TestCacheDropsDeletedPaste(t *testing.T) {
	p := newTestPaste(t, newSQLiteStore(t), WithCache(newTestCache(t), time.Minute))
	ctx := context.Background()
	a, _, err := p.Create(ctx, domain.CreateParams{Title: "a", Content: "a", Language: "go", IsPublic: true, OwnerID: owner("alice")})
	require.NoError(t, err)
	b, token, err := p.Create(ctx, domain.CreateParams{Title: "b", Content: "b", Language: "go", IsPublic: true})
	require.NoError(t, err)
	for _, code := range []string{a.ShortCode, b.ShortCode} {
		_, err := p.GetByShortCode(ctx, code, domain.Viewer{})
		require.NoError(t, err)
	}

	ok, err := p.Delete(ctx, a.ID, "alice")
	require.NoError(t, err)
	require.True(t, ok)
	_, err = p.GetByShortCode(ctx, a.ShortCode, domain.Viewer{})
	assert.ErrorIs(t, err, domain.ErrPasteNotFound)

	ok, err = p.DeleteWithToken(ctx, b.ShortCode, token)
	require.NoError(t, err)
	require.True(t, ok)
	_, err = p.GetByShortCode(ctx, b.ShortCode, domain.Viewer{})
	assert.ErrorIs(t, err, domain.ErrPasteNotFound)
}
func TestDeleteStorageErrorSurfaces(t *testing.T) {
	store := new(mockStore)
	store.On("DeleteByIDForOwner", mock.Anything, "some-uuid", "alice").Return(false, errors.New("disk full"))
	p := newTestPaste(t, store)
	_, err := p.Delete(context.Background(), "some-uuid", "alice")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk full")
}
func TestEditTokenFlow(t *testing.T) {
	p := newTestPaste(t, newSQLiteStore(t))
	ctx := context.Background()
	created, token, err := p.Create(ctx, domain.CreateParams{Title: "anon", Content: "v1", Language: "text", IsPublic: true})
	require.NoError(t, err)
	require.NotEmpty(t, token)

	content := "v2"
	_, err = p.UpdateWithToken(ctx, created.ShortCode, "wrong-token", domain.Patch{Content: &content})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = p.UpdateWithToken(ctx, created.ShortCode, "", domain.Patch{Content: &content})
	assert.ErrorIs(t, err, domain.ErrForbidden)
	_, err = p.UpdateWithToken(ctx, created.ShortCode, token, domain.Patch{})
	assert.ErrorIs(t, err, domain.ErrEmptyPatch)

	updated, err := p.UpdateWithToken(ctx, created.ShortCode, token, domain.Patch{Content: &content})
	require.NoError(t, err)
	assert.Equal(t, "v2", updated.Content)
	require.NotNil(t, updated.ExpiresAt)
	assert.WithinDuration(t, *created.ExpiresAt, *updated.ExpiresAt, time.Second)

	ok, err := p.DeleteWithToken(ctx, created.ShortCode, "wrong-token")
	require.NoError(t, err)
	assert.False(t, ok)
	ok, err = p.DeleteWithToken(ctx, created.ShortCode, token)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, err = p.DeleteWithToken(ctx, created.ShortCode, token)
	require.NoError(t, err)
	assert.False(t, ok)
}
func TestEditTokenRejectedForOwnedPaste(t *testing.T) {
	p := newTestPaste(t, newSQLiteStore(t))
	ctx := context.Background()
	created, _, err := p.Create(ctx, domain.CreateParams{Title: "mine", Content: "x", Language: "text", IsPublic: true, OwnerID: owner("alice")})
	require.NoError(t, err)
	title := "t"
	_, err = p.UpdateWithToken(ctx, created.ShortCode, "anything", domain.Patch{Title: &title})
	assert.ErrorIs(t, err, domain.ErrForbidden)
}
func TestNoTokenWithoutHasher(t *testing.T) {
	p := NewPaste(newSQLiteStore(t), shortcode.New(), testCfg())
	defer p.Shutdown()
	created, token, err := p.Create(context.Background(), domain.CreateParams{Title: "anon", Content: "x", Language: "text", IsPublic: true})
	require.NoError(t, err)
	assert.Empty(t, token)
	assert.NotNil(t, created.ExpiresAt)
}

// barrierStore holds the first two existence checks until both have run, so
// both creators see the same candidate as free.
type barrierStore struct {
	*db.SQLite
	arrived sync.WaitGroup
	calls   atomic.Int32
}

func (b *barrierStore) ExistsByShortCode(ctx context.Context, code string) (bool, error) {
	ok, err := b.SQLite.ExistsByShortCode(ctx, code)
	if b.calls.Add(1) <= 2 {
		b.arrived.Done()
		b.arrived.Wait()
	}
	return ok, err
}

func TestConcurrentCreatesSameCandidate(t *testing.T) {
	store := &barrierStore{SQLite: newSQLiteStore(t)}
	store.arrived.Add(2)
	var n atomic.Int32
	gen := func() (string, error) {
		i := n.Add(1)
		if i <= 2 {
			return "AAAAAA", nil
		}
		return fmt.Sprintf("B%05d", i), nil
	}
	p := NewPaste(store, shortcode.New(shortcode.WithGenerator(gen)), testCfg())
	defer p.Shutdown()

	var wg sync.WaitGroup
	codes := make([]string, 2)
	for i := range codes {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			created, _, err := p.Create(context.Background(), domain.CreateParams{
				Title: "race", Content: fmt.Sprint(i), Language: "text", IsPublic: true, OwnerID: owner("u"),
			})
			if assert.NoError(t, err) {
				codes[i] = created.ShortCode
			}
		}(i)
	}
	wg.Wait()
	assert.NotEqual(t, codes[0], codes[1])
	assert.Contains(t, codes, "AAAAAA")

	list, total, err := store.ListByOwner(context.Background(), "u", domain.Page{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	assert.Len(t, list, 2)
}
func TestCreateGivesUpAfterMaxInsertAttempts(t *testing.T) {
	store := new(mockStore)
	store.On("ExistsByShortCode", mock.Anything, mock.Anything).Return(false, nil)
	store.On("Insert", mock.Anything, mock.Anything).Return(domain.ErrShortCodeTaken)
	p := newTestPaste(t, store)
	_, _, err := p.Create(context.Background(), domain.CreateParams{Title: "t", Content: "c", Language: "text", OwnerID: owner("u")})
	assert.ErrorIs(t, err, domain.ErrIDGenerationFailed)
	store.AssertNumberOfCalls(t, "Insert", MaxInsertAttempts)
}
func TestCreatePropagatesStorageErrors(t *testing.T) {
	store := new(mockStore)
	store.On("ExistsByShortCode", mock.Anything, mock.Anything).Return(false, errors.New("connection refused"))
	p := newTestPaste(t, store)
	_, _, err := p.Create(context.Background(), domain.CreateParams{Title: "t", Content: "c", Language: "text"})
	require.Error(t, err)
	assert.NotErrorIs(t, err, domain.ErrIDGenerationFailed)
	assert.Contains(t, err.Error(), "connection refused")
	store.AssertNotCalled(t, "Insert", mock.Anything, mock.Anything)

	store = new(mockStore)
	store.On("ExistsByShortCode", mock.Anything, mock.Anything).Return(false, nil)
	store.On("Insert", mock.Anything, mock.Anything).Return(errors.New("readonly database"))
	p = newTestPaste(t, store)
	_, _, err = p.Create(context.Background(), domain.CreateParams{Title: "t", Content: "c", Language: "text"})
	require.Error(t, err)
	store.AssertNumberOfCalls(t, "Insert", 1)
}
func TestViewRecordsHashedIP(t *testing.T) {
	store := new(mockStore)
	paste := &domain.Paste{ID: "id1", ShortCode: "Abc123", IsPublic: true, OwnerID: owner("alice")}
	store.On("SelectByShortCode", mock.Anything, "Abc123").Return(paste, nil)
	recorded := make(chan domain.View, 1)
	store.On("InsertView", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		recorded <- args.Get(1).(domain.View)
	}).Return(nil)
	p := newTestPaste(t, store)

	_, err := p.GetByShortCode(context.Background(), "Abc123", domain.Viewer{UserID: "bob", IP: "198.51.100.1"})
	require.NoError(t, err)
	select {
	case v := <-recorded:
		assert.Equal(t, "id1", v.PasteID)
		require.NotNil(t, v.ViewerIPHash)
		assert.Equal(t, "hashed:198.51.100.1", *v.ViewerIPHash)
		require.NotNil(t, v.ViewerID)
		assert.Equal(t, "bob", *v.ViewerID)
	case <-time.After(2 * time.Second):
		t.Fatal("view was not recorded")
	}
}
func TestViewWorkerSurvivesPanickingRecord(t *testing.T) {
	store := new(mockStore)
	paste := &domain.Paste{ID: "id1", ShortCode: "Abc123", IsPublic: true, OwnerID: owner("alice")}
	store.On("SelectByShortCode", mock.Anything, "Abc123").Return(paste, nil)
	store.On("InsertView", mock.Anything, mock.Anything).Run(func(mock.Arguments) { panic("driver bug") }).Return(nil).Once()
	recorded := make(chan domain.View, 1)
	store.On("InsertView", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		recorded <- args.Get(1).(domain.View)
	}).Return(nil)
	c := testCfg()
	c.ViewWorkers = 1
	p := NewPaste(store, shortcode.New(), c)
	t.Cleanup(p.Shutdown)

	for i := 0; i < 2; i++ {
		_, err := p.GetByShortCode(context.Background(), "Abc123", domain.Viewer{})
		require.NoError(t, err)
	}
	select {
	case v := <-recorded:
		assert.Equal(t, "id1", v.PasteID)
	case <-time.After(2 * time.Second):
		t.Fatal("the only worker stopped after a panic")
	}
	store.AssertNumberOfCalls(t, "InsertView", 2)
}
func TestReadDoesNotWaitOnFullViewQueue(t *testing.T) {
	store := new(mockStore)
	paste := &domain.Paste{ID: "id1", ShortCode: "Abc123", IsPublic: true, OwnerID: owner("alice")}
	store.On("SelectByShortCode", mock.Anything, "Abc123").Return(paste, nil)
	release := make(chan struct{})
	store.On("InsertView", mock.Anything, mock.Anything).Run(func(mock.Arguments) { <-release }).Return(nil)
	c := testCfg()
	c.ViewWorkers = 1
	c.ViewQueueSize = 1
	p := NewPaste(store, shortcode.New(), c)

	done := make(chan struct{})
	go func() {
		for i := 0; i < 50; i++ {
			_, err := p.GetByShortCode(context.Background(), "Abc123", domain.Viewer{})
			assert.NoError(t, err)
		}
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("reads blocked on the view queue")
	}
	close(release)
	p.Shutdown()
}
func TestShutdownRejectsWrites(t *testing.T) {
	store := newSQLiteStore(t)
	p := NewPaste(store, shortcode.New(), testCfg())
	created, _, err := p.Create(context.Background(), domain.CreateParams{Title: "t", Content: "c", Language: "text", IsPublic: true})
	require.NoError(t, err)
	p.Shutdown()
	p.Shutdown()

	_, _, err = p.Create(context.Background(), domain.CreateParams{Title: "t", Content: "c", Language: "text"})
	assert.ErrorIs(t, err, ErrShuttingDown)
	_, err = p.GetByShortCode(context.Background(), created.ShortCode, domain.Viewer{})
	assert.NoError(t, err, "reads still work, their views are dropped")
}
func TestListMineAndExplore(t *testing.T) {
	p := newTestPaste(t, newSQLiteStore(t))
	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, _, err := p.Create(ctx, domain.CreateParams{
			Title: fmt.Sprintf("alice %d", i), Content: "x", Language: "go", IsPublic: i%2 == 0, OwnerID: owner("alice"),
		})
		require.NoError(t, err)
	}
	_, _, err := p.Create(ctx, domain.CreateParams{Title: "anon", Content: "needle", Language: "text", IsPublic: true})
	require.NoError(t, err)

	_, _, err = p.ListMine(ctx, "", domain.Page{})
	assert.ErrorIs(t, err, domain.ErrUnauthorized)
	mine, total, err := p.ListMine(ctx, "alice", domain.Page{Page: 1, Limit: 2})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, mine, 2)
	assert.NotEmpty(t, mine[0].ShareURL)

	public, total, err := p.Explore(ctx, domain.ExploreQuery{})
	require.NoError(t, err)
	assert.Equal(t, 3, total)
	assert.Len(t, public, 3)
	found, total, err := p.Explore(ctx, domain.ExploreQuery{Search: "NEEDLE"})
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	assert.Equal(t, "anon", found[0].Title)
}
func TestRunPurger(t *testing.T) {
	store := newSQLiteStore(t)
	old := newTestPaste(t, store, WithClock(func() time.Time { return time.Now().Add(-25 * time.Hour) }))
	created, _, err := old.Create(context.Background(), domain.CreateParams{Title: "old", Content: "x", Language: "text"})
	require.NoError(t, err)

	p := newTestPaste(t, store)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- p.RunPurger(ctx, 10*time.Millisecond) }()

	require.Eventually(t, func() bool {
		exists, err := store.ExistsByShortCode(context.Background(), created.ShortCode)
		return err == nil && !exists
	}, 2*time.Second, 10*time.Millisecond)
	assert.Error(t, p.RunPurger(ctx, time.Second), "a second purger is refused")
	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("purger did not stop")
	}
}
func TestNewPastePanicsOnNilDeps(t *testing.T) {
	assert.Panics(t, func() { NewPaste(nil, shortcode.New(), testCfg()) })
	assert.Panics(t, func() { NewPaste(new(mockStore), nil, testCfg()) })
	assert.Panics(t, func() { NewPaste(new(mockStore), shortcode.New(), nil) })
}
