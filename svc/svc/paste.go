package svc

import (
	"codeshare/cfg"
	"codeshare/metrics"
	"codeshare/pkg/domain"
	"codeshare/pkg/shortcode"
	"codeshare/svc/util"
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	gonanoid "github.com/matoous/go-nanoid/v2"
	"github.com/pkg/errors"
)

const (
	MaxInsertAttempts = 5
	EditTokenLength   = 32
	viewRecordTimeout = 5 * time.Second
	drainTimeout      = 10 * time.Second
)

var ErrShuttingDown = errors.New("service shutting down")

type Paste struct {
	store        Store
	alloc        *shortcode.Allocator
	hasher       TokenHasher
	ipHasher     IPHasher
	cache        Cache
	cacheTTL     time.Duration
	cfg          *cfg.Cfg
	now          func() time.Time
	viewQueue    chan domain.View
	viewWorkerWg sync.WaitGroup
	queueMu      sync.RWMutex
	queueClosed  bool
	shutdownCtx  context.Context
	shutdownFn   context.CancelFunc
	shutdown     atomic.Bool
	opMu         sync.RWMutex
	opWg         sync.WaitGroup
	shutdownOnce sync.Once
	purging      atomic.Bool
}

type Option func(*Paste)

// WithTokenHasher enables edit tokens for anonymous pastes.
func WithTokenHasher(h TokenHasher) Option {
	return func(p *Paste) { p.hasher = h }
}

// WithIPHasher stores hashed viewer addresses with each view record.
func WithIPHasher(h IPHasher) Option {
	return func(p *Paste) { p.ipHasher = h }
}

// WithCache puts a read-through cache in front of short code lookups.
// Writes made by this instance invalidate it; writes from other instances
// become visible after ttl.
func WithCache(c Cache, ttl time.Duration) Option {
	return func(p *Paste) {
		p.cache = c
		p.cacheTTL = ttl
	}
}
func WithClock(fn func() time.Time) Option {
	return func(p *Paste) { p.now = fn }
}

func NewPaste(store Store, alloc *shortcode.Allocator, c *cfg.Cfg, opts ...Option) *Paste {
	if store == nil || alloc == nil || c == nil {
		panic("paste service: nil dependency (store, allocator, or cfg)")
	}
	shutdownCtx, shutdownFn := context.WithCancel(context.Background())
	workers := c.ViewWorkers
	if workers <= 0 {
		workers = 4
	}
	queueSize := c.ViewQueueSize
	if queueSize <= 0 {
		queueSize = workers * 100
	}
	p := &Paste{
		store:       store,
		alloc:       alloc,
		cfg:         c,
		now:         time.Now,
		viewQueue:   make(chan domain.View, queueSize),
		shutdownCtx: shutdownCtx,
		shutdownFn:  shutdownFn,
	}
	for _, opt := range opts {
		opt(p)
	}
	p.startWorkers(workers)
	return p
}
func (p *Paste) startWorkers(n int) {
	for i := 0; i < n; i++ {
		p.viewWorkerWg.Add(1)
		go p.viewWorker()
	}
}
func (p *Paste) viewWorker() {
	defer p.viewWorkerWg.Done()
	for v := range p.viewQueue {
		p.recordView(v)
	}
}

// recordView persists one view. A panic loses that record only.
func (p *Paste) recordView(v domain.View) {
	defer func() {
		if r := recover(); r != nil {
			metrics.ViewRecordFailures.Inc()
			util.Error().Interface("panic", r).Str("paste_id", v.PasteID).Msg("view record panicked")
		}
	}()
	ctx, cancel := context.WithTimeout(p.shutdownCtx, viewRecordTimeout)
	defer cancel()
	if err := p.store.InsertView(ctx, v); err != nil {
		metrics.ViewRecordFailures.Inc()
		util.Warn().Err(err).Str("paste_id", v.PasteID).Msg("failed to record view")
	}
}

// Shutdown stops accepting work, waits for in-flight operations and drains
// queued view records.
func (p *Paste) Shutdown() {
	p.shutdownOnce.Do(func() {
		p.opMu.Lock()
		p.shutdown.Store(true)
		p.opMu.Unlock()
		p.opWg.Wait()
		p.queueMu.Lock()
		p.queueClosed = true
		close(p.viewQueue)
		p.queueMu.Unlock()
		done := make(chan struct{})
		go func() {
			p.viewWorkerWg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-time.After(drainTimeout):
			util.Warn().Msg("view workers didn't stop in time")
		}
		p.shutdownFn()
		util.Debug().Msg("paste service shutdown complete")
	})
}

// begin registers an in-flight operation. opMu orders the Add against the
// Wait in Shutdown.
func (p *Paste) begin() error {
	p.opMu.RLock()
	defer p.opMu.RUnlock()
	if p.shutdown.Load() {
		return ErrShuttingDown
	}
	p.opWg.Add(1)
	return nil
}
func (p *Paste) invalidate(code string) {
	if p.cache != nil {
		p.cache.Delete(code)
	}
}
func (p *Paste) shareURL(code string) string {
	return p.cfg.BaseURL + "/paste/" + code
}

// Create stores a new paste under a freshly allocated short code. Anonymous
// pastes expire after the configured TTL and, when a token hasher is set,
// come with a one-time edit token returned as the second result.
func (p *Paste) Create(ctx context.Context, params domain.CreateParams) (*domain.Paste, string, error) {
	if err := p.begin(); err != nil {
		return nil, "", err
	}
	defer p.opWg.Done()

	now := p.now().UTC()
	paste := &domain.Paste{
		ID:        uuid.NewString(),
		Title:     params.Title,
		Content:   params.Content,
		Language:  params.Language,
		IsPublic:  params.IsPublic,
		CreatedAt: now,
		UpdatedAt: now,
	}
	var editToken string
	if params.OwnerID != nil && *params.OwnerID != "" {
		owner := *params.OwnerID
		paste.OwnerID = &owner
	} else {
		expires := now.Add(p.cfg.AnonTTL)
		paste.ExpiresAt = &expires
		if p.hasher != nil {
			token, err := gonanoid.New(EditTokenLength)
			if err != nil {
				return nil, "", errors.Wrap(err, "gen edit token")
			}
			hash, err := p.hasher.Hash(token)
			if err != nil {
				return nil, "", errors.Wrap(err, "hash edit token")
			}
			paste.EditTokenHash = hash
			editToken = token
		}
	}

	for attempt := 1; attempt <= MaxInsertAttempts; attempt++ {
		code, err := p.alloc.AllocateUnique(ctx, p.store.ExistsByShortCode)
		if err != nil {
			return nil, "", errors.Wrap(err, "allocate short code")
		}
		paste.ShortCode = code
		err = p.store.Insert(ctx, paste)
		if err == nil {
			paste.ShareURL = p.shareURL(code)
			metrics.PasteCreated.Inc()
			util.Info().
				Str("short_code", code).
				Bool("anonymous", paste.IsAnonymous()).
				Int("attempt", attempt).
				Msg("paste created")
			return paste, editToken, nil
		}
		if !errors.Is(err, domain.ErrShortCodeTaken) {
			return nil, "", errors.Wrap(err, "insert paste")
		}
		metrics.InsertRetries.Inc()
		util.Warn().Str("short_code", code).Int("attempt", attempt).Msg("short code taken on insert, reallocating")
	}
	return nil, "", domain.ErrIDGenerationFailed
}

// lookup resolves a short code to a live paste.
func (p *Paste) lookup(ctx context.Context, code string) (*domain.Paste, error) {
	if !shortcode.IsValidFormat(code) {
		return nil, domain.ErrPasteNotFound
	}
	var epoch uint64
	if p.cache != nil {
		if cached := p.cache.Get(ctx, code); cached != nil && !cached.IsExpired(p.now()) {
			return cached, nil
		}
		epoch = p.cache.Epoch()
	}
	paste, err := p.store.SelectByShortCode(ctx, code)
	if err != nil {
		if errors.Is(err, domain.ErrPasteNotFound) {
			return nil, domain.ErrPasteNotFound
		}
		return nil, errors.Wrap(err, "get paste")
	}
	if paste.IsExpired(p.now()) {
		return nil, domain.ErrPasteNotFound
	}
	if p.cache != nil {
		p.cache.Set(ctx, paste, p.cacheTTL, epoch)
	}
	return paste, nil
}

// GetByShortCode returns a live paste visible to viewer and queues a view
// record without waiting for it.
func (p *Paste) GetByShortCode(ctx context.Context, code string, viewer domain.Viewer) (*domain.Paste, error) {
	paste, err := p.lookup(ctx, code)
	if err != nil {
		return nil, err
	}
	if !paste.VisibleTo(viewer.UserID) {
		return nil, domain.ErrForbidden
	}
	p.enqueueView(paste, viewer)
	paste.ShareURL = p.shareURL(paste.ShortCode)
	metrics.PasteRetrieved.Inc()
	return paste, nil
}
func (p *Paste) enqueueView(paste *domain.Paste, viewer domain.Viewer) {
	v := domain.View{PasteID: paste.ID, CreatedAt: p.now().UTC()}
	if viewer.UserID != "" {
		id := viewer.UserID
		v.ViewerID = &id
	}
	if viewer.IP != "" && p.ipHasher != nil {
		hash, err := p.ipHasher.HashIP(viewer.IP)
		if err != nil {
			util.Warn().Err(err).Msg("failed to hash viewer ip")
		} else {
			v.ViewerIPHash = &hash
		}
	}
	p.queueMu.RLock()
	defer p.queueMu.RUnlock()
	if p.queueClosed {
		metrics.ViewsDropped.Inc()
		return
	}
	select {
	case p.viewQueue <- v:
	default:
		metrics.ViewsDropped.Inc()
		util.Warn().Str("short_code", paste.ShortCode).Msg("view queue full, dropping view")
	}
}

// Update applies patch to a paste owned by requesterID.
func (p *Paste) Update(ctx context.Context, code, requesterID string, patch domain.Patch) (*domain.Paste, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	if requesterID == "" {
		return nil, domain.ErrForbidden
	}
	paste, err := p.lookup(ctx, code)
	if err != nil {
		return nil, err
	}
	if !paste.OwnedBy(requesterID) {
		return nil, domain.ErrForbidden
	}
	if patch.Empty() {
		return nil, domain.ErrEmptyPatch
	}
	updated, err := p.store.UpdateFields(ctx, paste.ID, requesterID, patch, p.now().UTC())
	p.invalidate(paste.ShortCode)
	if err != nil {
		return nil, errors.Wrap(err, "update paste")
	}
	if updated == nil {
		return nil, domain.ErrPasteNotFound
	}
	updated.ShareURL = p.shareURL(updated.ShortCode)
	metrics.PasteUpdated.Inc()
	util.Info().Str("short_code", code).Msg("paste updated")
	return updated, nil
}

// Delete removes a paste owned by requesterID. codeOrID may be a short code
// or an internal id. Missing and foreign pastes report false without error.
func (p *Paste) Delete(ctx context.Context, codeOrID, requesterID string) (bool, error) {
	if err := p.begin(); err != nil {
		return false, err
	}
	defer p.opWg.Done()
	if requesterID == "" {
		return false, nil
	}
	id := codeOrID
	if shortcode.IsValidFormat(codeOrID) {
		paste, err := p.lookup(ctx, codeOrID)
		if errors.Is(err, domain.ErrPasteNotFound) {
			return false, nil
		}
		if err != nil {
			return false, err
		}
		id = paste.ID
	}
	deleted, err := p.store.DeleteByIDForOwner(ctx, id, requesterID)
	if p.cache != nil {
		p.cache.DeleteID(id)
	}
	if err != nil {
		return false, errors.Wrap(err, "delete paste")
	}
	if deleted {
		metrics.PasteDeleted.Inc()
		util.Info().Str("paste_id", id).Msg("paste deleted")
	}
	return deleted, nil
}

// checkToken loads an anonymous paste and verifies the edit token against it.
func (p *Paste) checkToken(ctx context.Context, code, token string) (*domain.Paste, error) {
	paste, err := p.lookup(ctx, code)
	if err != nil {
		return nil, err
	}
	if p.hasher == nil || token == "" || !paste.IsAnonymous() || paste.EditTokenHash == "" {
		return nil, domain.ErrForbidden
	}
	match, _, err := p.hasher.Verify(token, paste.EditTokenHash)
	if err != nil {
		return nil, errors.Wrap(err, "verify edit token")
	}
	if !match {
		util.Warn().Str("short_code", code).Str("token", util.RedactToken(token)).Msg("edit token mismatch")
		return nil, domain.ErrForbidden
	}
	return paste, nil
}

// UpdateWithToken edits an anonymous paste by its edit token. The expiry is
// left unchanged.
func (p *Paste) UpdateWithToken(ctx context.Context, code, token string, patch domain.Patch) (*domain.Paste, error) {
	if err := p.begin(); err != nil {
		return nil, err
	}
	defer p.opWg.Done()
	paste, err := p.checkToken(ctx, code, token)
	if err != nil {
		return nil, err
	}
	if patch.Empty() {
		return nil, domain.ErrEmptyPatch
	}
	updated, err := p.store.UpdateAnonymous(ctx, paste.ID, paste.EditTokenHash, patch, p.now().UTC())
	p.invalidate(paste.ShortCode)
	if err != nil {
		return nil, errors.Wrap(err, "update anonymous paste")
	}
	if updated == nil {
		return nil, domain.ErrPasteNotFound
	}
	updated.ShareURL = p.shareURL(updated.ShortCode)
	metrics.PasteUpdated.Inc()
	return updated, nil
}

func (p *Paste) DeleteWithToken(ctx context.Context, code, token string) (bool, error) {
	if err := p.begin(); err != nil {
		return false, err
	}
	defer p.opWg.Done()
	paste, err := p.checkToken(ctx, code, token)
	if errors.Is(err, domain.ErrPasteNotFound) || errors.Is(err, domain.ErrForbidden) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	deleted, err := p.store.DeleteAnonymous(ctx, paste.ID, paste.EditTokenHash)
	p.invalidate(paste.ShortCode)
	if err != nil {
		return false, errors.Wrap(err, "delete anonymous paste")
	}
	if deleted {
		metrics.PasteDeleted.Inc()
		util.Info().Str("short_code", code).Msg("anonymous paste deleted via token")
	}
	return deleted, nil
}

// ListMine pages through the pastes owned by ownerID, newest first.
func (p *Paste) ListMine(ctx context.Context, ownerID string, page domain.Page) ([]*domain.Paste, int, error) {
	if ownerID == "" {
		return nil, 0, domain.ErrUnauthorized
	}
	pastes, total, err := p.store.ListByOwner(ctx, ownerID, page.Normalize())
	if err != nil {
		return nil, 0, errors.Wrap(err, "list owner pastes")
	}
	for _, paste := range pastes {
		paste.ShareURL = p.shareURL(paste.ShortCode)
	}
	return pastes, total, nil
}

// Explore lists live public pastes.
func (p *Paste) Explore(ctx context.Context, q domain.ExploreQuery) ([]*domain.Paste, int, error) {
	q.Page = q.Page.Normalize()
	if q.Sort == "" {
		q.Sort = domain.SortRecent
	}
	pastes, total, err := p.store.ListPublic(ctx, q)
	if err != nil {
		return nil, 0, errors.Wrap(err, "list public pastes")
	}
	for _, paste := range pastes {
		paste.ShareURL = p.shareURL(paste.ShortCode)
	}
	return pastes, total, nil
}

// PurgeExpired physically removes expired pastes and reports how many went.
func (p *Paste) PurgeExpired(ctx context.Context) (int, error) {
	n, err := p.store.DeleteWhereExpired(ctx)
	if n > 0 {
		metrics.PastePurged.Add(float64(n))
	}
	if err != nil {
		return n, errors.Wrap(err, "purge expired")
	}
	return n, nil
}

// RunPurger calls PurgeExpired every interval until ctx is done.
func (p *Paste) RunPurger(ctx context.Context, interval time.Duration) error {
	if !p.purging.CompareAndSwap(false, true) {
		return errors.New("purger already running")
	}
	defer p.purging.Store(false)
	requestID := util.NewRequestID()
	ctx = util.SetRequestID(ctx, requestID)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	util.Info().
		Str("request_id", requestID).
		Dur("interval", interval).
		Msg("purge worker started")
	for {
		select {
		case <-ctx.Done():
			util.Info().
				Str("request_id", requestID).
				Msg("purge worker shutting down")
			return nil
		case <-ticker.C:
			metrics.PruneCycles.Inc()
			deleted, err := p.PurgeExpired(ctx)
			if err != nil {
				if ctx.Err() != nil {
					continue
				}
				util.Error().
					Err(err).
					Str("request_id", requestID).
					Msg("purge failed")
			} else if deleted > 0 {
				util.Info().
					Int("deleted", deleted).
					Str("request_id", requestID).
					Msg("purge completed")
			}
		}
	}
}
