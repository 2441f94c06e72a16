package cache

import (
	"codeshare/pkg/domain"
	"context"
	"sync"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/pkg/errors"
)

const MaxSize = 100000

var ErrSize = errors.New("cache size out of range")

// LRU holds recently read pastes keyed by short code. Entries never outlive
// the paste's own expiry.
type LRU struct {
	c     *lru.Cache[string, item]
	mu    sync.Mutex
	epoch uint64
	now   func() time.Time
}
type item struct {
	paste *domain.Paste
	exp   time.Time
}

func NewLRU(size int) (*LRU, error) {
	if size <= 0 || size > MaxSize {
		return nil, errors.Wrapf(ErrSize, "size %d", size)
	}
	c, err := lru.New[string, item](size)
	if err != nil {
		return nil, errors.Wrap(err, "new lru")
	}
	return &LRU{c: c, now: time.Now}, nil
}

// Get returns a copy of the cached paste, or nil on a miss.
func (l *LRU) Get(ctx context.Context, code string) *domain.Paste {
	select {
	case <-ctx.Done():
		return nil
	default:
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	it, ok := l.c.Get(code)
	if !ok {
		return nil
	}
	if !l.now().Before(it.exp) {
		l.c.Remove(code)
		return nil
	}
	cp := *it.paste
	return &cp
}

// Epoch is read before a store lookup and handed back to Set, so a row read
// before an invalidation is never cached after it.
func (l *LRU) Epoch() uint64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.epoch
}
func (l *LRU) Set(ctx context.Context, p *domain.Paste, ttl time.Duration, epoch uint64) {
	if ctx.Err() != nil {
		return
	}
	exp := l.now().Add(ttl)
	if p.ExpiresAt != nil && p.ExpiresAt.Before(exp) {
		exp = *p.ExpiresAt
	}
	cp := *p
	cp.ShareURL = ""
	l.mu.Lock()
	defer l.mu.Unlock()
	if epoch != l.epoch {
		return
	}
	l.c.Add(p.ShortCode, item{paste: &cp, exp: exp})
}
func (l *LRU) Delete(code string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.epoch++
	l.c.Remove(code)
}

// DeleteID drops the entry for an internal paste id.
func (l *LRU) DeleteID(id string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.epoch++
	for _, code := range l.c.Keys() {
		if it, ok := l.c.Peek(code); ok && it.paste.ID == id {
			l.c.Remove(code)
			return
		}
	}
}
func (l *LRU) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.c.Len()
}
