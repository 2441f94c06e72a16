package db

import (
	"codeshare/pkg/domain"
	"context"
	"database/sql"
	"sync/atomic"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pkg/errors"
)

var ErrCircuitOpen = errors.New("database circuit breaker open")

const (
	circuitClosed   = 0
	circuitOpen     = 1
	circuitHalfOpen = 2
	maxFailures     = 5
	cooldownSeconds = 30
)

// breaker trips after maxFailures consecutive storage failures. Once the
// cooldown has passed it admits one trial request at a time; one that never
// reports back is replaced after another cooldown.
type breaker struct {
	failures int32
	state    int32
	opened   int64
}

func (b *breaker) check() error {
	if atomic.LoadInt32(&b.state) == circuitClosed {
		return nil
	}
	opened := atomic.LoadInt64(&b.opened)
	now := time.Now().Unix()
	if now-opened >= cooldownSeconds && atomic.CompareAndSwapInt64(&b.opened, opened, now) {
		atomic.StoreInt32(&b.state, circuitHalfOpen)
		return nil
	}
	return ErrCircuitOpen
}
func (b *breaker) record(err error) {
	halfOpen := atomic.LoadInt32(&b.state) == circuitHalfOpen
	if err == nil || (halfOpen && answered(err)) {
		atomic.StoreInt32(&b.failures, 0)
		atomic.StoreInt32(&b.state, circuitClosed)
		return
	}
	if benign(err) {
		return
	}
	if halfOpen {
		atomic.StoreInt64(&b.opened, time.Now().Unix())
		atomic.StoreInt32(&b.state, circuitOpen)
		atomic.StoreInt32(&b.failures, 0)
		return
	}
	failures := atomic.AddInt32(&b.failures, 1)
	if failures >= maxFailures && atomic.LoadInt32(&b.state) == circuitClosed {
		atomic.StoreInt64(&b.opened, time.Now().Unix())
		atomic.StoreInt32(&b.state, circuitOpen)
	}
}

// answered errors come back from a database that is up.
func answered(err error) bool {
	return errors.Is(err, sql.ErrNoRows) ||
		errors.Is(err, pgx.ErrNoRows) ||
		errors.Is(err, domain.ErrShortCodeTaken) ||
		errors.Is(err, domain.ErrPasteNotFound)
}

// benign errors say nothing about the health of the database.
func benign(err error) bool {
	return answered(err) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}
